package postgres

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/covenant-markets/callvault/internal/domain"
)

// BidStore implements domain.BidStore using PostgreSQL. Rows are the
// historical bid tape; live escrow lives in the funds ledger.
type BidStore struct {
	pool *pgxpool.Pool
}

// NewBidStore creates a new BidStore backed by the given connection pool.
func NewBidStore(pool *pgxpool.Pool) *BidStore {
	return &BidStore{pool: pool}
}

// Insert appends one bid to the tape.
func (s *BidStore) Insert(ctx context.Context, b domain.Bid) error {
	const query = `INSERT INTO bids (option_id, bidder, amount, placed_at) VALUES ($1, $2, $3, $4)`

	_, err := s.pool.Exec(ctx, query,
		int64(b.OptionID), addrToDB(b.Bidder), bigToDB(b.Amount), b.PlacedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert bid for option %d: %w", b.OptionID, err)
	}
	return nil
}

// ListByOption returns the bid tape for one option, newest first.
func (s *BidStore) ListByOption(ctx context.Context, id domain.OptionID, opts domain.ListOpts) ([]domain.Bid, error) {
	query := `SELECT option_id, bidder, amount, placed_at FROM bids WHERE option_id = $1 ORDER BY placed_at DESC`
	args := []any{int64(id)}
	query, args = applyListOpts(query, args, opts)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list bids for option %d: %w", id, err)
	}
	defer rows.Close()

	var out []domain.Bid
	for rows.Next() {
		var b domain.Bid
		var optionID int64
		var bidder string
		var amount *string

		if err := rows.Scan(&optionID, &bidder, &amount, &b.PlacedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan bid: %w", err)
		}
		b.OptionID = domain.OptionID(optionID)
		b.Bidder = common.HexToAddress(bidder)
		b.Amount = bigFromDB(amount)
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list bids rows: %w", err)
	}
	return out, nil
}

var _ domain.BidStore = (*BidStore)(nil)
