package postgres

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/covenant-markets/callvault/internal/domain"
)

// OptionStore implements domain.OptionStore using PostgreSQL.
type OptionStore struct {
	pool *pgxpool.Pool
}

// NewOptionStore creates a new OptionStore backed by the given connection pool.
func NewOptionStore(pool *pgxpool.Pool) *OptionStore {
	return &OptionStore{pool: pool}
}

// bigToDB renders a wei amount as a decimal string for NUMERIC columns.
func bigToDB(v *big.Int) *string {
	if v == nil {
		return nil
	}
	s := v.String()
	return &s
}

// bigFromDB parses a NUMERIC column scanned as string.
func bigFromDB(s *string) *big.Int {
	if s == nil {
		return nil
	}
	v, ok := new(big.Int).SetString(*s, 10)
	if !ok {
		return nil
	}
	return v
}

func addrToDB(a domain.Address) string { return a.Hex() }

func addrPtrToDB(a domain.Address) *string {
	if a == domain.ZeroAddress {
		return nil
	}
	s := a.Hex()
	return &s
}

func addrFromDB(s *string) domain.Address {
	if s == nil {
		return domain.ZeroAddress
	}
	return common.HexToAddress(*s)
}

// Upsert writes the full option record, replacing any previous row.
func (s *OptionStore) Upsert(ctx context.Context, o domain.CallOption) error {
	const query = `
		INSERT INTO options (
			id, writer, vault, asset_id, strike_price, expiration, state,
			high_bid, high_bidder, settlement_holder, created_at, closed_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8, $9, $10, $11, $12, NOW()
		)
		ON CONFLICT (id) DO UPDATE SET
			state = EXCLUDED.state,
			high_bid = EXCLUDED.high_bid,
			high_bidder = EXCLUDED.high_bidder,
			settlement_holder = EXCLUDED.settlement_holder,
			closed_at = EXCLUDED.closed_at,
			updated_at = NOW()`

	_, err := s.pool.Exec(ctx, query,
		int64(o.ID), addrToDB(o.Writer), addrToDB(o.Vault), int64(o.AssetID),
		bigToDB(o.StrikePrice), o.Expiration, string(o.State),
		bigToDB(o.HighBid), addrPtrToDB(o.HighBidder), addrPtrToDB(o.SettlementHolder),
		o.CreatedAt, o.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert option %d: %w", o.ID, err)
	}
	return nil
}

const optionSelectCols = `id, writer, vault, asset_id, strike_price, expiration, state,
	high_bid, high_bidder, settlement_holder, created_at, closed_at`

func scanOptionFromRow(
	scanner interface{ Scan(dest ...any) error },
) (domain.CallOption, error) {
	var o domain.CallOption
	var id, assetID int64
	var writer, vault, state string
	var strike *string
	var highBid, highBidder, settlementHolder *string

	err := scanner.Scan(
		&id, &writer, &vault, &assetID,
		&strike, &o.Expiration, &state,
		&highBid, &highBidder, &settlementHolder,
		&o.CreatedAt, &o.ClosedAt,
	)
	if err != nil {
		return domain.CallOption{}, err
	}

	o.ID = domain.OptionID(id)
	o.AssetID = domain.AssetID(assetID)
	o.Writer = common.HexToAddress(writer)
	o.Vault = common.HexToAddress(vault)
	o.State = domain.OptionState(state)
	o.StrikePrice = bigFromDB(strike)
	o.HighBid = bigFromDB(highBid)
	o.HighBidder = addrFromDB(highBidder)
	o.SettlementHolder = addrFromDB(settlementHolder)
	return o, nil
}

// GetByID returns a single option by id.
func (s *OptionStore) GetByID(ctx context.Context, id domain.OptionID) (domain.CallOption, error) {
	query := `SELECT ` + optionSelectCols + ` FROM options WHERE id = $1`

	o, err := scanOptionFromRow(s.pool.QueryRow(ctx, query, int64(id)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.CallOption{}, domain.ErrNotFound
		}
		return domain.CallOption{}, fmt.Errorf("postgres: get option %d: %w", id, err)
	}
	return o, nil
}

// ListByVaultAsset returns the option history at one (vault, asset) slot,
// newest first.
func (s *OptionStore) ListByVaultAsset(ctx context.Context, vault domain.Address, assetID domain.AssetID, opts domain.ListOpts) ([]domain.CallOption, error) {
	query := `SELECT ` + optionSelectCols + ` FROM options WHERE vault = $1 AND asset_id = $2 ORDER BY id DESC`
	args := []any{addrToDB(vault), int64(assetID)}
	query, args = applyListOpts(query, args, opts)

	return s.list(ctx, query, args)
}

// ListOpen returns every non-terminal option.
func (s *OptionStore) ListOpen(ctx context.Context, opts domain.ListOpts) ([]domain.CallOption, error) {
	query := `SELECT ` + optionSelectCols + ` FROM options WHERE state IN ($1, $2) ORDER BY expiration ASC`
	args := []any{string(domain.OptionStateWritten), string(domain.OptionStateAuctioning)}
	query, args = applyListOpts(query, args, opts)

	return s.list(ctx, query, args)
}

// ListTerminalBefore returns terminal options closed before the cutoff, for
// the archival sweep.
func (s *OptionStore) ListTerminalBefore(ctx context.Context, before time.Time) ([]domain.CallOption, error) {
	query := `SELECT ` + optionSelectCols + ` FROM options
		WHERE state IN ($1, $2, $3) AND closed_at IS NOT NULL AND closed_at < $4
		ORDER BY closed_at ASC`
	args := []any{
		string(domain.OptionStateSettled),
		string(domain.OptionStateExpired),
		string(domain.OptionStateReclaimed),
		before,
	}
	return s.list(ctx, query, args)
}

// Count returns the total number of option rows.
func (s *OptionStore) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM options`).Scan(&n); err != nil {
		return 0, fmt.Errorf("postgres: count options: %w", err)
	}
	return n, nil
}

func (s *OptionStore) list(ctx context.Context, query string, args []any) ([]domain.CallOption, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list options: %w", err)
	}
	defer rows.Close()

	var out []domain.CallOption
	for rows.Next() {
		o, err := scanOptionFromRow(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan option: %w", err)
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list options rows: %w", err)
	}
	return out, nil
}

// applyListOpts appends LIMIT/OFFSET clauses for pagination.
func applyListOpts(query string, args []any, opts domain.ListOpts) (string, []any) {
	idx := len(args) + 1
	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", idx)
		args = append(args, opts.Limit)
		idx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", idx)
		args = append(args, opts.Offset)
	}
	return query, args
}

var _ domain.OptionStore = (*OptionStore)(nil)
