package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/covenant-markets/callvault/internal/domain"
)

// ClaimStore implements domain.ClaimStore using PostgreSQL.
type ClaimStore struct {
	pool *pgxpool.Pool
}

// NewClaimStore creates a new ClaimStore backed by the given connection pool.
func NewClaimStore(pool *pgxpool.Pool) *ClaimStore {
	return &ClaimStore{pool: pool}
}

// Upsert writes the claim record, replacing any previous row.
func (s *ClaimStore) Upsert(ctx context.Context, c domain.Claim) error {
	const query = `
		INSERT INTO claims (option_id, claimant, amount, created_at, claimed_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (option_id) DO UPDATE SET
			claimed_at = EXCLUDED.claimed_at`

	_, err := s.pool.Exec(ctx, query,
		int64(c.OptionID), addrToDB(c.Claimant), bigToDB(c.Amount), c.CreatedAt, c.ClaimedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert claim for option %d: %w", c.OptionID, err)
	}
	return nil
}

func scanClaimFromRow(
	scanner interface{ Scan(dest ...any) error },
) (domain.Claim, error) {
	var c domain.Claim
	var optionID int64
	var claimant string
	var amount *string

	if err := scanner.Scan(&optionID, &claimant, &amount, &c.CreatedAt, &c.ClaimedAt); err != nil {
		return domain.Claim{}, err
	}
	c.OptionID = domain.OptionID(optionID)
	c.Claimant = common.HexToAddress(claimant)
	c.Amount = bigFromDB(amount)
	return c, nil
}

// Get returns the claim for one option.
func (s *ClaimStore) Get(ctx context.Context, id domain.OptionID) (domain.Claim, error) {
	const query = `SELECT option_id, claimant, amount, created_at, claimed_at FROM claims WHERE option_id = $1`

	c, err := scanClaimFromRow(s.pool.QueryRow(ctx, query, int64(id)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Claim{}, domain.ErrNotFound
		}
		return domain.Claim{}, fmt.Errorf("postgres: get claim for option %d: %w", id, err)
	}
	return c, nil
}

// ListUnclaimed returns claims that have not been paid out yet.
func (s *ClaimStore) ListUnclaimed(ctx context.Context, opts domain.ListOpts) ([]domain.Claim, error) {
	query := `SELECT option_id, claimant, amount, created_at, claimed_at FROM claims
		WHERE claimed_at IS NULL ORDER BY created_at ASC`
	args := []any{}
	query, args = applyListOpts(query, args, opts)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list unclaimed: %w", err)
	}
	defer rows.Close()

	var out []domain.Claim
	for rows.Next() {
		c, err := scanClaimFromRow(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan claim: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list unclaimed rows: %w", err)
	}
	return out, nil
}

var _ domain.ClaimStore = (*ClaimStore)(nil)
