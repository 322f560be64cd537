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

// VaultStore implements domain.VaultStore using PostgreSQL.
type VaultStore struct {
	pool *pgxpool.Pool
}

// NewVaultStore creates a new VaultStore backed by the given connection pool.
func NewVaultStore(pool *pgxpool.Pool) *VaultStore {
	return &VaultStore{pool: pool}
}

// UpsertAsset writes the full custody record for one asset.
func (s *VaultStore) UpsertAsset(ctx context.Context, vault domain.Address, a domain.Asset) error {
	var approved *string
	if a.ApprovedOperator != nil {
		v := a.ApprovedOperator.Hex()
		approved = &v
	}
	var entOperator *string
	var entExpiry *int64
	if a.Entitlement != nil {
		op := a.Entitlement.Operator.Hex()
		entOperator = &op
		exp := a.Entitlement.Expiry
		entExpiry = &exp
	}

	const query = `
		INSERT INTO vault_assets (
			vault, asset_id, collection, held_in_vault, beneficial_owner,
			approved_operator, ent_operator, ent_expiry, deposited_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, NOW()
		)
		ON CONFLICT (vault, asset_id) DO UPDATE SET
			held_in_vault = EXCLUDED.held_in_vault,
			beneficial_owner = EXCLUDED.beneficial_owner,
			approved_operator = EXCLUDED.approved_operator,
			ent_operator = EXCLUDED.ent_operator,
			ent_expiry = EXCLUDED.ent_expiry,
			updated_at = NOW()`

	_, err := s.pool.Exec(ctx, query,
		addrToDB(vault), int64(a.AssetID), addrToDB(a.Collection),
		a.HeldInVault, addrToDB(a.BeneficialOwner),
		approved, entOperator, entExpiry, a.DepositedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert vault asset %d: %w", a.AssetID, err)
	}
	return nil
}

const vaultAssetSelectCols = `vault, asset_id, collection, held_in_vault, beneficial_owner,
	approved_operator, ent_operator, ent_expiry, deposited_at`

func scanVaultAssetFromRow(
	scanner interface{ Scan(dest ...any) error },
) (domain.Asset, error) {
	var a domain.Asset
	var vault, coll, owner string
	var assetID int64
	var approved, entOperator *string
	var entExpiry *int64

	err := scanner.Scan(
		&vault, &assetID, &coll, &a.HeldInVault, &owner,
		&approved, &entOperator, &entExpiry, &a.DepositedAt,
	)
	if err != nil {
		return domain.Asset{}, err
	}

	a.AssetID = domain.AssetID(assetID)
	a.Collection = common.HexToAddress(coll)
	a.BeneficialOwner = common.HexToAddress(owner)
	if approved != nil {
		op := common.HexToAddress(*approved)
		a.ApprovedOperator = &op
	}
	if entOperator != nil && entExpiry != nil {
		a.Entitlement = &domain.Entitlement{
			BeneficialOwner: a.BeneficialOwner,
			Operator:        common.HexToAddress(*entOperator),
			Vault:           common.HexToAddress(vault),
			AssetID:         a.AssetID,
			Expiry:          *entExpiry,
		}
	}
	return a, nil
}

// GetAsset returns the custody record for one asset in one vault.
func (s *VaultStore) GetAsset(ctx context.Context, vault domain.Address, assetID domain.AssetID) (domain.Asset, error) {
	query := `SELECT ` + vaultAssetSelectCols + ` FROM vault_assets WHERE vault = $1 AND asset_id = $2`

	a, err := scanVaultAssetFromRow(s.pool.QueryRow(ctx, query, addrToDB(vault), int64(assetID)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Asset{}, domain.ErrNotFound
		}
		return domain.Asset{}, fmt.Errorf("postgres: get vault asset %d: %w", assetID, err)
	}
	return a, nil
}

// ListAssets returns the custody records for one vault.
func (s *VaultStore) ListAssets(ctx context.Context, vault domain.Address, opts domain.ListOpts) ([]domain.Asset, error) {
	query := `SELECT ` + vaultAssetSelectCols + ` FROM vault_assets WHERE vault = $1 ORDER BY asset_id ASC`
	args := []any{addrToDB(vault)}
	query, args = applyListOpts(query, args, opts)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list vault assets: %w", err)
	}
	defer rows.Close()

	var out []domain.Asset
	for rows.Next() {
		a, err := scanVaultAssetFromRow(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan vault asset: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list vault assets rows: %w", err)
	}
	return out, nil
}

var _ domain.VaultStore = (*VaultStore)(nil)
