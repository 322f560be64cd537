package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/covenant-markets/callvault/internal/domain"
	"github.com/covenant-markets/callvault/internal/registry"
	"github.com/covenant-markets/callvault/internal/vault"
)

// VaultService fronts the vault registry for the API surface. Mutations go
// straight to the in-memory vaults; list queries for assets fall back to the
// persistent journal so a fresh replica can still answer them.
type VaultService struct {
	vaults *registry.Registry
	store  domain.VaultStore
	logger *slog.Logger
}

// NewVaultService creates a VaultService with all required dependencies.
func NewVaultService(vaults *registry.Registry, store domain.VaultStore, logger *slog.Logger) *VaultService {
	return &VaultService{
		vaults: vaults,
		store:  store,
		logger: logger,
	}
}

// VaultSummary is the API view of a vault.
type VaultSummary struct {
	Address    domain.Address `json:"address"`
	Collection domain.Address `json:"collection"`
}

// ResolveVault returns the vault for a collection, creating it on first use.
func (s *VaultService) ResolveVault(ctx context.Context, collection domain.Address) (VaultSummary, error) {
	v, err := s.vaults.ResolveOrCreateVault(ctx, collection)
	if err != nil {
		return VaultSummary{}, fmt.Errorf("vault_service: resolve vault: %w", err)
	}
	return VaultSummary{Address: v.Address(), Collection: v.Collection()}, nil
}

// Vault returns the vault registered at addr.
func (s *VaultService) Vault(ctx context.Context, addr domain.Address) (VaultSummary, error) {
	v, ok := s.vaults.ByAddress(addr)
	if !ok {
		return VaultSummary{}, domain.E("vault_service.vault", domain.ErrNotFound)
	}
	return VaultSummary{Address: v.Address(), Collection: v.Collection()}, nil
}

// Deposit binds an asset of the collection into its vault, creating the
// vault on first use, and returns the vault address.
func (s *VaultService) Deposit(ctx context.Context, collection domain.Address, assetID domain.AssetID, owner, caller domain.Address) (domain.Address, error) {
	v, err := s.vaults.ResolveOrCreateVault(ctx, collection)
	if err != nil {
		return domain.Address{}, fmt.Errorf("vault_service: resolve vault: %w", err)
	}
	if err := v.Deposit(ctx, assetID, owner, caller); err != nil {
		return domain.Address{}, err
	}
	return v.Address(), nil
}

// Withdraw releases an unencumbered asset back to its beneficial owner.
func (s *VaultService) Withdraw(ctx context.Context, vaultAddr domain.Address, assetID domain.AssetID, caller domain.Address) error {
	v, err := s.byAddress("vault_service.withdraw", vaultAddr)
	if err != nil {
		return err
	}
	return v.Withdraw(ctx, assetID, caller)
}

// SetBeneficialOwner reassigns ownership of a pledged asset. Only the stored
// entitlement operator may do this.
func (s *VaultService) SetBeneficialOwner(ctx context.Context, vaultAddr domain.Address, assetID domain.AssetID, newOwner, caller domain.Address) error {
	v, err := s.byAddress("vault_service.set_beneficial_owner", vaultAddr)
	if err != nil {
		return err
	}
	return v.SetBeneficialOwner(ctx, assetID, newOwner, caller)
}

// GrantEntitlement applies a direct grant with the caller's own authority.
func (s *VaultService) GrantEntitlement(ctx context.Context, vaultAddr domain.Address, e domain.Entitlement, caller domain.Address) error {
	v, err := s.byAddress("vault_service.grant", vaultAddr)
	if err != nil {
		return err
	}
	return v.GrantEntitlement(ctx, e, caller)
}

// GrantEntitlementSigned applies a grant authorized by the beneficial
// owner's typed-struct signature. Any relayer may submit it.
func (s *VaultService) GrantEntitlementSigned(ctx context.Context, vaultAddr domain.Address, e domain.Entitlement, sig domain.Signature, caller domain.Address) error {
	v, err := s.byAddress("vault_service.grant_signed", vaultAddr)
	if err != nil {
		return err
	}
	return v.GrantEntitlementSigned(ctx, e, sig, caller)
}

// ClearEntitlement removes the stored entitlement. Operator only.
func (s *VaultService) ClearEntitlement(ctx context.Context, vaultAddr domain.Address, assetID domain.AssetID, caller domain.Address) error {
	v, err := s.byAddress("vault_service.clear", vaultAddr)
	if err != nil {
		return err
	}
	return v.ClearEntitlement(ctx, assetID, caller)
}

// ApproveOperator lets the beneficial owner delegate grant authority; the
// zero address clears the approval.
func (s *VaultService) ApproveOperator(ctx context.Context, vaultAddr domain.Address, assetID domain.AssetID, operator, caller domain.Address) error {
	v, err := s.byAddress("vault_service.approve_operator", vaultAddr)
	if err != nil {
		return err
	}
	return v.ApproveOperator(ctx, assetID, operator, caller)
}

// Asset returns the custody record for one asset. The in-memory vault is
// authoritative; the journal answers for vaults this replica has not loaded.
func (s *VaultService) Asset(ctx context.Context, vaultAddr domain.Address, assetID domain.AssetID) (domain.Asset, error) {
	if v, ok := s.vaults.ByAddress(vaultAddr); ok {
		return v.Asset(assetID)
	}
	a, err := s.store.GetAsset(ctx, vaultAddr, assetID)
	if err != nil {
		return domain.Asset{}, fmt.Errorf("vault_service: get asset: %w", err)
	}
	return a, nil
}

// ListAssets returns the journaled custody records for a vault.
func (s *VaultService) ListAssets(ctx context.Context, vaultAddr domain.Address, opts domain.ListOpts) ([]domain.Asset, error) {
	assets, err := s.store.ListAssets(ctx, vaultAddr, opts)
	if err != nil {
		return nil, fmt.Errorf("vault_service: list assets: %w", err)
	}
	return assets, nil
}

func (s *VaultService) byAddress(op string, addr domain.Address) (*vault.Vault, error) {
	v, ok := s.vaults.ByAddress(addr)
	if !ok {
		return nil, domain.E(op, domain.ErrNotFound)
	}
	return v, nil
}
