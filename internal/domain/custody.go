package domain

import "context"

// AssetCustodian is the boundary to the host ledger that actually holds the
// underlying assets. The vault moves assets through this interface on
// deposit, withdraw, and flash use; it never assumes the custodian trusts it
// beyond normal owner/approval semantics.
type AssetCustodian interface {
	// OwnerOf returns the current holder of the asset.
	OwnerOf(ctx context.Context, collection Address, id AssetID) (Address, error)

	// Transfer moves the asset from `from` to `to`. The caller must be the
	// owner or an approved operator of the asset; the custodian enforces it.
	Transfer(ctx context.Context, caller, collection, from, to Address, id AssetID) error

	// IsApprovedFor reports whether operator may move the asset on the
	// owner's behalf.
	IsApprovedFor(ctx context.Context, collection, owner, operator Address, id AssetID) (bool, error)

	// SnapshotAsset captures the asset's ownership and approval state and
	// returns a restore function. Flash use relies on this for all-or-nothing
	// rollback when a callback violates the return-custody contract.
	SnapshotAsset(ctx context.Context, collection Address, id AssetID) (restore func(), err error)
}

// FlashUseReceiver is implemented by contracts borrowing an asset through
// the vault's flash-use entry point. The receiver must return the asset to
// the vault (or approve the vault to pull it back) before OnFlashUse
// returns, and must report success; anything else aborts the whole call.
type FlashUseReceiver interface {
	OnFlashUse(ctx context.Context, vault Address, collection Address, id AssetID, data []byte) (bool, error)

	// ReceiverAddress is the ledger account the asset is lent to.
	ReceiverAddress() Address
}

// InstrumentRegistry issues the transferable token that represents economic
// ownership of a minted option. The option engine consumes exactly this
// surface; metadata rendering lives elsewhere.
type InstrumentRegistry interface {
	Mint(ctx context.Context, id OptionID, owner Address) error
	Burn(ctx context.Context, id OptionID) error
	OwnerOf(ctx context.Context, id OptionID) (Address, error)
	Transfer(ctx context.Context, caller Address, id OptionID, to Address) error
	Approve(ctx context.Context, caller, operator Address, id OptionID) error
	TransferCount(ctx context.Context, id OptionID) (uint64, error)
}

// Role names a protocol capability. Role management itself is out of scope;
// the core only asks the policy whether a caller holds one.
type Role string

const (
	RolePauser     Role = "pauser"
	RoleConfigurer Role = "configurer"
)

// AccessPolicy answers capability checks for protocol administration.
type AccessPolicy interface {
	HasRole(caller Address, role Role) bool
}
