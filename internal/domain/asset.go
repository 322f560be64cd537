package domain

import "time"

// Asset is the per-vault custody record for one asset-id.
//
// When HeldInVault is false the asset has left custody: there is no
// beneficial-owner obligation and any entitlement must already be cleared.
type Asset struct {
	Collection       Address
	AssetID          AssetID
	HeldInVault      bool
	BeneficialOwner  Address
	ApprovedOperator *Address // standing mint-operator approval, nil when unset
	Entitlement      *Entitlement
	DepositedAt      time.Time
}

// CollectionFlags are per-collection switches owned by protocol
// configuration and consumed read-only by the vault layer.
type CollectionFlags struct {
	FlashUseDisabled           bool
	UnsolicitedDepositDisabled bool
}
