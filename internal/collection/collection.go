// Package collection implements the host-ledger side of asset custody: an
// in-memory registry of discrete assets per collection with owner and
// approval semantics. The vault layer talks to it only through
// domain.AssetCustodian, so a chain-backed custodian can replace it without
// touching the state machines.
package collection

import (
	"context"
	"sync"

	"github.com/covenant-markets/callvault/internal/domain"
)

type assetKey struct {
	collection domain.Address
	id         domain.AssetID
}

type assetState struct {
	owner    domain.Address
	approved *domain.Address
}

// Ledger is the in-memory asset custodian.
type Ledger struct {
	mu     sync.Mutex
	assets map[assetKey]*assetState
}

// NewLedger creates an empty Ledger.
func NewLedger() *Ledger {
	return &Ledger{assets: make(map[assetKey]*assetState)}
}

// MintAsset creates an asset owned by the given account. Test fixtures and
// the deposit simulator use this; the protocol core never mints underlying
// assets.
func (l *Ledger) MintAsset(collection domain.Address, id domain.AssetID, owner domain.Address) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := assetKey{collection, id}
	if _, exists := l.assets[key]; exists {
		return domain.E("collection.mint", domain.ErrAssetAlreadyInVault)
	}
	l.assets[key] = &assetState{owner: owner}
	return nil
}

// OwnerOf returns the current holder of the asset.
func (l *Ledger) OwnerOf(ctx context.Context, collection domain.Address, id domain.AssetID) (domain.Address, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	st, ok := l.assets[assetKey{collection, id}]
	if !ok {
		return domain.ZeroAddress, domain.E("collection.owner_of", domain.ErrUnknownAsset)
	}
	return st.owner, nil
}

// Transfer moves the asset from `from` to `to`. The caller must be the
// owner, or hold the single standing approval; a transfer consumes the
// approval.
func (l *Ledger) Transfer(ctx context.Context, caller, collection, from, to domain.Address, id domain.AssetID) error {
	const op = "collection.transfer"

	l.mu.Lock()
	defer l.mu.Unlock()

	st, ok := l.assets[assetKey{collection, id}]
	if !ok {
		return domain.E(op, domain.ErrUnknownAsset)
	}
	if st.owner != from {
		return domain.E(op, domain.ErrNotBeneficialOwner)
	}
	if caller != st.owner && (st.approved == nil || *st.approved != caller) {
		return domain.E(op, domain.ErrNotOwnerOrOperator)
	}

	st.owner = to
	st.approved = nil
	return nil
}

// Approve grants (or clears, for the zero address) the standing transfer
// approval on an asset. Only the owner may approve.
func (l *Ledger) Approve(ctx context.Context, caller, collection, operator domain.Address, id domain.AssetID) error {
	const op = "collection.approve"

	l.mu.Lock()
	defer l.mu.Unlock()

	st, ok := l.assets[assetKey{collection, id}]
	if !ok {
		return domain.E(op, domain.ErrUnknownAsset)
	}
	if caller != st.owner {
		return domain.E(op, domain.ErrNotBeneficialOwner)
	}

	if operator == domain.ZeroAddress {
		st.approved = nil
		return nil
	}
	opAddr := operator
	st.approved = &opAddr
	return nil
}

// IsApprovedFor reports whether operator holds the standing approval from
// the given owner.
func (l *Ledger) IsApprovedFor(ctx context.Context, collection, owner, operator domain.Address, id domain.AssetID) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	st, ok := l.assets[assetKey{collection, id}]
	if !ok {
		return false, domain.E("collection.is_approved", domain.ErrUnknownAsset)
	}
	return st.owner == owner && st.approved != nil && *st.approved == operator, nil
}

// SnapshotAsset captures the asset's owner and approval and returns a
// restore function. Flash use wraps its callback with this so a violated
// return-custody contract rolls the asset back exactly.
func (l *Ledger) SnapshotAsset(ctx context.Context, collection domain.Address, id domain.AssetID) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := assetKey{collection, id}
	st, ok := l.assets[key]
	if !ok {
		return nil, domain.E("collection.snapshot", domain.ErrUnknownAsset)
	}

	owner := st.owner
	var approved *domain.Address
	if st.approved != nil {
		a := *st.approved
		approved = &a
	}

	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if cur, ok := l.assets[key]; ok {
			cur.owner = owner
			cur.approved = approved
		}
	}, nil
}

// Compile-time interface check.
var _ domain.AssetCustodian = (*Ledger)(nil)
