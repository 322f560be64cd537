// Package instrument implements the registry issuing the transferable token
// that represents economic ownership of a minted option. The option engine
// consumes the domain.InstrumentRegistry surface; metadata rendering is out
// of scope.
package instrument

import (
	"context"
	"sync"

	"github.com/covenant-markets/callvault/internal/domain"
)

// record is the bookkeeping for one instrument token.
type record struct {
	owner         domain.Address
	approved      *domain.Address // per-token transfer approval
	transferCount uint64
	burned        bool
}

// Registry is an in-memory instrument token registry keyed by option-id.
type Registry struct {
	mu     sync.Mutex
	tokens map[domain.OptionID]*record
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{tokens: make(map[domain.OptionID]*record)}
}

// Mint issues the instrument for an option to its first owner. Minting the
// same option-id twice is a validation failure; ids never recycle.
func (r *Registry) Mint(ctx context.Context, id domain.OptionID, owner domain.Address) error {
	const op = "instrument.mint"

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tokens[id]; exists {
		return domain.E(op, domain.ErrUnknownOption)
	}
	r.tokens[id] = &record{owner: owner}
	return nil
}

// Burn destroys the instrument. Burning is terminal: the record is kept so
// TransferCount stays queryable, but ownership reads fail afterwards.
func (r *Registry) Burn(ctx context.Context, id domain.OptionID) error {
	const op = "instrument.burn"

	r.mu.Lock()
	defer r.mu.Unlock()

	tok, ok := r.tokens[id]
	if !ok || tok.burned {
		return domain.E(op, domain.ErrUnknownOption)
	}
	tok.burned = true
	tok.approved = nil
	tok.owner = domain.ZeroAddress
	return nil
}

// OwnerOf returns the current holder of a live instrument.
func (r *Registry) OwnerOf(ctx context.Context, id domain.OptionID) (domain.Address, error) {
	const op = "instrument.owner_of"

	r.mu.Lock()
	defer r.mu.Unlock()

	tok, ok := r.tokens[id]
	if !ok || tok.burned {
		return domain.ZeroAddress, domain.E(op, domain.ErrUnknownOption)
	}
	return tok.owner, nil
}

// Transfer moves a live instrument to a new holder. The caller must be the
// owner or the approved operator; a transfer consumes the approval.
func (r *Registry) Transfer(ctx context.Context, caller domain.Address, id domain.OptionID, to domain.Address) error {
	const op = "instrument.transfer"

	r.mu.Lock()
	defer r.mu.Unlock()

	tok, ok := r.tokens[id]
	if !ok || tok.burned {
		return domain.E(op, domain.ErrUnknownOption)
	}
	if caller != tok.owner && (tok.approved == nil || *tok.approved != caller) {
		return domain.E(op, domain.ErrNotInstrumentHolder)
	}

	tok.owner = to
	tok.approved = nil
	tok.transferCount++
	return nil
}

// Approve grants (or, for the zero address, clears) a single standing
// transfer approval on the instrument. Only the owner may approve.
func (r *Registry) Approve(ctx context.Context, caller, operator domain.Address, id domain.OptionID) error {
	const op = "instrument.approve"

	r.mu.Lock()
	defer r.mu.Unlock()

	tok, ok := r.tokens[id]
	if !ok || tok.burned {
		return domain.E(op, domain.ErrUnknownOption)
	}
	if caller != tok.owner {
		return domain.E(op, domain.ErrNotInstrumentHolder)
	}

	if operator == domain.ZeroAddress {
		tok.approved = nil
		return nil
	}
	opAddr := operator
	tok.approved = &opAddr
	return nil
}

// TransferCount returns how many times the instrument has changed hands.
// The count survives burning for settlement bookkeeping.
func (r *Registry) TransferCount(ctx context.Context, id domain.OptionID) (uint64, error) {
	const op = "instrument.transfer_count"

	r.mu.Lock()
	defer r.mu.Unlock()

	tok, ok := r.tokens[id]
	if !ok {
		return 0, domain.E(op, domain.ErrUnknownOption)
	}
	return tok.transferCount, nil
}

// Compile-time interface check.
var _ domain.InstrumentRegistry = (*Registry)(nil)
