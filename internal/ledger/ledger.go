// Package ledger implements the protocol's internal funds ledger: free
// balances per account, bid escrow per option, and one-shot claimable
// settlement proceeds.
//
// The ledger is pull-based by design. An outbid refund credits the previous
// bidder's free balance instead of invoking anything on their side, so a
// hostile receiver can never block a strictly higher bid from taking the
// lead. Withdrawal is a separate explicit call.
package ledger

import (
	"math/big"
	"sync"

	"github.com/covenant-markets/callvault/internal/domain"
)

// escrowEntry is the single outstanding bid hold for one option.
type escrowEntry struct {
	bidder domain.Address
	amount *big.Int
}

// Ledger tracks free balances, escrow holds, and claimable proceeds. All
// methods are atomic: a failed precondition leaves every balance untouched.
type Ledger struct {
	mu       sync.Mutex
	balances map[domain.Address]*big.Int
	escrow   map[domain.OptionID]*escrowEntry
	claims   map[domain.OptionID]*domain.Claim
	clock    domain.Clock
}

// New creates an empty Ledger using the given clock for claim timestamps.
func New(clock domain.Clock) *Ledger {
	return &Ledger{
		balances: make(map[domain.Address]*big.Int),
		escrow:   make(map[domain.OptionID]*escrowEntry),
		claims:   make(map[domain.OptionID]*domain.Claim),
		clock:    clock,
	}
}

// Deposit credits amount to the account's free balance.
func (l *Ledger) Deposit(account domain.Address, amount *big.Int) error {
	const op = "ledger.deposit"
	if amount == nil || amount.Sign() <= 0 {
		return domain.E(op, domain.ErrBadAmount)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.credit(account, amount)
	return nil
}

// Withdraw debits amount from the account's free balance. This is the pull
// path for refunded bidders and paid writers.
func (l *Ledger) Withdraw(account domain.Address, amount *big.Int) error {
	const op = "ledger.withdraw"
	if amount == nil || amount.Sign() <= 0 {
		return domain.E(op, domain.ErrBadAmount)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	return l.debit(op, account, amount)
}

// Balance returns a copy of the account's free balance.
func (l *Ledger) Balance(account domain.Address) *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.balances[account]; ok {
		return new(big.Int).Set(b)
	}
	return new(big.Int)
}

// HoldEscrow replaces the escrow hold for an option: it debits the new
// bidder's free balance by amount, and in the same atomic step releases any
// previous hold back to the previous bidder's free balance. Returns the
// refunded bidder and amount (zero address, nil when there was no previous
// hold).
func (l *Ledger) HoldEscrow(id domain.OptionID, bidder domain.Address, amount *big.Int) (domain.Address, *big.Int, error) {
	const op = "ledger.hold_escrow"
	if amount == nil || amount.Sign() <= 0 {
		return domain.ZeroAddress, nil, domain.E(op, domain.ErrBadAmount)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.debit(op, bidder, amount); err != nil {
		return domain.ZeroAddress, nil, err
	}

	var refunded domain.Address
	var refundAmt *big.Int
	if prev, ok := l.escrow[id]; ok {
		l.credit(prev.bidder, prev.amount)
		refunded, refundAmt = prev.bidder, new(big.Int).Set(prev.amount)
	}

	l.escrow[id] = &escrowEntry{bidder: bidder, amount: new(big.Int).Set(amount)}
	return refunded, refundAmt, nil
}

// ReleaseEscrow refunds the outstanding hold for an option in full to its
// bidder and removes the hold. It is a no-op when no hold exists.
func (l *Ledger) ReleaseEscrow(id domain.OptionID) (domain.Address, *big.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.escrow[id]
	if !ok {
		return domain.ZeroAddress, nil
	}
	delete(l.escrow, id)
	l.credit(entry.bidder, entry.amount)
	return entry.bidder, new(big.Int).Set(entry.amount)
}

// SettleEscrow consumes the hold for an option: strike goes to the writer's
// free balance and the remainder becomes a one-shot claim for the recorded
// settlement holder. The split must exactly exhaust the hold.
func (l *Ledger) SettleEscrow(id domain.OptionID, writer domain.Address, strike *big.Int, holder domain.Address) (*domain.Claim, error) {
	const op = "ledger.settle_escrow"

	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.escrow[id]
	if !ok {
		return nil, domain.E(op, domain.ErrNoWinningBid)
	}
	if strike == nil || strike.Sign() < 0 || entry.amount.Cmp(strike) < 0 {
		return nil, domain.E(op, domain.ErrBadAmount)
	}

	delete(l.escrow, id)
	l.credit(writer, strike)

	premium := new(big.Int).Sub(entry.amount, strike)
	claim := &domain.Claim{
		OptionID:  id,
		Claimant:  holder,
		Amount:    premium,
		CreatedAt: l.clock.Now(),
	}
	if premium.Sign() > 0 {
		l.claims[id] = claim
	}
	return claim, nil
}

// Claim pays out the claimable proceeds for an option to its recorded
// claimant, exactly once. The caller must be the claimant of record.
func (l *Ledger) Claim(id domain.OptionID, caller domain.Address) (*big.Int, error) {
	const op = "ledger.claim"

	l.mu.Lock()
	defer l.mu.Unlock()

	claim, ok := l.claims[id]
	if !ok || claim.Claimed() {
		return nil, domain.E(op, domain.ErrNothingClaimable)
	}
	if claim.Claimant != caller {
		return nil, domain.E(op, domain.ErrNotInstrumentHolder)
	}

	now := l.clock.Now()
	claim.ClaimedAt = &now
	l.credit(caller, claim.Amount)
	return new(big.Int).Set(claim.Amount), nil
}

// ClaimFor returns the claim recorded for an option, if any.
func (l *Ledger) ClaimFor(id domain.OptionID) (domain.Claim, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	claim, ok := l.claims[id]
	if !ok {
		return domain.Claim{}, false
	}
	return *claim, true
}

// EscrowFor returns the outstanding hold on an option, if any.
func (l *Ledger) EscrowFor(id domain.OptionID) (domain.Address, *big.Int, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.escrow[id]
	if !ok {
		return domain.ZeroAddress, nil, false
	}
	return entry.bidder, new(big.Int).Set(entry.amount), true
}

// TotalEscrowed sums all outstanding holds. Used by the conservation checks
// in the test suite and the health endpoint.
func (l *Ledger) TotalEscrowed() *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()

	total := new(big.Int)
	for _, entry := range l.escrow {
		total.Add(total, entry.amount)
	}
	return total
}

// credit adds amount to an account. Caller holds the mutex.
func (l *Ledger) credit(account domain.Address, amount *big.Int) {
	if b, ok := l.balances[account]; ok {
		b.Add(b, amount)
		return
	}
	l.balances[account] = new(big.Int).Set(amount)
}

// debit removes amount from an account or fails without side effects.
// Caller holds the mutex.
func (l *Ledger) debit(op string, account domain.Address, amount *big.Int) error {
	b, ok := l.balances[account]
	if !ok || b.Cmp(amount) < 0 {
		return domain.E(op, domain.ErrInsufficientFunds)
	}
	b.Sub(b, amount)
	return nil
}
