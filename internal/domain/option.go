package domain

import (
	"math/big"
	"time"
)

// OptionState is the lifecycle state of a covered-call option.
//
// Written and Auctioning are live states; the auction state is implied by
// time (now >= expiration - auctionWindow) rather than stored. The three
// terminal states are distinguished deliberately: a settled payout, a
// worthless expiry, and a writer reclaim are different ends even though the
// slot-reuse rule treats them alike.
type OptionState string

const (
	OptionStateWritten    OptionState = "written"
	OptionStateAuctioning OptionState = "auctioning"
	OptionStateSettled    OptionState = "settled"   // proceeds distributed
	OptionStateExpired    OptionState = "expired"   // no bid, instrument burned
	OptionStateReclaimed  OptionState = "reclaimed" // writer reclaimed early
)

// Terminal reports whether the state permits no further transitions.
func (s OptionState) Terminal() bool {
	switch s {
	case OptionStateSettled, OptionStateExpired, OptionStateReclaimed:
		return true
	}
	return false
}

// CallOption is the record of one minted covered call.
type CallOption struct {
	ID          OptionID
	Writer      Address
	Vault       Address
	AssetID     AssetID
	StrikePrice *big.Int
	Expiration  int64 // unix seconds
	State       OptionState

	HighBid    *big.Int // nil until the first bid
	HighBidder Address  // zero until the first bid

	// SettlementHolder is the instrument owner recorded at settlement time.
	// The claim path pays this account, not whoever holds the (about to be
	// burned) token afterwards.
	SettlementHolder Address

	CreatedAt time.Time
	ClosedAt  *time.Time
}

// HasBid reports whether a qualifying bid has been escrowed.
func (o *CallOption) HasBid() bool {
	return o.HighBid != nil && o.HighBid.Sign() > 0
}

// LiveStateAt derives the effective live state at the given instant for a
// non-terminal option: Auctioning once the auction window has opened,
// Written before that.
func (o *CallOption) LiveStateAt(now time.Time, auctionWindow time.Duration) OptionState {
	if o.State.Terminal() {
		return o.State
	}
	open := o.Expiration - int64(auctionWindow/time.Second)
	if now.Unix() >= open {
		return OptionStateAuctioning
	}
	return OptionStateWritten
}

// Bid is a historical bid entry kept for audit and query purposes; the live
// escrow is tracked by the funds ledger.
type Bid struct {
	OptionID OptionID
	Bidder   Address
	Amount   *big.Int
	PlacedAt time.Time
}
