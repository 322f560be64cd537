// Package domain defines the core types of the covered-call protocol: vaulted
// assets, entitlements, option records, the funds ledger vocabulary, and the
// store interfaces implemented by the persistence and cache layers.
package domain

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Address identifies an account, vault, or collection on the host ledger.
type Address = common.Address

// ZeroAddress is the null account. Approving it clears an operator approval.
var ZeroAddress = common.Address{}

// AssetID identifies a single discrete asset within a collection.
type AssetID uint64

// OptionID identifies a minted covered-call option. IDs are assigned
// sequentially starting at 1; 0 is reserved as "no option".
type OptionID uint64

// Clock supplies the protocol's notion of "now". All time-gated transitions
// (entitlement expiry, auction windows, option expiration) compare stored
// thresholds against this clock rather than scheduling anything.
type Clock interface {
	Now() time.Time
}

// SystemClock is the production Clock backed by the wall clock.
type SystemClock struct{}

// Now returns the current UTC time.
func (SystemClock) Now() time.Time { return time.Now().UTC() }
