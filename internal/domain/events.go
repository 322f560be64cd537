package domain

import (
	"math/big"
	"time"
)

// EventType names a protocol event published on the event bus and mirrored
// to the audit log, notifications, and WebSocket subscribers.
type EventType string

const (
	EventAssetDeposited     EventType = "asset.deposited"
	EventAssetWithdrawn     EventType = "asset.withdrawn"
	EventOwnerChanged       EventType = "asset.owner_changed"
	EventEntitlementGranted EventType = "entitlement.granted"
	EventEntitlementCleared EventType = "entitlement.cleared"
	EventFlashUse           EventType = "asset.flash_use"
	EventOptionMinted       EventType = "option.minted"
	EventBidPlaced          EventType = "option.bid"
	EventOptionSettled      EventType = "option.settled"
	EventOptionExpired      EventType = "option.expired"
	EventOptionReclaimed    EventType = "option.reclaimed"
	EventProceedsClaimed    EventType = "option.proceeds_claimed"
)

// Event is one protocol occurrence. Amount fields are decimal strings since
// wei-scale integers do not survive float64 JSON round-trips.
type Event struct {
	ID         string    `json:"id"` // UUID
	Type       EventType `json:"type"`
	Vault      Address   `json:"vault,omitzero"`
	Collection Address   `json:"collection,omitzero"`
	AssetID    AssetID   `json:"asset_id,omitempty"`
	OptionID   OptionID  `json:"option_id,omitempty"`
	Actor      Address   `json:"actor,omitzero"`
	Subject    Address   `json:"subject,omitzero"`
	Amount     string    `json:"amount,omitempty"`
	At         time.Time `json:"at"`
}

// AmountString formats a ledger amount for event payloads; nil becomes "0".
func AmountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

// EventSink receives protocol events. Sinks must not block the emitting
// state machine; slow consumers buffer or drop internally.
type EventSink interface {
	Emit(ev Event)
}

// EventSinkFunc adapts a function to the EventSink interface.
type EventSinkFunc func(ev Event)

// Emit calls f(ev).
func (f EventSinkFunc) Emit(ev Event) { f(ev) }

// NopSink discards all events.
type NopSink struct{}

// Emit does nothing.
func (NopSink) Emit(Event) {}
