package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and time filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// OptionStore persists option records. The in-memory engine state is
// authoritative; the store is a write-through journal serving queries,
// restarts, and archival.
type OptionStore interface {
	Upsert(ctx context.Context, o CallOption) error
	GetByID(ctx context.Context, id OptionID) (CallOption, error)
	ListByVaultAsset(ctx context.Context, vault Address, assetID AssetID, opts ListOpts) ([]CallOption, error)
	ListOpen(ctx context.Context, opts ListOpts) ([]CallOption, error)
	ListTerminalBefore(ctx context.Context, before time.Time) ([]CallOption, error)
	Count(ctx context.Context) (int64, error)
}

// BidStore persists the historical bid tape.
type BidStore interface {
	Insert(ctx context.Context, b Bid) error
	ListByOption(ctx context.Context, id OptionID, opts ListOpts) ([]Bid, error)
}

// VaultStore persists vault asset and entitlement records.
type VaultStore interface {
	UpsertAsset(ctx context.Context, vault Address, a Asset) error
	GetAsset(ctx context.Context, vault Address, assetID AssetID) (Asset, error)
	ListAssets(ctx context.Context, vault Address, opts ListOpts) ([]Asset, error)
}

// ClaimStore persists claimable settlement proceeds so an operator restart
// cannot orphan a pending claim.
type ClaimStore interface {
	Upsert(ctx context.Context, c Claim) error
	Get(ctx context.Context, id OptionID) (Claim, error)
	ListUnclaimed(ctx context.Context, opts ListOpts) ([]Claim, error)
}

// AuditEntry is a single append-only audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
	ListBefore(ctx context.Context, before time.Time) ([]AuditEntry, error)
}

// RateLimiter provides distributed rate limiting for the API surface.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// LockManager provides distributed locking so replicas serialize operations
// on the same asset slot.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// SignalBus provides pub/sub fan-out of protocol events to API subscribers.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}

// StreamMessage is one durable entry read back from the event stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// FlagsCache caches protocol pause and per-collection flags with a TTL so
// read-heavy API paths avoid hitting the config source on every request.
type FlagsCache interface {
	SetPaused(ctx context.Context, paused bool) error
	GetPaused(ctx context.Context) (paused bool, ok bool, err error)
	SetCollectionFlags(ctx context.Context, collection Address, flags CollectionFlags) error
	GetCollectionFlags(ctx context.Context, collection Address) (CollectionFlags, bool, error)
}
