package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/covenant-markets/callvault/internal/domain"
	"github.com/redis/go-redis/v9"
)

// flagsTTL bounds staleness of cached protocol flags. Read-heavy API paths
// tolerate a short lag behind an admin toggle.
const flagsTTL = 30 * time.Second

// FlagsCache implements domain.FlagsCache using plain Redis keys with a TTL.
type FlagsCache struct {
	rdb *redis.Client
}

// NewFlagsCache creates a FlagsCache backed by the given Client.
func NewFlagsCache(c *Client) *FlagsCache {
	return &FlagsCache{rdb: c.Underlying()}
}

const pausedKey = "protocol:paused"

func collectionFlagsKey(collection domain.Address) string {
	return "protocol:flags:" + collection.Hex()
}

// SetPaused caches the global pause flag.
func (fc *FlagsCache) SetPaused(ctx context.Context, paused bool) error {
	val := "0"
	if paused {
		val = "1"
	}
	if err := fc.rdb.Set(ctx, pausedKey, val, flagsTTL).Err(); err != nil {
		return fmt.Errorf("redis: set paused: %w", err)
	}
	return nil
}

// GetPaused returns the cached pause flag; ok is false on a cache miss.
func (fc *FlagsCache) GetPaused(ctx context.Context) (bool, bool, error) {
	val, err := fc.rdb.Get(ctx, pausedKey).Result()
	if err != nil {
		if err == redis.Nil {
			return false, false, nil
		}
		return false, false, fmt.Errorf("redis: get paused: %w", err)
	}
	return val == "1", true, nil
}

// SetCollectionFlags caches per-collection switches as JSON.
func (fc *FlagsCache) SetCollectionFlags(ctx context.Context, collection domain.Address, flags domain.CollectionFlags) error {
	data, err := json.Marshal(flags)
	if err != nil {
		return fmt.Errorf("redis: marshal collection flags: %w", err)
	}
	if err := fc.rdb.Set(ctx, collectionFlagsKey(collection), data, flagsTTL).Err(); err != nil {
		return fmt.Errorf("redis: set collection flags %s: %w", collection.Hex(), err)
	}
	return nil
}

// GetCollectionFlags returns cached per-collection switches; ok is false on
// a cache miss.
func (fc *FlagsCache) GetCollectionFlags(ctx context.Context, collection domain.Address) (domain.CollectionFlags, bool, error) {
	data, err := fc.rdb.Get(ctx, collectionFlagsKey(collection)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return domain.CollectionFlags{}, false, nil
		}
		return domain.CollectionFlags{}, false, fmt.Errorf("redis: get collection flags %s: %w", collection.Hex(), err)
	}

	var flags domain.CollectionFlags
	if err := json.Unmarshal(data, &flags); err != nil {
		return domain.CollectionFlags{}, false, fmt.Errorf("redis: unmarshal collection flags: %w", err)
	}
	return flags, true, nil
}

// Compile-time interface check.
var _ domain.FlagsCache = (*FlagsCache)(nil)
