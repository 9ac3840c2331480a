// Package provider defines the byte storage behind an optisync Store.
//
// Implementations MUST be byte-for-byte transparent: Get must return exactly
// the []byte previously passed to Set for a key. Snapshot rollback relies on
// this to restore a value identical to the one captured.
//
// Implementations MUST also be read-your-writes: a Get issued after Set
// returned ok=true must observe that value (or a later one). Optimistic
// writes are worthless if the next read can miss them.
//
// The keyspace "entity:<ns>:" is owned by optisync. Foreign writes under it
// are treated as corruption and deleted on read.
package provider

import (
	"context"
	"time"
)

// Provider is a minimal byte store with TTLs. Safe for concurrent use.
type Provider interface {
	// Get returns (value, true, nil) on hit; (nil, false, nil) on miss.
	// If an IO/remote error happens, return (nil, false, err).
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores value with the given TTL (<= 0 means no expiry). May ignore
	// cost. Returns ok=false when the store refused the write under pressure.
	Set(ctx context.Context, key string, value []byte, cost int64, ttl time.Duration) (ok bool, err error)

	// Del removes a key (best-effort, missing keys are not an error).
	Del(ctx context.Context, key string) error

	// Close releases resources.
	Close(ctx context.Context) error
}
