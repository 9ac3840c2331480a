// Package verstore keeps the per-key version counters of an optisync Store.
//
// A version only ever moves forward: every write to a key (optimistic,
// confirmed, compensating, restored or refetched) takes the next value from
// Next. Readers compare the version framed with a stored value against
// Current and treat a mismatch as stale.
package verstore

import (
	"context"
	"time"
)

// Store abstracts where versions live.
// Use Local (default) for in-process versions, or Redis to share them across
// replicas of a backend-for-frontend.
type Store interface {
	// Current returns the current version; missing => 0.
	Current(ctx context.Context, storageKey string) (uint64, error)
	// CurrentMany returns versions for many keys; missing => 0.
	CurrentMany(ctx context.Context, storageKeys []string) (map[string]uint64, error)
	// Next atomically increments and returns the new version.
	Next(ctx context.Context, storageKey string) (uint64, error)
	// Cleanup prunes long-idle counters if applicable (no-op for Redis).
	Cleanup(retention time.Duration)
	// Close releases resources (no-op ok).
	Close(context.Context) error
}
