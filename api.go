package optisync

import (
	"context"
	"time"

	c "github.com/unkn0wn-root/optisync/codec"
	pr "github.com/unkn0wn-root/optisync/provider"
	"github.com/unkn0wn-root/optisync/verstore"
)

// Entity is what a read returns: the last known value of a key and the
// version it was written at.
type Entity struct {
	Key       Key
	Value     Document // nil when !Present
	Version   uint64
	Present   bool // false: never fetched, removed, or evicted
	Stale     bool // invalidated since the last write; a refetch is due
	WrittenAt time.Time
}

// Snapshot is the encoded pre-operation state of a key. Restoring it writes
// the captured bytes back unchanged.
type Snapshot struct {
	Key     Key
	Present bool
	Removed bool // absent because it was removed, not because it was never loaded
	Payload []byte
	Value   Document // Payload decoded
	Version uint64
}

// Fetcher loads an entity from the server of record. Register one per
// EntityType to enable background refetch.
type Fetcher interface {
	Fetch(ctx context.Context, key Key) (Document, error)
}

// FetchFunc adapts a function to Fetcher.
type FetchFunc func(ctx context.Context, key Key) (Document, error)

func (f FetchFunc) Fetch(ctx context.Context, key Key) (Document, error) { return f(ctx, key) }

// Store is the process-wide entity cache. One Store is created per
// application session and passed explicitly to the Executor, the
// Coordinator and the UI layer.
type Store interface {
	// Read returns the latest known value. It never performs network I/O
	// itself; a stale or absent key with a registered Fetcher gets a
	// background refetch.
	Read(ctx context.Context, key Key) (Entity, bool, error)

	// Write replaces the value, bumps the version and notifies subscribers
	// synchronously. It returns the new version.
	Write(ctx context.Context, key Key, value Document) (uint64, error)
	// WriteBatch applies all writes atomically with respect to readers.
	// A nil Document removes its key.
	WriteBatch(ctx context.Context, values map[Key]Document) (map[Key]uint64, error)
	// WriteIfVersion writes only if the key is still at observed. A nil
	// value removes the key.
	WriteIfVersion(ctx context.Context, key Key, value Document, observed uint64) (uint64, bool, error)
	// Remove writes absence: the value is dropped, the version still moves.
	Remove(ctx context.Context, key Key) (uint64, error)

	Snapshot(ctx context.Context, key Key) (Snapshot, error)
	// Restore writes snapshots back as one batch. Every key gets a new version.
	Restore(ctx context.Context, snaps ...Snapshot) error

	// Invalidate marks matching keys stale and cancels their in-flight
	// fetches. It returns the matched keys and does not block on I/O.
	Invalidate(ctx context.Context, region Region) []Key
	// CancelPendingReads aborts background fetches of matching keys.
	// Advisory: it never fails.
	CancelPendingReads(region Region)
	// Refetch loads key from its Fetcher now and stores it via a CAS write.
	// Keys locked by another operation are skipped and stay stale.
	Refetch(ctx context.Context, key Key) error
	// RefetchAsync schedules Refetch in the background. Only the values of
	// ctx are kept; its cancellation is not.
	RefetchAsync(ctx context.Context, key Key)

	// TryLock acquires every key for owner or none of them. It returns the
	// keys held by someone else.
	TryLock(owner string, keys ...Key) (busy []Key)
	// Unlock releases the keys owner holds.
	Unlock(owner string, keys ...Key)

	// Subscribe registers fn for changes of key. fn runs synchronously in
	// the writer's goroutine and must not write to the Store.
	Subscribe(key Key, fn func(Entity)) (cancel func())
	// Observed returns matching keys that currently have subscribers.
	Observed(region Region) []Key

	Version(ctx context.Context, key Key) uint64
	Close(ctx context.Context) error
}

// SetCostFunc computes the provider cost of a stored frame.
type SetCostFunc func(storageKey string, raw []byte) int64

// Options tune a Store. Namespace, Provider and Codec are required.
type Options struct {
	Namespace string // isolates keys, e.g. "auction-admin"
	Provider  pr.Provider
	Codec     c.Codec[map[string]any]

	Versions         verstore.Store         // nil => verstore.Local
	Fetchers         map[EntityType]Fetcher // types without a fetcher are never refetched
	Logger           Logger                 // nil => NopLogger
	Hooks            Hooks                  // nil => NopHooks
	TTL              time.Duration          // 0 => 10m
	FetchTimeout     time.Duration          // per background fetch; 0 => 15s
	RefetchRPS       float64                // 0 => unlimited
	RefetchBurst     int                    // 0 => 1 when RefetchRPS > 0
	CleanupInterval  time.Duration          // local version pruning; 0 => disabled
	VersionRetention time.Duration          // 0 => 30d
	ComputeSetCost   SetCostFunc            // default 1
}

// NewStore builds a Store from opts.
func NewStore(opts Options) (Store, error) {
	return newStore(opts)
}
