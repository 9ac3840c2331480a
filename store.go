package optisync

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	c "github.com/unkn0wn-root/optisync/codec"
	"github.com/unkn0wn-root/optisync/internal/util"
	"github.com/unkn0wn-root/optisync/internal/wire"
	pr "github.com/unkn0wn-root/optisync/provider"
	"github.com/unkn0wn-root/optisync/verstore"
)

const (
	defaultTTL          = 10 * time.Minute
	defaultFetchTimeout = 15 * time.Second
	defaultRetention    = 30 * 24 * time.Hour
)

var errClosed = errors.New("optisync: store closed")

type fetchCall struct {
	cancel    context.CancelFunc
	cancelled bool // by Invalidate or CancelPendingReads; guarded by store.mu
}

type store struct {
	prefix         string
	provider       pr.Provider
	codec          c.Codec[map[string]any]
	versions       verstore.Store
	fetchers       map[EntityType]Fetcher
	log            Logger
	hooks          Hooks
	ttl            time.Duration
	fetchTimeout   time.Duration
	limiter        *rate.Limiter
	computeSetCost SetCostFunc

	// Writers hold mu exclusively and readers share it, so a batch is never
	// observed half-applied.
	mu       sync.RWMutex
	known    map[Key]struct{}
	stale    map[Key]struct{}
	inflight map[Key]*fetchCall

	// Each committing write takes a ticket under mu. Subscribers of ticket n
	// run only after those of n-1 returned, so notifications follow write
	// order without holding mu.
	notifyMu   sync.Mutex
	notifyCond *sync.Cond
	ticket     uint64 // guarded by mu
	delivered  uint64 // guarded by notifyMu
	subs       *subscribers
	locks      *keyLocks

	sf        singleflight.Group
	bgCtx     context.Context
	bgCancel  context.CancelFunc
	bg        sync.WaitGroup
	closeMu   sync.RWMutex
	closed    atomic.Bool
	closeOnce sync.Once
}

var _ Store = (*store)(nil)

func newStore(opts Options) (*store, error) {
	if opts.Provider == nil {
		return nil, fmt.Errorf("optisync: provider is required")
	}
	if opts.Codec == nil {
		return nil, fmt.Errorf("optisync: codec is required")
	}
	if opts.Namespace == "" {
		return nil, fmt.Errorf("optisync: namespace is required")
	}

	s := &store{
		prefix:   "entity:" + opts.Namespace,
		provider: opts.Provider,
		codec:    opts.Codec,
		fetchers: make(map[EntityType]Fetcher, len(opts.Fetchers)),
		known:    make(map[Key]struct{}),
		stale:    make(map[Key]struct{}),
		inflight: make(map[Key]*fetchCall),
		subs:     newSubscribers(),
		locks:    newKeyLocks(),
	}
	s.notifyCond = sync.NewCond(&s.notifyMu)
	for t, f := range opts.Fetchers {
		if f != nil {
			s.fetchers[t] = f
		}
	}

	// defaults
	s.log = coalesce[Logger](opts.Logger, NopLogger{})
	s.hooks = coalesce[Hooks](opts.Hooks, NopHooks{})
	s.ttl = coalesce(opts.TTL, defaultTTL)
	s.fetchTimeout = coalesce(opts.FetchTimeout, defaultFetchTimeout)

	if opts.ComputeSetCost != nil {
		s.computeSetCost = opts.ComputeSetCost
	} else {
		s.computeSetCost = func(string, []byte) int64 { return 1 }
	}

	if opts.RefetchRPS > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(opts.RefetchRPS), max(opts.RefetchBurst, 1))
	}

	if opts.Versions != nil {
		s.versions = opts.Versions
	} else {
		s.versions = verstore.NewLocal(opts.CleanupInterval, coalesce(opts.VersionRetention, defaultRetention))
	}

	s.bgCtx, s.bgCancel = context.WithCancel(context.Background())
	return s, nil
}

func (s *store) storageKey(k Key) string { return util.StorageKey(s.prefix, k.String()) }

func (s *store) Read(ctx context.Context, key Key) (Entity, bool, error) {
	s.mu.RLock()
	e, refetch, err := s.readLocked(ctx, key)
	s.mu.RUnlock()
	if refetch {
		s.RefetchAsync(ctx, key)
	}
	return e, e.Present, err
}

// readLocked needs at least the read lock. It reports whether the caller
// should schedule a refetch.
func (s *store) readLocked(ctx context.Context, key Key) (Entity, bool, error) {
	sk := s.storageKey(key)
	e := Entity{Key: key}
	_, e.Stale = s.stale[key]
	_, fetchable := s.fetchers[key.Type]

	f, ok, err := s.frame(ctx, sk)
	if err != nil {
		return e, false, err
	}
	e.Version = f.Version
	if !ok {
		return e, fetchable, nil
	}
	e.WrittenAt = f.WrittenAt
	if f.Removed {
		return e, e.Stale && fetchable, nil
	}
	v, err := s.codec.Decode(f.Payload)
	if err != nil {
		s.heal(ctx, sk, "value_decode")
		return e, fetchable, nil
	}
	e.Value = Document(v)
	e.Present = true
	return e, e.Stale && fetchable, nil
}

// frame loads and validates the stored frame of sk. A miss still reports
// the current version in Frame.Version.
func (s *store) frame(ctx context.Context, sk string) (wire.Frame, bool, error) {
	cur, err := s.versions.Current(ctx, sk)
	if err != nil {
		s.hooks.VersionError(sk, err)
		s.log.Warn("version read failed", Fields{"key": sk, "err": err})
		return wire.Frame{}, false, err
	}
	miss := wire.Frame{Version: cur}
	raw, ok, err := s.provider.Get(ctx, sk)
	if err != nil {
		return miss, false, err
	}
	if !ok {
		return miss, false, nil
	}
	f, err := wire.DecodeEntity(raw)
	if err != nil {
		s.heal(ctx, sk, "corrupt")
		return miss, false, nil
	}
	if f.Version != cur {
		s.heal(ctx, sk, "version_mismatch")
		return miss, false, nil
	}
	return f, true, nil
}

func (s *store) heal(ctx context.Context, sk, reason string) {
	_ = s.provider.Del(ctx, sk)
	s.hooks.SelfHeal(sk, reason)
	s.log.Debug("self-healed entry", Fields{"key": sk, "reason": reason})
}

func (s *store) Write(ctx context.Context, key Key, value Document) (uint64, error) {
	vs, err := s.WriteBatch(ctx, map[Key]Document{key: value})
	return vs[key], err
}

func (s *store) WriteBatch(ctx context.Context, values map[Key]Document) (map[Key]uint64, error) {
	puts := make([]put, 0, len(values))
	for k, v := range values {
		p, err := s.encodePut(k, v)
		if err != nil {
			return nil, err
		}
		puts = append(puts, p)
	}
	sortPuts(puts)
	ents, err := s.locked(func() ([]Entity, error) { return s.commitLocked(ctx, puts) })
	return versionsOf(ents), err
}

func (s *store) WriteIfVersion(ctx context.Context, key Key, value Document, observed uint64) (uint64, bool, error) {
	p, err := s.encodePut(key, value)
	if err != nil {
		return 0, false, err
	}
	var cur uint64
	ents, err := s.locked(func() ([]Entity, error) {
		v, err := s.versions.Current(ctx, p.sk)
		if err != nil {
			s.hooks.VersionError(p.sk, err)
			return nil, err
		}
		cur = v
		if v != observed {
			s.hooks.StaleWriteDiscarded(key, observed, v)
			s.log.Debug("stale write discarded", Fields{"key": key.String(), "observed": observed, "version": v})
			return nil, nil
		}
		return s.commitLocked(ctx, []put{p})
	})
	if err != nil || len(ents) == 0 {
		return cur, false, err
	}
	return ents[0].Version, true, nil
}

func (s *store) Remove(ctx context.Context, key Key) (uint64, error) {
	return s.Write(ctx, key, nil)
}

func (s *store) Snapshot(ctx context.Context, key Key) (Snapshot, error) {
	sk := s.storageKey(key)
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok, err := s.frame(ctx, sk)
	snap := Snapshot{Key: key, Version: f.Version}
	if err != nil || !ok {
		return snap, err
	}
	if f.Removed {
		snap.Removed = true
		return snap, nil
	}
	v, err := s.codec.Decode(f.Payload)
	if err != nil {
		s.heal(ctx, sk, "value_decode")
		return snap, nil
	}
	snap.Present = true
	snap.Payload = bytes.Clone(f.Payload)
	snap.Value = Document(v)
	return snap, nil
}

func (s *store) Restore(ctx context.Context, snaps ...Snapshot) error {
	puts := make([]put, 0, len(snaps))
	for _, sn := range snaps {
		p := put{key: sn.Key, sk: s.storageKey(sn.Key)}
		switch {
		case sn.Present:
			p.payload = sn.Payload
			p.value = sn.Value
			if p.value == nil {
				v, err := s.codec.Decode(sn.Payload)
				if err != nil {
					return fmt.Errorf("optisync: restore %s: %w", sn.Key, err)
				}
				p.value = Document(v)
			}
		case sn.Removed:
			p.removed = true
		default:
			p.unknown = true
		}
		puts = append(puts, p)
	}
	sortPuts(puts)
	_, err := s.locked(func() ([]Entity, error) { return s.commitLocked(ctx, puts) })
	return err
}

func (s *store) Invalidate(ctx context.Context, region Region) []Key {
	matched := make(map[Key]struct{})
	for _, k := range s.subs.keys(region) {
		matched[k] = struct{}{}
	}

	s.mu.Lock()
	for k := range s.known {
		if region.Matches(k) {
			matched[k] = struct{}{}
		}
	}
	for k := range s.inflight {
		if region.Matches(k) {
			matched[k] = struct{}{}
		}
	}
	out := make([]Key, 0, len(matched))
	for k := range matched {
		s.stale[k] = struct{}{}
		s.cancelFetchLocked(k)
		out = append(out, k)
	}
	s.mu.Unlock()

	sortKeys(out)
	s.log.Debug("invalidated region", Fields{"region": region.String(), "keys": len(out)})
	return out
}

func (s *store) CancelPendingReads(region Region) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.inflight {
		if region.Matches(k) {
			s.cancelFetchLocked(k)
		}
	}
}

// cancelFetchLocked needs mu held exclusively. The singleflight slot is
// released so the next Refetch starts a fresh call.
func (s *store) cancelFetchLocked(k Key) {
	call := s.inflight[k]
	if call == nil || call.cancelled {
		return
	}
	call.cancelled = true
	call.cancel()
	s.sf.Forget(s.storageKey(k))
}

func (s *store) Refetch(ctx context.Context, key Key) error {
	f, ok := s.fetchers[key.Type]
	if !ok {
		return fmt.Errorf("optisync: no fetcher for %q", key.Type)
	}
	if s.closed.Load() {
		return errClosed
	}
	owner := ownerFrom(ctx)
	if s.locks.heldByOther(key, owner) {
		s.log.Debug("refetch deferred, key locked", Fields{"key": key.String()})
		return nil
	}
	sk := s.storageKey(key)
	_, err, _ := s.sf.Do(sk, func() (any, error) {
		return nil, s.fetch(ctx, key, sk, f, owner)
	})
	return err
}

func (s *store) fetch(ctx context.Context, key Key, sk string, f Fetcher, owner string) error {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	fctx, cancel := context.WithTimeout(ctx, s.fetchTimeout)
	defer cancel()
	call := &fetchCall{cancel: cancel}

	s.mu.Lock()
	observed, err := s.versions.Current(ctx, sk)
	if err == nil {
		s.inflight[key] = call
	}
	s.mu.Unlock()
	if err != nil {
		s.hooks.VersionError(sk, err)
		return err
	}
	defer func() {
		s.mu.Lock()
		if s.inflight[key] == call {
			delete(s.inflight, key)
		}
		s.mu.Unlock()
	}()

	doc, err := f.Fetch(fctx, key)
	if err != nil {
		s.mu.RLock()
		cancelled := call.cancelled
		s.mu.RUnlock()
		if cancelled {
			s.log.Debug("fetch cancelled", Fields{"key": key.String()})
			return nil
		}
		s.hooks.RefetchFailed(key, err)
		s.log.Warn("refetch failed", Fields{"key": key.String(), "err": err})
		return err
	}

	p, err := s.encodePut(key, doc)
	if err != nil {
		s.hooks.RefetchFailed(key, err)
		return err
	}
	_, err = s.locked(func() ([]Entity, error) {
		if call.cancelled {
			s.log.Debug("fetch result dropped, cancelled", Fields{"key": key.String()})
			return nil, nil
		}
		if s.locks.heldByOther(key, owner) {
			s.log.Debug("fetch result dropped, key locked", Fields{"key": key.String()})
			return nil, nil
		}
		cur, err := s.versions.Current(ctx, sk)
		if err != nil {
			s.hooks.VersionError(sk, err)
			return nil, err
		}
		if cur != observed {
			s.hooks.StaleWriteDiscarded(key, observed, cur)
			s.log.Debug("stale fetch discarded", Fields{"key": key.String(), "observed": observed, "version": cur})
			return nil, nil
		}
		return s.commitLocked(ctx, []put{p})
	})
	return err
}

func (s *store) RefetchAsync(ctx context.Context, key Key) {
	if _, ok := s.fetchers[key.Type]; !ok {
		return
	}
	owner := ownerFrom(ctx)

	s.closeMu.RLock()
	defer s.closeMu.RUnlock()
	if s.closed.Load() {
		return
	}
	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		bctx := s.bgCtx
		if owner != "" {
			bctx = withOwner(bctx, owner)
		}
		if err := s.Refetch(bctx, key); err != nil {
			s.log.Debug("background refetch failed", Fields{"key": key.String(), "err": err})
		}
	}()
}

func (s *store) TryLock(owner string, keys ...Key) []Key { return s.locks.tryLock(owner, keys) }

func (s *store) Unlock(owner string, keys ...Key) { s.locks.unlock(owner, keys) }

func (s *store) Subscribe(key Key, fn func(Entity)) func() { return s.subs.add(key, fn) }

func (s *store) Observed(region Region) []Key {
	out := s.subs.keys(region)
	sortKeys(out)
	return out
}

func (s *store) Version(ctx context.Context, key Key) uint64 {
	sk := s.storageKey(key)
	v, err := s.versions.Current(ctx, sk)
	if err != nil {
		s.hooks.VersionError(sk, err)
		s.log.Warn("version read failed", Fields{"key": sk, "err": err})
		return 0
	}
	return v
}

func (s *store) Close(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		s.closeMu.Lock()
		s.closed.Store(true)
		s.closeMu.Unlock()

		s.bgCancel()
		s.bg.Wait()

		if s.versions != nil {
			_ = s.versions.Close(ctx)
		}
		err = s.provider.Close(ctx)
	})
	return err
}

// put is one encoded write.
type put struct {
	key     Key
	sk      string
	value   Document // for notifications
	payload []byte   // encoded value; nil for removals
	removed bool     // store a tombstone
	unknown bool     // drop the entry, a later read refetches it
}

func (s *store) encodePut(k Key, v Document) (put, error) {
	p := put{key: k, sk: s.storageKey(k)}
	if v == nil {
		p.removed = true
		return p, nil
	}
	b, err := s.codec.Encode(map[string]any(v))
	if err != nil {
		return put{}, fmt.Errorf("optisync: encode %s: %w", k, err)
	}
	p.value = v.Clone()
	p.payload = b
	return p, nil
}

func sortPuts(ps []put) {
	keys := make([]Key, len(ps))
	byKey := make(map[Key]put, len(ps))
	for i, p := range ps {
		keys[i] = p.key
		byKey[p.key] = p
	}
	sortKeys(keys)
	for i, k := range keys {
		ps[i] = byKey[k]
	}
}

// locked runs fn with mu held exclusively, then delivers the entities fn
// wrote to subscribers in write order.
func (s *store) locked(fn func() ([]Entity, error)) ([]Entity, error) {
	s.mu.Lock()
	ents, err := fn()
	var ticket uint64
	if len(ents) > 0 {
		s.ticket++
		ticket = s.ticket
	}
	s.mu.Unlock()
	if ticket != 0 {
		s.notify(ticket, ents)
	}
	return ents, err
}

func (s *store) notify(ticket uint64, ents []Entity) {
	s.notifyMu.Lock()
	for s.delivered != ticket-1 {
		s.notifyCond.Wait()
	}
	s.notifyMu.Unlock()

	defer func() {
		s.notifyMu.Lock()
		s.delivered = ticket
		s.notifyCond.Broadcast()
		s.notifyMu.Unlock()
	}()
	for _, e := range ents {
		for _, cb := range s.subs.callbacks(e.Key) {
			cb(e)
		}
	}
}

// commitLocked needs mu held exclusively. Every put takes a new version,
// including removals and restores.
func (s *store) commitLocked(ctx context.Context, puts []put) ([]Entity, error) {
	now := time.Now()
	ents := make([]Entity, 0, len(puts))
	for _, p := range puts {
		ver, err := s.versions.Next(ctx, p.sk)
		if err != nil {
			s.hooks.VersionError(p.sk, err)
			s.log.Error("version bump failed", Fields{"key": p.sk, "err": err})
			return ents, fmt.Errorf("optisync: write %s: %w", p.key, err)
		}

		var raw []byte
		switch {
		case p.unknown:
			if err := s.provider.Del(ctx, p.sk); err != nil {
				return ents, fmt.Errorf("optisync: write %s: %w", p.key, err)
			}
		case p.removed:
			raw = wire.EncodeTombstone(ver, now)
		default:
			raw = wire.EncodeEntity(ver, now, p.payload)
		}
		if raw != nil {
			ok, err := s.provider.Set(ctx, p.sk, raw, s.computeSetCost(p.sk, raw), s.ttl)
			if err != nil {
				return ents, fmt.Errorf("optisync: write %s: %w", p.key, err)
			}
			if !ok {
				s.hooks.ProviderSetRejected(p.sk)
				s.log.Debug("provider rejected set (pressure)", Fields{"key": p.sk})
			}
		}

		delete(s.stale, p.key)
		s.known[p.key] = struct{}{}
		ents = append(ents, Entity{
			Key:       p.key,
			Value:     p.value,
			Version:   ver,
			Present:   !p.removed && !p.unknown,
			WrittenAt: now,
		})
	}
	return ents, nil
}

func versionsOf(ents []Entity) map[Key]uint64 {
	out := make(map[Key]uint64, len(ents))
	for _, e := range ents {
		out[e.Key] = e.Version
	}
	return out
}
