package optisync

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestWriteReadRemoveVersions(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, nil)
	k := DetailKey(tAuction, "A1")

	if e, ok, err := s.Read(ctx, k); err != nil || ok || e.Version != 0 {
		t.Fatalf("Read miss expected, got ok=%v err=%v e=%+v", ok, err, e)
	}

	v1, err := s.Write(ctx, k, Document{"status": "PUBLISHED"})
	if err != nil || v1 != 1 {
		t.Fatalf("Write: v=%d err=%v", v1, err)
	}
	e := mustRead(t, s, k)
	if !e.Present || e.Version != 1 || e.Value.StringField("status") != "PUBLISHED" {
		t.Fatalf("Read after write: %+v", e)
	}

	v2, _ := s.Write(ctx, k, Document{"status": "CANCELLED"})
	v3, err := s.Remove(ctx, k)
	if err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if !(v1 < v2 && v2 < v3) {
		t.Fatalf("versions not increasing: %d %d %d", v1, v2, v3)
	}
	e = mustRead(t, s, k)
	if e.Present || e.Value != nil || e.Version != v3 {
		t.Fatalf("Read after remove: %+v", e)
	}
	snap, err := s.Snapshot(ctx, k)
	if err != nil || !snap.Removed || snap.Present {
		t.Fatalf("Snapshot of removed key: %+v err=%v", snap, err)
	}
}

func TestNewStoreRequiresOptions(t *testing.T) {
	if _, err := NewStore(Options{}); err == nil {
		t.Fatalf("expected error without provider")
	}
	_, mp := newTestStore(t, nil)
	if _, err := NewStore(Options{Provider: mp}); err == nil {
		t.Fatalf("expected error without codec")
	}
}

// Readers holding the read lock must see either every write of a batch or
// none of them.
func TestWriteBatchIsAtomicForReaders(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, nil)
	a, b := DetailKey(tItem, "I1"), DetailKey(tAuction, "A1")
	if _, err := s.WriteBatch(ctx, map[Key]Document{a: {"gen": "0"}, b: {"gen": "0"}}); err != nil {
		t.Fatalf("WriteBatch: %v", err)
	}

	stop := make(chan struct{})
	var torn atomic.Int32
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			s.mu.RLock()
			ea, _, _ := s.readLocked(ctx, a)
			eb, _, _ := s.readLocked(ctx, b)
			s.mu.RUnlock()
			if ea.Value.StringField("gen") != eb.Value.StringField("gen") {
				torn.Add(1)
			}
		}
	}()

	for i := 1; i <= 200; i++ {
		g := string(rune('a' + i%26))
		if _, err := s.WriteBatch(ctx, map[Key]Document{a: {"gen": g}, b: {"gen": g}}); err != nil {
			t.Fatalf("WriteBatch: %v", err)
		}
	}
	close(stop)
	wg.Wait()
	if n := torn.Load(); n != 0 {
		t.Fatalf("observed %d torn batches", n)
	}
}

func TestWriteIfVersionDiscardsStale(t *testing.T) {
	ctx := context.Background()
	hooks := &recHooks{}
	s, _ := newTestStore(t, func(o *Options) { o.Hooks = hooks })
	k := DetailKey(tAuction, "A1")

	obs := s.Version(ctx, k)
	if _, err := s.Write(ctx, k, Document{"status": "CANCELLED"}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	cur, ok, err := s.WriteIfVersion(ctx, k, Document{"status": "PUBLISHED"}, obs)
	if err != nil || ok {
		t.Fatalf("stale CAS write should be skipped: ok=%v err=%v", ok, err)
	}
	if cur != 1 || hooks.stale != 1 {
		t.Fatalf("expected current=1 and one discard, got %d/%d", cur, hooks.stale)
	}
	if got := mustRead(t, s, k).Value.StringField("status"); got != "CANCELLED" {
		t.Fatalf("stale write landed: %s", got)
	}

	v, ok, err := s.WriteIfVersion(ctx, k, Document{"status": "DRAFT"}, cur)
	if err != nil || !ok || v != cur+1 {
		t.Fatalf("current CAS write: v=%d ok=%v err=%v", v, ok, err)
	}
}

func TestSnapshotRestoreIsByteExact(t *testing.T) {
	ctx := context.Background()
	s, mp := newTestStore(t, nil)
	a, b, missing := DetailKey(tAuction, "A1"), DetailKey(tItem, "I1"), DetailKey(tItem, "I9")
	if _, err := s.WriteBatch(ctx, map[Key]Document{
		a: {"status": "PUBLISHED", "reserve_price": "1000.50"},
		b: {"status": "AUCTION"},
	}); err != nil {
		t.Fatalf("WriteBatch: %v", err)
	}
	before := storedPayload(t, s, mp, a)

	snaps := make([]Snapshot, 0, 3)
	for _, k := range []Key{a, b, missing} {
		sn, err := s.Snapshot(ctx, k)
		if err != nil {
			t.Fatalf("Snapshot(%s): %v", k, err)
		}
		snaps = append(snaps, sn)
	}
	if snaps[2].Present || snaps[2].Removed {
		t.Fatalf("never-loaded key should snapshot as unknown: %+v", snaps[2])
	}

	if _, err := s.WriteBatch(ctx, map[Key]Document{a: {"status": "CANCELLED"}, b: nil, missing: {"status": "SOLD"}}); err != nil {
		t.Fatalf("WriteBatch: %v", err)
	}
	verBefore := s.Version(ctx, a)
	if err := s.Restore(ctx, snaps...); err != nil {
		t.Fatalf("Restore: %v", err)
	}

	if after := storedPayload(t, s, mp, a); !bytes.Equal(before, after) {
		t.Fatalf("restored payload differs:\n%s\n%s", before, after)
	}
	if v := s.Version(ctx, a); v <= verBefore {
		t.Fatalf("restore must bump version: %d <= %d", v, verBefore)
	}
	if e := mustRead(t, s, b); !e.Present || e.Value.StringField("status") != "AUCTION" {
		t.Fatalf("item not restored: %+v", e)
	}
	if _, ok := mp.Raw(s.storageKey(missing)); ok {
		t.Fatalf("never-loaded key should be dropped on restore")
	}
}

func TestSubscribersSeeWritesInOrder(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, nil)
	k := DetailKey(tAuction, "A1")

	var mu sync.Mutex
	var seen []uint64
	cancel := s.Subscribe(k, func(e Entity) {
		mu.Lock()
		seen = append(seen, e.Version)
		mu.Unlock()
		// reading from a subscriber is allowed
		_, _, _ = s.Read(ctx, k)
	})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.Write(ctx, k, Document{"status": "PUBLISHED"})
		}()
	}
	wg.Wait()
	cancel()
	_, _ = s.Write(ctx, k, Document{"status": "DRAFT"})

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 20 {
		t.Fatalf("expected 20 notifications, got %d", len(seen))
	}
	for i := 1; i < len(seen); i++ {
		if seen[i] <= seen[i-1] {
			t.Fatalf("notifications out of order: %v", seen)
		}
	}
}

func TestReadSelfHealsCorruptFrame(t *testing.T) {
	ctx := context.Background()
	hooks := &recHooks{}
	s, mp := newTestStore(t, func(o *Options) { o.Hooks = hooks })
	k := DetailKey(tAuction, "A1")
	if _, err := s.Write(ctx, k, Document{"status": "DRAFT"}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	_, _ = mp.Set(ctx, s.storageKey(k), []byte("garbage"), 1, 0)

	if _, ok, err := s.Read(ctx, k); ok || err != nil {
		t.Fatalf("corrupt frame should read as miss: ok=%v err=%v", ok, err)
	}
	if _, ok := mp.Raw(s.storageKey(k)); ok {
		t.Fatalf("corrupt frame not deleted")
	}
	if len(hooks.heals) != 1 || hooks.heals[0] != "corrupt" {
		t.Fatalf("expected corrupt self-heal, got %v", hooks.heals)
	}
}

func TestInvalidateMarksStaleAndRefetchesOnRead(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	s, _ := newTestStore(t, func(o *Options) { o.Fetchers = map[EntityType]Fetcher{tAuction: remote} })

	detail := DetailKey(tAuction, "A1")
	list := ListKey(tAuction, map[string]string{"status": "PUBLISHED", "page": "2"})
	other := DetailKey(tItem, "I1")
	_, _ = s.WriteBatch(ctx, map[Key]Document{
		detail: {"status": "PUBLISHED"},
		list:   {"count": "1"},
		other:  {"status": "AUCTION"},
	})
	remote.server[detail] = Document{"status": "CANCELLED"}

	got := s.Invalidate(ctx, Region{Type: tAuction, Filter: map[string]string{"status": "PUBLISHED"}})
	if len(got) != 1 || got[0] != list {
		t.Fatalf("filter region should match only the list: %v", got)
	}
	got = s.Invalidate(ctx, Region{Type: tAuction})
	if len(got) != 2 {
		t.Fatalf("type region should match detail and list: %v", got)
	}
	if mustRead(t, s, other).Stale {
		t.Fatalf("item must not be invalidated")
	}

	// stale value is still served while the refetch runs
	e := mustRead(t, s, detail)
	if !e.Stale || e.Value.StringField("status") != "PUBLISHED" {
		t.Fatalf("expected stale PUBLISHED, got %+v", e)
	}
	waitFor(t, func() bool {
		e := mustRead(t, s, detail)
		return !e.Stale && e.Value.StringField("status") == "CANCELLED"
	})
}

func TestInvalidateCancelsInFlightFetch(t *testing.T) {
	ctx := context.Background()
	started := make(chan struct{})
	release := make(chan struct{})
	fetcher := FetchFunc(func(ctx context.Context, k Key) (Document, error) {
		close(started)
		select {
		case <-release:
			return Document{"status": "OLD"}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	s, _ := newTestStore(t, func(o *Options) { o.Fetchers = map[EntityType]Fetcher{tAuction: fetcher} })
	k := DetailKey(tAuction, "A1")

	done := make(chan error, 1)
	go func() { done <- s.Refetch(ctx, k) }()
	<-started
	s.CancelPendingReads(RegionOf(k))
	if err := <-done; err != nil {
		t.Fatalf("cancelled refetch should not fail: %v", err)
	}
	if v := s.Version(ctx, k); v != 0 {
		t.Fatalf("cancelled fetch must not write, version=%d", v)
	}
}

func TestFetchDiscardedWhenWriteLandsFirst(t *testing.T) {
	ctx := context.Background()
	hooks := &recHooks{}
	release := make(chan struct{})
	started := make(chan struct{})
	fetcher := FetchFunc(func(context.Context, Key) (Document, error) {
		close(started)
		<-release
		return Document{"status": "PUBLISHED"}, nil
	})
	s, _ := newTestStore(t, func(o *Options) {
		o.Hooks = hooks
		o.Fetchers = map[EntityType]Fetcher{tAuction: fetcher}
	})
	k := DetailKey(tAuction, "A1")

	done := make(chan error, 1)
	go func() { done <- s.Refetch(ctx, k) }()
	<-started
	if _, err := s.Write(ctx, k, Document{"status": "CANCELLED"}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("Refetch: %v", err)
	}
	if got := mustRead(t, s, k).Value.StringField("status"); got != "CANCELLED" {
		t.Fatalf("slow fetch overwrote newer write: %s", got)
	}
	if hooks.stale != 1 {
		t.Fatalf("expected one discarded fetch, got %d", hooks.stale)
	}
}

func TestRefetchSkipsKeysLockedByOthers(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	s, _ := newTestStore(t, func(o *Options) { o.Fetchers = map[EntityType]Fetcher{tAuction: remote} })
	k := DetailKey(tAuction, "A1")
	remote.server[k] = Document{"status": "PUBLISHED"}

	if busy := s.TryLock("op-1", k); len(busy) != 0 {
		t.Fatalf("TryLock: busy=%v", busy)
	}
	if err := s.Refetch(ctx, k); err != nil {
		t.Fatalf("Refetch: %v", err)
	}
	if v := s.Version(ctx, k); v != 0 {
		t.Fatalf("locked key refetched by a stranger, version=%d", v)
	}
	if err := s.Refetch(withOwner(ctx, "op-1"), k); err != nil {
		t.Fatalf("owner Refetch: %v", err)
	}
	if e := mustRead(t, s, k); !e.Present || e.Version != 1 {
		t.Fatalf("owner refetch should land: %+v", e)
	}
	s.Unlock("op-1", k)
}

func TestRefetchWithoutFetcherFails(t *testing.T) {
	s, _ := newTestStore(t, nil)
	if err := s.Refetch(context.Background(), DetailKey(tAuction, "A1")); err == nil {
		t.Fatalf("expected error without fetcher")
	}
}

func TestRefetchFailureReported(t *testing.T) {
	boom := errors.New("boom")
	var failed atomic.Int32
	s, _ := newTestStore(t, func(o *Options) {
		o.Fetchers = map[EntityType]Fetcher{tAuction: FetchFunc(func(context.Context, Key) (Document, error) {
			return nil, boom
		})}
		o.Hooks = refetchFailHooks{n: &failed}
	})
	if err := s.Refetch(context.Background(), DetailKey(tAuction, "A1")); !errors.Is(err, boom) {
		t.Fatalf("expected fetch error, got %v", err)
	}
	if failed.Load() != 1 {
		t.Fatalf("RefetchFailed not reported")
	}
}

type refetchFailHooks struct {
	NopHooks
	n *atomic.Int32
}

func (h refetchFailHooks) RefetchFailed(Key, error) { h.n.Add(1) }

func TestObservedListsSubscribedKeys(t *testing.T) {
	s, _ := newTestStore(t, nil)
	a := DetailKey(tAuction, "A1")
	l := ListKey(tAuction, map[string]string{"status": "DRAFT"})
	i := DetailKey(tItem, "I1")
	c1 := s.Subscribe(a, func(Entity) {})
	c2 := s.Subscribe(l, func(Entity) {})
	defer c2()
	_ = s.Subscribe(i, func(Entity) {})

	if got := s.Observed(Region{Type: tAuction}); len(got) != 2 {
		t.Fatalf("expected 2 observed auction keys, got %v", got)
	}
	c1()
	c1() // idempotent
	if got := s.Observed(Region{Type: tAuction}); len(got) != 1 || got[0] != l {
		t.Fatalf("expected only the list, got %v", got)
	}
}

func TestCloseStopsBackgroundRefetch(t *testing.T) {
	remote := newFakeRemote()
	s, _ := newTestStore(t, func(o *Options) { o.Fetchers = map[EntityType]Fetcher{tAuction: remote} })
	if err := s.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	s.RefetchAsync(context.Background(), DetailKey(tAuction, "A1"))
	if err := s.Refetch(context.Background(), DetailKey(tAuction, "A1")); !errors.Is(err, errClosed) {
		t.Fatalf("expected errClosed, got %v", err)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met in time")
}
