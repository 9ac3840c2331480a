package optisync

import (
	"context"
	"sync"
	"testing"
	"time"

	c "github.com/unkn0wn-root/optisync/codec"
	"github.com/unkn0wn-root/optisync/internal/wire"
	"github.com/unkn0wn-root/optisync/provider/memory"
)

const (
	tAuction EntityType = "auction"
	tItem    EntityType = "item"
)

func newTestStore(t *testing.T, mutate func(*Options)) (*store, *memory.Provider) {
	t.Helper()
	mp := memory.New()
	opts := Options{
		Namespace: "test",
		Provider:  mp,
		Codec:     c.JSON[map[string]any]{},
	}
	if mutate != nil {
		mutate(&opts)
	}
	st, err := NewStore(opts)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	impl, ok := st.(*store)
	if !ok {
		t.Fatalf("unexpected concrete type for Store")
	}
	t.Cleanup(func() { _ = st.Close(context.Background()) })
	return impl, mp
}

// storedPayload returns the encoded value bytes currently framed for k.
func storedPayload(t *testing.T, s *store, mp *memory.Provider, k Key) []byte {
	t.Helper()
	raw, ok := mp.Raw(s.storageKey(k))
	if !ok {
		t.Fatalf("no stored frame for %s", k)
	}
	f, err := wire.DecodeEntity(raw)
	if err != nil {
		t.Fatalf("DecodeEntity(%s): %v", k, err)
	}
	return f.Payload
}

func mustRead(t *testing.T, s Store, k Key) Entity {
	t.Helper()
	e, _, err := s.Read(context.Background(), k)
	if err != nil {
		t.Fatalf("Read(%s): %v", k, err)
	}
	return e
}

type remoteCall struct {
	Key    Key
	Patch  Patch
	Delete bool
}

// fakeRemote is a scripted server of record. Errors queued with failNext
// are returned by the next calls for that key, one per call.
type fakeRemote struct {
	mu     sync.Mutex
	server map[Key]Document
	fail   map[Key][]error
	calls  []remoteCall
	onCall func(remoteCall) // runs before the call resolves
	delay  time.Duration
}

var _ Remote = (*fakeRemote)(nil)

func newFakeRemote() *fakeRemote {
	return &fakeRemote{server: make(map[Key]Document), fail: make(map[Key][]error)}
}

func (f *fakeRemote) failNext(k Key, errs ...error) {
	f.mu.Lock()
	f.fail[k] = append(f.fail[k], errs...)
	f.mu.Unlock()
}

func (f *fakeRemote) begin(rc remoteCall) error {
	f.mu.Lock()
	f.calls = append(f.calls, rc)
	hook := f.onCall
	var err error
	if q := f.fail[rc.Key]; len(q) > 0 {
		err, f.fail[rc.Key] = q[0], q[1:]
	}
	delay := f.delay
	f.mu.Unlock()
	if hook != nil {
		hook(rc)
	}
	if delay > 0 {
		time.Sleep(delay)
	}
	return err
}

func (f *fakeRemote) Update(ctx context.Context, k Key, p Patch) (Document, error) {
	if err := f.begin(remoteCall{Key: k, Patch: p}); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	doc := p.Apply(f.server[k])
	f.server[k] = doc
	return doc.Clone(), nil
}

func (f *fakeRemote) Delete(ctx context.Context, k Key) error {
	if err := f.begin(remoteCall{Key: k, Delete: true}); err != nil {
		return err
	}
	f.mu.Lock()
	delete(f.server, k)
	f.mu.Unlock()
	return nil
}

func (f *fakeRemote) Fetch(_ context.Context, k Key) (Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if k.IsList() {
		return Document{"query": k.Query}, nil
	}
	return f.server[k].Clone(), nil
}

func (f *fakeRemote) callsFor(k Key) []remoteCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []remoteCall
	for _, rc := range f.calls {
		if rc.Key == k {
			out = append(out, rc)
		}
	}
	return out
}

func (f *fakeRemote) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type recHooks struct {
	NopHooks
	mu         sync.Mutex
	busy       int
	legFailed  []int
	compFailed int
	settled    []State
	stale      int
	heals      []string
}

func (h *recHooks) OperationBusy(string, []Key) {
	h.mu.Lock()
	h.busy++
	h.mu.Unlock()
}

func (h *recHooks) LegFailed(_ string, leg int, _ Key, _ error) {
	h.mu.Lock()
	h.legFailed = append(h.legFailed, leg)
	h.mu.Unlock()
}

func (h *recHooks) CompensationFailed(string, Key, error) {
	h.mu.Lock()
	h.compFailed++
	h.mu.Unlock()
}

func (h *recHooks) Settled(_ string, final State, _ time.Duration) {
	h.mu.Lock()
	h.settled = append(h.settled, final)
	h.mu.Unlock()
}

func (h *recHooks) StaleWriteDiscarded(Key, uint64, uint64) {
	h.mu.Lock()
	h.stale++
	h.mu.Unlock()
}

func (h *recHooks) SelfHeal(_ string, reason string) {
	h.mu.Lock()
	h.heals = append(h.heals, reason)
	h.mu.Unlock()
}

func (h *recHooks) settles() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.settled)
}

// env wires a store, executor, reconciler and coordinator around a fake
// remote. Fetchers are off unless withFetch is set, so tests control every
// write.
type env struct {
	store  *store
	prov   *memory.Provider
	remote *fakeRemote
	hooks  *recHooks
	exec   *Executor
	rec    *Reconciler
	coord  *Coordinator
}

func newEnv(t *testing.T, withFetch bool) *env {
	t.Helper()
	e := &env{remote: newFakeRemote(), hooks: &recHooks{}}
	e.store, e.prov = newTestStore(t, func(o *Options) {
		o.Hooks = e.hooks
		if withFetch {
			o.Fetchers = map[EntityType]Fetcher{tAuction: e.remote, tItem: e.remote}
		}
	})
	e.exec = NewExecutor(e.store, e.remote, ExecutorOptions{})
	e.rec = NewReconciler(e.store, nil)
	e.coord = NewCoordinator(e.store, e.exec, e.rec, CoordinatorOptions{Hooks: e.hooks})
	return e
}

// seed puts doc on the server and in the cache.
func (e *env) seed(t *testing.T, k Key, doc Document) {
	t.Helper()
	e.remote.mu.Lock()
	e.remote.server[k] = doc.Clone()
	e.remote.mu.Unlock()
	if _, err := e.store.Write(context.Background(), k, doc); err != nil {
		t.Fatalf("seed %s: %v", k, err)
	}
}
