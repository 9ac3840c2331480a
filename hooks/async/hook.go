// Package asynchook moves optisync hook calls off the caller's goroutine.
//
// Usage:
//
//	raw := sloghooks.New(slog.Default(), sloghooks.Options{SelfHealEvery: 10})
//	hooks := asynchook.New(raw, 1, 1000) // 1 worker; queue 1000 events
//	defer hooks.Close()
//
//	store, _ := optisync.NewStore(optisync.Options{
//	    Namespace: "auction-admin",
//	    Provider:  provider,
//	    Codec:     codec.JSON[map[string]any]{},
//	    Hooks:     hooks, // or raw if you don't want async
//	})
//
// Events are dropped when the queue is full; Dropped reports how many.
package asynchook

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/unkn0wn-root/optisync"
)

type Hooks struct {
	inner   optisync.Hooks
	q       chan func()
	wg      sync.WaitGroup
	once    sync.Once
	mu      sync.RWMutex
	closed  bool
	dropped atomic.Uint64
}

var _ optisync.Hooks = (*Hooks)(nil)

func New(inner optisync.Hooks, workers, qlen int) *Hooks {
	if workers <= 0 {
		workers = 1
	}
	if qlen <= 0 {
		qlen = 1024
	}

	h := &Hooks{inner: inner, q: make(chan func(), qlen)}
	h.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer h.wg.Done()
			for f := range h.q {
				f()
			}
		}()
	}
	return h
}

// Close drains queued events and stops the workers. Later events are
// dropped.
func (h *Hooks) Close() {
	h.once.Do(func() {
		h.mu.Lock()
		h.closed = true
		close(h.q)
		h.mu.Unlock()
		h.wg.Wait()
	})
}

func (h *Hooks) Dropped() uint64 { return h.dropped.Load() }

func (h *Hooks) try(f func()) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		h.dropped.Add(1)
		return
	}
	select {
	case h.q <- f:
	default:
		h.dropped.Add(1)
	}
}

func (h *Hooks) SelfHeal(k, r string)             { h.try(func() { h.inner.SelfHeal(k, r) }) }
func (h *Hooks) ProviderSetRejected(k string)     { h.try(func() { h.inner.ProviderSetRejected(k) }) }
func (h *Hooks) VersionError(k string, err error) { h.try(func() { h.inner.VersionError(k, err) }) }
func (h *Hooks) RefetchFailed(k optisync.Key, err error) {
	h.try(func() { h.inner.RefetchFailed(k, err) })
}
func (h *Hooks) StaleWriteDiscarded(k optisync.Key, obs, cur uint64) {
	h.try(func() { h.inner.StaleWriteDiscarded(k, obs, cur) })
}
func (h *Hooks) OperationBusy(op string, keys []optisync.Key) {
	keys = append([]optisync.Key(nil), keys...)
	h.try(func() { h.inner.OperationBusy(op, keys) })
}
func (h *Hooks) LegFailed(op string, leg int, k optisync.Key, err error) {
	h.try(func() { h.inner.LegFailed(op, leg, k, err) })
}
func (h *Hooks) CompensationFailed(op string, k optisync.Key, err error) {
	h.try(func() { h.inner.CompensationFailed(op, k, err) })
}
func (h *Hooks) Settled(op string, final optisync.State, d time.Duration) {
	h.try(func() { h.inner.Settled(op, final, d) })
}
