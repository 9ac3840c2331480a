package optisync

import (
	"context"
	"sync"
	"time"
)

// Remote is the server of record as seen by the Executor.
//
// Update applies patch and returns the full updated entity. A declined
// request must be reported as *RemoteError (or wrap ErrRemoteRejected);
// any other error counts as a transport failure, and an expired context as
// a timeout.
type Remote interface {
	Update(ctx context.Context, key Key, patch Patch) (Document, error)
	Delete(ctx context.Context, key Key) error
}

// ExecutorOptions tune an Executor.
type ExecutorOptions struct {
	MutationTimeout time.Duration // per remote call; 0 => none beyond ctx
	Logger          Logger
}

// MutationCallbacks observe a single mutation. OnSettled fires last.
type MutationCallbacks struct {
	OnSuccess func(Entity)
	OnError   func(error)
	OnSettled func()
}

// Executor runs single remote writes and stores their confirmed result.
// There is no retry: every failure is classified and returned.
type Executor struct {
	store   Store
	remote  Remote
	timeout time.Duration
	log     Logger

	mu      sync.Mutex
	pending map[Key]int
}

func NewExecutor(store Store, remote Remote, opts ExecutorOptions) *Executor {
	return &Executor{
		store:   store,
		remote:  remote,
		timeout: opts.MutationTimeout,
		log:     coalesce[Logger](opts.Logger, NopLogger{}),
		pending: make(map[Key]int),
	}
}

// Execute sends patch for key. On success the returned entity is written to
// the store at a version above any optimistic write before it. Errors are
// *MutationError.
func (x *Executor) Execute(ctx context.Context, key Key, patch Patch) (Entity, error) {
	doc, err := x.send(ctx, key, patch)
	if err != nil {
		return Entity{Key: key}, err
	}
	if doc == nil {
		// no body: confirm the patch over what we hold
		cur, _, _ := x.store.Read(ctx, key)
		doc = patch.Apply(cur.Value)
	}

	ver, err := x.store.Write(ctx, key, doc)
	if err != nil {
		// the server committed; only the local copy is behind
		x.log.Error("confirmed write not cached", Fields{"key": key.String(), "err": err})
	}
	return Entity{Key: key, Value: doc, Version: ver, Present: true, WrittenAt: time.Now()}, nil
}

// send performs the remote update without touching the store.
func (x *Executor) send(ctx context.Context, key Key, patch Patch) (Document, error) {
	x.begin(key)
	defer x.end(key)

	cctx, cancel := x.callContext(ctx)
	defer cancel()
	doc, err := x.remote.Update(cctx, key, patch)
	if err != nil {
		me := classify(key, err)
		x.log.Debug("mutation failed", Fields{"key": key.String(), "kind": me.Kind, "err": err})
		return nil, me
	}
	return doc, nil
}

// Delete removes key remotely and stores its absence.
func (x *Executor) Delete(ctx context.Context, key Key) error {
	x.begin(key)
	defer x.end(key)

	cctx, cancel := x.callContext(ctx)
	err := x.remote.Delete(cctx, key)
	cancel()
	if err != nil {
		me := classify(key, err)
		x.log.Debug("delete failed", Fields{"key": key.String(), "kind": me.Kind, "err": err})
		return me
	}
	if _, err := x.store.Remove(ctx, key); err != nil {
		x.log.Error("confirmed delete not cached", Fields{"key": key.String(), "err": err})
	}
	return nil
}

// Mutate is Execute with completion callbacks.
func (x *Executor) Mutate(ctx context.Context, key Key, patch Patch, cb MutationCallbacks) (Entity, error) {
	e, err := x.Execute(ctx, key, patch)
	if err != nil {
		if cb.OnError != nil {
			cb.OnError(err)
		}
	} else if cb.OnSuccess != nil {
		cb.OnSuccess(e)
	}
	if cb.OnSettled != nil {
		cb.OnSettled()
	}
	return e, err
}

// Pending reports whether a mutation of key is in flight.
func (x *Executor) Pending(key Key) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.pending[key] > 0
}

func (x *Executor) begin(k Key) {
	x.mu.Lock()
	x.pending[k]++
	x.mu.Unlock()
}

func (x *Executor) end(k Key) {
	x.mu.Lock()
	if x.pending[k]--; x.pending[k] <= 0 {
		delete(x.pending, k)
	}
	x.mu.Unlock()
}

func (x *Executor) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if x.timeout > 0 {
		return context.WithTimeout(ctx, x.timeout)
	}
	return context.WithCancel(ctx)
}
