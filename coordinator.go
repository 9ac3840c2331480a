package optisync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CoordinatorOptions tune a Coordinator.
type CoordinatorOptions struct {
	Logger Logger
	Hooks  Hooks
	NewID  func() string // operation IDs; default uuid v4
}

// Coordinator runs Operations: optimistic apply, legs in order,
// compensation and snapshot restore on failure, and an unconditional
// settle.
type Coordinator struct {
	store Store
	exec  *Executor
	rec   *Reconciler
	log   Logger
	hooks Hooks
	newID func() string
}

func NewCoordinator(store Store, exec *Executor, rec *Reconciler, opts CoordinatorOptions) *Coordinator {
	c := &Coordinator{
		store: store,
		exec:  exec,
		rec:   rec,
		log:   coalesce[Logger](opts.Logger, NopLogger{}),
		hooks: coalesce[Hooks](opts.Hooks, NopHooks{}),
		newID: opts.NewID,
	}
	if c.newID == nil {
		c.newID = uuid.NewString
	}
	return c
}

type run struct {
	op    Operation
	res   Result
	snaps []Snapshot
	start time.Time
	// set while the inverse of leg 1 is in flight
	compensating bool
}

func (r *run) to(s State) {
	if s != Settled {
		r.res.State = s
	}
	r.res.Trace = append(r.res.Trace, s)
}

func (r *run) fields(extra Fields) Fields {
	f := Fields{"op": r.op.Name, "op_id": r.res.ID, "state": r.res.State.String()}
	for k, v := range extra {
		f[k] = v
	}
	return f
}

// Run executes op and always returns its Result; failures are reported as
// *OperationError in Result.Err, never as panics. The run ignores the
// cancellation of ctx once started: a caller walking away does not skip
// compensation or settle.
//
// A run refused with ErrBusy, or rejected as invalid, performs no cache
// write, no network call and no settle. Its callbacks still fire.
func (c *Coordinator) Run(ctx context.Context, op Operation, cb Callbacks) Result {
	r := &run{op: op, start: time.Now()}
	r.res.ID = c.newID()
	r.res.Op = op.Name
	r.to(Idle)

	if err := op.validate(); err != nil {
		r.res.Err = &OperationError{OpID: r.res.ID, Op: op.Name, Kind: ErrInvalidOperation, Cause: err}
		c.log.Warn("operation rejected", r.fields(Fields{"err": err}))
		return c.finish(r, cb)
	}

	keys := op.keys()
	if busy := c.store.TryLock(r.res.ID, keys...); len(busy) > 0 {
		r.res.Err = &OperationError{OpID: r.res.ID, Op: op.Name, Kind: ErrBusy, Busy: busy}
		c.hooks.OperationBusy(op.Name, busy)
		c.log.Info("operation busy", r.fields(Fields{"busy": len(busy)}))
		return c.finish(r, cb)
	}

	ctx = withOwner(context.WithoutCancel(ctx), r.res.ID)
	func() {
		defer func() {
			if p := recover(); p != nil {
				c.recovered(ctx, r, fmt.Errorf("optisync: panic: %v", p))
			}
		}()
		c.execute(ctx, r)
	}()

	c.rec.Settle(ctx, op.regions()...)
	r.to(Settled)
	c.store.Unlock(r.res.ID, keys...)
	c.hooks.Settled(op.Name, r.res.State, time.Since(r.start))
	return c.finish(r, cb)
}

// execute covers steps from snapshot to the last leg. Locks are held.
func (c *Coordinator) execute(ctx context.Context, r *run) {
	op := r.op
	for _, l := range op.Legs {
		c.store.CancelPendingReads(RegionOf(l.Key))
	}

	r.snaps = make([]Snapshot, len(op.Legs))
	optimistic := make(map[Key]Document, len(op.Legs))
	for i, l := range op.Legs {
		snap, err := c.store.Snapshot(ctx, l.Key)
		if err != nil {
			r.snaps = r.snaps[:i]
			r.res.Err = c.opError(r, 0, l.Key, err)
			c.log.Error("snapshot failed", r.fields(Fields{"key": l.Key.String(), "err": err}))
			r.to(Failed)
			return
		}
		r.snaps[i] = snap
		switch {
		case l.Delete && snap.Present:
			optimistic[l.Key] = nil
		case !l.Delete && snap.Present:
			optimistic[l.Key] = l.Patch.Apply(snap.Value)
		}
	}

	if len(optimistic) > 0 {
		if _, err := c.store.WriteBatch(ctx, optimistic); err != nil {
			r.res.Err = c.opError(r, 0, op.Legs[0].Key, err)
			c.log.Error("optimistic write failed", r.fields(Fields{"err": err}))
			c.restore(ctx, r)
			r.to(Failed)
			return
		}
	}
	r.to(AppliedOptimistically)
	c.log.Debug("applied optimistically", r.fields(Fields{"keys": len(optimistic)}))

	first := op.Legs[0]
	if err := c.leg(ctx, first); err != nil {
		r.to(Failed)
		r.res.Err = c.opError(r, 1, first.Key, err)
		c.hooks.LegFailed(op.Name, 1, first.Key, err)
		c.log.Warn("leg failed", r.fields(Fields{"leg": 1, "key": first.Key.String(), "err": err}))
		c.restore(ctx, r)
		return
	}
	r.to(Leg1Confirmed)
	if len(op.Legs) == 1 {
		return
	}

	second := op.Legs[1]
	err := c.leg(ctx, second)
	if err == nil {
		r.to(Leg2Confirmed)
		return
	}
	c.secondFailed(ctx, r, err)
}

// secondFailed reverts a committed leg 1 after leg 2 failed, then restores
// the snapshots.
func (c *Coordinator) secondFailed(ctx context.Context, r *run, err error) {
	op := r.op
	first, second := op.Legs[0], op.Legs[1]
	r.to(Failed)
	c.hooks.LegFailed(op.Name, 2, second.Key, err)
	c.log.Warn("leg failed", r.fields(Fields{"leg": 2, "key": second.Key.String(), "err": err}))

	oe := c.opError(r, 2, second.Key, err)
	r.res.Err = oe
	r.compensating = true
	cerr := c.compensate(ctx, first, r.snaps[0])
	r.compensating = false
	if cerr != nil {
		c.compensationFailed(r, oe, cerr)
	} else {
		r.to(Compensated)
	}
	c.restore(ctx, r)
}

func (c *Coordinator) compensationFailed(r *run, oe *OperationError, cerr error) {
	first := r.op.Legs[0]
	oe.Kind = ErrCompensationFailed
	oe.Compensation = cerr
	c.hooks.CompensationFailed(r.op.Name, first.Key, cerr)
	c.log.Error("compensation failed", r.fields(Fields{"leg": 1, "key": first.Key.String(), "err": cerr}))
}

// recovered settles the run state after a panic. Where the panic struck
// decides what is owed: a committed leg 1 is compensated, and a panic
// inside compensation leaves the run degraded.
func (c *Coordinator) recovered(ctx context.Context, r *run, perr error) {
	c.log.Error("operation panicked", r.fields(Fields{"err": perr}))
	switch {
	case r.compensating:
		r.compensating = false
		var oe *OperationError
		if errors.As(r.res.Err, &oe) {
			c.compensationFailed(r, oe, perr)
		}
		c.restore(ctx, r)
	case r.res.State == Leg1Confirmed && len(r.op.Legs) == 2:
		// leg 2 panicked; leg 1 is committed on the server
		c.secondFailed(ctx, r, perr)
	default:
		if r.res.Err == nil {
			r.res.Err = &OperationError{OpID: r.res.ID, Op: r.op.Name, Kind: ErrNetwork, Cause: perr}
		}
		c.restore(ctx, r)
		if r.res.State != Failed && r.res.State != Compensated {
			r.to(Failed)
		}
	}
}

func (c *Coordinator) leg(ctx context.Context, l Leg) error {
	if l.Delete {
		return c.exec.Delete(ctx, l.Key)
	}
	_, err := c.exec.Execute(ctx, l.Key, l.Patch)
	return err
}

// compensate sends the inverse of a committed leg. Its response is not
// cached: the snapshot restore that follows is the compensating write, so
// readers never see a reverted leg 1 beside an optimistic leg 2.
func (c *Coordinator) compensate(ctx context.Context, l Leg, snap Snapshot) error {
	inv := l.Compensate
	if inv == nil {
		if !snap.Present {
			return fmt.Errorf("optisync: no pre-operation value of %s to revert to", l.Key)
		}
		inv = l.Patch.Inverse(snap.Value)
	}
	_, err := c.exec.send(ctx, l.Key, inv)
	return err
}

// restore writes every snapshot back. It is display-only: a failure is
// logged and left to settle.
func (c *Coordinator) restore(ctx context.Context, r *run) {
	if len(r.snaps) == 0 {
		return
	}
	if err := c.store.Restore(ctx, r.snaps...); err != nil {
		c.log.Error("snapshot restore failed", r.fields(Fields{"err": err}))
	}
}

func (c *Coordinator) opError(r *run, leg int, key Key, err error) *OperationError {
	oe := &OperationError{OpID: r.res.ID, Op: r.op.Name, Leg: leg, Key: key, Cause: err, Kind: ErrNetwork}
	var me *MutationError
	if errors.As(err, &me) {
		oe.Kind = me.Kind
	}
	return oe
}

func (c *Coordinator) finish(r *run, cb Callbacks) Result {
	r.res.Elapsed = time.Since(r.start)
	res := r.res
	if res.Err != nil {
		if res.Degraded() {
			c.log.Error("operation degraded", r.fields(Fields{"err": res.Err}))
		} else {
			c.log.Info("operation failed", r.fields(Fields{"err": res.Err}))
		}
		if cb.OnError != nil {
			cb.OnError(res, res.Err)
		}
	} else {
		c.log.Info("operation succeeded", r.fields(Fields{"elapsed": res.Elapsed}))
		if cb.OnSuccess != nil {
			cb.OnSuccess(res)
		}
	}
	if cb.OnSettled != nil {
		cb.OnSettled(res)
	}
	return res
}
