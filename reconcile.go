package optisync

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// maxSettleFetches bounds concurrent refetches in SettleAndWait.
const maxSettleFetches = 8

// Reconciler forces the cache back to server truth after an operation,
// whatever its outcome.
type Reconciler struct {
	store   Store
	log     Logger
	settles atomic.Uint64
}

func NewReconciler(store Store, log Logger) *Reconciler {
	return &Reconciler{store: store, log: coalesce[Logger](log, NopLogger{})}
}

// Settle invalidates every region and schedules an immediate background
// refetch of each invalidated key that has a subscriber. Other keys refetch
// on their next read. It returns the invalidated keys and never blocks on
// the network.
func (r *Reconciler) Settle(ctx context.Context, regions ...Region) []Key {
	invalidated, observed := r.invalidate(ctx, regions)
	for _, k := range observed {
		r.store.RefetchAsync(ctx, k)
	}
	return invalidated
}

// SettleAndWait is Settle with the refetches awaited. It returns the first
// refetch error.
func (r *Reconciler) SettleAndWait(ctx context.Context, regions ...Region) error {
	_, observed := r.invalidate(ctx, regions)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxSettleFetches)
	for _, k := range observed {
		g.Go(func() error { return r.store.Refetch(gctx, k) })
	}
	return g.Wait()
}

// Settles returns how many settles ran.
func (r *Reconciler) Settles() uint64 { return r.settles.Load() }

func (r *Reconciler) invalidate(ctx context.Context, regions []Region) (invalidated, observed []Key) {
	r.settles.Add(1)
	seen := make(map[Key]bool)
	for _, rg := range regions {
		invalidated = append(invalidated, r.store.Invalidate(ctx, rg)...)
		for _, k := range r.store.Observed(rg) {
			if !seen[k] {
				seen[k] = true
				observed = append(observed, k)
			}
		}
	}
	r.log.Debug("settled", Fields{"regions": len(regions), "invalidated": len(invalidated), "refetch": len(observed)})
	return invalidated, observed
}
