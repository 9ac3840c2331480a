// Package optisync coordinates optimistic, multi-entity mutations against a
// versioned client-side entity cache.
//
// Components:
//   - Store: process-wide cache of entities keyed by type + id (details) or
//     type + canonical query (lists). Values live in a byte Provider
//     (Ristretto, BigCache, Redis); per-key versions live in a verstore.
//   - Executor: one remote write through a Remote, classified into
//     ErrRemoteRejected, ErrNetwork or ErrTimeout. No retry.
//   - Coordinator: runs an Operation of one or two legs as one logical
//     change, with optimistic writes, compensation and snapshot restore.
//   - Reconciler: unconditional settle; invalidates regions and refetches
//     what is being observed.
//
// Keys:
//
//	entity:<ns>:<type>:<id>      - detail entries
//	entity:<ns>:<type>?<query>   - list entries (hashed when long)
//
// Every write to a key takes the next version, and each stored frame carries
// its version. A frame whose version is not current is deleted on read.
// Background fetches capture the version before the request and store the
// response only if it is still current:
//
//	obs := store.Version(ctx, k)               // before the request
//	doc := fetch(k)
//	store.WriteIfVersion(ctx, k, doc, obs)     // dropped if a write landed meanwhile
//
// Run lifecycle:
//
//	Idle -> AppliedOptimistically -> Leg1Confirmed [-> Leg2Confirmed] -> Settled
//	AppliedOptimistically -> Failed -> Settled                 (leg 1 failed, snapshots restored)
//	Leg1Confirmed -> Failed [-> Compensated] -> Settled        (leg 2 failed, leg 1 reverted)
package optisync
