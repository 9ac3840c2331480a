package optisync

import "time"

// Hooks are lightweight callbacks for high-signal events.
// Implementations MUST be cheap and non-blocking; the store and the
// coordinator call them inline.
type Hooks interface {
	// A stored frame was deleted on read.
	// reason ∈ {"corrupt", "version_mismatch", "value_decode"}
	SelfHeal(storageKey, reason string)

	// Provider returned ok=false on Set (backpressure/eviction).
	ProviderSetRejected(storageKey string)

	// Version store failed to read or bump.
	VersionError(storageKey string, err error)

	// A background fetch finished after a newer write and was dropped.
	StaleWriteDiscarded(key Key, observed, current uint64)

	// A background refetch failed.
	RefetchFailed(key Key, err error)

	// An operation was refused because keys were held by another one.
	OperationBusy(op string, keys []Key)

	// A leg was rejected or failed in transport. leg is 1-based.
	LegFailed(op string, leg int, key Key, err error)

	// The inverse mutation of an already-committed leg failed.
	CompensationFailed(op string, key Key, err error)

	// An operation reached Settled. final is the last state before Settled.
	Settled(op string, final State, elapsed time.Duration)
}

// NopHooks is the default no-op.
type NopHooks struct{}

func (NopHooks) SelfHeal(string, string)                 {}
func (NopHooks) ProviderSetRejected(string)              {}
func (NopHooks) VersionError(string, error)              {}
func (NopHooks) StaleWriteDiscarded(Key, uint64, uint64) {}
func (NopHooks) RefetchFailed(Key, error)                {}
func (NopHooks) OperationBusy(string, []Key)             {}
func (NopHooks) LegFailed(string, int, Key, error)       {}
func (NopHooks) CompensationFailed(string, Key, error)   {}
func (NopHooks) Settled(string, State, time.Duration)    {}

// MultiHooks forwards every event to each of its members in order.
type MultiHooks []Hooks

func (m MultiHooks) SelfHeal(k, r string) {
	for _, h := range m {
		h.SelfHeal(k, r)
	}
}

func (m MultiHooks) ProviderSetRejected(k string) {
	for _, h := range m {
		h.ProviderSetRejected(k)
	}
}

func (m MultiHooks) VersionError(k string, err error) {
	for _, h := range m {
		h.VersionError(k, err)
	}
}

func (m MultiHooks) StaleWriteDiscarded(k Key, observed, current uint64) {
	for _, h := range m {
		h.StaleWriteDiscarded(k, observed, current)
	}
}

func (m MultiHooks) RefetchFailed(k Key, err error) {
	for _, h := range m {
		h.RefetchFailed(k, err)
	}
}

func (m MultiHooks) OperationBusy(op string, keys []Key) {
	for _, h := range m {
		h.OperationBusy(op, keys)
	}
}

func (m MultiHooks) LegFailed(op string, leg int, k Key, err error) {
	for _, h := range m {
		h.LegFailed(op, leg, k, err)
	}
}

func (m MultiHooks) CompensationFailed(op string, k Key, err error) {
	for _, h := range m {
		h.CompensationFailed(op, k, err)
	}
}

func (m MultiHooks) Settled(op string, final State, elapsed time.Duration) {
	for _, h := range m {
		h.Settled(op, final, elapsed)
	}
}
