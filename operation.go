package optisync

import (
	"errors"
	"fmt"
	"time"
)

// State is the lifecycle position of an operation run.
type State int

const (
	Idle State = iota
	AppliedOptimistically
	Leg1Confirmed
	Leg2Confirmed
	Failed
	Compensated
	Settled
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case AppliedOptimistically:
		return "AppliedOptimistically"
	case Leg1Confirmed:
		return "Leg1Confirmed"
	case Leg2Confirmed:
		return "Leg2Confirmed"
	case Failed:
		return "Failed"
	case Compensated:
		return "Compensated"
	case Settled:
		return "Settled"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Leg is one remote mutation of an operation.
type Leg struct {
	Key   Key
	Patch Patch
	// Compensate undoes a committed leg. Nil derives it from the snapshot
	// with Patch.Inverse.
	Compensate Patch
	// Delete removes the entity instead of patching it. Only the last leg
	// may delete; a deleted entity cannot be compensated.
	Delete bool
}

// Operation is a one- or two-leg change applied optimistically and
// confirmed leg by leg, in order.
type Operation struct {
	Name string
	Legs []Leg
	// Regions settled when the run ends. Empty means every key of every
	// leg's entity type.
	Regions []Region
}

func (op Operation) keys() []Key {
	out := make([]Key, len(op.Legs))
	for i, l := range op.Legs {
		out[i] = l.Key
	}
	return out
}

func (op Operation) regions() []Region {
	if len(op.Regions) > 0 {
		return op.Regions
	}
	seen := make(map[EntityType]bool, len(op.Legs))
	var out []Region
	for _, l := range op.Legs {
		if !seen[l.Key.Type] {
			seen[l.Key.Type] = true
			out = append(out, Region{Type: l.Key.Type})
		}
	}
	return out
}

func (op Operation) validate() error {
	if len(op.Legs) == 0 || len(op.Legs) > 2 {
		return fmt.Errorf("%w: %d legs", ErrInvalidOperation, len(op.Legs))
	}
	seen := make(map[Key]bool, len(op.Legs))
	for i, l := range op.Legs {
		switch {
		case l.Key.ID == "":
			return fmt.Errorf("%w: leg %d targets list %s", ErrInvalidOperation, i+1, l.Key)
		case seen[l.Key]:
			return fmt.Errorf("%w: duplicate key %s", ErrInvalidOperation, l.Key)
		case l.Delete && i != len(op.Legs)-1:
			return fmt.Errorf("%w: delete in leg %d is not last", ErrInvalidOperation, i+1)
		case !l.Delete && len(l.Patch) == 0:
			return fmt.Errorf("%w: leg %d has an empty patch", ErrInvalidOperation, i+1)
		}
		seen[l.Key] = true
	}
	return nil
}

// Result is how a run resolves. Err is nil on success and an
// *OperationError otherwise.
type Result struct {
	ID      string
	Op      string
	State   State   // last state before Settled
	Trace   []State // every state visited, ending in Settled
	Err     error
	Elapsed time.Duration
}

// Degraded reports whether a committed leg could not be reverted.
func (r Result) Degraded() bool {
	var oe *OperationError
	return errors.As(r.Err, &oe) && oe.Degraded()
}

// Callbacks observe the end of a run. OnSettled always fires, after
// exactly one of OnSuccess and OnError.
type Callbacks struct {
	OnSuccess func(Result)
	OnError   func(Result, error)
	OnSettled func(Result)
}
