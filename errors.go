package optisync

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Error kinds. Errors returned by the Executor and the Coordinator carry one
// of them as Kind and match it under errors.Is.
var (
	ErrBusy               = errors.New("optisync: entity busy")
	ErrRemoteRejected     = errors.New("optisync: remote rejected")
	ErrNetwork            = errors.New("optisync: network error")
	ErrTimeout            = errors.New("optisync: timeout")
	ErrCompensationFailed = errors.New("optisync: compensation failed")
	ErrInvalidOperation   = errors.New("optisync: invalid operation")
)

// RemoteError is what a Remote returns when the server answered and declined.
// Transports wrap server rejections in it so the Executor can tell them apart
// from transport failures.
type RemoteError struct {
	Status int    // transport status code, 0 if not applicable
	Reason string // machine-readable reason from the server
}

func (e *RemoteError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("remote rejected (%d): %s", e.Status, e.Reason)
	}
	return "remote rejected: " + e.Reason
}

func (e *RemoteError) Is(target error) bool { return target == ErrRemoteRejected }

// MutationError is a classified failure of a single remote write.
type MutationError struct {
	Key    Key
	Kind   error // ErrRemoteRejected, ErrNetwork or ErrTimeout
	Reason string
	Err    error
}

func (e *MutationError) Error() string {
	msg := fmt.Sprintf("mutate %s: %v", e.Key, e.Kind)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil && e.Reason == "" {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *MutationError) Unwrap() []error {
	errs := []error{e.Kind}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// OperationError is the typed failure a Coordinator run resolves with.
type OperationError struct {
	OpID string
	Op   string
	Kind error // ErrBusy, ErrInvalidOperation, a leg kind, or ErrCompensationFailed
	Leg  int   // 1-based failing leg, 0 when no leg ran
	Key  Key   // key of the failing leg
	// Cause is the leg failure; nil for Busy and invalid operations.
	Cause error
	// Compensation is the failure of the inverse mutation, if any.
	Compensation error
	// Busy lists the keys held by another operation.
	Busy []Key
}

func (e *OperationError) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	if e.OpID != "" {
		b.WriteString(" [" + e.OpID + "]")
	}
	b.WriteString(": ")
	switch {
	case len(e.Busy) > 0:
		keys := make([]string, len(e.Busy))
		for i, k := range e.Busy {
			keys[i] = k.String()
		}
		fmt.Fprintf(&b, "%v: %s", e.Kind, strings.Join(keys, ", "))
	case e.Compensation != nil:
		fmt.Fprintf(&b, "leg %d (%s) failed: %v; compensation failed: %v", e.Leg, e.Key, e.Cause, e.Compensation)
	case e.Cause != nil:
		fmt.Fprintf(&b, "leg %d (%s) failed: %v", e.Leg, e.Key, e.Cause)
	default:
		fmt.Fprintf(&b, "%v", e.Kind)
	}
	return b.String()
}

func (e *OperationError) Unwrap() []error {
	errs := []error{e.Kind}
	if e.Cause != nil {
		errs = append(errs, e.Cause)
	}
	if e.Compensation != nil {
		errs = append(errs, e.Compensation)
	}
	return errs
}

// Degraded reports whether client and server may disagree after the
// operation: a committed leg could not be reverted.
func (e *OperationError) Degraded() bool {
	return errors.Is(e.Kind, ErrCompensationFailed)
}

// Retryable reports whether err leaves the true server state unknown, so
// trying again may succeed.
func Retryable(err error) bool {
	return errors.Is(err, ErrNetwork) || errors.Is(err, ErrTimeout)
}

// classify maps a Remote error to its kind. Context deadlines are timeouts;
// RemoteError is a rejection; anything else is a transport failure.
func classify(key Key, err error) *MutationError {
	var me *MutationError
	if errors.As(err, &me) {
		return me
	}
	out := &MutationError{Key: key, Err: err}
	var re *RemoteError
	switch {
	case errors.As(err, &re):
		out.Kind = ErrRemoteRejected
		out.Reason = re.Reason
	case errors.Is(err, ErrRemoteRejected):
		out.Kind = ErrRemoteRejected
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, ErrTimeout):
		out.Kind = ErrTimeout
	default:
		out.Kind = ErrNetwork
	}
	return out
}
