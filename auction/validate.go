package auction

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// MinDuration is the shortest auction that can be published.
const MinDuration = time.Hour

// ValidationError is one rejected input field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string { return e.Field + ": " + e.Message }

// ValidationErrors collects every rejected field of one request.
type ValidationErrors []*ValidationError

func (es ValidationErrors) Error() string {
	msgs := make([]string, len(es))
	for i, e := range es {
		msgs[i] = e.Error()
	}
	return strings.Join(msgs, "; ")
}

func (es ValidationErrors) Unwrap() []error {
	out := make([]error, len(es))
	for i, e := range es {
		out[i] = e
	}
	return out
}

func (es ValidationErrors) orNil() error {
	if len(es) == 0 {
		return nil
	}
	return es
}

// checkAmount accepts a well-formed, non-negative decimal string. The
// string itself is what gets sent; it is never reformatted.
func checkAmount(field, s string) *ValidationError {
	if strings.TrimSpace(s) == "" {
		return &ValidationError{Field: field, Message: "is required"}
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return &ValidationError{Field: field, Message: fmt.Sprintf("%q is not a decimal amount", s)}
	}
	if d.IsNegative() {
		return &ValidationError{Field: field, Message: "must not be negative"}
	}
	return nil
}

func checkID(field, id string) *ValidationError {
	if strings.TrimSpace(id) == "" {
		return &ValidationError{Field: field, Message: "is required"}
	}
	return nil
}

// checkSchedule applies the publish form rules relative to now.
func checkSchedule(start, end, now time.Time) ValidationErrors {
	var es ValidationErrors
	if start.IsZero() {
		es = append(es, &ValidationError{Field: FieldStart, Message: "Start date and time is required"})
	} else if !start.After(now) {
		es = append(es, &ValidationError{Field: FieldStart, Message: "Start time must be in the future"})
	}
	if end.IsZero() {
		es = append(es, &ValidationError{Field: FieldEnd, Message: "End date and time is required"})
		return es
	} else if !end.After(now) {
		es = append(es, &ValidationError{Field: FieldEnd, Message: "End time must be in the future"})
	}
	if start.IsZero() {
		return es
	}
	if !end.After(start) {
		es = append(es, &ValidationError{Field: FieldEnd, Message: "End time must be after start time"})
	}
	if end.Sub(start) < MinDuration {
		es = append(es, &ValidationError{Field: FieldEnd, Message: "Auction duration must be at least 1 hour"})
	}
	return es
}

// FormatTime renders t as the API expects: RFC3339 in UTC, whole seconds.
func FormatTime(t time.Time) string {
	return t.UTC().Truncate(time.Second).Format(time.RFC3339)
}

// IsValidation reports whether err is an input rejection.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
