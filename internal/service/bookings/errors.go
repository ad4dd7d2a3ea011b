package bookings

import (
	"errors"
	"fmt"
)

// ErrConflict is returned when the provider rejects a write with a
// conflicting state (409); it is never retried.
var ErrConflict = errors.New("booking conflict")

type ValidationError struct {
	msg string
}

func (e *ValidationError) Error() string {
	return e.msg
}

func validationError(msg string) error {
	return &ValidationError{msg: msg}
}

// NotFoundError is returned when no event type or booking matches the query.
type NotFoundError struct {
	Query string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no match for %q", e.Query)
}

// PartialRescheduleError reports a compensating reschedule that cancelled
// the original booking but failed to create the replacement. The original
// uid is named so the caller can surface recovery guidance; the booking is
// never silently lost.
type PartialRescheduleError struct {
	OriginalUID string
	Err         error
}

func (e *PartialRescheduleError) Error() string {
	return fmt.Sprintf("booking %s was cancelled but the replacement could not be created: %v", e.OriginalUID, e.Err)
}

func (e *PartialRescheduleError) Unwrap() error { return e.Err }
