package errors

import "errors"

// Sentinels for domain errors.
var (
	ErrNotFound    = errors.New("not found")
	ErrConflict    = errors.New("conflict")
	ErrValidation  = errors.New("validation error")
	ErrUnavailable = errors.New("service unavailable")
	// ErrStale marks an event that would move a call backwards; it is
	// discarded and acknowledged, never retried.
	ErrStale = errors.New("stale event")
	// ErrUnmatched marks an event whose call id resolves to no known call.
	ErrUnmatched = errors.New("unmatched event")
)

// Is reports whether err is one of the sentinels.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// Wrap adds context to an error.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return errors.Join(errors.New(message), err)
}
