package courier

import (
	"errors"
	"fmt"
)

var (
	// Validation errors. Surfaced synchronously to the producer and
	// never retried.
	ErrUnknownTask      = errors.New("courier: task name is not registered")
	ErrMalformedPayload = errors.New("courier: malformed task payload")

	// Store errors.
	ErrNoStore           = errors.New("courier: no store configured")
	ErrNoBroker          = errors.New("courier: no broker configured")
	ErrStoreClosed       = errors.New("courier: store closed")
	ErrMigrationFailed   = errors.New("courier: migration failed")
	ErrTaskNotFound      = errors.New("courier: task not found")
	ErrDLQNotFound       = errors.New("courier: dlq entry not found")
	ErrCronNotFound      = errors.New("courier: cron entry not found")
	ErrTaskAlreadyExists = errors.New("courier: task already exists")
	ErrDuplicateCron     = errors.New("courier: duplicate cron entry")

	// State errors.
	ErrInvalidState        = errors.New("courier: invalid state transition")
	ErrMaxAttemptsExceeded = errors.New("courier: max attempts exceeded")
)

// nonRetryableError marks a handler failure that must bypass backoff and
// be dead-lettered immediately.
type nonRetryableError struct {
	err error
}

func (e *nonRetryableError) Error() string { return e.err.Error() }

func (e *nonRetryableError) Unwrap() error { return e.err }

// NonRetryable wraps err so the retry policy routes the task straight to
// the dead letter queue regardless of remaining attempts. Handlers return
// it for failures where another attempt cannot succeed (bad input,
// permanent downstream rejection, version skew).
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &nonRetryableError{err: err}
}

// NonRetryablef is shorthand for NonRetryable(fmt.Errorf(...)).
func NonRetryablef(format string, args ...any) error {
	return &nonRetryableError{err: fmt.Errorf(format, args...)}
}

// IsNonRetryable reports whether err (or anything it wraps) was marked
// with NonRetryable.
func IsNonRetryable(err error) bool {
	var nr *nonRetryableError
	return errors.As(err, &nr)
}
