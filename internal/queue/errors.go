package queue

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Caller-visible queue errors. They are returned wrapped with context;
// match them with errors.Is.
var (
	// ErrValidation is returned for malformed input such as a priority or
	// concurrency value outside the configured bounds.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound is returned when an operation references an unknown job id.
	ErrNotFound = errors.New("job not found")

	// ErrInvalidTransition is returned when the job's current status does
	// not allow the requested operation.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrHandler matches every *HandlerError.
	ErrHandler = errors.New("handler error")

	// ErrNoHandler is wrapped in a HandlerError when no handler is
	// registered for a job's type.
	ErrNoHandler = errors.New("no handler registered")
)

// HandlerError wraps a failure raised by or returned from a Handler with
// the job context it happened in. It never escapes a worker loop; it ends
// up in the job's Error field.
type HandlerError struct {
	JobID   uuid.UUID
	Type    string
	Attempt int
	Err     error
}

// Error implements the error interface.
func (e *HandlerError) Error() string {
	return fmt.Sprintf("job %s (%s) attempt %d: %v", e.JobID, e.Type, e.Attempt, e.Err)
}

// Unwrap exposes the underlying handler error.
func (e *HandlerError) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrHandler) true for any HandlerError.
func (e *HandlerError) Is(target error) bool {
	return target == ErrHandler
}

func validationErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func notFound(id uuid.UUID) error {
	return fmt.Errorf("%w: %s", ErrNotFound, id)
}

func invalidTransition(id uuid.UUID, from JobStatus, op string) error {
	return fmt.Errorf("%w: cannot %s job %s in status %s", ErrInvalidTransition, op, id, from)
}
