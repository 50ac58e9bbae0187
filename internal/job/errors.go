package job

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidJobType     = errors.New("jobrunner: invalid job type")
	ErrUnknownJobType     = fmt.Errorf("%w: no handler registered", ErrInvalidJobType)
	ErrInvalidOptions     = errors.New("jobrunner: invalid enqueue options")
	ErrBackendUnavailable = errors.New("jobrunner: backend unavailable")
	ErrJobNotFound        = errors.New("jobrunner: job not found")
	ErrDuplicateHandler   = errors.New("jobrunner: duplicate handler")
	ErrRegistrySealed     = errors.New("jobrunner: registry sealed")
	ErrInvalidTransition  = errors.New("jobrunner: invalid status transition")
	ErrCancelled          = errors.New("jobrunner: job cancelled")
	ErrStalled            = errors.New("jobrunner: job stalled, worker lost")
)

// HandlerError is raised when a handler returns an error or panics. It is
// attached to the job and never escapes the dispatcher.
type HandlerError struct {
	JobID   string
	JobName string
	Attempt int
	Err     error
	Panic   any
}

func (e *HandlerError) Error() string {
	if e.Panic != nil {
		return fmt.Sprintf("handler %s panicked on attempt %d: %v", e.JobName, e.Attempt, e.Panic)
	}
	return fmt.Sprintf("handler %s failed on attempt %d: %v", e.JobName, e.Attempt, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent marks err as non-retryable regardless of attempts left.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// IsPermanent reports whether err was wrapped with Permanent.
func IsPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}
