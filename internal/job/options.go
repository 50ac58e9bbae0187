package job

import (
	"fmt"
	"time"
)

// MaxDelay is the longest delay a job may be enqueued with.
const MaxDelay = 365 * 24 * time.Hour

// EnqueueOptions are the per-call producer options. The DelayMs bound is
// MaxDelay in milliseconds.
type EnqueueOptions struct {
	DelayMs          int64 `json:"delayMs" validate:"gte=0,lte=31536000000"`
	Attempts         int   `json:"attempts" validate:"gte=0,lte=25"`
	RemoveOnComplete bool  `json:"removeOnComplete"`
}

// Validate checks the options with the shared validator.
func (o *EnqueueOptions) Validate() error {
	if o == nil {
		return nil
	}
	if err := validate.Struct(o); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidOptions, err)
	}
	return nil
}

// Delay is a convenience for building options in Go callers.
func Delay(d time.Duration) *EnqueueOptions {
	return &EnqueueOptions{DelayMs: d.Milliseconds()}
}

// RegisterOption configures a handler registration.
type RegisterOption func(*Registration)

// WithAttempts opts a handler into automatic retries. n counts the first
// attempt, so WithAttempts(3) allows two retries.
func WithAttempts(n int) RegisterOption {
	return func(r *Registration) {
		if n > 0 {
			r.Attempts = n
		}
	}
}
