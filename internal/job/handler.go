package job

import (
	"context"
	"encoding/json"
)

// Runtime is what a running handler can see of the dispatcher.
type Runtime interface {
	// Job returns a snapshot of the job being executed.
	Job() Job
	// ReportProgress records a 0..100 progress value and publishes it.
	// Progress delivery to observers is best-effort.
	ReportProgress(pct int)
	// Logf publishes a log line for the job.
	Logf(format string, args ...any)
	// OnCancelled registers fn to run once the job is cancelled. The
	// returned stop function unregisters it.
	OnCancelled(fn func()) (stop func() bool)
}

// Handler executes jobs of one registered name. ctx is cancelled when a
// producer cancels the job or the process shuts down; handlers are expected
// to honour it cooperatively.
type Handler interface {
	Execute(ctx context.Context, payload json.RawMessage, rt Runtime) (any, error)
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(ctx context.Context, payload json.RawMessage, rt Runtime) (any, error)

func (f HandlerFunc) Execute(ctx context.Context, payload json.RawMessage, rt Runtime) (any, error) {
	return f(ctx, payload, rt)
}

// Typed wraps a handler taking a decoded payload. The payload is
// unmarshalled into T and checked against its validate tags first; bad
// payloads are permanent failures.
func Typed[T any](fn func(ctx context.Context, payload T, rt Runtime) (any, error)) Handler {
	return HandlerFunc(func(ctx context.Context, raw json.RawMessage, rt Runtime) (any, error) {
		payload, err := decodePayload[T](raw)
		if err != nil {
			return nil, Permanent(err)
		}
		return fn(ctx, payload, rt)
	})
}
