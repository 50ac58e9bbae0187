// Package events carries job lifecycle notifications from the dispatcher to
// whoever is listening, without tying either side to a transport.
package events

import "time"

type Kind string

const (
	KindActive    Kind = "active"
	KindProgress  Kind = "progress"
	KindLog       Kind = "log"
	KindCompleted Kind = "completed"
	KindFailed    Kind = "failed"
)

// Terminal kinds are never dropped by the bus.
func (k Kind) Terminal() bool {
	return k == KindCompleted || k == KindFailed
}

// Wildcard subscribes to every job.
const Wildcard = "*"

// Event is one lifecycle notification for a job.
type Event struct {
	JobID     string    `json:"jobId"`
	JobName   string    `json:"jobName"`
	Kind      Kind      `json:"kind"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	// Origin is set on events that arrived from another process.
	Origin string `json:"origin,omitempty"`
}

// Listener receives events for one subscription, in publish order.
type Listener func(Event)

// Publisher is the write side of the bus.
type Publisher interface {
	Publish(e Event)
}

// Subscriber is the read side of the bus.
type Subscriber interface {
	Subscribe(pattern string, l Listener) *Subscription
}
