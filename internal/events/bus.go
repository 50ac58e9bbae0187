package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

const defaultBuffer = 64

// Bus fans events out to subscribers. Publish never blocks: each
// subscription owns a queue drained by its own goroutine. When a queue
// holds buffer entries, further progress, log and active events for it
// are dropped; completed and failed events are always queued.
type Bus struct {
	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64
	buffer int
	closed bool
	logger zerolog.Logger

	published atomic.Uint64
}

func NewBus(buffer int, logger zerolog.Logger) *Bus {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Bus{
		subs:   make(map[uint64]*Subscription),
		buffer: buffer,
		logger: logger.With().Str("component", "events").Logger(),
	}
}

var (
	_ Publisher  = (*Bus)(nil)
	_ Subscriber = (*Bus)(nil)
)

// Publish delivers e to every matching subscription.
func (b *Bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	targets := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		if s.matches(e) {
			targets = append(targets, s)
		}
	}
	b.mu.RUnlock()

	b.published.Add(1)
	for _, s := range targets {
		if !s.push(e) {
			b.logger.Debug().
				Str("job_id", e.JobID).
				Str("kind", string(e.Kind)).
				Str("pattern", s.pattern).
				Msg("subscriber lagging, event dropped")
		}
	}
}

// Subscribe registers l for events whose job id or job name equals
// pattern, or for all events when pattern is Wildcard.
func (b *Bus) Subscribe(pattern string, l Listener) *Subscription {
	s := &Subscription{
		pattern:  pattern,
		listener: l,
		buffer:   b.buffer,
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
		bus:      b,
		logger:   b.logger,
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		s.stopped = true
		close(s.done)
		return s
	}
	b.nextID++
	s.id = b.nextID
	b.subs[s.id] = s
	b.mu.Unlock()

	go s.run()
	return s
}

// Published returns the number of events accepted by the bus.
func (b *Bus) Published() uint64 { return b.published.Load() }

// Close stops every subscription. Publishing afterwards is a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[uint64]*Subscription)
	b.mu.Unlock()

	for _, s := range subs {
		s.stop()
	}
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	delete(b.subs, id)
	b.mu.Unlock()
}

// Subscription is one registered listener.
type Subscription struct {
	id       uint64
	pattern  string
	listener Listener
	buffer   int
	bus      *Bus
	logger   zerolog.Logger

	mu      sync.Mutex
	queue   []Event
	stopped bool
	notify  chan struct{}
	done    chan struct{}

	dropped atomic.Uint64
}

// Unsubscribe detaches the listener. Events still queued are discarded.
func (s *Subscription) Unsubscribe() {
	s.bus.remove(s.id)
	s.stop()
}

// Dropped returns how many lossy events this subscription lost.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Done is closed once the subscription stops.
func (s *Subscription) Done() <-chan struct{} { return s.done }

func (s *Subscription) matches(e Event) bool {
	return s.pattern == Wildcard || s.pattern == e.JobID || s.pattern == e.JobName
}

func (s *Subscription) push(e Event) bool {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return true
	}
	if len(s.queue) >= s.buffer && !e.Kind.Terminal() {
		s.mu.Unlock()
		s.dropped.Add(1)
		return false
	}
	s.queue = append(s.queue, e)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return true
}

func (s *Subscription) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	s.queue = nil
	close(s.done)
}

func (s *Subscription) run() {
	for {
		select {
		case <-s.done:
			return
		case <-s.notify:
		}

		s.mu.Lock()
		batch := s.queue
		s.queue = nil
		s.mu.Unlock()

		for _, e := range batch {
			select {
			case <-s.done:
				return
			default:
			}
			s.deliver(e)
		}
	}
}

func (s *Subscription) deliver(e Event) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().
				Interface("panic", r).
				Str("job_id", e.JobID).
				Str("pattern", s.pattern).
				Msg("event listener panicked")
		}
	}()
	s.listener(e)
}
