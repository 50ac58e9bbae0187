package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const DefaultRelayChannel = "jobrunner:events"

// Relay mirrors a local Bus onto a Redis pub/sub channel so observers in
// one process see jobs executed by workers in another. Delivery across
// processes is best-effort: Redis pub/sub does not buffer for absent
// subscribers.
type Relay struct {
	client  redis.UniversalClient
	bus     *Bus
	channel string
	origin  string
	logger  zerolog.Logger

	mu     sync.Mutex
	pubsub *redis.PubSub
	local  *Subscription
	wg     sync.WaitGroup
}

func NewRelay(client redis.UniversalClient, bus *Bus, channel string, logger zerolog.Logger) *Relay {
	if channel == "" {
		channel = DefaultRelayChannel
	}
	return &Relay{
		client:  client,
		bus:     bus,
		channel: channel,
		origin:  uuid.NewString(),
		logger:  logger.With().Str("component", "events.relay").Logger(),
	}
}

// Start subscribes to the Redis channel and begins forwarding local events.
func (r *Relay) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.pubsub != nil {
		return nil
	}

	ps := r.client.Subscribe(ctx, r.channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return fmt.Errorf("events/relay: subscribe %s: %w", r.channel, err)
	}
	r.pubsub = ps

	r.wg.Add(1)
	go r.inbound(ps.Channel())

	r.local = r.bus.Subscribe(Wildcard, r.outbound)

	r.logger.Info().Str("channel", r.channel).Msg("event relay started")
	return nil
}

// Stop detaches the relay from both the bus and Redis.
func (r *Relay) Stop() error {
	r.mu.Lock()
	ps, local := r.pubsub, r.local
	r.pubsub, r.local = nil, nil
	r.mu.Unlock()

	if local != nil {
		local.Unsubscribe()
	}
	if ps == nil {
		return nil
	}
	err := ps.Close()
	r.wg.Wait()
	return err
}

func (r *Relay) outbound(e Event) {
	// already crossed a process boundary
	if e.Origin != "" {
		return
	}
	e.Origin = r.origin

	data, err := json.Marshal(e)
	if err != nil {
		r.logger.Warn().Err(err).Str("job_id", e.JobID).Msg("encode relayed event")
		return
	}
	if err := r.client.Publish(context.Background(), r.channel, data).Err(); err != nil {
		r.logger.Warn().Err(err).Str("job_id", e.JobID).Msg("publish relayed event")
	}
}

func (r *Relay) inbound(ch <-chan *redis.Message) {
	defer r.wg.Done()

	for msg := range ch {
		var e Event
		if err := json.Unmarshal([]byte(msg.Payload), &e); err != nil {
			r.logger.Warn().Err(err).Msg("decode relayed event")
			continue
		}
		if e.Origin == r.origin {
			continue
		}
		r.bus.Publish(e)
	}
}
