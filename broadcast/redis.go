package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/onnwee/intent-radar/telemetry"
)

// DefaultChannel is the Redis pub/sub channel events are relayed on.
const DefaultChannel = "intent-radar:events"

const relayQueue = 256

// envelope is the wire form; Origin lets an instance ignore its own events.
type envelope struct {
	Origin string `json:"origin"`
	Event
}

// RedisRelay mirrors events between instances through Redis pub/sub so a
// dashboard connected to any replica sees every session.
type RedisRelay struct {
	client  redis.UniversalClient
	channel string
	origin  string
	hub     *Hub
	queue   chan Event
	logger  *slog.Logger
}

// NewRedisRelay returns a relay bound to hub. Call hub.SetRelay(relay) and
// Run to start it.
func NewRedisRelay(client redis.UniversalClient, channel string, hub *Hub) *RedisRelay {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisRelay{
		client:  client,
		channel: channel,
		origin:  uuid.NewString(),
		hub:     hub,
		queue:   make(chan Event, relayQueue),
		logger:  slog.Default().With(slog.String("component", "relay")),
	}
}

// Forward implements Forwarder. It queues without blocking and drops the
// event when the queue is full.
func (r *RedisRelay) Forward(e Event) {
	select {
	case r.queue <- e:
	default:
		telemetry.Inc(telemetry.EventsDropped)
	}
}

// Run publishes queued events and delivers remote ones until ctx is done.
func (r *RedisRelay) Run(ctx context.Context) error {
	sub := r.client.Subscribe(ctx, r.channel)
	defer func() { _ = sub.Close() }()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", r.channel, err)
	}
	r.logger.Info("event relay started", slog.String("channel", r.channel), slog.String("origin", r.origin))
	remote := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e := <-r.queue:
			if err := r.publish(ctx, e); err != nil {
				r.logger.Warn("relay publish failed", slog.String("type", string(e.Type)), slog.Any("err", err))
			}
		case m, ok := <-remote:
			if !ok {
				return fmt.Errorf("subscription to %s closed", r.channel)
			}
			r.handle(m.Payload)
		}
	}
}

func (r *RedisRelay) encode(e Event) (string, error) {
	b, err := json.Marshal(envelope{Origin: r.origin, Event: e})
	if err != nil {
		return "", fmt.Errorf("encode event: %w", err)
	}
	return string(b), nil
}

func (r *RedisRelay) publish(ctx context.Context, e Event) error {
	payload, err := r.encode(e)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return r.client.Publish(ctx, r.channel, payload).Err()
}

// handle delivers a remote event locally, skipping events this instance sent.
func (r *RedisRelay) handle(payload string) {
	var env envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		r.logger.Debug("ignoring malformed relay payload", slog.Any("err", err))
		return
	}
	if env.Origin == r.origin {
		return
	}
	r.hub.Deliver(env.Event)
}
