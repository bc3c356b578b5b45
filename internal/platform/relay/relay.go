// Package relay shares broadcaster events between server instances over
// Redis Pub/Sub. Every instance delivers its own events locally and
// forwards them to the channel; events received from other instances are
// delivered to local clients only.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/referralhub/internal/platform/websocket"
)

// Deliverer hands an event to locally connected clients.
type Deliverer interface {
	Deliver(event websocket.Event)
}

type envelope struct {
	Origin string          `json:"origin"`
	Event  websocket.Event `json:"event"`
}

type Relay struct {
	client  *redis.Client
	channel string
	origin  string
	local   Deliverer
	logger  zerolog.Logger

	readyOnce sync.Once
	ready     chan struct{}
}

// NewClient parses a redis:// URL into a client.
func NewClient(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return redis.NewClient(opts), nil
}

func New(client *redis.Client, channel string, local Deliverer, logger zerolog.Logger) *Relay {
	origin := uuid.New().String()
	return &Relay{
		client:  client,
		channel: channel,
		origin:  origin,
		local:   local,
		logger:  logger.With().Str("component", "relay").Str("origin", origin).Logger(),
		ready:   make(chan struct{}),
	}
}

// Origin identifies this instance on the channel.
func (r *Relay) Origin() string { return r.origin }

// Ready is closed once Run has an active subscription.
func (r *Relay) Ready() <-chan struct{} { return r.ready }

// Publish delivers locally first, then forwards to the channel. A Redis
// failure is returned but local clients have already been served.
func (r *Relay) Publish(ctx context.Context, name string, payload any) error {
	event, err := websocket.NewEvent(name, payload)
	if err != nil {
		return err
	}
	r.local.Deliver(event)

	data, err := json.Marshal(envelope{Origin: r.origin, Event: event})
	if err != nil {
		return fmt.Errorf("marshal relay envelope: %w", err)
	}
	if err := r.client.Publish(ctx, r.channel, data).Err(); err != nil {
		return fmt.Errorf("relay publish %s: %w", name, err)
	}
	return nil
}

// Run subscribes to the channel and forwards remote events until ctx is
// cancelled.
func (r *Relay) Run(ctx context.Context) error {
	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", r.channel, err)
	}
	r.readyOnce.Do(func() { close(r.ready) })
	r.logger.Info().Str("channel", r.channel).Msg("relay subscribed")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			r.handle(msg.Payload)
		}
	}
}

func (r *Relay) handle(payload string) {
	var env envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		r.logger.Warn().Err(err).Msg("dropping malformed relay message")
		return
	}
	if env.Origin == r.origin {
		return
	}
	r.local.Deliver(env.Event)
}

func (r *Relay) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Relay) Close() error {
	return r.client.Close()
}
