// Package broker relays envelopes between instances over a single Redis
// pub/sub channel. Delivery is at-least-once from the client's point of
// view; per-room routing happens locally on each instance after receipt.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/npezzotti/lightning-chat/internal/types"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const DefaultChannel = "chat:fanout"

var ErrBrokerClosed = errors.New("broker subscription closed")

// Deliverer pushes a received envelope to the sessions attached to this
// instance.
type Deliverer interface {
	Deliver(env *types.Envelope)
}

type Broker struct {
	rdb      redis.UniversalClient
	log      *zap.Logger
	channel  string
	origin   string
	received func()
}

type Option func(*Broker)

func WithChannel(channel string) Option {
	return func(b *Broker) {
		if channel != "" {
			b.channel = channel
		}
	}
}

// WithReceiveHook is called for every decoded envelope, before delivery.
func WithReceiveHook(fn func()) Option {
	return func(b *Broker) {
		b.received = fn
	}
}

func New(rdb redis.UniversalClient, logger *zap.Logger, opts ...Option) *Broker {
	b := &Broker{
		rdb:     rdb,
		log:     logger.Named("broker"),
		channel: DefaultChannel,
		origin:  uuid.NewString(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Origin identifies this instance on envelopes it publishes.
func (b *Broker) Origin() string {
	return b.origin
}

func (b *Broker) Channel() string {
	return b.channel
}

func (b *Broker) Publish(ctx context.Context, env *types.Envelope) error {
	if env.Id == "" {
		env.Id = uuid.NewString()
	}
	if env.Origin == "" {
		env.Origin = b.origin
	}

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}

	if err := b.rdb.Publish(ctx, b.channel, data).Err(); err != nil {
		return fmt.Errorf("publish envelope: %w", err)
	}

	return nil
}

// Run consumes the shared channel until ctx is done. Exactly one Run loop
// should be active per instance. ready, if not nil, is closed once the
// subscription is confirmed.
func (b *Broker) Run(ctx context.Context, d Deliverer, ready chan<- struct{}) error {
	sub := b.rdb.Subscribe(ctx, b.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %q: %w", b.channel, err)
	}
	if ready != nil {
		close(ready)
	}
	b.log.Info("listening for envelopes", zap.String("channel", b.channel))

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return ErrBrokerClosed
			}
			b.handle(d, msg.Payload)
		}
	}
}

func (b *Broker) handle(d Deliverer, payload string) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("delivery panicked", zap.Any("panic", r))
		}
	}()

	var env types.Envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		b.log.Warn("dropping malformed envelope", zap.Error(err), zap.Int("size", len(payload)))
		return
	}
	if env.Type == "" || env.RoomId <= 0 {
		b.log.Warn("dropping envelope without type or room", zap.String("id", env.Id))
		return
	}

	if b.received != nil {
		b.received()
	}
	d.Deliver(&env)
}
