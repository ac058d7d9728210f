// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package events

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/jeranaias/overlaychat/internal/logging"
)

// =============================================================================
// CONSTANTS
// =============================================================================

const (
	// DefaultTopic is the topic presentation events are published on.
	DefaultTopic = "presentation"

	// BackendMemory selects the in-process gochannel backend.
	BackendMemory = "memory"

	// BackendRedis selects the Redis Streams backend.
	BackendRedis = "redis"

	metadataType   = "event_type"
	metadataTurnID = "turn_id"
)

// ErrBusClosed is returned when forwarding on a closed bus.
var ErrBusClosed = errors.New("event bus closed")

// Observer is notified of every published event.
type Observer interface {
	ObserveEvent(eventType string)
}

// Handler receives decoded events from a subscription.
type Handler func(env Envelope, ev Event) error

// =============================================================================
// BUS
// =============================================================================

// Bus publishes presentation events to a watermill topic. It implements Sink.
type Bus struct {
	topic     string
	publisher message.Publisher
	subscribe func(name string) (message.Subscriber, error)
	logger    zerolog.Logger
	observer  Observer

	mu      sync.Mutex
	closed  bool
	closers []func() error
}

// NewMemoryBus creates a bus on an in-process gochannel. Publishing blocks
// until every subscriber has acked, so events are observed in publish order.
func NewMemoryBus(logger zerolog.Logger, topic string) *Bus {
	if topic == "" {
		topic = DefaultTopic
	}
	logger = logging.Component(logger, "events")
	ch := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer:            0,
		BlockPublishUntilSubscriberAck: true,
	}, logging.NewWatermill(logger))

	b := &Bus{
		topic:     topic,
		publisher: ch,
		subscribe: func(string) (message.Subscriber, error) { return ch, nil },
		logger:    logger,
	}
	b.closers = append(b.closers, ch.Close)
	return b
}

// RedisOptions configures the Redis Streams backend.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// NewRedisBus creates a bus on Redis Streams. Each named subscriber gets its
// own consumer group, so every subscriber sees every event.
func NewRedisBus(logger zerolog.Logger, topic string, opts RedisOptions) (*Bus, error) {
	if opts.Addr == "" {
		return nil, fmt.Errorf("redis address is required")
	}
	if topic == "" {
		topic = DefaultTopic
	}
	logger = logging.Component(logger, "events")
	wmLogger := logging.NewWatermill(logger)

	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	pub, err := redisstream.NewPublisher(redisstream.PublisherConfig{
		Client:     client,
		Marshaller: redisstream.DefaultMarshallerUnmarshaller{},
	}, wmLogger)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("create redis publisher: %w", err)
	}

	b := &Bus{
		topic:     topic,
		publisher: pub,
		logger:    logger,
	}
	b.subscribe = func(name string) (message.Subscriber, error) {
		sub, err := redisstream.NewSubscriber(redisstream.SubscriberConfig{
			Client:        client,
			Unmarshaller:  redisstream.DefaultMarshallerUnmarshaller{},
			ConsumerGroup: "overlaychat-" + name,
			Consumer:      name + "-" + uuid.NewString()[:8],
		}, wmLogger)
		if err != nil {
			return nil, fmt.Errorf("create redis subscriber: %w", err)
		}
		b.mu.Lock()
		b.closers = append(b.closers, sub.Close)
		b.mu.Unlock()
		return sub, nil
	}
	b.closers = append(b.closers, client.Close, pub.Close)
	return b, nil
}

// New builds a bus for the named backend.
func New(logger zerolog.Logger, backend, topic, redisAddr string) (*Bus, error) {
	switch backend {
	case "", BackendMemory:
		return NewMemoryBus(logger, topic), nil
	case BackendRedis:
		return NewRedisBus(logger, topic, RedisOptions{Addr: redisAddr})
	default:
		return nil, fmt.Errorf("unknown events backend %q", backend)
	}
}

// WithObserver sets an observer notified of every published event.
func (b *Bus) WithObserver(o Observer) *Bus {
	b.observer = o
	return b
}

// Topic returns the topic events are published on.
func (b *Bus) Topic() string {
	return b.topic
}

// Forward publishes one event. It implements Sink.
func (b *Bus) Forward(ctx context.Context, turnID string, ev Event) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrBusClosed
	}

	payload, err := Encode(turnID, ev)
	if err != nil {
		return err
	}

	msg := message.NewMessage(uuid.NewString(), payload)
	msg.Metadata.Set(metadataType, string(ev.Type()))
	if turnID != "" {
		msg.Metadata.Set(metadataTurnID, turnID)
	}
	msg.SetContext(ctx)

	if err := b.publisher.Publish(b.topic, msg); err != nil {
		return fmt.Errorf("publish %s: %w", ev.Type(), err)
	}
	if b.observer != nil {
		b.observer.ObserveEvent(string(ev.Type()))
	}
	return nil
}

// Subscribe registers a named subscriber and consumes events in the
// background until ctx is done. The subscription is active when Subscribe
// returns. Messages are acked after the handler returns; handler and decode
// errors are logged and the message is still acked.
func (b *Bus) Subscribe(ctx context.Context, name string, handler Handler) error {
	sub, err := b.subscribe(name)
	if err != nil {
		return err
	}
	msgs, err := sub.Subscribe(ctx, b.topic)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", b.topic, err)
	}

	log := b.logger.With().Str("subscriber", name).Logger()
	go func() {
		for msg := range msgs {
			b.dispatch(log, msg, handler)
		}
		log.Debug().Msg("subscription closed")
	}()
	return nil
}

func (b *Bus) dispatch(log zerolog.Logger, msg *message.Message, handler Handler) {
	defer msg.Ack()

	env, ev, err := Decode(msg.Payload)
	if err != nil {
		log.Warn().Err(err).Str("message_id", msg.UUID).Msg("dropping undecodable event")
		return
	}
	if err := handler(env, ev); err != nil {
		log.Warn().Err(err).Str("type", string(env.Type)).Msg("event handler failed")
	}
}

// Close shuts down the publisher, subscribers and any backend client.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	closers := b.closers
	b.closers = nil
	b.mu.Unlock()

	// Subscribers were registered last and must close before the client.
	var errs []error
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// compile-time check
var _ Sink = (*Bus)(nil)
