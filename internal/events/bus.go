// Package events publishes committed intent lifecycle events over Redis
// pub/sub, or over an in-process hub when Redis is not configured.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/leafsii/leafsii-intents/internal/intent"
)

// ChannelIntentEvents carries every intent.Event as JSON.
const ChannelIntentEvents = "lfs:intents:events"

// Bus implements intent.EventPublisher.
type Bus struct {
	// When Redis is available, use client for all operations
	client *redis.Client
	// Otherwise events fan out through the in-memory hub
	hub *Hub

	logger *zap.SugaredLogger
}

// NewBus returns a Redis-backed bus, or an in-memory one when client is nil.
func NewBus(client *redis.Client, logger *zap.SugaredLogger) *Bus {
	b := &Bus{client: client, logger: logger}
	if client == nil {
		b.hub = NewHub(0)
		logger.Infow("Event bus using in-memory hub", "channel", ChannelIntentEvents)
	}
	return b
}

// IsInMemoryMode returns true if events do not leave the process.
func (b *Bus) IsInMemoryMode() bool {
	return b.client == nil
}

func (b *Bus) Publish(ctx context.Context, ev intent.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("pubsub marshal error: %w", err)
	}

	if b.client != nil {
		if err := b.client.Publish(ctx, ChannelIntentEvents, data).Err(); err != nil {
			b.logger.Errorw("Publish error", "channel", ChannelIntentEvents, "intentId", ev.IntentID, "error", err)
			return fmt.Errorf("pubsub publish error: %w", err)
		}
		return nil
	}

	n := b.hub.Publish(ChannelIntentEvents, data)
	b.logger.Debugw("Published to in-memory hub", "type", ev.Type, "intentId", ev.IntentID, "receivers", n)
	return nil
}

// Subscription streams decoded events until Close is called or the
// subscribing context ends.
type Subscription struct {
	C <-chan intent.Event

	once sync.Once
	stop chan struct{}
	done chan struct{}
}

// Close stops delivery and releases the underlying subscription.
func (s *Subscription) Close() error {
	s.once.Do(func() { close(s.stop) })
	<-s.done
	return nil
}

type source interface {
	Close() error
}

// Subscribe opens a subscription to the intent event channel.
func (b *Bus) Subscribe(ctx context.Context) (*Subscription, error) {
	var (
		closer   source
		payloads = make(chan []byte)
	)

	if b.client != nil {
		ps := b.client.Subscribe(ctx, ChannelIntentEvents)
		// Wait for the subscription confirmation so no publish is missed.
		if _, err := ps.Receive(ctx); err != nil {
			ps.Close()
			return nil, fmt.Errorf("subscribe %s: %w", ChannelIntentEvents, err)
		}
		closer = ps
		go func() {
			defer close(payloads)
			for msg := range ps.Channel() {
				payloads <- []byte(msg.Payload)
			}
		}()
	} else {
		sub := b.hub.Subscribe(ctx, ChannelIntentEvents)
		closer = sub
		go func() {
			defer close(payloads)
			for msg := range sub.Channel() {
				payloads <- msg.Payload
			}
		}()
	}

	out := make(chan intent.Event, 64)
	s := &Subscription{C: out, stop: make(chan struct{}), done: make(chan struct{})}
	go func() {
		defer close(s.done)
		defer close(out)
		defer func() {
			closer.Close()
			// Drain so the reader goroutine can observe the closed source.
			for range payloads {
			}
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stop:
				return
			case payload, ok := <-payloads:
				if !ok {
					return
				}
				var ev intent.Event
				if err := json.Unmarshal(payload, &ev); err != nil {
					b.logger.Warnw("Dropping malformed intent event", "error", err)
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				case <-s.stop:
					return
				}
			}
		}
	}()
	return s, nil
}

// Ping reports Redis health; the in-memory hub is always healthy.
func (b *Bus) Ping(ctx context.Context) error {
	if b.client != nil {
		return b.client.Ping(ctx).Err()
	}
	return nil
}

var _ intent.EventPublisher = (*Bus)(nil)
