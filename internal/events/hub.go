package events

import (
	"context"
	"sync"
)

// Message mimics redis.Message for the in-memory hub.
type Message struct {
	Channel string
	Payload []byte
}

// HubSubscription mimics redis.PubSub for the in-memory hub.
type HubSubscription struct {
	channels map[string]bool
	msgChan  chan *Message
	closeCh  chan struct{}
	closed   bool
	mu       sync.RWMutex
}

func newHubSubscription(channels []string, buffer int) *HubSubscription {
	channelMap := make(map[string]bool, len(channels))
	for _, ch := range channels {
		channelMap[ch] = true
	}
	return &HubSubscription{
		channels: channelMap,
		msgChan:  make(chan *Message, buffer),
		closeCh:  make(chan struct{}),
	}
}

// Channel returns the message channel
func (s *HubSubscription) Channel() <-chan *Message {
	return s.msgChan
}

func (s *HubSubscription) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.closed {
		s.closed = true
		close(s.closeCh)
		close(s.msgChan)
	}
	return nil
}

// send delivers msg without blocking and reports whether it was queued.
func (s *HubSubscription) send(msg *Message) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed || !s.channels[msg.Channel] {
		return false
	}
	select {
	case s.msgChan <- msg:
		return true
	default:
		// Subscriber is not keeping up; drop rather than block publishers.
		return false
	}
}

// Hub is an in-process pub/sub used when Redis is not configured.
type Hub struct {
	subscribers map[string][]*HubSubscription
	buffer      int
	mu          sync.RWMutex
}

// NewHub creates a hub whose subscriptions buffer up to buffer messages.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 256
	}
	return &Hub{
		subscribers: make(map[string][]*HubSubscription),
		buffer:      buffer,
	}
}

// Subscribe registers a subscription for channels. It is removed when ctx is
// done or the subscription is closed.
func (h *Hub) Subscribe(ctx context.Context, channels ...string) *HubSubscription {
	sub := newHubSubscription(channels, h.buffer)

	h.mu.Lock()
	for _, channel := range channels {
		h.subscribers[channel] = append(h.subscribers[channel], sub)
	}
	h.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			sub.Close()
		case <-sub.closeCh:
		}
		h.remove(sub, channels)
	}()

	return sub
}

func (h *Hub) remove(sub *HubSubscription, channels []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, channel := range channels {
		subscribers := h.subscribers[channel]
		for i, s := range subscribers {
			if s == sub {
				h.subscribers[channel] = append(subscribers[:i], subscribers[i+1:]...)
				break
			}
		}
		if len(h.subscribers[channel]) == 0 {
			delete(h.subscribers, channel)
		}
	}
}

// Publish sends payload to every subscriber of channel and returns how many
// received it.
func (h *Hub) Publish(channel string, payload []byte) int {
	h.mu.RLock()
	subscribers := make([]*HubSubscription, len(h.subscribers[channel]))
	copy(subscribers, h.subscribers[channel])
	h.mu.RUnlock()

	msg := &Message{Channel: channel, Payload: payload}
	delivered := 0
	for _, sub := range subscribers {
		if sub.send(msg) {
			delivered++
		}
	}
	return delivered
}

// Subscribers returns the number of live subscriptions on channel.
func (h *Hub) Subscribers(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[channel])
}
