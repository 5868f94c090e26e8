package intent

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// EventType names a committed lifecycle change.
type EventType string

const (
	EventCreated   EventType = "intent.created"
	EventQuoted    EventType = "intent.quoted"
	EventConfirmed EventType = "intent.confirmed"
	EventDeposited EventType = "intent.deposited"
	EventFulfilled EventType = "intent.fulfilled"
	EventCancelled EventType = "intent.cancelled"
	EventExpired   EventType = "intent.expired"
	EventSettled   EventType = "intent.settled"
	EventHalted    EventType = "intent.halted"
)

// Event is published after every commit.
type Event struct {
	ID       string    `json:"id"`
	Type     EventType `json:"type"`
	IntentID uint64    `json:"intentId"`
	User     string    `json:"user"`
	Status   Status    `json:"status"`
	At       time.Time `json:"at"`
	Intent   *Intent   `json:"intent,omitempty"`
}

var statusEvents = map[Status]EventType{
	StatusPendingQuote: EventCreated,
	StatusQuoted:       EventQuoted,
	StatusConfirmed:    EventConfirmed,
	StatusDeposited:    EventDeposited,
	StatusFulfilled:    EventFulfilled,
	StatusCancelled:    EventCancelled,
	StatusExpired:      EventExpired,
}

func (s *Service) publish(ctx context.Context, typ EventType, in *Intent) {
	if s.publisher == nil {
		return
	}
	ev := Event{
		ID:       uuid.NewString(),
		Type:     typ,
		IntentID: in.ID,
		User:     in.User,
		Status:   in.Status,
		At:       s.clock.Now(),
		Intent:   in.Clone(),
	}
	if err := s.publisher.Publish(ctx, ev); err != nil {
		s.logger.Warnw("Failed to publish intent event", "intentId", in.ID, "type", typ, "error", err)
	}
}
