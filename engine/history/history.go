// Package history moves completed conversations from the search service to
// the relational store over NATS, so recording never blocks a search.
package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/WessleyAI/carsearch/engine/domain"
	"github.com/WessleyAI/carsearch/pkg/natsutil"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// DefaultSubject carries conversation events.
const DefaultSubject = "carsearch.conversation"

// ErrInvalidEvent is passed to the drop hook for events without a usable entry.
var ErrInvalidEvent = errors.New("history: invalid event")

// Event is one conversation entry in transit.
type Event struct {
	ID    uuid.UUID                `json:"id"`
	Entry domain.ConversationEntry `json:"entry"`
}

// Publisher publishes conversation events. It satisfies the search
// recorder interface.
type Publisher struct {
	pub     natsutil.MsgPublisher
	subject string
}

// NewPublisher creates a Publisher. An empty subject uses DefaultSubject.
func NewPublisher(pub natsutil.MsgPublisher, subject string) *Publisher {
	if subject == "" {
		subject = DefaultSubject
	}
	return &Publisher{pub: pub, subject: subject}
}

// Record publishes e under a fresh event id.
func (p *Publisher) Record(ctx context.Context, e domain.ConversationEntry) error {
	if e.UserID <= 0 {
		return fmt.Errorf("history: record: %w", domain.ErrInvalidUserID)
	}
	return natsutil.Publish(ctx, p.pub, p.subject, Event{ID: uuid.New(), Entry: e})
}

// Appender persists a conversation entry.
type Appender interface {
	AppendConversation(ctx context.Context, e domain.ConversationEntry) (int64, error)
}

// Consumer appends every received event to the store.
type Consumer struct {
	store  Appender
	logger *slog.Logger
	// OnAppend, when set, observes every handled event.
	OnAppend func(ev Event, err error)
}

// NewConsumer creates a Consumer.
func NewConsumer(store Appender, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{store: store, logger: logger}
}

// Handle appends one event.
func (c *Consumer) Handle(ctx context.Context, ev Event) {
	if ev.Entry.UserID <= 0 {
		c.drop(ev.ID.String(), ErrInvalidEvent)
		return
	}
	id, err := c.store.AppendConversation(ctx, ev.Entry)
	if err != nil {
		c.logger.Error("conversation append failed", "event_id", ev.ID, "user_id", ev.Entry.UserID, "err", err)
	} else {
		c.logger.Debug("conversation appended", "event_id", ev.ID, "user_id", ev.Entry.UserID, "chat_id", id)
	}
	if c.OnAppend != nil {
		c.OnAppend(ev, err)
	}
}

func (c *Consumer) drop(ref string, err error) {
	c.logger.Warn("conversation event dropped", "ref", ref, "err", err)
}

// Subscribe attaches the consumer to subject. An empty subject uses
// DefaultSubject.
func (c *Consumer) Subscribe(sub natsutil.MsgSubscriber, subject string) (*nats.Subscription, error) {
	if subject == "" {
		subject = DefaultSubject
	}
	return natsutil.Subscribe(sub, subject, c.Handle, func(msg *nats.Msg, err error) {
		c.drop(msg.Subject, err)
	})
}

// StartConsumer subscribes a new Consumer over store on DefaultSubject.
func StartConsumer(sub natsutil.MsgSubscriber, store Appender, logger *slog.Logger) (*nats.Subscription, error) {
	return NewConsumer(store, logger).Subscribe(sub, DefaultSubject)
}
