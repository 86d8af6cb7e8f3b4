package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Routing keys of the assignment audit feed.
const (
	ConversationAssigned   = "conversation.assigned"
	ConversationUnassigned = "conversation.unassigned"
)

// Assignment sources.
const (
	SourceClaim   = "claim"
	SourceUnclaim = "unclaim"
	SourceAuto    = "auto"
)

// AssignmentEvent describes one ownership change of a conversation.
type AssignmentEvent struct {
	Type           string    `json:"type"`
	ConversationID string    `json:"conversationId"`
	ExpertID       string    `json:"expertId"`
	AssignmentID   string    `json:"assignmentId,omitempty"`
	Source         string    `json:"source"`
	OccurredAt     time.Time `json:"occurredAt"`
}

// Publisher emits assignment events.
type Publisher interface {
	Publish(ctx context.Context, evt AssignmentEvent) error
	Close() error
}

// NopPublisher drops every event.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, AssignmentEvent) error { return nil }
func (NopPublisher) Close() error                                  { return nil }

// AMQPPublisher publishes JSON events to a RabbitMQ topic exchange, keyed by
// event type.
type AMQPPublisher struct {
	exchange string

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

// NewAMQPPublisher dials url and declares a durable topic exchange.
func NewAMQPPublisher(url, exchange string) (*AMQPPublisher, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, errors.New("amqp url required")
	}
	exchange = strings.TrimSpace(exchange)
	if exchange == "" {
		exchange = "helpdesk.assignments"
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}
	return &AMQPPublisher{exchange: exchange, conn: conn, ch: ch}, nil
}

// Publish sends evt as a persistent JSON message.
func (p *AMQPPublisher) Publish(ctx context.Context, evt AssignmentEvent) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ch.PublishWithContext(ctx, p.exchange, evt.Type, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    evt.OccurredAt,
		Body:         body,
	})
}

// Close closes the channel and connection.
func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	chErr := p.ch.Close()
	connErr := p.conn.Close()
	return errors.Join(chErr, connErr)
}

// Recorder keeps published events in memory; used by tests.
type Recorder struct {
	mu     sync.Mutex
	events []AssignmentEvent
}

func (r *Recorder) Publish(_ context.Context, evt AssignmentEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
	return nil
}

func (r *Recorder) Close() error { return nil }

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []AssignmentEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]AssignmentEvent(nil), r.events...)
}
