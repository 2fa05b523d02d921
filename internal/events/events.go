// Package events publishes order lifecycle events to RabbitMQ.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"rampflow/internal/ramp"
)

// Routing keys.
const (
	OrderSubmitted = "order.submitted"
	OrderCompleted = "order.completed"
	OrderFailed    = "order.failed"
	FlowStalled    = "flow.stalled"
)

const DefaultExchange = "rampflow_events"

type Event struct {
	Type              string           `json:"type"`
	FlowID            string           `json:"flowId,omitempty"`
	Direction         ramp.Direction   `json:"direction,omitempty"`
	Provider          string           `json:"provider,omitempty"`
	TransferReference string           `json:"transferReference,omitempty"`
	OrderID           string           `json:"orderId,omitempty"`
	Status            ramp.OrderStatus `json:"status,omitempty"`
	Kind              ramp.Kind        `json:"kind,omitempty"`
	Message           string           `json:"message,omitempty"`
	At                time.Time        `json:"at"`
}

type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close()
}

// Nop drops events. Used when no broker is configured or reachable at startup.
type Nop struct {
	Logger *zap.Logger
}

func (n Nop) Publish(_ context.Context, e Event) error {
	if n.Logger != nil {
		n.Logger.Debug("event publish skipped", zap.String("type", e.Type), zap.String("transfer_ref", e.TransferReference))
	}
	return nil
}

func (Nop) Close() {}

type RabbitPublisher struct {
	mu       sync.Mutex
	conn     *amqp091.Connection
	channel  *amqp091.Channel
	exchange string
	logger   *zap.Logger
}

func sanitizeAMQPURL(raw string) (string, error) {
	clean := strings.Trim(strings.TrimSpace(raw), "\"'")
	u, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("AMQP scheme must be either 'amqp://' or 'amqps://'")
	}
	return clean, nil
}

func NewRabbitPublisher(amqpURL, exchange string, logger *zap.Logger) (*RabbitPublisher, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}
	if exchange == "" {
		exchange = DefaultExchange
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	conn, err := amqp091.DialConfig(cleanURL, amqp091.Config{Dial: amqp091.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := declare(ch, exchange); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}
	return &RabbitPublisher{conn: conn, channel: ch, exchange: exchange, logger: logger.Named("events")}, nil
}

func declare(ch *amqp091.Channel, exchange string) error {
	return ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil)
}

// Publish sends e with its Type as routing key. A failed publish reopens the
// channel once and retries.
func (p *RabbitPublisher) Publish(ctx context.Context, e Event) error {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	body, err := json.Marshal(e)
	if err != nil {
		return err
	}
	msg := amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		Timestamp:    e.At,
		Body:         body,
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	err = p.channel.PublishWithContext(ctx, p.exchange, e.Type, false, false, msg)
	if err == nil {
		return nil
	}
	p.logger.Warn("publish failed; reopening channel", zap.String("type", e.Type), zap.Error(err))
	ch, chErr := p.conn.Channel()
	if chErr != nil {
		return chErr
	}
	p.channel = ch
	if err := declare(ch, p.exchange); err != nil {
		return err
	}
	return p.channel.PublishWithContext(ctx, p.exchange, e.Type, false, false, msg)
}

func (p *RabbitPublisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
}

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *Recorder) Close() {}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Types returns the recorded event types in order.
func (r *Recorder) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}
