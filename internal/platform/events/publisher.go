// Package events fans committed audit events out to a RabbitMQ topic
// exchange so downstream systems can react to consent decisions.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/medchain/medchain/internal/domain/consent"
)

const DefaultExchange = "medchain.audit"

// channel is the subset of *amqp.Channel the publisher uses.
type channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Message is the JSON body published for every audit event.
type Message struct {
	Seq       int64             `json:"seq"`
	PatientID string            `json:"patientId"`
	DoctorID  string            `json:"doctorId"`
	RequestID string            `json:"requestId,omitempty"`
	Event     consent.EventType `json:"event"`
	Actor     string            `json:"actor,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Hash      string            `json:"hash"`
}

func newMessage(ev consent.AuditEvent) Message {
	return Message{
		Seq:       ev.Seq,
		PatientID: ev.PatientID,
		DoctorID:  ev.DoctorID,
		RequestID: ev.RequestID,
		Event:     ev.Event,
		Actor:     ev.Actor,
		Timestamp: ev.Timestamp,
		Hash:      ev.Hash,
	}
}

// AMQPPublisher publishes each audit event with the event type as routing
// key. A publisher built from an empty URL is disabled and drops events.
type AMQPPublisher struct {
	conn     *amqp.Connection
	ch       channel
	exchange string
	timeout  time.Duration
	logger   zerolog.Logger
	enabled  bool

	mu sync.Mutex // amqp channels are not safe for concurrent publishes
}

// NewAMQPPublisher dials url and declares a durable topic exchange.
func NewAMQPPublisher(url, exchange string, logger zerolog.Logger) (*AMQPPublisher, error) {
	if exchange == "" {
		exchange = DefaultExchange
	}
	if url == "" {
		logger.Info().Msg("AMQP_URL not set, audit event publishing disabled")
		return &AMQPPublisher{exchange: exchange, logger: logger}, nil
	}

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect to rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	p, err := newPublisher(ch, exchange, logger)
	if err != nil {
		conn.Close()
		return nil, err
	}
	p.conn = conn
	return p, nil
}

func newPublisher(ch channel, exchange string, logger zerolog.Logger) (*AMQPPublisher, error) {
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	return &AMQPPublisher{
		ch:       ch,
		exchange: exchange,
		timeout:  5 * time.Second,
		logger:   logger,
		enabled:  true,
	}, nil
}

func (p *AMQPPublisher) Enabled() bool { return p.enabled }

// Publish sends one event and reports the broker error, if any.
func (p *AMQPPublisher) Publish(ctx context.Context, ev consent.AuditEvent) error {
	if !p.enabled {
		return nil
	}
	body, err := json.Marshal(newMessage(ev))
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}

	// The request context may already be finishing; publishing has its own deadline.
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
	defer cancel()

	p.mu.Lock()
	defer p.mu.Unlock()
	err = p.ch.PublishWithContext(pubCtx, p.exchange, string(ev.Event), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    fmt.Sprintf("%s:%d", ev.PatientID, ev.Seq),
		Timestamp:    ev.Timestamp,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish %s: %w", ev.Event, err)
	}
	return nil
}

// Notify implements consent.EventSink. Failures are logged; the event is
// already committed to the ledger.
func (p *AMQPPublisher) Notify(ctx context.Context, ev consent.AuditEvent) {
	if err := p.Publish(ctx, ev); err != nil {
		p.logger.Error().Err(err).
			Str("patient_id", ev.PatientID).
			Int64("seq", ev.Seq).
			Str("event", string(ev.Event)).
			Msg("failed to publish audit event")
	}
}

func (p *AMQPPublisher) Close() error {
	if !p.enabled {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.enabled = false

	err := p.ch.Close()
	if p.conn != nil {
		if cerr := p.conn.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
