package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/tollgate/tollgate/internal/model"
)

// AMQPConfig addresses the exchange security events are published to.
type AMQPConfig struct {
	URL        string
	Exchange   string
	RoutingKey string
}

// Publisher is the part of an AMQP channel the forwarder uses.
type Publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// AMQPForwarder publishes each security event as a persistent JSON message
// on a topic exchange. The routing key is the configured key suffixed with
// the lower-cased event type, e.g. "security.event.rate_limited".
type AMQPForwarder struct {
	cfg    AMQPConfig
	logger *slog.Logger

	mu   sync.Mutex
	conn *amqp.Connection
	pub  Publisher
}

// DialAMQP connects to the broker and declares the exchange.
func DialAMQP(cfg AMQPConfig, logger *slog.Logger) (*AMQPForwarder, error) {
	if cfg.URL == "" {
		return nil, errors.New("amqp url is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	f := &AMQPForwarder{cfg: cfg, logger: logger}
	if err := f.connect(); err != nil {
		return nil, err
	}
	return f, nil
}

// NewAMQPForwarder wraps an existing publisher. Used with an already open
// channel or a test double.
func NewAMQPForwarder(cfg AMQPConfig, pub Publisher, logger *slog.Logger) *AMQPForwarder {
	if logger == nil {
		logger = slog.Default()
	}
	return &AMQPForwarder{cfg: cfg, pub: pub, logger: logger}
}

func (f *AMQPForwarder) connect() error {
	conn, err := amqp.Dial(f.cfg.URL)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("channel: %w", err)
	}
	if err := ch.ExchangeDeclare(f.cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return fmt.Errorf("exchange declare %q: %w", f.cfg.Exchange, err)
	}
	f.conn = conn
	f.pub = ch
	return nil
}

// eventMessage is the wire form of a forwarded event.
type eventMessage struct {
	EventType model.EventType   `json:"event_type"`
	TokenID   *int64            `json:"token_id,omitempty"`
	IPAddress string            `json:"ip_address"`
	Endpoint  string            `json:"endpoint"`
	CreatedAt time.Time         `json:"created_at"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// RoutingKey returns the routing key used for an event type.
func (f *AMQPForwarder) RoutingKey(t model.EventType) string {
	return f.cfg.RoutingKey + "." + strings.ToLower(string(t))
}

// Forward publishes every event in the batch. A closed connection is
// re-dialed once per batch.
func (f *AMQPForwarder) Forward(ctx context.Context, batch []model.SecurityEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.conn != nil && f.conn.IsClosed() {
		f.logger.Warn("amqp connection closed, reconnecting")
		if err := f.connect(); err != nil {
			return err
		}
	}

	var errs []error
	for _, ev := range batch {
		body, err := json.Marshal(eventMessage{
			EventType: ev.EventType,
			TokenID:   ev.TokenID,
			IPAddress: ev.IPAddress,
			Endpoint:  ev.Endpoint,
			CreatedAt: ev.CreatedAt.UTC(),
			Metadata:  ev.Metadata,
		})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		msg := amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    uuid.Must(uuid.NewV7()).String(),
			Timestamp:    ev.CreatedAt,
			Type:         string(ev.EventType),
			Body:         body,
		}
		if err := f.pub.PublishWithContext(ctx, f.cfg.Exchange, f.RoutingKey(ev.EventType), false, false, msg); err != nil {
			errs = append(errs, fmt.Errorf("publish %s: %w", ev.EventType, err))
		}
	}
	return errors.Join(errs...)
}

// Close closes the broker connection, if the forwarder owns one.
func (f *AMQPForwarder) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conn == nil {
		return nil
	}
	return f.conn.Close()
}
