// Package amqpnotify carries change signals over RabbitMQ.
//
// Events are published to a durable topic exchange with routing key
// "<tenant>.<entity>". Each subscription declares its own exclusive,
// auto-deleted queue bound to one tenant and entity.
package amqpnotify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/roach88/tillsync/internal/notify"
)

// Exchange is the topic exchange all terminals share.
const Exchange = "tillsync.changes"

// RoutingKey returns the topic for a tenant and entity.
func RoutingKey(tenantID string, entity notify.Entity) string {
	return tenantID + "." + string(entity)
}

// Bus is a notify.Publisher and notify.Subscriber backed by one AMQP
// connection. Publishing shares a channel guarded by a mutex; every
// subscription opens its own channel.
type Bus struct {
	conn   *amqp.Connection
	mu     sync.Mutex
	pub    *amqp.Channel
	logger *slog.Logger
	tags   tagCounter
}

// Option configures a Bus.
type Option func(*Bus)

// WithLogger sets the logger for dropped or malformed deliveries.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bus) { b.logger = l }
}

// Dial connects to the broker and declares the exchange.
func Dial(url string, opts ...Option) (*Bus, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}

	if err := ch.ExchangeDeclare(Exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", Exchange, err)
	}

	b := &Bus{conn: conn, pub: ch, logger: slog.Default()}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Publish sends ev to the exchange.
func (b *Bus) Publish(ctx context.Context, ev notify.Event) error {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	err = b.pub.PublishWithContext(ctx, Exchange, RoutingKey(ev.TenantID, ev.Entity), false, false, amqp.Publishing{
		ContentType: "application/json",
		Timestamp:   ev.At,
		Body:        body,
	})
	if err != nil {
		return fmt.Errorf("publish %s: %w", RoutingKey(ev.TenantID, ev.Entity), err)
	}
	return nil
}

// Subscribe binds a private queue to one tenant and entity. Cancelling ctx
// ends the consumer and closes Events.
func (b *Bus) Subscribe(ctx context.Context, tenantID string, entity notify.Entity) (notify.Subscription, error) {
	ch, err := b.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}

	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("declare queue: %w", err)
	}

	key := RoutingKey(tenantID, entity)
	if err := ch.QueueBind(q.Name, key, Exchange, false, nil); err != nil {
		ch.Close()
		return nil, fmt.Errorf("bind queue to %s: %w", key, err)
	}

	tag := fmt.Sprintf("tillsync-%s-%d", key, b.tags.next())
	deliveries, err := ch.ConsumeWithContext(ctx, q.Name, tag, true, true, false, false, nil)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("consume %s: %w", key, err)
	}

	sub := &subscription{
		ch:     ch,
		tag:    tag,
		events: make(chan notify.Event, 1),
		logger: b.logger.With("routing_key", key),
	}
	go sub.pump(deliveries)
	return sub, nil
}

// Close closes the publish channel and the connection, ending every
// subscription.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.pub != nil && !b.pub.IsClosed() {
		if err := b.pub.Close(); err != nil {
			return fmt.Errorf("close amqp channel: %w", err)
		}
	}
	if b.conn != nil && !b.conn.IsClosed() {
		if err := b.conn.Close(); err != nil {
			return fmt.Errorf("close amqp connection: %w", err)
		}
	}
	return nil
}

type subscription struct {
	ch     *amqp.Channel
	tag    string
	events chan notify.Event
	logger *slog.Logger
	once   sync.Once
	err    error
}

// pump forwards deliveries until the consumer is cancelled or the channel
// closes, then closes events.
func (s *subscription) pump(deliveries <-chan amqp.Delivery) {
	defer close(s.events)
	for d := range deliveries {
		var ev notify.Event
		if err := json.Unmarshal(d.Body, &ev); err != nil {
			s.logger.Warn("dropping malformed change event", "error", err)
			continue
		}
		select {
		case s.events <- ev:
		default:
		}
	}
}

func (s *subscription) Events() <-chan notify.Event { return s.events }

func (s *subscription) Close() error {
	s.once.Do(func() {
		if err := s.ch.Cancel(s.tag, false); err != nil && !s.ch.IsClosed() {
			s.err = fmt.Errorf("cancel consumer %s: %w", s.tag, err)
		}
		if err := s.ch.Close(); err != nil && s.err == nil && !s.ch.IsClosed() {
			s.err = fmt.Errorf("close amqp channel: %w", err)
		}
	})
	return s.err
}

type tagCounter struct {
	mu sync.Mutex
	n  int
}

func (c *tagCounter) next() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n++
	return c.n
}
