// Package messaging publishes portal events to RabbitMQ for the dataset and
// persistence consumers that live outside this service.
package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"jwxt-agent/internal/domain"
	"jwxt-agent/internal/observability"
	"jwxt-agent/internal/task"
)

const (
	Exchange = "jwxt.events"

	RoutingSnapshotReady = "snapshot.ready"
	RoutingTaskFinished  = "task.finished"

	SnapshotQueue = "jwxt.snapshots"
	TaskQueue     = "jwxt.tasks"
)

// Event is the envelope of every published message.
type Event struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	OccurredAt int64           `json:"occurredAt"`
	Data       json.RawMessage `json:"data"`
}

type RabbitMQ struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	// Guards publishes on the shared channel
	mu  sync.Mutex
	now func() time.Time
}

func NewRabbitMQ(url string) (*RabbitMQ, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	rmq := &RabbitMQ{
		conn:    conn,
		channel: ch,
		now:     time.Now,
	}

	if err := rmq.Setup(); err != nil {
		rmq.Close()
		return nil, err
	}

	return rmq, nil
}

// NewRabbitMQWithRetry dials until it succeeds or ctx is done.
func NewRabbitMQWithRetry(ctx context.Context, url string) (*RabbitMQ, error) {
	delay := 500 * time.Millisecond
	for attempt := 1; ; attempt++ {
		rmq, err := NewRabbitMQ(url)
		if err == nil {
			return rmq, nil
		}
		slog.Warn("rabbitmq not ready, retrying",
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()))

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("gave up connecting to RabbitMQ after %d attempts: %w", attempt, err)
		case <-time.After(delay):
		}
		delay = min(delay*2, 5*time.Second)
	}
}

// Setup declares the events exchange and the durable queues downstream
// consumers read from.
func (r *RabbitMQ) Setup() error {
	if err := r.channel.ExchangeDeclare(
		Exchange, // name
		"topic",  // type
		true,     // durable
		false,    // auto-deleted
		false,    // internal
		false,    // no-wait
		nil,      // arguments
	); err != nil {
		return fmt.Errorf("failed to declare events exchange: %w", err)
	}

	bindings := []struct{ queue, key string }{
		{SnapshotQueue, RoutingSnapshotReady},
		{TaskQueue, RoutingTaskFinished},
	}
	for _, b := range bindings {
		if _, err := r.channel.QueueDeclare(
			b.queue, // name
			true,    // durable
			false,   // delete when unused
			false,   // exclusive
			false,   // no-wait
			nil,     // arguments
		); err != nil {
			return fmt.Errorf("failed to declare %s queue: %w", b.queue, err)
		}
		if err := r.channel.QueueBind(b.queue, b.key, Exchange, false, nil); err != nil {
			return fmt.Errorf("failed to bind %s queue: %w", b.queue, err)
		}
	}

	slog.Info("rabbitmq setup completed successfully")
	return nil
}

// Publish wraps data in an Event and publishes it under routingKey.
func (r *RabbitMQ) Publish(ctx context.Context, routingKey string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", routingKey, err)
	}
	now := r.now()
	ev := Event{ID: uuid.NewString(), Type: routingKey, OccurredAt: now.UnixMilli(), Data: payload}
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	r.mu.Lock()
	err = r.channel.PublishWithContext(
		ctx,
		Exchange,
		routingKey,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
			MessageId:    ev.ID,
			Type:         routingKey,
			Timestamp:    now,
		},
	)
	r.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to publish %s: %w", routingKey, err)
	}

	observability.FromContext(ctx).Info("published event",
		slog.String("type", routingKey),
		slog.String("event_id", ev.ID),
		slog.Int("body_size", len(body)))
	return nil
}

// PublishSnapshot publishes a finished crawl.
func (r *RabbitMQ) PublishSnapshot(ctx context.Context, ev domain.SnapshotEvent) error {
	return r.Publish(ctx, RoutingSnapshotReady, ev)
}

// PublishTaskFinished publishes the terminal snapshot of a task.
func (r *RabbitMQ) PublishTaskFinished(ctx context.Context, snap task.Snapshot) error {
	return r.Publish(ctx, RoutingTaskFinished, snap)
}

func (r *RabbitMQ) IsClosed() bool {
	return r.conn == nil || r.conn.IsClosed()
}

func (r *RabbitMQ) Close() error {
	if r.channel != nil {
		r.channel.Close()
	}
	if r.conn != nil {
		return r.conn.Close()
	}
	return nil
}
