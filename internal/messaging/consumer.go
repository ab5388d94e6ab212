package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
)

// Handler processes one event. An error rejects the delivery without
// requeueing it.
type Handler func(ctx context.Context, ev Event) error

// Consumer reads events from one queue with manual acknowledgement.
type Consumer struct {
	rmq      *RabbitMQ
	queue    string
	prefetch int
	handler  Handler
}

func NewConsumer(rmq *RabbitMQ, queue string, prefetch int, handler Handler) *Consumer {
	return &Consumer{
		rmq:      rmq,
		queue:    queue,
		prefetch: max(prefetch, 1),
		handler:  handler,
	}
}

// Run consumes on its own channel until ctx is done or the delivery channel
// closes.
func (c *Consumer) Run(ctx context.Context) error {
	ch, err := c.rmq.conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open consumer channel: %w", err)
	}
	defer ch.Close()

	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		return fmt.Errorf("failed to set prefetch: %w", err)
	}

	msgs, err := ch.ConsumeWithContext(
		ctx,
		c.queue, // queue
		"",      // consumer
		false,   // auto-ack
		false,   // exclusive
		false,   // no-local
		false,   // no-wait
		nil,     // args
	)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	slog.Info("started consuming events", slog.String("queue", c.queue))

	for {
		select {
		case <-ctx.Done():
			slog.Info("stopping event consumer", slog.String("queue", c.queue))
			return ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				slog.Warn("event consumer channel closed", slog.String("queue", c.queue))
				return nil
			}

			var ev Event
			if err := json.Unmarshal(msg.Body, &ev); err != nil {
				slog.Error("error unmarshaling event",
					slog.String("error", err.Error()),
					slog.Int("body_size", len(msg.Body)))
				_ = msg.Reject(false)
				continue
			}

			if err := c.handler(ctx, ev); err != nil {
				slog.Error("error handling event",
					slog.String("type", ev.Type),
					slog.String("event_id", ev.ID),
					slog.String("error", err.Error()))
				_ = msg.Reject(false)
				continue
			}
			_ = msg.Ack(false)
		}
	}
}
