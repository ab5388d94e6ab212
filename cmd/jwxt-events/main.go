// Command jwxt-events drains the event queues and logs what the agent
// published. It is the reference consumer for the dataset and persistence
// layers.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"jwxt-agent/internal/config"
	"jwxt-agent/internal/domain"
	"jwxt-agent/internal/messaging"
	"jwxt-agent/internal/observability"
	"jwxt-agent/internal/task"
)

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg, err := config.FromEnv()
	if err != nil {
		slog.Error("invalid configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}
	observability.InitLogger(cfg.LogLevel, cfg.LogFormat)

	if !cfg.EventsEnabled() {
		slog.Error("RABBITMQ_URL must be set")
		os.Exit(1)
	}

	slog.Info("starting event consumer")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	connCtx, connCancel := context.WithTimeout(ctx, 60*time.Second)
	rmq, err := messaging.NewRabbitMQWithRetry(connCtx, cfg.RabbitMQURL)
	connCancel()
	if err != nil {
		slog.Error("failed to connect to rabbitmq", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer rmq.Close()

	slog.Info("connected to rabbitmq")

	consumers := []*messaging.Consumer{
		messaging.NewConsumer(rmq, messaging.SnapshotQueue, 4, handleSnapshot),
		messaging.NewConsumer(rmq, messaging.TaskQueue, 16, handleTaskFinished),
	}

	var wg sync.WaitGroup
	for _, c := range consumers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.Run(ctx); err != nil && ctx.Err() == nil {
				slog.Error("consumer stopped", slog.String("error", err.Error()))
				cancel()
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigChan:
	case <-ctx.Done():
	}
	slog.Info("shutting down event consumer")
	cancel()
	wg.Wait()
	slog.Info("event consumer stopped")
}

func handleSnapshot(ctx context.Context, ev messaging.Event) error {
	var snap domain.SnapshotEvent
	if err := json.Unmarshal(ev.Data, &snap); err != nil {
		return fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}

	full := 0
	for _, e := range snap.Entries {
		if e.Capacity > 0 && e.Number >= e.Capacity {
			full++
		}
	}
	observability.FromContext(observability.WithSessionID(ctx, snap.SessionID)).Info("snapshot received",
		slog.String("event_id", ev.ID),
		slog.String("term_id", snap.TermID),
		slog.String("batch_id", snap.BatchID),
		slog.Int("entries", len(snap.Entries)),
		slog.Int("full", full))
	return nil
}

func handleTaskFinished(ctx context.Context, ev messaging.Event) error {
	var snap task.Snapshot
	if err := json.Unmarshal(ev.Data, &snap); err != nil {
		return fmt.Errorf("failed to unmarshal task snapshot: %w", err)
	}

	ctx = observability.WithTaskID(observability.WithSessionID(ctx, snap.SessionID), snap.ID)
	observability.FromContext(ctx).Info("task finished",
		slog.String("event_id", ev.ID),
		slog.String("kind", snap.Kind),
		slog.String("state", string(snap.State)),
		slog.Int("attempt", snap.Attempt),
		slog.String("cause", snap.Cause))
	return nil
}
