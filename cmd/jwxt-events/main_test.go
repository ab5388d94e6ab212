package main

import (
	"context"
	"encoding/json"
	"testing"

	"jwxt-agent/internal/domain"
	"jwxt-agent/internal/messaging"
	"jwxt-agent/internal/task"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func event(t *testing.T, typ string, data any) messaging.Event {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	return messaging.Event{ID: "e1", Type: typ, Data: raw}
}

func TestHandleSnapshot(t *testing.T) {
	ev := event(t, messaging.RoutingSnapshotReady, domain.SnapshotEvent{
		SessionID: "s1",
		TermID:    "2025-3",
		Entries: []domain.CourseSnapshotEntry{
			{CourseID: "C1", Capacity: 30, Number: 30},
			{CourseID: "C2", Capacity: 30, Number: 2},
		},
	})
	assert.NoError(t, handleSnapshot(context.Background(), ev))
}

func TestHandleTaskFinished(t *testing.T) {
	ev := event(t, messaging.RoutingTaskFinished, task.Snapshot{ID: "t1", Kind: "watch", State: task.StateStopped})
	assert.NoError(t, handleTaskFinished(context.Background(), ev))
}

func TestHandlers_RejectMalformedData(t *testing.T) {
	bad := messaging.Event{ID: "e2", Data: json.RawMessage(`"not an object"`)}
	assert.Error(t, handleSnapshot(context.Background(), bad))
	assert.Error(t, handleTaskFinished(context.Background(), bad))
}
