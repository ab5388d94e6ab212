package testutil

import (
	"context"
	"errors"
	"sync"

	"jwxt-agent/internal/domain"
	"jwxt-agent/internal/task"
)

// ErrMockPublish is a ready-made failure for publisher overrides.
var ErrMockPublish = errors.New("mock: publish failed")

// MockPublisher records published events. Set the Func fields to customize
// behavior.
type MockPublisher struct {
	mu sync.RWMutex

	PublishSnapshotFunc     func(ctx context.Context, ev domain.SnapshotEvent) error
	PublishTaskFinishedFunc func(ctx context.Context, snap task.Snapshot) error

	Snapshots []domain.SnapshotEvent
	Finished  []task.Snapshot
}

// NewMockPublisher creates an empty MockPublisher.
func NewMockPublisher() *MockPublisher {
	return &MockPublisher{}
}

func (m *MockPublisher) PublishSnapshot(ctx context.Context, ev domain.SnapshotEvent) error {
	if m.PublishSnapshotFunc != nil {
		return m.PublishSnapshotFunc(ctx, ev)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Snapshots = append(m.Snapshots, ev)
	return nil
}

func (m *MockPublisher) PublishTaskFinished(ctx context.Context, snap task.Snapshot) error {
	if m.PublishTaskFinishedFunc != nil {
		return m.PublishTaskFinishedFunc(ctx, snap)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Finished = append(m.Finished, snap)
	return nil
}

// SnapshotEvents returns the recorded snapshot events.
func (m *MockPublisher) SnapshotEvents() []domain.SnapshotEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]domain.SnapshotEvent{}, m.Snapshots...)
}

// FinishedTasks returns the recorded task.finished events.
func (m *MockPublisher) FinishedTasks() []task.Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]task.Snapshot{}, m.Finished...)
}

// Reset clears all recorded calls.
func (m *MockPublisher) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Snapshots = nil
	m.Finished = nil
}
