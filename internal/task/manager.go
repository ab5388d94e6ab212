package task

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"jwxt-agent/internal/domain"
	"jwxt-agent/internal/observability"

	"github.com/google/uuid"
)

// CodePanic marks a handler that panicked. The attempt is retried.
const CodePanic domain.ErrorCode = "TASK_HANDLER_PANIC"

type task struct {
	snap   Snapshot
	req    Request
	cancel context.CancelFunc
	done   chan struct{}

	// notifyMu orders observer delivery for this task. Taken before Manager.mu.
	notifyMu sync.Mutex
}

// Manager runs tasks and keeps their snapshots.
type Manager struct {
	mu        sync.RWMutex
	tasks     map[string]*task
	handlers  map[string]Handler
	observers []Observer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	now   func() time.Time
	rand  func() float64
	sleep func(ctx context.Context, d time.Duration) error
	newID func() string
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock injects the clock used for timestamps and durations.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithRand injects the jitter source. It must return values in [0,1).
func WithRand(r func() float64) Option {
	return func(m *Manager) { m.rand = r }
}

// WithSleep replaces the cancellable sleep between attempts.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(m *Manager) { m.sleep = sleep }
}

// WithIDGenerator replaces the task id generator.
func WithIDGenerator(f func() string) Option {
	return func(m *Manager) { m.newID = f }
}

// NewManager creates a Manager.
func NewManager(opts ...Option) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		tasks:    make(map[string]*task),
		handlers: make(map[string]Handler),
		ctx:      ctx,
		cancel:   cancel,
		now:      time.Now,
		rand:     rand.Float64,
		sleep:    sleepWithContext,
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Register binds kind to h. Registering a kind twice replaces the handler.
func (m *Manager) Register(kind string, h Handler) {
	m.mu.Lock()
	m.handlers[kind] = h
	m.mu.Unlock()
}

// Kinds lists the registered kinds.
func (m *Manager) Kinds() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	kinds := make([]string, 0, len(m.handlers))
	for k := range m.handlers {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// Subscribe adds an observer. Observers run on the task goroutine and must
// not block. Snapshots of one task arrive in the order they were produced; an
// observer must not patch the task it is being notified about.
func (m *Manager) Subscribe(o Observer) {
	m.mu.Lock()
	m.observers = append(m.observers, o)
	m.mu.Unlock()
}

// Start allocates a task for req and begins its run loop.
func (m *Manager) Start(req Request) (Snapshot, error) {
	m.mu.Lock()
	if m.ctx.Err() != nil {
		m.mu.Unlock()
		return Snapshot{}, ErrManagerClosed
	}
	h, ok := m.handlers[req.Kind]
	if !ok {
		m.mu.Unlock()
		return Snapshot{}, fmt.Errorf("%w: %q", ErrUnknownKind, req.Kind)
	}

	now := m.now().UnixMilli()
	id := m.newID()
	ctx, cancel := context.WithCancel(observability.WithTaskID(m.ctx, id))
	t := &task{
		req:    req,
		cancel: cancel,
		done:   make(chan struct{}),
		snap: Snapshot{
			ID:        id,
			Kind:      req.Kind,
			SessionID: req.SessionID,
			State:     StateRunning,
			CreatedAt: now,
			StartedAt: now,
			UpdatedAt: now,
			Poll:      req.Poll,
			Parallel:  req.Parallel,
		},
	}
	t.notifyMu.Lock()
	m.tasks[id] = t
	snap := t.snap
	m.wg.Add(1)
	m.mu.Unlock()

	observability.TasksActive.WithLabelValues(req.Kind).Inc()
	observability.FromContext(ctx).Info("task started", slog.String("kind", req.Kind))
	m.notify(snap)
	t.notifyMu.Unlock()

	go func() {
		defer m.wg.Done()
		defer close(t.done)
		defer cancel()
		m.run(ctx, t, h)
	}()
	return snap, nil
}

// Stop cancels the task and waits until its loop has exited or ctx is done.
// Stopping a finished task returns its final snapshot.
func (m *Manager) Stop(ctx context.Context, id string) (Snapshot, error) {
	m.mu.RLock()
	t, ok := m.tasks[id]
	m.mu.RUnlock()
	if !ok {
		return Snapshot{}, ErrNotFound
	}

	t.cancel()
	select {
	case <-t.done:
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
	return m.Get(id)
}

// Update patches the poll and parallel configuration of a running task. The
// loop picks the change up before its next attempt.
func (m *Manager) Update(id string, patch Patch) (Snapshot, error) {
	m.mu.RLock()
	t, ok := m.tasks[id]
	m.mu.RUnlock()
	if !ok {
		return Snapshot{}, ErrNotFound
	}

	t.notifyMu.Lock()
	defer t.notifyMu.Unlock()
	m.mu.Lock()
	if t.snap.State != StateRunning {
		m.mu.Unlock()
		return Snapshot{}, ErrNotRunning
	}
	if patch.Poll != nil {
		t.req.Poll = patch.Poll.Apply(t.req.Poll)
		t.snap.Poll = t.req.Poll
	}
	if patch.Parallel != nil {
		t.req.Parallel = patch.Parallel.Apply(t.req.Parallel)
		t.snap.Parallel = t.req.Parallel
	}
	t.snap.UpdatedAt = m.now().UnixMilli()
	snap := t.snap
	m.mu.Unlock()

	m.notify(snap)
	return snap, nil
}

// Remove forgets a finished task.
func (m *Manager) Remove(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return ErrNotFound
	}
	if !t.snap.State.Terminal() {
		return ErrStillRunning
	}
	delete(m.tasks, id)
	return nil
}

// Prune forgets finished tasks whose last change is older than retention and
// returns how many were removed.
func (m *Manager) Prune(retention time.Duration) int {
	cutoff := m.now().Add(-retention).UnixMilli()
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, t := range m.tasks {
		if t.snap.State.Terminal() && t.snap.UpdatedAt <= cutoff {
			delete(m.tasks, id)
			n++
		}
	}
	return n
}

// Run prunes finished tasks every interval until ctx is done.
func (m *Manager) Run(ctx context.Context, interval, retention time.Duration) {
	logger := observability.FromContext(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.Prune(retention); n > 0 {
				logger.Info("pruned finished tasks", slog.Int("count", n))
			}
		}
	}
}

// Get returns the snapshot of id.
func (m *Manager) Get(id string) (Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	if !ok {
		return Snapshot{}, ErrNotFound
	}
	return t.snap, nil
}

// List returns every snapshot, oldest first.
func (m *Manager) List() []Snapshot {
	m.mu.RLock()
	out := make([]Snapshot, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, t.snap)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Shutdown stops every task and waits for the loops to exit.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.cancel()
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) notify(s Snapshot) {
	m.mu.RLock()
	observers := m.observers
	m.mu.RUnlock()
	for _, o := range observers {
		o.TaskUpdated(s)
	}
}

// mutate applies f to the task snapshot under the lock and notifies observers.
func (m *Manager) mutate(t *task, f func(s *Snapshot)) Snapshot {
	t.notifyMu.Lock()
	defer t.notifyMu.Unlock()
	m.mu.Lock()
	f(&t.snap)
	t.snap.UpdatedAt = m.now().UnixMilli()
	snap := t.snap
	m.mu.Unlock()
	m.notify(snap)
	return snap
}

func (m *Manager) request(t *task) Request {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return t.req
}

func (m *Manager) run(ctx context.Context, t *task, h Handler) {
	logger := observability.FromContext(ctx)
	kind := t.snap.Kind
	started := m.now()

	finish := func(state State, code string, cause error) {
		snap := m.mutate(t, func(s *Snapshot) {
			s.State = state
			s.NextDelayMs = 0
			if code != "" {
				s.LastError = code
			}
			if cause != nil {
				s.Cause = cause.Error()
			}
		})
		observability.TasksActive.WithLabelValues(kind).Dec()
		logger.Info("task finished",
			slog.String("kind", kind),
			slog.String("state", string(snap.State)),
			slog.Int("attempt", snap.Attempt),
			slog.String("last_error", snap.LastError))
	}

	backoff := NewBackoff(PolicyFrom(m.request(t).Poll))
	var lastErr error
	attempt := 0
	for {
		req := m.request(t)
		policy := PolicyFrom(req.Poll)

		if ctx.Err() != nil {
			finish(StateStopped, CodeStopped, lastErr)
			return
		}
		if policy.MaxDuration > 0 && m.now().Sub(started) >= policy.MaxDuration {
			finish(StateError, CodeTimeout, lastErr)
			return
		}
		if attempt >= policy.MaxAttempts {
			finish(StateError, CodeMaxAttempts, lastErr)
			return
		}

		attempt++
		n := attempt
		m.mutate(t, func(s *Snapshot) {
			s.Attempt = n
			s.NextDelayMs = 0
		})

		out, err := m.invoke(ctx, h, Attempt{
			ID:      t.snap.ID,
			Request: req,
			Number:  n,
			Report: func(p Progress) {
				m.mutate(t, func(s *Snapshot) { s.Progress = &p })
			},
		})

		if err == nil {
			observability.TaskAttemptsTotal.WithLabelValues(kind, "success").Inc()
			lastErr = nil
			m.mutate(t, func(s *Snapshot) {
				s.LastResult = out.Result
				s.LastError = ""
			})
			if out.Done || !policy.Poll {
				finish(StateSuccess, "", nil)
				return
			}
			backoff = backoff.Reset(policy)
		} else {
			if ctx.Err() != nil {
				finish(StateStopped, CodeStopped, err)
				return
			}
			lastErr = err
			msg := err.Error()
			m.mutate(t, func(s *Snapshot) { s.LastError = msg })

			if !domain.IsRetryable(err) {
				observability.TaskAttemptsTotal.WithLabelValues(kind, "error").Inc()
				finish(StateError, "", err)
				return
			}
			observability.TaskAttemptsTotal.WithLabelValues(kind, "retry").Inc()
			if attempt >= policy.MaxAttempts {
				finish(StateError, CodeMaxAttempts, err)
				return
			}
		}

		var delay time.Duration
		delay, backoff = backoff.Next(policy, m.rand())
		m.mutate(t, func(s *Snapshot) { s.NextDelayMs = delay.Milliseconds() })
		if err != nil {
			logger.Warn("task attempt failed, retrying",
				slog.String("kind", kind),
				slog.Int("attempt", attempt),
				slog.Duration("delay", delay),
				slog.String("error", err.Error()))
		}

		if err := m.sleep(ctx, delay); err != nil {
			finish(StateStopped, CodeStopped, lastErr)
			return
		}
	}
}

// invoke runs one attempt. A panicking handler counts as a retryable failure.
func (m *Manager) invoke(ctx context.Context, h Handler, a Attempt) (out Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &domain.Error{Code: CodePanic, Op: "task handler", Message: fmt.Sprint("panic: ", r), Retryable: true}
		}
	}()
	return h(ctx, a)
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
