// Package task supervises long-running retrying workflows.
package task

import (
	"context"
	"encoding/json"
	"errors"
)

// State is the lifecycle state of a task.
type State string

const (
	StateIdle    State = "idle"
	StateRunning State = "running"
	StateSuccess State = "success"
	StateError   State = "error"
	StateStopped State = "stopped"
)

// Terminal reports whether s is final.
func (s State) Terminal() bool {
	return s == StateSuccess || s == StateError || s == StateStopped
}

// Terminal failure codes recorded in Snapshot.LastError.
const (
	CodeTimeout     = "TASK_TIMEOUT"
	CodeMaxAttempts = "TASK_MAX_ATTEMPTS"
	CodeStopped     = "TASK_STOPPED"
)

var (
	ErrNotFound      = errors.New("task not found")
	ErrNotRunning    = errors.New("task is not running")
	ErrStillRunning  = errors.New("task is still running")
	ErrUnknownKind   = errors.New("unknown task kind")
	ErrManagerClosed = errors.New("task manager is shut down")
)

// PollConfig controls the retry loop. Zero fields take defaults.
type PollConfig struct {
	Enabled     bool  `json:"enabled"`
	IntervalMs  int64 `json:"intervalMs,omitempty"`
	MaxAttempts int   `json:"maxAttempts,omitempty"`
	// MaxDurationMs of nil means no wall-clock cap.
	MaxDurationMs *int64  `json:"maxDurationMs,omitempty"`
	BackoffFactor float64 `json:"backoffFactor,omitempty"`
	MaxDelayMs    int64   `json:"maxDelayMs,omitempty"`
	JitterRatio   float64 `json:"jitterRatio,omitempty"`
}

// ParallelConfig bounds the fan-out inside one attempt.
type ParallelConfig struct {
	Concurrency int `json:"concurrency,omitempty"`
}

// Request starts a task.
type Request struct {
	Kind      string          `json:"kind"`
	SessionID string          `json:"sessionId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Poll      PollConfig      `json:"poll"`
	Parallel  ParallelConfig  `json:"parallel"`
}

// Patch hot-updates a running task. Nil fields are left unchanged, down to
// the individual poll and parallel settings.
type Patch struct {
	Poll     *PollPatch     `json:"poll,omitempty"`
	Parallel *ParallelPatch `json:"parallel,omitempty"`
}

// PollPatch overwrites only the PollConfig fields it sets.
type PollPatch struct {
	Enabled       *bool    `json:"enabled,omitempty"`
	IntervalMs    *int64   `json:"intervalMs,omitempty"`
	MaxAttempts   *int     `json:"maxAttempts,omitempty"`
	MaxDurationMs *int64   `json:"maxDurationMs,omitempty"`
	BackoffFactor *float64 `json:"backoffFactor,omitempty"`
	MaxDelayMs    *int64   `json:"maxDelayMs,omitempty"`
	JitterRatio   *float64 `json:"jitterRatio,omitempty"`
}

// Apply returns c with the set fields of p.
func (p PollPatch) Apply(c PollConfig) PollConfig {
	if p.Enabled != nil {
		c.Enabled = *p.Enabled
	}
	if p.IntervalMs != nil {
		c.IntervalMs = *p.IntervalMs
	}
	if p.MaxAttempts != nil {
		c.MaxAttempts = *p.MaxAttempts
	}
	if p.MaxDurationMs != nil {
		d := *p.MaxDurationMs
		c.MaxDurationMs = &d
	}
	if p.BackoffFactor != nil {
		c.BackoffFactor = *p.BackoffFactor
	}
	if p.MaxDelayMs != nil {
		c.MaxDelayMs = *p.MaxDelayMs
	}
	if p.JitterRatio != nil {
		c.JitterRatio = *p.JitterRatio
	}
	return c
}

// ParallelPatch overwrites only the ParallelConfig fields it sets.
type ParallelPatch struct {
	Concurrency *int `json:"concurrency,omitempty"`
}

// Apply returns c with the set fields of p.
func (p ParallelPatch) Apply(c ParallelConfig) ParallelConfig {
	if p.Concurrency != nil {
		c.Concurrency = *p.Concurrency
	}
	return c
}

// Progress is the latest progress report of an attempt.
type Progress struct {
	Stage   string `json:"stage"`
	Message string `json:"message,omitempty"`
	Done    int    `json:"done"`
	Total   int    `json:"total"`
}

// Snapshot is an immutable view of a task.
type Snapshot struct {
	ID          string         `json:"id"`
	Kind        string         `json:"kind"`
	SessionID   string         `json:"sessionId,omitempty"`
	State       State          `json:"state"`
	CreatedAt   int64          `json:"createdAt"`
	StartedAt   int64          `json:"startedAt,omitempty"`
	UpdatedAt   int64          `json:"updatedAt"`
	Attempt     int            `json:"attempt"`
	NextDelayMs int64          `json:"nextDelayMs"`
	Poll        PollConfig     `json:"poll"`
	Parallel    ParallelConfig `json:"parallel"`
	Progress    *Progress      `json:"progress,omitempty"`
	LastResult  any            `json:"lastResult,omitempty"`
	LastError   string         `json:"lastError,omitempty"`
	// Cause is the last handler error once LastError holds a terminal code.
	Cause string `json:"cause,omitempty"`
}

// Attempt is what a handler receives on every invocation.
type Attempt struct {
	ID      string
	Request Request
	Number  int
	Report  func(Progress)
}

// Outcome is a successful attempt. A polling task keeps running until Done.
type Outcome struct {
	Done   bool
	Result any
}

// Handler runs one attempt. Failures are retried when domain.IsRetryable
// reports them as transient.
type Handler func(ctx context.Context, a Attempt) (Outcome, error)

// Observer is notified after every snapshot change.
type Observer interface {
	TaskUpdated(Snapshot)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Snapshot)

func (f ObserverFunc) TaskUpdated(s Snapshot) { f(s) }
