package task

import (
	"math"
	"time"
)

// Bounds applied to every poll configuration.
const (
	MinInterval      = 150 * time.Millisecond
	MaxInterval      = 10 * time.Second
	MaxAttemptsLimit = 200000
	MinDuration      = time.Second
	MaxDuration      = 24 * time.Hour
	MinBackoffFactor = 1.0
	MaxBackoffFactor = 2.2
	MinMaxDelay      = 100 * time.Millisecond
	MaxMaxDelay      = time.Minute
)

// Defaults used when a poll field is left at zero.
const (
	DefaultInterval      = time.Second
	DefaultMaxAttempts   = 20
	DefaultBackoffFactor = 1.5
	DefaultMaxDelay      = 10 * time.Second
)

// Policy is a clamped poll configuration in Go units.
type Policy struct {
	Poll        bool
	Interval    time.Duration
	MaxAttempts int
	// MaxDuration of zero means the task runs without a wall-clock cap.
	MaxDuration   time.Duration
	BackoffFactor float64
	MaxDelay      time.Duration
	Jitter        float64
}

func clamp[T int | float64 | time.Duration](v, lo, hi T) T {
	return min(max(v, lo), hi)
}

func orDefault[T comparable](v, def T) T {
	var zero T
	if v == zero {
		return def
	}
	return v
}

func ms(n int64) time.Duration {
	return time.Duration(n) * time.Millisecond
}

// PolicyFrom fills defaults and clamps c into its allowed ranges.
func PolicyFrom(c PollConfig) Policy {
	p := Policy{
		Poll:          c.Enabled,
		Interval:      clamp(ms(orDefault(c.IntervalMs, DefaultInterval.Milliseconds())), MinInterval, MaxInterval),
		MaxAttempts:   clamp(orDefault(c.MaxAttempts, DefaultMaxAttempts), 1, MaxAttemptsLimit),
		BackoffFactor: clamp(orDefault(c.BackoffFactor, DefaultBackoffFactor), MinBackoffFactor, MaxBackoffFactor),
		MaxDelay:      clamp(ms(orDefault(c.MaxDelayMs, DefaultMaxDelay.Milliseconds())), MinMaxDelay, MaxMaxDelay),
		Jitter:        clamp(c.JitterRatio, 0, 1),
	}
	if math.IsNaN(c.BackoffFactor) {
		p.BackoffFactor = DefaultBackoffFactor
	}
	if math.IsNaN(c.JitterRatio) {
		p.Jitter = 0
	}
	if c.MaxDurationMs != nil {
		p.MaxDuration = clamp(ms(*c.MaxDurationMs), MinDuration, MaxDuration)
	}
	return p
}

// Backoff is the delay state carried between attempts.
type Backoff struct {
	Delay time.Duration
}

// NewBackoff starts at the policy interval.
func NewBackoff(p Policy) Backoff {
	return Backoff{Delay: p.Interval}
}

// Next returns the jittered sleep for the current delay and the state of the
// following attempt. r is a uniform sample from [0,1).
func (b Backoff) Next(p Policy, r float64) (time.Duration, Backoff) {
	delay := b.Delay
	if delay <= 0 {
		delay = p.Interval
	}
	offset := float64(delay) * p.Jitter * (2*r - 1)
	sleep := max(time.Duration(float64(delay)+offset), 0)

	grown := time.Duration(float64(delay) * p.BackoffFactor)
	return sleep, Backoff{Delay: min(grown, p.MaxDelay)}
}

// Reset returns the state after a successful attempt.
func (b Backoff) Reset(p Policy) Backoff {
	return NewBackoff(p)
}
