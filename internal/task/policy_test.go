package task

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func ptr[T any](v T) *T { return &v }

func TestPolicyFrom_Defaults(t *testing.T) {
	p := PolicyFrom(PollConfig{})
	assert.Equal(t, Policy{
		Interval:      DefaultInterval,
		MaxAttempts:   DefaultMaxAttempts,
		BackoffFactor: DefaultBackoffFactor,
		MaxDelay:      DefaultMaxDelay,
	}, p)
}

func TestPolicyFrom_Clamps(t *testing.T) {
	tests := []struct {
		name  string
		in    PollConfig
		check func(t *testing.T, p Policy)
	}{
		{
			name:  "interval_low",
			in:    PollConfig{IntervalMs: 10},
			check: func(t *testing.T, p Policy) { assert.Equal(t, MinInterval, p.Interval) },
		},
		{
			name:  "interval_high",
			in:    PollConfig{IntervalMs: 60000},
			check: func(t *testing.T, p Policy) { assert.Equal(t, MaxInterval, p.Interval) },
		},
		{
			name:  "attempts",
			in:    PollConfig{MaxAttempts: 1 << 30},
			check: func(t *testing.T, p Policy) { assert.Equal(t, MaxAttemptsLimit, p.MaxAttempts) },
		},
		{
			name:  "negative_attempts",
			in:    PollConfig{MaxAttempts: -5},
			check: func(t *testing.T, p Policy) { assert.Equal(t, 1, p.MaxAttempts) },
		},
		{
			name:  "duration_low",
			in:    PollConfig{MaxDurationMs: ptr(int64(5))},
			check: func(t *testing.T, p Policy) { assert.Equal(t, MinDuration, p.MaxDuration) },
		},
		{
			name:  "duration_high",
			in:    PollConfig{MaxDurationMs: ptr(int64(48 * time.Hour / time.Millisecond))},
			check: func(t *testing.T, p Policy) { assert.Equal(t, MaxDuration, p.MaxDuration) },
		},
		{
			name:  "duration_unset_is_uncapped",
			in:    PollConfig{},
			check: func(t *testing.T, p Policy) { assert.Zero(t, p.MaxDuration) },
		},
		{
			name:  "factor",
			in:    PollConfig{BackoffFactor: 9},
			check: func(t *testing.T, p Policy) { assert.Equal(t, MaxBackoffFactor, p.BackoffFactor) },
		},
		{
			name:  "factor_below_one",
			in:    PollConfig{BackoffFactor: 0.5},
			check: func(t *testing.T, p Policy) { assert.Equal(t, MinBackoffFactor, p.BackoffFactor) },
		},
		{
			name:  "factor_nan",
			in:    PollConfig{BackoffFactor: math.NaN()},
			check: func(t *testing.T, p Policy) { assert.Equal(t, DefaultBackoffFactor, p.BackoffFactor) },
		},
		{
			name:  "max_delay",
			in:    PollConfig{MaxDelayMs: 1},
			check: func(t *testing.T, p Policy) { assert.Equal(t, MinMaxDelay, p.MaxDelay) },
		},
		{
			name:  "jitter",
			in:    PollConfig{JitterRatio: 3},
			check: func(t *testing.T, p Policy) { assert.Equal(t, 1.0, p.Jitter) },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.check(t, PolicyFrom(tt.in))
		})
	}
}

func TestBackoff_Growth(t *testing.T) {
	p := PolicyFrom(PollConfig{IntervalMs: 1000, BackoffFactor: 2, MaxDelayMs: 3000})
	b := NewBackoff(p)

	var sleeps []time.Duration
	for i := 0; i < 4; i++ {
		var d time.Duration
		d, b = b.Next(p, 0.5)
		sleeps = append(sleeps, d)
	}
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 3 * time.Second, 3 * time.Second}, sleeps)
	assert.Equal(t, time.Second, b.Reset(p).Delay)
}

func TestBackoff_Jitter(t *testing.T) {
	p := PolicyFrom(PollConfig{IntervalMs: 1000, JitterRatio: 0.2})
	b := NewBackoff(p)

	low, _ := b.Next(p, 0)
	high, _ := b.Next(p, 0.999999)
	mid, _ := b.Next(p, 0.5)

	assert.Equal(t, 800*time.Millisecond, low)
	assert.InDelta(t, float64(1200*time.Millisecond), float64(high), float64(time.Millisecond))
	assert.Equal(t, time.Second, mid)
}
