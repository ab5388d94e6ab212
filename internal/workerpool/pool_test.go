package workerpool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMap_PreservesOrder(t *testing.T) {
	items := []string{"a", "b", "c"}
	// Earlier items finish last.
	delays := map[string]time.Duration{"a": 30 * time.Millisecond, "b": 15 * time.Millisecond, "c": 0}

	for _, limit := range []int{1, 3} {
		got, err := Map(context.Background(), items, limit, func(ctx context.Context, _ int, s string) (string, error) {
			time.Sleep(delays[s])
			return "f(" + s + ")", nil
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"f(a)", "f(b)", "f(c)"}, got)
	}
}

func TestMap_BoundsInFlight(t *testing.T) {
	var inFlight, peak atomic.Int64
	items := []int{1, 2, 3, 4, 5}

	_, err := Map(context.Background(), items, 2, func(ctx context.Context, _ int, n int) (int, error) {
		cur := inFlight.Add(1)
		for {
			p := peak.Load()
			if cur <= p || peak.CompareAndSwap(p, cur) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		inFlight.Add(-1)
		return n * n, nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), peak.Load())
}

func TestMap_FirstErrorAborts(t *testing.T) {
	boom := errors.New("boom")
	var calls atomic.Int64
	items := make([]int, 50)

	got, err := Map(context.Background(), items, 2, func(ctx context.Context, i int, _ int) (int, error) {
		calls.Add(1)
		if i == 3 {
			return 0, boom
		}
		time.Sleep(time.Millisecond)
		return i, nil
	})
	assert.ErrorIs(t, err, boom)
	assert.Nil(t, got)
	assert.Less(t, calls.Load(), int64(len(items)), "remaining items are not started")
}

func TestMap_EmptyAndClamp(t *testing.T) {
	got, err := Map(context.Background(), []int(nil), 4, func(ctx context.Context, _ int, n int) (int, error) {
		return n, nil
	})
	require.NoError(t, err)
	assert.Empty(t, got)

	var mu sync.Mutex
	seen := []int{}
	got, err = Map(context.Background(), []int{1, 2}, 0, func(ctx context.Context, _ int, n int) (int, error) {
		mu.Lock()
		seen = append(seen, n)
		mu.Unlock()
		return n + 1, nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3}, got)
	assert.Equal(t, []int{1, 2}, seen, "limit below one runs serially")
}

func TestMap_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Map(ctx, []int{1, 2, 3}, 2, func(ctx context.Context, _ int, n int) (int, error) {
		return n, nil
	})
	assert.ErrorIs(t, err, context.Canceled)
}
