// Package workerpool runs a function over a slice with bounded concurrency.
package workerpool

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// Map applies fn to every item with at most limit calls in flight. Workers
// pull the next index from a shared cursor and write into out[i], so the
// result order matches items regardless of completion order.
//
// The first error cancels ctx for the remaining workers and is returned;
// no partial result is returned with it.
func Map[T, R any](ctx context.Context, items []T, limit int, fn func(ctx context.Context, i int, item T) (R, error)) ([]R, error) {
	if len(items) == 0 {
		return []R{}, nil
	}
	if limit < 1 {
		limit = 1
	}
	if limit > len(items) {
		limit = len(items)
	}

	out := make([]R, len(items))
	var cursor atomic.Int64
	g, gctx := errgroup.WithContext(ctx)

	for w := 0; w < limit; w++ {
		g.Go(func() error {
			for {
				i := int(cursor.Add(1) - 1)
				if i >= len(items) {
					return nil
				}
				if err := gctx.Err(); err != nil {
					return err
				}
				r, err := fn(gctx, i, items[i])
				if err != nil {
					return err
				}
				out[i] = r
			}
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
