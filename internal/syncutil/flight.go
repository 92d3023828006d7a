// Package syncutil coalesces concurrent work on the same key.
//
// Keys never wait on each other, and nothing blocks a caller past its own
// context.
package syncutil

import (
	"context"

	"golang.org/x/sync/singleflight"
)

// Flight runs at most one call per key at a time. Callers that arrive while
// a call is in flight share its result instead of starting another. The
// zero value is ready to use.
type Flight[T any] struct {
	g singleflight.Group
}

// Do runs fn for key, or joins the call already in flight for key.
//
// fn gets a context that keeps the first caller's values but not its
// cancellation, so one caller giving up does not abort work the others are
// waiting on. Each caller stops waiting when its own ctx ends.
func (f *Flight[T]) Do(ctx context.Context, key string, fn func(ctx context.Context) (T, error)) (T, error) {
	detached := context.WithoutCancel(ctx)
	ch := f.g.DoChan(key, func() (any, error) {
		return fn(detached)
	})
	select {
	case res := <-ch:
		v, _ := res.Val.(T)
		return v, res.Err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
