// Package guard prevents a change reaction from re-processing its own
// state writes. The guard is an explicit context value scoped to one
// logical unit of work, never ambient process or goroutine state.
package guard

import (
	"context"
	"sync/atomic"
)

type ctxKey struct{}

// Enter marks the context as inside a reaction and returns the derived
// context plus a release func. Release must run on every exit path.
// Nested Enter calls on an already-guarded context share one counter.
func Enter(ctx context.Context) (context.Context, func()) {
	if depth, ok := ctx.Value(ctxKey{}).(*int32); ok {
		atomic.AddInt32(depth, 1)
		return ctx, func() { atomic.AddInt32(depth, -1) }
	}
	depth := new(int32)
	*depth = 1
	return context.WithValue(ctx, ctxKey{}, depth), func() { atomic.AddInt32(depth, -1) }
}

// Guarded reports whether the context is currently inside a reaction.
func Guarded(ctx context.Context) bool {
	depth, ok := ctx.Value(ctxKey{}).(*int32)
	return ok && atomic.LoadInt32(depth) > 0
}
