package resilience

import (
	"context"
	"fmt"
	"time"
)

// CallWithTimeout runs fn under a context that expires after timeout and
// returns its result. When the deadline passes first, fn keeps running in the
// background and its result is discarded. A non-positive timeout calls fn
// directly.
func CallWithTimeout[T any](ctx context.Context, timeout time.Duration, name string, fn func(ctx context.Context) (T, error)) (T, error) {
	if timeout <= 0 {
		return fn(ctx)
	}
	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		val T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn(timeoutCtx)
		done <- result{v, err}
	}()

	select {
	case r := <-done:
		return r.val, r.err
	case <-timeoutCtx.Done():
		var zero T
		if ctx.Err() != nil {
			return zero, fmt.Errorf("%s: parent context cancelled: %w", name, ctx.Err())
		}
		return zero, fmt.Errorf("%s: %w (limit: %v)", name, context.DeadlineExceeded, timeout)
	}
}
