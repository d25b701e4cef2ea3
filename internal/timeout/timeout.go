// Package timeout bounds upstream calls with a deadline.
package timeout

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/wudi/apron/internal/errors"
)

// Do runs call under a deadline of d. Deadlines nest through the
// context, so a tighter deadline further down always wins. When the
// deadline set here expires, the in-flight call is cancelled through
// its context and the failure surfaces as an upstream-timeout error
// tagged with service. A non-positive d runs the call unbounded.
func Do[T any](ctx context.Context, d time.Duration, service string, call func(context.Context) (T, error)) (T, error) {
	if d <= 0 {
		return call(ctx)
	}

	tctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	out, err := call(tctx)
	if err == nil {
		return out, nil
	}

	// Attribute the failure to this deadline only when the parent is
	// still alive; a dead parent means the caller went away first.
	if ctx.Err() == nil &&
		(stderrors.Is(err, context.DeadlineExceeded) || tctx.Err() == context.DeadlineExceeded) {
		var zero T
		return zero, errors.UpstreamTimeout(service)
	}
	return out, err
}
