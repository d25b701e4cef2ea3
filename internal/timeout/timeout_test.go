package timeout

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/wudi/apron/internal/errors"
)

func TestDoFastCallPasses(t *testing.T) {
	got, err := Do(context.Background(), time.Second, "users", func(context.Context) (string, error) {
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("Do error = %v", err)
	}
	if got != "ok" {
		t.Fatalf("Do = %q, want ok", got)
	}
}

func TestDoExpiryYieldsTimeoutKind(t *testing.T) {
	_, err := Do(context.Background(), 20*time.Millisecond, "users", func(ctx context.Context) (string, error) {
		select {
		case <-time.After(time.Second):
			return "late", nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	})
	if errors.KindOf(err) != errors.KindUpstreamTimeout {
		t.Fatalf("Do error = %v, want upstream-timeout", err)
	}

	ae, ok := errors.FromError(err)
	if !ok || ae.Service != "users" {
		t.Fatalf("timeout error not tagged with service: %v", err)
	}
}

func TestDoCancelsInFlightCall(t *testing.T) {
	released := make(chan struct{})

	Do(context.Background(), 20*time.Millisecond, "users", func(ctx context.Context) (int, error) {
		go func() {
			<-ctx.Done()
			close(released)
		}()
		<-ctx.Done()
		return 0, ctx.Err()
	})

	select {
	case <-released:
	case <-time.After(time.Second):
		t.Fatal("deadline expiry did not cancel the call context")
	}
}

func TestDoZeroDurationUnbounded(t *testing.T) {
	got, err := Do(context.Background(), 0, "users", func(ctx context.Context) (int, error) {
		if _, has := ctx.Deadline(); has {
			t.Fatal("zero duration must not set a deadline")
		}
		return 42, nil
	})
	if err != nil || got != 42 {
		t.Fatalf("Do = (%d, %v), want (42, nil)", got, err)
	}
}

func TestDoInnermostDeadlineWins(t *testing.T) {
	// Outer 1s, inner 20ms: the inner one fires and its error passes
	// through the outer wrapper unchanged.
	_, err := Do(context.Background(), time.Second, "outer", func(ctx context.Context) (string, error) {
		return Do(ctx, 20*time.Millisecond, "inner", func(ictx context.Context) (string, error) {
			<-ictx.Done()
			return "", ictx.Err()
		})
	})

	ae, ok := errors.FromError(err)
	if !ok || ae.Kind != errors.KindUpstreamTimeout {
		t.Fatalf("error = %v, want upstream-timeout", err)
	}
	if ae.Service != "inner" {
		t.Fatalf("service = %q, want inner deadline attributed", ae.Service)
	}
}

func TestDoOuterDeadlineBoundsLongerInner(t *testing.T) {
	// Outer 20ms, inner 1s: contexts only tighten, so the effective
	// deadline is the outer one.
	start := time.Now()
	_, err := Do(context.Background(), 20*time.Millisecond, "outer", func(ctx context.Context) (string, error) {
		return Do(ctx, time.Second, "inner", func(ictx context.Context) (string, error) {
			<-ictx.Done()
			return "", ictx.Err()
		})
	})
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("call ran %v, outer deadline did not bound it", elapsed)
	}
	if errors.KindOf(err) != errors.KindUpstreamTimeout {
		t.Fatalf("error = %v, want upstream-timeout", err)
	}
}

func TestDoDeadCallerPassesErrorThrough(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Do(ctx, time.Second, "users", func(ctx context.Context) (string, error) {
		return "", ctx.Err()
	})
	if !stderrors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled untouched", err)
	}
}

func TestDoForeignErrorUntouched(t *testing.T) {
	boom := stderrors.New("boom")

	_, err := Do(context.Background(), time.Second, "users", func(context.Context) (string, error) {
		return "", boom
	})
	if err != boom {
		t.Fatalf("error = %v, want boom unchanged", err)
	}
}
