package provision

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/dorcha-inc/envprov/internal/backend"
	"github.com/dorcha-inc/envprov/internal/core"
)

// ErrCallTimeout is the cause of a backend call that outlived its timeout
var ErrCallTimeout = errors.New("backend call timed out")

// caller bounds every backend and toolchain invocation
type caller struct {
	clock   clockwork.Clock
	timeout time.Duration
}

// invoke runs fn with a per-call deadline. The call runs on its own goroutine
// so a backend that ignores its context still cannot hold the run past the
// deadline. Errors from a cancelled parent are returned as ctx.Err().
func invoke[T any](ctx context.Context, c caller, op, subject string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}

	callCtx, cancel := clockwork.WithTimeout(ctx, c.clock, c.timeout)
	defer cancel()

	type outcome struct {
		value T
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		value, err := fn(callCtx)
		done <- outcome{value: value, err: err}
	}()

	select {
	case out := <-done:
		if out.err == nil {
			return out.value, nil
		}
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		if core.DeadlineExceeded(callCtx) {
			return zero, timeoutFailure(op, subject, c.timeout)
		}
		return zero, out.err
	case <-callCtx.Done():
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		return zero, timeoutFailure(op, subject, c.timeout)
	}
}

func timeoutFailure(op, subject string, timeout time.Duration) error {
	return &backend.Failure{
		Op:         op,
		Subject:    subject,
		Cause:      backend.CauseTransient,
		Diagnostic: fmt.Sprintf("no response within %v", timeout),
		Err:        ErrCallTimeout,
	}
}
