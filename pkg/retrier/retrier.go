// Package retrier runs transient operations (snapshot creation, archive creation,
// network copies) with a bounded number of attempts and a fixed delay.
package retrier

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/juju/clock"
	"github.com/juju/retry"

	"github.com/paulschiretz/pgl-snapback/pkg/plog"
)

// Defaults for transient operations.
const (
	DefaultAttempts = 3
	DefaultDelay    = 10 * time.Second
)

// Policy is a fixed-delay retry policy.
type Policy struct {
	Attempts int
	Delay    time.Duration
	Clock    clock.Clock
}

// DefaultPolicy returns three attempts ten seconds apart.
func DefaultPolicy() Policy {
	return Policy{Attempts: DefaultAttempts, Delay: DefaultDelay}
}

// permanent marks an error that must not be retried.
type permanent struct{ err error }

func (p *permanent) Error() string { return p.err.Error() }
func (p *permanent) Unwrap() error { return p.err }

// Permanent wraps err so Do returns it immediately instead of retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanent{err: err}
}

// Do calls fn until it succeeds, returns a Permanent error, the attempts are
// exhausted, or ctx is done. The returned error wraps the last error from fn.
func (p Policy) Do(ctx context.Context, what string, fn func() error) error {
	attempts := p.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	delay := p.Delay
	if delay <= 0 {
		// retry.Call rejects a zero delay.
		delay = time.Millisecond
	}
	clk := p.Clock
	if clk == nil {
		clk = clock.WallClock
	}

	var lastErr error
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			if err := ctx.Err(); err != nil {
				return Permanent(err)
			}
			lastErr = fn()
			return lastErr
		},
		IsFatalError: func(err error) bool {
			var perm *permanent
			return errors.As(err, &perm)
		},
		NotifyFunc: func(err error, attempt int) {
			if attempt < attempts {
				plog.Log(plog.Warning, "Attempt failed, retrying", "operation", what, "attempt", fmt.Sprintf("%d/%d", attempt, attempts), "after", delay, "error", err)
			}
		},
		Attempts: attempts,
		Delay:    delay,
		Clock:    clk,
		Stop:     ctx.Done(),
	})
	if err == nil {
		return nil
	}
	if lastErr == nil {
		lastErr = err
	}
	var perm *permanent
	if errors.As(lastErr, &perm) {
		return fmt.Errorf("%s: %w", what, perm.err)
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%s: %w", what, ctxErr)
	}
	return fmt.Errorf("%s failed after %d attempts: %w", what, attempts, lastErr)
}
