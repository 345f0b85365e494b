package retrier

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fastPolicy(attempts int) Policy {
	return Policy{Attempts: attempts, Delay: time.Millisecond}
}

func TestDo(t *testing.T) {
	t.Run("succeeds after transient failures", func(t *testing.T) {
		// Arrange
		calls := 0
		fn := func() error {
			calls++
			if calls < 3 {
				return errors.New("busy")
			}
			return nil
		}

		// Act
		err := fastPolicy(3).Do(context.Background(), "snapshot", fn)

		// Assert
		if err != nil {
			t.Fatalf("expected success, got %v", err)
		}
		if calls != 3 {
			t.Errorf("expected 3 calls, got %d", calls)
		}
	})

	t.Run("returns last error after exhaustion", func(t *testing.T) {
		errBusy := errors.New("busy")
		calls := 0

		err := fastPolicy(2).Do(context.Background(), "archive", func() error {
			calls++
			return errBusy
		})

		if !errors.Is(err, errBusy) {
			t.Fatalf("expected wrapped errBusy, got %v", err)
		}
		if calls != 2 {
			t.Errorf("expected 2 calls, got %d", calls)
		}
	})

	t.Run("stops on permanent error", func(t *testing.T) {
		errBad := errors.New("bad config")
		calls := 0

		err := fastPolicy(5).Do(context.Background(), "copy", func() error {
			calls++
			return Permanent(errBad)
		})

		if !errors.Is(err, errBad) {
			t.Fatalf("expected errBad, got %v", err)
		}
		if calls != 1 {
			t.Errorf("expected a single call, got %d", calls)
		}
	})

	t.Run("honors cancelled context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		calls := 0

		err := fastPolicy(3).Do(ctx, "copy", func() error {
			calls++
			return nil
		})

		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
		if calls != 0 {
			t.Errorf("expected no calls, got %d", calls)
		}
	})
}
