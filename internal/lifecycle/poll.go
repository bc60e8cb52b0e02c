package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// PollUntil calls check every interval until it reports done, returns an
// error, or timeout elapses. The first check runs immediately.
func PollUntil(ctx context.Context, interval, timeout time.Duration, check func(ctx context.Context) (bool, error)) error {
	if interval <= 0 {
		interval = time.Second
	}
	parent := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	timedOut := func() bool {
		return parent.Err() == nil && errors.Is(ctx.Err(), context.DeadlineExceeded)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		done, err := check(ctx)
		if err != nil {
			// A check cut short by the poll deadline is a timeout, not its own failure.
			if timedOut() {
				return Retryable(CodeTimeout, fmt.Errorf("poll timed out after %s: %w", timeout, err))
			}
			return err
		}
		if done {
			return nil
		}
		select {
		case <-ctx.Done():
			if timedOut() {
				return Retryable(CodeTimeout, fmt.Errorf("poll timed out after %s: %w", timeout, ctx.Err()))
			}
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
