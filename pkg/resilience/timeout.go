package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"

	apperrors "github.com/ambegh/Living-labs/pkg/errors"
)

// WithTimeout runs fn under a derived deadline. An expired deadline is
// reported as apperrors.ErrTimeout; cancellation of the parent context is
// reported as the parent's error.
func WithTimeout(ctx context.Context, timeout time.Duration, name string, fn func(ctx context.Context) error) error {
	if timeout <= 0 {
		return fn(ctx)
	}
	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- fn(timeoutCtx)
	}()
	select {
	case err := <-done:
		if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return apperrors.Newf(apperrors.ErrTimeout, "%s exceeded %v", name, timeout)
		}
		return err
	case <-timeoutCtx.Done():
		if ctx.Err() != nil {
			return fmt.Errorf("%s: %w", name, ctx.Err())
		}
		return apperrors.Newf(apperrors.ErrTimeout, "%s exceeded %v", name, timeout)
	}
}
