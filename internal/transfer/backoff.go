package transfer

import (
	"context"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/oxen-ai/oxen-go/internal/oxerr"
)

const (
	// baseWaitTime is the first retry delay.
	baseWaitTime = 300 * time.Millisecond
	// maxWaitTime caps any single retry delay.
	maxWaitTime = 10 * time.Second
	// maxRetries bounds retries per operation, after the first attempt.
	maxRetries = 5

	// maxFiles caps concurrent file transfers.
	maxFiles = 64
	// parallelFailures caps how many operations may sit in retry at once;
	// when reached, new operations pause until a retrying one resolves.
	parallelFailures = 63
)

// newBackoff builds the shared retry schedule: exponential from 300 ms,
// jittered, capped at 10 s per wait and 5 retries total.
func newBackoff() retry.Backoff {
	b := retry.NewExponential(baseWaitTime)
	b = retry.WithJitterPercent(25, b)
	b = retry.WithCappedDuration(maxWaitTime, b)
	b = retry.WithMaxRetries(maxRetries, b)
	return b
}

// withRetry runs fn under the shared schedule. Only Network-coded errors
// retry; everything else surfaces immediately.
func withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	return retry.Do(ctx, newBackoff(), func(ctx context.Context) error {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if oxerr.IsCode(err, oxerr.CodeNetwork) {
			return retry.RetryableError(err)
		}
		return err
	})
}

// retryGate tracks how many operations are currently retrying, pausing
// newcomers once parallelFailures are in flight.
type retryGate struct {
	slots chan struct{}
}

func newRetryGate() *retryGate {
	return &retryGate{slots: make(chan struct{}, parallelFailures)}
}

// enter blocks while the gate is saturated with retrying operations.
func (g *retryGate) enter(ctx context.Context) error {
	select {
	case g.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return oxerr.Wrap(oxerr.CodeCancelled, ctx.Err(), "waiting on retry gate")
	}
}

// leave frees a retry slot.
func (g *retryGate) leave() { <-g.slots }
