// Package retry provides bounded retry with exponential backoff for
// remote gateway calls. Only failures classified as transient by the
// gateway taxonomy are retried; permanent failures surface immediately.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/hpcforge/ferry/gateway"
	"github.com/hpcforge/ferry/metrics"
)

// Policy holds retry configuration. The zero value is not usable; start
// from DefaultPolicy.
type Policy struct {
	MaxAttempts int           // Maximum number of attempts (0 = infinite)
	InitialWait time.Duration // Initial wait time
	MaxWait     time.Duration // Maximum wait time
	Multiplier  float64       // Backoff multiplier
	Jitter      float64       // Jitter factor (0-1)
}

// DefaultPolicy returns sensible defaults for an HTTP-latency-dominated
// remote.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 4,
		InitialWait: 250 * time.Millisecond,
		MaxWait:     15 * time.Second,
		Multiplier:  2.0,
		Jitter:      0.1,
	}
}

func (p Policy) wait(attempt int) time.Duration {
	wait := float64(p.InitialWait) * math.Pow(p.Multiplier, float64(attempt-1))
	if wait > float64(p.MaxWait) {
		wait = float64(p.MaxWait)
	}
	if p.Jitter > 0 {
		wait += wait * p.Jitter * (rand.Float64()*2 - 1)
	}
	return time.Duration(wait)
}

// Do executes fn, retrying transient failures with backoff until the
// attempt budget is exhausted or the context is done.
func Do(ctx context.Context, p Policy, fn func() error) error {
	var lastErr error

	for attempt := 1; p.MaxAttempts == 0 || attempt <= p.MaxAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		lastErr = err

		if !gateway.IsTransient(err) {
			return err
		}
		if ctx.Err() != nil {
			return gateway.NewError(gateway.KindCancelled, "", ctx.Err())
		}
		if p.MaxAttempts != 0 && attempt == p.MaxAttempts {
			break
		}

		metrics.RecordRetry()

		select {
		case <-ctx.Done():
			return gateway.NewError(gateway.KindCancelled, "", ctx.Err())
		case <-time.After(p.wait(attempt)):
		}
	}

	return lastErr
}

// DoWithResult executes fn with retries and returns its result.
func DoWithResult[T any](ctx context.Context, p Policy, fn func() (T, error)) (T, error) {
	var result T
	err := Do(ctx, p, func() error {
		r, err := fn()
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	return result, err
}
