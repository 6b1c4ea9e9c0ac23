// Package retry wraps fallible operations with bounded
// exponential-backoff-with-jitter retries.
package retry

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/BTreeMap/CarePipe/internal/models"
)

// Default executor knobs, used when a field is left zero.
const (
	DefaultMaxAttempts  = 3
	DefaultInitialDelay = 500 * time.Millisecond
	DefaultMultiplier   = 2.0
)

// Attempt records one try for observability. Callers use the trail to decide
// whether to tell the user "please wait" vs. "please try later".
type Attempt struct {
	Number  int
	Delay   time.Duration // backoff chosen before this attempt (zero for the first)
	Err     error         // nil on success
	Elapsed time.Duration
}

// Operation is a fallible unit of work executed under retry.
type Operation func(ctx context.Context) error

// Executor retries transient failures with exponential backoff and jitter.
// Failures not classified transient by the models taxonomy propagate
// immediately after a single attempt.
type Executor struct {
	MaxAttempts  int
	InitialDelay time.Duration
	Multiplier   float64
}

// New creates an Executor with explicit knobs, falling back to defaults for
// zero values.
func New(maxAttempts int, initialDelay time.Duration, multiplier float64) Executor {
	e := Executor{MaxAttempts: maxAttempts, InitialDelay: initialDelay, Multiplier: multiplier}
	e.normalize()
	return e
}

func (e *Executor) normalize() {
	if e.MaxAttempts <= 0 {
		e.MaxAttempts = DefaultMaxAttempts
	}
	if e.InitialDelay <= 0 {
		e.InitialDelay = DefaultInitialDelay
	}
	if e.Multiplier < 1 {
		e.Multiplier = DefaultMultiplier
	}
}

// backoffFor computes the base delay before attempt n (n >= 2) plus random
// jitter of up to half the base delay.
func (e *Executor) backoffFor(attempt int) time.Duration {
	base := float64(e.InitialDelay)
	for i := 2; i < attempt; i++ {
		base *= e.Multiplier
	}
	jitter := rand.Int64N(int64(base)/2 + 1)
	return time.Duration(int64(base) + jitter)
}

// Do executes op, retrying transient failures up to MaxAttempts. It returns
// the per-attempt trail alongside the final outcome. The delay between
// attempts respects ctx cancellation and holds no locks while sleeping.
func (e Executor) Do(ctx context.Context, name string, op Operation) ([]Attempt, error) {
	e.normalize()

	var attempts []Attempt
	var lastErr error
	for n := 1; n <= e.MaxAttempts; n++ {
		var delay time.Duration
		if n > 1 {
			delay = e.backoffFor(n)
			slog.Debug("retry.Do: backing off before retry", "op", name, "attempt", n, "delay", delay)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				attempts = append(attempts, Attempt{Number: n, Delay: delay, Err: ctx.Err()})
				return attempts, fmt.Errorf("%s cancelled after %d attempts: %w", name, n-1, ctx.Err())
			}
		}

		start := time.Now()
		err := op(ctx)
		attempts = append(attempts, Attempt{Number: n, Delay: delay, Err: err, Elapsed: time.Since(start)})

		if err == nil {
			if n > 1 {
				slog.Info("retry.Do: succeeded after retries", "op", name, "attempts", n)
			}
			return attempts, nil
		}
		lastErr = err

		if !models.IsTransient(err) {
			slog.Debug("retry.Do: terminal failure, not retrying", "op", name, "attempt", n, "error", err)
			return attempts, err
		}
		slog.Warn("retry.Do: transient failure", "op", name, "attempt", n, "max_attempts", e.MaxAttempts, "error", err)
	}

	return attempts, fmt.Errorf("%s failed after %d attempts: %w", name, e.MaxAttempts, lastErr)
}

// DoValue executes fn under ex and returns its result. Convenience wrapper
// for operations that produce a value.
func DoValue[T any](ctx context.Context, ex Executor, name string, fn func(ctx context.Context) (T, error)) (T, []Attempt, error) {
	var out T
	attempts, err := ex.Do(ctx, name, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, attempts, err
}
