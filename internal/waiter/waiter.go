// Package waiter provides the polling primitive every migration stage blocks on.
package waiter

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/juju/clock"
	"github.com/juju/retry"
	"github.com/mpz/devops/tools/aurora-migrate/internal/constants"
	internalerrors "github.com/mpz/devops/tools/aurora-migrate/internal/errors"
)

// unlimitedAttempts tells retry.Call to keep polling until the condition holds.
const unlimitedAttempts = -1

// errNotReady is returned to the retry loop while the condition is false.
var errNotReady = errors.New("condition not met")

// Condition fetches the current state and reports whether the target state was reached.
// Errors classified as infrastructure unavailable are retried; any other error ends the wait.
type Condition func(ctx context.Context) (bool, error)

// Request describes a single wait.
type Request struct {
	// Description names what is being waited for in log lines and errors.
	Description string
	// Interval is the fixed time between polls.
	Interval time.Duration
	// Deadline bounds the total wait. Zero falls back to the waiter's default, which is unbounded.
	Deadline time.Duration
}

// Config contains configuration for a Waiter.
type Config struct {
	Clock  clock.Clock
	Logger *slog.Logger
	// Deadline is applied to requests that do not set their own. Zero means no bound.
	Deadline time.Duration
}

// Waiter polls conditions at fixed intervals on an injected clock.
type Waiter struct {
	clock    clock.Clock
	logger   *slog.Logger
	deadline time.Duration
}

// New creates a Waiter.
func New(cfg Config) *Waiter {
	w := &Waiter{
		clock:    cfg.Clock,
		logger:   cfg.Logger,
		deadline: cfg.Deadline,
	}
	if w.clock == nil {
		w.clock = clock.WallClock
	}
	if w.logger == nil {
		w.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return w
}

// Clock returns the clock the waiter sleeps on.
func (w *Waiter) Clock() clock.Clock {
	return w.clock
}

// Until polls cond until it reports done, it fails with a non-transient error,
// the deadline passes, or ctx is cancelled.
func (w *Waiter) Until(ctx context.Context, req Request, cond Condition) error {
	interval := req.Interval
	if interval <= 0 {
		interval = constants.InstancePollInterval
	}
	deadline := req.Deadline
	if deadline == 0 {
		deadline = w.deadline
	}

	var fatal error
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			done, err := cond(ctx)
			if err != nil {
				if !internalerrors.IsTransient(err) {
					fatal = err
				}
				return err
			}
			if !done {
				return errNotReady
			}
			return nil
		},
		IsFatalError: func(error) bool {
			return fatal != nil
		},
		NotifyFunc: func(lastErr error, attempt int) {
			if !errors.Is(lastErr, errNotReady) {
				w.logger.Warn("transient error while waiting, will retry",
					slog.String("waiting_for", req.Description),
					slog.Int("attempt", attempt),
					slog.String("error", lastErr.Error()))
			}
			w.logger.Info("waiting",
				slog.String("waiting_for", req.Description),
				slog.Int("attempt", attempt),
				slog.Duration("interval", interval))
		},
		Attempts:    unlimitedAttempts,
		Delay:       interval,
		MaxDuration: deadline,
		Clock:       w.clock,
		Stop:        ctx.Done(),
	})

	switch {
	case err == nil:
		return nil
	case fatal != nil:
		return fatal
	case ctx.Err() != nil:
		return errors.Wrapf(ctx.Err(), "waiting for %s", req.Description)
	case retry.IsDurationExceeded(err):
		return errors.Wrapf(internalerrors.ErrWaitTimeout, "%s not reached within %s", req.Description, deadline)
	default:
		return errors.Wrapf(err, "waiting for %s", req.Description)
	}
}

// Sleep pauses for d on the waiter's clock, returning early if ctx is cancelled.
func (w *Waiter) Sleep(ctx context.Context, d time.Duration, reason string) error {
	if d <= 0 {
		return nil
	}
	w.logger.Info("pausing",
		slog.String("reason", reason),
		slog.Duration("duration", d))

	select {
	case <-w.clock.After(d):
		return nil
	case <-ctx.Done():
		return errors.Wrapf(ctx.Err(), "pausing for %s", reason)
	}
}
