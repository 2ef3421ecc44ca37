// Package backoff implements the exponential backoff policy shared by
// the feed reconnect loop, tick store writes, and engine restarts.
package backoff

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/rs/zerolog/log"
)

// Policy describes an exponential backoff schedule with jitter.
type Policy struct {
	Initial     time.Duration // Delay before the first retry
	Factor      float64       // Multiplier applied per attempt
	Max         time.Duration // Cap on the computed delay
	Jitter      float64       // Fraction of the delay randomized in [-Jitter, +Jitter]
	MaxAttempts int           // Total attempts; 0 means retry forever
}

// Default returns the platform-wide backoff policy.
func Default() Policy {
	return Policy{
		Initial: 1 * time.Second,
		Factor:  1.8,
		Max:     30 * time.Second,
		Jitter:  0.20,
	}
}

// Base returns the deterministic delay before retry number attempt
// (attempt 0 is the first retry), without jitter.
func (p Policy) Base(attempt int) time.Duration {
	d := float64(p.Initial)
	for i := 0; i < attempt; i++ {
		d *= p.Factor
		if d >= float64(p.Max) {
			return p.Max
		}
	}
	if d > float64(p.Max) {
		return p.Max
	}
	return time.Duration(d)
}

// Delay returns the jittered delay before retry number attempt.
func (p Policy) Delay(attempt int) time.Duration {
	base := p.Base(attempt)
	if p.Jitter <= 0 {
		return base
	}
	// #nosec G404 -- Non-cryptographic use: jitter only needs to spread reconnect storms
	f := 1 + p.Jitter*(2*rand.Float64()-1)
	return time.Duration(float64(base) * f)
}

// Operation is a unit of work subject to retry.
type Operation func() error

// Permanent wraps an error to stop retrying immediately.
type Permanent struct {
	Err error
}

func (e *Permanent) Error() string { return e.Err.Error() }

func (e *Permanent) Unwrap() error { return e.Err }

// Retry runs op under the policy until it succeeds, returns a
// *Permanent error, exhausts MaxAttempts, or the context is done.
func Retry(ctx context.Context, p Policy, name string, op Operation) error {
	var lastErr error

	for attempt := 0; p.MaxAttempts == 0 || attempt < p.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return fmt.Errorf("%s cancelled: %w", name, ctx.Err())
		default:
		}

		err := op()
		if err == nil {
			if attempt > 0 {
				log.Info().
					Str("operation", name).
					Int("attempt", attempt+1).
					Msg("Operation succeeded after retry")
			}
			return nil
		}
		lastErr = err

		var perm *Permanent
		if errors.As(err, &perm) {
			log.Debug().
				Err(perm.Err).
				Str("operation", name).
				Msg("Error is not retryable, aborting")
			return perm.Err
		}

		delay := p.Delay(attempt)
		log.Warn().
			Err(err).
			Str("operation", name).
			Int("attempt", attempt+1).
			Dur("backoff", delay).
			Msg("Operation failed, retrying with backoff")

		select {
		case <-ctx.Done():
			return fmt.Errorf("%s cancelled during backoff: %w", name, ctx.Err())
		case <-time.After(delay):
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", name, p.MaxAttempts, lastErr)
}
