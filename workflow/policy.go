package workflow

import (
	"math/rand"
	"time"
)

// HandlerPolicy configures the execution behavior for one route: timeout
// and retry. If not specified, the engine-wide defaults from Options apply.
// This is additive to the base spec (§4.3/§4.7's default behavior — no
// retry, immediate classification on failure — is unaffected when no
// policy is attached to a route).
type HandlerPolicy struct {
	// Timeout is the maximum execution time allowed for this handler. If
	// zero, Options.DefaultHandlerTimeout is used.
	Timeout time.Duration

	// RetryPolicy specifies automatic retry behavior for Recoverable
	// failures. If nil, no retries are attempted and a failure is
	// classified immediately.
	RetryPolicy *RetryPolicy
}

// RetryPolicy defines automatic retry configuration for transient handler
// failures, attempted only when the failure's ErrorKind is Recoverable.
// Exponential backoff with jitter avoids thundering-herd retries.
type RetryPolicy struct {
	// MaxAttempts is the maximum number of execution attempts (including
	// the initial attempt). Must be >= 1; 1 means no retries.
	MaxAttempts int

	// BaseDelay is the base delay for exponential backoff between retries.
	BaseDelay time.Duration

	// MaxDelay caps the exponential growth. Must be >= BaseDelay when both
	// are set.
	MaxDelay time.Duration

	// Retryable decides whether a given error should be retried. If nil,
	// no errors are retried regardless of MaxAttempts.
	Retryable func(error) bool
}

// Validate checks MaxAttempts >= 1 and, when both are set, MaxDelay >= BaseDelay.
func (rp *RetryPolicy) Validate() error {
	if rp.MaxAttempts < 1 {
		return ErrInvalidRetryPolicy
	}
	if rp.MaxDelay > 0 && rp.BaseDelay > 0 && rp.MaxDelay < rp.BaseDelay {
		return ErrInvalidRetryPolicy
	}
	return nil
}

// computeBackoff returns the delay before retry attempt `attempt` (0-based),
// as exponential backoff capped at maxDelay plus jitter in [0, base), drawn
// from the run's seeded RNG (or the global source when rng is nil). The
// RNG's position is not saved in checkpoints, so jitter drawn after a
// restore does not repeat the original run's draws.
func computeBackoff(attempt int, base, maxDelay time.Duration, rng *rand.Rand) time.Duration {
	delay := base * (1 << attempt)
	if delay > maxDelay && maxDelay > 0 {
		delay = maxDelay
	}

	var jitter time.Duration
	if base > 0 {
		if rng != nil {
			jitter = time.Duration(rng.Int63n(int64(base)))
		} else {
			jitter = time.Duration(rand.Int63n(int64(base))) // #nosec G404 -- retry jitter, not security sensitive
		}
	}
	return delay + jitter
}

// initRNG seeds a deterministic RNG from a run id. Retry backoff jitter is
// its only use, so two runs with the same id that retry in the same order
// draw the same jitter. Its position is not saved in checkpoints.
func initRNG(runID string) *rand.Rand {
	seed := int64(0)
	for i, c := range runID {
		seed = seed*131 + int64(c) + int64(i)
	}
	// #nosec G404 -- deterministic replay seed, not a security-sensitive RNG use
	return rand.New(rand.NewSource(seed))
}
