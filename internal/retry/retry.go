// Package retry implements the bounded retry policy used by the
// post-fetch-after-stage-event path and by chat session discovery.
// Attempt caps are small and fixed: the only expected failure mode is a
// short-lived backend race, not a systemic outage, so bounded latency
// wins over resilience.
package retry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
)

// Options controls one bounded-retry run.
type Options struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int
	// Interval is the fixed delay between attempts.
	Interval time.Duration
	// ShouldRetry reports whether the returned error warrants another
	// attempt. A nil ShouldRetry retries every error.
	ShouldRetry func(error) bool
}

// Do runs fn up to opts.MaxAttempts times with a constant interval
// between attempts. It returns nil on the first success, the last error
// once attempts are exhausted, or ctx.Err() if the context ends first.
func Do(ctx context.Context, opts Options, fn func(context.Context) error) error {
	if opts.MaxAttempts < 1 {
		return fmt.Errorf("retry: MaxAttempts must be at least 1, got %d", opts.MaxAttempts)
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(opts.Interval), uint64(opts.MaxAttempts-1)),
		ctx,
	)

	operation := func() error {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if opts.ShouldRetry != nil && !opts.ShouldRetry(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	// backoff.Retry unwraps Permanent errors before returning them.
	return backoff.Retry(operation, policy)
}

// Tracker remembers which keyed retry runs have already happened so a
// trigger that fires again (the same stage event class re-delivered, a
// re-render, a reconcile pass) cannot restart an exhausted run.
type Tracker struct {
	mu       sync.Mutex
	resolved map[string]struct{}
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{resolved: make(map[string]struct{})}
}

// StageKey builds the tracker key for a per-analysis, per-stage run.
func StageKey(analysisID uuid.UUID, stage string) string {
	return fmt.Sprintf("%s:%s", analysisID, stage)
}

// Claim marks the key as resolved and reports whether this caller was
// the first to do so. Only the first claimant should run the retry; the
// key stays claimed whether the run succeeds or exhausts its attempts.
func (t *Tracker) Claim(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, done := t.resolved[key]; done {
		return false
	}
	t.resolved[key] = struct{}{}
	return true
}

// Resolved reports whether the key has been claimed.
func (t *Tracker) Resolved(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, done := t.resolved[key]
	return done
}
