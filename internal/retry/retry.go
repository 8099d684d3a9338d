// Package retry consolidates the retry/backoff combinator that was
// sprinkled across call sites in the source system (spec.md §9),
// grounded on the shared shape of the retry loops in
// internal/ai/providers/openai.go and internal/ai/remediation/engine.go.
package retry

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"
)

// Policy describes a bounded exponential backoff schedule. Delays is
// the explicit per-attempt backoff (e.g. spec.md's planner policy of
// 1s/4s/16s, or the executor's 10s/20s/30s) rather than a multiplier,
// since both callers specify concrete per-attempt numbers.
type Policy struct {
	MaxAttempts int
	Delays      []time.Duration // Delays[i] is the wait before attempt i+2
	IsRetryable func(error) bool
}

// ErrGaveUp wraps the last error after all attempts are exhausted.
type ErrGaveUp struct {
	Attempts int
	Last     error
}

func (e *ErrGaveUp) Error() string {
	return "retry: gave up after " + strconv.Itoa(e.Attempts) + " attempts: " + e.Last.Error()
}

func (e *ErrGaveUp) Unwrap() error { return e.Last }

// Do runs op, retrying on retryable errors per policy. It returns the
// last error (wrapped in ErrGaveUp) once attempts are exhausted, or
// immediately on a non-retryable error or context cancellation.
func Do(ctx context.Context, policy Policy, op func(ctx context.Context, attempt int) error) error {
	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		err := op(ctx, attempt)
		if err == nil {
			return nil
		}
		lastErr = err

		if policy.IsRetryable != nil && !policy.IsRetryable(err) {
			return err
		}
		if attempt == policy.MaxAttempts {
			break
		}

		delay := time.Duration(0)
		if idx := attempt - 1; idx < len(policy.Delays) {
			delay = policy.Delays[idx]
		}

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
	return &ErrGaveUp{Attempts: policy.MaxAttempts, Last: lastErr}
}

// IsRetryableHTTPLike reports whether err looks like a transient
// connection or HTTP error worth retrying, grounded on the substring
// checks in internal/ai/providers/openai.go's Chat method.
func IsRetryableHTTPLike(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{"connection reset", "connection refused", "eof", "timeout", "i/o timeout"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	var statusErr interface{ StatusCode() int }
	if errors.As(err, &statusErr) {
		switch statusErr.StatusCode() {
		case 429, 502, 503, 504:
			return true
		}
	}
	return false
}
