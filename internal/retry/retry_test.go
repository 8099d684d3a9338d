package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDo_SucceedsWithoutRetry(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Policy{MaxAttempts: 3, Delays: nil}, func(ctx context.Context, attempt int) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_RetriesUpToMaxAttempts(t *testing.T) {
	calls := 0
	policy := Policy{
		MaxAttempts: 3,
		Delays:      []time.Duration{time.Millisecond, time.Millisecond},
		IsRetryable: func(error) bool { return true },
	}
	err := Do(context.Background(), policy, func(ctx context.Context, attempt int) error {
		calls++
		return errors.New("transient")
	})
	require.Error(t, err)

	var gaveUp *ErrGaveUp
	require.ErrorAs(t, err, &gaveUp)
	assert.Equal(t, 3, gaveUp.Attempts)
	assert.Equal(t, 3, calls)
}

func TestDo_NonRetryableStopsImmediately(t *testing.T) {
	calls := 0
	policy := Policy{
		MaxAttempts: 3,
		Delays:      []time.Duration{time.Millisecond, time.Millisecond},
		IsRetryable: func(error) bool { return false },
	}
	sentinel := errors.New("fatal")
	err := Do(context.Background(), policy, func(ctx context.Context, attempt int) error {
		calls++
		return sentinel
	})
	require.ErrorIs(t, err, sentinel)
	assert.Equal(t, 1, calls, "non-retryable must not retry")
}

func TestDo_ContextCancellationStopsWaiting(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	policy := Policy{
		MaxAttempts: 5,
		Delays:      []time.Duration{time.Hour},
		IsRetryable: func(error) bool { return true },
	}
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err := Do(ctx, policy, func(ctx context.Context, attempt int) error {
		return errors.New("transient")
	})
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second, "Do() did not stop promptly after context cancellation")
}

func TestIsRetryableHTTPLike(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{errors.New("dial tcp: connection refused"), true},
		{errors.New("read: connection reset by peer"), true},
		{errors.New("unexpected EOF"), true},
		{errors.New("context deadline exceeded: timeout"), true},
		{errors.New("permission denied"), false},
		{&fakeStatusErr{code: 503}, true},
		{&fakeStatusErr{code: 404}, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IsRetryableHTTPLike(tt.err), "IsRetryableHTTPLike(%v)", tt.err)
	}
}

type fakeStatusErr struct{ code int }

func (e *fakeStatusErr) Error() string   { return "status error" }
func (e *fakeStatusErr) StatusCode() int { return e.code }
