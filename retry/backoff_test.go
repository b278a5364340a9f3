package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"pgregory.net/rapid"
)

// ---------------------------------------------------------------------------
// DefaultPolicy
// ---------------------------------------------------------------------------

func TestDefaultPolicy(t *testing.T) {
	p := DefaultPolicy()
	assert.Equal(t, 3, p.MaxRetries)
	assert.Equal(t, time.Second, p.InitialDelay)
	assert.Equal(t, 30*time.Second, p.MaxDelay)
	assert.Equal(t, 2.0, p.Multiplier)
	assert.True(t, p.Jitter)
}

// ---------------------------------------------------------------------------
// Do / DoWithResult
// ---------------------------------------------------------------------------

func fastPolicy(maxRetries int) *Policy {
	return &Policy{
		MaxRetries:   maxRetries,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
	}
}

func TestRetryer_SuccessFirstTry(t *testing.T) {
	r := NewBackoffRetryer(fastPolicy(3), zap.NewNop())

	calls := 0
	res, err := r.DoWithResult(context.Background(), func() (any, error) {
		calls++
		return "ok", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", res)
	assert.Equal(t, 1, calls)
}

func TestRetryer_RetriesThenSucceeds(t *testing.T) {
	r := NewBackoffRetryer(fastPolicy(3), zap.NewNop())

	calls := 0
	res, err := r.DoWithResult(context.Background(), func() (any, error) {
		calls++
		if calls < 3 {
			return nil, errors.New("transient")
		}
		return "ok", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", res)
	assert.Equal(t, 3, calls)
}

func TestRetryer_Exhaustion(t *testing.T) {
	r := NewBackoffRetryer(fastPolicy(2), zap.NewNop())

	failure := errors.New("always failing")
	calls := 0
	err := r.Do(context.Background(), func() error {
		calls++
		return failure
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, failure)
	assert.Equal(t, 3, calls) // 1 initial + 2 retries
}

func TestRetryer_ShouldRetryStops(t *testing.T) {
	fatal := errors.New("fatal")
	p := fastPolicy(5)
	p.ShouldRetry = func(attempt int, err error) bool {
		return !errors.Is(err, fatal)
	}
	r := NewBackoffRetryer(p, zap.NewNop())

	calls := 0
	err := r.Do(context.Background(), func() error {
		calls++
		return fatal
	})

	// 不可重试的错误原样返回，不再包装
	assert.Same(t, fatal, err)
	assert.Equal(t, 1, calls)
}

func TestRetryer_RetryOnceForParseLikeErrors(t *testing.T) {
	p := fastPolicy(5)
	p.ShouldRetry = func(attempt int, err error) bool {
		return attempt == 0
	}
	r := NewBackoffRetryer(p, zap.NewNop())

	calls := 0
	err := r.Do(context.Background(), func() error {
		calls++
		return errors.New("empty completion")
	})

	require.Error(t, err)
	assert.Equal(t, 2, calls)
}

func TestRetryer_ContextCancelDuringBackoff(t *testing.T) {
	p := &Policy{MaxRetries: 3, InitialDelay: time.Hour, MaxDelay: time.Hour, Multiplier: 2.0}
	r := NewBackoffRetryer(p, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := r.Do(ctx, func() error { return errors.New("boom") })
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRetryer_OnRetryCallback(t *testing.T) {
	var attempts []int
	p := fastPolicy(2)
	p.OnRetry = func(attempt int, err error, delay time.Duration) {
		attempts = append(attempts, attempt)
	}
	r := NewBackoffRetryer(p, zap.NewNop())

	_ = r.Do(context.Background(), func() error { return errors.New("boom") })
	assert.Equal(t, []int{1, 2}, attempts)
}

// ---------------------------------------------------------------------------
// calculateDelay bounds (property)
// ---------------------------------------------------------------------------

func TestCalculateDelay_Bounds(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		initial := time.Duration(rapid.Int64Range(int64(time.Millisecond), int64(5*time.Second)).Draw(rt, "initial"))
		max := initial + time.Duration(rapid.Int64Range(0, int64(time.Minute)).Draw(rt, "extra"))
		attempt := rapid.IntRange(1, 20).Draw(rt, "attempt")
		jitter := rapid.Bool().Draw(rt, "jitter")

		r := NewBackoffRetryer(&Policy{
			MaxRetries:   5,
			InitialDelay: initial,
			MaxDelay:     max,
			Multiplier:   2.0,
			Jitter:       jitter,
		}, zap.NewNop()).(*backoffRetryer)

		delay := r.calculateDelay(attempt)

		// 延迟始终落在 [initial, max*1.25] 内
		if delay < initial {
			rt.Fatalf("delay %v below initial %v", delay, initial)
		}
		upper := time.Duration(float64(max) * 1.25)
		if delay > upper {
			rt.Fatalf("delay %v above cap %v", delay, upper)
		}
	})
}
