package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordSleeps replaces the real wait with a recorder.
func recordSleeps(p *Policy) *[]time.Duration {
	var waits []time.Duration
	p.Sleep = func(ctx context.Context, d time.Duration) error {
		waits = append(waits, d)
		return ctx.Err()
	}
	return &waits
}

func TestDoSucceedsAfterRetries(t *testing.T) {
	p := Constant(3, time.Second)
	waits := recordSleeps(&p)

	calls := 0
	v, err := Do(context.Background(), p, func(_ context.Context, attempt int) (string, error) {
		calls++
		assert.Equal(t, calls, attempt)
		if attempt < 3 {
			return "", errors.New("flaky")
		}
		return "ok", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{time.Second, time.Second}, *waits)
}

func TestDoExhausted(t *testing.T) {
	p := Constant(2, 0)
	recordSleeps(&p)
	boom := errors.New("boom")

	_, err := Do(context.Background(), p, func(context.Context, int) (int, error) {
		return 0, boom
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrExhausted)
	assert.ErrorIs(t, err, boom)

	var ex *ExhaustedError
	require.ErrorAs(t, err, &ex)
	assert.Equal(t, 2, ex.Attempts)
}

func TestDoNonRetryable(t *testing.T) {
	fatal := errors.New("fatal")
	p := Constant(5, 0)
	p.Retryable = func(err error) bool { return !errors.Is(err, fatal) }
	recordSleeps(&p)

	calls := 0
	_, err := Do(context.Background(), p, func(context.Context, int) (int, error) {
		calls++
		return 0, fatal
	})

	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, err, fatal)
	assert.NotErrorIs(t, err, ErrExhausted)
}

func TestDoOnRetryHook(t *testing.T) {
	p := Constant(3, 0)
	recordSleeps(&p)

	var seen []int
	p.OnRetry = func(_ context.Context, attempt int, err error) error {
		seen = append(seen, attempt)
		return nil
	}
	_, _ = Do(context.Background(), p, func(context.Context, int) (int, error) {
		return 0, errors.New("again")
	})
	assert.Equal(t, []int{1, 2}, seen, "hook runs between attempts, not after the last one")

	abort := errors.New("abort")
	p.OnRetry = func(context.Context, int, error) error { return abort }
	calls := 0
	_, err := Do(context.Background(), p, func(context.Context, int) (int, error) {
		calls++
		return 0, errors.New("again")
	})
	assert.ErrorIs(t, err, abort)
	assert.Equal(t, 1, calls)
}

func TestDoBackoffOverride(t *testing.T) {
	p := Constant(4, time.Second)
	p.Backoff = func(attempt int, _ error) time.Duration {
		return time.Duration(attempt) * 2 * time.Second
	}
	waits := recordSleeps(&p)

	_, _ = Do(context.Background(), p, func(context.Context, int) (int, error) {
		return 0, errors.New("x")
	})
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second, 6 * time.Second}, *waits)
}

func TestExponentialWait(t *testing.T) {
	p := Exponential(10, time.Second, 30*time.Second)
	want := []time.Duration{1, 2, 4, 8, 16, 30, 30}
	for i, w := range want {
		assert.Equal(t, w*time.Second, p.Wait(i+1, nil), "attempt %d", i+1)
	}
}

func TestJitterStaysInRange(t *testing.T) {
	p := Policy{Delay: time.Second, Jitter: 0.5}
	for i := 0; i < 100; i++ {
		d := p.Wait(1, nil)
		assert.GreaterOrEqual(t, d, 500*time.Millisecond)
		assert.LessOrEqual(t, d, 1500*time.Millisecond)
	}
}

func TestDoContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := Constant(3, time.Hour)

	calls := 0
	_, err := Do(ctx, p, func(context.Context, int) (int, error) {
		calls++
		cancel()
		return 0, errors.New("transient")
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestDoCancellationIsNotRetried(t *testing.T) {
	p := Constant(3, 0)
	recordSleeps(&p)

	calls := 0
	_, err := Do(context.Background(), p, func(context.Context, int) (int, error) {
		calls++
		return 0, context.Canceled
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestSleep(t *testing.T) {
	require.NoError(t, Sleep(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, Sleep(ctx, time.Hour), context.Canceled)
}
