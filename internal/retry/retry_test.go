package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackoffGrowsAndCaps(t *testing.T) {
	m := NewManager(10, 10*time.Millisecond)
	for attempt := 1; attempt <= 8; attempt++ {
		want := 10 * time.Millisecond * time.Duration(1<<(attempt-1))
		if want > 160*time.Millisecond {
			want = 160 * time.Millisecond
		}
		got := m.Backoff(attempt)
		assert.GreaterOrEqual(t, got, want*3/4, "attempt %d", attempt)
		assert.LessOrEqual(t, got, want*5/4, "attempt %d", attempt)
	}
}

func TestDoStopsOnNonRetryable(t *testing.T) {
	m := NewManager(5, time.Millisecond)
	fatal := errors.New("fatal")
	calls := 0
	attempts, err := m.Do(context.Background(), func(error) bool { return false }, func() error {
		calls++
		return fatal
	})
	require.ErrorIs(t, err, fatal)
	assert.Equal(t, 1, attempts)
	assert.Equal(t, 1, calls)
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	m := NewManager(3, time.Millisecond)
	busy := errors.New("busy")
	calls := 0
	attempts, err := m.Do(context.Background(), func(err error) bool { return errors.Is(err, busy) }, func() error {
		calls++
		if calls < 3 {
			return busy
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestDoGivesUpAfterMaxAttempts(t *testing.T) {
	m := NewManager(3, time.Millisecond)
	busy := errors.New("busy")
	attempts, err := m.Do(context.Background(), func(error) bool { return true }, func() error { return busy })
	require.ErrorIs(t, err, busy)
	assert.Equal(t, 3, attempts)
}
