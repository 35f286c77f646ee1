package retry

import (
	"context"
	"math/rand"
	"time"
)

// Manager computes exponential backoff with jitter, capped at 16x the base delay.
type Manager struct {
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
}

func NewManager(maxAttempts int, baseDelay time.Duration) *Manager {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	return &Manager{
		maxAttempts: maxAttempts,
		baseDelay:   baseDelay,
		maxDelay:    baseDelay * 16,
	}
}

func (m *Manager) MaxAttempts() int { return m.maxAttempts }

// ShouldRetry reports whether another attempt is allowed after the given
// number of attempts and, if so, how long to wait first.
func (m *Manager) ShouldRetry(attempts int, retryable bool) (bool, time.Duration) {
	if !retryable || attempts >= m.maxAttempts {
		return false, 0
	}
	return true, m.Backoff(attempts)
}

// Backoff returns base * 2^(attempt-1) with +-25% jitter.
func (m *Manager) Backoff(attempt int) time.Duration {
	if attempt <= 0 || m.baseDelay <= 0 {
		return m.baseDelay
	}
	backoff := m.baseDelay * time.Duration(1<<(attempt-1))
	if backoff > m.maxDelay {
		backoff = m.maxDelay
	}
	if half := int64(backoff / 4); half > 0 {
		jitter := time.Duration(rand.Int63n(half))
		if rand.Intn(2) == 0 {
			backoff += jitter
		} else {
			backoff -= jitter
		}
	}
	return backoff
}

// Do runs fn until it succeeds, returns a non-retryable error or attempts run
// out. It returns the last error and the number of attempts made.
func (m *Manager) Do(ctx context.Context, retryable func(error) bool, fn func() error) (int, error) {
	attempts := 0
	for {
		attempts++
		err := fn()
		if err == nil {
			return attempts, nil
		}
		ok, delay := m.ShouldRetry(attempts, retryable(err))
		if !ok {
			return attempts, err
		}
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return attempts, err
		case <-t.C:
		}
	}
}
