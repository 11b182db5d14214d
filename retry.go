package hubchat

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryPolicy decides whether and when the ConnectionManager reconnects after
// a failed handshake or a lost connection.
type RetryPolicy interface {
	// NextDelay returns the wait before the next attempt, or false to stop.
	NextDelay() (time.Duration, bool)
	// Reset is called after a successful connect.
	Reset()
}

// NoRetry never reconnects. The caller re-invokes Connect, e.g. on remount.
type NoRetry struct{}

func (NoRetry) NextDelay() (time.Duration, bool) { return 0, false }
func (NoRetry) Reset()                           {}

// BackoffRetry reconnects with exponential backoff and jitter, up to
// MaxAttempts consecutive failures (0 means unlimited).
type BackoffRetry struct {
	mu          sync.Mutex
	b           *backoff.ExponentialBackOff
	maxAttempts int
	attempt     int
}

// NewBackoffRetry creates a backoff policy. Zero durations fall back to 1s base and 30s cap.
func NewBackoffRetry(base, max time.Duration, maxAttempts int) *BackoffRetry {
	if base <= 0 {
		base = time.Second
	}
	if max <= 0 {
		max = 30 * time.Second
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.MaxInterval = max
	b.Multiplier = 2
	b.RandomizationFactor = 0.5
	b.Reset()
	return &BackoffRetry{b: b, maxAttempts: maxAttempts}
}

func (r *BackoffRetry) NextDelay() (time.Duration, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.maxAttempts > 0 && r.attempt >= r.maxAttempts {
		return 0, false
	}
	d := r.b.NextBackOff()
	if d == backoff.Stop {
		return 0, false
	}
	r.attempt++
	return d, true
}

func (r *BackoffRetry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempt = 0
	r.b.Reset()
}

// Attempts returns the number of delays handed out since the last Reset.
func (r *BackoffRetry) Attempts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempt
}
