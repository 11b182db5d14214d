package hubchat

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	DefaultTypingTTL     = 3 * time.Second
	DefaultSweepInterval = time.Second
)

// PresenceTracker maps user names to the time their last start-typing event
// arrived. A user leaves the map on a stop-typing event or when the periodic
// sweep finds the entry older than the TTL; the sweep is what clears peers
// whose stop event never arrives.
//
// Snapshots are published to OnChange listeners in mutation order. Listeners
// must not call back into the tracker.
type PresenceTracker struct {
	ttl   time.Duration
	every time.Duration
	now   func() time.Time

	logger zerolog.Logger

	// publishMu orders mutation+publish sequences from the frame path and the sweep.
	publishMu sync.Mutex

	mu      sync.Mutex
	entries map[string]time.Time
	cancel  context.CancelFunc
	done    chan struct{}

	listeners listenerSet[[]string]
}

type PresenceOption func(*PresenceTracker)

// WithTTL sets how long an entry survives without a fresh start-typing event.
func WithTTL(d time.Duration) PresenceOption {
	return func(p *PresenceTracker) { p.ttl = d }
}

// WithSweepInterval sets the sweep period.
func WithSweepInterval(d time.Duration) PresenceOption {
	return func(p *PresenceTracker) { p.every = d }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) PresenceOption {
	return func(p *PresenceTracker) { p.now = now }
}

func WithPresenceLogger(l zerolog.Logger) PresenceOption {
	return func(p *PresenceTracker) { p.logger = l }
}

// NewPresenceTracker creates an idle tracker; call Start to run the sweep.
func NewPresenceTracker(opts ...PresenceOption) *PresenceTracker {
	p := &PresenceTracker{
		ttl:     DefaultTypingTTL,
		every:   DefaultSweepInterval,
		now:     time.Now,
		logger:  zerolog.Nop(),
		entries: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With().Str("component", "presence").Logger()
	return p
}

// OnChange registers a listener for typing snapshots (sorted names).
func (p *PresenceTracker) OnChange(fn func(users []string)) (unregister func()) {
	return p.listeners.add(fn)
}

// Observe applies a typing transition received from the broker.
func (p *PresenceTracker) Observe(ev TypingEvent) {
	if ev.UserName == "" {
		return
	}

	p.publishMu.Lock()
	defer p.publishMu.Unlock()

	p.mu.Lock()
	_, present := p.entries[ev.UserName]
	if ev.Typing {
		p.entries[ev.UserName] = p.now()
	} else {
		delete(p.entries, ev.UserName)
	}
	changed := ev.Typing != present
	snap := p.snapshotLocked()
	p.mu.Unlock()

	if changed {
		p.listeners.emit(snap, p.logger)
	}
}

// Sweep evicts every entry older than the TTL and publishes a snapshot if
// anything was evicted. It returns the number of evictions.
func (p *PresenceTracker) Sweep() int {
	p.publishMu.Lock()
	defer p.publishMu.Unlock()

	p.mu.Lock()
	now := p.now()
	evicted := 0
	for name, seen := range p.entries {
		if now.Sub(seen) > p.ttl {
			delete(p.entries, name)
			evicted++
		}
	}
	snap := p.snapshotLocked()
	p.mu.Unlock()

	if evicted > 0 {
		PresenceEvictionsTotal.Add(float64(evicted))
		p.logger.Debug().Int("evicted", evicted).Msg("typing entries expired")
		p.listeners.emit(snap, p.logger)
	}
	return evicted
}

// Reset forgets every entry, e.g. on project switch, and publishes an empty
// snapshot if the map was not already empty.
func (p *PresenceTracker) Reset() {
	p.publishMu.Lock()
	defer p.publishMu.Unlock()

	p.mu.Lock()
	had := len(p.entries) > 0
	p.entries = make(map[string]time.Time)
	p.mu.Unlock()

	if had {
		p.listeners.emit([]string{}, p.logger)
	}
}

// Snapshot returns the names currently typing, sorted.
func (p *PresenceTracker) Snapshot() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshotLocked()
}

// Start runs the sweep every interval until ctx is cancelled or Stop is
// called. A single goroutine owns the ticker, so sweeps never overlap.
func (p *PresenceTracker) Start(ctx context.Context) {
	p.mu.Lock()
	if p.cancel != nil {
		p.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	p.cancel = cancel
	p.done = done
	p.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(p.every)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.Sweep()
			}
		}
	}()
}

// Stop cancels the sweep and waits for an in-flight pass to finish.
func (p *PresenceTracker) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (p *PresenceTracker) snapshotLocked() []string {
	names := make([]string, 0, len(p.entries))
	for name := range p.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// TypingSummary renders a typing snapshot for display.
func TypingSummary(users []string) string {
	switch len(users) {
	case 0:
		return ""
	case 1:
		return users[0] + " is typing"
	default:
		return fmt.Sprintf("%d people are typing", len(users))
	}
}
