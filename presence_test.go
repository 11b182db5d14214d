package hubchat

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type snapshotRecorder struct {
	mu    sync.Mutex
	snaps [][]string
}

func (r *snapshotRecorder) record(users []string) {
	r.mu.Lock()
	r.snaps = append(r.snaps, users)
	r.mu.Unlock()
}

func (r *snapshotRecorder) get() [][]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]string(nil), r.snaps...)
}

func TestPresenceTracker_Observe(t *testing.T) {
	t.Run("start and stop", func(t *testing.T) {
		p := NewPresenceTracker()
		rec := &snapshotRecorder{}
		p.OnChange(rec.record)

		p.Observe(TypingEvent{UserName: "Sara", Typing: true})
		p.Observe(TypingEvent{UserName: "Li", Typing: true})
		p.Observe(TypingEvent{UserName: "Sara", Typing: false})

		assert.Equal(t, []string{"Li"}, p.Snapshot())
		assert.Equal(t, [][]string{{"Sara"}, {"Li", "Sara"}, {"Li"}}, rec.get())
	})

	t.Run("refresh and unknown stop publish nothing", func(t *testing.T) {
		p := NewPresenceTracker()
		rec := &snapshotRecorder{}
		p.OnChange(rec.record)

		p.Observe(TypingEvent{UserName: "Sara", Typing: true})
		p.Observe(TypingEvent{UserName: "Sara", Typing: true})
		p.Observe(TypingEvent{UserName: "Omar", Typing: false})

		assert.Len(t, rec.get(), 1)
	})

	t.Run("empty name ignored", func(t *testing.T) {
		p := NewPresenceTracker()
		p.Observe(TypingEvent{Typing: true})
		assert.Empty(t, p.Snapshot())
	})
}

func TestPresenceTracker_Sweep(t *testing.T) {
	t.Run("evicts after ttl", func(t *testing.T) {
		clock := newFakeClock()
		p := NewPresenceTracker(WithClock(clock.Now))
		rec := &snapshotRecorder{}
		p.OnChange(rec.record)

		p.Observe(TypingEvent{UserName: "Sara", Typing: true})

		clock.Advance(DefaultTypingTTL)
		assert.Equal(t, 0, p.Sweep(), "an entry exactly at the ttl survives")
		assert.Equal(t, []string{"Sara"}, p.Snapshot())

		clock.Advance(time.Millisecond)
		assert.Equal(t, 1, p.Sweep())
		assert.Empty(t, p.Snapshot())
		assert.Equal(t, [][]string{{"Sara"}, {}}, rec.get())
	})

	t.Run("refresh extends the entry", func(t *testing.T) {
		clock := newFakeClock()
		p := NewPresenceTracker(WithClock(clock.Now))

		p.Observe(TypingEvent{UserName: "Sara", Typing: true})
		clock.Advance(2 * time.Second)
		p.Observe(TypingEvent{UserName: "Sara", Typing: true})
		clock.Advance(2 * time.Second)

		assert.Equal(t, 0, p.Sweep())
		assert.Equal(t, []string{"Sara"}, p.Snapshot())
	})

	t.Run("only stale entries go", func(t *testing.T) {
		clock := newFakeClock()
		p := NewPresenceTracker(WithClock(clock.Now), WithTTL(time.Second))

		p.Observe(TypingEvent{UserName: "Sara", Typing: true})
		clock.Advance(800 * time.Millisecond)
		p.Observe(TypingEvent{UserName: "Li", Typing: true})
		clock.Advance(400 * time.Millisecond)

		assert.Equal(t, 1, p.Sweep())
		assert.Equal(t, []string{"Li"}, p.Snapshot())
	})

	t.Run("sweep with nothing to evict is silent", func(t *testing.T) {
		p := NewPresenceTracker()
		rec := &snapshotRecorder{}
		p.OnChange(rec.record)
		assert.Equal(t, 0, p.Sweep())
		assert.Empty(t, rec.get())
	})
}

func TestPresenceTracker_Reset(t *testing.T) {
	p := NewPresenceTracker()
	rec := &snapshotRecorder{}
	p.OnChange(rec.record)

	p.Reset()
	assert.Empty(t, rec.get(), "reset of an empty map publishes nothing")

	p.Observe(TypingEvent{UserName: "Sara", Typing: true})
	p.Reset()
	assert.Empty(t, p.Snapshot())
	assert.Equal(t, [][]string{{"Sara"}, {}}, rec.get())
}

func TestPresenceTracker_StartStop(t *testing.T) {
	p := NewPresenceTracker(WithTTL(20*time.Millisecond), WithSweepInterval(5*time.Millisecond))
	p.Start(context.Background())
	p.Start(context.Background())
	defer p.Stop()

	p.Observe(TypingEvent{UserName: "Sara", Typing: true})
	require.Eventually(t, func() bool { return len(p.Snapshot()) == 0 }, time.Second, 5*time.Millisecond)

	p.Stop()
	p.Observe(TypingEvent{UserName: "Li", Typing: true})
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, []string{"Li"}, p.Snapshot(), "no sweep after stop")
}

func TestTypingSummary(t *testing.T) {
	assert.Equal(t, "", TypingSummary(nil))
	assert.Equal(t, "Sara is typing", TypingSummary([]string{"Sara"}))
	assert.Equal(t, "3 people are typing", TypingSummary([]string{"A", "B", "C"}))
}
