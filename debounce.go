package hubchat

import (
	"sync"
	"time"
)

const DefaultTypingIdle = time.Second

// TypingDebouncer collapses a burst of keystrokes into one start-typing and
// one stop-typing publish. The first keystroke of a burst publishes start;
// every keystroke re-arms an idle timer; when the timer fires stop is
// published. It shares no state with the PresenceTracker sweep.
type TypingDebouncer struct {
	idle    time.Duration
	publish func(name string, typing bool)

	mu     sync.Mutex
	typing bool
	name   string
	timer  *time.Timer
	gen    uint64
	closed bool
}

// NewTypingDebouncer creates a debouncer calling publish on each boundary transition.
func NewTypingDebouncer(idle time.Duration, publish func(name string, typing bool)) *TypingDebouncer {
	if idle <= 0 {
		idle = DefaultTypingIdle
	}
	return &TypingDebouncer{idle: idle, publish: publish}
}

// Keystroke records local input activity by name. A keystroke under a new
// name closes the open burst of the previous one first.
func (d *TypingDebouncer) Keystroke(name string) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	var prev string
	var handover bool
	if d.typing && d.name != name {
		prev, handover = d.endLocked()
	}
	start := !d.typing
	d.typing = true
	d.name = name
	d.gen++
	gen := d.gen
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.idle, func() { d.expire(gen) })
	d.mu.Unlock()

	if handover {
		d.publish(prev, false)
	}
	if start {
		d.publish(name, true)
	}
}

// Typing reports whether a start has been published without a matching stop.
func (d *TypingDebouncer) Typing() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.typing
}

// Flush ends the current burst immediately, publishing stop if one is open.
func (d *TypingDebouncer) Flush() {
	d.mu.Lock()
	name, was := d.endLocked()
	d.mu.Unlock()

	if was {
		d.publish(name, false)
	}
}

// Close flushes and disables further keystrokes.
func (d *TypingDebouncer) Close() {
	d.mu.Lock()
	d.closed = true
	name, was := d.endLocked()
	d.mu.Unlock()

	if was {
		d.publish(name, false)
	}
}

func (d *TypingDebouncer) expire(gen uint64) {
	d.mu.Lock()
	if gen != d.gen || !d.typing {
		d.mu.Unlock()
		return
	}
	name, _ := d.endLocked()
	d.mu.Unlock()

	d.publish(name, false)
}

func (d *TypingDebouncer) endLocked() (string, bool) {
	d.gen++
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	was := d.typing
	d.typing = false
	return d.name, was
}
