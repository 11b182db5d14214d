package hubchat

import (
	"sync"
)

// messageKey is the identity used to recognise the same message arriving
// from both the history fetch and the live stream.
type messageKey struct {
	id        int64
	hasID     bool
	content   string
	sender    string
	timestamp int64
}

func keyOf(m ChatMessage) messageKey {
	if m.ID != nil {
		return messageKey{id: *m.ID, hasID: true}
	}
	return messageKey{content: m.Content, sender: m.SenderName, timestamp: m.Timestamp}
}

// Merge returns history followed by every live message not already present
// in history. Duplicates inside live are collapsed as well. The result does
// not alias either input.
func Merge(history, live []ChatMessage) []ChatMessage {
	out := make([]ChatMessage, 0, len(history)+len(live))
	seen := make(map[messageKey]struct{}, len(history)+len(live))
	for _, m := range history {
		seen[keyOf(m)] = struct{}{}
		out = append(out, m)
	}
	for _, m := range live {
		k := keyOf(m)
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, m)
	}
	return out
}

// HistoryMerger combines a one-shot history load with the live stream of one
// project. Live messages that arrive before the load resolves are buffered
// and merged by identity; after that they are appended as delivered.
//
// Every Begin starts a new epoch; results for an older epoch are ignored, so a
// fetch that resolves after a project switch cannot overwrite the new list.
type HistoryMerger struct {
	mu       sync.Mutex
	epoch    uint64
	resolved bool
	err      error
	messages []ChatMessage
	pending  []ChatMessage
}

// NewHistoryMerger creates a merger with no load in progress.
func NewHistoryMerger() *HistoryMerger {
	return &HistoryMerger{}
}

// Begin discards current state and starts waiting for a history result.
func (h *HistoryMerger) Begin() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.epoch++
	h.resolved = false
	h.err = nil
	h.messages = nil
	h.pending = nil
	return h.epoch
}

// Live records a message from the live stream.
func (h *HistoryMerger) Live(m ChatMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.resolved {
		h.messages = append(h.messages, m)
		return
	}
	h.pending = append(h.pending, m)
}

// Resolve installs the history for epoch. It reports false when epoch is stale.
func (h *HistoryMerger) Resolve(epoch uint64, history []ChatMessage) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if epoch != h.epoch || h.resolved {
		return false
	}
	h.messages = Merge(history, h.pending)
	h.pending = nil
	h.resolved = true
	return true
}

// Fail resolves epoch with an empty history and records err. Buffered live
// messages are kept and the live stream continues.
func (h *HistoryMerger) Fail(epoch uint64, err error) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if epoch != h.epoch || h.resolved {
		return false
	}
	h.messages = Merge(nil, h.pending)
	h.pending = nil
	h.resolved = true
	h.err = err
	return true
}

// Messages returns the current list: the merged list once resolved, otherwise
// the live messages buffered so far.
func (h *HistoryMerger) Messages() []ChatMessage {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.resolved {
		return append([]ChatMessage(nil), h.messages...)
	}
	return append([]ChatMessage(nil), h.pending...)
}

// Loaded reports whether history for the current epoch has resolved, and its error.
func (h *HistoryMerger) Loaded() (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.resolved, h.err
}
