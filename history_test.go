package hubchat

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func msgWithID(id int64, content string) ChatMessage {
	return ChatMessage{ID: int64p(id), Content: content, SenderName: "Sara", Type: MessageTypeMessage}
}

func ids(msgs []ChatMessage) []int64 {
	out := make([]int64, 0, len(msgs))
	for _, m := range msgs {
		if m.ID == nil {
			out = append(out, -1)
			continue
		}
		out = append(out, *m.ID)
	}
	return out
}

func TestMerge(t *testing.T) {
	t.Run("live after history without duplicates", func(t *testing.T) {
		history := []ChatMessage{msgWithID(1, "a")}
		live := []ChatMessage{msgWithID(1, "a"), msgWithID(2, "b")}
		assert.Equal(t, []int64{1, 2}, ids(Merge(history, live)))
	})

	t.Run("idempotent", func(t *testing.T) {
		history := []ChatMessage{msgWithID(1, "a"), msgWithID(2, "b")}
		live := []ChatMessage{msgWithID(2, "b"), msgWithID(3, "c")}
		once := Merge(history, live)
		assert.Equal(t, once, Merge(once, live))
	})

	t.Run("messages without id match on content sender and time", func(t *testing.T) {
		a := ChatMessage{Content: "x", SenderName: "Li", Timestamp: 10}
		b := ChatMessage{Content: "x", SenderName: "Li", Timestamp: 11}
		got := Merge([]ChatMessage{a}, []ChatMessage{a, b, b})
		assert.Equal(t, []ChatMessage{a, b}, got)
	})

	t.Run("result does not alias inputs", func(t *testing.T) {
		history := []ChatMessage{msgWithID(1, "a")}
		got := Merge(history, nil)
		got[0].Content = "changed"
		assert.Equal(t, "a", history[0].Content)
	})
}

func TestHistoryMerger(t *testing.T) {
	t.Run("buffers live until resolved", func(t *testing.T) {
		h := NewHistoryMerger()
		epoch := h.Begin()

		h.Live(msgWithID(3, "live"))
		assert.Equal(t, []int64{3}, ids(h.Messages()))
		loaded, _ := h.Loaded()
		assert.False(t, loaded)

		require.True(t, h.Resolve(epoch, []ChatMessage{msgWithID(1, "a"), msgWithID(3, "live")}))
		assert.Equal(t, []int64{1, 3}, ids(h.Messages()))

		h.Live(msgWithID(4, "after"))
		assert.Equal(t, []int64{1, 3, 4}, ids(h.Messages()))
	})

	t.Run("stale epoch is ignored", func(t *testing.T) {
		h := NewHistoryMerger()
		old := h.Begin()
		current := h.Begin()

		assert.False(t, h.Resolve(old, []ChatMessage{msgWithID(1, "from A")}))
		assert.False(t, h.Fail(old, errors.New("late")))
		assert.Empty(t, h.Messages())

		require.True(t, h.Resolve(current, []ChatMessage{msgWithID(9, "from B")}))
		assert.Equal(t, []int64{9}, ids(h.Messages()))
		assert.False(t, h.Resolve(current, nil), "resolves once")
	})

	t.Run("failure keeps the live stream", func(t *testing.T) {
		h := NewHistoryMerger()
		epoch := h.Begin()
		h.Live(msgWithID(5, "live"))

		boom := errors.New("boom")
		require.True(t, h.Fail(epoch, boom))
		loaded, err := h.Loaded()
		assert.True(t, loaded)
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, []int64{5}, ids(h.Messages()))

		h.Live(msgWithID(6, "more"))
		assert.Equal(t, []int64{5, 6}, ids(h.Messages()))
	})

	t.Run("begin clears", func(t *testing.T) {
		h := NewHistoryMerger()
		h.Resolve(h.Begin(), []ChatMessage{msgWithID(1, "a")})
		h.Begin()
		assert.Empty(t, h.Messages())
		loaded, err := h.Loaded()
		assert.False(t, loaded)
		assert.NoError(t, err)
	})
}
