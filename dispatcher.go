package hubchat

import (
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"
)

// Frame is one decoded inbound broker frame. Exactly one of Message or Typing
// is meaningful, selected by Topic.Category.
type Frame struct {
	Topic   Topic
	Message ChatMessage
	Typing  TypingEvent
}

// Handler receives decoded frames.
type Handler func(Frame)

// MessageDispatcher fans inbound frames out to the listeners registered for
// the frame's category. Listeners run synchronously in registration order;
// frames are never reordered, batched or coalesced.
type MessageDispatcher struct {
	logger zerolog.Logger
	chat   listenerSet[Frame]
	typing listenerSet[Frame]
}

// NewMessageDispatcher creates an empty dispatcher.
func NewMessageDispatcher(logger zerolog.Logger) *MessageDispatcher {
	return &MessageDispatcher{logger: logger.With().Str("component", "dispatcher").Logger()}
}

// Register adds a handler for one category. The returned func unregisters it
// and is safe to call from inside a handler.
func (d *MessageDispatcher) Register(category Category, h Handler) (unregister func()) {
	switch category {
	case CategoryChat:
		return d.chat.add(h)
	case CategoryTyping:
		return d.typing.add(h)
	default:
		return func() {}
	}
}

// OnMessage registers a chat message handler.
func (d *MessageDispatcher) OnMessage(h func(Topic, ChatMessage)) (unregister func()) {
	return d.Register(CategoryChat, func(f Frame) { h(f.Topic, f.Message) })
}

// OnTyping registers a typing transition handler.
func (d *MessageDispatcher) OnTyping(h func(Topic, TypingEvent)) (unregister func()) {
	return d.Register(CategoryTyping, func(f Frame) { h(f.Topic, f.Typing) })
}

// Deliver decodes body according to topic's category and dispatches it.
// Undecodable frames are counted and dropped.
func (d *MessageDispatcher) Deliver(topic Topic, body []byte) error {
	f := Frame{Topic: topic}
	var err error
	switch topic.Category {
	case CategoryChat:
		err = json.Unmarshal(body, &f.Message)
		if err == nil && f.Message.Type == "" {
			f.Message.Type = MessageTypeMessage
		}
	case CategoryTyping:
		err = json.Unmarshal(body, &f.Typing)
	default:
		err = fmt.Errorf("unknown category %d", topic.Category)
	}
	if err != nil {
		FramesRejectedTotal.WithLabelValues(topic.Category.String()).Inc()
		d.logger.Warn().Err(err).Str("topic", topic.String()).Msg("dropping undecodable frame")
		return fmt.Errorf("decode %s frame: %w", topic.Category, err)
	}

	FramesDeliveredTotal.WithLabelValues(topic.Category.String()).Inc()
	if topic.Category == CategoryChat {
		d.chat.emit(f, d.logger)
	} else {
		d.typing.emit(f, d.logger)
	}
	return nil
}
