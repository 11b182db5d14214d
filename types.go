package hubchat

import (
	"encoding/json"
	"strconv"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents an error body returned by the REST API.
type APIError struct {
	Status  int    `json:"status"`
	Code    string `json:"error"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return e.Code + ": " + e.Message
}

// ConnectionState represents the broker connection state.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateFailed       ConnectionState = "failed"
)

// ============================================================================
// Messages
// ============================================================================

// MessageType classifies a chat message.
type MessageType string

const (
	MessageTypeMessage      MessageType = "MESSAGE"
	MessageTypeSystem       MessageType = "SYSTEM"
	MessageTypeNotification MessageType = "NOTIFICATION"
)

// ChatMessage is a single message in a project chat. ID is nil until the
// server has assigned one. Timestamp is epoch milliseconds.
type ChatMessage struct {
	ID           *int64      `json:"id,omitempty"`
	Content      string      `json:"content"`
	SenderName   string      `json:"senderName"`
	SenderAvatar string      `json:"senderAvatar,omitempty"`
	Timestamp    int64       `json:"timestamp"`
	Type         MessageType `json:"type"`
}

// HasID reports whether the server assigned an id.
func (m ChatMessage) HasID() bool { return m.ID != nil }

// TypingEvent is a start/stop typing transition for one user.
type TypingEvent struct {
	UserName string `json:"userName"`
	Typing   bool   `json:"typing"`
}

// UnmarshalJSON accepts both "typing" and "isTyping" for the flag.
func (e *TypingEvent) UnmarshalJSON(data []byte) error {
	var raw struct {
		UserName string `json:"userName"`
		Typing   *bool  `json:"typing"`
		IsTyping *bool  `json:"isTyping"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	e.UserName = raw.UserName
	switch {
	case raw.Typing != nil:
		e.Typing = *raw.Typing
	case raw.IsTyping != nil:
		e.Typing = *raw.IsTyping
	default:
		e.Typing = false
	}
	return nil
}

// ============================================================================
// Topics
// ============================================================================

// Category is the kind of broker channel.
type Category int

const (
	CategoryChat Category = iota
	CategoryTyping
)

func (c Category) String() string {
	switch c {
	case CategoryChat:
		return "chat"
	case CategoryTyping:
		return "typing"
	default:
		return "unknown"
	}
}

const (
	topicPrefix = "/topic/chat/"
	appPrefix   = "/app/chat/"
)

// Topic identifies one project's chat or typing channel. Topics compare by value.
type Topic struct {
	Category  Category
	ProjectID int64
}

// ChatTopic returns the chat channel of a project.
func ChatTopic(projectID int64) Topic { return Topic{Category: CategoryChat, ProjectID: projectID} }

// TypingTopic returns the typing channel of a project.
func TypingTopic(projectID int64) Topic { return Topic{Category: CategoryTyping, ProjectID: projectID} }

// ProjectTopics returns both channels of a project.
func ProjectTopics(projectID int64) []Topic {
	return []Topic{ChatTopic(projectID), TypingTopic(projectID)}
}

// Destination is the broker path the client subscribes to.
func (t Topic) Destination() string {
	d := topicPrefix + strconv.FormatInt(t.ProjectID, 10)
	if t.Category == CategoryTyping {
		d += "/typing"
	}
	return d
}

// SendDestination is the broker path the client publishes to.
func (t Topic) SendDestination() string {
	d := appPrefix + strconv.FormatInt(t.ProjectID, 10)
	if t.Category == CategoryTyping {
		d += "/typing"
	}
	return d
}

func (t Topic) String() string { return t.Destination() }

// ============================================================================
// Wire payloads
// ============================================================================

type outboundChat struct {
	Content      string `json:"content"`
	SenderName   string `json:"senderName"`
	SenderAvatar string `json:"senderAvatar,omitempty"`
}

type outboundTyping struct {
	UserName string `json:"userName"`
	Typing   bool   `json:"typing"`
}

// historyItem is one entry of GET /api/chat/projects/{id}/messages.
type historyItem struct {
	ID        *int64          `json:"id"`
	Content   string          `json:"content"`
	Sender    string          `json:"sender"`
	CreatedAt json.RawMessage `json:"createdAt"`
	Type      string          `json:"type"`
}
