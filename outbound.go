package hubchat

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// OutboundGateway publishes locally authored messages and typing transitions
// to the active project's topics. Publishing is fire-and-forget: a sent
// message becomes visible only when the broker echoes it back. Nothing is
// queued while disconnected.
type OutboundGateway struct {
	conn   *ConnectionManager
	logger zerolog.Logger

	mu        sync.Mutex
	projectID int64
	active    bool
}

// NewOutboundGateway creates a gateway with no active project.
func NewOutboundGateway(conn *ConnectionManager, logger zerolog.Logger) *OutboundGateway {
	return &OutboundGateway{conn: conn, logger: logger.With().Str("component", "outbound").Logger()}
}

// SetProject makes projectID the publish target.
func (g *OutboundGateway) SetProject(projectID int64) {
	g.mu.Lock()
	g.projectID, g.active = projectID, true
	g.mu.Unlock()
}

// ClearProject removes the publish target.
func (g *OutboundGateway) ClearProject() {
	g.mu.Lock()
	g.projectID, g.active = 0, false
	g.mu.Unlock()
}

// SendMessage publishes a chat message. content must be non-empty after
// trimming. ErrPublishDropped is returned when the connection is not up.
func (g *OutboundGateway) SendMessage(content, senderName, senderAvatar string) error {
	if strings.TrimSpace(content) == "" {
		return ErrEmptyMessage
	}
	projectID, ok := g.project()
	if !ok {
		return ErrNoActiveProject
	}
	return g.publish(ChatTopic(projectID), outboundChat{
		Content:      content,
		SenderName:   senderName,
		SenderAvatar: senderAvatar,
	})
}

// SendTyping publishes a start or stop typing transition.
func (g *OutboundGateway) SendTyping(senderName string, typing bool) error {
	projectID, ok := g.project()
	if !ok {
		return ErrNoActiveProject
	}
	return g.publish(TypingTopic(projectID), outboundTyping{UserName: senderName, Typing: typing})
}

func (g *OutboundGateway) project() (int64, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.projectID, g.active
}

func (g *OutboundGateway) publish(topic Topic, payload any) error {
	category := topic.Category.String()
	if g.conn.State() != StateConnected {
		PublishDroppedTotal.WithLabelValues(category).Inc()
		g.logger.Debug().Str("topic", topic.SendDestination()).Msg("publish dropped, not connected")
		return ErrPublishDropped
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", category, err)
	}
	if err := g.conn.Publish(topic.SendDestination(), body); err != nil {
		if errors.Is(err, ErrNotConnected) {
			PublishDroppedTotal.WithLabelValues(category).Inc()
			return ErrPublishDropped
		}
		return fmt.Errorf("publish %s: %w", topic.SendDestination(), err)
	}
	PublishedTotal.WithLabelValues(category).Inc()
	return nil
}
