// Package hubchat is the realtime chat and typing-presence client of the
// Productivity Hub workspace.
//
// One ConnectionManager owns the broker connection for the whole process.
// Each chat view creates a Session on top of it; the Session keeps the
// broker subscriptions in line with the active project, merges the history
// page with the live stream and tracks who is typing.
//
// Example:
//
//	client := hubchat.NewClient(token, hubchat.WithBaseURL("http://localhost:8080"))
//	transport := hubchat.NewStompTransport("ws://localhost:8080/ws/websocket", hubchat.WithBearerToken(token))
//	conn := hubchat.NewConnectionManager(transport)
//
//	session := hubchat.NewSession(conn, client)
//	defer session.Close()
//	session.OnMessages(func(msgs []hubchat.ChatMessage) { render(msgs) })
//
//	_ = conn.Connect(ctx)
//	session.SetProject(ctx, 42)
//	session.SendMessage("hello", "Sara", "")
package hubchat

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	DefaultBaseURL      = "http://localhost:8080"
	DefaultTimeout      = 30 * time.Second
	DefaultHistoryLimit = 50
)

// HistorySource loads a bounded page of past messages for a project.
type HistorySource interface {
	ProjectMessages(ctx context.Context, projectID int64, limit int) ([]ChatMessage, error)
}

// ============================================================================
// Client
// ============================================================================

// Client talks to the workspace REST API.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
	now        func() time.Time
	logger     zerolog.Logger
}

type ClientOption func(*Client)

func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithClientLogger(l zerolog.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// NewClient creates a REST client. token is the bearer credential; pass ""
// for unauthenticated access.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		now:    time.Now,
		logger: zerolog.Nop(),
	}

	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With().Str("component", "history").Logger()
	return c
}

// SetToken replaces the bearer credential.
func (c *Client) SetToken(token string) {
	c.token = token
}

// BaseURL returns the REST base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values) (int, []byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read body: %w", err)
	}
	return resp.StatusCode, data, nil
}

// ============================================================================
// Chat history
// ============================================================================

// ProjectMessages fetches the chat history of a project, oldest first, keeping
// at most the limit most recent entries (limit <= 0 uses DefaultHistoryLimit).
// Failures are returned as *HistoryFetchError.
func (c *Client) ProjectMessages(ctx context.Context, projectID int64, limit int) ([]ChatMessage, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	timer := NewTimer()

	msgs, err := c.projectMessages(ctx, projectID, limit)
	if err != nil {
		timer.ObserveDuration(HistoryFetchDuration.WithLabelValues("error"))
		c.logger.Warn().Err(err).Int64("project_id", projectID).Msg("history fetch failed")
		return nil, err
	}
	timer.ObserveDuration(HistoryFetchDuration.WithLabelValues("ok"))
	c.logger.Debug().Int64("project_id", projectID).Int("messages", len(msgs)).Msg("history loaded")
	return msgs, nil
}

func (c *Client) projectMessages(ctx context.Context, projectID int64, limit int) ([]ChatMessage, error) {
	if c.token != "" {
		if info, err := InspectToken(c.token); err == nil && info.Expired(c.now()) {
			return nil, &HistoryFetchError{ProjectID: projectID, Err: ErrTokenExpired}
		}
	}

	path := "/api/chat/projects/" + strconv.FormatInt(projectID, 10) + "/messages"
	query := url.Values{"limit": []string{strconv.Itoa(limit)}}
	status, data, err := c.doRequest(ctx, http.MethodGet, path, query)
	if err != nil {
		return nil, &HistoryFetchError{ProjectID: projectID, StatusCode: status, Err: err}
	}
	if status < 200 || status >= 300 {
		apiErr := &APIError{Status: status, Code: http.StatusText(status)}
		_ = json.Unmarshal(data, apiErr)
		return nil, &HistoryFetchError{ProjectID: projectID, StatusCode: status, Err: apiErr}
	}

	var items []historyItem
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, &HistoryFetchError{ProjectID: projectID, StatusCode: status, Err: fmt.Errorf("failed to unmarshal response: %w", err)}
	}
	if len(items) > limit {
		items = items[len(items)-limit:]
	}

	msgs := make([]ChatMessage, 0, len(items))
	for _, it := range items {
		msgs = append(msgs, it.toMessage())
	}
	return msgs, nil
}

func (it historyItem) toMessage() ChatMessage {
	m := ChatMessage{
		ID:         it.ID,
		Content:    it.Content,
		SenderName: it.Sender,
		Timestamp:  parseCreatedAt(it.CreatedAt),
		Type:       MessageType(it.Type),
	}
	if m.SenderName == "" {
		m.SenderName = "Unknown"
	}
	if m.Type == "" {
		m.Type = MessageTypeMessage
	}
	return m
}

var createdAtLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
}

// parseCreatedAt converts a server timestamp to epoch millis. Zone-less
// timestamps are read as local time. Unparseable input yields 0.
func parseCreatedAt(raw json.RawMessage) int64 {
	if len(raw) == 0 || string(raw) == "null" {
		return 0
	}
	var ms int64
	if err := json.Unmarshal(raw, &ms); err == nil {
		return ms
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0
	}
	for _, layout := range createdAtLayouts {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t.UnixMilli()
		}
	}
	return 0
}
