package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	hubchat "github.com/innovision/productivityhub/sdk/golang"
)

var errNoToken = errors.New("no token configured, run 'hubchat init <token>' first")

// requireConfig loads the effective config and checks that a token is present.
func requireConfig() (*Config, error) {
	cfg, err := loadEffectiveConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Auth.Token == "" {
		return nil, errNoToken
	}
	return cfg, nil
}

func baseURL(cfg *Config) string {
	return valueOrDefault(cfg.Default.BaseURL, hubchat.DefaultBaseURL)
}

func brokerURL(cfg *Config) string {
	if cfg.Default.BrokerURL != "" {
		return cfg.Default.BrokerURL
	}
	return hubchat.BrokerURL(baseURL(cfg))
}

func historyLimit(cfg *Config) int {
	if cfg.Default.HistoryLimit > 0 {
		return cfg.Default.HistoryLimit
	}
	return hubchat.DefaultHistoryLimit
}

// newClient creates a REST client authenticated with the configured token.
func newClient(cfg *Config) *hubchat.Client {
	return hubchat.NewClient(cfg.Auth.Token,
		hubchat.WithBaseURL(baseURL(cfg)),
		hubchat.WithClientLogger(logger),
	)
}

// newConnection creates the broker connection for this process. With retry
// set it reconnects with exponential backoff.
func newConnection(cfg *Config, retry bool) *hubchat.ConnectionManager {
	transport := hubchat.NewStompTransport(brokerURL(cfg),
		hubchat.WithBearerToken(cfg.Auth.Token),
		hubchat.WithClientID("hubchat-cli-"+uuid.NewString()),
		hubchat.WithHeartbeat(10*time.Second),
		hubchat.WithTransportLogger(logger),
	)
	opts := []hubchat.ConnectionOption{hubchat.WithConnectionLogger(logger)}
	if retry {
		opts = append(opts, hubchat.WithRetryPolicy(hubchat.NewBackoffRetry(time.Second, 30*time.Second, 0)))
	}
	return hubchat.NewConnectionManager(transport, opts...)
}

// senderName is the name messages are sent under.
func senderName(cfg *Config) string {
	if cfg.Auth.UserName != "" {
		return cfg.Auth.UserName
	}
	if info, err := hubchat.InspectToken(cfg.Auth.Token); err == nil && info.DisplayName() != "" {
		return info.DisplayName()
	}
	return "Anonymous"
}

// formatMessage renders one chat line.
func formatMessage(m hubchat.ChatMessage) string {
	ts := "--:--"
	if m.Timestamp > 0 {
		ts = time.UnixMilli(m.Timestamp).Format("15:04")
	}
	if m.Type != hubchat.MessageTypeMessage {
		return fmt.Sprintf("[%s] * %s", ts, m.Content)
	}
	return fmt.Sprintf("[%s] %s: %s", ts, m.SenderName, m.Content)
}

// maskKey shows the first 8 and last 4 characters of a token.
func maskKey(key string) string {
	if len(key) <= 12 {
		return "****"
	}
	return key[:8] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
