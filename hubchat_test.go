package hubchat

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Helpers
// ============================================================================

func signToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-signing-key"))
	require.NoError(t, err)
	return s
}

func historyServer(t *testing.T, status int, body any) (*httptest.Server, *http.Request) {
	t.Helper()
	var seen http.Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = *r.Clone(context.Background())
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}))
	t.Cleanup(srv.Close)
	return srv, &seen
}

// ============================================================================
// ProjectMessages
// ============================================================================

func TestClient_ProjectMessages(t *testing.T) {
	t.Run("adapts history entries", func(t *testing.T) {
		srv, req := historyServer(t, http.StatusOK, []map[string]any{
			{"id": 1, "content": "first", "sender": "Sara", "createdAt": "2026-03-01T10:00:00Z", "type": "MESSAGE"},
			{"id": 2, "content": "joined", "sender": nil, "createdAt": 1772359200000, "type": "SYSTEM"},
			{"id": 3, "content": "no type", "sender": "Li", "createdAt": nil},
		})
		c := NewClient("tok", WithBaseURL(srv.URL+"/"))

		msgs, err := c.ProjectMessages(context.Background(), 42, 0)
		require.NoError(t, err)

		assert.Equal(t, "/api/chat/projects/42/messages", req.URL.Path)
		assert.Equal(t, "50", req.URL.Query().Get("limit"))
		assert.Equal(t, "Bearer tok", req.Header.Get("Authorization"))

		require.Len(t, msgs, 3)
		assert.Equal(t, []int64{1, 2, 3}, ids(msgs))
		assert.Equal(t, "Sara", msgs[0].SenderName)
		assert.Equal(t, time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC).UnixMilli(), msgs[0].Timestamp)
		assert.Equal(t, "Unknown", msgs[1].SenderName)
		assert.Equal(t, MessageTypeSystem, msgs[1].Type)
		assert.Equal(t, int64(1772359200000), msgs[1].Timestamp)
		assert.Equal(t, MessageTypeMessage, msgs[2].Type)
		assert.Equal(t, int64(0), msgs[2].Timestamp)
	})

	t.Run("keeps the most recent entries", func(t *testing.T) {
		items := make([]map[string]any, 0, 5)
		for i := 1; i <= 5; i++ {
			items = append(items, map[string]any{"id": i, "content": "m", "sender": "Sara"})
		}
		srv, _ := historyServer(t, http.StatusOK, items)
		c := NewClient("", WithBaseURL(srv.URL))

		msgs, err := c.ProjectMessages(context.Background(), 1, 2)
		require.NoError(t, err)
		assert.Equal(t, []int64{4, 5}, ids(msgs))
	})

	t.Run("no token sends no authorization", func(t *testing.T) {
		srv, req := historyServer(t, http.StatusOK, []any{})
		c := NewClient("", WithBaseURL(srv.URL))

		msgs, err := c.ProjectMessages(context.Background(), 1, 10)
		require.NoError(t, err)
		assert.Empty(t, msgs)
		assert.Empty(t, req.Header.Get("Authorization"))
	})

	t.Run("http error", func(t *testing.T) {
		srv, _ := historyServer(t, http.StatusForbidden, map[string]any{"status": 403, "error": "Forbidden", "message": "not a member"})
		c := NewClient("tok", WithBaseURL(srv.URL))

		_, err := c.ProjectMessages(context.Background(), 9, 10)
		var fetchErr *HistoryFetchError
		require.ErrorAs(t, err, &fetchErr)
		assert.Equal(t, int64(9), fetchErr.ProjectID)
		assert.Equal(t, http.StatusForbidden, fetchErr.StatusCode)

		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, "not a member", apiErr.Message)
	})

	t.Run("malformed body", func(t *testing.T) {
		srv, _ := historyServer(t, http.StatusOK, map[string]any{"not": "a list"})
		c := NewClient("", WithBaseURL(srv.URL))

		_, err := c.ProjectMessages(context.Background(), 1, 10)
		var fetchErr *HistoryFetchError
		assert.ErrorAs(t, err, &fetchErr)
	})

	t.Run("unreachable server", func(t *testing.T) {
		srv, _ := historyServer(t, http.StatusOK, []any{})
		srv.Close()
		c := NewClient("", WithBaseURL(srv.URL), WithTimeout(time.Second))

		_, err := c.ProjectMessages(context.Background(), 1, 10)
		var fetchErr *HistoryFetchError
		require.ErrorAs(t, err, &fetchErr)
		assert.Equal(t, 0, fetchErr.StatusCode)
	})

	t.Run("expired token is not sent", func(t *testing.T) {
		hits := 0
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { hits++ }))
		defer srv.Close()

		token := signToken(t, jwt.MapClaims{"sub": "sara", "exp": time.Now().Add(-time.Hour).Unix()})
		c := NewClient(token, WithBaseURL(srv.URL))

		_, err := c.ProjectMessages(context.Background(), 1, 10)
		assert.ErrorIs(t, err, ErrTokenExpired)
		assert.Equal(t, 0, hits)
	})
}

func TestParseCreatedAt(t *testing.T) {
	local := time.Date(2026, 3, 1, 9, 30, 15, 0, time.Local).UnixMilli()

	cases := []struct {
		name string
		raw  string
		want int64
	}{
		{"epoch millis", `1700000000000`, 1700000000000},
		{"rfc3339", `"2026-03-01T09:30:15Z"`, time.Date(2026, 3, 1, 9, 30, 15, 0, time.UTC).UnixMilli()},
		{"offset", `"2026-03-01T09:30:15+02:00"`, time.Date(2026, 3, 1, 7, 30, 15, 0, time.UTC).UnixMilli()},
		{"local datetime", `"2026-03-01T09:30:15"`, local},
		{"local datetime with fraction", `"2026-03-01T09:30:15.000123"`, local},
		{"space separated", `"2026-03-01 09:30:15"`, local},
		{"null", `null`, 0},
		{"garbage", `"yesterday"`, 0},
		{"empty", ``, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, parseCreatedAt(json.RawMessage(tc.raw)))
		})
	}
}

// ============================================================================
// Credentials
// ============================================================================

func TestInspectToken(t *testing.T) {
	exp := time.Now().Add(time.Hour).Truncate(time.Second)

	t.Run("claims", func(t *testing.T) {
		info, err := InspectToken(signToken(t, jwt.MapClaims{"sub": "u-1", "name": "Sara", "exp": exp.Unix()}))
		require.NoError(t, err)
		assert.Equal(t, "u-1", info.Subject)
		assert.Equal(t, "Sara", info.DisplayName())
		assert.True(t, info.ExpiresAt.Equal(exp))
		assert.False(t, info.Expired(time.Now()))
		assert.True(t, info.Expired(exp))
	})

	t.Run("subject fallback and no expiry", func(t *testing.T) {
		info, err := InspectToken(signToken(t, jwt.MapClaims{"sub": "sara@example.com"}))
		require.NoError(t, err)
		assert.Equal(t, "sara@example.com", info.DisplayName())
		assert.False(t, info.Expired(time.Now().Add(100*365*24*time.Hour)))
	})

	t.Run("not a jwt", func(t *testing.T) {
		_, err := InspectToken("opaque-api-key")
		assert.Error(t, err)
	})
}

func TestErrors(t *testing.T) {
	inner := errors.New("dial tcp: refused")
	err := error(&TransportConnectError{Err: inner})
	assert.ErrorIs(t, err, inner)
	assert.Contains(t, err.Error(), "broker connect")

	fetch := &HistoryFetchError{ProjectID: 4, StatusCode: 500, Err: &APIError{Code: "Internal Server Error"}}
	assert.Equal(t, "hubchat: history for project 4: HTTP 500: Internal Server Error", fetch.Error())
}
