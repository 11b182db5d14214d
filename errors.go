package hubchat

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned by transport operations attempted without a live connection.
	ErrNotConnected = errors.New("hubchat: not connected")

	// ErrSubscriptionUnavailable marks a reconcile that was cached because the
	// connection was down. It is recovered locally and never returned to callers.
	ErrSubscriptionUnavailable = errors.New("hubchat: subscriptions unavailable while disconnected")

	// ErrPublishDropped is returned by the gateway when a publish was discarded
	// because the connection was not up. There is no outbound queue.
	ErrPublishDropped = errors.New("hubchat: publish dropped")

	ErrEmptyMessage    = errors.New("hubchat: message content is empty")
	ErrNoActiveProject = errors.New("hubchat: no active project")
	ErrTokenExpired    = errors.New("hubchat: bearer token expired")
	ErrConnectAborted  = errors.New("hubchat: connect aborted by disconnect")
	ErrSessionClosed   = errors.New("hubchat: session closed")
)

// TransportConnectError is a failed broker handshake. The attempt is terminal;
// callers recover by invoking Connect again.
type TransportConnectError struct {
	Err error
}

func (e *TransportConnectError) Error() string {
	return fmt.Sprintf("hubchat: broker connect: %v", e.Err)
}

func (e *TransportConnectError) Unwrap() error { return e.Err }

// HistoryFetchError is a failed one-shot history load.
type HistoryFetchError struct {
	ProjectID  int64
	StatusCode int
	Err        error
}

func (e *HistoryFetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("hubchat: history for project %d: HTTP %d: %v", e.ProjectID, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("hubchat: history for project %d: %v", e.ProjectID, e.Err)
}

func (e *HistoryFetchError) Unwrap() error { return e.Err }
