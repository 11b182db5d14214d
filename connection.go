package hubchat

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ============================================================================
// Transport
// ============================================================================

// Transport is a topic-based publish/subscribe broker connection.
type Transport interface {
	// Connect performs the handshake. onLost is called at most once, from a
	// goroutine of the transport, if the connection later drops without Close.
	Connect(ctx context.Context, onLost func(error)) error
	// Subscribe delivers every frame on destination to handler, in arrival order.
	Subscribe(destination string, handler func(body []byte)) (unsubscribe func() error, err error)
	Publish(destination string, body []byte) error
	Close() error
}

// ============================================================================
// ConnectionManager
// ============================================================================

// ConnectionManager owns the single broker connection of a client process and
// its state machine. Views share one manager; they never touch the transport.
type ConnectionManager struct {
	transport   Transport
	retry       RetryPolicy
	dialTimeout time.Duration
	logger      zerolog.Logger

	// notifyMu serializes state transitions with their notifications so
	// observers see transitions in order.
	notifyMu sync.Mutex

	mu         sync.Mutex
	state      ConnectionState
	gen        uint64
	retryTimer *time.Timer

	listeners listenerSet[ConnectionState]
}

type ConnectionOption func(*ConnectionManager)

// WithRetryPolicy sets the reconnection policy. The default is NoRetry.
func WithRetryPolicy(p RetryPolicy) ConnectionOption {
	return func(m *ConnectionManager) { m.retry = p }
}

// WithDialTimeout bounds reconnect attempts scheduled by the retry policy.
func WithDialTimeout(d time.Duration) ConnectionOption {
	return func(m *ConnectionManager) { m.dialTimeout = d }
}

func WithConnectionLogger(l zerolog.Logger) ConnectionOption {
	return func(m *ConnectionManager) { m.logger = l }
}

// NewConnectionManager creates a manager in the disconnected state.
func NewConnectionManager(t Transport, opts ...ConnectionOption) *ConnectionManager {
	m := &ConnectionManager{
		transport:   t,
		retry:       NoRetry{},
		dialTimeout: 15 * time.Second,
		logger:      zerolog.Nop(),
		state:       StateDisconnected,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With().Str("component", "connection").Logger()
	return m
}

// State returns the current connection state.
func (m *ConnectionManager) State() ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// OnStateChange registers an observer for state transitions. Observers run
// synchronously and must not call Connect or Disconnect.
func (m *ConnectionManager) OnStateChange(fn func(ConnectionState)) (unregister func()) {
	return m.listeners.add(fn)
}

// Connect establishes the broker connection. It is a no-op while connecting
// or connected. A failed handshake moves the state to failed and returns a
// *TransportConnectError; the retry policy decides whether another attempt
// is scheduled.
func (m *ConnectionManager) Connect(ctx context.Context) error {
	m.notifyMu.Lock()
	m.mu.Lock()
	if m.state == StateConnecting || m.state == StateConnected {
		m.mu.Unlock()
		m.notifyMu.Unlock()
		return nil
	}
	m.stopRetryLocked()
	m.gen++
	gen := m.gen
	m.state = StateConnecting
	m.mu.Unlock()
	m.listeners.emit(StateConnecting, m.logger)
	m.notifyMu.Unlock()

	m.logger.Debug().Msg("connecting to broker")
	err := m.transport.Connect(ctx, func(lostErr error) { m.handleLost(gen, lostErr) })

	m.notifyMu.Lock()
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		m.notifyMu.Unlock()
		if err == nil {
			_ = m.transport.Close()
		}
		return ErrConnectAborted
	}
	if err != nil {
		m.state = StateFailed
		m.mu.Unlock()
		ConnectAttemptsTotal.WithLabelValues("failure").Inc()
		m.logger.Warn().Err(err).Msg("broker connect failed")
		m.listeners.emit(StateFailed, m.logger)
		m.notifyMu.Unlock()
		m.scheduleRetry(gen)
		return &TransportConnectError{Err: err}
	}
	m.state = StateConnected
	m.mu.Unlock()
	m.retry.Reset()
	ConnectAttemptsTotal.WithLabelValues("success").Inc()
	m.logger.Info().Msg("broker connected")
	m.listeners.emit(StateConnected, m.logger)
	m.notifyMu.Unlock()
	return nil
}

// Disconnect moves to the disconnected state, cancels any scheduled retry and
// tears down the transport if it was connected. All subscriptions are invalid
// afterwards.
func (m *ConnectionManager) Disconnect() error {
	m.notifyMu.Lock()
	m.mu.Lock()
	m.stopRetryLocked()
	if m.state == StateDisconnected {
		m.mu.Unlock()
		m.notifyMu.Unlock()
		return nil
	}
	wasConnected := m.state == StateConnected
	m.gen++
	m.state = StateDisconnected
	m.mu.Unlock()
	m.listeners.emit(StateDisconnected, m.logger)
	m.notifyMu.Unlock()

	if !wasConnected {
		return nil
	}
	m.logger.Info().Msg("broker disconnected")
	return m.transport.Close()
}

// Subscribe forwards to the transport when connected.
func (m *ConnectionManager) Subscribe(destination string, handler func([]byte)) (func() error, error) {
	if m.State() != StateConnected {
		return nil, ErrNotConnected
	}
	return m.transport.Subscribe(destination, handler)
}

// Publish forwards to the transport when connected.
func (m *ConnectionManager) Publish(destination string, body []byte) error {
	if m.State() != StateConnected {
		return ErrNotConnected
	}
	return m.transport.Publish(destination, body)
}

func (m *ConnectionManager) handleLost(gen uint64, err error) {
	m.notifyMu.Lock()
	m.mu.Lock()
	if gen != m.gen || m.state != StateConnected {
		m.mu.Unlock()
		m.notifyMu.Unlock()
		return
	}
	m.state = StateDisconnected
	m.mu.Unlock()
	m.logger.Warn().Err(err).Msg("broker connection lost")
	m.listeners.emit(StateDisconnected, m.logger)
	m.notifyMu.Unlock()

	m.scheduleRetry(gen)
}

func (m *ConnectionManager) scheduleRetry(gen uint64) {
	delay, ok := m.retry.NextDelay()
	if !ok {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen {
		return
	}
	m.logger.Info().Dur("delay", delay).Msg("scheduling reconnect")
	m.retryTimer = time.AfterFunc(delay, func() {
		m.mu.Lock()
		stale := gen != m.gen
		m.retryTimer = nil
		m.mu.Unlock()
		if stale {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), m.dialTimeout)
		defer cancel()
		if err := m.Connect(ctx); err != nil {
			m.logger.Debug().Err(err).Msg("reconnect attempt failed")
		}
	})
}

func (m *ConnectionManager) stopRetryLocked() {
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
}
