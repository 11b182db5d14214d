package hubchat

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-stomp/stomp/v3"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

const (
	defaultReadLimit       = 1 << 20
	defaultReceiptTimeout  = 5 * time.Second
	stompJSONContentType   = "application/json"
	closeReasonClientLeave = "client disconnect"
)

var stompSubprotocols = []string{"v12.stomp", "v11.stomp", "v10.stomp"}

// StompTransport speaks STOMP over a raw WebSocket, which is what the
// workspace broker exposes at /ws/websocket next to its SockJS endpoint.
type StompTransport struct {
	url            string
	token          string
	host           string
	heartbeat      time.Duration
	readLimit      int64
	receiptTimeout time.Duration
	clientID       string
	logger         zerolog.Logger

	mu     sync.Mutex
	ws     *websocket.Conn
	conn   *stomp.Conn
	stream *lossDetector
	cancel context.CancelFunc
}

type TransportOption func(*StompTransport)

// WithBearerToken sends the credential on the WebSocket upgrade and in the
// STOMP CONNECT frame. Individual frames carry no auth.
func WithBearerToken(token string) TransportOption {
	return func(t *StompTransport) { t.token = token }
}

// WithStompHost sets the CONNECT host header. Defaults to the URL host.
func WithStompHost(host string) TransportOption {
	return func(t *StompTransport) { t.host = host }
}

// WithHeartbeat negotiates STOMP heart-beating in both directions. Zero disables it.
func WithHeartbeat(d time.Duration) TransportOption {
	return func(t *StompTransport) { t.heartbeat = d }
}

// WithClientID adds a client-id header to CONNECT.
func WithClientID(id string) TransportOption {
	return func(t *StompTransport) { t.clientID = id }
}

// WithReceiptTimeout bounds how long unsubscribe and disconnect wait for the broker.
func WithReceiptTimeout(d time.Duration) TransportOption {
	return func(t *StompTransport) { t.receiptTimeout = d }
}

func WithTransportLogger(l zerolog.Logger) TransportOption {
	return func(t *StompTransport) { t.logger = l }
}

// NewStompTransport creates a transport for a ws:// or wss:// URL.
func NewStompTransport(rawURL string, opts ...TransportOption) *StompTransport {
	t := &StompTransport{
		url:            rawURL,
		readLimit:      defaultReadLimit,
		receiptTimeout: defaultReceiptTimeout,
		logger:         zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.host == "" {
		if u, err := url.Parse(rawURL); err == nil {
			t.host = u.Hostname()
		}
	}
	t.logger = t.logger.With().Str("component", "transport").Logger()
	return t
}

// BrokerURL derives the raw STOMP WebSocket URL from the REST base URL.
func BrokerURL(baseURL string) string {
	u := strings.TrimRight(baseURL, "/")
	u = strings.Replace(u, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	return u + "/ws/websocket"
}

// URL returns the broker URL.
func (t *StompTransport) URL() string { return t.url }

func (t *StompTransport) Connect(ctx context.Context, onLost func(error)) error {
	header := http.Header{}
	if t.token != "" {
		header.Set("Authorization", "Bearer "+t.token)
	}
	ws, _, err := websocket.Dial(ctx, t.url, &websocket.DialOptions{
		HTTPHeader:   header,
		Subprotocols: stompSubprotocols,
	})
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}
	ws.SetReadLimit(t.readLimit)

	// The stream outlives ctx, which only bounds the handshake.
	streamCtx, cancel := context.WithCancel(context.Background())
	stream := &lossDetector{
		Conn:   websocket.NetConn(streamCtx, ws, websocket.MessageText),
		onLost: onLost,
	}

	opts := []func(*stomp.Conn) error{
		stomp.ConnOpt.Host(t.host),
		stomp.ConnOpt.HeartBeat(t.heartbeat, t.heartbeat),
		stomp.ConnOpt.Logger(stompLogger{log: t.logger.With().Str("source", "go-stomp").Logger()}),
	}
	if t.token != "" {
		opts = append(opts, stomp.ConnOpt.Header("Authorization", "Bearer "+t.token))
	}
	if t.clientID != "" {
		opts = append(opts, stomp.ConnOpt.Header("client-id", t.clientID))
	}

	type result struct {
		conn *stomp.Conn
		err  error
	}
	done := make(chan result, 1)
	go func() {
		c, err := stomp.Connect(stream, opts...)
		done <- result{conn: c, err: err}
	}()

	var r result
	select {
	case r = <-done:
	case <-ctx.Done():
		r.err = ctx.Err()
	}
	if r.err != nil {
		stream.closed.Store(true)
		_ = ws.Close(websocket.StatusNormalClosure, "handshake aborted")
		cancel()
		return fmt.Errorf("stomp handshake: %w", r.err)
	}

	t.mu.Lock()
	oldWS, oldStream, oldCancel := t.ws, t.stream, t.cancel
	t.ws = ws
	t.conn = r.conn
	t.stream = stream
	t.cancel = cancel
	t.mu.Unlock()

	// A connection replaced after a loss is released without a DISCONNECT.
	if oldStream != nil {
		oldStream.closed.Store(true)
		_ = oldWS.CloseNow()
		oldCancel()
	}

	t.logger.Debug().Str("url", t.url).Str("version", string(r.conn.Version())).Msg("stomp session established")
	return nil
}

func (t *StompTransport) current() *stomp.Conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn
}

func (t *StompTransport) Subscribe(destination string, handler func([]byte)) (func() error, error) {
	c := t.current()
	if c == nil {
		return nil, ErrNotConnected
	}
	sub, err := c.Subscribe(destination, stomp.AckAuto)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", destination, err)
	}

	// One reader per subscription keeps per-topic arrival order.
	go func() {
		for msg := range sub.C {
			if msg.Err != nil {
				t.logger.Debug().Err(msg.Err).Str("destination", destination).Msg("subscription ended")
				return
			}
			handler(msg.Body)
		}
	}()

	var once sync.Once
	return func() error {
		var err error
		once.Do(func() {
			err = t.withReceiptTimeout(func() error { return sub.Unsubscribe() })
		})
		return err
	}, nil
}

func (t *StompTransport) Publish(destination string, body []byte) error {
	c := t.current()
	if c == nil {
		return ErrNotConnected
	}
	if err := c.Send(destination, stompJSONContentType, body); err != nil {
		return fmt.Errorf("send %s: %w", destination, err)
	}
	return nil
}

// Close sends DISCONNECT, then closes the socket whether or not the broker
// acknowledged it. onLost is not called for a Close.
func (t *StompTransport) Close() error {
	t.mu.Lock()
	ws, c, stream, cancel := t.ws, t.conn, t.stream, t.cancel
	t.ws, t.conn, t.stream, t.cancel = nil, nil, nil, nil
	t.mu.Unlock()

	if c == nil {
		return nil
	}
	stream.closed.Store(true)

	err := t.withReceiptTimeout(c.Disconnect)
	_ = ws.Close(websocket.StatusNormalClosure, closeReasonClientLeave)
	cancel()
	if err != nil && !errors.Is(err, stomp.ErrAlreadyClosed) {
		return fmt.Errorf("stomp disconnect: %w", err)
	}
	return nil
}

// withReceiptTimeout runs fn, giving up after the receipt timeout. The broker
// may never answer a receipt request.
func (t *StompTransport) withReceiptTimeout(fn func() error) error {
	done := make(chan error, 1)
	go func() { done <- fn() }()
	select {
	case err := <-done:
		return err
	case <-time.After(t.receiptTimeout):
		return fmt.Errorf("no receipt after %s", t.receiptTimeout)
	}
}

// lossDetector reports the first read or write failure of the byte stream
// under the STOMP session, unless the transport closed it on purpose.
type lossDetector struct {
	net.Conn
	onLost func(error)
	closed atomic.Bool
	once   sync.Once
}

func (l *lossDetector) Read(p []byte) (int, error) {
	n, err := l.Conn.Read(p)
	if err != nil {
		l.lost(err)
	}
	return n, err
}

func (l *lossDetector) Write(p []byte) (int, error) {
	n, err := l.Conn.Write(p)
	if err != nil {
		l.lost(err)
	}
	return n, err
}

func (l *lossDetector) lost(err error) {
	if l.closed.Load() || l.onLost == nil {
		return
	}
	l.once.Do(func() { go l.onLost(err) })
}

// stompLogger routes go-stomp's own diagnostics into zerolog.
type stompLogger struct {
	log zerolog.Logger
}

var _ stomp.Logger = stompLogger{}

func (l stompLogger) Debugf(format string, v ...interface{})   { l.log.Debug().Msgf(format, v...) }
func (l stompLogger) Infof(format string, v ...interface{})    { l.log.Info().Msgf(format, v...) }
func (l stompLogger) Warningf(format string, v ...interface{}) { l.log.Warn().Msgf(format, v...) }
func (l stompLogger) Errorf(format string, v ...interface{})   { l.log.Error().Msgf(format, v...) }

func (l stompLogger) Debug(msg string)   { l.log.Debug().Msg(msg) }
func (l stompLogger) Info(msg string)    { l.log.Info().Msg(msg) }
func (l stompLogger) Warning(msg string) { l.log.Warn().Msg(msg) }
func (l stompLogger) Error(msg string)   { l.log.Error().Msg(msg) }
