package hubchat

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Helpers
// ============================================================================

type published struct {
	Destination string
	Body        []byte
}

// fakeTransport is an in-memory broker. With echo set, chat publishes come
// back on the matching topic with a server-assigned id, and typing publishes
// come back verbatim, the way the workspace broker relays them.
type fakeTransport struct {
	mu          sync.Mutex
	connectErrs []error
	connects    int
	closes      int
	onLost      func(error)
	subs        map[string]map[int]func([]byte)
	nextSub     int
	nextID      int64
	published   []published
	subscribed  []string
	unsubbed    []string
	echo        bool
	block       chan struct{}
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{subs: make(map[string]map[int]func([]byte))}
}

// failNext makes the next len(errs) handshakes fail with errs in order.
func (f *fakeTransport) failNext(errs ...error) {
	f.mu.Lock()
	f.connectErrs = append(f.connectErrs, errs...)
	f.mu.Unlock()
}

func (f *fakeTransport) Connect(ctx context.Context, onLost func(error)) error {
	f.mu.Lock()
	f.connects++
	block := f.block
	var err error
	if len(f.connectErrs) > 0 {
		err, f.connectErrs = f.connectErrs[0], f.connectErrs[1:]
	}
	if err == nil {
		f.onLost = onLost
	}
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (f *fakeTransport) Subscribe(destination string, handler func([]byte)) (func() error, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextSub++
	id := f.nextSub
	if f.subs[destination] == nil {
		f.subs[destination] = make(map[int]func([]byte))
	}
	f.subs[destination][id] = handler
	f.subscribed = append(f.subscribed, destination)
	return func() error {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.subs[destination], id)
		f.unsubbed = append(f.unsubbed, destination)
		return nil
	}, nil
}

func (f *fakeTransport) Publish(destination string, body []byte) error {
	f.mu.Lock()
	f.published = append(f.published, published{Destination: destination, Body: append([]byte(nil), body...)})
	echo := f.echo
	f.mu.Unlock()

	if echo {
		f.relay(destination, body)
	}
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.closes++
	f.onLost = nil
	f.subs = make(map[string]map[int]func([]byte))
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) relay(destination string, body []byte) {
	topic := "/topic/chat/" + strings.TrimPrefix(destination, "/app/chat/")
	if strings.HasSuffix(destination, "/typing") {
		f.deliver(topic, body)
		return
	}

	var in outboundChat
	if err := json.Unmarshal(body, &in); err != nil {
		return
	}
	f.mu.Lock()
	f.nextID++
	id := f.nextID
	f.mu.Unlock()
	out, _ := json.Marshal(ChatMessage{
		ID:           &id,
		Content:      in.Content,
		SenderName:   in.SenderName,
		SenderAvatar: in.SenderAvatar,
		Timestamp:    time.Now().UnixMilli(),
		Type:         MessageTypeMessage,
	})
	f.deliver(topic, out)
}

// deliver pushes a frame to every subscriber of destination, synchronously.
func (f *fakeTransport) deliver(destination string, body []byte) int {
	f.mu.Lock()
	handlers := make([]func([]byte), 0, len(f.subs[destination]))
	for _, h := range f.subs[destination] {
		handlers = append(handlers, h)
	}
	f.mu.Unlock()

	for _, h := range handlers {
		h(body)
	}
	return len(handlers)
}

func (f *fakeTransport) deliverJSON(t *testing.T, destination string, v any) int {
	t.Helper()
	body, err := json.Marshal(v)
	require.NoError(t, err)
	return f.deliver(destination, body)
}

// lose simulates the broker dropping the connection.
func (f *fakeTransport) lose(err error) {
	f.mu.Lock()
	onLost := f.onLost
	f.onLost = nil
	f.subs = make(map[string]map[int]func([]byte))
	f.mu.Unlock()
	if onLost != nil {
		onLost(err)
	}
}

func (f *fakeTransport) subscriberCount(destination string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs[destination])
}

func (f *fakeTransport) publishedTo(destination string) []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []published
	for _, p := range f.published {
		if p.Destination == destination {
			out = append(out, p)
		}
	}
	return out
}

func (f *fakeTransport) stats() (connects, closes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects, f.closes
}

func (f *fakeTransport) subscribeCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.subscribed...)
}

func (f *fakeTransport) unsubscribeCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.unsubbed...)
}

var errBrokerDown = errors.New("broker unreachable")

// connected returns a manager over a fresh fake transport, already connected.
func connected(t *testing.T, opts ...ConnectionOption) (*ConnectionManager, *fakeTransport) {
	t.Helper()
	ft := newFakeTransport()
	conn := NewConnectionManager(ft, opts...)
	require.NoError(t, conn.Connect(context.Background()))
	return conn, ft
}

// stateRecorder collects connection states in order.
type stateRecorder struct {
	mu     sync.Mutex
	states []ConnectionState
}

func (r *stateRecorder) record(s ConnectionState) {
	r.mu.Lock()
	r.states = append(r.states, s)
	r.mu.Unlock()
}

func (r *stateRecorder) get() []ConnectionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ConnectionState(nil), r.states...)
}

func int64p(v int64) *int64 { return &v }
