package hubchat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ============================================================================
// Session
// ============================================================================

// Session is one chat view bound to at most one project at a time. It wires
// the subscription registry, dispatcher, presence tracker, typing debouncer,
// outbound gateway and history merger over a shared ConnectionManager.
//
// Observers run synchronously on delivery goroutines and must not call back
// into the Session; hand the value off to another goroutine instead.
type Session struct {
	id           string
	conn         *ConnectionManager
	history      HistorySource
	historyLimit int
	logger       zerolog.Logger

	dispatcher *MessageDispatcher
	registry   *SubscriptionRegistry
	presence   *PresenceTracker
	debouncer  *TypingDebouncer
	gateway    *OutboundGateway
	merger     *HistoryMerger

	// switchMu serializes SetProject, ClearProject and Close.
	switchMu sync.Mutex
	// publishMu orders message list mutations with their notifications.
	publishMu sync.Mutex

	mu            sync.Mutex
	projectID     int64
	hasProject    bool
	closed        bool
	historyCancel context.CancelFunc
	stopSweep     context.CancelFunc
	unregister    []func()
	loaders       sync.WaitGroup

	messageListeners listenerSet[[]ChatMessage]
	historyListeners listenerSet[error]
}

type sessionConfig struct {
	logger       zerolog.Logger
	historyLimit int
	typingIdle   time.Duration
	presenceOpts []PresenceOption
}

type SessionOption func(*sessionConfig)

func WithSessionLogger(l zerolog.Logger) SessionOption {
	return func(c *sessionConfig) { c.logger = l }
}

// WithHistoryLimit bounds the history page loaded on each project switch.
func WithHistoryLimit(n int) SessionOption {
	return func(c *sessionConfig) { c.historyLimit = n }
}

// WithTypingIdle sets how long local input must pause before stop-typing is sent.
func WithTypingIdle(d time.Duration) SessionOption {
	return func(c *sessionConfig) { c.typingIdle = d }
}

// WithPresenceOptions configures the session's presence tracker.
func WithPresenceOptions(opts ...PresenceOption) SessionOption {
	return func(c *sessionConfig) { c.presenceOpts = append(c.presenceOpts, opts...) }
}

// NewSession creates a session with no active project. history may be nil,
// in which case every project starts with an empty history.
func NewSession(conn *ConnectionManager, history HistorySource, opts ...SessionOption) *Session {
	cfg := sessionConfig{
		logger:       zerolog.Nop(),
		historyLimit: DefaultHistoryLimit,
		typingIdle:   DefaultTypingIdle,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	s := &Session{
		id:           uuid.NewString(),
		conn:         conn,
		history:      history,
		historyLimit: cfg.historyLimit,
	}
	base := cfg.logger.With().Str("session_id", s.id).Logger()
	s.logger = base.With().Str("component", "session").Logger()

	s.dispatcher = NewMessageDispatcher(base)
	s.registry = NewSubscriptionRegistry(conn, s.dispatcher, base)
	s.presence = NewPresenceTracker(append([]PresenceOption{WithPresenceLogger(base)}, cfg.presenceOpts...)...)
	s.gateway = NewOutboundGateway(conn, base)
	s.debouncer = NewTypingDebouncer(cfg.typingIdle, s.publishTyping)
	s.merger = NewHistoryMerger()

	s.unregister = append(s.unregister,
		s.dispatcher.OnMessage(s.handleMessage),
		s.dispatcher.OnTyping(s.handleTyping),
	)

	ctx, cancel := context.WithCancel(context.Background())
	s.stopSweep = cancel
	s.presence.Start(ctx)

	s.logger.Debug().Msg("session created")
	return s
}

// ID returns the session identifier used in logs.
func (s *Session) ID() string { return s.id }

// ============================================================================
// Project lifecycle
// ============================================================================

// SetProject makes projectID the active project: the subscriptions move to its
// chat and typing topics, the message list and typing set are cleared and a
// history load starts in the background, bounded by ctx. Setting the current
// project again is a no-op. The returned error reports subscription failures;
// the project is active regardless and failed topics are retried on the next
// reconnect.
func (s *Session) SetProject(ctx context.Context, projectID int64) error {
	s.switchMu.Lock()
	defer s.switchMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.hasProject && s.projectID == projectID {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	// Stop typing on the old project before the gateway moves.
	s.debouncer.Flush()

	s.publishMu.Lock()
	s.mu.Lock()
	s.projectID, s.hasProject = projectID, true
	if s.historyCancel != nil {
		s.historyCancel()
	}
	hctx, cancel := context.WithCancel(ctx)
	s.historyCancel = cancel
	epoch := s.merger.Begin()
	s.mu.Unlock()
	s.messageListeners.emit(s.merger.Messages(), s.logger)
	s.publishMu.Unlock()

	s.gateway.SetProject(projectID)
	s.presence.Reset()
	err := s.registry.Reconcile(ProjectTopics(projectID)...)

	s.logger.Info().Int64("project_id", projectID).Msg("project selected")
	s.loaders.Add(1)
	go func() {
		defer s.loaders.Done()
		s.loadHistory(hctx, projectID, epoch)
	}()
	return err
}

// ClearProject leaves the active project, releasing its subscriptions.
func (s *Session) ClearProject() error {
	s.switchMu.Lock()
	defer s.switchMu.Unlock()

	s.mu.Lock()
	if s.closed || !s.hasProject {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	s.debouncer.Flush()

	s.publishMu.Lock()
	s.mu.Lock()
	s.projectID, s.hasProject = 0, false
	if s.historyCancel != nil {
		s.historyCancel()
		s.historyCancel = nil
	}
	s.merger.Begin()
	s.mu.Unlock()
	s.messageListeners.emit([]ChatMessage{}, s.logger)
	s.publishMu.Unlock()

	s.gateway.ClearProject()
	s.presence.Reset()
	return s.registry.Reconcile()
}

// Project returns the active project, if any.
func (s *Session) Project() (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.projectID, s.hasProject
}

func (s *Session) loadHistory(ctx context.Context, projectID int64, epoch uint64) {
	var (
		msgs []ChatMessage
		err  error
	)
	if s.history != nil {
		msgs, err = s.history.ProjectMessages(ctx, projectID, s.historyLimit)
	}

	s.publishMu.Lock()
	defer s.publishMu.Unlock()

	if err != nil {
		if !s.merger.Fail(epoch, err) {
			return
		}
		s.logger.Warn().Err(err).Int64("project_id", projectID).Msg("history unavailable, showing live messages only")
		s.messageListeners.emit(s.merger.Messages(), s.logger)
		s.historyListeners.emit(err, s.logger)
		return
	}
	if !s.merger.Resolve(epoch, msgs) {
		s.logger.Debug().Int64("project_id", projectID).Msg("discarding stale history")
		return
	}
	s.messageListeners.emit(s.merger.Messages(), s.logger)
}

// ============================================================================
// Inbound
// ============================================================================

func (s *Session) handleMessage(topic Topic, m ChatMessage) {
	s.publishMu.Lock()
	defer s.publishMu.Unlock()

	s.mu.Lock()
	current := s.hasProject && s.projectID == topic.ProjectID
	if current {
		s.merger.Live(m)
	}
	s.mu.Unlock()

	if !current {
		s.logger.Debug().Str("topic", topic.String()).Msg("ignoring frame for inactive project")
		return
	}
	s.messageListeners.emit(s.merger.Messages(), s.logger)
}

func (s *Session) handleTyping(topic Topic, ev TypingEvent) {
	s.mu.Lock()
	current := s.hasProject && s.projectID == topic.ProjectID
	s.mu.Unlock()
	if !current {
		return
	}
	s.presence.Observe(ev)
}

// ============================================================================
// Outbound
// ============================================================================

// SendMessage publishes content to the active project's chat. The message
// shows up in Messages once the broker echoes it. An open typing burst is
// closed first. A publish while disconnected is dropped silently; only empty
// content and transport failures are reported.
func (s *Session) SendMessage(content, senderName, senderAvatar string) error {
	if strings.TrimSpace(content) == "" {
		return ErrEmptyMessage
	}
	s.debouncer.Flush()

	err := s.gateway.SendMessage(content, senderName, senderAvatar)
	switch {
	case errors.Is(err, ErrPublishDropped), errors.Is(err, ErrNoActiveProject):
		s.logger.Debug().Err(err).Msg("message not sent")
		return nil
	case err != nil:
		s.logger.Warn().Err(err).Msg("message publish failed")
		return err
	}
	return nil
}

// NotifyTyping reports local input activity by senderName. Bursts are
// debounced into one start and one stop publish.
func (s *Session) NotifyTyping(senderName string) {
	if _, ok := s.Project(); !ok {
		return
	}
	s.debouncer.Keystroke(senderName)
}

func (s *Session) publishTyping(name string, typing bool) {
	if err := s.gateway.SendTyping(name, typing); err != nil {
		s.logger.Debug().Err(err).Bool("typing", typing).Msg("typing transition not sent")
	}
}

// ============================================================================
// Views
// ============================================================================

// Messages returns the merged history and live messages of the active project.
func (s *Session) Messages() []ChatMessage { return s.merger.Messages() }

// TypingUsers returns the peers currently typing, sorted.
func (s *Session) TypingUsers() []string { return s.presence.Snapshot() }

// State returns the shared connection state.
func (s *Session) State() ConnectionState { return s.conn.State() }

// HistoryLoaded reports whether the active project's history has resolved and
// the load error if it failed.
func (s *Session) HistoryLoaded() (bool, error) { return s.merger.Loaded() }

// Subscriptions returns the topics this session currently holds.
func (s *Session) Subscriptions() []Topic { return s.registry.Held() }

// OnMessages observes the message list after every change.
func (s *Session) OnMessages(fn func([]ChatMessage)) (unregister func()) {
	return s.messageListeners.add(fn)
}

// OnTyping observes the typing set after every change.
func (s *Session) OnTyping(fn func([]string)) (unregister func()) {
	return s.presence.OnChange(fn)
}

// OnHistoryError observes failed history loads for the active project.
func (s *Session) OnHistoryError(fn func(error)) (unregister func()) {
	return s.historyListeners.add(fn)
}

// OnState observes connection state transitions until the session closes.
func (s *Session) OnState(fn func(ConnectionState)) (unregister func()) {
	remove := s.conn.OnStateChange(fn)
	s.mu.Lock()
	s.unregister = append(s.unregister, remove)
	s.mu.Unlock()
	return remove
}

// Close tears the view down: the typing burst is closed, subscriptions are
// released and the sweep stops. A history load still in flight is cancelled
// and waited for; its result is discarded. The ConnectionManager stays up for
// other views.
func (s *Session) Close() error {
	s.switchMu.Lock()
	defer s.switchMu.Unlock()

	s.publishMu.Lock()
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.publishMu.Unlock()
		return nil
	}
	s.closed = true
	s.projectID, s.hasProject = 0, false
	if s.historyCancel != nil {
		s.historyCancel()
		s.historyCancel = nil
	}
	s.merger.Begin()
	unregister := s.unregister
	s.unregister = nil
	s.mu.Unlock()
	s.publishMu.Unlock()

	s.loaders.Wait()

	s.debouncer.Close()
	s.stopSweep()
	s.presence.Stop()
	err := s.registry.Close()

	for _, fn := range unregister {
		fn()
	}
	s.messageListeners.clear()
	s.historyListeners.clear()
	s.gateway.ClearProject()

	s.logger.Debug().Msg("session closed")
	return err
}
