package hubchat

import (
	"errors"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

type heldSubscription struct {
	topic       Topic
	active      atomic.Bool
	unsubscribe func() error
}

// SubscriptionRegistry keeps the broker subscriptions equal to a desired topic
// set. While the connection is down the desired set is cached and replayed on
// the next transition to connected. At most one subscription exists per topic.
type SubscriptionRegistry struct {
	conn       *ConnectionManager
	dispatcher *MessageDispatcher
	logger     zerolog.Logger

	mu      sync.Mutex
	desired map[Topic]struct{}
	held    map[Topic]*heldSubscription
	closed  bool

	removeStateListener func()
}

// NewSubscriptionRegistry creates a registry bound to conn, delivering frames to dispatcher.
func NewSubscriptionRegistry(conn *ConnectionManager, dispatcher *MessageDispatcher, logger zerolog.Logger) *SubscriptionRegistry {
	r := &SubscriptionRegistry{
		conn:       conn,
		dispatcher: dispatcher,
		logger:     logger.With().Str("component", "registry").Logger(),
		desired:    make(map[Topic]struct{}),
		held:       make(map[Topic]*heldSubscription),
	}
	r.removeStateListener = conn.OnStateChange(r.onState)
	return r
}

// Reconcile makes topics the desired set. Held topics absent from it are
// unsubscribed, missing ones are subscribed, unchanged ones are left alone.
// While disconnected the set is only recorded. The returned error joins
// per-topic subscribe/unsubscribe failures; failed topics are retried by the
// next reconcile or reconnect.
func (r *SubscriptionRegistry) Reconcile(topics ...Topic) error {
	desired := make(map[Topic]struct{}, len(topics))
	for _, t := range topics {
		desired[t] = struct{}{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.desired = desired

	if r.conn.State() != StateConnected {
		r.logger.Debug().Err(ErrSubscriptionUnavailable).Int("topics", len(desired)).Msg("reconcile deferred")
		return nil
	}
	return r.applyLocked()
}

// Held returns the topics with a live subscription, ordered by project then category.
func (r *SubscriptionRegistry) Held() []Topic {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Topic, 0, len(r.held))
	for t := range r.held {
		out = append(out, t)
	}
	sortTopics(out)
	return out
}

// Close releases every held subscription and stops following the connection.
func (r *SubscriptionRegistry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	r.removeStateListener()
	r.desired = make(map[Topic]struct{})

	var errs []error
	connected := r.conn.State() == StateConnected
	for t, s := range r.held {
		s.active.Store(false)
		if connected {
			if err := s.unsubscribe(); err != nil {
				errs = append(errs, err)
			}
		}
		delete(r.held, t)
	}
	SubscriptionsHeld.Set(0)
	return errors.Join(errs...)
}

func (r *SubscriptionRegistry) applyLocked() error {
	var errs []error

	for t, s := range r.held {
		if _, ok := r.desired[t]; ok {
			continue
		}
		s.active.Store(false)
		delete(r.held, t)
		if err := s.unsubscribe(); err != nil {
			r.logger.Warn().Err(err).Str("topic", t.String()).Msg("unsubscribe failed")
			errs = append(errs, err)
			continue
		}
		r.logger.Debug().Str("topic", t.String()).Msg("unsubscribed")
	}

	missing := make([]Topic, 0, len(r.desired))
	for t := range r.desired {
		if _, ok := r.held[t]; !ok {
			missing = append(missing, t)
		}
	}
	sortTopics(missing)

	for _, t := range missing {
		s := &heldSubscription{topic: t}
		s.active.Store(true)
		unsub, err := r.conn.Subscribe(t.Destination(), func(body []byte) {
			if !s.active.Load() {
				return
			}
			_ = r.dispatcher.Deliver(t, body)
		})
		if err != nil {
			r.logger.Warn().Err(err).Str("topic", t.String()).Msg("subscribe failed")
			errs = append(errs, err)
			continue
		}
		s.unsubscribe = unsub
		r.held[t] = s
		r.logger.Debug().Str("topic", t.String()).Msg("subscribed")
	}

	SubscriptionsHeld.Set(float64(len(r.held)))
	return errors.Join(errs...)
}

func (r *SubscriptionRegistry) onState(state ConnectionState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}

	switch state {
	case StateConnected:
		if len(r.desired) == 0 {
			return
		}
		r.logger.Debug().Int("topics", len(r.desired)).Msg("replaying reconcile after connect")
		if err := r.applyLocked(); err != nil {
			r.logger.Warn().Err(err).Msg("replayed reconcile incomplete")
		}
	case StateDisconnected, StateFailed:
		for t, s := range r.held {
			s.active.Store(false)
			delete(r.held, t)
		}
		SubscriptionsHeld.Set(0)
	}
}

func sortTopics(ts []Topic) {
	sort.Slice(ts, func(i, j int) bool {
		if ts[i].ProjectID != ts[j].ProjectID {
			return ts[i].ProjectID < ts[j].ProjectID
		}
		return ts[i].Category < ts[j].Category
	})
}
