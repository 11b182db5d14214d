package hubchat

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Connection metrics
	ConnectAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hubchat_connect_attempts_total",
			Help: "Broker connect attempts by result",
		},
		[]string{"result"},
	)

	SubscriptionsHeld = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hubchat_subscriptions_held",
			Help: "Number of broker subscriptions currently held",
		},
	)

	// Dispatch metrics
	FramesDeliveredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hubchat_frames_delivered_total",
			Help: "Inbound frames decoded and dispatched, by category",
		},
		[]string{"category"},
	)

	FramesRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hubchat_frames_rejected_total",
			Help: "Inbound frames that failed to decode, by category",
		},
		[]string{"category"},
	)

	// Outbound metrics
	PublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hubchat_published_total",
			Help: "Frames handed to the broker, by category",
		},
		[]string{"category"},
	)

	PublishDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hubchat_publish_dropped_total",
			Help: "Publishes dropped because the connection was not up, by category",
		},
		[]string{"category"},
	)

	// Presence metrics
	PresenceEvictionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hubchat_presence_evictions_total",
			Help: "Typing entries evicted by the TTL sweep",
		},
	)

	// History metrics
	HistoryFetchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hubchat_history_fetch_duration_seconds",
			Help:    "History fetch latency in seconds, by result",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(ConnectAttemptsTotal)
	prometheus.MustRegister(SubscriptionsHeld)
	prometheus.MustRegister(FramesDeliveredTotal)
	prometheus.MustRegister(FramesRejectedTotal)
	prometheus.MustRegister(PublishedTotal)
	prometheus.MustRegister(PublishDroppedTotal)
	prometheus.MustRegister(PresenceEvictionsTotal)
	prometheus.MustRegister(HistoryFetchDuration)
}

// MetricsHandler returns the Prometheus HTTP handler.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// Timer measures an operation for a histogram.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the time elapsed since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration records the elapsed time in seconds.
func (t *Timer) ObserveDuration(o prometheus.Observer) {
	o.Observe(t.Duration().Seconds())
}
