package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Connection metrics
	ConnectionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "boardsync_connections_active",
			Help: "Number of websocket connections open on this instance",
		},
	)

	SessionJoinsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "boardsync_session_joins_total",
			Help: "Total number of accepted session joins",
		},
	)

	LeaderElectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "boardsync_leader_elections_total",
			Help: "Leader changes by cause",
		},
		[]string{"cause"},
	)

	// Queue metrics
	MutationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "boardsync_mutations_total",
			Help: "Queue mutations by operation and outcome",
		},
		[]string{"op", "outcome"},
	)

	VersionConflictsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "boardsync_version_conflicts_total",
			Help: "Optimistic concurrency conflicts observed by operation",
		},
		[]string{"op"},
	)

	ThrottledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "boardsync_throttled_total",
			Help: "Operations rejected by the rate limiter",
		},
		[]string{"op"},
	)

	// Event metrics
	EventsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "boardsync_events_published_total",
			Help: "Events published on the bus by kind and type",
		},
		[]string{"kind", "type"},
	)

	SubscriptionDropsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "boardsync_subscription_dropped_events_total",
			Help: "Events evicted from full subscription buffers",
		},
		[]string{"stream"},
	)

	// Persistence metrics
	PendingWrites = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "boardsync_pending_writes",
			Help: "Session snapshots waiting in the write buffer",
		},
	)

	FlushDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "boardsync_flush_duration_seconds",
			Help:    "Time spent writing buffered session snapshots",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(
		ConnectionsActive,
		SessionJoinsTotal,
		LeaderElectionsTotal,
		MutationsTotal,
		VersionConflictsTotal,
		ThrottledTotal,
		EventsPublished,
		SubscriptionDropsTotal,
		PendingWrites,
		FlushDuration,
	)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures an operation for a histogram.
type Timer struct {
	start time.Time
}

func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

func (t *Timer) ObserveDuration(h prometheus.Observer) {
	h.Observe(time.Since(t.start).Seconds())
}
