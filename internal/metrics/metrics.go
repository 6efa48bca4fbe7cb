package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "aero_signaling_relay"

// Frame drop reasons.
const (
	DropReasonMalformed       = "malformed"
	DropReasonSessionNotFound = "session_not_found"
	DropReasonConnClosed      = "connection_closed"
	DropReasonRateLimited     = "rate_limited"
	DropReasonQueueFull       = "queue_full"
)

// Connection rejection reasons.
const (
	RejectReasonOrigin          = "origin"
	RejectReasonUpgrade         = "upgrade_failed"
	RejectReasonTooManySessions = "too_many_sessions"
	RejectReasonShuttingDown    = "shutting_down"
	RejectReasonInternal        = "internal"
)

// Exchange and teardown outcomes. Failure outcomes reuse the coordinator
// failure kinds.
const (
	OutcomeOK = "ok"
	// OutcomeSkipped marks a teardown notice that was not sent because the
	// relay had already stopped waiting for notices.
	OutcomeSkipped = "skipped"
)

// Metrics owns a private Prometheus registry with the relay's collectors.
//
// All methods are safe on a nil receiver so components can run without
// metrics in tests.
type Metrics struct {
	registry *prometheus.Registry

	connections      prometheus.Counter
	rejected         *prometheus.CounterVec
	framesDropped    *prometheus.CounterVec
	exchanges        *prometheus.CounterVec
	exchangeDuration prometheus.Histogram
	teardowns        *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		connections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Client WebSocket connections accepted.",
		}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_rejected_total",
			Help:      "Client WebSocket connection attempts that did not get a session, by reason.",
		}, []string{"reason"}),
		framesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Inbound client frames that were not forwarded.",
		}, []string{"reason"}),
		exchanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "exchanges_total",
			Help:      "Negotiation exchanges with the coordinator by outcome.",
		}, []string{"outcome"}),
		exchangeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "exchange_duration_seconds",
			Help:      "Latency of negotiation exchanges with the coordinator.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}),
		teardowns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "teardown_total",
			Help:      "Teardown notices sent to the coordinator by outcome.",
		}, []string{"outcome"}),
	}
	m.registry.MustRegister(
		m.connections,
		m.rejected,
		m.framesDropped,
		m.exchanges,
		m.exchangeDuration,
		m.teardowns,
	)
	return m
}

// ObserveSessions exports count as the active_sessions gauge, read at scrape
// time. Call it once per Metrics.
func (m *Metrics) ObserveSessions(count func() int) {
	if m == nil {
		return
	}
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_sessions",
		Help:      "Sessions currently open.",
	}, func() float64 {
		return float64(count())
	}))
}

func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.connections.Inc()
}

func (m *Metrics) ConnectionRejected(reason string) {
	if m == nil {
		return
	}
	m.rejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) FrameDropped(reason string) {
	if m == nil {
		return
	}
	m.framesDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) ExchangeDone(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.exchanges.WithLabelValues(outcome).Inc()
	m.exchangeDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) TeardownDone(outcome string) {
	if m == nil {
		return
	}
	m.teardowns.WithLabelValues(outcome).Inc()
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "metrics not configured", http.StatusInternalServerError)
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
