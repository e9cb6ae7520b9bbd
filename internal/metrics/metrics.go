// Package metrics exposes Prometheus collectors for the agent.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Decision cycle
	CyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cfo_decision_cycles_total",
			Help: "Decision cycles by result",
		},
		[]string{"result"}, // completed|skipped|paused|degraded|failed
	)

	CycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cfo_decision_cycle_duration_seconds",
			Help:    "Decision cycle wall time in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
	)

	DecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cfo_decisions_total",
			Help: "Decisions routed by the scheduler",
		},
		[]string{"type", "tier", "outcome"},
	)

	// Venues
	VenueCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cfo_venue_calls_total",
			Help: "Venue adapter calls",
		},
		[]string{"venue", "verb", "status"}, // status: success|error|timeout
	)

	VenueLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cfo_venue_call_latency_seconds",
			Help:    "Venue adapter call latency in seconds",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"venue", "verb"},
	)

	// Approvals and pause
	PendingApprovals = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cfo_pending_approvals",
			Help: "Approvals waiting for an operator",
		},
	)

	ApprovalEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cfo_approval_events_total",
			Help: "Approval lifecycle transitions",
		},
		[]string{"event"}, // created|deduplicated|reminded|expired|approved|rejected
	)

	Paused = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cfo_emergency_paused",
			Help: "1 while the emergency pause is active",
		},
	)

	// Portfolio
	PortfolioValue = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cfo_portfolio_value_usd",
			Help: "Current value of open positions in USD",
		},
	)

	OpenPositions = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cfo_open_positions",
			Help: "Open positions per strategy",
		},
		[]string{"strategy"},
	)

	PendingOrders = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cfo_pending_orders",
			Help: "Resting exit orders being polled",
		},
	)

	ReconcileActions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cfo_reconcile_actions_total",
			Help: "Startup reconciliation actions",
		},
		[]string{"step", "status"},
	)

	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cfo_http_requests_total",
			Help: "Operator API requests by route and status class",
		},
		[]string{"method", "route", "code"},
	)
)

var initOnce sync.Once

// Init registers all collectors with the default registry. Safe to call more
// than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(CyclesTotal)
		prometheus.MustRegister(CycleDuration)
		prometheus.MustRegister(DecisionsTotal)

		prometheus.MustRegister(VenueCalls)
		prometheus.MustRegister(VenueLatency)

		prometheus.MustRegister(PendingApprovals)
		prometheus.MustRegister(ApprovalEvents)
		prometheus.MustRegister(Paused)

		prometheus.MustRegister(PortfolioValue)
		prometheus.MustRegister(OpenPositions)
		prometheus.MustRegister(PendingOrders)
		prometheus.MustRegister(ReconcileActions)
		prometheus.MustRegister(HTTPRequests)
	})
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordVenueCall records one adapter call.
func RecordVenueCall(venue, verb string, latency time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	VenueCalls.WithLabelValues(venue, verb, status).Inc()
	VenueLatency.WithLabelValues(venue, verb).Observe(latency.Seconds())
}

// RecordVenueTimeout records a call whose outcome is unknown.
func RecordVenueTimeout(venue, verb string, latency time.Duration) {
	VenueCalls.WithLabelValues(venue, verb, "timeout").Inc()
	VenueLatency.WithLabelValues(venue, verb).Observe(latency.Seconds())
}

// RecordCycle records a finished decision cycle.
func RecordCycle(result string, d time.Duration) {
	CyclesTotal.WithLabelValues(result).Inc()
	if d > 0 {
		CycleDuration.Observe(d.Seconds())
	}
}

// RecordReconcile records the outcome of a recovery step.
func RecordReconcile(step string, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	ReconcileActions.WithLabelValues(step, status).Inc()
}

// RecordHTTP counts one operator API request. route is the matched mux
// pattern, so ids in the path do not blow up cardinality.
func RecordHTTP(method, route string, status int) {
	if route == "" {
		route = "unmatched"
	}
	HTTPRequests.WithLabelValues(method, route, strconv.Itoa(status/100)+"xx").Inc()
}

// SetPaused flips the pause gauge.
func SetPaused(paused bool) {
	if paused {
		Paused.Set(1)
		return
	}
	Paused.Set(0)
}
