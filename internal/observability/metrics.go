package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Histogram bucket definitions.
var (
	httpDurationBuckets      = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	operationDurationBuckets = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5}
	bodySizeBuckets          = []float64{100, 1024, 10240, 102400, 1048576}
)

// Metrics holds all Prometheus metric instruments for the service.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	// Approval metrics
	SubmissionsTotal         *prometheus.CounterVec
	DecisionsTotal           *prometheus.CounterVec
	DecisionDuration         *prometheus.HistogramVec
	StepCompletionsTotal     *prometheus.CounterVec
	InstanceCompletionsTotal *prometheus.CounterVec
	ActiveInstances          *prometheus.GaugeVec
	EscalationsTotal         *prometheus.CounterVec
	AgentResolutionFailures  *prometheus.CounterVec
	CancellationFailures     prometheus.Counter
	IdempotentReplaysTotal   prometheus.Counter
	NotificationsTotal       *prometheus.CounterVec

	// Inventory metrics
	StockMovementsTotal *prometheus.CounterVec
	StockShortagesTotal prometheus.Counter
	StockIssueDuration  prometheus.Histogram

	// Catalog metrics
	CatalogReloadTotal *prometheus.CounterVec
	CatalogEntries     *prometheus.GaugeVec
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quorum_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "quorum_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPRequestSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "quorum_http_request_size_bytes",
			Help:    "HTTP request body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPResponseSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "quorum_http_response_size_bytes",
			Help:    "HTTP response body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),

		// Approvals
		SubmissionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quorum_approval_submissions_total",
			Help: "Total number of approval submissions.",
		}, []string{"object_category", "status"}),
		DecisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quorum_approval_decisions_total",
			Help: "Total number of recorded agent decisions.",
		}, []string{"decision", "status"}),
		DecisionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "quorum_approval_decision_duration_seconds",
			Help:    "Time to record a decision including step evaluation.",
			Buckets: operationDurationBuckets,
		}, []string{"decision"}),
		StepCompletionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quorum_approval_step_completions_total",
			Help: "Total number of completed steps.",
		}, []string{"completion_rule", "outcome"}),
		InstanceCompletionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quorum_approval_instance_completions_total",
			Help: "Total number of instances reaching a terminal status.",
		}, []string{"object_category", "final_status"}),
		ActiveInstances: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "quorum_approval_active_instances",
			Help: "Number of active approval instances started by this process.",
		}, []string{"object_category"}),
		EscalationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quorum_approval_escalations_total",
			Help: "Total number of escalated step instances.",
		}, []string{"trigger"}),
		AgentResolutionFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quorum_approval_agent_resolution_failures_total",
			Help: "Total number of steps whose agents could not be resolved.",
		}, []string{"object_category"}),
		CancellationFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quorum_approval_cancellation_failures_total",
			Help: "Total number of failed short-circuit cancellations.",
		}),
		IdempotentReplaysTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quorum_idempotent_replays_total",
			Help: "Total number of decision requests answered from the idempotency store.",
		}),
		NotificationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quorum_notifications_total",
			Help: "Total number of published workflow notifications.",
		}, []string{"event_type", "status"}),

		// Inventory
		StockMovementsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quorum_stock_movements_total",
			Help: "Total number of stock ledger movements.",
		}, []string{"movement_type"}),
		StockShortagesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quorum_stock_shortages_total",
			Help: "Total number of issues rejected for insufficient stock.",
		}),
		StockIssueDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "quorum_stock_issue_duration_seconds",
			Help:    "FIFO issue duration in seconds.",
			Buckets: operationDurationBuckets,
		}),

		// Catalog
		CatalogReloadTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quorum_catalog_reload_total",
			Help: "Total catalog reloads.",
		}, []string{"status"}),
		CatalogEntries: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "quorum_catalog_entries",
			Help: "Number of loaded catalog entries by kind.",
		}, []string{"kind"}),
	}

	reg.MustRegister(
		// HTTP
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSizeBytes,
		m.HTTPResponseSizeBytes,
		// Approvals
		m.SubmissionsTotal,
		m.DecisionsTotal,
		m.DecisionDuration,
		m.StepCompletionsTotal,
		m.InstanceCompletionsTotal,
		m.ActiveInstances,
		m.EscalationsTotal,
		m.AgentResolutionFailures,
		m.CancellationFailures,
		m.IdempotentReplaysTotal,
		m.NotificationsTotal,
		// Inventory
		m.StockMovementsTotal,
		m.StockShortagesTotal,
		m.StockIssueDuration,
		// Catalog
		m.CatalogReloadTotal,
		m.CatalogEntries,
	)

	return m
}

// --- Recording helpers ---
//
// All helpers are safe to call on a nil *Metrics.

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration, reqSize, respSize int) {
	if m == nil {
		return
	}
	statusStr := strconv.Itoa(status)
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
	m.HTTPRequestSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(reqSize))
	m.HTTPResponseSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(respSize))
}

// RecordSubmission records an approval submission. A successful submission
// also counts as a newly active instance.
func (m *Metrics) RecordSubmission(category, status string) {
	if m == nil {
		return
	}
	m.SubmissionsTotal.WithLabelValues(category, status).Inc()
	if status == "success" {
		m.ActiveInstances.WithLabelValues(category).Inc()
	}
}

// RecordDecision records an agent decision.
func (m *Metrics) RecordDecision(decision, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.DecisionsTotal.WithLabelValues(decision, status).Inc()
	m.DecisionDuration.WithLabelValues(decision).Observe(duration.Seconds())
}

// RecordStepCompletion records a decided step.
func (m *Metrics) RecordStepCompletion(rule, outcome string) {
	if m == nil {
		return
	}
	m.StepCompletionsTotal.WithLabelValues(rule, outcome).Inc()
}

// RecordInstanceCompletion records an instance reaching a terminal status.
func (m *Metrics) RecordInstanceCompletion(category, finalStatus string) {
	if m == nil {
		return
	}
	m.InstanceCompletionsTotal.WithLabelValues(category, finalStatus).Inc()
	m.ActiveInstances.WithLabelValues(category).Dec()
}

// RecordEscalation records escalated step instances.
func (m *Metrics) RecordEscalation(trigger string, count int) {
	if m == nil {
		return
	}
	m.EscalationsTotal.WithLabelValues(trigger).Add(float64(count))
}

// RecordAgentResolutionFailure records a step whose agents could not be
// resolved.
func (m *Metrics) RecordAgentResolutionFailure(category string) {
	if m == nil {
		return
	}
	m.AgentResolutionFailures.WithLabelValues(category).Inc()
}

// RecordCancellationFailure records a failed short-circuit cancellation.
func (m *Metrics) RecordCancellationFailure() {
	if m == nil {
		return
	}
	m.CancellationFailures.Inc()
}

// RecordIdempotentReplay records a response served from the idempotency
// store.
func (m *Metrics) RecordIdempotentReplay() {
	if m == nil {
		return
	}
	m.IdempotentReplaysTotal.Inc()
}

// RecordNotification records a notification publish attempt.
func (m *Metrics) RecordNotification(eventType, status string) {
	if m == nil {
		return
	}
	m.NotificationsTotal.WithLabelValues(eventType, status).Inc()
}

// RecordStockMovement records a ledger movement.
func (m *Metrics) RecordStockMovement(movementType string) {
	if m == nil {
		return
	}
	m.StockMovementsTotal.WithLabelValues(movementType).Inc()
}

// RecordStockShortage records an issue rejected for insufficient stock.
func (m *Metrics) RecordStockShortage() {
	if m == nil {
		return
	}
	m.StockShortagesTotal.Inc()
}

// RecordStockIssue records the duration of a FIFO issue.
func (m *Metrics) RecordStockIssue(duration time.Duration) {
	if m == nil {
		return
	}
	m.StockIssueDuration.Observe(duration.Seconds())
}

// RecordCatalogReload records a catalog reload.
func (m *Metrics) RecordCatalogReload(status string) {
	if m == nil {
		return
	}
	m.CatalogReloadTotal.WithLabelValues(status).Inc()
}

// SetCatalogEntries sets the number of loaded catalog entries of a kind.
func (m *Metrics) SetCatalogEntries(kind string, count int) {
	if m == nil {
		return
	}
	m.CatalogEntries.WithLabelValues(kind).Set(float64(count))
}

// MetricsMiddleware records request count, latency, and sizes labelled by
// the chi route pattern, never the raw path.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		reqSize := int(max(r.ContentLength, 0))
		m.RecordHTTPRequest(r.Method, routePattern(r), rec.status, time.Since(start), reqSize, rec.bytes)
	})
}

// Handler serves /metrics from the default gatherer.
func Handler() http.Handler {
	return promhttp.Handler()
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := strings.TrimSuffix(rctx.RoutePattern(), "/*"); pattern != "" {
			return pattern
		}
	}
	return r.URL.Path
}
