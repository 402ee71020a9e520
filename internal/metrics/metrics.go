package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics of the broker.
// All helper methods are safe to call on a nil receiver.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Pool metrics
	PoolLive      prometheus.Gauge
	PoolInUse     prometheus.Gauge
	PoolExhausted prometheus.Counter
	PoolDiscarded prometheus.Counter
	AcquireWait   prometheus.Histogram

	// Session metrics
	SessionsActive  prometheus.Gauge
	SessionsExpired prometheus.Counter

	// Tool metrics
	ToolCalls    *prometheus.CounterVec
	ToolDuration *prometheus.HistogramVec

	// Security metrics
	GuardBlocked *prometheus.CounterVec
	Forbidden    *prometheus.CounterVec
	RateLimited  prometheus.Counter

	// Audit metrics
	AuditDropped     prometheus.Counter
	AuditFlushed     prometheus.Counter
	AuditFlushErrors *prometheus.CounterVec
}

// New registers every collector on reg. A fresh registry per test keeps
// collectors from colliding.
func New(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,

		RequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "broker_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "route", "status"}),
		RequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "broker_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"method", "route"}),

		PoolLive: f.NewGauge(prometheus.GaugeOpts{
			Name: "broker_pool_instances_live",
			Help: "Browser instances currently alive",
		}),
		PoolInUse: f.NewGauge(prometheus.GaugeOpts{
			Name: "broker_pool_instances_in_use",
			Help: "Browser instances currently checked out",
		}),
		PoolExhausted: f.NewCounter(prometheus.CounterOpts{
			Name: "broker_pool_exhausted_total",
			Help: "Acquisitions that timed out waiting for a free instance",
		}),
		PoolDiscarded: f.NewCounter(prometheus.CounterOpts{
			Name: "broker_pool_discarded_total",
			Help: "Instances discarded on release instead of being reused",
		}),
		AcquireWait: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "broker_pool_acquire_seconds",
			Help:    "Time spent acquiring a browser instance",
			Buckets: []float64{.001, .01, .1, .5, 1, 2.5, 5, 10, 30},
		}),

		SessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "broker_sessions_active",
			Help: "Number of live sessions",
		}),
		SessionsExpired: f.NewCounter(prometheus.CounterOpts{
			Name: "broker_sessions_expired_total",
			Help: "Sessions removed because their TTL elapsed",
		}),

		ToolCalls: f.NewCounterVec(prometheus.CounterOpts{
			Name: "broker_tool_calls_total",
			Help: "Tool executions by source and outcome",
		}, []string{"source", "outcome"}),
		ToolDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "broker_tool_duration_seconds",
			Help:    "Tool execution duration in seconds",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"source"}),

		GuardBlocked: f.NewCounterVec(prometheus.CounterOpts{
			Name: "broker_destination_blocked_total",
			Help: "Destinations rejected by the guard",
		}, []string{"layer", "reason"}),
		Forbidden: f.NewCounterVec(prometheus.CounterOpts{
			Name: "broker_rbac_forbidden_total",
			Help: "Requests rejected by role checks",
		}, []string{"role", "gate"}),
		RateLimited: f.NewCounter(prometheus.CounterOpts{
			Name: "broker_rate_limited_total",
			Help: "Requests rejected by the rate limiter",
		}),

		AuditDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "broker_audit_dropped_total",
			Help: "Audit entries dropped because the buffer was full",
		}),
		AuditFlushed: f.NewCounter(prometheus.CounterOpts{
			Name: "broker_audit_flushed_total",
			Help: "Audit entries delivered to the sink",
		}),
		AuditFlushErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "broker_audit_flush_errors_total",
			Help: "Failed audit batch deliveries",
		}, []string{"sink"}),
	}
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveRequest records one HTTP request.
func (m *Metrics) ObserveRequest(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.RequestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

// SetPool updates the pool gauges.
func (m *Metrics) SetPool(live, inUse int) {
	if m == nil {
		return
	}
	m.PoolLive.Set(float64(live))
	m.PoolInUse.Set(float64(inUse))
}

// ObserveAcquire records how long an acquisition took and whether it failed for lack of capacity.
func (m *Metrics) ObserveAcquire(d time.Duration, exhausted bool) {
	if m == nil {
		return
	}
	m.AcquireWait.Observe(d.Seconds())
	if exhausted {
		m.PoolExhausted.Inc()
	}
}

// InstanceDiscarded counts one discarded instance.
func (m *Metrics) InstanceDiscarded() {
	if m == nil {
		return
	}
	m.PoolDiscarded.Inc()
}

// SetSessions updates the active session gauge.
func (m *Metrics) SetSessions(n int) {
	if m == nil {
		return
	}
	m.SessionsActive.Set(float64(n))
}

// SessionExpired counts one expired session.
func (m *Metrics) SessionExpired() {
	if m == nil {
		return
	}
	m.SessionsExpired.Inc()
}

// ObserveTool records one tool execution.
func (m *Metrics) ObserveTool(source, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.ToolCalls.WithLabelValues(source, outcome).Inc()
	m.ToolDuration.WithLabelValues(source).Observe(d.Seconds())
}

// Blocked counts a destination rejected at the given layer ("admission" or "network").
func (m *Metrics) Blocked(layer, reason string) {
	if m == nil {
		return
	}
	m.GuardBlocked.WithLabelValues(layer, reason).Inc()
}

// Denied counts a failed role gate.
func (m *Metrics) Denied(role, gate string) {
	if m == nil {
		return
	}
	m.Forbidden.WithLabelValues(role, gate).Inc()
}

// Throttled counts a rate-limited request.
func (m *Metrics) Throttled() {
	if m == nil {
		return
	}
	m.RateLimited.Inc()
}

// AuditDrop counts an audit entry lost to a full buffer.
func (m *Metrics) AuditDrop() {
	if m == nil {
		return
	}
	m.AuditDropped.Inc()
}

// AuditFlush records the delivery of one batch.
func (m *Metrics) AuditFlush(sink string, n int, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.AuditFlushErrors.WithLabelValues(sink).Inc()
		return
	}
	m.AuditFlushed.Add(float64(n))
}
