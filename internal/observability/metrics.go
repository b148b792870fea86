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

const namespace = "dfrun"

var (
	httpDurationBuckets = prometheus.DefBuckets
	nodeDurationBuckets = []float64{0.01, 0.1, 0.5, 1, 5, 15, 30, 60, 300, 900, 3600}
	runDurationBuckets  = []float64{1, 5, 15, 30, 60, 300, 900, 1800, 3600, 7200}
	bodySizeBuckets     = prometheus.ExponentialBuckets(100, 10, 5)
)

// Metrics are the Prometheus instruments of the service. Methods on a nil
// *Metrics do nothing, so callers never need to check.
type Metrics struct {
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	RunsStartedTotal   *prometheus.CounterVec
	RunsCompletedTotal *prometheus.CounterVec
	RunsActive         *prometheus.GaugeVec
	RunDuration        *prometheus.HistogramVec

	NodeExecutionsTotal *prometheus.CounterVec
	NodeRetriesTotal    *prometheus.CounterVec
	NodeDuration        *prometheus.HistogramVec

	BackendCircuitBreakerState *prometheus.GaugeVec
	PoolSlotsInUse             *prometheus.GaugeVec

	ScheduledRunsTotal    *prometheus.CounterVec
	DefinitionReloadTotal *prometheus.CounterVec
	DefinitionsLoaded     prometheus.Gauge
}

// metricSet accumulates collectors so InitMetrics registers them in one call.
type metricSet []prometheus.Collector

func (s *metricSet) counter(subsystem, name, help string, labels ...string) *prometheus.CounterVec {
	c := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: subsystem, Name: name, Help: help,
	}, labels)
	*s = append(*s, c)
	return c
}

func (s *metricSet) gauge(subsystem, name, help string, labels ...string) *prometheus.GaugeVec {
	g := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: subsystem, Name: name, Help: help,
	}, labels)
	*s = append(*s, g)
	return g
}

func (s *metricSet) histogram(subsystem, name, help string, buckets []float64, labels ...string) *prometheus.HistogramVec {
	h := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: subsystem, Name: name, Help: help, Buckets: buckets,
	}, labels)
	*s = append(*s, h)
	return h
}

// InitMetrics creates every instrument and registers it with reg.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	var s metricSet
	m := &Metrics{
		HTTPRequestsTotal:     s.counter("http", "requests_total", "HTTP requests served.", "method", "path_pattern", "status"),
		HTTPRequestDuration:   s.histogram("http", "request_duration_seconds", "HTTP request latency.", httpDurationBuckets, "method", "path_pattern"),
		HTTPRequestSizeBytes:  s.histogram("http", "request_size_bytes", "HTTP request body size.", bodySizeBuckets, "method", "path_pattern"),
		HTTPResponseSizeBytes: s.histogram("http", "response_size_bytes", "HTTP response body size.", bodySizeBuckets, "method", "path_pattern"),

		RunsStartedTotal:   s.counter("runs", "started_total", "Runs that began executing.", "workflow_id", "triggered_by"),
		RunsCompletedTotal: s.counter("runs", "completed_total", "Runs that reached a final status.", "workflow_id", "status"),
		RunsActive:         s.gauge("runs", "active", "Runs executing right now.", "workflow_id"),
		RunDuration:        s.histogram("run", "duration_seconds", "Wall time of a run.", runDurationBuckets, "workflow_id"),

		NodeExecutionsTotal: s.counter("node", "executions_total", "Node executions by final status.", "workflow_id", "node_id", "status"),
		NodeRetriesTotal:    s.counter("node", "retries_total", "Node attempts after the first.", "workflow_id", "node_id"),
		NodeDuration:        s.histogram("node", "duration_seconds", "Wall time of a node across all attempts.", nodeDurationBuckets, "workflow_id", "node_id"),

		BackendCircuitBreakerState: s.gauge("backend", "circuit_breaker_state", "Breaker position (0=closed, 1=open, 2=half-open).", "service_id"),
		PoolSlotsInUse:             s.gauge("pool", "slots_in_use", "Occupied pool slots.", "pool"),

		ScheduledRunsTotal:    s.counter("", "scheduled_runs_total", "Runs enqueued by the scheduler.", "workflow_id"),
		DefinitionReloadTotal: s.counter("definition", "reload_total", "Definition loads by outcome.", "status"),
	}
	m.DefinitionsLoaded = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "definitions", Name: "loaded",
		Help: "Workflow definitions currently loaded.",
	})
	s = append(s, m.DefinitionsLoaded)

	reg.MustRegister(s...)
	return m
}

func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration, reqSize, respSize int) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
	m.HTTPRequestSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(reqSize))
	m.HTTPResponseSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(respSize))
}

// RecordRunStart counts a run entering running and marks it active.
func (m *Metrics) RecordRunStart(workflowID, triggeredBy string) {
	if m == nil {
		return
	}
	m.RunsStartedTotal.WithLabelValues(workflowID, triggeredBy).Inc()
	m.RunsActive.WithLabelValues(workflowID).Inc()
}

// RecordRunCompletion is the counterpart of RecordRunStart.
func (m *Metrics) RecordRunCompletion(workflowID, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.RunsActive.WithLabelValues(workflowID).Dec()
	m.RunsCompletedTotal.WithLabelValues(workflowID, status).Inc()
	m.RunDuration.WithLabelValues(workflowID).Observe(duration.Seconds())
}

func (m *Metrics) RecordNodeExecution(workflowID, nodeID, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.NodeExecutionsTotal.WithLabelValues(workflowID, nodeID, status).Inc()
	m.NodeDuration.WithLabelValues(workflowID, nodeID).Observe(duration.Seconds())
}

func (m *Metrics) RecordNodeRetry(workflowID, nodeID string) {
	if m == nil {
		return
	}
	m.NodeRetriesTotal.WithLabelValues(workflowID, nodeID).Inc()
}

// SetBackendCircuitBreakerState takes the numeric invoker.BreakerState.
func (m *Metrics) SetBackendCircuitBreakerState(serviceID string, state float64) {
	if m == nil {
		return
	}
	m.BackendCircuitBreakerState.WithLabelValues(serviceID).Set(state)
}

func (m *Metrics) SetPoolSlotsInUse(pool string, inUse float64) {
	if m == nil {
		return
	}
	m.PoolSlotsInUse.WithLabelValues(pool).Set(inUse)
}

func (m *Metrics) RecordScheduledRun(workflowID string) {
	if m == nil {
		return
	}
	m.ScheduledRunsTotal.WithLabelValues(workflowID).Inc()
}

// RecordDefinitionReload counts a load with status "success" or "error".
func (m *Metrics) RecordDefinitionReload(status string) {
	if m == nil {
		return
	}
	m.DefinitionReloadTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) SetDefinitionsLoaded(count float64) {
	if m == nil {
		return
	}
	m.DefinitionsLoaded.Set(count)
}

// MetricsMiddleware records request metrics labelled by chi route pattern,
// keeping run and workflow IDs out of the label space.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		m.RecordHTTPRequest(r.Method, routePattern(r), rec.status, time.Since(start), int(max(r.ContentLength, 0)), rec.bytes)
	})
}

// Handler serves the default Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// routePattern returns the matched chi pattern, or the raw path when the
// request did not go through a chi router.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	if p := strings.TrimSuffix(strings.Join(rctx.RoutePatterns, ""), "/*"); p != "" {
		return p
	}
	return r.URL.Path
}
