package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const wf = "execute_workflow_datafrom_dev"

func newTestMetrics(t *testing.T) (*Metrics, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	return InitMetrics(reg), reg
}

func TestInitMetrics_names(t *testing.T) {
	m, reg := newTestMetrics(t)

	// Vectors are only gathered once a label set exists.
	m.RecordHTTPRequest(http.MethodGet, "/healthz", 200, time.Millisecond, 0, 2)
	m.RecordRunStart(wf, "manual")
	m.RecordRunCompletion(wf, "success", time.Second)
	m.RecordNodeExecution(wf, "start", "success", time.Millisecond)
	m.RecordNodeRetry(wf, "create-compilation-result")
	m.SetBackendCircuitBreakerState("dataform", 0)
	m.SetPoolSlotsInUse("general", 1)
	m.RecordScheduledRun(wf)
	m.RecordDefinitionReload("success")
	m.SetDefinitionsLoaded(1)

	families, err := reg.Gather()
	require.NoError(t, err)
	var got []string
	for _, f := range families {
		got = append(got, f.GetName())
	}
	assert.ElementsMatch(t, []string{
		"dfrun_http_requests_total",
		"dfrun_http_request_duration_seconds",
		"dfrun_http_request_size_bytes",
		"dfrun_http_response_size_bytes",
		"dfrun_runs_started_total",
		"dfrun_runs_completed_total",
		"dfrun_runs_active",
		"dfrun_run_duration_seconds",
		"dfrun_node_executions_total",
		"dfrun_node_retries_total",
		"dfrun_node_duration_seconds",
		"dfrun_backend_circuit_breaker_state",
		"dfrun_pool_slots_in_use",
		"dfrun_scheduled_runs_total",
		"dfrun_definition_reload_total",
		"dfrun_definitions_loaded",
	}, got)
}

func TestMetrics_nilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordHTTPRequest(http.MethodGet, "/", 200, 0, 0, 0)
		m.RecordRunStart(wf, "manual")
		m.RecordRunCompletion(wf, "failed", time.Second)
		m.RecordNodeExecution(wf, "n", "failed", time.Second)
		m.RecordNodeRetry(wf, "n")
		m.SetBackendCircuitBreakerState("dataform", 1)
		m.SetPoolSlotsInUse("general", 1)
		m.RecordScheduledRun(wf)
		m.RecordDefinitionReload("error")
		m.SetDefinitionsLoaded(3)
	})
}

func TestRunLifecycleMetrics(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordRunStart(wf, "manual")
	m.RecordRunStart(wf, "scheduler")
	assert.Equal(t, 2.0, testutil.ToFloat64(m.RunsActive.WithLabelValues(wf)))

	m.RecordRunCompletion(wf, "failed", 3*time.Second)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RunsActive.WithLabelValues(wf)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RunsCompletedTotal.WithLabelValues(wf, "failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RunsStartedTotal.WithLabelValues(wf, "scheduler")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.RunDuration))
}

func TestNodeMetrics(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordNodeExecution(wf, "create-compilation-result", "success", 2*time.Second)
	m.RecordNodeRetry(wf, "create-workflow-invocation")
	m.RecordNodeRetry(wf, "create-workflow-invocation")
	m.RecordNodeExecution(wf, "create-workflow-invocation", "failed", time.Minute)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.NodeExecutionsTotal.WithLabelValues(wf, "create-workflow-invocation", "failed")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.NodeRetriesTotal.WithLabelValues(wf, "create-workflow-invocation")))
	assert.Equal(t, 2, testutil.CollectAndCount(m.NodeDuration))
}

func TestGaugeMetrics(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.SetBackendCircuitBreakerState("dataform", 1)
	m.SetPoolSlotsInUse("general", 3)
	m.RecordDefinitionReload("success")
	m.RecordDefinitionReload("error")
	m.SetDefinitionsLoaded(2)

	err := testutil.CollectAndCompare(m.BackendCircuitBreakerState, strings.NewReader(`
# HELP dfrun_backend_circuit_breaker_state Breaker position (0=closed, 1=open, 2=half-open).
# TYPE dfrun_backend_circuit_breaker_state gauge
dfrun_backend_circuit_breaker_state{service_id="dataform"} 1
`))
	assert.NoError(t, err)
	assert.Equal(t, 3.0, testutil.ToFloat64(m.PoolSlotsInUse.WithLabelValues("general")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DefinitionReloadTotal.WithLabelValues("error")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.DefinitionsLoaded))
}

func TestMetricsMiddleware(t *testing.T) {
	m, _ := newTestMetrics(t)

	r := chi.NewRouter()
	r.Use(m.MetricsMiddleware)
	r.Get("/api/v1/runs/{runId}", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	r.Post("/api/v1/workflows/{workflowId}/runs", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	})

	for _, id := range []string{"run-a", "run-b"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/runs/"+id, nil))
		require.Equal(t, http.StatusOK, rec.Code)
	}
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/v1/workflows/wf/runs", strings.NewReader("{}")))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues(http.MethodGet, "/api/v1/runs/{runId}", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues(http.MethodPost, "/api/v1/workflows/{workflowId}/runs", "400")))
	assert.Equal(t, 2, testutil.CollectAndCount(m.HTTPResponseSizeBytes))
}

func TestRoutePattern_withoutRouter(t *testing.T) {
	assert.Equal(t, "/raw/path", routePattern(httptest.NewRequest(http.MethodGet, "/raw/path", nil)))
}
