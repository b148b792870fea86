package transport

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/dfrun/internal/config"
	"github.com/pitabwire/dfrun/model"
)

func testDeps(t *testing.T) Dependencies {
	t.Helper()
	cfg := config.Defaults()
	cfg.Server.HandlerTimeout = 5 * time.Second
	engine, catalog := newTestEngine(t)
	return Dependencies{
		Config:    cfg,
		Workflows: catalog,
		Runs:      engine,
		Readiness: readyChecks(catalog),
	}
}

func rejectAll(http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		WriteError(w, model.NewUnauthorizedError("rejected"))
	})
}

func get(r http.Handler, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func TestNewRouter_publicEndpoints(t *testing.T) {
	deps := testDeps(t)
	deps.Authenticate = rejectAll
	r := NewRouter(deps)

	w := get(r, "/healthz")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ok"`)

	assert.Equal(t, http.StatusOK, get(r, "/readyz").Code)

	w = get(r, "/metrics")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "# HELP")
}

func TestNewRouter_notReadyWithoutDefinitions(t *testing.T) {
	deps := testDeps(t)
	deps.Readiness.DefinitionsLoaded = func() bool { return false }
	assert.Equal(t, http.StatusServiceUnavailable, get(NewRouter(deps), "/readyz").Code)
}

func TestNewRouter_metricsDisabled(t *testing.T) {
	deps := testDeps(t)
	deps.Config.Observability.Metrics.Enabled = false
	assert.Equal(t, http.StatusNotFound, get(NewRouter(deps), "/metrics").Code)
}

func TestNewRouter_apiRequiresAuthentication(t *testing.T) {
	deps := testDeps(t)
	deps.Authenticate = rejectAll
	r := NewRouter(deps)

	// A 401 proves the route exists; unregistered paths would 404 or 405.
	for _, route := range []struct{ method, path string }{
		{http.MethodGet, "/api/v1/workflows"},
		{http.MethodGet, "/api/v1/workflows/wf"},
		{http.MethodPost, "/api/v1/workflows/wf/runs"},
		{http.MethodGet, "/api/v1/workflows/wf/runs"},
		{http.MethodGet, "/api/v1/runs/run-1"},
		{http.MethodGet, "/api/v1/runs/run-1/events"},
	} {
		t.Run(route.method+" "+route.path, func(t *testing.T) {
			w := httptest.NewRecorder()
			r.ServeHTTP(w, httptest.NewRequest(route.method, route.path, nil))
			assert.Equal(t, http.StatusUnauthorized, w.Code)
		})
	}
}

func TestNewRouter_globalHeaders(t *testing.T) {
	w := get(NewRouter(testDeps(t)), "/healthz")
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.NotEmpty(t, w.Header().Get(correlationHeader))
}
