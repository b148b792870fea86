// Package integration provides a reusable test harness for end-to-end
// integration testing of the dfrun API. It starts a full HTTP server wired to
// a mock Dataform API, an in-memory run store, and a test JWT issuer.
package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
	"google.golang.org/api/option"

	"github.com/pitabwire/dfrun/internal/config"
	"github.com/pitabwire/dfrun/internal/definition"
	"github.com/pitabwire/dfrun/internal/invoker"
	"github.com/pitabwire/dfrun/internal/observability"
	"github.com/pitabwire/dfrun/internal/pipeline"
	"github.com/pitabwire/dfrun/internal/pool"
	"github.com/pitabwire/dfrun/internal/transport"
	"github.com/pitabwire/dfrun/internal/workflow"
	"github.com/pitabwire/dfrun/model"
)

// WorkflowID is the id of the Dataform workflow served by the harness.
const WorkflowID = "execute_workflow_datafrom_dev"

// TestHarness encapsulates a fully wired dfrun instance with a mock Dataform
// backend for integration testing.
type TestHarness struct {
	t      *testing.T
	server *httptest.Server
	issuer *tokenIssuer

	// Internal components exposed for advanced test scenarios.
	Registry *definition.Registry
	Store    *workflow.MemoryRunStore
	Engine   *workflow.Engine
	Dataform *invoker.DataformInvoker
	Backend  *MockDataform

	cfg *config.Config
}

// HarnessOption configures the test harness.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	settings       pipeline.Settings
	dataform       func(*config.DataformConfig)
	handlerTimeout time.Duration
}

// WithSettings adjusts the Dataform workflow settings.
func WithSettings(fn func(*pipeline.Settings)) HarnessOption {
	return func(c *harnessConfig) {
		fn(&c.settings)
	}
}

// WithCircuitBreaker sets the Dataform circuit breaker configuration.
func WithCircuitBreaker(cb config.CircuitBreakerConfig) HarnessOption {
	return WithDataformConfig(func(c *config.DataformConfig) {
		c.CircuitBreaker = cb
	})
}

// WithDataformConfig adjusts the Dataform client configuration.
func WithDataformConfig(fn func(*config.DataformConfig)) HarnessOption {
	return func(c *harnessConfig) {
		prev := c.dataform
		c.dataform = func(dc *config.DataformConfig) {
			if prev != nil {
				prev(dc)
			}
			fn(dc)
		}
	}
}

// WithHandlerTimeout sets the per-request handler timeout.
func WithHandlerTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.handlerTimeout = d
	}
}

// NewTestHarness creates and starts a full dfrun test instance. The server
// and engine are cleaned up when the test completes.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	hc := &harnessConfig{
		settings:       pipeline.DefaultSettings(),
		handlerTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(hc)
	}

	logger := zaptest.NewLogger(t)
	h := &TestHarness{t: t}

	// Step 1: Start the mock Dataform API.
	h.Backend = newMockDataform(t)

	// Step 2: Build the registry from the Dataform workflow.
	file, err := pipeline.DefinitionFile(hc.settings)
	if err != nil {
		t.Fatalf("build workflow: %v", err)
	}
	h.Registry, err = definition.NewRegistry([]model.DefinitionFile{file})
	if err != nil {
		t.Fatalf("build registry: %v", err)
	}

	// Step 3: Build the Dataform invoker against the mock.
	h.cfg = config.Defaults()
	dfCfg := h.cfg.Dataform
	dfCfg.Timeout = 5 * time.Second
	dfCfg.PollInterval = 5 * time.Millisecond
	dfCfg.WaitTimeout = 5 * time.Second
	dfCfg.Retry.BackoffInitial = time.Millisecond
	dfCfg.Retry.BackoffMax = 5 * time.Millisecond
	if hc.dataform != nil {
		hc.dataform(&dfCfg)
	}
	h.cfg.Dataform = dfCfg

	h.Dataform, err = invoker.NewDataformInvoker(context.Background(), dfCfg, logger,
		option.WithEndpoint(h.Backend.URL()+"/"),
		option.WithHTTPClient(h.Backend.Client()),
		option.WithoutAuthentication(),
	)
	if err != nil {
		t.Fatalf("build dataform invoker: %v", err)
	}
	invokers := invoker.NewRegistry()
	invokers.Register(h.Dataform)

	// Step 4: Build the engine.
	pools, err := pool.New(h.cfg.Pools)
	if err != nil {
		t.Fatalf("build pools: %v", err)
	}
	h.Store = workflow.NewMemoryRunStore()
	h.Engine = workflow.NewEngine(h.Registry, h.Store, invokers, pools, logger)
	t.Cleanup(func() { _ = h.Engine.Shutdown(context.Background()) })

	// Step 5: Create JWT issuer and identity config.
	h.issuer = newTokenIssuer(t)
	h.cfg.Server.HandlerTimeout = hc.handlerTimeout
	h.cfg.Identity = config.IdentityConfig{
		Enabled:      true,
		Issuer:       h.issuer.Issuer(),
		Audience:     h.issuer.Audience(),
		JWKSURL:      h.issuer.JWKSURL(),
		JWKSCacheTTL: time.Hour,
		Algorithms:   []string{"RS256"},
		ClaimPaths: map[string]string{
			"subject_id": "sub",
			"email":      "email",
			"roles":      "roles",
		},
	}

	// Step 6: Build router with full middleware chain.
	jwks := transport.NewJWKSClient(h.issuer.JWKSURL(), time.Hour, logger)
	router := transport.NewRouter(transport.Dependencies{
		Config:       h.cfg,
		Authenticate: transport.JWTAuthenticator(h.cfg.Identity, transport.KeySet{JWKS: jwks}),
		Workflows:    h.Registry,
		Runs:         h.Engine,
		Readiness: observability.ReadinessChecks{
			DefinitionsLoaded: func() bool { return len(h.Registry.AllWorkflows()) > 0 },
			RunStore:          h.Store,
		},
		Logger: logger,
	})

	// Step 7: Start test server.
	h.server = httptest.NewServer(router)
	t.Cleanup(h.server.Close)

	return h
}

// BaseURL returns the test server's base URL.
func (h *TestHarness) BaseURL() string {
	return h.server.URL
}

// GenerateToken creates a valid JWT token with the given claims.
func (h *TestHarness) GenerateToken(claims TestClaims) string {
	return h.issuer.GenerateToken(claims)
}

// GenerateExpiredToken creates a JWT that has already expired.
func (h *TestHarness) GenerateExpiredToken(claims TestClaims) string {
	return h.issuer.GenerateExpiredToken(claims)
}

// --- HTTP client helpers ---

// GET performs an authenticated GET request.
func (h *TestHarness) GET(path, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("GET", path, nil, token)
}

// POST performs an authenticated POST request with a JSON body.
func (h *TestHarness) POST(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("POST", path, body, token)
}

func (h *TestHarness) doRequest(method, path string, body any, token string) *http.Response {
	h.t.Helper()

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			h.t.Fatalf("marshal request body: %v", err)
		}
		bodyReader = strings.NewReader(string(data))
	}

	req, err := http.NewRequestWithContext(context.Background(), method, h.server.URL+path, bodyReader)
	if err != nil {
		h.t.Fatalf("create request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s failed: %v", method, path, err)
	}
	return resp
}

// ParseJSON reads the response body and unmarshals it into the target.
func (h *TestHarness) ParseJSON(resp *http.Response, target any) {
	h.t.Helper()
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		h.t.Fatalf("unmarshal response body: %v\nbody: %s", err, string(data))
	}
}

// AssertStatus checks that the response has the expected status code.
func (h *TestHarness) AssertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	defer resp.Body.Close()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		t.Errorf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
}

// AssertJSON checks that the response has the expected status and parses the body.
func (h *TestHarness) AssertJSON(t *testing.T, resp *http.Response, expected int, target any) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
	h.ParseJSON(resp, target)
}

// --- Run helpers ---

// TriggerRun starts a run of the Dataform workflow through the API and
// returns the queued run.
func (h *TestHarness) TriggerRun(t *testing.T, token string, body any) model.RunInstance {
	t.Helper()
	var run model.RunInstance
	h.AssertJSON(t, h.POST("/api/v1/workflows/"+WorkflowID+"/runs", body, token), http.StatusAccepted, &run)
	return run
}

// WaitForRun polls the run through the API until it is terminal.
func (h *TestHarness) WaitForRun(t *testing.T, runID, token string) model.RunInstance {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for {
		var run model.RunInstance
		h.AssertJSON(t, h.GET("/api/v1/runs/"+runID, token), http.StatusOK, &run)
		if run.Terminal() {
			return run
		}
		if time.Now().After(deadline) {
			t.Fatalf("run %s still %s after 10s", runID, run.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// RunEvents returns the audit events of a run through the API.
func (h *TestHarness) RunEvents(t *testing.T, runID, token string) []model.RunEvent {
	t.Helper()
	var resp struct {
		Data []model.RunEvent `json:"data"`
	}
	h.AssertJSON(t, h.GET("/api/v1/runs/"+runID+"/events", token), http.StatusOK, &resp)
	return resp.Data
}

// --- Default test claims ---

// OperatorClaims returns TestClaims for a pipeline operator.
func OperatorClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-operator",
		Email:     "operator@cuervo.example.com",
		Roles:     []string{"pipeline_operator"},
	}
}

// EventNames returns the event names in order.
func EventNames(events []model.RunEvent) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.Event
	}
	return out
}

// FormatJSON converts a value to indented JSON for test output.
func FormatJSON(v any) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
