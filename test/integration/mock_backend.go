package integration

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

// Dataform operations served by MockDataform.
const (
	OpCreateCompilationResult  = "createCompilationResult"
	OpCreateWorkflowInvocation = "createWorkflowInvocation"
	OpGetWorkflowInvocation    = "getWorkflowInvocation"
)

const repositoryPattern = "/v1beta1/projects/{project}/locations/{location}/repositories/{repository}"

// MockDataform is a configurable HTTP test server that simulates the
// Dataform v1beta1 REST API. Operations without configured responses get a
// successful default: compilation results echo the request, invocations are
// created RUNNING and reported SUCCEEDED on the first poll.
type MockDataform struct {
	t      *testing.T
	server *httptest.Server

	mu           sync.RWMutex
	operations   map[string]*operationConfig
	receivedByOp map[string][]*RecordedRequest
	seq          int
}

// RecordedRequest captures the details of a request received by the mock.
type RecordedRequest struct {
	Method     string
	Path       string
	Body       map[string]any
	RawBody    []byte
	ReceivedAt time.Time
}

// operationConfig holds the configured responses for a single operation.
type operationConfig struct {
	mu        sync.Mutex
	responses []*mockResponse
	current   int
}

type mockResponse struct {
	status    int
	body      any
	delay     time.Duration
	connError bool
}

// OperationMock is a builder for configuring responses of one operation.
type OperationMock struct {
	backend *MockDataform
	opID    string
}

func newMockDataform(t *testing.T) *MockDataform {
	t.Helper()

	mb := &MockDataform{
		t:            t,
		operations:   make(map[string]*operationConfig),
		receivedByOp: make(map[string][]*RecordedRequest),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST "+repositoryPattern+"/compilationResults",
		mb.handleOperation(OpCreateCompilationResult, mb.defaultCompilationResult))
	mux.HandleFunc("POST "+repositoryPattern+"/workflowInvocations",
		mb.handleOperation(OpCreateWorkflowInvocation, mb.defaultWorkflowInvocation))
	mux.HandleFunc("GET "+repositoryPattern+"/workflowInvocations/{invocation}",
		mb.handleOperation(OpGetWorkflowInvocation, mb.defaultInvocationStatus))

	mb.server = httptest.NewServer(mux)
	t.Cleanup(mb.server.Close)
	return mb
}

// URL returns the base URL of the mock server.
func (mb *MockDataform) URL() string {
	return mb.server.URL
}

// Client returns an HTTP client for the mock server.
func (mb *MockDataform) Client() *http.Client {
	return mb.server.Client()
}

// OnOperation returns a builder for configuring responses for the named operation.
func (mb *MockDataform) OnOperation(operationID string) *OperationMock {
	return &OperationMock{backend: mb, opID: operationID}
}

// RespondWith queues a response with the given status and body. The last
// queued response repeats for subsequent calls.
func (om *OperationMock) RespondWith(status int, body any) *OperationMock {
	om.backend.addResponse(om.opID, &mockResponse{status: status, body: body})
	return om
}

// RespondWithError queues a Google API error response.
func (om *OperationMock) RespondWithError(status int, message string) *OperationMock {
	return om.RespondWith(status, map[string]any{
		"error": map[string]any{"code": status, "message": message},
	})
}

// RespondWithDelay queues a delayed response to simulate a slow backend.
func (om *OperationMock) RespondWithDelay(delay time.Duration, status int, body any) *OperationMock {
	om.backend.addResponse(om.opID, &mockResponse{status: status, body: body, delay: delay})
	return om
}

// RespondWithConnectionError queues a response that closes the connection.
func (om *OperationMock) RespondWithConnectionError() *OperationMock {
	om.backend.addResponse(om.opID, &mockResponse{connError: true})
	return om
}

func (mb *MockDataform) addResponse(opID string, resp *mockResponse) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	cfg, ok := mb.operations[opID]
	if !ok {
		cfg = &operationConfig{}
		mb.operations[opID] = cfg
	}
	cfg.responses = append(cfg.responses, resp)
}

func (mb *MockDataform) handleOperation(opID string, fallback func(r *http.Request, body map[string]any) any) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec := &RecordedRequest{
			Method:     r.Method,
			Path:       r.URL.Path,
			ReceivedAt: time.Now(),
		}
		if r.Body != nil {
			raw, _ := io.ReadAll(r.Body)
			rec.RawBody = raw
			if len(raw) > 0 {
				var parsed map[string]any
				if err := json.Unmarshal(raw, &parsed); err == nil {
					rec.Body = parsed
				}
			}
		}

		mb.mu.Lock()
		mb.receivedByOp[opID] = append(mb.receivedByOp[opID], rec)
		mb.mu.Unlock()

		resp := mb.getNextResponse(opID)
		if resp == nil {
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(fallback(r, rec.Body))
			return
		}

		if resp.connError {
			if hj, ok := w.(http.Hijacker); ok {
				if conn, _, _ := hj.Hijack(); conn != nil {
					conn.Close()
				}
			}
			return
		}
		if resp.delay > 0 {
			time.Sleep(resp.delay)
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(resp.status)
		if resp.body != nil {
			json.NewEncoder(w).Encode(resp.body)
		}
	}
}

func (mb *MockDataform) nextID(kind string) string {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	mb.seq++
	return fmt.Sprintf("%s-%d", kind, mb.seq)
}

func parent(r *http.Request) string {
	return fmt.Sprintf("projects/%s/locations/%s/repositories/%s",
		r.PathValue("project"), r.PathValue("location"), r.PathValue("repository"))
}

func (mb *MockDataform) defaultCompilationResult(r *http.Request, body map[string]any) any {
	return map[string]any{
		"name":                 parent(r) + "/compilationResults/" + mb.nextID("cr"),
		"gitCommitish":         body["gitCommitish"],
		"workspace":            body["workspace"],
		"resolvedGitCommitSha": "0123456789abcdef",
		"dataformCoreVersion":  "3.0.0",
	}
}

func (mb *MockDataform) defaultWorkflowInvocation(r *http.Request, body map[string]any) any {
	return map[string]any{
		"name":              parent(r) + "/workflowInvocations/" + mb.nextID("wi"),
		"compilationResult": body["compilationResult"],
		"state":             "RUNNING",
	}
}

func (mb *MockDataform) defaultInvocationStatus(r *http.Request, _ map[string]any) any {
	return map[string]any{
		"name":  parent(r) + "/workflowInvocations/" + r.PathValue("invocation"),
		"state": "SUCCEEDED",
	}
}

func (mb *MockDataform) getNextResponse(opID string) *mockResponse {
	mb.mu.RLock()
	cfg, ok := mb.operations[opID]
	mb.mu.RUnlock()
	if !ok || cfg == nil {
		return nil
	}

	cfg.mu.Lock()
	defer cfg.mu.Unlock()

	if len(cfg.responses) == 0 {
		return nil
	}
	idx := cfg.current
	if idx >= len(cfg.responses) {
		idx = len(cfg.responses) - 1
	} else {
		cfg.current++
	}
	return cfg.responses[idx]
}

// AssertCalled verifies that the operation was called the expected number of times.
func (mb *MockDataform) AssertCalled(t *testing.T, operationID string, expectedCount int) {
	t.Helper()
	mb.mu.RLock()
	actual := len(mb.receivedByOp[operationID])
	mb.mu.RUnlock()
	if actual != expectedCount {
		t.Errorf("mock dataform: operation %q called %d times, want %d", operationID, actual, expectedCount)
	}
}

// AssertNotCalled verifies that the operation was never called.
func (mb *MockDataform) AssertNotCalled(t *testing.T, operationID string) {
	t.Helper()
	mb.AssertCalled(t, operationID, 0)
}

// LastRequest returns the last request received for the operation, or nil.
func (mb *MockDataform) LastRequest(operationID string) *RecordedRequest {
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	reqs := mb.receivedByOp[operationID]
	if len(reqs) == 0 {
		return nil
	}
	return reqs[len(reqs)-1]
}

// AllRequests returns all requests received for the operation.
func (mb *MockDataform) AllRequests(operationID string) []*RecordedRequest {
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	reqs := mb.receivedByOp[operationID]
	copied := make([]*RecordedRequest, len(reqs))
	copy(copied, reqs)
	return copied
}

// ResetOperation clears recorded requests and configured responses for one operation.
func (mb *MockDataform) ResetOperation(operationID string) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	delete(mb.operations, operationID)
	delete(mb.receivedByOp, operationID)
}
