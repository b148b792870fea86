package integration

import (
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/pitabwire/dfrun/internal/config"
	"github.com/pitabwire/dfrun/internal/invoker"
	"github.com/pitabwire/dfrun/internal/pipeline"
	"github.com/pitabwire/dfrun/model"
)

const compiledName = "projects/cc-data-analytics-prd/locations/us-central1/repositories/dataform-code/compilationResults/ok"

// ==========================================================================
// Backend errors
// ==========================================================================

func TestResilience_ServerErrorFailsRun(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(OperatorClaims())

	h.Backend.OnOperation(OpCreateCompilationResult).RespondWithError(http.StatusInternalServerError, "internal")

	run := h.WaitForRun(t, h.TriggerRun(t, token, nil).ID, token)
	if run.Status != model.RunStatusFailed {
		t.Fatalf("run status = %q, want failed", run.Status)
	}
	nodeErr := run.Node(pipeline.NodeCreateCompilationResult).Error
	if !strings.Contains(nodeErr, model.ErrRemoteCallError) {
		t.Errorf("node error = %q, want %s", nodeErr, model.ErrRemoteCallError)
	}
	h.Backend.AssertCalled(t, OpCreateCompilationResult, 1)
}

func TestResilience_ConnectionErrorFailsRun(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(OperatorClaims())

	h.Backend.OnOperation(OpCreateCompilationResult).RespondWithConnectionError()

	run := h.WaitForRun(t, h.TriggerRun(t, token, nil).ID, token)
	if run.Status != model.RunStatusFailed {
		t.Fatalf("run status = %q, want failed", run.Status)
	}
	h.Backend.AssertNotCalled(t, OpCreateWorkflowInvocation)
}

func TestResilience_SlowBackendTimesOut(t *testing.T) {
	h := NewTestHarness(t, WithDataformConfig(func(c *config.DataformConfig) {
		c.Timeout = 50 * time.Millisecond
	}))
	token := h.GenerateToken(OperatorClaims())

	h.Backend.OnOperation(OpCreateCompilationResult).RespondWithDelay(500*time.Millisecond, http.StatusOK, map[string]any{
		"name": compiledName,
	})

	run := h.WaitForRun(t, h.TriggerRun(t, token, nil).ID, token)
	if run.Status != model.RunStatusFailed {
		t.Fatalf("run status = %q, want failed", run.Status)
	}
	nodeErr := run.Node(pipeline.NodeCreateCompilationResult).Error
	if !strings.Contains(nodeErr, model.ErrBackendTimeout) {
		t.Errorf("node error = %q, want %s", nodeErr, model.ErrBackendTimeout)
	}
}

// ==========================================================================
// Transport retries
// ==========================================================================

func TestResilience_PollRetriesTransientErrors(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(OperatorClaims())

	h.Backend.OnOperation(OpGetWorkflowInvocation).
		RespondWithError(http.StatusServiceUnavailable, "unavailable").
		RespondWith(http.StatusOK, map[string]any{"state": "SUCCEEDED"})

	run := h.WaitForRun(t, h.TriggerRun(t, token, nil).ID, token)
	if run.Status != model.RunStatusSuccess {
		t.Fatalf("run status = %q, want success\n%s", run.Status, FormatJSON(run))
	}
	h.Backend.AssertCalled(t, OpGetWorkflowInvocation, 2)
	h.Backend.AssertCalled(t, OpCreateWorkflowInvocation, 1)
	for _, n := range run.Nodes {
		if n.Status != model.NodeStatusSuccess {
			t.Errorf("node %s status = %q, want success", n.NodeID, n.Status)
		}
	}
}

func TestResilience_InvocationCreateIsNotRetried(t *testing.T) {
	h := NewTestHarness(t, WithDataformConfig(func(c *config.DataformConfig) {
		c.Retry.MaxAttempts = 3
	}))
	token := h.GenerateToken(OperatorClaims())

	h.Backend.OnOperation(OpCreateWorkflowInvocation).RespondWithError(http.StatusServiceUnavailable, "unavailable")

	run := h.WaitForRun(t, h.TriggerRun(t, token, nil).ID, token)
	if run.Status != model.RunStatusFailed {
		t.Fatalf("run status = %q, want failed", run.Status)
	}
	h.Backend.AssertCalled(t, OpCreateWorkflowInvocation, 1)
}

func TestResilience_ClientErrorsAreNotRetried(t *testing.T) {
	h := NewTestHarness(t, WithDataformConfig(func(c *config.DataformConfig) {
		c.Retry.MaxAttempts = 3
	}))
	token := h.GenerateToken(OperatorClaims())

	h.Backend.OnOperation(OpCreateCompilationResult).RespondWithError(http.StatusBadRequest, "bad request")

	h.WaitForRun(t, h.TriggerRun(t, token, nil).ID, token)
	h.Backend.AssertCalled(t, OpCreateCompilationResult, 1)
}

// ==========================================================================
// Circuit Breaker Tests
// ==========================================================================

func TestResilience_CircuitBreakerOpensAfterFailures(t *testing.T) {
	h := NewTestHarness(t, WithCircuitBreaker(config.CircuitBreakerConfig{
		FailureThreshold: 2,
		SuccessThreshold: 1,
		Timeout:          time.Hour,
	}))
	token := h.GenerateToken(OperatorClaims())

	h.Backend.OnOperation(OpCreateCompilationResult).RespondWithError(http.StatusInternalServerError, "internal")

	for range 2 {
		h.WaitForRun(t, h.TriggerRun(t, token, nil).ID, token)
	}
	if state := h.Dataform.Breaker().State(); state != invoker.BreakerOpen {
		t.Fatalf("breaker state = %v, want open", state)
	}

	// With the circuit open the backend is not contacted at all.
	run := h.WaitForRun(t, h.TriggerRun(t, token, nil).ID, token)
	if run.Status != model.RunStatusFailed {
		t.Fatalf("run status = %q, want failed", run.Status)
	}
	h.Backend.AssertCalled(t, OpCreateCompilationResult, 2)
	nodeErr := run.Node(pipeline.NodeCreateCompilationResult).Error
	if !strings.Contains(nodeErr, model.ErrBackendUnavailable) {
		t.Errorf("node error = %q, want %s", nodeErr, model.ErrBackendUnavailable)
	}
}

func TestResilience_CircuitBreakerRecovers(t *testing.T) {
	h := NewTestHarness(t, WithCircuitBreaker(config.CircuitBreakerConfig{
		FailureThreshold: 1,
		SuccessThreshold: 1,
		Timeout:          50 * time.Millisecond,
	}))
	token := h.GenerateToken(OperatorClaims())

	h.Backend.OnOperation(OpCreateCompilationResult).
		RespondWithError(http.StatusInternalServerError, "internal").
		RespondWith(http.StatusOK, map[string]any{"name": compiledName})

	h.WaitForRun(t, h.TriggerRun(t, token, nil).ID, token)
	if state := h.Dataform.Breaker().State(); state != invoker.BreakerOpen {
		t.Fatalf("breaker state = %v, want open", state)
	}

	time.Sleep(100 * time.Millisecond)

	run := h.WaitForRun(t, h.TriggerRun(t, token, nil).ID, token)
	if run.Status != model.RunStatusSuccess {
		t.Fatalf("run status = %q, want success\n%s", run.Status, FormatJSON(run))
	}
	if state := h.Dataform.Breaker().State(); state != invoker.BreakerClosed {
		t.Errorf("breaker state = %v, want closed", state)
	}
}

func TestResilience_ClientErrorsDoNotTripBreaker(t *testing.T) {
	h := NewTestHarness(t, WithCircuitBreaker(config.CircuitBreakerConfig{
		FailureThreshold: 1,
		Timeout:          time.Hour,
	}))
	token := h.GenerateToken(OperatorClaims())

	h.Backend.OnOperation(OpCreateCompilationResult).RespondWithError(http.StatusNotFound, "repository not found")

	for range 2 {
		h.WaitForRun(t, h.TriggerRun(t, token, nil).ID, token)
	}
	h.Backend.AssertCalled(t, OpCreateCompilationResult, 2)
	if state := h.Dataform.Breaker().State(); state != invoker.BreakerClosed {
		t.Errorf("breaker state = %v, want closed", state)
	}
}

// ==========================================================================
// Readiness
// ==========================================================================

func TestResilience_ReadinessSurvivesBackendFailures(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(OperatorClaims())

	h.Backend.OnOperation(OpCreateCompilationResult).RespondWithError(http.StatusInternalServerError, "internal")
	h.WaitForRun(t, h.TriggerRun(t, token, nil).ID, token)

	h.AssertStatus(t, h.GET("/readyz", ""), http.StatusOK)
}
