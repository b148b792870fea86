package invoker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/pitabwire/dfrun/internal/config"
	"github.com/pitabwire/dfrun/model"
)

const testParent = "projects/p/locations/us-central1/repositories/repo"

// fakeDataform serves the subset of the Dataform REST surface used by the
// invoker. Handlers are looked up by "METHOD suffix".
type fakeDataform struct {
	t        *testing.T
	mu       sync.Mutex
	calls    map[string]int
	bodies   map[string][]map[string]any
	handlers map[string]func(n int) (int, any)
}

func newFakeDataform(t *testing.T) *fakeDataform {
	return &fakeDataform{
		t:        t,
		calls:    make(map[string]int),
		bodies:   make(map[string][]map[string]any),
		handlers: make(map[string]func(n int) (int, any)),
	}
}

func (f *fakeDataform) on(key string, fn func(n int) (int, any)) {
	f.handlers[key] = fn
}

func (f *fakeDataform) count(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[key]
}

func (f *fakeDataform) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var key string
	switch {
	case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/compilationResults"):
		key = "create_compilation"
	case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/workflowInvocations"):
		key = "create_invocation"
	case r.Method == http.MethodGet && strings.Contains(r.URL.Path, "/workflowInvocations/"):
		key = "get_invocation"
	default:
		http.NotFound(w, r)
		return
	}

	var body map[string]any
	if r.Body != nil && r.Method == http.MethodPost {
		_ = json.NewDecoder(r.Body).Decode(&body)
	}

	f.mu.Lock()
	f.calls[key]++
	n := f.calls[key]
	f.bodies[key] = append(f.bodies[key], body)
	fn := f.handlers[key]
	f.mu.Unlock()

	if fn == nil {
		http.NotFound(w, r)
		return
	}
	status, resp := fn(n)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

func apiError(code int, msg string) map[string]any {
	return map[string]any{"error": map[string]any{"code": code, "message": msg}}
}

func newTestInvoker(t *testing.T, fake *fakeDataform, mutate func(*config.DataformConfig)) *DataformInvoker {
	t.Helper()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	cfg := config.Defaults().Dataform
	cfg.PollInterval = time.Millisecond
	cfg.Retry.BackoffInitial = time.Millisecond
	cfg.Retry.BackoffMax = 2 * time.Millisecond
	if mutate != nil {
		mutate(&cfg)
	}

	inv, err := NewDataformInvoker(context.Background(), cfg, zap.NewNop(),
		option.WithEndpoint(srv.URL+"/"),
		option.WithHTTPClient(srv.Client()),
		option.WithoutAuthentication(),
	)
	require.NoError(t, err)
	return inv
}

func binding(op string) model.OperationBinding {
	return model.OperationBinding{
		Type:         model.BindingTypeDataform,
		Name:         op,
		ProjectID:    "p",
		Region:       "us-central1",
		RepositoryID: "repo",
	}
}

func TestDataformInvoker_Supports(t *testing.T) {
	inv := newTestInvoker(t, newFakeDataform(t), nil)
	assert.True(t, inv.Supports(binding(model.OperationCreateCompilationResult)))
	assert.False(t, inv.Supports(model.OperationBinding{Type: model.BindingTypeHandler}))
}

func TestDataformInvoker_createCompilationResult(t *testing.T) {
	fake := newFakeDataform(t)
	fake.on("create_compilation", func(int) (int, any) {
		return http.StatusOK, map[string]any{
			"name":                 testParent + "/compilationResults/c1",
			"gitCommitish":         "main",
			"workspace":            testParent + "/workspaces/luissalazar",
			"resolvedGitCommitSha": "deadbeef",
			"dataformCoreVersion":  "3.0.0",
		}
	})
	inv := newTestInvoker(t, fake, nil)

	res, err := inv.Invoke(context.Background(), binding(model.OperationCreateCompilationResult), model.InvocationInput{
		Body: map[string]any{
			"git_commitish": "main",
			"workspace":     testParent + "/workspaces/luissalazar",
		},
	})
	require.NoError(t, err)
	assert.Equal(t, testParent+"/compilationResults/c1", res.Body["name"])
	assert.Equal(t, "deadbeef", res.Body["resolved_git_commit_sha"])
	assert.Equal(t, []any{}, res.Body["compilation_errors"])

	require.Len(t, fake.bodies["create_compilation"], 1)
	sent := fake.bodies["create_compilation"][0]
	assert.Equal(t, "main", sent["gitCommitish"])
	assert.Equal(t, testParent+"/workspaces/luissalazar", sent["workspace"])
}

func TestDataformInvoker_compilationErrorsFail(t *testing.T) {
	fake := newFakeDataform(t)
	fake.on("create_compilation", func(int) (int, any) {
		return http.StatusOK, map[string]any{
			"name": testParent + "/compilationResults/c2",
			"compilationErrors": []any{
				map[string]any{"message": "unexpected token", "path": "definitions/a.sqlx"},
			},
		}
	})
	inv := newTestInvoker(t, fake, nil)

	_, err := inv.Invoke(context.Background(), binding(model.OperationCreateCompilationResult), model.InvocationInput{
		Body: map[string]any{"git_commitish": "main"},
	})
	require.Error(t, err)
	assert.True(t, model.HasCode(err, model.ErrRemoteCallError), "err = %v", err)
	assert.Contains(t, err.Error(), "unexpected token")
}

func TestDataformInvoker_compilationRequiresSource(t *testing.T) {
	inv := newTestInvoker(t, newFakeDataform(t), nil)
	_, err := inv.Invoke(context.Background(), binding(model.OperationCreateCompilationResult), model.InvocationInput{})
	assert.True(t, model.HasCode(err, model.ErrConfigurationError), "err = %v", err)
}

func TestDataformInvoker_invocationWaitsForSuccess(t *testing.T) {
	fake := newFakeDataform(t)
	fake.on("create_invocation", func(int) (int, any) {
		return http.StatusOK, map[string]any{
			"name":              testParent + "/workflowInvocations/w1",
			"compilationResult": testParent + "/compilationResults/c1",
			"state":             InvocationStateRunning,
		}
	})
	fake.on("get_invocation", func(n int) (int, any) {
		state := InvocationStateRunning
		if n >= 2 {
			state = InvocationStateSucceeded
		}
		return http.StatusOK, map[string]any{
			"name":              testParent + "/workflowInvocations/w1",
			"compilationResult": testParent + "/compilationResults/c1",
			"state":             state,
			"invocationTiming":  map[string]any{"startTime": "2026-10-19T00:00:00Z", "endTime": "2026-10-19T00:05:00Z"},
		}
	})
	inv := newTestInvoker(t, fake, nil)

	res, err := inv.Invoke(context.Background(), binding(model.OperationCreateWorkflowInvocation), model.InvocationInput{
		Body: map[string]any{
			"compilation_result": testParent + "/compilationResults/c1",
			"invocation_config": map[string]any{
				"included_tags":                  []any{"daily"},
				"included_targets":               []any{"analytics.orders"},
				"transitive_dependencies_included": true,
			},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, InvocationStateSucceeded, res.Body["state"])
	assert.Equal(t, "2026-10-19T00:05:00Z", res.Body["end_time"])
	assert.Equal(t, 2, fake.count("get_invocation"))

	sent := fake.bodies["create_invocation"][0]
	assert.Equal(t, testParent+"/compilationResults/c1", sent["compilationResult"])
	ic, ok := sent["invocationConfig"].(map[string]any)
	require.True(t, ok, "invocationConfig = %v", sent["invocationConfig"])
	assert.Equal(t, []any{"daily"}, ic["includedTags"])
	assert.Equal(t, true, ic["transitiveDependenciesIncluded"])
}

func TestDataformInvoker_invocationFailedState(t *testing.T) {
	for _, state := range []string{InvocationStateFailed, InvocationStateCancelled} {
		t.Run(state, func(t *testing.T) {
			fake := newFakeDataform(t)
			fake.on("create_invocation", func(int) (int, any) {
				return http.StatusOK, map[string]any{"name": testParent + "/workflowInvocations/w1", "state": InvocationStateRunning}
			})
			fake.on("get_invocation", func(int) (int, any) {
				return http.StatusOK, map[string]any{"name": testParent + "/workflowInvocations/w1", "state": state}
			})
			inv := newTestInvoker(t, fake, nil)

			_, err := inv.Invoke(context.Background(), binding(model.OperationCreateWorkflowInvocation), model.InvocationInput{
				Body: map[string]any{"compilation_result": "c1"},
			})
			assert.True(t, model.HasCode(err, model.ErrRemoteCallError), "err = %v", err)
		})
	}
}

func TestDataformInvoker_pollSurvivesTransientErrors(t *testing.T) {
	fake := newFakeDataform(t)
	fake.on("create_invocation", func(int) (int, any) {
		return http.StatusOK, map[string]any{"name": testParent + "/workflowInvocations/w1", "state": InvocationStateRunning}
	})
	fake.on("get_invocation", func(n int) (int, any) {
		if n == 1 {
			return http.StatusServiceUnavailable, apiError(503, "unavailable")
		}
		return http.StatusOK, map[string]any{"name": testParent + "/workflowInvocations/w1", "state": InvocationStateSucceeded}
	})
	// Default transport retry budget: a single attempt per call.
	inv := newTestInvoker(t, fake, nil)
	require.Equal(t, 1, inv.retry.MaxAttempts)

	res, err := inv.Invoke(context.Background(), binding(model.OperationCreateWorkflowInvocation), model.InvocationInput{
		Body: map[string]any{"compilation_result": "c1"},
	})
	require.NoError(t, err)
	assert.Equal(t, InvocationStateSucceeded, res.Body["state"])
	assert.Equal(t, 2, fake.count("get_invocation"))
	assert.Equal(t, 1, fake.count("create_invocation"))
}

func TestDataformInvoker_pollStopsOnPermanentError(t *testing.T) {
	fake := newFakeDataform(t)
	fake.on("create_invocation", func(int) (int, any) {
		return http.StatusOK, map[string]any{"name": testParent + "/workflowInvocations/w1", "state": InvocationStateRunning}
	})
	fake.on("get_invocation", func(int) (int, any) {
		return http.StatusForbidden, apiError(403, "permission denied")
	})
	inv := newTestInvoker(t, fake, nil)

	_, err := inv.Invoke(context.Background(), binding(model.OperationCreateWorkflowInvocation), model.InvocationInput{
		Body: map[string]any{"compilation_result": "c1"},
	})
	assert.True(t, model.HasCode(err, model.ErrRemoteCallError), "err = %v", err)
	assert.Equal(t, 1, fake.count("get_invocation"))
}

func TestDataformInvoker_pollFailuresUntilWaitTimeout(t *testing.T) {
	fake := newFakeDataform(t)
	fake.on("create_invocation", func(int) (int, any) {
		return http.StatusOK, map[string]any{"name": testParent + "/workflowInvocations/w1", "state": InvocationStateRunning}
	})
	fake.on("get_invocation", func(int) (int, any) {
		return http.StatusServiceUnavailable, apiError(503, "unavailable")
	})
	inv := newTestInvoker(t, fake, func(c *config.DataformConfig) {
		c.WaitTimeout = 30 * time.Millisecond
		c.PollInterval = 5 * time.Millisecond
	})

	_, err := inv.Invoke(context.Background(), binding(model.OperationCreateWorkflowInvocation), model.InvocationInput{
		Body: map[string]any{"compilation_result": "c1"},
	})
	assert.True(t, model.HasCode(err, model.ErrBackendTimeout), "err = %v", err)
	assert.GreaterOrEqual(t, fake.count("get_invocation"), 2)
}

func TestDataformInvoker_asynchronousSkipsWait(t *testing.T) {
	fake := newFakeDataform(t)
	fake.on("create_invocation", func(int) (int, any) {
		return http.StatusOK, map[string]any{"name": testParent + "/workflowInvocations/w1", "state": InvocationStateRunning}
	})
	inv := newTestInvoker(t, fake, nil)

	b := binding(model.OperationCreateWorkflowInvocation)
	b.Asynchronous = true
	res, err := inv.Invoke(context.Background(), b, model.InvocationInput{
		Body: map[string]any{"compilation_result": "c1"},
	})
	require.NoError(t, err)
	assert.Equal(t, InvocationStateRunning, res.Body["state"])
	assert.Equal(t, 0, fake.count("get_invocation"))
}

func TestDataformInvoker_waitTimeout(t *testing.T) {
	fake := newFakeDataform(t)
	fake.on("create_invocation", func(int) (int, any) {
		return http.StatusOK, map[string]any{"name": testParent + "/workflowInvocations/w1", "state": InvocationStateRunning}
	})
	fake.on("get_invocation", func(int) (int, any) {
		return http.StatusOK, map[string]any{"name": testParent + "/workflowInvocations/w1", "state": InvocationStateRunning}
	})
	inv := newTestInvoker(t, fake, func(c *config.DataformConfig) {
		c.WaitTimeout = 30 * time.Millisecond
		c.PollInterval = 5 * time.Millisecond
	})

	_, err := inv.Invoke(context.Background(), binding(model.OperationCreateWorkflowInvocation), model.InvocationInput{
		Body: map[string]any{"compilation_result": "c1"},
	})
	assert.True(t, model.HasCode(err, model.ErrBackendTimeout), "err = %v", err)
}

func TestDataformInvoker_invocationRequiresCompilation(t *testing.T) {
	fake := newFakeDataform(t)
	inv := newTestInvoker(t, fake, nil)
	_, err := inv.Invoke(context.Background(), binding(model.OperationCreateWorkflowInvocation), model.InvocationInput{})
	assert.True(t, model.HasCode(err, model.ErrConfigurationError), "err = %v", err)
	assert.Equal(t, 0, fake.count("create_invocation"))
}

func TestDataformInvoker_retriesServerErrors(t *testing.T) {
	fake := newFakeDataform(t)
	fake.on("create_compilation", func(n int) (int, any) {
		if n < 3 {
			return http.StatusServiceUnavailable, apiError(503, "unavailable")
		}
		return http.StatusOK, map[string]any{"name": testParent + "/compilationResults/c3"}
	})
	inv := newTestInvoker(t, fake, func(c *config.DataformConfig) {
		c.Retry.MaxAttempts = 3
	})

	res, err := inv.Invoke(context.Background(), binding(model.OperationCreateCompilationResult), model.InvocationInput{
		Body: map[string]any{"git_commitish": "main"},
	})
	require.NoError(t, err)
	assert.Equal(t, testParent+"/compilationResults/c3", res.Body["name"])
	assert.Equal(t, 3, fake.count("create_compilation"))
}

func TestDataformInvoker_invocationCreateNotRetried(t *testing.T) {
	fake := newFakeDataform(t)
	fake.on("create_invocation", func(int) (int, any) {
		return http.StatusServiceUnavailable, apiError(503, "unavailable")
	})
	inv := newTestInvoker(t, fake, func(c *config.DataformConfig) {
		c.Retry.MaxAttempts = 3
	})

	_, err := inv.Invoke(context.Background(), binding(model.OperationCreateWorkflowInvocation), model.InvocationInput{
		Body: map[string]any{"compilation_result": "c1"},
	})
	assert.True(t, model.HasCode(err, model.ErrRemoteCallError), "err = %v", err)
	assert.Equal(t, 1, fake.count("create_invocation"))
}

func TestDataformInvoker_clientErrorDoesNotTripBreaker(t *testing.T) {
	fake := newFakeDataform(t)
	fake.on("create_compilation", func(int) (int, any) {
		return http.StatusBadRequest, apiError(400, "bad workspace")
	})
	inv := newTestInvoker(t, fake, func(c *config.DataformConfig) {
		c.CircuitBreaker.FailureThreshold = 1
		c.Retry.MaxAttempts = 3
	})

	for i := 0; i < 3; i++ {
		_, err := inv.Invoke(context.Background(), binding(model.OperationCreateCompilationResult), model.InvocationInput{
			Body: map[string]any{"git_commitish": "main"},
		})
		assert.True(t, model.HasCode(err, model.ErrRemoteCallError), "err = %v", err)
	}
	assert.Equal(t, 3, fake.count("create_compilation"), "4xx responses are not retried")
	assert.Equal(t, BreakerClosed, inv.Breaker().State())
}

func TestDataformInvoker_breakerOpens(t *testing.T) {
	fake := newFakeDataform(t)
	fake.on("create_compilation", func(int) (int, any) {
		return http.StatusInternalServerError, apiError(500, "boom")
	})
	inv := newTestInvoker(t, fake, func(c *config.DataformConfig) {
		c.CircuitBreaker.FailureThreshold = 2
		c.CircuitBreaker.Timeout = time.Minute
	})

	in := model.InvocationInput{Body: map[string]any{"git_commitish": "main"}}
	b := binding(model.OperationCreateCompilationResult)
	_, _ = inv.Invoke(context.Background(), b, in)
	_, _ = inv.Invoke(context.Background(), b, in)

	_, err := inv.Invoke(context.Background(), b, in)
	assert.True(t, model.HasCode(err, model.ErrBackendUnavailable), "err = %v", err)
	assert.Equal(t, 2, fake.count("create_compilation"))
}

func TestDataformInvoker_unknownOperation(t *testing.T) {
	inv := newTestInvoker(t, newFakeDataform(t), nil)
	_, err := inv.Invoke(context.Background(), binding("delete_repository"), model.InvocationInput{})
	assert.True(t, model.HasCode(err, model.ErrConfigurationError), "err = %v", err)
}

func TestDecodeInvocationConfig_targets(t *testing.T) {
	ic, err := decodeInvocationConfig(map[string]any{
		"included_targets": []any{"analytics.orders", "proj.analytics.users"},
		"service_account":  "runner@p.iam.gserviceaccount.com",
	})
	require.NoError(t, err)
	require.Len(t, ic.IncludedTargets, 2)
	assert.Equal(t, "analytics", ic.IncludedTargets[0].Schema)
	assert.Equal(t, "orders", ic.IncludedTargets[0].Name)
	assert.Equal(t, "proj", ic.IncludedTargets[1].Database)
	assert.Equal(t, "runner@p.iam.gserviceaccount.com", ic.ServiceAccount)

	_, err = decodeInvocationConfig(map[string]any{"included_targets": []any{"orders"}})
	assert.True(t, model.HasCode(err, model.ErrConfigurationError), "err = %v", err)
}

func TestCalculateBackoff(t *testing.T) {
	cfg := config.RetryConfig{BackoffInitial: 100 * time.Millisecond, BackoffMultiplier: 2, BackoffMax: 300 * time.Millisecond}
	assert.Equal(t, 100*time.Millisecond, calculateBackoff(cfg, 1))
	assert.Equal(t, 200*time.Millisecond, calculateBackoff(cfg, 2))
	assert.Equal(t, 300*time.Millisecond, calculateBackoff(cfg, 3))
}

func TestExecuteWithRetry_logsOnlyWhenRetrying(t *testing.T) {
	unavailable := &googleapi.Error{Code: http.StatusServiceUnavailable}
	cfg := config.RetryConfig{BackoffInitial: time.Millisecond, BackoffMax: time.Millisecond}

	for _, tc := range []struct {
		name        string
		maxAttempts int
		wantCalls   int
		wantLogs    int
	}{
		{name: "single attempt", maxAttempts: 1, wantCalls: 1, wantLogs: 0},
		{name: "three attempts", maxAttempts: 3, wantCalls: 3, wantLogs: 2},
	} {
		t.Run(tc.name, func(t *testing.T) {
			core, logs := observer.New(zapcore.DebugLevel)
			cfg.MaxAttempts = tc.maxAttempts
			calls := 0
			err := executeWithRetry(context.Background(), cfg, zap.New(core), "op", func(context.Context) error {
				calls++
				return unavailable
			})
			assert.ErrorIs(t, err, unavailable)
			assert.Equal(t, tc.wantCalls, calls)
			assert.Equal(t, tc.wantLogs, logs.FilterMessage("invoker: retrying after error").Len())
		})
	}
}
