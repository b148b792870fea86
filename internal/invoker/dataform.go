package invoker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2/google"
	dataform "google.golang.org/api/dataform/v1beta1"
	"google.golang.org/api/option"

	"github.com/pitabwire/dfrun/internal/config"
	"github.com/pitabwire/dfrun/model"
)

// Workflow invocation states reported by the Dataform API.
const (
	InvocationStateRunning   = "RUNNING"
	InvocationStateSucceeded = "SUCCEEDED"
	InvocationStateCancelled = "CANCELLED"
	InvocationStateFailed    = "FAILED"
	InvocationStateCanceling = "CANCELING"
)

const opGetWorkflowInvocation = "get_workflow_invocation"

// DataformInvoker performs Dataform repository operations through the
// v1beta1 REST API. Calls share one circuit breaker.
type DataformInvoker struct {
	service      *dataform.Service
	breaker      *CircuitBreaker
	retry        config.RetryConfig
	timeout      time.Duration
	pollInterval time.Duration
	waitTimeout  time.Duration
	logger       *zap.Logger
}

// NewDataformInvoker builds the API client from cfg. Credentials come from
// cfg.CredentialsFile when set, otherwise from Application Default
// Credentials. Extra options are applied last and may override both.
func NewDataformInvoker(ctx context.Context, cfg config.DataformConfig, logger *zap.Logger, opts ...option.ClientOption) (*DataformInvoker, error) {
	var clientOpts []option.ClientOption
	if cfg.Endpoint != "" {
		clientOpts = append(clientOpts, option.WithEndpoint(cfg.Endpoint))
	}
	if cfg.CredentialsFile != "" {
		data, err := os.ReadFile(cfg.CredentialsFile)
		if err != nil {
			return nil, fmt.Errorf("invoker: reading dataform credentials: %w", err)
		}
		creds, err := google.CredentialsFromJSON(ctx, data, dataform.CloudPlatformScope)
		if err != nil {
			return nil, fmt.Errorf("invoker: parsing dataform credentials: %w", err)
		}
		clientOpts = append(clientOpts, option.WithCredentials(creds))
	}
	clientOpts = append(clientOpts, opts...)

	svc, err := dataform.NewService(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("invoker: creating dataform client: %w", err)
	}

	if logger == nil {
		logger = zap.NewNop()
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = 10 * time.Second
	}

	return &DataformInvoker{
		service:      svc,
		breaker:      NewCircuitBreaker("dataform", cfg.CircuitBreaker),
		retry:        cfg.Retry,
		timeout:      cfg.Timeout,
		pollInterval: pollInterval,
		waitTimeout:  cfg.WaitTimeout,
		logger:       logger,
	}, nil
}

// Breaker exposes the circuit breaker so callers can observe its state.
func (d *DataformInvoker) Breaker() *CircuitBreaker { return d.breaker }

// Supports returns true for bindings with type "dataform".
func (d *DataformInvoker) Supports(binding model.OperationBinding) bool {
	return binding.Type == model.BindingTypeDataform
}

// Invoke dispatches on the binding's operation name.
func (d *DataformInvoker) Invoke(ctx context.Context, binding model.OperationBinding, input model.InvocationInput) (model.InvocationResult, error) {
	parent := RepositoryParent(binding)
	switch binding.Name {
	case model.OperationCreateCompilationResult:
		return d.createCompilationResult(ctx, parent, input.Body)
	case model.OperationCreateWorkflowInvocation:
		return d.createWorkflowInvocation(ctx, parent, binding.Asynchronous, input.Body)
	default:
		return model.InvocationResult{}, model.NewConfigurationError("unknown dataform operation %q", binding.Name)
	}
}

// RepositoryParent returns the repository resource name a binding targets.
func RepositoryParent(binding model.OperationBinding) string {
	return fmt.Sprintf("projects/%s/locations/%s/repositories/%s", binding.ProjectID, binding.Region, binding.RepositoryID)
}

func (d *DataformInvoker) createCompilationResult(ctx context.Context, parent string, body map[string]any) (model.InvocationResult, error) {
	req := &dataform.CompilationResult{
		GitCommitish:  stringField(body, "git_commitish"),
		Workspace:     stringField(body, "workspace"),
		ReleaseConfig: stringField(body, "release_config"),
	}
	if raw, ok := body["code_compilation_config"]; ok {
		cc, err := decodeCodeCompilationConfig(raw)
		if err != nil {
			return model.InvocationResult{}, err
		}
		req.CodeCompilationConfig = cc
	}
	if req.GitCommitish == "" && req.Workspace == "" && req.ReleaseConfig == "" {
		return model.InvocationResult{}, model.NewConfigurationError(
			"%s requires one of git_commitish, workspace, release_config", model.OperationCreateCompilationResult)
	}

	var res *dataform.CompilationResult
	err := d.call(ctx, model.OperationCreateCompilationResult, true, func(ctx context.Context) error {
		var err error
		res, err = d.service.Projects.Locations.Repositories.CompilationResults.Create(parent, req).Context(ctx).Do()
		return err
	})
	if err != nil {
		return model.InvocationResult{}, err
	}

	out := compilationResultOutput(res)
	if n := len(res.CompilationErrors); n > 0 {
		first := res.CompilationErrors[0]
		return model.InvocationResult{}, model.NewRemoteCallError(
			fmt.Sprintf("compilation result %s has %d compilation errors, first: %s: %s", res.Name, n, first.Path, first.Message), nil)
	}

	d.logger.Info("invoker: compilation result created",
		zap.String("name", res.Name),
		zap.String("resolved_git_commit_sha", res.ResolvedGitCommitSha),
	)
	return model.InvocationResult{Body: out}, nil
}

func (d *DataformInvoker) createWorkflowInvocation(ctx context.Context, parent string, async bool, body map[string]any) (model.InvocationResult, error) {
	compilation := stringField(body, "compilation_result")
	if compilation == "" {
		return model.InvocationResult{}, model.NewConfigurationError(
			"%s requires compilation_result", model.OperationCreateWorkflowInvocation)
	}
	req := &dataform.WorkflowInvocation{CompilationResult: compilation}
	if raw, ok := body["invocation_config"]; ok {
		ic, err := decodeInvocationConfig(raw)
		if err != nil {
			return model.InvocationResult{}, err
		}
		req.InvocationConfig = ic
	}

	// Creating an invocation starts a run; it is never retried.
	var wi *dataform.WorkflowInvocation
	err := d.call(ctx, model.OperationCreateWorkflowInvocation, false, func(ctx context.Context) error {
		var err error
		wi, err = d.service.Projects.Locations.Repositories.WorkflowInvocations.Create(parent, req).Context(ctx).Do()
		return err
	})
	if err != nil {
		return model.InvocationResult{}, err
	}

	d.logger.Info("invoker: workflow invocation created",
		zap.String("name", wi.Name),
		zap.String("compilation_result", compilation),
		zap.Bool("asynchronous", async),
	)

	if async {
		return model.InvocationResult{Body: workflowInvocationOutput(wi)}, nil
	}

	final, err := d.waitForInvocation(ctx, wi.Name)
	if err != nil {
		return model.InvocationResult{}, err
	}
	return model.InvocationResult{Body: workflowInvocationOutput(final)}, nil
}

// waitForInvocation polls the invocation until it reaches a terminal state
// or the wait timeout elapses. A failed poll only ends the wait when the
// error is permanent; the invocation keeps running remotely either way.
func (d *DataformInvoker) waitForInvocation(ctx context.Context, name string) (*dataform.WorkflowInvocation, error) {
	waitCtx := ctx
	if d.waitTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, d.waitTimeout)
		defer cancel()
	}

	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	state := InvocationStateRunning
	var pollErr error
	for {
		var wi *dataform.WorkflowInvocation
		err := d.call(waitCtx, opGetWorkflowInvocation, true, func(ctx context.Context) error {
			var err error
			wi, err = d.service.Projects.Locations.Repositories.WorkflowInvocations.Get(name).Context(ctx).Do()
			return err
		})
		switch {
		case err != nil && ctx.Err() == nil && waitCtx.Err() != nil:
			return nil, model.NewBackendTimeoutError().WithCause(err)
		case err != nil && !transientPollError(err):
			return nil, err
		case err != nil:
			pollErr = err
			d.logger.Warn("invoker: polling workflow invocation failed, polling again",
				zap.String("name", name),
				zap.Error(err),
			)
		default:
			pollErr = nil
			state = wi.State
			switch state {
			case InvocationStateSucceeded:
				return wi, nil
			case InvocationStateFailed, InvocationStateCancelled:
				return nil, model.NewRemoteCallError(
					fmt.Sprintf("workflow invocation %s finished in state %s", name, state), nil)
			}
			d.logger.Debug("invoker: waiting for workflow invocation",
				zap.String("name", name),
				zap.String("state", state),
			)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-waitCtx.Done():
			cause := fmt.Errorf("workflow invocation %s still %s after %s", name, state, d.waitTimeout)
			if pollErr != nil {
				cause = fmt.Errorf("%w: last poll: %w", cause, pollErr)
			}
			return nil, model.NewBackendTimeoutError().WithCause(cause)
		case <-ticker.C:
		}
	}
}

// transientPollError reports whether a failed status poll is worth
// repeating: retryable transport errors and an open breaker.
func transientPollError(err error) bool {
	return isRetryableError(err) || model.HasCode(err, model.ErrBackendUnavailable)
}

// call runs one API call behind the breaker, with transport retries when
// the call is safe to repeat.
func (d *DataformInvoker) call(ctx context.Context, op string, retryable bool, fn func(ctx context.Context) error) error {
	retry := d.retry
	if !retryable {
		retry.MaxAttempts = 1
	}
	return executeWithRetry(ctx, retry, d.logger, op, func(ctx context.Context) error {
		if err := d.breaker.Allow(); err != nil {
			d.logger.Warn("invoker: circuit breaker open", zap.String("operation", op))
			return err
		}

		callCtx := ctx
		if d.timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, d.timeout)
			defer cancel()
		}

		err := fn(callCtx)
		if err == nil {
			d.breaker.RecordSuccess()
			return nil
		}
		if ctx.Err() == nil && isServerFailure(err) {
			d.breaker.RecordFailure()
		}
		return classifyError(ctx, op, err)
	})
}

func compilationResultOutput(res *dataform.CompilationResult) map[string]any {
	errs := make([]any, 0, len(res.CompilationErrors))
	for _, ce := range res.CompilationErrors {
		if ce == nil {
			continue
		}
		errs = append(errs, map[string]any{
			"message": ce.Message,
			"path":    ce.Path,
		})
	}
	return map[string]any{
		"name":                    res.Name,
		"git_commitish":           res.GitCommitish,
		"workspace":               res.Workspace,
		"release_config":          res.ReleaseConfig,
		"resolved_git_commit_sha": res.ResolvedGitCommitSha,
		"dataform_core_version":   res.DataformCoreVersion,
		"compilation_errors":      errs,
	}
}

func workflowInvocationOutput(wi *dataform.WorkflowInvocation) map[string]any {
	out := map[string]any{
		"name":               wi.Name,
		"compilation_result": wi.CompilationResult,
		"state":              wi.State,
	}
	if wi.InvocationTiming != nil {
		out["start_time"] = wi.InvocationTiming.StartTime
		out["end_time"] = wi.InvocationTiming.EndTime
	}
	return out
}

func stringField(body map[string]any, key string) string {
	s, _ := body[key].(string)
	return s
}

type codeCompilationConfig struct {
	DefaultDatabase string            `json:"default_database"`
	DefaultSchema   string            `json:"default_schema"`
	DefaultLocation string            `json:"default_location"`
	AssertionSchema string            `json:"assertion_schema"`
	DatabaseSuffix  string            `json:"database_suffix"`
	SchemaSuffix    string            `json:"schema_suffix"`
	TablePrefix     string            `json:"table_prefix"`
	Vars            map[string]string `json:"vars"`
}

type invocationConfig struct {
	IncludedTags                         []string `json:"included_tags"`
	IncludedTargets                      []string `json:"included_targets"`
	TransitiveDependenciesIncluded       bool     `json:"transitive_dependencies_included"`
	TransitiveDependentsIncluded         bool     `json:"transitive_dependents_included"`
	FullyRefreshIncrementalTablesEnabled bool     `json:"fully_refresh_incremental_tables_enabled"`
	ServiceAccount                       string   `json:"service_account"`
}

func decodeCodeCompilationConfig(raw any) (*dataform.CodeCompilationConfig, error) {
	var c codeCompilationConfig
	if err := remarshal(raw, &c); err != nil {
		return nil, model.NewConfigurationError("invalid code_compilation_config: %v", err)
	}
	return &dataform.CodeCompilationConfig{
		DefaultDatabase: c.DefaultDatabase,
		DefaultSchema:   c.DefaultSchema,
		DefaultLocation: c.DefaultLocation,
		AssertionSchema: c.AssertionSchema,
		DatabaseSuffix:  c.DatabaseSuffix,
		SchemaSuffix:    c.SchemaSuffix,
		TablePrefix:     c.TablePrefix,
		Vars:            c.Vars,
	}, nil
}

// decodeInvocationConfig reads included_targets as "database.schema.name"
// or "schema.name" strings.
func decodeInvocationConfig(raw any) (*dataform.InvocationConfig, error) {
	var c invocationConfig
	if err := remarshal(raw, &c); err != nil {
		return nil, model.NewConfigurationError("invalid invocation_config: %v", err)
	}
	ic := &dataform.InvocationConfig{
		IncludedTags:                         c.IncludedTags,
		TransitiveDependenciesIncluded:       c.TransitiveDependenciesIncluded,
		TransitiveDependentsIncluded:         c.TransitiveDependentsIncluded,
		FullyRefreshIncrementalTablesEnabled: c.FullyRefreshIncrementalTablesEnabled,
		ServiceAccount:                       c.ServiceAccount,
	}
	for _, t := range c.IncludedTargets {
		parts := strings.Split(t, ".")
		switch len(parts) {
		case 2:
			ic.IncludedTargets = append(ic.IncludedTargets, &dataform.Target{Schema: parts[0], Name: parts[1]})
		case 3:
			ic.IncludedTargets = append(ic.IncludedTargets, &dataform.Target{Database: parts[0], Schema: parts[1], Name: parts[2]})
		default:
			return nil, model.NewConfigurationError("invalid included target %q", t)
		}
	}
	return ic, nil
}

func remarshal(in, out any) error {
	data, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}
