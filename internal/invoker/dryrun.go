package invoker

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/pitabwire/dfrun/internal/observability"
	"github.com/pitabwire/dfrun/model"
)

// DryRunInvoker claims every remote binding and fabricates results without
// any network I/O. Resource names are derived from the run and node ids so
// repeated dry runs produce the same outputs.
type DryRunInvoker struct {
	logger *zap.Logger

	mu    sync.Mutex
	calls []model.OperationBinding
}

// NewDryRunInvoker creates a dry-run invoker.
func NewDryRunInvoker(logger *zap.Logger) *DryRunInvoker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DryRunInvoker{logger: logger}
}

// Supports returns true for any binding.
func (d *DryRunInvoker) Supports(model.OperationBinding) bool { return true }

// Calls returns the bindings invoked so far, in call order.
func (d *DryRunInvoker) Calls() []model.OperationBinding {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]model.OperationBinding(nil), d.calls...)
}

// Invoke records the call and returns a simulated result.
func (d *DryRunInvoker) Invoke(ctx context.Context, binding model.OperationBinding, input model.InvocationInput) (model.InvocationResult, error) {
	if err := ctx.Err(); err != nil {
		return model.InvocationResult{}, err
	}

	d.mu.Lock()
	d.calls = append(d.calls, binding)
	d.mu.Unlock()

	d.logger.Info("invoker: dry run",
		zap.String("type", binding.Type),
		zap.String("operation", binding.Name),
		zap.String("node_id", input.NodeID),
		zap.Any("request", observability.RedactBody(input.Body)),
	)

	suffix := fmt.Sprintf("dryrun-%s-%s", input.RunID, input.NodeID)
	switch {
	case binding.Type == model.BindingTypeDataform && binding.Name == model.OperationCreateCompilationResult:
		return model.InvocationResult{Body: map[string]any{
			"name":               RepositoryParent(binding) + "/compilationResults/" + suffix,
			"git_commitish":      stringField(input.Body, "git_commitish"),
			"workspace":          stringField(input.Body, "workspace"),
			"compilation_errors": []any{},
		}}, nil
	case binding.Type == model.BindingTypeDataform && binding.Name == model.OperationCreateWorkflowInvocation:
		return model.InvocationResult{Body: map[string]any{
			"name":               RepositoryParent(binding) + "/workflowInvocations/" + suffix,
			"compilation_result": stringField(input.Body, "compilation_result"),
			"state":              InvocationStateSucceeded,
		}}, nil
	default:
		body := make(map[string]any, len(input.Body)+1)
		for k, v := range input.Body {
			body[k] = v
		}
		body["name"] = suffix
		return model.InvocationResult{Body: body}, nil
	}
}
