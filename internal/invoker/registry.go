// Package invoker performs the remote operations of workflow nodes: Dataform
// API calls, in-process handlers, and dry-run simulations, with circuit
// breaker and retry support.
package invoker

import (
	"context"

	"github.com/pitabwire/dfrun/model"
)

// Registry dispatches each binding to the first registered invoker that
// supports it.
type Registry struct {
	invokers []model.OperationInvoker
}

func NewRegistry() *Registry {
	return &Registry{}
}

func (r *Registry) Register(inv model.OperationInvoker) {
	r.invokers = append(r.invokers, inv)
}

func (r *Registry) find(binding model.OperationBinding) model.OperationInvoker {
	for _, inv := range r.invokers {
		if inv.Supports(binding) {
			return inv
		}
	}
	return nil
}

// Supports reports whether Invoke can serve binding.
func (r *Registry) Supports(binding model.OperationBinding) bool {
	return r.find(binding) != nil
}

// Invoke delegates to the matching invoker. An unclaimed binding type is a
// CONFIGURATION_ERROR.
func (r *Registry) Invoke(ctx context.Context, binding model.OperationBinding, input model.InvocationInput) (model.InvocationResult, error) {
	inv := r.find(binding)
	if inv == nil {
		return model.InvocationResult{}, model.NewConfigurationError("no invoker supports binding type %q", binding.Type)
	}
	return inv.Invoke(ctx, binding, input)
}
