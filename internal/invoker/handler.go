package invoker

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/pitabwire/dfrun/model"
)

// Handler is an in-process operation registered at startup and invoked by
// name from bindings of type "handler".
type Handler interface {
	// Name returns the unique handler name used in definition bindings.
	Name() string
	// Invoke executes the handler with the rendered node request.
	Invoke(ctx context.Context, input model.InvocationInput) (model.InvocationResult, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc struct {
	HandlerName string
	Fn          func(ctx context.Context, input model.InvocationInput) (model.InvocationResult, error)
}

// Name implements Handler.
func (h HandlerFunc) Name() string { return h.HandlerName }

// Invoke implements Handler.
func (h HandlerFunc) Invoke(ctx context.Context, input model.InvocationInput) (model.InvocationResult, error) {
	return h.Fn(ctx, input)
}

// HandlerRegistry stores named handlers and provides lookup by name.
// It is safe for concurrent use after initial registration.
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewHandlerRegistry creates a new empty handler registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{
		handlers: make(map[string]Handler),
	}
}

// Register adds a handler under its Name(). Panics if a handler with the
// same name is already registered, since this indicates a wiring mistake
// at startup.
func (r *HandlerRegistry) Register(handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := handler.Name()
	if _, exists := r.handlers[name]; exists {
		panic(fmt.Sprintf("invoker: handler %q already registered", name))
	}
	r.handlers[name] = handler
}

// Get returns the handler registered under the given name.
func (r *HandlerRegistry) Get(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// Names returns all registered handler names, sorted alphabetically.
func (r *HandlerRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HandlerInvoker dispatches invocations to registered handlers based on the
// binding's Handler field.
type HandlerInvoker struct {
	registry *HandlerRegistry
}

// NewHandlerInvoker creates an invoker backed by the given handler registry.
func NewHandlerInvoker(registry *HandlerRegistry) *HandlerInvoker {
	return &HandlerInvoker{registry: registry}
}

// Supports returns true for bindings with type "handler".
func (inv *HandlerInvoker) Supports(binding model.OperationBinding) bool {
	return binding.Type == model.BindingTypeHandler
}

// Invoke looks up the handler by binding.Handler and delegates the call.
func (inv *HandlerInvoker) Invoke(
	ctx context.Context,
	binding model.OperationBinding,
	input model.InvocationInput,
) (model.InvocationResult, error) {
	handler, ok := inv.registry.Get(binding.Handler)
	if !ok {
		return model.InvocationResult{}, model.NewConfigurationError("handler %q is not registered", binding.Handler)
	}
	return handler.Invoke(ctx, input)
}
