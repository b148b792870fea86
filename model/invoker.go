package model

import "context"

// OperationInvoker is the unified interface for remote operations performed
// by workflow nodes.
type OperationInvoker interface {
	// Invoke performs the operation described by the binding with the given input.
	Invoke(ctx context.Context, binding OperationBinding, input InvocationInput) (InvocationResult, error)

	// Supports returns true if this invoker can handle the given binding.
	Supports(binding OperationBinding) bool
}

// InvocationInput is the rendered request of a node.
type InvocationInput struct {
	RunID  string         `json:"run_id"`
	NodeID string         `json:"node_id"`
	Body   map[string]any `json:"body,omitempty"`
}

// InvocationResult is the output of a remote operation. Body becomes the
// node's recorded output.
type InvocationResult struct {
	Body map[string]any `json:"body,omitempty"`
}
