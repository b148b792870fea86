package workflow

import (
	"fmt"
	"sync"

	"github.com/pitabwire/dfrun/internal/expression"
	"github.com/pitabwire/dfrun/model"
)

// RunContext owns the node statuses and outputs of one run. Deferred
// references are resolved against it. It is safe for concurrent use.
type RunContext struct {
	runID string

	mu       sync.RWMutex
	statuses map[string]string
	outputs  map[string]map[string]any
}

// NewRunContext creates a context in which every node is pending.
func NewRunContext(runID string, nodeIDs []string) *RunContext {
	rc := &RunContext{
		runID:    runID,
		statuses: make(map[string]string, len(nodeIDs)),
		outputs:  make(map[string]map[string]any, len(nodeIDs)),
	}
	for _, id := range nodeIDs {
		rc.statuses[id] = model.NodeStatusPending
	}
	return rc
}

// RunContextFrom rebuilds a context from a persisted run.
func RunContextFrom(run model.RunInstance) *RunContext {
	rc := &RunContext{
		runID:    run.ID,
		statuses: make(map[string]string, len(run.Nodes)),
		outputs:  make(map[string]map[string]any, len(run.Nodes)),
	}
	for _, n := range run.Nodes {
		rc.statuses[n.NodeID] = n.Status
		if n.Output != nil {
			rc.outputs[n.NodeID] = n.Output
		}
	}
	return rc
}

// RunID returns the id of the run.
func (rc *RunContext) RunID() string { return rc.runID }

// Status returns the status of a node, or "" if the node is not part of
// the run.
func (rc *RunContext) Status(nodeID string) string {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return rc.statuses[nodeID]
}

// Output returns the recorded output of a node.
func (rc *RunContext) Output(nodeID string) (map[string]any, bool) {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	out, ok := rc.outputs[nodeID]
	return out, ok
}

// NodeStatus implements expression.OutputSource.
func (rc *RunContext) NodeStatus(nodeID string) string { return rc.Status(nodeID) }

// NodeOutput implements expression.OutputSource.
func (rc *RunContext) NodeOutput(nodeID string) (map[string]any, bool) { return rc.Output(nodeID) }

// Transition moves a node to the given status. Allowed moves are
// pending -> running and running -> success|failed.
func (rc *RunContext) Transition(nodeID, to string) error {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	from, ok := rc.statuses[nodeID]
	if !ok {
		return fmt.Errorf("node %q is not part of run %s", nodeID, rc.runID)
	}
	if !validTransition(from, to) {
		return &TransitionError{NodeID: nodeID, From: from, To: to}
	}
	rc.statuses[nodeID] = to
	return nil
}

// Record stores the output of a running node. Outputs are recorded once,
// before the node succeeds.
func (rc *RunContext) Record(nodeID string, output map[string]any) error {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	status, ok := rc.statuses[nodeID]
	if !ok {
		return fmt.Errorf("node %q is not part of run %s", nodeID, rc.runID)
	}
	if status != model.NodeStatusRunning {
		return fmt.Errorf("cannot record output of node %q in status %s", nodeID, status)
	}
	if output == nil {
		output = map[string]any{}
	}
	rc.outputs[nodeID] = output
	return nil
}

// Resolve evaluates a deferred reference against this run.
func (rc *RunContext) Resolve(ref model.OutputRef) (any, error) {
	return expression.Resolve(rc, ref)
}

// Render builds a node's request body from its template.
func (rc *RunContext) Render(tmpl *model.RequestTemplate) (map[string]any, error) {
	return expression.Render(tmpl, rc)
}

// TransitionError reports a move the node state machine does not allow.
type TransitionError struct {
	NodeID string
	From   string
	To     string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("node %q cannot move from %s to %s", e.NodeID, e.From, e.To)
}

func validTransition(from, to string) bool {
	switch from {
	case model.NodeStatusPending:
		return to == model.NodeStatusRunning
	case model.NodeStatusRunning:
		return to == model.NodeStatusSuccess || to == model.NodeStatusFailed
	default:
		return false
	}
}
