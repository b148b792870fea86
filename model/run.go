package model

import "time"

// Run status constants.
const (
	RunStatusQueued  = "queued"
	RunStatusRunning = "running"
	RunStatusSuccess = "success"
	RunStatusFailed  = "failed"
)

// Node status constants. A node moves pending -> running -> success|failed.
const (
	NodeStatusPending = "pending"
	NodeStatusRunning = "running"
	NodeStatusSuccess = "success"
	NodeStatusFailed  = "failed"
)

// Run event types.
const (
	EventRunQueued     = "run_queued"
	EventRunStarted    = "run_started"
	EventNodeStarted   = "node_started"
	EventNodeRetry     = "node_retry"
	EventNodeSucceeded = "node_succeeded"
	EventNodeFailed    = "node_failed"
	EventRunSucceeded  = "run_succeeded"
	EventRunFailed     = "run_failed"
)

// RunInstance is one execution of a workflow for a logical time.
type RunInstance struct {
	ID          string     `json:"id"           msgpack:"id"`
	WorkflowID  string     `json:"workflow_id"  msgpack:"workflow_id"`
	LogicalTime time.Time  `json:"logical_time" msgpack:"logical_time"`
	Status      string     `json:"status"       msgpack:"status"`
	TriggeredBy string     `json:"triggered_by" msgpack:"triggered_by"`
	Nodes       []NodeRun  `json:"nodes"        msgpack:"nodes"`
	Error       string     `json:"error,omitempty" msgpack:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"   msgpack:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"   msgpack:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty" msgpack:"started_at,omitempty"`
	EndedAt     *time.Time `json:"ended_at,omitempty"   msgpack:"ended_at,omitempty"`
	Version     int        `json:"version"      msgpack:"version"`
}

// NodeRun is the recorded state of one node within a run.
type NodeRun struct {
	NodeID    string         `json:"node_id"   msgpack:"node_id"`
	Kind      string         `json:"kind"      msgpack:"kind"`
	Status    string         `json:"status"    msgpack:"status"`
	Attempts  int            `json:"attempts"  msgpack:"attempts"`
	Output    map[string]any `json:"output,omitempty" msgpack:"output,omitempty"`
	Error     string         `json:"error,omitempty"  msgpack:"error,omitempty"`
	StartedAt *time.Time     `json:"started_at,omitempty" msgpack:"started_at,omitempty"`
	EndedAt   *time.Time     `json:"ended_at,omitempty"   msgpack:"ended_at,omitempty"`
}

// RunEvent records an event in a run's audit trail.
type RunEvent struct {
	ID        string         `json:"id"         msgpack:"id"`
	RunID     string         `json:"run_id"     msgpack:"run_id"`
	NodeID    string         `json:"node_id,omitempty" msgpack:"node_id,omitempty"`
	Event     string         `json:"event"      msgpack:"event"`
	Data      map[string]any `json:"data,omitempty" msgpack:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"  msgpack:"timestamp"`
}

// RunFilters describes filters for listing runs.
type RunFilters struct {
	WorkflowID string `json:"workflow_id,omitempty"`
	Status     string `json:"status,omitempty"`
	Page       int    `json:"page"`
	PageSize   int    `json:"page_size"`
}

// Node returns the recorded state of the given node, or nil.
func (r *RunInstance) Node(id string) *NodeRun {
	for i := range r.Nodes {
		if r.Nodes[i].NodeID == id {
			return &r.Nodes[i]
		}
	}
	return nil
}

// Terminal reports whether the run has finished.
func (r *RunInstance) Terminal() bool {
	return r.Status == RunStatusSuccess || r.Status == RunStatusFailed
}
