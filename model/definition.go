package model

import "time"

// Node kinds.
const (
	NodeKindMarker     = "marker"
	NodeKindRemoteCall = "remote_call"
)

// Operation binding types.
const (
	BindingTypeDataform = "dataform"
	BindingTypeHandler  = "handler"
)

// Dataform operations.
const (
	OperationCreateCompilationResult  = "create_compilation_result"
	OperationCreateWorkflowInvocation = "create_workflow_invocation"
)

// ManualSchedule is the schedule value of a workflow that only runs when
// triggered explicitly. An empty schedule means the same thing.
const ManualSchedule = "@manual"

// DefinitionFile is the root structure of a definition file. A file may
// declare any number of workflows.
type DefinitionFile struct {
	Version   string               `yaml:"version"   json:"version"`
	Workflows []WorkflowDefinition `yaml:"workflows" json:"workflows"`

	// Checksum is computed at load time and not part of the YAML.
	Checksum string `yaml:"-" json:"-"`
	// SourceFile records the originating file path.
	SourceFile string `yaml:"-" json:"-"`
}

// WorkflowDefinition describes a directed acyclic graph of nodes together
// with its scheduling metadata.
type WorkflowDefinition struct {
	ID           string           `yaml:"id"             json:"id"`
	Description  string           `yaml:"description"    json:"description,omitempty"`
	Doc          string           `yaml:"doc"            json:"doc,omitempty"`
	Tags         []string         `yaml:"tags"           json:"tags,omitempty"`
	Schedule     string           `yaml:"schedule"       json:"schedule,omitempty"`
	StartDate    *time.Time       `yaml:"start_date"     json:"start_date,omitempty"`
	StartDaysAgo int              `yaml:"start_days_ago" json:"start_days_ago,omitempty"`
	Catchup      bool             `yaml:"catchup"        json:"catchup"`
	DefaultArgs  DefaultArgs      `yaml:"default_args"   json:"default_args"`
	Nodes        []NodeDefinition `yaml:"nodes"          json:"nodes"`
	Edges        []EdgeDefinition `yaml:"edges"          json:"edges,omitempty"`
	// Chain is shorthand for consecutive edges: [a, b, c] adds a->b and b->c.
	Chain []string `yaml:"chain" json:"chain,omitempty"`

	SourceFile string `yaml:"-" json:"-"`
}

// DefaultArgs are the per-node defaults applied to every node of a workflow.
type DefaultArgs struct {
	Owner          string `yaml:"owner"            json:"owner,omitempty"`
	Email          string `yaml:"email"            json:"email,omitempty"`
	EmailOnFailure bool   `yaml:"email_on_failure" json:"email_on_failure"`
	EmailOnRetry   bool   `yaml:"email_on_retry"   json:"email_on_retry"`
	Retries        int    `yaml:"retries"          json:"retries"`
	RetryDelay     string `yaml:"retry_delay"      json:"retry_delay,omitempty"`
	DependsOnPast  bool   `yaml:"depends_on_past"  json:"depends_on_past"`
	Pool           string `yaml:"pool"             json:"pool,omitempty"`
}

// NodeDefinition describes a single unit of work in a workflow.
type NodeDefinition struct {
	ID        string            `yaml:"id"        json:"id"`
	Kind      string            `yaml:"kind"      json:"kind"`
	Operation *OperationBinding `yaml:"operation" json:"operation,omitempty"`
	Request   *RequestTemplate  `yaml:"request"   json:"request,omitempty"`
	Retries   *int              `yaml:"retries"   json:"retries,omitempty"`
	Pool      string            `yaml:"pool"      json:"pool,omitempty"`
}

// EdgeDefinition declares that To may only start after From succeeded.
type EdgeDefinition struct {
	From string `yaml:"from" json:"from"`
	To   string `yaml:"to"   json:"to"`
}

// OperationBinding describes the remote operation a node performs.
type OperationBinding struct {
	Type         string `yaml:"type"          json:"type"`
	Name         string `yaml:"name"          json:"name,omitempty"`
	Handler      string `yaml:"handler"       json:"handler,omitempty"`
	ProjectID    string `yaml:"project_id"    json:"project_id,omitempty"`
	Region       string `yaml:"region"        json:"region,omitempty"`
	RepositoryID string `yaml:"repository_id" json:"repository_id,omitempty"`
	// Asynchronous skips waiting for a workflow invocation to finish.
	Asynchronous bool `yaml:"asynchronous" json:"asynchronous,omitempty"`
}

// RequestTemplate is the payload sent by a remote node. Deferred entries are
// filled in at execution time from outputs of upstream nodes; their keys are
// dot-separated paths into Fields.
type RequestTemplate struct {
	Fields   map[string]any       `yaml:"fields"   json:"fields,omitempty"`
	Deferred map[string]OutputRef `yaml:"deferred" json:"deferred,omitempty"`
}

// EffectiveRetries returns the node's retry count, falling back to the
// workflow default.
func (n NodeDefinition) EffectiveRetries(args DefaultArgs) int {
	if n.Retries != nil {
		return *n.Retries
	}
	return args.Retries
}

// EffectivePool returns the node's pool, falling back to the workflow
// default.
func (n NodeDefinition) EffectivePool(args DefaultArgs) string {
	if n.Pool != "" {
		return n.Pool
	}
	return args.Pool
}

// Node returns the node with the given id, or nil.
func (w *WorkflowDefinition) Node(id string) *NodeDefinition {
	for i := range w.Nodes {
		if w.Nodes[i].ID == id {
			return &w.Nodes[i]
		}
	}
	return nil
}

// AllEdges returns the explicit edges followed by the edges implied by Chain.
// Duplicate edges are removed.
func (w *WorkflowDefinition) AllEdges() []EdgeDefinition {
	seen := make(map[EdgeDefinition]bool, len(w.Edges)+len(w.Chain))
	out := make([]EdgeDefinition, 0, len(w.Edges)+len(w.Chain))
	add := func(e EdgeDefinition) {
		if seen[e] {
			return
		}
		seen[e] = true
		out = append(out, e)
	}
	for _, e := range w.Edges {
		add(e)
	}
	for i := 1; i < len(w.Chain); i++ {
		add(EdgeDefinition{From: w.Chain[i-1], To: w.Chain[i]})
	}
	return out
}

// IsManual reports whether the workflow has no recurring schedule.
func (w *WorkflowDefinition) IsManual() bool {
	return w.Schedule == "" || w.Schedule == ManualSchedule
}

// EffectiveStartDate returns StartDate when set, otherwise UTC midnight
// StartDaysAgo days before now.
func (w *WorkflowDefinition) EffectiveStartDate(now time.Time) time.Time {
	if w.StartDate != nil {
		return w.StartDate.UTC()
	}
	day := now.UTC().Truncate(24 * time.Hour)
	return day.AddDate(0, 0, -w.StartDaysAgo)
}
