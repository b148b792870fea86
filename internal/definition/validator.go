package definition

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pitabwire/dfrun/internal/graph"
	"github.com/pitabwire/dfrun/internal/schedule"
	"github.com/pitabwire/dfrun/model"
)

// VError describes a single validation error in a definition.
type VError struct {
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e VError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// Validator validates workflow definitions structurally and referentially.
type Validator struct{}

// NewValidator creates a new Validator.
func NewValidator() *Validator {
	return &Validator{}
}

// Validate checks all definition files. Workflow ids must be unique across
// files.
func (v *Validator) Validate(defs []model.DefinitionFile) []VError {
	var errs []VError
	seen := make(map[string]string)

	for i, def := range defs {
		prefix := fmt.Sprintf("definitions[%d]", i)
		if len(def.Workflows) == 0 {
			errs = append(errs, VError{Path: prefix + ".workflows", Code: "REQUIRED", Message: "at least one workflow is required"})
		}
		for j, w := range def.Workflows {
			wp := fmt.Sprintf("%s.workflows[%d]", prefix, j)
			if w.ID != "" {
				if other, dup := seen[w.ID]; dup {
					errs = append(errs, VError{
						Path:    wp + ".id",
						Code:    "DUPLICATE",
						Message: fmt.Sprintf("workflow %q already declared at %s", w.ID, other),
					})
				}
				seen[w.ID] = wp
			}
			errs = append(errs, v.ValidateWorkflow(wp, w)...)
		}
	}
	return errs
}

var validNodeKinds = map[string]bool{
	model.NodeKindMarker: true, model.NodeKindRemoteCall: true,
}

var validBindingTypes = map[string]bool{
	model.BindingTypeDataform: true, model.BindingTypeHandler: true,
}

var validDataformOperations = map[string]bool{
	model.OperationCreateCompilationResult:  true,
	model.OperationCreateWorkflowInvocation: true,
}

// ValidateWorkflow checks a single workflow. The prefix is used for error
// paths.
func (v *Validator) ValidateWorkflow(prefix string, w model.WorkflowDefinition) []VError {
	var errs []VError

	if w.ID == "" {
		errs = append(errs, VError{Path: prefix + ".id", Code: "REQUIRED", Message: "id is required"})
	}
	if len(w.Nodes) == 0 {
		errs = append(errs, VError{Path: prefix + ".nodes", Code: "REQUIRED", Message: "at least one node is required"})
	}
	if _, err := schedule.Parse(w.Schedule); err != nil {
		errs = append(errs, VError{Path: prefix + ".schedule", Code: "INVALID_SCHEDULE", Message: err.Error()})
	}
	if w.StartDaysAgo < 0 {
		errs = append(errs, VError{Path: prefix + ".start_days_ago", Code: "INVALID_VALUE", Message: "start_days_ago must not be negative"})
	}
	errs = append(errs, validateDefaultArgs(prefix+".default_args", w.DefaultArgs)...)

	nodeIDs := make(map[string]bool, len(w.Nodes))
	for i, n := range w.Nodes {
		np := fmt.Sprintf("%s.nodes[%d]", prefix, i)
		switch {
		case n.ID == "":
			errs = append(errs, VError{Path: np + ".id", Code: "REQUIRED", Message: "node id is required"})
		case strings.Contains(n.ID, "."):
			errs = append(errs, VError{Path: np + ".id", Code: "INVALID_VALUE", Message: fmt.Sprintf("node id %q must not contain dots", n.ID)})
		case nodeIDs[n.ID]:
			errs = append(errs, VError{Path: np + ".id", Code: "DUPLICATE", Message: fmt.Sprintf("duplicate node id %q", n.ID)})
		}
		nodeIDs[n.ID] = true
		errs = append(errs, validateNode(np, n)...)
	}

	edgesValid := true
	for i, e := range w.AllEdges() {
		ep := fmt.Sprintf("%s.edges[%d]", prefix, i)
		if !nodeIDs[e.From] {
			edgesValid = false
			errs = append(errs, VError{Path: ep + ".from", Code: "INVALID_REFERENCE", Message: fmt.Sprintf("node %q not found", e.From)})
		}
		if !nodeIDs[e.To] {
			edgesValid = false
			errs = append(errs, VError{Path: ep + ".to", Code: "INVALID_REFERENCE", Message: fmt.Sprintf("node %q not found", e.To)})
		}
		if e.From == e.To {
			edgesValid = false
			errs = append(errs, VError{Path: ep, Code: "CYCLE", Message: fmt.Sprintf("node %q depends on itself", e.From)})
		}
	}
	if !edgesValid || len(errs) > 0 {
		return errs
	}

	g, err := BuildGraph(w)
	if err != nil {
		var cycle *graph.CycleError
		if errors.As(err, &cycle) {
			return append(errs, VError{Path: prefix + ".edges", Code: "CYCLE", Message: cycle.Error()})
		}
		return append(errs, VError{Path: prefix + ".edges", Code: "INVALID_REFERENCE", Message: err.Error()})
	}

	// Deferred references may only point at upstream remote calls.
	for i, n := range w.Nodes {
		if n.Request == nil || len(n.Request.Deferred) == 0 {
			continue
		}
		ancestors, _ := g.Ancestors(n.ID)
		upstream := make(map[string]bool, len(ancestors))
		for _, a := range ancestors {
			upstream[a] = true
		}
		for key, ref := range n.Request.Deferred {
			rp := fmt.Sprintf("%s.nodes[%d].request.deferred.%s", prefix, i, key)
			target := w.Node(ref.NodeID)
			switch {
			case target == nil:
				errs = append(errs, VError{Path: rp, Code: "INVALID_REFERENCE", Message: fmt.Sprintf("node %q not found", ref.NodeID)})
			case !upstream[ref.NodeID]:
				errs = append(errs, VError{Path: rp, Code: "INVALID_REFERENCE", Message: fmt.Sprintf("node %q is not upstream of %q", ref.NodeID, n.ID)})
			case target.Kind != model.NodeKindRemoteCall:
				errs = append(errs, VError{Path: rp, Code: "INVALID_REFERENCE", Message: fmt.Sprintf("node %q produces no output", ref.NodeID)})
			}
		}
	}

	return errs
}

func validateDefaultArgs(prefix string, a model.DefaultArgs) []VError {
	var errs []VError
	if a.Retries < 0 {
		errs = append(errs, VError{Path: prefix + ".retries", Code: "INVALID_VALUE", Message: "retries must not be negative"})
	}
	if a.RetryDelay != "" {
		if d, err := time.ParseDuration(a.RetryDelay); err != nil || d < 0 {
			errs = append(errs, VError{Path: prefix + ".retry_delay", Code: "INVALID_VALUE", Message: fmt.Sprintf("invalid retry_delay %q", a.RetryDelay)})
		}
	}
	return errs
}

func validateNode(prefix string, n model.NodeDefinition) []VError {
	var errs []VError

	if n.Kind == "" {
		errs = append(errs, VError{Path: prefix + ".kind", Code: "REQUIRED", Message: "node kind is required"})
	} else if !validNodeKinds[n.Kind] {
		errs = append(errs, VError{Path: prefix + ".kind", Code: "INVALID_ENUM", Message: fmt.Sprintf("invalid node kind %q", n.Kind)})
	}
	if n.Retries != nil && *n.Retries < 0 {
		errs = append(errs, VError{Path: prefix + ".retries", Code: "INVALID_VALUE", Message: "retries must not be negative"})
	}

	if n.Kind == model.NodeKindMarker {
		if n.Operation != nil || n.Request != nil {
			errs = append(errs, VError{Path: prefix, Code: "INVALID_VALUE", Message: "marker nodes take no operation or request"})
		}
		return errs
	}
	if n.Kind != model.NodeKindRemoteCall {
		return errs
	}

	op := n.Operation
	if op == nil {
		return append(errs, VError{Path: prefix + ".operation", Code: "REQUIRED", Message: "remote_call nodes require an operation"})
	}
	if !validBindingTypes[op.Type] {
		return append(errs, VError{Path: prefix + ".operation.type", Code: "INVALID_ENUM", Message: fmt.Sprintf("invalid operation type %q", op.Type)})
	}

	switch op.Type {
	case model.BindingTypeDataform:
		if !validDataformOperations[op.Name] {
			errs = append(errs, VError{Path: prefix + ".operation.name", Code: "INVALID_ENUM", Message: fmt.Sprintf("invalid dataform operation %q", op.Name)})
		}
		required := []struct{ field, val string }{
			{"project_id", op.ProjectID},
			{"region", op.Region},
			{"repository_id", op.RepositoryID},
		}
		for _, r := range required {
			if r.val == "" {
				errs = append(errs, VError{Path: prefix + ".operation." + r.field, Code: "REQUIRED", Message: r.field + " is required"})
			}
		}
	case model.BindingTypeHandler:
		if op.Handler == "" {
			errs = append(errs, VError{Path: prefix + ".operation.handler", Code: "REQUIRED", Message: "handler is required"})
		}
	}

	return errs
}
