package definition

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
	ctyjson "github.com/zclconf/go-cty/cty/json"

	"github.com/pitabwire/dfrun/model"
)

// hclFile represents the top-level structure of an HCL definition file.
//
//	workflow "execute_workflow_datafrom_dev" {
//	  schedule = "@manual"
//	  chain    = ["start", "compile", "end"]
//	  node "compile" {
//	    kind = "remote_call"
//	    operation { ... }
//	    fields   = { git_commitish = "main" }
//	    deferred = { compilation_result = "nodes.compile.name" }
//	  }
//	}
type hclFile struct {
	Version   string         `hcl:"version,optional"`
	Workflows []*hclWorkflow `hcl:"workflow,block"`
}

type hclWorkflow struct {
	ID           string          `hcl:"id,label"`
	Description  string          `hcl:"description,optional"`
	Doc          string          `hcl:"doc,optional"`
	Tags         []string        `hcl:"tags,optional"`
	Schedule     string          `hcl:"schedule,optional"`
	StartDate    string          `hcl:"start_date,optional"`
	StartDaysAgo int             `hcl:"start_days_ago,optional"`
	Catchup      bool            `hcl:"catchup,optional"`
	Chain        []string        `hcl:"chain,optional"`
	DefaultArgs  *hclDefaultArgs `hcl:"default_args,block"`
	Nodes        []*hclNode      `hcl:"node,block"`
	Edges        []*hclEdge      `hcl:"edge,block"`
}

type hclDefaultArgs struct {
	Owner          string `hcl:"owner,optional"`
	Email          string `hcl:"email,optional"`
	EmailOnFailure bool   `hcl:"email_on_failure,optional"`
	EmailOnRetry   bool   `hcl:"email_on_retry,optional"`
	Retries        int    `hcl:"retries,optional"`
	RetryDelay     string `hcl:"retry_delay,optional"`
	DependsOnPast  bool   `hcl:"depends_on_past,optional"`
	Pool           string `hcl:"pool,optional"`
}

type hclNode struct {
	ID        string            `hcl:"id,label"`
	Kind      string            `hcl:"kind"`
	Retries   *int              `hcl:"retries,optional"`
	Pool      string            `hcl:"pool,optional"`
	Operation *hclOperation     `hcl:"operation,block"`
	Fields    cty.Value         `hcl:"fields,optional"`
	Deferred  map[string]string `hcl:"deferred,optional"`
}

type hclOperation struct {
	Type         string `hcl:"type"`
	Name         string `hcl:"name,optional"`
	Handler      string `hcl:"handler,optional"`
	ProjectID    string `hcl:"project_id,optional"`
	Region       string `hcl:"region,optional"`
	RepositoryID string `hcl:"repository_id,optional"`
	Asynchronous bool   `hcl:"asynchronous,optional"`
}

type hclEdge struct {
	From string `hcl:"from"`
	To   string `hcl:"to"`
}

func decodeHCL(path string, data []byte) (model.DefinitionFile, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(data, path)
	if diags.HasErrors() {
		return model.DefinitionFile{}, fmt.Errorf("parsing %s: %w", path, diags)
	}

	var parsed hclFile
	if diags := gohcl.DecodeBody(file.Body, nil, &parsed); diags.HasErrors() {
		return model.DefinitionFile{}, fmt.Errorf("decoding %s: %w", path, diags)
	}

	def := model.DefinitionFile{Version: parsed.Version}
	for _, hw := range parsed.Workflows {
		w, err := hw.toModel()
		if err != nil {
			return model.DefinitionFile{}, fmt.Errorf("decoding %s: workflow %q: %w", path, hw.ID, err)
		}
		def.Workflows = append(def.Workflows, w)
	}
	return def, nil
}

func (hw *hclWorkflow) toModel() (model.WorkflowDefinition, error) {
	w := model.WorkflowDefinition{
		ID:           hw.ID,
		Description:  hw.Description,
		Doc:          hw.Doc,
		Tags:         hw.Tags,
		Schedule:     hw.Schedule,
		StartDaysAgo: hw.StartDaysAgo,
		Catchup:      hw.Catchup,
		Chain:        hw.Chain,
	}
	if hw.StartDate != "" {
		t, err := time.Parse(time.RFC3339, hw.StartDate)
		if err != nil {
			return w, fmt.Errorf("start_date: %w", err)
		}
		w.StartDate = &t
	}
	if a := hw.DefaultArgs; a != nil {
		w.DefaultArgs = model.DefaultArgs{
			Owner:          a.Owner,
			Email:          a.Email,
			EmailOnFailure: a.EmailOnFailure,
			EmailOnRetry:   a.EmailOnRetry,
			Retries:        a.Retries,
			RetryDelay:     a.RetryDelay,
			DependsOnPast:  a.DependsOnPast,
			Pool:           a.Pool,
		}
	}
	for _, e := range hw.Edges {
		w.Edges = append(w.Edges, model.EdgeDefinition{From: e.From, To: e.To})
	}
	for _, hn := range hw.Nodes {
		n, err := hn.toModel()
		if err != nil {
			return w, fmt.Errorf("node %q: %w", hn.ID, err)
		}
		w.Nodes = append(w.Nodes, n)
	}
	return w, nil
}

func (hn *hclNode) toModel() (model.NodeDefinition, error) {
	n := model.NodeDefinition{
		ID:      hn.ID,
		Kind:    hn.Kind,
		Retries: hn.Retries,
		Pool:    hn.Pool,
	}
	if op := hn.Operation; op != nil {
		n.Operation = &model.OperationBinding{
			Type:         op.Type,
			Name:         op.Name,
			Handler:      op.Handler,
			ProjectID:    op.ProjectID,
			Region:       op.Region,
			RepositoryID: op.RepositoryID,
			Asynchronous: op.Asynchronous,
		}
	}

	fields, err := ctyObjectToMap(hn.Fields)
	if err != nil {
		return n, fmt.Errorf("fields: %w", err)
	}
	if fields == nil && len(hn.Deferred) == 0 {
		return n, nil
	}

	n.Request = &model.RequestTemplate{Fields: fields}
	if len(hn.Deferred) > 0 {
		n.Request.Deferred = make(map[string]model.OutputRef, len(hn.Deferred))
		for key, raw := range hn.Deferred {
			ref, err := model.ParseOutputRef(raw)
			if err != nil {
				return n, fmt.Errorf("deferred %q: %w", key, err)
			}
			n.Request.Deferred[key] = ref
		}
	}
	return n, nil
}

// ctyObjectToMap converts an HCL object value to plain Go values through
// its JSON form. A missing or null value converts to nil.
func ctyObjectToMap(val cty.Value) (map[string]any, error) {
	if val.Type() == cty.NilType || val.IsNull() {
		return nil, nil
	}
	if !val.IsWhollyKnown() {
		return nil, fmt.Errorf("value must be known at load time")
	}
	if !val.Type().IsObjectType() && !val.Type().IsMapType() {
		return nil, fmt.Errorf("must be an object, got %s", val.Type().FriendlyName())
	}

	raw, err := ctyjson.Marshal(val, val.Type())
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
