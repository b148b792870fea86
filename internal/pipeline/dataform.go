// Package pipeline builds the Dataform workflow: a marker, a compilation of
// the workspace, an invocation of that compilation, and a closing marker.
package pipeline

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"

	"github.com/pitabwire/dfrun/model"
)

// Node ids of the Dataform workflow.
const (
	NodeStart                    = "start"
	NodeCreateCompilationResult  = "create-compilation-result"
	NodeCreateWorkflowInvocation = "create-workflow-invocation"
	NodeEnd                      = "end"
)

// Settings is the static configuration of the Dataform workflow. It is
// passed by value and never mutated after construction.
type Settings struct {
	WorkflowID   string   `yaml:"workflow_id"`
	Description  string   `yaml:"description"`
	Doc          string   `yaml:"doc"`
	ProjectID    string   `yaml:"project_id"`
	Region       string   `yaml:"region"`
	RepositoryID string   `yaml:"repository_id"`
	WorkspaceID  string   `yaml:"workspace_id"`
	GitCommitish string   `yaml:"git_commitish"`
	Tags         []string `yaml:"tags"`
	Schedule     string   `yaml:"schedule"`
	StartDaysAgo int      `yaml:"start_days_ago"`
	Catchup      bool     `yaml:"catchup"`
	// Asynchronous returns from the invocation node as soon as the
	// invocation is created instead of waiting for it to finish.
	Asynchronous bool `yaml:"asynchronous"`

	Owner          string `yaml:"owner"`
	Email          string `yaml:"email"`
	EmailOnFailure bool   `yaml:"email_on_failure"`
	EmailOnRetry   bool   `yaml:"email_on_retry"`
	Retries        int    `yaml:"retries"`
	RetryDelay     string `yaml:"retry_delay"`
	DependsOnPast  bool   `yaml:"depends_on_past"`
	Pool           string `yaml:"pool"`
}

// pipelineDoc is the full pipeline documentation; Description is its
// first line.
const pipelineDoc = "DAG que ejecuta procedimientos almacenados de bigquery.\n" +
	"Imprime datos en el log de la tarea.\n"

// DefaultSettings returns the settings of the analytics Dataform workspace.
func DefaultSettings() Settings {
	return Settings{
		WorkflowID:   "execute_workflow_datafrom_dev",
		Description:  "DAG que ejecuta procedimientos almacenados de bigquery.",
		Doc:          pipelineDoc,
		ProjectID:    "cc-data-analytics-prd",
		Region:       "us-central1",
		RepositoryID: "dataform-code",
		WorkspaceID:  "luissalazar",
		GitCommitish: "main",
		Tags:         []string{"DATAFROM", "TEST", "BIGQUERY", "LUIS SALAZAR"},
		Schedule:     "",
		StartDaysAgo: 30,
		Catchup:      false,

		Owner:          "CUERVO-IT",
		Email:          "luis.salazar@it-seekers.com",
		EmailOnFailure: false,
		EmailOnRetry:   false,
		Retries:        0,
		DependsOnPast:  false,
		Pool:           "general",
	}
}

// RepositoryPath returns the Dataform repository resource name.
func (s Settings) RepositoryPath() string {
	return fmt.Sprintf("projects/%s/locations/%s/repositories/%s", s.ProjectID, s.Region, s.RepositoryID)
}

// WorkspacePath returns the Dataform workspace resource name.
func (s Settings) WorkspacePath() string {
	return fmt.Sprintf("%s/workspaces/%s", s.RepositoryPath(), s.WorkspaceID)
}

// Validate checks that every identifier needed to build the workflow is set.
func (s Settings) Validate() error {
	missing := []struct{ field, val string }{
		{"workflow_id", s.WorkflowID},
		{"project_id", s.ProjectID},
		{"region", s.Region},
		{"repository_id", s.RepositoryID},
		{"workspace_id", s.WorkspaceID},
		{"git_commitish", s.GitCommitish},
	}
	for _, m := range missing {
		if m.val == "" {
			return model.NewConfigurationError("pipeline.%s is required", m.field)
		}
	}
	if s.Retries < 0 {
		return model.NewConfigurationError("pipeline.retries must not be negative")
	}
	return nil
}

// NewDataformWorkflow builds the four-node Dataform workflow from settings.
// Building twice from equal settings yields equal definitions.
func NewDataformWorkflow(s Settings) (model.WorkflowDefinition, error) {
	if err := s.Validate(); err != nil {
		return model.WorkflowDefinition{}, err
	}

	binding := func(op string) *model.OperationBinding {
		return &model.OperationBinding{
			Type:         model.BindingTypeDataform,
			Name:         op,
			ProjectID:    s.ProjectID,
			Region:       s.Region,
			RepositoryID: s.RepositoryID,
		}
	}

	invoke := binding(model.OperationCreateWorkflowInvocation)
	invoke.Asynchronous = s.Asynchronous

	return model.WorkflowDefinition{
		ID:           s.WorkflowID,
		Description:  s.Description,
		Doc:          s.Doc,
		Tags:         append([]string(nil), s.Tags...),
		Schedule:     s.Schedule,
		StartDaysAgo: s.StartDaysAgo,
		Catchup:      s.Catchup,
		DefaultArgs: model.DefaultArgs{
			Owner:          s.Owner,
			Email:          s.Email,
			EmailOnFailure: s.EmailOnFailure,
			EmailOnRetry:   s.EmailOnRetry,
			Retries:        s.Retries,
			RetryDelay:     s.RetryDelay,
			DependsOnPast:  s.DependsOnPast,
			Pool:           s.Pool,
		},
		Nodes: []model.NodeDefinition{
			{ID: NodeStart, Kind: model.NodeKindMarker},
			{
				ID:        NodeCreateCompilationResult,
				Kind:      model.NodeKindRemoteCall,
				Operation: binding(model.OperationCreateCompilationResult),
				Request: &model.RequestTemplate{
					Fields: map[string]any{
						"git_commitish": s.GitCommitish,
						"workspace":     s.WorkspacePath(),
					},
				},
			},
			{
				ID:        NodeCreateWorkflowInvocation,
				Kind:      model.NodeKindRemoteCall,
				Operation: invoke,
				Request: &model.RequestTemplate{
					Deferred: map[string]model.OutputRef{
						"compilation_result": {NodeID: NodeCreateCompilationResult, Path: "name"},
					},
				},
			},
			{ID: NodeEnd, Kind: model.NodeKindMarker},
		},
		Chain:      []string{NodeStart, NodeCreateCompilationResult, NodeCreateWorkflowInvocation, NodeEnd},
		SourceFile: "builtin",
	}, nil
}

// DefinitionFile wraps the Dataform workflow so it can be registered next
// to workflows loaded from disk. The checksum covers the built definition.
func DefinitionFile(s Settings) (model.DefinitionFile, error) {
	w, err := NewDataformWorkflow(s)
	if err != nil {
		return model.DefinitionFile{}, err
	}
	raw, err := json.Marshal(w)
	if err != nil {
		return model.DefinitionFile{}, fmt.Errorf("encoding workflow %s: %w", w.ID, err)
	}
	return model.DefinitionFile{
		Version:    "builtin",
		Workflows:  []model.WorkflowDefinition{w},
		Checksum:   fmt.Sprintf("%x", sha256.Sum256(raw)),
		SourceFile: "builtin",
	}, nil
}
