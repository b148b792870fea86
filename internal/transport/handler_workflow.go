package transport

import (
	"net/http"
	"sort"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/dfrun/internal/graph"
	"github.com/pitabwire/dfrun/model"
)

// WorkflowCatalog exposes the loaded workflow definitions and their graphs.
type WorkflowCatalog interface {
	AllWorkflows() []model.WorkflowDefinition
	GetWorkflow(workflowID string) (model.WorkflowDefinition, bool)
	GetGraph(workflowID string) (*graph.Graph, bool)
}

// workflowSummary is the list representation of a workflow.
type workflowSummary struct {
	ID          string   `json:"id"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	Schedule    string   `json:"schedule,omitempty"`
	Owner       string   `json:"owner,omitempty"`
	NodeCount   int      `json:"node_count"`
}

// graphEdge is the JSON form of a dependency edge.
type graphEdge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// workflowDetail is a workflow definition with its resolved execution order.
type workflowDetail struct {
	model.WorkflowDefinition
	Order      []string    `json:"order"`
	GraphEdges []graphEdge `json:"graph_edges"`
}

func handleWorkflowList(catalog WorkflowCatalog) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		defs := catalog.AllWorkflows()
		sort.Slice(defs, func(i, j int) bool { return defs[i].ID < defs[j].ID })

		out := make([]workflowSummary, 0, len(defs))
		for _, d := range defs {
			out = append(out, workflowSummary{
				ID:          d.ID,
				Description: d.Description,
				Tags:        d.Tags,
				Schedule:    d.Schedule,
				Owner:       d.DefaultArgs.Owner,
				NodeCount:   len(d.Nodes),
			})
		}
		WriteJSON(w, http.StatusOK, map[string]any{
			"data":        out,
			"total_count": len(out),
		})
	}
}

func handleWorkflowGet(catalog WorkflowCatalog) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		workflowID := chi.URLParam(r, "workflowId")

		def, ok := catalog.GetWorkflow(workflowID)
		if !ok {
			WriteError(w, workflowNotFound(workflowID))
			return
		}
		g, ok := catalog.GetGraph(workflowID)
		if !ok {
			WriteError(w, model.NewConfigurationError("workflow %q has no graph", workflowID))
			return
		}
		order, err := g.TopologicalOrder()
		if err != nil {
			WriteError(w, model.NewConfigurationError("workflow %q cannot be ordered", workflowID).WithCause(err))
			return
		}

		edges := make([]graphEdge, 0, len(g.Edges()))
		for _, e := range g.Edges() {
			edges = append(edges, graphEdge{From: e.From, To: e.To})
		}
		WriteJSON(w, http.StatusOK, workflowDetail{
			WorkflowDefinition: def,
			Order:              order,
			GraphEdges:         edges,
		})
	}
}
