package definition

import (
	"github.com/pitabwire/dfrun/internal/graph"
	"github.com/pitabwire/dfrun/model"
)

// BuildGraph builds the dependency graph of a workflow: one node per
// definition node in declaration order, one edge per declared or chained
// dependency. The graph is checked for cycles once, here.
func BuildGraph(w model.WorkflowDefinition) (*graph.Graph, error) {
	g := graph.New()
	for _, n := range w.Nodes {
		g.AddNode(n.ID)
	}
	for _, e := range w.AllEdges() {
		if err := g.AddEdge(e.From, e.To); err != nil {
			return nil, model.NewConfigurationError("workflow %q has an invalid graph", w.ID).WithCause(err)
		}
	}
	if err := g.DetectCycles(); err != nil {
		return nil, model.NewConfigurationError("workflow %q has an invalid graph", w.ID).WithCause(err)
	}
	return g, nil
}
