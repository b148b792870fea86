package definition

import (
	"cmp"
	"crypto/sha256"
	"encoding/hex"
	"maps"
	"slices"
	"sync/atomic"

	"github.com/pitabwire/dfrun/internal/graph"
	"github.com/pitabwire/dfrun/model"
)

type entry struct {
	def   model.WorkflowDefinition
	graph *graph.Graph
}

// catalog is one immutable generation of loaded workflows.
type catalog struct {
	byID     map[string]entry
	checksum string
}

// Registry serves the loaded workflows and their graphs. Readers never
// block: Replace builds a complete catalog and swaps it in atomically.
type Registry struct {
	cur atomic.Pointer[catalog]
}

func NewRegistry(defs []model.DefinitionFile) (*Registry, error) {
	r := &Registry{}
	if err := r.Replace(defs); err != nil {
		return nil, err
	}
	return r, nil
}

// Replace installs defs as the new catalog. On error (a graph that cannot
// be built, or a workflow ID defined twice) the previous catalog stays.
func (r *Registry) Replace(defs []model.DefinitionFile) error {
	next := &catalog{byID: make(map[string]entry)}
	sums := make([]string, 0, len(defs))

	for _, file := range defs {
		sums = append(sums, file.Checksum)
		for _, wf := range file.Workflows {
			if prev, dup := next.byID[wf.ID]; dup {
				return model.NewConfigurationError("workflow %q defined in both %s and %s",
					wf.ID, prev.def.SourceFile, wf.SourceFile)
			}
			g, err := BuildGraph(wf)
			if err != nil {
				return err
			}
			next.byID[wf.ID] = entry{def: wf, graph: g}
		}
	}

	slices.Sort(sums)
	h := sha256.New()
	for _, s := range sums {
		h.Write([]byte(s))
		h.Write([]byte{':'})
	}
	next.checksum = hex.EncodeToString(h.Sum(nil))

	r.cur.Store(next)
	return nil
}

func (r *Registry) GetWorkflow(workflowID string) (model.WorkflowDefinition, bool) {
	e, ok := r.cur.Load().byID[workflowID]
	return e.def, ok
}

func (r *Registry) GetGraph(workflowID string) (*graph.Graph, bool) {
	e, ok := r.cur.Load().byID[workflowID]
	return e.graph, ok
}

// AllWorkflows returns every workflow ordered by ID.
func (r *Registry) AllWorkflows() []model.WorkflowDefinition {
	entries := slices.Collect(maps.Values(r.cur.Load().byID))
	slices.SortFunc(entries, func(a, b entry) int { return cmp.Compare(a.def.ID, b.def.ID) })

	out := make([]model.WorkflowDefinition, len(entries))
	for i, e := range entries {
		out[i] = e.def
	}
	return out
}

// Checksum identifies the set of loaded files regardless of load order.
func (r *Registry) Checksum() string {
	return r.cur.Load().checksum
}
