// Package expression resolves deferred output references and renders node
// request templates against the outputs recorded during a run.
package expression

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pitabwire/dfrun/model"
)

// OutputSource exposes the per-run state a reference is resolved against.
type OutputSource interface {
	// NodeStatus returns the node's current status, or "" if unknown.
	NodeStatus(nodeID string) string
	// NodeOutput returns the recorded output of a node.
	NodeOutput(nodeID string) (map[string]any, bool)
}

// Resolve evaluates ref against src. The referenced node must have
// succeeded and its output must contain the referenced field; otherwise a
// RESOLUTION_ERROR is returned.
func Resolve(src OutputSource, ref model.OutputRef) (any, error) {
	status := src.NodeStatus(ref.NodeID)
	switch status {
	case model.NodeStatusSuccess:
	case "":
		return nil, model.NewResolutionError("cannot resolve %s: node %q is not part of this run", ref, ref.NodeID)
	default:
		return nil, model.NewResolutionError("cannot resolve %s: node %q has not completed (status %s)", ref, ref.NodeID, status)
	}

	out, ok := src.NodeOutput(ref.NodeID)
	if !ok || out == nil {
		return nil, model.NewResolutionError("cannot resolve %s: node %q recorded no output", ref, ref.NodeID)
	}

	val, found := NavigatePath(out, ref.Path)
	if !found {
		return nil, model.NewResolutionError("cannot resolve %s: field %q not found in output of %q", ref, ref.Path, ref.NodeID)
	}
	return val, nil
}

// Render builds the request body of a node: a deep copy of the template's
// static fields with every deferred reference resolved and written at its
// path. A nil template renders to an empty body.
func Render(tmpl *model.RequestTemplate, src OutputSource) (map[string]any, error) {
	body := map[string]any{}
	if tmpl == nil {
		return body, nil
	}
	for k, v := range tmpl.Fields {
		body[k] = deepCopy(v)
	}

	keys := make([]string, 0, len(tmpl.Deferred))
	for k := range tmpl.Deferred {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		val, err := Resolve(src, tmpl.Deferred[key])
		if err != nil {
			return nil, fmt.Errorf("render field %q: %w", key, err)
		}
		if err := SetPath(body, key, val); err != nil {
			return nil, fmt.Errorf("render field %q: %w", key, err)
		}
	}
	return body, nil
}

// NavigatePath navigates a dot-separated path through nested maps.
func NavigatePath(data map[string]any, path string) (any, bool) {
	parts := strings.Split(path, ".")
	var current any = data
	for _, part := range parts {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// SetPath writes value at a dot-separated path, creating intermediate maps.
func SetPath(data map[string]any, path string, value any) error {
	parts := strings.Split(path, ".")
	current := data
	for _, part := range parts[:len(parts)-1] {
		next, ok := current[part]
		if !ok {
			m := map[string]any{}
			current[part] = m
			current = m
			continue
		}
		m, ok := next.(map[string]any)
		if !ok {
			return fmt.Errorf("path %q crosses non-object field %q", path, part)
		}
		current = m
	}
	current[parts[len(parts)-1]] = value
	return nil
}

func deepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, vv := range t {
			out[k] = deepCopy(vv)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, vv := range t {
			out[i] = deepCopy(vv)
		}
		return out
	default:
		return v
	}
}
