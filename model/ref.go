package model

import (
	"fmt"
	"strings"
)

const refPrefix = "nodes."

// OutputRef is a typed reference to a field of another node's output. It is
// only resolvable once the referenced node has succeeded in the same run.
type OutputRef struct {
	NodeID string
	Path   string
}

// ParseOutputRef parses the textual form "nodes.<node-id>.<field.path>".
func ParseOutputRef(s string) (OutputRef, error) {
	if !strings.HasPrefix(s, refPrefix) {
		return OutputRef{}, fmt.Errorf("output reference %q must start with %q", s, refPrefix)
	}
	rest := strings.TrimPrefix(s, refPrefix)
	nodeID, path, ok := strings.Cut(rest, ".")
	if !ok || nodeID == "" || path == "" {
		return OutputRef{}, fmt.Errorf("output reference %q must name a node and a field", s)
	}
	return OutputRef{NodeID: nodeID, Path: path}, nil
}

// String returns the textual form of the reference.
func (r OutputRef) String() string {
	return refPrefix + r.NodeID + "." + r.Path
}

// MarshalText implements encoding.TextMarshaler.
func (r OutputRef) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *OutputRef) UnmarshalText(text []byte) error {
	parsed, err := ParseOutputRef(string(text))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}
