package model

import (
	"encoding/json"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

func TestParseOutputRef(t *testing.T) {
	tests := []struct {
		in       string
		wantNode string
		wantPath string
		wantErr  bool
	}{
		{"nodes.create-compilation-result.name", "create-compilation-result", "name", false},
		{"nodes.a.b.c", "a", "b.c", false},
		{"create-compilation-result.name", "", "", true},
		{"nodes.a", "", "", true},
		{"nodes..name", "", "", true},
		{"nodes.a.", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			ref, err := ParseOutputRef(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseOutputRef(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if ref.NodeID != tt.wantNode || ref.Path != tt.wantPath {
				t.Errorf("ParseOutputRef(%q) = %+v", tt.in, ref)
			}
			if ref.String() != tt.in {
				t.Errorf("String() = %q, want %q", ref.String(), tt.in)
			}
		})
	}
}

func TestRequestTemplate_YAMLDeferred(t *testing.T) {
	src := `
fields:
  git_commitish: main
deferred:
  compilation_result: nodes.create-compilation-result.name
`
	var tmpl RequestTemplate
	if err := yaml.Unmarshal([]byte(src), &tmpl); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	ref, ok := tmpl.Deferred["compilation_result"]
	if !ok {
		t.Fatal("deferred entry missing")
	}
	if ref.NodeID != "create-compilation-result" || ref.Path != "name" {
		t.Errorf("ref = %+v", ref)
	}

	b, err := json.Marshal(tmpl)
	if err != nil {
		t.Fatalf("json.Marshal: %v", err)
	}
	want := `{"fields":{"git_commitish":"main"},"deferred":{"compilation_result":"nodes.create-compilation-result.name"}}`
	if string(b) != want {
		t.Errorf("json = %s, want %s", b, want)
	}
}

func TestRequestTemplate_YAMLInvalidRef(t *testing.T) {
	var tmpl RequestTemplate
	err := yaml.Unmarshal([]byte("deferred:\n  x: create-compilation-result\n"), &tmpl)
	if err == nil {
		t.Fatal("expected error for malformed reference")
	}
}

func TestWorkflowDefinition_AllEdges(t *testing.T) {
	w := WorkflowDefinition{
		Edges: []EdgeDefinition{{From: "a", To: "b"}},
		Chain: []string{"a", "b", "c"},
	}
	got := w.AllEdges()
	want := []EdgeDefinition{{From: "a", To: "b"}, {From: "b", To: "c"}}
	if len(got) != len(want) {
		t.Fatalf("AllEdges() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("AllEdges()[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestNodeDefinition_Effective(t *testing.T) {
	args := DefaultArgs{Retries: 0, Pool: "general"}
	three := 3
	n := NodeDefinition{ID: "x"}
	if n.EffectiveRetries(args) != 0 || n.EffectivePool(args) != "general" {
		t.Error("node should inherit defaults")
	}
	n.Retries = &three
	n.Pool = "heavy"
	if n.EffectiveRetries(args) != 3 || n.EffectivePool(args) != "heavy" {
		t.Error("node overrides should win")
	}
}

func TestWorkflowDefinition_EffectiveStartDate(t *testing.T) {
	now := time.Date(2026, 10, 19, 14, 30, 0, 0, time.UTC)
	w := WorkflowDefinition{StartDaysAgo: 30}
	want := time.Date(2026, 9, 19, 0, 0, 0, 0, time.UTC)
	if got := w.EffectiveStartDate(now); !got.Equal(want) {
		t.Errorf("EffectiveStartDate() = %v, want %v", got, want)
	}

	fixed := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	w.StartDate = &fixed
	if got := w.EffectiveStartDate(now); !got.Equal(fixed) {
		t.Errorf("EffectiveStartDate() = %v, want %v", got, fixed)
	}
}

func TestWorkflowDefinition_IsManual(t *testing.T) {
	for _, s := range []string{"", ManualSchedule} {
		w := WorkflowDefinition{Schedule: s}
		if !w.IsManual() {
			t.Errorf("IsManual() for %q = false", s)
		}
	}
	w := WorkflowDefinition{Schedule: "@daily"}
	if w.IsManual() {
		t.Error("IsManual() for @daily = true")
	}
}
