package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/pitabwire/dfrun/model"
)

var baseTime = time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

func testRun(id, workflowID string, day int) model.RunInstance {
	created := baseTime.Add(time.Duration(day) * time.Hour)
	return model.RunInstance{
		ID:          id,
		WorkflowID:  workflowID,
		LogicalTime: baseTime.AddDate(0, 0, day),
		Status:      model.RunStatusQueued,
		TriggeredBy: TriggeredByManual,
		Nodes: []model.NodeRun{
			{NodeID: "start", Kind: model.NodeKindMarker, Status: model.NodeStatusPending},
			{NodeID: "compile", Kind: model.NodeKindRemoteCall, Status: model.NodeStatusPending},
		},
		CreatedAt: created,
		UpdatedAt: created,
		Version:   1,
	}
}

func wantCode(t *testing.T, err error, code string) {
	t.Helper()
	if !model.HasCode(err, code) {
		t.Errorf("error = %v, want %s", err, code)
	}
}

func mustCreate(t *testing.T, s RunStore, runs ...model.RunInstance) {
	t.Helper()
	for _, run := range runs {
		if err := s.Create(context.Background(), run); err != nil {
			t.Fatalf("Create(%s) error = %v", run.ID, err)
		}
	}
}

// runStoreSuite exercises the RunStore contract against any implementation.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) RunStore) {
	t.Run("create and get", func(t *testing.T) {
		s := newStore(t)
		run := testRun("run-1", "wf", 0)
		mustCreate(t, s, run)

		got, err := s.Get(context.Background(), "run-1")
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if got.WorkflowID != run.WorkflowID || !got.LogicalTime.Equal(run.LogicalTime) || got.Version != 1 {
			t.Errorf("Get() = %s/%s v%d, want %s/%s v1",
				got.WorkflowID, got.LogicalTime, got.Version, run.WorkflowID, run.LogicalTime)
		}
		if len(got.Nodes) != 2 || got.Nodes[1].NodeID != "compile" {
			t.Errorf("Get() nodes = %+v", got.Nodes)
		}
	})

	t.Run("create duplicate conflicts", func(t *testing.T) {
		s := newStore(t)
		run := testRun("run-1", "wf", 0)
		mustCreate(t, s, run)
		wantCode(t, s.Create(context.Background(), run), model.ErrConflict)
	})

	t.Run("get missing", func(t *testing.T) {
		_, err := newStore(t).Get(context.Background(), "missing")
		wantCode(t, err, model.ErrNotFound)
	})

	t.Run("update increments version", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		run := testRun("run-1", "wf", 0)
		mustCreate(t, s, run)

		run.Status = model.RunStatusRunning
		run.Nodes[0].Status = model.NodeStatusSuccess
		run.Nodes[0].Output = map[string]any{"name": "x"}
		if err := s.Update(ctx, run); err != nil {
			t.Fatalf("Update() error = %v", err)
		}

		got, err := s.Get(ctx, "run-1")
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if got.Version != 2 || got.Status != model.RunStatusRunning {
			t.Errorf("after Update: version %d status %s, want 2 running", got.Version, got.Status)
		}
		if got.Nodes[0].Status != model.NodeStatusSuccess || got.Nodes[0].Output["name"] != "x" {
			t.Errorf("after Update: node = %+v", got.Nodes[0])
		}
	})

	t.Run("update with stale version conflicts", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		run := testRun("run-1", "wf", 0)
		mustCreate(t, s, run)
		if err := s.Update(ctx, run); err != nil {
			t.Fatalf("Update() error = %v", err)
		}

		// run still carries version 1.
		wantCode(t, s.Update(ctx, run), model.ErrConflict)
	})

	t.Run("update missing", func(t *testing.T) {
		wantCode(t, newStore(t).Update(context.Background(), testRun("missing", "wf", 0)), model.ErrNotFound)
	})

	t.Run("events in append order", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		mustCreate(t, s, testRun("run-1", "wf", 0))

		names := []string{model.EventRunQueued, model.EventRunStarted, model.EventNodeStarted}
		for i, name := range names {
			err := s.AppendEvent(ctx, model.RunEvent{
				ID:        "evt-" + string(rune('a'+i)),
				RunID:     "run-1",
				Event:     name,
				Data:      map[string]any{"seq": "x"},
				Timestamp: baseTime.Add(time.Duration(i) * time.Second),
			})
			if err != nil {
				t.Fatalf("AppendEvent() error = %v", err)
			}
		}

		events, err := s.GetEvents(ctx, "run-1")
		if err != nil {
			t.Fatalf("GetEvents() error = %v", err)
		}
		got := make([]string, len(events))
		for i, e := range events {
			got[i] = e.Event
		}
		if diff := cmp.Diff(names, got); diff != "" {
			t.Errorf("event order mismatch (-want +got):\n%s", diff)
		}
		if events[0].Data["seq"] != "x" {
			t.Errorf("event data = %v", events[0].Data)
		}

		_, err = s.GetEvents(ctx, "missing")
		wantCode(t, err, model.ErrNotFound)
	})

	t.Run("list filters and pages newest first", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		for i, id := range []string{"a1", "a2", "a3", "a4", "a5"} {
			mustCreate(t, s, testRun(id, "wf-a", i))
		}
		other := testRun("b1", "wf-b", 10)
		other.Status = model.RunStatusFailed
		mustCreate(t, s, other)

		tests := []struct {
			name      string
			filters   model.RunFilters
			wantIDs   []string
			wantTotal int
		}{
			{"first page", model.RunFilters{WorkflowID: "wf-a", PageSize: 2}, []string{"a5", "a4"}, 5},
			{"last page", model.RunFilters{WorkflowID: "wf-a", Page: 3, PageSize: 2}, []string{"a1"}, 5},
			{"past the end", model.RunFilters{WorkflowID: "wf-a", Page: 9, PageSize: 2}, []string{}, 5},
			{"by status", model.RunFilters{Status: model.RunStatusFailed}, []string{"b1"}, 1},
		}
		for _, tt := range tests {
			runs, total, err := s.List(ctx, tt.filters)
			if err != nil {
				t.Fatalf("%s: List() error = %v", tt.name, err)
			}
			if total != tt.wantTotal {
				t.Errorf("%s: total = %d, want %d", tt.name, total, tt.wantTotal)
			}
			if diff := cmp.Diff(tt.wantIDs, runIDs(runs)); diff != "" {
				t.Errorf("%s: ids mismatch (-want +got):\n%s", tt.name, diff)
			}
		}

		if _, total, _ := s.List(ctx, model.RunFilters{}); total != 6 {
			t.Errorf("unfiltered total = %d, want 6", total)
		}
	})

	t.Run("latest before", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		mustCreate(t, s, testRun("d0", "wf", 0), testRun("d1", "wf", 1), testRun("d2", "wf", 2))
		mustCreate(t, s, testRun("other", "wf-other", 1))

		if got, err := s.Latest(ctx, "wf", baseTime.AddDate(0, 0, 2)); err != nil || got.ID != "d1" {
			t.Errorf("Latest(day 2) = %q, %v; want d1", got.ID, err)
		}
		if got, err := s.Latest(ctx, "wf", baseTime.AddDate(1, 0, 0)); err != nil || got.ID != "d2" {
			t.Errorf("Latest(next year) = %q, %v; want d2", got.ID, err)
		}
		_, err := s.Latest(ctx, "wf", baseTime)
		wantCode(t, err, model.ErrNotFound)
	})

	t.Run("latest by trigger source", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		sched0 := testRun("s0", "wf", 0)
		sched0.TriggeredBy = TriggeredByScheduler
		sched1 := testRun("s1", "wf", 1)
		sched1.TriggeredBy = TriggeredByScheduler
		api := testRun("api", "wf", 30)
		api.TriggeredBy = TriggeredByAPI
		otherWf := testRun("x", "wf-other", 5)
		otherWf.TriggeredBy = TriggeredByScheduler
		mustCreate(t, s, sched0, sched1, api, otherWf)

		far := baseTime.AddDate(5, 0, 0)
		if got, err := s.LatestTriggeredBy(ctx, "wf", TriggeredByScheduler, far); err != nil || got.ID != "s1" {
			t.Errorf("LatestTriggeredBy(scheduler) = %q, %v; want s1", got.ID, err)
		}
		if got, err := s.LatestTriggeredBy(ctx, "wf", TriggeredByScheduler, baseTime.AddDate(0, 0, 1)); err != nil || got.ID != "s0" {
			t.Errorf("LatestTriggeredBy(scheduler, day 1) = %q, %v; want s0", got.ID, err)
		}
		if got, err := s.LatestTriggeredBy(ctx, "wf", "", far); err != nil || got.ID != "api" {
			t.Errorf("LatestTriggeredBy(any) = %q, %v; want api", got.ID, err)
		}
		_, err := s.LatestTriggeredBy(ctx, "wf", TriggeredByManual, far)
		wantCode(t, err, model.ErrNotFound)

		if err := s.Delete(ctx, "s1"); err != nil {
			t.Fatalf("Delete() error = %v", err)
		}
		if got, err := s.LatestTriggeredBy(ctx, "wf", TriggeredByScheduler, far); err != nil || got.ID != "s0" {
			t.Errorf("LatestTriggeredBy after delete = %q, %v; want s0", got.ID, err)
		}
	})

	t.Run("delete", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		mustCreate(t, s, testRun("run-1", "wf", 0))
		if err := s.AppendEvent(ctx, model.RunEvent{
			ID: "evt-1", RunID: "run-1", Event: model.EventRunQueued, Timestamp: baseTime,
		}); err != nil {
			t.Fatalf("AppendEvent() error = %v", err)
		}

		if err := s.Delete(ctx, "run-1"); err != nil {
			t.Fatalf("Delete() error = %v", err)
		}
		_, err := s.Get(ctx, "run-1")
		wantCode(t, err, model.ErrNotFound)

		if _, total, err := s.List(ctx, model.RunFilters{WorkflowID: "wf"}); err != nil || total != 0 {
			t.Errorf("List after delete = %d, %v; want 0", total, err)
		}
		wantCode(t, s.Delete(ctx, "run-1"), model.ErrNotFound)
	})

	t.Run("health check", func(t *testing.T) {
		if err := newStore(t).HealthCheck(context.Background()); err != nil {
			t.Errorf("HealthCheck() error = %v", err)
		}
	})
}

func runIDs(runs []model.RunInstance) []string {
	out := make([]string, len(runs))
	for i, r := range runs {
		out[i] = r.ID
	}
	return out
}

func TestPageBounds(t *testing.T) {
	tests := []struct {
		name       string
		filters    model.RunFilters
		wantOffset int
		wantLimit  int
	}{
		{"defaults", model.RunFilters{}, 0, defaultPageSize},
		{"second page", model.RunFilters{Page: 2, PageSize: 10}, 10, 10},
		{"clamped size", model.RunFilters{PageSize: 5000}, 0, maxPageSize},
		{"negative page", model.RunFilters{Page: -3, PageSize: 5}, 0, 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			offset, limit := pageBounds(tt.filters)
			if offset != tt.wantOffset || limit != tt.wantLimit {
				t.Errorf("pageBounds() = %d, %d; want %d, %d", offset, limit, tt.wantOffset, tt.wantLimit)
			}
		})
	}
}
