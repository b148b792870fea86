package workflow

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pitabwire/dfrun/model"
)

// MemoryRunStore is an in-memory RunStore. It backs single-process CLI runs
// and tests.
type MemoryRunStore struct {
	mu     sync.RWMutex
	runs   map[string]model.RunInstance // key: run ID
	events map[string][]model.RunEvent  // key: run ID
}

// NewMemoryRunStore creates a new in-memory run store.
func NewMemoryRunStore() *MemoryRunStore {
	return &MemoryRunStore{
		runs:   make(map[string]model.RunInstance),
		events: make(map[string][]model.RunEvent),
	}
}

// Create persists a new run.
func (s *MemoryRunStore) Create(_ context.Context, run model.RunInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.runs[run.ID]; exists {
		return model.NewConflictError(fmt.Sprintf("run %q already exists", run.ID))
	}
	s.runs[run.ID] = cloneRun(run)
	return nil
}

// Get retrieves a run by ID.
func (s *MemoryRunStore) Get(_ context.Context, runID string) (model.RunInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, exists := s.runs[runID]
	if !exists {
		return model.RunInstance{}, model.NewNotFoundError(fmt.Sprintf("run %q not found", runID))
	}
	return cloneRun(run), nil
}

// Update persists an updated run with optimistic locking.
func (s *MemoryRunStore) Update(_ context.Context, run model.RunInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.runs[run.ID]
	if !exists {
		return model.NewNotFoundError(fmt.Sprintf("run %q not found", run.ID))
	}
	if existing.Version != run.Version {
		return model.NewConflictError(
			fmt.Sprintf("run %q version conflict (expected %d, got %d)", run.ID, run.Version, existing.Version),
		)
	}

	run = cloneRun(run)
	run.Version++
	if run.UpdatedAt.IsZero() {
		run.UpdatedAt = time.Now().UTC()
	}
	s.runs[run.ID] = run
	return nil
}

// AppendEvent adds an event to the run's audit trail.
func (s *MemoryRunStore) AppendEvent(_ context.Context, event model.RunEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.events[event.RunID] = append(s.events[event.RunID], event)
	return nil
}

// GetEvents retrieves all events of a run, ordered by timestamp.
func (s *MemoryRunStore) GetEvents(_ context.Context, runID string) ([]model.RunEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, exists := s.runs[runID]; !exists {
		return nil, model.NewNotFoundError(fmt.Sprintf("run %q not found", runID))
	}

	events := s.events[runID]
	result := make([]model.RunEvent, len(events))
	copy(result, events)
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].Timestamp.Before(result[j].Timestamp)
	})
	return result, nil
}

// List returns one page of matching runs, newest first.
func (s *MemoryRunStore) List(_ context.Context, filters model.RunFilters) ([]model.RunInstance, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var all []model.RunInstance
	for _, run := range s.runs {
		if matches(run, filters) {
			all = append(all, run)
		}
	}
	sort.Slice(all, func(i, j int) bool { return newerFirst(all[i], all[j]) })

	total := len(all)
	offset, limit := pageBounds(filters)
	if offset >= total {
		return []model.RunInstance{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}

	page := make([]model.RunInstance, 0, end-offset)
	for _, run := range all[offset:end] {
		page = append(page, cloneRun(run))
	}
	return page, total, nil
}

// Latest returns the workflow's run with the greatest logical time before
// the given time.
func (s *MemoryRunStore) Latest(_ context.Context, workflowID string, before time.Time) (model.RunInstance, error) {
	return s.latest(workflowID, "", before)
}

// LatestTriggeredBy is Latest over runs started by triggeredBy.
func (s *MemoryRunStore) LatestTriggeredBy(_ context.Context, workflowID, triggeredBy string, before time.Time) (model.RunInstance, error) {
	return s.latest(workflowID, triggeredBy, before)
}

func (s *MemoryRunStore) latest(workflowID, triggeredBy string, before time.Time) (model.RunInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		latest model.RunInstance
		found  bool
	)
	for _, run := range s.runs {
		if run.WorkflowID != workflowID || !run.LogicalTime.Before(before) {
			continue
		}
		if triggeredBy != "" && run.TriggeredBy != triggeredBy {
			continue
		}
		if !found || newerFirst(run, latest) {
			latest = run
			found = true
		}
	}
	if !found {
		return model.RunInstance{}, noRunBefore(workflowID, triggeredBy, before)
	}
	return cloneRun(latest), nil
}

// Delete removes a run and its events.
func (s *MemoryRunStore) Delete(_ context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.runs[runID]; !exists {
		return model.NewNotFoundError(fmt.Sprintf("run %q not found", runID))
	}
	delete(s.runs, runID)
	delete(s.events, runID)
	return nil
}

// HealthCheck always succeeds.
func (s *MemoryRunStore) HealthCheck(context.Context) error { return nil }

// Len returns the total number of runs. For testing.
func (s *MemoryRunStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.runs)
}

// cloneRun copies the node slice so callers cannot mutate stored state.
// Outputs are shared; they are never modified after being recorded.
func cloneRun(run model.RunInstance) model.RunInstance {
	run.Nodes = append([]model.NodeRun(nil), run.Nodes...)
	return run
}
