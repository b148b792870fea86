package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/pitabwire/dfrun/model"
)

// RunStore persists runs and their audit events.
type RunStore interface {
	// Create persists a new run. Returns CONFLICT if the id is taken.
	Create(ctx context.Context, run model.RunInstance) error

	// Get retrieves a run by ID. Returns NOT_FOUND if it doesn't exist.
	Get(ctx context.Context, runID string) (model.RunInstance, error)

	// Update persists an updated run with optimistic locking. The version
	// must match the stored version, which is then incremented. Returns
	// CONFLICT if the version has changed.
	Update(ctx context.Context, run model.RunInstance) error

	// AppendEvent adds an event to the run's audit trail.
	AppendEvent(ctx context.Context, event model.RunEvent) error

	// GetEvents retrieves all events of a run, oldest first.
	GetEvents(ctx context.Context, runID string) ([]model.RunEvent, error)

	// List returns one page of runs matching the filters, newest logical
	// time first, and the total number of matches.
	List(ctx context.Context, filters model.RunFilters) ([]model.RunInstance, int, error)

	// Latest returns the run of the workflow with the greatest logical time
	// strictly before the given time. Returns NOT_FOUND if there is none.
	Latest(ctx context.Context, workflowID string, before time.Time) (model.RunInstance, error)

	// LatestTriggeredBy is Latest restricted to runs with the given
	// trigger source.
	LatestTriggeredBy(ctx context.Context, workflowID, triggeredBy string, before time.Time) (model.RunInstance, error)

	// Delete removes a run and its events.
	Delete(ctx context.Context, runID string) error

	// HealthCheck verifies the store is reachable.
	HealthCheck(ctx context.Context) error
}

const (
	defaultPageSize = 20
	maxPageSize     = 200
)

// pageBounds converts 1-based page filters into an offset and limit.
func pageBounds(f model.RunFilters) (offset, limit int) {
	limit = f.PageSize
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	page := f.Page
	if page < 1 {
		page = 1
	}
	return (page - 1) * limit, limit
}

// matches reports whether a run passes the filters.
func matches(run model.RunInstance, f model.RunFilters) bool {
	if f.WorkflowID != "" && run.WorkflowID != f.WorkflowID {
		return false
	}
	if f.Status != "" && run.Status != f.Status {
		return false
	}
	return true
}

func noRunBefore(workflowID, triggeredBy string, before time.Time) error {
	scope := "run"
	if triggeredBy != "" {
		scope = triggeredBy + " run"
	}
	return model.NewNotFoundError(
		fmt.Sprintf("no %s of workflow %q before %s", scope, workflowID, before.Format(time.RFC3339)),
	)
}

// newerFirst orders runs by logical time, then creation time, descending.
func newerFirst(a, b model.RunInstance) bool {
	if !a.LogicalTime.Equal(b.LogicalTime) {
		return a.LogicalTime.After(b.LogicalTime)
	}
	return a.CreatedAt.After(b.CreatedAt)
}
