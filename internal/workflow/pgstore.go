package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/dfrun/model"
)

// schema creates the tables used by PgRunStore. Node state is stored as a
// JSONB array in topological order.
const schema = `
CREATE TABLE IF NOT EXISTS dfrun_runs (
	id           TEXT PRIMARY KEY,
	workflow_id  TEXT NOT NULL,
	logical_time TIMESTAMPTZ NOT NULL,
	status       TEXT NOT NULL,
	triggered_by TEXT NOT NULL DEFAULT '',
	nodes        JSONB NOT NULL DEFAULT '[]',
	error        TEXT NOT NULL DEFAULT '',
	version      INTEGER NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL,
	updated_at   TIMESTAMPTZ NOT NULL,
	started_at   TIMESTAMPTZ,
	ended_at     TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS dfrun_runs_workflow_logical_idx
	ON dfrun_runs (workflow_id, logical_time DESC);

CREATE TABLE IF NOT EXISTS dfrun_run_events (
	id         TEXT PRIMARY KEY,
	run_id     TEXT NOT NULL REFERENCES dfrun_runs (id) ON DELETE CASCADE,
	node_id    TEXT NOT NULL DEFAULT '',
	event      TEXT NOT NULL,
	data       JSONB,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS dfrun_run_events_run_idx
	ON dfrun_run_events (run_id, created_at);
`

const runColumns = `id, workflow_id, logical_time, status, triggered_by, nodes, error,
	version, created_at, updated_at, started_at, ended_at`

// PgRunStore is a PostgreSQL-backed RunStore using pgx/v5.
type PgRunStore struct {
	pool *pgxpool.Pool
}

// NewPgRunStore creates a new PostgreSQL run store.
func NewPgRunStore(pool *pgxpool.Pool) *PgRunStore {
	return &PgRunStore{pool: pool}
}

// Migrate creates the run tables if they do not exist.
func (s *PgRunStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate run store: %w", err)
	}
	return nil
}

// Create inserts a new run.
func (s *PgRunStore) Create(ctx context.Context, run model.RunInstance) error {
	nodesJSON, err := json.Marshal(run.Nodes)
	if err != nil {
		return fmt.Errorf("marshal nodes: %w", err)
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO dfrun_runs (`+runColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO NOTHING`,
		run.ID, run.WorkflowID, run.LogicalTime, run.Status, run.TriggeredBy, nodesJSON, run.Error,
		run.Version, run.CreatedAt, run.UpdatedAt, run.StartedAt, run.EndedAt,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewConflictError(fmt.Sprintf("run %q already exists", run.ID))
	}
	return nil
}

// Get retrieves a run by ID.
func (s *PgRunStore) Get(ctx context.Context, runID string) (model.RunInstance, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM dfrun_runs WHERE id = $1`, runID)
	run, err := scanRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.RunInstance{}, model.NewNotFoundError(fmt.Sprintf("run %q not found", runID))
	}
	if err != nil {
		return model.RunInstance{}, fmt.Errorf("query run: %w", err)
	}
	return run, nil
}

// Update persists an updated run with optimistic locking.
func (s *PgRunStore) Update(ctx context.Context, run model.RunInstance) error {
	nodesJSON, err := json.Marshal(run.Nodes)
	if err != nil {
		return fmt.Errorf("marshal nodes: %w", err)
	}
	updatedAt := run.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE dfrun_runs SET
			status = $1,
			nodes = $2,
			error = $3,
			version = $4,
			updated_at = $5,
			started_at = $6,
			ended_at = $7
		WHERE id = $8 AND version = $9`,
		run.Status, nodesJSON, run.Error, run.Version+1,
		updatedAt, run.StartedAt, run.EndedAt,
		run.ID, run.Version,
	)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := s.Get(ctx, run.ID); model.HasCode(getErr, model.ErrNotFound) {
			return getErr
		}
		return model.NewConflictError(
			fmt.Sprintf("run %q version conflict (expected %d)", run.ID, run.Version),
		)
	}
	return nil
}

// AppendEvent adds an event to the run's audit trail.
func (s *PgRunStore) AppendEvent(ctx context.Context, event model.RunEvent) error {
	var dataJSON []byte
	if event.Data != nil {
		var err error
		if dataJSON, err = json.Marshal(event.Data); err != nil {
			return fmt.Errorf("marshal event data: %w", err)
		}
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO dfrun_run_events (id, run_id, node_id, event, data, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		event.ID, event.RunID, event.NodeID, event.Event, dataJSON, event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert run event: %w", err)
	}
	return nil
}

// GetEvents retrieves all events of a run, oldest first.
func (s *PgRunStore) GetEvents(ctx context.Context, runID string) ([]model.RunEvent, error) {
	if _, err := s.Get(ctx, runID); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, run_id, node_id, event, data, created_at
		FROM dfrun_run_events
		WHERE run_id = $1
		ORDER BY created_at ASC, id ASC`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("query run events: %w", err)
	}
	defer rows.Close()

	events := []model.RunEvent{}
	for rows.Next() {
		var evt model.RunEvent
		var dataJSON []byte
		if err := rows.Scan(&evt.ID, &evt.RunID, &evt.NodeID, &evt.Event, &dataJSON, &evt.Timestamp); err != nil {
			return nil, fmt.Errorf("scan run event: %w", err)
		}
		if dataJSON != nil {
			if err := json.Unmarshal(dataJSON, &evt.Data); err != nil {
				return nil, fmt.Errorf("unmarshal event data: %w", err)
			}
		}
		events = append(events, evt)
	}
	return events, rows.Err()
}

// List returns one page of matching runs, newest first.
func (s *PgRunStore) List(ctx context.Context, filters model.RunFilters) ([]model.RunInstance, int, error) {
	where := " WHERE 1=1"
	var args []any
	if filters.WorkflowID != "" {
		args = append(args, filters.WorkflowID)
		where += fmt.Sprintf(" AND workflow_id = $%d", len(args))
	}
	if filters.Status != "" {
		args = append(args, filters.Status)
		where += fmt.Sprintf(" AND status = $%d", len(args))
	}

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM dfrun_runs`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count runs: %w", err)
	}

	offset, limit := pageBounds(filters)
	args = append(args, limit, offset)
	query := `SELECT ` + runColumns + ` FROM dfrun_runs` + where +
		fmt.Sprintf(" ORDER BY logical_time DESC, created_at DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	runs, err := s.queryRuns(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	return runs, total, nil
}

// Latest returns the workflow's run with the greatest logical time before
// the given time.
func (s *PgRunStore) Latest(ctx context.Context, workflowID string, before time.Time) (model.RunInstance, error) {
	return s.latest(ctx, workflowID, "", before)
}

// LatestTriggeredBy is Latest over runs started by triggeredBy.
func (s *PgRunStore) LatestTriggeredBy(ctx context.Context, workflowID, triggeredBy string, before time.Time) (model.RunInstance, error) {
	return s.latest(ctx, workflowID, triggeredBy, before)
}

func (s *PgRunStore) latest(ctx context.Context, workflowID, triggeredBy string, before time.Time) (model.RunInstance, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+runColumns+`
		FROM dfrun_runs
		WHERE workflow_id = $1 AND logical_time < $2
		  AND ($3::text = '' OR triggered_by = $3::text)
		ORDER BY logical_time DESC, created_at DESC
		LIMIT 1`,
		workflowID, before, triggeredBy,
	)
	run, err := scanRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.RunInstance{}, noRunBefore(workflowID, triggeredBy, before)
	}
	if err != nil {
		return model.RunInstance{}, fmt.Errorf("query latest run: %w", err)
	}
	return run, nil
}

// Delete removes a run; its events are removed by the foreign key cascade.
func (s *PgRunStore) Delete(ctx context.Context, runID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM dfrun_runs WHERE id = $1`, runID)
	if err != nil {
		return fmt.Errorf("delete run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewNotFoundError(fmt.Sprintf("run %q not found", runID))
	}
	return nil
}

// HealthCheck pings the database.
func (s *PgRunStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PgRunStore) queryRuns(ctx context.Context, query string, args ...any) ([]model.RunInstance, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	runs := []model.RunInstance{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// scanRun reads one row selected with runColumns.
func scanRun(row pgx.Row) (model.RunInstance, error) {
	var run model.RunInstance
	var nodesJSON []byte
	if err := row.Scan(
		&run.ID, &run.WorkflowID, &run.LogicalTime, &run.Status, &run.TriggeredBy, &nodesJSON, &run.Error,
		&run.Version, &run.CreatedAt, &run.UpdatedAt, &run.StartedAt, &run.EndedAt,
	); err != nil {
		return model.RunInstance{}, err
	}
	if len(nodesJSON) > 0 {
		if err := json.Unmarshal(nodesJSON, &run.Nodes); err != nil {
			return model.RunInstance{}, fmt.Errorf("unmarshal nodes: %w", err)
		}
	}
	run.LogicalTime = run.LogicalTime.UTC()
	return run, nil
}
