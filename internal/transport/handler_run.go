package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/dfrun/internal/observability"
	"github.com/pitabwire/dfrun/internal/workflow"
	"github.com/pitabwire/dfrun/model"
)

// RunService creates and reads runs. It is implemented by *workflow.Engine.
type RunService interface {
	Enqueue(ctx context.Context, workflowID string, opts workflow.TriggerOptions) (model.RunInstance, error)
	Get(ctx context.Context, runID string) (model.RunInstance, error)
	List(ctx context.Context, filters model.RunFilters) ([]model.RunInstance, int, error)
	Events(ctx context.Context, runID string) ([]model.RunEvent, error)
}

// triggerRequest is the optional body of a trigger request.
type triggerRequest struct {
	LogicalTime string `json:"logical_time"`
}

func handleRunTrigger(catalog WorkflowCatalog, runs RunService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		workflowID := chi.URLParam(r, "workflowId")
		if _, ok := catalog.GetWorkflow(workflowID); !ok {
			WriteError(w, workflowNotFound(workflowID))
			return
		}

		var body triggerRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
			WriteError(w, model.NewBadRequestError("invalid JSON body"))
			return
		}

		opts := workflow.TriggerOptions{TriggeredBy: workflow.TriggeredByAPI}
		if body.LogicalTime != "" {
			lt, err := time.Parse(time.RFC3339, body.LogicalTime)
			if err != nil {
				WriteError(w, model.NewValidationError([]model.FieldError{{
					Field:   "logical_time",
					Code:    "INVALID_FORMAT",
					Message: "logical_time must be an RFC 3339 timestamp",
				}}))
				return
			}
			opts.LogicalTime = lt
		}

		run, err := runs.Enqueue(r.Context(), workflowID, opts)
		if err != nil {
			WriteError(w, err)
			return
		}

		logger := observability.LoggerFrom(r.Context(), zap.NewNop())
		logger.Info("run triggered",
			zap.String("workflow_id", workflowID),
			zap.String("run_id", run.ID),
		)
		w.Header().Set("Location", "/api/v1/runs/"+run.ID)
		WriteJSON(w, http.StatusAccepted, run)
	}
}

func handleRunList(catalog WorkflowCatalog, runs RunService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		workflowID := chi.URLParam(r, "workflowId")
		if _, ok := catalog.GetWorkflow(workflowID); !ok {
			WriteError(w, workflowNotFound(workflowID))
			return
		}

		filters := model.RunFilters{
			WorkflowID: workflowID,
			Status:     r.URL.Query().Get("status"),
		}
		filters.Page, filters.PageSize = pagination(r)
		list, total, err := runs.List(r.Context(), filters)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{
			"data":        list,
			"total_count": total,
			"page":        filters.Page,
			"page_size":   filters.PageSize,
		})
	}
}

func handleRunGet(runs RunService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		run, err := runs.Get(r.Context(), chi.URLParam(r, "runId"))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, run)
	}
}

func handleRunEvents(runs RunService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		events, err := runs.Events(r.Context(), chi.URLParam(r, "runId"))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"data": events})
	}
}
