package workflow

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/dfrun/internal/observability"
	"github.com/pitabwire/dfrun/internal/schedule"
	"github.com/pitabwire/dfrun/model"
)

// WorkflowSource lists the workflows the scheduler considers.
type WorkflowSource interface {
	AllWorkflows() []model.WorkflowDefinition
}

// RunEnqueuer creates runs. It is implemented by *Engine.
type RunEnqueuer interface {
	LastScheduledLogicalTime(ctx context.Context, workflowID string) (*time.Time, error)
	Enqueue(ctx context.Context, workflowID string, opts TriggerOptions) (model.RunInstance, error)
}

// Scheduler periodically enqueues runs for every scheduled workflow whose
// next logical time has passed.
type Scheduler struct {
	workflows    WorkflowSource
	runs         RunEnqueuer
	tickInterval time.Duration
	metrics      *observability.Metrics
	logger       *zap.Logger
	now          func() time.Time

	// One tick at a time; a slow tick is not overlapped by the next.
	mu sync.Mutex
}

// NewScheduler creates a scheduler. metrics may be nil.
func NewScheduler(
	workflows WorkflowSource,
	runs RunEnqueuer,
	tickInterval time.Duration,
	metrics *observability.Metrics,
	logger *zap.Logger,
) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if tickInterval <= 0 {
		tickInterval = 30 * time.Second
	}
	return &Scheduler{
		workflows:    workflows,
		runs:         runs,
		tickInterval: tickInterval,
		metrics:      metrics,
		logger:       logger,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// Run ticks until ctx is done. The first tick happens immediately.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info("scheduler started", zap.Duration("tick_interval", s.tickInterval))

	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	s.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick enqueues every due run once and returns how many were enqueued.
func (s *Scheduler) Tick(ctx context.Context) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	enqueued := 0
	for _, wf := range s.workflows.AllWorkflows() {
		if ctx.Err() != nil {
			break
		}
		enqueued += s.tickWorkflow(ctx, wf, now)
	}
	return enqueued
}

func (s *Scheduler) tickWorkflow(ctx context.Context, wf model.WorkflowDefinition, now time.Time) int {
	logger := s.logger.With(zap.String("workflow_id", wf.ID))

	sched, err := schedule.Parse(wf.Schedule)
	if err != nil {
		logger.Error("skipping workflow with invalid schedule", zap.Error(err))
		return 0
	}
	if sched.Manual() {
		return 0
	}

	last, err := s.runs.LastScheduledLogicalTime(ctx, wf.ID)
	if err != nil {
		logger.Error("failed to load last logical time", zap.Error(err))
		return 0
	}

	due := schedule.DueTimes(sched, wf.EffectiveStartDate(now), last, now, wf.Catchup)
	enqueued := 0
	for _, lt := range due {
		run, err := s.runs.Enqueue(ctx, wf.ID, TriggerOptions{
			LogicalTime: lt,
			TriggeredBy: TriggeredByScheduler,
		})
		if err != nil {
			logger.Error("failed to enqueue scheduled run", zap.Time("logical_time", lt), zap.Error(err))
			// Later times must not overtake a missed one.
			break
		}
		s.metrics.RecordScheduledRun(wf.ID)
		logger.Info("scheduled run enqueued",
			zap.String("run_id", run.ID),
			zap.Time("logical_time", lt),
		)
		enqueued++
	}
	return enqueued
}
