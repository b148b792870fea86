// Package workflow runs workflow definitions: it creates runs, walks their
// nodes in dependency order, invokes remote operations, and persists node
// state and an audit trail after every transition.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/dfrun/internal/definition"
	"github.com/pitabwire/dfrun/internal/observability"
	"github.com/pitabwire/dfrun/internal/pool"
	"github.com/pitabwire/dfrun/model"
)

// Trigger sources recorded on runs.
const (
	TriggeredByManual    = "manual"
	TriggeredByScheduler = "scheduler"
	TriggeredByAPI       = "api"
)

// DefaultRetryDelay separates attempts of a node when the workflow sets no
// retry_delay.
const DefaultRetryDelay = 5 * time.Minute

// TriggerOptions describes a new run.
type TriggerOptions struct {
	// LogicalTime is the time the run is for. Defaults to now, truncated to
	// the second.
	LogicalTime time.Time
	// TriggeredBy records who or what started the run. Defaults to manual.
	TriggeredBy string
}

// Option configures an Engine.
type Option func(*Engine)

// WithMetrics records run and node metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithNotifier replaces the default log notifier.
func WithNotifier(n Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

// WithRunTimeout bounds the execution of a whole run. Zero means no limit.
func WithRunTimeout(d time.Duration) Option {
	return func(e *Engine) { e.runTimeout = d }
}

// WithClock replaces time.Now. For testing.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// Engine manages the lifecycle of runs.
type Engine struct {
	registry *definition.Registry
	store    RunStore
	invokers model.OperationInvoker
	pools    *pool.Pools
	notifier Notifier
	metrics  *observability.Metrics
	logger   *zap.Logger

	runTimeout time.Duration
	now        func() time.Time

	bgCtx    context.Context
	bgCancel context.CancelFunc
	bg       sync.WaitGroup
}

// NewEngine creates a new workflow engine.
func NewEngine(
	registry *definition.Registry,
	store RunStore,
	invokers model.OperationInvoker,
	pools *pool.Pools,
	logger *zap.Logger,
	opts ...Option,
) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		registry: registry,
		store:    store,
		invokers: invokers,
		pools:    pools,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.notifier == nil {
		e.notifier = NewLogNotifier(logger)
	}
	e.bgCtx, e.bgCancel = context.WithCancel(context.Background())
	return e
}

// Start creates a queued run of the workflow. Nodes are recorded pending in
// topological order.
func (e *Engine) Start(ctx context.Context, workflowID string, opts TriggerOptions) (model.RunInstance, error) {
	// 1. Look up the workflow and its graph.
	wf, ok := e.registry.GetWorkflow(workflowID)
	if !ok {
		return model.RunInstance{}, model.NewNotFoundError(fmt.Sprintf("workflow %q not found", workflowID))
	}
	g, ok := e.registry.GetGraph(workflowID)
	if !ok {
		return model.RunInstance{}, model.NewConfigurationError("workflow %q has no graph", workflowID)
	}
	order, err := g.TopologicalOrder()
	if err != nil {
		return model.RunInstance{}, model.NewConfigurationError("workflow %q cannot be ordered", workflowID).WithCause(err)
	}

	// 2. Apply defaults.
	now := e.now()
	logical := opts.LogicalTime
	if logical.IsZero() {
		logical = now.Truncate(time.Second)
	}
	triggeredBy := opts.TriggeredBy
	if triggeredBy == "" {
		triggeredBy = TriggeredByManual
	}

	// 3. Build the run.
	nodes := make([]model.NodeRun, 0, len(order))
	for _, id := range order {
		n := wf.Node(id)
		if n == nil {
			return model.RunInstance{}, model.NewConfigurationError("workflow %q: graph node %q has no definition", workflowID, id)
		}
		nodes = append(nodes, model.NodeRun{NodeID: id, Kind: n.Kind, Status: model.NodeStatusPending})
	}
	run := model.RunInstance{
		ID:          uuid.New().String(),
		WorkflowID:  workflowID,
		LogicalTime: logical.UTC(),
		Status:      model.RunStatusQueued,
		TriggeredBy: triggeredBy,
		Nodes:       nodes,
		CreatedAt:   now,
		UpdatedAt:   now,
		Version:     1,
	}

	// 4. Persist and audit.
	if err := e.store.Create(ctx, run); err != nil {
		return model.RunInstance{}, err
	}
	if err := e.appendEvent(ctx, run.ID, "", model.EventRunQueued, map[string]any{
		"logical_time": run.LogicalTime.Format(time.RFC3339),
		"triggered_by": triggeredBy,
	}); err != nil {
		return model.RunInstance{}, err
	}

	e.logger.Info("run queued",
		zap.String("workflow_id", workflowID),
		zap.String("run_id", run.ID),
		zap.Time("logical_time", run.LogicalTime),
		zap.String("triggered_by", triggeredBy),
	)
	return run, nil
}

// Execute runs a queued run to completion. Nodes execute one at a time in
// the recorded order; the first failing node fails the run and leaves every
// later node pending. The returned error is that node's error, or a store
// error that prevented the run from being recorded.
func (e *Engine) Execute(ctx context.Context, runID string) (model.RunInstance, error) {
	// 1. Load the run and check it can start.
	run, err := e.store.Get(ctx, runID)
	if err != nil {
		return model.RunInstance{}, err
	}
	if run.Status != model.RunStatusQueued {
		return run, model.NewRunNotRunnableError(fmt.Sprintf("run %q is %s, not queued", runID, run.Status))
	}
	wf, ok := e.registry.GetWorkflow(run.WorkflowID)
	if !ok {
		return run, model.NewNotFoundError(fmt.Sprintf("workflow %q not found", run.WorkflowID))
	}
	g, ok := e.registry.GetGraph(run.WorkflowID)
	if !ok {
		return run, model.NewConfigurationError("workflow %q has no graph", run.WorkflowID)
	}

	if e.runTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.runTimeout)
		defer cancel()
	}
	// Records are written even after ctx is cancelled so a run never stays
	// running in the store.
	persistCtx := context.WithoutCancel(ctx)

	ctx, span := observability.StartRunSpan(ctx, run.WorkflowID, run.ID)
	ctx, logger := observability.WithFields(ctx, e.logger,
		zap.String("workflow_id", run.WorkflowID),
		zap.String("run_id", run.ID),
	)

	// 2. Mark running.
	started := e.now()
	run.Status = model.RunStatusRunning
	run.StartedAt = &started
	if err := e.save(persistCtx, &run); err != nil {
		observability.EndSpan(span, err)
		return run, err
	}
	_ = e.appendEvent(persistCtx, run.ID, "", model.EventRunStarted, nil)
	e.metrics.RecordRunStart(run.WorkflowID, run.TriggeredBy)
	logger.Info("run started", zap.Time("logical_time", run.LogicalTime))

	// 3. Walk the nodes.
	rc := RunContextFrom(run)
	var runErr error
	for i := range run.Nodes {
		nodeID := run.Nodes[i].NodeID

		deps, err := g.Dependencies(nodeID)
		if err != nil {
			runErr = model.NewConfigurationError("node %q is not in the graph of workflow %q", nodeID, wf.ID).WithCause(err)
			break
		}
		if blocked := firstUnsuccessful(rc, deps); blocked != "" {
			runErr = model.NewRunNotRunnableError(fmt.Sprintf("node %q is blocked by %q", nodeID, blocked))
			break
		}

		def := wf.Node(nodeID)
		if def == nil {
			runErr = model.NewConfigurationError("node %q has no definition in workflow %q", nodeID, wf.ID)
			break
		}

		if err := e.executeNode(ctx, persistCtx, &run, rc, wf, *def); err != nil {
			runErr = err
			break
		}
	}

	// 4. Finish the run.
	ended := e.now()
	run.EndedAt = &ended
	event := model.EventRunSucceeded
	run.Status = model.RunStatusSuccess
	if runErr != nil {
		run.Status = model.RunStatusFailed
		run.Error = runErr.Error()
		event = model.EventRunFailed
	}
	if err := e.save(persistCtx, &run); err != nil {
		observability.EndSpan(span, err)
		return run, err
	}
	data := map[string]any{"status": run.Status}
	if runErr != nil {
		data["error"] = runErr.Error()
		data["error_code"] = model.CodeOf(runErr)
	}
	_ = e.appendEvent(persistCtx, run.ID, "", event, data)
	e.metrics.RecordRunCompletion(run.WorkflowID, run.Status, ended.Sub(started))

	span.SetAttributes(observability.AttrStatus.String(run.Status))
	observability.EndSpan(span, runErr)

	if runErr != nil {
		logger.Error("run failed", zap.Duration("duration", ended.Sub(started)), zap.Error(runErr))
	} else {
		logger.Info("run succeeded", zap.Duration("duration", ended.Sub(started)))
	}
	return run, runErr
}

// Trigger starts a run and executes it synchronously.
func (e *Engine) Trigger(ctx context.Context, workflowID string, opts TriggerOptions) (model.RunInstance, error) {
	run, err := e.Start(ctx, workflowID, opts)
	if err != nil {
		return model.RunInstance{}, err
	}
	return e.Execute(ctx, run.ID)
}

// Enqueue starts a run and executes it in the background. The returned run
// is still queued. Background runs are cancelled by Shutdown.
func (e *Engine) Enqueue(ctx context.Context, workflowID string, opts TriggerOptions) (model.RunInstance, error) {
	run, err := e.Start(ctx, workflowID, opts)
	if err != nil {
		return model.RunInstance{}, err
	}

	e.bg.Add(1)
	go func() {
		defer e.bg.Done()
		bgCtx := observability.WithLogger(e.bgCtx, observability.LoggerFrom(ctx, e.logger))
		if _, err := e.Execute(bgCtx, run.ID); err != nil {
			e.logger.Debug("background run ended with error",
				zap.String("run_id", run.ID),
				zap.Error(err),
			)
		}
	}()
	return run, nil
}

// Shutdown cancels background runs and waits for them to record their
// final state, or for ctx to be done.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.bgCancel()
	done := make(chan struct{})
	go func() {
		e.bg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Get returns a run by ID.
func (e *Engine) Get(ctx context.Context, runID string) (model.RunInstance, error) {
	return e.store.Get(ctx, runID)
}

// List returns one page of runs and the total number of matches.
func (e *Engine) List(ctx context.Context, filters model.RunFilters) ([]model.RunInstance, int, error) {
	return e.store.List(ctx, filters)
}

// Events returns the audit trail of a run.
func (e *Engine) Events(ctx context.Context, runID string) ([]model.RunEvent, error) {
	return e.store.GetEvents(ctx, runID)
}

// LastScheduledLogicalTime returns the logical time of the workflow's most
// recent scheduler-triggered run, or nil if the scheduler never ran it.
// Manual and API runs do not move the schedule.
func (e *Engine) LastScheduledLogicalTime(ctx context.Context, workflowID string) (*time.Time, error) {
	run, err := e.store.LatestTriggeredBy(ctx, workflowID, TriggeredByScheduler, time.Unix(1<<40, 0).UTC())
	if model.HasCode(err, model.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	t := run.LogicalTime
	return &t, nil
}

// executeNode moves one node through pending -> running -> success|failed.
func (e *Engine) executeNode(
	ctx, persistCtx context.Context,
	run *model.RunInstance,
	rc *RunContext,
	wf model.WorkflowDefinition,
	def model.NodeDefinition,
) error {
	nodeRun := run.Node(def.ID)
	ctx, logger := observability.WithFields(ctx, e.logger, zap.String("node_id", def.ID))
	ctx, span := observability.StartNodeSpan(ctx, def.ID, def.Kind)

	// 1. depends_on_past: the same node must have succeeded in the previous run.
	var gateErr error
	if wf.DefaultArgs.DependsOnPast {
		gateErr = e.checkPast(ctx, *run, def.ID)
	}

	// 2. Acquire a pool slot for remote work.
	release := func() {}
	poolName := def.EffectivePool(wf.DefaultArgs)
	if gateErr == nil && def.Kind == model.NodeKindRemoteCall && e.pools != nil {
		rel, err := e.pools.Acquire(ctx, poolName)
		if err != nil {
			gateErr = err
		} else {
			release = rel
			e.recordPoolUsage(poolName)
		}
	}
	defer func() {
		release()
		e.recordPoolUsage(poolName)
	}()

	// 3. Mark running.
	started := e.now()
	if err := rc.Transition(def.ID, model.NodeStatusRunning); err != nil {
		observability.EndSpan(span, err)
		return err
	}
	nodeRun.Status = model.NodeStatusRunning
	nodeRun.StartedAt = &started
	if err := e.save(persistCtx, run); err != nil {
		observability.EndSpan(span, err)
		return err
	}
	_ = e.appendEvent(persistCtx, run.ID, def.ID, model.EventNodeStarted, nil)
	logger.Info("node started")

	// 4. Do the work.
	var (
		output map[string]any
		err    = gateErr
	)
	if err == nil {
		output, err = e.runAttempts(ctx, persistCtx, run, rc, wf, def, logger)
	}

	// 5. Record the outcome.
	ended := e.now()
	nodeRun.EndedAt = &ended
	if err == nil {
		if recErr := rc.Record(def.ID, output); recErr != nil {
			err = recErr
		}
	}
	if err != nil {
		_ = rc.Transition(def.ID, model.NodeStatusFailed)
		nodeRun.Status = model.NodeStatusFailed
		nodeRun.Error = err.Error()
	} else {
		_ = rc.Transition(def.ID, model.NodeStatusSuccess)
		nodeRun.Status = model.NodeStatusSuccess
		nodeRun.Output = output
	}
	if saveErr := e.save(persistCtx, run); saveErr != nil {
		observability.EndSpan(span, saveErr)
		return saveErr
	}
	e.metrics.RecordNodeExecution(run.WorkflowID, def.ID, nodeRun.Status, ended.Sub(started))
	observability.EndSpan(span, err)

	if err != nil {
		_ = e.appendEvent(persistCtx, run.ID, def.ID, model.EventNodeFailed, map[string]any{
			"attempts":   nodeRun.Attempts,
			"error":      err.Error(),
			"error_code": model.CodeOf(err),
		})
		logger.Error("node failed", zap.Int("attempts", nodeRun.Attempts), zap.Error(err))
		if wf.DefaultArgs.EmailOnFailure {
			e.notifier.NodeFailed(ctx, e.notification(wf, *run, def.ID, nodeRun.Attempts, err))
		}
		return fmt.Errorf("node %s: %w", def.ID, err)
	}

	_ = e.appendEvent(persistCtx, run.ID, def.ID, model.EventNodeSucceeded, map[string]any{
		"attempts": nodeRun.Attempts,
	})
	logger.Info("node succeeded",
		zap.Int("attempts", nodeRun.Attempts),
		zap.Duration("duration", ended.Sub(started)),
	)
	return nil
}

// runAttempts invokes a remote node up to retries+1 times. Markers succeed
// immediately with an empty output. Resolution errors are not retried.
func (e *Engine) runAttempts(
	ctx, persistCtx context.Context,
	run *model.RunInstance,
	rc *RunContext,
	wf model.WorkflowDefinition,
	def model.NodeDefinition,
	logger *zap.Logger,
) (map[string]any, error) {
	nodeRun := run.Node(def.ID)
	if def.Kind == model.NodeKindMarker {
		nodeRun.Attempts = 1
		return map[string]any{}, nil
	}
	if def.Operation == nil {
		return nil, model.NewConfigurationError("node %q has no operation", def.ID)
	}

	maxAttempts := def.EffectiveRetries(wf.DefaultArgs) + 1
	delay := retryDelay(wf.DefaultArgs)

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		nodeRun.Attempts = attempt

		// Deferred references are resolved on every attempt, never before
		// the node is running.
		body, err := rc.Render(def.Request)
		if err != nil {
			return nil, err
		}
		logger.Debug("rendered request",
			zap.Int("attempt", attempt),
			zap.Any("request", observability.RedactBody(body)),
		)

		attemptCtx, span := observability.StartAttemptSpan(ctx, def.Operation.Name, attempt)
		result, err := e.invokers.Invoke(attemptCtx, *def.Operation, model.InvocationInput{
			RunID:  run.ID,
			NodeID: def.ID,
			Body:   body,
		})
		observability.EndSpan(span, err)
		if err == nil {
			return result.Body, nil
		}

		lastErr = asEnvelope(def, err)
		if ctx.Err() != nil || attempt == maxAttempts {
			break
		}

		// Schedule the next attempt.
		logger.Warn("node attempt failed, retrying",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", maxAttempts),
			zap.Duration("retry_delay", delay),
			zap.Error(lastErr),
		)
		e.metrics.RecordNodeRetry(run.WorkflowID, def.ID)
		_ = e.save(persistCtx, run)
		_ = e.appendEvent(persistCtx, run.ID, def.ID, model.EventNodeRetry, map[string]any{
			"attempt": attempt,
			"error":   lastErr.Error(),
		})
		if wf.DefaultArgs.EmailOnRetry {
			e.notifier.NodeRetry(ctx, e.notification(wf, *run, def.ID, attempt, lastErr))
		}
		if err := sleep(ctx, delay); err != nil {
			break
		}
	}
	return nil, lastErr
}

// checkPast fails when the previous run of the workflow exists and the node
// did not succeed in it.
func (e *Engine) checkPast(ctx context.Context, run model.RunInstance, nodeID string) error {
	prev, err := e.store.Latest(ctx, run.WorkflowID, run.LogicalTime)
	if model.HasCode(err, model.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load previous run: %w", err)
	}
	if n := prev.Node(nodeID); n == nil || n.Status != model.NodeStatusSuccess {
		return model.NewRunNotRunnableError(
			fmt.Sprintf("depends_on_past: node %q did not succeed in previous run %s", nodeID, prev.ID),
		)
	}
	return nil
}

// save persists the run and advances the local copy's version.
func (e *Engine) save(ctx context.Context, run *model.RunInstance) error {
	run.UpdatedAt = e.now()
	if err := e.store.Update(ctx, *run); err != nil {
		return fmt.Errorf("persist run %s: %w", run.ID, err)
	}
	run.Version++
	return nil
}

func (e *Engine) appendEvent(ctx context.Context, runID, nodeID, event string, data map[string]any) error {
	return e.store.AppendEvent(ctx, model.RunEvent{
		ID:        uuid.New().String(),
		RunID:     runID,
		NodeID:    nodeID,
		Event:     event,
		Data:      data,
		Timestamp: e.now(),
	})
}

func (e *Engine) notification(wf model.WorkflowDefinition, run model.RunInstance, nodeID string, attempt int, err error) Notification {
	return Notification{
		WorkflowID: wf.ID,
		RunID:      run.ID,
		NodeID:     nodeID,
		Attempt:    attempt,
		Owner:      wf.DefaultArgs.Owner,
		Email:      wf.DefaultArgs.Email,
		Err:        err,
	}
}

func (e *Engine) recordPoolUsage(name string) {
	if e.pools == nil || e.metrics == nil {
		return
	}
	for _, s := range e.pools.Stats() {
		if s.Name == name || (name == "" && s.Name == pool.DefaultPool) {
			e.metrics.SetPoolSlotsInUse(s.Name, float64(s.InUse))
		}
	}
}

// firstUnsuccessful returns the first dependency that has not succeeded.
func firstUnsuccessful(rc *RunContext, deps []string) string {
	for _, d := range deps {
		if rc.Status(d) != model.NodeStatusSuccess {
			return d
		}
	}
	return ""
}

// asEnvelope keeps coded errors and wraps anything else as a remote call
// failure of the node.
func asEnvelope(def model.NodeDefinition, err error) error {
	var env *model.ErrorEnvelope
	if errors.As(err, &env) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return model.NewRemoteCallError(fmt.Sprintf("%s failed", def.Operation.Name), err)
}

func retryDelay(args model.DefaultArgs) time.Duration {
	if args.RetryDelay == "" {
		return DefaultRetryDelay
	}
	d, err := time.ParseDuration(args.RetryDelay)
	if err != nil || d < 0 {
		return DefaultRetryDelay
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
