package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"dagforge/internal/engine"
	"dagforge/internal/model"
	"dagforge/internal/registry"
	"dagforge/internal/storage"
	"dagforge/internal/telemetry"
)

// Coordinator drives execution runs through an engine. It owns the per-run
// task state machine: Pending -> Ready -> Running -> Succeeded, or
// Failed -> Retrying -> Running for retry-safe functions, with fail-fast
// propagation to downstream dependents on terminal failure.
//
// The engine underneath is free to execute submitted tasks in parallel; the
// coordinator never holds its lock across a Submit or any external call.
type Coordinator struct {
	logger   *zap.Logger
	engine   engine.Engine
	registry *registry.Registry
	history  storage.RunHistoryStorage // nil disables audit persistence
	retry    RetryPolicy
	retain   time.Duration

	mu      sync.Mutex
	runs    map[string]*activeRun
	retired map[string]time.Time // run_id -> completion, keeps tick dedup alive after retirement
	started bool
}

// activeRun is the coordinator's bookkeeping for one ExecutionRun.
type activeRun struct {
	run        *model.ExecutionRun
	job        *model.CompiledJob
	downstream map[string][]string
	retrySafe  map[string]bool
	backoffs   map[string]backoff.BackOff
	done       chan struct{}
	cancelled  bool
}

const (
	// defaultRunRetention is how long a finished run stays queryable in memory
	// before it is retired. Audit history lives in storage.
	defaultRunRetention = time.Hour

	// retiredTTL bounds the retired-id set. A duplicate tick always carries
	// the run's own logical timestamp, so far older ids cannot collide again.
	retiredTTL = 24 * time.Hour
)

// CoordinatorOption customizes a coordinator.
type CoordinatorOption func(*Coordinator)

// WithRunRetention sets how long finished runs stay queryable in memory.
func WithRunRetention(d time.Duration) CoordinatorOption {
	return func(c *Coordinator) { c.retain = d }
}

// NewCoordinator creates a coordinator. history may be nil.
func NewCoordinator(eng engine.Engine, reg *registry.Registry, history storage.RunHistoryStorage, retry RetryPolicy, logger *zap.Logger, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		logger:   logger.Named("coordinator"),
		engine:   eng,
		registry: reg,
		history:  history,
		retry:    retry,
		retain:   defaultRunRetention,
		runs:     make(map[string]*activeRun),
		retired:  make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start begins consuming engine results. Must be called before Launch.
func (c *Coordinator) Start(ctx context.Context) {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.mu.Unlock()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case result, ok := <-c.engine.Results():
				if !ok {
					return
				}
				c.handleResult(ctx, result)
			}
		}
	}()
}

// Launch instantiates one ExecutionRun for (job, tick). A second tick carrying
// the same logical timestamp returns the existing run with launched=false, or
// (nil, false, nil) once that run has been retired from memory: at-most-one
// run per job per schedule tick, exactly-once instantiation.
func (c *Coordinator) Launch(ctx context.Context, job *model.CompiledJob, tick time.Time) (*model.ExecutionRun, bool, error) {
	runID := model.RunID(job.JobID, tick)

	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return nil, false, ErrNotStarted
	}
	c.retireFinishedLocked(time.Now())
	if existing, ok := c.runs[runID]; ok {
		c.mu.Unlock()
		telemetry.TicksSkipped.Inc()
		c.logger.Debug("Duplicate tick, run already instantiated",
			zap.String("run_id", runID))
		return existing.run, false, nil
	}
	if _, ok := c.retired[runID]; ok {
		c.mu.Unlock()
		telemetry.TicksSkipped.Inc()
		c.logger.Debug("Duplicate tick for retired run",
			zap.String("run_id", runID))
		return nil, false, nil
	}

	run := &model.ExecutionRun{
		RunID:       runID,
		JobID:       job.JobID,
		LogicalTime: tick.UTC(),
		Status:      model.RunStatusRunning,
		Tasks:       make(map[string]*model.TaskRun, len(job.Units)),
		StartedAt:   time.Now(),
	}
	ar := &activeRun{
		run:        run,
		job:        job,
		downstream: job.Downstream(),
		retrySafe:  make(map[string]bool, len(job.Units)),
		backoffs:   make(map[string]backoff.BackOff, len(job.Units)),
		done:       make(chan struct{}),
	}

	for i := range job.Units {
		unit := &job.Units[i]
		run.Tasks[unit.TaskID] = &model.TaskRun{
			TaskID: unit.TaskID,
			Status: model.TaskStatusPending,
		}
		if binding, err := c.registry.Resolve(unit.Function); err == nil {
			ar.retrySafe[unit.TaskID] = binding.Contract.SideEffect.RetrySafe()
		}
		ar.backoffs[unit.TaskID] = c.retry.newBackOff()
	}
	c.runs[runID] = ar

	// Tasks with no dependencies are Ready at run start.
	dispatches := c.promoteReadyLocked(ar)
	c.mu.Unlock()

	telemetry.RunsStarted.Inc()
	c.logger.Info("Launched run",
		zap.String("run_id", runID),
		zap.String("job_id", job.JobID),
		zap.Time("logical_time", run.LogicalTime),
		zap.Int("tasks", len(job.Units)))

	if c.history != nil {
		if err := c.history.StoreRun(ctx, run); err != nil {
			c.logger.Error("Failed to persist run", zap.String("run_id", runID), zap.Error(err))
		}
	}

	c.submitAll(ctx, dispatches)
	return run, true, nil
}

// Cancel marks every non-terminal task Failed(cancelled) and finishes the
// run. It never blocks on in-flight external calls; their eventual outcomes
// are still recorded when they arrive.
func (c *Coordinator) Cancel(ctx context.Context, runID string) error {
	c.mu.Lock()
	ar, ok := c.runs[runID]
	if !ok {
		c.mu.Unlock()
		return ErrRunNotFound
	}
	if ar.run.Status == model.RunStatusSucceeded || ar.run.Status == model.RunStatusFailed {
		c.mu.Unlock()
		return ErrRunFinished
	}

	ar.cancelled = true
	now := time.Now()
	for _, tr := range ar.run.Tasks {
		if tr.Status.Terminal() {
			continue
		}
		tr.Status = model.TaskStatusFailed
		tr.Reason = model.FailureCancelled
		tr.Error = "run cancelled"
		tr.CompletedAt = &now
	}
	c.completeLocked(ar)
	c.mu.Unlock()

	c.logger.Info("Cancelled run", zap.String("run_id", runID))
	c.persistRun(ctx, ar.run)
	return nil
}

// Run returns a deep copy of the run's current state.
func (c *Coordinator) Run(runID string) (*model.ExecutionRun, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ar, ok := c.runs[runID]
	if !ok {
		return nil, ErrRunNotFound
	}

	snapshot := *ar.run
	snapshot.Tasks = make(map[string]*model.TaskRun, len(ar.run.Tasks))
	for id, tr := range ar.run.Tasks {
		cp := *tr
		snapshot.Tasks[id] = &cp
	}
	return &snapshot, nil
}

// Wait blocks until the run reaches a terminal status or ctx is cancelled.
func (c *Coordinator) Wait(ctx context.Context, runID string) error {
	c.mu.Lock()
	ar, ok := c.runs[runID]
	c.mu.Unlock()
	if !ok {
		return ErrRunNotFound
	}

	select {
	case <-ar.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// handleResult advances the state machine with one attempt outcome.
func (c *Coordinator) handleResult(ctx context.Context, result *model.TaskAttemptResult) {
	telemetry.InFlightTasks.Dec()

	c.mu.Lock()
	ar, ok := c.runs[result.RunID]
	if !ok {
		c.mu.Unlock()
		c.logger.Warn("Result for unknown run",
			zap.String("run_id", result.RunID),
			zap.String("task_id", result.TaskID))
		c.recordAttempt(ctx, result)
		return
	}

	tr, ok := ar.run.Tasks[result.TaskID]
	if !ok {
		c.mu.Unlock()
		c.logger.Warn("Result for unknown task",
			zap.String("run_id", result.RunID),
			zap.String("task_id", result.TaskID))
		c.recordAttempt(ctx, result)
		return
	}

	if tr.StartedAt != nil {
		telemetry.TaskDuration.Observe(result.CompletedAt.Sub(*tr.StartedAt).Seconds())
	}

	if tr.Status.Terminal() {
		// Late outcome of a cancelled or already-failed task: record, do not
		// transition.
		c.mu.Unlock()
		c.logger.Info("Recorded late outcome for terminal task",
			zap.String("run_id", result.RunID),
			zap.String("task_id", result.TaskID),
			zap.String("status", string(result.Status)))
		c.recordAttempt(ctx, result)
		return
	}

	var dispatches []*engine.TaskDispatch
	switch result.Status {
	case model.TaskStatusSucceeded:
		tr.Status = model.TaskStatusSucceeded
		completedAt := result.CompletedAt
		tr.CompletedAt = &completedAt
		dispatches = c.promoteReadyLocked(ar)

	default:
		if ar.retrySafe[result.TaskID] && tr.Attempts < c.retry.MaxAttempts {
			tr.Status = model.TaskStatusRetrying
			delay := ar.backoffs[result.TaskID].NextBackOff()
			telemetry.TaskRetries.Inc()
			c.logger.Warn("Task failed, scheduling retry",
				zap.String("run_id", result.RunID),
				zap.String("task_id", result.TaskID),
				zap.Int("attempt", tr.Attempts),
				zap.Duration("delay", delay),
				zap.String("error", result.Error))
			runID, taskID := result.RunID, result.TaskID
			time.AfterFunc(delay, func() { c.resubmit(ctx, runID, taskID) })
		} else {
			c.failTaskLocked(ar, tr, result.Error)
		}
	}

	c.completeLocked(ar)
	finished := ar.run.Status == model.RunStatusSucceeded || ar.run.Status == model.RunStatusFailed
	c.mu.Unlock()

	c.recordAttempt(ctx, result)
	if finished {
		c.persistRun(ctx, ar.run)
	}
	c.submitAll(ctx, dispatches)
}

// failTaskLocked marks a task terminally failed and transitively fails all
// downstream dependents that have not started. Running siblings on unrelated
// branches are untouched. Traversal is in sorted order for determinism.
func (c *Coordinator) failTaskLocked(ar *activeRun, tr *model.TaskRun, errMsg string) {
	now := time.Now()
	tr.Status = model.TaskStatusFailed
	tr.Reason = model.FailureExecution
	tr.Error = errMsg
	tr.CompletedAt = &now
	telemetry.TasksFailed.Inc()

	c.logger.Error("Task failed terminally",
		zap.String("run_id", ar.run.RunID),
		zap.String("task_id", tr.TaskID),
		zap.String("error", errMsg))

	queue := []string{tr.TaskID}
	seen := map[string]bool{tr.TaskID: true}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		deps := append([]string(nil), ar.downstream[current]...)
		sort.Strings(deps)
		for _, dep := range deps {
			if seen[dep] {
				continue
			}
			seen[dep] = true

			downstream := ar.run.Tasks[dep]
			if downstream.Status == model.TaskStatusPending || downstream.Status == model.TaskStatusReady {
				downstream.Status = model.TaskStatusFailed
				downstream.Reason = model.FailureUpstream
				downstream.Error = fmt.Sprintf("upstream task %q failed", tr.TaskID)
				downstream.CompletedAt = &now
				telemetry.TasksFailed.Inc()
			}
			queue = append(queue, dep)
		}
	}
}

// promoteReadyLocked moves every Pending task whose dependencies have all
// Succeeded through Ready into Running and returns its dispatch. Tasks are
// promoted in sorted task_id order.
func (c *Coordinator) promoteReadyLocked(ar *activeRun) []*engine.TaskDispatch {
	var dispatches []*engine.TaskDispatch

	for i := range ar.job.Units {
		unit := &ar.job.Units[i]
		tr := ar.run.Tasks[unit.TaskID]
		if tr.Status != model.TaskStatusPending {
			continue
		}

		ready := true
		for _, dep := range unit.DependsOn {
			if ar.run.Tasks[dep].Status != model.TaskStatusSucceeded {
				ready = false
				break
			}
		}
		if !ready {
			continue
		}

		tr.Status = model.TaskStatusReady
		now := time.Now()
		tr.StartedAt = &now
		tr.Status = model.TaskStatusRunning
		tr.Attempts = 1

		dispatches = append(dispatches, &engine.TaskDispatch{
			DispatchID:    uuid.NewString(),
			RunID:         ar.run.RunID,
			Attempt:       1,
			ExecutionDate: ar.run.LogicalTime,
			Unit:          unit,
		})
	}

	return dispatches
}

// resubmit re-dispatches a task once its retry delay elapses, unless the run
// was cancelled or the task was transitioned in the meantime.
func (c *Coordinator) resubmit(ctx context.Context, runID, taskID string) {
	c.mu.Lock()
	ar, ok := c.runs[runID]
	if !ok || ar.cancelled {
		c.mu.Unlock()
		return
	}
	tr := ar.run.Tasks[taskID]
	if tr.Status != model.TaskStatusRetrying {
		c.mu.Unlock()
		return
	}

	tr.Status = model.TaskStatusRunning
	tr.Attempts++
	dispatch := &engine.TaskDispatch{
		DispatchID:    uuid.NewString(),
		RunID:         runID,
		Attempt:       tr.Attempts,
		ExecutionDate: ar.run.LogicalTime,
		Unit:          ar.job.Unit(taskID),
	}
	c.mu.Unlock()

	c.logger.Info("Retrying task",
		zap.String("run_id", runID),
		zap.String("task_id", taskID),
		zap.Int("attempt", dispatch.Attempt))
	c.submitAll(ctx, []*engine.TaskDispatch{dispatch})
}

// retireFinishedLocked drops finished runs whose retention window elapsed.
// Their run ids stay in the retired set so a very late duplicate tick still
// deduplicates; the full state remains in the history store.
func (c *Coordinator) retireFinishedLocked(now time.Time) {
	for id, ar := range c.runs {
		if ar.run.Status != model.RunStatusSucceeded && ar.run.Status != model.RunStatusFailed {
			continue
		}
		if ar.run.CompletedAt == nil || now.Sub(*ar.run.CompletedAt) < c.retain {
			continue
		}
		c.retired[id] = *ar.run.CompletedAt
		delete(c.runs, id)
		c.logger.Debug("Retired finished run", zap.String("run_id", id))
	}
	for id, completedAt := range c.retired {
		if now.Sub(completedAt) > retiredTTL {
			delete(c.retired, id)
		}
	}
}

// completeLocked finalizes the run once every task is terminal.
func (c *Coordinator) completeLocked(ar *activeRun) {
	if ar.run.Status == model.RunStatusSucceeded || ar.run.Status == model.RunStatusFailed {
		return
	}

	succeeded := 0
	for _, tr := range ar.run.Tasks {
		if !tr.Status.Terminal() {
			return
		}
		if tr.Status == model.TaskStatusSucceeded {
			succeeded++
		}
	}

	now := time.Now()
	ar.run.CompletedAt = &now
	if succeeded == len(ar.run.Tasks) {
		ar.run.Status = model.RunStatusSucceeded
		telemetry.RunsSucceeded.Inc()
	} else {
		ar.run.Status = model.RunStatusFailed
		telemetry.RunsFailed.Inc()
	}
	close(ar.done)

	c.logger.Info("Run finished",
		zap.String("run_id", ar.run.RunID),
		zap.String("status", string(ar.run.Status)),
		zap.Int("succeeded", succeeded),
		zap.Int("tasks", len(ar.run.Tasks)))
}

// submitAll hands dispatches to the engine outside the coordinator lock. A
// submission failure is treated as a failed attempt of that task.
func (c *Coordinator) submitAll(ctx context.Context, dispatches []*engine.TaskDispatch) {
	for _, dispatch := range dispatches {
		telemetry.InFlightTasks.Inc()
		if err := c.engine.Submit(ctx, dispatch); err != nil {
			c.logger.Error("Failed to submit task",
				zap.String("run_id", dispatch.RunID),
				zap.String("task_id", dispatch.Unit.TaskID),
				zap.Error(err))
			c.handleResult(ctx, &model.TaskAttemptResult{
				RunID:       dispatch.RunID,
				JobID:       dispatch.Unit.JobID,
				TaskID:      dispatch.Unit.TaskID,
				Attempt:     dispatch.Attempt,
				Status:      model.TaskStatusFailed,
				Error:       fmt.Sprintf("submit failed: %v", err),
				CompletedAt: time.Now(),
			})
		}
	}
}

func (c *Coordinator) recordAttempt(ctx context.Context, result *model.TaskAttemptResult) {
	if c.history == nil {
		return
	}
	if err := c.history.RecordAttempt(ctx, result); err != nil {
		c.logger.Error("Failed to record attempt",
			zap.String("run_id", result.RunID),
			zap.String("task_id", result.TaskID),
			zap.Error(err))
	}
}

func (c *Coordinator) persistRun(ctx context.Context, run *model.ExecutionRun) {
	if c.history == nil {
		return
	}
	if err := c.history.UpdateRun(ctx, run); err != nil {
		c.logger.Error("Failed to persist run status",
			zap.String("run_id", run.RunID),
			zap.Error(err))
	}
}
