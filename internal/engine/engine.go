// Package engine defines the execution backend contract and two backends:
// an in-process worker pool and a NATS JetStream transport with remote
// workers. The scheduler only ever talks to the Engine interface; it submits
// ready tasks and consumes attempt results.
package engine

import (
	"context"
	"time"

	"go.uber.org/zap"

	"dagforge/internal/model"
	"dagforge/internal/registry"
	"dagforge/internal/secret"
)

// TaskDispatch is one task attempt handed to an execution backend.
// DispatchID uniquely identifies the attempt across the transport; the NATS
// backend uses it as the message ID so a re-published dispatch deduplicates.
type TaskDispatch struct {
	DispatchID    string              `json:"dispatch_id"`
	RunID         string              `json:"run_id"`
	Attempt       int                 `json:"attempt"`
	ExecutionDate time.Time           `json:"execution_date"`
	Unit          *model.CompiledUnit `json:"unit"`
}

// Engine executes dispatched task attempts and reports results. The contract
// to the caller: every accepted Submit eventually produces exactly one result
// on Results; the engine is free to run accepted dispatches in parallel.
type Engine interface {
	// Start makes the engine ready to accept work.
	Start(ctx context.Context) error

	// Submit hands one task attempt to the backend. Submit must not block on
	// the task's own execution.
	Submit(ctx context.Context, dispatch *TaskDispatch) error

	// Results streams attempt outcomes back to the caller.
	Results() <-chan *model.TaskAttemptResult

	// Stop shuts the engine down. Pending dispatches may be dropped.
	Stop()
}

// invoke runs one dispatch against the registry: resolve the binding, build
// the invocation with a lazy secret resolver, call the function, and map the
// outcome to an attempt result. Shared by the local workers and the NATS
// worker subscriber.
func invoke(ctx context.Context, reg *registry.Registry, secrets secret.Resolver, d *TaskDispatch, logger *zap.Logger) *model.TaskAttemptResult {
	result := &model.TaskAttemptResult{
		RunID:   d.RunID,
		JobID:   d.Unit.JobID,
		TaskID:  d.Unit.TaskID,
		Attempt: d.Attempt,
	}

	binding, err := reg.Resolve(d.Unit.Function)
	if err != nil {
		result.Status = model.TaskStatusFailed
		result.Error = err.Error()
		result.CompletedAt = time.Now()
		return result
	}

	inv := &registry.Invocation{
		JobID:         d.Unit.JobID,
		TaskID:        d.Unit.TaskID,
		RunID:         d.RunID,
		Attempt:       d.Attempt,
		ExecutionDate: d.ExecutionDate,
		Kwargs:        d.Unit.Kwargs,
		SecretKey:     d.Unit.SecretKey,
		Secrets:       secrets,
	}

	logger.Debug("Invoking function",
		zap.String("dispatch_id", d.DispatchID),
		zap.String("run_id", d.RunID),
		zap.String("task_id", d.Unit.TaskID),
		zap.String("function", d.Unit.Function),
		zap.Int("attempt", d.Attempt))

	out, err := binding.Impl.Invoke(ctx, inv)
	result.CompletedAt = time.Now()
	if err != nil {
		result.Status = model.TaskStatusFailed
		result.Error = err.Error()
		return result
	}

	result.Status = model.TaskStatusSucceeded
	if out != nil {
		result.Output = out.Output
	}
	return result
}
