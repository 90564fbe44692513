package testutil

import (
	"context"
	"sync/atomic"
	"time"

	"dagforge/internal/model"
	"dagforge/internal/registry"
)

// CountingFunction is a test double that records invocations and can be told
// to fail the first N attempts. Safe for concurrent use.
type CountingFunction struct {
	Calls        atomic.Int64
	FailAttempts int64
	Delay        time.Duration
}

// Invoke implements registry.Function.
func (f *CountingFunction) Invoke(ctx context.Context, inv *registry.Invocation) (*registry.Result, error) {
	n := f.Calls.Add(1)
	if f.Delay > 0 {
		select {
		case <-time.After(f.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if n <= f.FailAttempts {
		return nil, errAttemptFailed
	}
	return &registry.Result{Output: []byte("ok")}, nil
}

type attemptError struct{}

func (attemptError) Error() string { return "attempt failed" }

var errAttemptFailed = attemptError{}

// NoopContract builds a permissive contract with the given side-effect class.
func NoopContract(sideEffect registry.SideEffect) registry.Contract {
	return registry.Contract{SideEffect: sideEffect}
}

// Job assembles a JobDefinition with a daily schedule from the given tasks.
func Job(jobID string, tasks ...model.TaskDefinition) *model.JobDefinition {
	return &model.JobDefinition{
		JobID:     jobID,
		Schedule:  "@daily",
		StartDate: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Tasks:     tasks,
	}
}

// Task assembles a TaskDefinition bound to function with dependencies.
func Task(taskID, fn string, deps ...string) model.TaskDefinition {
	return model.TaskDefinition{
		TaskID:    taskID,
		Function:  fn,
		DependsOn: deps,
	}
}
