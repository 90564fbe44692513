package model

import (
	"fmt"
	"time"
)

// RunStatus represents the overall status of an execution run
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
)

// TaskStatus represents the current status of a task within a run
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusReady     TaskStatus = "ready"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusSucceeded TaskStatus = "succeeded"
	TaskStatusRetrying  TaskStatus = "retrying"
	TaskStatusFailed    TaskStatus = "failed"
)

// Terminal reports whether the status is final for this run.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusSucceeded || s == TaskStatusFailed
}

// FailureReason distinguishes why a task ended up failed.
type FailureReason string

const (
	FailureNone      FailureReason = ""
	FailureExecution FailureReason = "execution"
	FailureUpstream  FailureReason = "upstream"
	FailureCancelled FailureReason = "cancelled"
)

// TaskRun tracks one task's progress within an execution run.
type TaskRun struct {
	TaskID      string        `json:"task_id"`
	Status      TaskStatus    `json:"status"`
	Reason      FailureReason `json:"reason,omitempty"`
	Attempts    int           `json:"attempts"`
	Error       string        `json:"error,omitempty"`
	StartedAt   *time.Time    `json:"started_at,omitempty"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
}

// ExecutionRun is one instantiation of a job for a specific schedule tick.
type ExecutionRun struct {
	RunID       string              `json:"run_id"`
	JobID       string              `json:"job_id"`
	LogicalTime time.Time           `json:"logical_time"`
	Status      RunStatus           `json:"status"`
	Tasks       map[string]*TaskRun `json:"tasks"`
	StartedAt   time.Time           `json:"started_at"`
	CompletedAt *time.Time          `json:"completed_at,omitempty"`
}

// RunID derives the run identifier for a job and logical tick. The mapping is
// pure so two ticks carrying the same logical timestamp collide by design.
func RunID(jobID string, logicalTime time.Time) string {
	return fmt.Sprintf("%s__%s", jobID, logicalTime.UTC().Format("2006-01-02T15:04:05Z"))
}

// TaskAttemptResult is the engine's report of one task attempt.
type TaskAttemptResult struct {
	RunID       string     `json:"run_id"`
	JobID       string     `json:"job_id"`
	TaskID      string     `json:"task_id"`
	Attempt     int        `json:"attempt"`
	Status      TaskStatus `json:"status"`
	Output      []byte     `json:"output,omitempty"`
	Error       string     `json:"error,omitempty"`
	CompletedAt time.Time  `json:"completed_at"`
}
