// Package dagerr defines the error taxonomy shared by the parser, compiler,
// registry, secret resolver and scheduler. Every error carries the job and
// task identity it applies to, so failures stay scoped to one definition or
// one task and are reportable without extra context.
package dagerr

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinels for errors.Is matching across the typed errors below.
var (
	ErrValidation = errors.New("validation failed")
	ErrConflict   = errors.New("conflicting registration")
	ErrNotFound   = errors.New("not found")
	ErrCycle      = errors.New("dependency cycle")
	ErrExecution  = errors.New("execution failed")
)

// ValidationError reports a malformed or inconsistent job/task definition.
// Fatal to that job only.
type ValidationError struct {
	JobID  string
	TaskID string
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	var b strings.Builder
	b.WriteString("invalid job definition")
	if e.JobID != "" {
		fmt.Fprintf(&b, " %q", e.JobID)
	}
	if e.TaskID != "" {
		fmt.Fprintf(&b, ", task %q", e.TaskID)
	}
	if e.Field != "" {
		fmt.Fprintf(&b, ", field %q", e.Field)
	}
	fmt.Fprintf(&b, ": %s", e.Reason)
	return b.String()
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// CycleError reports a dependency cycle within one job, with the task_id
// sequence forming the cycle.
type CycleError struct {
	JobID string
	Path  []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle in job %q: %s", e.JobID, strings.Join(e.Path, " -> "))
}

func (e *CycleError) Is(target error) bool {
	return target == ErrCycle || target == ErrValidation
}

// ConflictError reports a double registration with a mismatched contract.
type ConflictError struct {
	Name   string
	Reason string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("function %q already registered with a different contract: %s", e.Name, e.Reason)
}

func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

// NotFoundError reports an unknown function or secret reference.
type NotFoundError struct {
	Kind string // "function" or "secret"
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.Name)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// SecretNotFoundError is the execution-time specialization of NotFoundError
// for missing credentials. It fails only the dependent task.
type SecretNotFoundError struct {
	Key string
}

func (e *SecretNotFoundError) Error() string {
	return fmt.Sprintf("secret %q not found", e.Key)
}

func (e *SecretNotFoundError) Is(target error) bool { return target == ErrNotFound }

// ExecutionError reports a failed task attempt. Retried or terminal depending
// on the function's side-effect class.
type ExecutionError struct {
	JobID   string
	TaskID  string
	Attempt int
	Err     error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("job %q task %q attempt %d failed: %v", e.JobID, e.TaskID, e.Attempt, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

func (e *ExecutionError) Is(target error) bool { return target == ErrExecution }
