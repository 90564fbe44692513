package model

import (
	"time"
)

// JobDefinition is the validated in-memory form of one declarative job document.
// JobID is the stable identity used for idempotent artifact regeneration.
type JobDefinition struct {
	JobID       string           `json:"job_id"`
	Description string           `json:"description,omitempty"`
	Schedule    string           `json:"schedule"`
	StartDate   time.Time        `json:"start_date"`
	Catchup     bool             `json:"catchup"`
	Tags        []string         `json:"tags,omitempty"`
	Tasks       []TaskDefinition `json:"tasks"`

	// SourcePath is the file the definition was parsed from, kept for diagnostics.
	SourcePath string `json:"-"`
}

// TaskDefinition is one unit of work within a job, bound by name to a
// registered function. DependsOn holds task IDs within the same job.
type TaskDefinition struct {
	TaskID    string         `json:"task_id"`
	Function  string         `json:"function"`
	SecretKey string         `json:"secret_key,omitempty"`
	Kwargs    map[string]any `json:"kwargs,omitempty"`
	DependsOn []string       `json:"depends_on,omitempty"`
}

// Task returns the task with the given ID, or nil.
func (j *JobDefinition) Task(taskID string) *TaskDefinition {
	for i := range j.Tasks {
		if j.Tasks[i].TaskID == taskID {
			return &j.Tasks[i]
		}
	}
	return nil
}

// TaskIDs returns the IDs of all tasks in definition order.
func (j *JobDefinition) TaskIDs() []string {
	ids := make([]string, 0, len(j.Tasks))
	for i := range j.Tasks {
		ids = append(ids, j.Tasks[i].TaskID)
	}
	return ids
}
