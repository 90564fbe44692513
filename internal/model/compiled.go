package model

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// CompiledUnit is the engine-native executable representation of one task.
// Secrets stay a reference: the unit carries the key, never the credentials.
type CompiledUnit struct {
	JobID     string         `json:"job_id"`
	TaskID    string         `json:"task_id"`
	Function  string         `json:"function"`
	SecretKey string         `json:"secret_key,omitempty"`
	Kwargs    map[string]any `json:"kwargs,omitempty"`
	DependsOn []string       `json:"depends_on,omitempty"`
}

// Edge is one native dependency declaration between two compiled units.
type Edge struct {
	Source string `json:"source"`
	Target string `json:"target"`
}

// CompiledJob is the engine-facing artifact for one job: units ordered by
// task_id and edges ordered by (source, target), so recompiling the same
// definition yields byte-identical output.
type CompiledJob struct {
	JobID       string         `json:"job_id"`
	Description string         `json:"description,omitempty"`
	Schedule    string         `json:"schedule"`
	StartDate   time.Time      `json:"start_date"`
	Catchup     bool           `json:"catchup"`
	Tags        []string       `json:"tags,omitempty"`
	Units       []CompiledUnit `json:"units"`
	Edges       []Edge         `json:"edges"`
}

// Unit returns the compiled unit with the given task ID, or nil.
func (c *CompiledJob) Unit(taskID string) *CompiledUnit {
	for i := range c.Units {
		if c.Units[i].TaskID == taskID {
			return &c.Units[i]
		}
	}
	return nil
}

// Downstream returns the direct dependents of each task, keyed by task ID.
func (c *CompiledJob) Downstream() map[string][]string {
	out := make(map[string][]string, len(c.Units))
	for _, e := range c.Edges {
		out[e.Source] = append(out[e.Source], e.Target)
	}
	return out
}

// Fingerprint returns a stable content hash of the compiled job. Map keys are
// emitted in sorted order by encoding/json, so the hash is deterministic.
func (c *CompiledJob) Fingerprint() string {
	data, err := json.Marshal(c)
	if err != nil {
		// CompiledJob contains only JSON-encodable values by construction.
		panic(err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
