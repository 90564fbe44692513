package compiler

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"dagforge/internal/model"
)

// WriteArtifacts materializes one JSON artifact per compiled job under dir,
// named <job_id>.json. Files are only rewritten when content changed, so
// repeated generation leaves unchanged artifacts untouched (stable mtimes,
// clean diffs). Returns the job IDs that were written or refreshed.
func WriteArtifacts(dir string, jobs []*model.CompiledJob, logger *zap.Logger) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create artifact directory: %w", err)
	}

	var written []string
	for _, job := range jobs {
		data, err := json.MarshalIndent(job, "", "  ")
		if err != nil {
			return written, fmt.Errorf("failed to encode artifact for job %q: %w", job.JobID, err)
		}
		data = append(data, '\n')

		path := filepath.Join(dir, job.JobID+".json")
		if existing, err := os.ReadFile(path); err == nil && bytes.Equal(existing, data) {
			logger.Debug("Artifact unchanged", zap.String("job_id", job.JobID))
			continue
		}

		if err := os.WriteFile(path, data, 0o644); err != nil {
			return written, fmt.Errorf("failed to write artifact for job %q: %w", job.JobID, err)
		}
		written = append(written, job.JobID)
		logger.Info("Wrote artifact",
			zap.String("job_id", job.JobID),
			zap.String("path", path))
	}

	return written, nil
}

// LoadArtifact reads one compiled-job artifact back from disk.
func LoadArtifact(path string) (*model.CompiledJob, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read artifact: %w", err)
	}
	var job model.CompiledJob
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("failed to decode artifact %s: %w", path, err)
	}
	return &job, nil
}

// LoadArtifacts reads every .json artifact under dir, sorted by file name.
// This is the discovery path an execution engine points at.
func LoadArtifacts(dir string) ([]*model.CompiledJob, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read artifact directory: %w", err)
	}

	var jobs []*model.CompiledJob
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		job, err := LoadArtifact(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}
