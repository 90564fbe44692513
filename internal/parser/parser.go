// Package parser loads declarative YAML job documents into validated
// JobDefinitions. Parsing has no side effects: it never touches registry
// state and never resolves secrets. Function references are checked at
// compile time, once the registry is fully populated.
package parser

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"dagforge/internal/dagerr"
	"dagforge/internal/model"
)

// scheduleParser accepts the standard five-field cron syntax plus @daily-style
// descriptors, matching what the scheduler runs the expression through.
var scheduleParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ValidateSchedule reports whether expr is a schedule the scheduler can run.
func ValidateSchedule(expr string) error {
	_, err := scheduleParser.Parse(expr)
	return err
}

// jobDocument mirrors the YAML shape of one job definition.
type jobDocument struct {
	JobID       string                  `yaml:"job_id"`
	Description string                  `yaml:"description"`
	Schedule    string                  `yaml:"schedule"`
	StartDate   string                  `yaml:"start_date"`
	Catchup     bool                    `yaml:"catchup"`
	Tags        []string                `yaml:"tags"`
	Tasks       map[string]taskDocument `yaml:"tasks"`

	// Edge-list form of dependencies, accepted alongside per-task depends_on.
	Dependencies []edgeDocument `yaml:"dependencies"`
}

type taskDocument struct {
	Function  string         `yaml:"function"`
	TaskID    string         `yaml:"task_id"`
	SecretKey string         `yaml:"secret_key"`
	Kwargs    map[string]any `yaml:"kwargs"`
	DependsOn []string       `yaml:"depends_on"`
}

type edgeDocument struct {
	Source string `yaml:"source"`
	Target string `yaml:"target"`
}

// Parser turns serialized job specifications into validated JobDefinitions.
type Parser struct {
	logger *zap.Logger
}

// New creates a parser.
func New(logger *zap.Logger) *Parser {
	return &Parser{logger: logger.Named("parser")}
}

// Parse decodes and validates a single job document.
func (p *Parser) Parse(data []byte) (*model.JobDefinition, error) {
	var doc jobDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, &dagerr.ValidationError{Reason: fmt.Sprintf("malformed YAML: %v", err)}
	}
	return p.build(&doc)
}

// ParseFile decodes and validates the job document at path.
func (p *Parser) ParseFile(path string) (*model.JobDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read job file: %w", err)
	}
	job, err := p.Parse(data)
	if err != nil {
		return nil, err
	}
	job.SourcePath = path
	return job, nil
}

// LoadDir parses every .yaml/.yml file under dir. Per-file failures are
// collected so one bad definition never blocks siblings in the same batch;
// duplicate job_ids across the batch fail the later file.
func (p *Parser) LoadDir(dir string) ([]*model.JobDefinition, []error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, []error{fmt.Errorf("failed to read jobs directory: %w", err)}
	}

	var (
		jobs   []*model.JobDefinition
		errs   []error
		seenBy = make(map[string]string) // job_id -> source path
	)

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		job, err := p.ParseFile(path)
		if err != nil {
			p.logger.Warn("Skipping job definition",
				zap.String("path", path),
				zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", entry.Name(), err))
			continue
		}

		if prev, dup := seenBy[job.JobID]; dup {
			errs = append(errs, &dagerr.ValidationError{
				JobID:  job.JobID,
				Field:  "job_id",
				Reason: fmt.Sprintf("duplicate job_id, already defined in %s", prev),
			})
			continue
		}
		seenBy[job.JobID] = path

		jobs = append(jobs, job)
		p.logger.Info("Loaded job definition",
			zap.String("job_id", job.JobID),
			zap.String("path", path),
			zap.Int("tasks", len(job.Tasks)))
	}

	return jobs, errs
}

// build validates the decoded document and assembles the definition.
func (p *Parser) build(doc *jobDocument) (*model.JobDefinition, error) {
	if strings.TrimSpace(doc.JobID) == "" {
		return nil, &dagerr.ValidationError{Field: "job_id", Reason: "must be non-empty"}
	}
	if doc.Schedule == "" {
		return nil, &dagerr.ValidationError{JobID: doc.JobID, Field: "schedule", Reason: "must be non-empty"}
	}
	if err := ValidateSchedule(doc.Schedule); err != nil {
		return nil, &dagerr.ValidationError{
			JobID:  doc.JobID,
			Field:  "schedule",
			Reason: fmt.Sprintf("invalid schedule expression %q: %v", doc.Schedule, err),
		}
	}
	if len(doc.Tasks) == 0 {
		return nil, &dagerr.ValidationError{JobID: doc.JobID, Field: "tasks", Reason: "job has no tasks"}
	}

	startDate, err := parseStartDate(doc.StartDate)
	if err != nil {
		return nil, &dagerr.ValidationError{JobID: doc.JobID, Field: "start_date", Reason: err.Error()}
	}

	// Task map keys are names; task_id defaults to the name. Both may be used
	// in dependency references and normalize to the task_id.
	nameToID := make(map[string]string, len(doc.Tasks))
	tasks := make([]model.TaskDefinition, 0, len(doc.Tasks))

	names := make([]string, 0, len(doc.Tasks))
	for name := range doc.Tasks {
		names = append(names, name)
	}
	sort.Strings(names)

	seenIDs := make(map[string]bool, len(names))
	for _, name := range names {
		td := doc.Tasks[name]
		taskID := td.TaskID
		if taskID == "" {
			taskID = name
		}
		if td.Function == "" {
			return nil, &dagerr.ValidationError{
				JobID: doc.JobID, TaskID: taskID, Field: "function", Reason: "must be non-empty",
			}
		}
		if seenIDs[taskID] {
			return nil, &dagerr.ValidationError{
				JobID: doc.JobID, TaskID: taskID, Field: "task_id", Reason: "duplicate task_id within job",
			}
		}
		seenIDs[taskID] = true
		nameToID[name] = taskID
		nameToID[taskID] = taskID

		tasks = append(tasks, model.TaskDefinition{
			TaskID:    taskID,
			Function:  td.Function,
			SecretKey: td.SecretKey,
			Kwargs:    td.Kwargs,
			DependsOn: append([]string(nil), td.DependsOn...),
		})
	}

	// Fold the edge-list form into per-task dependency sets.
	byID := make(map[string]*model.TaskDefinition, len(tasks))
	for i := range tasks {
		byID[tasks[i].TaskID] = &tasks[i]
	}
	for _, edge := range doc.Dependencies {
		sourceID, okS := nameToID[edge.Source]
		targetID, okT := nameToID[edge.Target]
		if !okS || !okT {
			return nil, &dagerr.ValidationError{
				JobID: doc.JobID, Field: "dependencies",
				Reason: fmt.Sprintf("edge %s -> %s references an unknown task", edge.Source, edge.Target),
			}
		}
		byID[targetID].DependsOn = append(byID[targetID].DependsOn, sourceID)
	}

	// Normalize dependency references, reject unknowns and dedupe.
	for i := range tasks {
		task := &tasks[i]
		seen := make(map[string]bool, len(task.DependsOn))
		deps := task.DependsOn[:0]
		for _, ref := range task.DependsOn {
			depID, ok := nameToID[ref]
			if !ok {
				return nil, &dagerr.ValidationError{
					JobID: doc.JobID, TaskID: task.TaskID, Field: "depends_on",
					Reason: fmt.Sprintf("unknown dependency %q", ref),
				}
			}
			if depID == task.TaskID {
				return nil, &dagerr.CycleError{JobID: doc.JobID, Path: []string{task.TaskID, task.TaskID}}
			}
			if !seen[depID] {
				seen[depID] = true
				deps = append(deps, depID)
			}
		}
		sort.Strings(deps)
		task.DependsOn = deps
	}

	sort.Slice(tasks, func(i, j int) bool { return tasks[i].TaskID < tasks[j].TaskID })

	job := &model.JobDefinition{
		JobID:       doc.JobID,
		Description: doc.Description,
		Schedule:    doc.Schedule,
		StartDate:   startDate,
		Catchup:     doc.Catchup,
		Tags:        doc.Tags,
		Tasks:       tasks,
	}

	if path := findCycle(job); path != nil {
		return nil, &dagerr.CycleError{JobID: doc.JobID, Path: path}
	}

	return job, nil
}

// parseStartDate accepts a plain date or RFC 3339 timestamp. An empty value
// means the job has no lower bound on ticks.
func parseStartDate(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	for _, layout := range []string{"2006-01-02", time.RFC3339} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q (want YYYY-MM-DD or RFC 3339)", raw)
}
