// Package compiler translates validated JobDefinitions into engine-facing
// CompiledJobs. Compilation is deterministic: units are ordered by task_id,
// edges by (source, target), kwargs canonicalized, so recompiling the same
// definition yields byte-identical artifacts.
package compiler

import (
	"fmt"
	"sort"

	"go.uber.org/zap"

	"dagforge/internal/dagerr"
	"dagforge/internal/model"
	"dagforge/internal/registry"
)

// Options controls compilation behavior.
type Options struct {
	// Strict rejects kwargs not declared by the function's contract instead
	// of passing them through as opaque config.
	Strict bool
}

// Compiler validates task bindings against the function registry and emits
// compiled units. The registry is consulted read-only.
type Compiler struct {
	logger   *zap.Logger
	registry *registry.Registry
	opts     Options
}

// New creates a compiler bound to a registry.
func New(reg *registry.Registry, opts Options, logger *zap.Logger) *Compiler {
	return &Compiler{
		logger:   logger.Named("compiler"),
		registry: reg,
		opts:     opts,
	}
}

// Compile translates one job definition. Any contract violation aborts this
// job only and reports the offending task and argument.
func (c *Compiler) Compile(job *model.JobDefinition) (*model.CompiledJob, error) {
	units := make([]model.CompiledUnit, 0, len(job.Tasks))

	for i := range job.Tasks {
		task := &job.Tasks[i]

		binding, err := c.registry.Resolve(task.Function)
		if err != nil {
			return nil, &dagerr.ValidationError{
				JobID: job.JobID, TaskID: task.TaskID, Field: "function",
				Reason: fmt.Sprintf("unknown function %q", task.Function),
			}
		}

		kwargs, err := binding.Contract.ValidateKwargs(task.Kwargs, c.opts.Strict)
		if err != nil {
			return nil, &dagerr.ValidationError{
				JobID: job.JobID, TaskID: task.TaskID, Field: "kwargs",
				Reason: err.Error(),
			}
		}

		deps := append([]string(nil), task.DependsOn...)
		sort.Strings(deps)

		units = append(units, model.CompiledUnit{
			JobID:     job.JobID,
			TaskID:    task.TaskID,
			Function:  task.Function,
			SecretKey: task.SecretKey,
			Kwargs:    kwargs,
			DependsOn: deps,
		})
	}

	sort.Slice(units, func(i, j int) bool { return units[i].TaskID < units[j].TaskID })

	edges := make([]model.Edge, 0, len(units))
	for _, unit := range units {
		for _, dep := range unit.DependsOn {
			edges = append(edges, model.Edge{Source: dep, Target: unit.TaskID})
		}
	}
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].Source != edges[j].Source {
			return edges[i].Source < edges[j].Source
		}
		return edges[i].Target < edges[j].Target
	})

	compiled := &model.CompiledJob{
		JobID:       job.JobID,
		Description: job.Description,
		Schedule:    job.Schedule,
		StartDate:   job.StartDate,
		Catchup:     job.Catchup,
		Tags:        job.Tags,
		Units:       units,
		Edges:       edges,
	}

	c.logger.Info("Compiled job",
		zap.String("job_id", job.JobID),
		zap.Int("units", len(units)),
		zap.Int("edges", len(edges)),
		zap.String("fingerprint", compiled.Fingerprint()[:12]))

	return compiled, nil
}

// CompileBatch compiles each job independently. One job's failure does not
// abort its siblings; errors come back alongside the successes.
func (c *Compiler) CompileBatch(jobs []*model.JobDefinition) ([]*model.CompiledJob, []error) {
	var (
		compiled []*model.CompiledJob
		errs     []error
	)
	for _, job := range jobs {
		cj, err := c.Compile(job)
		if err != nil {
			c.logger.Warn("Skipping job",
				zap.String("job_id", job.JobID),
				zap.Error(err))
			errs = append(errs, err)
			continue
		}
		compiled = append(compiled, cj)
	}
	return compiled, errs
}
