package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"dagforge/internal/model"
	"dagforge/internal/telemetry"
)

// cronLogger adapts zap.Logger to cron.Logger
type cronLogger struct {
	logger *zap.Logger
}

func (l *cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Info(msg)
}

func (l *cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, zap.Error(err))
}

// CronScheduler drives compiled jobs by their schedule expressions. Each cron
// fire produces one logical tick handed to the coordinator; the coordinator
// guarantees at-most-one run per (job, tick), and this layer decides which
// ticks to instantiate at all (start_date and catchup gating).
type CronScheduler struct {
	logger      *zap.Logger
	coordinator *Coordinator
	cron        *cron.Cron
	mu          sync.Mutex
	jobs        map[string]*model.CompiledJob
	entryIDs    map[string]cron.EntryID
	schedules   map[string]cron.Schedule
}

// NewCronScheduler creates a scheduler on the standard five-field cron syntax
// (descriptors like @daily included), matching what the parser validated.
func NewCronScheduler(coordinator *Coordinator, logger *zap.Logger) *CronScheduler {
	cl := &cronLogger{logger: logger.Named("cron")}
	return &CronScheduler{
		logger:      logger.Named("cron-scheduler"),
		coordinator: coordinator,
		cron:        cron.New(cron.WithChain(cron.Recover(cl))),
		jobs:        make(map[string]*model.CompiledJob),
		entryIDs:    make(map[string]cron.EntryID),
		schedules:   make(map[string]cron.Schedule),
	}
}

// AddJob registers a compiled job with its schedule.
func (s *CronScheduler) AddJob(job *model.CompiledJob) error {
	spec, err := cron.ParseStandard(job.Schedule)
	if err != nil {
		return fmt.Errorf("invalid schedule expression %q for job %q: %w", job.Schedule, job.JobID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.JobID]; exists {
		return fmt.Errorf("job %q already scheduled", job.JobID)
	}

	jobID := job.JobID
	entryID := s.cron.Schedule(spec, cron.FuncJob(func() {
		// Logical time is the minute the entry fired on; cron granularity is
		// one minute, so truncation yields a stable tick identity.
		tick := time.Now().UTC().Truncate(time.Minute)
		if _, err := s.Tick(context.Background(), jobID, tick); err != nil {
			s.logger.Error("Tick failed",
				zap.String("job_id", jobID),
				zap.Error(err))
		}
	}))

	s.jobs[job.JobID] = job
	s.entryIDs[job.JobID] = entryID
	s.schedules[job.JobID] = spec

	next := spec.Next(time.Now())
	s.logger.Info("Scheduled job",
		zap.String("job_id", job.JobID),
		zap.String("expression", job.Schedule),
		zap.Time("next_run", next))
	return nil
}

// RemoveJob unregisters a job.
func (s *CronScheduler) RemoveJob(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entryID, ok := s.entryIDs[jobID]
	if !ok {
		return ErrJobNotFound
	}
	s.cron.Remove(entryID)
	delete(s.entryIDs, jobID)
	delete(s.jobs, jobID)
	delete(s.schedules, jobID)

	s.logger.Info("Removed job", zap.String("job_id", jobID))
	return nil
}

// Jobs lists the registered compiled jobs.
func (s *CronScheduler) Jobs() []*model.CompiledJob {
	s.mu.Lock()
	defer s.mu.Unlock()

	jobs := make([]*model.CompiledJob, 0, len(s.jobs))
	for _, job := range s.jobs {
		jobs = append(jobs, job)
	}
	return jobs
}

// Tick instantiates a run for one logical schedule tick. It is the entry
// point for both the internal cron clock and an external driver (tests,
// backfills). Skipped ticks return (nil, nil).
//
// Gating rules:
//   - ticks before the job's start_date are never instantiated;
//   - with catchup disabled, a tick is skipped when it is historical and
//     already elapsed: at least one newer tick of the same schedule is also
//     in the past.
func (s *CronScheduler) Tick(ctx context.Context, jobID string, tick time.Time) (*model.ExecutionRun, error) {
	s.mu.Lock()
	job, ok := s.jobs[jobID]
	spec := s.schedules[jobID]
	s.mu.Unlock()
	if !ok {
		return nil, ErrJobNotFound
	}

	if !job.StartDate.IsZero() && tick.Before(job.StartDate) {
		telemetry.TicksSkipped.Inc()
		s.logger.Debug("Skipping tick before start_date",
			zap.String("job_id", jobID),
			zap.Time("tick", tick))
		return nil, nil
	}

	if !job.Catchup && spec.Next(tick).Before(time.Now()) {
		telemetry.TicksSkipped.Inc()
		s.logger.Info("Skipping historical tick, catchup disabled",
			zap.String("job_id", jobID),
			zap.Time("tick", tick))
		return nil, nil
	}

	run, _, err := s.coordinator.Launch(ctx, job, tick)
	return run, err
}

// Start starts the cron clock.
func (s *CronScheduler) Start(ctx context.Context) {
	s.cron.Start()
	s.logger.Info("Cron scheduler started", zap.Int("jobs", len(s.Jobs())))

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
}

// Stop stops the cron clock and waits for in-flight tick callbacks.
func (s *CronScheduler) Stop() {
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	s.logger.Info("Cron scheduler stopped")
}
