package engine

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"dagforge/internal/model"
	"dagforge/internal/registry"
	"dagforge/internal/secret"
)

// LocalEngine executes dispatches on an in-process worker pool. Functions run
// concurrently up to the pool size; no lock is held across a function call.
type LocalEngine struct {
	logger    *zap.Logger
	registry  *registry.Registry
	secrets   secret.Resolver
	workers   int
	dispatch  chan *TaskDispatch
	results   chan *model.TaskAttemptResult
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
}

// NewLocalEngine creates an in-process engine with the given pool size.
func NewLocalEngine(reg *registry.Registry, secrets secret.Resolver, workers int, logger *zap.Logger) *LocalEngine {
	if workers <= 0 {
		workers = 4
	}
	return &LocalEngine{
		logger:   logger.Named("local-engine"),
		registry: reg,
		secrets:  secrets,
		workers:  workers,
		dispatch: make(chan *TaskDispatch, workers*4),
		results:  make(chan *model.TaskAttemptResult, workers*4),
		stop:     make(chan struct{}),
	}
}

// Start launches the worker pool.
func (e *LocalEngine) Start(ctx context.Context) error {
	e.startOnce.Do(func() {
		e.logger.Info("Starting local engine", zap.Int("workers", e.workers))
		for i := 0; i < e.workers; i++ {
			e.wg.Add(1)
			go e.worker(ctx)
		}
	})
	return nil
}

// Submit implements Engine.
func (e *LocalEngine) Submit(ctx context.Context, d *TaskDispatch) error {
	select {
	case e.dispatch <- d:
		return nil
	case <-e.stop:
		return fmt.Errorf("engine stopped")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Results implements Engine.
func (e *LocalEngine) Results() <-chan *model.TaskAttemptResult {
	return e.results
}

// Stop shuts the pool down and waits for in-flight functions to return.
func (e *LocalEngine) Stop() {
	e.stopOnce.Do(func() {
		e.logger.Info("Stopping local engine")
		close(e.stop)
		e.wg.Wait()
	})
}

func (e *LocalEngine) worker(ctx context.Context) {
	defer e.wg.Done()
	for {
		select {
		case <-e.stop:
			return
		case <-ctx.Done():
			return
		case d := <-e.dispatch:
			result := invoke(ctx, e.registry, e.secrets, d, e.logger)
			select {
			case e.results <- result:
			case <-e.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}
}
