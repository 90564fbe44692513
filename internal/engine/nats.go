package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"dagforge/internal/model"
	"dagforge/internal/registry"
	"dagforge/internal/secret"
)

const (
	dispatchStreamName     = "DAGFORGE"
	dispatchSubject        = "dagforge.dispatch"
	resultSubject          = "dagforge.result"
	workerQueueGroup       = "dagforge-workers"
	dispatchStreamMaxAge   = 24 * time.Hour
	dispatchAckWait        = 30 * time.Second
	dispatchMaxDeliver     = 3
	streamOperationTimeout = 30 * time.Second
)

// NATSEngine distributes dispatches over a JetStream work stream. Workers
// queue-subscribe, execute through their local registry, and publish attempt
// results; the coordinator side consumes the result subject.
type NATSEngine struct {
	logger   *zap.Logger
	js       nats.JetStreamContext
	registry *registry.Registry
	secrets  secret.Resolver
	results  chan *model.TaskAttemptResult
	subs     []*nats.Subscription
	stopOnce sync.Once
}

// NewNATSEngine creates a JetStream-backed engine. The registry and secret
// resolver are used only when StartWorker is enabled on this process.
func NewNATSEngine(js nats.JetStreamContext, reg *registry.Registry, secrets secret.Resolver, logger *zap.Logger) (*NATSEngine, error) {
	e := &NATSEngine{
		logger:   logger.Named("nats-engine"),
		js:       js,
		registry: reg,
		secrets:  secrets,
		results:  make(chan *model.TaskAttemptResult, 64),
	}

	ctx, cancel := context.WithTimeout(context.Background(), streamOperationTimeout)
	defer cancel()

	if err := e.setupStream(ctx); err != nil {
		return nil, fmt.Errorf("failed to setup dispatch stream: %w", err)
	}
	return e, nil
}

func (e *NATSEngine) setupStream(ctx context.Context) error {
	_, err := e.js.AddStream(&nats.StreamConfig{
		Name:     dispatchStreamName,
		Subjects: []string{"dagforge.*"},
		Storage:  nats.FileStorage,
		MaxAge:   dispatchStreamMaxAge,
		MaxMsgs:  -1,
	}, nats.Context(ctx))
	if err != nil {
		if err == nats.ErrStreamNameAlreadyInUse {
			e.logger.Info("Stream already exists", zap.String("stream", dispatchStreamName))
			return nil
		}
		return err
	}
	e.logger.Info("Stream created", zap.String("stream", dispatchStreamName))
	return nil
}

// Start subscribes to the result subject so Results carries attempt outcomes.
// Delivery starts at new messages only: results retained by the stream from
// before this process came up belong to runs it does not own.
func (e *NATSEngine) Start(ctx context.Context) error {
	sub, err := e.js.Subscribe(resultSubject, func(msg *nats.Msg) {
		var result model.TaskAttemptResult
		if err := json.Unmarshal(msg.Data, &result); err != nil {
			e.logger.Error("Failed to unmarshal attempt result", zap.Error(err))
			return
		}
		select {
		case e.results <- &result:
		case <-ctx.Done():
		}
	}, nats.DeliverNew())
	if err != nil {
		return fmt.Errorf("failed to subscribe to results: %w", err)
	}
	e.subs = append(e.subs, sub)
	return nil
}

// StartWorker joins this process to the worker queue group: it executes
// dispatched units against the local registry and publishes their results.
func (e *NATSEngine) StartWorker(ctx context.Context) error {
	sub, err := e.js.QueueSubscribe(
		dispatchSubject,
		workerQueueGroup,
		func(msg *nats.Msg) {
			var dispatch TaskDispatch
			if err := json.Unmarshal(msg.Data, &dispatch); err != nil {
				e.logger.Error("Failed to unmarshal dispatch", zap.Error(err))
				return
			}

			go func() {
				result := invoke(ctx, e.registry, e.secrets, &dispatch, e.logger)
				if err := e.publishResult(result); err != nil {
					e.logger.Error("Failed to publish attempt result",
						zap.String("run_id", result.RunID),
						zap.String("task_id", result.TaskID),
						zap.Error(err))
				}
			}()

			if err := msg.Ack(); err != nil {
				e.logger.Error("Failed to acknowledge dispatch", zap.Error(err))
			}
		},
		nats.ManualAck(),
		nats.AckWait(dispatchAckWait),
		nats.MaxDeliver(dispatchMaxDeliver),
	)
	if err != nil {
		return fmt.Errorf("failed to subscribe to dispatches: %w", err)
	}
	e.subs = append(e.subs, sub)
	e.logger.Info("Worker joined queue group", zap.String("group", workerQueueGroup))
	return nil
}

// Submit implements Engine.
func (e *NATSEngine) Submit(ctx context.Context, d *TaskDispatch) error {
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("failed to marshal dispatch: %w", err)
	}

	opts := []nats.PubOpt{nats.Context(ctx)}
	if d.DispatchID != "" {
		opts = append(opts, nats.MsgId(d.DispatchID))
	}
	if _, err := e.js.Publish(dispatchSubject, data, opts...); err != nil {
		return fmt.Errorf("failed to publish dispatch: %w", err)
	}
	return nil
}

// Results implements Engine.
func (e *NATSEngine) Results() <-chan *model.TaskAttemptResult {
	return e.results
}

// Stop drains the subscriptions.
func (e *NATSEngine) Stop() {
	e.stopOnce.Do(func() {
		e.logger.Info("Stopping NATS engine")
		for _, sub := range e.subs {
			if err := sub.Unsubscribe(); err != nil {
				e.logger.Error("Failed to unsubscribe", zap.Error(err))
			}
		}
	})
}

func (e *NATSEngine) publishResult(result *model.TaskAttemptResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	_, err = e.js.Publish(resultSubject, data)
	return err
}
