package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"dagforge/internal/model"
	"dagforge/internal/registry"
	"dagforge/internal/secret"
	"dagforge/internal/testutil"
)

func TestNATSEngineRoundTrip(t *testing.T) {
	js, cleanup := testutil.StartJetStream(t)
	defer cleanup()

	logger := zaptest.NewLogger(t)
	reg := registry.New(logger)
	fn := &testutil.CountingFunction{}
	require.NoError(t, reg.Register("ok", testutil.NoopContract(registry.SideEffectReadOnly), fn))

	eng, err := NewNATSEngine(js, reg, secret.NewStaticStore(), logger)
	require.NoError(t, err)
	defer eng.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, eng.Start(ctx))
	require.NoError(t, eng.StartWorker(ctx))

	unit := &model.CompiledUnit{JobID: "j", TaskID: "a", Function: "ok"}
	require.NoError(t, eng.Submit(ctx, dispatchFor("j__2024-05-01T00:00:00Z", unit)))

	result := awaitResult(t, eng.Results())
	assert.Equal(t, model.TaskStatusSucceeded, result.Status)
	assert.Equal(t, "j", result.JobID)
	assert.Equal(t, "a", result.TaskID)
	assert.Equal(t, int64(1), fn.Calls.Load())
}

func TestNATSEngineWorkerReportsFailure(t *testing.T) {
	js, cleanup := testutil.StartJetStream(t)
	defer cleanup()

	logger := zaptest.NewLogger(t)
	reg := registry.New(logger)
	fn := &testutil.CountingFunction{FailAttempts: 100}
	require.NoError(t, reg.Register("doomed", testutil.NoopContract(registry.SideEffectReadOnly), fn))

	eng, err := NewNATSEngine(js, reg, secret.NewStaticStore(), logger)
	require.NoError(t, err)
	defer eng.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, eng.Start(ctx))
	require.NoError(t, eng.StartWorker(ctx))

	unit := &model.CompiledUnit{JobID: "j", TaskID: "a", Function: "doomed"}
	require.NoError(t, eng.Submit(ctx, dispatchFor("j__2024-05-01T00:00:00Z", unit)))

	result := awaitResult(t, eng.Results())
	assert.Equal(t, model.TaskStatusFailed, result.Status)
	assert.Equal(t, "attempt failed", result.Error)
}

func TestNATSEngineSkipsResultsFromBeforeStart(t *testing.T) {
	js, cleanup := testutil.StartJetStream(t)
	defer cleanup()

	logger := zaptest.NewLogger(t)
	reg := registry.New(logger)
	fn := &testutil.CountingFunction{}
	require.NoError(t, reg.Register("ok", testutil.NoopContract(registry.SideEffectReadOnly), fn))

	// A result retained by the stream from a previous process lifetime.
	stale, err := NewNATSEngine(js, reg, secret.NewStaticStore(), logger)
	require.NoError(t, err)
	require.NoError(t, stale.publishResult(&model.TaskAttemptResult{
		RunID:  "old__2024-01-01T00:00:00Z",
		JobID:  "old",
		TaskID: "gone",
		Status: model.TaskStatusSucceeded,
	}))
	stale.Stop()

	eng, err := NewNATSEngine(js, reg, secret.NewStaticStore(), logger)
	require.NoError(t, err)
	defer eng.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, eng.Start(ctx))
	require.NoError(t, eng.StartWorker(ctx))

	unit := &model.CompiledUnit{JobID: "j", TaskID: "a", Function: "ok"}
	require.NoError(t, eng.Submit(ctx, dispatchFor("j__2024-05-01T00:00:00Z", unit)))

	// Only the live dispatch's result comes through; the retained one is
	// never replayed.
	result := awaitResult(t, eng.Results())
	assert.Equal(t, "j", result.JobID)
	assert.Equal(t, "a", result.TaskID)

	select {
	case extra := <-eng.Results():
		t.Fatalf("unexpected replayed result for run %s", extra.RunID)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestNATSEngineIdempotentStreamSetup(t *testing.T) {
	js, cleanup := testutil.StartJetStream(t)
	defer cleanup()

	logger := zaptest.NewLogger(t)
	reg := registry.New(logger)

	first, err := NewNATSEngine(js, reg, secret.NewStaticStore(), logger)
	require.NoError(t, err)
	defer first.Stop()

	// A second engine against the same stream tolerates the existing stream.
	second, err := NewNATSEngine(js, reg, secret.NewStaticStore(), logger)
	require.NoError(t, err)
	defer second.Stop()
}
