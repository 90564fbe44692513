package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"dagforge/internal/model"
)

func newTestHistory(t *testing.T) *SQLiteRunHistory {
	t.Helper()
	s, err := NewSQLiteRunHistory(zaptest.NewLogger(t), filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleRun(jobID string, tick time.Time) *model.ExecutionRun {
	return &model.ExecutionRun{
		RunID:       model.RunID(jobID, tick),
		JobID:       jobID,
		LogicalTime: tick,
		Status:      model.RunStatusRunning,
		StartedAt:   tick.Add(30 * time.Second),
	}
}

func TestStoreAndGetRun(t *testing.T) {
	s := newTestHistory(t)
	ctx := context.Background()

	tick := time.Date(2024, 5, 1, 6, 0, 0, 0, time.UTC)
	run := sampleRun("nightly", tick)
	require.NoError(t, s.StoreRun(ctx, run))

	got, err := s.GetRun(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, run.RunID, got.RunID)
	assert.Equal(t, "nightly", got.JobID)
	assert.Equal(t, model.RunStatusRunning, got.Status)
	assert.True(t, got.LogicalTime.Equal(tick))
	assert.Nil(t, got.CompletedAt)
}

func TestUpdateRun(t *testing.T) {
	s := newTestHistory(t)
	ctx := context.Background()

	tick := time.Date(2024, 5, 1, 6, 0, 0, 0, time.UTC)
	run := sampleRun("nightly", tick)
	require.NoError(t, s.StoreRun(ctx, run))

	completed := tick.Add(5 * time.Minute)
	run.Status = model.RunStatusSucceeded
	run.CompletedAt = &completed
	require.NoError(t, s.UpdateRun(ctx, run))

	got, err := s.GetRun(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusSucceeded, got.Status)
	require.NotNil(t, got.CompletedAt)
	assert.True(t, got.CompletedAt.Equal(completed))
}

func TestUpdateUnknownRun(t *testing.T) {
	s := newTestHistory(t)

	run := sampleRun("ghost", time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC))
	err := s.UpdateRun(context.Background(), run)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestListRunsNewestFirst(t *testing.T) {
	s := newTestHistory(t)
	ctx := context.Background()

	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	for day := 0; day < 3; day++ {
		require.NoError(t, s.StoreRun(ctx, sampleRun("nightly", base.AddDate(0, 0, day))))
	}
	require.NoError(t, s.StoreRun(ctx, sampleRun("other", base)))

	runs, err := s.ListRuns(ctx, "nightly", 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.True(t, runs[0].LogicalTime.After(runs[1].LogicalTime))
	assert.Equal(t, "nightly", runs[0].JobID)
}

func TestRecordAndListAttempts(t *testing.T) {
	s := newTestHistory(t)
	ctx := context.Background()

	tick := time.Date(2024, 5, 1, 6, 0, 0, 0, time.UTC)
	run := sampleRun("retrying", tick)
	require.NoError(t, s.StoreRun(ctx, run))

	first := &model.TaskAttemptResult{
		RunID: run.RunID, JobID: run.JobID, TaskID: "load", Attempt: 1,
		Status: model.TaskStatusFailed, Error: "connection refused",
		CompletedAt: tick.Add(time.Minute),
	}
	second := &model.TaskAttemptResult{
		RunID: run.RunID, JobID: run.JobID, TaskID: "load", Attempt: 2,
		Status: model.TaskStatusSucceeded, Output: []byte("UPDATE 42"),
		CompletedAt: tick.Add(2 * time.Minute),
	}
	require.NoError(t, s.RecordAttempt(ctx, first))
	require.NoError(t, s.RecordAttempt(ctx, second))

	attempts, err := s.ListAttempts(ctx, run.RunID)
	require.NoError(t, err)
	require.Len(t, attempts, 2)

	assert.Equal(t, 1, attempts[0].Attempt)
	assert.Equal(t, model.TaskStatusFailed, attempts[0].Status)
	assert.Equal(t, "connection refused", attempts[0].Error)

	assert.Equal(t, 2, attempts[1].Attempt)
	assert.Equal(t, model.TaskStatusSucceeded, attempts[1].Status)
	assert.Equal(t, []byte("UPDATE 42"), attempts[1].Output)
}

func TestDeleteBefore(t *testing.T) {
	s := newTestHistory(t)
	ctx := context.Background()

	old := sampleRun("nightly", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	recent := sampleRun("nightly", time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, s.StoreRun(ctx, old))
	require.NoError(t, s.StoreRun(ctx, recent))
	require.NoError(t, s.RecordAttempt(ctx, &model.TaskAttemptResult{
		RunID: old.RunID, JobID: old.JobID, TaskID: "load", Attempt: 1,
		Status: model.TaskStatusSucceeded, CompletedAt: old.StartedAt,
	}))

	require.NoError(t, s.DeleteBefore(ctx, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)))

	_, err := s.GetRun(ctx, old.RunID)
	assert.Error(t, err)

	attempts, err := s.ListAttempts(ctx, old.RunID)
	require.NoError(t, err)
	assert.Empty(t, attempts)

	_, err = s.GetRun(ctx, recent.RunID)
	assert.NoError(t, err)
}
