package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRunIDIsStablePerTick(t *testing.T) {
	tick := time.Date(2024, 5, 1, 6, 0, 0, 0, time.UTC)

	assert.Equal(t, "nightly__2024-05-01T06:00:00Z", RunID("nightly", tick))

	// Same logical instant in another zone derives the same identity.
	local := tick.In(time.FixedZone("CEST", 2*3600))
	assert.Equal(t, RunID("nightly", tick), RunID("nightly", local))

	assert.NotEqual(t, RunID("nightly", tick), RunID("nightly", tick.Add(24*time.Hour)))
	assert.NotEqual(t, RunID("nightly", tick), RunID("other", tick))
}

func TestTaskStatusTerminal(t *testing.T) {
	assert.True(t, TaskStatusSucceeded.Terminal())
	assert.True(t, TaskStatusFailed.Terminal())
	assert.False(t, TaskStatusPending.Terminal())
	assert.False(t, TaskStatusReady.Terminal())
	assert.False(t, TaskStatusRunning.Terminal())
	assert.False(t, TaskStatusRetrying.Terminal())
}
