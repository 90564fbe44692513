package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func sampleCompiledJob() *CompiledJob {
	return &CompiledJob{
		JobID:    "fanout",
		Schedule: "@daily",
		Units: []CompiledUnit{
			{JobID: "fanout", TaskID: "a", Function: "F"},
			{JobID: "fanout", TaskID: "b", Function: "F", DependsOn: []string{"a"}},
			{JobID: "fanout", TaskID: "c", Function: "F", DependsOn: []string{"a", "b"}},
		},
		Edges: []Edge{
			{Source: "a", Target: "b"},
			{Source: "a", Target: "c"},
			{Source: "b", Target: "c"},
		},
	}
}

func TestDownstream(t *testing.T) {
	down := sampleCompiledJob().Downstream()
	assert.Equal(t, []string{"b", "c"}, down["a"])
	assert.Equal(t, []string{"c"}, down["b"])
	assert.Empty(t, down["c"])
}

func TestUnitLookup(t *testing.T) {
	job := sampleCompiledJob()
	assert.Equal(t, "b", job.Unit("b").TaskID)
	assert.Nil(t, job.Unit("zzz"))
}

func TestFingerprintStability(t *testing.T) {
	first := sampleCompiledJob()
	second := sampleCompiledJob()
	assert.Equal(t, first.Fingerprint(), second.Fingerprint())

	second.Units[0].Kwargs = map[string]any{"changed": true}
	assert.NotEqual(t, first.Fingerprint(), second.Fingerprint())
}
