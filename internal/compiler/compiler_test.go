package compiler

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"dagforge/internal/dagerr"
	"dagforge/internal/model"
	"dagforge/internal/registry"
	"dagforge/internal/testutil"
)

func newTestRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg := registry.New(zaptest.NewLogger(t))

	sqlContract := registry.Contract{
		Params: []registry.ParamSpec{
			{Name: "sql_file_path", Kind: registry.KindString, Required: true},
		},
		SideEffect: registry.SideEffectIdempotentWrite,
	}
	require.NoError(t, reg.Register("PostgreSQLFunction", sqlContract, &testutil.CountingFunction{}))
	require.NoError(t, reg.Register("HTTPRequestFunction",
		testutil.NoopContract(registry.SideEffectReadOnly), &testutil.CountingFunction{}))
	return reg
}

func materializeJob() *model.JobDefinition {
	job := testutil.Job("derived_dataset_materialize_sink",
		model.TaskDefinition{
			TaskID:    "postgres_transformation_task",
			Function:  "PostgreSQLFunction",
			SecretKey: "postgres_credentials",
			Kwargs:    map[string]any{"sql_file_path": "sql/transform_source_to_sink.sql"},
		},
	)
	job.Schedule = "0 6 * * *"
	return job
}

func TestCompileSingleTaskJob(t *testing.T) {
	comp := New(newTestRegistry(t), Options{}, zaptest.NewLogger(t))

	compiled, err := comp.Compile(materializeJob())
	require.NoError(t, err)

	require.Len(t, compiled.Units, 1)
	assert.Empty(t, compiled.Edges)

	unit := compiled.Units[0]
	assert.Equal(t, "postgres_transformation_task", unit.TaskID)
	assert.Equal(t, "PostgreSQLFunction", unit.Function)
	assert.Equal(t, "postgres_credentials", unit.SecretKey)
	assert.Equal(t, "sql/transform_source_to_sink.sql", unit.Kwargs["sql_file_path"])
}

func TestCompileOrdersUnitsAndEdges(t *testing.T) {
	comp := New(newTestRegistry(t), Options{}, zaptest.NewLogger(t))

	job := testutil.Job("fanout",
		testutil.Task("c", "HTTPRequestFunction", "a", "b"),
		testutil.Task("a", "HTTPRequestFunction"),
		testutil.Task("b", "HTTPRequestFunction", "a"),
	)

	compiled, err := comp.Compile(job)
	require.NoError(t, err)

	require.Len(t, compiled.Units, 3)
	assert.Equal(t, "a", compiled.Units[0].TaskID)
	assert.Equal(t, "b", compiled.Units[1].TaskID)
	assert.Equal(t, "c", compiled.Units[2].TaskID)

	assert.Equal(t, []model.Edge{
		{Source: "a", Target: "b"},
		{Source: "a", Target: "c"},
		{Source: "b", Target: "c"},
	}, compiled.Edges)
}

func TestCompileDeterministicFingerprint(t *testing.T) {
	comp := New(newTestRegistry(t), Options{}, zaptest.NewLogger(t))

	first, err := comp.Compile(materializeJob())
	require.NoError(t, err)
	second, err := comp.Compile(materializeJob())
	require.NoError(t, err)

	assert.Equal(t, first.Fingerprint(), second.Fingerprint())
}

func TestCompileUnknownFunction(t *testing.T) {
	comp := New(newTestRegistry(t), Options{}, zaptest.NewLogger(t))

	job := testutil.Job("bad", testutil.Task("only", "NoSuchFunction"))
	_, err := comp.Compile(job)
	require.Error(t, err)
	assert.True(t, errors.Is(err, dagerr.ErrValidation))
	assert.Contains(t, err.Error(), `unknown function "NoSuchFunction"`)
}

func TestCompileMissingRequiredKwarg(t *testing.T) {
	comp := New(newTestRegistry(t), Options{}, zaptest.NewLogger(t))

	job := testutil.Job("incomplete",
		model.TaskDefinition{TaskID: "load", Function: "PostgreSQLFunction"},
	)
	_, err := comp.Compile(job)
	require.Error(t, err)
	assert.True(t, errors.Is(err, dagerr.ErrValidation))
	assert.Contains(t, err.Error(), `required argument "sql_file_path"`)
}

func TestCompileStrictRejectsUnknownKwarg(t *testing.T) {
	reg := newTestRegistry(t)
	job := testutil.Job("extras",
		model.TaskDefinition{
			TaskID:   "load",
			Function: "PostgreSQLFunction",
			Kwargs:   map[string]any{"sql_file_path": "x.sql", "surprise": 1},
		},
	)

	_, err := New(reg, Options{Strict: true}, zaptest.NewLogger(t)).Compile(job)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown argument "surprise"`)

	compiled, err := New(reg, Options{}, zaptest.NewLogger(t)).Compile(job)
	require.NoError(t, err)
	assert.Equal(t, 1, compiled.Units[0].Kwargs["surprise"])
}

func TestCompileBatchIsolatesFailures(t *testing.T) {
	comp := New(newTestRegistry(t), Options{}, zaptest.NewLogger(t))

	jobs := []*model.JobDefinition{
		materializeJob(),
		testutil.Job("bad", testutil.Task("only", "NoSuchFunction")),
		testutil.Job("good", testutil.Task("only", "HTTPRequestFunction")),
	}

	compiled, errs := comp.CompileBatch(jobs)
	require.Len(t, compiled, 2)
	require.Len(t, errs, 1)
	assert.Equal(t, "derived_dataset_materialize_sink", compiled[0].JobID)
	assert.Equal(t, "good", compiled[1].JobID)
}

func TestWriteArtifacts(t *testing.T) {
	logger := zaptest.NewLogger(t)
	comp := New(newTestRegistry(t), Options{}, logger)

	compiled, err := comp.Compile(materializeJob())
	require.NoError(t, err)

	dir := t.TempDir()
	written, err := WriteArtifacts(dir, []*model.CompiledJob{compiled}, logger)
	require.NoError(t, err)
	assert.Equal(t, []string{"derived_dataset_materialize_sink"}, written)

	// Regenerating an unchanged job leaves the artifact untouched.
	written, err = WriteArtifacts(dir, []*model.CompiledJob{compiled}, logger)
	require.NoError(t, err)
	assert.Empty(t, written)

	loaded, err := LoadArtifacts(dir)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, compiled.Fingerprint(), loaded[0].Fingerprint())
}

func TestCompiledUnitCarriesSecretReferenceOnly(t *testing.T) {
	// The artifact must never contain resolved credentials; execution resolves
	// the key at call time.
	comp := New(newTestRegistry(t), Options{}, zaptest.NewLogger(t))
	compiled, err := comp.Compile(materializeJob())
	require.NoError(t, err)

	unit := compiled.Units[0]
	assert.Equal(t, "postgres_credentials", unit.SecretKey)
	for key := range unit.Kwargs {
		assert.NotContains(t, key, "password")
	}
}
