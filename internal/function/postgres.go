// Package function holds the built-in capability implementations the
// registry binds task functions to. Each function declares its capability
// contract next to its implementation; RegisterBuiltins wires them in at
// process startup.
package function

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"dagforge/internal/registry"
)

// PostgresFunctionName is the name jobs reference this capability by.
const PostgresFunctionName = "PostgreSQLFunction"

const defaultPostgresPort = 5432

// PostgresSQLFunction executes a parameterized SQL file against a PostgreSQL
// connection built from the task's resolved secret. The statement may
// reference the named @execution_date parameter, substituted at call time.
// Materializations are expected to be upsert-style: the function is declared
// idempotent-write, so the scheduler may retry a failed attempt.
type PostgresSQLFunction struct {
	logger  *zap.Logger
	sqlRoot string
}

// NewPostgresSQLFunction creates the function. sqlRoot anchors relative
// sql_file_path values.
func NewPostgresSQLFunction(sqlRoot string, logger *zap.Logger) *PostgresSQLFunction {
	return &PostgresSQLFunction{
		logger:  logger.Named("postgres-function"),
		sqlRoot: sqlRoot,
	}
}

// Contract declares the capability contract for this function.
func (f *PostgresSQLFunction) Contract() registry.Contract {
	return registry.Contract{
		Params: []registry.ParamSpec{
			{Name: "sql_file_path", Kind: registry.KindString, Required: true},
		},
		SideEffect: registry.SideEffectIdempotentWrite,
	}
}

// Invoke implements registry.Function.
func (f *PostgresSQLFunction) Invoke(ctx context.Context, inv *registry.Invocation) (*registry.Result, error) {
	sqlPath := inv.String("sql_file_path", "")
	if !filepath.IsAbs(sqlPath) {
		sqlPath = filepath.Join(f.sqlRoot, sqlPath)
	}

	statement, err := os.ReadFile(sqlPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read SQL file %q: %w", sqlPath, err)
	}

	// Credentials are resolved here, per attempt, never earlier.
	params, err := inv.Connection(ctx)
	if err != nil {
		return nil, err
	}

	port := params.Port
	if port == 0 {
		port = defaultPostgresPort
	}
	dsn := fmt.Sprintf("postgres://%s:%s@%s:%d/%s",
		url.QueryEscape(params.User), url.QueryEscape(params.Password),
		params.Host, port, params.Database)

	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s:%d/%s: %w", params.Host, port, params.Database, err)
	}
	defer conn.Close(ctx)

	f.logger.Info("Executing SQL file",
		zap.String("job_id", inv.JobID),
		zap.String("task_id", inv.TaskID),
		zap.String("sql_file", sqlPath),
		zap.Time("execution_date", inv.ExecutionDate))

	tx, err := conn.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}

	tag, err := tx.Exec(ctx, string(statement), pgx.NamedArgs{
		"execution_date": inv.ExecutionDate,
	})
	if err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			f.logger.Error("Rollback failed", zap.Error(rbErr))
		}
		return nil, fmt.Errorf("failed to execute SQL file %q: %w", sqlPath, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}

	return &registry.Result{Output: []byte(tag.String())}, nil
}
