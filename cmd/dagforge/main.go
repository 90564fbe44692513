package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"dagforge/internal/compiler"
	"dagforge/internal/config"
	"dagforge/internal/engine"
	"dagforge/internal/function"
	"dagforge/internal/parser"
	"dagforge/internal/registry"
	"dagforge/internal/scheduler"
	"dagforge/internal/secret"
	"dagforge/internal/storage"
	"dagforge/internal/telemetry"
)

const usage = `Usage: dagforge <command> [flags]

Commands:
  generate   parse job definitions, compile them and write engine artifacts
  validate   parse job definitions and report problems
  serve      run the scheduler against a jobs directory
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	switch os.Args[1] {
	case "generate":
		os.Exit(runGenerate(os.Args[2:], logger))
	case "validate":
		os.Exit(runValidate(os.Args[2:], logger))
	case "serve":
		os.Exit(runServe(os.Args[2:], logger))
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n%s", os.Args[1], usage)
		os.Exit(2)
	}
}

// runGenerate is the artifact-generation surface: jobs in, compiled JSON
// artifacts out. Non-zero exit with per-job diagnostics on any failure.
func runGenerate(args []string, logger *zap.Logger) int {
	fs := flag.NewFlagSet("generate", flag.ExitOnError)
	jobsDir := fs.String("jobs", "./jobs", "directory of job definition YAML files")
	outDir := fs.String("out", "./artifacts", "directory to write compiled artifacts to")
	sqlRoot := fs.String("sql-root", ".", "root directory for relative sql_file_path values")
	strict := fs.Bool("strict", false, "reject kwargs not declared by the function contract")
	fs.Parse(args)

	reg := registry.New(logger)
	if err := function.RegisterBuiltins(reg, *sqlRoot, logger); err != nil {
		logger.Error("Failed to register functions", zap.Error(err))
		return 1
	}

	jobs, parseErrs := parser.New(logger).LoadDir(*jobsDir)
	comp := compiler.New(reg, compiler.Options{Strict: *strict}, logger)
	compiled, compileErrs := comp.CompileBatch(jobs)

	if _, err := compiler.WriteArtifacts(*outDir, compiled, logger); err != nil {
		logger.Error("Failed to write artifacts", zap.Error(err))
		return 1
	}

	for _, err := range append(parseErrs, compileErrs...) {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
	}
	if len(parseErrs)+len(compileErrs) > 0 {
		return 1
	}

	logger.Info("Generated artifacts",
		zap.Int("jobs", len(compiled)),
		zap.String("out", *outDir))
	return 0
}

func runValidate(args []string, logger *zap.Logger) int {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	jobsDir := fs.String("jobs", "./jobs", "directory of job definition YAML files")
	fs.Parse(args)

	jobs, errs := parser.New(logger).LoadDir(*jobsDir)
	for _, err := range errs {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
	}
	if len(errs) > 0 {
		return 1
	}
	logger.Info("All job definitions valid", zap.Int("jobs", len(jobs)))
	return 0
}

func runServe(args []string, logger *zap.Logger) int {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "./config/config.yaml", "path to the server configuration file")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("Failed to load config", zap.Error(err))
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
		cancel()
	}()

	// Function registry and secret store.
	reg := registry.New(logger)
	if err := function.RegisterBuiltins(reg, cfg.App.SQLRoot, logger); err != nil {
		logger.Error("Failed to register functions", zap.Error(err))
		return 1
	}
	secrets := secret.NewFileStore(cfg.App.SecretsDir, logger)

	// Parse and compile the jobs directory. Bad definitions are reported and
	// skipped; they never reach the scheduler.
	jobs, parseErrs := parser.New(logger).LoadDir(cfg.App.JobsDir)
	comp := compiler.New(reg, compiler.Options{Strict: cfg.App.Strict}, logger)
	compiled, compileErrs := comp.CompileBatch(jobs)
	for _, err := range append(parseErrs, compileErrs...) {
		logger.Warn("Job definition rejected", zap.Error(err))
	}
	if len(compiled) == 0 {
		logger.Error("No runnable jobs")
		return 1
	}
	if _, err := compiler.WriteArtifacts(cfg.App.ArtifactDir, compiled, logger); err != nil {
		logger.Error("Failed to write artifacts", zap.Error(err))
		return 1
	}

	// Execution backend.
	var eng engine.Engine
	switch cfg.Engine.Kind {
	case "nats":
		nc, err := connectNATS(cfg, logger)
		if err != nil {
			logger.Error("Failed to connect to NATS", zap.Error(err))
			return 1
		}
		defer nc.Close()

		js, err := nc.JetStream()
		if err != nil {
			logger.Error("Failed to create JetStream context", zap.Error(err))
			return 1
		}
		natsEngine, err := engine.NewNATSEngine(js, reg, secrets, logger)
		if err != nil {
			logger.Error("Failed to create NATS engine", zap.Error(err))
			return 1
		}
		if cfg.NATS.Worker {
			if err := natsEngine.StartWorker(ctx); err != nil {
				logger.Error("Failed to start worker", zap.Error(err))
				return 1
			}
		}
		eng = natsEngine
	default:
		eng = engine.NewLocalEngine(reg, secrets, cfg.Engine.Workers, logger)
	}
	if err := eng.Start(ctx); err != nil {
		logger.Error("Failed to start engine", zap.Error(err))
		return 1
	}
	defer eng.Stop()

	// Run history.
	history, err := storage.NewSQLiteRunHistory(logger, cfg.History.Path)
	if err != nil {
		logger.Error("Failed to open run history", zap.Error(err))
		return 1
	}
	defer history.Close()

	// Coordinator and cron scheduler.
	retry := scheduler.RetryPolicy{
		MaxAttempts:     cfg.Retry.MaxAttempts,
		InitialInterval: cfg.Retry.InitialInterval,
		MaxInterval:     cfg.Retry.MaxInterval,
		Multiplier:      cfg.Retry.Multiplier,
	}
	coordinator := scheduler.NewCoordinator(eng, reg, history, retry, logger)
	coordinator.Start(ctx)

	cronScheduler := scheduler.NewCronScheduler(coordinator, logger)
	for _, job := range compiled {
		if err := cronScheduler.AddJob(job); err != nil {
			logger.Error("Failed to schedule job",
				zap.String("job_id", job.JobID),
				zap.Error(err))
			return 1
		}
	}
	cronScheduler.Start(ctx)

	// Metrics endpoint and host stats.
	go telemetry.StatsLoop(ctx, cfg.Metrics.StatsInterval, logger)
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", telemetry.Handler())
		server := &http.Server{Addr: cfg.Metrics.Addr, Handler: mux}
		go func() {
			<-ctx.Done()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			server.Shutdown(shutdownCtx)
		}()
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Metrics server failed", zap.Error(err))
		}
	}()

	// History retention sweep.
	go func() {
		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				cutoff := time.Now().Add(-cfg.History.Retention)
				if err := history.DeleteBefore(ctx, cutoff); err != nil {
					logger.Error("Failed to prune run history", zap.Error(err))
				}
			}
		}
	}()

	logger.Info("dagforge serving",
		zap.String("engine", cfg.Engine.Kind),
		zap.Int("jobs", len(compiled)))

	<-ctx.Done()
	logger.Info("Shutting down gracefully")
	return 0
}

func connectNATS(cfg *config.Config, logger *zap.Logger) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name(cfg.App.Name),
		nats.MaxReconnects(cfg.NATS.MaxReconnects),
		nats.ReconnectWait(cfg.NATS.ReconnectWait),
		nats.Timeout(cfg.NATS.ConnectTimeout),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}

	var nc *nats.Conn
	var err error
	for attempt := 1; attempt <= 5; attempt++ {
		nc, err = nats.Connect(cfg.NATS.URL, opts...)
		if err == nil {
			return nc, nil
		}
		logger.Warn("Failed to connect to NATS, retrying...",
			zap.Int("attempt", attempt),
			zap.Error(err))
		time.Sleep(time.Second * time.Duration(attempt))
	}
	return nil, err
}
