package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds the runtime configuration for the dagforge server.
type Config struct {
	App struct {
		Name        string `mapstructure:"name"`
		JobsDir     string `mapstructure:"jobs_dir"`
		SQLRoot     string `mapstructure:"sql_root"`
		SecretsDir  string `mapstructure:"secrets_dir"`
		ArtifactDir string `mapstructure:"artifact_dir"`
		Strict      bool   `mapstructure:"strict"`
	} `mapstructure:"app"`

	Engine struct {
		// Kind selects the execution backend: "local" or "nats".
		Kind    string `mapstructure:"kind"`
		Workers int    `mapstructure:"workers"`
	} `mapstructure:"engine"`

	NATS struct {
		URL            string        `mapstructure:"url"`
		MaxReconnects  int           `mapstructure:"max_reconnects"`
		ReconnectWait  time.Duration `mapstructure:"reconnect_wait"`
		ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
		Worker         bool          `mapstructure:"worker"`
	} `mapstructure:"nats"`

	Retry struct {
		MaxAttempts     int           `mapstructure:"max_attempts"`
		InitialInterval time.Duration `mapstructure:"initial_interval"`
		MaxInterval     time.Duration `mapstructure:"max_interval"`
		Multiplier      float64       `mapstructure:"multiplier"`
	} `mapstructure:"retry"`

	History struct {
		Path      string        `mapstructure:"path"`
		Retention time.Duration `mapstructure:"retention"`
	} `mapstructure:"history"`

	Metrics struct {
		Addr          string        `mapstructure:"addr"`
		StatsInterval time.Duration `mapstructure:"stats_interval"`
	} `mapstructure:"metrics"`
}

// Load reads the configuration file at path (YAML) with defaults suitable for
// local development.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetDefault("app.name", "dagforge")
	v.SetDefault("app.jobs_dir", "./jobs")
	v.SetDefault("app.sql_root", ".")
	v.SetDefault("app.secrets_dir", "./secrets")
	v.SetDefault("app.artifact_dir", "./artifacts")
	v.SetDefault("app.strict", false)

	v.SetDefault("engine.kind", "local")
	v.SetDefault("engine.workers", 8)

	v.SetDefault("nats.url", "nats://127.0.0.1:4222")
	v.SetDefault("nats.max_reconnects", 5)
	v.SetDefault("nats.reconnect_wait", 2*time.Second)
	v.SetDefault("nats.connect_timeout", 5*time.Second)
	v.SetDefault("nats.worker", true)

	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_interval", 500*time.Millisecond)
	v.SetDefault("retry.max_interval", 30*time.Second)
	v.SetDefault("retry.multiplier", 2.0)

	v.SetDefault("history.path", "dagforge_history.db")
	v.SetDefault("history.retention", 30*24*time.Hour)

	v.SetDefault("metrics.addr", ":9102")
	v.SetDefault("metrics.stats_interval", 15*time.Second)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.Engine.Kind != "local" && cfg.Engine.Kind != "nats" {
		return nil, fmt.Errorf("unknown engine kind %q (want local or nats)", cfg.Engine.Kind)
	}
	return &cfg, nil
}
