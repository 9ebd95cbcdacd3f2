// Package config loads relay settings from NEOAPI_* environment variables.
package config

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/sethvargo/go-envconfig"
)

const (
	EngineThreaded = "threaded"
	EngineLoop     = "loop"
)

type Config struct {
	APIKey             string        `env:"NEOAPI_API_KEY"`
	BaseURL            string        `env:"NEOAPI_BASE_URL,default=https://api.neoapi.ai"`
	LogLevel           string        `env:"NEOAPI_LOG_LEVEL,default=info"`
	Engine             string        `env:"NEOAPI_ENGINE,default=threaded"`
	BatchSize          int           `env:"NEOAPI_BATCH_SIZE,default=10"`
	FlushInterval      time.Duration `env:"NEOAPI_FLUSH_INTERVAL,default=5s"`
	AdjustmentInterval time.Duration `env:"NEOAPI_ADJUSTMENT_INTERVAL,default=0s"`
	SendAttempts       uint          `env:"NEOAPI_SEND_ATTEMPTS,default=3"`

	Port                   string        `env:"NEOAPI_PORT,default=9090"`
	JournalPath            string        `env:"NEOAPI_JOURNAL_PATH"`
	FollowPath             string        `env:"NEOAPI_FOLLOW_PATH"`
	FollowPollInterval     time.Duration `env:"NEOAPI_FOLLOW_POLL_INTERVAL,default=500ms"`
	MaxTextBytes           int           `env:"NEOAPI_MAX_TEXT_BYTES,default=65536"`
	MetricsInterval        time.Duration `env:"NEOAPI_METRICS_INTERVAL,default=15s"`
	Retention              time.Duration `env:"NEOAPI_JOURNAL_RETENTION,default=72h"`
	CleanupInterval        time.Duration `env:"NEOAPI_CLEANUP_INTERVAL,default=5m"`
	WALCheckpointInterval  time.Duration `env:"NEOAPI_WAL_CHECKPOINT_INTERVAL,default=10m"`
	WALRestartThresholdB   int64         `env:"NEOAPI_WAL_RESTART_THRESHOLD_BYTES,default=52428800"`
	CleanupDiskThreshold   float64       `env:"NEOAPI_CLEANUP_DISK_THRESHOLD,default=80"`
	CleanupDBThresholdByte int64         `env:"NEOAPI_CLEANUP_DB_THRESHOLD_BYTES,default=104857600"`
	ShutdownTimeout        time.Duration `env:"NEOAPI_SHUTDOWN_TIMEOUT,default=30s"`
}

func Load(ctx context.Context) (*Config, error) {
	return LoadWith(ctx, envconfig.OsLookuper())
}

// LoadWith reads the configuration through lookuper and validates it.
func LoadWith(ctx context.Context, lookuper envconfig.Lookuper) (*Config, error) {
	var cfg Config
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{Target: &cfg, Lookuper: lookuper}); err != nil {
		return nil, fmt.Errorf("load env config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.Engine {
	case EngineThreaded, EngineLoop:
	default:
		return fmt.Errorf("invalid NEOAPI_ENGINE %q: want %s or %s", c.Engine, EngineThreaded, EngineLoop)
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("invalid NEOAPI_BATCH_SIZE %d: must be at least 1", c.BatchSize)
	}
	if c.FlushInterval <= 0 {
		return fmt.Errorf("invalid NEOAPI_FLUSH_INTERVAL %s: must be positive", c.FlushInterval)
	}
	if c.AdjustmentInterval < 0 {
		return fmt.Errorf("invalid NEOAPI_ADJUSTMENT_INTERVAL %s: must not be negative", c.AdjustmentInterval)
	}
	if c.MetricsInterval <= 0 {
		return fmt.Errorf("invalid NEOAPI_METRICS_INTERVAL %s: must be positive", c.MetricsInterval)
	}
	return nil
}

func WriteHelp(w io.Writer, version string) {
	fmt.Fprintf(w, "neoapi %s\n\n", version)
	fmt.Fprintln(w, "Environment variables:")
	fmt.Fprintln(w, "  NEOAPI_API_KEY=")
	fmt.Fprintln(w, "  NEOAPI_BASE_URL=https://api.neoapi.ai")
	fmt.Fprintln(w, "  NEOAPI_LOG_LEVEL=info")
	fmt.Fprintln(w, "  NEOAPI_ENGINE=threaded")
	fmt.Fprintln(w, "  NEOAPI_BATCH_SIZE=10")
	fmt.Fprintln(w, "  NEOAPI_FLUSH_INTERVAL=5s")
	fmt.Fprintln(w, "  NEOAPI_ADJUSTMENT_INTERVAL=0s")
	fmt.Fprintln(w, "  NEOAPI_SEND_ATTEMPTS=3")
	fmt.Fprintln(w, "  NEOAPI_PORT=9090")
	fmt.Fprintln(w, "  NEOAPI_JOURNAL_PATH=")
	fmt.Fprintln(w, "  NEOAPI_FOLLOW_PATH=")
	fmt.Fprintln(w, "  NEOAPI_FOLLOW_POLL_INTERVAL=500ms")
	fmt.Fprintln(w, "  NEOAPI_MAX_TEXT_BYTES=65536")
	fmt.Fprintln(w, "  NEOAPI_METRICS_INTERVAL=15s")
	fmt.Fprintln(w, "  NEOAPI_JOURNAL_RETENTION=72h")
	fmt.Fprintln(w, "  NEOAPI_CLEANUP_INTERVAL=5m")
	fmt.Fprintln(w, "  NEOAPI_WAL_CHECKPOINT_INTERVAL=10m")
	fmt.Fprintln(w, "  NEOAPI_WAL_RESTART_THRESHOLD_BYTES=52428800")
	fmt.Fprintln(w, "  NEOAPI_CLEANUP_DISK_THRESHOLD=80")
	fmt.Fprintln(w, "  NEOAPI_CLEANUP_DB_THRESHOLD_BYTES=104857600")
	fmt.Fprintln(w, "  NEOAPI_SHUTDOWN_TIMEOUT=30s")
}
