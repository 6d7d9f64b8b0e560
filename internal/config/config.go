// Package config provides configuration loading for patternd.
package config

import (
	"fmt"
	"time"
)

// Config is the full patternd configuration.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	NATS      NATSConfig      `koanf:"nats"`
	Store     StoreConfig     `koanf:"store"`
	Aggregate AggregateConfig `koanf:"aggregate"`
	Promotion PromotionConfig `koanf:"promotion"`
	Demotion  DemotionConfig  `koanf:"demotion"`
	Scanner   ScannerConfig   `koanf:"scanner"`
	Logging   LoggingConfig   `koanf:"logging"`
}

// ServerConfig configures the HTTP surface (health and metrics).
type ServerConfig struct {
	Port            int           `koanf:"port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// NATSConfig configures the broker connection. With Embedded set (or URL
// empty) patternd runs an in-process server, which keeps single-node
// deployments free of external infrastructure.
type NATSConfig struct {
	URL      string `koanf:"url"`
	Embedded bool   `koanf:"embedded"`
}

// StoreConfig configures the SQLite store.
type StoreConfig struct {
	Path string `koanf:"path"`

	// MinConfidence is the governance gate: candidates below it are
	// rejected before any write.
	MinConfidence float64 `koanf:"min_confidence"`
}

// AggregateConfig configures observation clustering.
type AggregateConfig struct {
	SimilarityThreshold  float64 `koanf:"similarity_threshold"`
	NearThresholdEpsilon float64 `koanf:"near_threshold_epsilon"`
}

// PromotionConfig configures the promotion gate thresholds.
type PromotionConfig struct {
	WindowSize            int     `koanf:"window_size"`
	MinInjections         int     `koanf:"min_injections"`
	MinSuccessRate        float64 `koanf:"min_success_rate"`
	MaxFailureStreak      int     `koanf:"max_failure_streak"`
	ProvisionalConfidence float64 `koanf:"provisional_confidence"`
}

// DemotionConfig configures the demotion gate thresholds.
type DemotionConfig struct {
	WindowSize     int           `koanf:"window_size"`
	FailureStreak  int           `koanf:"failure_streak"`
	MaxSuccessRate float64       `koanf:"max_success_rate"`
	MinInjections  int           `koanf:"min_injections"`
	Cooldown       time.Duration `koanf:"cooldown"`
}

// ScannerConfig configures the gate scan loop.
type ScannerConfig struct {
	Interval  time.Duration `koanf:"interval"`
	BatchSize int           `koanf:"batch_size"`
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	// Level is debug, info, warn, or error.
	Level string `koanf:"level"`

	// Format is json or console.
	Format string `koanf:"format"`
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9090
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}

	if cfg.Store.Path == "" {
		cfg.Store.Path = "patternd.db"
	}
	if cfg.Store.MinConfidence == 0 {
		cfg.Store.MinConfidence = 0.5
	}

	if cfg.Aggregate.SimilarityThreshold == 0 {
		cfg.Aggregate.SimilarityThreshold = 0.8
	}
	if cfg.Aggregate.NearThresholdEpsilon == 0 {
		cfg.Aggregate.NearThresholdEpsilon = 0.05
	}

	if cfg.Promotion.WindowSize == 0 {
		cfg.Promotion.WindowSize = 20
	}
	if cfg.Promotion.MinInjections == 0 {
		cfg.Promotion.MinInjections = 5
	}
	if cfg.Promotion.MinSuccessRate == 0 {
		cfg.Promotion.MinSuccessRate = 0.60
	}
	if cfg.Promotion.MaxFailureStreak == 0 {
		cfg.Promotion.MaxFailureStreak = 3
	}
	if cfg.Promotion.ProvisionalConfidence == 0 {
		cfg.Promotion.ProvisionalConfidence = 0.7
	}

	if cfg.Demotion.WindowSize == 0 {
		cfg.Demotion.WindowSize = 20
	}
	if cfg.Demotion.FailureStreak == 0 {
		cfg.Demotion.FailureStreak = 5
	}
	if cfg.Demotion.MaxSuccessRate == 0 {
		cfg.Demotion.MaxSuccessRate = 0.40
	}
	if cfg.Demotion.MinInjections == 0 {
		cfg.Demotion.MinInjections = 10
	}
	if cfg.Demotion.Cooldown == 0 {
		cfg.Demotion.Cooldown = 24 * time.Hour
	}

	if cfg.Scanner.Interval == 0 {
		cfg.Scanner.Interval = time.Minute
	}
	if cfg.Scanner.BatchSize == 0 {
		cfg.Scanner.BatchSize = 200
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// Validate checks the configuration for values the daemon cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Store.MinConfidence < 0 || c.Store.MinConfidence > 1 {
		return fmt.Errorf("store.min_confidence %v outside [0,1]", c.Store.MinConfidence)
	}
	if c.Aggregate.SimilarityThreshold <= 0 || c.Aggregate.SimilarityThreshold > 1 {
		return fmt.Errorf("aggregate.similarity_threshold %v outside (0,1]", c.Aggregate.SimilarityThreshold)
	}
	if c.Aggregate.NearThresholdEpsilon < 0 {
		return fmt.Errorf("aggregate.near_threshold_epsilon %v is negative", c.Aggregate.NearThresholdEpsilon)
	}
	if c.Promotion.MinSuccessRate < 0 || c.Promotion.MinSuccessRate > 1 {
		return fmt.Errorf("promotion.min_success_rate %v outside [0,1]", c.Promotion.MinSuccessRate)
	}
	if c.Promotion.MinInjections < 1 {
		return fmt.Errorf("promotion.min_injections must be at least 1")
	}
	if c.Demotion.MaxSuccessRate < 0 || c.Demotion.MaxSuccessRate > 1 {
		return fmt.Errorf("demotion.max_success_rate %v outside [0,1]", c.Demotion.MaxSuccessRate)
	}
	if c.Demotion.MinInjections < 1 {
		return fmt.Errorf("demotion.min_injections must be at least 1")
	}
	if c.Demotion.Cooldown < 0 {
		return fmt.Errorf("demotion.cooldown is negative")
	}
	if c.Scanner.Interval < time.Second {
		return fmt.Errorf("scanner.interval %v below 1s", c.Scanner.Interval)
	}
	if c.Scanner.BatchSize < 1 {
		return fmt.Errorf("scanner.batch_size must be at least 1")
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q unknown", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logging.format %q unknown", c.Logging.Format)
	}
	return nil
}
