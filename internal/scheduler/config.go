package scheduler

import (
	"time"

	"github.com/habitloop/habitloop/internal/config"
)

// Config controls sweep intervals and batch sizes.
type Config struct {
	RunInterval       time.Duration
	BatchSize         int
	RecoveryThreshold time.Duration
	EnabledJobs       []string
}

func DefaultConfig() Config {
	return Config{
		RunInterval:       time.Minute,
		BatchSize:         50,
		RecoveryThreshold: 15 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.RecoveryThreshold <= 0 {
		c.RecoveryThreshold = defaults.RecoveryThreshold
	}
	return c
}

func ProvideConfig(cfg config.Config) Config {
	return Config{
		RunInterval:       cfg.Sweep.Interval,
		BatchSize:         cfg.Sweep.BatchSize,
		RecoveryThreshold: cfg.Sweep.RecoveryThreshold,
	}.withDefaults()
}
