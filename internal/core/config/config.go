// Package config loads the YAML configuration of chainsync.
package config

import (
	"time"

	"github.com/vietddude/chainsync/internal/core/domain"
	"github.com/vietddude/chainsync/internal/indexing/backfill"
	redisclient "github.com/vietddude/chainsync/internal/infra/redis"
	"github.com/vietddude/chainsync/internal/infra/rpc"
	"github.com/vietddude/chainsync/internal/infra/storage/postgres"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server   ServerConfig       `yaml:"server"`
	Logging  LoggingConfig      `yaml:"logging"`
	Database postgres.Config    `yaml:"database"`
	Redis    redisclient.Config `yaml:"redis"`
	Sync     SyncConfig         `yaml:"sync"`
	Chains   []ChainConfig      `yaml:"chains"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
}

// SyncConfig controls how a target range is split into passes.
type SyncConfig struct {
	// PassSize is the number of blocks per sync pass.
	PassSize uint64 `yaml:"pass_size"`
	// LockTTL bounds how long a crashed process keeps the pass lock.
	LockTTL time.Duration `yaml:"lock_ttl"`
}

// ChainConfig holds settings for one EVM chain.
type ChainConfig struct {
	ChainID   domain.ChainID       `yaml:"id"`
	Name      string               `yaml:"name"` // defaults to the known name of the id
	Providers []rpc.ProviderConfig `yaml:"providers"`
	Scheduler SchedulerConfig      `yaml:"scheduler"`
	Backfill  backfill.Config      `yaml:"backfill"`
	Sources   []SourceConfig       `yaml:"sources"`

	// Confirmations keeps syncs to latest this many blocks behind the head.
	Confirmations uint64 `yaml:"confirmations"`
}

// SchedulerConfig tunes the request scheduler of a chain. Zero fields keep
// the defaults.
type SchedulerConfig struct {
	Endpoint       rpc.BudgetConfig `yaml:"endpoint"`
	Retry          rpc.RetryConfig  `yaml:"retry"`
	PollInterval   time.Duration    `yaml:"poll_interval"`
	PacingInterval time.Duration    `yaml:"pacing_interval"`
}

// SchedulerConfig returns the scheduler settings with defaults applied.
func (c ChainConfig) SchedulerConfig() rpc.SchedulerConfig {
	out := rpc.DefaultSchedulerConfig()
	out.Chain = c.Name
	s := c.Scheduler
	if s.Endpoint.InitialRPS > 0 {
		out.Endpoint.InitialRPS = s.Endpoint.InitialRPS
	}
	if s.Endpoint.RateLimitCooldown > 0 {
		out.Endpoint.RateLimitCooldown = s.Endpoint.RateLimitCooldown
	}
	if s.Endpoint.GrowthFactor > 0 {
		out.Endpoint.GrowthFactor = s.Endpoint.GrowthFactor
	}
	if s.Endpoint.DerateFactor > 0 {
		out.Endpoint.DerateFactor = s.Endpoint.DerateFactor
	}
	if s.Retry.MaxAttempts > 0 {
		out.Retry = s.Retry
	}
	if s.Retry.MaxResubmits > 0 {
		out.Retry.MaxResubmits = s.Retry.MaxResubmits
	}
	if s.PollInterval > 0 {
		out.PollInterval = s.PollInterval
	}
	if s.PacingInterval > 0 {
		out.PacingInterval = s.PacingInterval
	}
	return out
}

// BackfillConfig returns the backfill settings bound to the chain id.
func (c ChainConfig) BackfillConfig() backfill.Config {
	cfg := c.Backfill
	cfg.ChainID = c.ChainID
	return cfg
}
