package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/vietddude/chainsync/internal/core/domain"
)

// ErrInvalidConfig is returned when a loaded configuration fails validation.
var ErrInvalidConfig = errors.New("invalid config")

// Load reads configuration from a YAML file.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg AppConfig
	// Expand environment variables in the YAML content
	expandedData := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *AppConfig) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Sync.PassSize == 0 {
		cfg.Sync.PassSize = 10_000
	}
	if cfg.Sync.LockTTL == 0 {
		cfg.Sync.LockTTL = 2 * time.Minute
	}

	for i := range cfg.Chains {
		c := &cfg.Chains[i]
		if c.Name == "" {
			c.Name, _ = domain.ChainNameFromID(c.ChainID)
		}
		for j := range c.Providers {
			if c.Providers[j].Timeout == 0 {
				c.Providers[j].Timeout = 10 * time.Second
			}
		}
	}
}

// Validate checks chains, providers and sources.
func (cfg *AppConfig) Validate() error {
	seen := make(map[domain.ChainID]bool)
	for _, c := range cfg.Chains {
		if c.ChainID == 0 {
			return fmt.Errorf("%w: chain %q has no id", ErrInvalidConfig, c.Name)
		}
		if seen[c.ChainID] {
			return fmt.Errorf("%w: chain %d declared twice", ErrInvalidConfig, c.ChainID)
		}
		seen[c.ChainID] = true

		if len(c.Providers) == 0 {
			return fmt.Errorf("%w: chain %s has no providers", ErrInvalidConfig, c.Name)
		}
		for _, p := range c.Providers {
			if p.URL == "" {
				return fmt.Errorf("%w: provider %q of chain %s has no url", ErrInvalidConfig, p.Name, c.Name)
			}
		}

		names := make(map[string]bool)
		for _, s := range c.Sources {
			if s.Name == "" {
				return fmt.Errorf("%w: chain %s has a source without a name", ErrInvalidConfig, c.Name)
			}
			if names[s.Name] {
				return fmt.Errorf("%w: source %s declared twice on chain %s", ErrInvalidConfig, s.Name, c.Name)
			}
			names[s.Name] = true
			if _, err := s.Source(c); err != nil {
				return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
			}
		}
	}
	return nil
}

// Chain returns the chain named name, matching the id as well.
func (cfg *AppConfig) Chain(name string) (ChainConfig, bool) {
	for _, c := range cfg.Chains {
		if c.Name == name || c.ChainID.String() == name {
			return c, true
		}
	}
	return ChainConfig{}, false
}
