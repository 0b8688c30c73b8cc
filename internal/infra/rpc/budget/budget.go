// Package budget infers how much request capacity an RPC endpoint has.
//
// This package contains:
//   - Endpoint: per-transport state made of a rolling window of 50ms
//     buckets, an estimated and a provider-confirmed requests-per-second
//     ceiling, the rate-limit flag and the in-flight count
//   - Config: tuning for the admission test and feedback rules
//
// An Endpoint is not safe for concurrent use. The scheduler owns each
// Endpoint and mutates it from its dispatch goroutine only.
package budget

import "time"

const (
	// BucketSize is the width of one accounting bucket.
	BucketSize = 50 * time.Millisecond

	// Window is how much history an endpoint keeps.
	Window = 5 * time.Minute

	// MaxBuckets is the number of buckets that fit in Window.
	MaxBuckets = int(Window / BucketSize)

	// DefaultLatency is the expected latency of an endpoint with no history.
	DefaultLatency = 100 * time.Millisecond

	// ColdStartRequests bounds in-flight requests until this many have completed.
	ColdStartRequests = 5
)

// Config holds endpoint tuning.
type Config struct {
	// InitialRPS seeds the estimated ceiling.
	InitialRPS float64 `yaml:"initial_rps"`

	// RateLimitCooldown is how long an endpoint rests after a 429.
	RateLimitCooldown time.Duration `yaml:"rate_limit_cooldown"`

	// GrowthFactor is applied to the estimate once per second-aligned bucket.
	GrowthFactor float64 `yaml:"growth_factor"`

	// DerateFactor sets the confirmed ceiling relative to the estimate on a 429.
	DerateFactor float64 `yaml:"derate_factor"`
}

// DefaultConfig returns the probing defaults.
func DefaultConfig() Config {
	return Config{
		InitialRPS:        10,
		RateLimitCooldown: 200 * time.Millisecond,
		GrowthFactor:      1.02,
		DerateFactor:      0.95,
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.InitialRPS <= 0 {
		c.InitialRPS = d.InitialRPS
	}
	if c.RateLimitCooldown <= 0 {
		c.RateLimitCooldown = d.RateLimitCooldown
	}
	if c.GrowthFactor <= 0 {
		c.GrowthFactor = d.GrowthFactor
	}
	if c.DerateFactor <= 0 {
		c.DerateFactor = d.DerateFactor
	}
	return c
}
