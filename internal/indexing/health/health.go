// Package health provides sync health monitoring and status reporting.
package health

import (
	"time"

	"github.com/vietddude/chainsync/internal/infra/rpc"
)

// SystemStatus represents the overall health state of the system or a component.
type SystemStatus string

const (
	StatusHealthy  SystemStatus = "healthy"
	StatusDegraded SystemStatus = "degraded"
	StatusCritical SystemStatus = "critical"
)

// PassStatus is the outcome of the latest sync pass of a chain.
type PassStatus struct {
	LatestBlock uint64
	At          time.Time
	Err         error
	// Killed is set once a fatal error stopped the chain.
	Killed bool
}

// ChainHealth contains health metrics for a specific chain.
type ChainHealth struct {
	Chain        string              `json:"chain"`
	Status       SystemStatus        `json:"status"`
	LatestBlock  uint64              `json:"latest_block"`
	LastPass     time.Time           `json:"last_pass"`
	LastError    string              `json:"last_error,omitempty"`
	FailedRanges int                 `json:"failed_ranges"`
	Endpoints    []rpc.EndpointStats `json:"endpoints,omitempty"`
}

// HealthReport contains the full system health report.
type HealthReport struct {
	SystemStatus SystemStatus           `json:"system_status"`
	Chains       map[string]ChainHealth `json:"chains"`
}
