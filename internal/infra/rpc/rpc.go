// Package rpc provides a self-tuning JSON-RPC client for EVM networks.
//
// This package offers:
//   - Multiple provider support (Alchemy, Infura, public nodes, etc.)
//   - Latency-aware dispatch across providers
//   - Inferred per-provider rate ceilings with 429 feedback
//   - Failover for methods a provider does not serve
//
// # Quick Start
//
//	import "github.com/vietddude/chainsync/internal/infra/rpc"
//
//	client := rpc.NewClient("ethereum", []rpc.ProviderConfig{
//	    {Name: "alchemy", URL: alchemyURL},
//	    {Name: "infura", URL: infuraURL},
//	}, rpc.DefaultSchedulerConfig())
//	client.Start(ctx)
//	defer client.Stop()
//
//	raw, err := client.Request(ctx, "eth_blockNumber")
//
// # Package Structure
//
//   - provider/ - Transports (HTTPProvider) and error classification
//   - budget/   - Per-endpoint capacity model
//   - routing/  - Scheduler and retry policy
//
// Most types are re-exported at the root level for convenience.
package rpc

import (
	"time"

	"github.com/vietddude/chainsync/internal/infra/rpc/budget"
	"github.com/vietddude/chainsync/internal/infra/rpc/provider"
	"github.com/vietddude/chainsync/internal/infra/rpc/routing"
)

// =============================================================================
// Re-exported types from provider package
// =============================================================================

// Provider is the core interface for RPC endpoints.
type Provider = provider.Provider

// ProviderConfig describes one HTTP provider.
type ProviderConfig = provider.Config

// HTTPProvider implements Provider for JSON-RPC over HTTP.
type HTTPProvider = provider.HTTPProvider

// RPCError is a failure reported by an endpoint.
type RPCError = provider.RPCError

// NewHTTPProvider creates a new HTTP-based RPC provider.
func NewHTTPProvider(name, endpoint string, timeout time.Duration) *HTTPProvider {
	return provider.NewHTTPProvider(name, endpoint, timeout)
}

// IsRateLimited reports whether err was caused by provider throttling.
var IsRateLimited = provider.IsRateLimited

// =============================================================================
// Re-exported types from routing package
// =============================================================================

// Scheduler dispatches requests across providers.
type Scheduler = routing.Scheduler

// SchedulerConfig tunes a Scheduler.
type SchedulerConfig = routing.Config

// EndpointStats describes one provider as seen by the scheduler.
type EndpointStats = routing.EndpointStats

// RetryConfig defines retry behavior.
type RetryConfig = routing.RetryConfig

// ErrMethodUnsupported is returned when no provider serves a method.
var ErrMethodUnsupported = routing.ErrMethodUnsupported

// DefaultSchedulerConfig returns scheduler defaults.
func DefaultSchedulerConfig() SchedulerConfig {
	return routing.DefaultConfig()
}

// =============================================================================
// Re-exported types from budget package
// =============================================================================

// BudgetConfig holds per-endpoint capacity tuning.
type BudgetConfig = budget.Config
