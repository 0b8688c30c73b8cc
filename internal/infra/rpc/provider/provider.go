// Package provider implements JSON-RPC transports.
//
// This package contains:
//   - Provider: the transport abstraction the scheduler dispatches to
//   - HTTPProvider: JSON-RPC 2.0 over HTTP
//   - RPCError: failures carrying the HTTP status and JSON-RPC code, with
//     classification into rate-limit and unsupported-method conditions
package provider

import (
	"context"
	"encoding/json"
	"time"
)

// Provider is a single upstream JSON-RPC endpoint.
type Provider interface {
	// Name returns the provider identifier (e.g., "alchemy", "infura").
	Name() string

	// Request performs one JSON-RPC call and returns the raw result.
	// Failures reported by the endpoint are returned as *RPCError.
	Request(ctx context.Context, method string, params []any) (json.RawMessage, error)
}

// Config describes one HTTP provider.
type Config struct {
	Name    string        `yaml:"name"`
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}
