package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/vietddude/chainsync/internal/infra/rpc/provider"
	"github.com/vietddude/chainsync/internal/infra/rpc/routing"
)

// Client is the high-level interface for making RPC calls against one chain.
// This is what application layers should use.
type Client struct {
	chain     string
	scheduler *routing.Scheduler
}

// NewClient creates a client dispatching over HTTP providers.
func NewClient(chain string, providers []ProviderConfig, cfg SchedulerConfig, opts ...routing.Option) *Client {
	transports := make([]routing.Transport, 0, len(providers))
	for _, pc := range providers {
		transports = append(transports, provider.NewHTTPProviderFromConfig(pc))
	}
	return NewClientWithTransports(chain, transports, cfg, opts...)
}

// NewClientWithTransports creates a client over arbitrary transports.
func NewClientWithTransports(chain string, transports []routing.Transport, cfg SchedulerConfig, opts ...routing.Option) *Client {
	cfg.Chain = chain
	opts = append([]routing.Option{routing.WithLogger(slog.Default().With("chain", chain))}, opts...)
	return &Client{
		chain:     chain,
		scheduler: routing.NewScheduler(cfg, transports, opts...),
	}
}

// Start launches the scheduler loop.
func (c *Client) Start(ctx context.Context) {
	c.scheduler.Start(ctx)
}

// Stop halts the scheduler loop.
func (c *Client) Stop() {
	c.scheduler.Stop()
}

// Request makes a JSON-RPC call and returns the raw result.
func (c *Client) Request(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	return c.scheduler.Request(ctx, method, params...)
}

// Call makes a JSON-RPC call and decodes the result into out.
func (c *Client) Call(ctx context.Context, out any, method string, params ...any) error {
	raw, err := c.scheduler.Request(ctx, method, params...)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s result: %w", method, err)
	}
	return nil
}

// Stats returns the scheduler's view of each provider.
func (c *Client) Stats(ctx context.Context) ([]EndpointStats, error) {
	return c.scheduler.Stats(ctx)
}

// Chain returns the chain name.
func (c *Client) Chain() string {
	return c.chain
}
