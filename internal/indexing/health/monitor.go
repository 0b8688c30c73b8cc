package health

import (
	"context"
	"log/slog"

	"github.com/vietddude/chainsync/internal/core/interval"
	"github.com/vietddude/chainsync/internal/infra/rpc"
)

// ChainProbe exposes what the monitor reads from one chain's pipeline.
type ChainProbe interface {
	Chain() string
	LastPass() PassStatus
	Intervals() map[string][]interval.Interval
	FailedRanges(ctx context.Context) (int, error)
	Endpoints(ctx context.Context) ([]rpc.EndpointStats, error)
}

// Monitor aggregates health status from the chain pipelines.
type Monitor struct {
	probes []ChainProbe
}

// NewMonitor creates a new health monitor.
func NewMonitor(probes ...ChainProbe) *Monitor {
	return &Monitor{probes: probes}
}

// CheckHealth evaluates every chain.
func (m *Monitor) CheckHealth(ctx context.Context) HealthReport {
	report := HealthReport{
		SystemStatus: StatusHealthy,
		Chains:       make(map[string]ChainHealth, len(m.probes)),
	}

	for _, p := range m.probes {
		h := m.checkChain(ctx, p)
		report.Chains[h.Chain] = h
		report.SystemStatus = worst(report.SystemStatus, h.Status)
	}
	return report
}

func (m *Monitor) checkChain(ctx context.Context, p ChainProbe) ChainHealth {
	pass := p.LastPass()
	h := ChainHealth{
		Chain:       p.Chain(),
		Status:      StatusHealthy,
		LatestBlock: pass.LatestBlock,
		LastPass:    pass.At,
	}
	if pass.Err != nil {
		h.LastError = pass.Err.Error()
	}

	failed, err := p.FailedRanges(ctx)
	if err != nil {
		slog.Warn("Failed to count failed ranges", "chain", h.Chain, "error", err)
	}
	h.FailedRanges = failed

	endpoints, err := p.Endpoints(ctx)
	if err != nil {
		slog.Warn("Failed to read endpoint stats", "chain", h.Chain, "error", err)
	}
	h.Endpoints = endpoints

	switch {
	case pass.Killed:
		h.Status = StatusCritical
	case pass.Err != nil, h.FailedRanges > 0, allRateLimited(endpoints):
		h.Status = StatusDegraded
	}
	return h
}

// Intervals returns the coverage snapshot of every chain, by chain and
// source name.
func (m *Monitor) Intervals() map[string]map[string][]interval.Interval {
	out := make(map[string]map[string][]interval.Interval, len(m.probes))
	for _, p := range m.probes {
		out[p.Chain()] = p.Intervals()
	}
	return out
}

func allRateLimited(endpoints []rpc.EndpointStats) bool {
	if len(endpoints) == 0 {
		return false
	}
	for _, e := range endpoints {
		if !e.RateLimited {
			return false
		}
	}
	return true
}

func worst(a, b SystemStatus) SystemStatus {
	rank := map[SystemStatus]int{StatusHealthy: 0, StatusDegraded: 1, StatusCritical: 2}
	if rank[b] > rank[a] {
		return b
	}
	return a
}
