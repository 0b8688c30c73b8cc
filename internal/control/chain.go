// Package control wires configuration, storage, RPC and the backfill into
// a running application.
package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vietddude/chainsync/internal/core/config"
	"github.com/vietddude/chainsync/internal/core/domain"
	"github.com/vietddude/chainsync/internal/core/interval"
	"github.com/vietddude/chainsync/internal/indexing/backfill"
	"github.com/vietddude/chainsync/internal/indexing/health"
	"github.com/vietddude/chainsync/internal/infra/chain/evm"
	redisclient "github.com/vietddude/chainsync/internal/infra/redis"
	"github.com/vietddude/chainsync/internal/infra/rpc"
	"github.com/vietddude/chainsync/internal/infra/storage"
)

var (
	// ErrKilled is returned once a fatal error has stopped a chain.
	ErrKilled = errors.New("chain sync killed")
	// ErrLocked is returned when another process holds the pass lock.
	ErrLocked = errors.New("sync pass locked by another process")
)

// Requester is the JSON-RPC surface a chain pipeline needs. *rpc.Client
// implements it.
type Requester interface {
	evm.Requester
	Stats(ctx context.Context) ([]rpc.EndpointStats, error)
}

// ChainSync runs serialized sync passes for one chain.
type ChainSync struct {
	cfg     config.ChainConfig
	syncCfg config.SyncConfig
	client  Requester
	adapter *evm.Adapter
	head    *HeadTracker
	syncer  *backfill.Syncer
	redis   *redisclient.Client
	failed  *redisclient.FailedRangeRepo
	log     *slog.Logger

	passMu sync.Mutex

	mu      sync.Mutex
	status  health.PassStatus
	current interval.Interval
}

var _ health.ChainProbe = (*ChainSync)(nil)

// NewChainSync builds the pipeline of one chain and loads its coverage.
// redis may be nil, in which case passes are not locked across processes
// and failed ranges are not journaled.
func NewChainSync(
	ctx context.Context,
	cfg config.ChainConfig,
	syncCfg config.SyncConfig,
	client Requester,
	store storage.SyncStore,
	redis *redisclient.Client,
) (*ChainSync, error) {
	sources, err := cfg.BuildSources()
	if err != nil {
		return nil, err
	}

	c := &ChainSync{
		cfg:     cfg,
		syncCfg: syncCfg,
		client:  client,
		adapter: evm.NewAdapter(cfg.ChainID, client),
		redis:   redis,
		log:     slog.Default().With("chain", cfg.Name),
	}
	c.head = NewHeadTracker(c.adapter.BlockNumber, headTTL, cfg.Confirmations)
	if redis != nil {
		c.failed = redisclient.NewFailedRangeRepo(redis, cfg.Name)
	}

	c.syncer, err = backfill.New(ctx, cfg.BackfillConfig(), sources, c.adapter, store, c.onFatal)
	if err != nil {
		return nil, fmt.Errorf("failed to create syncer for %s: %w", cfg.Name, err)
	}
	return c, nil
}

// Chain returns the chain name.
func (c *ChainSync) Chain() string {
	return c.cfg.Name
}

// ChainID returns the chain id.
func (c *ChainSync) ChainID() domain.ChainID {
	return c.cfg.ChainID
}

// Intervals returns the committed coverage by source name.
func (c *ChainSync) Intervals() map[string][]interval.Interval {
	return c.syncer.Intervals()
}

// LastPass returns the outcome of the latest pass.
func (c *ChainSync) LastPass() health.PassStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// FailedRanges returns the number of journaled failed ranges.
func (c *ChainSync) FailedRanges(ctx context.Context) (int, error) {
	if c.failed == nil {
		return 0, nil
	}
	return c.failed.Count(ctx)
}

// Endpoints returns the scheduler's view of the providers.
func (c *ChainSync) Endpoints(ctx context.Context) ([]rpc.EndpointStats, error) {
	return c.client.Stats(ctx)
}

// StartBlock returns the lowest from_block of the chain's sources.
func (c *ChainSync) StartBlock() uint64 {
	var start uint64
	for i, src := range c.cfg.Sources {
		if i == 0 || src.FromBlock < start {
			start = src.FromBlock
		}
	}
	return start
}

// Head returns the newest block with the configured confirmations.
func (c *ChainSync) Head(ctx context.Context) (uint64, error) {
	return c.head.Safe(ctx)
}

// Run syncs [from, to] in passes of the configured size. A nil to syncs
// up to Head.
func (c *ChainSync) Run(ctx context.Context, from uint64, to *uint64) (*domain.Block, error) {
	var end uint64
	if to != nil {
		end = *to
	} else {
		head, err := c.Head(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve latest block: %w", err)
		}
		end = head
	}

	target, err := interval.New(from, end)
	if err != nil {
		return nil, err
	}
	passes, err := interval.Chunk(target, c.syncCfg.PassSize)
	if err != nil {
		return nil, err
	}

	c.log.Info("Starting sync", "interval", target.String(), "passes", len(passes))
	var latest *domain.Block
	for _, pass := range passes {
		block, err := c.Pass(ctx, pass)
		if err != nil {
			return latest, err
		}
		if block != nil {
			latest = block
		}
	}
	return latest, nil
}

// RetryFailed drains the failed-range journal, syncing each range again.
func (c *ChainSync) RetryFailed(ctx context.Context) (int, error) {
	if c.failed == nil {
		return 0, nil
	}

	n := 0
	for {
		iv, ok, err := c.failed.Pop(ctx)
		if err != nil || !ok {
			return n, err
		}
		c.log.Info("Retrying failed range", "interval", iv.String())
		if _, err := c.Pass(ctx, iv); err != nil {
			return n, err
		}
		n++
	}
}

// Pass runs a single sync pass over iv. Passes of one chain never overlap,
// within this process or, with Redis, across processes.
func (c *ChainSync) Pass(ctx context.Context, iv interval.Interval) (*domain.Block, error) {
	c.passMu.Lock()
	defer c.passMu.Unlock()

	if status := c.LastPass(); status.Killed {
		return nil, fmt.Errorf("%w: %v", ErrKilled, status.Err)
	}

	release, err := c.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	c.mu.Lock()
	c.current = iv
	c.mu.Unlock()

	start := time.Now()
	latest, err := c.syncer.Sync(ctx, iv)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status.Killed {
		// The sources that succeeded have been committed by now.
		c.syncer.Kill()
		return latest, fmt.Errorf("%w: %v", ErrKilled, c.status.Err)
	}
	if err != nil {
		c.status.Err = err
		return latest, fmt.Errorf("sync pass %s failed: %w", iv, err)
	}

	c.status.Err = nil
	c.status.At = time.Now()
	if latest != nil {
		c.status.LatestBlock = uint64(latest.Number)
	}
	c.log.Debug("Sync pass finished", "interval", iv.String(), "duration", time.Since(start))
	return latest, nil
}

// onFatal marks the chain killed after an unrecoverable source error and
// journals the range of the pass it happened in. The running pass finishes
// and commits the other sources; later passes are refused.
func (c *ChainSync) onFatal(err error) {
	c.mu.Lock()
	if c.status.Killed {
		c.mu.Unlock()
		return
	}
	c.status.Killed = true
	c.status.Err = err
	iv := c.current
	c.mu.Unlock()

	c.log.Error("Fatal sync error, stopping chain", "interval", iv.String(), "error", err)

	if c.failed != nil {
		ctx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		if err := c.failed.Add(ctx, iv); err != nil {
			c.log.Warn("Failed to journal failed range", "interval", iv.String(), "error", err)
		}
	}
}

// lock takes the cross-process pass lock and keeps it refreshed until the
// returned release is called.
func (c *ChainSync) lock(ctx context.Context) (func(), error) {
	if c.redis == nil {
		return func() {}, nil
	}

	ttl := c.syncCfg.LockTTL
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	lock, ok, err := c.redis.AcquirePassLock(ctx, c.cfg.Name, ttl)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrLocked
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(ttl / 3)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if err := lock.Refresh(ctx, ttl); err != nil {
					c.log.Warn("Failed to refresh pass lock", "error", err)
				}
			}
		}
	}()

	return func() {
		close(stop)
		<-done
		if err := lock.Release(context.Background()); err != nil {
			c.log.Warn("Failed to release pass lock", "error", err)
		}
	}, nil
}
