// Package backfill runs incremental historical sync passes for one network.
//
// # Design: Coverage Drives Everything
//
// Each Filter has a set of covered block intervals in storage. A pass over
// a target interval only fetches what Difference(target, coverage) leaves:
//   - log filters: eth_getLogs, chunked by a per-filter adaptive range
//   - block filters: every Nth block
//   - transfer and transaction filters: debug_traceBlockByNumber
//
// Data is written before coverage. A crash between the two re-syncs the same
// range on restart, and inserts are idempotent.
//
// # Usage
//
//	syncer, err := backfill.New(ctx, backfill.DefaultConfig(1), sources, adapter, store, onFatal)
//	latest, err := syncer.Sync(ctx, interval.Interval{Start: 100, End: 200})
package backfill

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/vietddude/chainsync/internal/core/domain"
	"github.com/vietddude/chainsync/internal/core/interval"
	"github.com/vietddude/chainsync/internal/indexing/filter"
	"github.com/vietddude/chainsync/internal/indexing/metrics"
	"github.com/vietddude/chainsync/internal/infra/chain"
	"github.com/vietddude/chainsync/internal/infra/storage"
)

var (
	// ErrInconsistentResponse is returned when two RPC responses disagree,
	// such as a log whose block hash differs from its block's hash.
	ErrInconsistentResponse = errors.New("inconsistent RPC response")

	errKilled = errors.New("sync killed")
)

// Config tunes a Syncer.
type Config struct {
	ChainID domain.ChainID

	// LogsRange seeds the eth_getLogs chunk size. 0 sends whole sub-ranges
	// until a provider rejects one.
	LogsRange uint64 `yaml:"logs_range"`

	// FactoryAddressCountThreshold caps the child addresses resolved per
	// factory. A log request with at least this many addresses is sent
	// without an address filter and filtered locally.
	FactoryAddressCountThreshold int `yaml:"factory_address_count_threshold"`

	// TraceConcurrency bounds concurrent debug_traceBlockByNumber calls per
	// sub-range.
	TraceConcurrency int `yaml:"trace_concurrency"`
}

// DefaultConfig returns defaults for chainID.
func DefaultConfig(chainID domain.ChainID) Config {
	return Config{
		ChainID:                      chainID,
		FactoryAddressCountThreshold: 1000,
		TraceConcurrency:             10,
	}
}

// addressBatchSize is the number of addresses per eth_getLogs request.
const addressBatchSize = 50

// Syncer performs backfill passes for the sources of one network.
// Passes must not overlap.
type Syncer struct {
	cfg     Config
	chain   string
	sources []*filter.Source
	adapter chain.Adapter
	store   storage.SyncStore
	onFatal func(error)
	log     *slog.Logger

	// intervals maps a filter ID to its committed coverage. The map is
	// replaced, never mutated, after each commit.
	intervalsMu sync.RWMutex
	intervals   map[string][]interval.Interval

	logsMu   sync.Mutex
	logsMeta map[string]*logsRequestMetadata

	factoryLocks sync.Map

	latestMu    sync.Mutex
	latestBlock *domain.Block

	killed atomic.Bool

	// Per-pass state
	cache   *blockCache
	txs     *hashSet
	pending *pendingIntervals
}

// New creates a Syncer and loads the coverage of every source and every
// factory the sources depend on.
func New(
	ctx context.Context,
	cfg Config,
	sources []*filter.Source,
	adapter chain.Adapter,
	store storage.SyncStore,
	onFatalError func(error),
) (*Syncer, error) {
	d := DefaultConfig(cfg.ChainID)
	if cfg.FactoryAddressCountThreshold <= 0 {
		cfg.FactoryAddressCountThreshold = d.FactoryAddressCountThreshold
	}
	if cfg.TraceConcurrency <= 0 {
		cfg.TraceConcurrency = d.TraceConcurrency
	}
	if onFatalError == nil {
		onFatalError = func(error) {}
	}

	chainName, _ := domain.ChainNameFromID(cfg.ChainID)
	s := &Syncer{
		cfg:       cfg,
		chain:     chainName,
		sources:   sources,
		adapter:   adapter,
		store:     store,
		onFatal:   onFatalError,
		log:       slog.Default().With("chain", chainName),
		intervals: make(map[string][]interval.Interval),
		logsMeta:  make(map[string]*logsRequestMetadata),
	}

	for _, src := range sources {
		if src.Filter.Chain() != cfg.ChainID {
			return nil, fmt.Errorf("source %s is on chain %d, syncer is on %d", src.Name, src.Filter.Chain(), cfg.ChainID)
		}
		if err := filter.Validate(src.Filter); err != nil {
			return nil, fmt.Errorf("source %s: %w", src.Name, err)
		}

		filters := []filter.Filter{src.Filter}
		for _, f := range filter.Dependencies(src.Filter) {
			filters = append(filters, f)
		}
		for _, f := range filters {
			if _, ok := s.intervals[f.ID()]; ok {
				continue
			}
			ivs, err := store.GetIntervals(ctx, f)
			if err != nil {
				return nil, fmt.Errorf("failed to load intervals for %s: %w", src.Name, err)
			}
			s.intervals[f.ID()] = ivs
		}
	}

	return s, nil
}

// Kill stops the current pass from scheduling more work and from
// committing. In-flight RPC calls finish.
func (s *Syncer) Kill() {
	s.killed.Store(true)
}

// Intervals returns the committed coverage of each source, by source name.
func (s *Syncer) Intervals() map[string][]interval.Interval {
	s.intervalsMu.RLock()
	defer s.intervalsMu.RUnlock()

	out := make(map[string][]interval.Interval, len(s.sources))
	for _, src := range s.sources {
		out[src.Name] = slices.Clone(s.intervals[src.Filter.ID()])
	}
	return out
}

func (s *Syncer) covered(f filter.Filter) []interval.Interval {
	s.intervalsMu.RLock()
	defer s.intervalsMu.RUnlock()
	return s.intervals[f.ID()]
}

// Sync runs one pass over target and returns the block closest to the tip
// reached so far, or nil if nothing has been synced. Errors raised while
// syncing a source go to the fatal-error callback; the returned error is
// for storage failures while flushing or committing.
func (s *Syncer) Sync(ctx context.Context, target interval.Interval) (*domain.Block, error) {
	if err := target.Validate(); err != nil {
		return nil, err
	}

	runID := uuid.NewString()
	log := s.log.With("run_id", runID, "interval", target.String())
	start := time.Now()

	s.cache = newBlockCache(ctx, s.adapter.GetBlockByNumber)
	s.txs = newHashSet()
	s.pending = newPendingIntervals()
	defer func() {
		s.cache, s.txs, s.pending = nil, nil, nil
	}()

	log.Debug("Starting sync pass", "sources", len(s.sources))

	var g errgroup.Group
	for _, src := range s.sources {
		g.Go(func() error {
			err := s.syncSource(ctx, src, target)
			switch {
			case err == nil, errors.Is(err, errKilled):
			case ctx.Err() != nil:
				log.Debug("Source interrupted", "source", src.Name, "error", err)
			default:
				log.Error("Source sync failed", "source", src.Name, "error", err)
				metrics.SourceFailures.WithLabelValues(s.chain, src.Name).Inc()
				s.onFatal(fmt.Errorf("source %s: %w", src.Name, err))
			}
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return s.latest(), err
	}
	if s.killed.Load() {
		log.Info("Sync pass killed, skipping commit")
		return s.latest(), nil
	}

	if err := s.flush(ctx); err != nil {
		return s.latest(), err
	}
	if err := s.commit(ctx); err != nil {
		return s.latest(), err
	}

	latest := s.latest()
	metrics.SyncPassDuration.WithLabelValues(s.chain).Observe(time.Since(start).Seconds())
	if latest != nil {
		metrics.LatestSyncedBlock.WithLabelValues(s.chain).Set(float64(latest.Number))
	}
	log.Info("Sync pass completed", "duration", time.Since(start))
	return latest, nil
}

// syncSource extracts the uncovered part of target for one source.
func (s *Syncer) syncSource(ctx context.Context, src *filter.Source, target interval.Interval) error {
	clipped, ok := filter.Clip(src.Filter, target)
	if !ok {
		return nil
	}

	required, err := interval.Difference([]interval.Interval{clipped}, s.covered(src.Filter))
	if err != nil {
		return err
	}
	if len(required) == 0 {
		return nil
	}
	if s.killed.Load() {
		return errKilled
	}

	closing := s.cache.start(clipped.End)

	g, gctx := errgroup.WithContext(ctx)
	for _, iv := range required {
		g.Go(func() error {
			return s.syncInterval(gctx, src.Filter, iv)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	block, err := closing.wait(ctx)
	if err != nil {
		return err
	}
	if s.killed.Load() {
		return errKilled
	}

	s.pending.add(src.Filter, required...)
	s.observe(block)
	metrics.BlocksSynced.WithLabelValues(s.chain, src.Name).Add(float64(interval.Sum(required)))
	s.log.Debug("Source synced", "source", src.Name, "required", len(required), "blocks", interval.Sum(required))
	return nil
}

func (s *Syncer) syncInterval(ctx context.Context, f filter.Filter, iv interval.Interval) error {
	switch f := f.(type) {
	case *filter.LogFilter:
		return s.syncLogFilter(ctx, f, iv)
	case *filter.BlockFilter:
		return s.syncBlockFilter(ctx, f, iv)
	case filter.TraceFilter:
		return s.syncTraceFilter(ctx, f, iv)
	}
	return fmt.Errorf("%w: unsupported filter kind %s", filter.ErrInvalidFilter, f.Kind())
}

func (s *Syncer) syncBlockFilter(ctx context.Context, f *filter.BlockFilter, iv interval.Interval) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, n := range f.Blocks(iv) {
		if s.killed.Load() {
			break
		}
		g.Go(func() error {
			_, err := s.cache.get(gctx, n)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if s.killed.Load() {
		return errKilled
	}
	return nil
}

// flush persists the blocks of the pass, then the transactions marked as
// wanted.
func (s *Syncer) flush(ctx context.Context) error {
	blocks := s.cache.blocks()

	var txs []*domain.Transaction
	for _, b := range blocks {
		for _, tx := range b.Transactions {
			if s.txs.has(tx.Hash) {
				txs = append(txs, tx)
			}
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if len(blocks) == 0 {
			return nil
		}
		return s.store.InsertBlocks(gctx, blocks, s.cfg.ChainID)
	})
	g.Go(func() error {
		if len(txs) == 0 {
			return nil
		}
		return s.store.InsertTransactions(gctx, txs, s.cfg.ChainID)
	})
	if err := g.Wait(); err != nil {
		return fmt.Errorf("failed to flush pass data: %w", err)
	}
	return nil
}

// commit records the coverage gained in the pass and advances the cache.
func (s *Syncer) commit(ctx context.Context) error {
	updates := s.pending.drain()
	if len(updates) == 0 {
		return nil
	}

	next := make(map[string][]interval.Interval, len(updates))
	for id, p := range updates {
		for _, iv := range p.intervals {
			if err := s.store.InsertInterval(ctx, p.filter, iv); err != nil {
				return fmt.Errorf("failed to commit interval %s: %w", iv, err)
			}
		}
		merged, err := interval.Union(s.covered(p.filter), p.intervals)
		if err != nil {
			return err
		}
		next[id] = merged
	}

	s.intervalsMu.Lock()
	updated := maps.Clone(s.intervals)
	maps.Copy(updated, next)
	s.intervals = updated
	s.intervalsMu.Unlock()
	return nil
}

func (s *Syncer) observe(block *domain.Block) {
	if block == nil {
		return
	}
	s.latestMu.Lock()
	defer s.latestMu.Unlock()
	if s.latestBlock == nil || block.Number > s.latestBlock.Number {
		s.latestBlock = block
	}
}

func (s *Syncer) latest() *domain.Block {
	s.latestMu.Lock()
	defer s.latestMu.Unlock()
	return s.latestBlock
}

type pendingFilter struct {
	filter    filter.Filter
	intervals []interval.Interval
}

// pendingIntervals is the coverage gained in the current pass, by filter ID.
type pendingIntervals struct {
	mu      sync.Mutex
	filters map[string]*pendingFilter
}

func newPendingIntervals() *pendingIntervals {
	return &pendingIntervals{filters: make(map[string]*pendingFilter)}
}

func (p *pendingIntervals) add(f filter.Filter, ivs ...interval.Interval) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pf, ok := p.filters[f.ID()]
	if !ok {
		pf = &pendingFilter{filter: f}
		p.filters[f.ID()] = pf
	}
	pf.intervals = append(pf.intervals, ivs...)
}

func (p *pendingIntervals) get(f filter.Filter) []interval.Interval {
	p.mu.Lock()
	defer p.mu.Unlock()
	if pf, ok := p.filters[f.ID()]; ok {
		return slices.Clone(pf.intervals)
	}
	return nil
}

func (p *pendingIntervals) drain() map[string]*pendingFilter {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.filters
	p.filters = make(map[string]*pendingFilter)
	return out
}
