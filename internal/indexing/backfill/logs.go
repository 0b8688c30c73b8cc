package backfill

import (
	"cmp"
	"context"
	"fmt"
	"maps"
	"math"
	"slices"

	"golang.org/x/sync/errgroup"

	"github.com/vietddude/chainsync/internal/core/domain"
	"github.com/vietddude/chainsync/internal/core/interval"
	"github.com/vietddude/chainsync/internal/indexing/filter"
	"github.com/vietddude/chainsync/internal/indexing/metrics"
	"github.com/vietddude/chainsync/internal/infra/chain/evm"
)

// logsRequestMetadata sizes the eth_getLogs chunks of one filter.
type logsRequestMetadata struct {
	// estimatedRange is the current guess, 0 meaning unchunked.
	estimatedRange uint64
	// confirmedRange is the limit a provider stated, 0 until known.
	confirmedRange uint64
}

func (m *logsRequestMetadata) chunkSize() uint64 {
	if m.confirmedRange > 0 {
		return m.confirmedRange
	}
	return m.estimatedRange
}

func (s *Syncer) logsMetadata(f filter.Filter) *logsRequestMetadata {
	s.logsMu.Lock()
	defer s.logsMu.Unlock()
	m, ok := s.logsMeta[f.ID()]
	if !ok {
		m = &logsRequestMetadata{estimatedRange: s.cfg.LogsRange}
		s.logsMeta[f.ID()] = m
	}
	return m
}

func (s *Syncer) logsChunkSize(f filter.Filter) uint64 {
	m := s.logsMetadata(f)
	s.logsMu.Lock()
	defer s.logsMu.Unlock()
	return m.chunkSize()
}

func (s *Syncer) growLogsRange(f filter.Filter) {
	m := s.logsMetadata(f)
	s.logsMu.Lock()
	defer s.logsMu.Unlock()
	if m.confirmedRange == 0 && m.estimatedRange > 0 {
		m.estimatedRange = uint64(math.Round(float64(m.estimatedRange) * 1.05))
	}
}

func (s *Syncer) shrinkLogsRange(f filter.Filter, rangeErr *evm.RangeTooLargeError) {
	m := s.logsMetadata(f)
	s.logsMu.Lock()
	defer s.logsMu.Unlock()
	if rangeErr.Suggested {
		m.confirmedRange = rangeErr.Size
	}
	m.estimatedRange = rangeErr.Size
}

// getLogs fetches the logs of f in iv. address nil means any emitter, an
// empty non-nil slice means none. A list of at least the factory threshold
// is queried without an address filter and matched locally, so it must be
// complete.
func (s *Syncer) getLogs(
	ctx context.Context,
	f filter.Filter,
	address []string,
	topics []filter.Topic,
	iv interval.Interval,
) ([]*domain.Log, error) {
	switch {
	case address == nil:
		return s.getLogsChunked(ctx, f, nil, topics, iv)
	case len(address) == 0:
		return nil, nil
	case len(address) >= s.cfg.FactoryAddressCountThreshold:
		logs, err := s.getLogsChunked(ctx, f, nil, topics, iv)
		if err != nil {
			return nil, err
		}
		set := filter.NewAddressSet(address...)
		return slices.DeleteFunc(logs, func(l *domain.Log) bool { return !set.Contains(l.Address) }), nil
	}

	batches := slices.Collect(slices.Chunk(address, addressBatchSize))
	results := make([][]*domain.Log, len(batches))
	g, gctx := errgroup.WithContext(ctx)
	for i, batch := range batches {
		g.Go(func() error {
			logs, err := s.getLogsChunked(gctx, f, batch, topics, iv)
			results[i] = logs
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return sortLogs(slices.Concat(results...)), nil
}

func (s *Syncer) getLogsChunked(
	ctx context.Context,
	f filter.Filter,
	address []string,
	topics []filter.Topic,
	iv interval.Interval,
) ([]*domain.Log, error) {
	chunks, err := interval.Chunk(iv, s.logsChunkSize(f))
	if err != nil {
		return nil, err
	}

	results := make([][]*domain.Log, len(chunks))
	g, gctx := errgroup.WithContext(ctx)
	for i, chunk := range chunks {
		g.Go(func() error {
			logs, err := s.getLogsDynamic(gctx, f, address, topics, chunk)
			results[i] = logs
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return sortLogs(slices.Concat(results...)), nil
}

// getLogsDynamic requests one chunk and splits it further when a provider
// rejects the range.
func (s *Syncer) getLogsDynamic(
	ctx context.Context,
	f filter.Filter,
	address []string,
	topics []filter.Topic,
	iv interval.Interval,
) ([]*domain.Log, error) {
	logs, err := s.adapter.GetLogs(ctx, evm.LogsQuery{
		Address:   address,
		Topics:    topics,
		FromBlock: iv.Start,
		ToBlock:   iv.End,
	})
	if err == nil {
		s.growLogsRange(f)
		return logs, nil
	}

	rangeErr, ok := evm.ParseLogsRangeError(err, iv.Start, iv.End)
	if !ok {
		return nil, err
	}

	metrics.GetLogsRangeRetries.WithLabelValues(s.chain).Inc()
	s.log.Debug("Retrying eth_getLogs with a smaller range",
		"interval", iv.String(),
		"size", rangeErr.Size,
		"suggested", rangeErr.Suggested,
	)
	s.shrinkLogsRange(f, rangeErr)

	chunks, err := interval.Chunk(iv, rangeErr.Size)
	if err != nil {
		return nil, err
	}
	results := make([][]*domain.Log, len(chunks))
	g, gctx := errgroup.WithContext(ctx)
	for i, chunk := range chunks {
		g.Go(func() error {
			logs, err := s.getLogsDynamic(gctx, f, address, topics, chunk)
			results[i] = logs
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return slices.Concat(results...), nil
}

// syncLogFilter fetches matching logs with their blocks and, if asked,
// their receipts. Logs and receipts are written straight away; blocks and
// transactions wait for the end-of-pass flush.
func (s *Syncer) syncLogFilter(ctx context.Context, f *filter.LogFilter, iv interval.Interval) error {
	address, err := s.resolveAddress(ctx, f.Address, iv)
	if err != nil {
		return err
	}
	if s.killed.Load() {
		return errKilled
	}

	logs, err := s.getLogs(ctx, f, address, f.Topics, iv)
	if err != nil {
		return err
	}
	if s.killed.Load() {
		return errKilled
	}
	if len(logs) == 0 {
		return nil
	}

	blocks, err := s.fetchLogBlocks(ctx, logs)
	if err != nil {
		return err
	}

	withBlocks := make([]domain.LogWithBlock, len(logs))
	txHashes := make([]string, 0, len(logs))
	for i, l := range logs {
		block := blocks[uint64(l.BlockNumber)]
		if err := validateLog(l, block); err != nil {
			return err
		}
		withBlocks[i] = domain.LogWithBlock{Log: l, Block: block}
		txHashes = append(txHashes, l.TransactionHash)
	}

	if s.killed.Load() {
		return errKilled
	}
	if err := s.store.InsertLogs(ctx, withBlocks, true, s.cfg.ChainID); err != nil {
		return fmt.Errorf("failed to insert logs: %w", err)
	}
	s.txs.add(txHashes...)

	if f.IncludeTransactionReceipts {
		return s.syncReceipts(ctx, withBlocks)
	}
	return nil
}

// fetchLogBlocks fetches the distinct blocks the logs belong to.
func (s *Syncer) fetchLogBlocks(ctx context.Context, logs []*domain.Log) (map[uint64]*domain.Block, error) {
	numbers := make([]uint64, 0, len(logs))
	for _, l := range logs {
		numbers = append(numbers, uint64(l.BlockNumber))
	}
	slices.Sort(numbers)
	numbers = slices.Compact(numbers)

	blocks := make([]*domain.Block, len(numbers))
	g, gctx := errgroup.WithContext(ctx)
	for i, n := range numbers {
		g.Go(func() error {
			b, err := s.cache.get(gctx, n)
			blocks[i] = b
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make(map[uint64]*domain.Block, len(numbers))
	for i, n := range numbers {
		out[n] = blocks[i]
	}
	return out, nil
}

func validateLog(l *domain.Log, block *domain.Block) error {
	if l.BlockHash != block.Hash {
		return fmt.Errorf("%w: log %d of block %d has block hash %s, block has %s",
			ErrInconsistentResponse, l.LogIndex, l.BlockNumber, l.BlockHash, block.Hash)
	}
	if !block.HasTransaction(l.TransactionHash) {
		return fmt.Errorf("%w: log %d of block %d refers to transaction %s, which is not in the block",
			ErrInconsistentResponse, l.LogIndex, l.BlockNumber, l.TransactionHash)
	}
	return nil
}

// syncReceipts fetches one receipt per distinct transaction of the logs.
func (s *Syncer) syncReceipts(ctx context.Context, logs []domain.LogWithBlock) error {
	byHash := make(map[string]*domain.Block)
	for _, lb := range logs {
		byHash[lb.Log.TransactionHash] = lb.Block
	}
	hashes := slices.Sorted(maps.Keys(byHash))

	receipts := make([]*domain.TransactionReceipt, len(hashes))
	g, gctx := errgroup.WithContext(ctx)
	for i, hash := range hashes {
		g.Go(func() error {
			r, err := s.adapter.GetTransactionReceipt(gctx, hash)
			if err != nil {
				return err
			}
			block := byHash[hash]
			if r.BlockHash != block.Hash || r.TransactionHash != hash {
				return fmt.Errorf("%w: receipt of %s has block hash %s, block has %s",
					ErrInconsistentResponse, hash, r.BlockHash, block.Hash)
			}
			receipts[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if s.killed.Load() {
		return errKilled
	}
	if err := s.store.InsertTransactionReceipts(ctx, receipts, s.cfg.ChainID); err != nil {
		return fmt.Errorf("failed to insert transaction receipts: %w", err)
	}
	return nil
}

func sortLogs(logs []*domain.Log) []*domain.Log {
	slices.SortFunc(logs, func(a, b *domain.Log) int {
		if c := cmp.Compare(a.BlockNumber, b.BlockNumber); c != 0 {
			return c
		}
		return cmp.Compare(a.LogIndex, b.LogIndex)
	})
	return logs
}
