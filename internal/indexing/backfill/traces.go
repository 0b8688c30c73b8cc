package backfill

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/vietddude/chainsync/internal/core/domain"
	"github.com/vietddude/chainsync/internal/core/interval"
	"github.com/vietddude/chainsync/internal/indexing/filter"
)

// syncTraceFilter traces every block of iv and keeps the frames f matches.
func (s *Syncer) syncTraceFilter(ctx context.Context, f filter.TraceFilter, iv interval.Interval) error {
	fromValue, toValue := f.AddressFields()
	from, err := s.resolveAddressSet(ctx, fromValue, iv)
	if err != nil {
		return err
	}
	to, err := s.resolveAddressSet(ctx, toValue, iv)
	if err != nil {
		return err
	}
	// An empty resolved set can match no frame.
	if (from != nil && from.Size() == 0) || (to != nil && to.Size() == 0) {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.TraceConcurrency)
	for n := iv.Start; n >= iv.Start && n <= iv.End; n++ {
		if s.killed.Load() {
			break
		}
		g.Go(func() error {
			return s.syncBlockTraces(gctx, f, n, from, to)
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

func (s *Syncer) resolveAddressSet(ctx context.Context, value filter.AddressValue, iv interval.Interval) (*filter.AddressSet, error) {
	addrs, err := s.resolveAddress(ctx, value, iv)
	if err != nil || addrs == nil {
		return nil, err
	}
	return filter.NewAddressSet(addrs...), nil
}

func (s *Syncer) syncBlockTraces(ctx context.Context, f filter.TraceFilter, number uint64, from, to *filter.AddressSet) error {
	traces, err := s.adapter.TraceBlockByNumber(ctx, number)
	if err != nil {
		return err
	}

	var records []domain.TraceRecord
	for _, trace := range traces {
		records = append(records, matchTrace(f, trace, from, to)...)
	}
	if len(records) == 0 {
		return nil
	}

	block, err := s.cache.get(ctx, number)
	if err != nil {
		return err
	}

	hashes := make([]string, 0, len(records))
	for i := range records {
		if !block.HasTransaction(records[i].TransactionHash) {
			return fmt.Errorf("%w: trace of block %d refers to transaction %s, which is not in the block",
				ErrInconsistentResponse, number, records[i].TransactionHash)
		}
		records[i].Block = block
		hashes = append(hashes, records[i].TransactionHash)
	}

	if s.killed.Load() {
		return errKilled
	}
	if err := s.store.InsertTraces(ctx, records, s.cfg.ChainID); err != nil {
		return fmt.Errorf("failed to insert traces: %w", err)
	}
	s.txs.add(hashes...)
	return nil
}

// matchTrace walks the call tree of one transaction depth first. Index is
// the pre-order position of the frame, so it is stable across runs.
func matchTrace(f filter.TraceFilter, trace *domain.Trace, from, to *filter.AddressSet) []domain.TraceRecord {
	if trace == nil || trace.Result == nil {
		return nil
	}

	var (
		records []domain.TraceRecord
		index   int
	)
	var walk func(frame *domain.CallFrame, depth int)
	walk = func(frame *domain.CallFrame, depth int) {
		position := index
		index++
		if f.MatchTrace(frame, depth, from, to) {
			flat := *frame
			flat.Calls = nil
			records = append(records, domain.TraceRecord{
				Frame:           flat,
				TransactionHash: trace.TxHash,
				Index:           position,
				Subcalls:        len(frame.Calls),
			})
		}
		for _, child := range frame.Calls {
			walk(child, depth+1)
		}
	}
	walk(trace.Result, 0)
	return records
}
