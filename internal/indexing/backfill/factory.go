package backfill

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/vietddude/chainsync/internal/core/domain"
	"github.com/vietddude/chainsync/internal/core/interval"
	"github.com/vietddude/chainsync/internal/indexing/filter"
)

// resolveAddress turns an address value into the concrete addresses to
// query for iv. Nil means any address. Factories are synced over iv first,
// then their children are read back from storage. A factory with at least
// FactoryAddressCountThreshold children resolves to any address, since the
// child list read back is capped at the threshold.
func (s *Syncer) resolveAddress(ctx context.Context, value filter.AddressValue, iv interval.Interval) ([]string, error) {
	if value == nil {
		return nil, nil
	}
	if !filter.IsFactory(value) {
		return filter.Concrete(value), nil
	}

	set := filter.NewAddressSet()
	for _, factory := range filter.Factories(value) {
		children, err := s.syncFactory(ctx, factory, iv)
		if err != nil {
			return nil, err
		}
		if len(children) >= s.cfg.FactoryAddressCountThreshold {
			s.log.Debug("Factory over address threshold, querying any address",
				"factory", factory.ID(), "children", len(children))
			return nil, nil
		}
		set.AddBatch(children)
	}
	// Addresses() is nil for an empty set, and an empty result must stay
	// distinguishable from "any address".
	return append([]string{}, set.Addresses()...), nil
}

// syncFactory fetches the creation logs of factory in the parts of iv it
// has not covered yet, then returns up to the threshold of its children.
func (s *Syncer) syncFactory(ctx context.Context, factory *filter.Factory, iv interval.Interval) ([]string, error) {
	mu := s.factoryLock(factory)
	mu.Lock()
	defer mu.Unlock()

	covered, err := interval.Union(s.covered(factory), s.pending.get(factory))
	if err != nil {
		return nil, err
	}
	required, err := interval.Difference([]interval.Interval{iv}, covered)
	if err != nil {
		return nil, err
	}

	seeds := filter.Concrete(factory.Address)
	for _, piece := range required {
		if s.killed.Load() {
			return nil, errKilled
		}

		logs, err := s.getLogs(ctx, factory, seeds, factory.Topics(), piece)
		if err != nil {
			return nil, err
		}

		rows := make([]domain.LogWithBlock, len(logs))
		for i, l := range logs {
			if _, err := filter.ChildAddress(l, factory); err != nil {
				return nil, fmt.Errorf("factory log %d of block %d: %w", l.LogIndex, l.BlockNumber, err)
			}
			rows[i] = domain.LogWithBlock{Log: l}
		}
		if len(rows) > 0 {
			if err := s.store.InsertLogs(ctx, rows, false, s.cfg.ChainID); err != nil {
				return nil, fmt.Errorf("failed to insert factory logs: %w", err)
			}
		}
		s.pending.add(factory, piece)
	}

	children, err := s.store.GetChildAddresses(ctx, factory, s.cfg.FactoryAddressCountThreshold)
	if err != nil {
		return nil, fmt.Errorf("failed to get child addresses: %w", err)
	}
	return slices.Clone(children), nil
}

// factoryLock serializes resolution of one factory so that sources sharing
// it within a pass fetch each range once.
func (s *Syncer) factoryLock(f *filter.Factory) *sync.Mutex {
	mu, _ := s.factoryLocks.LoadOrStore(f.ID(), &sync.Mutex{})
	return mu.(*sync.Mutex)
}
