package memory

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/vietddude/chainsync/internal/core/domain"
	"github.com/vietddude/chainsync/internal/core/interval"
	"github.com/vietddude/chainsync/internal/indexing/filter"
	"github.com/vietddude/chainsync/internal/infra/storage"
)

// StoredLog is a log as kept by the store.
type StoredLog struct {
	ChainID    domain.ChainID
	Log        *domain.Log
	Checkpoint string
}

// StoredTrace is a trace record as kept by the store.
type StoredTrace struct {
	ChainID domain.ChainID
	domain.TraceRecord
}

// MemoryStorage implements storage.SyncStore in process memory.
type MemoryStorage struct {
	logs      map[string]*StoredLog
	blocks    map[string]*domain.Block
	txs       map[string]*domain.Transaction
	receipts  map[string]*domain.TransactionReceipt
	traces    map[string]*StoredTrace
	intervals map[string][]interval.Interval
	mu        sync.RWMutex
}

var _ storage.SyncStore = (*MemoryStorage)(nil)

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		logs:      make(map[string]*StoredLog),
		blocks:    make(map[string]*domain.Block),
		txs:       make(map[string]*domain.Transaction),
		receipts:  make(map[string]*domain.TransactionReceipt),
		traces:    make(map[string]*StoredTrace),
		intervals: make(map[string][]interval.Interval),
	}
}

func key(chainID domain.ChainID, parts ...any) string {
	var sb strings.Builder
	sb.WriteString(chainID.String())
	for _, p := range parts {
		fmt.Fprintf(&sb, ":%v", p)
	}
	return sb.String()
}

// -----------------------------------------------------------------------------
// Coverage
// -----------------------------------------------------------------------------

func (s *MemoryStorage) GetIntervals(ctx context.Context, f filter.Filter) ([]interval.Interval, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.intervals[f.ID()]), nil
}

func (s *MemoryStorage) InsertInterval(ctx context.Context, f filter.Filter, iv interval.Interval) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	merged, err := interval.Union(s.intervals[f.ID()], []interval.Interval{iv})
	if err != nil {
		return err
	}
	s.intervals[f.ID()] = merged
	return nil
}

// -----------------------------------------------------------------------------
// Records
// -----------------------------------------------------------------------------

func (s *MemoryStorage) InsertLogs(
	ctx context.Context,
	logs []domain.LogWithBlock,
	shouldUpdateCheckpoint bool,
	chainID domain.ChainID,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, lb := range logs {
		k := key(chainID, lb.Log.BlockHash, uint64(lb.Log.LogIndex))
		stored, ok := s.logs[k]
		if !ok {
			stored = &StoredLog{ChainID: chainID, Log: lb.Log}
			s.logs[k] = stored
		}
		if shouldUpdateCheckpoint && lb.Block != nil {
			stored.Checkpoint = domain.LogCheckpoint(chainID, lb.Block, lb.Log)
		}
	}
	return nil
}

func (s *MemoryStorage) InsertBlocks(ctx context.Context, blocks []*domain.Block, chainID domain.ChainID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range blocks {
		s.blocks[key(chainID, uint64(b.Number))] = b
	}
	return nil
}

func (s *MemoryStorage) InsertTransactions(ctx context.Context, txs []*domain.Transaction, chainID domain.ChainID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, tx := range txs {
		s.txs[key(chainID, tx.Hash)] = tx
	}
	return nil
}

func (s *MemoryStorage) InsertTransactionReceipts(
	ctx context.Context,
	receipts []*domain.TransactionReceipt,
	chainID domain.ChainID,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range receipts {
		s.receipts[key(chainID, r.TransactionHash)] = r
	}
	return nil
}

func (s *MemoryStorage) InsertTraces(ctx context.Context, traces []domain.TraceRecord, chainID domain.ChainID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range traces {
		s.traces[key(chainID, t.TransactionHash, t.Index)] = &StoredTrace{ChainID: chainID, TraceRecord: t}
	}
	return nil
}

// GetChildAddresses scans stored logs in chain order.
func (s *MemoryStorage) GetChildAddresses(ctx context.Context, factory *filter.Factory, limit int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var seeds *filter.AddressSet
	if addrs := filter.Concrete(factory.Address); addrs != nil {
		seeds = filter.NewAddressSet(addrs...)
	}
	selector := strings.ToLower(factory.EventSelector)

	var matched []*domain.Log
	for _, stored := range s.logs {
		l := stored.Log
		if stored.ChainID != factory.ChainID || l.Topic(0) != selector || !seeds.Matches(l.Address) {
			continue
		}
		matched = append(matched, l)
	}
	slices.SortFunc(matched, func(a, b *domain.Log) int {
		if c := cmp.Compare(a.BlockNumber, b.BlockNumber); c != 0 {
			return c
		}
		return cmp.Compare(a.LogIndex, b.LogIndex)
	})

	seen := make(map[string]struct{})
	var children []string
	for _, l := range matched {
		child, err := filter.ChildAddress(l, factory)
		if err != nil {
			return nil, err
		}
		if _, ok := seen[child]; ok {
			continue
		}
		seen[child] = struct{}{}
		children = append(children, child)
		if limit > 0 && len(children) >= limit {
			break
		}
	}
	return children, nil
}

// -----------------------------------------------------------------------------
// Inspection
// -----------------------------------------------------------------------------

// Logs returns every stored log ordered by block and log index.
func (s *MemoryStorage) Logs() []*StoredLog {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*StoredLog, 0, len(s.logs))
	for _, l := range s.logs {
		out = append(out, l)
	}
	slices.SortFunc(out, func(a, b *StoredLog) int {
		if c := cmp.Compare(a.Log.BlockNumber, b.Log.BlockNumber); c != 0 {
			return c
		}
		return cmp.Compare(a.Log.LogIndex, b.Log.LogIndex)
	})
	return out
}

// Block returns a stored block.
func (s *MemoryStorage) Block(chainID domain.ChainID, number uint64) (*domain.Block, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.blocks[key(chainID, number)]
	return b, ok
}

// BlockCount returns the number of stored blocks.
func (s *MemoryStorage) BlockCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blocks)
}

// Transaction returns a stored transaction.
func (s *MemoryStorage) Transaction(chainID domain.ChainID, hash string) (*domain.Transaction, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tx, ok := s.txs[key(chainID, hash)]
	return tx, ok
}

// TransactionCount returns the number of stored transactions.
func (s *MemoryStorage) TransactionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.txs)
}

// Receipt returns a stored receipt.
func (s *MemoryStorage) Receipt(chainID domain.ChainID, hash string) (*domain.TransactionReceipt, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.receipts[key(chainID, hash)]
	return r, ok
}

// Traces returns every stored trace ordered by transaction and index.
func (s *MemoryStorage) Traces() []*StoredTrace {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*StoredTrace, 0, len(s.traces))
	for _, t := range s.traces {
		out = append(out, t)
	}
	slices.SortFunc(out, func(a, b *StoredTrace) int {
		if c := cmp.Compare(a.TransactionHash, b.TransactionHash); c != 0 {
			return c
		}
		return cmp.Compare(a.Index, b.Index)
	})
	return out
}
