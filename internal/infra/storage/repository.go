package storage

import (
	"context"
	"errors"

	"github.com/vietddude/chainsync/internal/core/domain"
	"github.com/vietddude/chainsync/internal/core/interval"
	"github.com/vietddude/chainsync/internal/indexing/filter"
)

var (
	// ErrChainMismatch is returned when a record is inserted under a chain
	// other than the one it was fetched from
	ErrChainMismatch = errors.New("chain mismatch")
)

// SyncStore persists raw chain data and per-filter coverage.
//
// Inserts are idempotent: re-inserting a record with the same identity is a
// no-op. Coverage written by InsertInterval is merged with what is already
// stored for the filter.
type SyncStore interface {
	// GetIntervals returns the merged coverage of a filter, sorted
	GetIntervals(ctx context.Context, f filter.Filter) ([]interval.Interval, error)

	// InsertLogs stores logs with their blocks. When shouldUpdateCheckpoint
	// is set, each log also gets its encoded checkpoint.
	InsertLogs(ctx context.Context, logs []domain.LogWithBlock, shouldUpdateCheckpoint bool, chainID domain.ChainID) error

	// InsertBlocks stores block headers
	InsertBlocks(ctx context.Context, blocks []*domain.Block, chainID domain.ChainID) error

	// InsertTransactions stores transactions
	InsertTransactions(ctx context.Context, txs []*domain.Transaction, chainID domain.ChainID) error

	// InsertTransactionReceipts stores receipts
	InsertTransactionReceipts(ctx context.Context, receipts []*domain.TransactionReceipt, chainID domain.ChainID) error

	// InsertTraces stores matched call frames
	InsertTraces(ctx context.Context, traces []domain.TraceRecord, chainID domain.ChainID) error

	// InsertInterval records iv as covered for f
	InsertInterval(ctx context.Context, f filter.Filter, iv interval.Interval) error

	// GetChildAddresses returns up to limit distinct child addresses created
	// by the factory, from the logs stored so far. A limit <= 0 means no limit.
	GetChildAddresses(ctx context.Context, factory *filter.Factory, limit int) ([]string, error)
}
