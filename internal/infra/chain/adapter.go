package chain

import (
	"context"

	"github.com/vietddude/chainsync/internal/core/domain"
	"github.com/vietddude/chainsync/internal/infra/chain/evm"
)

// Adapter defines the chain-level RPC primitives the backfill consumes.
// Results are normalized: addresses and hashes are lowercase.
type Adapter interface {
	// ChainID returns the chain identifier
	ChainID() domain.ChainID

	// BlockNumber returns the current head of the chain
	BlockNumber(ctx context.Context) (uint64, error)

	// GetBlockByNumber fetches a block with full transactions
	GetBlockByNumber(ctx context.Context, number uint64) (*domain.Block, error)

	// GetBlockByHash fetches a block with full transactions
	GetBlockByHash(ctx context.Context, hash string) (*domain.Block, error)

	// GetLogs runs eth_getLogs over a block range or a single block hash
	GetLogs(ctx context.Context, q evm.LogsQuery) ([]*domain.Log, error)

	// GetTransactionReceipt fetches the receipt of a mined transaction
	GetTransactionReceipt(ctx context.Context, hash string) (*domain.TransactionReceipt, error)

	// TraceBlockByNumber returns the call trace of every transaction in a block
	TraceBlockByNumber(ctx context.Context, number uint64) ([]*domain.Trace, error)
}

var _ Adapter = (*evm.Adapter)(nil)
