// Package evm implements the EVM JSON-RPC primitives the backfill needs.
//
// Every record returned by the Adapter has its addresses and hashes
// lowercased so that equality checks across responses are byte-wise.
package evm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	logger "log/slog"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/vietddude/chainsync/internal/core/domain"
	"github.com/vietddude/chainsync/internal/indexing/filter"
)

// ErrNotFound is returned when a block or receipt does not exist.
var ErrNotFound = errors.New("not found")

// NotFoundError reports which object was missing.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// Requester issues one JSON-RPC call and returns the raw result.
type Requester interface {
	Request(ctx context.Context, method string, params ...any) (json.RawMessage, error)
}

// LogsQuery is the eth_getLogs filter object. Either BlockHash or the block
// range is used. A nil Address matches every emitter.
type LogsQuery struct {
	Address   []string
	Topics    []filter.Topic
	FromBlock uint64
	ToBlock   uint64
	BlockHash string
}

// MarshalJSON encodes the query the way nodes expect it.
func (q LogsQuery) MarshalJSON() ([]byte, error) {
	obj := map[string]any{}
	if q.BlockHash != "" {
		obj["blockHash"] = q.BlockHash
	} else {
		obj["fromBlock"] = hexutil.Uint64(q.FromBlock)
		obj["toBlock"] = hexutil.Uint64(q.ToBlock)
	}
	if q.Address != nil {
		obj["address"] = q.Address
	}
	if topics := encodeTopics(q.Topics); len(topics) > 0 {
		obj["topics"] = topics
	}
	return json.Marshal(obj)
}

func encodeTopics(topics []filter.Topic) []any {
	last := len(topics)
	for last > 0 && topics[last-1] == nil {
		last--
	}

	out := make([]any, last)
	for i, t := range topics[:last] {
		switch len(t) {
		case 0:
			out[i] = nil
		case 1:
			out[i] = t[0]
		default:
			out[i] = []string(t)
		}
	}
	return out
}

type Adapter struct {
	chainID domain.ChainID
	client  Requester
	log     *logger.Logger
}

func NewAdapter(chainID domain.ChainID, client Requester) *Adapter {
	return &Adapter{
		chainID: chainID,
		client:  client,
		log:     logger.Default().With("chain", chainID.String()),
	}
}

func (a *Adapter) ChainID() domain.ChainID {
	return a.chainID
}

// BlockNumber returns the current head of the chain.
func (a *Adapter) BlockNumber(ctx context.Context) (uint64, error) {
	var head hexutil.Uint64
	if err := a.call(ctx, &head, "eth_blockNumber"); err != nil {
		return 0, err
	}
	return uint64(head), nil
}

// GetBlockByNumber fetches a block with full transactions.
func (a *Adapter) GetBlockByNumber(ctx context.Context, number uint64) (*domain.Block, error) {
	var block *domain.Block
	if err := a.call(ctx, &block, "eth_getBlockByNumber", hexutil.Uint64(number), true); err != nil {
		return nil, err
	}
	if block == nil {
		return nil, &NotFoundError{Kind: "block", ID: fmt.Sprintf("%d", number)}
	}
	normalizeBlock(block)
	return block, nil
}

// GetBlockByHash fetches a block with full transactions.
func (a *Adapter) GetBlockByHash(ctx context.Context, hash string) (*domain.Block, error) {
	var block *domain.Block
	if err := a.call(ctx, &block, "eth_getBlockByHash", hash, true); err != nil {
		return nil, err
	}
	if block == nil {
		return nil, &NotFoundError{Kind: "block", ID: hash}
	}
	normalizeBlock(block)
	return block, nil
}

// GetLogs runs eth_getLogs. Range errors are returned as they come; see
// ParseLogsRangeError.
func (a *Adapter) GetLogs(ctx context.Context, q LogsQuery) ([]*domain.Log, error) {
	var logs []*domain.Log
	if err := a.call(ctx, &logs, "eth_getLogs", q); err != nil {
		return nil, err
	}
	for _, l := range logs {
		normalizeLog(l)
	}
	return logs, nil
}

// GetTransactionReceipt fetches the receipt of a mined transaction.
func (a *Adapter) GetTransactionReceipt(ctx context.Context, hash string) (*domain.TransactionReceipt, error) {
	var receipt *domain.TransactionReceipt
	if err := a.call(ctx, &receipt, "eth_getTransactionReceipt", hash); err != nil {
		return nil, err
	}
	if receipt == nil {
		return nil, &NotFoundError{Kind: "transaction receipt", ID: hash}
	}
	normalizeReceipt(receipt)
	return receipt, nil
}

// TraceBlockByNumber returns the callTracer trace of every transaction in
// the block.
func (a *Adapter) TraceBlockByNumber(ctx context.Context, number uint64) ([]*domain.Trace, error) {
	var traces []*domain.Trace
	tracer := map[string]string{"tracer": "callTracer"}
	if err := a.call(ctx, &traces, "debug_traceBlockByNumber", hexutil.Uint64(number), tracer); err != nil {
		return nil, err
	}
	for _, t := range traces {
		t.TxHash = strings.ToLower(t.TxHash)
		if t.Result != nil {
			normalizeFrame(t.Result)
		}
	}
	return traces, nil
}

func (a *Adapter) call(ctx context.Context, out any, method string, params ...any) error {
	raw, err := a.client.Request(ctx, method, params...)
	if err != nil {
		return fmt.Errorf("%s failed: %w", method, err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		a.log.Warn("Malformed RPC response", "method", method, "error", err)
		return fmt.Errorf("failed to decode %s response: %w", method, err)
	}
	return nil
}

func normalizeBlock(b *domain.Block) {
	b.Hash = strings.ToLower(b.Hash)
	b.ParentHash = strings.ToLower(b.ParentHash)
	b.Miner = strings.ToLower(b.Miner)
	for _, tx := range b.Transactions {
		normalizeTransaction(tx)
	}
}

func normalizeTransaction(tx *domain.Transaction) {
	tx.Hash = strings.ToLower(tx.Hash)
	tx.BlockHash = strings.ToLower(tx.BlockHash)
	tx.From = strings.ToLower(tx.From)
	tx.To = lowerPtr(tx.To)
}

func normalizeLog(l *domain.Log) {
	l.Address = strings.ToLower(l.Address)
	l.BlockHash = strings.ToLower(l.BlockHash)
	l.TransactionHash = strings.ToLower(l.TransactionHash)
	for i, t := range l.Topics {
		l.Topics[i] = strings.ToLower(t)
	}
}

func normalizeReceipt(r *domain.TransactionReceipt) {
	r.TransactionHash = strings.ToLower(r.TransactionHash)
	r.BlockHash = strings.ToLower(r.BlockHash)
	r.From = strings.ToLower(r.From)
	r.To = lowerPtr(r.To)
	r.ContractAddress = lowerPtr(r.ContractAddress)
	for _, l := range r.Logs {
		normalizeLog(l)
	}
}

func normalizeFrame(f *domain.CallFrame) {
	f.From = strings.ToLower(f.From)
	f.To = strings.ToLower(f.To)
	for _, c := range f.Calls {
		normalizeFrame(c)
	}
}

func lowerPtr(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.ToLower(*s)
	return &v
}
