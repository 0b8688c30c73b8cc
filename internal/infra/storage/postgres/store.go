package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"hash/fnv"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/vietddude/chainsync/internal/core/domain"
	"github.com/vietddude/chainsync/internal/core/interval"
	"github.com/vietddude/chainsync/internal/indexing/filter"
	"github.com/vietddude/chainsync/internal/indexing/metrics"
	"github.com/vietddude/chainsync/internal/infra/storage"
)

// batchSize bounds rows per multi-row INSERT, keeping bind parameters
// under the PostgreSQL limit.
const batchSize = 500

// Store implements storage.SyncStore using PostgreSQL.
type Store struct {
	db *DB
}

var _ storage.SyncStore = (*Store)(nil)

// NewStore creates a new PostgreSQL sync store.
func NewStore(db *DB) *Store {
	return &Store{db: db}
}

type intervalRow struct {
	Start int64 `db:"start_block"`
	End   int64 `db:"end_block"`
}

// GetIntervals returns the merged coverage of f.
func (s *Store) GetIntervals(ctx context.Context, f filter.Filter) ([]interval.Interval, error) {
	var rows []intervalRow
	query := `SELECT start_block, end_block FROM sync_intervals WHERE filter_id = $1 ORDER BY start_block`
	if err := s.db.SelectContext(ctx, &rows, query, f.ID()); err != nil {
		return nil, fmt.Errorf("failed to get intervals: %w", err)
	}
	return interval.Union(toIntervals(rows))
}

// InsertInterval merges iv into the stored coverage of f. Writers of the
// same filter are serialized with a transaction-scoped advisory lock.
func (s *Store) InsertInterval(ctx context.Context, f filter.Filter, iv interval.Interval) error {
	if err := iv.Validate(); err != nil {
		return err
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	id := f.ID()
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, lockKey(id)); err != nil {
		return fmt.Errorf("failed to lock intervals: %w", err)
	}

	var rows []intervalRow
	if err := tx.SelectContext(ctx, &rows,
		`SELECT start_block, end_block FROM sync_intervals WHERE filter_id = $1`, id); err != nil {
		return fmt.Errorf("failed to read intervals: %w", err)
	}

	merged, err := interval.Union(toIntervals(rows), []interval.Interval{iv})
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM sync_intervals WHERE filter_id = $1`, id); err != nil {
		return fmt.Errorf("failed to clear intervals: %w", err)
	}

	starts := make([]int64, len(merged))
	ends := make([]int64, len(merged))
	for i, m := range merged {
		starts[i] = int64(m.Start)
		ends[i] = int64(m.End)
	}
	query := `
		INSERT INTO sync_intervals (filter_id, chain_id, start_block, end_block)
		SELECT $1, $2, * FROM UNNEST($3::bigint[], $4::bigint[])
	`
	if _, err := tx.ExecContext(ctx, query, id, int64(f.Chain()), pq.Array(starts), pq.Array(ends)); err != nil {
		return fmt.Errorf("failed to insert intervals: %w", err)
	}

	return tx.Commit()
}

// InsertLogs stores logs using a single UNNEST insert per batch.
func (s *Store) InsertLogs(
	ctx context.Context,
	logs []domain.LogWithBlock,
	shouldUpdateCheckpoint bool,
	chainID domain.ChainID,
) error {
	query := `
		INSERT INTO logs (
			chain_id, block_hash, log_index, block_number, transaction_hash, transaction_index,
			address, topic0, topic1, topic2, topic3, data, checkpoint
		)
		SELECT $1, * FROM UNNEST(
			$2::text[], $3::int[], $4::bigint[], $5::text[], $6::int[],
			$7::text[], $8::text[], $9::text[], $10::text[], $11::text[], $12::text[], $13::text[]
		)
		ON CONFLICT (chain_id, block_hash, log_index) DO UPDATE SET
			checkpoint = COALESCE(EXCLUDED.checkpoint, logs.checkpoint)
	`

	for start := 0; start < len(logs); start += batchSize {
		batch := logs[start:min(start+batchSize, len(logs))]
		n := len(batch)

		blockHashes := make([]string, n)
		logIndexes := make([]int64, n)
		blockNumbers := make([]int64, n)
		txHashes := make([]string, n)
		txIndexes := make([]int64, n)
		addresses := make([]string, n)
		topics := [4][]sql.NullString{}
		for t := range topics {
			topics[t] = make([]sql.NullString, n)
		}
		data := make([]string, n)
		checkpoints := make([]sql.NullString, n)

		for i, lb := range batch {
			l := lb.Log
			blockHashes[i] = l.BlockHash
			logIndexes[i] = int64(l.LogIndex)
			blockNumbers[i] = int64(l.BlockNumber)
			txHashes[i] = l.TransactionHash
			txIndexes[i] = int64(l.TransactionIndex)
			addresses[i] = l.Address
			for t := range topics {
				if t < len(l.Topics) {
					topics[t][i] = sql.NullString{String: l.Topics[t], Valid: true}
				}
			}
			data[i] = l.Data.String()
			if shouldUpdateCheckpoint && lb.Block != nil {
				checkpoints[i] = sql.NullString{String: domain.LogCheckpoint(chainID, lb.Block, l), Valid: true}
			}
		}

		_, err := s.db.ExecContext(ctx, query,
			int64(chainID),
			pq.Array(blockHashes),
			pq.Array(logIndexes),
			pq.Array(blockNumbers),
			pq.Array(txHashes),
			pq.Array(txIndexes),
			pq.Array(addresses),
			pq.Array(topics[0]),
			pq.Array(topics[1]),
			pq.Array(topics[2]),
			pq.Array(topics[3]),
			pq.Array(data),
			pq.Array(checkpoints),
		)
		if err != nil {
			return fmt.Errorf("failed to insert logs: %w", err)
		}
	}

	metrics.RecordsInserted.WithLabelValues(chainID.String(), "log").Add(float64(len(logs)))
	return nil
}

type blockRow struct {
	ChainID          int64   `db:"chain_id"`
	Number           int64   `db:"number"`
	Hash             string  `db:"hash"`
	ParentHash       string  `db:"parent_hash"`
	Timestamp        int64   `db:"timestamp"`
	Miner            string  `db:"miner"`
	GasLimit         int64   `db:"gas_limit"`
	GasUsed          int64   `db:"gas_used"`
	BaseFeePerGas    *string `db:"base_fee_per_gas"`
	LogsBloom        string  `db:"logs_bloom"`
	StateRoot        string  `db:"state_root"`
	TransactionsRoot string  `db:"transactions_root"`
	ReceiptsRoot     string  `db:"receipts_root"`
	Size             int64   `db:"size"`
}

// InsertBlocks stores block headers. Transactions are stored separately.
func (s *Store) InsertBlocks(ctx context.Context, blocks []*domain.Block, chainID domain.ChainID) error {
	rows := make([]blockRow, len(blocks))
	for i, b := range blocks {
		rows[i] = blockRow{
			ChainID:          int64(chainID),
			Number:           int64(b.Number),
			Hash:             b.Hash,
			ParentHash:       b.ParentHash,
			Timestamp:        int64(b.Timestamp),
			Miner:            b.Miner,
			GasLimit:         int64(b.GasLimit),
			GasUsed:          int64(b.GasUsed),
			BaseFeePerGas:    bigString(b.BaseFeePerGas),
			LogsBloom:        b.LogsBloom,
			StateRoot:        b.StateRoot,
			TransactionsRoot: b.TransactionsRoot,
			ReceiptsRoot:     b.ReceiptsRoot,
			Size:             int64(b.Size),
		}
	}

	query := `
		INSERT INTO blocks (
			chain_id, number, hash, parent_hash, timestamp, miner, gas_limit, gas_used,
			base_fee_per_gas, logs_bloom, state_root, transactions_root, receipts_root, size
		) VALUES (
			:chain_id, :number, :hash, :parent_hash, :timestamp, :miner, :gas_limit, :gas_used,
			:base_fee_per_gas, :logs_bloom, :state_root, :transactions_root, :receipts_root, :size
		)
		ON CONFLICT (chain_id, number) DO NOTHING
	`
	if err := namedBatch(ctx, s.db.DB, query, rows); err != nil {
		return fmt.Errorf("failed to insert blocks: %w", err)
	}
	metrics.RecordsInserted.WithLabelValues(chainID.String(), "block").Add(float64(len(blocks)))
	return nil
}

type transactionRow struct {
	ChainID              int64   `db:"chain_id"`
	Hash                 string  `db:"hash"`
	BlockHash            string  `db:"block_hash"`
	BlockNumber          int64   `db:"block_number"`
	TransactionIndex     int64   `db:"transaction_index"`
	From                 string  `db:"from_address"`
	To                   *string `db:"to_address"`
	Input                string  `db:"input"`
	Value                string  `db:"value"`
	Nonce                int64   `db:"nonce"`
	Gas                  int64   `db:"gas"`
	GasPrice             *string `db:"gas_price"`
	MaxFeePerGas         *string `db:"max_fee_per_gas"`
	MaxPriorityFeePerGas *string `db:"max_priority_fee_per_gas"`
	Type                 int64   `db:"type"`
}

// InsertTransactions stores transactions.
func (s *Store) InsertTransactions(ctx context.Context, txs []*domain.Transaction, chainID domain.ChainID) error {
	rows := make([]transactionRow, len(txs))
	for i, tx := range txs {
		value := "0"
		if v := bigString(tx.Value); v != nil {
			value = *v
		}
		rows[i] = transactionRow{
			ChainID:              int64(chainID),
			Hash:                 tx.Hash,
			BlockHash:            tx.BlockHash,
			BlockNumber:          int64(tx.BlockNumber),
			TransactionIndex:     int64(tx.TransactionIndex),
			From:                 tx.From,
			To:                   tx.To,
			Input:                tx.Input.String(),
			Value:                value,
			Nonce:                int64(tx.Nonce),
			Gas:                  int64(tx.Gas),
			GasPrice:             bigString(tx.GasPrice),
			MaxFeePerGas:         bigString(tx.MaxFeePerGas),
			MaxPriorityFeePerGas: bigString(tx.MaxPriorityFeePerGas),
			Type:                 int64(tx.Type),
		}
	}

	query := `
		INSERT INTO transactions (
			chain_id, hash, block_hash, block_number, transaction_index, from_address, to_address,
			input, value, nonce, gas, gas_price, max_fee_per_gas, max_priority_fee_per_gas, type
		) VALUES (
			:chain_id, :hash, :block_hash, :block_number, :transaction_index, :from_address, :to_address,
			:input, :value, :nonce, :gas, :gas_price, :max_fee_per_gas, :max_priority_fee_per_gas, :type
		)
		ON CONFLICT (chain_id, hash) DO NOTHING
	`
	if err := namedBatch(ctx, s.db.DB, query, rows); err != nil {
		return fmt.Errorf("failed to insert transactions: %w", err)
	}
	metrics.RecordsInserted.WithLabelValues(chainID.String(), "transaction").Add(float64(len(txs)))
	return nil
}

type receiptRow struct {
	ChainID           int64   `db:"chain_id"`
	TransactionHash   string  `db:"transaction_hash"`
	BlockHash         string  `db:"block_hash"`
	BlockNumber       int64   `db:"block_number"`
	TransactionIndex  int64   `db:"transaction_index"`
	From              string  `db:"from_address"`
	To                *string `db:"to_address"`
	ContractAddress   *string `db:"contract_address"`
	CumulativeGasUsed int64   `db:"cumulative_gas_used"`
	GasUsed           int64   `db:"gas_used"`
	EffectiveGasPrice *string `db:"effective_gas_price"`
	Status            int64   `db:"status"`
	Type              int64   `db:"type"`
	LogsBloom         string  `db:"logs_bloom"`
}

// InsertTransactionReceipts stores receipts without their logs.
func (s *Store) InsertTransactionReceipts(
	ctx context.Context,
	receipts []*domain.TransactionReceipt,
	chainID domain.ChainID,
) error {
	rows := make([]receiptRow, len(receipts))
	for i, r := range receipts {
		rows[i] = receiptRow{
			ChainID:           int64(chainID),
			TransactionHash:   r.TransactionHash,
			BlockHash:         r.BlockHash,
			BlockNumber:       int64(r.BlockNumber),
			TransactionIndex:  int64(r.TransactionIndex),
			From:              r.From,
			To:                r.To,
			ContractAddress:   r.ContractAddress,
			CumulativeGasUsed: int64(r.CumulativeGasUsed),
			GasUsed:           int64(r.GasUsed),
			EffectiveGasPrice: bigString(r.EffectiveGasPrice),
			Status:            int64(r.Status),
			Type:              int64(r.Type),
			LogsBloom:         r.LogsBloom,
		}
	}

	query := `
		INSERT INTO transaction_receipts (
			chain_id, transaction_hash, block_hash, block_number, transaction_index, from_address,
			to_address, contract_address, cumulative_gas_used, gas_used, effective_gas_price,
			status, type, logs_bloom
		) VALUES (
			:chain_id, :transaction_hash, :block_hash, :block_number, :transaction_index, :from_address,
			:to_address, :contract_address, :cumulative_gas_used, :gas_used, :effective_gas_price,
			:status, :type, :logs_bloom
		)
		ON CONFLICT (chain_id, transaction_hash) DO NOTHING
	`
	if err := namedBatch(ctx, s.db.DB, query, rows); err != nil {
		return fmt.Errorf("failed to insert transaction receipts: %w", err)
	}
	metrics.RecordsInserted.WithLabelValues(chainID.String(), "receipt").Add(float64(len(receipts)))
	return nil
}

type traceRow struct {
	ChainID         int64   `db:"chain_id"`
	TransactionHash string  `db:"transaction_hash"`
	TraceIndex      int64   `db:"trace_index"`
	BlockNumber     int64   `db:"block_number"`
	BlockHash       string  `db:"block_hash"`
	Type            string  `db:"type"`
	From            string  `db:"from_address"`
	To              *string `db:"to_address"`
	Gas             int64   `db:"gas"`
	GasUsed         int64   `db:"gas_used"`
	Input           string  `db:"input"`
	Output          *string `db:"output"`
	Value           *string `db:"value"`
	Error           *string `db:"error"`
	RevertReason    *string `db:"revert_reason"`
	Subcalls        int64   `db:"subcalls"`
}

// InsertTraces stores matched call frames.
func (s *Store) InsertTraces(ctx context.Context, traces []domain.TraceRecord, chainID domain.ChainID) error {
	rows := make([]traceRow, len(traces))
	for i, t := range traces {
		row := traceRow{
			ChainID:         int64(chainID),
			TransactionHash: t.TransactionHash,
			TraceIndex:      int64(t.Index),
			Type:            t.Frame.Type,
			From:            t.Frame.From,
			To:              nullable(t.Frame.To),
			Gas:             int64(t.Frame.Gas),
			GasUsed:         int64(t.Frame.GasUsed),
			Input:           t.Frame.Input.String(),
			Value:           bigString(t.Frame.Value),
			Error:           nullable(t.Frame.Error),
			RevertReason:    nullable(t.Frame.RevertReason),
			Subcalls:        int64(t.Subcalls),
		}
		if t.Frame.Output != nil {
			row.Output = nullable(t.Frame.Output.String())
		}
		if t.Block != nil {
			row.BlockNumber = int64(t.Block.Number)
			row.BlockHash = t.Block.Hash
		}
		rows[i] = row
	}

	query := `
		INSERT INTO traces (
			chain_id, transaction_hash, trace_index, block_number, block_hash, type, from_address,
			to_address, gas, gas_used, input, output, value, error, revert_reason, subcalls
		) VALUES (
			:chain_id, :transaction_hash, :trace_index, :block_number, :block_hash, :type, :from_address,
			:to_address, :gas, :gas_used, :input, :output, :value, :error, :revert_reason, :subcalls
		)
		ON CONFLICT (chain_id, transaction_hash, trace_index) DO NOTHING
	`
	if err := namedBatch(ctx, s.db.DB, query, rows); err != nil {
		return fmt.Errorf("failed to insert traces: %w", err)
	}
	metrics.RecordsInserted.WithLabelValues(chainID.String(), "trace").Add(float64(len(traces)))
	return nil
}

type factoryLogRow struct {
	Topic1 sql.NullString `db:"topic1"`
	Topic2 sql.NullString `db:"topic2"`
	Topic3 sql.NullString `db:"topic3"`
	Data   string         `db:"data"`
}

// GetChildAddresses walks the factory's creation logs in chain order and
// extracts distinct children until limit is reached.
func (s *Store) GetChildAddresses(ctx context.Context, factory *filter.Factory, limit int) ([]string, error) {
	query := `
		SELECT topic1, topic2, topic3, data FROM logs
		WHERE chain_id = $1 AND topic0 = $2 AND ($3::text[] IS NULL OR address = ANY($3::text[]))
		ORDER BY block_number, log_index
	`
	selector := factory.Topics()[0][0]
	rows, err := s.db.QueryxContext(ctx, query, int64(factory.ChainID), selector, pq.Array(filter.Concrete(factory.Address)))
	if err != nil {
		return nil, fmt.Errorf("failed to query factory logs: %w", err)
	}
	defer rows.Close()

	seen := make(map[string]struct{})
	var children []string
	for rows.Next() {
		var row factoryLogRow
		if err := rows.StructScan(&row); err != nil {
			return nil, fmt.Errorf("failed to scan factory log: %w", err)
		}
		data, err := hexutil.Decode(row.Data)
		if err != nil {
			return nil, fmt.Errorf("failed to decode log data: %w", err)
		}
		log := &domain.Log{
			Topics: []string{selector, row.Topic1.String, row.Topic2.String, row.Topic3.String},
			Data:   data,
		}

		child, err := filter.ChildAddress(log, factory)
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
	return children, rows.Err()
}

// namedBatch runs a multi-row named INSERT in chunks of batchSize.
func namedBatch[T any](ctx context.Context, db *sqlx.DB, query string, rows []T) error {
	for start := 0; start < len(rows); start += batchSize {
		if _, err := db.NamedExecContext(ctx, query, rows[start:min(start+batchSize, len(rows))]); err != nil {
			return err
		}
	}
	return nil
}

func toIntervals(rows []intervalRow) []interval.Interval {
	out := make([]interval.Interval, len(rows))
	for i, r := range rows {
		out[i] = interval.Interval{Start: uint64(r.Start), End: uint64(r.End)}
	}
	return out
}

func lockKey(id string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(id))
	return int64(h.Sum64())
}

func bigString(b *hexutil.Big) *string {
	if b == nil {
		return nil
	}
	s := b.ToInt().String()
	return &s
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
