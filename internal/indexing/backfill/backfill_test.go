package backfill

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"slices"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/chainsync/internal/core/domain"
	"github.com/vietddude/chainsync/internal/core/interval"
	"github.com/vietddude/chainsync/internal/indexing/filter"
	"github.com/vietddude/chainsync/internal/infra/chain/evm"
	"github.com/vietddude/chainsync/internal/infra/storage"
	"github.com/vietddude/chainsync/internal/infra/storage/memory"
)

const chainID = domain.ChainIDEthereum

func blockHash(n uint64) string { return fmt.Sprintf("0x%064x", n) }

func txHash(n uint64, i int) string { return fmt.Sprintf("0x%060x%04x", n, i) }

func address(i int) string { return fmt.Sprintf("0x%040x", i) }

func addressWord(addr string) string { return "0x" + fmt.Sprintf("%024d", 0) + addr[2:] }

func testBlock(n uint64) *domain.Block {
	parent := uint64(0)
	if n > 0 {
		parent = n - 1
	}
	b := &domain.Block{
		Number:     hexutil.Uint64(n),
		Hash:       blockHash(n),
		ParentHash: blockHash(parent),
		Timestamp:  hexutil.Uint64(1_700_000_000 + n*12),
	}
	for i := range 2 {
		b.Transactions = append(b.Transactions, &domain.Transaction{
			Hash:             txHash(n, i),
			BlockHash:        b.Hash,
			BlockNumber:      b.Number,
			TransactionIndex: hexutil.Uint64(i),
			From:             address(0xee),
		})
	}
	return b
}

func testLog(n uint64, index int, emitter string, topics ...string) *domain.Log {
	return &domain.Log{
		Address:         emitter,
		Topics:          topics,
		BlockNumber:     hexutil.Uint64(n),
		BlockHash:       blockHash(n),
		TransactionHash: txHash(n, 0),
		LogIndex:        hexutil.Uint64(index),
	}
}

// fakeNode serves a deterministic chain over the Requester interface.
type fakeNode struct {
	mu      sync.Mutex
	logs    []*domain.Log
	traces  map[uint64][]*domain.Trace
	calls   map[string]int
	queries []evm.LogsQuery

	// onGetLogs may fail a query before it is answered.
	onGetLogs func(q evm.LogsQuery) error
}

func newFakeNode(logs ...*domain.Log) *fakeNode {
	return &fakeNode{
		logs:   logs,
		traces: make(map[uint64][]*domain.Trace),
		calls:  make(map[string]int),
	}
}

func (n *fakeNode) Request(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	n.mu.Lock()
	n.calls[method]++
	hook := n.onGetLogs
	n.mu.Unlock()

	switch method {
	case "eth_getBlockByNumber":
		return json.Marshal(testBlock(uint64(params[0].(hexutil.Uint64))))
	case "eth_getLogs":
		q := params[0].(evm.LogsQuery)
		n.mu.Lock()
		n.queries = append(n.queries, q)
		n.mu.Unlock()
		if hook != nil {
			if err := hook(q); err != nil {
				return nil, err
			}
		}
		return json.Marshal(n.match(q))
	case "eth_getTransactionReceipt":
		return json.Marshal(n.receipt(params[0].(string)))
	case "debug_traceBlockByNumber":
		n.mu.Lock()
		defer n.mu.Unlock()
		return json.Marshal(n.traces[uint64(params[0].(hexutil.Uint64))])
	}
	return nil, fmt.Errorf("unexpected method %s", method)
}

func (n *fakeNode) match(q evm.LogsQuery) []*domain.Log {
	n.mu.Lock()
	defer n.mu.Unlock()

	out := []*domain.Log{}
	for _, l := range n.logs {
		num := uint64(l.BlockNumber)
		if num < q.FromBlock || num > q.ToBlock {
			continue
		}
		if q.Address != nil && !slices.Contains(q.Address, l.Address) {
			continue
		}
		if len(q.Topics) > 0 && q.Topics[0] != nil && !slices.Contains(q.Topics[0], l.Topic(0)) {
			continue
		}
		out = append(out, l)
	}
	return out
}

func (n *fakeNode) receipt(hash string) *domain.TransactionReceipt {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, l := range n.logs {
		if l.TransactionHash == hash {
			return &domain.TransactionReceipt{
				TransactionHash: hash,
				BlockHash:       l.BlockHash,
				BlockNumber:     l.BlockNumber,
				Status:          1,
			}
		}
	}
	return nil
}

func (n *fakeNode) addLogs(logs ...*domain.Log) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.logs = append(n.logs, logs...)
}

func (n *fakeNode) callCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	total := 0
	for _, c := range n.calls {
		total += c
	}
	return total
}

// ranges returns the block ranges of the eth_getLogs queries issued since
// the given query index.
func (n *fakeNode) ranges(since int) []interval.Interval {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []interval.Interval
	for _, q := range n.queries[since:] {
		out = append(out, interval.Interval{Start: q.FromBlock, End: q.ToBlock})
	}
	slices.SortFunc(out, func(a, b interval.Interval) int {
		if c := cmp.Compare(a.Start, b.Start); c != 0 {
			return c
		}
		return cmp.Compare(a.End, b.End)
	})
	return out
}

func (n *fakeNode) queryCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.queries)
}

type fatalRecorder struct {
	mu   sync.Mutex
	errs []error
}

func (r *fatalRecorder) record(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *fatalRecorder) all() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.errs)
}

func newTestSyncer(t *testing.T, node *fakeNode, store storage.SyncStore, sources ...*filter.Source) (*Syncer, *fatalRecorder) {
	t.Helper()
	return newTestSyncerWithConfig(t, DefaultConfig(chainID), node, store, sources...)
}

func newTestSyncerWithConfig(t *testing.T, cfg Config, node *fakeNode, store storage.SyncStore, sources ...*filter.Source) (*Syncer, *fatalRecorder) {
	t.Helper()
	fatal := &fatalRecorder{}
	s, err := New(context.Background(), cfg, sources, evm.NewAdapter(chainID, node), store, fatal.record)
	require.NoError(t, err)
	return s, fatal
}

// failingStore fails block or transaction inserts on demand.
type failingStore struct {
	*memory.MemoryStorage
	mu        sync.Mutex
	failFlush bool
	intervals int
}

var errStoreDown = errors.New("store down")

func (s *failingStore) setFailFlush(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failFlush = fail
}

func (s *failingStore) InsertBlocks(ctx context.Context, blocks []*domain.Block, chainID domain.ChainID) error {
	s.mu.Lock()
	fail := s.failFlush
	s.mu.Unlock()
	if fail {
		return errStoreDown
	}
	return s.MemoryStorage.InsertBlocks(ctx, blocks, chainID)
}

func (s *failingStore) InsertTransactions(ctx context.Context, txs []*domain.Transaction, chainID domain.ChainID) error {
	s.mu.Lock()
	fail := s.failFlush
	s.mu.Unlock()
	if fail {
		return errStoreDown
	}
	return s.MemoryStorage.InsertTransactions(ctx, txs, chainID)
}

func (s *failingStore) InsertInterval(ctx context.Context, f filter.Filter, iv interval.Interval) error {
	s.mu.Lock()
	s.intervals++
	s.mu.Unlock()
	return s.MemoryStorage.InsertInterval(ctx, f, iv)
}

func (s *failingStore) intervalWrites() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.intervals
}

func span(start, end uint64) interval.Interval {
	return interval.Interval{Start: start, End: end}
}

func TestSync_LogFilter(t *testing.T) {
	emitter := address(0xa)
	node := newFakeNode(
		testLog(120, 0, emitter),
		testLog(150, 0, address(0xb)),
		testLog(180, 3, emitter),
	)
	store := memory.NewMemoryStorage()
	src := &filter.Source{
		Name:   "Token",
		Filter: &filter.LogFilter{ChainID: chainID, Address: filter.Addresses(emitter)},
	}
	syncer, fatal := newTestSyncer(t, node, store, src)
	ctx := context.Background()

	latest, err := syncer.Sync(ctx, span(100, 200))
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, uint64(200), uint64(latest.Number))
	assert.Empty(t, fatal.all())

	assert.Equal(t, []interval.Interval{span(100, 200)}, node.ranges(0))

	logs := store.Logs()
	require.Len(t, logs, 2)
	for _, l := range logs {
		assert.Equal(t, emitter, l.Log.Address)
		assert.Len(t, l.Checkpoint, 75)
	}
	for _, n := range []uint64{120, 180, 200} {
		_, ok := store.Block(chainID, n)
		assert.True(t, ok, "block %d", n)
	}
	assert.Equal(t, 3, store.BlockCount())
	// Only the transactions the logs refer to
	assert.Equal(t, 2, store.TransactionCount())
	_, ok := store.Transaction(chainID, txHash(120, 0))
	assert.True(t, ok)

	assert.Equal(t, map[string][]interval.Interval{"Token": {span(100, 200)}}, syncer.Intervals())
	stored, err := store.GetIntervals(ctx, src.Filter)
	require.NoError(t, err)
	assert.Equal(t, []interval.Interval{span(100, 200)}, stored)

	before := node.queryCount()
	latest, err = syncer.Sync(ctx, span(150, 250))
	require.NoError(t, err)
	assert.Equal(t, uint64(250), uint64(latest.Number))
	assert.Equal(t, []interval.Interval{span(201, 250)}, node.ranges(before))
	assert.Equal(t, map[string][]interval.Interval{"Token": {span(100, 250)}}, syncer.Intervals())
}

func TestSync_Idempotent(t *testing.T) {
	node := newFakeNode(testLog(105, 0, address(1)))
	store := memory.NewMemoryStorage()
	syncer, _ := newTestSyncer(t, node, store, &filter.Source{
		Name:   "Token",
		Filter: &filter.LogFilter{ChainID: chainID, Address: filter.Addresses(address(1))},
	})
	ctx := context.Background()

	first, err := syncer.Sync(ctx, span(100, 110))
	require.NoError(t, err)
	calls := node.callCount()

	second, err := syncer.Sync(ctx, span(100, 110))
	require.NoError(t, err)
	assert.Equal(t, calls, node.callCount(), "a covered pass must not call the node")
	assert.Equal(t, first.Hash, second.Hash)
}

func TestSync_ResumesFromStoredCoverage(t *testing.T) {
	node := newFakeNode()
	store := memory.NewMemoryStorage()
	src := &filter.Source{
		Name:   "Token",
		Filter: &filter.LogFilter{ChainID: chainID, Address: filter.Addresses(address(1))},
	}
	require.NoError(t, store.InsertInterval(context.Background(), src.Filter, span(0, 99)))

	syncer, _ := newTestSyncer(t, node, store, src)
	_, err := syncer.Sync(context.Background(), span(50, 150))
	require.NoError(t, err)
	assert.Equal(t, []interval.Interval{span(100, 150)}, node.ranges(0))
}

func TestSync_Factory(t *testing.T) {
	seed := address(0xf)
	selector := "0x" + fmt.Sprintf("%064x", 0xc0ffee)
	a1, a2, a3 := address(0xa1), address(0xa2), address(0xa3)

	factory := &filter.Factory{
		ChainID:              chainID,
		Address:              filter.Addresses(seed),
		EventSelector:        selector,
		ChildAddressLocation: "topic1",
	}
	node := newFakeNode(
		testLog(110, 0, seed, selector, addressWord(a1)),
		testLog(130, 0, seed, selector, addressWord(a2)),
		testLog(140, 1, a1),
		testLog(160, 1, a2),
		testLog(170, 1, a3),
	)
	store := memory.NewMemoryStorage()
	src := &filter.Source{
		Name:   "Pair",
		Filter: &filter.LogFilter{ChainID: chainID, Address: factory},
	}
	syncer, fatal := newTestSyncer(t, node, store, src)
	ctx := context.Background()

	_, err := syncer.Sync(ctx, span(100, 200))
	require.NoError(t, err)
	require.Empty(t, fatal.all())

	var children []string
	for _, l := range store.Logs() {
		if l.Checkpoint != "" {
			children = append(children, l.Log.Address)
		}
	}
	assert.Equal(t, []string{a1, a2}, children)
	// Factory logs are stored too, without a checkpoint.
	assert.Len(t, store.Logs(), 4)

	factoryCoverage, err := store.GetIntervals(ctx, factory)
	require.NoError(t, err)
	assert.Equal(t, []interval.Interval{span(100, 200)}, factoryCoverage)

	node.addLogs(
		testLog(210, 0, seed, selector, addressWord(a3)),
		testLog(220, 1, a3),
	)
	before := node.queryCount()
	_, err = syncer.Sync(ctx, span(100, 250))
	require.NoError(t, err)

	for _, r := range node.ranges(before) {
		assert.Equal(t, span(201, 250), r, "covered ranges must not be rescanned")
	}
	node.mu.Lock()
	last := node.queries[len(node.queries)-1]
	node.mu.Unlock()
	assert.Equal(t, []string{a1, a2, a3}, last.Address)

	var latest []string
	for _, l := range store.Logs() {
		if l.Checkpoint != "" && l.Log.BlockNumber > 200 {
			latest = append(latest, l.Log.Address)
		}
	}
	assert.Equal(t, []string{a3}, latest)
}

func TestSync_FactoryOverThresholdKeepsEveryChild(t *testing.T) {
	seed := address(0xf)
	selector := "0x" + fmt.Sprintf("%064x", 0xc0ffee)
	a1, a2, a3 := address(0xa1), address(0xa2), address(0xa3)

	factory := &filter.Factory{
		ChainID:              chainID,
		Address:              filter.Addresses(seed),
		EventSelector:        selector,
		ChildAddressLocation: "topic1",
	}
	node := newFakeNode(
		testLog(101, 0, seed, selector, addressWord(a1)),
		testLog(102, 0, seed, selector, addressWord(a2)),
		testLog(103, 0, seed, selector, addressWord(a3)),
		testLog(140, 1, a1),
		testLog(160, 1, a2),
		testLog(180, 1, a3),
	)
	store := memory.NewMemoryStorage()
	cfg := DefaultConfig(chainID)
	cfg.FactoryAddressCountThreshold = 2
	syncer, fatal := newTestSyncerWithConfig(t, cfg, node, store, &filter.Source{
		Name:   "Pair",
		Filter: &filter.LogFilter{ChainID: chainID, Address: factory},
	})

	_, err := syncer.Sync(context.Background(), span(100, 200))
	require.NoError(t, err)
	require.Empty(t, fatal.all())

	var children []string
	for _, l := range store.Logs() {
		if l.Checkpoint != "" && l.Log.Address != seed {
			children = append(children, l.Log.Address)
		}
	}
	assert.Equal(t, []string{a1, a2, a3}, children)

	// The child query went out without an address filter.
	node.mu.Lock()
	last := node.queries[len(node.queries)-1]
	node.mu.Unlock()
	assert.Nil(t, last.Address)
	assert.Equal(t, []interval.Interval{span(100, 200)}, syncer.Intervals()["Pair"])
}

func TestSync_FailedFlushCommitsNothing(t *testing.T) {
	emitter := address(0xa)
	node := newFakeNode(testLog(120, 0, emitter), testLog(180, 0, emitter))
	store := &failingStore{MemoryStorage: memory.NewMemoryStorage()}
	store.setFailFlush(true)
	src := &filter.Source{
		Name:   "Token",
		Filter: &filter.LogFilter{ChainID: chainID, Address: filter.Addresses(emitter)},
	}
	syncer, _ := newTestSyncer(t, node, store, src)
	ctx := context.Background()

	_, err := syncer.Sync(ctx, span(100, 200))
	require.ErrorIs(t, err, errStoreDown)
	assert.Zero(t, store.intervalWrites())
	assert.Empty(t, syncer.Intervals()["Token"])

	stored, err := store.GetIntervals(ctx, src.Filter)
	require.NoError(t, err)
	assert.Empty(t, stored)

	// A fresh syncer derives the same work from storage.
	store.setFailFlush(false)
	before := node.queryCount()
	restarted, _ := newTestSyncer(t, node, store, src)
	_, err = restarted.Sync(ctx, span(100, 200))
	require.NoError(t, err)

	assert.Equal(t, []interval.Interval{span(100, 200)}, node.ranges(before))
	assert.Equal(t, []interval.Interval{span(100, 200)}, restarted.Intervals()["Token"])
	for _, n := range []uint64{120, 180} {
		_, ok := store.Block(chainID, n)
		assert.True(t, ok, "block %d not flushed", n)
	}
}

func TestSync_FailedSourceDoesNotBlockOthers(t *testing.T) {
	good, bad := address(0xa), address(0xb)
	broken := testLog(150, 0, bad)
	broken.BlockHash = "0xbad"
	node := newFakeNode(testLog(120, 0, good), broken)
	store := memory.NewMemoryStorage()
	goodSrc := &filter.Source{
		Name:   "Good",
		Filter: &filter.LogFilter{ChainID: chainID, Address: filter.Addresses(good)},
	}
	badSrc := &filter.Source{
		Name:   "Bad",
		Filter: &filter.LogFilter{ChainID: chainID, Address: filter.Addresses(bad)},
	}
	syncer, fatal := newTestSyncer(t, node, store, goodSrc, badSrc)
	ctx := context.Background()

	_, err := syncer.Sync(ctx, span(100, 200))
	require.NoError(t, err)

	errs := fatal.all()
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], ErrInconsistentResponse)

	assert.Equal(t, []interval.Interval{span(100, 200)}, syncer.Intervals()["Good"])
	assert.Empty(t, syncer.Intervals()["Bad"])

	stored, err := store.GetIntervals(ctx, goodSrc.Filter)
	require.NoError(t, err)
	assert.Equal(t, []interval.Interval{span(100, 200)}, stored)

	logs := store.Logs()
	require.Len(t, logs, 1)
	assert.Equal(t, good, logs[0].Log.Address)
	_, ok := store.Block(chainID, 120)
	assert.True(t, ok, "block of the committed log must be flushed")
}

func TestSync_InconsistentBlockHash(t *testing.T) {
	bad := testLog(150, 0, address(1))
	bad.BlockHash = "0xbad"
	node := newFakeNode(bad)
	store := memory.NewMemoryStorage()
	syncer, fatal := newTestSyncer(t, node, store, &filter.Source{
		Name:   "Token",
		Filter: &filter.LogFilter{ChainID: chainID, Address: filter.Addresses(address(1))},
	})

	latest, err := syncer.Sync(context.Background(), span(100, 200))
	require.NoError(t, err)
	assert.Nil(t, latest)

	errs := fatal.all()
	require.Len(t, errs, 1)
	assert.True(t, errors.Is(errs[0], ErrInconsistentResponse), "got %v", errs[0])
	assert.Empty(t, store.Logs())
	assert.Empty(t, syncer.Intervals()["Token"])
}

func TestSync_ShrinksRejectedLogsRange(t *testing.T) {
	node := newFakeNode(testLog(120, 0, address(1)), testLog(170, 0, address(1)))
	node.onGetLogs = func(q evm.LogsQuery) error {
		if q.ToBlock-q.FromBlock+1 > 50 {
			return fmt.Errorf("query returned more than 10000 results. Try with this block range [%s, %s].",
				hexutil.Uint64(q.FromBlock), hexutil.Uint64(q.FromBlock+49))
		}
		return nil
	}
	store := memory.NewMemoryStorage()
	syncer, fatal := newTestSyncer(t, node, store, &filter.Source{
		Name:   "Token",
		Filter: &filter.LogFilter{ChainID: chainID, Address: filter.Addresses(address(1))},
	})
	ctx := context.Background()

	_, err := syncer.Sync(ctx, span(100, 199))
	require.NoError(t, err)
	require.Empty(t, fatal.all())
	assert.Equal(t, []interval.Interval{span(100, 149), span(100, 199), span(150, 199)}, node.ranges(0))
	assert.Len(t, store.Logs(), 2)

	// The confirmed range is reused without another rejection.
	before := node.queryCount()
	_, err = syncer.Sync(ctx, span(200, 260))
	require.NoError(t, err)
	assert.Equal(t, []interval.Interval{span(200, 249), span(250, 260)}, node.ranges(before))
}

func TestSync_Receipts(t *testing.T) {
	node := newFakeNode(testLog(101, 0, address(1)), testLog(101, 1, address(1)))
	store := memory.NewMemoryStorage()
	syncer, fatal := newTestSyncer(t, node, store, &filter.Source{
		Name: "Token",
		Filter: &filter.LogFilter{
			ChainID:                    chainID,
			Address:                    filter.Addresses(address(1)),
			IncludeTransactionReceipts: true,
		},
	})

	_, err := syncer.Sync(context.Background(), span(100, 105))
	require.NoError(t, err)
	require.Empty(t, fatal.all())

	r, ok := store.Receipt(chainID, txHash(101, 0))
	require.True(t, ok)
	assert.Equal(t, blockHash(101), r.BlockHash)
	// Both logs share one transaction.
	assert.Equal(t, 1, node.calls["eth_getTransactionReceipt"])
}

func TestSync_BlockFilter(t *testing.T) {
	node := newFakeNode()
	store := memory.NewMemoryStorage()
	syncer, _ := newTestSyncer(t, node, store, &filter.Source{
		Name:   "Every10",
		Filter: &filter.BlockFilter{ChainID: chainID, Interval: 10},
	})

	latest, err := syncer.Sync(context.Background(), span(100, 125))
	require.NoError(t, err)
	assert.Equal(t, uint64(125), uint64(latest.Number))

	for _, n := range []uint64{100, 110, 120, 125} {
		_, ok := store.Block(chainID, n)
		assert.True(t, ok, "block %d", n)
	}
	assert.Equal(t, 4, store.BlockCount())
	assert.Equal(t, 4, node.calls["eth_getBlockByNumber"])
	assert.Zero(t, store.TransactionCount())
}

func TestSync_Traces(t *testing.T) {
	recipient := address(0x7)
	node := newFakeNode()
	node.traces[103] = []*domain.Trace{{
		TxHash: txHash(103, 1),
		Result: &domain.CallFrame{
			Type: "CALL",
			From: address(0xee),
			To:   address(0x1),
			Calls: []*domain.CallFrame{
				{Type: "CALL", From: address(0x1), To: address(0x2), Value: (*hexutil.Big)(big.NewInt(5))},
				{
					Type:  "CALL",
					From:  address(0x1),
					To:    recipient,
					Value: (*hexutil.Big)(big.NewInt(7)),
					Calls: []*domain.CallFrame{{Type: "STATICCALL", From: recipient, To: address(0x3)}},
				},
			},
		},
	}}
	store := memory.NewMemoryStorage()
	syncer, fatal := newTestSyncer(t, node, store, &filter.Source{
		Name:   "Payments",
		Filter: &filter.TransferFilter{ChainID: chainID, ToAddress: filter.Addresses(recipient)},
	})

	_, err := syncer.Sync(context.Background(), span(100, 105))
	require.NoError(t, err)
	require.Empty(t, fatal.all())
	assert.Equal(t, 6, node.calls["debug_traceBlockByNumber"])

	traces := store.Traces()
	require.Len(t, traces, 1)
	assert.Equal(t, txHash(103, 1), traces[0].TransactionHash)
	assert.Equal(t, 2, traces[0].Index)
	assert.Equal(t, 1, traces[0].Subcalls)
	assert.Nil(t, traces[0].Frame.Calls)
	assert.Equal(t, blockHash(103), traces[0].Block.Hash)

	_, ok := store.Transaction(chainID, txHash(103, 1))
	assert.True(t, ok)
	assert.Equal(t, 1, store.TransactionCount())
}

func TestSync_KillSkipsCommit(t *testing.T) {
	node := newFakeNode(testLog(150, 0, address(1)))
	store := memory.NewMemoryStorage()
	syncer, fatal := newTestSyncer(t, node, store, &filter.Source{
		Name:   "Token",
		Filter: &filter.LogFilter{ChainID: chainID, Address: filter.Addresses(address(1))},
	})
	node.onGetLogs = func(evm.LogsQuery) error {
		syncer.Kill()
		return nil
	}

	_, err := syncer.Sync(context.Background(), span(100, 200))
	require.NoError(t, err)
	assert.Empty(t, fatal.all())
	assert.Empty(t, store.Logs())
	assert.Empty(t, syncer.Intervals()["Token"])

	stored, err := store.GetIntervals(context.Background(), &filter.LogFilter{ChainID: chainID, Address: filter.Addresses(address(1))})
	require.NoError(t, err)
	assert.Empty(t, stored)
}

func TestSync_ContextCancelled(t *testing.T) {
	node := newFakeNode()
	store := memory.NewMemoryStorage()
	syncer, fatal := newTestSyncer(t, node, store, &filter.Source{
		Name:   "Token",
		Filter: &filter.LogFilter{ChainID: chainID, Address: filter.Addresses(address(1))},
	})

	ctx, cancel := context.WithCancel(context.Background())
	node.onGetLogs = func(evm.LogsQuery) error {
		cancel()
		return context.Canceled
	}

	_, err := syncer.Sync(ctx, span(100, 200))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, fatal.all())
	assert.Empty(t, syncer.Intervals()["Token"])
}

func TestSync_BoundsAreRespected(t *testing.T) {
	to := uint64(150)
	node := newFakeNode()
	store := memory.NewMemoryStorage()
	syncer, _ := newTestSyncer(t, node, store, &filter.Source{
		Name:   "Token",
		Filter: &filter.LogFilter{ChainID: chainID, Address: filter.Addresses(address(1)), FromBlock: 120, ToBlock: &to},
	})

	latest, err := syncer.Sync(context.Background(), span(100, 200))
	require.NoError(t, err)
	assert.Equal(t, []interval.Interval{span(120, 150)}, node.ranges(0))
	assert.Equal(t, uint64(150), uint64(latest.Number))
	assert.Equal(t, []interval.Interval{span(120, 150)}, syncer.Intervals()["Token"])
}

func TestNew_RejectsOtherChain(t *testing.T) {
	_, err := New(context.Background(), DefaultConfig(chainID), []*filter.Source{{
		Name:   "Token",
		Filter: &filter.LogFilter{ChainID: domain.ChainIDBase},
	}}, evm.NewAdapter(chainID, newFakeNode()), memory.NewMemoryStorage(), nil)
	assert.Error(t, err)
}

func TestBlockCache_FetchesOnce(t *testing.T) {
	var (
		mu    sync.Mutex
		calls int
	)
	cache := newBlockCache(context.Background(), func(ctx context.Context, n uint64) (*domain.Block, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		return testBlock(n), nil
	})

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b, err := cache.get(context.Background(), 42)
			assert.NoError(t, err)
			assert.Equal(t, blockHash(42), b.Hash)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, calls)
	assert.Len(t, cache.blocks(), 1)
}

func TestMatchTrace_PreOrderIndex(t *testing.T) {
	f := &filter.TransactionFilter{ChainID: chainID, IncludeInner: true}
	trace := &domain.Trace{
		TxHash: "0x01",
		Result: &domain.CallFrame{
			Type: "CALL",
			Calls: []*domain.CallFrame{
				{Type: "CALL", Calls: []*domain.CallFrame{{Type: "DELEGATECALL"}}},
				{Type: "STATICCALL"},
			},
		},
	}

	records := matchTrace(f, trace, nil, nil)
	require.Len(t, records, 4)
	var types []string
	for i, r := range records {
		assert.Equal(t, i, r.Index)
		types = append(types, r.Frame.Type)
	}
	assert.Equal(t, []string{"CALL", "CALL", "DELEGATECALL", "STATICCALL"}, types)
	assert.Equal(t, 2, records[0].Subcalls)

	f.IncludeInner = false
	assert.Len(t, matchTrace(f, trace, nil, nil), 1)
}
