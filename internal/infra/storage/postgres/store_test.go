package postgres

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/chainsync/internal/core/domain"
	"github.com/vietddude/chainsync/internal/core/interval"
	"github.com/vietddude/chainsync/internal/indexing/filter"
)

func TestEmbeddedMigrations(t *testing.T) {
	raw, err := migrations.ReadFile("migrations/00001_sync_schema.sql")
	require.NoError(t, err)

	sql := string(raw)
	assert.Contains(t, sql, "-- +goose Up")
	assert.Contains(t, sql, "-- +goose Down")
	for _, table := range []string{"sync_intervals", "blocks", "transactions", "transaction_receipts", "logs", "traces"} {
		assert.Contains(t, sql, "CREATE TABLE IF NOT EXISTS "+table+" (")
	}
}

func TestLockKeyIsStable(t *testing.T) {
	assert.Equal(t, lockKey("a"), lockKey("a"))
	assert.NotEqual(t, lockKey("a"), lockKey("b"))
}

// testStore connects to TEST_DB_URL and applies the migrations. The test is
// skipped when the variable is unset.
func testStore(t *testing.T) *Store {
	t.Helper()
	url := os.Getenv("TEST_DB_URL")
	if url == "" {
		t.Skip("TEST_DB_URL not set")
	}

	ctx := context.Background()
	db, err := NewDB(ctx, Config{URL: url})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.Migrate(ctx))

	for _, table := range []string{"sync_intervals", "blocks", "transactions", "transaction_receipts", "logs", "traces"} {
		_, err := db.ExecContext(ctx, "TRUNCATE "+table)
		require.NoError(t, err)
	}
	return NewStore(db)
}

func TestStore_Intervals(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	f := &filter.LogFilter{ChainID: 1, Address: filter.Address("0x1f98431c8ad98523631ae4a59f267346ea31f984")}

	require.NoError(t, store.InsertInterval(ctx, f, interval.Interval{Start: 100, End: 200}))
	require.NoError(t, store.InsertInterval(ctx, f, interval.Interval{Start: 150, End: 250}))
	require.NoError(t, store.InsertInterval(ctx, f, interval.Interval{Start: 400, End: 400}))

	got, err := store.GetIntervals(ctx, f)
	require.NoError(t, err)
	assert.Equal(t, []interval.Interval{{Start: 100, End: 250}, {Start: 400, End: 400}}, got)
}

func TestStore_LogsAndChildren(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	seed := "0x1f98431c8ad98523631ae4a59f267346ea31f984"
	selector := "0x783cca1c0412dd0d695e784568c96da2e9c22ff989357a2e8b1d9b2b4e6b7118"
	child := "0xaaaa000000000000000000000000000000000001"
	block := &domain.Block{Number: 10, Hash: "0xb10", Timestamp: 1_700_000_000}
	log := &domain.Log{
		Address:     seed,
		Topics:      []string{selector, "0x" + strings.Repeat("0", 24) + child[2:]},
		Data:        hexutil.Bytes{},
		BlockNumber: 10,
		BlockHash:   "0xb10",
	}

	logs := []domain.LogWithBlock{{Log: log, Block: block}}
	require.NoError(t, store.InsertLogs(ctx, logs, true, 1))
	require.NoError(t, store.InsertLogs(ctx, logs, false, 1))
	require.NoError(t, store.InsertBlocks(ctx, []*domain.Block{block}, 1))

	children, err := store.GetChildAddresses(ctx, &filter.Factory{
		ChainID:              1,
		Address:              filter.Address(seed),
		EventSelector:        selector,
		ChildAddressLocation: "topic1",
	}, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{child}, children)

	var checkpoint string
	require.NoError(t, store.db.GetContext(ctx, &checkpoint, `SELECT checkpoint FROM logs WHERE block_hash = $1`, "0xb10"))
	assert.Len(t, checkpoint, 75)
}
