package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RPCCallsTotal tracks RPC calls per chain, provider and method
	RPCCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chainsync_rpc_calls_total",
			Help: "Total number of RPC calls",
		},
		[]string{"chain", "provider", "method"},
	)

	// RPCErrorsTotal tracks RPC errors per chain and provider
	RPCErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chainsync_rpc_errors_total",
			Help: "Total number of RPC errors",
		},
		[]string{"chain", "provider", "error_type"},
	)

	// RPCLatency tracks RPC call latency
	RPCLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chainsync_rpc_latency_seconds",
			Help:    "RPC call latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"chain", "provider", "method"},
	)

	// RPCInflight tracks requests currently issued to each endpoint
	RPCInflight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chainsync_rpc_inflight_requests",
			Help: "Requests currently in flight per endpoint",
		},
		[]string{"chain", "provider"},
	)

	// RPCRateCeiling tracks the requests-per-second ceiling the scheduler
	// currently assumes for each endpoint
	RPCRateCeiling = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chainsync_rpc_rate_ceiling",
			Help: "Inferred requests per second ceiling per endpoint",
		},
		[]string{"chain", "provider"},
	)

	// RPCQueueDepth tracks requests waiting for an endpoint
	RPCQueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chainsync_rpc_queue_depth",
			Help: "Requests waiting for an available endpoint",
		},
		[]string{"chain"},
	)

	// GetLogsRangeRetries tracks eth_getLogs calls re-chunked after a range error
	GetLogsRangeRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chainsync_getlogs_range_retries_total",
			Help: "eth_getLogs requests retried with a smaller block range",
		},
		[]string{"chain"},
	)

	// BlocksSynced tracks blocks newly covered per source
	BlocksSynced = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chainsync_blocks_synced_total",
			Help: "Total number of blocks newly covered by a backfill pass",
		},
		[]string{"chain", "source"},
	)

	// RecordsInserted tracks rows written to storage per kind
	RecordsInserted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chainsync_records_inserted_total",
			Help: "Total number of records written to storage",
		},
		[]string{"chain", "kind"},
	)

	// SourceFailures tracks fatal errors per source
	SourceFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chainsync_source_failures_total",
			Help: "Backfill passes that failed for a source",
		},
		[]string{"chain", "source"},
	)

	// SyncPassDuration tracks the duration of backfill passes
	SyncPassDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chainsync_sync_pass_duration_seconds",
			Help:    "Backfill pass duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		},
		[]string{"chain"},
	)

	// LatestSyncedBlock tracks the closest-to-tip block a backfill has reached
	LatestSyncedBlock = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chainsync_latest_synced_block",
			Help: "Latest block reached by the backfill",
		},
		[]string{"chain"},
	)

	// DBConnectionPoolUsage tracks the share of open database connections
	DBConnectionPoolUsage = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chainsync_db_connection_pool_usage_percent",
			Help: "Open database connections as a percentage of the pool size",
		},
	)
)
