package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/vietddude/chainsync/internal/core/config"
	"github.com/vietddude/chainsync/internal/indexing/health"
	redisclient "github.com/vietddude/chainsync/internal/infra/redis"
	"github.com/vietddude/chainsync/internal/infra/rpc"
	"github.com/vietddude/chainsync/internal/infra/storage"
	"github.com/vietddude/chainsync/internal/infra/storage/memory"
	"github.com/vietddude/chainsync/internal/infra/storage/postgres"
)

// App owns the shared infrastructure and the pipeline of every chain.
type App struct {
	cfg          *config.AppConfig
	chains       []*ChainSync
	clients      []*rpc.Client
	db           *postgres.DB
	redisClient  *redisclient.Client
	healthServer *health.Server
	log          *slog.Logger
}

// NewApp creates the storage, Redis and RPC clients and the pipeline of
// every configured chain. Nothing is started.
func NewApp(ctx context.Context, cfg *config.AppConfig) (*App, error) {
	a := &App{cfg: cfg, log: slog.Default()}

	var store storage.SyncStore
	if cfg.Database.URL != "" {
		db, err := postgres.NewDB(ctx, cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to init db: %w", err)
		}
		if err := db.Migrate(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to migrate db: %w", err)
		}
		a.db = db
		store = postgres.NewStore(db)
		a.log.Info("Using PostgreSQL storage")
	} else {
		store = memory.NewMemoryStorage()
		a.log.Info("Using Memory storage")
	}

	if cfg.Redis.Enabled() {
		client, err := redisclient.NewClient(cfg.Redis)
		if err != nil {
			a.log.Warn("Failed to connect to Redis, pass lock and failed-range journal disabled", "error", err)
		} else {
			a.redisClient = client
		}
	}

	probes := make([]health.ChainProbe, 0, len(cfg.Chains))
	for _, chainCfg := range cfg.Chains {
		client := rpc.NewClient(chainCfg.Name, chainCfg.Providers, chainCfg.SchedulerConfig())
		cs, err := NewChainSync(ctx, chainCfg, cfg.Sync, client, store, a.redisClient)
		if err != nil {
			a.close()
			return nil, err
		}
		a.clients = append(a.clients, client)
		a.chains = append(a.chains, cs)
		probes = append(probes, cs)
		a.log.Info("Chain initialized", "chain", chainCfg.Name, "sources", len(chainCfg.Sources), "providers", len(chainCfg.Providers))
	}

	a.healthServer = health.NewServer(health.NewMonitor(probes...), cfg.Server.Port)
	return a, nil
}

// Chains returns the chain pipelines in configuration order.
func (a *App) Chains() []*ChainSync {
	return a.chains
}

// Chain returns the pipeline of the chain with the given name or id.
func (a *App) Chain(name string) (*ChainSync, bool) {
	for _, c := range a.chains {
		if c.Chain() == name || c.ChainID().String() == name {
			return c, true
		}
	}
	return nil, false
}

// Start launches the RPC schedulers, the health server and the database
// metrics collector.
func (a *App) Start(ctx context.Context) error {
	for _, client := range a.clients {
		client.Start(ctx)
	}

	go func() {
		if err := a.healthServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("Health server failed", "error", err)
		}
	}()

	if a.db != nil {
		a.db.StartMetricsCollector(ctx)
	}
	return nil
}

// Stop shuts everything down.
func (a *App) Stop(ctx context.Context) error {
	a.log.Info("Stopping chainsync...")
	err := a.healthServer.Stop(ctx)
	a.close()
	return err
}

func (a *App) close() {
	for _, client := range a.clients {
		client.Stop()
	}
	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			a.log.Warn("Failed to close Redis", "error", err)
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.log.Warn("Failed to close database", "error", err)
		}
	}
}
