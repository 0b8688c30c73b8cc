package control

import (
	"context"
	"testing"
	"time"

	"github.com/vietddude/chainsync/internal/core/config"
	"github.com/vietddude/chainsync/internal/infra/rpc"
)

func TestApp_Lifecycle(t *testing.T) {
	chainCfg := testChainConfig()
	chainCfg.Providers = []rpc.ProviderConfig{{Name: "test", URL: "http://localhost:8545", Timeout: time.Second}}
	cfg := &config.AppConfig{
		Server: config.ServerConfig{Port: 0}, // Random port
		Sync:   config.SyncConfig{PassSize: 100},
		Chains: []config.ChainConfig{chainCfg},
	}

	app, err := NewApp(context.Background(), cfg)
	if err != nil {
		t.Fatalf("NewApp failed: %v", err)
	}

	if len(app.Chains()) != 1 {
		t.Errorf("expected 1 chain, got %d", len(app.Chains()))
	}
	if _, ok := app.Chain("ethereum"); !ok {
		t.Error("chain not found by name")
	}
	if _, ok := app.Chain("1"); !ok {
		t.Error("chain not found by id")
	}
	if _, ok := app.Chain("base"); ok {
		t.Error("unexpected chain base")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	if err := app.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// Wait a bit to let goroutines spin up
	time.Sleep(50 * time.Millisecond)

	if err := app.Stop(ctx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
}

func TestApp_InvalidSource(t *testing.T) {
	chainCfg := testChainConfig()
	chainCfg.Sources = append(chainCfg.Sources, config.SourceConfig{Name: "Bad", Kind: "receipts"})
	cfg := &config.AppConfig{Chains: []config.ChainConfig{chainCfg}}

	_, err := NewApp(context.Background(), cfg)
	if err == nil {
		t.Fatal("expected error for unknown source kind")
	}
}
