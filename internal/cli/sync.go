package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/vietddude/chainsync/internal/control"
)

var (
	syncChain       string
	syncFrom        int64
	syncTo          string
	syncPassSize    uint64
	syncRetryFailed bool
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Backfill a block range for one or all chains",
	Example: `  chainsync sync --chain ethereum --from 18000000 --to 18100000
  chainsync sync --to latest --retry-failed`,
	RunE: runSync,
}

func init() {
	syncCmd.Flags().StringVar(&syncChain, "chain", "", "chain name or id (default all chains)")
	syncCmd.Flags().Int64Var(&syncFrom, "from", -1, "first block (default the lowest from_block of the chain's sources)")
	syncCmd.Flags().StringVar(&syncTo, "to", "latest", "last block, or latest")
	syncCmd.Flags().Uint64Var(&syncPassSize, "pass-size", 0, "blocks per sync pass (default sync.pass_size)")
	syncCmd.Flags().BoolVar(&syncRetryFailed, "retry-failed", false, "retry journaled failed ranges first")
	rootCmd.AddCommand(syncCmd)
}

func runSync(cmd *cobra.Command, args []string) error {
	to, err := parseBlockTag(syncTo)
	if err != nil {
		return err
	}

	cfg, err := setup()
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		return err
	}
	if syncPassSize > 0 {
		cfg.Sync.PassSize = syncPassSize
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	app, err := control.NewApp(ctx, cfg)
	if err != nil {
		slog.Error("Failed to initialize chainsync", "error", err)
		return err
	}

	chains := app.Chains()
	if syncChain != "" {
		c, ok := app.Chain(syncChain)
		if !ok {
			_ = app.Stop(ctx)
			return fmt.Errorf("unknown chain %q", syncChain)
		}
		chains = []*control.ChainSync{c}
	}

	if err := app.Start(ctx); err != nil {
		slog.Error("Failed to start chainsync", "error", err)
		return err
	}
	slog.Info("chainsync started", "config", cfgPath, "chains", len(chains))

	g, gctx := errgroup.WithContext(ctx)
	for _, c := range chains {
		g.Go(func() error {
			return syncChainRange(gctx, c, to)
		})
	}
	syncErr := g.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := app.Stop(shutdownCtx); err != nil {
		slog.Error("Error during shutdown", "error", err)
	}

	if errors.Is(syncErr, context.Canceled) {
		slog.Info("Sync interrupted")
		return nil
	}
	return syncErr
}

func syncChainRange(ctx context.Context, c *control.ChainSync, to *uint64) error {
	log := slog.With("chain", c.Chain())

	if syncRetryFailed {
		n, err := c.RetryFailed(ctx)
		if err != nil {
			log.Error("Failed to retry failed ranges", "retried", n, "error", err)
			return err
		}
		if n > 0 {
			log.Info("Retried failed ranges", "count", n)
		}
	}

	from := c.StartBlock()
	if syncFrom >= 0 {
		from = uint64(syncFrom)
	}

	start := time.Now()
	latest, err := c.Run(ctx, from, to)
	if err != nil {
		log.Error("Sync failed", "error", err)
		return err
	}

	attrs := []any{"duration", time.Since(start).Round(time.Millisecond)}
	if latest != nil {
		attrs = append(attrs, "latest_block", uint64(latest.Number))
	}
	log.Info("Sync completed", attrs...)
	return nil
}

// parseBlockTag parses a block number or "latest", which maps to nil.
func parseBlockTag(s string) (*uint64, error) {
	if s == "" || s == "latest" {
		return nil, nil
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid block %q: want a number or latest", s)
	}
	return &n, nil
}
