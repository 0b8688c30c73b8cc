package cli

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"slices"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/vietddude/chainsync/internal/control"
	"github.com/vietddude/chainsync/internal/core/interval"
)

var intervalsCmd = &cobra.Command{
	Use:   "intervals",
	Short: "Show the block intervals each source has covered",
	RunE:  runIntervals,
}

func init() {
	rootCmd.AddCommand(intervalsCmd)
}

func runIntervals(cmd *cobra.Command, args []string) error {
	cfg, err := setup()
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		return err
	}

	ctx := context.Background()
	app, err := control.NewApp(ctx, cfg)
	if err != nil {
		slog.Error("Failed to initialize chainsync", "error", err)
		return err
	}
	defer func() {
		_ = app.Stop(ctx)
	}()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "CHAIN\tSOURCE\tBLOCKS\tINTERVALS")
	for _, c := range app.Chains() {
		coverage := c.Intervals()
		for _, name := range slices.Sorted(maps.Keys(coverage)) {
			_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", c.Chain(), name, interval.Sum(coverage[name]), formatIntervals(coverage[name]))
		}
	}
	return w.Flush()
}

func formatIntervals(ivs []interval.Interval) string {
	if len(ivs) == 0 {
		return "-"
	}
	parts := make([]string, len(ivs))
	for i, iv := range ivs {
		parts[i] = iv.String()
	}
	return strings.Join(parts, ", ")
}
