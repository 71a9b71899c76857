package main

import (
	"context"
	"encoding/json"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var recomputeWindowHours int

var recomputeCmd = &cobra.Command{
	Use:   "recompute",
	Short: "Run one metrics cycle against the configured store",
	RunE:  runRecompute,
}

func init() {
	recomputeCmd.Flags().IntVar(&recomputeWindowHours, "window-hours", 0, "window size in hours (default: metrics.window_hours)")
}

func runRecompute(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx := context.Background()
	a, err := buildApp(ctx, cfg, appOptions{withDelivery: true})
	if err != nil {
		return err
	}
	defer a.close(ctx)

	window := cfg.Metrics.Window()
	if recomputeWindowHours > 0 {
		window = time.Duration(recomputeWindowHours) * time.Hour
	}
	snap, err := a.engine.RecomputeMetrics(ctx, window)
	if err != nil {
		color.New(color.FgYellow).Fprintf(cmd.ErrOrStderr(), "warning: %v\n", err)
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(snap)
}
