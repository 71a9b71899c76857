package main

import (
	"context"
	"encoding/json"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/straja-ai/phiwatch/internal/engine"
)

var reportReq engine.ReportRequest

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Generate and store an audit report for a compliance framework",
	RunE:  runReport,
}

func init() {
	f := reportCmd.Flags()
	f.StringVar(&reportReq.Framework, "framework", "HIPAA", "compliance framework the report covers")
	f.StringVar(&reportReq.ReportType, "type", "periodic", "report type label")
	f.StringVar(&reportReq.Description, "description", "", "free-form description stored with the report")
	f.IntVar(&reportReq.PeriodDays, "days", 0, "trailing period in days (default 30)")
}

func runReport(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx := context.Background()
	a, err := buildApp(ctx, cfg, appOptions{})
	if err != nil {
		return err
	}
	defer a.close(ctx)

	r, err := a.engine.GenerateReport(ctx, reportReq)
	if r.ID == "" {
		return err
	}
	if err != nil {
		color.New(color.FgYellow).Fprintf(cmd.ErrOrStderr(), "warning: %v\n", err)
	}
	verdict := color.New(color.FgGreen, color.Bold).Sprint("COMPLIANT")
	if !r.Findings.Compliant {
		verdict = color.New(color.FgRed, color.Bold).Sprint("NOT COMPLIANT")
	}
	color.New(color.Faint).Fprintf(cmd.ErrOrStderr(), "%s: %s\n", r.Title, verdict)

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}
