package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/straja-ai/phiwatch/internal/engine"
	"github.com/straja-ai/phiwatch/internal/risk"
)

var (
	checkInput  string
	checkOutput string
	checkModel  string
	checkJSON   bool
	checkFailOn string
	checkStore  bool
)

var errDispositionFailed = errors.New("disposition at or above --fail-on")

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Evaluate one input/output pair",
	Long: `Evaluate one input/output pair and print the disposition.

The output text is read from --output, or from stdin when stdin is not a terminal.
Nothing is persisted unless --store is given.`,
	RunE: runCheck,
}

func init() {
	f := checkCmd.Flags()
	f.StringVar(&checkInput, "input", "", "prompt text sent to the model")
	f.StringVar(&checkOutput, "output", "", "model response text (default: stdin)")
	f.StringVar(&checkModel, "model", "cli", "model name recorded with the evaluation")
	f.BoolVar(&checkJSON, "json", false, "print the result as JSON")
	f.StringVar(&checkFailOn, "fail-on", "", "exit non-zero at this disposition or worse (flagged|blocked)")
	f.BoolVar(&checkStore, "store", false, "persist the evaluation to the configured store")
}

func runCheck(cmd *cobra.Command, _ []string) error {
	failOn, err := parseFailOn(checkFailOn)
	if err != nil {
		return err
	}

	output := checkOutput
	if output == "" && !isatty.IsTerminal(os.Stdin.Fd()) && !isatty.IsCygwinTerminal(os.Stdin.Fd()) {
		data, err := io.ReadAll(io.LimitReader(cmd.InOrStdin(), 4<<20))
		if err != nil {
			return fmt.Errorf("read stdin: %w", err)
		}
		output = string(data)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if !checkStore {
		cfg.Storage.Driver = "memory"
	}

	ctx := context.Background()
	a, err := buildApp(ctx, cfg, appOptions{})
	if err != nil {
		return err
	}
	defer a.close(ctx)

	out, err := a.engine.Evaluate(ctx, engine.EvaluationRequest{
		Input:     checkInput,
		Output:    output,
		ModelName: checkModel,
	})
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	if checkJSON {
		res := out.Result
		if res.Reasons == nil {
			res.Reasons = []string{}
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			return err
		}
	} else {
		printResult(w, out.Result)
	}
	if out.Degraded != nil {
		color.New(color.FgYellow).Fprintf(cmd.ErrOrStderr(), "warning: %v\n", out.Degraded)
	}

	if failOn != "" && atLeast(out.Result.Status, failOn) {
		return errDispositionFailed
	}
	return nil
}

func printResult(w io.Writer, res engine.Result) {
	var c *color.Color
	switch res.Status {
	case risk.StatusBlocked:
		c = color.New(color.FgRed, color.Bold)
	case risk.StatusFlagged:
		c = color.New(color.FgYellow, color.Bold)
	default:
		c = color.New(color.FgGreen, color.Bold)
	}
	c.Fprintf(w, "%-8s", res.Status)
	fmt.Fprintf(w, " risk=%.2f\n", res.RiskScore)
	for _, r := range res.Reasons {
		fmt.Fprintf(w, "  - %s\n", r)
	}
}

func parseFailOn(s string) (risk.Status, error) {
	if strings.TrimSpace(s) == "" {
		return "", nil
	}
	st, ok := risk.ParseStatus(s)
	if !ok || st == risk.StatusSafe {
		return "", fmt.Errorf("--fail-on must be flagged or blocked, got %q", s)
	}
	return st, nil
}

func atLeast(got, threshold risk.Status) bool {
	rank := map[risk.Status]int{risk.StatusSafe: 0, risk.StatusFlagged: 1, risk.StatusBlocked: 2}
	return rank[got] >= rank[threshold]
}
