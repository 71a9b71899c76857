package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/straja-ai/phiwatch/internal/engine"
	"github.com/straja-ai/phiwatch/internal/store"
)

func main() {
	n := flag.Int("n", 2000, "number of iterations")
	input := flag.String("input", "Patient Jane Doe, SSN 123-45-6789, asked about her diagnosis.", "input text to evaluate")
	output := flag.String("output", "The treatment plan and prescription were emailed to jane@example.com.", "output text to evaluate")
	persist := flag.Bool("persist", true, "persist evaluations to an in-memory store")
	recompute := flag.Bool("recompute", false, "recompute metrics after every write")
	flag.Parse()

	var st engine.Store = store.NewMemoryStore()
	eng, err := engine.New(engine.Options{
		Store:            st,
		RecomputeOnWrite: *recompute,
		RetainText:       engine.RetainRedacted,
	})
	if err != nil {
		log.Fatalf("build engine: %v", err)
	}

	ctx := context.Background()
	req := engine.EvaluationRequest{Input: *input, Output: *output, ModelName: "bench"}

	// Warmup
	for i := 0; i < 10; i++ {
		if _, err := eng.Evaluate(ctx, req); err != nil {
			log.Fatalf("warmup evaluate failed: %v", err)
		}
	}

	if *n <= 0 {
		*n = 1
	}

	var result engine.Result
	durations := make([]time.Duration, 0, *n)
	for i := 0; i < *n; i++ {
		start := time.Now()
		if *persist {
			out, err := eng.Evaluate(ctx, req)
			if err != nil {
				log.Fatalf("evaluate failed: %v", err)
			}
			result = out.Result
		} else {
			result, _ = eng.Score(req.Input, req.Output)
		}
		durations = append(durations, time.Since(start))
	}

	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })

	var total time.Duration
	for _, d := range durations {
		total += d
	}

	avg := float64(total.Microseconds()) / 1000.0 / float64(len(durations))
	p50 := float64(durations[len(durations)/2].Microseconds()) / 1000.0
	p95 := float64(durations[int(float64(len(durations)-1)*0.95)].Microseconds()) / 1000.0

	fmt.Printf("bench: n=%d avg_ms=%.3f p50_ms=%.3f p95_ms=%.3f status=%s risk=%.2f persist=%t recompute=%t\n",
		len(durations),
		avg,
		p50,
		p95,
		result.Status,
		result.RiskScore,
		*persist,
		*recompute,
	)
}
