package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/straja-ai/phiwatch/internal/auth"
	"github.com/straja-ai/phiwatch/internal/engine"
	"github.com/straja-ai/phiwatch/internal/redact"
	"github.com/straja-ai/phiwatch/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the metrics scheduler",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("addr", "", "HTTP listen address (overrides config)")
	_ = v.BindPFlag("server.addr", serveCmd.Flags().Lookup("addr"))
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg, appOptions{withDelivery: true, withHub: true})
	if err != nil {
		return err
	}
	defer a.close(context.Background())

	authz, err := auth.NewFromConfig(cfg)
	if err != nil {
		return err
	}
	if authz.Open() {
		redact.Logf("phiwatch: no clients configured, API is open")
	}

	srv, err := server.New(cfg.Server, server.Deps{
		Engine:      a.engine,
		Auth:        authz,
		Prometheus:  a.prom,
		Hub:         a.hub,
		Emitter:     a.emitter,
		HistoryDays: cfg.Metrics.HistoryDays,
	})
	if err != nil {
		return err
	}

	sched := engine.NewScheduler(a.engine, cfg.Metrics.RecomputeInterval, cfg.Metrics.Window())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.ListenAndServe)
	g.Go(func() error {
		if err := sched.Start(gctx); err != nil {
			return err
		}
		<-gctx.Done()
		sched.Stop()
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		redact.Logf("phiwatch: shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})

	return g.Wait()
}
