package main

import (
	"context"
	"fmt"
	"time"

	"github.com/straja-ai/phiwatch/internal/activation"
	"github.com/straja-ai/phiwatch/internal/alerts"
	"github.com/straja-ai/phiwatch/internal/config"
	"github.com/straja-ai/phiwatch/internal/engine"
	"github.com/straja-ai/phiwatch/internal/observability"
	"github.com/straja-ai/phiwatch/internal/server"
	"github.com/straja-ai/phiwatch/internal/store"
	"github.com/straja-ai/phiwatch/internal/telemetry"
)

// app holds everything a command needs, in shutdown order.
type app struct {
	cfg       *config.Config
	store     store.Closer
	telemetry *telemetry.Provider
	emitter   *activation.Emitter
	prom      *observability.Prometheus
	hub       *server.Hub
	engine    *engine.Engine
}

type appOptions struct {
	// withDelivery starts the alert emitter and its sinks.
	withDelivery bool
	withHub      bool
}

func buildApp(ctx context.Context, cfg *config.Config, opts appOptions) (*app, error) {
	a := &app{cfg: cfg}

	st, err := store.Open(cfg.Storage)
	if err != nil {
		return nil, err
	}
	a.store = st

	tp, err := telemetry.NewProvider(ctx, telemetry.Config{
		Enabled:  cfg.Telemetry.Enabled,
		Endpoint: cfg.Telemetry.Endpoint,
		Protocol: cfg.Telemetry.Protocol,
		Service:  cfg.Telemetry.Service,
		Version:  version,
	})
	if err != nil {
		a.close(ctx)
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	a.telemetry = tp
	a.prom = observability.NewPrometheus()

	var events engine.EventEmitter
	if opts.withDelivery {
		sinks, err := activation.BuildSinks(cfg.Activation)
		if err != nil {
			a.close(ctx)
			return nil, err
		}
		if opts.withHub {
			a.hub = server.NewHub()
			sinks = append(sinks, a.hub)
		}
		a.emitter = activation.NewEmitter(activation.EmitterConfig{
			QueueSize:       cfg.Activation.QueueSize,
			Workers:         cfg.Activation.Workers,
			ShutdownTimeout: cfg.Activation.ShutdownTimeout,
		}, sinks)
		a.prom.WatchEmitter(a.emitter)
		events = a.emitter
	}

	t := cfg.Alerts
	rules := alerts.NewRules(alerts.Thresholds{
		DriftWarnPercent:        t.DriftWarnPercent,
		DriftEscalatePercent:    t.DriftEscalatePercent,
		ComplianceWarnScore:     t.ComplianceWarnScore,
		ComplianceEscalateScore: t.ComplianceEscalateScore,
		BiasWarnScore:           t.BiasWarnScore,
		BiasEscalateScore:       t.BiasEscalateScore,
		TrainingWarnRatio:       t.TrainingWarnRatio,
		TrainingEscalateRatio:   t.TrainingEscalateRatio,
	})

	eng, err := engine.New(engine.Options{
		Store:            st,
		Rules:            rules,
		Events:           events,
		Telemetry:        tp,
		Observer:         a.prom,
		WriteTimeout:     cfg.Storage.WriteTimeout,
		Window:           cfg.Metrics.Window(),
		RecomputeOnWrite: cfg.Metrics.RecomputeAfterWrite(),
		RetainText:       cfg.Storage.RetainText,
		PreviewLevel:     cfg.Logging.PreviewLevel,
	})
	if err != nil {
		a.close(ctx)
		return nil, err
	}
	a.engine = eng
	return a, nil
}

// close flushes alert delivery first so queued events still reach their sinks.
func (a *app) close(ctx context.Context) {
	if a.emitter != nil {
		a.emitter.Close(ctx)
	}
	if a.telemetry != nil {
		tctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		a.telemetry.Shutdown(tctx)
		cancel()
	}
	if a.store != nil {
		_ = a.store.Close()
	}
}
