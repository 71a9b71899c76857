package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/straja-ai/phiwatch/internal/activation"
	"github.com/straja-ai/phiwatch/internal/alerts"
	"github.com/straja-ai/phiwatch/internal/explain"
	"github.com/straja-ai/phiwatch/internal/metrics"
	"github.com/straja-ai/phiwatch/internal/patterns"
	"github.com/straja-ai/phiwatch/internal/redact"
	"github.com/straja-ai/phiwatch/internal/report"
	"github.com/straja-ai/phiwatch/internal/risk"
	"github.com/straja-ai/phiwatch/internal/telemetry"
)

// Retention policies for evaluation text.
const (
	RetainFull     = "full"
	RetainRedacted = "redacted"
	RetainNone     = "none"
)

// DefaultReportDays is the audit report period when a request names none.
const DefaultReportDays = 30

// EventEmitter receives alert lifecycle events. *activation.Emitter satisfies it.
type EventEmitter interface {
	Emit(ctx context.Context, ev *activation.Event)
}

// Observer mirrors engine activity into scrape metrics.
type Observer interface {
	ObserveEvaluation(status risk.Status, score float64)
	ObserveSnapshot(snap metrics.Snapshot)
	ObserveAlert(a alerts.Alert)
	ObservePersistenceFailure(op string)
}

// Options wires an Engine. Store is required; everything else has a default.
type Options struct {
	Store     Store
	Library   *patterns.Library
	Rules     *alerts.Rules
	Events    EventEmitter
	Telemetry *telemetry.Provider
	Observer  Observer

	WriteTimeout     time.Duration
	Window           time.Duration
	RecomputeOnWrite bool
	RetainText       string
	PreviewLevel     string
	Now              func() time.Time
}

// Engine evaluates text pairs and maintains metrics and alerts. It is safe for
// concurrent use.
type Engine struct {
	store     Store
	lib       *patterns.Library
	rules     *alerts.Rules
	events    EventEmitter
	telemetry *telemetry.Provider
	observer  Observer

	writeTimeout     time.Duration
	window           time.Duration
	recomputeOnWrite bool
	retainText       string
	previewLevel     string
	now              func() time.Time

	// snapshotMu serialises the open-alert check and raise of snapshot rules.
	snapshotMu sync.Mutex
}

func New(opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, errors.New("engine: store is required")
	}
	e := &Engine{
		store:            opts.Store,
		lib:              opts.Library,
		rules:            opts.Rules,
		events:           opts.Events,
		telemetry:        opts.Telemetry,
		observer:         opts.Observer,
		writeTimeout:     opts.WriteTimeout,
		window:           opts.Window,
		recomputeOnWrite: opts.RecomputeOnWrite,
		retainText:       strings.ToLower(strings.TrimSpace(opts.RetainText)),
		previewLevel:     opts.PreviewLevel,
		now:              opts.Now,
	}
	if e.lib == nil {
		e.lib = patterns.New()
	}
	if e.now == nil {
		e.now = func() time.Time { return time.Now().UTC() }
	}
	if e.rules == nil {
		e.rules = alerts.NewRules(alerts.DefaultThresholds())
		e.rules.Now = e.now
	}
	if e.writeTimeout <= 0 {
		e.writeTimeout = 2 * time.Second
	}
	if e.window <= 0 {
		e.window = metrics.DefaultWindow
	}
	switch e.retainText {
	case RetainFull, RetainRedacted, RetainNone:
	case "":
		e.retainText = RetainRedacted
	default:
		return nil, fmt.Errorf("engine: unknown text retention %q", opts.RetainText)
	}
	return e, nil
}

// Store exposes the underlying store for read-only listings.
func (e *Engine) Store() Store { return e.store }

// Library returns the pattern library in use.
func (e *Engine) Library() *patterns.Library { return e.lib }

// Window returns the default metrics window.
func (e *Engine) Window() time.Duration { return e.window }

// Score runs the pure stages only: patterns, score, disposition, reasons.
func (e *Engine) Score(input, output string) (Result, []patterns.Hit) {
	hits := e.lib.FindHits(input, output)
	score := risk.Score(hits)
	return Result{
		RiskScore: score,
		Status:    risk.Classify(score),
		Reasons:   explain.Explain(input, output, score),
	}, hits
}

// Evaluate scores one request, persists it best-effort and runs the alert path.
func (e *Engine) Evaluate(ctx context.Context, req EvaluationRequest) (Outcome, error) {
	if err := Validate(req); err != nil {
		return Outcome{}, err
	}

	start := time.Now()
	ctx, span := e.telemetry.Tracer().Start(ctx, "phiwatch.evaluate",
		trace.WithAttributes(attribute.String("phiwatch.model", req.ModelName)),
		trace.WithAttributes(telemetry.SafeAttributes(req.Metadata)...),
	)
	defer span.End()

	result, hits := e.Score(req.Input, req.Output)

	rec := Evaluation{
		ID:             uuid.NewString(),
		Timestamp:      e.now(),
		ModelName:      req.ModelName,
		Input:          e.retain(req.Input),
		Output:         e.retain(req.Output),
		Status:         result.Status,
		RiskScore:      result.RiskScore,
		Reasons:        cloneStrings(result.Reasons),
		Hits:           hits,
		PatternVersion: e.lib.Version(),
		Metadata:       cloneMap(req.Metadata),
	}
	out := Outcome{Result: result, Record: rec}

	if err := e.write(ctx, "append_evaluation", func(wctx context.Context) error {
		return e.store.AppendEvaluation(wctx, rec)
	}); err != nil {
		out.Degraded = err
		span.RecordError(err)
		span.SetStatus(codes.Error, "persistence degraded")
	}

	span.SetAttributes(
		attribute.String("phiwatch.status", string(result.Status)),
		attribute.Float64("phiwatch.risk_score", result.RiskScore),
		attribute.Int("phiwatch.hits", len(hits)),
	)

	if a := e.rules.ForEvaluation(alerts.EvaluationFacts{
		ID:        rec.ID,
		ModelName: rec.ModelName,
		Status:    rec.Status,
		RiskScore: rec.RiskScore,
		Reasons:   rec.Reasons,
	}); a != nil {
		e.raise(ctx, a)
	}

	if out.Degraded == nil && e.recomputeOnWrite {
		if _, err := e.RecomputeMetrics(ctx, e.window); err != nil {
			redact.Logf("engine: recompute after write: %v", err)
		}
	}

	durMs := float64(time.Since(start)) / float64(time.Millisecond)
	e.telemetry.RecordEvaluation(ctx, string(result.Status), req.ModelName, result.RiskScore, durMs)
	if e.observer != nil {
		e.observer.ObserveEvaluation(result.Status, result.RiskScore)
	}
	e.logEvaluation(rec, req, durMs, out.Degraded)

	return out, nil
}

// RecomputeMetrics aggregates the evaluations inside window and appends the snapshot.
// Read failures fall back to an empty window. A failed append is returned wrapped in
// ErrPersistence alongside the computed snapshot.
//
// Snapshot rules only raise an alert when no OPEN alert of the same type exists, so a
// condition that persists across recomputes is reported once until it is resolved.
func (e *Engine) RecomputeMetrics(ctx context.Context, window time.Duration) (metrics.Snapshot, error) {
	if window <= 0 {
		window = e.window
	}
	now := e.now()
	since := now.Add(-window)

	history, err := e.store.QueryRecentEvaluations(ctx, since)
	if err != nil {
		redact.Logf("engine: read evaluations for metrics: %v", err)
		history = nil
	}

	snap := metrics.Aggregate(history, metrics.Inputs{
		Now:          now,
		Window:       window,
		DriftPercent: e.maxDrift(ctx, since),
		ActiveAudits: e.openAlerts(ctx),
	})

	var degraded error
	if err := e.write(ctx, "append_metrics_snapshot", func(wctx context.Context) error {
		return e.store.AppendMetricsSnapshot(wctx, snap)
	}); err != nil {
		degraded = err
	}

	if e.observer != nil {
		e.observer.ObserveSnapshot(snap)
	}
	e.raiseSnapshotAlerts(ctx, snap)
	return snap, degraded
}

func (e *Engine) raiseSnapshotAlerts(ctx context.Context, snap metrics.Snapshot) {
	candidates := e.rules.ForSnapshot(snap)
	if len(candidates) == 0 {
		return
	}

	e.snapshotMu.Lock()
	defer e.snapshotMu.Unlock()

	open, err := e.store.ListAlerts(ctx, alerts.StatusOpen, 0)
	if err != nil {
		redact.Logf("engine: list open alerts: %v", err)
	}
	active := make(map[string]bool, len(open))
	for _, a := range open {
		active[a.AlertType] = true
	}
	for _, a := range candidates {
		if active[a.AlertType] {
			continue
		}
		e.raise(ctx, a)
		active[a.AlertType] = true
	}
}

// LatestMetrics returns the most recent snapshot, computing one when none is stored.
func (e *Engine) LatestMetrics(ctx context.Context) (metrics.Snapshot, error) {
	snap, ok, err := e.store.LatestMetricsSnapshot(ctx)
	if err != nil {
		redact.Logf("engine: read latest snapshot: %v", err)
	}
	if ok {
		return snap, nil
	}
	return e.RecomputeMetrics(ctx, e.window)
}

// RecordDrift persists a drift measurement and runs the drift rule.
func (e *Engine) RecordDrift(ctx context.Context, m DriftMeasurement) (DriftMeasurement, *alerts.Alert, error) {
	if err := Validate(m); err != nil {
		return DriftMeasurement{}, nil, err
	}
	m.ID = uuid.NewString()
	if m.Timestamp.IsZero() {
		m.Timestamp = e.now()
	}
	if err := e.write(ctx, "append_drift", func(wctx context.Context) error {
		return e.store.AppendDrift(wctx, m)
	}); err != nil {
		return m, nil, err
	}
	a := e.rules.ForDrift(m.ModelName, m.DriftScore)
	if a != nil {
		e.raise(ctx, a)
	}
	return m, a, nil
}

// RecordBias persists a bias result and runs the bias rule.
func (e *Engine) RecordBias(ctx context.Context, b BiasResult) (BiasResult, *alerts.Alert, error) {
	if err := Validate(b); err != nil {
		return BiasResult{}, nil, err
	}
	b.ID = uuid.NewString()
	if b.Timestamp.IsZero() {
		b.Timestamp = e.now()
	}
	if err := e.write(ctx, "append_bias", func(wctx context.Context) error {
		return e.store.AppendBias(wctx, b)
	}); err != nil {
		return b, nil, err
	}
	a := e.rules.ForBias(b.ModelName, b.DemographicGroup, b.BiasScore)
	if a != nil {
		e.raise(ctx, a)
	}
	return b, a, nil
}

// RecordTrainingScan persists training-scan counts and runs the training-data rule.
func (e *Engine) RecordTrainingScan(ctx context.Context, s TrainingScan) (TrainingScan, *alerts.Alert, error) {
	if err := Validate(s); err != nil {
		return TrainingScan{}, nil, err
	}
	s.ID = uuid.NewString()
	if s.Timestamp.IsZero() {
		s.Timestamp = e.now()
	}
	if s.Status == "" {
		s.Status = "completed"
	}
	if err := e.write(ctx, "append_training_scan", func(wctx context.Context) error {
		return e.store.AppendTrainingScan(wctx, s)
	}); err != nil {
		return s, nil, err
	}
	a := e.rules.ForTrainingScan(alerts.TrainingScanFacts{
		FileName:     s.FileName,
		TotalRows:    s.TotalRows,
		FlaggedRows:  s.FlaggedRows,
		PrivacyRisks: s.PrivacyRisks,
		BiasFlags:    s.BiasFlags,
	})
	if a != nil {
		e.raise(ctx, a)
	}
	return s, a, nil
}

// ResolveAlert moves an OPEN alert to RESOLVED. Unknown IDs yield ErrNotFound and
// resolved alerts ErrAlreadyResolved.
func (e *Engine) ResolveAlert(ctx context.Context, id string) (alerts.Alert, error) {
	a, err := e.store.GetAlert(ctx, id)
	if err != nil {
		return alerts.Alert{}, err
	}
	if err := a.Resolve(e.now()); err != nil {
		return a, err
	}
	if err := e.write(ctx, "update_alert", func(wctx context.Context) error {
		return e.store.UpdateAlert(wctx, a)
	}); err != nil {
		if errors.Is(err, ErrAlreadyResolved) {
			return a, ErrAlreadyResolved
		}
		return a, err
	}
	if e.events != nil {
		e.events.Emit(ctx, activation.NewAlertEvent(activation.KindAlertResolved, &a))
	}
	redact.Logf("engine: alert %s (%s) resolved", a.ID, a.AlertType)
	return a, nil
}

// GenerateReport builds an audit report from what is stored for the trailing period and
// persists it. A failed append is returned wrapped in ErrPersistence with the report.
func (e *Engine) GenerateReport(ctx context.Context, req ReportRequest) (AuditReport, error) {
	if err := Validate(req); err != nil {
		return AuditReport{}, err
	}
	days := req.PeriodDays
	if days == 0 {
		days = DefaultReportDays
	}
	framework := strings.ToUpper(strings.TrimSpace(req.Framework))
	end := e.now()
	start := end.Add(-time.Duration(days) * 24 * time.Hour)

	evals, err := e.store.QueryRecentEvaluations(ctx, start)
	if err != nil {
		return AuditReport{}, persistenceError("query_evaluations", err)
	}
	snaps, err := e.store.QueryMetricsHistory(ctx, start)
	if err != nil {
		return AuditReport{}, persistenceError("query_metrics_history", err)
	}
	all, err := e.store.ListAlerts(ctx, "", 0)
	if err != nil {
		return AuditReport{}, persistenceError("list_alerts", err)
	}

	findings, recs := report.Build(report.Inputs{
		Framework:    framework,
		PeriodStart:  start,
		PeriodEnd:    end,
		Evaluations:  evals,
		Snapshots:    snaps,
		Alerts:       all,
		PassingScore: e.rules.Thresholds.ComplianceWarnScore,
	})

	r := AuditReport{
		ID:              uuid.NewString(),
		Timestamp:       end,
		ReportType:      strings.TrimSpace(req.ReportType),
		Title:           report.Title(framework, end),
		Description:     req.Description,
		Status:          "generated",
		Framework:       framework,
		PeriodStart:     start,
		PeriodEnd:       end,
		Findings:        findings,
		Recommendations: recs,
	}
	if err := e.write(ctx, "append_report", func(wctx context.Context) error {
		return e.store.AppendReport(wctx, r)
	}); err != nil {
		return r, err
	}
	redact.Logf("engine: report %s generated framework=%s compliant=%v score=%.1f issues=%d",
		r.ID, framework, findings.Compliant, findings.OverallScore, len(findings.Issues))
	return r, nil
}

// Report returns one stored audit report.
func (e *Engine) Report(ctx context.Context, id string) (AuditReport, error) {
	return e.store.GetReport(ctx, id)
}

// Reports lists stored audit reports, newest first.
func (e *Engine) Reports(ctx context.Context, limit int) ([]AuditReport, error) {
	return e.store.ListReports(ctx, limit)
}

func (e *Engine) raise(ctx context.Context, a *alerts.Alert) {
	if err := e.write(ctx, "append_alert", func(wctx context.Context) error {
		return e.store.AppendAlert(wctx, *a)
	}); err != nil {
		redact.Logf("engine: alert %s not persisted: %v", a.ID, err)
	}
	e.telemetry.RecordAlert(ctx, a.AlertType, string(a.Severity))
	if e.observer != nil {
		e.observer.ObserveAlert(*a)
	}
	if e.events != nil {
		e.events.Emit(ctx, activation.NewAlertEvent(activation.KindAlertRaised, a))
	}
	redact.Logf("engine: alert raised id=%s type=%s severity=%s model=%q", a.ID, a.AlertType, a.Severity, a.RelatedModel)
}

// write runs one store write under the write timeout. Failures come back wrapped in
// ErrPersistence, except ErrAlreadyResolved which callers match directly.
func (e *Engine) write(ctx context.Context, op string, fn func(context.Context) error) error {
	wctx, cancel := context.WithTimeout(ctx, e.writeTimeout)
	defer cancel()
	err := fn(wctx)
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrAlreadyResolved) {
		return ErrAlreadyResolved
	}
	e.telemetry.RecordPersistenceFailure(ctx, op)
	if e.observer != nil {
		e.observer.ObservePersistenceFailure(op)
	}
	redact.Logf("engine: %s failed: %v", op, err)
	return persistenceError(op, err)
}

func (e *Engine) maxDrift(ctx context.Context, since time.Time) float64 {
	drift, err := e.store.QueryDrift(ctx, "", since)
	if err != nil {
		redact.Logf("engine: read drift for metrics: %v", err)
		return 0
	}
	var peak float64
	for _, d := range drift {
		if d.DriftScore > peak {
			peak = d.DriftScore
		}
	}
	return peak
}

func (e *Engine) openAlerts(ctx context.Context) int {
	n, err := e.store.CountAlerts(ctx, alerts.StatusOpen)
	if err != nil {
		redact.Logf("engine: count open alerts: %v", err)
		return 0
	}
	return n
}

func (e *Engine) retain(s string) string {
	switch e.retainText {
	case RetainFull:
		return s
	case RetainNone:
		return ""
	default:
		return redact.PHI(s)
	}
}

func (e *Engine) logEvaluation(rec Evaluation, req EvaluationRequest, durMs float64, degraded error) {
	line := fmt.Sprintf("engine: evaluation id=%s model=%q status=%s score=%.2f reasons=%d latency_ms=%.2f",
		rec.ID, rec.ModelName, rec.Status, rec.RiskScore, len(rec.Reasons), durMs)
	if p := redact.Preview(e.previewLevel, req.Output, 120); p != "" {
		line += fmt.Sprintf(" output=%q", p)
	}
	if degraded != nil {
		line += " degraded=true"
	}
	redact.Logf("%s", line)
}

func cloneStrings(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

func cloneMap(in map[string]any) map[string]any {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
