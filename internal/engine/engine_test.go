package engine_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/straja-ai/phiwatch/internal/activation"
	"github.com/straja-ai/phiwatch/internal/alerts"
	"github.com/straja-ai/phiwatch/internal/engine"
	"github.com/straja-ai/phiwatch/internal/explain"
	"github.com/straja-ai/phiwatch/internal/metrics"
	"github.com/straja-ai/phiwatch/internal/risk"
	"github.com/straja-ai/phiwatch/internal/store"
)

var fixedNow = time.Date(2026, 5, 4, 9, 30, 0, 0, time.UTC)

type recordingEmitter struct {
	mu     sync.Mutex
	events []*activation.Event
}

func (r *recordingEmitter) Emit(_ context.Context, ev *activation.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingEmitter) kinds() []activation.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []activation.Kind
	for _, ev := range r.events {
		out = append(out, ev.Kind)
	}
	return out
}

// failingStore rejects evaluation writes, and snapshot writes when failSnapshots is set.
type failingStore struct {
	*store.MemoryStore
	failSnapshots bool
}

var errDiskFull = errors.New("disk full")

func (failingStore) AppendEvaluation(context.Context, engine.Evaluation) error { return errDiskFull }

func (f failingStore) AppendMetricsSnapshot(ctx context.Context, snap metrics.Snapshot) error {
	if f.failSnapshots {
		return errDiskFull
	}
	return f.MemoryStore.AppendMetricsSnapshot(ctx, snap)
}

func newEngine(t *testing.T, s engine.Store, mutate func(*engine.Options)) (*engine.Engine, *recordingEmitter) {
	t.Helper()
	events := &recordingEmitter{}
	rules := alerts.NewRules(alerts.DefaultThresholds())
	rules.Now = func() time.Time { return fixedNow }
	opts := engine.Options{
		Store:  s,
		Rules:  rules,
		Events: events,
		Now:    func() time.Time { return fixedNow },
	}
	if mutate != nil {
		mutate(&opts)
	}
	e, err := engine.New(opts)
	require.NoError(t, err)
	return e, events
}

func TestEvaluate_Examples(t *testing.T) {
	cases := []struct {
		name    string
		input   string
		output  string
		score   float64
		status  risk.Status
		reasons []string
	}{
		{
			name:   "identifier and patient stay safe",
			input:  "Patient SSN is 123-45-6789",
			output: "Confirmed.",
			score:  0.4,
			status: risk.StatusSafe,
		},
		{
			name:    "email with two terms is flagged",
			input:   "Contact me at a@b.com regarding patient diagnosis",
			score:   0.5,
			status:  risk.StatusFlagged,
			reasons: []string{explain.ReasonEmail, explain.ReasonPatient},
		},
		{
			name:    "identifier, email and patient",
			input:   "SSN 123-45-6789, email a@b.com, patient record",
			score:   0.7,
			status:  risk.StatusFlagged,
			reasons: []string{explain.ReasonSSN, explain.ReasonEmail, explain.ReasonPatient},
		},
		{
			name:    "all shapes clamp to blocked",
			input:   "SSN 123-45-6789 email a@b.com phone 5551234567 born 1/2/1980",
			output:  "patient diagnosis noted",
			score:   1.0,
			status:  risk.StatusBlocked,
			reasons: []string{explain.ReasonSSN, explain.ReasonEmail, explain.ReasonPatient},
		},
		{
			name:   "clean text",
			input:  "What is the capital of France?",
			output: "Paris.",
			score:  0,
			status: risk.StatusSafe,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e, _ := newEngine(t, store.NewMemoryStore(), nil)
			out, err := e.Evaluate(context.Background(), engine.EvaluationRequest{
				Input:     tc.input,
				Output:    tc.output,
				ModelName: "gpt-test",
			})
			require.NoError(t, err)
			assert.NoError(t, out.Degraded)
			assert.InDelta(t, tc.score, out.Result.RiskScore, 1e-9)
			assert.Equal(t, tc.status, out.Result.Status)
			if tc.reasons == nil {
				assert.Empty(t, out.Result.Reasons)
			} else {
				assert.Equal(t, tc.reasons, out.Result.Reasons)
			}
		})
	}
}

func TestEvaluate_Validation(t *testing.T) {
	s := store.NewMemoryStore()
	e, _ := newEngine(t, s, nil)

	cases := []struct {
		name  string
		req   engine.EvaluationRequest
		field string
	}{
		{name: "blank model", req: engine.EvaluationRequest{Input: "x", ModelName: "   "}, field: "modelName"},
		{name: "invalid utf8", req: engine.EvaluationRequest{Input: "bad \xff", ModelName: "m"}, field: "input"},
		{name: "model too long", req: engine.EvaluationRequest{ModelName: strings.Repeat("m", 256)}, field: "modelName"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := e.Evaluate(context.Background(), tc.req)
			var verr *engine.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tc.field, verr.Field)
		})
	}

	list, err := s.ListEvaluations(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestEvaluate_EmptyTextIsValid(t *testing.T) {
	e, _ := newEngine(t, store.NewMemoryStore(), nil)
	out, err := e.Evaluate(context.Background(), engine.EvaluationRequest{ModelName: "m"})
	require.NoError(t, err)
	assert.Equal(t, risk.StatusSafe, out.Result.Status)
	assert.Zero(t, out.Result.RiskScore)
}

func TestEvaluate_PersistsRedactedRecord(t *testing.T) {
	s := store.NewMemoryStore()
	e, _ := newEngine(t, s, nil)

	out, err := e.Evaluate(context.Background(), engine.EvaluationRequest{
		Input:     "Patient SSN is 123-45-6789",
		Output:    "Confirmed.",
		ModelName: "gpt-test",
		Metadata:  map[string]any{"tenant": "clinic-a"},
	})
	require.NoError(t, err)

	list, err := s.ListEvaluations(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, list, 1)
	rec := list[0]
	assert.Equal(t, out.Record.ID, rec.ID)
	assert.Equal(t, "Patient SSN is [REDACTED_SSN]", rec.Input)
	assert.Equal(t, fixedNow, rec.Timestamp)
	assert.Equal(t, "clinic-a", rec.Metadata["tenant"])
	assert.Len(t, rec.Hits, 2)
}

func TestEvaluate_RetainPolicies(t *testing.T) {
	for policy, want := range map[string]string{
		engine.RetainFull: "SSN 123-45-6789",
		engine.RetainNone: "",
	} {
		t.Run(policy, func(t *testing.T) {
			s := store.NewMemoryStore()
			e, _ := newEngine(t, s, func(o *engine.Options) { o.RetainText = policy })
			_, err := e.Evaluate(context.Background(), engine.EvaluationRequest{Input: "SSN 123-45-6789", ModelName: "m"})
			require.NoError(t, err)
			list, err := s.ListEvaluations(context.Background(), 1)
			require.NoError(t, err)
			require.Len(t, list, 1)
			assert.Equal(t, want, list[0].Input)
		})
	}

	_, err := engine.New(engine.Options{Store: store.NewMemoryStore(), RetainText: "forever"})
	assert.Error(t, err)
}

func TestEvaluate_BlockedRaisesAlert(t *testing.T) {
	s := store.NewMemoryStore()
	e, events := newEngine(t, s, nil)

	out, err := e.Evaluate(context.Background(), engine.EvaluationRequest{
		Input:     "SSN 123-45-6789 email a@b.com phone 5551234567",
		Output:    "patient chart",
		ModelName: "gpt-test",
	})
	require.NoError(t, err)
	require.Equal(t, risk.StatusBlocked, out.Result.Status)

	open, err := s.ListAlerts(context.Background(), alerts.StatusOpen, 0)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, alerts.TypePHIExposure, open[0].AlertType)
	assert.Equal(t, alerts.SeverityHigh, open[0].Severity)
	assert.Equal(t, "gpt-test", open[0].RelatedModel)
	assert.Equal(t, []activation.Kind{activation.KindAlertRaised}, events.kinds())
}

func TestEvaluate_DegradedPersistence(t *testing.T) {
	s := failingStore{MemoryStore: store.NewMemoryStore()}
	e, _ := newEngine(t, s, func(o *engine.Options) { o.RecomputeOnWrite = true })

	out, err := e.Evaluate(context.Background(), engine.EvaluationRequest{
		Input:     "Contact me at a@b.com regarding patient diagnosis",
		ModelName: "gpt-test",
	})
	require.NoError(t, err)
	require.Error(t, out.Degraded)
	assert.ErrorIs(t, out.Degraded, engine.ErrPersistence)
	assert.Equal(t, risk.StatusFlagged, out.Result.Status)
	assert.InDelta(t, 0.5, out.Result.RiskScore, 1e-9)

	_, ok, err := s.LatestMetricsSnapshot(context.Background())
	require.NoError(t, err)
	assert.False(t, ok, "no recompute after a failed write")
}

func TestEvaluate_RecomputeOnWrite(t *testing.T) {
	s := store.NewMemoryStore()
	e, _ := newEngine(t, s, func(o *engine.Options) { o.RecomputeOnWrite = true })

	_, err := e.Evaluate(context.Background(), engine.EvaluationRequest{Input: "hello", ModelName: "m"})
	require.NoError(t, err)

	snap, ok, err := s.LatestMetricsSnapshot(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, snap.TotalCount)
	assert.Equal(t, 100.0, snap.ComplianceScore)
}

func TestRecomputeMetrics(t *testing.T) {
	ctx := context.Background()

	t.Run("ten evaluations three flagged", func(t *testing.T) {
		s := store.NewMemoryStore()
		e, events := newEngine(t, s, nil)
		for i := 0; i < 10; i++ {
			st := risk.StatusSafe
			switch i {
			case 0, 1:
				st = risk.StatusFlagged
			case 2:
				st = risk.StatusBlocked
			}
			require.NoError(t, s.AppendEvaluation(ctx, engine.Evaluation{
				ID:        string(rune('a' + i)),
				Timestamp: fixedNow.Add(-time.Duration(i) * time.Hour),
				Status:    st,
			}))
		}
		// outside the 24h window
		require.NoError(t, s.AppendEvaluation(ctx, engine.Evaluation{ID: "old", Timestamp: fixedNow.Add(-25 * time.Hour), Status: risk.StatusBlocked}))

		snap, err := e.RecomputeMetrics(ctx, 0)
		require.NoError(t, err)
		assert.Equal(t, 10, snap.TotalCount)
		assert.Equal(t, 3, snap.FlaggedCount)
		assert.Equal(t, 1, snap.BlockedCount)
		assert.InDelta(t, 70.0, snap.ComplianceScore, 1e-9)
		assert.Equal(t, fixedNow.Add(-24*time.Hour), snap.WindowStart)

		open, err := s.ListAlerts(ctx, alerts.StatusOpen, 0)
		require.NoError(t, err)
		require.Len(t, open, 1)
		assert.Equal(t, alerts.TypeComplianceScore, open[0].AlertType)
		assert.Equal(t, alerts.SeverityHigh, open[0].Severity)
		assert.Len(t, events.kinds(), 1)

		latest, err := e.LatestMetrics(ctx)
		require.NoError(t, err)
		assert.Equal(t, snap.ComplianceScore, latest.ComplianceScore)
	})

	t.Run("empty window", func(t *testing.T) {
		s := store.NewMemoryStore()
		e, events := newEngine(t, s, nil)
		snap, err := e.RecomputeMetrics(ctx, time.Hour)
		require.NoError(t, err)
		assert.Equal(t, 0, snap.TotalCount)
		assert.Equal(t, 100.0, snap.ComplianceScore)
		assert.Empty(t, events.kinds())
	})

	t.Run("drift and open alerts feed the snapshot", func(t *testing.T) {
		s := store.NewMemoryStore()
		e, _ := newEngine(t, s, nil)
		_, _, err := e.RecordDrift(ctx, engine.DriftMeasurement{ModelName: "m1", DriftScore: 3})
		require.NoError(t, err)
		_, a, err := e.RecordDrift(ctx, engine.DriftMeasurement{ModelName: "m2", DriftScore: 7.5})
		require.NoError(t, err)
		require.NotNil(t, a)
		assert.Equal(t, alerts.SeverityMedium, a.Severity)

		snap, err := e.RecomputeMetrics(ctx, 0)
		require.NoError(t, err)
		assert.Equal(t, 7.5, snap.DriftPercent)
		assert.Equal(t, 1, snap.ActiveAudits)
	})

	t.Run("failed append still returns snapshot", func(t *testing.T) {
		e, _ := newEngine(t, failingStore{MemoryStore: store.NewMemoryStore(), failSnapshots: true}, nil)
		snap, err := e.RecomputeMetrics(ctx, 0)
		assert.ErrorIs(t, err, engine.ErrPersistence)
		assert.Equal(t, 100.0, snap.ComplianceScore)
	})
}

func TestRecomputeMetrics_PersistentConditionAlertsOnce(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	e, _ := newEngine(t, s, func(o *engine.Options) { o.RecomputeOnWrite = true })

	_, err := e.Evaluate(ctx, engine.EvaluationRequest{Input: "Contact me at a@b.com regarding patient diagnosis", ModelName: "m"})
	require.NoError(t, err)
	_, driftAlert, err := e.RecordDrift(ctx, engine.DriftMeasurement{ModelName: "m", DriftScore: 12})
	require.NoError(t, err)
	require.NotNil(t, driftAlert)
	for i := 0; i < 10; i++ {
		_, err := e.Evaluate(ctx, engine.EvaluationRequest{Input: "hello", ModelName: "m"})
		require.NoError(t, err)
	}

	open, err := s.ListAlerts(ctx, alerts.StatusOpen, 0)
	require.NoError(t, err)
	byType := map[string]int{}
	for _, a := range open {
		byType[a.AlertType]++
	}
	assert.Equal(t, map[string]int{alerts.TypeComplianceScore: 1, alerts.TypeModelDrift: 1}, byType)

	snap, err := e.RecomputeMetrics(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, snap.ActiveAudits)

	// A resolved alert re-arms its rule while the condition still holds.
	var compliance alerts.Alert
	for _, a := range open {
		if a.AlertType == alerts.TypeComplianceScore {
			compliance = a
		}
	}
	_, err = e.ResolveAlert(ctx, compliance.ID)
	require.NoError(t, err)
	_, err = e.RecomputeMetrics(ctx, 0)
	require.NoError(t, err)

	n, err := s.CountAlerts(ctx, alerts.StatusOpen)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	total, err := s.CountAlerts(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 3, total)
}

func TestRecomputeMetrics_ConcurrentRunsRaiseOneAlert(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	require.NoError(t, s.AppendEvaluation(ctx, engine.Evaluation{ID: "f", Timestamp: fixedNow, Status: risk.StatusFlagged}))
	e, _ := newEngine(t, s, nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = e.RecomputeMetrics(ctx, 0)
		}()
	}
	wg.Wait()

	n, err := s.CountAlerts(ctx, alerts.StatusOpen)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestGenerateReport(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	e, _ := newEngine(t, s, nil)

	_, err := e.Evaluate(ctx, engine.EvaluationRequest{Input: "hello", ModelName: "m"})
	require.NoError(t, err)
	_, err = e.Evaluate(ctx, engine.EvaluationRequest{
		Input:     "SSN 123-45-6789 email a@b.com phone 5551234567 born 1/2/1980",
		Output:    "patient diagnosis noted",
		ModelName: "m",
	})
	require.NoError(t, err)

	r, err := e.GenerateReport(ctx, engine.ReportRequest{ReportType: "monthly", Framework: "hipaa", Description: "May review"})
	require.NoError(t, err)
	assert.Equal(t, "HIPAA", r.Framework)
	assert.Equal(t, "HIPAA Compliance Report - 2026-05-04", r.Title)
	assert.Equal(t, "generated", r.Status)
	assert.Equal(t, fixedNow.Add(-engine.DefaultReportDays*24*time.Hour), r.PeriodStart)
	assert.Equal(t, 2, r.Findings.TotalEvaluations)
	assert.Equal(t, 1, r.Findings.BlockedEvaluations)
	assert.Equal(t, 50.0, r.Findings.OverallScore)
	assert.Equal(t, 1, r.Findings.AlertsByType[alerts.TypePHIExposure])
	assert.False(t, r.Findings.Compliant)
	assert.NotEmpty(t, r.Recommendations)

	stored, err := e.Report(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, r.Title, stored.Title)

	list, err := e.Reports(ctx, 10)
	require.NoError(t, err)
	require.Len(t, list, 1)

	_, err = e.Report(ctx, "missing")
	assert.ErrorIs(t, err, engine.ErrNotFound)
}

func TestGenerateReport_Validation(t *testing.T) {
	e, _ := newEngine(t, store.NewMemoryStore(), nil)
	cases := []struct {
		req   engine.ReportRequest
		field string
	}{
		{engine.ReportRequest{ReportType: "monthly", Framework: "  "}, "complianceFramework"},
		{engine.ReportRequest{Framework: "GDPR"}, "reportType"},
		{engine.ReportRequest{ReportType: "monthly", Framework: "GDPR", PeriodDays: 400}, "periodDays"},
	}
	for _, tc := range cases {
		_, err := e.GenerateReport(context.Background(), tc.req)
		var verr *engine.ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, tc.field, verr.Field)
	}
}

func TestLatestMetrics_ComputesWhenEmpty(t *testing.T) {
	s := store.NewMemoryStore()
	e, _ := newEngine(t, s, nil)
	snap, err := e.LatestMetrics(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 100.0, snap.ComplianceScore)

	_, ok, err := s.LatestMetricsSnapshot(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestResolveAlert(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	e, events := newEngine(t, s, nil)

	_, a, err := e.RecordBias(ctx, engine.BiasResult{ModelName: "m", DemographicGroup: "age_65_plus", BiasScore: 0.25})
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.Equal(t, alerts.SeverityHigh, a.Severity)

	resolved, err := e.ResolveAlert(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, alerts.StatusResolved, resolved.Status)
	require.NotNil(t, resolved.ResolvedAt)
	assert.Equal(t, fixedNow, *resolved.ResolvedAt)

	_, err = e.ResolveAlert(ctx, a.ID)
	assert.ErrorIs(t, err, engine.ErrAlreadyResolved)

	_, err = e.ResolveAlert(ctx, "nope")
	assert.ErrorIs(t, err, engine.ErrNotFound)

	assert.Equal(t, []activation.Kind{activation.KindAlertRaised, activation.KindAlertResolved}, events.kinds())
}

func TestRecordTrainingScan(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	e, _ := newEngine(t, s, nil)

	_, _, err := e.RecordTrainingScan(ctx, engine.TrainingScan{FileName: "a.csv", TotalRows: 5, FlaggedRows: 6})
	var verr *engine.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "flaggedRows", verr.Field)

	scan, a, err := e.RecordTrainingScan(ctx, engine.TrainingScan{FileName: "b.csv", TotalRows: 100, FlaggedRows: 2, PrivacyRisks: 1})
	require.NoError(t, err)
	assert.Equal(t, "completed", scan.Status)
	require.NotNil(t, a)
	assert.Equal(t, alerts.SeverityMedium, a.Severity)

	scans, err := s.ListTrainingScans(ctx, 0)
	require.NoError(t, err)
	require.Len(t, scans, 1)
	assert.Equal(t, "b.csv", scans[0].FileName)
}

func TestEvaluate_Concurrent(t *testing.T) {
	s := store.NewMemoryStore()
	e, _ := newEngine(t, s, func(o *engine.Options) { o.RecomputeOnWrite = true })

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := e.Evaluate(context.Background(), engine.EvaluationRequest{
				Input:     "Contact me at a@b.com regarding patient diagnosis",
				ModelName: "m",
			})
			assert.NoError(t, err)
			assert.Equal(t, risk.StatusFlagged, out.Result.Status)
		}()
	}
	wg.Wait()

	list, err := s.ListEvaluations(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, list, 20)
}

type countingRecomputer struct {
	calls atomic.Int32
	seen  chan time.Duration
}

func (c *countingRecomputer) RecomputeMetrics(_ context.Context, window time.Duration) (metrics.Snapshot, error) {
	c.calls.Add(1)
	select {
	case c.seen <- window:
	default:
	}
	return metrics.Snapshot{ComplianceScore: 100}, nil
}

func TestScheduler(t *testing.T) {
	target := &countingRecomputer{seen: make(chan time.Duration, 16)}
	sched := engine.NewScheduler(target, 10*time.Millisecond, 6*time.Hour)

	require.NoError(t, sched.Start(context.Background()))
	assert.Error(t, sched.Start(context.Background()))

	select {
	case w := <-target.seen:
		assert.Equal(t, 6*time.Hour, w)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not run an initial cycle")
	}
	require.Eventually(t, func() bool { return target.calls.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)

	sched.Stop()
	sched.Stop()
	after := target.calls.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, after, target.calls.Load())

	snap, err := sched.RunNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 100.0, snap.ComplianceScore)
}

func TestScheduler_StopsOnContextCancel(t *testing.T) {
	target := &countingRecomputer{seen: make(chan time.Duration, 1)}
	sched := engine.NewScheduler(target, time.Hour, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, sched.Start(ctx))
	<-target.seen
	cancel()
	require.Eventually(t, func() bool { return sched.Start(context.Background()) == nil }, 2*time.Second, 5*time.Millisecond)
	sched.Stop()
}
