package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/straja-ai/phiwatch/internal/alerts"
	"github.com/straja-ai/phiwatch/internal/engine"
	"github.com/straja-ai/phiwatch/internal/metrics"
)

// MemoryStore keeps everything in process memory. It is meant for tests, demos and the
// check command; nothing survives a restart.
type MemoryStore struct {
	mu          sync.RWMutex
	evaluations []engine.Evaluation
	snapshots   []metrics.Snapshot
	alerts      []alerts.Alert
	alertIndex  map[string]int
	drift       []engine.DriftMeasurement
	bias        []engine.BiasResult
	scans       []engine.TrainingScan
	reports     []engine.AuditReport
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{alertIndex: make(map[string]int)}
}

func (s *MemoryStore) AppendEvaluation(_ context.Context, ev engine.Evaluation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evaluations = append(s.evaluations, ev)
	return nil
}

func (s *MemoryStore) ListEvaluations(_ context.Context, limit int) ([]engine.Evaluation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return newestFirst(s.evaluations, limit), nil
}

func (s *MemoryStore) QueryRecentEvaluations(_ context.Context, since time.Time) ([]metrics.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []metrics.Record
	for _, ev := range s.evaluations {
		if ev.Timestamp.Before(since) {
			continue
		}
		out = append(out, metrics.Record{Status: ev.Status, Timestamp: ev.Timestamp})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (s *MemoryStore) AppendMetricsSnapshot(_ context.Context, snap metrics.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots = append(s.snapshots, snap)
	return nil
}

func (s *MemoryStore) LatestMetricsSnapshot(_ context.Context) (metrics.Snapshot, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.snapshots) == 0 {
		return metrics.Snapshot{}, false, nil
	}
	latest := s.snapshots[0]
	for _, snap := range s.snapshots[1:] {
		if !snap.Timestamp.Before(latest.Timestamp) {
			latest = snap
		}
	}
	return latest, true, nil
}

func (s *MemoryStore) QueryMetricsHistory(_ context.Context, since time.Time) ([]metrics.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []metrics.Snapshot
	for _, snap := range s.snapshots {
		if !snap.Timestamp.Before(since) {
			out = append(out, snap)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (s *MemoryStore) AppendAlert(_ context.Context, a alerts.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alertIndex[a.ID] = len(s.alerts)
	s.alerts = append(s.alerts, copyAlert(a))
	return nil
}

func (s *MemoryStore) ListAlerts(_ context.Context, status alerts.Status, limit int) ([]alerts.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []alerts.Alert
	for i := len(s.alerts) - 1; i >= 0; i-- {
		a := s.alerts[i]
		if status != "" && a.Status != status {
			continue
		}
		out = append(out, copyAlert(a))
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) GetAlert(_ context.Context, id string) (alerts.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.alertIndex[id]
	if !ok {
		return alerts.Alert{}, engine.ErrNotFound
	}
	return copyAlert(s.alerts[i]), nil
}

func (s *MemoryStore) UpdateAlert(_ context.Context, a alerts.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.alertIndex[a.ID]
	if !ok {
		return engine.ErrNotFound
	}
	if s.alerts[i].Status == alerts.StatusResolved {
		return engine.ErrAlreadyResolved
	}
	s.alerts[i] = copyAlert(a)
	return nil
}

func (s *MemoryStore) CountAlerts(_ context.Context, status alerts.Status) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, a := range s.alerts {
		if status == "" || a.Status == status {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) AppendDrift(_ context.Context, m engine.DriftMeasurement) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drift = append(s.drift, m)
	return nil
}

func (s *MemoryStore) QueryDrift(_ context.Context, model string, since time.Time) ([]engine.DriftMeasurement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []engine.DriftMeasurement
	for _, m := range s.drift {
		if (model == "" || m.ModelName == model) && !m.Timestamp.Before(since) {
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (s *MemoryStore) AppendBias(_ context.Context, b engine.BiasResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bias = append(s.bias, b)
	return nil
}

func (s *MemoryStore) QueryBias(_ context.Context, model string, since time.Time) ([]engine.BiasResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []engine.BiasResult
	for _, b := range s.bias {
		if (model == "" || b.ModelName == model) && !b.Timestamp.Before(since) {
			out = append(out, b)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (s *MemoryStore) AppendTrainingScan(_ context.Context, scan engine.TrainingScan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scans = append(s.scans, scan)
	return nil
}

func (s *MemoryStore) ListTrainingScans(_ context.Context, limit int) ([]engine.TrainingScan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return newestFirst(s.scans, limit), nil
}

func (s *MemoryStore) AppendReport(_ context.Context, r engine.AuditReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports = append(s.reports, r)
	return nil
}

func (s *MemoryStore) GetReport(_ context.Context, id string) (engine.AuditReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.reports {
		if r.ID == id {
			return r, nil
		}
	}
	return engine.AuditReport{}, engine.ErrNotFound
}

func (s *MemoryStore) ListReports(_ context.Context, limit int) ([]engine.AuditReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return newestFirst(s.reports, limit), nil
}

// Close is a no-op; it lets MemoryStore stand in wherever a closable store is expected.
func (s *MemoryStore) Close() error { return nil }

// newestFirst returns up to limit items in reverse insertion order. limit <= 0 means all.
func newestFirst[T any](in []T, limit int) []T {
	n := len(in)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]T, 0, n)
	for i := len(in) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, in[i])
	}
	return out
}

func copyAlert(a alerts.Alert) alerts.Alert {
	if a.ResolvedAt != nil {
		t := *a.ResolvedAt
		a.ResolvedAt = &t
	}
	return a
}

var _ engine.Store = (*MemoryStore)(nil)
