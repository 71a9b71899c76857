package engine

import (
	"context"
	"time"

	"github.com/straja-ai/phiwatch/internal/alerts"
	"github.com/straja-ai/phiwatch/internal/metrics"
)

// Store is the persistence the engine writes through. Listings are newest first; history
// queries return ascending timestamps. Unknown IDs yield ErrNotFound.
type Store interface {
	AppendEvaluation(ctx context.Context, ev Evaluation) error
	ListEvaluations(ctx context.Context, limit int) ([]Evaluation, error)
	QueryRecentEvaluations(ctx context.Context, since time.Time) ([]metrics.Record, error)

	AppendMetricsSnapshot(ctx context.Context, snap metrics.Snapshot) error
	LatestMetricsSnapshot(ctx context.Context) (metrics.Snapshot, bool, error)
	QueryMetricsHistory(ctx context.Context, since time.Time) ([]metrics.Snapshot, error)

	AppendAlert(ctx context.Context, a alerts.Alert) error
	ListAlerts(ctx context.Context, status alerts.Status, limit int) ([]alerts.Alert, error)
	GetAlert(ctx context.Context, id string) (alerts.Alert, error)
	// UpdateAlert replaces a stored alert. It fails with ErrAlreadyResolved when the stored
	// copy is RESOLVED, which makes concurrent resolves safe.
	UpdateAlert(ctx context.Context, a alerts.Alert) error
	CountAlerts(ctx context.Context, status alerts.Status) (int, error)

	AppendDrift(ctx context.Context, m DriftMeasurement) error
	QueryDrift(ctx context.Context, model string, since time.Time) ([]DriftMeasurement, error)
	AppendBias(ctx context.Context, b BiasResult) error
	QueryBias(ctx context.Context, model string, since time.Time) ([]BiasResult, error)
	AppendTrainingScan(ctx context.Context, s TrainingScan) error
	ListTrainingScans(ctx context.Context, limit int) ([]TrainingScan, error)

	AppendReport(ctx context.Context, r AuditReport) error
	GetReport(ctx context.Context, id string) (AuditReport, error)
	ListReports(ctx context.Context, limit int) ([]AuditReport, error)
}
