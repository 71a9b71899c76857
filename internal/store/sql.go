package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/straja-ai/phiwatch/internal/alerts"
	"github.com/straja-ai/phiwatch/internal/engine"
	"github.com/straja-ai/phiwatch/internal/metrics"
	"github.com/straja-ai/phiwatch/internal/patterns"
	"github.com/straja-ai/phiwatch/internal/redact"
	"github.com/straja-ai/phiwatch/internal/report"
	"github.com/straja-ai/phiwatch/internal/risk"
)

// SQLOptions configures the sqlite-backed store.
type SQLOptions struct {
	Path     string
	LogLevel string // silent | error | warn | info
}

// SQLStore persists everything in sqlite through gorm. It holds a single connection, so
// writes are serialised by the pool.
type SQLStore struct {
	db *gorm.DB
}

type evaluationRow struct {
	ID             string         `gorm:"type:varchar(36);primaryKey"`
	RecordedAt     time.Time      `gorm:"index;not null"`
	ModelName      string         `gorm:"type:varchar(255);index;not null"`
	InputData      string         `gorm:"type:text"`
	OutputData     string         `gorm:"type:text"`
	Status         string         `gorm:"type:varchar(16);index;not null"`
	RiskScore      float64        `gorm:"not null"`
	Reasons        []string       `gorm:"serializer:json"`
	Hits           []patterns.Hit `gorm:"serializer:json"`
	PatternVersion string         `gorm:"type:varchar(32)"`
	Metadata       map[string]any `gorm:"serializer:json"`
}

func (evaluationRow) TableName() string { return "ai_output_checks" }

type metricsRow struct {
	ID              uint      `gorm:"primaryKey;autoIncrement"`
	RecordedAt      time.Time `gorm:"index;not null"`
	ComplianceScore float64
	FlaggedCount    int
	BlockedCount    int
	TotalCount      int
	DriftPercent    float64
	ActiveAudits    int
	WindowStart     time.Time
	WindowEnd       time.Time
}

func (metricsRow) TableName() string { return "compliance_metrics" }

type alertRow struct {
	ID           string    `gorm:"type:varchar(36);primaryKey"`
	RaisedAt     time.Time `gorm:"index;not null"`
	AlertType    string    `gorm:"type:varchar(100);not null"`
	Severity     string    `gorm:"type:varchar(16);not null"`
	Title        string    `gorm:"type:varchar(255);not null"`
	Description  string    `gorm:"type:text"`
	RelatedModel string    `gorm:"type:varchar(255)"`
	Status       string    `gorm:"type:varchar(16);index;not null"`
	ResolvedAt   *time.Time
}

func (alertRow) TableName() string { return "compliance_alerts" }

type driftRow struct {
	ID                    string    `gorm:"type:varchar(36);primaryKey"`
	RecordedAt            time.Time `gorm:"index;not null"`
	ModelName             string    `gorm:"type:varchar(255);index;not null"`
	DriftScore            float64
	BaselineAccuracy      float64
	CurrentAccuracy       float64
	DataDistributionShift float64
	PerformanceMetrics    map[string]any `gorm:"serializer:json"`
}

func (driftRow) TableName() string { return "model_drift_data" }

type biasRow struct {
	ID                    string    `gorm:"type:varchar(36);primaryKey"`
	RecordedAt            time.Time `gorm:"index;not null"`
	ModelName             string    `gorm:"type:varchar(255);index;not null"`
	DemographicGroup      string    `gorm:"type:varchar(100)"`
	BiasScore             float64
	FairnessMetrics       map[string]any `gorm:"serializer:json"`
	MitigationSuggestions []string       `gorm:"serializer:json"`
}

func (biasRow) TableName() string { return "bias_detection_results" }

type trainingScanRow struct {
	ID           string    `gorm:"type:varchar(36);primaryKey"`
	RecordedAt   time.Time `gorm:"index;not null"`
	FileName     string    `gorm:"type:varchar(255);not null"`
	FileSize     int64
	TotalRows    int
	FlaggedRows  int
	PrivacyRisks int
	BiasFlags    int
	MissingDocs  int
	Status       string         `gorm:"type:varchar(50)"`
	ScanResults  map[string]any `gorm:"serializer:json"`
}

func (trainingScanRow) TableName() string { return "training_data_scans" }

type reportRow struct {
	ID              string          `gorm:"type:varchar(36);primaryKey"`
	RecordedAt      time.Time       `gorm:"index;not null"`
	ReportType      string          `gorm:"type:varchar(100);not null"`
	Title           string          `gorm:"type:varchar(255);not null"`
	Description     string          `gorm:"type:text"`
	Status          string          `gorm:"type:varchar(50);not null"`
	Framework       string          `gorm:"column:compliance_framework;type:varchar(100);not null"`
	PeriodStart     time.Time       `gorm:"not null"`
	PeriodEnd       time.Time       `gorm:"not null"`
	Findings        report.Findings `gorm:"serializer:json"`
	Recommendations []string        `gorm:"serializer:json"`
}

func (reportRow) TableName() string { return "audit_reports" }

// OpenSQL opens (creating if needed) the sqlite database at opts.Path and migrates the schema.
func OpenSQL(opts SQLOptions) (*SQLStore, error) {
	if strings.TrimSpace(opts.Path) == "" {
		return nil, errors.New("store: sqlite path is empty")
	}
	if dir := filepath.Dir(opts.Path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("store: create db dir %s: %w", dir, err)
		}
	}

	var level gormlogger.LogLevel
	switch strings.ToLower(opts.LogLevel) {
	case "silent":
		level = gormlogger.Silent
	case "error":
		level = gormlogger.Error
	case "info":
		level = gormlogger.Info
	default:
		level = gormlogger.Warn
	}

	db, err := gorm.Open(sqlite.Open(opts.Path), &gorm.Config{
		Logger:                 gormlogger.Default.LogMode(level),
		PrepareStmt:            true,
		SkipDefaultTransaction: true,
	})
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite %s: %w", opts.Path, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("store: get sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	sqlDB.SetConnMaxLifetime(time.Hour)

	for _, p := range []string{
		"PRAGMA journal_mode = WAL;",
		"PRAGMA synchronous = NORMAL;",
		"PRAGMA temp_store = MEMORY;",
		"PRAGMA busy_timeout = 5000;",
	} {
		if err := db.Exec(p).Error; err != nil {
			_ = sqlDB.Close()
			return nil, fmt.Errorf("store: exec %s: %w", p, err)
		}
	}

	if err := db.AutoMigrate(&evaluationRow{}, &metricsRow{}, &alertRow{}, &driftRow{}, &biasRow{}, &trainingScanRow{}, &reportRow{}); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}

	redact.Logf("store: sqlite ready path=%s journal_mode=WAL", opts.Path)
	return &SQLStore{db: db}, nil
}

// Close releases the underlying connection.
func (s *SQLStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("store: get sql.DB: %w", err)
	}
	return sqlDB.Close()
}

func (s *SQLStore) AppendEvaluation(ctx context.Context, ev engine.Evaluation) error {
	row := evaluationRow{
		ID:             ev.ID,
		RecordedAt:     ev.Timestamp.UTC(),
		ModelName:      ev.ModelName,
		InputData:      ev.Input,
		OutputData:     ev.Output,
		Status:         string(ev.Status),
		RiskScore:      ev.RiskScore,
		Reasons:        ev.Reasons,
		Hits:           ev.Hits,
		PatternVersion: ev.PatternVersion,
		Metadata:       ev.Metadata,
	}
	return s.db.WithContext(ctx).Create(&row).Error
}

func (s *SQLStore) ListEvaluations(ctx context.Context, limit int) ([]engine.Evaluation, error) {
	var rows []evaluationRow
	q := s.db.WithContext(ctx).Order("recorded_at desc, rowid desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]engine.Evaluation, 0, len(rows))
	for _, r := range rows {
		out = append(out, engine.Evaluation{
			ID:             r.ID,
			Timestamp:      r.RecordedAt.UTC(),
			ModelName:      r.ModelName,
			Input:          r.InputData,
			Output:         r.OutputData,
			Status:         risk.Status(r.Status),
			RiskScore:      r.RiskScore,
			Reasons:        r.Reasons,
			Hits:           r.Hits,
			PatternVersion: r.PatternVersion,
			Metadata:       r.Metadata,
		})
	}
	return out, nil
}

func (s *SQLStore) QueryRecentEvaluations(ctx context.Context, since time.Time) ([]metrics.Record, error) {
	var rows []struct {
		Status     string
		RecordedAt time.Time
	}
	err := s.db.WithContext(ctx).Model(&evaluationRow{}).
		Select("status", "recorded_at").
		Where("recorded_at >= ?", since.UTC()).
		Order("recorded_at asc").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]metrics.Record, 0, len(rows))
	for _, r := range rows {
		out = append(out, metrics.Record{Status: risk.Status(r.Status), Timestamp: r.RecordedAt.UTC()})
	}
	return out, nil
}

func (s *SQLStore) AppendMetricsSnapshot(ctx context.Context, snap metrics.Snapshot) error {
	row := metricsRow{
		RecordedAt:      snap.Timestamp.UTC(),
		ComplianceScore: snap.ComplianceScore,
		FlaggedCount:    snap.FlaggedCount,
		BlockedCount:    snap.BlockedCount,
		TotalCount:      snap.TotalCount,
		DriftPercent:    snap.DriftPercent,
		ActiveAudits:    snap.ActiveAudits,
		WindowStart:     snap.WindowStart.UTC(),
		WindowEnd:       snap.WindowEnd.UTC(),
	}
	return s.db.WithContext(ctx).Create(&row).Error
}

func (s *SQLStore) LatestMetricsSnapshot(ctx context.Context) (metrics.Snapshot, bool, error) {
	var rows []metricsRow
	if err := s.db.WithContext(ctx).Order("recorded_at desc, id desc").Limit(1).Find(&rows).Error; err != nil {
		return metrics.Snapshot{}, false, err
	}
	if len(rows) == 0 {
		return metrics.Snapshot{}, false, nil
	}
	return rows[0].snapshot(), true, nil
}

func (s *SQLStore) QueryMetricsHistory(ctx context.Context, since time.Time) ([]metrics.Snapshot, error) {
	var rows []metricsRow
	err := s.db.WithContext(ctx).
		Where("recorded_at >= ?", since.UTC()).
		Order("recorded_at asc, id asc").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]metrics.Snapshot, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.snapshot())
	}
	return out, nil
}

func (r metricsRow) snapshot() metrics.Snapshot {
	return metrics.Snapshot{
		ComplianceScore: r.ComplianceScore,
		FlaggedCount:    r.FlaggedCount,
		BlockedCount:    r.BlockedCount,
		TotalCount:      r.TotalCount,
		DriftPercent:    r.DriftPercent,
		ActiveAudits:    r.ActiveAudits,
		WindowStart:     r.WindowStart.UTC(),
		WindowEnd:       r.WindowEnd.UTC(),
		Timestamp:       r.RecordedAt.UTC(),
	}
}

func (s *SQLStore) AppendAlert(ctx context.Context, a alerts.Alert) error {
	row := alertToRow(a)
	return s.db.WithContext(ctx).Create(&row).Error
}

func (s *SQLStore) ListAlerts(ctx context.Context, status alerts.Status, limit int) ([]alerts.Alert, error) {
	var rows []alertRow
	q := s.db.WithContext(ctx).Order("raised_at desc, rowid desc")
	if status != "" {
		q = q.Where("status = ?", string(status))
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]alerts.Alert, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.alert())
	}
	return out, nil
}

func (s *SQLStore) GetAlert(ctx context.Context, id string) (alerts.Alert, error) {
	var row alertRow
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return alerts.Alert{}, engine.ErrNotFound
	}
	if err != nil {
		return alerts.Alert{}, err
	}
	return row.alert(), nil
}

func (s *SQLStore) UpdateAlert(ctx context.Context, a alerts.Alert) error {
	row := alertToRow(a)
	res := s.db.WithContext(ctx).Model(&alertRow{}).
		Where("id = ? AND status <> ?", a.ID, string(alerts.StatusResolved)).
		Updates(map[string]any{
			"alert_type":    row.AlertType,
			"severity":      row.Severity,
			"title":         row.Title,
			"description":   row.Description,
			"related_model": row.RelatedModel,
			"status":        row.Status,
			"resolved_at":   row.ResolvedAt,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		return nil
	}
	if _, err := s.GetAlert(ctx, a.ID); err != nil {
		return err
	}
	return engine.ErrAlreadyResolved
}

func (s *SQLStore) CountAlerts(ctx context.Context, status alerts.Status) (int, error) {
	var n int64
	q := s.db.WithContext(ctx).Model(&alertRow{})
	if status != "" {
		q = q.Where("status = ?", string(status))
	}
	if err := q.Count(&n).Error; err != nil {
		return 0, err
	}
	return int(n), nil
}

func alertToRow(a alerts.Alert) alertRow {
	row := alertRow{
		ID:           a.ID,
		RaisedAt:     a.CreatedAt.UTC(),
		AlertType:    a.AlertType,
		Severity:     string(a.Severity),
		Title:        a.Title,
		Description:  a.Description,
		RelatedModel: a.RelatedModel,
		Status:       string(a.Status),
	}
	if a.ResolvedAt != nil {
		t := a.ResolvedAt.UTC()
		row.ResolvedAt = &t
	}
	return row
}

func (r alertRow) alert() alerts.Alert {
	a := alerts.Alert{
		ID:           r.ID,
		AlertType:    r.AlertType,
		Severity:     alerts.Severity(r.Severity),
		Title:        r.Title,
		Description:  r.Description,
		RelatedModel: r.RelatedModel,
		Status:       alerts.Status(r.Status),
		CreatedAt:    r.RaisedAt.UTC(),
	}
	if r.ResolvedAt != nil {
		t := r.ResolvedAt.UTC()
		a.ResolvedAt = &t
	}
	return a
}

func (s *SQLStore) AppendDrift(ctx context.Context, m engine.DriftMeasurement) error {
	row := driftRow{
		ID:                    m.ID,
		RecordedAt:            m.Timestamp.UTC(),
		ModelName:             m.ModelName,
		DriftScore:            m.DriftScore,
		BaselineAccuracy:      m.BaselineAccuracy,
		CurrentAccuracy:       m.CurrentAccuracy,
		DataDistributionShift: m.DataDistributionShift,
		PerformanceMetrics:    m.PerformanceMetrics,
	}
	return s.db.WithContext(ctx).Create(&row).Error
}

func (s *SQLStore) QueryDrift(ctx context.Context, model string, since time.Time) ([]engine.DriftMeasurement, error) {
	var rows []driftRow
	q := s.db.WithContext(ctx).Where("recorded_at >= ?", since.UTC())
	if model != "" {
		q = q.Where("model_name = ?", model)
	}
	if err := q.Order("recorded_at asc").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]engine.DriftMeasurement, 0, len(rows))
	for _, r := range rows {
		out = append(out, engine.DriftMeasurement{
			ID:                    r.ID,
			Timestamp:             r.RecordedAt.UTC(),
			ModelName:             r.ModelName,
			DriftScore:            r.DriftScore,
			BaselineAccuracy:      r.BaselineAccuracy,
			CurrentAccuracy:       r.CurrentAccuracy,
			DataDistributionShift: r.DataDistributionShift,
			PerformanceMetrics:    r.PerformanceMetrics,
		})
	}
	return out, nil
}

func (s *SQLStore) AppendBias(ctx context.Context, b engine.BiasResult) error {
	row := biasRow{
		ID:                    b.ID,
		RecordedAt:            b.Timestamp.UTC(),
		ModelName:             b.ModelName,
		DemographicGroup:      b.DemographicGroup,
		BiasScore:             b.BiasScore,
		FairnessMetrics:       b.FairnessMetrics,
		MitigationSuggestions: b.MitigationSuggestions,
	}
	return s.db.WithContext(ctx).Create(&row).Error
}

func (s *SQLStore) QueryBias(ctx context.Context, model string, since time.Time) ([]engine.BiasResult, error) {
	var rows []biasRow
	q := s.db.WithContext(ctx).Where("recorded_at >= ?", since.UTC())
	if model != "" {
		q = q.Where("model_name = ?", model)
	}
	if err := q.Order("recorded_at asc").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]engine.BiasResult, 0, len(rows))
	for _, r := range rows {
		out = append(out, engine.BiasResult{
			ID:                    r.ID,
			Timestamp:             r.RecordedAt.UTC(),
			ModelName:             r.ModelName,
			DemographicGroup:      r.DemographicGroup,
			BiasScore:             r.BiasScore,
			FairnessMetrics:       r.FairnessMetrics,
			MitigationSuggestions: r.MitigationSuggestions,
		})
	}
	return out, nil
}

func (s *SQLStore) AppendTrainingScan(ctx context.Context, scan engine.TrainingScan) error {
	row := trainingScanRow{
		ID:           scan.ID,
		RecordedAt:   scan.Timestamp.UTC(),
		FileName:     scan.FileName,
		FileSize:     scan.FileSize,
		TotalRows:    scan.TotalRows,
		FlaggedRows:  scan.FlaggedRows,
		PrivacyRisks: scan.PrivacyRisks,
		BiasFlags:    scan.BiasFlags,
		MissingDocs:  scan.MissingDocs,
		Status:       scan.Status,
		ScanResults:  scan.ScanResults,
	}
	return s.db.WithContext(ctx).Create(&row).Error
}

func (s *SQLStore) ListTrainingScans(ctx context.Context, limit int) ([]engine.TrainingScan, error) {
	var rows []trainingScanRow
	q := s.db.WithContext(ctx).Order("recorded_at desc, rowid desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]engine.TrainingScan, 0, len(rows))
	for _, r := range rows {
		out = append(out, engine.TrainingScan{
			ID:           r.ID,
			Timestamp:    r.RecordedAt.UTC(),
			FileName:     r.FileName,
			FileSize:     r.FileSize,
			TotalRows:    r.TotalRows,
			FlaggedRows:  r.FlaggedRows,
			PrivacyRisks: r.PrivacyRisks,
			BiasFlags:    r.BiasFlags,
			MissingDocs:  r.MissingDocs,
			Status:       r.Status,
			ScanResults:  r.ScanResults,
		})
	}
	return out, nil
}

func (s *SQLStore) AppendReport(ctx context.Context, r engine.AuditReport) error {
	row := reportRow{
		ID:              r.ID,
		RecordedAt:      r.Timestamp.UTC(),
		ReportType:      r.ReportType,
		Title:           r.Title,
		Description:     r.Description,
		Status:          r.Status,
		Framework:       r.Framework,
		PeriodStart:     r.PeriodStart.UTC(),
		PeriodEnd:       r.PeriodEnd.UTC(),
		Findings:        r.Findings,
		Recommendations: r.Recommendations,
	}
	return s.db.WithContext(ctx).Create(&row).Error
}

func (s *SQLStore) GetReport(ctx context.Context, id string) (engine.AuditReport, error) {
	var row reportRow
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return engine.AuditReport{}, engine.ErrNotFound
	}
	if err != nil {
		return engine.AuditReport{}, err
	}
	return row.report(), nil
}

func (s *SQLStore) ListReports(ctx context.Context, limit int) ([]engine.AuditReport, error) {
	var rows []reportRow
	q := s.db.WithContext(ctx).Order("recorded_at desc, rowid desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]engine.AuditReport, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.report())
	}
	return out, nil
}

func (r reportRow) report() engine.AuditReport {
	return engine.AuditReport{
		ID:              r.ID,
		Timestamp:       r.RecordedAt.UTC(),
		ReportType:      r.ReportType,
		Title:           r.Title,
		Description:     r.Description,
		Status:          r.Status,
		Framework:       r.Framework,
		PeriodStart:     r.PeriodStart.UTC(),
		PeriodEnd:       r.PeriodEnd.UTC(),
		Findings:        r.Findings,
		Recommendations: r.Recommendations,
	}
}

var _ engine.Store = (*SQLStore)(nil)
