package engine

import (
	"time"

	"github.com/straja-ai/phiwatch/internal/patterns"
	"github.com/straja-ai/phiwatch/internal/report"
	"github.com/straja-ai/phiwatch/internal/risk"
)

// EvaluationRequest is one (input, output, model) triple submitted for review.
// Metadata is open-ended; no key is ever assumed present.
type EvaluationRequest struct {
	Input     string         `json:"input" validate:"utf8"`
	Output    string         `json:"output" validate:"utf8"`
	ModelName string         `json:"modelName" validate:"notblank,max=255,utf8"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Result is the immutable verdict for one evaluation. Reasons is empty when Status is SAFE.
type Result struct {
	RiskScore float64     `json:"riskScore"`
	Status    risk.Status `json:"status"`
	Reasons   []string    `json:"reasons"`
}

// Evaluation is the persisted form of a request and its result. Input and Output hold the
// text as retained by the storage policy, which may be masked or empty.
type Evaluation struct {
	ID             string         `json:"id"`
	Timestamp      time.Time      `json:"timestamp"`
	ModelName      string         `json:"modelName"`
	Input          string         `json:"inputData"`
	Output         string         `json:"outputData"`
	Status         risk.Status    `json:"status"`
	RiskScore      float64        `json:"riskScore"`
	Reasons        []string       `json:"reasons"`
	Hits           []patterns.Hit `json:"hits,omitempty"`
	PatternVersion string         `json:"patternVersion,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// Outcome is what Evaluate returns. Degraded is non-nil when the evaluation could not be
// persisted; it wraps ErrPersistence and never invalidates Result.
type Outcome struct {
	Result   Result
	Record   Evaluation
	Degraded error
}

// DriftMeasurement is a model drift reading supplied by an external monitor.
type DriftMeasurement struct {
	ID                    string         `json:"id"`
	Timestamp             time.Time      `json:"timestamp"`
	ModelName             string         `json:"modelName" validate:"notblank,max=255"`
	DriftScore            float64        `json:"driftScore" validate:"gte=0"`
	BaselineAccuracy      float64        `json:"baselineAccuracy" validate:"gte=0,lte=1"`
	CurrentAccuracy       float64        `json:"currentAccuracy" validate:"gte=0,lte=1"`
	DataDistributionShift float64        `json:"dataDistributionShift" validate:"gte=0"`
	PerformanceMetrics    map[string]any `json:"performanceMetrics,omitempty"`
}

// BiasResult is a fairness measurement for one demographic group.
type BiasResult struct {
	ID                    string         `json:"id"`
	Timestamp             time.Time      `json:"timestamp"`
	ModelName             string         `json:"modelName" validate:"notblank,max=255"`
	DemographicGroup      string         `json:"demographicGroup" validate:"notblank,max=100"`
	BiasScore             float64        `json:"biasScore" validate:"gte=0"`
	FairnessMetrics       map[string]any `json:"fairnessMetrics,omitempty"`
	MitigationSuggestions []string       `json:"mitigationSuggestions,omitempty"`
}

// TrainingScan holds the aggregate counts of a training-data scan done elsewhere.
type TrainingScan struct {
	ID           string         `json:"id"`
	Timestamp    time.Time      `json:"timestamp"`
	FileName     string         `json:"fileName" validate:"notblank,max=255"`
	FileSize     int64          `json:"fileSize" validate:"gte=0"`
	TotalRows    int            `json:"totalRows" validate:"gte=0"`
	FlaggedRows  int            `json:"flaggedRows" validate:"gte=0,ltefield=TotalRows"`
	PrivacyRisks int            `json:"privacyRisks" validate:"gte=0"`
	BiasFlags    int            `json:"biasFlags" validate:"gte=0"`
	MissingDocs  int            `json:"missingDocs" validate:"gte=0"`
	Status       string         `json:"status"`
	ScanResults  map[string]any `json:"scanResults,omitempty"`
}

// ReportRequest asks for an audit report over the trailing PeriodDays. Zero means
// DefaultReportDays.
type ReportRequest struct {
	ReportType  string `json:"reportType" validate:"notblank,max=100"`
	Framework   string `json:"complianceFramework" validate:"notblank,max=100"`
	Description string `json:"description" validate:"max=2000"`
	PeriodDays  int    `json:"periodDays" validate:"gte=0,lte=365"`
}

// AuditReport is a generated compliance report. Findings are computed from stored
// evaluations, snapshots and alerts at generation time and never change afterwards.
type AuditReport struct {
	ID              string          `json:"id"`
	Timestamp       time.Time       `json:"timestamp"`
	ReportType      string          `json:"reportType"`
	Title           string          `json:"title"`
	Description     string          `json:"description,omitempty"`
	Status          string          `json:"status"`
	Framework       string          `json:"complianceFramework"`
	PeriodStart     time.Time       `json:"periodStart"`
	PeriodEnd       time.Time       `json:"periodEnd"`
	Findings        report.Findings `json:"findings"`
	Recommendations []string        `json:"recommendations"`
}
