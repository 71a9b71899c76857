package alerts

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/straja-ai/phiwatch/internal/metrics"
	"github.com/straja-ai/phiwatch/internal/risk"
)

type Severity string

const (
	SeverityLow    Severity = "LOW"
	SeverityMedium Severity = "MEDIUM"
	SeverityHigh   Severity = "HIGH"
)

type Status string

const (
	StatusOpen     Status = "OPEN"
	StatusResolved Status = "RESOLVED"
)

const (
	TypePHIExposure     = "phi_exposure"
	TypeModelDrift      = "model_drift"
	TypeComplianceScore = "compliance_score"
	TypeBias            = "bias_detected"
	TypeTrainingData    = "training_data_risk"
)

var ErrAlreadyResolved = errors.New("alert already resolved")

// Alert is a compliance alert. The only mutation it ever sees is OPEN to RESOLVED.
type Alert struct {
	ID           string     `json:"id"`
	AlertType    string     `json:"alertType"`
	Severity     Severity   `json:"severity"`
	Title        string     `json:"title"`
	Description  string     `json:"description"`
	RelatedModel string     `json:"relatedModel,omitempty"`
	Status       Status     `json:"status"`
	CreatedAt    time.Time  `json:"createdAt"`
	ResolvedAt   *time.Time `json:"resolvedAt,omitempty"`
}

// Resolve moves an open alert to RESOLVED and stamps ResolvedAt.
func (a *Alert) Resolve(now time.Time) error {
	if a.Status == StatusResolved {
		return ErrAlreadyResolved
	}
	a.Status = StatusResolved
	t := now.UTC()
	a.ResolvedAt = &t
	return nil
}

// ParseStatus returns ok=false for anything other than OPEN or RESOLVED.
func ParseStatus(s string) (Status, bool) {
	switch Status(s) {
	case StatusOpen, StatusResolved:
		return Status(s), true
	case "open":
		return StatusOpen, true
	case "resolved":
		return StatusResolved, true
	}
	return "", false
}

// Thresholds holds the two-level limits for each rule. A value crossing the warn level
// raises MEDIUM, crossing the escalate level raises HIGH.
type Thresholds struct {
	DriftWarnPercent        float64
	DriftEscalatePercent    float64
	ComplianceWarnScore     float64
	ComplianceEscalateScore float64
	BiasWarnScore           float64
	BiasEscalateScore       float64
	TrainingWarnRatio       float64
	TrainingEscalateRatio   float64
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		DriftWarnPercent:        5,
		DriftEscalatePercent:    10,
		ComplianceWarnScore:     95,
		ComplianceEscalateScore: 90,
		BiasWarnScore:           0.1,
		BiasEscalateScore:       0.2,
		TrainingWarnRatio:       0.05,
		TrainingEscalateRatio:   0.15,
	}
}

// EvaluationFacts is what the evaluation rule needs to know about one persisted result.
type EvaluationFacts struct {
	ID        string
	ModelName string
	Status    risk.Status
	RiskScore float64
	Reasons   []string
}

// TrainingScanFacts holds the aggregate counts of one training-data scan.
type TrainingScanFacts struct {
	FileName     string
	TotalRows    int
	FlaggedRows  int
	PrivacyRisks int
	BiasFlags    int
}

// Rules turns evaluations and measurements into new OPEN alerts. Nil means no alert.
// Rules never dedupe.
type Rules struct {
	Thresholds Thresholds
	Now        func() time.Time
	NewID      func() string
}

func NewRules(t Thresholds) *Rules {
	return &Rules{
		Thresholds: t,
		Now:        func() time.Time { return time.Now().UTC() },
		NewID:      uuid.NewString,
	}
}

func (r *Rules) newAlert(typ string, sev Severity, title, desc, model string) *Alert {
	return &Alert{
		ID:           r.NewID(),
		AlertType:    typ,
		Severity:     sev,
		Title:        title,
		Description:  desc,
		RelatedModel: model,
		Status:       StatusOpen,
		CreatedAt:    r.Now(),
	}
}

// above picks the severity for a value that is bad when high.
func above(v, warn, escalate float64) (Severity, bool) {
	switch {
	case v > escalate:
		return SeverityHigh, true
	case v > warn:
		return SeverityMedium, true
	}
	return "", false
}

// below picks the severity for a value that is bad when low.
func below(v, warn, escalate float64) (Severity, bool) {
	switch {
	case v < escalate:
		return SeverityHigh, true
	case v < warn:
		return SeverityMedium, true
	}
	return "", false
}

// ForEvaluation raises a HIGH phi_exposure alert for BLOCKED results.
func (r *Rules) ForEvaluation(ev EvaluationFacts) *Alert {
	if ev.Status != risk.StatusBlocked {
		return nil
	}
	desc := fmt.Sprintf("Evaluation %s from model %q was blocked with risk score %.2f", ev.ID, ev.ModelName, ev.RiskScore)
	if len(ev.Reasons) > 0 {
		desc += fmt.Sprintf(" (%d reasons)", len(ev.Reasons))
	}
	return r.newAlert(TypePHIExposure, SeverityHigh, "Blocked output with protected health information", desc, ev.ModelName)
}

// ForSnapshot checks drift and compliance score. It may return up to two alerts.
func (r *Rules) ForSnapshot(snap metrics.Snapshot) []*Alert {
	var out []*Alert
	t := r.Thresholds

	if sev, ok := above(snap.DriftPercent, t.DriftWarnPercent, t.DriftEscalatePercent); ok {
		out = append(out, r.newAlert(TypeModelDrift, sev,
			"Model drift above threshold",
			fmt.Sprintf("Drift reached %.2f%% (warn %.2f%%, escalate %.2f%%)", snap.DriftPercent, t.DriftWarnPercent, t.DriftEscalatePercent),
			""))
	}
	if snap.TotalCount > 0 {
		if sev, ok := below(snap.ComplianceScore, t.ComplianceWarnScore, t.ComplianceEscalateScore); ok {
			out = append(out, r.newAlert(TypeComplianceScore, sev,
				"Compliance score below threshold",
				fmt.Sprintf("Compliance score %.2f%% over %d evaluations (%d flagged)", snap.ComplianceScore, snap.TotalCount, snap.FlaggedCount),
				""))
		}
	}
	return out
}

// ForDrift checks one drift measurement for a model.
func (r *Rules) ForDrift(model string, driftPercent float64) *Alert {
	t := r.Thresholds
	sev, ok := above(driftPercent, t.DriftWarnPercent, t.DriftEscalatePercent)
	if !ok {
		return nil
	}
	return r.newAlert(TypeModelDrift, sev,
		fmt.Sprintf("Drift detected for %s", model),
		fmt.Sprintf("Model %q drift score %.2f exceeds %.2f", model, driftPercent, t.DriftWarnPercent),
		model)
}

// ForBias checks one bias measurement for a demographic group.
func (r *Rules) ForBias(model, group string, score float64) *Alert {
	t := r.Thresholds
	sev, ok := above(score, t.BiasWarnScore, t.BiasEscalateScore)
	if !ok {
		return nil
	}
	return r.newAlert(TypeBias, sev,
		fmt.Sprintf("Bias detected for %s", model),
		fmt.Sprintf("Model %q bias score %.3f for group %q exceeds %.3f", model, score, group, t.BiasWarnScore),
		model)
}

// ForTrainingScan checks the flagged-row ratio of a scan. Any privacy risk raises at
// least MEDIUM.
func (r *Rules) ForTrainingScan(s TrainingScanFacts) *Alert {
	if s.TotalRows <= 0 {
		return nil
	}
	t := r.Thresholds
	ratio := float64(s.FlaggedRows) / float64(s.TotalRows)
	sev, ok := above(ratio, t.TrainingWarnRatio, t.TrainingEscalateRatio)
	if !ok && s.PrivacyRisks > 0 {
		sev, ok = SeverityMedium, true
	}
	if !ok {
		return nil
	}
	return r.newAlert(TypeTrainingData, sev,
		fmt.Sprintf("Training data risk in %s", s.FileName),
		fmt.Sprintf("%d of %d rows flagged (%.1f%%), %d privacy risks, %d bias flags",
			s.FlaggedRows, s.TotalRows, ratio*100, s.PrivacyRisks, s.BiasFlags),
		"")
}
