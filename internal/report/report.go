package report

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/straja-ai/phiwatch/internal/alerts"
	"github.com/straja-ai/phiwatch/internal/metrics"
	"github.com/straja-ai/phiwatch/internal/risk"
)

// Issue is one alert raised inside the reporting period.
type Issue struct {
	AlertID   string          `json:"alertId"`
	AlertType string          `json:"alertType"`
	Severity  alerts.Severity `json:"severity"`
	Status    alerts.Status   `json:"status"`
	Title     string          `json:"title"`
	Model     string          `json:"relatedModel,omitempty"`
	RaisedAt  time.Time       `json:"raisedAt"`
}

// Findings summarises the recorded activity of one period for one framework.
type Findings struct {
	Summary            string         `json:"summary"`
	Framework          string         `json:"framework"`
	Compliant          bool           `json:"compliant"`
	OverallScore       float64        `json:"overallScore"`
	TotalEvaluations   int            `json:"totalEvaluations"`
	FlaggedEvaluations int            `json:"flaggedEvaluations"`
	BlockedEvaluations int            `json:"blockedEvaluations"`
	Snapshots          int            `json:"snapshots"`
	LowestScore        float64        `json:"lowestScore"`
	PeakDriftPercent   float64        `json:"peakDriftPercent"`
	OpenAlerts         int            `json:"openAlerts"`
	ResolvedAlerts     int            `json:"resolvedAlerts"`
	AlertsByType       map[string]int `json:"alertsByType"`
	AlertsBySeverity   map[string]int `json:"alertsBySeverity"`
	Issues             []Issue        `json:"issues"`
}

// Inputs is everything Build reads. Records, snapshots and alerts outside
// [PeriodStart, PeriodEnd] are ignored.
type Inputs struct {
	Framework   string
	PeriodStart time.Time
	PeriodEnd   time.Time
	Evaluations []metrics.Record
	Snapshots   []metrics.Snapshot
	Alerts      []alerts.Alert
	// PassingScore is the compliance score a period needs to be reported compliant.
	PassingScore float64
}

func inPeriod(t, start, end time.Time) bool {
	return !t.Before(start) && !t.After(end)
}

// Build computes findings and recommendations. It is a pure function of its inputs.
//
// A period is compliant when its overall score reaches PassingScore and no HIGH alert
// raised in the period is still OPEN.
func Build(in Inputs) (Findings, []string) {
	f := Findings{
		Framework:        in.Framework,
		AlertsByType:     map[string]int{},
		AlertsBySeverity: map[string]int{},
		Issues:           []Issue{},
	}

	for _, r := range in.Evaluations {
		if !inPeriod(r.Timestamp, in.PeriodStart, in.PeriodEnd) {
			continue
		}
		f.TotalEvaluations++
		if r.Status.NeedsAttention() {
			f.FlaggedEvaluations++
		}
		if r.Status == risk.StatusBlocked {
			f.BlockedEvaluations++
		}
	}
	f.OverallScore = metrics.ComplianceScore(f.TotalEvaluations, f.FlaggedEvaluations)

	f.LowestScore = f.OverallScore
	for _, s := range in.Snapshots {
		if !inPeriod(s.Timestamp, in.PeriodStart, in.PeriodEnd) {
			continue
		}
		f.Snapshots++
		if s.TotalCount > 0 && s.ComplianceScore < f.LowestScore {
			f.LowestScore = s.ComplianceScore
		}
		if s.DriftPercent > f.PeakDriftPercent {
			f.PeakDriftPercent = s.DriftPercent
		}
	}

	openHigh := 0
	for _, a := range in.Alerts {
		if !inPeriod(a.CreatedAt, in.PeriodStart, in.PeriodEnd) {
			continue
		}
		f.AlertsByType[a.AlertType]++
		f.AlertsBySeverity[string(a.Severity)]++
		if a.Status == alerts.StatusOpen {
			f.OpenAlerts++
			if a.Severity == alerts.SeverityHigh {
				openHigh++
			}
		} else {
			f.ResolvedAlerts++
		}
		f.Issues = append(f.Issues, Issue{
			AlertID:   a.ID,
			AlertType: a.AlertType,
			Severity:  a.Severity,
			Status:    a.Status,
			Title:     a.Title,
			Model:     a.RelatedModel,
			RaisedAt:  a.CreatedAt,
		})
	}
	sort.SliceStable(f.Issues, func(i, j int) bool {
		return f.Issues[i].RaisedAt.Before(f.Issues[j].RaisedAt)
	})

	f.Compliant = f.OverallScore >= in.PassingScore && openHigh == 0
	verdict := "compliant"
	if !f.Compliant {
		verdict = "not compliant"
	}
	f.Summary = fmt.Sprintf("%s audit %s to %s: %s, score %.1f%% over %d evaluations, %d open and %d resolved alerts",
		in.Framework,
		in.PeriodStart.Format("2006-01-02"), in.PeriodEnd.Format("2006-01-02"),
		verdict, f.OverallScore, f.TotalEvaluations, f.OpenAlerts, f.ResolvedAlerts)

	return f, recommend(f, in.PassingScore, in.Alerts, in.PeriodStart, in.PeriodEnd)
}

func recommend(f Findings, passing float64, all []alerts.Alert, start, end time.Time) []string {
	var out []string

	openByType := map[string]int{}
	for _, a := range all {
		if a.Status == alerts.StatusOpen && inPeriod(a.CreatedAt, start, end) {
			openByType[a.AlertType]++
		}
	}

	if n := openByType[alerts.TypePHIExposure]; n > 0 {
		out = append(out, fmt.Sprintf("Review and resolve %d blocked outputs that exposed protected health information", n))
	}
	if f.TotalEvaluations > 0 && f.OverallScore < passing {
		out = append(out, fmt.Sprintf("Raise the compliance score from %.1f%% to at least %.1f%% by reducing flagged outputs", f.OverallScore, passing))
	}
	if openByType[alerts.TypeModelDrift] > 0 {
		out = append(out, fmt.Sprintf("Re-validate models against their baseline; peak drift reached %.2f%%", f.PeakDriftPercent))
	}
	if openByType[alerts.TypeBias] > 0 {
		out = append(out, "Audit affected demographic groups and apply bias mitigation before further rollout")
	}
	if openByType[alerts.TypeTrainingData] > 0 {
		out = append(out, "De-identify or remove flagged training rows before retraining")
	}
	if f.TotalEvaluations == 0 {
		out = append(out, "No evaluations were recorded in this period; confirm that model outputs are routed through monitoring")
	}
	if len(out) == 0 {
		out = append(out, "No corrective action required; continue routine monitoring")
	}
	return out
}

// Title formats the report title for a framework and generation time.
func Title(framework string, at time.Time) string {
	return fmt.Sprintf("%s Compliance Report - %s", strings.ToUpper(strings.TrimSpace(framework)), at.Format("2006-01-02"))
}
