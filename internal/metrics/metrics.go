package metrics

import (
	"time"

	"github.com/straja-ai/phiwatch/internal/risk"
)

const DefaultWindow = 24 * time.Hour

// Record is the slice of a persisted evaluation the aggregator reads.
type Record struct {
	Status    risk.Status
	Timestamp time.Time
}

// Inputs carries the clock, the window and the collaborator-provided figures.
type Inputs struct {
	Now          time.Time
	Window       time.Duration
	DriftPercent float64
	ActiveAudits int
}

// Snapshot is one immutable point of the compliance metrics history.
type Snapshot struct {
	ComplianceScore float64   `json:"complianceScore"`
	FlaggedCount    int       `json:"flaggedCount"`
	BlockedCount    int       `json:"blockedCount"`
	TotalCount      int       `json:"totalCount"`
	DriftPercent    float64   `json:"driftPercent"`
	ActiveAudits    int       `json:"activeAudits"`
	WindowStart     time.Time `json:"windowStart"`
	WindowEnd       time.Time `json:"windowEnd"`
	Timestamp       time.Time `json:"timestamp"`
}

// Aggregate rolls up the records inside [Now-Window, Now].
//
// FLAGGED and BLOCKED both count as flagged. Records with an unrecognised status count
// toward the total only. history is never modified.
func Aggregate(history []Record, in Inputs) Snapshot {
	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	window := in.Window
	if window <= 0 {
		window = DefaultWindow
	}
	start := now.Add(-window)

	snap := Snapshot{
		DriftPercent: in.DriftPercent,
		ActiveAudits: in.ActiveAudits,
		WindowStart:  start,
		WindowEnd:    now,
		Timestamp:    now,
	}

	for _, r := range history {
		if r.Timestamp.Before(start) || r.Timestamp.After(now) {
			continue
		}
		snap.TotalCount++
		switch r.Status {
		case risk.StatusBlocked:
			snap.BlockedCount++
			snap.FlaggedCount++
		case risk.StatusFlagged:
			snap.FlaggedCount++
		}
	}

	snap.ComplianceScore = ComplianceScore(snap.TotalCount, snap.FlaggedCount)
	return snap
}

// ComplianceScore is the percentage of unflagged evaluations, 100 when there are none.
func ComplianceScore(total, flagged int) float64 {
	if total <= 0 {
		return 100
	}
	return float64(total-flagged) * 100 / float64(total)
}
