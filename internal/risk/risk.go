package risk

import (
	"math"
	"strings"

	"github.com/straja-ai/phiwatch/internal/patterns"
)

// Status is the disposition of one evaluation.
type Status string

const (
	StatusSafe    Status = "SAFE"
	StatusFlagged Status = "FLAGGED"
	StatusBlocked Status = "BLOCKED"
)

const (
	FlagThreshold  = 0.5
	BlockThreshold = 0.8
	MaxScore       = 1.0
)

// Weights are summed in micro-units so the result does not depend on hit order.
const scale = 1_000_000

// Score sums hit weights and clamps the total to [0, MaxScore].
func Score(hits []patterns.Hit) float64 {
	var total int64
	for _, h := range hits {
		total += int64(math.Round(h.Weight * scale))
	}
	if total < 0 {
		total = 0
	}
	if total > MaxScore*scale {
		total = MaxScore * scale
	}
	return float64(total) / scale
}

// Classify maps a score to a status. Lower bounds are inclusive.
func Classify(score float64) Status {
	switch {
	case score >= BlockThreshold:
		return StatusBlocked
	case score >= FlagThreshold:
		return StatusFlagged
	default:
		return StatusSafe
	}
}

// ParseStatus accepts any casing; unknown values report ok=false.
func ParseStatus(s string) (Status, bool) {
	switch Status(strings.ToUpper(strings.TrimSpace(s))) {
	case StatusSafe:
		return StatusSafe, true
	case StatusFlagged:
		return StatusFlagged, true
	case StatusBlocked:
		return StatusBlocked, true
	default:
		return "", false
	}
}

// NeedsAttention is true for FLAGGED and BLOCKED.
func (s Status) NeedsAttention() bool {
	return s == StatusFlagged || s == StatusBlocked
}
