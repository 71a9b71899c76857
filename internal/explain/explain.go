package explain

import (
	"regexp"
	"strings"

	"github.com/straja-ai/phiwatch/internal/patterns"
	"github.com/straja-ai/phiwatch/internal/risk"
)

const (
	ReasonSSN     = "Potential SSN detected"
	ReasonEmail   = "Email address detected"
	ReasonPatient = "Patient information referenced"
)

var (
	ssnRe   = regexp.MustCompile(patterns.SSNExpr)
	emailRe = regexp.MustCompile(patterns.EmailExpr)
)

// Explain returns the human-readable reasons for a non-SAFE score.
//
// The checks run over input and output concatenated without a separator, in a fixed
// order, with at most one reason each. Scores below the flag threshold yield nil.
func Explain(input, output string, score float64) []string {
	if score < risk.FlagThreshold {
		return nil
	}

	text := input + output
	var reasons []string
	if ssnRe.MatchString(text) {
		reasons = append(reasons, ReasonSSN)
	}
	if emailRe.MatchString(text) {
		reasons = append(reasons, ReasonEmail)
	}
	if strings.Contains(strings.ToLower(text), "patient") {
		reasons = append(reasons, ReasonPatient)
	}
	return reasons
}
