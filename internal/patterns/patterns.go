package patterns

import (
	"regexp"
	"strings"
)

// Category groups detectors by the kind of regulated data they look for.
type Category string

const (
	CategoryIdentifier  Category = "IDENTIFIER"
	CategoryContact     Category = "CONTACT"
	CategoryDate        Category = "DATE"
	CategoryMedicalTerm Category = "MEDICAL_TERM"
)

// Location tells which side of the pair a hit was found in.
type Location string

const (
	LocationInput  Location = "input"
	LocationOutput Location = "output"
)

const (
	LibraryID      = "phiwatch-patterns"
	LibraryVersion = "1.0.0"

	ShapeWeight = 0.3
	TermWeight  = 0.1
)

// Expressions are exported so the explainer re-scans with the exact same shapes.
const (
	SSNExpr   = `\b\d{3}-\d{2}-\d{4}\b`
	EmailExpr = `\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Z|a-z]{2,}\b`
	PhoneExpr = `\b\d{10,11}\b`
	DateExpr  = `\b\d{1,2}/\d{1,2}/\d{4}\b`
)

// MedicalVocabulary is matched case-insensitively against input and output joined by a space.
var MedicalVocabulary = []string{
	"diagnosis",
	"treatment",
	"medication",
	"prescription",
	"medical record",
	"patient",
	"symptom",
	"condition",
	"therapy",
	"surgery",
}

// Hit is one detector firing for an evaluation.
type Hit struct {
	Category  Category `json:"category"`
	Detector  string   `json:"detector"`
	Term      string   `json:"term,omitempty"`
	MatchedIn Location `json:"matched_in"`
	Weight    float64  `json:"weight"`
}

// Detector is a single shape matcher.
type Detector struct {
	Name     string
	Category Category
	Weight   float64
	re       *regexp.Regexp
}

// Match reports whether text contains the detector's shape.
func (d Detector) Match(text string) bool {
	return d.re.MatchString(text)
}

// Library is the versioned detector set. It holds only compiled, read-only state,
// so one instance can serve concurrent evaluations.
type Library struct {
	id         string
	version    string
	detectors  []Detector
	vocabulary []string
}

// Status describes the loaded library.
type Status struct {
	ID        string   `json:"id"`
	Version   string   `json:"version"`
	Detectors []string `json:"detectors"`
	Terms     int      `json:"terms"`
}

// New builds the default library.
func New() *Library {
	vocab := make([]string, len(MedicalVocabulary))
	copy(vocab, MedicalVocabulary)

	return &Library{
		id:      LibraryID,
		version: LibraryVersion,
		detectors: []Detector{
			{Name: "ssn", Category: CategoryIdentifier, Weight: ShapeWeight, re: regexp.MustCompile(SSNExpr)},
			{Name: "email", Category: CategoryContact, Weight: ShapeWeight, re: regexp.MustCompile(EmailExpr)},
			{Name: "phone", Category: CategoryContact, Weight: ShapeWeight, re: regexp.MustCompile(PhoneExpr)},
			{Name: "date", Category: CategoryDate, Weight: ShapeWeight, re: regexp.MustCompile(DateExpr)},
		},
		vocabulary: vocab,
	}
}

func (l *Library) ID() string      { return l.id }
func (l *Library) Version() string { return l.version }

// Status lists the detectors in evaluation order.
func (l *Library) Status() Status {
	names := make([]string, 0, len(l.detectors))
	for _, d := range l.detectors {
		names = append(names, d.Name)
	}
	return Status{
		ID:        l.id,
		Version:   l.version,
		Detectors: names,
		Terms:     len(l.vocabulary),
	}
}

// FindHits runs every detector over the pair.
//
// Shape detectors fire at most once per evaluation: input is checked first and output only
// when input had no match. Medical terms fire once per distinct term present anywhere in
// the pair.
func (l *Library) FindHits(input, output string) []Hit {
	var hits []Hit

	for _, d := range l.detectors {
		switch {
		case d.Match(input):
			hits = append(hits, Hit{Category: d.Category, Detector: d.Name, MatchedIn: LocationInput, Weight: d.Weight})
		case d.Match(output):
			hits = append(hits, Hit{Category: d.Category, Detector: d.Name, MatchedIn: LocationOutput, Weight: d.Weight})
		}
	}

	lowerIn := strings.ToLower(input)
	combined := lowerIn + " " + strings.ToLower(output)
	for _, term := range l.vocabulary {
		if !strings.Contains(combined, term) {
			continue
		}
		loc := LocationOutput
		if strings.Contains(lowerIn, term) {
			loc = LocationInput
		}
		hits = append(hits, Hit{
			Category:  CategoryMedicalTerm,
			Detector:  "medical_term",
			Term:      term,
			MatchedIn: loc,
			Weight:    TermWeight,
		})
	}

	return hits
}
