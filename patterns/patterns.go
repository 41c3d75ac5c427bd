// Package patterns derives longitudinal concern patterns from a
// tokenized snapshot. Extraction is deterministic: the same snapshot,
// window and policy always produce the same patterns in the same order.
package patterns

import "fmt"

// Kind is the closed set of pattern kinds the extractor can emit.
type Kind int

const (
	BehavioralEscalation Kind = iota
	AcademicUnderperformance
	CommunicationEscalation
	AttendanceWithdrawal
	CrossDomainCorrelation
)

var kindNames = map[Kind]string{
	BehavioralEscalation:     "behavioral_escalation",
	AcademicUnderperformance: "academic_underperformance",
	CommunicationEscalation:  "communication_escalation",
	AttendanceWithdrawal:     "attendance_withdrawal",
	CrossDomainCorrelation:   "cross_domain_correlation",
}

// String returns the canonical snake_case name of the kind.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// FirstOrder reports whether the kind is derived directly from one
// record shape, as opposed to the cross-domain correlation built on
// top of other patterns.
func (k Kind) FirstOrder() bool {
	return k != CrossDomainCorrelation
}

// Pattern is one detected concern. Detail is human-readable summary
// text built from tokens, counts and plain category labels; it never
// contains raw identifiers.
type Pattern struct {
	Kind          Kind    `json:"kind"`
	EvidenceCount int     `json:"evidence_count"`
	Confidence    float64 `json:"confidence"`
	Safeguarding  bool    `json:"safeguarding"`
	Detail        string  `json:"detail"`
}

// Policy holds the extraction thresholds. Zero values are replaced by
// defaults in NewExtractor.
type Policy struct {
	// MinIncidents is the minimum behavioral incident count before an
	// escalation pattern can fire.
	MinIncidents int `json:"min_incidents"`

	// MinAssessments is how many most recent assessments per course
	// must all sit below the proficiency score.
	MinAssessments int `json:"min_assessments"`

	// ProficiencyScore is the score below which an assessment counts
	// as underperforming.
	ProficiencyScore int `json:"proficiency_score"`

	// MinSources is the number of distinct communication sources
	// required for the source-spread escalation variant.
	MinSources int `json:"min_sources"`

	// AttendanceDecline is the minimum drop in attendance rate between
	// window halves, as a fraction.
	AttendanceDecline float64 `json:"attendance_decline"`

	// MinAttendanceEvents is the minimum number of non-excused events
	// before the attendance pattern is considered.
	MinAttendanceEvents int `json:"min_attendance_events"`
}

// DefaultPolicy returns the standard extraction thresholds.
func DefaultPolicy() Policy {
	return Policy{
		MinIncidents:        3,
		MinAssessments:      3,
		ProficiencyScore:    60,
		MinSources:          2,
		AttendanceDecline:   0.15,
		MinAttendanceEvents: 6,
	}
}

func (p Policy) withDefaults() Policy {
	def := DefaultPolicy()
	if p.MinIncidents <= 0 {
		p.MinIncidents = def.MinIncidents
	}
	if p.MinAssessments <= 0 {
		p.MinAssessments = def.MinAssessments
	}
	if p.ProficiencyScore <= 0 {
		p.ProficiencyScore = def.ProficiencyScore
	}
	if p.MinSources <= 0 {
		p.MinSources = def.MinSources
	}
	if p.AttendanceDecline <= 0 {
		p.AttendanceDecline = def.AttendanceDecline
	}
	if p.MinAttendanceEvents <= 0 {
		p.MinAttendanceEvents = def.MinAttendanceEvents
	}
	return p
}

// confidenceFor converts evidence volume into a confidence score,
// capped below certainty.
func confidenceFor(evidence int) float64 {
	c := 0.5 + 0.06*float64(evidence)
	if c > 0.95 {
		c = 0.95
	}
	return c
}
