package privacy

import (
	"encoding/json"
	"time"

	"github.com/hannes/sagi/records"
)

// TokenizedIncident mirrors a behavioral incident with every direct
// identifier replaced. Note text is either empty or scrubbed, per the
// tokenizer's scrub mode.
type TokenizedIncident struct {
	Subject    string    `json:"subject"`
	Category   string    `json:"category"`
	Severity   int       `json:"severity"`
	Note       string    `json:"note,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// TokenizedAssessment mirrors an academic assessment.
type TokenizedAssessment struct {
	Subject    string    `json:"subject"`
	Course     string    `json:"course"`
	Score      int       `json:"score"`
	OccurredAt time.Time `json:"occurred_at"`
}

// TokenizedCommunication mirrors a communication record.
type TokenizedCommunication struct {
	Subject      string          `json:"subject"`
	Source       string          `json:"source"`
	Urgency      records.Urgency `json:"urgency"`
	Note         string          `json:"note,omitempty"`
	Safeguarding bool            `json:"safeguarding"`
	OccurredAt   time.Time       `json:"occurred_at"`
}

// TokenizedAttendance mirrors an attendance event.
type TokenizedAttendance struct {
	Subject    string                   `json:"subject"`
	Status     records.AttendanceStatus `json:"status"`
	OccurredAt time.Time                `json:"occurred_at"`
}

// Snapshot is the tokenized mirror of one subject's record set. It is
// what pattern extraction operates on; raw records never travel past
// the tokenizer.
type Snapshot struct {
	SessionID      string                   `json:"session_id"`
	SubjectToken   string                   `json:"subject_token"`
	Incidents      []TokenizedIncident      `json:"incidents"`
	Assessments    []TokenizedAssessment    `json:"assessments"`
	Communications []TokenizedCommunication `json:"communications"`
	Attendance     []TokenizedAttendance    `json:"attendance"`
}

// Len returns the total tokenized record count.
func (s *Snapshot) Len() int {
	return len(s.Incidents) + len(s.Assessments) + len(s.Communications) + len(s.Attendance)
}

// CanonicalJSON serializes the snapshot deterministically for hashing.
// Struct field order is fixed, so equal snapshots produce equal bytes.
func (s *Snapshot) CanonicalJSON() ([]byte, error) {
	return json.Marshal(s)
}
