// Package records defines the raw observation shapes the analysis pipeline
// consumes and the store they are fetched from. Raw records carry subject
// identity and free text, so nothing in this package is ever serialized
// outbound; note fields are excluded from JSON marshaling entirely.
package records

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// MaxSeverity is the upper bound of the behavioral severity scale.
const MaxSeverity = 5

// MaxScore is the upper bound of the assessment score scale.
const MaxScore = 100

// Shape names identify record kinds in skip reports and audit detail
// without exposing any field values.
const (
	ShapeBehavioral    = "behavioral_incident"
	ShapeAssessment    = "assessment"
	ShapeCommunication = "communication"
	ShapeAttendance    = "attendance_event"
)

// Urgency is the closed set of communication urgency levels, ordered
// from least to most urgent.
type Urgency int

const (
	UrgencyRoutine Urgency = iota
	UrgencyElevated
	UrgencyHigh
	UrgencyUrgent
)

var urgencyNames = map[Urgency]string{
	UrgencyRoutine:  "routine",
	UrgencyElevated: "elevated",
	UrgencyHigh:     "high",
	UrgencyUrgent:   "urgent",
}

// String returns the canonical lowercase name of the urgency level.
func (u Urgency) String() string {
	if name, ok := urgencyNames[u]; ok {
		return name
	}
	return fmt.Sprintf("urgency(%d)", int(u))
}

// Valid reports whether u is one of the defined urgency levels.
func (u Urgency) Valid() bool {
	_, ok := urgencyNames[u]
	return ok
}

// ParseUrgency maps a stored urgency name back to its level.
func ParseUrgency(s string) (Urgency, error) {
	for u, name := range urgencyNames {
		if name == s {
			return u, nil
		}
	}
	return 0, fmt.Errorf("unknown urgency %q", s)
}

// AttendanceStatus is the closed set of attendance outcomes.
type AttendanceStatus int

const (
	StatusPresent AttendanceStatus = iota
	StatusLate
	StatusAbsent
	StatusExcused
)

var statusNames = map[AttendanceStatus]string{
	StatusPresent: "present",
	StatusLate:    "late",
	StatusAbsent:  "absent",
	StatusExcused: "excused",
}

// String returns the canonical lowercase name of the attendance status.
func (s AttendanceStatus) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Valid reports whether s is one of the defined attendance statuses.
func (s AttendanceStatus) Valid() bool {
	_, ok := statusNames[s]
	return ok
}

// ParseAttendanceStatus maps a stored status name back to its value.
func ParseAttendanceStatus(s string) (AttendanceStatus, error) {
	for st, name := range statusNames {
		if name == s {
			return st, nil
		}
	}
	return 0, fmt.Errorf("unknown attendance status %q", s)
}

// Attended reports whether the status counts as attending for rate
// computations. Excused events are excluded from the denominator by
// the caller, not counted here.
func (s AttendanceStatus) Attended() bool {
	return s == StatusPresent || s == StatusLate
}

// BehavioralIncident is a single recorded behavioral event.
type BehavioralIncident struct {
	SubjectID  string
	Category   string
	Severity   int    // 1..MaxSeverity
	Note       string `json:"-"`
	OccurredAt time.Time
}

// Validate checks the incident's shape. Reasons name the violated
// constraint and never echo field values.
func (r BehavioralIncident) Validate() error {
	if err := validateCommon(r.SubjectID, r.OccurredAt); err != nil {
		return err
	}
	if strings.TrimSpace(r.Category) == "" {
		return errors.New("missing category")
	}
	if r.Severity < 1 || r.Severity > MaxSeverity {
		return errors.New("severity out of range")
	}
	return nil
}

// Assessment is a single academic result. Course is the subject matter
// being assessed; the person under analysis is always the "subject", so
// the academic field uses a distinct name.
type Assessment struct {
	SubjectID  string
	Course     string
	Score      int // 0..MaxScore
	OccurredAt time.Time
}

// Validate checks the assessment's shape.
func (r Assessment) Validate() error {
	if err := validateCommon(r.SubjectID, r.OccurredAt); err != nil {
		return err
	}
	if strings.TrimSpace(r.Course) == "" {
		return errors.New("missing course")
	}
	if r.Score < 0 || r.Score > MaxScore {
		return errors.New("score out of range")
	}
	return nil
}

// Communication is a recorded message about the subject from a named
// source (teacher, counselor, external agency).
type Communication struct {
	SubjectID    string
	Source       string
	Urgency      Urgency
	Note         string `json:"-"`
	Safeguarding bool
	OccurredAt   time.Time
}

// Validate checks the communication's shape.
func (r Communication) Validate() error {
	if err := validateCommon(r.SubjectID, r.OccurredAt); err != nil {
		return err
	}
	if strings.TrimSpace(r.Source) == "" {
		return errors.New("missing source")
	}
	if !r.Urgency.Valid() {
		return errors.New("unknown urgency")
	}
	return nil
}

// AttendanceEvent is a single attendance outcome for one day or session.
type AttendanceEvent struct {
	SubjectID  string
	Status     AttendanceStatus
	OccurredAt time.Time
}

// Validate checks the event's shape.
func (r AttendanceEvent) Validate() error {
	if err := validateCommon(r.SubjectID, r.OccurredAt); err != nil {
		return err
	}
	if !r.Status.Valid() {
		return errors.New("unknown attendance status")
	}
	return nil
}

func validateCommon(subjectID string, occurredAt time.Time) error {
	if strings.TrimSpace(subjectID) == "" {
		return errors.New("missing subject id")
	}
	if occurredAt.IsZero() {
		return errors.New("zero timestamp")
	}
	return nil
}

// Set groups every record fetched for one subject over one window.
type Set struct {
	SubjectID      string
	Incidents      []BehavioralIncident
	Assessments    []Assessment
	Communications []Communication
	Attendance     []AttendanceEvent
}

// Len returns the total record count across all shapes.
func (s Set) Len() int {
	return len(s.Incidents) + len(s.Assessments) + len(s.Communications) + len(s.Attendance)
}

// Window is a closed time interval used to scope record fetches and
// pattern analysis.
type Window struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// Contains reports whether t falls inside the window, inclusive at
// both ends.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.From) && !t.After(w.To)
}

// Midpoint returns the instant splitting the window into equal halves.
func (w Window) Midpoint() time.Time {
	return w.From.Add(w.To.Sub(w.From) / 2)
}

// LastDays returns a window covering the n days up to now.
func LastDays(n int, now time.Time) Window {
	return Window{From: now.AddDate(0, 0, -n), To: now}
}
