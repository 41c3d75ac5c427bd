package patterns

import (
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/hannes/sagi/privacy"
	"github.com/hannes/sagi/records"
)

var (
	anchor     = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	testWindow = records.Window{From: anchor, To: anchor.Add(90 * 24 * time.Hour)}
)

func day(n int) time.Time {
	return anchor.Add(time.Duration(n) * 24 * time.Hour)
}

func incident(dayN int, category string) privacy.TokenizedIncident {
	return privacy.TokenizedIncident{
		Subject:    "SUBJ-4AF2C91B0D7E",
		Category:   category,
		Severity:   3,
		OccurredAt: day(dayN),
	}
}

func assessment(dayN int, course string, score int) privacy.TokenizedAssessment {
	return privacy.TokenizedAssessment{
		Subject:    "SUBJ-4AF2C91B0D7E",
		Course:     course,
		Score:      score,
		OccurredAt: day(dayN),
	}
}

func comm(dayN int, source string, urgency records.Urgency, safeguarding bool) privacy.TokenizedCommunication {
	return privacy.TokenizedCommunication{
		Subject:      "SUBJ-4AF2C91B0D7E",
		Source:       source,
		Urgency:      urgency,
		Safeguarding: safeguarding,
		OccurredAt:   day(dayN),
	}
}

func attendanceEvent(dayN int, status records.AttendanceStatus) privacy.TokenizedAttendance {
	return privacy.TokenizedAttendance{
		Subject:    "SUBJ-4AF2C91B0D7E",
		Status:     status,
		OccurredAt: day(dayN),
	}
}

func kindsOf(ps []Pattern) []Kind {
	out := make([]Kind, len(ps))
	for i, p := range ps {
		out[i] = p.Kind
	}
	return out
}

func TestExtract_BehavioralEscalation(t *testing.T) {
	e := NewExtractor(Policy{})

	testCases := []struct {
		name  string
		days  []int
		fires bool
	}{
		{
			name:  "rising second half",
			days:  []int{10, 50, 60, 80},
			fires: true,
		},
		{
			name:  "front loaded",
			days:  []int{5, 10, 80},
			fires: false,
		},
		{
			name:  "too few incidents",
			days:  []int{60, 80},
			fires: false,
		},
		{
			name:  "balanced halves",
			days:  []int{10, 20, 50, 60},
			fires: false,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			snap := &privacy.Snapshot{SessionID: "s", SubjectToken: "SUBJ-4AF2C91B0D7E"}
			for _, d := range tc.days {
				snap.Incidents = append(snap.Incidents, incident(d, "disruption"))
			}

			got := e.Extract(snap, testWindow)
			fired := len(got) == 1 && got[0].Kind == BehavioralEscalation
			if fired != tc.fires {
				t.Errorf("Expected fires=%v, got patterns %v", tc.fires, got)
			}
			if fired && got[0].EvidenceCount != len(tc.days) {
				t.Errorf("Expected evidence %d, got %d", len(tc.days), got[0].EvidenceCount)
			}
		})
	}
}

func TestExtract_BehavioralDominantCategory(t *testing.T) {
	e := NewExtractor(Policy{})
	snap := &privacy.Snapshot{
		Incidents: []privacy.TokenizedIncident{
			incident(10, "disruption"),
			incident(50, "defiance"),
			incident(60, "disruption"),
			incident(80, "disruption"),
		},
	}

	got := e.Extract(snap, testWindow)
	if len(got) != 1 {
		t.Fatalf("Expected 1 pattern, got %d", len(got))
	}
	if !strings.Contains(got[0].Detail, "dominant category disruption") {
		t.Errorf("Expected dominant category in detail, got %q", got[0].Detail)
	}
}

func TestExtract_AcademicUnderperformance(t *testing.T) {
	e := NewExtractor(Policy{})

	snap := &privacy.Snapshot{
		Assessments: []privacy.TokenizedAssessment{
			assessment(5, "math", 70),
			assessment(25, "math", 55),
			assessment(45, "math", 50),
			assessment(70, "math", 40),
			assessment(10, "science", 50),
			assessment(40, "science", 55),
			assessment(75, "science", 72),
		},
	}

	got := e.Extract(snap, testWindow)
	if len(got) != 1 {
		t.Fatalf("Expected 1 pattern, got %v", got)
	}
	p := got[0]
	if p.Kind != AcademicUnderperformance {
		t.Fatalf("Expected academic underperformance, got %v", p.Kind)
	}
	if p.EvidenceCount != 3 {
		t.Errorf("Expected evidence 3, got %d", p.EvidenceCount)
	}
	if !strings.Contains(p.Detail, "course math") {
		t.Errorf("Expected course named in detail, got %q", p.Detail)
	}
}

func TestExtract_AcademicPerCourse(t *testing.T) {
	e := NewExtractor(Policy{})

	snap := &privacy.Snapshot{}
	for _, course := range []string{"math", "history"} {
		snap.Assessments = append(snap.Assessments,
			assessment(10, course, 50),
			assessment(40, course, 45),
			assessment(70, course, 55),
		)
	}

	got := e.Extract(snap, testWindow)
	if len(got) != 2 {
		t.Fatalf("Expected 2 course patterns, got %v", got)
	}
	// Sorted by detail, so history before math.
	if !strings.Contains(got[0].Detail, "history") || !strings.Contains(got[1].Detail, "math") {
		t.Errorf("Expected deterministic course order, got %q then %q", got[0].Detail, got[1].Detail)
	}
}

func TestExtract_CommunicationEscalation(t *testing.T) {
	e := NewExtractor(Policy{})

	testCases := []struct {
		name         string
		comms        []privacy.TokenizedCommunication
		fires        bool
		safeguarding bool
	}{
		{
			name: "monotonic rise across sources",
			comms: []privacy.TokenizedCommunication{
				comm(10, "teacher", records.UrgencyRoutine, false),
				comm(40, "counselor", records.UrgencyElevated, false),
				comm(70, "teacher", records.UrgencyHigh, false),
			},
			fires: true,
		},
		{
			name: "flat urgency",
			comms: []privacy.TokenizedCommunication{
				comm(10, "teacher", records.UrgencyRoutine, false),
				comm(40, "counselor", records.UrgencyRoutine, false),
			},
			fires: false,
		},
		{
			name: "single source rise",
			comms: []privacy.TokenizedCommunication{
				comm(10, "teacher", records.UrgencyRoutine, false),
				comm(70, "teacher", records.UrgencyHigh, false),
			},
			fires: false,
		},
		{
			name: "independent elevated sources with a dip",
			comms: []privacy.TokenizedCommunication{
				comm(10, "teacher", records.UrgencyElevated, false),
				comm(40, "counselor", records.UrgencyRoutine, false),
				comm(70, "nurse", records.UrgencyUrgent, true),
			},
			fires:        true,
			safeguarding: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			snap := &privacy.Snapshot{Communications: tc.comms}
			got := e.Extract(snap, testWindow)

			fired := len(got) == 1 && got[0].Kind == CommunicationEscalation
			if fired != tc.fires {
				t.Fatalf("Expected fires=%v, got %v", tc.fires, got)
			}
			if fired && got[0].Safeguarding != tc.safeguarding {
				t.Errorf("Expected safeguarding=%v, got %v", tc.safeguarding, got[0].Safeguarding)
			}
		})
	}
}

func TestExtract_AttendanceWithdrawal(t *testing.T) {
	e := NewExtractor(Policy{})

	snap := &privacy.Snapshot{
		Attendance: []privacy.TokenizedAttendance{
			attendanceEvent(5, records.StatusPresent),
			attendanceEvent(15, records.StatusPresent),
			attendanceEvent(25, records.StatusPresent),
			attendanceEvent(35, records.StatusLate),
			attendanceEvent(50, records.StatusAbsent),
			attendanceEvent(60, records.StatusAbsent),
			attendanceEvent(70, records.StatusPresent),
			attendanceEvent(80, records.StatusAbsent),
			// Excused events count toward neither rate.
			attendanceEvent(55, records.StatusExcused),
		},
	}

	got := e.Extract(snap, testWindow)
	if len(got) != 1 {
		t.Fatalf("Expected 1 pattern, got %v", got)
	}
	p := got[0]
	if p.Kind != AttendanceWithdrawal {
		t.Fatalf("Expected attendance withdrawal, got %v", p.Kind)
	}
	if p.EvidenceCount != 8 {
		t.Errorf("Expected 8 non-excused events, got %d", p.EvidenceCount)
	}
	if !strings.Contains(p.Detail, "100%") || !strings.Contains(p.Detail, "25%") {
		t.Errorf("Expected rates in detail, got %q", p.Detail)
	}
}

func TestExtract_AttendanceStableNoPattern(t *testing.T) {
	e := NewExtractor(Policy{})

	snap := &privacy.Snapshot{}
	for d := 5; d < 90; d += 10 {
		snap.Attendance = append(snap.Attendance, attendanceEvent(d, records.StatusPresent))
	}

	if got := e.Extract(snap, testWindow); len(got) != 0 {
		t.Errorf("Expected no patterns for stable attendance, got %v", got)
	}
}

func TestExtract_CrossDomainCorrelation(t *testing.T) {
	e := NewExtractor(Policy{})

	snap := &privacy.Snapshot{
		Incidents: []privacy.TokenizedIncident{
			incident(10, "disruption"),
			incident(50, "disruption"),
			incident(60, "disruption"),
			incident(80, "disruption"),
		},
		Attendance: []privacy.TokenizedAttendance{
			attendanceEvent(5, records.StatusPresent),
			attendanceEvent(15, records.StatusPresent),
			attendanceEvent(25, records.StatusPresent),
			attendanceEvent(35, records.StatusPresent),
			attendanceEvent(50, records.StatusAbsent),
			attendanceEvent(60, records.StatusAbsent),
			attendanceEvent(70, records.StatusAbsent),
			attendanceEvent(80, records.StatusAbsent),
		},
	}

	got := e.Extract(snap, testWindow)
	if want := []Kind{BehavioralEscalation, AttendanceWithdrawal, CrossDomainCorrelation}; !reflect.DeepEqual(kindsOf(got), want) {
		t.Fatalf("Expected kinds %v, got %v", want, kindsOf(got))
	}

	cross := got[2]
	maxContrib := 0.0
	sumEvidence := 0
	for _, p := range got[:2] {
		if p.Confidence > maxContrib {
			maxContrib = p.Confidence
		}
		sumEvidence += p.EvidenceCount
	}
	if cross.Confidence <= maxContrib {
		t.Errorf("Expected cross-domain confidence above %v, got %v", maxContrib, cross.Confidence)
	}
	if cross.EvidenceCount != sumEvidence {
		t.Errorf("Expected evidence %d, got %d", sumEvidence, cross.EvidenceCount)
	}
	if !strings.Contains(cross.Detail, "behavioral_escalation") || !strings.Contains(cross.Detail, "attendance_withdrawal") {
		t.Errorf("Expected contributing kinds in detail, got %q", cross.Detail)
	}
}

func TestExtract_Deterministic(t *testing.T) {
	e := NewExtractor(Policy{})
	snap := &privacy.Snapshot{
		Incidents: []privacy.TokenizedIncident{
			incident(10, "disruption"),
			incident(50, "defiance"),
			incident(60, "disruption"),
			incident(80, "disruption"),
		},
		Communications: []privacy.TokenizedCommunication{
			comm(10, "teacher", records.UrgencyRoutine, false),
			comm(40, "counselor", records.UrgencyElevated, false),
			comm(70, "teacher", records.UrgencyHigh, true),
		},
	}

	first := e.Extract(snap, testWindow)
	second := e.Extract(snap, testWindow)
	if !reflect.DeepEqual(first, second) {
		t.Errorf("Expected identical output on repeated extraction, got %v then %v", first, second)
	}
}

func TestExtract_IgnoresRecordsOutsideWindow(t *testing.T) {
	e := NewExtractor(Policy{})
	snap := &privacy.Snapshot{
		Incidents: []privacy.TokenizedIncident{
			incident(-200, "disruption"),
			incident(-190, "disruption"),
			incident(10, "disruption"),
			incident(60, "disruption"),
			incident(80, "disruption"),
		},
	}

	got := e.Extract(snap, testWindow)
	if len(got) != 1 {
		t.Fatalf("Expected 1 pattern, got %v", got)
	}
	if got[0].EvidenceCount != 3 {
		t.Errorf("Expected only in-window incidents counted, got evidence %d", got[0].EvidenceCount)
	}
}

func TestExtract_EmptySnapshot(t *testing.T) {
	e := NewExtractor(Policy{})
	if got := e.Extract(&privacy.Snapshot{}, testWindow); len(got) != 0 {
		t.Errorf("Expected no patterns for empty snapshot, got %v", got)
	}
}
