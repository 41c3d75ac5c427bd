package risk

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/hannes/sagi/patterns"
)

func pattern(kind patterns.Kind, conf float64, safeguarding bool) patterns.Pattern {
	return patterns.Pattern{
		Kind:          kind,
		EvidenceCount: 4,
		Confidence:    conf,
		Safeguarding:  safeguarding,
		Detail:        "test detail",
	}
}

func TestAssess_Levels(t *testing.T) {
	a := NewAssessor()

	testCases := []struct {
		name  string
		ps    []patterns.Pattern
		level Level
	}{
		{
			name:  "no patterns",
			level: Low,
		},
		{
			name:  "single behavioral",
			ps:    []patterns.Pattern{pattern(patterns.BehavioralEscalation, 0.7, false)},
			level: Medium,
		},
		{
			name:  "single attendance",
			ps:    []patterns.Pattern{pattern(patterns.AttendanceWithdrawal, 0.7, false)},
			level: Medium,
		},
		{
			name: "two courses underperforming",
			ps: []patterns.Pattern{
				pattern(patterns.AcademicUnderperformance, 0.7, false),
				pattern(patterns.AcademicUnderperformance, 0.6, false),
			},
			level: High,
		},
		{
			name: "cross domain without safeguarding",
			ps: []patterns.Pattern{
				pattern(patterns.BehavioralEscalation, 0.7, false),
				pattern(patterns.AttendanceWithdrawal, 0.75, false),
				pattern(patterns.CrossDomainCorrelation, 0.82, false),
			},
			level: High,
		},
		{
			name: "cross domain with safeguarding communication",
			ps: []patterns.Pattern{
				pattern(patterns.BehavioralEscalation, 0.7, false),
				pattern(patterns.CommunicationEscalation, 0.75, true),
				pattern(patterns.CrossDomainCorrelation, 0.82, false),
			},
			level: Critical,
		},
		{
			name:  "safeguarding alone stays medium",
			ps:    []patterns.Pattern{pattern(patterns.CommunicationEscalation, 0.7, true)},
			level: Medium,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got := a.Assess(tc.ps)
			if got.Level != tc.level {
				t.Errorf("Expected level %v, got %v", tc.level, got.Level)
			}
			if len(got.Contributing) != len(tc.ps) {
				t.Errorf("Expected %d contributing patterns, got %d", len(tc.ps), len(got.Contributing))
			}
		})
	}
}

func TestAssess_EmptyConfidence(t *testing.T) {
	got := NewAssessor().Assess(nil)
	if got.Confidence != 0.5 {
		t.Errorf("Expected confidence 0.5 for empty input, got %v", got.Confidence)
	}
}

func TestAssess_ConfidenceFloor(t *testing.T) {
	a := NewAssessor()

	// Mean of 0.9 and 0.5 is 0.7, below the 0.75 floor set by the
	// strongest contributor.
	got := a.Assess([]patterns.Pattern{
		pattern(patterns.BehavioralEscalation, 0.9, false),
		pattern(patterns.AcademicUnderperformance, 0.5, false),
	})
	if math.Abs(got.Confidence-0.75) > 1e-9 {
		t.Errorf("Expected clamped confidence 0.75, got %v", got.Confidence)
	}

	// Mean above the floor passes through unchanged.
	got = a.Assess([]patterns.Pattern{
		pattern(patterns.BehavioralEscalation, 0.8, false),
		pattern(patterns.AcademicUnderperformance, 0.78, false),
	})
	if math.Abs(got.Confidence-0.79) > 1e-9 {
		t.Errorf("Expected mean confidence 0.79, got %v", got.Confidence)
	}
}

func TestAssess_MonotonicUnderAddition(t *testing.T) {
	a := NewAssessor()

	bases := [][]patterns.Pattern{
		nil,
		{pattern(patterns.BehavioralEscalation, 0.7, false)},
		{pattern(patterns.AcademicUnderperformance, 0.7, false), pattern(patterns.AcademicUnderperformance, 0.6, false)},
		{pattern(patterns.BehavioralEscalation, 0.7, false), pattern(patterns.AttendanceWithdrawal, 0.7, false), pattern(patterns.CrossDomainCorrelation, 0.8, false)},
	}
	additions := []patterns.Pattern{
		pattern(patterns.BehavioralEscalation, 0.6, false),
		pattern(patterns.CommunicationEscalation, 0.7, true),
		pattern(patterns.CrossDomainCorrelation, 0.85, false),
		pattern(patterns.AttendanceWithdrawal, 0.55, false),
	}

	for _, base := range bases {
		before := a.Assess(base).Level
		for _, add := range additions {
			after := a.Assess(append(append([]patterns.Pattern{}, base...), add)).Level
			if after < before {
				t.Errorf("Adding %v lowered level from %v to %v", add.Kind, before, after)
			}
		}
	}
}

func TestLevel_String(t *testing.T) {
	for level, want := range map[Level]string{Low: "LOW", Medium: "MEDIUM", High: "HIGH", Critical: "CRITICAL"} {
		if level.String() != want {
			t.Errorf("Expected %s, got %s", want, level.String())
		}
	}
}

func TestLevel_JSONRoundTrip(t *testing.T) {
	for _, level := range []Level{Low, Medium, High, Critical} {
		data, err := json.Marshal(level)
		if err != nil {
			t.Fatalf("Marshal(%v) returned error: %v", level, err)
		}
		if want := `"` + level.String() + `"`; string(data) != want {
			t.Errorf("Expected %s, got %s", want, data)
		}
		var got Level
		if err := json.Unmarshal(data, &got); err != nil {
			t.Fatalf("Unmarshal(%s) returned error: %v", data, err)
		}
		if got != level {
			t.Errorf("Expected %v after round trip, got %v", level, got)
		}
	}

	var got Level
	if err := json.Unmarshal([]byte(`"SEVERE"`), &got); err == nil {
		t.Error("Expected an error for an unknown level name")
	}
}
