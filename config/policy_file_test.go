package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/hannes/sagi/patterns"
)

func TestReadPolicyFile(t *testing.T) {
	dir := t.TempDir()

	path := filepath.Join(dir, "policy.json")
	content := `{"min_incidents": 4, "proficiency_score": 55}`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write policy file: %v", err)
	}

	pol, err := ReadPolicyFile(path)
	if err != nil {
		t.Fatalf("ReadPolicyFile failed: %v", err)
	}
	if pol.MinIncidents != 4 {
		t.Errorf("Expected 4 min incidents, got %d", pol.MinIncidents)
	}
	if pol.ProficiencyScore != 55 {
		t.Errorf("Expected proficiency score 55, got %d", pol.ProficiencyScore)
	}
	// Unset thresholds stay zero and resolve to defaults downstream.
	if pol.MinAssessments != 0 {
		t.Errorf("Expected unset threshold to be zero, got %d", pol.MinAssessments)
	}
}

func TestReadPolicyFile_Errors(t *testing.T) {
	dir := t.TempDir()

	bad := filepath.Join(dir, "bad.json")
	if err := os.WriteFile(bad, []byte("{not json"), 0644); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}
	negative := filepath.Join(dir, "negative.json")
	if err := os.WriteFile(negative, []byte(`{"min_incidents": -1}`), 0644); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}

	tests := []struct {
		name string
		path string
	}{
		{"empty path", ""},
		{"missing file", filepath.Join(dir, "nope.json")},
		{"invalid json", bad},
		{"negative threshold", negative},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ReadPolicyFile(tc.path); err == nil {
				t.Error("expected an error, but got nil")
			}
		})
	}
}

func TestWritePolicyFile_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.json")
	in := patterns.Policy{
		MinIncidents:        5,
		MinAssessments:      2,
		ProficiencyScore:    65,
		MinSources:          3,
		AttendanceDecline:   0.2,
		MinAttendanceEvents: 8,
	}

	if err := WritePolicyFile(path, in); err != nil {
		t.Fatalf("WritePolicyFile failed: %v", err)
	}
	out, err := ReadPolicyFile(path)
	if err != nil {
		t.Fatalf("ReadPolicyFile failed: %v", err)
	}
	if out != in {
		t.Errorf("Expected policy %+v after round trip, got %+v", in, out)
	}
}
