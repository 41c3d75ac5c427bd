package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/hannes/sagi/patterns"
)

// ReadPolicyFile reads extraction thresholds from a JSON policy file.
// Returns an error if the file doesn't exist, is invalid JSON, or holds
// a negative threshold. Zero thresholds are allowed and fall back to
// the extraction defaults.
func ReadPolicyFile(policyPath string) (patterns.Policy, error) {
	var pol patterns.Policy

	if policyPath == "" {
		return pol, fmt.Errorf("policy path is not configured")
	}

	// Check if file exists
	if _, err := os.Stat(policyPath); os.IsNotExist(err) {
		return pol, fmt.Errorf("policy file does not exist: %s", policyPath)
	}

	// Read file
	data, err := os.ReadFile(policyPath)
	if err != nil {
		return pol, fmt.Errorf("failed to read policy file: %w", err)
	}

	// Parse JSON
	if err := json.Unmarshal(data, &pol); err != nil {
		return pol, fmt.Errorf("failed to parse policy file: %w", err)
	}

	if pol.MinIncidents < 0 || pol.MinAssessments < 0 || pol.ProficiencyScore < 0 ||
		pol.MinSources < 0 || pol.AttendanceDecline < 0 || pol.MinAttendanceEvents < 0 {
		return pol, fmt.Errorf("policy thresholds must not be negative")
	}

	return pol, nil
}

// WritePolicyFile writes the thresholds as indented JSON, so deployments
// can dump the active policy and edit it in place.
func WritePolicyFile(policyPath string, pol patterns.Policy) error {
	if policyPath == "" {
		return fmt.Errorf("policy path is not configured")
	}

	data, err := json.MarshalIndent(pol, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode policy: %w", err)
	}

	if err := os.WriteFile(policyPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write policy file: %w", err)
	}

	return nil
}
