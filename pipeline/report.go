package pipeline

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/hannes/sagi/patterns"
	"github.com/hannes/sagi/records"
	"github.com/hannes/sagi/risk"
)

// Degraded report reasons.
const (
	ReasonAnalysisUnavailable = "analysis_unavailable"
	ReasonUntrustedResponse   = "untrusted_response"
)

// PrivacyManifest summarizes what the privacy boundary did during one
// run, so a report reader can judge its provenance without the audit
// trail.
type PrivacyManifest struct {
	TokensIssued     int    `json:"tokens_issued"`
	RecordsSkipped   int    `json:"records_skipped"`
	AnonymityChecks  string `json:"anonymity_checks"`
	ExternalAnalysis bool   `json:"external_analysis"`
	AuditEntries     int    `json:"audit_entries"`
}

// Report is the pipeline's product. SubjectID is the real identifier,
// restored after localization; everything between tokenization and
// localization saw only tokens.
type Report struct {
	SubjectID      string          `json:"subject_id"`
	SessionID      string          `json:"session_id"`
	GeneratedAt    time.Time       `json:"generated_at"`
	Window         records.Window  `json:"window"`
	Risk           risk.Assessment `json:"risk"`
	Concerns       []string        `json:"concerns"`
	Interventions  []string        `json:"interventions"`
	Degraded       bool            `json:"degraded"`
	DegradedReason string          `json:"degraded_reason,omitempty"`
	Privacy        PrivacyManifest `json:"privacy"`
}

// PipelineError wraps any FAILED-state termination. Stage names where
// the run failed; SessionID locates the trail entry explaining why.
type PipelineError struct {
	Stage     string
	SessionID string
	Err       error
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("pipeline failed at %s (session %s): %v", e.Stage, e.SessionID, e.Err)
}

func (e *PipelineError) Unwrap() error {
	return e.Err
}

// systemPrompt is the static instruction text sent with every oracle
// request. It interpolates nothing, so it needs no validation.
const systemPrompt = `You are an analyst reviewing anonymized activity patterns for an education support team. Identities are replaced with opaque tokens; treat tokens as labels and never guess at or request the people behind them. Reply with two sections, CONCERNS: and INTERVENTIONS:, each holding short "- " bullet lines with concrete, non-identifying guidance.`

// buildPayload renders the outbound prompt. It carries tokens, pattern
// summaries and risk-relevant counts only; record notes and timestamps
// never appear.
func buildPayload(subjectToken string, w records.Window, ps []patterns.Pattern, a risk.Assessment) string {
	var b strings.Builder
	fmt.Fprintf(&b, "SUBJECT: %s\n", subjectToken)
	fmt.Fprintf(&b, "WINDOW: %s to %s\n", w.From.Format("2006-01-02"), w.To.Format("2006-01-02"))
	fmt.Fprintf(&b, "RISK: %s (confidence %.2f)\n", a.Level, a.Confidence)
	b.WriteString("PATTERNS:\n")
	if len(ps) == 0 {
		b.WriteString("- none\n")
	}
	for _, p := range ps {
		fmt.Fprintf(&b, "- %s: evidence %d, confidence %.2f", p.Kind, p.EvidenceCount, p.Confidence)
		if p.Safeguarding {
			b.WriteString(", safeguarding-tagged")
		}
		if p.Detail != "" {
			fmt.Fprintf(&b, " (%s)", p.Detail)
		}
		b.WriteByte('\n')
	}
	return b.String()
}

// parseAnalysis extracts bullet lines under the CONCERNS: and
// INTERVENTIONS: headings. A response without at least one
// intervention bullet is unparseable.
func parseAnalysis(text string) (concerns, interventions []string, err error) {
	section := ""
	for _, raw := range strings.Split(text, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}
		upper := strings.ToUpper(line)
		if strings.HasPrefix(upper, "CONCERNS") {
			section = "concerns"
			continue
		}
		if strings.HasPrefix(upper, "INTERVENTIONS") {
			section = "interventions"
			continue
		}
		item, ok := bulletText(line)
		if !ok || item == "" || section == "" {
			continue
		}
		if section == "concerns" {
			concerns = append(concerns, item)
		} else {
			interventions = append(interventions, item)
		}
	}
	if len(interventions) == 0 {
		return nil, nil, fmt.Errorf("no intervention bullets found")
	}
	return concerns, interventions, nil
}

// bulletText strips a leading bullet or list number from line.
func bulletText(line string) (string, bool) {
	for _, prefix := range []string{"- ", "* "} {
		if strings.HasPrefix(line, prefix) {
			return strings.TrimSpace(line[len(prefix):]), true
		}
	}
	if i := strings.IndexAny(line, ".)"); i > 0 {
		if _, err := strconv.Atoi(line[:i]); err == nil {
			return strings.TrimSpace(line[i+1:]), true
		}
	}
	return "", false
}

var kindPhrases = map[patterns.Kind]string{
	patterns.BehavioralEscalation:     "Escalating behavioral incidents",
	patterns.AcademicUnderperformance: "Sustained academic underperformance",
	patterns.CommunicationEscalation:  "Escalating concern across communications",
	patterns.AttendanceWithdrawal:     "Declining attendance",
	patterns.CrossDomainCorrelation:   "Correlated signals across domains",
}

// concernsFrom derives one concern line per extracted pattern. The
// lines carry tokens at this point and are localized before reporting.
func concernsFrom(ps []patterns.Pattern) []string {
	out := make([]string, 0, len(ps))
	for _, p := range ps {
		line := fmt.Sprintf("%s (evidence %d)", kindPhrases[p.Kind], p.EvidenceCount)
		if p.Detail != "" {
			line += ": " + p.Detail
		}
		out = append(out, line)
	}
	return out
}

var fallbackInterventions = map[patterns.Kind]string{
	patterns.BehavioralEscalation:     "Schedule a structured check-in to review the recent incident trend",
	patterns.AcademicUnderperformance: "Arrange targeted academic support for the affected coursework",
	patterns.CommunicationEscalation:  "Coordinate a joint follow-up with the sources that raised concerns",
	patterns.AttendanceWithdrawal:     "Review attendance barriers together with the subject's guardians",
	patterns.CrossDomainCorrelation:   "Convene a multi-disciplinary review of the combined evidence",
}

const safeguardingIntervention = "Escalate to the designated safeguarding lead without delay"

// fallbackFor maps extracted patterns to deterministic intervention
// phrases, used when no external analysis is available and merged under
// it when one is.
func fallbackFor(ps []patterns.Pattern) []string {
	var out []string
	safeguarding := false
	for _, p := range ps {
		if phrase, ok := fallbackInterventions[p.Kind]; ok {
			out = append(out, phrase)
		}
		if p.Safeguarding {
			safeguarding = true
		}
	}
	sort.Strings(out)
	if safeguarding {
		out = append([]string{safeguardingIntervention}, out...)
	}
	return out
}

// mergeUnique appends each extra phrase missing from the primary
// list. Comparison is case-insensitive on trimmed text.
func mergeUnique(primary, extra []string) []string {
	seen := make(map[string]bool, len(primary))
	out := make([]string, 0, len(primary)+len(extra))
	for _, item := range primary {
		key := strings.ToLower(strings.TrimSpace(item))
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, item)
	}
	for _, item := range extra {
		key := strings.ToLower(strings.TrimSpace(item))
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, item)
	}
	return out
}
