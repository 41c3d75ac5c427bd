package pipeline

// Stage identifies a pipeline run's position in its lifecycle.
type Stage int

const (
	StageInit Stage = iota
	StageTokenized
	StagePatternsExtracted
	StageRiskAssessed
	StageExternallyAnalyzed
	StageLocalized
	StageReported
	StageFailed
)

var stageNames = map[Stage]string{
	StageInit:               "INIT",
	StageTokenized:          "TOKENIZED",
	StagePatternsExtracted:  "PATTERNS_EXTRACTED",
	StageRiskAssessed:       "RISK_ASSESSED",
	StageExternallyAnalyzed: "EXTERNALLY_ANALYZED",
	StageLocalized:          "LOCALIZED",
	StageReported:           "REPORTED",
	StageFailed:             "FAILED",
}

func (s Stage) String() string {
	if name, ok := stageNames[s]; ok {
		return name
	}
	return "UNKNOWN"
}

// transitions lists each stage's legal successors. RISK_ASSESSED may
// jump straight to LOCALIZED, which is the degraded patterns-only
// path. REPORTED and FAILED are terminal.
var transitions = map[Stage][]Stage{
	StageInit:               {StageTokenized, StageFailed},
	StageTokenized:          {StagePatternsExtracted, StageFailed},
	StagePatternsExtracted:  {StageRiskAssessed, StageFailed},
	StageRiskAssessed:       {StageExternallyAnalyzed, StageLocalized, StageFailed},
	StageExternallyAnalyzed: {StageLocalized, StageFailed},
	StageLocalized:          {StageReported, StageFailed},
	StageReported:           {},
	StageFailed:             {},
}

func canTransition(from, to Stage) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
