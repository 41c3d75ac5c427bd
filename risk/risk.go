// Package risk turns extracted patterns into a graded risk assessment.
// Assessment is deterministic and monotonic: adding a pattern to the
// input can raise the resulting level but never lower it.
package risk

import (
	"encoding/json"
	"fmt"

	"github.com/hannes/sagi/patterns"
)

// Level is the closed set of risk tiers, ordered from least to most
// severe.
type Level int

const (
	Low Level = iota
	Medium
	High
	Critical
)

var levelNames = map[Level]string{
	Low:      "LOW",
	Medium:   "MEDIUM",
	High:     "HIGH",
	Critical: "CRITICAL",
}

// String returns the canonical uppercase name of the level.
func (l Level) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return fmt.Sprintf("LEVEL(%d)", int(l))
}

// ParseLevel maps a level name back to its value.
func ParseLevel(s string) (Level, error) {
	for l, name := range levelNames {
		if name == s {
			return l, nil
		}
	}
	return 0, fmt.Errorf("unknown risk level %q", s)
}

// MarshalJSON serializes the level as its name.
func (l Level) MarshalJSON() ([]byte, error) {
	return []byte(`"` + l.String() + `"`), nil
}

// UnmarshalJSON restores a level from its serialized name.
func (l *Level) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	parsed, err := ParseLevel(name)
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// Assessment is the immutable result of risk grading.
type Assessment struct {
	Level        Level              `json:"level"`
	Confidence   float64            `json:"confidence"`
	Contributing []patterns.Pattern `json:"contributing"`
}

// Assessor grades pattern sets.
type Assessor struct{}

// NewAssessor creates an Assessor.
func NewAssessor() *Assessor {
	return &Assessor{}
}

// intrinsicTier returns the tier a kind carries on its own. Cross
// domain correlation already encodes corroboration across record
// shapes, so it starts one tier higher.
func intrinsicTier(k patterns.Kind) Level {
	if k == patterns.CrossDomainCorrelation {
		return High
	}
	return Medium
}

// Assess grades the pattern set. Rules, in order:
//
//  1. No patterns grades Low.
//  2. The base level is the highest intrinsic tier present.
//  3. Two or more first-order patterns without a cross-domain pattern
//     escalate one tier; when a cross-domain pattern is present its
//     High tier already carries that corroboration.
//  4. A cross-domain pattern alongside a safeguarding-tagged
//     communication escalation grades Critical outright.
func (a *Assessor) Assess(ps []patterns.Pattern) Assessment {
	if len(ps) == 0 {
		return Assessment{Level: Low, Confidence: 0.5}
	}

	level := Low
	firstOrder := 0
	hasCross := false
	safeguardingComm := false
	for _, p := range ps {
		if tier := intrinsicTier(p.Kind); tier > level {
			level = tier
		}
		if p.Kind.FirstOrder() {
			firstOrder++
		} else {
			hasCross = true
		}
		if p.Kind == patterns.CommunicationEscalation && p.Safeguarding {
			safeguardingComm = true
		}
	}

	if !hasCross && firstOrder >= 2 && level < Critical {
		level++
	}
	if hasCross && safeguardingComm {
		level = Critical
	}

	contributing := make([]patterns.Pattern, len(ps))
	copy(contributing, ps)

	return Assessment{
		Level:        level,
		Confidence:   confidence(ps),
		Contributing: contributing,
	}
}

// confidence is the mean of the contributing confidences, floored so a
// pile of weak corroboration cannot drag a strong signal down by more
// than 0.15, and capped below certainty.
func confidence(ps []patterns.Pattern) float64 {
	sum, max := 0.0, 0.0
	for _, p := range ps {
		sum += p.Confidence
		if p.Confidence > max {
			max = p.Confidence
		}
	}
	c := sum / float64(len(ps))
	if floor := max - 0.15; c < floor {
		c = floor
	}
	if c > 0.99 {
		c = 0.99
	}
	return c
}
