package detectors

import (
	"context"
	"regexp"
	"sort"
)

// IdentifierPatterns defines regex patterns for directly identifying
// values that must never appear outside the privacy boundary. Person
// names are out of reach for regexes and belong to the ONNX detector.
var IdentifierPatterns = map[string]string{
	"EMAIL":        `\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Z|a-z]{2,}\b`,
	"TELEPHONENUM": `\b(?:\+?1[-.]?)?\(?([0-9]{3})\)?[-.]?([0-9]{3})[-.]?([0-9]{4})\b`,
	"NATIONALID":   `\b\d{3}-\d{2}-\d{4}\b`,
	"DATEOFBIRTH":  `\b(?:0?[1-9]|1[0-2])[-/](?:0?[1-9]|[12][0-9]|3[01])[-/](?:19|20)\d{2}\b`,
	"ENROLLMENTID": `\b(?:student|pupil|enrollment)[\s#:]*(\d{5,10})\b`,
	"POSTCODE":     `\b\d{5}(?:-\d{4})?\b`,
	"STREET":       `\b\d{1,5}\s+[A-Z][a-z]+\s+(?:Street|St|Avenue|Ave|Road|Rd|Lane|Ln|Drive|Dr)\b`,
}

// RegexDetector implements Detector using regular expressions.
type RegexDetector struct {
	patterns map[string]*regexp.Regexp
}

// NewRegexDetector compiles the given label-to-pattern map. Invalid
// patterns panic, matching regexp.MustCompile semantics.
func NewRegexDetector(patterns map[string]string) *RegexDetector {
	regexMap := make(map[string]*regexp.Regexp)
	for label, pattern := range patterns {
		regexMap[label] = regexp.MustCompile(pattern)
	}

	return &RegexDetector{
		patterns: regexMap,
	}
}

// GetName returns the name of this detector.
func (r *RegexDetector) GetName() string {
	return DetectorNameRegex
}

// Detect processes the input and returns detected entities sorted by
// position. Map iteration order varies between runs, so the sort keeps
// output deterministic.
func (r *RegexDetector) Detect(ctx context.Context, input DetectorInput) (DetectorOutput, error) {
	if err := ctx.Err(); err != nil {
		return DetectorOutput{}, err
	}

	var entities []Entity
	for label, pattern := range r.patterns {
		matches := pattern.FindAllStringIndex(input.Text, -1)
		for _, match := range matches {
			startPos := match[0]
			endPos := match[1]
			entities = append(entities, Entity{
				Text:       input.Text[startPos:endPos],
				Label:      label,
				StartPos:   startPos,
				EndPos:     endPos,
				Confidence: 1.0,
			})
		}
	}

	sort.Slice(entities, func(i, j int) bool {
		if entities[i].StartPos != entities[j].StartPos {
			return entities[i].StartPos < entities[j].StartPos
		}
		return entities[i].Label < entities[j].Label
	})

	return DetectorOutput{Entities: entities}, nil
}

// Close implements the Detector interface.
func (r *RegexDetector) Close() error {
	return nil
}
