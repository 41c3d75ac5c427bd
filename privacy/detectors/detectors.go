// Package detectors provides identifier detection over free text. The
// anonymity validator runs every configured detector across outbound
// payloads and inbound responses; the tokenizer runs them when scrub
// mode keeps note text. Detected entity text never serializes.
package detectors

import (
	"context"
	"fmt"
)

const (
	DetectorNameRegex = "regex_detector"
	DetectorNameONNX  = "onnx_detector"
	DetectorNameMulti = "multi_detector"
)

// DetectorInput represents the input for identifier detection.
type DetectorInput struct {
	Text string `json:"text"`
}

// Entity represents a detected identifier span. Text is the matched
// span itself and is excluded from JSON so detection results can be
// logged or audited without reproducing the match.
type Entity struct {
	Text       string  `json:"-"`
	Label      string  `json:"label"`
	StartPos   int     `json:"start_pos"`
	EndPos     int     `json:"end_pos"`
	Confidence float64 `json:"confidence"`
}

// DetectorOutput represents the result of one detection pass.
type DetectorOutput struct {
	Entities []Entity `json:"entities"`
}

// Detector finds identifier-shaped spans in text.
type Detector interface {
	GetName() string
	Detect(ctx context.Context, input DetectorInput) (DetectorOutput, error)
	Close() error
}

// NewDetectorFunc constructs a detector from its configuration map.
type NewDetectorFunc func(config map[string]interface{}) (Detector, error)

var detectorFactories = make(map[string]NewDetectorFunc)

// RegisterDetectorFactory makes a detector constructible by name.
func RegisterDetectorFactory(name string, factory NewDetectorFunc) {
	detectorFactories[name] = factory
}

// NewDetector constructs the named detector.
func NewDetector(name string, config map[string]interface{}) (Detector, error) {
	factory, ok := detectorFactories[name]
	if !ok {
		return nil, fmt.Errorf("detector factory not found for name: %s", name)
	}
	return factory(config)
}

func init() {
	RegisterDetectorFactory(DetectorNameRegex, func(config map[string]interface{}) (Detector, error) {
		return NewRegexDetector(IdentifierPatterns), nil
	})

	RegisterDetectorFactory(DetectorNameONNX, func(config map[string]interface{}) (Detector, error) {
		modelPath, ok := config["model_path"].(string)
		if !ok {
			return nil, fmt.Errorf("model_path is required for ONNX detector")
		}
		tokenizerPath, ok := config["tokenizer_path"].(string)
		if !ok {
			return nil, fmt.Errorf("tokenizer_path is required for ONNX detector")
		}
		labelsPath, ok := config["labels_path"].(string)
		if !ok {
			return nil, fmt.Errorf("labels_path is required for ONNX detector")
		}
		floor := 0.5
		if f, ok := config["confidence_floor"].(float64); ok {
			floor = f
		}
		return NewONNXDetector(modelPath, tokenizerPath, labelsPath, floor)
	})
}

// Multi combines several detectors into one. Detect runs each in order
// and merges their entities; the first error aborts the pass, since a
// skipped detector would silently weaken the anonymity check.
func Multi(detectors ...Detector) Detector {
	return &multiDetector{detectors: detectors}
}

type multiDetector struct {
	detectors []Detector
}

func (m *multiDetector) GetName() string {
	return DetectorNameMulti
}

func (m *multiDetector) Detect(ctx context.Context, input DetectorInput) (DetectorOutput, error) {
	var out DetectorOutput
	for _, d := range m.detectors {
		res, err := d.Detect(ctx, input)
		if err != nil {
			return DetectorOutput{}, fmt.Errorf("%s: %w", d.GetName(), err)
		}
		out.Entities = append(out.Entities, res.Entities...)
	}
	return out, nil
}

func (m *multiDetector) Close() error {
	var firstErr error
	for _, d := range m.detectors {
		if err := d.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
