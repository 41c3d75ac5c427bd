package detectors

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"os"
	"strings"

	"github.com/daulet/tokenizers"
	onnxruntime "github.com/yalue/onnxruntime_go"
)

const maxSeqLen = 512

// ONNXDetector implements Detector using a token-classification NER
// model run through ONNX Runtime. It catches person names and other
// contextual identifiers the regex detector cannot express.
type ONNXDetector struct {
	tokenizer       *tokenizers.Tokenizer
	session         *onnxruntime.AdvancedSession
	inputTensor     *onnxruntime.Tensor[int64]
	maskTensor      *onnxruntime.Tensor[int64]
	outputTensor    *onnxruntime.Tensor[float32]
	id2label        map[string]string
	numLabels       int
	modelPath       string
	confidenceFloor float64
}

// safeUintToInt converts a uint to int with bounds checking.
func safeUintToInt(val uint) int {
	const maxInt = int(^uint(0) >> 1)
	if val <= uint(maxInt) {
		// #nosec G115 - bounds checked above
		return int(val)
	}
	return maxInt
}

// NewONNXDetector loads the tokenizer and label mapping. The inference
// session itself is created lazily on first Detect, so construction
// stays cheap when the detector is configured but never exercised.
func NewONNXDetector(modelPath, tokenizerPath, labelsPath string, confidenceFloor float64) (*ONNXDetector, error) {
	onnxLibPath := os.Getenv("ONNXRUNTIME_SHARED_LIBRARY_PATH")
	if onnxLibPath == "" {
		for _, path := range []string{"./libonnxruntime.so", "./build/libonnxruntime.so"} {
			if _, err := os.Stat(path); err == nil {
				onnxLibPath = path
				break
			}
		}
	}
	if onnxLibPath != "" {
		onnxruntime.SetSharedLibraryPath(onnxLibPath)
	}

	if !onnxruntime.IsInitialized() {
		if err := onnxruntime.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("failed to initialize ONNX Runtime environment: %w", err)
		}
	}

	tk, err := tokenizers.FromFile(tokenizerPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load tokenizer: %w", err)
	}

	labelData, err := os.ReadFile(labelsPath)
	if err != nil {
		if cerr := tk.Close(); cerr != nil {
			log.Printf("[DETECTOR] Failed to close tokenizer during cleanup: %v", cerr)
		}
		return nil, fmt.Errorf("failed to read label mapping: %w", err)
	}

	var labels struct {
		ID2Label map[string]string `json:"id2label"`
	}
	if err := json.Unmarshal(labelData, &labels); err != nil {
		if cerr := tk.Close(); cerr != nil {
			log.Printf("[DETECTOR] Failed to close tokenizer during cleanup: %v", cerr)
		}
		return nil, fmt.Errorf("failed to parse label mapping: %w", err)
	}

	numLabels := 0
	for idStr := range labels.ID2Label {
		var id int
		if _, err := fmt.Sscanf(idStr, "%d", &id); err == nil && id >= numLabels {
			numLabels = id + 1
		}
	}
	if numLabels == 0 {
		if cerr := tk.Close(); cerr != nil {
			log.Printf("[DETECTOR] Failed to close tokenizer during cleanup: %v", cerr)
		}
		return nil, fmt.Errorf("label mapping defines no labels")
	}

	return &ONNXDetector{
		tokenizer:       tk,
		id2label:        labels.ID2Label,
		numLabels:       numLabels,
		modelPath:       modelPath,
		confidenceFloor: confidenceFloor,
	}, nil
}

// GetName returns the name of this detector.
func (d *ONNXDetector) GetName() string {
	return DetectorNameONNX
}

// Detect runs NER inference over the input. Entity text stays out of
// the logs; only the count is reported.
func (d *ONNXDetector) Detect(ctx context.Context, input DetectorInput) (DetectorOutput, error) {
	if err := ctx.Err(); err != nil {
		return DetectorOutput{}, err
	}

	if d.session == nil {
		if err := d.initializeSession(); err != nil {
			return DetectorOutput{}, fmt.Errorf("failed to initialize session: %w", err)
		}
	}

	encoding := d.tokenizer.EncodeWithOptions(input.Text, true, tokenizers.WithReturnOffsets())
	tokenIDs := encoding.IDs
	offsets := encoding.Offsets
	if len(tokenIDs) > maxSeqLen {
		tokenIDs = tokenIDs[:maxSeqLen]
		offsets = offsets[:maxSeqLen]
	}

	inputIDs := make([]int64, len(tokenIDs))
	attentionMask := make([]int64, len(tokenIDs))
	for i := range tokenIDs {
		inputIDs[i] = int64(tokenIDs[i])
		attentionMask[i] = 1
	}

	d.updateInputTensors(inputIDs, attentionMask)

	if err := d.session.Run(); err != nil {
		return DetectorOutput{}, fmt.Errorf("failed to run inference: %w", err)
	}

	entities := d.collectEntities(input.Text, len(tokenIDs), offsets)
	log.Printf("[DETECTOR] ONNX pass found %d entities", len(entities))

	return DetectorOutput{Entities: entities}, nil
}

// collectEntities converts per-token logits into entities, grouping
// consecutive B-/I- tokens of the same base label.
func (d *ONNXDetector) collectEntities(originalText string, numTokens int, offsets []tokenizers.Offset) []Entity {
	outputData := d.outputTensor.GetData()
	entities := []Entity{}

	var currentEntity *Entity
	var currentTokens []int

	for i := 0; i < numTokens; i++ {
		startIdx := i * d.numLabels
		endIdx := (i + 1) * d.numLabels
		if endIdx > len(outputData) {
			break
		}
		tokenLogits := outputData[startIdx:endIdx]

		maxLogit := float64(-math.MaxFloat64)
		bestClass := 0
		for j, logit := range tokenLogits {
			if float64(logit) > maxLogit {
				maxLogit = float64(logit)
				bestClass = j
			}
		}

		label, exists := d.id2label[fmt.Sprintf("%d", bestClass)]
		if !exists {
			label = "O"
		}

		// Softmax over the token's logits.
		var sum float64
		for _, logit := range tokenLogits {
			sum += math.Exp(float64(logit))
		}
		confidence := math.Exp(maxLogit) / sum

		if confidence < d.confidenceFloor {
			label = "O"
		}

		isBeginning := strings.HasPrefix(label, "B-")
		isInside := strings.HasPrefix(label, "I-")
		baseLabel := label
		if isBeginning || isInside {
			baseLabel = strings.TrimPrefix(strings.TrimPrefix(label, "B-"), "I-")
		}

		switch {
		case label != "O" && (isBeginning || currentEntity == nil):
			if currentEntity != nil {
				d.finalizeEntity(currentEntity, currentTokens, originalText, offsets)
				entities = append(entities, *currentEntity)
			}
			currentEntity = &Entity{
				Label:      baseLabel,
				Confidence: confidence,
			}
			currentTokens = []int{i}
		case label != "O" && isInside && currentEntity != nil && currentEntity.Label == baseLabel:
			currentTokens = append(currentTokens, i)
			currentEntity.Confidence = (currentEntity.Confidence + confidence) / 2
		default:
			if currentEntity != nil {
				d.finalizeEntity(currentEntity, currentTokens, originalText, offsets)
				entities = append(entities, *currentEntity)
				currentEntity = nil
				currentTokens = nil
			}
		}
	}

	if currentEntity != nil {
		d.finalizeEntity(currentEntity, currentTokens, originalText, offsets)
		entities = append(entities, *currentEntity)
	}

	return entities
}

// finalizeEntity extracts the entity text from the original string
// using token offsets.
func (d *ONNXDetector) finalizeEntity(entity *Entity, tokenIndices []int, originalText string, offsets []tokenizers.Offset) {
	if len(tokenIndices) == 0 {
		return
	}

	startOffset := offsets[tokenIndices[0]]
	endOffset := offsets[tokenIndices[len(tokenIndices)-1]]

	entity.Text = originalText[startOffset[0]:endOffset[1]]
	entity.StartPos = safeUintToInt(startOffset[0])
	entity.EndPos = safeUintToInt(endOffset[1])
}

// initializeSession creates the ONNX session and its tensors.
func (d *ONNXDetector) initializeSession() error {
	batchSize := int64(1)

	inputShape := onnxruntime.NewShape(batchSize, int64(maxSeqLen))
	inputTensor, err := onnxruntime.NewTensor(inputShape, make([]int64, maxSeqLen))
	if err != nil {
		return fmt.Errorf("failed to create input tensor: %w", err)
	}

	maskTensor, err := onnxruntime.NewTensor(inputShape, make([]int64, maxSeqLen))
	if err != nil {
		destroyQuietly(inputTensor)
		return fmt.Errorf("failed to create mask tensor: %w", err)
	}

	outputShape := onnxruntime.NewShape(batchSize, int64(maxSeqLen), int64(d.numLabels))
	outputTensor, err := onnxruntime.NewEmptyTensor[float32](outputShape)
	if err != nil {
		destroyQuietly(inputTensor)
		destroyQuietly(maskTensor)
		return fmt.Errorf("failed to create output tensor: %w", err)
	}

	session, err := onnxruntime.NewAdvancedSession(d.modelPath,
		[]string{"input_ids", "attention_mask"},
		[]string{"logits"},
		[]onnxruntime.Value{inputTensor, maskTensor},
		[]onnxruntime.Value{outputTensor},
		nil)
	if err != nil {
		destroyQuietly(inputTensor)
		destroyQuietly(maskTensor)
		destroyQuietly(outputTensor)
		return fmt.Errorf("failed to create session: %w", err)
	}

	d.session = session
	d.inputTensor = inputTensor
	d.maskTensor = maskTensor
	d.outputTensor = outputTensor

	return nil
}

type destroyable interface {
	Destroy() error
}

func destroyQuietly(v destroyable) {
	if err := v.Destroy(); err != nil {
		log.Printf("[DETECTOR] Failed to destroy tensor during cleanup: %v", err)
	}
}

// updateInputTensors writes the encoded sequence into the session's
// input tensors, zero-padding the remainder.
func (d *ONNXDetector) updateInputTensors(inputIDs, attentionMask []int64) {
	inputData := d.inputTensor.GetData()
	maskData := d.maskTensor.GetData()

	for i := range inputData {
		inputData[i] = 0
		maskData[i] = 0
	}

	copy(inputData, inputIDs)
	copy(maskData, attentionMask)
}

// Close releases the session, tensors, tokenizer and runtime
// environment.
func (d *ONNXDetector) Close() error {
	var errs []error

	if d.session != nil {
		if err := d.session.Destroy(); err != nil {
			errs = append(errs, fmt.Errorf("failed to destroy session: %w", err))
		}
	}
	if d.inputTensor != nil {
		if err := d.inputTensor.Destroy(); err != nil {
			errs = append(errs, fmt.Errorf("failed to destroy input tensor: %w", err))
		}
	}
	if d.maskTensor != nil {
		if err := d.maskTensor.Destroy(); err != nil {
			errs = append(errs, fmt.Errorf("failed to destroy mask tensor: %w", err))
		}
	}
	if d.outputTensor != nil {
		if err := d.outputTensor.Destroy(); err != nil {
			errs = append(errs, fmt.Errorf("failed to destroy output tensor: %w", err))
		}
	}
	if d.tokenizer != nil {
		if err := d.tokenizer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close tokenizer: %w", err))
		}
	}
	if err := onnxruntime.DestroyEnvironment(); err != nil {
		errs = append(errs, fmt.Errorf("failed to destroy environment: %w", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("cleanup errors: %v", errs)
	}
	return nil
}
