package privacy

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"

	"github.com/hannes/sagi/privacy/detectors"
	"github.com/hannes/sagi/records"
)

// Scrub modes control what happens to free-text note fields during
// anonymization.
const (
	// ScrubStrip drops note text entirely. Nothing from a note field
	// survives into the snapshot.
	ScrubStrip = "strip"

	// ScrubRedact keeps note text but replaces every detected
	// identifier span with a typed token. A detector failure aborts
	// anonymization rather than letting raw text through.
	ScrubRedact = "redact"
)

// Options configures a Tokenizer.
type Options struct {
	// ScrubMode is ScrubStrip or ScrubRedact. Empty defaults to strip.
	ScrubMode string

	// SensitiveCategories lists incident categories whose labels are
	// themselves revealing and must be tokenized. Matching is
	// case-insensitive. Categories outside the list pass through as
	// plain labels.
	SensitiveCategories []string
}

// SkippedRecord describes one malformed record the tokenizer refused.
// It names the shape, the index within that shape's slice, and the
// violated constraint. Field values are never included.
type SkippedRecord struct {
	Shape  string `json:"shape"`
	Index  int    `json:"index"`
	Reason string `json:"reason"`
}

// Tokenizer is the only component that sees raw records and the only
// one that can localize tokens back to real values. Everything past it
// operates on tokens.
type Tokenizer struct {
	opts      Options
	detector  detectors.Detector
	archive   *Archive
	sensitive map[string]bool

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewTokenizer creates a Tokenizer. detector may be nil when the scrub
// mode is strip; redact requires one. archive may be nil to disable
// mapping archival.
func NewTokenizer(opts Options, detector detectors.Detector, archive *Archive) (*Tokenizer, error) {
	if opts.ScrubMode == "" {
		opts.ScrubMode = ScrubStrip
	}
	if opts.ScrubMode != ScrubStrip && opts.ScrubMode != ScrubRedact {
		return nil, fmt.Errorf("unknown scrub mode %q", opts.ScrubMode)
	}
	if opts.ScrubMode == ScrubRedact && detector == nil {
		return nil, errors.New("scrub mode redact requires a detector")
	}

	sensitive := make(map[string]bool, len(opts.SensitiveCategories))
	for _, c := range opts.SensitiveCategories {
		sensitive[strings.ToLower(strings.TrimSpace(c))] = true
	}

	return &Tokenizer{
		opts:      opts,
		detector:  detector,
		archive:   archive,
		sensitive: sensitive,
		sessions:  make(map[string]*Session),
	}, nil
}

// CreateSession opens a session for one subject. A second live session
// for the same subject is allowed and gets a fully independent mapping.
func (t *Tokenizer) CreateSession(ctx context.Context, subjectID string) (*Session, error) {
	if strings.TrimSpace(subjectID) == "" {
		return nil, errors.New("missing subject id")
	}

	sess, err := newSession(ctx, subjectID, t.archive)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	t.mu.Lock()
	t.sessions[sess.ID()] = sess
	t.mu.Unlock()

	log.Printf("[TOKENIZER] Created session %s", sess.ID())
	return sess, nil
}

// CloseSession closes the session and removes it from the registry.
func (t *Tokenizer) CloseSession(sess *Session) error {
	if sess == nil {
		return nil
	}
	if err := sess.Close(); err != nil {
		return err
	}

	t.mu.Lock()
	delete(t.sessions, sess.ID())
	t.mu.Unlock()

	log.Printf("[TOKENIZER] Closed session %s", sess.ID())
	return nil
}

// ActiveSessions returns the number of open sessions.
func (t *Tokenizer) ActiveSessions() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sessions)
}

// Anonymize turns a raw record set into a tokenized snapshot. Malformed
// records are skipped and reported, valid ones are tokenized; the same
// input always produces the same tokens within the session. A scrub
// failure aborts the whole call, because continuing would require
// passing raw note text through.
func (t *Tokenizer) Anonymize(ctx context.Context, sess *Session, set records.Set) (*Snapshot, []SkippedRecord, error) {
	if sess.Closed() {
		return nil, nil, ErrSessionClosed
	}
	if set.SubjectID != sess.SubjectID() {
		return nil, nil, errors.New("record set subject does not match session subject")
	}

	snap := &Snapshot{
		SessionID:    sess.ID(),
		SubjectToken: sess.SubjectToken(),
	}
	var skipped []SkippedRecord

	for i, r := range set.Incidents {
		if err := r.Validate(); err != nil {
			skipped = append(skipped, SkippedRecord{Shape: records.ShapeBehavioral, Index: i, Reason: err.Error()})
			log.Printf("[TOKENIZER] Session %s: skipping malformed %s record %d: %v", sess.ID(), records.ShapeBehavioral, i, err)
			continue
		}
		category, err := t.category(ctx, sess, r.Category)
		if err != nil {
			return nil, nil, err
		}
		note, err := t.scrub(ctx, sess, r.Note)
		if err != nil {
			return nil, nil, err
		}
		snap.Incidents = append(snap.Incidents, TokenizedIncident{
			Subject:    snap.SubjectToken,
			Category:   category,
			Severity:   r.Severity,
			Note:       note,
			OccurredAt: r.OccurredAt.UTC(),
		})
	}

	for i, r := range set.Assessments {
		if err := r.Validate(); err != nil {
			skipped = append(skipped, SkippedRecord{Shape: records.ShapeAssessment, Index: i, Reason: err.Error()})
			log.Printf("[TOKENIZER] Session %s: skipping malformed %s record %d: %v", sess.ID(), records.ShapeAssessment, i, err)
			continue
		}
		snap.Assessments = append(snap.Assessments, TokenizedAssessment{
			Subject:    snap.SubjectToken,
			Course:     r.Course,
			Score:      r.Score,
			OccurredAt: r.OccurredAt.UTC(),
		})
	}

	for i, r := range set.Communications {
		if err := r.Validate(); err != nil {
			skipped = append(skipped, SkippedRecord{Shape: records.ShapeCommunication, Index: i, Reason: err.Error()})
			log.Printf("[TOKENIZER] Session %s: skipping malformed %s record %d: %v", sess.ID(), records.ShapeCommunication, i, err)
			continue
		}
		note, err := t.scrub(ctx, sess, r.Note)
		if err != nil {
			return nil, nil, err
		}
		snap.Communications = append(snap.Communications, TokenizedCommunication{
			Subject:      snap.SubjectToken,
			Source:       r.Source,
			Urgency:      r.Urgency,
			Note:         note,
			Safeguarding: r.Safeguarding,
			OccurredAt:   r.OccurredAt.UTC(),
		})
	}

	for i, r := range set.Attendance {
		if err := r.Validate(); err != nil {
			skipped = append(skipped, SkippedRecord{Shape: records.ShapeAttendance, Index: i, Reason: err.Error()})
			log.Printf("[TOKENIZER] Session %s: skipping malformed %s record %d: %v", sess.ID(), records.ShapeAttendance, i, err)
			continue
		}
		snap.Attendance = append(snap.Attendance, TokenizedAttendance{
			Subject:    snap.SubjectToken,
			Status:     r.Status,
			OccurredAt: r.OccurredAt.UTC(),
		})
	}

	log.Printf("[TOKENIZER] Session %s: tokenized %d records, skipped %d", sess.ID(), snap.Len(), len(skipped))
	return snap, skipped, nil
}

// Localize replaces every token in text with the session's real values.
func (t *Tokenizer) Localize(sess *Session, text string) (string, error) {
	return sess.Localize(text)
}

func (t *Tokenizer) category(ctx context.Context, sess *Session, category string) (string, error) {
	if !t.sensitive[strings.ToLower(strings.TrimSpace(category))] {
		return category, nil
	}
	tok, err := sess.token(ctx, category, ClassCategory)
	if err != nil {
		return "", fmt.Errorf("failed to tokenize category: %w", err)
	}
	return tok, nil
}

// scrub applies the configured scrub mode to note text.
func (t *Tokenizer) scrub(ctx context.Context, sess *Session, text string) (string, error) {
	if text == "" || t.opts.ScrubMode == ScrubStrip {
		return "", nil
	}

	out, err := t.detector.Detect(ctx, detectors.DetectorInput{Text: text})
	if err != nil {
		return "", fmt.Errorf("scrub detection failed: %w", err)
	}

	// Replace spans back to front so earlier offsets stay valid.
	entities := out.Entities
	sort.Slice(entities, func(i, j int) bool {
		return entities[i].StartPos > entities[j].StartPos
	})

	replaced := text
	prevStart := len(text) + 1
	for _, e := range entities {
		if e.StartPos < 0 || e.EndPos > len(text) || e.EndPos > prevStart {
			continue
		}
		tok, err := sess.token(ctx, e.Text, classForLabel(e.Label))
		if err != nil {
			return "", fmt.Errorf("failed to tokenize scrubbed span: %w", err)
		}
		replaced = replaced[:e.StartPos] + tok + replaced[e.EndPos:]
		prevStart = e.StartPos
	}

	return replaced, nil
}

// classForLabel maps a detector label onto a token class.
func classForLabel(label string) string {
	up := strings.ToUpper(label)
	switch {
	case strings.Contains(up, "NAME") || strings.Contains(up, "PERSON"):
		return ClassName
	case strings.Contains(up, "DATE") || strings.Contains(up, "DOB"):
		return ClassDate
	default:
		return ClassText
	}
}
