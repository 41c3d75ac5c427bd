// Package pipeline orchestrates one analysis run as a strict state
// machine: INIT, TOKENIZED, PATTERNS_EXTRACTED, RISK_ASSESSED,
// EXTERNALLY_ANALYZED, LOCALIZED, REPORTED, with FAILED reachable from
// every stage. Raw records exist before TOKENIZED and real identifiers
// reappear only at LOCALIZED; everything between operates on tokens.
// Every transition is written to the audit trail before the run
// proceeds.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/hannes/sagi/audit"
	"github.com/hannes/sagi/gateway"
	"github.com/hannes/sagi/metrics"
	"github.com/hannes/sagi/oracle"
	"github.com/hannes/sagi/patterns"
	"github.com/hannes/sagi/privacy"
	"github.com/hannes/sagi/privacy/detectors"
	"github.com/hannes/sagi/records"
	"github.com/hannes/sagi/risk"
)

const (
	defaultWindowDays       = 90
	defaultDegradedConfFact = 0.75
)

// Config parameterizes a Pipeline.
type Config struct {
	// WindowDays is the analysis window length. Zero means 90.
	WindowDays int
	// DegradedConfidenceFactor scales assessment confidence on
	// patterns-only reports. Zero means 0.75.
	DegradedConfidenceFactor float64
	// Policy holds the extraction thresholds.
	Policy patterns.Policy
	// Gateway holds the analysis boundary settings. The system prompt
	// is fixed by the pipeline and cannot be overridden.
	Gateway gateway.Config
}

// Pipeline runs the analysis stages for one subject at a time. A
// Pipeline is safe for concurrent use; each run owns its own session.
type Pipeline struct {
	store     records.Store
	tokenizer *privacy.Tokenizer
	extractor *patterns.Extractor
	assessor  *risk.Assessor
	client    oracle.Client
	det       detectors.Detector
	auditLog  *audit.Log
	met       *metrics.Metrics
	cfg       Config
}

// New assembles a Pipeline. det may be nil to run without a detector
// second line at the gateway; met may be nil to collect into a private
// metrics instance.
func New(store records.Store, tokenizer *privacy.Tokenizer, client oracle.Client, det detectors.Detector, auditLog *audit.Log, met *metrics.Metrics, cfg Config) *Pipeline {
	if cfg.WindowDays <= 0 {
		cfg.WindowDays = defaultWindowDays
	}
	if cfg.DegradedConfidenceFactor <= 0 {
		cfg.DegradedConfidenceFactor = defaultDegradedConfFact
	}
	cfg.Gateway.SystemPrompt = systemPrompt
	if met == nil {
		met = metrics.New()
	}
	return &Pipeline{
		store:     store,
		tokenizer: tokenizer,
		extractor: patterns.NewExtractor(cfg.Policy),
		assessor:  risk.NewAssessor(),
		client:    client,
		det:       det,
		auditLog:  auditLog,
		met:       met,
		cfg:       cfg,
	}
}

// AuditTrail returns one session's audit entries in chain order.
func (p *Pipeline) AuditTrail(ctx context.Context, sessionID string) ([]audit.Entry, error) {
	return p.auditLog.Trail(ctx, sessionID)
}

// run tracks one invocation's position in the state machine.
type run struct {
	p     *Pipeline
	sess  *privacy.Session
	stage Stage
}

// advance writes the transition's audit entry and moves the run to the
// next stage. The entry is persisted before the stage is entered.
func (r *run) advance(ctx context.Context, to Stage, e audit.Entry) error {
	if !canTransition(r.stage, to) {
		return fmt.Errorf("illegal stage transition %s -> %s", r.stage, to)
	}
	e.SessionID = r.sess.ID()
	e.Stage = to.String()
	if e.AnonymityCheck == "" {
		e.AnonymityCheck = audit.CheckSkipped
	}
	if _, err := r.p.auditLog.Append(ctx, e); err != nil {
		return fmt.Errorf("audit transition to %s: %w", to, err)
	}
	r.stage = to
	return nil
}

// attempt records activity at a stage the run did not enter, such as an
// oracle call that failed before EXTERNALLY_ANALYZED could complete.
func (r *run) attempt(ctx context.Context, at Stage, check, detail string) error {
	_, err := r.p.auditLog.Append(ctx, audit.Entry{
		SessionID:      r.sess.ID(),
		Stage:          at.String(),
		AnonymityCheck: check,
		Detail:         detail,
	})
	return err
}

// fail terminates the run. The FAILED entry names the failing stage
// and a reason code, never the data that caused the failure, and is
// written even when the caller's context is already cancelled.
func (r *run) fail(ctx context.Context, at Stage, reason, check string, cause error) *PipelineError {
	entry := audit.Entry{
		SessionID:      r.sess.ID(),
		Stage:          StageFailed.String(),
		AnonymityCheck: check,
		Detail:         fmt.Sprintf("%s at %s", reason, at),
	}
	if _, err := r.p.auditLog.Append(context.WithoutCancel(ctx), entry); err != nil {
		log.Printf("[PIPELINE] Session %s: FAILED entry not recorded: %v", r.sess.ID(), err)
	}
	r.stage = StageFailed
	r.p.met.RunsFailed.Add(1)
	sentry.CaptureException(cause)
	log.Printf("[PIPELINE] Session %s: run failed at %s (%s)", r.sess.ID(), at, reason)
	return &PipelineError{Stage: at.String(), SessionID: r.sess.ID(), Err: cause}
}

// Run analyzes one subject's recent records and produces a Report. The
// session and its token mapping are destroyed on every exit path.
func (p *Pipeline) Run(ctx context.Context, subjectID string) (*Report, error) {
	start := time.Now()
	p.met.RunsTotal.Add(1)

	window := records.LastDays(p.cfg.WindowDays, time.Now().UTC())

	sess, err := p.tokenizer.CreateSession(ctx, subjectID)
	if err != nil {
		p.met.RunsFailed.Add(1)
		return nil, &PipelineError{Stage: StageInit.String(), Err: fmt.Errorf("create session: %w", err)}
	}
	defer func() {
		if cerr := p.tokenizer.CloseSession(sess); cerr != nil {
			log.Printf("[PIPELINE] Session %s: close failed: %v", sess.ID(), cerr)
		}
	}()

	r := &run{p: p, sess: sess, stage: StageInit}

	// Anchor the session's chain. The input hash commits to the
	// request without recording the subject identifier itself.
	if _, err := p.auditLog.Append(ctx, audit.Entry{
		SessionID:      sess.ID(),
		Stage:          StageInit.String(),
		InputHash:      audit.HashBytes([]byte(subjectID)),
		AnonymityCheck: audit.CheckSkipped,
		Detail:         fmt.Sprintf("window_days=%d", p.cfg.WindowDays),
	}); err != nil {
		return nil, r.fail(ctx, StageInit, "audit_failed", audit.CheckSkipped, err)
	}

	set, err := p.store.Records(ctx, subjectID, window)
	if err != nil {
		reason := "record_fetch_failed"
		if ctx.Err() != nil {
			reason = "run_cancelled"
		}
		return nil, r.fail(ctx, StageInit, reason, audit.CheckSkipped, fmt.Errorf("fetch records: %w", err))
	}

	snap, skipped, err := p.tokenizer.Anonymize(ctx, sess, set)
	if err != nil {
		reason := "tokenization_failed"
		if ctx.Err() != nil {
			reason = "run_cancelled"
		}
		return nil, r.fail(ctx, StageTokenized, reason, audit.CheckSkipped, fmt.Errorf("anonymize: %w", err))
	}
	p.met.RecordsSkipped.Add(int64(len(skipped)))

	rawJSON, _ := json.Marshal(set)
	snapJSON, err := snap.CanonicalJSON()
	if err != nil {
		return nil, r.fail(ctx, StageTokenized, "tokenization_failed", audit.CheckSkipped, err)
	}
	if err := r.advance(ctx, StageTokenized, audit.Entry{
		InputHash:  audit.HashBytes(rawJSON),
		OutputHash: audit.HashBytes(snapJSON),
		Detail:     fmt.Sprintf("records=%d skipped=%d tokens=%d", set.Len(), len(skipped), sess.MappingSize()),
	}); err != nil {
		return nil, r.fail(ctx, StageTokenized, "audit_failed", audit.CheckSkipped, err)
	}

	ps := p.extractor.Extract(snap, window)
	p.met.PatternsExtracted.Add(int64(len(ps)))
	psJSON, _ := json.Marshal(ps)
	if err := r.advance(ctx, StagePatternsExtracted, audit.Entry{
		InputHash:  audit.HashBytes(snapJSON),
		OutputHash: audit.HashBytes(psJSON),
		Detail:     fmt.Sprintf("patterns=%d", len(ps)),
	}); err != nil {
		return nil, r.fail(ctx, StagePatternsExtracted, "audit_failed", audit.CheckSkipped, err)
	}

	assessment := p.assessor.Assess(ps)
	assessJSON, _ := json.Marshal(assessment)
	if err := r.advance(ctx, StageRiskAssessed, audit.Entry{
		InputHash:  audit.HashBytes(psJSON),
		OutputHash: audit.HashBytes(assessJSON),
		Detail:     fmt.Sprintf("level=%s", assessment.Level),
	}); err != nil {
		return nil, r.fail(ctx, StageRiskAssessed, "audit_failed", audit.CheckSkipped, err)
	}

	// External analysis. Availability and trust failures degrade to a
	// patterns-only report; an anonymity violation ends the run.
	payload := buildPayload(snap.SubjectToken, window, ps, assessment)
	gw := gateway.New(sess, p.client, p.det, p.cfg.Gateway)

	degraded := false
	degradedReason := ""
	var oracleConcerns, oracleInterventions []string

	res, err := gw.Submit(ctx, payload)
	if err == nil {
		p.met.OracleCalls.Add(1)
		p.met.RecordOracleLatency(res.Elapsed)
		oracleConcerns, oracleInterventions, err = parseAnalysis(res.Analysis)
		if err != nil {
			p.met.UntrustedResponses.Add(1)
			degraded, degradedReason = true, ReasonUntrustedResponse
			if aerr := r.attempt(ctx, StageExternallyAnalyzed, audit.CheckPassed, ReasonUntrustedResponse); aerr != nil {
				return nil, r.fail(ctx, StageExternallyAnalyzed, "audit_failed", audit.CheckSkipped, aerr)
			}
		} else {
			if aerr := r.advance(ctx, StageExternallyAnalyzed, audit.Entry{
				InputHash:      audit.HashBytes([]byte(payload)),
				OutputHash:     audit.HashBytes([]byte(res.Analysis)),
				AnonymityCheck: audit.CheckPassed,
				Detail:         fmt.Sprintf("provider=%s", res.Provider),
			}); aerr != nil {
				return nil, r.fail(ctx, StageExternallyAnalyzed, "audit_failed", audit.CheckSkipped, aerr)
			}
		}
	} else {
		var violation *gateway.AnonymityViolationError
		var untrusted *gateway.UntrustedResponseError
		var unavailable *gateway.UnavailableError
		switch {
		case errors.As(err, &violation):
			p.met.AnonymityViolations.Add(1)
			return nil, r.fail(ctx, StageExternallyAnalyzed, "anonymity_violation", audit.CheckFailed, err)
		case errors.As(err, &untrusted):
			p.met.OracleCalls.Add(1)
			p.met.UntrustedResponses.Add(1)
			degraded, degradedReason = true, ReasonUntrustedResponse
			if aerr := r.attempt(ctx, StageExternallyAnalyzed, audit.CheckFailed, ReasonUntrustedResponse); aerr != nil {
				return nil, r.fail(ctx, StageExternallyAnalyzed, "audit_failed", audit.CheckSkipped, aerr)
			}
		case errors.As(err, &unavailable):
			p.met.OracleCalls.Add(1)
			p.met.OracleFailures.Add(1)
			degraded, degradedReason = true, ReasonAnalysisUnavailable
			if aerr := r.attempt(ctx, StageExternallyAnalyzed, audit.CheckPassed, ReasonAnalysisUnavailable); aerr != nil {
				return nil, r.fail(ctx, StageExternallyAnalyzed, "audit_failed", audit.CheckSkipped, aerr)
			}
		default:
			reason := "validation_failed"
			if ctx.Err() != nil {
				reason = "run_cancelled"
			}
			return nil, r.fail(ctx, StageExternallyAnalyzed, reason, audit.CheckSkipped, err)
		}
	}

	concerns := mergeUnique(concernsFrom(ps), oracleConcerns)
	interventions := mergeUnique(oracleInterventions, fallbackFor(ps))
	if degraded {
		assessment.Confidence *= p.cfg.DegradedConfidenceFactor
		p.met.RunsDegraded.Add(1)
		log.Printf("[PIPELINE] Session %s: degrading to patterns-only report (%s)", sess.ID(), degradedReason)
	}

	tokenizedText := strings.Join(append(append([]string{}, concerns...), interventions...), "\n")
	for i, c := range concerns {
		if concerns[i], err = sess.Localize(c); err != nil {
			return nil, r.fail(ctx, StageLocalized, "localization_failed", audit.CheckSkipped, err)
		}
	}
	for i, item := range interventions {
		if interventions[i], err = sess.Localize(item); err != nil {
			return nil, r.fail(ctx, StageLocalized, "localization_failed", audit.CheckSkipped, err)
		}
	}
	localizedText := strings.Join(append(append([]string{}, concerns...), interventions...), "\n")
	if err := r.advance(ctx, StageLocalized, audit.Entry{
		InputHash:  audit.HashBytes([]byte(tokenizedText)),
		OutputHash: audit.HashBytes([]byte(localizedText)),
		Detail:     fmt.Sprintf("concerns=%d interventions=%d", len(concerns), len(interventions)),
	}); err != nil {
		return nil, r.fail(ctx, StageLocalized, "audit_failed", audit.CheckSkipped, err)
	}

	trail, err := p.auditLog.Trail(ctx, sess.ID())
	if err != nil {
		return nil, r.fail(ctx, StageReported, "audit_failed", audit.CheckSkipped, err)
	}

	checks := "passed"
	if degraded {
		checks = "outbound-only"
	}
	rep := &Report{
		SubjectID:      sess.SubjectID(),
		SessionID:      sess.ID(),
		GeneratedAt:    time.Now().UTC(),
		Window:         window,
		Risk:           assessment,
		Concerns:       concerns,
		Interventions:  interventions,
		Degraded:       degraded,
		DegradedReason: degradedReason,
		Privacy: PrivacyManifest{
			TokensIssued:     sess.MappingSize(),
			RecordsSkipped:   len(skipped),
			AnonymityChecks:  checks,
			ExternalAnalysis: !degraded,
			// Counts the REPORTED entry appended below.
			AuditEntries: len(trail) + 1,
		},
	}
	repJSON, _ := json.Marshal(rep)
	if err := r.advance(ctx, StageReported, audit.Entry{
		OutputHash: audit.HashBytes(repJSON),
		Detail:     fmt.Sprintf("level=%s degraded=%t", assessment.Level, degraded),
	}); err != nil {
		return nil, r.fail(ctx, StageReported, "audit_failed", audit.CheckSkipped, err)
	}

	p.met.RunsCompleted.Add(1)
	p.met.RecordRiskLevel(assessment.Level.String())
	p.met.RecordRunLatency(time.Since(start))
	log.Printf("[PIPELINE] Session %s: report generated (level=%s, patterns=%d, degraded=%t)",
		sess.ID(), assessment.Level, len(ps), degraded)
	return rep, nil
}
