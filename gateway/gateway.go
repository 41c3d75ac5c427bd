// Package gateway guards the boundary between the pipeline and the
// external analysis service. It is the last component to see a payload
// before transmission and the first to see a response, so it
// re-validates anonymity in both directions independently of the
// tokenizer. Validation findings carry token classes and detector
// labels, never matched text.
package gateway

import (
	"context"
	"fmt"
	"log"
	"regexp"
	"sort"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/hannes/sagi/oracle"
	"github.com/hannes/sagi/privacy"
	"github.com/hannes/sagi/privacy/detectors"
)

const (
	defaultTimeout         = 30 * time.Second
	defaultConfidenceFloor = 0.5

	// LabelProperNoun marks a capitalized multi-word sequence, the
	// shape of a person name that regex identifier patterns cannot
	// claim. Names reaching this point mean an upstream scrub failed.
	LabelProperNoun = "PROPER_NOUN_SEQUENCE"
)

// properNounPattern matches two or more adjacent capitalized words on
// one line. Pattern names, tokens, and section headers in generated
// payloads are lowercase or all-caps, so they never match. A capitalized
// multi-word category label ("Computer Science") does match and fails
// the run; list such categories as sensitive so they reach payloads as
// CAT tokens.
var properNounPattern = regexp.MustCompile(`\b[A-Z][a-z]+(?: [A-Z][a-z]+)+\b`)

// AnonymityViolationError reports identifying material found in a
// payload about to leave the process. It is fatal to the run; the
// payload is never stripped and resubmitted.
type AnonymityViolationError struct {
	MappedClasses  []string
	DetectorLabels []string
}

func (e *AnonymityViolationError) Error() string {
	return fmt.Sprintf("anonymity violation in outbound payload: %d mapped value(s), %d detector finding(s)",
		len(e.MappedClasses), len(e.DetectorLabels))
}

// UntrustedResponseError reports an oracle response that failed
// post-validation. The response is discarded; the pipeline may degrade
// to a patterns-only report.
type UntrustedResponseError struct {
	Reason         string
	MappedClasses  []string
	DetectorLabels []string
}

func (e *UntrustedResponseError) Error() string {
	return fmt.Sprintf("untrusted oracle response: %s", e.Reason)
}

// UnavailableError reports a transport or timeout failure reaching the
// analysis service. The pipeline may degrade to a patterns-only report.
type UnavailableError struct {
	Err error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("analysis service unavailable: %v", e.Err)
}

func (e *UnavailableError) Unwrap() error {
	return e.Err
}

// Result carries a validated oracle response.
type Result struct {
	Analysis string
	Provider string
	Elapsed  time.Duration
}

// Config parameterizes a Gateway.
type Config struct {
	// Timeout bounds each oracle call. Zero means 30 seconds.
	Timeout time.Duration
	// Limiter throttles oracle calls across all sessions. Nil means
	// no throttling.
	Limiter *rate.Limiter
	// ConfidenceFloor is the minimum detector confidence that counts
	// as a finding. Zero means 0.5.
	ConfidenceFloor float64
	// SystemPrompt is the static instruction text sent with every
	// request. It must contain no interpolated data.
	SystemPrompt string
}

// Gateway validates and transmits one session's analysis exchange.
type Gateway struct {
	sess            *privacy.Session
	client          oracle.Client
	det             detectors.Detector
	timeout         time.Duration
	limiter         *rate.Limiter
	confidenceFloor float64
	systemPrompt    string
}

// New creates a Gateway bound to one session. det may be nil, in which
// case only the mapped-value scan and the proper-noun heuristic run.
func New(sess *privacy.Session, client oracle.Client, det detectors.Detector, cfg Config) *Gateway {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	floor := cfg.ConfidenceFloor
	if floor <= 0 {
		floor = defaultConfidenceFloor
	}
	return &Gateway{
		sess:            sess,
		client:          client,
		det:             det,
		timeout:         timeout,
		limiter:         cfg.Limiter,
		confidenceFloor: floor,
		systemPrompt:    cfg.SystemPrompt,
	}
}

// Submit validates payload, calls the analysis service once, and
// validates the response. There is no automatic retry: a failed call
// surfaces as UnavailableError and the caller decides how to proceed.
func (g *Gateway) Submit(ctx context.Context, payload string) (*Result, error) {
	if g.sess.Closed() {
		return nil, privacy.ErrSessionClosed
	}

	mapped, labels, err := g.scan(ctx, payload)
	if err != nil {
		// The payload cannot be cleared for transmission, so it
		// does not leave the process.
		return nil, fmt.Errorf("outbound anonymity validation: %w", err)
	}
	if len(mapped) > 0 || len(labels) > 0 {
		log.Printf("[GATEWAY] Session %s: outbound payload blocked (%d mapped, %d detected)",
			g.sess.ID(), len(mapped), len(labels))
		return nil, &AnonymityViolationError{MappedClasses: mapped, DetectorLabels: labels}
	}

	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, &UnavailableError{Err: err}
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	start := time.Now()
	analysis, err := g.client.Analyze(callCtx, oracle.Request{
		System: g.systemPrompt,
		User:   payload,
	})
	elapsed := time.Since(start)
	if err != nil {
		// Cancellation of the caller's context aborts the run;
		// everything else is an availability failure.
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		log.Printf("[GATEWAY] Session %s: oracle call failed after %v: %v", g.sess.ID(), elapsed, err)
		return nil, &UnavailableError{Err: err}
	}

	if strings.TrimSpace(analysis) == "" {
		return nil, &UntrustedResponseError{Reason: "empty response"}
	}
	mapped, labels, err = g.scan(ctx, analysis)
	if err != nil {
		return nil, &UntrustedResponseError{Reason: "response validation did not complete"}
	}
	if len(mapped) > 0 || len(labels) > 0 {
		log.Printf("[GATEWAY] Session %s: oracle response rejected (%d mapped, %d detected)",
			g.sess.ID(), len(mapped), len(labels))
		return nil, &UntrustedResponseError{
			Reason:         "identifier shapes in response",
			MappedClasses:  mapped,
			DetectorLabels: labels,
		}
	}

	log.Printf("[GATEWAY] Session %s: analysis exchange completed in %v", g.sess.ID(), elapsed)
	return &Result{Analysis: analysis, Provider: g.client.GetName(), Elapsed: elapsed}, nil
}

// scan runs every validation line over text: the session's mapped-value
// scan, the configured detector, and the proper-noun heuristic. It
// returns mapped token classes and detector labels, both sorted and
// de-duplicated.
func (g *Gateway) scan(ctx context.Context, text string) (mapped, labels []string, err error) {
	mapped = g.sess.ScanForMapped(text)

	seen := make(map[string]bool)
	if g.det != nil {
		out, err := g.det.Detect(ctx, detectors.DetectorInput{Text: text})
		if err != nil {
			return nil, nil, fmt.Errorf("detector pass: %w", err)
		}
		for _, e := range out.Entities {
			if e.Confidence >= g.confidenceFloor {
				seen[e.Label] = true
			}
		}
	}
	if properNounPattern.MatchString(text) {
		seen[LabelProperNoun] = true
	}

	for label := range seen {
		labels = append(labels, label)
	}
	sort.Strings(labels)
	return mapped, labels, nil
}
