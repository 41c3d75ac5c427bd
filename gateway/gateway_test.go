package gateway

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"github.com/hannes/sagi/oracle"
	"github.com/hannes/sagi/privacy"
	"github.com/hannes/sagi/privacy/detectors"
)

func newTestSession(t *testing.T) *privacy.Session {
	t.Helper()
	tok, err := privacy.NewTokenizer(privacy.Options{}, nil, nil)
	if err != nil {
		t.Fatalf("NewTokenizer() error: %v", err)
	}
	sess, err := tok.CreateSession(context.Background(), "student-4471")
	if err != nil {
		t.Fatalf("CreateSession() error: %v", err)
	}
	return sess
}

func cleanPayload(sess *privacy.Session) string {
	return "SUBJECT: " + sess.SubjectToken() + "\nPATTERNS:\n- behavioral_escalation (evidence 5, confidence 0.80): incident rate rising"
}

func TestSubmit_CleanExchange(t *testing.T) {
	sess := newTestSession(t)
	client := oracle.NewScriptedClient()
	g := New(sess, client, detectors.NewRegexDetector(detectors.IdentifierPatterns), Config{})

	res, err := g.Submit(context.Background(), cleanPayload(sess))
	if err != nil {
		t.Fatalf("Submit() error: %v", err)
	}
	if res.Provider != oracle.ProviderScripted {
		t.Errorf("Expected provider %q, got %q", oracle.ProviderScripted, res.Provider)
	}
	if res.Analysis == "" {
		t.Error("Expected non-empty analysis")
	}
	if got := len(client.Requests()); got != 1 {
		t.Errorf("Expected 1 oracle request, got %d", got)
	}
}

func TestSubmit_MappedValueBlocksOutbound(t *testing.T) {
	sess := newTestSession(t)
	client := oracle.NewScriptedClient()
	g := New(sess, client, nil, Config{})

	payload := cleanPayload(sess) + "\nnote for student-4471"
	_, err := g.Submit(context.Background(), payload)

	var violation *AnonymityViolationError
	if !errors.As(err, &violation) {
		t.Fatalf("Expected AnonymityViolationError, got %v", err)
	}
	if len(violation.MappedClasses) != 1 || violation.MappedClasses[0] != "SUBJ" {
		t.Errorf("Expected mapped classes [SUBJ], got %v", violation.MappedClasses)
	}
	if got := len(client.Requests()); got != 0 {
		t.Errorf("Expected no oracle request after violation, got %d", got)
	}
}

func TestSubmit_DetectorBlocksOutbound(t *testing.T) {
	sess := newTestSession(t)
	client := oracle.NewScriptedClient()
	g := New(sess, client, detectors.NewRegexDetector(detectors.IdentifierPatterns), Config{})

	payload := cleanPayload(sess) + "\ncontact guardian at m.ortiz@example.org"
	_, err := g.Submit(context.Background(), payload)

	var violation *AnonymityViolationError
	if !errors.As(err, &violation) {
		t.Fatalf("Expected AnonymityViolationError, got %v", err)
	}
	found := false
	for _, label := range violation.DetectorLabels {
		if label == "EMAIL" {
			found = true
		}
	}
	if !found {
		t.Errorf("Expected EMAIL in detector labels, got %v", violation.DetectorLabels)
	}
}

func TestSubmit_ProperNounBlocksOutbound(t *testing.T) {
	sess := newTestSession(t)
	client := oracle.NewScriptedClient()
	g := New(sess, client, nil, Config{})

	payload := cleanPayload(sess) + "\ndominant category Maria Ortiz"
	_, err := g.Submit(context.Background(), payload)

	var violation *AnonymityViolationError
	if !errors.As(err, &violation) {
		t.Fatalf("Expected AnonymityViolationError, got %v", err)
	}
	if len(violation.DetectorLabels) != 1 || violation.DetectorLabels[0] != LabelProperNoun {
		t.Errorf("Expected detector labels [%s], got %v", LabelProperNoun, violation.DetectorLabels)
	}
	if got := len(client.Requests()); got != 0 {
		t.Errorf("Expected no oracle request after violation, got %d", got)
	}
}

func TestSubmit_ViolationMessageCarriesNoText(t *testing.T) {
	sess := newTestSession(t)
	g := New(sess, oracle.NewScriptedClient(), nil, Config{})

	_, err := g.Submit(context.Background(), cleanPayload(sess)+"\nstudent-4471 Maria Ortiz")
	if err == nil {
		t.Fatal("Expected error, got nil")
	}
	for _, leaked := range []string{"student-4471", "Maria", "Ortiz"} {
		if strings.Contains(err.Error(), leaked) {
			t.Errorf("Error message leaks %q: %s", leaked, err.Error())
		}
	}
}

func TestSubmit_ResponseWithMappedValueRejected(t *testing.T) {
	sess := newTestSession(t)
	client := oracle.NewScriptedClient()
	client.SetResponse("CONCERNS:\n- follow up with student-4471 directly")
	g := New(sess, client, nil, Config{})

	_, err := g.Submit(context.Background(), cleanPayload(sess))

	var untrusted *UntrustedResponseError
	if !errors.As(err, &untrusted) {
		t.Fatalf("Expected UntrustedResponseError, got %v", err)
	}
	if len(untrusted.MappedClasses) != 1 || untrusted.MappedClasses[0] != "SUBJ" {
		t.Errorf("Expected mapped classes [SUBJ], got %v", untrusted.MappedClasses)
	}
	if strings.Contains(err.Error(), "student-4471") {
		t.Errorf("Error message leaks response text: %s", err.Error())
	}
}

func TestSubmit_EmptyResponseRejected(t *testing.T) {
	sess := newTestSession(t)
	client := oracle.NewScriptedClient()
	client.SetResponse("   \n")
	g := New(sess, client, nil, Config{})

	_, err := g.Submit(context.Background(), cleanPayload(sess))

	var untrusted *UntrustedResponseError
	if !errors.As(err, &untrusted) {
		t.Fatalf("Expected UntrustedResponseError, got %v", err)
	}
}

func TestSubmit_ClientErrorIsUnavailable(t *testing.T) {
	sess := newTestSession(t)
	client := oracle.NewScriptedClient()
	client.SetError(errors.New("connection refused"))
	g := New(sess, client, nil, Config{})

	_, err := g.Submit(context.Background(), cleanPayload(sess))

	var unavailable *UnavailableError
	if !errors.As(err, &unavailable) {
		t.Fatalf("Expected UnavailableError, got %v", err)
	}
}

type blockingClient struct{}

func (b *blockingClient) GetName() string { return "blocking" }

func (b *blockingClient) Analyze(ctx context.Context, req oracle.Request) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

func TestSubmit_TimeoutIsUnavailable(t *testing.T) {
	sess := newTestSession(t)
	g := New(sess, &blockingClient{}, nil, Config{Timeout: 30 * time.Millisecond})

	_, err := g.Submit(context.Background(), cleanPayload(sess))

	var unavailable *UnavailableError
	if !errors.As(err, &unavailable) {
		t.Fatalf("Expected UnavailableError, got %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline exceeded inside UnavailableError, got %v", err)
	}
}

func TestSubmit_CallerCancellationPropagates(t *testing.T) {
	sess := newTestSession(t)
	g := New(sess, &blockingClient{}, nil, Config{Timeout: 5 * time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(10*time.Millisecond, cancel)

	_, err := g.Submit(ctx, cleanPayload(sess))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
	var unavailable *UnavailableError
	if errors.As(err, &unavailable) {
		t.Error("Caller cancellation must not be classified as unavailability")
	}
}

func TestSubmit_ClosedSessionRejected(t *testing.T) {
	sess := newTestSession(t)
	g := New(sess, oracle.NewScriptedClient(), nil, Config{})
	if err := sess.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}

	_, err := g.Submit(context.Background(), "SUBJECT: none")
	if !errors.Is(err, privacy.ErrSessionClosed) {
		t.Fatalf("Expected ErrSessionClosed, got %v", err)
	}
}

func TestSubmit_ExhaustedLimiterIsUnavailable(t *testing.T) {
	sess := newTestSession(t)
	limiter := rate.NewLimiter(rate.Every(time.Hour), 0)
	g := New(sess, oracle.NewScriptedClient(), nil, Config{Limiter: limiter})

	_, err := g.Submit(context.Background(), cleanPayload(sess))

	var unavailable *UnavailableError
	if !errors.As(err, &unavailable) {
		t.Fatalf("Expected UnavailableError, got %v", err)
	}
}

func TestProperNounPattern(t *testing.T) {
	testCases := []struct {
		name string
		text string
		want bool
	}{
		{"two-word name", "spoke with Maria Ortiz today", true},
		{"three-word name", "Ana Maria Ortiz", true},
		{"token", "SUBJ-4AF2C91B0D7E", false},
		{"pattern name", "behavioral_escalation", false},
		{"section header", "PATTERNS:", false},
		{"single capitalized word", "Schedule a guardian conference", false},
		{"capitalized words on separate lines", "- Signals here\n- Arrange follow-up", false},
		{"capitalized category label", "repeated incidents in Computer Science", true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := properNounPattern.MatchString(tc.text); got != tc.want {
				t.Errorf("Expected match=%v for %q, got %v", tc.want, tc.text, got)
			}
		})
	}
}
