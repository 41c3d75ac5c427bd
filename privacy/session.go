package privacy

import (
	"context"
	"errors"
	"fmt"
	"log"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrSessionClosed is returned when a session is used after Close.
	ErrSessionClosed = errors.New("session closed")

	// ErrForeignToken is returned when localization encounters a token
	// this session never minted. Tokens are session-scoped; text from
	// another session must not localize here.
	ErrForeignToken = errors.New("token does not belong to this session")
)

// Session binds one subject's real values to opaque tokens for the
// duration of one analysis run. The mapping lives only inside the
// session (plus the optional local-only archive) and is discarded on
// Close. Two sessions never share tokens, even for the same subject.
type Session struct {
	id        string
	subjectID string
	createdAt time.Time
	archive   *Archive

	mu          sync.RWMutex
	realToToken map[string]string
	tokenToReal map[string]string
	realPattern map[string]*regexp.Regexp
	subjectTok  string
	closed      bool
}

func newSession(ctx context.Context, subjectID string, archive *Archive) (*Session, error) {
	s := &Session{
		id:          uuid.NewString(),
		subjectID:   subjectID,
		createdAt:   time.Now().UTC(),
		archive:     archive,
		realToToken: make(map[string]string),
		tokenToReal: make(map[string]string),
		realPattern: make(map[string]*regexp.Regexp),
	}

	tok, err := s.token(ctx, subjectID, ClassSubject)
	if err != nil {
		return nil, err
	}
	s.subjectTok = tok

	return s, nil
}

// ID returns the session identifier used in audit entries.
func (s *Session) ID() string {
	return s.id
}

// SubjectID returns the real subject identifier the session was opened
// for. It never appears in anything that crosses the privacy boundary.
func (s *Session) SubjectID() string {
	return s.subjectID
}

// CreatedAt returns the session creation time.
func (s *Session) CreatedAt() time.Time {
	return s.createdAt
}

// SubjectToken returns the token standing in for the subject identifier.
func (s *Session) SubjectToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.subjectTok
}

// MappingSize returns the number of mappings the session holds.
func (s *Session) MappingSize() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.realToToken)
}

// Closed reports whether the session has been closed.
func (s *Session) Closed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// token returns the existing token for real, or mints one. The same
// real value always maps to the same token within a session.
func (s *Session) token(ctx context.Context, real, class string) (string, error) {
	if real == "" {
		return "", fmt.Errorf("cannot tokenize empty value")
	}

	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return "", ErrSessionClosed
	}
	if tok, ok := s.realToToken[real]; ok {
		s.mu.RUnlock()
		return tok, nil
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", ErrSessionClosed
	}
	if tok, ok := s.realToToken[real]; ok {
		return tok, nil
	}

	var tok string
	for {
		minted, err := mintToken(class)
		if err != nil {
			return "", err
		}
		if _, taken := s.tokenToReal[minted]; !taken {
			tok = minted
			break
		}
	}

	s.realToToken[real] = tok
	s.tokenToReal[tok] = real
	s.realPattern[real] = regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(real) + `\b`)

	if s.archive != nil {
		if err := s.archive.StoreMapping(ctx, s.id, class, real, tok); err != nil {
			log.Printf("[TOKENIZER] Failed to archive mapping for session %s: %v", s.id, err)
		}
	}

	return tok, nil
}

// Localize replaces every token in text with its real value. A
// token-shaped string the session never minted fails the whole call
// with ErrForeignToken; partial localization would silently mix
// sessions.
func (s *Session) Localize(text string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return "", ErrSessionClosed
	}

	for _, tok := range FindTokens(text) {
		if _, ok := s.tokenToReal[tok]; !ok {
			return "", fmt.Errorf("%w: %s", ErrForeignToken, tok)
		}
	}

	return tokenPattern.ReplaceAllStringFunc(text, func(tok string) string {
		return s.tokenToReal[tok]
	}), nil
}

// ScanForMapped searches text for any of the session's real values,
// case-insensitively and on word boundaries, so a name embedded in a
// longer unrelated word does not false-positive while standalone
// occurrences are caught. It returns the sorted, de-duplicated token
// classes of the values found, never the values themselves.
func (s *Session) ScanForMapped(text string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	found := make(map[string]bool)
	for real, pattern := range s.realPattern {
		if pattern.MatchString(text) {
			found[TokenClass(s.realToToken[real])] = true
		}
	}

	if len(found) == 0 {
		return nil
	}
	classes := make([]string, 0, len(found))
	for class := range found {
		classes = append(classes, class)
	}
	sort.Strings(classes)
	return classes
}

// Close discards the mapping and marks the session unusable. Closing
// twice is a no-op. The mapping references are dropped immediately;
// nothing retains them once the archive, if any, has its copy.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.realToToken = nil
	s.tokenToReal = nil
	s.realPattern = nil
	s.subjectTok = ""
	return nil
}
