// Package privacy owns the tokenization boundary. Sessions bind real
// values to opaque tokens, the tokenizer turns raw record sets into
// tokenized snapshots, and localization reverses tokens in analysis
// text. The real-to-token mapping never leaves this package; callers
// outside it see tokens, match classes, and counts only.
package privacy

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
)

// Token classes. The class prefix makes tokens recognizable in payloads
// and reports without revealing anything about the value they stand for.
const (
	ClassSubject  = "SUBJ"
	ClassName     = "NAME"
	ClassCategory = "CAT"
	ClassDate     = "DATE"
	ClassText     = "TXT"
)

const tokenHexBytes = 6

// tokenPattern matches the wire shape of every token this package
// mints. Localization and foreign-token checks both key off it.
var tokenPattern = regexp.MustCompile(`\b(?:SUBJ|NAME|CAT|DATE|TXT)-[0-9A-F]{12}\b`)

// mintToken draws a fresh token of the given class from crypto/rand.
// Token bytes are independent of the value being replaced, so no
// property of the input survives into the token.
func mintToken(class string) (string, error) {
	buf := make([]byte, tokenHexBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to read token randomness: %w", err)
	}
	return class + "-" + strings.ToUpper(hex.EncodeToString(buf)), nil
}

// IsToken reports whether s is exactly one token.
func IsToken(s string) bool {
	return tokenPattern.FindString(s) == s
}

// FindTokens returns every token-shaped substring of text in order of
// appearance.
func FindTokens(text string) []string {
	return tokenPattern.FindAllString(text, -1)
}

// TokenClass returns the class prefix of a token, or "" if s is not a
// token.
func TokenClass(s string) string {
	if !IsToken(s) {
		return ""
	}
	return s[:strings.Index(s, "-")]
}
