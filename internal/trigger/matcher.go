// Package trigger matches transcribed text against the configured trigger
// phrase with whitespace and punctuation tolerance.
package trigger

import (
	"regexp"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

var whitespaceRun = regexp.MustCompile(`\s+`)

// Matcher tests candidate text against a user-configured phrase.
// Matching is case-insensitive; every whitespace run in the phrase matches
// one or more whitespace or Unicode punctuation characters in the candidate,
// so "hey rapid" matches "Hey, Rapid!" and "HEY-RAPID" but not "Heyrapid".
// Safe for concurrent use.
type Matcher struct {
	mu     sync.RWMutex
	phrase string
	re     *regexp.Regexp
	logger zerolog.Logger
}

// NewMatcher creates a matcher for the given phrase. An empty phrase never
// matches.
func NewMatcher(phrase string, logger zerolog.Logger) *Matcher {
	m := &Matcher{logger: logger.With().Str("component", "trigger").Logger()}
	m.SetPhrase(phrase)
	return m
}

// SetPhrase replaces the trigger phrase, recompiling the pattern.
// A phrase that fails to compile leaves the matcher matching nothing; the
// failure is logged, not surfaced.
func (m *Matcher) SetPhrase(phrase string) {
	re, err := compilePhrase(phrase)
	if err != nil {
		// Should not occur given metacharacter escaping, but a malformed
		// pattern must degrade to "no match" rather than propagate.
		m.logger.Warn().Err(err).Str("phrase", phrase).Msg("trigger phrase failed to compile")
		re = nil
	}

	m.mu.Lock()
	m.phrase = phrase
	m.re = re
	m.mu.Unlock()
}

// Phrase returns the configured phrase
func (m *Matcher) Phrase() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.phrase
}

// Matches reports whether text contains the trigger phrase
func (m *Matcher) Matches(text string) bool {
	m.mu.RLock()
	re := m.re
	m.mu.RUnlock()

	if re == nil {
		return false
	}
	return re.MatchString(text)
}

// compilePhrase escapes the literal phrase and widens its whitespace into a
// separator class. Returns nil for an empty or blank phrase.
func compilePhrase(phrase string) (*regexp.Regexp, error) {
	trimmed := strings.TrimSpace(phrase)
	if trimmed == "" {
		return nil, nil
	}

	escaped := regexp.QuoteMeta(trimmed)
	// QuoteMeta leaves plain spaces alone, so whitespace runs survive intact
	// and each becomes a required separator: one or more whitespace or
	// punctuation characters. Requiring at least one keeps "Heyrapid" from
	// matching "hey rapid".
	pattern := whitespaceRun.ReplaceAllString(escaped, `[\s\p{P}]+`)

	return regexp.Compile(`(?i)` + pattern)
}
