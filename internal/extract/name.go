// Package extract pulls structured hints out of free-form customer messages.
package extract

import (
	"regexp"
	"strings"
	"unicode"
)

// NameExtractor suggests a contact name from a message. A nil-suggestion
// (empty string) means no confident match; callers must treat the result as
// a hint, never an authoritative identity.
type NameExtractor interface {
	ExtractName(message string) string
}

// namePatterns are tried in order; the first plausible capture wins.
// Portuguese introductions first, matching the primary customer base.
var namePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)meu nome é\s+([\p{L} ]+)`),
	regexp.MustCompile(`(?i)me chamo\s+([\p{L} ]+)`),
	regexp.MustCompile(`(?i)\bsou [oa]\s+([\p{L} ]+)`),
	regexp.MustCompile(`(?i)aqui é [oa]?\s*([\p{L} ]+)`),
	regexp.MustCompile(`(?i)my name is\s+([\p{L} ]+)`),
	regexp.MustCompile(`(?i)\bi'?m\s+([\p{L} ]+)`),
	regexp.MustCompile(`(?i)\bi am\s+([\p{L} ]+)`),
}

// RegexNameExtractor matches common self-introduction phrasings.
type RegexNameExtractor struct{}

// NewRegexNameExtractor returns the default pattern-based extractor.
func NewRegexNameExtractor() *RegexNameExtractor {
	return &RegexNameExtractor{}
}

// ExtractName returns the first plausible name found in the message, or ""
// when nothing matched.
func (e *RegexNameExtractor) ExtractName(message string) string {
	for _, pat := range namePatterns {
		m := pat.FindStringSubmatch(message)
		if len(m) < 2 {
			continue
		}
		if name := cleanCandidate(m[1]); name != "" {
			return name
		}
	}
	return ""
}

// cleanCandidate trims a capture to at most three words and rejects
// implausible names. Introductions often run into the rest of the sentence
// ("sou a Maria e queria saber..."), so the capture is cut at common
// connectives first.
func cleanCandidate(raw string) string {
	raw = strings.TrimSpace(raw)
	words := strings.Fields(raw)

	var kept []string
	for _, w := range words {
		lw := strings.ToLower(w)
		if lw == "e" || lw == "and" || lw == "," {
			break
		}
		kept = append(kept, w)
		if len(kept) == 3 {
			break
		}
	}
	name := strings.Join(kept, " ")
	if !plausibleName(name) {
		return ""
	}
	return title(name)
}

func plausibleName(name string) bool {
	if len(name) < 2 || len(name) > 40 {
		return false
	}
	for _, r := range name {
		if !unicode.IsLetter(r) && r != ' ' {
			return false
		}
	}
	return true
}

func title(name string) string {
	words := strings.Fields(strings.ToLower(name))
	for i, w := range words {
		r := []rune(w)
		r[0] = unicode.ToUpper(r[0])
		words[i] = string(r)
	}
	return strings.Join(words, " ")
}
