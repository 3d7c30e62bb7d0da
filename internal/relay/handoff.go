package relay

import (
	"strings"
	"unicode"
)

// DefaultHumanKeywords is the system-level human-request keyword list.
// Matching is a case-insensitive substring check, so the list mixes
// languages and scripts freely.
var DefaultHumanKeywords = []string{
	"operator",
	"human agent",
	"talk to a person",
	"ოპერატორი",
	"оператор",
}

// matchesKeyword reports whether text contains any of the human-request
// keywords, ignoring case.
func matchesKeyword(text string, keywords []string) bool {
	lower := strings.ToLower(text)
	for _, kw := range keywords {
		if kw == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

// normalizeSentinel canonicalizes a string for handoff-sentinel comparison:
// lowercase, all whitespace removed, leading and trailing underscores
// stripped. Tolerates the formatting drift models introduce around marker
// strings.
func normalizeSentinel(s string) string {
	var b strings.Builder
	for _, r := range s {
		if unicode.IsSpace(r) {
			continue
		}
		b.WriteRune(unicode.ToLower(r))
	}
	return strings.Trim(b.String(), "_")
}

// isHandoffSentinel reports whether a responder reply is the tenant's
// handoff sentinel.
func isHandoffSentinel(reply, sentinel string) bool {
	if sentinel == "" {
		return false
	}
	return normalizeSentinel(reply) == normalizeSentinel(sentinel)
}

// scrubForbiddenWords masks occurrences of the tenant's forbidden words in
// responder output, ignoring case.
func scrubForbiddenWords(text string, words []string) string {
	for _, w := range words {
		if w == "" {
			continue
		}
		text = replaceFold(text, w, strings.Repeat("*", len([]rune(w))))
	}
	return text
}

// replaceFold replaces every case-insensitive occurrence of old in s.
func replaceFold(s, old, new string) string {
	lower := strings.ToLower(s)
	oldLower := strings.ToLower(old)

	var b strings.Builder
	for {
		i := strings.Index(lower, oldLower)
		if i < 0 {
			b.WriteString(s)
			return b.String()
		}
		b.WriteString(s[:i])
		b.WriteString(new)
		s = s[i+len(old):]
		lower = lower[i+len(oldLower):]
	}
}
