package intent

import (
	"regexp"
	"strings"
	"unicode"
)

// Text is a normalized view of a message shared by all predicates.
type Text struct {
	Raw    string
	Lower  string
	Tokens []string
	words  map[string]struct{}
}

// Normalize lowercases and tokenizes s once so predicates can share the work.
func Normalize(s string) Text {
	lower := strings.ToLower(s)
	tokens := Tokenize(lower)
	words := make(map[string]struct{}, len(tokens))
	for _, tok := range tokens {
		words[tok] = struct{}{}
	}
	return Text{Raw: s, Lower: lower, Tokens: tokens, words: words}
}

// Has reports whether w appears as a whole token.
func (t Text) Has(w string) bool {
	_, ok := t.words[w]
	return ok
}

// Tokenize splits s into word tokens. Apostrophes and inner hyphens are kept
// so "to-do" and "didn't" stay single tokens.
func Tokenize(s string) []string {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\'' && r != '-' && r != ':'
	})
	tokens := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.Trim(f, "'-:")
		if f != "" {
			tokens = append(tokens, f)
		}
	}
	return tokens
}

// Predicate decides whether a rule applies to a message.
type Predicate func(Text) bool

// Words matches when any of ws appears as a whole token.
func Words(ws ...string) Predicate {
	return func(t Text) bool {
		for _, w := range ws {
			if t.Has(w) {
				return true
			}
		}
		return false
	}
}

// Phrases matches when any of ps appears as a substring of the lowercased text.
func Phrases(ps ...string) Predicate {
	return func(t Text) bool {
		for _, p := range ps {
			if strings.Contains(t.Lower, p) {
				return true
			}
		}
		return false
	}
}

// Pattern matches the lowercased text against re.
func Pattern(re *regexp.Regexp) Predicate {
	return func(t Text) bool {
		return re.MatchString(t.Lower)
	}
}

// Any matches when at least one of ps matches.
func Any(ps ...Predicate) Predicate {
	return func(t Text) bool {
		for _, p := range ps {
			if p(t) {
				return true
			}
		}
		return false
	}
}

// All matches when every one of ps matches.
func All(ps ...Predicate) Predicate {
	return func(t Text) bool {
		for _, p := range ps {
			if !p(t) {
				return false
			}
		}
		return true
	}
}
