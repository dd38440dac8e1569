package intent

import (
	"regexp"
	"strings"
)

var stopwords = map[string]struct{}{}

func init() {
	for _, w := range strings.Fields(`a about above after again all am an and any are as at be
		been before being below between both but by can can't could did didn't do does doesn't
		doing don't down during each few for from further get got had has have having he her
		here hers herself him himself his how i i'd i'll i'm i've if in into is isn't it it's
		its itself just know let let's me more most my myself no nor not now of off on once
		only or other our ours ourselves out over own please same she should so some such
		tell than that that's the their theirs them themselves then there these they this
		those through to too under until up very was wasn't we were what what's when where
		which while who whom why will with would you your yours yourself yourselves show
		find give any anything something`) {
		stopwords[w] = struct{}{}
	}
}

// IsStopword reports whether w carries no search value.
func IsStopword(w string) bool {
	_, ok := stopwords[strings.ToLower(w)]
	return ok
}

// ContentQuery keeps only content words of s, in order, for keyword search.
// It falls back to the trimmed message when every word is a stopword.
func ContentQuery(s string) string {
	var kept []string
	for _, tok := range Tokenize(strings.ToLower(s)) {
		if len(tok) < 2 || IsStopword(tok) {
			continue
		}
		kept = append(kept, tok)
	}
	if len(kept) == 0 {
		return strings.TrimSpace(s)
	}
	return strings.Join(kept, " ")
}

var (
	quotedAfterCue = regexp.MustCompile(`(?i:\b(?:note|titled|called|named))\s*:?\s+["“']([^"”']+)["”']`)
	titleAfterCue  = regexp.MustCompile(`(?i:\b(?:note|titled|called|named))\s*:?\s+([A-Z][\w'-]*(?:\s+[A-Z][\w'-]*)*)`)
	capitalized    = regexp.MustCompile(`\b([A-Z][a-z0-9'-]+(?:\s+[A-Z][a-z0-9'-]+)+)\b`)
)

// TargetedPhrases extracts literal phrases from the raw message that are
// worth an exact search: quoted or title-cased text after "note", "titled",
// "called" or "named", and any multi-word capitalized phrase.
func TargetedPhrases(raw string) []string {
	var out []string
	seen := map[string]struct{}{}
	add := func(p string) {
		p = strings.TrimSpace(p)
		if p == "" || onlyStopwords(p) {
			return
		}
		key := strings.ToLower(p)
		if _, dup := seen[key]; dup {
			return
		}
		seen[key] = struct{}{}
		out = append(out, p)
	}
	for _, m := range quotedAfterCue.FindAllStringSubmatch(raw, -1) {
		add(m[1])
	}
	for _, m := range titleAfterCue.FindAllStringSubmatch(raw, -1) {
		add(m[1])
	}
	for _, m := range capitalized.FindAllStringSubmatch(raw, -1) {
		add(m[1])
	}
	return out
}

func onlyStopwords(p string) bool {
	for _, tok := range Tokenize(strings.ToLower(p)) {
		if !IsStopword(tok) {
			return false
		}
	}
	return true
}
