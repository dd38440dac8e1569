package actions

import (
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/nous-labs/concierge/pkg/intent"
)

var requestPrefixes = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^(?:hey|hi|hello|ok|okay|so)[,!.]?\s+`),
	regexp.MustCompile(`(?i)^(?:can|could|would|will) you(?: please)?\s+`),
	regexp.MustCompile(`(?i)^please\s+`),
	regexp.MustCompile(`(?i)^(?:i need|i want|i'd like)(?: you)? to\s+`),
	regexp.MustCompile(`(?i)^(?:don't let me forget|remind me|reminder)(?: to| about| that|:)?\s+`),
	regexp.MustCompile(`(?i)^(?:set|create|add|make|put)(?: up)?(?: me)? (?:a |an )?(?:new )?(?:reminder|task|to-?do|goal)(?: to| for| that| of|:)?\s+`),
	regexp.MustCompile(`(?i)^(?:my )?goal is to\s+`),
	regexp.MustCompile(`(?i)^i want to\s+`),
	regexp.MustCompile(`(?i)^(?:schedule|book|create|add|plan|set up|put)(?: me)? (?:a |an |the |my )?`),
}

var timeNoise = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(?:on |by |for |this |next |until )?(?:monday|tuesday|wednesday|thursday|friday|saturday|sunday)\b`),
	regexp.MustCompile(`(?i)\b(?:the )?day after tomorrow\b`),
	regexp.MustCompile(`(?i)\b(?:for |by |until )?(?:tomorrow|today|tonight)\b`),
	regexp.MustCompile(`(?i)\b(?:at |by |for |from |around )?\d{1,2}(?::\d{2})?\s*[ap]\.?m\.?`),
	regexp.MustCompile(`(?i)\b(?:at |by |for |from |around )?\d{1,2}:\d{2}\b`),
	regexp.MustCompile(`(?i)\bin \d+ (?:minutes?|mins?|hours?|hrs?|days?|weeks?)\b`),
	regexp.MustCompile(`(?i)\b(?:by |until )?next (?:week|month|year)\b`),
	regexp.MustCompile(`(?i)\b(?:on |by )?\d{4}-\d{2}-\d{2}\b`),
	regexp.MustCompile(`(?i)\b(?:by|in|before|until|end of) (?:january|february|march|april|may|june|july|august|september|october|november|december)\b`),
	regexp.MustCompile(`(?i)\b(?:for the )?all[- ]day\b`),
	regexp.MustCompile(`(?i)\b(?:in the |this )?(?:morning|afternoon|evening)\b`),
	regexp.MustCompile(`(?i)\b(?:at )?(?:noon|midnight|midday)\b`),
	regexp.MustCompile(`(?i)\b(?:on|to|in) (?:my|the) (?:calendar|schedule|to-?do list|task list|list)\b`),
	regexp.MustCompile(`(?i)\b(?:for me|please)\b`),
}

var trailingJoiners = regexp.MustCompile(`(?i)(?:\s+(?:at|on|by|for|and|in|from|to))+$`)

// DeriveTitle pulls a short title out of the request text by dropping the
// request phrasing and any date or time references.
func DeriveTitle(kind intent.ActionKind, text string) string {
	s := strings.TrimSpace(text)
	for changed := true; changed; {
		changed = false
		for _, re := range requestPrefixes {
			if loc := re.FindStringIndex(s); loc != nil && loc[1] > 0 {
				s = strings.TrimSpace(s[loc[1]:])
				changed = true
			}
		}
	}
	for _, re := range timeNoise {
		s = re.ReplaceAllString(s, " ")
	}
	s = strings.Join(strings.Fields(s), " ")
	s = strings.Trim(s, " ,.!?;:-")
	s = trailingJoiners.ReplaceAllString(s, "")
	s = strings.Trim(s, " ,.!?;:-")

	if kind == intent.ActionEvent {
		s = capitalizeFirst(s)
	}
	return s
}

// FallbackEventTitle is used when neither the model nor the text yield a title.
func FallbackEventTitle(start time.Time) string {
	return fmt.Sprintf("Event on %s at %s", start.UTC().Format("2006-01-02"), start.UTC().Format("15:04"))
}

func capitalizeFirst(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return s
	}
	return string(unicode.ToUpper(r)) + s[size:]
}
