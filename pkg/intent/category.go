// Package intent holds the keyword rule tables that drive routing fallback,
// context-source selection and action detection.
//
// Every heuristic the pipeline applies to free text lives here as a named
// predicate, so the same rules back both the runtime decisions and the tests.
package intent

import "strings"

// Category partitions memories and selects the expert persona.
type Category string

const (
	Finance Category = "finance"
	Work    Category = "work"
	Health  Category = "health"
	General Category = "general"
)

// Categories lists every category in routing priority order.
var Categories = []Category{Finance, Work, Health, General}

// ParseCategory maps a model- or user-supplied label onto a Category.
// Labels such as "finance_expert" or " Health " are accepted.
func ParseCategory(s string) (Category, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.TrimSuffix(s, "_expert")
	s = strings.TrimSuffix(s, " expert")
	for _, c := range Categories {
		if s == string(c) {
			return c, true
		}
	}
	return "", false
}

// OrGeneral returns c, or General when c is unset or unknown.
func (c Category) OrGeneral() Category {
	if parsed, ok := ParseCategory(string(c)); ok {
		return parsed
	}
	return General
}
