package intent

// Rule is one row of a rule table: a named predicate with the value it selects.
type Rule[T any] struct {
	Name   string
	Match  Predicate
	Result T
}

// First evaluates rules in order and returns the first one that matches.
func First[T any](rules []Rule[T], t Text) (Rule[T], bool) {
	for _, r := range rules {
		if r.Match(t) {
			return r, true
		}
	}
	var zero Rule[T]
	return zero, false
}

// Matching returns the names of every rule that matches, in table order.
// Used for logging which cues fired.
func Matching[T any](rules []Rule[T], t Text) []string {
	var names []string
	for _, r := range rules {
		if r.Match(t) {
			names = append(names, r.Name)
		}
	}
	return names
}
