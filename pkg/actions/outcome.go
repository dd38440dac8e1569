package actions

import (
	"errors"
	"fmt"
	"strings"

	"github.com/nous-labs/concierge/pkg/intent"
)

// Outcome is the result of one extraction attempt.
type Outcome struct {
	Kind      intent.ActionKind
	Attempted bool
	Action    *Action
	ID        int64
	Err       error
}

// Succeeded reports whether an action was executed.
func (o Outcome) Succeeded() bool { return o.Attempted && o.Err == nil && o.Action != nil }

// Status is "created", "failed" or empty when nothing was attempted.
func (o Outcome) Status() string {
	switch {
	case o.Succeeded():
		return "created"
	case o.Attempted:
		return "failed"
	}
	return ""
}

// Notice is the literal context folded into the generation prompt.
func (o Outcome) Notice() string {
	if !o.Attempted {
		return ""
	}
	var b strings.Builder
	if !o.Succeeded() {
		fmt.Fprintf(&b, "ACTION FAILED: The user asked to create a %s but it was NOT created (%s).\n", noun(o.Kind), o.reason())
		b.WriteString("Tell the user it did not go through and ask for the missing details. Do not claim it was created.")
		return b.String()
	}

	a := o.Action
	fmt.Fprintf(&b, "ACTION COMPLETED: A %s was created for the user.\n", noun(a.Kind))
	fmt.Fprintf(&b, "- Title: %q\n", a.Title)
	switch a.Kind {
	case intent.ActionEvent:
		fmt.Fprintf(&b, "- Start: %s\n- End: %s\n", FormatISO(a.At), FormatISO(a.End))
		if a.AllDay {
			b.WriteString("- All day: yes\n")
		}
		if a.Location != "" {
			fmt.Fprintf(&b, "- Location: %s\n", a.Location)
		}
	case intent.ActionTask:
		if a.HasDate {
			fmt.Fprintf(&b, "- Due: %s\n", FormatISO(a.At))
		}
		fmt.Fprintf(&b, "- Priority: %s\n", a.Priority)
	case intent.ActionReminder:
		fmt.Fprintf(&b, "- Remind at: %s\n", FormatISO(a.At))
	case intent.ActionGoal:
		if a.HasDate {
			fmt.Fprintf(&b, "- Target date: %s\n", FormatISO(a.At))
		}
		fmt.Fprintf(&b, "- Category: %s\n", a.Category)
	}
	if a.Description != "" {
		fmt.Fprintf(&b, "- Description: %s\n", a.Description)
	}
	fmt.Fprintf(&b, "Confirm this to the user with these exact details. Never say you are unable to create a %s.", noun(a.Kind))
	return b.String()
}

// Confirmation is the deterministic sentence stating what was created.
func (o Outcome) Confirmation() string {
	if !o.Succeeded() {
		return ""
	}
	a := o.Action
	switch a.Kind {
	case intent.ActionEvent:
		if a.AllDay {
			return fmt.Sprintf("I've scheduled %q for %s (all day).", a.Title, FormatISO(a.At))
		}
		return fmt.Sprintf("I've scheduled %q for %s.", a.Title, FormatISO(a.At))
	case intent.ActionTask:
		if a.HasDate {
			return fmt.Sprintf("I've added the task %q (due %s).", a.Title, FormatISO(a.At))
		}
		return fmt.Sprintf("I've added the task %q.", a.Title)
	case intent.ActionReminder:
		return fmt.Sprintf("I've created a reminder %q for %s.", a.Title, FormatISO(a.At))
	case intent.ActionGoal:
		if a.HasDate {
			return fmt.Sprintf("I've created the goal %q with a target date of %s.", a.Title, FormatISO(a.At))
		}
		return fmt.Sprintf("I've created the goal %q.", a.Title)
	}
	return ""
}

// FailureSentence is the deterministic sentence stating the attempt failed.
func (o Outcome) FailureSentence() string {
	if !o.Attempted || o.Succeeded() {
		return ""
	}
	return fmt.Sprintf("I wasn't able to create that %s: %s.", noun(o.Kind), o.reason())
}

func (o Outcome) reason() string {
	switch {
	case errors.Is(o.Err, ErrNoDate):
		return "I couldn't tell when it should be"
	case errors.Is(o.Err, ErrNoTitle):
		return "I couldn't tell what it should be called"
	}
	return "it could not be saved"
}

var ackKeywords = []string{"created", "scheduled", "added"}

// Acknowledges reports whether text already confirms a creation.
func Acknowledges(text string) bool {
	lower := strings.ToLower(text)
	for _, k := range ackKeywords {
		if strings.Contains(lower, k) {
			return true
		}
	}
	return false
}

// confirmedIn reports whether response confirms the action with its literal
// details: an acknowledgement keyword plus the resolved timestamp, or the
// title for undated tasks and goals.
func (o Outcome) confirmedIn(response string) bool {
	if !Acknowledges(response) {
		return false
	}
	a := o.Action
	if a.HasDate || a.Kind == intent.ActionEvent || a.Kind == intent.ActionReminder {
		return strings.Contains(response, FormatISO(a.At))
	}
	return strings.Contains(strings.ToLower(response), strings.ToLower(a.Title))
}

// Reconcile makes a generated answer consistent with the outcome: a success
// the model did not confirm with the literal details gets the confirmation
// prepended, and a failure always gets the failure sentence prepended.
func (o Outcome) Reconcile(response string) string {
	switch {
	case !o.Attempted:
		return response
	case o.Succeeded():
		if o.confirmedIn(response) {
			return response
		}
		return joinParagraphs(o.Confirmation(), response)
	default:
		return joinParagraphs(o.FailureSentence(), response)
	}
}

func joinParagraphs(lead, rest string) string {
	rest = strings.TrimSpace(rest)
	if rest == "" {
		return lead
	}
	return lead + "\n\n" + rest
}
