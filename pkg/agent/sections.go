package agent

import (
	"fmt"
	"strings"
	"time"

	"github.com/nous-labs/concierge/pkg/actions"
	"github.com/nous-labs/concierge/pkg/retrieval"
)

// Section names, in render order. Context sections use the source names
// of package retrieval.
const (
	SectionPersona      = "persona"
	SectionCapabilities = "capabilities"
	SectionAction       = "action"
)

// Section is one named part of the system prompt.
type Section struct {
	Name    string
	Title   string
	Body    string
	Include bool
}

// Prompt is the structured system prompt. It is rendered to text only when
// the generation request is built.
type Prompt struct {
	Sections []Section
}

// BuildPrompt lays out persona, context blocks, the capability banner and
// any action notice in their fixed order.
func BuildPrompt(p Persona, ctx retrieval.Context, outcome actions.Outcome, now time.Time) Prompt {
	sections := []Section{{Name: SectionPersona, Body: p.Prompt, Include: true}}

	var present []string
	for _, source := range retrieval.Order {
		b, ok := ctx.Block(source)
		if !ok {
			b = retrieval.ContextBlock{Source: source, Label: retrieval.Label(source), Sentinel: retrieval.Sentinel(source)}
		}
		include := b.Included()
		if include {
			present = append(present, b.Label)
		}
		sections = append(sections, Section{Name: source, Title: b.Label, Body: b.Text, Include: include})
	}

	sections = append(sections,
		Section{Name: SectionCapabilities, Title: "Capabilities", Body: capabilityBanner(present, now), Include: true},
		Section{Name: SectionAction, Title: "Action outcome", Body: outcome.Notice(), Include: outcome.Attempted},
	)
	return Prompt{Sections: sections}
}

// Included returns the names of the sections that will be rendered.
func (p Prompt) Included() []string {
	var names []string
	for _, s := range p.Sections {
		if s.Include {
			names = append(names, s.Name)
		}
	}
	return names
}

// Section returns the named section.
func (p Prompt) Section(name string) (Section, bool) {
	for _, s := range p.Sections {
		if s.Name == name {
			return s, true
		}
	}
	return Section{}, false
}

// Render joins the included sections into the system prompt text.
func (p Prompt) Render() string {
	var b strings.Builder
	for _, s := range p.Sections {
		if !s.Include {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		if s.Title != "" {
			fmt.Fprintf(&b, "## %s\n", s.Title)
		}
		b.WriteString(strings.TrimSpace(s.Body))
	}
	return b.String()
}

func capabilityBanner(present []string, now time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Current time: %s.\n", now.UTC().Format("Monday, 2006-01-02 15:04 UTC"))
	b.WriteString("You can create calendar events, tasks, reminders and goals for the user. ")
	b.WriteString("When the user asks for one, the system creates it before you answer and reports the outcome below.\n")
	if len(present) > 0 {
		fmt.Fprintf(&b, "You have access to the user's %s shown above. ", strings.Join(present, ", "))
		b.WriteString("Use them in your answer and never say you cannot see or access this data.\n")
	}
	b.WriteString("Never claim an action happened unless an ACTION COMPLETED notice says so.")
	return b.String()
}
