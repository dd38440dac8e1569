// Package retrieval assembles the per-turn context an expert answers from.
//
// Seven sources are queried concurrently, each under its own timeout, and
// rendered into labeled blocks. A source that fails or times out renders as
// its "none found" sentinel and is left out of the prompt.
package retrieval

import "strings"

// Source names.
const (
	SourceMemories   = "memories"
	SourceNotes      = "notes"
	SourceRecordings = "recordings"
	SourceTasks      = "tasks"
	SourceReminders  = "reminders"
	SourceEvents     = "events"
	SourceGoals      = "goals"
)

// Order is the fixed order blocks appear in.
var Order = []string{
	SourceMemories,
	SourceNotes,
	SourceRecordings,
	SourceTasks,
	SourceReminders,
	SourceEvents,
	SourceGoals,
}

var labels = map[string]string{
	SourceMemories:   "Memories",
	SourceNotes:      "Notes",
	SourceRecordings: "Recordings",
	SourceTasks:      "Tasks",
	SourceReminders:  "Reminders",
	SourceEvents:     "Events",
	SourceGoals:      "Goals",
}

var sentinels = map[string]string{
	SourceMemories:   "No relevant memories found.",
	SourceNotes:      "No relevant notes found.",
	SourceRecordings: "No relevant recordings found.",
	SourceTasks:      "No tasks found.",
	SourceReminders:  "No upcoming reminders.",
	SourceEvents:     "No upcoming events in the next 30 days.",
	SourceGoals:      "No goals found.",
}

// Sentinel returns the canonical "none found" text for a source.
func Sentinel(source string) string {
	return sentinels[source]
}

// Label returns the display label for a source.
func Label(source string) string {
	return labels[source]
}

// ContextBlock is one labeled, formatted source.
type ContextBlock struct {
	Source   string
	Label    string
	Text     string
	Sentinel string
}

func newBlock(source, text string) ContextBlock {
	return ContextBlock{Source: source, Label: labels[source], Text: text, Sentinel: sentinels[source]}
}

// Included reports whether the block carries anything worth prompting with.
func (b ContextBlock) Included() bool {
	t := strings.TrimSpace(b.Text)
	return t != "" && t != b.Sentinel
}

// Context is the assembled context for one turn.
type Context struct {
	Blocks       []ContextBlock // in Order
	MemoriesUsed int
}

// Block returns the block for a source.
func (c Context) Block(source string) (ContextBlock, bool) {
	for _, b := range c.Blocks {
		if b.Source == source {
			return b, true
		}
	}
	return ContextBlock{}, false
}

// Included returns the blocks that carry content, in order.
func (c Context) Included() []ContextBlock {
	var out []ContextBlock
	for _, b := range c.Blocks {
		if b.Included() {
			out = append(out, b)
		}
	}
	return out
}
