package retrieval

import (
	"fmt"
	"strings"
	"time"

	"github.com/nous-labs/concierge/pkg/brain"
)

const (
	// LongTextLimit bounds note bodies, transcripts and memory content.
	LongTextLimit = 500
	// DescriptionLimit bounds task, event, reminder and goal descriptions.
	DescriptionLimit = 200

	ellipsis = "..."
)

// Truncate cuts s to limit runes, marking the cut with an ellipsis.
func Truncate(s string, limit int) string {
	s = strings.TrimSpace(s)
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return strings.TrimSpace(string(r[:limit])) + ellipsis
}

func day(t time.Time) string { return t.UTC().Format("2006-01-02") }

func stamp(t time.Time) string { return t.UTC().Format("2006-01-02 15:04 UTC") }

// render writes a list block, or the sentinel when there are no lines.
func render(source string, lines []string) string {
	if len(lines) == 0 {
		return sentinels[source]
	}
	return strings.Join(lines, "\n")
}

// FormatMemories renders memories with their category and date.
func FormatMemories(memories []brain.Memory) string {
	var lines []string
	for _, m := range memories {
		lines = append(lines, fmt.Sprintf("- [%s, %s] %s", m.Category, day(m.CreatedAt), Truncate(m.Content, LongTextLimit)))
	}
	return render(SourceMemories, lines)
}

// FormatNotes renders notes with title, date and truncated body.
func FormatNotes(notes []brain.Note) string {
	var lines []string
	for _, n := range notes {
		title := n.Title
		if title == "" {
			title = "Untitled"
		}
		line := fmt.Sprintf("- %q (updated %s): %s", title, day(n.UpdatedAt), Truncate(n.Content, LongTextLimit))
		if n.Tags != "" {
			line += "\n  Tags: " + n.Tags
		}
		lines = append(lines, line)
	}
	return render(SourceNotes, lines)
}

// FormatRecordings renders recordings with summary and truncated transcript.
func FormatRecordings(recs []brain.Recording) string {
	var lines []string
	for _, r := range recs {
		title := r.Title
		if title == "" {
			title = "Untitled recording"
		}
		line := fmt.Sprintf("- %q (%s, %s)", title, day(r.RecordedAt), r.Duration.Round(time.Second))
		if r.Summary != "" {
			line += "\n  Summary: " + Truncate(r.Summary, LongTextLimit)
		}
		if r.Transcript != "" {
			line += "\n  Transcript: " + Truncate(r.Transcript, LongTextLimit)
		}
		lines = append(lines, line)
	}
	return render(SourceRecordings, lines)
}

// FormatTasks renders tasks with status, priority and due date.
func FormatTasks(tasks []brain.Task) string {
	var lines []string
	for _, t := range tasks {
		meta := []string{"priority " + t.Priority}
		if t.DueDate != nil {
			meta = append(meta, "due "+stamp(*t.DueDate))
		}
		line := fmt.Sprintf("- [%s] %s (%s)", t.Status, t.Title, strings.Join(meta, ", "))
		if t.Description != "" {
			line += ": " + Truncate(t.Description, DescriptionLimit)
		}
		lines = append(lines, line)
	}
	return render(SourceTasks, lines)
}

// FormatReminders renders reminders with their time.
func FormatReminders(reminders []brain.Reminder) string {
	var lines []string
	for _, r := range reminders {
		line := fmt.Sprintf("- %s at %s", r.Title, stamp(r.RemindAt))
		if r.Description != "" {
			line += ": " + Truncate(r.Description, DescriptionLimit)
		}
		lines = append(lines, line)
	}
	return render(SourceReminders, lines)
}

// FormatEvents renders events with their time span and location.
func FormatEvents(events []brain.Event) string {
	var lines []string
	for _, e := range events {
		var when string
		if e.AllDay {
			when = day(e.Start) + " (all day)"
		} else {
			when = stamp(e.Start) + " to " + e.End.UTC().Format("15:04")
			if day(e.End) != day(e.Start) {
				when = stamp(e.Start) + " to " + stamp(e.End)
			}
		}
		line := fmt.Sprintf("- %s: %s", e.Title, when)
		if e.Location != "" {
			line += " @ " + e.Location
		}
		if e.Category != "" {
			line += " [" + e.Category + "]"
		}
		if e.Description != "" {
			line += ": " + Truncate(e.Description, DescriptionLimit)
		}
		lines = append(lines, line)
	}
	return render(SourceEvents, lines)
}

// FormatGoals renders goals, with schedule insights where available.
func FormatGoals(goals []brain.Goal, insights map[int64]brain.GoalInsights) string {
	var lines []string
	for _, g := range goals {
		meta := []string{g.Status, fmt.Sprintf("%.0f%% complete", g.Progress)}
		if g.TargetDate != nil {
			meta = append(meta, "target "+day(*g.TargetDate))
		}
		line := fmt.Sprintf("- %s [%s] (%s)", g.Title, strings.Join(meta, ", "), g.Category)
		if g.Description != "" {
			line += ": " + Truncate(g.Description, DescriptionLimit)
		}
		if in, ok := insights[g.ID]; ok {
			line += "\n  " + formatInsight(in)
		}
		lines = append(lines, line)
	}
	return render(SourceGoals, lines)
}

func formatInsight(in brain.GoalInsights) string {
	if !in.HasTarget {
		return "Insight: no target date set."
	}
	track := "behind schedule"
	if in.OnTrack {
		track = "on track"
	}
	remaining := fmt.Sprintf("%d days remaining", in.DaysRemaining)
	if in.DaysRemaining < 0 {
		remaining = fmt.Sprintf("%d days overdue", -in.DaysRemaining)
	}
	return fmt.Sprintf("Insight: expected %.0f%% by now, %s, %s.", in.ExpectedProgress, remaining, track)
}
