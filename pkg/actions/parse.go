package actions

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/nous-labs/concierge/internal/llm"
	"github.com/nous-labs/concierge/pkg/intent"
)

// Parser turns a creation request into an Action. The model reply is
// primary; deterministic rules fill any field it leaves out. A nil Model
// parses deterministically.
type Parser struct {
	Model     llm.Provider
	MaxTokens int
}

// ParseSchedulingIntent parses a calendar event request relative to now.
// It returns nil when the model judges the text not to be a request.
func ParseSchedulingIntent(ctx context.Context, model llm.Provider, text string, now time.Time) (*Action, error) {
	p := &Parser{Model: model}
	return p.Parse(ctx, intent.ActionEvent, text, now)
}

// Parse parses text as a request of the given kind.
func (p *Parser) Parse(ctx context.Context, kind intent.ActionKind, text string, now time.Time) (*Action, error) {
	now = now.UTC()
	var obj gjson.Result
	if p.Model != nil {
		maxTokens := p.MaxTokens
		if maxTokens <= 0 {
			maxTokens = 512
		}
		resp, err := p.Model.Complete(ctx, llm.CompletionRequest{
			System:      parsePrompt(kind, now),
			Messages:    []llm.Message{{Role: "user", Content: text}},
			MaxTokens:   maxTokens,
			Temperature: llm.Float(0.1),
			JSONMode:    true,
		})
		if err != nil {
			return nil, fmt.Errorf("parse %s request: %w", kind, err)
		}
		if o, ok := llm.ExtractJSON(resp.Content); ok {
			obj = o
		}
		if obj.Get("none").Bool() {
			return nil, nil
		}
	}

	w := ResolveWhen(text, now)
	switch kind {
	case intent.ActionEvent:
		return parseEvent(obj, text, w)
	case intent.ActionTask:
		return parseTask(obj, text, w)
	case intent.ActionReminder:
		return parseReminder(obj, text, w)
	case intent.ActionGoal:
		return parseGoal(obj, text, w)
	}
	return nil, fmt.Errorf("unknown action kind %q", kind)
}

func parseEvent(obj gjson.Result, text string, w When) (*Action, error) {
	a := &Action{Kind: intent.ActionEvent, HasDate: true}

	a.AllDay = w.AllDay
	if v := obj.Get("allDay"); v.Exists() && (v.Type == gjson.True || v.Type == gjson.False) {
		a.AllDay = v.Bool()
	}

	if t, hasTime, ok := modelTime(obj, "startDate"); ok {
		if !hasTime {
			t = t.Add(DefaultHour * time.Hour)
		}
		a.At = t
	} else if w.Found() {
		a.At = w.Time
	} else {
		return nil, ErrNoDate
	}

	if a.AllDay {
		a.At, a.End = span(When{Time: a.At, AllDay: true})
	} else if end, _, ok := modelTime(obj, "endDate"); ok && end.After(a.At) {
		a.End = end
	} else {
		a.End = a.At.Add(DefaultDuration)
	}

	a.Title, _ = llm.StringField(obj, "title")
	if a.Title == "" {
		a.Title = DeriveTitle(intent.ActionEvent, text)
	}
	if a.Title == "" {
		a.Title = FallbackEventTitle(a.At)
	}
	a.Location, _ = llm.StringField(obj, "location")
	a.Description, _ = llm.StringField(obj, "description")
	a.Category = modelCategory(obj)
	return a, nil
}

func parseTask(obj gjson.Result, text string, w When) (*Action, error) {
	a := &Action{Kind: intent.ActionTask}
	if t, hasTime, ok := modelTime(obj, "dueDate"); ok {
		if !hasTime {
			t = t.Add(DefaultHour * time.Hour)
		}
		a.At, a.HasDate = t, true
	} else if w.Found() {
		a.At, a.HasDate = w.Time, true
	}

	a.Title, _ = llm.StringField(obj, "title")
	if a.Title == "" {
		a.Title = DeriveTitle(intent.ActionTask, text)
	}
	if a.Title == "" {
		return nil, ErrNoTitle
	}
	a.Description, _ = llm.StringField(obj, "description")
	a.Priority = priority(obj, text)
	return a, nil
}

func parseReminder(obj gjson.Result, text string, w When) (*Action, error) {
	a := &Action{Kind: intent.ActionReminder, HasDate: true}
	if t, hasTime, ok := modelTime(obj, "remindAt"); ok {
		if !hasTime {
			t = t.Add(DefaultHour * time.Hour)
		}
		a.At = t
	} else if w.Found() {
		a.At = w.Time
	} else {
		return nil, ErrNoDate
	}

	a.Title, _ = llm.StringField(obj, "title")
	if a.Title == "" {
		a.Title = DeriveTitle(intent.ActionReminder, text)
	}
	if a.Title == "" {
		return nil, ErrNoTitle
	}
	a.Description, _ = llm.StringField(obj, "description")
	return a, nil
}

func parseGoal(obj gjson.Result, text string, w When) (*Action, error) {
	a := &Action{Kind: intent.ActionGoal}
	if t, _, ok := modelTime(obj, "targetDate"); ok {
		a.At, a.HasDate = t, true
	} else if w.HasDate {
		a.At, a.HasDate = w.Time, true
	}

	a.Title, _ = llm.StringField(obj, "title")
	if a.Title == "" {
		a.Title = DeriveTitle(intent.ActionGoal, text)
	}
	if a.Title == "" {
		return nil, ErrNoTitle
	}
	a.Description, _ = llm.StringField(obj, "description")
	a.Category = modelCategory(obj)
	return a, nil
}

var modelTimeLayouts = []struct {
	layout  string
	hasTime bool
}{
	{time.RFC3339Nano, true},
	{"2006-01-02T15:04:05.000Z", true},
	{"2006-01-02T15:04:05", true},
	{"2006-01-02T15:04", true},
	{"2006-01-02 15:04:05", true},
	{"2006-01-02 15:04", true},
	{"2006-01-02", false},
}

// modelTime reads an ISO-8601 timestamp field. Times without a zone are UTC.
func modelTime(obj gjson.Result, field string) (t time.Time, hasTime, ok bool) {
	s, ok := llm.StringField(obj, field)
	if !ok {
		return time.Time{}, false, false
	}
	for _, l := range modelTimeLayouts {
		if t, err := time.Parse(l.layout, s); err == nil {
			return t.UTC(), l.hasTime, true
		}
	}
	return time.Time{}, false, false
}

func modelCategory(obj gjson.Result) string {
	s, _ := llm.StringField(obj, "category")
	if c, ok := intent.ParseCategory(s); ok {
		return string(c)
	}
	return ""
}

var (
	highPriority = regexp.MustCompile(`(?i)\b(?:urgent|urgently|asap|high priority|important|critical)\b`)
	lowPriority  = regexp.MustCompile(`(?i)\b(?:low priority|whenever|someday|no rush)\b`)
)

func priority(obj gjson.Result, text string) string {
	if s, ok := llm.StringField(obj, "priority"); ok {
		switch s = strings.ToLower(s); s {
		case "low", "medium", "high":
			return s
		}
	}
	switch {
	case highPriority.MatchString(text):
		return "high"
	case lowPriority.MatchString(text):
		return "low"
	}
	return "medium"
}

func parsePrompt(kind intent.ActionKind, now time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You extract a %s request from the user's message.\n", noun(kind))
	fmt.Fprintf(&b, "The current date and time is %s (%s). All times are UTC.\n\n", FormatISO(now), now.Weekday())
	b.WriteString("Reply with a single JSON object and nothing else.\n")
	b.WriteString("If the message is not actually asking to create one, reply {\"none\": true}.\n\n")

	switch kind {
	case intent.ActionEvent:
		b.WriteString(`Fields:
{"title": string, "startDate": ISO-8601 UTC string, "endDate": ISO-8601 UTC string or null, "allDay": boolean, "location": string or null, "description": string or null, "category": "finance" | "work" | "health" | "general"}

Rules:
- "tomorrow at 1pm" means tomorrow's date at 13:00:00.000Z.
- If no time is given, use 14:00.
- If no end or duration is given, the event lasts 1 hour.
- "all day" means allDay true, from 00:00:00 to 23:59:59 of that day.
- If there is no clear title, use "Event on <date> at <time>".
`)
	case intent.ActionTask:
		b.WriteString(`Fields:
{"title": string, "dueDate": ISO-8601 UTC string or null, "priority": "low" | "medium" | "high", "description": string or null}

Rules:
- The title is the thing to do, without the date or time.
- If a due day is given without a time, use 14:00.
- Priority is medium unless the user signals urgency or that it can wait.
`)
	case intent.ActionReminder:
		b.WriteString(`Fields:
{"title": string, "remindAt": ISO-8601 UTC string, "description": string or null}

Rules:
- The title is what to be reminded about, without the date or time.
- "next Monday at 9am" means the coming Monday at 09:00:00.000Z.
- If a day is given without a time, use 14:00.
`)
	case intent.ActionGoal:
		b.WriteString(`Fields:
{"title": string, "targetDate": ISO-8601 UTC string or null, "category": "finance" | "work" | "health" | "general", "description": string or null}

Rules:
- The title is the outcome the user wants, without the deadline.
- "by March" means the last day of the next March.
`)
	}
	return b.String()
}
