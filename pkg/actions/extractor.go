package actions

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nous-labs/concierge/internal/llm"
	"github.com/nous-labs/concierge/pkg/brain"
	"github.com/nous-labs/concierge/pkg/intent"
)

// Store is the set of domain mutations the extractor can perform.
type Store interface {
	CreateEvent(ctx context.Context, e brain.Event) (brain.Event, error)
	CreateTask(ctx context.Context, t brain.Task) (brain.Task, error)
	CreateReminder(ctx context.Context, r brain.Reminder) (brain.Reminder, error)
	CreateGoal(ctx context.Context, g brain.Goal) (brain.Goal, error)
}

// Extractor detects at most one creation request per message and executes it.
type Extractor struct {
	parser *Parser
	store  Store
	now    func() time.Time
}

// NewExtractor creates an extractor. model may be nil for deterministic parsing.
func NewExtractor(model llm.Provider, store Store) *Extractor {
	return &Extractor{
		parser: &Parser{Model: model},
		store:  store,
		now:    time.Now,
	}
}

// SetClock overrides the reference time used to resolve relative dates.
func (e *Extractor) SetClock(now func() time.Time) {
	if now != nil {
		e.now = now
	}
}

// Extract runs detection, parsing and execution for one message. Failures
// are reported in the Outcome, never returned.
func (e *Extractor) Extract(ctx context.Context, userID string, category intent.Category, message string) Outcome {
	kind, ok := intent.DetectAction(message)
	if !ok {
		return Outcome{}
	}
	// more than one cue can fire; the first in table order wins
	log := slog.With("user_id", userID, "action", string(kind),
		"cues", intent.Matching(intent.ActionRules, intent.Normalize(message)))

	action, err := e.parser.Parse(ctx, kind, message, e.now())
	if err != nil {
		log.Warn("action parse failed", "error", err)
		return Outcome{Kind: kind, Attempted: true, Err: err}
	}
	if action == nil {
		log.Debug("model declined action")
		return Outcome{}
	}
	if action.Category == "" {
		action.Category = string(category.OrGeneral())
	}

	id, err := e.execute(ctx, userID, action)
	if err != nil {
		log.Warn("action failed", "title", action.Title, "error", err)
		return Outcome{Kind: kind, Attempted: true, Action: action, Err: err}
	}
	log.Info("action executed", "id", id, "title", action.Title, "at", FormatISO(action.At))
	return Outcome{Kind: kind, Attempted: true, Action: action, ID: id}
}

func (e *Extractor) execute(ctx context.Context, userID string, a *Action) (int64, error) {
	if e.store == nil {
		return 0, fmt.Errorf("no store configured for %s", a.Kind)
	}
	switch a.Kind {
	case intent.ActionEvent:
		ev, err := e.store.CreateEvent(ctx, brain.Event{
			UserID:      userID,
			Title:       a.Title,
			Description: a.Description,
			Start:       a.At,
			End:         a.End,
			AllDay:      a.AllDay,
			Location:    a.Location,
			Category:    a.Category,
		})
		return ev.ID, err
	case intent.ActionTask:
		t := brain.Task{UserID: userID, Title: a.Title, Description: a.Description, Priority: a.Priority}
		if a.HasDate {
			due := a.At
			t.DueDate = &due
		}
		t, err := e.store.CreateTask(ctx, t)
		return t.ID, err
	case intent.ActionReminder:
		r, err := e.store.CreateReminder(ctx, brain.Reminder{
			UserID:      userID,
			Title:       a.Title,
			Description: a.Description,
			RemindAt:    a.At,
		})
		return r.ID, err
	case intent.ActionGoal:
		g := brain.Goal{UserID: userID, Title: a.Title, Description: a.Description, Category: a.Category}
		if a.HasDate {
			target := a.At
			g.TargetDate = &target
		}
		g, err := e.store.CreateGoal(ctx, g)
		return g.ID, err
	}
	return 0, fmt.Errorf("unknown action kind %q", a.Kind)
}
