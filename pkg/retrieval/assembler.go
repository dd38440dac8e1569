package retrieval

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nous-labs/concierge/pkg/brain"
	"github.com/nous-labs/concierge/pkg/intent"
)

const (
	// DefaultSourceTimeout bounds each source lookup.
	DefaultSourceTimeout = 3 * time.Second

	broadMemoryFloor  = 0.3
	broadMemoryLimit  = 10
	narrowMemoryLimit = 5
	noteLimit         = 5
	broadNoteLimit    = 10
	recordingLimit    = 5
	ambientTaskLimit  = 10
	taskSearchLimit   = 10
	eventWindow       = 30 * 24 * time.Hour
	insightGoalLimit  = 3
)

// MemorySearcher searches conversation memories within a category.
type MemorySearcher interface {
	SearchMemories(ctx context.Context, userID, category, query string, limit int, floor float64) ([]brain.Memory, error)
}

// NoteSearcher searches notes.
type NoteSearcher interface {
	SearchNotes(ctx context.Context, userID, query string, limit int) ([]brain.Note, error)
}

// RecordingSearcher searches recordings.
type RecordingSearcher interface {
	SearchRecordings(ctx context.Context, userID, query string, limit int) ([]brain.Recording, error)
}

// TaskSource lists and searches tasks.
type TaskSource interface {
	ListTasks(ctx context.Context, userID string, limit int) ([]brain.Task, error)
	SearchTasks(ctx context.Context, userID, query string, limit int) ([]brain.Task, error)
}

// ReminderSource lists reminders.
type ReminderSource interface {
	GetUserReminders(ctx context.Context, userID string, upcomingOnly bool) ([]brain.Reminder, error)
}

// EventSource lists events in a window.
type EventSource interface {
	GetUserEvents(ctx context.Context, userID string, start, end time.Time, category string) ([]brain.Event, error)
}

// GoalSource lists goals and their insights.
type GoalSource interface {
	GetUserGoals(ctx context.Context, userID, status, category string) ([]brain.Goal, error)
	GetGoalInsights(ctx context.Context, userID string, goalID int64) (brain.GoalInsights, error)
}

// Sources are the adapters the assembler reads. A nil source renders as
// its sentinel.
type Sources struct {
	Memories   MemorySearcher
	Notes      NoteSearcher
	Recordings RecordingSearcher
	Tasks      TaskSource
	Reminders  ReminderSource
	Events     EventSource
	Goals      GoalSource
}

// Assembler gathers the context blocks for one turn.
type Assembler struct {
	src     Sources
	timeout time.Duration
	now     func() time.Time
}

// NewAssembler creates an assembler. A non-positive timeout uses
// DefaultSourceTimeout.
func NewAssembler(src Sources, timeout time.Duration) *Assembler {
	if timeout <= 0 {
		timeout = DefaultSourceTimeout
	}
	return &Assembler{src: src, timeout: timeout, now: time.Now}
}

// SetClock overrides the reference time for the event window.
func (a *Assembler) SetClock(now func() time.Time) {
	if now != nil {
		a.now = now
	}
}

// Assemble queries every source concurrently and formats the results.
// It never fails: a failing source is logged and rendered as empty.
func (a *Assembler) Assemble(ctx context.Context, userID string, category intent.Category, message string) Context {
	text := intent.Normalize(message)
	q := query{
		userID:   userID,
		category: category.OrGeneral(),
		raw:      strings.TrimSpace(message),
		content:  intent.ContentQuery(message),
		text:     text,
		now:      a.now().UTC(),
	}
	log := slog.With("user_id", userID, "expert", string(q.category))

	var memoriesUsed int

	fetchers := map[string]func(context.Context) (string, int, error){
		SourceMemories:   a.memories(q),
		SourceNotes:      a.notes(q),
		SourceRecordings: a.recordings(q),
		SourceTasks:      a.tasks(q),
		SourceReminders:  a.reminders(q),
		SourceEvents:     a.events(q),
		SourceGoals:      a.goals(q),
	}

	results := make([]sourceResult, len(Order))
	var g errgroup.Group
	for i, source := range Order {
		fetch := fetchers[source]
		g.Go(func() error {
			start := time.Now()
			body, n, err := bounded(ctx, a.timeout, fetch)
			if err != nil {
				log.Warn("context source failed", "source", source, "error", err, "elapsed", time.Since(start))
				body, n = sentinels[source], 0
			}
			results[i] = sourceResult{text: body, count: n}
			return nil
		})
	}
	g.Wait()

	blocks := make([]ContextBlock, len(Order))
	for i, source := range Order {
		blocks[i] = newBlock(source, results[i].text)
		if source == SourceMemories {
			memoriesUsed = results[i].count
		}
	}
	log.Debug("context assembled", "included", len(Context{Blocks: blocks}.Included()), "memories_used", memoriesUsed)
	return Context{Blocks: blocks, MemoriesUsed: memoriesUsed}
}

type query struct {
	userID   string
	category intent.Category
	raw      string
	content  string
	text     intent.Text
	now      time.Time
}

type sourceResult struct {
	text  string
	count int
}

type fetchFunc = func(context.Context) (string, int, error)

// bounded runs fn under its own timeout and stops waiting once it expires,
// even if fn ignores its context.
func bounded(ctx context.Context, timeout time.Duration, fn fetchFunc) (string, int, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		text  string
		count int
		err   error
	}
	ch := make(chan result, 1)
	go func() {
		text, n, err := fn(ctx)
		ch <- result{text, n, err}
	}()
	select {
	case r := <-ch:
		return r.text, r.count, r.err
	case <-ctx.Done():
		return "", 0, ctx.Err()
	}
}

func (a *Assembler) memories(q query) fetchFunc {
	return func(ctx context.Context) (string, int, error) {
		if a.src.Memories == nil {
			return sentinels[SourceMemories], 0, nil
		}
		if !intent.RetrospectiveCue(q.text) {
			mems, err := a.src.Memories.SearchMemories(ctx, q.userID, string(q.category), q.raw, narrowMemoryLimit, brain.DefaultMemoryFloor)
			if err != nil {
				return "", 0, err
			}
			return FormatMemories(mems), len(mems), nil
		}

		// broad recall across every category
		var all []brain.Memory
		var lastErr error
		failed := 0
		for _, c := range intent.Categories {
			mems, err := a.src.Memories.SearchMemories(ctx, q.userID, string(c), q.raw, broadMemoryLimit, broadMemoryFloor)
			if err != nil {
				slog.Warn("memory category search failed", "user_id", q.userID, "category", string(c), "error", err)
				lastErr = err
				failed++
				continue
			}
			all = append(all, mems...)
		}
		if failed == len(intent.Categories) {
			return "", 0, lastErr
		}
		sort.SliceStable(all, func(i, j int) bool { return all[i].Similarity > all[j].Similarity })
		if len(all) > broadMemoryLimit {
			all = all[:broadMemoryLimit]
		}
		return FormatMemories(all), len(all), nil
	}
}

func (a *Assembler) notes(q query) fetchFunc {
	return func(ctx context.Context) (string, int, error) {
		if a.src.Notes == nil {
			return sentinels[SourceNotes], 0, nil
		}
		limit := noteLimit
		if intent.NoteCue(q.text) {
			limit = broadNoteLimit
		}

		var merged []brain.Note
		seen := make(map[int64]bool)
		add := func(notes []brain.Note) {
			for _, n := range notes {
				if !seen[n.ID] && len(merged) < limit {
					seen[n.ID] = true
					merged = append(merged, n)
				}
			}
		}

		for _, phrase := range intent.TargetedPhrases(q.raw) {
			hits, err := a.src.Notes.SearchNotes(ctx, q.userID, phrase, limit)
			if err != nil {
				slog.Warn("targeted note search failed", "user_id", q.userID, "phrase", phrase, "error", err)
				continue
			}
			add(hits)
		}

		generic, err := a.src.Notes.SearchNotes(ctx, q.userID, q.content, limit)
		if err != nil && len(merged) == 0 {
			return "", 0, err
		}
		add(generic)
		return FormatNotes(merged), len(merged), nil
	}
}

func (a *Assembler) recordings(q query) fetchFunc {
	return func(ctx context.Context) (string, int, error) {
		if a.src.Recordings == nil {
			return sentinels[SourceRecordings], 0, nil
		}
		search := q.content
		if intent.RecordingCue(q.text) {
			search = q.raw
		}
		recs, err := a.src.Recordings.SearchRecordings(ctx, q.userID, search, recordingLimit)
		if err != nil {
			return "", 0, err
		}
		return FormatRecordings(recs), len(recs), nil
	}
}

func (a *Assembler) tasks(q query) fetchFunc {
	return func(ctx context.Context) (string, int, error) {
		if a.src.Tasks == nil {
			return sentinels[SourceTasks], 0, nil
		}
		var tasks []brain.Task
		var err error
		switch {
		case intent.TaskCue(q.text) && intent.ListCue(q.text):
			tasks, err = a.src.Tasks.ListTasks(ctx, q.userID, 0)
		case intent.TaskCue(q.text):
			tasks, err = a.src.Tasks.SearchTasks(ctx, q.userID, q.raw, taskSearchLimit)
		default:
			tasks, err = a.src.Tasks.ListTasks(ctx, q.userID, ambientTaskLimit)
		}
		if err != nil {
			return "", 0, err
		}
		return FormatTasks(tasks), len(tasks), nil
	}
}

func (a *Assembler) reminders(q query) fetchFunc {
	return func(ctx context.Context) (string, int, error) {
		if a.src.Reminders == nil {
			return sentinels[SourceReminders], 0, nil
		}
		rs, err := a.src.Reminders.GetUserReminders(ctx, q.userID, true)
		if err != nil {
			return "", 0, err
		}
		return FormatReminders(rs), len(rs), nil
	}
}

func (a *Assembler) events(q query) fetchFunc {
	return func(ctx context.Context) (string, int, error) {
		if a.src.Events == nil {
			return sentinels[SourceEvents], 0, nil
		}
		evs, err := a.src.Events.GetUserEvents(ctx, q.userID, q.now, q.now.Add(eventWindow), "")
		if err != nil {
			return "", 0, err
		}
		return FormatEvents(evs), len(evs), nil
	}
}

func (a *Assembler) goals(q query) fetchFunc {
	return func(ctx context.Context) (string, int, error) {
		if a.src.Goals == nil {
			return sentinels[SourceGoals], 0, nil
		}
		cued := intent.GoalCue(q.text)
		status := brain.GoalActive
		if cued {
			status = ""
		}
		goals, err := a.src.Goals.GetUserGoals(ctx, q.userID, status, "")
		if err != nil {
			return "", 0, err
		}

		var insights map[int64]brain.GoalInsights
		if cued {
			insights = make(map[int64]brain.GoalInsights)
			for i, g := range goals {
				if i == insightGoalLimit {
					break
				}
				in, err := a.src.Goals.GetGoalInsights(ctx, q.userID, g.ID)
				if err != nil {
					slog.Warn("goal insights failed", "user_id", q.userID, "goal_id", g.ID, "error", err)
					continue
				}
				insights[g.ID] = in
			}
		}
		return FormatGoals(goals, insights), len(goals), nil
	}
}
