package actions

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nous-labs/concierge/internal/llm"
	"github.com/nous-labs/concierge/pkg/brain"
	"github.com/nous-labs/concierge/pkg/intent"
)

// Wednesday
var refNow = time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)

type fakeModel struct {
	reply string
	err   error
	calls int
	last  llm.CompletionRequest
}

func (f *fakeModel) Name() string { return "fake" }

func (f *fakeModel) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	f.calls++
	f.last = req
	if f.err != nil {
		return nil, f.err
	}
	return &llm.CompletionResponse{Content: f.reply}, nil
}

func TestResolveWhen(t *testing.T) {
	tests := []struct {
		text    string
		want    string
		hasTime bool
		allDay  bool
	}{
		{"meeting tomorrow at 3pm", "2026-10-15T15:00:00.000Z", true, false},
		{"lunch tomorrow at 1pm", "2026-10-15T13:00:00.000Z", true, false},
		{"dentist tomorrow", "2026-10-15T14:00:00.000Z", false, false},
		{"call the dentist next Monday at 9am", "2026-10-19T09:00:00.000Z", true, false},
		{"standup on wednesday at 10:30", "2026-10-21T10:30:00.000Z", true, false},
		{"this wednesday at 5pm", "2026-10-14T17:00:00.000Z", true, false},
		{"offsite the day after tomorrow all day", "2026-10-16T00:00:00.000Z", false, true},
		{"ping me in 2 hours", "2026-10-14T14:00:00.000Z", true, false},
		{"in 3 days", "2026-10-17T14:00:00.000Z", false, false},
		{"at 9am", "2026-10-15T09:00:00.000Z", true, false},
		{"at 6pm", "2026-10-14T18:00:00.000Z", true, false},
		{"on 2026-11-02 at 12am", "2026-11-02T00:00:00.000Z", true, false},
		{"Oct 20th", "2026-10-20T14:00:00.000Z", false, false},
		{"March 3", "2027-03-03T14:00:00.000Z", false, false},
		{"sept. 9", "2027-09-09T14:00:00.000Z", false, false},
		{"may 5", "2027-05-05T14:00:00.000Z", false, false},
		{"December 1st", "2026-12-01T14:00:00.000Z", false, false},
		{"by March", "2027-03-31T14:00:00.000Z", false, false},
		{"dinner tonight", "2026-10-14T20:00:00.000Z", true, false},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			w := ResolveWhen(tt.text, refNow)
			require.True(t, w.Found())
			assert.Equal(t, tt.want, FormatISO(w.Time))
			assert.Equal(t, tt.hasTime, w.HasTime)
			assert.Equal(t, tt.allDay, w.AllDay)
		})
	}

	assert.False(t, ResolveWhen("Book an appointment", refNow).Found())

	// words that merely start with a month abbreviation are not dates
	for _, text := range []string{"marketing 2", "novel 3", "decide 10", "maybe 5", "junk 4", "octopus 8"} {
		assert.False(t, ResolveWhen(text, refNow).Found(), text)
	}
}

func TestDeriveTitle(t *testing.T) {
	tests := []struct {
		kind intent.ActionKind
		text string
		want string
	}{
		{intent.ActionEvent, "Schedule a meeting with Bob tomorrow at 3pm", "Meeting with Bob"},
		{intent.ActionReminder, "remind me to call the dentist next Monday at 9am", "call the dentist"},
		{intent.ActionTask, "add a task to file my taxes by Friday", "file my taxes"},
		{intent.ActionGoal, "Set a goal to run a marathon by March", "run a marathon"},
		{intent.ActionEvent, "Can you please book a dentist appointment for 10:30 tomorrow?", "Dentist appointment"},
		{intent.ActionEvent, "schedule something tomorrow at 3pm", "Something"},
		{intent.ActionEvent, "schedule tomorrow at 3pm", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, DeriveTitle(tt.kind, tt.text), tt.text)
	}
	assert.Equal(t, "Event on 2026-10-15 at 15:00", FallbackEventTitle(time.Date(2026, 10, 15, 15, 0, 0, 0, time.UTC)))
}

func TestParseSchedulingIntentModel(t *testing.T) {
	m := &fakeModel{reply: `{"title":"Meeting with Bob","startDate":"2026-10-15T15:00:00.000Z","endDate":null,"allDay":false,"location":"Cafe","description":null,"category":"work"}`}
	a, err := ParseSchedulingIntent(context.Background(), m, "Schedule a meeting with Bob tomorrow at 3pm", refNow)
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.Equal(t, "Meeting with Bob", a.Title)
	assert.Equal(t, "2026-10-15T15:00:00.000Z", FormatISO(a.At))
	assert.Equal(t, "2026-10-15T16:00:00.000Z", FormatISO(a.End))
	assert.Equal(t, "Cafe", a.Location)
	assert.Equal(t, "work", a.Category)
	assert.Empty(t, a.Description)

	assert.True(t, m.last.JSONMode)
	assert.Contains(t, m.last.System, "2026-10-14T12:00:00.000Z")
	assert.Contains(t, m.last.System, "Wednesday")
}

func TestParseSchedulingIntentFallbacks(t *testing.T) {
	ctx := context.Background()

	// unparseable reply: deterministic rules fill everything
	a, err := ParseSchedulingIntent(ctx, &fakeModel{reply: "sure thing!"}, "Schedule a meeting with Bob tomorrow at 3pm", refNow)
	require.NoError(t, err)
	assert.Equal(t, "Meeting with Bob", a.Title)
	assert.Equal(t, "2026-10-15T15:00:00.000Z", FormatISO(a.At))

	// date-only model start lands at the default hour; missing title is synthesized
	a, err = ParseSchedulingIntent(ctx, &fakeModel{reply: `{"startDate":"2026-10-20"}`}, "schedule tomorrow", refNow)
	require.NoError(t, err)
	assert.Equal(t, "2026-10-20T14:00:00.000Z", FormatISO(a.At))
	assert.Equal(t, "Event on 2026-10-20 at 14:00", a.Title)

	// all day spans the whole day
	a, err = ParseSchedulingIntent(ctx, &fakeModel{reply: `{"title":"Offsite","startDate":"2026-10-16T09:00:00Z","allDay":true}`}, "offsite all day friday", refNow)
	require.NoError(t, err)
	assert.Equal(t, "2026-10-16T00:00:00.000Z", FormatISO(a.At))
	assert.Equal(t, "2026-10-16T23:59:59.000Z", FormatISO(a.End))

	// explicit end kept when after start
	a, err = ParseSchedulingIntent(ctx, &fakeModel{reply: `{"title":"Workshop","startDate":"2026-10-16T09:00:00Z","endDate":"2026-10-16T12:00:00Z"}`}, "book a workshop", refNow)
	require.NoError(t, err)
	assert.Equal(t, "2026-10-16T12:00:00.000Z", FormatISO(a.End))

	// model declines
	a, err = ParseSchedulingIntent(ctx, &fakeModel{reply: `{"none": true}`}, "plan meals for the week", refNow)
	require.NoError(t, err)
	assert.Nil(t, a)

	// nothing resolvable
	_, err = ParseSchedulingIntent(ctx, nil, "Book an appointment", refNow)
	assert.ErrorIs(t, err, ErrNoDate)

	// model failure propagates
	_, err = ParseSchedulingIntent(ctx, &fakeModel{err: errors.New("overloaded")}, "Schedule a meeting tomorrow", refNow)
	assert.Error(t, err)
}

func TestParseOtherKinds(t *testing.T) {
	ctx := context.Background()
	p := &Parser{}

	r, err := p.Parse(ctx, intent.ActionReminder, "remind me to call the dentist next Monday at 9am", refNow)
	require.NoError(t, err)
	assert.Equal(t, "call the dentist", r.Title)
	assert.Equal(t, "2026-10-19T09:00:00.000Z", FormatISO(r.At))

	_, err = p.Parse(ctx, intent.ActionReminder, "remind me to stretch", refNow)
	assert.ErrorIs(t, err, ErrNoDate)

	task, err := p.Parse(ctx, intent.ActionTask, "add a task to file my taxes by Friday, it's urgent", refNow)
	require.NoError(t, err)
	assert.True(t, task.HasDate)
	assert.Equal(t, "2026-10-16T14:00:00.000Z", FormatISO(task.At))
	assert.Equal(t, "high", task.Priority)

	undated, err := p.Parse(ctx, intent.ActionTask, "add a task to water the plants", refNow)
	require.NoError(t, err)
	assert.False(t, undated.HasDate)
	assert.Equal(t, "water the plants", undated.Title)
	assert.Equal(t, "medium", undated.Priority)

	g, err := (&Parser{Model: &fakeModel{reply: `{"title":"Run a marathon","targetDate":"2027-03-31","category":"health"}`}}).
		Parse(ctx, intent.ActionGoal, "Set a goal to run a marathon by March", refNow)
	require.NoError(t, err)
	assert.Equal(t, "Run a marathon", g.Title)
	assert.Equal(t, "health", g.Category)
	assert.Equal(t, "2027-03-31T00:00:00.000Z", FormatISO(g.At))
}

type failingStore struct{ *brain.Brain }

func (failingStore) CreateEvent(ctx context.Context, e brain.Event) (brain.Event, error) {
	return e, errors.New("calendar offline")
}

func openBrain(t *testing.T) *brain.Brain {
	t.Helper()
	b, err := brain.Open(t.TempDir())
	require.NoError(t, err)
	b.SetClock(func() time.Time { return refNow })
	t.Cleanup(func() { b.Close() })
	return b
}

func TestExtractorCreatesEvent(t *testing.T) {
	b := openBrain(t)
	m := &fakeModel{reply: `{"title":"Meeting with Bob","startDate":"2026-10-15T15:00:00.000Z","allDay":false}`}
	e := NewExtractor(m, b)
	e.SetClock(func() time.Time { return refNow })

	out := e.Extract(context.Background(), "u1", intent.Work, "Schedule a meeting with Bob tomorrow at 3pm")
	require.True(t, out.Succeeded())
	assert.Equal(t, "created", out.Status())
	assert.NotZero(t, out.ID)

	events, err := b.GetUserEvents(context.Background(), "u1", refNow, refNow.AddDate(0, 0, 30), "")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Contains(t, events[0].Title, "Bob")
	assert.Equal(t, "work", events[0].Category)

	assert.Contains(t, out.Notice(), "ACTION COMPLETED")
	assert.Contains(t, out.Notice(), "2026-10-15T15:00:00.000Z")

	reply := out.Reconcile("Sounds good, see you then!")
	assert.Contains(t, reply, "2026-10-15T15:00:00.000Z")
	assert.True(t, Acknowledges(reply))

	already := "I've scheduled it for 2026-10-15T15:00:00.000Z."
	assert.Equal(t, already, out.Reconcile(already))

	// a keyword without the resolved time still gets the confirmation
	vague := out.Reconcile("I've scheduled it for you.")
	assert.True(t, strings.HasPrefix(vague, `I've scheduled "`), vague)
	assert.Contains(t, vague, "2026-10-15T15:00:00.000Z")
	assert.True(t, strings.HasSuffix(vague, "I've scheduled it for you."))
}

func TestReconcileUndated(t *testing.T) {
	out := Outcome{Kind: intent.ActionTask, Attempted: true, ID: 7,
		Action: &Action{Kind: intent.ActionTask, Title: "read book", Priority: "medium"}}

	confirmed := "Added Read Book to your list."
	assert.Equal(t, confirmed, out.Reconcile(confirmed))

	reply := out.Reconcile("Added it.")
	assert.Equal(t, "I've added the task \"read book\".\n\nAdded it.", reply)
}

func TestExtractorReminderAndTask(t *testing.T) {
	b := openBrain(t)
	e := NewExtractor(nil, b)
	e.SetClock(func() time.Time { return refNow })
	ctx := context.Background()

	out := e.Extract(ctx, "u1", intent.Health, "remind me to call the dentist next Monday at 9am")
	require.True(t, out.Succeeded())
	assert.Equal(t, intent.ActionReminder, out.Kind)
	reply := out.Reconcile("Will do.")
	assert.Contains(t, reply, `"call the dentist"`)
	assert.Contains(t, reply, "2026-10-19T09:00:00.000Z")

	reminders, err := b.GetUserReminders(ctx, "u1", true)
	require.NoError(t, err)
	require.Len(t, reminders, 1)

	out = e.Extract(ctx, "u1", intent.Work, "add a task to file my taxes by Friday")
	require.True(t, out.Succeeded())
	tasks, err := b.ListTasks(ctx, "u1", 0)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "file my taxes", tasks[0].Title)
	require.NotNil(t, tasks[0].DueDate)
}

func TestExtractorFailures(t *testing.T) {
	b := openBrain(t)
	ctx := context.Background()

	none := NewExtractor(nil, b).Extract(ctx, "u1", intent.General, "hi")
	assert.False(t, none.Attempted)
	assert.Empty(t, none.Notice())
	assert.Equal(t, "hello", none.Reconcile("hello"))

	e := NewExtractor(nil, failingStore{b})
	e.SetClock(func() time.Time { return refNow })
	out := e.Extract(ctx, "u1", intent.Work, "Schedule a meeting with Bob tomorrow at 3pm")
	require.True(t, out.Attempted)
	assert.False(t, out.Succeeded())
	assert.Equal(t, "failed", out.Status())
	assert.Contains(t, out.Notice(), "ACTION FAILED")
	assert.Contains(t, out.Notice(), "NOT created")

	// failure sentence is prepended even when the model claims success
	reply := out.Reconcile("I've scheduled it!")
	assert.Contains(t, reply, "I wasn't able to create that calendar event")

	parseFail := NewExtractor(&fakeModel{err: errors.New("timeout")}, b).Extract(ctx, "u1", intent.Work, "Schedule a meeting with Bob tomorrow at 3pm")
	assert.Equal(t, "failed", parseFail.Status())

	noDate := NewExtractor(nil, b).Extract(ctx, "u1", intent.Health, "Book an appointment")
	assert.Equal(t, "failed", noDate.Status())
	assert.Contains(t, noDate.FailureSentence(), "couldn't tell when")

	declined := NewExtractor(&fakeModel{reply: `{"none":true}`}, b).Extract(ctx, "u1", intent.Work, "Schedule a meeting with Bob tomorrow at 3pm")
	assert.False(t, declined.Attempted)
}
