package agent

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/nous-labs/concierge/internal/llm"
	"github.com/nous-labs/concierge/pkg/actions"
	"github.com/nous-labs/concierge/pkg/brain"
	"github.com/nous-labs/concierge/pkg/intent"
	"github.com/nous-labs/concierge/pkg/retrieval"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// refNow is a Wednesday.
var refNow = time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)

type fakeModel struct {
	name  string
	reply string
	err   error

	mu   sync.Mutex
	reqs []llm.CompletionRequest
}

func (f *fakeModel) Name() string { return f.name }

func (f *fakeModel) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return &llm.CompletionResponse{Content: f.reply, Model: "fake"}, nil
}

func (f *fakeModel) last(t *testing.T) llm.CompletionRequest {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.reqs)
	return f.reqs[len(f.reqs)-1]
}

type write struct {
	text, category, source string
}

// countingMemory records writes before delegating to the brain.
type countingMemory struct {
	*brain.Brain
	mu     sync.Mutex
	writes []write
	fail   bool
}

func (c *countingMemory) SaveMemory(ctx context.Context, userID, text, category, sourceType string) (int64, error) {
	c.mu.Lock()
	c.writes = append(c.writes, write{text, category, sourceType})
	c.mu.Unlock()
	if c.fail {
		return 0, errors.New("disk full")
	}
	return c.Brain.SaveMemory(ctx, userID, text, category, sourceType)
}

type failingNotes struct{}

func (failingNotes) SearchNotes(ctx context.Context, userID, query string, limit int) ([]brain.Note, error) {
	return nil, errors.New("notes service down")
}

func openBrain(t *testing.T) *brain.Brain {
	t.Helper()
	b, err := brain.Open(t.TempDir())
	require.NoError(t, err)
	b.SetClock(func() time.Time { return refNow })
	t.Cleanup(func() { b.Close() })
	return b
}

func sourcesFor(b *brain.Brain) retrieval.Sources {
	return retrieval.Sources{Memories: b, Notes: b, Recordings: b, Tasks: b, Reminders: b, Events: b, Goals: b}
}

type harness struct {
	brain    *brain.Brain
	memory   *countingMemory
	classify *fakeModel
	generate *fakeModel
	points   []Checkpoint
	orch     *Orchestrator
}

func newHarness(t *testing.T, route, answer string, mutate func(*Options)) *harness {
	t.Helper()
	b := openBrain(t)
	h := &harness{
		brain:    b,
		memory:   &countingMemory{Brain: b},
		classify: &fakeModel{name: "classify", reply: route},
		generate: &fakeModel{name: "generate", reply: answer},
	}
	opts := Options{
		Models:   Models{Classify: h.classify, Generate: h.generate},
		Sources:  sourcesFor(b),
		Actions:  b,
		Memory:   h.memory,
		Observer: func(c Checkpoint) { h.points = append(h.points, c) },
		Now:      func() time.Time { return refNow },
	}
	if mutate != nil {
		mutate(&opts)
	}
	h.orch = New(opts)
	return h
}

func TestRouteParsesDecision(t *testing.T) {
	m := &fakeModel{reply: "```json\n{\"expert\": \"finance_expert\", \"reasoning\": \"budget question\", \"confidence\": 0.92}\n```"}
	d := NewRouter(m).Route(context.Background(), "How is my budget?", []Message{
		{Role: RoleAssistant, Content: "dangling"},
		{Role: RoleUser, Content: "hello"},
		{Role: RoleAssistant, Content: "hi!"},
	})
	assert.Equal(t, intent.Finance, d.Expert)
	assert.Equal(t, "budget question", d.Reasoning)
	assert.InDelta(t, 0.92, d.Confidence, 1e-9)
	assert.False(t, d.Fallback)

	req := m.last(t)
	assert.True(t, req.JSONMode)
	// classification is sampled greedily
	require.NotNil(t, req.Temperature)
	assert.Zero(t, *req.Temperature)
	require.Len(t, req.Messages, 3)
	assert.Equal(t, RoleUser, req.Messages[0].Role)
	assert.Equal(t, "How is my budget?", req.Messages[2].Content)
}

func TestRouteFallback(t *testing.T) {
	tests := []struct {
		name  string
		reply string
		err   error
		msg   string
		want  intent.Category
	}{
		{"prose mentioning finance", "This is clearly a financial question.", nil, "hmm", intent.Finance},
		{"prose mentioning career", "career advice", nil, "hmm", intent.Work},
		{"prose mentioning fitness", "sounds like fitness", nil, "hmm", intent.Health},
		{"empty reply", "", nil, "budget", intent.General},
		{"truncated json", `{"expert": "heal`, nil, "x", intent.General},
		{"unknown expert", `{"expert": "cooking"}`, nil, "x", intent.General},
		{"non-string expert", `{"expert": 5}`, nil, "x", intent.General},
		{"model error uses message", "", errors.New("boom"), "my budget is tight", intent.Finance},
		{"model error small talk", "", errors.New("boom"), "hi", intent.General},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewRouter(&fakeModel{reply: tt.reply, err: tt.err}).Route(context.Background(), tt.msg, nil)
			assert.Equal(t, tt.want, d.Expert)
			assert.Equal(t, FallbackConfidence, d.Confidence)
			assert.True(t, d.Fallback)
		})
	}
}

func TestRouteConfidence(t *testing.T) {
	d := NewRouter(&fakeModel{reply: `{"expert":"work","confidence":1.7}`}).Route(context.Background(), "x", nil)
	assert.Equal(t, 1.0, d.Confidence)

	d = NewRouter(&fakeModel{reply: `{"expert":"work"}`}).Route(context.Background(), "x", nil)
	assert.Equal(t, FallbackConfidence, d.Confidence)
	assert.False(t, d.Fallback)

	d = NewRouter(nil).Route(context.Background(), "Let's plan my workout", nil)
	assert.Equal(t, intent.Health, d.Expert)
	assert.GreaterOrEqual(t, d.Confidence, 0.6)
}

func TestBuildPromptSections(t *testing.T) {
	rc := retrieval.Context{Blocks: []retrieval.ContextBlock{
		{Source: retrieval.SourceMemories, Label: "Memories", Text: "- [work, 2026-10-01] shipped v2", Sentinel: retrieval.Sentinel(retrieval.SourceMemories)},
		{Source: retrieval.SourceNotes, Label: "Notes", Text: retrieval.Sentinel(retrieval.SourceNotes), Sentinel: retrieval.Sentinel(retrieval.SourceNotes)},
		{Source: retrieval.SourceTasks, Label: "Tasks", Text: "- [pending] review PR (priority high)", Sentinel: retrieval.Sentinel(retrieval.SourceTasks)},
	}}
	out := actions.Outcome{Kind: intent.ActionTask, Attempted: true, Err: actions.ErrNoTitle}

	p := BuildPrompt(PersonaFor(intent.Work), rc, out, refNow)
	assert.Equal(t, []string{SectionPersona, retrieval.SourceMemories, retrieval.SourceTasks, SectionCapabilities, SectionAction}, p.Included())

	text := p.Render()
	assert.True(t, strings.HasPrefix(text, PersonaFor(intent.Work).Prompt))
	assert.NotContains(t, text, "## Notes")
	assert.Equal(t, 1, strings.Count(text, "You can create calendar events"))
	assert.Contains(t, text, "You have access to the user's Memories, Tasks shown above.")
	assert.Less(t, strings.Index(text, "## Tasks"), strings.Index(text, "## Capabilities"))
	assert.Less(t, strings.Index(text, "## Capabilities"), strings.Index(text, "ACTION FAILED"))

	none := BuildPrompt(PersonaFor(intent.General), retrieval.Context{}, actions.Outcome{}, refNow)
	assert.Equal(t, []string{SectionPersona, SectionCapabilities}, none.Included())
}

func TestPersonaFor(t *testing.T) {
	for _, c := range intent.Categories {
		p := PersonaFor(c)
		assert.Equal(t, c, p.Category)
		assert.NotEmpty(t, p.Prompt)
	}
	assert.Equal(t, intent.General, PersonaFor("cooking").Category)
}

func TestRunSchedulesMeeting(t *testing.T) {
	h := newHarness(t, `{"expert":"work","reasoning":"meeting","confidence":0.8}`, "Sounds good, I'll keep that in mind.", nil)
	ctx := context.Background()

	state, err := h.orch.Run(ctx, "u1", "Schedule a meeting with Bob tomorrow at 3pm", nil)
	require.NoError(t, err)

	assert.Equal(t, intent.Work, state.Expert())
	assert.Equal(t, "created", state.Action.Status())
	assert.Contains(t, state.ExpertResponse, "2026-10-15T15:00:00.000Z")
	assert.True(t, actions.Acknowledges(state.ExpertResponse))

	events, err := h.brain.GetUserEvents(ctx, "u1", refNow, refNow.AddDate(0, 0, 2), "")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Contains(t, events[0].Title, "Bob")
	assert.Equal(t, "work", events[0].Category)

	sys := h.generate.last(t).System
	assert.Contains(t, sys, "ACTION COMPLETED")
	require.NotNil(t, h.generate.last(t).Temperature)
	assert.Equal(t, 0.7, *h.generate.last(t).Temperature)
}

func TestRunVagueAcknowledgementGetsDetails(t *testing.T) {
	h := newHarness(t, `{"expert":"work","reasoning":"meeting","confidence":0.8}`, "I've scheduled that for you!", nil)

	state, err := h.orch.Run(context.Background(), "u1", "Schedule a meeting with Bob tomorrow at 3pm", nil)
	require.NoError(t, err)
	assert.Equal(t, "created", state.Action.Status())
	assert.Contains(t, state.ExpertResponse, "2026-10-15T15:00:00.000Z")
	assert.Contains(t, state.ExpertResponse, "Bob")
	assert.True(t, strings.HasSuffix(state.ExpertResponse, "I've scheduled that for you!"))
}

func TestRunRecordsBothTurns(t *testing.T) {
	h := newHarness(t, `{"expert":"health","reasoning":"sleep","confidence":0.9}`, "Try a consistent bedtime.", nil)
	state, err := h.orch.Run(context.Background(), "u1", "How can I sleep better?", nil)
	require.NoError(t, err)

	require.Len(t, h.memory.writes, 2)
	assert.Equal(t, write{"How can I sleep better?", "health", "chat"}, h.memory.writes[0])
	assert.Equal(t, write{state.ExpertResponse, "health", "chat"}, h.memory.writes[1])

	assert.Equal(t, 2, h.brain.Stats().Memories)
}

func TestRunRecordingFailureIsNotFatal(t *testing.T) {
	h := newHarness(t, `{"expert":"general"}`, "Hello!", nil)
	h.memory.fail = true
	state, err := h.orch.Run(context.Background(), "u1", "hello", nil)
	require.NoError(t, err)
	assert.Equal(t, "Hello!", state.ExpertResponse)
	assert.Len(t, h.memory.writes, 2)
}

func TestRunNotesScenario(t *testing.T) {
	h := newHarness(t, `{"expert":"finance","reasoning":"budget","confidence":0.9}`, "You planned to cut dining out.", nil)
	ctx := context.Background()
	_, err := h.brain.CreateNote(ctx, brain.Note{UserID: "u1", Title: "Budget plan", Content: "Cut dining out to twice a month."})
	require.NoError(t, err)

	state, err := h.orch.Run(ctx, "u1", "What did I write about my budget?", nil)
	require.NoError(t, err)
	assert.Equal(t, intent.Finance, state.Expert())
	assert.Equal(t, "", state.Action.Status())

	notes, ok := state.Context.Block(retrieval.SourceNotes)
	require.True(t, ok)
	assert.True(t, notes.Included())

	sys := h.generate.last(t).System
	assert.Contains(t, sys, "## Notes")
	assert.Contains(t, sys, "Budget plan")
	assert.Less(t, strings.Index(sys, "## Notes"), strings.Index(sys, "## Capabilities"))
}

func TestRunReminderScenario(t *testing.T) {
	h := newHarness(t, `{"expert":"health","confidence":0.8}`, "Done.", nil)
	state, err := h.orch.Run(context.Background(), "u1", "remind me to call the dentist next Monday at 9am", nil)
	require.NoError(t, err)
	assert.Equal(t, intent.ActionReminder, state.Action.Kind)
	assert.Contains(t, state.ExpertResponse, "call the dentist")
	assert.Contains(t, state.ExpertResponse, "2026-10-19T09:00:00.000Z")
}

func TestRunSmallTalk(t *testing.T) {
	h := newHarness(t, "not json at all", "Hi! How can I help?", nil)
	ctx := context.Background()

	state, err := h.orch.Run(ctx, "u1", "hi", nil)
	require.NoError(t, err)
	assert.Equal(t, intent.General, state.Expert())
	assert.True(t, state.Intent.Fallback)
	assert.False(t, state.Action.Attempted)
	assert.Equal(t, 0, state.MemoriesUsed)

	// both recorded turns of the first run say "hi"
	state, err = h.orch.Run(ctx, "u1", "hi", nil)
	require.NoError(t, err)
	assert.Equal(t, 2, state.MemoriesUsed)
}

func TestRunSourceFailure(t *testing.T) {
	h := newHarness(t, `{"expert":"finance"}`, "Here is what I know.", func(o *Options) {
		o.Sources.Notes = failingNotes{}
	})
	state, err := h.orch.Run(context.Background(), "u1", "What did I write about my budget?", nil)
	require.NoError(t, err)
	assert.NotEmpty(t, state.ExpertResponse)
	assert.NotContains(t, h.generate.last(t).System, "## Notes")
}

func TestRunGenerationFailure(t *testing.T) {
	h := newHarness(t, `{"expert":"work"}`, "", nil)
	h.generate.err = errors.New("overloaded")

	state, err := h.orch.Run(context.Background(), "u1", "status of my projects?", nil)
	assert.Nil(t, state)
	var gerr *GenerationError
	require.ErrorAs(t, err, &gerr)
	assert.Equal(t, intent.Work, gerr.Expert)
	assert.Empty(t, h.memory.writes)
}

func TestRunRejectsEmptyAndCancelled(t *testing.T) {
	h := newHarness(t, `{"expert":"work"}`, "ok", nil)

	_, err := h.orch.Run(context.Background(), "u1", "   ", nil)
	assert.ErrorIs(t, err, ErrEmptyMessage)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = h.orch.Run(ctx, "u1", "hello", nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, h.generate.reqs)
}

func TestRunCheckpoints(t *testing.T) {
	h := newHarness(t, `{"expert":"work"}`, "ok", nil)
	history := []Message{{Role: RoleUser, Content: "earlier"}, {Role: RoleAssistant, Content: "sure"}}
	state, err := h.orch.Run(context.Background(), "u1", "plan my week", history)
	require.NoError(t, err)

	require.Len(t, h.points, 3)
	assert.Equal(t, NodeRouter, h.points[0].Node)
	assert.Equal(t, "work_expert", h.points[1].Node)
	assert.Equal(t, NodeEnd, h.points[2].Node)
	assert.True(t, h.points[2].Terminal())

	for _, p := range h.points {
		assert.Equal(t, state.RunID, p.RunID)
	}
	assert.Empty(t, h.points[0].State.ExpertResponse)
	assert.Equal(t, "ok", h.points[2].State.ExpertResponse)

	msgs := h.generate.last(t).Messages
	require.Len(t, msgs, 3)
	assert.Equal(t, "plan my week", msgs[2].Content)
}

func TestExpertNodeDefaultsToGeneral(t *testing.T) {
	assert.Equal(t, "general_expert", ExpertNode(""))
	assert.Equal(t, "general_expert", ExpertNode("astrology"))
	assert.Equal(t, "finance_expert", ExpertNode(intent.Finance))
	var s AgentState
	assert.Equal(t, intent.General, s.Expert())
}
