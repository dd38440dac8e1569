package daemon

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"go.uber.org/goleak"

	"github.com/nous-labs/concierge/internal/llm"
	"github.com/nous-labs/concierge/pkg/agent"
	"github.com/nous-labs/concierge/pkg/brain"
	"github.com/nous-labs/concierge/pkg/channel"
	"github.com/nous-labs/concierge/pkg/events"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeProvider struct {
	reply string
	err   error

	mu   sync.Mutex
	reqs []llm.CompletionRequest
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return &llm.CompletionResponse{Content: f.reply}, nil
}

func (f *fakeProvider) last(t *testing.T) llm.CompletionRequest {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.reqs)
	return f.reqs[len(f.reqs)-1]
}

type testDaemon struct {
	*Daemon
	classify *fakeProvider
	generate *fakeProvider
	srv      *httptest.Server
}

func newTestDaemon(t *testing.T) *testDaemon {
	t.Helper()
	b, err := brain.Open(t.TempDir())
	require.NoError(t, err)

	cfg := defaultConfig()
	cfg.Embeddings.Enabled = false
	cfg.Matrix.Enabled = false

	td := &testDaemon{
		classify: &fakeProvider{reply: `{"expert":"finance","reasoning":"talks about money","confidence":0.9}`},
		generate: &fakeProvider{reply: "Your budget looks healthy."},
	}
	d, err := New(cfg, WithBrain(b), WithProviders(map[llm.Tier]llm.Provider{
		llm.TierFast: td.classify,
		llm.TierMid:  &fakeProvider{reply: "{}"},
		llm.TierDeep: td.generate,
	}))
	require.NoError(t, err)
	d.setHealthy(true)
	td.Daemon = d
	td.srv = httptest.NewServer(d.Handler())
	t.Cleanup(func() {
		http.DefaultClient.CloseIdleConnections()
		td.srv.Close()
		d.Close()
	})
	return td
}

func (td *testDaemon) post(t *testing.T, path, body string) (int, gjson.Result) {
	t.Helper()
	resp, err := http.Post(td.srv.URL+path, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, gjson.ParseBytes(buf.Bytes())
}

func (td *testDaemon) get(t *testing.T, path string) (int, gjson.Result) {
	t.Helper()
	resp, err := http.Get(td.srv.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, gjson.ParseBytes(buf.Bytes())
}

func TestHealth(t *testing.T) {
	td := newTestDaemon(t)

	status, body := td.get(t, "/health")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", body.Get("status").String())
	assert.False(t, body.Get("hybrid_memory").Bool())
	assert.Equal(t, int64(0), body.Get("brain.memories").Int())

	td.setHealthy(false)
	status, body = td.get(t, "/health")
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Equal(t, "starting", body.Get("status").String())
}

func TestChatRunsTurn(t *testing.T) {
	td := newTestDaemon(t)

	status, body := td.post(t, "/v1/chat", `{"user_id":"alice","message":"how is my budget this month"}`)
	require.Equal(t, http.StatusOK, status, body.Raw)
	assert.Equal(t, "Your budget looks healthy.", body.Get("response").String())
	assert.Equal(t, "finance", body.Get("expert").String())
	assert.Equal(t, "talks about money", body.Get("reasoning").String())
	assert.InDelta(t, 0.9, body.Get("confidence").Float(), 1e-9)
	assert.NotEmpty(t, body.Get("run_id").String())

	assert.Equal(t, 2, td.brain.Stats().Memories)
	assert.Contains(t, td.generate.last(t).System, "Finance")
}

func TestChatThreadsRoomHistory(t *testing.T) {
	td := newTestDaemon(t)

	status, _ := td.post(t, "/v1/chat", `{"user_id":"alice","message":"how is my budget"}`)
	require.Equal(t, http.StatusOK, status)
	status, _ = td.post(t, "/v1/chat", `{"user_id":"alice","message":"and savings?"}`)
	require.Equal(t, http.StatusOK, status)

	msgs := td.generate.last(t).Messages
	require.Len(t, msgs, 3)
	assert.Equal(t, "how is my budget", msgs[0].Content)
	assert.Equal(t, agent.RoleAssistant, msgs[1].Role)
	assert.Equal(t, "and savings?", msgs[2].Content)

	// another user has a separate room
	status, _ = td.post(t, "/v1/chat", `{"user_id":"bob","message":"hello"}`)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, td.generate.last(t).Messages, 1)

	status, _ = td.post(t, "/v1/chat", `{"user_id":"alice","message":"start over","reset":true}`)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, td.generate.last(t).Messages, 1)
}

func TestChatExplicitHistory(t *testing.T) {
	td := newTestDaemon(t)

	status, _ := td.post(t, "/v1/chat", `{
		"user_id": "carol",
		"message": "what did I just say?",
		"history": [
			{"role": "user", "content": "my rent went up"},
			{"role": "assistant", "content": "Noted."}
		]
	}`)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, td.generate.last(t).Messages, 3)
	assert.Empty(t, td.history.get("http:carol"))
}

func TestChatErrors(t *testing.T) {
	td := newTestDaemon(t)

	resp, err := http.Get(td.srv.URL + "/v1/chat")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	for _, tc := range []struct {
		name string
		body string
		want int
	}{
		{"bad json", `{"user_id":`, http.StatusBadRequest},
		{"missing user", `{"message":"hi"}`, http.StatusBadRequest},
		{"blank message", `{"user_id":"alice","message":"   "}`, http.StatusBadRequest},
	} {
		t.Run(tc.name, func(t *testing.T) {
			status, body := td.post(t, "/v1/chat", tc.body)
			assert.Equal(t, tc.want, status)
			assert.NotEmpty(t, body.Get("error").String())
		})
	}
}

func TestChatGenerationFailure(t *testing.T) {
	td := newTestDaemon(t)
	td.generate.err = errors.New("upstream overloaded")

	status, body := td.post(t, "/v1/chat", `{"user_id":"alice","message":"how is my budget"}`)
	assert.Equal(t, http.StatusBadGateway, status)
	assert.Contains(t, body.Get("error").String(), "upstream overloaded")
	assert.Equal(t, 0, td.brain.Stats().Memories)
	assert.Empty(t, td.history.get("http:alice"))

	recent := td.events.Recent(0)
	require.NotEmpty(t, recent)
	assert.Equal(t, events.TypeError, recent[len(recent)-1].Type)
}

func TestChatPublishesCheckpoints(t *testing.T) {
	td := newTestDaemon(t)

	status, _ := td.post(t, "/v1/chat", `{"user_id":"alice","message":"how is my budget"}`)
	require.Equal(t, http.StatusOK, status)

	var nodes []string
	var chats int
	for _, e := range td.events.Recent(0) {
		switch e.Type {
		case events.TypeCheckpoint:
			nodes = append(nodes, e.Node)
		case events.TypeChat:
			chats++
		}
	}
	assert.Equal(t, []string{agent.NodeRouter, "finance_expert", agent.NodeEnd}, nodes)
	assert.Equal(t, 2, chats)
}

func TestRecall(t *testing.T) {
	td := newTestDaemon(t)
	ctx := context.Background()
	_, err := td.brain.SaveMemory(ctx, "alice", "rent is due on the first", "finance", "manual")
	require.NoError(t, err)
	_, err = td.brain.SaveMemory(ctx, "alice", "knee hurts after running", "health", "manual")
	require.NoError(t, err)

	status, body := td.get(t, "/v1/recall?user_id=alice&q=rent&category=finance")
	require.Equal(t, http.StatusOK, status, body.Raw)
	assert.Equal(t, "keyword", body.Get("method").String())
	assert.Equal(t, "finance", body.Get("category").String())
	assert.Equal(t, int64(1), body.Get("count").Int())
	assert.Equal(t, "rent is due on the first", body.Get("memories.0.content").String())
	assert.Equal(t, "just now", body.Get("memories.0.age").String())

	status, body = td.get(t, "/v1/recall?user_id=alice&q=rent&category=health")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, int64(0), body.Get("count").Int())

	status, _ = td.get(t, "/v1/recall?user_id=alice")
	assert.Equal(t, http.StatusBadRequest, status)
	status, _ = td.get(t, "/v1/recall?user_id=alice&q=rent&category=travel")
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestForget(t *testing.T) {
	td := newTestDaemon(t)
	id, err := td.brain.SaveMemory(context.Background(), "alice", "rent is due on the first", "finance", "manual")
	require.NoError(t, err)

	del := func(path string) int {
		req, err := http.NewRequest(http.MethodDelete, td.srv.URL+path, nil)
		require.NoError(t, err)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}
	path := fmt.Sprintf("/v1/memories/%d", id)

	assert.Equal(t, http.StatusBadRequest, del(path))
	assert.Equal(t, http.StatusBadRequest, del("/v1/memories/abc?user_id=alice"))
	assert.Equal(t, http.StatusNotFound, del(path+"?user_id=bob"))
	assert.Equal(t, http.StatusNoContent, del(path+"?user_id=alice"))
	assert.Equal(t, http.StatusNotFound, del(path+"?user_id=alice"))

	_, body := td.get(t, "/v1/recall?user_id=alice&q=rent&category=finance")
	assert.Equal(t, int64(0), body.Get("count").Int())
}

func TestOnMessageUsesRoomHistory(t *testing.T) {
	td := newTestDaemon(t)
	ctx := context.Background()
	msg := channel.Message{Source: "matrix", SenderID: "@alice:example.com", RoomID: "!room:example.com", Content: "how is my budget"}

	reply, err := td.onMessage(ctx, msg)
	require.NoError(t, err)
	assert.Equal(t, "Your budget looks healthy.", reply)

	msg.Content = "and next month?"
	_, err = td.onMessage(ctx, msg)
	require.NoError(t, err)
	assert.Len(t, td.generate.last(t).Messages, 3)
	assert.Len(t, td.history.get("matrix:!room:example.com"), 4)
}

func TestHistoryStoreWindow(t *testing.T) {
	h := newHistoryStore(4)
	for _, c := range []string{"a", "b", "c"} {
		h.append("r",
			agent.Message{Role: agent.RoleUser, Content: c},
			agent.Message{Role: agent.RoleAssistant, Content: strings.ToUpper(c)},
		)
	}
	got := h.get("r")
	require.Len(t, got, 4)
	assert.Equal(t, "b", got[0].Content)

	// starts with a user turn once the limit cuts mid-exchange
	h.append("r", agent.Message{Role: agent.RoleUser, Content: "d"})
	got = h.get("r")
	require.Len(t, got, 3)
	assert.Equal(t, agent.RoleUser, got[0].Role)
	assert.Equal(t, "c", got[0].Content)

	h.reset("r")
	assert.Empty(t, h.get("r"))
}

func TestHistoryStoreBudget(t *testing.T) {
	h := newHistoryStore(10)
	big := strings.Repeat("x", historyBudgetChars/2)
	h.append("r",
		agent.Message{Role: agent.RoleUser, Content: big},
		agent.Message{Role: agent.RoleAssistant, Content: big},
		agent.Message{Role: agent.RoleUser, Content: "short"},
		agent.Message{Role: agent.RoleAssistant, Content: "reply"},
	)
	got := h.get("r")
	require.Len(t, got, 2)
	assert.Equal(t, "short", got[0].Content)
}

func TestSweepPublishesDueReminders(t *testing.T) {
	td := newTestDaemon(t)
	ctx := context.Background()
	_, err := td.brain.CreateReminder(ctx, brain.Reminder{
		UserID:      "alice",
		Title:       "call the dentist",
		Description: "ask about the cleaning",
		RemindAt:    time.Now().Add(-time.Minute),
	})
	require.NoError(t, err)
	require.NotNil(t, td.sweep)

	report := td.sweep.SweepOnce(ctx)
	assert.Equal(t, 1, report.RemindersSent)

	var reminders []events.Event
	for _, e := range td.events.Recent(0) {
		if e.Type == events.TypeReminder {
			reminders = append(reminders, e)
		}
	}
	require.Len(t, reminders, 1)
	assert.Equal(t, "alice", reminders[0].UserID)
	assert.Equal(t, "Reminder: call the dentist (ask about the cleaning)", reminders[0].Content)

	_, body := td.get(t, "/health")
	assert.Equal(t, int64(1), body.Get("sweep.reminders_sent").Int())
}
