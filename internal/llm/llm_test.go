package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubProvider struct {
	name string
}

func (s stubProvider) Name() string { return s.name }

func (s stubProvider) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	return &CompletionResponse{Content: s.name}, nil
}

func TestRouterFallback(t *testing.T) {
	r := NewRouter(map[Tier]Provider{
		TierMid:  stubProvider{"mid"},
		TierFast: stubProvider{"fast"},
	})
	ctx := context.Background()

	resp, err := r.Complete(ctx, TierFast, CompletionRequest{})
	require.NoError(t, err)
	assert.Equal(t, "fast", resp.Content)

	// deep missing: falls back to mid before fast
	resp, err = r.Complete(ctx, TierDeep, CompletionRequest{})
	require.NoError(t, err)
	assert.Equal(t, "mid", resp.Content)

	deep := r.For(TierDeep)
	assert.Equal(t, "mid", deep.Name())
	assert.True(t, r.Has(TierDeep))

	empty := NewRouter(nil)
	_, err = empty.For(TierFast).Complete(ctx, CompletionRequest{})
	assert.ErrorIs(t, err, ErrNoProvider)
	assert.Equal(t, "none", empty.For(TierFast).Name())
}

func TestParseTier(t *testing.T) {
	for s, want := range map[string]Tier{"fast": TierFast, " Mid ": TierMid, "DEEP": TierDeep} {
		got, err := ParseTier(s)
		require.NoError(t, err, s)
		assert.Equal(t, want, got)
	}
	_, err := ParseTier("turbo")
	assert.Error(t, err)
	assert.Equal(t, "deep", TierDeep.String())
}

func TestOpenAICompatComplete(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		body = nil
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"model":"gpt-test","choices":[{"message":{"content":"{\"expert\":\"finance\"}"},"finish_reason":"stop"}],"usage":{"prompt_tokens":12,"completion_tokens":5}}`))
	}))
	defer srv.Close()

	p := NewOpenAICompat("openai", srv.URL+"/v1/", "sk-test", "gpt-test")
	resp, err := p.Complete(context.Background(), CompletionRequest{
		System:      "classify",
		Messages:    []Message{{Role: "user", Content: "budget?"}},
		JSONMode:    true,
		Temperature: Float(0),
	})
	require.NoError(t, err)
	assert.Equal(t, `{"expert":"finance"}`, resp.Content)
	assert.Equal(t, 12, resp.InputTokens)
	assert.Equal(t, "stop", resp.StopReason)

	assert.Equal(t, map[string]any{"type": "json_object"}, body["response_format"])
	temp, ok := body["temperature"]
	require.True(t, ok, "zero temperature must be sent")
	assert.Equal(t, 0.0, temp)
	msgs := body["messages"].([]any)
	require.Len(t, msgs, 2)
	assert.Equal(t, "system", msgs[0].(map[string]any)["role"])

	// unset temperature is left to the provider
	_, err = p.Complete(context.Background(), CompletionRequest{Messages: []Message{{Role: "user", Content: "hi"}}})
	require.NoError(t, err)
	assert.NotContains(t, body, "temperature")
}

func TestAnthropicSendsTemperature(t *testing.T) {
	var bodies []map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err == nil {
			bodies = append(bodies, body)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"type":"error","error":{"type":"invalid_request_error","message":"stop here"}}`))
	}))
	defer srv.Close()

	p := NewAnthropicCompat("anthropic", srv.URL, "sk-test", "claude-test")
	msgs := []Message{{Role: "user", Content: "budget?"}}
	_, err := p.Complete(context.Background(), CompletionRequest{Messages: msgs, Temperature: Float(0)})
	require.Error(t, err)
	_, err = p.Complete(context.Background(), CompletionRequest{Messages: msgs})
	require.Error(t, err)

	require.Len(t, bodies, 2)
	temp, ok := bodies[0]["temperature"]
	require.True(t, ok, "zero temperature must be sent")
	assert.Equal(t, 0.0, temp)
	assert.NotContains(t, bodies[1], "temperature")
}

func TestOpenAICompatStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := NewOpenAICompat("openai", srv.URL, "", "m").Complete(context.Background(), CompletionRequest{})
	var pe *ProviderError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, http.StatusTooManyRequests, pe.StatusCode)
	assert.Equal(t, "openai", pe.Provider)
}

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name string
		in   string
		ok   bool
		want string
	}{
		{"plain", `{"expert":"work"}`, true, "work"},
		{"fenced", "```json\n{\"expert\": \"health\"}\n```", true, "health"},
		{"prose", `Sure! {"expert":"finance","confidence":0.9} hope that helps`, true, "finance"},
		{"broken", `{"expert": "finance"`, false, ""},
		{"array", `["finance"]`, false, ""},
		{"none", `finance`, false, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			obj, ok := ExtractJSON(tt.in)
			assert.Equal(t, tt.ok, ok)
			if ok {
				got, _ := StringField(obj, "expert")
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestStringField(t *testing.T) {
	obj, ok := ExtractJSON(`{"a":" x ","b":null,"c":3,"d":""}`)
	require.True(t, ok)

	v, ok := StringField(obj, "a")
	assert.True(t, ok)
	assert.Equal(t, "x", v)
	for _, k := range []string{"b", "c", "d", "missing"} {
		_, ok := StringField(obj, k)
		assert.False(t, ok, k)
	}
}
