package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/nous-labs/concierge/internal/llm"
	"github.com/nous-labs/concierge/pkg/intent"
)

// FallbackConfidence is reported when the decision came from keywords.
const FallbackConfidence = 0.7

const routerMaxTokens = 256

const routerPrompt = `You route messages for a personal assistant to exactly one expert.

Experts:
- finance: budgets, spending, saving, investing, taxes, debt, income.
- work: career, job, projects, colleagues, meetings about work, productivity.
- health: fitness, exercise, diet, sleep, medical care, mental wellbeing.
- general: anything else, greetings, small talk, mixed or unclear topics.

Read the conversation and the latest user message, then reply with a single JSON object and nothing else:
{"expert": "finance|work|health|general", "reasoning": "<one short sentence>", "confidence": <number between 0 and 1>}`

// Router classifies messages into expert categories with one model call.
type Router struct {
	model llm.Provider
}

// NewRouter creates a router. A nil model routes on keywords alone.
func NewRouter(model llm.Provider) *Router {
	return &Router{model: model}
}

// Route classifies message in the light of history. It never fails: a
// model error or an unreadable reply falls back to keyword matching.
func (r *Router) Route(ctx context.Context, message string, history []Message) RoutingDecision {
	if r.model == nil {
		return keywordDecision(message, "no classifier configured")
	}

	msgs := append(turns(history), Message{Role: RoleUser, Content: message})
	resp, err := r.model.Complete(ctx, llm.CompletionRequest{
		System:      routerPrompt,
		Messages:    msgs,
		MaxTokens:   routerMaxTokens,
		Temperature: llm.Float(0),
		JSONMode:    true,
	})
	if err != nil {
		slog.Warn("router model call failed, using keyword fallback", "error", err)
		return keywordDecision(message, "classifier unavailable")
	}

	if d, ok := parseDecision(resp.Content); ok {
		return d
	}
	slog.Warn("router reply unreadable, using keyword fallback", "reply", truncate(resp.Content, 200))
	return keywordDecision(resp.Content, "classifier reply was not valid JSON")
}

// parseDecision reads {expert, reasoning, confidence} from a model reply.
func parseDecision(text string) (RoutingDecision, bool) {
	obj, ok := llm.ExtractJSON(text)
	if !ok {
		return RoutingDecision{}, false
	}
	label, ok := llm.StringField(obj, "expert")
	if !ok {
		return RoutingDecision{}, false
	}
	expert, ok := intent.ParseCategory(label)
	if !ok {
		return RoutingDecision{}, false
	}
	reasoning, _ := llm.StringField(obj, "reasoning")

	confidence := FallbackConfidence
	if c := obj.Get("confidence"); c.Type == gjson.Number {
		confidence = min(max(c.Float(), 0), 1)
	}
	return RoutingDecision{Expert: expert, Reasoning: reasoning, Confidence: confidence}, true
}

func keywordDecision(text, why string) RoutingDecision {
	c := intent.ClassifyKeywords(text)
	return RoutingDecision{
		Expert:     c,
		Reasoning:  fmt.Sprintf("keyword fallback (%s)", why),
		Confidence: FallbackConfidence,
		Fallback:   true,
	}
}

// turns returns history as valid model input: non-empty messages with
// known roles, starting with a user turn.
func turns(history []Message) []Message {
	out := make([]Message, 0, len(history))
	for _, m := range history {
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		if m.Role != RoleUser && m.Role != RoleAssistant {
			continue
		}
		out = append(out, m)
	}
	for len(out) > 0 && out[0].Role != RoleUser {
		out = out[1:]
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
