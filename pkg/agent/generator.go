package agent

import (
	"context"
	"log/slog"
	"time"

	"github.com/nous-labs/concierge/internal/llm"
	"github.com/nous-labs/concierge/pkg/actions"
	"github.com/nous-labs/concierge/pkg/retrieval"
)

const (
	// DefaultTemperature is the sampling temperature of the final answer.
	DefaultTemperature = 0.7
	// DefaultMaxTokens bounds the final answer.
	DefaultMaxTokens = 2048
)

// Generator produces the expert's answer with one model call.
type Generator struct {
	model       llm.Provider
	temperature float64
	maxTokens   int
}

// NewGenerator creates a generator. Non-positive values use the defaults.
func NewGenerator(model llm.Provider, temperature float64, maxTokens int) *Generator {
	if temperature <= 0 {
		temperature = DefaultTemperature
	}
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	return &Generator{model: model, temperature: temperature, maxTokens: maxTokens}
}

// Request builds the completion request for one turn.
func (g *Generator) Request(p Persona, ctx retrieval.Context, outcome actions.Outcome, history []Message, message string, now time.Time) llm.CompletionRequest {
	msgs := append(turns(history), Message{Role: RoleUser, Content: message})
	return llm.CompletionRequest{
		System:      BuildPrompt(p, ctx, outcome, now).Render(),
		Messages:    msgs,
		MaxTokens:   g.maxTokens,
		Temperature: llm.Float(g.temperature),
	}
}

// Generate calls the model and reconciles the answer with the action
// outcome.
func (g *Generator) Generate(ctx context.Context, p Persona, rc retrieval.Context, outcome actions.Outcome, history []Message, message string, now time.Time) (string, error) {
	if g.model == nil {
		return "", &GenerationError{Expert: p.Category, Err: llm.ErrNoProvider}
	}
	req := g.Request(p, rc, outcome, history, message, now)
	resp, err := g.model.Complete(ctx, req)
	if err != nil {
		return "", &GenerationError{Expert: p.Category, Err: err}
	}
	slog.Debug("expert response",
		"expert", string(p.Category),
		"provider", g.model.Name(),
		"model", resp.Model,
		"input_tokens", resp.InputTokens,
		"output_tokens", resp.OutputTokens,
	)
	return outcome.Reconcile(resp.Content), nil
}
