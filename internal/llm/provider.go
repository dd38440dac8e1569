// Package llm provides LLM provider interfaces and implementations
// for the assistant's classification, parsing and generation calls.
package llm

import (
	"context"
	"fmt"
	"strings"
)

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"` // user, assistant
	Content string `json:"content"`
}

// CompletionRequest holds parameters for an LLM completion.
type CompletionRequest struct {
	Messages  []Message `json:"messages"`
	Model     string    `json:"model,omitempty"`
	MaxTokens int       `json:"max_tokens,omitempty"`
	// Temperature is left to the provider default when nil.
	Temperature *float64 `json:"temperature,omitempty"`
	System      string   `json:"system,omitempty"` // Anthropic-style system prompt
	// JSONMode asks the provider to constrain output to a single JSON object.
	JSONMode bool `json:"json_mode,omitempty"`
}

// Float returns a pointer to v, for CompletionRequest.Temperature.
func Float(v float64) *float64 { return &v }

// CompletionResponse holds the LLM's response.
type CompletionResponse struct {
	Content      string `json:"content"`
	Model        string `json:"model"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
	StopReason   string `json:"stop_reason"`
}

// Provider is the interface for LLM providers.
type Provider interface {
	// Name returns the provider identifier (e.g., "anthropic", "kimi").
	Name() string

	// Complete sends a completion request and returns the response.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}

// Tier represents the quality/cost tier for model selection.
type Tier int

const (
	TierFast Tier = iota // Cheap, fast: classification
	TierMid              // Balanced: structured parsing
	TierDeep             // Thorough: final answers
)

func (t Tier) String() string {
	switch t {
	case TierFast:
		return "fast"
	case TierMid:
		return "mid"
	case TierDeep:
		return "deep"
	}
	return fmt.Sprintf("tier(%d)", int(t))
}

// ParseTier maps a config string onto a Tier.
func ParseTier(s string) (Tier, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "fast":
		return TierFast, nil
	case "mid":
		return TierMid, nil
	case "deep":
		return TierDeep, nil
	}
	return 0, fmt.Errorf("unknown tier %q (want fast, mid or deep)", s)
}

// Router selects the appropriate provider based on task tier.
type Router struct {
	providers map[Tier]Provider
}

// NewRouter creates a provider router with the given tier mappings.
func NewRouter(providers map[Tier]Provider) *Router {
	return &Router{providers: providers}
}

// Complete routes a request to the appropriate provider based on tier.
// Fallback chain: requested tier → deep → mid → fast.
func (r *Router) Complete(ctx context.Context, tier Tier, req CompletionRequest) (*CompletionResponse, error) {
	p := r.resolveProvider(tier)
	if p == nil {
		return nil, ErrNoProvider
	}
	return p.Complete(ctx, req)
}

// For returns a Provider bound to one tier, resolving the fallback chain on
// every call.
func (r *Router) For(tier Tier) Provider {
	return tierProvider{router: r, tier: tier}
}

// Has reports whether any provider can serve the tier.
func (r *Router) Has(tier Tier) bool {
	return r.resolveProvider(tier) != nil
}

// resolveProvider finds the best provider for the given tier using the fallback chain.
func (r *Router) resolveProvider(tier Tier) Provider {
	if p, ok := r.providers[tier]; ok {
		return p
	}
	for _, fallback := range []Tier{TierDeep, TierMid, TierFast} {
		if fallback == tier {
			continue
		}
		if p, ok := r.providers[fallback]; ok {
			return p
		}
	}
	return nil
}

type tierProvider struct {
	router *Router
	tier   Tier
}

func (t tierProvider) Name() string {
	if p := t.router.resolveProvider(t.tier); p != nil {
		return p.Name()
	}
	return "none"
}

func (t tierProvider) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	return t.router.Complete(ctx, t.tier, req)
}

// ErrNoProvider is returned when no provider is configured for the requested tier.
var ErrNoProvider = &ProviderError{Message: "no provider configured for requested tier"}

// ProviderError represents an LLM provider error.
type ProviderError struct {
	Message    string
	StatusCode int
	Provider   string
}

func (e *ProviderError) Error() string {
	if e.Provider != "" {
		return e.Provider + ": " + e.Message
	}
	return e.Message
}
