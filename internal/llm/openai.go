package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// OpenAICompatProvider implements Provider for OpenAI-style chat completion
// endpoints (OpenAI, DeepSeek, Moonshot, Ollama).
type OpenAICompatProvider struct {
	name    string
	baseURL string
	apiKey  string
	model   string
	http    *http.Client
}

// NewOpenAICompat creates a provider for an OpenAI-compatible base URL such
// as "https://api.openai.com/v1".
func NewOpenAICompat(name, baseURL, apiKey, model string) *OpenAICompatProvider {
	return &OpenAICompatProvider{
		name:    name,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
		http:    &http.Client{Timeout: 5 * time.Minute},
	}
}

func (p *OpenAICompatProvider) Name() string { return p.name }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string            `json:"model"`
	Messages       []chatMessage     `json:"messages"`
	MaxTokens      int               `json:"max_tokens"`
	Temperature    *float64          `json:"temperature,omitempty"`
	ResponseFormat map[string]string `json:"response_format,omitempty"`
}

func (p *OpenAICompatProvider) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	body := chatRequest{
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	if body.Model == "" {
		body.Model = p.model
	}
	if body.MaxTokens <= 0 {
		body.MaxTokens = 4096
	}
	// the system prompt travels as the first message
	if req.System != "" {
		body.Messages = append(body.Messages, chatMessage{Role: "system", Content: req.System})
	}
	for _, m := range req.Messages {
		body.Messages = append(body.Messages, chatMessage{Role: m.Role, Content: m.Content})
	}
	if req.JSONMode {
		body.ResponseFormat = map[string]string{"type": "json_object"}
	}

	raw, err := p.post(ctx, body)
	if err != nil {
		return nil, err
	}
	reply := gjson.ParseBytes(raw)
	if !reply.Get("choices").Exists() {
		return nil, &ProviderError{Message: "response has no choices", Provider: p.name}
	}
	return &CompletionResponse{
		Content:      reply.Get("choices.0.message.content").String(),
		Model:        reply.Get("model").String(),
		InputTokens:  int(reply.Get("usage.prompt_tokens").Int()),
		OutputTokens: int(reply.Get("usage.completion_tokens").Int()),
		StopReason:   reply.Get("choices.0.finish_reason").String(),
	}, nil
}

// post sends one chat completion request and returns the raw 200 body.
// Every failure is a *ProviderError.
func (p *OpenAICompatProvider) post(ctx context.Context, body chatRequest) ([]byte, error) {
	fail := func(status int, msg string) error {
		return &ProviderError{Message: msg, StatusCode: status, Provider: p.name}
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fail(0, "marshal request: "+err.Error())
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, fail(0, "create request: "+err.Error())
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.http.Do(httpReq)
	if err != nil {
		return nil, fail(0, "http request: "+err.Error())
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fail(resp.StatusCode, "read response: "+err.Error())
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fail(resp.StatusCode, "HTTP "+resp.Status+": "+strings.TrimSpace(string(raw)))
	}
	return raw, nil
}
