// Package embeddings provides semantic memory via vector embeddings.
//
// It connects to HuggingFace Text Embeddings Inference (TEI) for generating
// embeddings and pgvector (PostgreSQL) for storing and searching them, scoped
// per user and category. SemanticMemory fuses vector and keyword hits with
// RRF and is the memory store the assistant reads and records through. A
// background worker backfills anything the inline embed missed.
package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// nomic-embed-text task prefixes. Stored memories and recall queries must be
// embedded with their matching prefix or similarities drift.
const (
	PrefixDocument = "search_document: "
	PrefixQuery    = "search_query: "
)

const (
	defaultTEITimeout = 30 * time.Second
	// TEI rejects requests above --max-client-batch-size, 32 by default.
	defaultMaxBatch = 32
)

// StatusError is a non-200 reply from TEI. 503 means the model is still
// loading and the call is worth retrying on the next sync tick.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("tei: status %d: %s", e.Code, e.Body)
}

// TEIClient embeds memory text and recall queries through a TEI server.
type TEIClient struct {
	baseURL  string
	http     *http.Client
	maxBatch int
}

// TEIOption configures a TEIClient.
type TEIOption func(*TEIClient)

// WithTEITimeout bounds each request to TEI.
func WithTEITimeout(d time.Duration) TEIOption {
	return func(c *TEIClient) {
		if d > 0 {
			c.http.Timeout = d
		}
	}
}

// WithMaxBatch caps how many inputs go in a single /embed request.
func WithMaxBatch(n int) TEIOption {
	return func(c *TEIClient) {
		if n > 0 {
			c.maxBatch = n
		}
	}
}

// NewTEIClient returns a client for the TEI server at baseURL.
func NewTEIClient(baseURL string, opts ...TEIOption) *TEIClient {
	c := &TEIClient{
		baseURL:  strings.TrimRight(baseURL, "/"),
		http:     &http.Client{Timeout: defaultTEITimeout},
		maxBatch: defaultMaxBatch,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// EmbedQuery embeds a recall query.
func (c *TEIClient) EmbedQuery(ctx context.Context, query string) ([]float32, error) {
	return c.embedOne(ctx, PrefixQuery, query)
}

// EmbedDocument embeds one memory for storage.
func (c *TEIClient) EmbedDocument(ctx context.Context, memory string) ([]float32, error) {
	return c.embedOne(ctx, PrefixDocument, memory)
}

// EmbedDocuments embeds memories for storage, split into requests of at most
// maxBatch inputs. Vectors come back in input order.
func (c *TEIClient) EmbedDocuments(ctx context.Context, memories []string) ([][]float32, error) {
	out := make([][]float32, 0, len(memories))
	for start := 0; start < len(memories); start += c.maxBatch {
		end := min(start+c.maxBatch, len(memories))
		vecs, err := c.embed(ctx, PrefixDocument, memories[start:end])
		if err != nil {
			return nil, fmt.Errorf("embed memories %d-%d: %w", start, end, err)
		}
		out = append(out, vecs...)
	}
	return out, nil
}

// Health reports whether TEI has its model loaded.
func (c *TEIClient) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("tei health: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	return nil
}

func (c *TEIClient) embedOne(ctx context.Context, prefix, text string) ([]float32, error) {
	vecs, err := c.embed(ctx, prefix, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// embed posts one /embed request. TEI truncates inputs past the model's
// window instead of failing.
func (c *TEIClient) embed(ctx context.Context, prefix string, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	inputs := make([]string, len(texts))
	for i, t := range texts {
		inputs[i] = prefix + strings.TrimSpace(t)
	}
	payload, err := json.Marshal(struct {
		Inputs   []string `json:"inputs"`
		Truncate bool     `json:"truncate"`
	}{inputs, true})
	if err != nil {
		return nil, fmt.Errorf("marshal embed request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/embed", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embed request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	var vecs [][]float32
	if err := json.NewDecoder(resp.Body).Decode(&vecs); err != nil {
		return nil, fmt.Errorf("decode embed response: %w", err)
	}
	if len(vecs) != len(texts) {
		return nil, fmt.Errorf("tei returned %d embeddings for %d inputs", len(vecs), len(texts))
	}
	return vecs, nil
}
