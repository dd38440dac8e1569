package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/nous-labs/concierge/pkg/agent"
	"github.com/nous-labs/concierge/pkg/brain"
	"github.com/nous-labs/concierge/pkg/intent"
	"github.com/nous-labs/concierge/pkg/sweep"
)

// Handler returns the HTTP API:
//   - GET  /health     : health check
//   - POST /v1/chat    : run one turn
//   - GET  /v1/recall  : memory recall for a user and category
//   - DELETE /v1/memories/{id} : forget one memory
//   - GET  /v1/events  : SSE stream of checkpoints and chat events
func (d *Daemon) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", d.handleHealth)
	mux.HandleFunc("/v1/chat", d.handleChat)
	mux.HandleFunc("/v1/recall", d.handleRecall)
	mux.HandleFunc("DELETE /v1/memories/{id}", d.handleForget)
	mux.Handle("/v1/events", d.events)
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		slog.Warn("failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

type healthResponse struct {
	Status       string        `json:"status"`
	Uptime       string        `json:"uptime"`
	HybridMemory bool          `json:"hybrid_memory"`
	Brain        brain.Stats   `json:"brain"`
	Sweep        *sweep.Report `json:"sweep,omitempty"`
}

func (d *Daemon) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:       "ok",
		Uptime:       time.Since(d.startedAt).Round(time.Second).String(),
		HybridMemory: d.memory.get().Hybrid(),
		Brain:        d.brain.Stats(),
	}
	if d.sweep != nil {
		resp.Sweep = d.sweep.LastReport()
	}
	status := http.StatusOK
	if !d.isHealthy() {
		resp.Status = "starting"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

// chatRequest is the JSON body for POST /v1/chat. An explicit history
// replaces the server-side room history for this turn.
type chatRequest struct {
	UserID  string          `json:"user_id"`
	Message string          `json:"message"`
	History []agent.Message `json:"history,omitempty"`
	Room    string          `json:"room,omitempty"`
	Reset   bool            `json:"reset,omitempty"`
}

type chatResponse struct {
	Response     string  `json:"response"`
	Expert       string  `json:"expert"`
	Reasoning    string  `json:"reasoning"`
	Confidence   float64 `json:"confidence"`
	MemoriesUsed int     `json:"memories_used"`
	Action       string  `json:"action,omitempty"`
	RunID        string  `json:"run_id"`
	Elapsed      string  `json:"elapsed"`
}

func (d *Daemon) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed, use POST")
		return
	}
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		writeError(w, http.StatusBadRequest, "missing required field: user_id")
		return
	}

	var state *agent.AgentState
	var err error
	if req.History != nil {
		state, err = d.turn(r.Context(), req.UserID, req.Message, req.History)
	} else {
		room := "http:" + req.UserID
		if req.Room != "" {
			room = "http:" + req.Room
		}
		if req.Reset {
			d.history.reset(room)
		}
		state, err = d.Ask(r.Context(), req.UserID, room, req.Message)
	}
	if err != nil {
		writeError(w, chatErrorStatus(err), err.Error())
		return
	}

	resp := chatResponse{
		Response:     state.ExpertResponse,
		Expert:       string(state.Expert()),
		MemoriesUsed: state.MemoriesUsed,
		Action:       state.Action.Status(),
		RunID:        state.RunID,
		Elapsed:      state.Elapsed.Round(time.Millisecond).String(),
	}
	if state.Intent != nil {
		resp.Reasoning = state.Intent.Reasoning
		resp.Confidence = state.Intent.Confidence
	}
	writeJSON(w, http.StatusOK, resp)
}

func chatErrorStatus(err error) int {
	var gerr *agent.GenerationError
	switch {
	case errors.Is(err, agent.ErrEmptyMessage):
		return http.StatusBadRequest
	case errors.As(err, &gerr):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

type recallResponse struct {
	Memories []recallMemory `json:"memories"`
	Method   string         `json:"method"`
	Query    string         `json:"query"`
	Category string         `json:"category"`
	Count    int            `json:"count"`
}

type recallMemory struct {
	ID         int64   `json:"id"`
	Category   string  `json:"category"`
	Content    string  `json:"content"`
	SourceType string  `json:"source_type"`
	Similarity float64 `json:"similarity"`
	CreatedAt  string  `json:"created_at"`
	Age        string  `json:"age"`
}

// handleRecall serves memory search.
// Query params:
//   - user_id: owner (required)
//   - q: search query (required)
//   - category: finance, work, health or general (default general)
//   - limit: max results (default 10, at most 100)
func (d *Daemon) handleRecall(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	q := r.URL.Query()
	userID, query := q.Get("user_id"), q.Get("q")
	if userID == "" || query == "" {
		writeError(w, http.StatusBadRequest, "missing required parameter: user_id and q")
		return
	}

	category := intent.General
	if c := q.Get("category"); c != "" {
		parsed, ok := intent.ParseCategory(c)
		if !ok {
			writeError(w, http.StatusBadRequest, "unknown category: "+c)
			return
		}
		category = parsed
	}

	limit := 10
	if l := q.Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 100 {
			limit = parsed
		}
	}

	mem := d.memory.get()
	method := "keyword"
	if mem.Hybrid() {
		method = "hybrid"
	}
	memories, err := mem.SearchMemories(r.Context(), userID, string(category), query, limit, brain.DefaultMemoryFloor)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := recallResponse{
		Memories: make([]recallMemory, 0, len(memories)),
		Method:   method,
		Query:    query,
		Category: string(category),
		Count:    len(memories),
	}
	now := time.Now()
	for _, m := range memories {
		resp.Memories = append(resp.Memories, recallMemory{
			ID:         m.ID,
			Category:   m.Category,
			Content:    m.Content,
			SourceType: m.SourceType,
			Similarity: m.Similarity,
			CreatedAt:  m.CreatedAt.Format(time.RFC3339),
			Age:        brain.TimeAgo(m.CreatedAt, now),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleForget soft-deletes one of the user's memories. Its embedding is
// pruned on the next sync cycle.
// Query params:
//   - user_id: owner of the memory (required)
func (d *Daemon) handleForget(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "missing required parameter: user_id")
		return
	}
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid memory id")
		return
	}
	if err := d.brain.DeleteMemory(r.Context(), userID, id); err != nil {
		if errors.Is(err, brain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "memory not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	slog.Info("memory forgotten", "user_id", userID, "memory_id", id)
	w.WriteHeader(http.StatusNoContent)
}
