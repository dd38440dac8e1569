package agent

import (
	"context"
	"log/slog"

	"github.com/nous-labs/concierge/pkg/intent"
)

// SourceChat tags memories written from conversation turns.
const SourceChat = "chat"

// MemoryWriter persists conversation snippets.
type MemoryWriter interface {
	SaveMemory(ctx context.Context, userID, text, category, sourceType string) (int64, error)
}

// Recorder writes both sides of a turn to memory. Failures are logged.
type Recorder struct {
	memory MemoryWriter
}

// NewRecorder creates a recorder. A nil writer records nothing.
func NewRecorder(memory MemoryWriter) *Recorder {
	return &Recorder{memory: memory}
}

// Record saves one message under category and reports whether it was stored.
func (r *Recorder) Record(ctx context.Context, userID, text string, category intent.Category) bool {
	if r.memory == nil {
		return false
	}
	id, err := r.memory.SaveMemory(ctx, userID, text, string(category), SourceChat)
	if err != nil {
		slog.Warn("failed to record conversation turn", "user_id", userID, "category", string(category), "error", err)
		return false
	}
	slog.Debug("conversation turn recorded", "user_id", userID, "category", string(category), "memory_id", id)
	return true
}

// RecordTurn saves the user message and the response, once each, under the
// same category.
func (r *Recorder) RecordTurn(ctx context.Context, userID string, category intent.Category, message, response string) {
	r.Record(ctx, userID, message, category)
	r.Record(ctx, userID, response, category)
}
