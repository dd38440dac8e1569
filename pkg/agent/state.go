// Package agent runs one conversational turn: route the message to an
// expert, gather its context, act on creation requests, generate the
// answer and record both turns to memory.
package agent

import (
	"errors"
	"fmt"
	"time"

	"github.com/nous-labs/concierge/internal/llm"
	"github.com/nous-labs/concierge/pkg/actions"
	"github.com/nous-labs/concierge/pkg/intent"
	"github.com/nous-labs/concierge/pkg/retrieval"
)

// Message is one conversation turn.
type Message = llm.Message

// Roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ErrEmptyMessage is returned by Run for blank input.
var ErrEmptyMessage = errors.New("agent: empty message")

// RoutingDecision is the router's classification of one message.
type RoutingDecision struct {
	Expert     intent.Category `json:"expert"`
	Reasoning  string          `json:"reasoning"`
	Confidence float64         `json:"confidence"`
	// Fallback is set when the decision came from keyword matching.
	Fallback bool `json:"fallback,omitempty"`
}

// AgentState is threaded through the graph for one run. Nodes only ever
// add to it.
type AgentState struct {
	RunID               string           `json:"run_id"`
	UserID              string           `json:"user_id"`
	Message             string           `json:"message"`
	ConversationHistory []Message        `json:"conversation_history,omitempty"`
	Intent              *RoutingDecision `json:"intent,omitempty"`
	ExpertResponse      string           `json:"expert_response,omitempty"`
	MemoriesUsed        int              `json:"memories_used"`

	// Context and Action are what the expert node saw and did.
	Context retrieval.Context `json:"-"`
	Action  actions.Outcome   `json:"-"`

	StartedAt time.Time     `json:"started_at"`
	Elapsed   time.Duration `json:"elapsed"`
}

// Expert returns the routed category, General when routing has not run.
func (s *AgentState) Expert() intent.Category {
	if s.Intent == nil {
		return intent.General
	}
	return s.Intent.Expert.OrGeneral()
}

func (s *AgentState) clone() AgentState {
	c := *s
	c.ConversationHistory = append([]Message(nil), s.ConversationHistory...)
	if s.Intent != nil {
		d := *s.Intent
		c.Intent = &d
	}
	return c
}

// GenerationError is a failed final model call. It is the only error that
// aborts a turn once routing has run.
type GenerationError struct {
	Expert intent.Category
	Err    error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("%s expert: generation failed: %v", e.Expert, e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }
