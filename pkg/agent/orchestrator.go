package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/nous-labs/concierge/internal/llm"
	"github.com/nous-labs/concierge/pkg/actions"
	"github.com/nous-labs/concierge/pkg/intent"
	"github.com/nous-labs/concierge/pkg/retrieval"
)

// Graph nodes.
const (
	NodeRouter = "router"
	NodeEnd    = "end"
)

// ExpertNode names the node of an expert category.
func ExpertNode(c intent.Category) string {
	return string(c.OrGeneral()) + "_expert"
}

// Checkpoint is the state after one node has run.
type Checkpoint struct {
	RunID string     `json:"run_id"`
	Node  string     `json:"node"`
	State AgentState `json:"state"`
	At    time.Time  `json:"at"`
}

// Terminal reports whether this is the last checkpoint of a run.
func (c Checkpoint) Terminal() bool { return c.Node == NodeEnd }

// Observer receives checkpoints synchronously, in node order.
type Observer func(Checkpoint)

// Models are the providers for each model call of a turn.
type Models struct {
	Classify llm.Provider
	Parse    llm.Provider
	Generate llm.Provider
}

// Options configures an Orchestrator.
type Options struct {
	Models Models

	Sources       retrieval.Sources
	Actions       actions.Store
	Memory        MemoryWriter
	SourceTimeout time.Duration

	Temperature float64
	MaxTokens   int

	Observer Observer
	Now      func() time.Time
}

// Orchestrator runs the router → expert → end graph once per message.
type Orchestrator struct {
	router    *Router
	assembler *retrieval.Assembler
	extractor *actions.Extractor
	generator *Generator
	recorder  *Recorder
	observer  Observer
	now       func() time.Time
}

// New builds an orchestrator from opts.
func New(opts Options) *Orchestrator {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	o := &Orchestrator{
		router:    NewRouter(opts.Models.Classify),
		assembler: retrieval.NewAssembler(opts.Sources, opts.SourceTimeout),
		extractor: actions.NewExtractor(opts.Models.Parse, opts.Actions),
		generator: NewGenerator(opts.Models.Generate, opts.Temperature, opts.MaxTokens),
		recorder:  NewRecorder(opts.Memory),
		observer:  opts.Observer,
		now:       now,
	}
	o.assembler.SetClock(now)
	o.extractor.SetClock(now)
	return o
}

// Run processes one message and returns the terminal state. Routing,
// context and action failures are absorbed; a failed generation returns a
// *GenerationError.
func (o *Orchestrator) Run(ctx context.Context, userID, message string, history []Message) (*AgentState, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		return nil, ErrEmptyMessage
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	start := time.Now()
	state := &AgentState{
		RunID:               uuid.NewString(),
		UserID:              userID,
		Message:             message,
		ConversationHistory: append([]Message(nil), history...),
		StartedAt:           o.now(),
	}
	log := slog.With("run_id", state.RunID, "user_id", userID)
	log.Info("run started", "len", len(message), "history_len", len(history))

	node := NodeRouter
	for node != NodeEnd {
		var next string
		var err error
		switch node {
		case NodeRouter:
			o.routerNode(ctx, state)
			next = o.transition(state)
		default:
			err = o.expertNode(ctx, log, state)
			next = NodeEnd
		}
		if err != nil {
			log.Error("run failed", "node", node, "error", err)
			return nil, err
		}
		o.checkpoint(node, state)
		node = next
	}

	state.Elapsed = time.Since(start)
	o.checkpoint(NodeEnd, state)
	log.Info("run complete",
		"expert", string(state.Expert()),
		"memories_used", state.MemoriesUsed,
		"action", state.Action.Status(),
		"elapsed", state.Elapsed.Round(time.Millisecond),
	)
	return state, nil
}

func (o *Orchestrator) routerNode(ctx context.Context, state *AgentState) {
	d := o.router.Route(ctx, state.Message, state.ConversationHistory)
	state.Intent = &d
}

// transition picks the expert node for the routed intent.
func (o *Orchestrator) transition(state *AgentState) string {
	return ExpertNode(state.Expert())
}

func (o *Orchestrator) expertNode(ctx context.Context, log *slog.Logger, state *AgentState) error {
	expert := state.Expert()
	log = log.With("expert", string(expert))

	var g errgroup.Group
	g.Go(func() error {
		state.Context = o.assembler.Assemble(ctx, state.UserID, expert, state.Message)
		return nil
	})
	g.Go(func() error {
		state.Action = o.extractor.Extract(ctx, state.UserID, expert, state.Message)
		return nil
	})
	g.Wait()
	state.MemoriesUsed = state.Context.MemoriesUsed

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%s: %w", ExpertNode(expert), err)
	}

	response, err := o.generator.Generate(ctx, PersonaFor(expert), state.Context, state.Action,
		state.ConversationHistory, state.Message, o.now())
	if err != nil {
		return err
	}
	state.ExpertResponse = response

	// The answer is committed; recording outlives a caller that hung up.
	rec := context.WithoutCancel(ctx)
	o.recorder.RecordTurn(rec, state.UserID, expert, state.Message, response)
	log.Debug("expert node done", "blocks", len(state.Context.Included()), "action", state.Action.Status())
	return nil
}

func (o *Orchestrator) checkpoint(node string, state *AgentState) {
	if o.observer == nil {
		return
	}
	o.observer(Checkpoint{RunID: state.RunID, Node: node, State: state.clone(), At: o.now()})
}
