// Package daemon runs the concierge service: it wires the domain stores,
// semantic memory and model providers into the orchestrator and serves it
// over HTTP and Matrix.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/nous-labs/concierge/internal/channel/matrix"
	"github.com/nous-labs/concierge/internal/llm"
	"github.com/nous-labs/concierge/pkg/agent"
	"github.com/nous-labs/concierge/pkg/brain"
	"github.com/nous-labs/concierge/pkg/channel"
	"github.com/nous-labs/concierge/pkg/embeddings"
	"github.com/nous-labs/concierge/pkg/events"
	"github.com/nous-labs/concierge/pkg/retrieval"
	"github.com/nous-labs/concierge/pkg/sweep"
)

// Daemon is the concierge process.
type Daemon struct {
	config *Config
	brain  *brain.Brain
	router *llm.Router
	orch   *agent.Orchestrator
	events *events.Bus
	matrix *matrix.Channel
	memory *memorySwitch
	sweep  *sweep.Worker

	history *historyStore

	// last Matrix room each user wrote from, for reminder delivery
	roomsMu sync.Mutex
	rooms   map[string]string

	startedAt time.Time
	healthyMu sync.RWMutex
	healthy   bool

	// Semantic memory (optional, requires pgvector + TEI)
	embedMu    sync.RWMutex
	embedStore *embeddings.Store
	teiClient  *embeddings.TEIClient
}

// Option customizes New.
type Option func(*options)

type options struct {
	brain     *brain.Brain
	providers map[llm.Tier]llm.Provider
}

// WithBrain uses an already open brain instead of opening cfg.BrainPath.
func WithBrain(b *brain.Brain) Option {
	return func(o *options) { o.brain = b }
}

// WithProviders replaces the providers built from cfg.LLM.
func WithProviders(p map[llm.Tier]llm.Provider) Option {
	return func(o *options) { o.providers = p }
}

// New creates a daemon from cfg.
func New(cfg *Config, opts ...Option) (*Daemon, error) {
	if cfg == nil {
		cfg = defaultConfig()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	b := o.brain
	if b == nil {
		var err error
		if b, err = brain.Open(cfg.BrainPath); err != nil {
			return nil, fmt.Errorf("open brain: %w", err)
		}
	}

	providers := o.providers
	if providers == nil {
		providers = buildProviders(cfg.LLM)
	}
	if len(providers) == 0 {
		slog.Warn("no LLM providers configured, routing on keywords and answers will fail")
	}

	d := &Daemon{
		config:    cfg,
		brain:     b,
		router:    llm.NewRouter(providers),
		events:    events.NewBus(0),
		memory:    &memorySwitch{current: embeddings.NewSemanticMemory(b, nil, nil)},
		history:   newHistoryStore(cfg.Pipeline.HistoryLimit),
		rooms:     make(map[string]string),
		startedAt: time.Now(),
	}

	orch, err := d.buildOrchestrator()
	if err != nil {
		return nil, err
	}
	d.orch = orch

	if cfg.Embeddings.Enabled && cfg.Embeddings.PostgresURL != "" && cfg.Embeddings.TEIURL != "" {
		if !d.tryInitSemanticMemory() {
			slog.Info("semantic memory will retry in background when pgvector becomes available")
		}
	} else if cfg.Embeddings.Enabled {
		slog.Warn("semantic memory enabled but missing config",
			"has_pg_url", cfg.Embeddings.PostgresURL != "",
			"has_tei_url", cfg.Embeddings.TEIURL != "",
		)
	}

	if cfg.Sweep.Enabled {
		sc := sweep.DefaultConfig()
		if every, _ := cfg.Sweep.Every(); every > 0 {
			sc.Interval = every
		}
		d.sweep = sweep.NewWorker(b, d.deliverReminder, d.publishStatus, sc)
	}

	if cfg.Matrix.Enabled {
		d.matrix = matrix.New(matrix.Config{
			Homeserver:   cfg.Matrix.Homeserver,
			UserID:       cfg.Matrix.UserID,
			Password:     cfg.Matrix.Password,
			ServerName:   cfg.Matrix.ServerName,
			AllowedUsers: cfg.Matrix.AllowedUsers,
			DataDir:      cfg.Matrix.DataDir,
		})
	}
	return d, nil
}

// buildProviders maps each configured tier onto a provider.
func buildProviders(cfg LLMConfig) map[llm.Tier]llm.Provider {
	providers := make(map[llm.Tier]llm.Provider)
	for tier, pc := range map[llm.Tier]ProviderConfig{
		llm.TierDeep: cfg.Deep,
		llm.TierMid:  cfg.Mid,
		llm.TierFast: cfg.Fast,
	} {
		p := newProvider(pc)
		if p == nil {
			continue
		}
		providers[tier] = p
		slog.Info("LLM provider configured", "tier", tier.String(), "provider", pc.Provider, "model", pc.Model)
	}
	return providers
}

func newProvider(pc ProviderConfig) llm.Provider {
	if pc.APIKey == "" {
		return nil
	}
	switch pc.Provider {
	case "anthropic":
		if pc.BaseURL != "" {
			return llm.NewAnthropicCompat(pc.Provider, pc.BaseURL, pc.APIKey, pc.Model)
		}
		return llm.NewAnthropic(pc.APIKey, pc.Model)
	case "kimi":
		// Kimi speaks the Anthropic wire format
		if pc.BaseURL == "" {
			return nil
		}
		return llm.NewAnthropicCompat(pc.Provider, pc.BaseURL, pc.APIKey, pc.Model)
	default:
		if pc.BaseURL == "" {
			slog.Warn("OpenAI-compatible provider needs base_url", "provider", pc.Provider)
			return nil
		}
		return llm.NewOpenAICompat(pc.Provider, pc.BaseURL, pc.APIKey, pc.Model)
	}
}

func (d *Daemon) buildOrchestrator() (*agent.Orchestrator, error) {
	classify, parse, generate, err := d.config.Pipeline.Tiers()
	if err != nil {
		return nil, err
	}
	timeout, err := d.config.Pipeline.Timeout()
	if err != nil {
		return nil, err
	}
	models := agent.Models{Generate: d.router.For(generate)}
	// without a provider the router and parser degrade to their rule tables
	if d.router.Has(classify) {
		models.Classify = d.router.For(classify)
	}
	if d.router.Has(parse) {
		models.Parse = d.router.For(parse)
	}

	return agent.New(agent.Options{
		Models: models,
		Sources: retrieval.Sources{
			Memories:   d.memory,
			Notes:      d.brain,
			Recordings: d.brain,
			Tasks:      d.brain,
			Reminders:  d.brain,
			Events:     d.brain,
			Goals:      d.brain,
		},
		Actions:       d.brain,
		Memory:        d.memory,
		SourceTimeout: timeout,
		Temperature:   d.config.Pipeline.GenerationTemperature,
		MaxTokens:     d.config.Pipeline.GenerationMaxTokens,
		Observer:      d.publishCheckpoint,
	}), nil
}

// memorySwitch lets semantic memory come online after startup.
type memorySwitch struct {
	mu      sync.RWMutex
	current *embeddings.SemanticMemory
}

func (m *memorySwitch) get() *embeddings.SemanticMemory {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

func (m *memorySwitch) set(s *embeddings.SemanticMemory) {
	m.mu.Lock()
	m.current = s
	m.mu.Unlock()
}

func (m *memorySwitch) SaveMemory(ctx context.Context, userID, text, category, sourceType string) (int64, error) {
	return m.get().SaveMemory(ctx, userID, text, category, sourceType)
}

func (m *memorySwitch) SearchMemories(ctx context.Context, userID, category, query string, limit int, floor float64) ([]brain.Memory, error) {
	return m.get().SearchMemories(ctx, userID, category, query, limit, floor)
}

// tryInitSemanticMemory connects pgvector and switches memory to hybrid
// search. It reports false when the caller should retry later.
func (d *Daemon) tryInitSemanticMemory() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store, err := embeddings.NewStore(ctx, d.config.Embeddings.PostgresURL)
	if err != nil {
		slog.Warn("semantic memory unavailable, pgvector connection failed", "error", err)
		return false
	}
	if err := store.Init(ctx); err != nil {
		slog.Warn("semantic memory unavailable, schema init failed", "error", err)
		store.Close()
		return false
	}

	tei := embeddings.NewTEIClient(d.config.Embeddings.TEIURL)
	if err := tei.Health(ctx); err != nil {
		// recall degrades to keyword hits until TEI answers
		slog.Warn("tei not ready", "url", d.config.Embeddings.TEIURL, "error", err)
	}
	d.embedMu.Lock()
	d.embedStore = store
	d.teiClient = tei
	d.embedMu.Unlock()
	d.memory.set(embeddings.NewSemanticMemory(d.brain, store, tei))

	slog.Info("semantic memory initialized", "tei", d.config.Embeddings.TEIURL)
	return true
}

// retrySemanticMemory reconnects pgvector every 30s for up to 10 minutes.
func (d *Daemon) retrySemanticMemory(ctx context.Context) {
	const maxRetries = 20
	const retryInterval = 30 * time.Second

	for attempt := 1; attempt <= maxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-time.After(retryInterval):
		}
		slog.Info("retrying semantic memory connection", "attempt", attempt, "max", maxRetries)
		if d.tryInitSemanticMemory() {
			d.startEmbeddingSyncWorker(ctx)
			return
		}
	}
	slog.Error("semantic memory permanently unavailable after retries", "attempts", maxRetries)
}

func (d *Daemon) startEmbeddingSyncWorker(ctx context.Context) {
	d.embedMu.RLock()
	store, tei := d.embedStore, d.teiClient
	d.embedMu.RUnlock()
	if store == nil || tei == nil {
		return
	}

	interval := 30 * time.Second
	if s := d.config.Embeddings.SyncInterval; s != "" {
		if parsed, err := time.ParseDuration(s); err == nil {
			interval = parsed
		}
	}
	worker := embeddings.NewSyncWorker(d.brain, store, tei, interval, d.config.Embeddings.BatchSize)
	go worker.Run(ctx)
}

// Run serves until ctx is cancelled.
func (d *Daemon) Run(ctx context.Context) error {
	slog.Info("concierge running",
		"name", d.config.Name,
		"http", d.config.HTTPAddr,
		"matrix", d.matrix != nil,
		"hybrid_memory", d.memory.get().Hybrid(),
	)

	srv := &http.Server{Addr: d.config.HTTPAddr, Handler: d.Handler()}
	errCh := make(chan error, 2)
	go func() {
		slog.Info("API listening", "addr", d.config.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	if d.memory.get().Hybrid() {
		d.startEmbeddingSyncWorker(ctx)
	} else if d.config.Embeddings.Enabled && d.config.Embeddings.PostgresURL != "" {
		go d.retrySemanticMemory(ctx)
	}

	if d.matrix != nil {
		go func() {
			if err := d.matrix.Start(ctx, d.onMessage); err != nil {
				errCh <- fmt.Errorf("matrix channel fatal error: %w", err)
			}
		}()
	}

	if d.sweep != nil {
		go d.sweep.Run(ctx)
	}

	d.setHealthy(true)
	d.publishStatus(events.TypeStatus, "ready")

	var runErr error
	select {
	case <-ctx.Done():
		slog.Info("context cancelled, shutting down")
	case runErr = <-errCh:
	}

	d.setHealthy(false)
	if d.matrix != nil {
		d.matrix.Stop()
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)
	return runErr
}

// Close releases the stores.
func (d *Daemon) Close() error {
	d.embedMu.Lock()
	if d.embedStore != nil {
		d.embedStore.Close()
		d.embedStore = nil
	}
	d.embedMu.Unlock()
	return d.brain.Close()
}

// Ask runs one turn for userID in room, threading the room's history.
func (d *Daemon) Ask(ctx context.Context, userID, room, message string) (*agent.AgentState, error) {
	state, err := d.turn(ctx, userID, message, d.history.get(room))
	if err != nil {
		return nil, err
	}
	d.history.append(room,
		agent.Message{Role: agent.RoleUser, Content: state.Message},
		agent.Message{Role: agent.RoleAssistant, Content: state.ExpertResponse},
	)
	return state, nil
}

// turn runs the orchestrator once and mirrors the exchange on the bus.
func (d *Daemon) turn(ctx context.Context, userID, message string, history []agent.Message) (*agent.AgentState, error) {
	d.events.Publish(events.Event{Type: events.TypeChat, UserID: userID, Role: agent.RoleUser, Content: message})

	state, err := d.orch.Run(ctx, userID, message, history)
	if err != nil {
		d.events.Publish(events.Event{Type: events.TypeError, UserID: userID, Message: err.Error()})
		return nil, err
	}
	d.events.Publish(events.Event{
		Type:    events.TypeChat,
		RunID:   state.RunID,
		UserID:  userID,
		Expert:  string(state.Expert()),
		Role:    agent.RoleAssistant,
		Content: state.ExpertResponse,
	})
	return state, nil
}

// onMessage runs Matrix messages with the sender as user and per-room
// history.
func (d *Daemon) onMessage(ctx context.Context, msg channel.Message) (string, error) {
	d.roomsMu.Lock()
	d.rooms[msg.SenderID] = msg.RoomID
	d.roomsMu.Unlock()

	state, err := d.Ask(ctx, msg.SenderID, msg.Source+":"+msg.RoomID, msg.Content)
	if err != nil {
		return "", err
	}
	return state.ExpertResponse, nil
}

// deliverReminder publishes a due reminder and, when the user has talked to
// the bot over Matrix, sends it to their last room.
func (d *Daemon) deliverReminder(ctx context.Context, r brain.Reminder) error {
	text := "Reminder: " + r.Title
	if r.Description != "" {
		text += " (" + r.Description + ")"
	}
	d.events.Publish(events.Event{
		Type:    events.TypeReminder,
		UserID:  r.UserID,
		Content: text,
		Data:    map[string]any{"id": r.ID, "remind_at": r.RemindAt.Format(time.RFC3339)},
	})

	if d.matrix == nil {
		return nil
	}
	d.roomsMu.Lock()
	room, ok := d.rooms[r.UserID]
	d.roomsMu.Unlock()
	if !ok {
		return nil
	}
	return d.matrix.Send(ctx, channel.Response{RoomID: room, Content: text})
}

func (d *Daemon) publishStatus(typ, message string) {
	d.events.Publish(events.Event{Type: typ, Message: message})
}

func (d *Daemon) publishCheckpoint(c agent.Checkpoint) {
	d.events.Publish(events.Event{
		Type:   events.TypeCheckpoint,
		RunID:  c.RunID,
		Node:   c.Node,
		UserID: c.State.UserID,
		Expert: string(c.State.Expert()),
		Data:   checkpointSummary(c.State),
	})
}

type stateSummary struct {
	Confidence   float64  `json:"confidence,omitempty"`
	Reasoning    string   `json:"reasoning,omitempty"`
	MemoriesUsed int      `json:"memories_used"`
	Blocks       []string `json:"blocks,omitempty"`
	Action       string   `json:"action,omitempty"`
	Response     string   `json:"response,omitempty"`
}

func checkpointSummary(s agent.AgentState) stateSummary {
	sum := stateSummary{MemoriesUsed: s.MemoriesUsed, Action: s.Action.Status(), Response: s.ExpertResponse}
	if s.Intent != nil {
		sum.Confidence = s.Intent.Confidence
		sum.Reasoning = s.Intent.Reasoning
	}
	for _, b := range s.Context.Included() {
		sum.Blocks = append(sum.Blocks, b.Source)
	}
	return sum
}

func (d *Daemon) setHealthy(v bool) {
	d.healthyMu.Lock()
	d.healthy = v
	d.healthyMu.Unlock()
}

func (d *Daemon) isHealthy() bool {
	d.healthyMu.RLock()
	defer d.healthyMu.RUnlock()
	return d.healthy
}
