package worlds

import (
	"context"
	"log/slog"
	"strings"
	"sync"
)

// DefaultTurnLimit caps consecutive non-human messages when a world does
// not set its own.
const DefaultTurnLimit = 5

// ToolFactory builds the tool set for one world. Built-in tools live
// under tools/; the factory keeps the wiring outside the core so tool
// packages can depend on this one.
type ToolFactory func(w *World) []Tool

// Runtime is the world facade: it creates and loads worlds, attaches
// storage and bus, subscribes agents, and exposes the public operations.
type Runtime struct {
	storage   Storage
	providers ProviderResolver
	tools     ToolFactory
	skills    *SkillRegistry
	logger    *slog.Logger
	tracer    Tracer
	streaming bool

	mu     sync.Mutex
	worlds map[string]*liveWorld
}

// liveWorld is a loaded world with its runtime attachments.
type liveWorld struct {
	world   *World
	bus     *Bus
	state   *worldState
	hitl    *HITLCoordinator
	tools   *ToolRegistry
	detach  map[string]func() // agent id -> unsubscribe
	cleanup []func()
}

// RuntimeOption configures a Runtime.
type RuntimeOption func(*Runtime)

// WithLogger sets the runtime logger. Defaults to a discard logger.
func WithLogger(l *slog.Logger) RuntimeOption {
	return func(r *Runtime) { r.logger = l }
}

// WithTracer instruments world publishes, turns, LLM and tool calls.
func WithTracer(t Tracer) RuntimeOption {
	return func(r *Runtime) { r.tracer = t }
}

// WithToolFactory supplies the per-world tool set.
func WithToolFactory(f ToolFactory) RuntimeOption {
	return func(r *Runtime) { r.tools = f }
}

// WithSkillRegistry attaches a skill registry for syncSkills and
// system-prompt injection.
func WithSkillRegistry(s *SkillRegistry) RuntimeOption {
	return func(r *Runtime) { r.skills = s }
}

// WithStreamingLLM selects streaming provider calls for agent turns.
func WithStreamingLLM(on bool) RuntimeOption {
	return func(r *Runtime) { r.streaming = on }
}

// NewRuntime creates the facade over a storage backend and a provider
// resolver.
func NewRuntime(storage Storage, providers ProviderResolver, opts ...RuntimeOption) *Runtime {
	r := &Runtime{
		storage:   storage,
		providers: providers,
		logger:    nopLogger,
		worlds:    make(map[string]*liveWorld),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// WorldParams creates a world. Name is required; the id derives from it.
type WorldParams struct {
	Name         string
	Description  string
	TurnLimit    int
	ChatProvider string
	ChatModel    string
	MainAgent    string
	MCPConfig    string
	Variables    string
}

// CreateWorld creates and persists a world. The id is the kebab form of
// the trimmed name; collisions fail with WORLD_EXISTS, so "World A",
// "world a", and " World A " all collide.
func (r *Runtime) CreateWorld(ctx context.Context, params WorldParams) (*World, error) {
	name := strings.TrimSpace(params.Name)
	if name == "" {
		return nil, &ValidationError{Field: "name", Message: "required"}
	}
	id := Kebab(name)
	if id == "" {
		return nil, &ValidationError{Field: "name", Message: "no usable characters"}
	}

	existing, err := r.storage.ListWorlds(ctx)
	if err != nil {
		return nil, err
	}
	for _, w := range existing {
		if w.ID == id {
			return nil, &ConflictError{CodeStr: "WORLD_EXISTS",
				Message: "world already exists: " + id}
		}
	}

	turnLimit := params.TurnLimit
	if turnLimit <= 0 {
		turnLimit = DefaultTurnLimit
	}
	now := NowUnix()
	w := &World{
		ID:           id,
		Name:         name,
		Description:  params.Description,
		TurnLimit:    turnLimit,
		ChatProvider: params.ChatProvider,
		ChatModel:    params.ChatModel,
		MainAgent:    params.MainAgent,
		MCPConfig:    params.MCPConfig,
		Variables:    params.Variables,
		CreatedAt:    now,
		LastUpdated:  now,
		Agents:       make(map[string]*Agent),
		Chats:        make(map[string]*Chat),
	}
	if err := r.storage.SaveWorld(ctx, w); err != nil {
		return nil, err
	}
	return w, nil
}

// live returns the loaded runtime state for a world, loading and wiring it
// on first access.
func (r *Runtime) live(ctx context.Context, worldID string) (*liveWorld, error) {
	r.mu.Lock()
	if lw, ok := r.worlds[worldID]; ok {
		r.mu.Unlock()
		return lw, nil
	}
	r.mu.Unlock()

	w, err := r.storage.LoadWorld(ctx, worldID)
	if err != nil {
		return nil, err
	}
	agents, err := r.storage.ListAgents(ctx, worldID)
	if err != nil {
		return nil, err
	}
	chats, err := r.storage.ListChats(ctx, worldID)
	if err != nil {
		return nil, err
	}
	if w.Agents == nil {
		w.Agents = make(map[string]*Agent)
	}
	if w.Chats == nil {
		w.Chats = make(map[string]*Chat)
	}
	for _, a := range agents {
		a.WorldID = w.ID
		w.Agents[a.ID] = a
	}
	for _, c := range chats {
		w.Chats[c.ID] = c
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if lw, ok := r.worlds[worldID]; ok {
		return lw, nil
	}
	lw := r.wire(w)
	r.worlds[worldID] = lw

	// Best-effort id migration for memories predating message ids.
	go func() {
		lw.bus.Done(func() {
			n, err := MigrateMessageIDs(context.Background(), r.storage, lw.world)
			if err != nil {
				r.logger.Warn("message id migration failed", "world_id", w.ID, "error", err)
				return
			}
			if n > 0 {
				r.logger.Info("migrated message ids", "world_id", w.ID, "assigned", n)
			}
		})
	}()
	return lw, nil
}

// wire builds the bus, runtime state, tool registry, subscribers, and the
// bookkeeping handlers for a world.
func (r *Runtime) wire(w *World) *liveWorld {
	bus := NewBus(w.ID, r.logger)
	state := newWorldState(w.ID, bus, r.logger)
	lw := &liveWorld{
		world:  w,
		bus:    bus,
		state:  state,
		hitl:   NewHITLCoordinator(w.ID, bus, WithHITLLogger(r.logger)),
		tools:  NewToolRegistry(),
		detach: make(map[string]func()),
	}
	if r.tools != nil {
		for _, t := range r.tools(w) {
			lw.tools.Add(t)
		}
		lw.tools.Alias("grep_search", "grep")
	}

	// Bookkeeping handlers register before any agent so counters and the
	// processing flag are current when agents decide.
	lw.cleanup = append(lw.cleanup, state.attachAccounting(w))
	lw.cleanup = append(lw.cleanup, bus.Subscribe(EventActivity, func(ev Event) {
		if ev.Activity != nil {
			w.IsProcessing = ev.Activity.PendingOperations > 0
		}
	}))
	lw.cleanup = append(lw.cleanup, bus.Subscribe(EventMessage, func(ev Event) {
		r.touchChat(w, ev)
	}))
	if es, ok := r.storage.(EventStorage); ok {
		lw.cleanup = append(lw.cleanup, r.journalEvents(lw, es))
	}

	for _, a := range w.Agents {
		r.attachAgent(lw, a)
	}
	return lw
}

// touchChat keeps chat bookkeeping in step with published messages.
func (r *Runtime) touchChat(w *World, ev Event) {
	if ev.Message == nil || ev.ChatID == "" {
		return
	}
	c, ok := w.Chats[ev.ChatID]
	if !ok {
		return
	}
	c.MessageCount++
	c.UpdatedAt = NowUnix()
	snapshot := *c
	go func() {
		if err := r.storage.UpdateChat(context.Background(), w.ID, &snapshot); err != nil {
			r.logger.Warn("chat update failed", "world_id", w.ID, "chat_id", snapshot.ID, "error", err)
		}
	}()
}

// journalEvents persists message and system events through an observer
// queue so journaling never blocks the world.
func (r *Runtime) journalEvents(lw *liveWorld, es EventStorage) func() {
	ch, cancel := lw.bus.SubscribeChanAll()
	go func() {
		for ev := range ch {
			if ev.Kind != EventMessage && ev.Kind != EventSystem {
				continue
			}
			if ev.ChatID == "" {
				continue
			}
			if err := es.SaveEvents(context.Background(), lw.world.ID, ev.ChatID, []Event{ev}); err != nil {
				r.logger.Warn("event journal failed", "world_id", lw.world.ID, "error", err)
			}
		}
	}()
	return cancel
}

func (r *Runtime) attachAgent(lw *liveWorld, a *Agent) {
	sub := NewSubscriber(lw.world, a, lw.state, lw.bus, r.storage, r.providers, lw.tools,
		WithSubscriberLogger(r.logger),
		WithSubscriberTracer(r.tracer),
		WithStreaming(r.streaming))
	lw.detach[a.ID] = sub.Attach()
}

// GetWorld loads a world with its agents and chats attached.
func (r *Runtime) GetWorld(ctx context.Context, worldID string) (*World, error) {
	lw, err := r.live(ctx, worldID)
	if err != nil {
		return nil, err
	}
	return lw.world, nil
}

// ListWorlds lists all stored worlds.
func (r *Runtime) ListWorlds(ctx context.Context) ([]*World, error) {
	return r.storage.ListWorlds(ctx)
}

// WorldUpdate is a partial world update; nil fields are left unchanged.
type WorldUpdate struct {
	Name         *string
	Description  *string
	TurnLimit    *int
	ChatProvider *string
	ChatModel    *string
	MainAgent    *string
	MCPConfig    *string
	Variables    *string
}

// UpdateWorld applies a partial update on the world queue and persists.
// The id is stable; renaming does not re-derive it.
func (r *Runtime) UpdateWorld(ctx context.Context, worldID string, upd WorldUpdate) (*World, error) {
	lw, err := r.live(ctx, worldID)
	if err != nil {
		return nil, err
	}
	var saveErr error
	lw.bus.Done(func() {
		w := lw.world
		if upd.Name != nil {
			w.Name = strings.TrimSpace(*upd.Name)
		}
		if upd.Description != nil {
			w.Description = *upd.Description
		}
		if upd.TurnLimit != nil && *upd.TurnLimit > 0 {
			w.TurnLimit = *upd.TurnLimit
		}
		if upd.ChatProvider != nil {
			w.ChatProvider = *upd.ChatProvider
		}
		if upd.ChatModel != nil {
			w.ChatModel = *upd.ChatModel
		}
		if upd.MainAgent != nil {
			w.MainAgent = *upd.MainAgent
		}
		if upd.MCPConfig != nil {
			w.MCPConfig = *upd.MCPConfig
		}
		if upd.Variables != nil {
			w.Variables = *upd.Variables
		}
		w.LastUpdated = NowUnix()
		saveErr = r.storage.SaveWorld(ctx, w)
	})
	if saveErr != nil {
		return nil, saveErr
	}
	return lw.world, nil
}

// DeleteWorld cancels all processing, detaches agents, and cascades the
// delete through storage.
func (r *Runtime) DeleteWorld(ctx context.Context, worldID string) error {
	r.mu.Lock()
	lw := r.worlds[worldID]
	delete(r.worlds, worldID)
	r.mu.Unlock()
	if lw != nil {
		lw.state.cancelAll()
		lw.hitl.CancelAll()
		r.teardown(lw)
	}
	return r.storage.DeleteWorld(ctx, worldID)
}

func (r *Runtime) teardown(lw *liveWorld) {
	for _, detach := range lw.detach {
		detach()
	}
	for _, fn := range lw.cleanup {
		fn()
	}
	lw.bus.Close()
}

// AgentParams creates an agent; the id derives from the name.
type AgentParams struct {
	Name         string
	Type         string
	Provider     string
	Model        string
	SystemPrompt string
	Temperature  float64
	MaxTokens    int
	AutoReply    bool
}

// CreateAgent creates, persists, and subscribes an agent. Duplicate ids
// fail with AGENT_EXISTS.
func (r *Runtime) CreateAgent(ctx context.Context, worldID string, params AgentParams) (*Agent, error) {
	lw, err := r.live(ctx, worldID)
	if err != nil {
		return nil, err
	}
	name := strings.TrimSpace(params.Name)
	if name == "" {
		return nil, &ValidationError{Field: "name", Message: "required"}
	}
	id := Kebab(name)
	if id == "" {
		return nil, &ValidationError{Field: "name", Message: "no usable characters"}
	}

	var agent *Agent
	var opErr error
	lw.bus.Done(func() {
		if _, exists := lw.world.Agents[id]; exists {
			opErr = &ConflictError{CodeStr: "AGENT_EXISTS",
				Message: "agent already exists: " + id}
			return
		}
		agent = &Agent{
			ID:           id,
			Name:         name,
			Type:         params.Type,
			Provider:     params.Provider,
			Model:        params.Model,
			SystemPrompt: params.SystemPrompt,
			Temperature:  params.Temperature,
			MaxTokens:    params.MaxTokens,
			AutoReply:    params.AutoReply,
			WorldID:      worldID,
		}
		if opErr = r.storage.SaveAgent(ctx, worldID, agent); opErr != nil {
			return
		}
		lw.world.Agents[id] = agent
		r.attachAgent(lw, agent)
	})
	if opErr != nil {
		return nil, opErr
	}
	return agent, nil
}

// AgentUpdate is a partial agent update; nil fields are left unchanged.
type AgentUpdate struct {
	Name         *string
	Type         *string
	Provider     *string
	Model        *string
	SystemPrompt *string
	Temperature  *float64
	MaxTokens    *int
	AutoReply    *bool
}

// UpdateAgent applies a partial update and persists. The id is stable.
func (r *Runtime) UpdateAgent(ctx context.Context, worldID, agentID string, upd AgentUpdate) (*Agent, error) {
	lw, err := r.live(ctx, worldID)
	if err != nil {
		return nil, err
	}
	var agent *Agent
	var opErr error
	lw.bus.Done(func() {
		a, ok := lw.world.Agents[agentID]
		if !ok {
			opErr = &NotFoundError{Kind: "agent", ID: agentID}
			return
		}
		if upd.Name != nil {
			a.Name = strings.TrimSpace(*upd.Name)
		}
		if upd.Type != nil {
			a.Type = *upd.Type
		}
		if upd.Provider != nil {
			a.Provider = *upd.Provider
		}
		if upd.Model != nil {
			a.Model = *upd.Model
		}
		if upd.SystemPrompt != nil {
			a.SystemPrompt = *upd.SystemPrompt
		}
		if upd.Temperature != nil {
			a.Temperature = *upd.Temperature
		}
		if upd.MaxTokens != nil {
			a.MaxTokens = *upd.MaxTokens
		}
		if upd.AutoReply != nil {
			a.AutoReply = *upd.AutoReply
		}
		opErr = r.storage.SaveAgent(ctx, worldID, a)
		agent = a
	})
	if opErr != nil {
		return nil, opErr
	}
	return agent, nil
}

// DeleteAgent detaches the subscriber and cascades the delete (memory
// included) through storage.
func (r *Runtime) DeleteAgent(ctx context.Context, worldID, agentID string) error {
	lw, err := r.live(ctx, worldID)
	if err != nil {
		return err
	}
	var opErr error
	lw.bus.Done(func() {
		if _, ok := lw.world.Agents[agentID]; !ok {
			opErr = &NotFoundError{Kind: "agent", ID: agentID}
			return
		}
		if detach, ok := lw.detach[agentID]; ok {
			delete(lw.detach, agentID)
			go detach()
		}
		delete(lw.world.Agents, agentID)
		opErr = r.storage.DeleteAgent(ctx, worldID, agentID)
	})
	return opErr
}

// PublishMessage broadcasts a message into the world and returns its id.
// An empty chatID targets the world's current chat when one is active.
func (r *Runtime) PublishMessage(ctx context.Context, worldID, content, sender, chatID string) (string, error) {
	lw, err := r.live(ctx, worldID)
	if err != nil {
		return "", err
	}
	if content == "" {
		return "", &ValidationError{Field: "content", Message: "required"}
	}
	if sender == "" {
		sender = "human"
	}
	if chatID == "" {
		chatID = lw.world.CurrentChatID
	}
	messageID := NewID()
	_, span := startSpan(ctx, r.tracer, "world.publish",
		"world_id", worldID, "sender", sender)
	lw.bus.Publish(Event{
		Kind:   EventMessage,
		ChatID: chatID,
		Message: &MessagePayload{
			MessageID: messageID,
			Sender:    sender,
			Content:   content,
			ChatID:    chatID,
			Timestamp: NowMillis(),
		},
	})
	endSpan(span, nil)
	return messageID, nil
}

// StopMessageProcessing sets the per-chat cancellation flag the agent
// turns poll at suspension points. An empty chatID stops every chat and
// cancels pending HITL requests.
func (r *Runtime) StopMessageProcessing(ctx context.Context, worldID, chatID string) error {
	lw, err := r.live(ctx, worldID)
	if err != nil {
		return err
	}
	if chatID == "" {
		lw.state.cancelAll()
		lw.hitl.CancelAll()
		return nil
	}
	lw.state.cancelChat(chatID)
	return nil
}

// NewChat creates a chat and makes it current.
func (r *Runtime) NewChat(ctx context.Context, worldID, name string) (*Chat, error) {
	lw, err := r.live(ctx, worldID)
	if err != nil {
		return nil, err
	}
	var c *Chat
	var opErr error
	lw.bus.Done(func() {
		c, opErr = NewChat(ctx, r.storage, lw.world, name)
	})
	return c, opErr
}

// RestoreChat makes an existing chat current.
func (r *Runtime) RestoreChat(ctx context.Context, worldID, chatID string) (*World, error) {
	lw, err := r.live(ctx, worldID)
	if err != nil {
		return nil, err
	}
	var w *World
	var opErr error
	lw.bus.Done(func() {
		w, opErr = RestoreChat(ctx, r.storage, lw.world, chatID)
	})
	return w, opErr
}

// DeleteChat removes a chat with full cascade.
func (r *Runtime) DeleteChat(ctx context.Context, worldID, chatID string) error {
	lw, err := r.live(ctx, worldID)
	if err != nil {
		return err
	}
	var opErr error
	lw.bus.Done(func() {
		opErr = DeleteChat(ctx, r.storage, lw.world, chatID)
	})
	return opErr
}

// BranchChatFromMessage forks a chat at an assistant message.
func (r *Runtime) BranchChatFromMessage(ctx context.Context, worldID, sourceChatID, messageID string) (BranchResult, error) {
	lw, err := r.live(ctx, worldID)
	if err != nil {
		return BranchResult{}, err
	}
	var res BranchResult
	var opErr error
	lw.bus.Done(func() {
		res, opErr = BranchChatFromMessage(ctx, r.storage, lw.world, sourceChatID, messageID)
	})
	return res, opErr
}

// ListChats lists the world's chats, most recently updated first.
func (r *Runtime) ListChats(ctx context.Context, worldID string) ([]*Chat, error) {
	if _, err := r.live(ctx, worldID); err != nil {
		return nil, err
	}
	return ListChats(ctx, r.storage, worldID)
}

// EditUserMessage edits a user message, removes downstream history, and
// resubmits under session mode.
func (r *Runtime) EditUserMessage(ctx context.Context, worldID, messageID, newContent, chatID string) (EditResult, error) {
	lw, err := r.live(ctx, worldID)
	if err != nil {
		return EditResult{}, err
	}
	var res EditResult
	var opErr error
	lw.bus.Done(func() {
		res, opErr = EditUserMessage(ctx, r.storage, lw.world, messageID, newContent, chatID,
			func(content, sender, chatID string) (string, error) {
				messageID := NewID()
				// Publish directly: this already runs on the world queue.
				lw.bus.Publish(Event{
					Kind:   EventMessage,
					ChatID: chatID,
					Message: &MessagePayload{
						MessageID: messageID,
						Sender:    sender,
						Content:   content,
						ChatID:    chatID,
						Timestamp: NowMillis(),
					},
				})
				return messageID, nil
			})
	})
	return res, opErr
}

// RemoveMessagesFrom removes a message and everything after it in the
// chat, across all agents.
func (r *Runtime) RemoveMessagesFrom(ctx context.Context, worldID, messageID, chatID string) (RemovalResult, error) {
	lw, err := r.live(ctx, worldID)
	if err != nil {
		return RemovalResult{}, err
	}
	var res RemovalResult
	var opErr error
	lw.bus.Done(func() {
		res, opErr = RemoveMessagesFrom(ctx, r.storage, lw.world, messageID, chatID)
	})
	return res, opErr
}

// GetMemory returns a snapshot of an agent's memory.
func (r *Runtime) GetMemory(ctx context.Context, worldID, agentID string) ([]AgentMessage, error) {
	lw, err := r.live(ctx, worldID)
	if err != nil {
		return nil, err
	}
	var snapshot []AgentMessage
	var opErr error
	lw.bus.Done(func() {
		a, ok := lw.world.Agents[agentID]
		if !ok {
			opErr = &NotFoundError{Kind: "agent", ID: agentID}
			return
		}
		snapshot = make([]AgentMessage, len(a.Memory))
		copy(snapshot, a.Memory)
	})
	return snapshot, opErr
}

// SubmitWorldOptionResponse resolves a pending HITL option request.
func (r *Runtime) SubmitWorldOptionResponse(ctx context.Context, worldID, requestID, optionID string) error {
	lw, err := r.live(ctx, worldID)
	if err != nil {
		return err
	}
	return lw.hitl.Respond(requestID, optionID)
}

// RequestWorldOption raises a HITL option gate and waits for the answer.
func (r *Runtime) RequestWorldOption(ctx context.Context, worldID, chatID, prompt string, options []HITLOption) (HITLResponse, error) {
	lw, err := r.live(ctx, worldID)
	if err != nil {
		return HITLResponse{}, err
	}
	return lw.hitl.RequestOption(ctx, chatID, prompt, options)
}

// SubscribeEvents attaches an external observer to a world's event
// stream. The channel sees all event kinds with the bounded drop-oldest
// buffering of the bus.
func (r *Runtime) SubscribeEvents(ctx context.Context, worldID string) (<-chan Event, func(), error) {
	lw, err := r.live(ctx, worldID)
	if err != nil {
		return nil, nil, err
	}
	ch, cancel := lw.bus.SubscribeChanAll()
	return ch, cancel, nil
}

// SyncSkills rescans the configured skill directories.
func (r *Runtime) SyncSkills() ([]Skill, error) {
	if r.skills == nil {
		return nil, nil
	}
	return r.skills.Sync()
}

// GetSkillsForSystemPrompt renders the enabled skill summary block.
func (r *Runtime) GetSkillsForSystemPrompt() string {
	if r.skills == nil {
		return ""
	}
	return r.skills.ForSystemPrompt()
}

// Close tears down all loaded worlds without deleting them.
func (r *Runtime) Close() {
	r.mu.Lock()
	worlds := r.worlds
	r.worlds = make(map[string]*liveWorld)
	r.mu.Unlock()
	for _, lw := range worlds {
		lw.state.cancelAll()
		lw.hitl.CancelAll()
		r.teardown(lw)
	}
}
