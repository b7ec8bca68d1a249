package worlds

import (
	"context"
	"encoding/json"
	"log/slog"
	"regexp"
	"strings"
	"sync"
)

// toolContinuationLimit caps tool rounds per user turn.
const toolContinuationLimit = 8

// ProviderResolver maps a provider name to a Provider implementation.
type ProviderResolver func(name string) (Provider, error)

// mentionRe matches @mentions at the beginning of a paragraph: start of
// string or of a line, optional leading whitespace.
var mentionRe = regexp.MustCompile(`(?m)^[ \t]*@([A-Za-z0-9_-]+)`)

// ParagraphMentions extracts paragraph-beginning mentions from content.
// Mentions embedded mid-sentence do not route.
func ParagraphMentions(content string) []string {
	matches := mentionRe.FindAllStringSubmatch(content, -1)
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		out = append(out, m[1])
	}
	return out
}

// mentionsAgent reports whether any mention targets the agent id,
// comparing case-insensitively after kebab normalization.
func mentionsAgent(mentions []string, agentID string) bool {
	for _, m := range mentions {
		if strings.EqualFold(Kebab(m), agentID) {
			return true
		}
	}
	return false
}

// worldState is the runtime state shared by all subscribers of one world:
// turn accounting, per-chat cancellation, and activity tracking. Turn
// counters are touched only on the world queue; the cancel registry and
// activity counters have their own lock because the facade reaches them
// from outside the queue.
type worldState struct {
	worldID string
	bus     *Bus
	logger  *slog.Logger

	// Queue-owned turn accounting, keyed by chat id.
	turnCounts   map[string]int
	turnNotified map[string]bool

	mu        sync.Mutex
	chatCtxs  map[string]context.Context
	cancels   map[string]context.CancelFunc
	cancelled map[string]bool
	pending   map[string]int
}

func newWorldState(worldID string, bus *Bus, logger *slog.Logger) *worldState {
	if logger == nil {
		logger = nopLogger
	}
	return &worldState{
		worldID:      worldID,
		bus:          bus,
		logger:       logger,
		turnCounts:   make(map[string]int),
		turnNotified: make(map[string]bool),
		chatCtxs:     make(map[string]context.Context),
		cancels:      make(map[string]context.CancelFunc),
		cancelled:    make(map[string]bool),
		pending:      make(map[string]int),
	}
}

// attachAccounting registers the turn accounting handler. It must be
// subscribed before any agent so counters are current when agents decide.
func (s *worldState) attachAccounting(w *World) func() {
	return s.bus.Subscribe(EventMessage, func(ev Event) {
		if ev.Message == nil {
			return
		}
		chatID := ev.ChatID
		if ClassifySender(w, ev.Message.Sender) == SenderHuman {
			s.turnCounts[chatID] = 0
			s.turnNotified[chatID] = false
			s.clearCancelledLocked(chatID)
			return
		}
		s.turnCounts[chatID]++
		if w.TurnLimit > 0 && s.turnCounts[chatID] >= w.TurnLimit && !s.turnNotified[chatID] {
			s.turnNotified[chatID] = true
			s.bus.Publish(Event{
				Kind:   EventSystem,
				ChatID: chatID,
				System: &SystemPayload{
					EventType: SystemTurnLimitReached,
					ChatID:    chatID,
					CreatedAt: NowMillis(),
				},
			})
			s.logger.Info("turn limit reached", "world_id", s.worldID, "chat_id", chatID)
		}
	})
}

// turnLimitReached reports whether replies are suppressed for chatID.
// Queue-only.
func (s *worldState) turnLimitReached(w *World, chatID string) bool {
	return w.TurnLimit > 0 && s.turnCounts[chatID] >= w.TurnLimit
}

// chatContext returns the shared per-chat context cancelled by
// stopMessageProcessing, creating it on first use. All in-flight turns on
// one chat share the context so a single stop aborts them together.
func (s *worldState) chatContext(chatID string) context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelled[chatID] {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		return ctx
	}
	if ctx, ok := s.chatCtxs[chatID]; ok {
		return ctx
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.chatCtxs[chatID] = ctx
	s.cancels[chatID] = cancel
	return ctx
}

// cancelChat triggers the stop flag for one chat. Subsequent turns abort
// at their first suspension point until the next human message clears it.
func (s *worldState) cancelChat(chatID string) {
	s.mu.Lock()
	cancel := s.cancels[chatID]
	delete(s.cancels, chatID)
	delete(s.chatCtxs, chatID)
	s.cancelled[chatID] = true
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// cancelAll stops processing on every chat in the world.
func (s *worldState) cancelAll() {
	s.mu.Lock()
	cancels := s.cancels
	s.cancels = make(map[string]context.CancelFunc)
	s.chatCtxs = make(map[string]context.Context)
	for id := range cancels {
		s.cancelled[id] = true
	}
	s.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}

func (s *worldState) clearCancelledLocked(chatID string) {
	s.mu.Lock()
	delete(s.cancelled, chatID)
	s.mu.Unlock()
}

// beginOp/endOp maintain pending-operation counts per source and publish
// activity events.
func (s *worldState) beginOp(source string) {
	s.publishActivity("operation-start", source, +1)
}

func (s *worldState) endOp(source string) {
	s.publishActivity("operation-end", source, -1)
}

func (s *worldState) publishActivity(eventType, source string, delta int) {
	s.mu.Lock()
	s.pending[source] += delta
	if s.pending[source] <= 0 {
		delete(s.pending, source)
	}
	total := 0
	active := make([]string, 0, len(s.pending))
	for src, n := range s.pending {
		total += n
		active = append(active, src)
	}
	s.mu.Unlock()
	s.bus.Publish(Event{
		Kind: EventActivity,
		Activity: &ActivityPayload{
			EventType:         eventType,
			PendingOperations: total,
			ActivityID:        NewID(),
			Source:            source,
			ActiveSources:     active,
		},
	})
}

// publishLog mirrors an orchestration log onto the bus.
func (s *worldState) publishLog(level, category, message string, data map[string]any) {
	s.bus.Publish(Event{
		Kind: EventLog,
		Log: &LogPayload{
			Category:  category,
			Level:     level,
			Message:   message,
			Data:      data,
			Timestamp: NowMillis(),
		},
	})
}

// turnJob is one accepted message queued for an agent's worker. The agent
// config and working directory are snapshotted on the world queue at accept
// time so the worker never reads live fields that UpdateAgent or
// UpdateWorld may be mutating on the queue.
type turnJob struct {
	ctx     context.Context
	agent   Agent
	workdir string
	current AgentMessage
	history []AgentMessage
	chatID  string
}

// Subscriber binds one agent to its world bus: it decides on each message
// event, and a dedicated worker goroutine runs the accepted turns so the
// agent's memory mutations stay serialized.
type Subscriber struct {
	agent     *Agent
	world     *World
	state     *worldState
	bus       *Bus
	storage   Storage
	providers ProviderResolver
	tools     *ToolRegistry
	streaming bool
	logger    *slog.Logger
	tracer    Tracer

	jobs chan turnJob
	stop chan struct{}
	wg   sync.WaitGroup
}

// SubscriberOption configures a Subscriber.
type SubscriberOption func(*Subscriber)

// WithSubscriberLogger sets the logger. Defaults to a discard logger.
func WithSubscriberLogger(l *slog.Logger) SubscriberOption {
	return func(s *Subscriber) { s.logger = l }
}

// WithSubscriberTracer traces agent turns, LLM calls, and tool runs.
func WithSubscriberTracer(t Tracer) SubscriberOption {
	return func(s *Subscriber) { s.tracer = t }
}

// WithStreaming selects streaming LLM calls for this agent's turns.
func WithStreaming(on bool) SubscriberOption {
	return func(s *Subscriber) { s.streaming = on }
}

// NewSubscriber builds the subscriber. Call Attach to start receiving.
func NewSubscriber(world *World, agent *Agent, state *worldState, bus *Bus,
	storage Storage, providers ProviderResolver, tools *ToolRegistry,
	opts ...SubscriberOption) *Subscriber {
	s := &Subscriber{
		agent:     agent,
		world:     world,
		state:     state,
		bus:       bus,
		storage:   storage,
		providers: providers,
		tools:     tools,
		logger:    nopLogger,
		jobs:      make(chan turnJob, 64),
		stop:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Attach subscribes the agent to message events and starts its worker.
// The returned function detaches and stops the worker.
func (s *Subscriber) Attach() func() {
	s.wg.Add(1)
	go s.worker()
	unsub := s.bus.Subscribe(EventMessage, s.handleMessage)
	var once sync.Once
	return func() {
		once.Do(func() {
			unsub()
			close(s.stop)
			s.wg.Wait()
		})
	}
}

// handleMessage runs on the world queue: decide, append the incoming
// message to memory, and hand the turn to the worker. It never blocks.
func (s *Subscriber) handleMessage(ev Event) {
	if ev.Message == nil {
		return
	}
	msg := *ev.Message
	senderType := ClassifySender(s.world, msg.Sender)
	if !s.shouldRespond(msg, senderType, ev.ChatID) {
		return
	}

	incoming := s.incomingMemoryMessage(msg, senderType, ev.ChatID)
	history := make([]AgentMessage, len(s.agent.Memory))
	copy(history, s.agent.Memory)
	s.agent.Memory = append(s.agent.Memory, incoming)
	s.agent.LastActive = NowUnix()

	snap := *s.agent
	snap.Memory = nil
	snap.Provider = s.providerName()
	snap.Model = s.modelName()
	job := turnJob{
		ctx:     s.state.chatContext(ev.ChatID),
		agent:   snap,
		workdir: s.world.WorkingDirectory(),
		current: incoming,
		history: history,
		chatID:  ev.ChatID,
	}
	s.state.beginOp(s.agent.ID)
	select {
	case s.jobs <- job:
	default:
		s.state.endOp(s.agent.ID)
		s.logger.Warn("turn queue full, dropping turn",
			"agent_id", s.agent.ID, "chat_id", ev.ChatID)
		s.state.publishLog("warn", "subscriber", "turn queue full, dropping turn",
			map[string]any{"agentId": s.agent.ID})
	}
}

// shouldRespond implements the routing decision.
func (s *Subscriber) shouldRespond(msg MessagePayload, senderType SenderType, chatID string) bool {
	if msg.Sender == s.agent.ID {
		return false
	}
	if s.state.turnLimitReached(s.world, chatID) && senderType != SenderHuman {
		return false
	}

	mentions := ParagraphMentions(msg.Content)
	if len(mentions) > 0 {
		return mentionsAgent(mentions, s.agent.ID)
	}
	// No paragraph-beginning mention. Agent-to-agent replies are suppressed
	// here so two autoReply agents cannot ping-pong unaddressed messages.
	if senderType == SenderAgent {
		return false
	}
	if s.agent.AutoReply {
		return true
	}
	return senderType == SenderHuman && s.world.MainAgent == s.agent.ID
}

// incomingMemoryMessage derives the memory entry for an accepted message:
// tool-result envelopes become tool messages; everything else lands as a
// user-role message with the sender preserved.
func (s *Subscriber) incomingMemoryMessage(msg MessagePayload, senderType SenderType, chatID string) AgentMessage {
	parsed := ParseMessageContent(msg.Content, "user")
	parsed.ChatID = chatID
	parsed.MessageID = msg.MessageID
	parsed.AgentID = s.agent.ID
	if msg.Timestamp != 0 {
		parsed.CreatedAt = msg.Timestamp
	}
	if parsed.Role != "tool" {
		parsed.Sender = msg.Sender
	}
	return parsed
}

func (s *Subscriber) worker() {
	defer s.wg.Done()
	for {
		select {
		case job := <-s.jobs:
			s.runTurn(job)
		case <-s.stop:
			return
		}
	}
}

// runTurn executes one accepted message end to end on the worker
// goroutine: LLM rounds, tool dispatch, memory persistence. Memory and
// counter mutations re-enter the world queue. It owns the endOp for the
// beginOp charged at accept time.
func (s *Subscriber) runTurn(job turnJob) {
	defer s.state.endOp(s.agent.ID)

	ctx, span := startSpan(job.ctx, s.tracer, "agent.turn",
		"world_id", s.world.ID, "agent_id", s.agent.ID, "chat_id", job.chatID)
	err := s.turn(ctx, job)
	endSpan(span, err)

	if err == nil {
		return
	}
	if IsCancelled(err) {
		s.publishCancelled(job.chatID, job.agent.Name)
		return
	}
	s.logger.Error("turn failed", "agent_id", s.agent.ID, "error", err)
	s.state.publishLog("error", "subscriber", "turn failed",
		map[string]any{"agentId": s.agent.ID, "error": err.Error()})
}

func (s *Subscriber) turn(ctx context.Context, job turnJob) error {
	provider, err := s.providers(job.agent.Provider)
	if err != nil {
		return err
	}
	caller := NewLLMCaller(provider, WithLLMTracer(s.tracer))

	chatFilter := job.chatID
	msgs := PrepareMessagesForLLM(&job.agent, job.current, job.history, &chatFilter)
	tools := s.tools.AllDefinitions()

	for round := 0; round < toolContinuationLimit; round++ {
		// Suspension point: observe cancellation before each LLM call.
		if ctx.Err() != nil {
			return &CancelledError{WorldID: s.world.ID, ChatID: job.chatID}
		}

		messageID := NewID()
		resp, err := s.invoke(ctx, caller, ChatRequest{
			Model:       job.agent.Model,
			Messages:    FilterClientSideMessages(msgs),
			Tools:       tools,
			Temperature: job.agent.Temperature,
			MaxTokens:   job.agent.MaxTokens,
			MessageID:   messageID,
		}, job.agent.Name, job.chatID)
		s.recordLLMCall()
		if err != nil {
			if IsCancelled(err) {
				return &CancelledError{WorldID: s.world.ID, ChatID: job.chatID}
			}
			s.emitSSE(SSEPayload{
				MessageID: messageID,
				AgentName: job.agent.Name,
				EventType: SSEError,
				Error:     err.Error(),
			}, job.chatID)
			return err
		}

		if resp.Kind == KindToolCalls {
			if len(resp.ToolCalls) == 0 {
				// Provider returned only invalid tool_use entries: no
				// assistant message, no continuation. The turn still falls
				// through to persist whatever earlier rounds appended.
				break
			}
			assistant := AgentMessage{
				Role:      "assistant",
				Content:   resp.Content,
				ChatID:    job.chatID,
				MessageID: messageID,
				CreatedAt: NowMillis(),
				ToolCalls: resp.ToolCalls,
				AgentID:   s.agent.ID,
				Sender:    s.agent.ID,
			}
			s.appendMemory(assistant)
			msgs = append(msgs, assistant)

			toolMsgs, err := s.dispatchTools(ctx, resp.ToolCalls, job)
			if err != nil {
				return err
			}
			msgs = append(msgs, toolMsgs...)
			continue
		}

		final := AgentMessage{
			Role:      "assistant",
			Content:   resp.Content,
			ChatID:    job.chatID,
			MessageID: messageID,
			CreatedAt: NowMillis(),
			AgentID:   s.agent.ID,
			Sender:    s.agent.ID,
		}
		s.appendMemory(final)
		s.bus.Publish(Event{
			Kind:   EventMessage,
			ChatID: job.chatID,
			Message: &MessagePayload{
				MessageID: final.MessageID,
				Sender:    s.agent.ID,
				Content:   final.Content,
				ChatID:    job.chatID,
				Role:      "assistant",
				Timestamp: final.CreatedAt,
			},
		})
		break
	}

	return s.persistMemory(ctx, job.chatID)
}

// invoke performs one LLM call, streaming when configured, with the sse
// lifecycle around it.
func (s *Subscriber) invoke(ctx context.Context, caller *LLMCaller, req ChatRequest, agentName, chatID string) (LLMResponse, error) {
	s.emitSSE(SSEPayload{
		MessageID: req.MessageID,
		AgentName: agentName,
		EventType: SSEStart,
	}, chatID)

	var resp LLMResponse
	var err error
	if s.streaming {
		resp, err = caller.CallStream(ctx, req, func(delta string) {
			// Suspension point: cancellation between chunks stops emission.
			if ctx.Err() != nil {
				return
			}
			s.emitSSE(SSEPayload{
				MessageID: req.MessageID,
				AgentName: agentName,
				EventType: SSEChunk,
				Content:   delta,
			}, chatID)
		})
	} else {
		resp, err = caller.Call(ctx, req)
	}
	if err != nil {
		return resp, err
	}
	s.emitSSE(SSEPayload{
		MessageID: req.MessageID,
		AgentName: agentName,
		EventType: SSEEnd,
	}, chatID)
	return resp, nil
}

// dispatchTools executes tool calls sequentially, appending a tool memory
// message for each. Tool failures become result text, never turn errors.
func (s *Subscriber) dispatchTools(ctx context.Context, calls []ToolCall, job turnJob) ([]AgentMessage, error) {
	chatID := job.chatID
	tc := ToolContext{
		WorldID:          s.world.ID,
		ChatID:           chatID,
		AgentID:          s.agent.ID,
		WorkingDirectory: job.workdir,
	}
	toolCtx := WithToolContext(ctx, tc)

	out := make([]AgentMessage, 0, len(calls))
	for _, call := range calls {
		// Suspension point: observe cancellation before each tool run.
		if ctx.Err() != nil {
			return nil, &CancelledError{WorldID: s.world.ID, ChatID: chatID}
		}
		s.emitTool(ToolPayload{
			ToolUseID: call.ID,
			ToolName:  call.Name,
			EventType: ToolEventStart,
			Input:     call.Arguments,
		}, chatID)

		spanCtx, span := startSpan(toolCtx, s.tracer, "tool.execute",
			"tool", call.Name, "agent_id", s.agent.ID)
		result, err := s.tools.Execute(spanCtx, call.Name, json.RawMessage(call.Arguments))
		endSpan(span, err)

		content := result.Content
		if err != nil {
			content = err.Error()
		} else if result.Error != "" {
			content = result.Error
		}

		if err != nil || result.Error != "" {
			s.emitTool(ToolPayload{
				ToolUseID: call.ID,
				ToolName:  call.Name,
				EventType: ToolEventError,
				Error:     content,
			}, chatID)
		} else {
			s.emitTool(ToolPayload{
				ToolUseID: call.ID,
				ToolName:  call.Name,
				EventType: ToolEventResult,
				Result:    content,
			}, chatID)
		}

		if ctx.Err() != nil {
			// Cancellation arrived while the tool ran: discard the result.
			return nil, &CancelledError{WorldID: s.world.ID, ChatID: chatID}
		}

		toolMsg := ToolResultMessage(call.ID, content)
		toolMsg.ChatID = chatID
		toolMsg.MessageID = NewID()
		toolMsg.AgentID = s.agent.ID
		s.appendMemory(toolMsg)
		out = append(out, toolMsg)
	}
	return out, nil
}

// appendMemory serializes a memory append through the world queue.
func (s *Subscriber) appendMemory(m AgentMessage) {
	s.bus.Done(func() {
		s.agent.Memory = append(s.agent.Memory, m)
	})
}

// recordLLMCall updates call bookkeeping on the world queue.
func (s *Subscriber) recordLLMCall() {
	s.bus.Done(func() {
		s.agent.LLMCallCount++
		now := NowUnix()
		s.agent.LastActive = now
		s.agent.LastLLMCall = now
	})
}

// persistMemory saves the agent's memory with the write-retry contract.
// Suspension point: skipped when the turn was cancelled beforehand.
func (s *Subscriber) persistMemory(ctx context.Context, chatID string) error {
	if ctx.Err() != nil {
		return &CancelledError{WorldID: s.world.ID, ChatID: chatID}
	}
	var snapshot []AgentMessage
	s.bus.Done(func() {
		snapshot = make([]AgentMessage, len(s.agent.Memory))
		copy(snapshot, s.agent.Memory)
	})
	err := saveMemoryRetried(context.Background(), s.storage, s.world.ID, s.agent.ID, snapshot)
	if err == nil {
		return nil
	}
	s.logger.Error("memory persist failed", "agent_id", s.agent.ID, "error", err)
	s.state.publishLog("error", "storage", "memory persist failed",
		map[string]any{"agentId": s.agent.ID, "error": err.Error()})
	s.bus.Publish(Event{
		Kind:   EventSystem,
		ChatID: chatID,
		System: &SystemPayload{
			EventType: SystemStorageFailure,
			ChatID:    chatID,
			Content:   err.Error(),
			CreatedAt: NowMillis(),
		},
	})
	// In-memory state stays intact so the next successful save persists it.
	return nil
}

func (s *Subscriber) publishCancelled(chatID, agentName string) {
	s.emitSSE(SSEPayload{
		MessageID: NewID(),
		AgentName: agentName,
		EventType: SSEError,
		Error:     "cancelled",
		Code:      "cancelled",
	}, chatID)
	s.bus.Publish(Event{
		Kind:   EventSystem,
		ChatID: chatID,
		System: &SystemPayload{
			EventType: SystemCancelled,
			ChatID:    chatID,
			CreatedAt: NowMillis(),
		},
	})
}

func (s *Subscriber) emitSSE(p SSEPayload, chatID string) {
	p.ChatID = chatID
	s.bus.Publish(Event{Kind: EventSSE, ChatID: chatID, SSE: &p})
}

func (s *Subscriber) emitTool(p ToolPayload, chatID string) {
	p.ChatID = chatID
	s.bus.Publish(Event{Kind: EventTool, ChatID: chatID, Tool: &p})
}

// providerName resolves the agent's provider with world defaults.
// Queue-only: it reads live agent and world fields.
func (s *Subscriber) providerName() string {
	if s.agent.Provider != "" {
		return s.agent.Provider
	}
	return s.world.ChatProvider
}

// modelName resolves the agent's model with world defaults.
func (s *Subscriber) modelName() string {
	if s.agent.Model != "" {
		return s.agent.Model
	}
	return s.world.ChatModel
}
