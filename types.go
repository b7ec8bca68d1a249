package worlds

// --- Domain entities ---

// World is a container for one conversation universe: a set of agents, a set
// of chats, and the runtime configuration that governs how messages flow
// between them.
type World struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	// TurnLimit caps consecutive non-human messages per chat. Must be > 0.
	TurnLimit int `json:"turn_limit"`
	// CurrentChatID is the active session. Empty means session mode is OFF;
	// edits and resubmissions are gated on this.
	CurrentChatID string `json:"current_chat_id,omitempty"`
	// ChatProvider/ChatModel are optional world-level LLM defaults applied
	// to agents that don't specify their own.
	ChatProvider string `json:"chat_provider,omitempty"`
	ChatModel    string `json:"chat_model,omitempty"`
	// MainAgent receives human messages that carry no paragraph mention.
	MainAgent string `json:"main_agent,omitempty"`
	// MCPConfig is opaque to the core; adapters interpret it.
	MCPConfig string `json:"mcp_config,omitempty"`
	// Variables is line-oriented key=value text. The working_directory key,
	// when present, is the enforced filesystem root for tool execution.
	Variables    string `json:"variables,omitempty"`
	IsProcessing bool   `json:"is_processing"`
	CreatedAt    int64  `json:"created_at"`
	LastUpdated  int64  `json:"last_updated"`

	// Agents and Chats are keyed by id. Key order is irrelevant.
	Agents map[string]*Agent `json:"-"`
	Chats  map[string]*Chat  `json:"-"`
}

// WorkingDirectory returns the enforced tool root from Variables, or "".
func (w *World) WorkingDirectory() string {
	return ParseVariables(w.Variables)["working_directory"]
}

// Agent is a participant with an LLM identity and an ordered memory.
type Agent struct {
	ID           string  `json:"id"`
	Name         string  `json:"name"`
	Type         string  `json:"type,omitempty"`
	Provider     string  `json:"provider,omitempty"`
	Model        string  `json:"model,omitempty"`
	SystemPrompt string  `json:"system_prompt,omitempty"`
	Temperature  float64 `json:"temperature,omitempty"`
	MaxTokens    int     `json:"max_tokens,omitempty"`
	// AutoReply makes the agent respond to human messages that carry no
	// paragraph mention.
	AutoReply    bool  `json:"auto_reply"`
	LLMCallCount int   `json:"llm_call_count"`
	LastActive   int64 `json:"last_active,omitempty"`
	LastLLMCall  int64 `json:"last_llm_call,omitempty"`
	// WorldID is a weak back-reference for lookup, never ownership.
	WorldID string `json:"world_id,omitempty"`

	// Memory is the agent's ordered message history, OpenAI-compatible.
	Memory []AgentMessage `json:"-"`
}

// AgentMessage is one entry in an agent's memory. The JSON shape is
// bit-compatible with an OpenAI chat message plus bookkeeping fields.
type AgentMessage struct {
	Role    string `json:"role"` // system, user, assistant, tool
	Content string `json:"content"`
	Sender  string `json:"sender,omitempty"`
	// ChatID scopes the entry to a chat. Empty means no chat attribution.
	ChatID    string `json:"chat_id,omitempty"`
	MessageID string `json:"message_id,omitempty"`
	// CreatedAt is Unix milliseconds; removal cascades compare on it with a
	// stable secondary sort by insertion order.
	CreatedAt  int64      `json:"created_at,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	// AgentID is the owning agent, used for cross-agent filtering.
	AgentID string `json:"agent_id,omitempty"`
}

// ToolCall is one tool invocation requested by an assistant message.
// Arguments is the raw JSON argument string as the provider returned it.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Chat is one session timeline within a world.
type Chat struct {
	ID          string `json:"id"`
	WorldID     string `json:"world_id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	CreatedAt   int64  `json:"created_at"`
	UpdatedAt   int64  `json:"updated_at"`
	// MessageCount is the number of user-visible messages attributed to the
	// chat across all agents.
	MessageCount int      `json:"message_count"`
	Summary      string   `json:"summary,omitempty"`
	Tags         []string `json:"tags,omitempty"`
}

// SenderType classifies who produced a message.
type SenderType string

const (
	SenderHuman  SenderType = "human"
	SenderAgent  SenderType = "agent"
	SenderSystem SenderType = "system"
	SenderWorld  SenderType = "world"
)

// ClassifySender reports the sender type for a sender id within a world.
// Any id matching a known agent is an agent; "system" and "world" are
// reserved; everything else is human.
func ClassifySender(w *World, sender string) SenderType {
	if w != nil {
		if _, ok := w.Agents[sender]; ok {
			return SenderAgent
		}
	}
	switch sender {
	case "system":
		return SenderSystem
	case "world":
		return SenderWorld
	}
	return SenderHuman
}

// --- AgentMessage constructors ---

func UserMessage(sender, content string) AgentMessage {
	return AgentMessage{Role: "user", Sender: sender, Content: content, CreatedAt: NowMillis()}
}

func SystemMessage(content string) AgentMessage {
	return AgentMessage{Role: "system", Content: content, CreatedAt: NowMillis()}
}

func AssistantMessage(content string) AgentMessage {
	return AgentMessage{Role: "assistant", Content: content, CreatedAt: NowMillis()}
}

func ToolResultMessage(callID, content string) AgentMessage {
	return AgentMessage{Role: "tool", ToolCallID: callID, Content: content, CreatedAt: NowMillis()}
}
