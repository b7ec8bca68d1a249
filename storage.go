package worlds

import "context"

// Storage is the narrow persistence contract the runtime depends on.
// Backends live under store/. Implementations must be safe for concurrent
// use; per-agent memory saves are serialized by the caller but distinct
// agents may save in parallel.
//
// All failures surface as *StorageError with an Op kind. Deleting a world
// cascades to its agents, chats, and journaled events inside the backend.
type Storage interface {
	SaveWorld(ctx context.Context, w *World) error
	LoadWorld(ctx context.Context, worldID string) (*World, error)
	DeleteWorld(ctx context.Context, worldID string) error
	ListWorlds(ctx context.Context) ([]*World, error)

	SaveAgent(ctx context.Context, worldID string, a *Agent) error
	LoadAgent(ctx context.Context, worldID, agentID string) (*Agent, error)
	DeleteAgent(ctx context.Context, worldID, agentID string) error
	ListAgents(ctx context.Context, worldID string) ([]*Agent, error)
	// SaveAgentMemory replaces the agent's memory atomically. A reader must
	// never observe a partial list.
	SaveAgentMemory(ctx context.Context, worldID, agentID string, memory []AgentMessage) error

	SaveChat(ctx context.Context, worldID string, c *Chat) error
	LoadChat(ctx context.Context, worldID, chatID string) (*Chat, error)
	DeleteChat(ctx context.Context, worldID, chatID string) error
	ListChats(ctx context.Context, worldID string) ([]*Chat, error)
	UpdateChat(ctx context.Context, worldID string, c *Chat) error
}

// EventStorage is an optional capability: backends that implement it get
// published message and system events journaled per (world, chat). The
// facade type-asserts for it and skips journaling otherwise.
type EventStorage interface {
	SaveEvents(ctx context.Context, worldID, chatID string, events []Event) error
	EventsByWorldAndChat(ctx context.Context, worldID, chatID string) ([]Event, error)
	DeleteEventsByWorldAndChat(ctx context.Context, worldID, chatID string) error
}

// saveMemoryRetried persists memory with the write-retry contract: two
// retries after the first failure, in-memory state untouched so a later
// attempt can succeed.
func saveMemoryRetried(ctx context.Context, st Storage, worldID, agentID string, memory []AgentMessage) error {
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		if err = st.SaveAgentMemory(ctx, worldID, agentID, memory); err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return err
		}
	}
	return err
}
