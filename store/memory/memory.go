// Package memory implements worlds.Storage entirely in process memory.
// Useful for tests and ephemeral runs; nothing survives a restart.
package memory

import (
	"context"
	"fmt"
	"sync"

	worlds "github.com/nivara/worlds"
)

// Store holds all worlds, agents, chats, and journaled events in maps.
// All methods copy on the way in and out so callers cannot alias internal
// state.
type Store struct {
	mu     sync.RWMutex
	worlds map[string]*worldRecord
	events map[string][]worlds.Event // keyed by worldID + "/" + chatID
}

type worldRecord struct {
	world  worlds.World
	agents map[string]*agentRecord
	chats  map[string]worlds.Chat
}

type agentRecord struct {
	agent  worlds.Agent
	memory []worlds.AgentMessage
}

var _ worlds.Storage = (*Store)(nil)
var _ worlds.EventStorage = (*Store)(nil)

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		worlds: make(map[string]*worldRecord),
		events: make(map[string][]worlds.Event),
	}
}

func (s *Store) SaveWorld(_ context.Context, w *worlds.World) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.worlds[w.ID]
	if !ok {
		rec = &worldRecord{
			agents: make(map[string]*agentRecord),
			chats:  make(map[string]worlds.Chat),
		}
		s.worlds[w.ID] = rec
	}
	rec.world = *w
	return nil
}

func (s *Store) LoadWorld(_ context.Context, worldID string) (*worlds.World, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.worlds[worldID]
	if !ok {
		return nil, &worlds.StorageError{Op: worlds.StorageRead, Err: notFound("world", worldID)}
	}
	w := rec.world
	return &w, nil
}

func (s *Store) DeleteWorld(_ context.Context, worldID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.worlds, worldID)
	for key := range s.events {
		if keyWorld(key) == worldID {
			delete(s.events, key)
		}
	}
	return nil
}

func (s *Store) ListWorlds(_ context.Context) ([]*worlds.World, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*worlds.World, 0, len(s.worlds))
	for _, rec := range s.worlds {
		w := rec.world
		out = append(out, &w)
	}
	return out, nil
}

func (s *Store) SaveAgent(_ context.Context, worldID string, a *worlds.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.worlds[worldID]
	if !ok {
		return &worlds.StorageError{Op: worlds.StorageWrite, Err: notFound("world", worldID)}
	}
	ar, ok := rec.agents[a.ID]
	if !ok {
		ar = &agentRecord{}
		rec.agents[a.ID] = ar
	}
	ar.agent = *a
	return nil
}

func (s *Store) LoadAgent(_ context.Context, worldID, agentID string) (*worlds.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ar, err := s.agentLocked(worldID, agentID)
	if err != nil {
		return nil, err
	}
	a := ar.agent
	a.Memory = append([]worlds.AgentMessage(nil), ar.memory...)
	return &a, nil
}

func (s *Store) DeleteAgent(_ context.Context, worldID, agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.worlds[worldID]; ok {
		delete(rec.agents, agentID)
	}
	return nil
}

func (s *Store) ListAgents(_ context.Context, worldID string) ([]*worlds.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.worlds[worldID]
	if !ok {
		return nil, nil
	}
	out := make([]*worlds.Agent, 0, len(rec.agents))
	for _, ar := range rec.agents {
		a := ar.agent
		a.Memory = append([]worlds.AgentMessage(nil), ar.memory...)
		out = append(out, &a)
	}
	return out, nil
}

func (s *Store) SaveAgentMemory(_ context.Context, worldID, agentID string, memory []worlds.AgentMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ar, err := s.agentLocked(worldID, agentID)
	if err != nil {
		return err
	}
	ar.memory = append([]worlds.AgentMessage(nil), memory...)
	return nil
}

func (s *Store) SaveChat(_ context.Context, worldID string, c *worlds.Chat) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.worlds[worldID]
	if !ok {
		return &worlds.StorageError{Op: worlds.StorageWrite, Err: notFound("world", worldID)}
	}
	rec.chats[c.ID] = *c
	return nil
}

func (s *Store) LoadChat(_ context.Context, worldID, chatID string) (*worlds.Chat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.worlds[worldID]
	if !ok {
		return nil, &worlds.StorageError{Op: worlds.StorageRead, Err: notFound("world", worldID)}
	}
	c, ok := rec.chats[chatID]
	if !ok {
		return nil, &worlds.StorageError{Op: worlds.StorageRead, Err: notFound("chat", chatID)}
	}
	return &c, nil
}

func (s *Store) DeleteChat(_ context.Context, worldID, chatID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.worlds[worldID]; ok {
		delete(rec.chats, chatID)
	}
	return nil
}

func (s *Store) ListChats(_ context.Context, worldID string) ([]*worlds.Chat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.worlds[worldID]
	if !ok {
		return nil, nil
	}
	out := make([]*worlds.Chat, 0, len(rec.chats))
	for _, c := range rec.chats {
		cc := c
		out = append(out, &cc)
	}
	return out, nil
}

func (s *Store) UpdateChat(ctx context.Context, worldID string, c *worlds.Chat) error {
	return s.SaveChat(ctx, worldID, c)
}

// --- EventStorage ---

func (s *Store) SaveEvents(_ context.Context, worldID, chatID string, events []worlds.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := eventKey(worldID, chatID)
	s.events[key] = append(s.events[key], events...)
	return nil
}

func (s *Store) EventsByWorldAndChat(_ context.Context, worldID, chatID string) ([]worlds.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]worlds.Event(nil), s.events[eventKey(worldID, chatID)]...), nil
}

func (s *Store) DeleteEventsByWorldAndChat(_ context.Context, worldID, chatID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.events, eventKey(worldID, chatID))
	return nil
}

func (s *Store) agentLocked(worldID, agentID string) (*agentRecord, error) {
	rec, ok := s.worlds[worldID]
	if !ok {
		return nil, &worlds.StorageError{Op: worlds.StorageRead, Err: notFound("world", worldID)}
	}
	ar, ok := rec.agents[agentID]
	if !ok {
		return nil, &worlds.StorageError{Op: worlds.StorageRead, Err: notFound("agent", agentID)}
	}
	return ar, nil
}

func notFound(kind, id string) error {
	return fmt.Errorf("%s %s not found", kind, id)
}

func eventKey(worldID, chatID string) string { return worldID + "/" + chatID }

func keyWorld(key string) string {
	for i := 0; i < len(key); i++ {
		if key[i] == '/' {
			return key[:i]
		}
	}
	return key
}
