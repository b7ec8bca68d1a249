package file

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	worlds "github.com/nivara/worlds"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return s
}

func TestWorldRoundTrip(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	w := &worlds.World{ID: "w1", Name: "World One", TurnLimit: 5}
	if err := s.SaveWorld(ctx, w); err != nil {
		t.Fatalf("SaveWorld() error = %v", err)
	}
	got, err := s.LoadWorld(ctx, "w1")
	if err != nil {
		t.Fatalf("LoadWorld() error = %v", err)
	}
	if got.Name != "World One" || got.TurnLimit != 5 {
		t.Errorf("loaded world = %+v", got)
	}

	list, err := s.ListWorlds(ctx)
	if err != nil {
		t.Fatalf("ListWorlds() error = %v", err)
	}
	if len(list) != 1 || list[0].ID != "w1" {
		t.Errorf("ListWorlds() = %+v, want just w1", list)
	}
}

func TestLoadWorldNotFound(t *testing.T) {
	s := newStore(t)
	_, err := s.LoadWorld(context.Background(), "missing")
	var se *worlds.StorageError
	if !errors.As(err, &se) {
		t.Fatalf("error = %v, want *worlds.StorageError", err)
	}
	if se.Op != worlds.StorageRead {
		t.Errorf("Op = %q, want read", se.Op)
	}
}

func TestListWorldsSkipsStrayDirectories(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	if err := s.SaveWorld(ctx, &worlds.World{ID: "w1", Name: "W"}); err != nil {
		t.Fatalf("SaveWorld() error = %v", err)
	}
	if err := os.Mkdir(filepath.Join(s.root, "not-a-world"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	list, err := s.ListWorlds(ctx)
	if err != nil {
		t.Fatalf("ListWorlds() error = %v", err)
	}
	if len(list) != 1 {
		t.Errorf("ListWorlds() = %d worlds, want 1", len(list))
	}
}

func TestAgentSplitsSystemPrompt(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	a := &worlds.Agent{ID: "a1", Name: "Alice", SystemPrompt: "You are Alice."}
	if err := s.SaveAgent(ctx, "w1", a); err != nil {
		t.Fatalf("SaveAgent() error = %v", err)
	}

	// The prompt lives in system-prompt.md, not config.json.
	prompt, err := os.ReadFile(filepath.Join(s.root, "w1", "agents", "a1", "system-prompt.md"))
	if err != nil {
		t.Fatalf("read system-prompt.md: %v", err)
	}
	if string(prompt) != "You are Alice." {
		t.Errorf("system-prompt.md = %q", prompt)
	}
	cfg, err := os.ReadFile(filepath.Join(s.root, "w1", "agents", "a1", "config.json"))
	if err != nil {
		t.Fatalf("read config.json: %v", err)
	}
	if strings.Contains(string(cfg), "You are Alice.") {
		t.Error("config.json carries the system prompt, want it split out")
	}

	got, err := s.LoadAgent(ctx, "w1", "a1")
	if err != nil {
		t.Fatalf("LoadAgent() error = %v", err)
	}
	if got.Name != "Alice" || got.SystemPrompt != "You are Alice." {
		t.Errorf("loaded agent = %+v", got)
	}
}

func TestAgentMemoryRoundTrip(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	if err := s.SaveAgent(ctx, "w1", &worlds.Agent{ID: "a1", Name: "Alice"}); err != nil {
		t.Fatalf("SaveAgent() error = %v", err)
	}
	mem := []worlds.AgentMessage{
		{Role: "user", Content: "hi", MessageID: "m1"},
		{Role: "assistant", Content: "hello", MessageID: "m2"},
	}
	if err := s.SaveAgentMemory(ctx, "w1", "a1", mem); err != nil {
		t.Fatalf("SaveAgentMemory() error = %v", err)
	}

	a, err := s.LoadAgent(ctx, "w1", "a1")
	if err != nil {
		t.Fatalf("LoadAgent() error = %v", err)
	}
	if len(a.Memory) != 2 || a.Memory[1].MessageID != "m2" {
		t.Errorf("loaded memory = %+v, want 2 entries", a.Memory)
	}

	// Re-saving the agent config leaves memory.json alone.
	if err := s.SaveAgent(ctx, "w1", &worlds.Agent{ID: "a1", Name: "Alice Renamed"}); err != nil {
		t.Fatalf("SaveAgent() error = %v", err)
	}
	a, _ = s.LoadAgent(ctx, "w1", "a1")
	if a.Name != "Alice Renamed" || len(a.Memory) != 2 {
		t.Errorf("after re-save: name=%q memory=%d, want renamed with memory intact", a.Name, len(a.Memory))
	}
}

func TestReadMemoryRecoversTrailingGarbage(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	if err := s.SaveAgent(ctx, "w1", &worlds.Agent{ID: "a1"}); err != nil {
		t.Fatalf("SaveAgent() error = %v", err)
	}
	mem := []worlds.AgentMessage{
		{Role: "user", Content: "hi", MessageID: "m1"},
	}
	valid, err := json.Marshal(mem)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	path := filepath.Join(s.root, "w1", "agents", "a1", "memory.json")
	// A crashed writer can leave a valid array followed by stale bytes.
	if err := os.WriteFile(path, append(valid, []byte(`{"role":"user","cont`)...), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	a, err := s.LoadAgent(ctx, "w1", "a1")
	if err != nil {
		t.Fatalf("LoadAgent() error = %v", err)
	}
	if len(a.Memory) != 1 || a.Memory[0].MessageID != "m1" {
		t.Errorf("recovered memory = %+v, want the valid prefix", a.Memory)
	}

	// The file was rewritten clean: it now parses fully with no remainder.
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reread memory.json: %v", err)
	}
	var clean []worlds.AgentMessage
	if err := json.Unmarshal(data, &clean); err != nil {
		t.Errorf("memory.json still dirty after recovery: %v", err)
	}
	if len(clean) != 1 {
		t.Errorf("rewritten memory = %d entries, want 1", len(clean))
	}
}

func TestReadMemoryCorruptPrefixFails(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	if err := s.SaveAgent(ctx, "w1", &worlds.Agent{ID: "a1"}); err != nil {
		t.Fatalf("SaveAgent() error = %v", err)
	}
	path := filepath.Join(s.root, "w1", "agents", "a1", "memory.json")
	if err := os.WriteFile(path, []byte("not json at all"), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	_, err := s.LoadAgent(ctx, "w1", "a1")
	var se *worlds.StorageError
	if !errors.As(err, &se) {
		t.Fatalf("error = %v, want *worlds.StorageError", err)
	}
	if se.Op != worlds.StorageRead {
		t.Errorf("Op = %q, want read", se.Op)
	}
}

func TestListAgentsSkipsUnreadable(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	if err := s.SaveAgent(ctx, "w1", &worlds.Agent{ID: "a1", Name: "Alice"}); err != nil {
		t.Fatalf("SaveAgent() error = %v", err)
	}
	// An agent directory without config.json is unreadable and skipped.
	if err := os.MkdirAll(filepath.Join(s.root, "w1", "agents", "broken"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	agents, err := s.ListAgents(ctx, "w1")
	if err != nil {
		t.Fatalf("ListAgents() error = %v", err)
	}
	if len(agents) != 1 || agents[0].ID != "a1" {
		t.Errorf("ListAgents() = %+v, want just a1", agents)
	}
}

func TestChatRoundTrip(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	if err := s.SaveChat(ctx, "w1", &worlds.Chat{ID: "c1", WorldID: "w1", Name: "Chat"}); err != nil {
		t.Fatalf("SaveChat() error = %v", err)
	}
	c, err := s.LoadChat(ctx, "w1", "c1")
	if err != nil {
		t.Fatalf("LoadChat() error = %v", err)
	}
	if c.Name != "Chat" {
		t.Errorf("chat name = %q, want Chat", c.Name)
	}

	chats, err := s.ListChats(ctx, "w1")
	if err != nil {
		t.Fatalf("ListChats() error = %v", err)
	}
	if len(chats) != 1 {
		t.Errorf("ListChats() = %d chats, want 1", len(chats))
	}

	if err := s.DeleteChat(ctx, "w1", "c1"); err != nil {
		t.Fatalf("DeleteChat() error = %v", err)
	}
	if _, err := s.LoadChat(ctx, "w1", "c1"); err == nil {
		t.Error("chat loadable after delete")
	}
	// Deleting again is not an error.
	if err := s.DeleteChat(ctx, "w1", "c1"); err != nil {
		t.Errorf("second DeleteChat() error = %v, want nil", err)
	}
}

func TestEventJournalAppends(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	first := []worlds.Event{
		{Kind: worlds.EventMessage, WorldID: "w1", ChatID: "c1",
			Message: &worlds.MessagePayload{MessageID: "m1", Content: "hi"}},
	}
	second := []worlds.Event{
		{Kind: worlds.EventSystem, WorldID: "w1", ChatID: "c1",
			System: &worlds.SystemPayload{EventType: worlds.SystemTurnLimitReached}},
	}
	if err := s.SaveEvents(ctx, "w1", "c1", first); err != nil {
		t.Fatalf("SaveEvents() error = %v", err)
	}
	if err := s.SaveEvents(ctx, "w1", "c1", second); err != nil {
		t.Fatalf("SaveEvents() error = %v", err)
	}

	got, err := s.EventsByWorldAndChat(ctx, "w1", "c1")
	if err != nil {
		t.Fatalf("EventsByWorldAndChat() error = %v", err)
	}
	if len(got) != 2 || got[0].Message == nil || got[0].Message.MessageID != "m1" {
		t.Errorf("journal = %+v, want 2 events with m1 first", got)
	}

	if err := s.DeleteEventsByWorldAndChat(ctx, "w1", "c1"); err != nil {
		t.Fatalf("DeleteEventsByWorldAndChat() error = %v", err)
	}
	got, err = s.EventsByWorldAndChat(ctx, "w1", "c1")
	if err != nil {
		t.Fatalf("EventsByWorldAndChat() after delete error = %v", err)
	}
	if len(got) != 0 {
		t.Errorf("journal after delete = %d events, want 0", len(got))
	}
}

func TestDeleteWorldCascades(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	if err := s.SaveWorld(ctx, &worlds.World{ID: "w1"}); err != nil {
		t.Fatalf("SaveWorld() error = %v", err)
	}
	if err := s.SaveAgent(ctx, "w1", &worlds.Agent{ID: "a1"}); err != nil {
		t.Fatalf("SaveAgent() error = %v", err)
	}
	if err := s.SaveChat(ctx, "w1", &worlds.Chat{ID: "c1"}); err != nil {
		t.Fatalf("SaveChat() error = %v", err)
	}
	if err := s.DeleteWorld(ctx, "w1"); err != nil {
		t.Fatalf("DeleteWorld() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(s.root, "w1")); !os.IsNotExist(err) {
		t.Error("world subtree survived the delete")
	}
}
