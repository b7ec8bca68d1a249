package memory

import (
	"context"
	"errors"
	"testing"

	worlds "github.com/nivara/worlds"
)

func TestWorldRoundTrip(t *testing.T) {
	st := New()
	ctx := context.Background()

	w := &worlds.World{ID: "w1", Name: "World One", TurnLimit: 5}
	if err := st.SaveWorld(ctx, w); err != nil {
		t.Fatalf("SaveWorld() error = %v", err)
	}
	got, err := st.LoadWorld(ctx, "w1")
	if err != nil {
		t.Fatalf("LoadWorld() error = %v", err)
	}
	if got.Name != "World One" || got.TurnLimit != 5 {
		t.Errorf("loaded world = %+v", got)
	}
	// The returned value is a copy, not an alias.
	got.Name = "mutated"
	again, _ := st.LoadWorld(ctx, "w1")
	if again.Name != "World One" {
		t.Error("LoadWorld returned an alias of internal state")
	}
}

func TestLoadWorldNotFound(t *testing.T) {
	st := New()
	_, err := st.LoadWorld(context.Background(), "missing")
	var se *worlds.StorageError
	if !errors.As(err, &se) {
		t.Fatalf("error = %v, want *worlds.StorageError", err)
	}
	if se.Op != worlds.StorageRead {
		t.Errorf("Op = %q, want read", se.Op)
	}
}

func TestAgentMemoryRoundTrip(t *testing.T) {
	st := New()
	ctx := context.Background()

	if err := st.SaveWorld(ctx, &worlds.World{ID: "w1"}); err != nil {
		t.Fatalf("SaveWorld() error = %v", err)
	}
	if err := st.SaveAgent(ctx, "w1", &worlds.Agent{ID: "a1", Name: "Alice"}); err != nil {
		t.Fatalf("SaveAgent() error = %v", err)
	}
	mem := []worlds.AgentMessage{
		{Role: "user", Content: "hi", MessageID: "m1"},
		{Role: "assistant", Content: "hello", MessageID: "m2"},
	}
	if err := st.SaveAgentMemory(ctx, "w1", "a1", mem); err != nil {
		t.Fatalf("SaveAgentMemory() error = %v", err)
	}

	a, err := st.LoadAgent(ctx, "w1", "a1")
	if err != nil {
		t.Fatalf("LoadAgent() error = %v", err)
	}
	if len(a.Memory) != 2 || a.Memory[1].MessageID != "m2" {
		t.Errorf("loaded memory = %+v, want 2 entries", a.Memory)
	}

	// Saving an agent does not clobber its memory.
	if err := st.SaveAgent(ctx, "w1", &worlds.Agent{ID: "a1", Name: "Alice Renamed"}); err != nil {
		t.Fatalf("SaveAgent() error = %v", err)
	}
	a, _ = st.LoadAgent(ctx, "w1", "a1")
	if a.Name != "Alice Renamed" || len(a.Memory) != 2 {
		t.Errorf("after re-save: name=%q memory=%d, want renamed with memory intact", a.Name, len(a.Memory))
	}
}

func TestSaveAgentMemoryUnknownAgent(t *testing.T) {
	st := New()
	ctx := context.Background()
	if err := st.SaveWorld(ctx, &worlds.World{ID: "w1"}); err != nil {
		t.Fatalf("SaveWorld() error = %v", err)
	}
	err := st.SaveAgentMemory(ctx, "w1", "ghost", nil)
	var se *worlds.StorageError
	if !errors.As(err, &se) {
		t.Fatalf("error = %v, want *worlds.StorageError", err)
	}
}

func TestChatRoundTrip(t *testing.T) {
	st := New()
	ctx := context.Background()
	if err := st.SaveWorld(ctx, &worlds.World{ID: "w1"}); err != nil {
		t.Fatalf("SaveWorld() error = %v", err)
	}
	if err := st.SaveChat(ctx, "w1", &worlds.Chat{ID: "c1", WorldID: "w1", Name: "Chat"}); err != nil {
		t.Fatalf("SaveChat() error = %v", err)
	}
	c, err := st.LoadChat(ctx, "w1", "c1")
	if err != nil {
		t.Fatalf("LoadChat() error = %v", err)
	}
	if c.Name != "Chat" {
		t.Errorf("chat name = %q, want Chat", c.Name)
	}
	if err := st.DeleteChat(ctx, "w1", "c1"); err != nil {
		t.Fatalf("DeleteChat() error = %v", err)
	}
	if _, err := st.LoadChat(ctx, "w1", "c1"); err == nil {
		t.Error("chat loadable after delete")
	}
}

func TestEventJournal(t *testing.T) {
	st := New()
	ctx := context.Background()

	events := []worlds.Event{
		{Kind: worlds.EventMessage, WorldID: "w1", ChatID: "c1",
			Message: &worlds.MessagePayload{MessageID: "m1", Content: "hi"}},
		{Kind: worlds.EventSystem, WorldID: "w1", ChatID: "c1",
			System: &worlds.SystemPayload{EventType: worlds.SystemTurnLimitReached}},
	}
	if err := st.SaveEvents(ctx, "w1", "c1", events); err != nil {
		t.Fatalf("SaveEvents() error = %v", err)
	}
	got, err := st.EventsByWorldAndChat(ctx, "w1", "c1")
	if err != nil {
		t.Fatalf("EventsByWorldAndChat() error = %v", err)
	}
	if len(got) != 2 || got[0].Message.MessageID != "m1" {
		t.Errorf("journal = %+v, want 2 events in order", got)
	}

	if err := st.DeleteEventsByWorldAndChat(ctx, "w1", "c1"); err != nil {
		t.Fatalf("DeleteEventsByWorldAndChat() error = %v", err)
	}
	got, _ = st.EventsByWorldAndChat(ctx, "w1", "c1")
	if len(got) != 0 {
		t.Errorf("journal after delete = %d events, want 0", len(got))
	}
}

func TestDeleteWorldCascadesEvents(t *testing.T) {
	st := New()
	ctx := context.Background()
	if err := st.SaveWorld(ctx, &worlds.World{ID: "w1"}); err != nil {
		t.Fatalf("SaveWorld() error = %v", err)
	}
	if err := st.SaveEvents(ctx, "w1", "c1", []worlds.Event{
		{Kind: worlds.EventMessage, Message: &worlds.MessagePayload{}},
	}); err != nil {
		t.Fatalf("SaveEvents() error = %v", err)
	}
	if err := st.DeleteWorld(ctx, "w1"); err != nil {
		t.Fatalf("DeleteWorld() error = %v", err)
	}
	got, _ := st.EventsByWorldAndChat(ctx, "w1", "c1")
	if len(got) != 0 {
		t.Error("events survived the world delete cascade")
	}
}
