package worlds

import (
	"context"
	"testing"
)

func editFixture() (*memStore, *World) {
	st := newMemStore()
	w := testWorld()
	w.Chats["c1"] = &Chat{ID: "c1", WorldID: "w"}
	w.Agents["alice"] = &Agent{ID: "alice", WorldID: "w", Memory: []AgentMessage{
		{Role: "user", Content: "first", ChatID: "c1", MessageID: "u1", CreatedAt: 10},
		{Role: "assistant", Content: "reply", ChatID: "c1", MessageID: "a1", CreatedAt: 20},
		{Role: "user", Content: "second", ChatID: "c1", MessageID: "u2", CreatedAt: 30},
		{Role: "assistant", Content: "reply 2", ChatID: "c1", MessageID: "a2", CreatedAt: 40},
	}}
	w.Agents["bob"] = &Agent{ID: "bob", WorldID: "w", Memory: []AgentMessage{
		{Role: "user", Content: "second", ChatID: "c1", MessageID: "u2", CreatedAt: 30},
		{Role: "user", Content: "other chat", ChatID: "c2", MessageID: "x1", CreatedAt: 35},
	}}
	return st, w
}

func TestRemoveMessagesFromCascadesAllAgents(t *testing.T) {
	st, w := editFixture()
	res, err := RemoveMessagesFrom(context.Background(), st, w, "u2", "c1")
	if err != nil {
		t.Fatalf("RemoveMessagesFrom() error = %v", err)
	}
	if !res.Success {
		t.Error("Success = false, want true")
	}
	if res.TotalAgents != 2 || res.ProcessedAgents != 2 {
		t.Errorf("agents = %d/%d, want 2/2", res.ProcessedAgents, res.TotalAgents)
	}
	// alice drops u2 and a2; bob drops u2. Entries before the cutoff and in
	// other chats survive.
	if res.MessagesRemovedTotal != 3 {
		t.Errorf("MessagesRemovedTotal = %d, want 3", res.MessagesRemovedTotal)
	}
	if len(w.Agents["alice"].Memory) != 2 {
		t.Errorf("alice memory = %d entries, want 2", len(w.Agents["alice"].Memory))
	}
	if len(w.Agents["bob"].Memory) != 1 || w.Agents["bob"].Memory[0].MessageID != "x1" {
		t.Errorf("bob memory = %+v, want only the other-chat entry", w.Agents["bob"].Memory)
	}
}

func TestRemoveMessagesFromUnknownMessage(t *testing.T) {
	st, w := editFixture()
	_, err := RemoveMessagesFrom(context.Background(), st, w, "nope", "c1")
	if _, ok := err.(*NotFoundError); !ok {
		t.Errorf("error = %v, want *NotFoundError", err)
	}
}

func TestRemoveMessagesFromCollectsPerAgentFailures(t *testing.T) {
	st, w := editFixture()
	st.failMemorySaves = 1
	res, err := RemoveMessagesFrom(context.Background(), st, w, "u2", "c1")
	if err != nil {
		t.Fatalf("RemoveMessagesFrom() error = %v", err)
	}
	if res.Success {
		t.Error("Success = true despite a failed agent save")
	}
	if len(res.FailedAgents) != 1 {
		t.Errorf("FailedAgents = %d, want 1", len(res.FailedAgents))
	}
	// The cascade continued past the failure.
	if res.ProcessedAgents != 1 {
		t.Errorf("ProcessedAgents = %d, want 1", res.ProcessedAgents)
	}
}

func noPublish(content, sender, chatID string) (string, error) {
	return "", nil
}

func TestEditUserMessageRejectedWhileProcessing(t *testing.T) {
	st, w := editFixture()
	w.IsProcessing = true
	_, err := EditUserMessage(context.Background(), st, w, "u2", "new", "c1", noPublish)
	ce, ok := err.(*ConflictError)
	if !ok {
		t.Fatalf("error = %v, want *ConflictError", err)
	}
	if ce.Code() != "PROCESSING_IN_PROGRESS" {
		t.Errorf("code = %q, want PROCESSING_IN_PROGRESS", ce.Code())
	}
}

func TestEditUserMessageSessionModeOff(t *testing.T) {
	st, w := editFixture()
	w.CurrentChatID = ""
	res, err := EditUserMessage(context.Background(), st, w, "u2", "new", "c1", noPublish)
	if err != nil {
		t.Fatalf("EditUserMessage() error = %v", err)
	}
	if res.ResubmissionStatus != "skipped" {
		t.Errorf("status = %q, want skipped", res.ResubmissionStatus)
	}
	if res.ResubmissionError != "Session mode is OFF" {
		t.Errorf("reason = %q, want the session-off literal", res.ResubmissionError)
	}
	// Removal still happened.
	if res.MessagesRemovedTotal == 0 {
		t.Error("no messages removed before the skipped resubmission")
	}
}

func TestEditUserMessageChatMismatch(t *testing.T) {
	st, w := editFixture()
	w.CurrentChatID = "some-other-chat"
	res, err := EditUserMessage(context.Background(), st, w, "u2", "new", "c1", noPublish)
	if err != nil {
		t.Fatalf("EditUserMessage() error = %v", err)
	}
	if res.ResubmissionStatus != "skipped" {
		t.Errorf("status = %q, want skipped", res.ResubmissionStatus)
	}
	if res.ResubmissionError != "Cannot resubmit: chatId does not match current chat" {
		t.Errorf("reason = %q, want the mismatch literal", res.ResubmissionError)
	}
}

func TestEditUserMessageResubmits(t *testing.T) {
	st, w := editFixture()
	w.CurrentChatID = "c1"
	var published struct {
		content, sender, chatID string
	}
	res, err := EditUserMessage(context.Background(), st, w, "u2", "corrected", "c1",
		func(content, sender, chatID string) (string, error) {
			published.content = content
			published.sender = sender
			published.chatID = chatID
			return "new-id", nil
		})
	if err != nil {
		t.Fatalf("EditUserMessage() error = %v", err)
	}
	if res.ResubmissionStatus != "success" {
		t.Errorf("status = %q, want success", res.ResubmissionStatus)
	}
	if res.MessageID != "new-id" {
		t.Errorf("MessageID = %q, want new-id", res.MessageID)
	}
	if published.content != "corrected" || published.sender != "human" || published.chatID != "c1" {
		t.Errorf("published = %+v, want corrected/human/c1", published)
	}
}

func TestEditUserMessageTargetsUserRoleOnly(t *testing.T) {
	st, w := editFixture()
	w.CurrentChatID = "c1"
	// a1 exists but is an assistant message: not editable.
	_, err := EditUserMessage(context.Background(), st, w, "a1", "new", "c1", noPublish)
	if _, ok := err.(*NotFoundError); !ok {
		t.Errorf("editing assistant message error = %v, want *NotFoundError", err)
	}
}

func TestMigrateMessageIDsIdempotent(t *testing.T) {
	st := newMemStore()
	w := testWorld()
	w.Agents["alice"] = &Agent{ID: "alice", WorldID: "w", Memory: []AgentMessage{
		{Role: "user", Content: "no id"},
		{Role: "assistant", Content: "has id", MessageID: "keep-me"},
		{Role: "user", Content: "also no id"},
	}}

	n, err := MigrateMessageIDs(context.Background(), st, w)
	if err != nil {
		t.Fatalf("MigrateMessageIDs() error = %v", err)
	}
	if n != 2 {
		t.Errorf("assigned = %d, want 2", n)
	}
	if w.Agents["alice"].Memory[1].MessageID != "keep-me" {
		t.Error("existing message id overwritten")
	}
	for i, m := range w.Agents["alice"].Memory {
		if m.MessageID == "" {
			t.Errorf("memory[%d] still has no id", i)
		}
	}

	n, err = MigrateMessageIDs(context.Background(), st, w)
	if err != nil {
		t.Fatalf("second MigrateMessageIDs() error = %v", err)
	}
	if n != 0 {
		t.Errorf("second run assigned = %d, want 0", n)
	}
}

func TestRemoveMessagesFromTimestampTieKeepsPredecessor(t *testing.T) {
	// Two entries can share a millisecond. The one inserted before the
	// target survives; the target and everything after it drop.
	st := newMemStore()
	w := testWorld()
	w.Agents["alice"] = &Agent{ID: "alice", WorldID: "w", Memory: []AgentMessage{
		{Role: "assistant", Content: "same tick, earlier", ChatID: "c1", MessageID: "a0", CreatedAt: 100},
		{Role: "user", Content: "target", ChatID: "c1", MessageID: "u1", CreatedAt: 100},
		{Role: "assistant", Content: "same tick, later", ChatID: "c1", MessageID: "a1", CreatedAt: 100},
	}}

	res, err := RemoveMessagesFrom(context.Background(), st, w, "u1", "c1")
	if err != nil {
		t.Fatalf("RemoveMessagesFrom() error = %v", err)
	}
	if res.MessagesRemovedTotal != 2 {
		t.Errorf("MessagesRemovedTotal = %d, want 2", res.MessagesRemovedTotal)
	}
	mem := w.Agents["alice"].Memory
	if len(mem) != 1 || mem[0].MessageID != "a0" {
		t.Errorf("surviving memory = %+v, want only the same-tick predecessor", mem)
	}
}
