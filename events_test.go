package worlds

import (
	"encoding/json"
	"testing"
)

func TestEnvelopeFlattensPayload(t *testing.T) {
	ev := Event{
		Kind:    EventMessage,
		WorldID: "w1",
		ChatID:  "c1",
		Message: &MessagePayload{
			MessageID: "m1",
			Sender:    "alice",
			Content:   "hello",
			Timestamp: 42,
		},
	}
	raw, err := ev.Envelope()
	if err != nil {
		t.Fatalf("Envelope() error = %v", err)
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("envelope is not valid JSON: %v", err)
	}
	if out["type"] != "message" {
		t.Errorf("type = %v, want message", out["type"])
	}
	if out["worldId"] != "w1" {
		t.Errorf("worldId = %v, want w1", out["worldId"])
	}
	// Payload fields flatten next to the header, not under a nested key.
	if out["messageId"] != "m1" || out["sender"] != "alice" {
		t.Errorf("payload not flattened: %v", out)
	}
	if _, nested := out["message"]; nested {
		t.Error("payload left nested under \"message\"")
	}
}

func TestEnvelopeHeaderWinsOnCollision(t *testing.T) {
	// MessagePayload carries its own chatId; the header value must not be
	// overwritten by the payload's.
	ev := Event{
		Kind:    EventMessage,
		WorldID: "w1",
		ChatID:  "header-chat",
		Message: &MessagePayload{MessageID: "m1", ChatID: "payload-chat"},
	}
	raw, err := ev.Envelope()
	if err != nil {
		t.Fatalf("Envelope() error = %v", err)
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out["chatId"] != "header-chat" {
		t.Errorf("chatId = %v, want header-chat", out["chatId"])
	}
}

func TestEnvelopeSystemEvent(t *testing.T) {
	ev := Event{
		Kind:    EventSystem,
		WorldID: "w1",
		System: &SystemPayload{
			EventType: SystemTurnLimitReached,
			ChatID:    "c1",
		},
	}
	raw, err := ev.Envelope()
	if err != nil {
		t.Fatalf("Envelope() error = %v", err)
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out["eventType"] != SystemTurnLimitReached {
		t.Errorf("eventType = %v, want %s", out["eventType"], SystemTurnLimitReached)
	}
}
