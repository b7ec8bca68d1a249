package openaicompat

import (
	"testing"

	worlds "github.com/nivara/worlds"
)

func TestParseResponseText(t *testing.T) {
	resp := ChatResponse{Choices: []Choice{{
		Message: &ChoiceMessage{Role: "assistant", Content: "hello"},
	}}}
	got, err := ParseResponse(resp)
	if err != nil {
		t.Fatalf("ParseResponse() error = %v", err)
	}
	if got.Kind != worlds.KindText || got.Content != "hello" {
		t.Errorf("got %s/%q, want text/hello", got.Kind, got.Content)
	}
}

func TestParseResponseToolCalls(t *testing.T) {
	resp := ChatResponse{Choices: []Choice{{
		Message: &ChoiceMessage{
			Content: "let me check",
			ToolCalls: []ToolCallRequest{{
				ID:       "call-1",
				Function: FunctionCall{Name: "shell_cmd", Arguments: `{"command":"ls"}`},
			}},
		},
	}}}
	got, err := ParseResponse(resp)
	if err != nil {
		t.Fatalf("ParseResponse() error = %v", err)
	}
	if got.Kind != worlds.KindToolCalls {
		t.Fatalf("Kind = %s, want tool_calls", got.Kind)
	}
	if len(got.ToolCalls) != 1 || got.ToolCalls[0].Name != "shell_cmd" {
		t.Errorf("ToolCalls = %+v, want one shell_cmd call", got.ToolCalls)
	}
	if got.Content != "let me check" {
		t.Errorf("Content = %q, want the accompanying text", got.Content)
	}
}

func TestParseResponseInvalidOnlyToolCalls(t *testing.T) {
	// Entries with an empty function name drop, but the response stays
	// tool_calls with a zero-length slice, never text.
	resp := ChatResponse{Choices: []Choice{{
		Message: &ChoiceMessage{
			ToolCalls: []ToolCallRequest{
				{ID: "bad-1", Function: FunctionCall{Name: ""}},
				{ID: "bad-2", Function: FunctionCall{Name: "", Arguments: "{}"}},
			},
		},
	}}}
	got, err := ParseResponse(resp)
	if err != nil {
		t.Fatalf("ParseResponse() error = %v", err)
	}
	if got.Kind != worlds.KindToolCalls {
		t.Errorf("Kind = %s, want tool_calls even with no valid entries", got.Kind)
	}
	if len(got.ToolCalls) != 0 {
		t.Errorf("ToolCalls = %+v, want empty", got.ToolCalls)
	}
}

func TestParseResponseEmptyChoices(t *testing.T) {
	got, err := ParseResponse(ChatResponse{})
	if err != nil {
		t.Fatalf("ParseResponse() error = %v", err)
	}
	if got.Kind != worlds.KindText || got.Content != "" {
		t.Errorf("got %s/%q, want empty text", got.Kind, got.Content)
	}
}

func TestParseToolCallsNormalizesArguments(t *testing.T) {
	tests := []struct {
		name string
		args string
		want string
	}{
		{"valid passthrough", `{"a":1}`, `{"a":1}`},
		{"empty becomes object", "", "{}"},
		{"truncated json becomes object", `{"a":`, "{}"},
		{"garbage becomes object", "not json", "{}"},
	}
	for _, tt := range tests {
		got := ParseToolCalls([]ToolCallRequest{{
			ID:       "c1",
			Function: FunctionCall{Name: "t", Arguments: tt.args},
		}})
		if len(got) != 1 {
			t.Fatalf("%s: got %d calls, want 1", tt.name, len(got))
		}
		if got[0].Arguments != tt.want {
			t.Errorf("%s: Arguments = %q, want %q", tt.name, got[0].Arguments, tt.want)
		}
	}
}

func TestBuildBodyRoles(t *testing.T) {
	messages := []worlds.AgentMessage{
		{Role: "system", Content: "prompt"},
		{Role: "user", Content: "hi", Sender: "human"},
		{Role: "assistant", Content: "checking", ToolCalls: []worlds.ToolCall{
			{ID: "c1", Name: "shell_cmd", Arguments: `{"command":"ls"}`},
		}},
		{Role: "tool", Content: "result", ToolCallID: "c1"},
		{Role: "assistant", Content: "done"},
	}
	req := BuildBody(messages, []worlds.ToolDefinition{{Name: "shell_cmd"}}, "gpt-4o")

	if req.Model != "gpt-4o" {
		t.Errorf("Model = %q, want gpt-4o", req.Model)
	}
	if len(req.Messages) != 5 {
		t.Fatalf("got %d messages, want 5", len(req.Messages))
	}
	tc := req.Messages[2]
	if tc.Role != "assistant" || len(tc.ToolCalls) != 1 || tc.ToolCalls[0].Type != "function" {
		t.Errorf("tool-call message = %+v, want assistant with typed function call", tc)
	}
	if req.Messages[3].ToolCallID != "c1" {
		t.Errorf("tool message ToolCallID = %q, want c1", req.Messages[3].ToolCallID)
	}
	if len(req.Tools) != 1 || req.Tools[0].Function.Name != "shell_cmd" {
		t.Errorf("Tools = %+v, want shell_cmd", req.Tools)
	}
}
