package worlds

import (
	"encoding/json"
	"strings"
)

// toolResultEnvelope is the enhanced-string shape used to carry tool
// results through a plain string channel.
type toolResultEnvelope struct {
	Type       string `json:"__type"`
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
}

// ParseMessageContent recognizes the enhanced-string tool-result envelope:
// a JSON object tagged __type "tool_result" with a tool_call_id becomes a
// tool-role message. Everything else, including invalid or unrelated JSON,
// is preserved verbatim under defaultRole.
func ParseMessageContent(raw, defaultRole string) AgentMessage {
	if defaultRole == "" {
		defaultRole = "user"
	}
	trimmed := strings.TrimSpace(raw)
	if strings.HasPrefix(trimmed, "{") {
		var env toolResultEnvelope
		if err := json.Unmarshal([]byte(trimmed), &env); err == nil &&
			env.Type == "tool_result" && env.ToolCallID != "" {
			return AgentMessage{
				Role:       "tool",
				ToolCallID: env.ToolCallID,
				Content:    env.Content,
				CreatedAt:  NowMillis(),
			}
		}
	}
	return AgentMessage{Role: defaultRole, Content: raw, CreatedAt: NowMillis()}
}

// FilterClientSideMessages strips client-executed tool traffic before an
// LLM call:
//
//  1. drop tool_calls whose name starts with "client." (case-sensitive)
//  2. drop assistant messages whose tool_calls became empty in step 1
//  3. drop tool messages whose tool_call_id no longer matches a surviving
//     assistant tool_call
//  4. drop tool messages missing tool_call_id
//
// Relative order of survivors is preserved and the input is not mutated.
// Unmatched tool messages are also dropped here, which enforces the memory
// invariant that every tool message sent upstream pairs with an earlier
// assistant tool_call.
func FilterClientSideMessages(messages []AgentMessage) []AgentMessage {
	out := make([]AgentMessage, 0, len(messages))
	validCallIDs := make(map[string]bool)

	for _, m := range messages {
		if m.Role == "assistant" && len(m.ToolCalls) > 0 {
			kept := make([]ToolCall, 0, len(m.ToolCalls))
			for _, tc := range m.ToolCalls {
				if strings.HasPrefix(tc.Name, "client.") {
					continue
				}
				kept = append(kept, tc)
			}
			if len(kept) == 0 {
				continue
			}
			for _, tc := range kept {
				validCallIDs[tc.ID] = true
			}
			copied := m
			copied.ToolCalls = kept
			out = append(out, copied)
			continue
		}
		if m.Role == "tool" {
			if m.ToolCallID == "" || !validCallIDs[m.ToolCallID] {
				continue
			}
		}
		out = append(out, m)
	}
	return out
}

// PrepareMessagesForLLM assembles the provider message list for one turn:
// the agent's system prompt first when present, then history filtered by
// chat scope, then the current message. chatID nil means all history; a
// non-nil chatID matches entries with the same chat attribution, including
// the empty attribution matching itself. Timestamps are preserved.
func PrepareMessagesForLLM(agent *Agent, current AgentMessage, history []AgentMessage, chatID *string) []AgentMessage {
	out := make([]AgentMessage, 0, len(history)+2)
	if agent != nil && agent.SystemPrompt != "" {
		out = append(out, AgentMessage{Role: "system", Content: agent.SystemPrompt})
	}
	for _, m := range history {
		if chatID != nil && m.ChatID != *chatID {
			continue
		}
		out = append(out, m)
	}
	out = append(out, current)
	return out
}
