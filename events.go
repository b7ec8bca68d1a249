package worlds

import "encoding/json"

// EventKind discriminates bus event payloads.
type EventKind string

const (
	EventMessage  EventKind = "message"
	EventSSE      EventKind = "sse"
	EventTool     EventKind = "tool"
	EventActivity EventKind = "activity"
	EventSystem   EventKind = "system"
	EventLog      EventKind = "log"
)

// Event is a tagged union carried on a world bus. Exactly one payload
// pointer is non-nil, matching Kind.
type Event struct {
	Kind    EventKind `json:"type"`
	WorldID string    `json:"worldId"`
	ChatID  string    `json:"chatId,omitempty"`

	Message  *MessagePayload  `json:"message,omitempty"`
	SSE      *SSEPayload      `json:"sse,omitempty"`
	Tool     *ToolPayload     `json:"tool,omitempty"`
	Activity *ActivityPayload `json:"activity,omitempty"`
	System   *SystemPayload   `json:"system,omitempty"`
	Log      *LogPayload      `json:"log,omitempty"`
}

// MessagePayload is a finalized conversation message broadcast.
type MessagePayload struct {
	MessageID string `json:"messageId"`
	Sender    string `json:"sender"`
	Content   string `json:"content"`
	ChatID    string `json:"chatId,omitempty"`
	Role      string `json:"role,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// SSE event sub-types.
const (
	SSEStart      = "start"
	SSEChunk      = "chunk"
	SSEEnd        = "end"
	SSEError      = "error"
	SSEToolStream = "tool-stream"
)

// SSEPayload carries one streaming lifecycle step for a messageId.
// For a given messageId, start precedes every chunk, which precede end
// or error.
type SSEPayload struct {
	MessageID string `json:"messageId"`
	AgentName string `json:"agentName"`
	EventType string `json:"eventType"`
	Content   string `json:"content,omitempty"`
	Error     string `json:"error,omitempty"`
	// Code is a stable machine code on error events, e.g. "cancelled".
	Code   string `json:"code,omitempty"`
	ChatID string `json:"chatId,omitempty"`
}

// Tool event sub-types.
const (
	ToolEventStart    = "tool-start"
	ToolEventResult   = "tool-result"
	ToolEventError    = "tool-error"
	ToolEventProgress = "tool-progress"
)

// ToolPayload carries one tool invocation lifecycle step for a toolUseId.
type ToolPayload struct {
	ToolUseID string `json:"toolUseId"`
	ToolName  string `json:"toolName"`
	EventType string `json:"eventType"`
	Input     string `json:"input,omitempty"`
	Result    string `json:"result,omitempty"`
	Error     string `json:"error,omitempty"`
	Progress  string `json:"progress,omitempty"`
	ChatID    string `json:"chatId,omitempty"`
}

// ActivityPayload reports pending-operation counts per source.
type ActivityPayload struct {
	EventType         string   `json:"eventType"`
	PendingOperations int      `json:"pendingOperations"`
	ActivityID        string   `json:"activityId"`
	Source            string   `json:"source"`
	ActiveSources     []string `json:"activeSources,omitempty"`
}

// System event sub-types used by the core.
const (
	SystemTurnLimitReached  = "turn_limit_reached"
	SystemCancelled         = "cancelled"
	SystemError             = "error"
	SystemHITLOptionRequest = "hitl_option_request"
	SystemStorageFailure    = "storage_failure"
)

// SystemPayload carries orchestration notices outside the message stream.
type SystemPayload struct {
	EventType string `json:"eventType"`
	ChatID    string `json:"chatId,omitempty"`
	MessageID string `json:"messageId,omitempty"`
	CreatedAt int64  `json:"createdAt,omitempty"`
	Content   string `json:"content,omitempty"`
	// HITL fields, set when EventType is hitl_option_request.
	RequestID string       `json:"requestId,omitempty"`
	Prompt    string       `json:"prompt,omitempty"`
	Options   []HITLOption `json:"options,omitempty"`
}

// LogPayload mirrors orchestration logs onto the bus for observers.
type LogPayload struct {
	Category  string         `json:"category"`
	Level     string         `json:"level"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp int64          `json:"timestamp"`
}

// HITLOption is one selectable choice in an option request.
type HITLOption struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

// HITLRequest is a pending human-in-the-loop option request.
type HITLRequest struct {
	RequestID string       `json:"requestId"`
	WorldID   string       `json:"worldId"`
	Kind      string       `json:"kind"` // always "option"
	Prompt    string       `json:"prompt"`
	Options   []HITLOption `json:"options"`
	CreatedAt int64        `json:"createdAt"`
	Resolved  bool         `json:"resolved"`
}

// HITLResponse is the resolution of an option request. Cancelled is set
// when the request timed out or the world was cancelled.
type HITLResponse struct {
	RequestID string `json:"requestId"`
	OptionID  string `json:"optionId,omitempty"`
	Cancelled bool   `json:"cancelled,omitempty"`
}

// Envelope renders the outward JSON shape for adapters: the payload fields
// are flattened next to type/worldId/chatId rather than nested.
func (e Event) Envelope() ([]byte, error) {
	out := map[string]any{
		"type":    string(e.Kind),
		"worldId": e.WorldID,
	}
	if e.ChatID != "" {
		out["chatId"] = e.ChatID
	}
	var payload any
	switch e.Kind {
	case EventMessage:
		payload = e.Message
	case EventSSE:
		payload = e.SSE
	case EventTool:
		payload = e.Tool
	case EventActivity:
		payload = e.Activity
	case EventSystem:
		payload = e.System
	case EventLog:
		payload = e.Log
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, &StorageError{Op: StorageSerialize, Err: err}
		}
		var fields map[string]any
		if err := json.Unmarshal(raw, &fields); err != nil {
			return nil, &StorageError{Op: StorageSerialize, Err: err}
		}
		for k, v := range fields {
			if _, taken := out[k]; !taken {
				out[k] = v
			}
		}
	}
	return json.Marshal(out)
}
