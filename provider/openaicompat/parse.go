package openaicompat

import (
	"encoding/json"

	worlds "github.com/nivara/worlds"
)

// ParseResponse converts an OpenAI-format ChatResponse into the unified
// LLMResponse sum. A response carrying any tool_calls entries is a
// tool_calls response; entries with an empty function name are dropped, so
// a response with only invalid entries yields tool_calls of length zero,
// never text. That lets the continuation loop recognize a zero-effect tool
// turn.
func ParseResponse(resp ChatResponse) (worlds.LLMResponse, error) {
	if len(resp.Choices) == 0 {
		return worlds.LLMResponse{Kind: worlds.KindText}, nil
	}
	choice := resp.Choices[0]
	if choice.Message == nil {
		return worlds.LLMResponse{Kind: worlds.KindText}, nil
	}
	if len(choice.Message.ToolCalls) > 0 {
		return worlds.LLMResponse{
			Kind:      worlds.KindToolCalls,
			Content:   choice.Message.Content,
			ToolCalls: ParseToolCalls(choice.Message.ToolCalls),
		}, nil
	}
	return worlds.LLMResponse{Kind: worlds.KindText, Content: choice.Message.Content}, nil
}

// ParseToolCalls converts OpenAI tool call requests, dropping entries with
// an empty function name. Arguments pass through as the raw string the
// provider sent; malformed partial JSON is normalized best-effort to an
// empty object rather than failing.
func ParseToolCalls(tcs []ToolCallRequest) []worlds.ToolCall {
	out := make([]worlds.ToolCall, 0, len(tcs))
	for _, tc := range tcs {
		if tc.Function.Name == "" {
			continue
		}
		args := tc.Function.Arguments
		if args == "" || !json.Valid([]byte(args)) {
			args = "{}"
		}
		out = append(out, worlds.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: args,
		})
	}
	return out
}
