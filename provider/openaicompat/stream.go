package openaicompat

import (
	"bufio"
	"context"
	"io"
	"strings"

	"encoding/json"

	worlds "github.com/nivara/worlds"
)

// StreamSSE reads an SSE stream from body, invokes onChunk for each text
// delta, and returns the fully accumulated unified response.
//
// SSE format expected:
//
//	data: {"id":"...","choices":[...]}\n
//	data: [DONE]\n
func StreamSSE(ctx context.Context, body io.Reader, onChunk worlds.ChunkFunc) (worlds.LLMResponse, error) {
	scanner := bufio.NewScanner(body)
	// Increase buffer for large SSE payloads.
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)

	var fullContent strings.Builder

	// OpenAI streams tool calls incrementally: each chunk carries an index
	// and arguments arrive as string fragments.
	type partialToolCall struct {
		ID   string
		Name string
		Args strings.Builder
	}
	var toolCalls []partialToolCall
	sawToolCalls := false

	for scanner.Scan() {
		if ctx.Err() != nil {
			return worlds.LLMResponse{}, ctx.Err()
		}
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}

		var chunk ChatResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			// Skip malformed chunks.
			continue
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta
		if delta == nil {
			continue
		}

		if delta.Content != "" {
			fullContent.WriteString(delta.Content)
			if onChunk != nil {
				onChunk(delta.Content)
			}
		}

		for _, tc := range delta.ToolCalls {
			sawToolCalls = true
			idx := tc.Index
			if idx < 0 {
				// Index comes from the server; never trust it as a slice
				// position.
				continue
			}
			for len(toolCalls) <= idx {
				toolCalls = append(toolCalls, partialToolCall{})
			}
			if tc.ID != "" {
				toolCalls[idx].ID = tc.ID
			}
			if tc.Function.Name != "" {
				toolCalls[idx].Name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				toolCalls[idx].Args.WriteString(tc.Function.Arguments)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return worlds.LLMResponse{}, err
	}

	if sawToolCalls {
		reqs := make([]ToolCallRequest, 0, len(toolCalls))
		for _, tc := range toolCalls {
			reqs = append(reqs, ToolCallRequest{
				ID:       tc.ID,
				Function: FunctionCall{Name: tc.Name, Arguments: tc.Args.String()},
			})
		}
		return worlds.LLMResponse{
			Kind:      worlds.KindToolCalls,
			Content:   fullContent.String(),
			ToolCalls: ParseToolCalls(reqs),
		}, nil
	}
	return worlds.LLMResponse{Kind: worlds.KindText, Content: fullContent.String()}, nil
}
