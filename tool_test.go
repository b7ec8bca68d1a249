package worlds

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
)

type recordingTool struct {
	defs   []ToolDefinition
	called []string
	result ToolResult
}

func (t *recordingTool) Definitions() []ToolDefinition { return t.defs }

func (t *recordingTool) Execute(_ context.Context, name string, _ json.RawMessage) (ToolResult, error) {
	t.called = append(t.called, name)
	return t.result, nil
}

func schemaTool() *recordingTool {
	return &recordingTool{
		defs: []ToolDefinition{{
			Name: "grep",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"pattern": map[string]any{"type": "string"},
				},
				"required": []any{"pattern"},
			},
		}},
		result: ToolResult{Content: "ok"},
	}
}

func TestRegistryDispatches(t *testing.T) {
	tool := schemaTool()
	r := NewToolRegistry()
	r.Add(tool)

	res, err := r.Execute(context.Background(), "grep", json.RawMessage(`{"pattern":"x"}`))
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if res.Content != "ok" || res.Error != "" {
		t.Errorf("result = %+v, want ok", res)
	}
	if len(tool.called) != 1 || tool.called[0] != "grep" {
		t.Errorf("called = %v, want one grep dispatch", tool.called)
	}
}

func TestRegistryValidatesArguments(t *testing.T) {
	tool := schemaTool()
	r := NewToolRegistry()
	r.Add(tool)

	// Missing required property: a model-facing error, not a Go error.
	res, err := r.Execute(context.Background(), "grep", json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !strings.HasPrefix(res.Error, "tool arguments failed validation: ") {
		t.Errorf("Error = %q, want a validation failure", res.Error)
	}
	if len(tool.called) != 0 {
		t.Error("tool dispatched despite failing validation")
	}

	res, err = r.Execute(context.Background(), "grep", json.RawMessage(`not json`))
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !strings.HasPrefix(res.Error, "invalid tool arguments: ") {
		t.Errorf("Error = %q, want an argument decode failure", res.Error)
	}
}

func TestRegistryUnknownTool(t *testing.T) {
	r := NewToolRegistry()
	res, err := r.Execute(context.Background(), "ghost", nil)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if res.Error != "unknown tool: ghost" {
		t.Errorf("Error = %q, want unknown tool", res.Error)
	}
}

func TestRegistryAlias(t *testing.T) {
	tool := schemaTool()
	r := NewToolRegistry()
	r.Add(tool)
	r.Alias("grep_search", "grep")

	res, err := r.Execute(context.Background(), "grep_search", json.RawMessage(`{"pattern":"x"}`))
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if res.Content != "ok" {
		t.Errorf("result = %+v, want the aliased tool's output", res)
	}
	if len(tool.called) != 1 || tool.called[0] != "grep" {
		t.Errorf("called = %v, want dispatch under the target name", tool.called)
	}
}

func TestToolContextRoundTrip(t *testing.T) {
	tc := ToolContext{WorldID: "w1", ChatID: "c1", AgentID: "a1", WorkingDirectory: "/srv/p"}
	ctx := WithToolContext(context.Background(), tc)
	if got := ToolContextFrom(ctx); got != tc {
		t.Errorf("ToolContextFrom() = %+v, want %+v", got, tc)
	}
	if got := ToolContextFrom(context.Background()); got != (ToolContext{}) {
		t.Errorf("ToolContextFrom(empty) = %+v, want zero value", got)
	}
}
