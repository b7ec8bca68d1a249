package worlds

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Tool defines an agent capability with one or more tool functions.
// Implementations read the world context (working directory, chat scope)
// via ToolContextFrom.
type Tool interface {
	Definitions() []ToolDefinition
	Execute(ctx context.Context, name string, args json.RawMessage) (ToolResult, error)
}

// ToolResult is the outcome of a tool execution. Error is a model-facing
// string; tool failures are never retried, the LLM recovers from the text.
type ToolResult struct {
	Content string `json:"content"`
	Error   string `json:"error,omitempty"`
}

// ToolContext carries the world scope a tool executes under.
type ToolContext struct {
	WorldID string
	ChatID  string
	AgentID string
	// WorkingDirectory is the enforced filesystem root, "" when unset.
	WorkingDirectory string
}

type toolContextKey struct{}

// WithToolContext attaches tc to ctx for tool implementations.
func WithToolContext(ctx context.Context, tc ToolContext) context.Context {
	return context.WithValue(ctx, toolContextKey{}, tc)
}

// ToolContextFrom extracts the tool context, zero-valued when absent.
func ToolContextFrom(ctx context.Context) ToolContext {
	tc, _ := ctx.Value(toolContextKey{}).(ToolContext)
	return tc
}

// ToolRegistry holds registered tools and dispatches execution. Arguments
// are validated against each definition's JSON schema before dispatch.
type ToolRegistry struct {
	tools   []Tool
	schemas map[string]*jsonschema.Schema
	aliases map[string]string
}

// NewToolRegistry creates an empty registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{
		schemas: make(map[string]*jsonschema.Schema),
		aliases: make(map[string]string),
	}
}

// Add registers a tool and compiles its parameter schemas. A definition
// with an uncompilable schema is registered without validation.
func (r *ToolRegistry) Add(t Tool) {
	r.tools = append(r.tools, t)
	for _, d := range t.Definitions() {
		if d.Parameters == nil {
			continue
		}
		raw, err := json.Marshal(d.Parameters)
		if err != nil {
			continue
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(d.Name+".json", strings.NewReader(string(raw))); err != nil {
			continue
		}
		schema, err := compiler.Compile(d.Name + ".json")
		if err != nil {
			continue
		}
		r.schemas[d.Name] = schema
	}
}

// Alias routes an alternate name to an existing tool, e.g. grep_search
// for grep.
func (r *ToolRegistry) Alias(alias, target string) {
	r.aliases[alias] = target
}

// AllDefinitions returns tool definitions from all registered tools.
func (r *ToolRegistry) AllDefinitions() []ToolDefinition {
	var defs []ToolDefinition
	for _, t := range r.tools {
		defs = append(defs, t.Definitions()...)
	}
	return defs
}

// Execute validates args against the tool's schema and dispatches by name.
// Unknown tools and validation failures return a model-facing error result
// rather than a Go error, so the conversation can continue.
func (r *ToolRegistry) Execute(ctx context.Context, name string, args json.RawMessage) (ToolResult, error) {
	if target, ok := r.aliases[name]; ok {
		name = target
	}
	if schema, ok := r.schemas[name]; ok && len(args) > 0 {
		var decoded any
		if err := json.Unmarshal(args, &decoded); err != nil {
			return ToolResult{Error: fmt.Sprintf("invalid tool arguments: %v", err)}, nil
		}
		if err := schema.Validate(decoded); err != nil {
			return ToolResult{Error: fmt.Sprintf("tool arguments failed validation: %v", err)}, nil
		}
	}
	for _, t := range r.tools {
		for _, d := range t.Definitions() {
			if d.Name == name {
				return t.Execute(ctx, name, args)
			}
		}
	}
	return ToolResult{Error: "unknown tool: " + name}, nil
}
