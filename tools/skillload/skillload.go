// Package skillload exposes the load_skill tool: on-demand loading of a
// named skill's full content into the conversation.
package skillload

import (
	"context"
	"encoding/json"
	"strings"

	worlds "github.com/nivara/worlds"
)

// Tool loads skill content from a registry.
type Tool struct {
	registry *worlds.SkillRegistry
}

// Compile-time interface check.
var _ worlds.Tool = (*Tool)(nil)

// New creates the skill loading tool backed by registry.
func New(registry *worlds.SkillRegistry) *Tool {
	return &Tool{registry: registry}
}

func (t *Tool) Definitions() []worlds.ToolDefinition {
	desc := "Load the full content of a skill by id. " +
		"Use when a listed skill is relevant to the current task."
	if t.registry != nil {
		if names := skillIDs(t.registry.List()); names != "" {
			desc += " Available: " + names + "."
		}
	}
	return []worlds.ToolDefinition{{
		Name:        "load_skill",
		Description: desc,
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"skill_id": map[string]any{
					"type":        "string",
					"description": "Identifier of the skill to load",
				},
			},
			"required": []any{"skill_id"},
		},
	}}
}

type loadArgs struct {
	SkillID string `json:"skill_id"`
}

func (t *Tool) Execute(_ context.Context, _ string, args json.RawMessage) (worlds.ToolResult, error) {
	var p loadArgs
	if err := json.Unmarshal(args, &p); err != nil {
		return worlds.ToolResult{Error: "invalid args: " + err.Error()}, nil
	}
	if p.SkillID == "" {
		return worlds.ToolResult{Error: "skill_id is required"}, nil
	}
	if t.registry == nil {
		return worlds.ToolResult{Error: "no skill registry configured"}, nil
	}
	return worlds.ToolResult{Content: t.registry.LoadSkillContext(p.SkillID)}, nil
}

func skillIDs(skills []worlds.Skill) string {
	ids := make([]string, 0, len(skills))
	for _, s := range skills {
		ids = append(ids, s.ID)
	}
	return strings.Join(ids, ", ")
}
