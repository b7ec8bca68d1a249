// Package builtin wires the standard tool set into a runtime ToolFactory:
// shell_cmd, the file tools, and load_skill.
package builtin

import (
	"sync"

	worlds "github.com/nivara/worlds"
	"github.com/nivara/worlds/tools/file"
	"github.com/nivara/worlds/tools/shell"
	"github.com/nivara/worlds/tools/skillload"
)

// Set builds per-world tool sets and retains the shell tool of each world
// so its execution history stays readable after wiring.
type Set struct {
	skills *worlds.SkillRegistry

	mu     sync.Mutex
	shells map[string]*shell.Tool
}

// New creates the built-in tool set. skills may be nil; load_skill is then
// omitted.
func New(skills *worlds.SkillRegistry) *Set {
	return &Set{
		skills: skills,
		shells: make(map[string]*shell.Tool),
	}
}

// Factory returns the ToolFactory to pass to the runtime.
func (s *Set) Factory() worlds.ToolFactory {
	return func(w *worlds.World) []worlds.Tool {
		sh := shell.New()
		s.mu.Lock()
		s.shells[w.ID] = sh
		s.mu.Unlock()

		tools := []worlds.Tool{sh, file.New()}
		if s.skills != nil {
			tools = append(tools, skillload.New(s.skills))
		}
		return tools
	}
}

// ShellHistory returns the recorded shell invocations for a world, most
// recent first. Nil when the world has no shell tool yet.
func (s *Set) ShellHistory(worldID string) []shell.HistoryEntry {
	s.mu.Lock()
	sh := s.shells[worldID]
	s.mu.Unlock()
	if sh == nil {
		return nil
	}
	return sh.History()
}

// Forget drops the retained shell tool for a deleted world.
func (s *Set) Forget(worldID string) {
	s.mu.Lock()
	delete(s.shells, worldID)
	s.mu.Unlock()
}
