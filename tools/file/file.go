// Package file implements the read_file, list_files, and grep tools with
// working-directory containment.
package file

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	worlds "github.com/nivara/worlds"
)

// maxReadBytes caps read_file content returned to the model.
const maxReadBytes = 64 * 1024

// maxGrepMatches caps grep output.
const maxGrepMatches = 200

// Tool serves the three read-only filesystem tools. All results are JSON
// except containment violations, which return the literal mismatch string.
type Tool struct{}

// Compile-time interface check.
var _ worlds.Tool = (*Tool)(nil)

// New creates the file tool.
func New() *Tool {
	return &Tool{}
}

func (t *Tool) Definitions() []worlds.ToolDefinition {
	pathProp := map[string]any{
		"type":        "string",
		"description": "Path inside the working directory",
	}
	return []worlds.ToolDefinition{
		{
			Name:        "read_file",
			Description: "Read a file inside the working directory. Returns JSON with the content.",
			Parameters: map[string]any{
				"type":       "object",
				"properties": map[string]any{"path": pathProp},
				"required":   []any{"path"},
			},
		},
		{
			Name:        "list_files",
			Description: "List directory entries inside the working directory. Returns JSON.",
			Parameters: map[string]any{
				"type":       "object",
				"properties": map[string]any{"path": pathProp},
			},
		},
		{
			Name:        "grep",
			Description: "Search file contents for a regular expression inside the working directory. Returns JSON matches.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"pattern": map[string]any{
						"type":        "string",
						"description": "Regular expression to search for",
					},
					"path": pathProp,
				},
				"required": []any{"pattern"},
			},
		},
	}
}

type fileArgs struct {
	Path    string `json:"path"`
	Pattern string `json:"pattern"`
}

func (t *Tool) Execute(ctx context.Context, name string, args json.RawMessage) (worlds.ToolResult, error) {
	var p fileArgs
	if err := json.Unmarshal(args, &p); err != nil {
		return worlds.ToolResult{Error: "invalid args: " + err.Error()}, nil
	}

	root := worlds.ToolContextFrom(ctx).WorkingDirectory
	path := p.Path
	if path == "" {
		path = "."
	}
	resolved, err := worlds.CheckPath(root, path)
	if err != nil {
		// The literal mismatch string is the contract for these tools.
		return worlds.ToolResult{Content: worlds.WorkdirMismatch(path)}, nil
	}

	switch name {
	case "read_file":
		return readFile(resolved)
	case "list_files":
		return listFiles(resolved)
	case "grep":
		return grep(resolved, p.Pattern)
	default:
		return worlds.ToolResult{Error: "unknown file tool: " + name}, nil
	}
}

func readFile(path string) (worlds.ToolResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return worlds.ToolResult{Error: "read error: " + err.Error()}, nil
	}
	truncated := false
	if len(data) > maxReadBytes {
		data = data[:maxReadBytes]
		truncated = true
	}
	return jsonContent(map[string]any{
		"path":      path,
		"content":   string(data),
		"truncated": truncated,
	})
}

func listFiles(path string) (worlds.ToolResult, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return worlds.ToolResult{Error: "list error: " + err.Error()}, nil
	}
	type entry struct {
		Name  string `json:"name"`
		IsDir bool   `json:"is_dir"`
		Bytes int64  `json:"bytes,omitempty"`
	}
	out := make([]entry, 0, len(entries))
	for _, e := range entries {
		item := entry{Name: e.Name(), IsDir: e.IsDir()}
		if info, err := e.Info(); err == nil && !e.IsDir() {
			item.Bytes = info.Size()
		}
		out = append(out, item)
	}
	return jsonContent(map[string]any{"path": path, "entries": out})
}

type grepMatch struct {
	File string `json:"file"`
	Line int    `json:"line"`
	Text string `json:"text"`
}

func grep(path, pattern string) (worlds.ToolResult, error) {
	if pattern == "" {
		return worlds.ToolResult{Error: "pattern is required"}, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return worlds.ToolResult{Error: "invalid pattern: " + err.Error()}, nil
	}

	var matches []grepMatch
	walk := func(file string) {
		if len(matches) >= maxGrepMatches {
			return
		}
		f, err := os.Open(file)
		if err != nil {
			return
		}
		defer f.Close()
		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 256*1024), 256*1024)
		line := 0
		for scanner.Scan() {
			line++
			text := scanner.Text()
			if re.MatchString(text) {
				matches = append(matches, grepMatch{File: file, Line: line, Text: text})
				if len(matches) >= maxGrepMatches {
					return
				}
			}
		}
	}

	info, err := os.Stat(path)
	if err != nil {
		return worlds.ToolResult{Error: "grep error: " + err.Error()}, nil
	}
	if info.IsDir() {
		filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
			if err != nil || d.IsDir() {
				if d != nil && d.IsDir() && strings.HasPrefix(d.Name(), ".") && p != path {
					return filepath.SkipDir
				}
				return nil
			}
			walk(p)
			return nil
		})
	} else {
		walk(path)
	}

	return jsonContent(map[string]any{
		"pattern": pattern,
		"path":    path,
		"matches": matches,
	})
}

func jsonContent(v any) (worlds.ToolResult, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return worlds.ToolResult{Error: "marshal result: " + err.Error()}, nil
	}
	return worlds.ToolResult{Content: string(raw)}, nil
}
