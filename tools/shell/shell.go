// Package shell implements the shell_cmd tool: argv-style command
// execution with working-directory containment, artifact digests, and a
// bounded execution history.
package shell

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	worlds "github.com/nivara/worlds"
)

// DefaultTimeoutMillis bounds one command when the model sets no timeout.
const DefaultTimeoutMillis = 30000

// historySize bounds the execution history ring.
const historySize = 1024

// HistoryEntry is one recorded invocation.
type HistoryEntry struct {
	Command    string   `json:"command"`
	Parameters []string `json:"parameters,omitempty"`
	// ExitCode is nil when the process timed out or never ran.
	ExitCode   *int   `json:"exit_code"`
	StartedAt  int64  `json:"startedAt"`
	DurationMs int64  `json:"durationMs"`
	StdoutHead string `json:"stdoutHead,omitempty"`
}

// Artifact is a digest of one declared output file.
type Artifact struct {
	Path   string `json:"path"`
	SHA256 string `json:"sha256"`
	Bytes  int64  `json:"bytes"`
}

// Tool executes commands inside the world's enforced working directory.
type Tool struct {
	mu      sync.Mutex
	history []HistoryEntry
}

// Compile-time interface check.
var _ worlds.Tool = (*Tool)(nil)

// New creates the shell tool.
func New() *Tool {
	return &Tool{}
}

func (t *Tool) Definitions() []worlds.ToolDefinition {
	return []worlds.ToolDefinition{{
		Name: "shell_cmd",
		Description: "Execute a command with argv-style parameters inside the working directory. " +
			"Inline script execution (sh -c, bash -c) is not permitted.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"command": map[string]any{
					"type":        "string",
					"description": "Executable to run",
				},
				"parameters": map[string]any{
					"type":        "array",
					"items":       map[string]any{"type": "string"},
					"description": "Arguments passed verbatim; path arguments must stay inside the working directory",
				},
				"directory": map[string]any{
					"type":        "string",
					"description": "Run directory; must equal the working directory when set",
				},
				"output_format": map[string]any{
					"type":        "string",
					"enum":        []any{"text", "json"},
					"description": "Result rendering, default text",
				},
				"artifact_paths": map[string]any{
					"type":        "array",
					"items":       map[string]any{"type": "string"},
					"description": "Output files to digest after execution",
				},
				"timeout": map[string]any{
					"type":        "integer",
					"description": "Timeout in milliseconds, default 30000",
				},
			},
			"required": []any{"command"},
		},
	}}
}

type shellArgs struct {
	Command       string   `json:"command"`
	Parameters    []string `json:"parameters"`
	Directory     string   `json:"directory"`
	OutputFormat  string   `json:"output_format"`
	ArtifactPaths []string `json:"artifact_paths"`
	Timeout       int      `json:"timeout"`
}

type jsonResult struct {
	ExitCode   *int       `json:"exit_code"`
	Stdout     string     `json:"stdout"`
	Stderr     string     `json:"stderr"`
	TimedOut   bool       `json:"timed_out"`
	DurationMs int64      `json:"duration_ms"`
	Artifacts  []Artifact `json:"artifacts"`
}

// interpreters whose -c flag runs inline scripts.
var inlineShells = map[string]bool{
	"sh": true, "bash": true, "zsh": true, "dash": true, "ksh": true,
}

func (t *Tool) Execute(ctx context.Context, _ string, args json.RawMessage) (worlds.ToolResult, error) {
	var p shellArgs
	if err := json.Unmarshal(args, &p); err != nil {
		return worlds.ToolResult{Error: "invalid args: " + err.Error()}, nil
	}
	if p.Command == "" {
		return worlds.ToolResult{Error: "command is required"}, nil
	}

	if inlineShells[baseName(p.Command)] {
		for _, a := range p.Parameters {
			// Combined short flags count too: -lc and -ec run inline
			// scripts just like a bare -c.
			if len(a) > 1 && a[0] == '-' && a[1] != '-' && strings.ContainsRune(a[1:], 'c') {
				return worlds.ToolResult{Error: "inline script execution not permitted"}, nil
			}
		}
	}

	tc := worlds.ToolContextFrom(ctx)
	root := tc.WorkingDirectory

	runDir := root
	if p.Directory != "" {
		if root != "" && p.Directory != root {
			// The literal mismatch string is the containment contract; it
			// surfaces as result content so the model can self-correct.
			return worlds.ToolResult{Content: worlds.WorkdirMismatch(p.Directory)}, nil
		}
		runDir = p.Directory
	}
	if runDir == "" {
		// No enforced root and no directory: the user home is the last
		// resort, matching the process default for interactive shells.
		if home, err := os.UserHomeDir(); err == nil {
			runDir = home
		}
	}

	if err := worlds.CheckParams(root, p.Parameters); err != nil {
		return worlds.ToolResult{Content: err.Error()}, nil
	}
	for _, ap := range p.ArtifactPaths {
		if _, err := worlds.CheckPath(root, ap); err != nil {
			return worlds.ToolResult{Content: err.Error()}, nil
		}
	}

	timeout := p.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeoutMillis
	}

	started := time.Now()
	res := t.run(ctx, p, runDir, time.Duration(timeout)*time.Millisecond)
	res.DurationMs = time.Since(started).Milliseconds()
	res.Artifacts = collectArtifacts(root, p.ArtifactPaths)

	t.record(HistoryEntry{
		Command:    p.Command,
		Parameters: p.Parameters,
		ExitCode:   res.ExitCode,
		StartedAt:  started.UnixMilli(),
		DurationMs: res.DurationMs,
		StdoutHead: head(res.Stdout, 256),
	})

	if p.OutputFormat == "json" {
		raw, err := json.Marshal(res)
		if err != nil {
			return worlds.ToolResult{Error: "marshal result: " + err.Error()}, nil
		}
		return worlds.ToolResult{Content: string(raw)}, nil
	}
	return worlds.ToolResult{Content: renderText(p, res)}, nil
}

// run executes the command with a process group so a timeout kills the
// whole tree.
func (t *Tool) run(ctx context.Context, p shellArgs, dir string, timeout time.Duration) jsonResult {
	cmdCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, p.Command, p.Parameters...)
	cmd.Dir = dir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process != nil {
			return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		}
		return nil
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	res := jsonResult{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}
	if cmdCtx.Err() == context.DeadlineExceeded {
		res.TimedOut = true
		return res
	}
	if err != nil {
		if ee, ok := err.(*exec.ExitError); ok {
			code := ee.ExitCode()
			res.ExitCode = &code
			return res
		}
		// Spawn failure: no exit code, surface the error on stderr.
		if res.Stderr != "" {
			res.Stderr += "\n"
		}
		res.Stderr += err.Error()
		return res
	}
	zero := 0
	res.ExitCode = &zero
	return res
}

func renderText(p shellArgs, res jsonResult) string {
	var b strings.Builder
	b.WriteString("**Command:** `")
	b.WriteString(p.Command)
	for _, a := range p.Parameters {
		b.WriteByte(' ')
		b.WriteString(a)
	}
	b.WriteString("`\n\n")
	if out := strings.TrimSpace(res.Stdout); out != "" {
		b.WriteString("```\n")
		b.WriteString(out)
		b.WriteString("\n```\n")
	}
	if errOut := strings.TrimSpace(res.Stderr); errOut != "" {
		b.WriteString("stderr:\n```\n")
		b.WriteString(errOut)
		b.WriteString("\n```\n")
	}
	switch {
	case res.TimedOut:
		b.WriteString("Timed out\n")
	case res.ExitCode != nil:
		fmt.Fprintf(&b, "Exit code %d\n", *res.ExitCode)
	default:
		b.WriteString("Did not run\n")
	}
	return b.String()
}

// collectArtifacts digests each declared artifact that exists.
func collectArtifacts(root string, paths []string) []Artifact {
	out := make([]Artifact, 0, len(paths))
	for _, p := range paths {
		resolved, err := worlds.CheckPath(root, p)
		if err != nil {
			continue
		}
		f, err := os.Open(resolved)
		if err != nil {
			continue
		}
		h := sha256.New()
		n, err := io.Copy(h, f)
		f.Close()
		if err != nil {
			continue
		}
		out = append(out, Artifact{
			Path:   resolved,
			SHA256: hex.EncodeToString(h.Sum(nil)),
			Bytes:  n,
		})
	}
	return out
}

// record appends to the history ring, evicting the oldest entry at
// capacity.
func (t *Tool) record(e HistoryEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.history = append(t.history, e)
	if len(t.history) > historySize {
		t.history = t.history[len(t.history)-historySize:]
	}
}

// History returns recorded invocations, most recent first.
func (t *Tool) History() []HistoryEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]HistoryEntry, len(t.history))
	for i, e := range t.history {
		out[len(t.history)-1-i] = e
	}
	return out
}

func baseName(command string) string {
	if i := strings.LastIndexByte(command, '/'); i >= 0 {
		return command[i+1:]
	}
	return command
}

func head(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
