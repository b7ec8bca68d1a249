// Package file implements worlds.Storage as a JSON file tree:
//
//	<root>/<worldId>/world.json
//	<root>/<worldId>/agents/<agentId>/config.json
//	<root>/<worldId>/agents/<agentId>/system-prompt.md
//	<root>/<worldId>/agents/<agentId>/memory.json
//	<root>/<worldId>/chats/<chatId>.json
//	<root>/<worldId>/events/<chatId>.json
//
// Writes are journaled (write temp, rename) so a reader never observes a
// partial file. memory.json readers additionally recover a valid JSON array
// prefix followed by trailing garbage, rewriting the file on detection.
package file

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	worlds "github.com/nivara/worlds"
)

// StoreOption configures a file Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store persists worlds under a root directory, one subtree per world.
type Store struct {
	root   string
	logger *slog.Logger

	// mu serializes writes; renames are atomic but directory-level
	// create/delete races are not.
	mu sync.Mutex
}

var _ worlds.Storage = (*Store)(nil)
var _ worlds.EventStorage = (*Store)(nil)

var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store rooted at dir, creating it if needed.
func New(dir string, opts ...StoreOption) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, &worlds.StorageError{Op: worlds.StorageWrite, Err: err}
	}
	s := &Store{root: dir, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("file store opened", "root", dir)
	return s, nil
}

// --- worlds ---

func (s *Store) SaveWorld(_ context.Context, w *worlds.World) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeJSON(filepath.Join(s.worldDir(w.ID), "world.json"), w)
}

func (s *Store) LoadWorld(_ context.Context, worldID string) (*worlds.World, error) {
	var w worlds.World
	if err := s.readJSON(filepath.Join(s.worldDir(worldID), "world.json"), &w); err != nil {
		return nil, err
	}
	return &w, nil
}

func (s *Store) DeleteWorld(_ context.Context, worldID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.RemoveAll(s.worldDir(worldID)); err != nil {
		return &worlds.StorageError{Op: worlds.StorageCascade, Err: err}
	}
	return nil
}

func (s *Store) ListWorlds(_ context.Context) ([]*worlds.World, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, &worlds.StorageError{Op: worlds.StorageRead, Err: err}
	}
	var out []*worlds.World
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		var w worlds.World
		if err := s.readJSON(filepath.Join(s.root, e.Name(), "world.json"), &w); err != nil {
			// A directory without world.json is not a world.
			continue
		}
		out = append(out, &w)
	}
	return out, nil
}

// --- agents ---

func (s *Store) SaveAgent(_ context.Context, worldID string, a *worlds.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	dir := s.agentDir(worldID, a.ID)

	// The system prompt lives in its own editable markdown file; the config
	// carries everything else.
	cfg := *a
	prompt := cfg.SystemPrompt
	cfg.SystemPrompt = ""
	cfg.Memory = nil

	if err := s.writeJSON(filepath.Join(dir, "config.json"), &cfg); err != nil {
		return err
	}
	return s.writeFile(filepath.Join(dir, "system-prompt.md"), []byte(prompt))
}

func (s *Store) LoadAgent(_ context.Context, worldID, agentID string) (*worlds.Agent, error) {
	dir := s.agentDir(worldID, agentID)
	var a worlds.Agent
	if err := s.readJSON(filepath.Join(dir, "config.json"), &a); err != nil {
		return nil, err
	}
	if prompt, err := os.ReadFile(filepath.Join(dir, "system-prompt.md")); err == nil {
		a.SystemPrompt = string(prompt)
	}
	memory, err := s.readMemory(filepath.Join(dir, "memory.json"))
	if err != nil {
		return nil, err
	}
	a.Memory = memory
	return &a, nil
}

func (s *Store) DeleteAgent(_ context.Context, worldID, agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.RemoveAll(s.agentDir(worldID, agentID)); err != nil {
		return &worlds.StorageError{Op: worlds.StorageCascade, Err: err}
	}
	return nil
}

func (s *Store) ListAgents(ctx context.Context, worldID string) ([]*worlds.Agent, error) {
	agentsDir := filepath.Join(s.worldDir(worldID), "agents")
	entries, err := os.ReadDir(agentsDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, &worlds.StorageError{Op: worlds.StorageRead, Err: err}
	}
	var out []*worlds.Agent
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		a, err := s.LoadAgent(ctx, worldID, e.Name())
		if err != nil {
			s.logger.Warn("skipping unreadable agent", "world_id", worldID, "agent_id", e.Name(), "error", err)
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

func (s *Store) SaveAgentMemory(_ context.Context, worldID, agentID string, memory []worlds.AgentMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if memory == nil {
		memory = []worlds.AgentMessage{}
	}
	return s.writeJSON(filepath.Join(s.agentDir(worldID, agentID), "memory.json"), memory)
}

// readMemory loads memory.json, recovering a valid JSON array prefix when
// trailing garbage follows it. Detected garbage is repaired by rewriting
// the file from the recovered prefix.
func (s *Store) readMemory(path string) ([]worlds.AgentMessage, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, &worlds.StorageError{Op: worlds.StorageRead, Err: err}
	}

	var memory []worlds.AgentMessage
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&memory); err != nil {
		return nil, &worlds.StorageError{Op: worlds.StorageRead, Err: fmt.Errorf("decode %s: %w", filepath.Base(path), err)}
	}

	rest := bytes.TrimSpace(data[dec.InputOffset():])
	if len(rest) > 0 {
		s.logger.Warn("memory file has trailing garbage, rewriting valid prefix",
			"path", path, "garbage_bytes", len(rest))
		s.mu.Lock()
		_ = s.writeJSON(path, memory)
		s.mu.Unlock()
	}
	return memory, nil
}

// --- chats ---

func (s *Store) SaveChat(_ context.Context, worldID string, c *worlds.Chat) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeJSON(s.chatPath(worldID, c.ID), c)
}

func (s *Store) LoadChat(_ context.Context, worldID, chatID string) (*worlds.Chat, error) {
	var c worlds.Chat
	if err := s.readJSON(s.chatPath(worldID, chatID), &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *Store) DeleteChat(_ context.Context, worldID, chatID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.chatPath(worldID, chatID)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return &worlds.StorageError{Op: worlds.StorageWrite, Err: err}
	}
	return nil
}

func (s *Store) ListChats(_ context.Context, worldID string) ([]*worlds.Chat, error) {
	chatsDir := filepath.Join(s.worldDir(worldID), "chats")
	entries, err := os.ReadDir(chatsDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, &worlds.StorageError{Op: worlds.StorageRead, Err: err}
	}
	var out []*worlds.Chat
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		var c worlds.Chat
		if err := s.readJSON(filepath.Join(chatsDir, e.Name()), &c); err != nil {
			s.logger.Warn("skipping unreadable chat", "world_id", worldID, "file", e.Name(), "error", err)
			continue
		}
		out = append(out, &c)
	}
	return out, nil
}

func (s *Store) UpdateChat(ctx context.Context, worldID string, c *worlds.Chat) error {
	return s.SaveChat(ctx, worldID, c)
}

// --- events ---

func (s *Store) SaveEvents(ctx context.Context, worldID, chatID string, events []worlds.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	path := s.eventPath(worldID, chatID)
	var existing []worlds.Event
	if data, err := os.ReadFile(path); err == nil {
		_ = json.Unmarshal(data, &existing)
	}
	return s.writeJSON(path, append(existing, events...))
}

func (s *Store) EventsByWorldAndChat(_ context.Context, worldID, chatID string) ([]worlds.Event, error) {
	var events []worlds.Event
	if err := s.readJSON(s.eventPath(worldID, chatID), &events); err != nil {
		var se *worlds.StorageError
		if errors.As(err, &se) && errors.Is(se.Err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	return events, nil
}

func (s *Store) DeleteEventsByWorldAndChat(_ context.Context, worldID, chatID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.eventPath(worldID, chatID)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return &worlds.StorageError{Op: worlds.StorageWrite, Err: err}
	}
	return nil
}

// --- paths and journaled IO ---

func (s *Store) worldDir(worldID string) string {
	return filepath.Join(s.root, worldID)
}

func (s *Store) agentDir(worldID, agentID string) string {
	return filepath.Join(s.worldDir(worldID), "agents", agentID)
}

func (s *Store) chatPath(worldID, chatID string) string {
	return filepath.Join(s.worldDir(worldID), "chats", chatID+".json")
}

func (s *Store) eventPath(worldID, chatID string) string {
	return filepath.Join(s.worldDir(worldID), "events", chatID+".json")
}

func (s *Store) readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return &worlds.StorageError{Op: worlds.StorageRead, Err: err}
	}
	if err := json.Unmarshal(data, v); err != nil {
		return &worlds.StorageError{Op: worlds.StorageSerialize, Err: fmt.Errorf("decode %s: %w", filepath.Base(path), err)}
	}
	return nil
}

func (s *Store) writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &worlds.StorageError{Op: worlds.StorageSerialize, Err: err}
	}
	return s.writeFile(path, data)
}

// writeFile journals the write: temp file in the target directory, fsync,
// rename over the destination.
func (s *Store) writeFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &worlds.StorageError{Op: worlds.StorageWrite, Err: err}
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp*")
	if err != nil {
		return &worlds.StorageError{Op: worlds.StorageWrite, Err: err}
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return &worlds.StorageError{Op: worlds.StorageWrite, Err: err}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return &worlds.StorageError{Op: worlds.StorageWrite, Err: err}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return &worlds.StorageError{Op: worlds.StorageWrite, Err: err}
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return &worlds.StorageError{Op: worlds.StorageWrite, Err: err}
	}
	return nil
}
