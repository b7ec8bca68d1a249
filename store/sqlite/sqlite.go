// Package sqlite implements worlds.Storage using pure-Go SQLite.
// Zero CGO required.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	worlds "github.com/nivara/worlds"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store.
// When set, the store emits debug logs for operations including timing and
// key parameters. If not set, no logs are emitted.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store implements worlds.Storage backed by a local SQLite file. Agent
// memory and journaled events are stored as JSON rows; memory replacement
// runs in one transaction so a reader never observes a partial list.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ worlds.Storage = (*Store)(nil)
var _ worlds.EventStorage = (*Store)(nil)

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store using a local SQLite file at dbPath.
// It opens a single shared connection pool with SetMaxOpenConns(1) so that
// all goroutines serialize through one connection, eliminating SQLITE_BUSY
// errors caused by concurrent writers opening independent connections.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: store opened", "path", dbPath)
	return s
}

// Init creates all required tables.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	s.logger.Debug("sqlite: init started")
	tables := []string{
		`CREATE TABLE IF NOT EXISTS worlds (
			id TEXT PRIMARY KEY,
			data TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			last_updated INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS agents (
			world_id TEXT NOT NULL,
			id TEXT NOT NULL,
			data TEXT NOT NULL,
			system_prompt TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (world_id, id)
		)`,
		`CREATE TABLE IF NOT EXISTS agent_memory (
			world_id TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			data TEXT NOT NULL,
			PRIMARY KEY (world_id, agent_id, seq)
		)`,
		`CREATE TABLE IF NOT EXISTS chats (
			world_id TEXT NOT NULL,
			id TEXT NOT NULL,
			data TEXT NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (world_id, id)
		)`,
		`CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			world_id TEXT NOT NULL,
			chat_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			data TEXT NOT NULL
		)`,
	}
	for _, ddl := range tables {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return &worlds.StorageError{Op: worlds.StorageWrite, Err: fmt.Errorf("create table: %w", err)}
		}
	}

	// Indexes on frequently queried columns.
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_agent_memory ON agent_memory(world_id, agent_id)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_events_world_chat ON events(world_id, chat_id)`)

	s.logger.Info("sqlite: init completed", "duration", time.Since(start))
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// --- worlds ---

func (s *Store) SaveWorld(ctx context.Context, w *worlds.World) error {
	start := time.Now()
	data, err := json.Marshal(w)
	if err != nil {
		return &worlds.StorageError{Op: worlds.StorageSerialize, Err: err}
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO worlds (id, data, created_at, last_updated) VALUES (?, ?, ?, ?)`,
		w.ID, string(data), w.CreatedAt, w.LastUpdated,
	)
	if err != nil {
		s.logger.Error("sqlite: save world failed", "id", w.ID, "error", err)
		return &worlds.StorageError{Op: worlds.StorageWrite, Err: err}
	}
	s.logger.Debug("sqlite: save world ok", "id", w.ID, "duration", time.Since(start))
	return nil
}

func (s *Store) LoadWorld(ctx context.Context, worldID string) (*worlds.World, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM worlds WHERE id = ?`, worldID).Scan(&data)
	if err != nil {
		return nil, &worlds.StorageError{Op: worlds.StorageRead, Err: fmt.Errorf("load world %s: %w", worldID, err)}
	}
	var w worlds.World
	if err := json.Unmarshal([]byte(data), &w); err != nil {
		return nil, &worlds.StorageError{Op: worlds.StorageSerialize, Err: err}
	}
	return &w, nil
}

// DeleteWorld removes the world and cascades to its agents, memory, chats,
// and journaled events in one transaction.
func (s *Store) DeleteWorld(ctx context.Context, worldID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &worlds.StorageError{Op: worlds.StorageCascade, Err: err}
	}
	defer tx.Rollback()
	for _, stmt := range []string{
		`DELETE FROM events WHERE world_id = ?`,
		`DELETE FROM chats WHERE world_id = ?`,
		`DELETE FROM agent_memory WHERE world_id = ?`,
		`DELETE FROM agents WHERE world_id = ?`,
		`DELETE FROM worlds WHERE id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, stmt, worldID); err != nil {
			return &worlds.StorageError{Op: worlds.StorageCascade, Err: err}
		}
	}
	if err := tx.Commit(); err != nil {
		return &worlds.StorageError{Op: worlds.StorageCascade, Err: err}
	}
	s.logger.Debug("sqlite: world deleted", "id", worldID)
	return nil
}

func (s *Store) ListWorlds(ctx context.Context) ([]*worlds.World, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM worlds ORDER BY created_at`)
	if err != nil {
		return nil, &worlds.StorageError{Op: worlds.StorageRead, Err: err}
	}
	defer rows.Close()
	var out []*worlds.World
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, &worlds.StorageError{Op: worlds.StorageRead, Err: err}
		}
		var w worlds.World
		if err := json.Unmarshal([]byte(data), &w); err != nil {
			return nil, &worlds.StorageError{Op: worlds.StorageSerialize, Err: err}
		}
		out = append(out, &w)
	}
	if err := rows.Err(); err != nil {
		return nil, &worlds.StorageError{Op: worlds.StorageRead, Err: err}
	}
	return out, nil
}

// --- agents ---

func (s *Store) SaveAgent(ctx context.Context, worldID string, a *worlds.Agent) error {
	cfg := *a
	prompt := cfg.SystemPrompt
	cfg.SystemPrompt = ""
	cfg.Memory = nil
	data, err := json.Marshal(&cfg)
	if err != nil {
		return &worlds.StorageError{Op: worlds.StorageSerialize, Err: err}
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO agents (world_id, id, data, system_prompt) VALUES (?, ?, ?, ?)`,
		worldID, a.ID, string(data), prompt,
	)
	if err != nil {
		s.logger.Error("sqlite: save agent failed", "world_id", worldID, "id", a.ID, "error", err)
		return &worlds.StorageError{Op: worlds.StorageWrite, Err: err}
	}
	return nil
}

func (s *Store) LoadAgent(ctx context.Context, worldID, agentID string) (*worlds.Agent, error) {
	var data, prompt string
	err := s.db.QueryRowContext(ctx,
		`SELECT data, system_prompt FROM agents WHERE world_id = ? AND id = ?`,
		worldID, agentID,
	).Scan(&data, &prompt)
	if err != nil {
		return nil, &worlds.StorageError{Op: worlds.StorageRead, Err: fmt.Errorf("load agent %s: %w", agentID, err)}
	}
	var a worlds.Agent
	if err := json.Unmarshal([]byte(data), &a); err != nil {
		return nil, &worlds.StorageError{Op: worlds.StorageSerialize, Err: err}
	}
	a.SystemPrompt = prompt
	memory, err := s.loadMemory(ctx, worldID, agentID)
	if err != nil {
		return nil, err
	}
	a.Memory = memory
	return &a, nil
}

func (s *Store) DeleteAgent(ctx context.Context, worldID, agentID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &worlds.StorageError{Op: worlds.StorageCascade, Err: err}
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM agent_memory WHERE world_id = ? AND agent_id = ?`, worldID, agentID); err != nil {
		return &worlds.StorageError{Op: worlds.StorageCascade, Err: err}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM agents WHERE world_id = ? AND id = ?`, worldID, agentID); err != nil {
		return &worlds.StorageError{Op: worlds.StorageCascade, Err: err}
	}
	if err := tx.Commit(); err != nil {
		return &worlds.StorageError{Op: worlds.StorageCascade, Err: err}
	}
	return nil
}

func (s *Store) ListAgents(ctx context.Context, worldID string) ([]*worlds.Agent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM agents WHERE world_id = ? ORDER BY id`, worldID)
	if err != nil {
		return nil, &worlds.StorageError{Op: worlds.StorageRead, Err: err}
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, &worlds.StorageError{Op: worlds.StorageRead, Err: err}
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, &worlds.StorageError{Op: worlds.StorageRead, Err: err}
	}

	out := make([]*worlds.Agent, 0, len(ids))
	for _, id := range ids {
		a, err := s.LoadAgent(ctx, worldID, id)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

// SaveAgentMemory replaces the agent's memory in one transaction.
func (s *Store) SaveAgentMemory(ctx context.Context, worldID, agentID string, memory []worlds.AgentMessage) error {
	start := time.Now()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &worlds.StorageError{Op: worlds.StorageWrite, Err: err}
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM agent_memory WHERE world_id = ? AND agent_id = ?`, worldID, agentID); err != nil {
		return &worlds.StorageError{Op: worlds.StorageWrite, Err: err}
	}
	for i, m := range memory {
		data, err := json.Marshal(m)
		if err != nil {
			return &worlds.StorageError{Op: worlds.StorageSerialize, Err: err}
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO agent_memory (world_id, agent_id, seq, data) VALUES (?, ?, ?, ?)`,
			worldID, agentID, i, string(data),
		); err != nil {
			return &worlds.StorageError{Op: worlds.StorageWrite, Err: err}
		}
	}
	if err := tx.Commit(); err != nil {
		return &worlds.StorageError{Op: worlds.StorageWrite, Err: err}
	}
	s.logger.Debug("sqlite: memory saved", "world_id", worldID, "agent_id", agentID,
		"messages", len(memory), "duration", time.Since(start))
	return nil
}

func (s *Store) loadMemory(ctx context.Context, worldID, agentID string) ([]worlds.AgentMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT data FROM agent_memory WHERE world_id = ? AND agent_id = ? ORDER BY seq`,
		worldID, agentID,
	)
	if err != nil {
		return nil, &worlds.StorageError{Op: worlds.StorageRead, Err: err}
	}
	defer rows.Close()
	var memory []worlds.AgentMessage
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, &worlds.StorageError{Op: worlds.StorageRead, Err: err}
		}
		var m worlds.AgentMessage
		if err := json.Unmarshal([]byte(data), &m); err != nil {
			return nil, &worlds.StorageError{Op: worlds.StorageSerialize, Err: err}
		}
		memory = append(memory, m)
	}
	if err := rows.Err(); err != nil {
		return nil, &worlds.StorageError{Op: worlds.StorageRead, Err: err}
	}
	return memory, nil
}

// --- chats ---

func (s *Store) SaveChat(ctx context.Context, worldID string, c *worlds.Chat) error {
	data, err := json.Marshal(c)
	if err != nil {
		return &worlds.StorageError{Op: worlds.StorageSerialize, Err: err}
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO chats (world_id, id, data, updated_at) VALUES (?, ?, ?, ?)`,
		worldID, c.ID, string(data), c.UpdatedAt,
	)
	if err != nil {
		return &worlds.StorageError{Op: worlds.StorageWrite, Err: err}
	}
	return nil
}

func (s *Store) LoadChat(ctx context.Context, worldID, chatID string) (*worlds.Chat, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM chats WHERE world_id = ? AND id = ?`, worldID, chatID,
	).Scan(&data)
	if err != nil {
		return nil, &worlds.StorageError{Op: worlds.StorageRead, Err: fmt.Errorf("load chat %s: %w", chatID, err)}
	}
	var c worlds.Chat
	if err := json.Unmarshal([]byte(data), &c); err != nil {
		return nil, &worlds.StorageError{Op: worlds.StorageSerialize, Err: err}
	}
	return &c, nil
}

func (s *Store) DeleteChat(ctx context.Context, worldID, chatID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM chats WHERE world_id = ? AND id = ?`, worldID, chatID)
	if err != nil {
		return &worlds.StorageError{Op: worlds.StorageWrite, Err: err}
	}
	return nil
}

func (s *Store) ListChats(ctx context.Context, worldID string) ([]*worlds.Chat, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT data FROM chats WHERE world_id = ? ORDER BY updated_at DESC`, worldID)
	if err != nil {
		return nil, &worlds.StorageError{Op: worlds.StorageRead, Err: err}
	}
	defer rows.Close()
	var out []*worlds.Chat
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, &worlds.StorageError{Op: worlds.StorageRead, Err: err}
		}
		var c worlds.Chat
		if err := json.Unmarshal([]byte(data), &c); err != nil {
			return nil, &worlds.StorageError{Op: worlds.StorageSerialize, Err: err}
		}
		out = append(out, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, &worlds.StorageError{Op: worlds.StorageRead, Err: err}
	}
	return out, nil
}

func (s *Store) UpdateChat(ctx context.Context, worldID string, c *worlds.Chat) error {
	return s.SaveChat(ctx, worldID, c)
}

// --- events ---

func (s *Store) SaveEvents(ctx context.Context, worldID, chatID string, events []worlds.Event) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &worlds.StorageError{Op: worlds.StorageWrite, Err: err}
	}
	defer tx.Rollback()
	for _, ev := range events {
		data, err := json.Marshal(ev)
		if err != nil {
			return &worlds.StorageError{Op: worlds.StorageSerialize, Err: err}
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO events (world_id, chat_id, kind, data) VALUES (?, ?, ?, ?)`,
			worldID, chatID, string(ev.Kind), string(data),
		); err != nil {
			return &worlds.StorageError{Op: worlds.StorageWrite, Err: err}
		}
	}
	if err := tx.Commit(); err != nil {
		return &worlds.StorageError{Op: worlds.StorageWrite, Err: err}
	}
	return nil
}

func (s *Store) EventsByWorldAndChat(ctx context.Context, worldID, chatID string) ([]worlds.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT data FROM events WHERE world_id = ? AND chat_id = ? ORDER BY id`,
		worldID, chatID,
	)
	if err != nil {
		return nil, &worlds.StorageError{Op: worlds.StorageRead, Err: err}
	}
	defer rows.Close()
	var out []worlds.Event
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, &worlds.StorageError{Op: worlds.StorageRead, Err: err}
		}
		var ev worlds.Event
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			return nil, &worlds.StorageError{Op: worlds.StorageSerialize, Err: err}
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, &worlds.StorageError{Op: worlds.StorageRead, Err: err}
	}
	return out, nil
}

func (s *Store) DeleteEventsByWorldAndChat(ctx context.Context, worldID, chatID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE world_id = ? AND chat_id = ?`, worldID, chatID)
	if err != nil {
		return &worlds.StorageError{Op: worlds.StorageWrite, Err: err}
	}
	return nil
}
