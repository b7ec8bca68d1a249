// Package postgres implements worlds.Storage using PostgreSQL.
//
// Store accepts an externally-owned *pgxpool.Pool via constructor
// injection. The caller creates and closes the pool.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	worlds "github.com/nivara/worlds"
)

// Store implements worlds.Storage backed by PostgreSQL. World, agent, and
// chat records are JSONB rows; agent memory replacement runs in one
// transaction so a reader never observes a partial list.
type Store struct {
	pool *pgxpool.Pool
}

var _ worlds.Storage = (*Store)(nil)
var _ worlds.EventStorage = (*Store)(nil)

// New creates a Store using an existing pgxpool.Pool.
// The caller owns the pool and is responsible for closing it.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Init creates all required tables and indexes.
// Safe to call multiple times (all statements are idempotent).
func (s *Store) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS worlds (
			id TEXT PRIMARY KEY,
			data JSONB NOT NULL,
			created_at BIGINT NOT NULL,
			last_updated BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS agents (
			world_id TEXT NOT NULL,
			id TEXT NOT NULL,
			data JSONB NOT NULL,
			system_prompt TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (world_id, id)
		)`,
		`CREATE TABLE IF NOT EXISTS agent_memory (
			world_id TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			data JSONB NOT NULL,
			PRIMARY KEY (world_id, agent_id, seq)
		)`,
		`CREATE TABLE IF NOT EXISTS chats (
			world_id TEXT NOT NULL,
			id TEXT NOT NULL,
			data JSONB NOT NULL,
			updated_at BIGINT NOT NULL,
			PRIMARY KEY (world_id, id)
		)`,
		`CREATE TABLE IF NOT EXISTS events (
			id BIGSERIAL PRIMARY KEY,
			world_id TEXT NOT NULL,
			chat_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			data JSONB NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_agent_memory ON agent_memory(world_id, agent_id)`,
		`CREATE INDEX IF NOT EXISTS idx_events_world_chat ON events(world_id, chat_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return &worlds.StorageError{Op: worlds.StorageWrite, Err: fmt.Errorf("init: %w", err)}
		}
	}
	return nil
}

// --- worlds ---

func (s *Store) SaveWorld(ctx context.Context, w *worlds.World) error {
	data, err := json.Marshal(w)
	if err != nil {
		return &worlds.StorageError{Op: worlds.StorageSerialize, Err: err}
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO worlds (id, data, created_at, last_updated) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO UPDATE SET data = $2, last_updated = $4`,
		w.ID, data, w.CreatedAt, w.LastUpdated,
	)
	if err != nil {
		return &worlds.StorageError{Op: worlds.StorageWrite, Err: err}
	}
	return nil
}

func (s *Store) LoadWorld(ctx context.Context, worldID string) (*worlds.World, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT data FROM worlds WHERE id = $1`, worldID).Scan(&data)
	if err != nil {
		return nil, &worlds.StorageError{Op: worlds.StorageRead, Err: fmt.Errorf("load world %s: %w", worldID, err)}
	}
	var w worlds.World
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, &worlds.StorageError{Op: worlds.StorageSerialize, Err: err}
	}
	return &w, nil
}

// DeleteWorld removes the world and cascades to its agents, memory, chats,
// and journaled events in one transaction.
func (s *Store) DeleteWorld(ctx context.Context, worldID string) error {
	return s.inTx(ctx, worlds.StorageCascade, func(tx pgx.Tx) error {
		for _, stmt := range []string{
			`DELETE FROM events WHERE world_id = $1`,
			`DELETE FROM chats WHERE world_id = $1`,
			`DELETE FROM agent_memory WHERE world_id = $1`,
			`DELETE FROM agents WHERE world_id = $1`,
			`DELETE FROM worlds WHERE id = $1`,
		} {
			if _, err := tx.Exec(ctx, stmt, worldID); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) ListWorlds(ctx context.Context) ([]*worlds.World, error) {
	rows, err := s.pool.Query(ctx, `SELECT data FROM worlds ORDER BY created_at`)
	if err != nil {
		return nil, &worlds.StorageError{Op: worlds.StorageRead, Err: err}
	}
	defer rows.Close()
	var out []*worlds.World
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, &worlds.StorageError{Op: worlds.StorageRead, Err: err}
		}
		var w worlds.World
		if err := json.Unmarshal(data, &w); err != nil {
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
	_, err = s.pool.Exec(ctx,
		`INSERT INTO agents (world_id, id, data, system_prompt) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (world_id, id) DO UPDATE SET data = $3, system_prompt = $4`,
		worldID, a.ID, data, prompt,
	)
	if err != nil {
		return &worlds.StorageError{Op: worlds.StorageWrite, Err: err}
	}
	return nil
}

func (s *Store) LoadAgent(ctx context.Context, worldID, agentID string) (*worlds.Agent, error) {
	var data []byte
	var prompt string
	err := s.pool.QueryRow(ctx,
		`SELECT data, system_prompt FROM agents WHERE world_id = $1 AND id = $2`,
		worldID, agentID,
	).Scan(&data, &prompt)
	if err != nil {
		return nil, &worlds.StorageError{Op: worlds.StorageRead, Err: fmt.Errorf("load agent %s: %w", agentID, err)}
	}
	var a worlds.Agent
	if err := json.Unmarshal(data, &a); err != nil {
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
	return s.inTx(ctx, worlds.StorageCascade, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM agent_memory WHERE world_id = $1 AND agent_id = $2`, worldID, agentID); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `DELETE FROM agents WHERE world_id = $1 AND id = $2`, worldID, agentID)
		return err
	})
}

func (s *Store) ListAgents(ctx context.Context, worldID string) ([]*worlds.Agent, error) {
	rows, err := s.pool.Query(ctx, `SELECT id FROM agents WHERE world_id = $1 ORDER BY id`, worldID)
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
	return s.inTx(ctx, worlds.StorageWrite, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM agent_memory WHERE world_id = $1 AND agent_id = $2`, worldID, agentID); err != nil {
			return err
		}
		for i, m := range memory {
			data, err := json.Marshal(m)
			if err != nil {
				return err
			}
			if _, err := tx.Exec(ctx,
				`INSERT INTO agent_memory (world_id, agent_id, seq, data) VALUES ($1, $2, $3, $4)`,
				worldID, agentID, i, data,
			); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) loadMemory(ctx context.Context, worldID, agentID string) ([]worlds.AgentMessage, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT data FROM agent_memory WHERE world_id = $1 AND agent_id = $2 ORDER BY seq`,
		worldID, agentID,
	)
	if err != nil {
		return nil, &worlds.StorageError{Op: worlds.StorageRead, Err: err}
	}
	defer rows.Close()
	var memory []worlds.AgentMessage
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, &worlds.StorageError{Op: worlds.StorageRead, Err: err}
		}
		var m worlds.AgentMessage
		if err := json.Unmarshal(data, &m); err != nil {
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
	_, err = s.pool.Exec(ctx,
		`INSERT INTO chats (world_id, id, data, updated_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (world_id, id) DO UPDATE SET data = $3, updated_at = $4`,
		worldID, c.ID, data, c.UpdatedAt,
	)
	if err != nil {
		return &worlds.StorageError{Op: worlds.StorageWrite, Err: err}
	}
	return nil
}

func (s *Store) LoadChat(ctx context.Context, worldID, chatID string) (*worlds.Chat, error) {
	var data []byte
	err := s.pool.QueryRow(ctx,
		`SELECT data FROM chats WHERE world_id = $1 AND id = $2`, worldID, chatID,
	).Scan(&data)
	if err != nil {
		return nil, &worlds.StorageError{Op: worlds.StorageRead, Err: fmt.Errorf("load chat %s: %w", chatID, err)}
	}
	var c worlds.Chat
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, &worlds.StorageError{Op: worlds.StorageSerialize, Err: err}
	}
	return &c, nil
}

func (s *Store) DeleteChat(ctx context.Context, worldID, chatID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM chats WHERE world_id = $1 AND id = $2`, worldID, chatID)
	if err != nil {
		return &worlds.StorageError{Op: worlds.StorageWrite, Err: err}
	}
	return nil
}

func (s *Store) ListChats(ctx context.Context, worldID string) ([]*worlds.Chat, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT data FROM chats WHERE world_id = $1 ORDER BY updated_at DESC`, worldID)
	if err != nil {
		return nil, &worlds.StorageError{Op: worlds.StorageRead, Err: err}
	}
	defer rows.Close()
	var out []*worlds.Chat
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, &worlds.StorageError{Op: worlds.StorageRead, Err: err}
		}
		var c worlds.Chat
		if err := json.Unmarshal(data, &c); err != nil {
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
	return s.inTx(ctx, worlds.StorageWrite, func(tx pgx.Tx) error {
		for _, ev := range events {
			data, err := json.Marshal(ev)
			if err != nil {
				return err
			}
			if _, err := tx.Exec(ctx,
				`INSERT INTO events (world_id, chat_id, kind, data) VALUES ($1, $2, $3, $4)`,
				worldID, chatID, string(ev.Kind), data,
			); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) EventsByWorldAndChat(ctx context.Context, worldID, chatID string) ([]worlds.Event, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT data FROM events WHERE world_id = $1 AND chat_id = $2 ORDER BY id`,
		worldID, chatID,
	)
	if err != nil {
		return nil, &worlds.StorageError{Op: worlds.StorageRead, Err: err}
	}
	defer rows.Close()
	var out []worlds.Event
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, &worlds.StorageError{Op: worlds.StorageRead, Err: err}
		}
		var ev worlds.Event
		if err := json.Unmarshal(data, &ev); err != nil {
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
	_, err := s.pool.Exec(ctx, `DELETE FROM events WHERE world_id = $1 AND chat_id = $2`, worldID, chatID)
	if err != nil {
		return &worlds.StorageError{Op: worlds.StorageWrite, Err: err}
	}
	return nil
}

// inTx runs fn in a transaction, wrapping any failure with op.
func (s *Store) inTx(ctx context.Context, op worlds.StorageOp, fn func(pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return &worlds.StorageError{Op: op, Err: err}
	}
	defer tx.Rollback(ctx)
	if err := fn(tx); err != nil {
		return &worlds.StorageError{Op: op, Err: err}
	}
	if err := tx.Commit(ctx); err != nil {
		return &worlds.StorageError{Op: op, Err: err}
	}
	return nil
}
