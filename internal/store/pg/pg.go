// Package pg implements store.Store backed by Postgres. Used when a DSN
// is configured; the default deployment stays on local SQLite.
package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/nextlevelbuilder/coworkd/internal/store"
)

// PGStore implements store.Store on a shared Postgres database.
type PGStore struct {
	db *sql.DB
}

// Open connects to Postgres and ensures the schema exists.
func Open(dsn string) (*PGStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := ensureSchema(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &PGStore{db: db}, nil
}

func ensureSchema(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS session_mappings (
			im_conversation_id TEXT NOT NULL,
			platform           TEXT NOT NULL,
			agent_session_id   TEXT NOT NULL,
			created_at         BIGINT NOT NULL,
			last_active_at     BIGINT NOT NULL,
			PRIMARY KEY (im_conversation_id, platform)
		)`,
		`CREATE TABLE IF NOT EXISTS agent_sessions (
			id               TEXT PRIMARY KEY,
			workspace_root   TEXT NOT NULL,
			cwd              TEXT NOT NULL DEFAULT '',
			system_prompt    TEXT NOT NULL DEFAULT '',
			effective_prompt TEXT NOT NULL DEFAULT '',
			continuation_id  TEXT NOT NULL DEFAULT '',
			execution_mode   TEXT NOT NULL DEFAULT 'local',
			status           TEXT NOT NULL DEFAULT 'idle',
			created_at       BIGINT NOT NULL,
			updated_at       BIGINT NOT NULL
		)`,
		`ALTER TABLE agent_sessions ADD COLUMN IF NOT EXISTS effective_prompt TEXT NOT NULL DEFAULT ''`,
		`CREATE TABLE IF NOT EXISTS agent_messages (
			seq        BIGSERIAL PRIMARY KEY,
			id         TEXT NOT NULL,
			session_id TEXT NOT NULL,
			type       TEXT NOT NULL,
			content    TEXT NOT NULL DEFAULT '',
			metadata   JSONB NOT NULL DEFAULT '{}',
			created_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_agent_messages_session ON agent_messages (session_id, seq)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_agent_messages_id ON agent_messages (session_id, id)`,
		`CREATE TABLE IF NOT EXISTS im_config (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

func (s *PGStore) Close() error { return s.db.Close() }

// --- MappingStore ---

func (s *PGStore) GetMapping(ctx context.Context, conversationID, platform string) (*store.SessionMapping, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT im_conversation_id, platform, agent_session_id, created_at, last_active_at
		 FROM session_mappings WHERE im_conversation_id = $1 AND platform = $2`,
		conversationID, platform)

	var m store.SessionMapping
	var created, active int64
	err := row.Scan(&m.ConversationID, &m.Platform, &m.AgentSessionID, &created, &active)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get mapping: %w", err)
	}
	m.CreatedAt = time.UnixMilli(created)
	m.LastActiveAt = time.UnixMilli(active)
	return &m, nil
}

func (s *PGStore) ListMappings(ctx context.Context) ([]store.SessionMapping, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT im_conversation_id, platform, agent_session_id, created_at, last_active_at
		 FROM session_mappings ORDER BY last_active_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list mappings: %w", err)
	}
	defer rows.Close()

	var out []store.SessionMapping
	for rows.Next() {
		var m store.SessionMapping
		var created, active int64
		if err := rows.Scan(&m.ConversationID, &m.Platform, &m.AgentSessionID, &created, &active); err != nil {
			return nil, fmt.Errorf("scan mapping: %w", err)
		}
		m.CreatedAt = time.UnixMilli(created)
		m.LastActiveAt = time.UnixMilli(active)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *PGStore) SaveMapping(ctx context.Context, m *store.SessionMapping) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO session_mappings (im_conversation_id, platform, agent_session_id, created_at, last_active_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (im_conversation_id, platform)
		 DO UPDATE SET agent_session_id = excluded.agent_session_id, last_active_at = excluded.last_active_at`,
		m.ConversationID, m.Platform, m.AgentSessionID, m.CreatedAt.UnixMilli(), m.LastActiveAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("save mapping: %w", err)
	}
	return nil
}

func (s *PGStore) TouchMapping(ctx context.Context, conversationID, platform string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE session_mappings SET last_active_at = $1 WHERE im_conversation_id = $2 AND platform = $3`,
		at.UnixMilli(), conversationID, platform)
	if err != nil {
		return fmt.Errorf("touch mapping: %w", err)
	}
	return nil
}

func (s *PGStore) DeleteMapping(ctx context.Context, conversationID, platform string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM session_mappings WHERE im_conversation_id = $1 AND platform = $2`,
		conversationID, platform)
	if err != nil {
		return fmt.Errorf("delete mapping: %w", err)
	}
	return nil
}

// --- SessionStore ---

func (s *PGStore) CreateSession(ctx context.Context, sess *store.AgentSession) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agent_sessions (id, workspace_root, cwd, system_prompt, effective_prompt, continuation_id, execution_mode, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		sess.ID, sess.WorkspaceRoot, sess.Cwd, sess.SystemPrompt, sess.EffectivePrompt, sess.ContinuationID,
		sess.ExecutionMode, sess.Status, sess.CreatedAt.UnixMilli(), sess.UpdatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (s *PGStore) GetSession(ctx context.Context, id string) (*store.AgentSession, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, workspace_root, cwd, system_prompt, effective_prompt, continuation_id, execution_mode, status, created_at, updated_at
		 FROM agent_sessions WHERE id = $1`, id)

	var sess store.AgentSession
	var created, updated int64
	err := row.Scan(&sess.ID, &sess.WorkspaceRoot, &sess.Cwd, &sess.SystemPrompt,
		&sess.EffectivePrompt, &sess.ContinuationID, &sess.ExecutionMode, &sess.Status, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	sess.CreatedAt = time.UnixMilli(created)
	sess.UpdatedAt = time.UnixMilli(updated)
	return &sess, nil
}

func (s *PGStore) UpdateSession(ctx context.Context, sess *store.AgentSession) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE agent_sessions
		 SET workspace_root = $1, cwd = $2, system_prompt = $3, effective_prompt = $4, continuation_id = $5, execution_mode = $6, status = $7, updated_at = $8
		 WHERE id = $9`,
		sess.WorkspaceRoot, sess.Cwd, sess.SystemPrompt, sess.EffectivePrompt, sess.ContinuationID,
		sess.ExecutionMode, sess.Status, time.Now().UnixMilli(), sess.ID)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	return nil
}

func (s *PGStore) DeleteSession(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM agent_messages WHERE session_id = $1`, id); err != nil {
		return fmt.Errorf("delete session messages: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM agent_sessions WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return tx.Commit()
}

func (s *PGStore) AppendMessage(ctx context.Context, m *store.AgentMessage) error {
	meta, err := json.Marshal(m.Meta)
	if err != nil {
		return fmt.Errorf("marshal message meta: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO agent_messages (id, session_id, type, content, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		m.ID, m.SessionID, m.Type, m.Content, string(meta), m.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

func (s *PGStore) UpdateMessage(ctx context.Context, sessionID, messageID, content string, meta store.MessageMeta) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal message meta: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE agent_messages SET content = $1, metadata = $2 WHERE session_id = $3 AND id = $4`,
		content, string(data), sessionID, messageID)
	if err != nil {
		return fmt.Errorf("update message: %w", err)
	}
	return nil
}

func (s *PGStore) ListMessages(ctx context.Context, sessionID string) ([]store.AgentMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, id, session_id, type, content, metadata, created_at
		 FROM agent_messages WHERE session_id = $1 ORDER BY seq`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []store.AgentMessage
	for rows.Next() {
		var m store.AgentMessage
		var meta string
		var created int64
		if err := rows.Scan(&m.Seq, &m.ID, &m.SessionID, &m.Type, &m.Content, &meta, &created); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if err := json.Unmarshal([]byte(meta), &m.Meta); err != nil {
			return nil, fmt.Errorf("unmarshal message meta: %w", err)
		}
		m.CreatedAt = time.UnixMilli(created)
		out = append(out, m)
	}
	return out, rows.Err()
}

// --- ConfigStore ---

func (s *PGStore) GetConfigBlob(ctx context.Context, key string) (string, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT value FROM im_config WHERE key = $1`, key)
	var value string
	err := row.Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get config blob: %w", err)
	}
	return value, true, nil
}

func (s *PGStore) SetConfigBlob(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO im_config (key, value) VALUES ($1, $2)
		 ON CONFLICT (key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("set config blob: %w", err)
	}
	return nil
}
