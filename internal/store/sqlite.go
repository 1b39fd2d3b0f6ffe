package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// SQLiteStore implements Store on a local SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path and applies
// pending migrations.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// modernc sqlite is not safe for concurrent writers on one connection pool
	// beyond what WAL allows; a single writer connection keeps it simple.
	db.SetMaxOpenConns(1)

	if err := migrateUp(db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

func migrateUp(db *sql.DB) error {
	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("open migrations: %w", err)
	}
	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// NewMigrator returns a migrator over the embedded migrations for the
// SQLite database at path, for explicit up/down/version control.
func NewMigrator(path string) (*migrate.Migrate, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("open migrations: %w", err)
	}
	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create migrator: %w", err)
	}
	return m, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

// --- MappingStore ---

func (s *SQLiteStore) GetMapping(ctx context.Context, conversationID, platform string) (*SessionMapping, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT im_conversation_id, platform, agent_session_id, created_at, last_active_at
		 FROM session_mappings WHERE im_conversation_id = ? AND platform = ?`,
		conversationID, platform)

	var m SessionMapping
	var created, active int64
	err := row.Scan(&m.ConversationID, &m.Platform, &m.AgentSessionID, &created, &active)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get mapping: %w", err)
	}
	m.CreatedAt = time.UnixMilli(created)
	m.LastActiveAt = time.UnixMilli(active)
	return &m, nil
}

func (s *SQLiteStore) ListMappings(ctx context.Context) ([]SessionMapping, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT im_conversation_id, platform, agent_session_id, created_at, last_active_at
		 FROM session_mappings ORDER BY last_active_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list mappings: %w", err)
	}
	defer rows.Close()

	var out []SessionMapping
	for rows.Next() {
		var m SessionMapping
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

func (s *SQLiteStore) SaveMapping(ctx context.Context, m *SessionMapping) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO session_mappings (im_conversation_id, platform, agent_session_id, created_at, last_active_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (im_conversation_id, platform)
		 DO UPDATE SET agent_session_id = excluded.agent_session_id, last_active_at = excluded.last_active_at`,
		m.ConversationID, m.Platform, m.AgentSessionID, m.CreatedAt.UnixMilli(), m.LastActiveAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("save mapping: %w", err)
	}
	return nil
}

func (s *SQLiteStore) TouchMapping(ctx context.Context, conversationID, platform string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE session_mappings SET last_active_at = ? WHERE im_conversation_id = ? AND platform = ?`,
		at.UnixMilli(), conversationID, platform)
	if err != nil {
		return fmt.Errorf("touch mapping: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteMapping(ctx context.Context, conversationID, platform string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM session_mappings WHERE im_conversation_id = ? AND platform = ?`,
		conversationID, platform)
	if err != nil {
		return fmt.Errorf("delete mapping: %w", err)
	}
	return nil
}

// --- SessionStore ---

func (s *SQLiteStore) CreateSession(ctx context.Context, sess *AgentSession) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agent_sessions (id, workspace_root, cwd, system_prompt, effective_prompt, continuation_id, execution_mode, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.WorkspaceRoot, sess.Cwd, sess.SystemPrompt, sess.EffectivePrompt, sess.ContinuationID,
		sess.ExecutionMode, sess.Status, sess.CreatedAt.UnixMilli(), sess.UpdatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*AgentSession, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, workspace_root, cwd, system_prompt, effective_prompt, continuation_id, execution_mode, status, created_at, updated_at
		 FROM agent_sessions WHERE id = ?`, id)

	var sess AgentSession
	var created, updated int64
	err := row.Scan(&sess.ID, &sess.WorkspaceRoot, &sess.Cwd, &sess.SystemPrompt,
		&sess.EffectivePrompt, &sess.ContinuationID, &sess.ExecutionMode, &sess.Status, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	sess.CreatedAt = time.UnixMilli(created)
	sess.UpdatedAt = time.UnixMilli(updated)
	return &sess, nil
}

func (s *SQLiteStore) UpdateSession(ctx context.Context, sess *AgentSession) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE agent_sessions
		 SET workspace_root = ?, cwd = ?, system_prompt = ?, effective_prompt = ?, continuation_id = ?, execution_mode = ?, status = ?, updated_at = ?
		 WHERE id = ?`,
		sess.WorkspaceRoot, sess.Cwd, sess.SystemPrompt, sess.EffectivePrompt, sess.ContinuationID,
		sess.ExecutionMode, sess.Status, time.Now().UnixMilli(), sess.ID)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteSession(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM agent_messages WHERE session_id = ?`, id); err != nil {
		return fmt.Errorf("delete session messages: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM agent_sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) AppendMessage(ctx context.Context, m *AgentMessage) error {
	meta, err := json.Marshal(m.Meta)
	if err != nil {
		return fmt.Errorf("marshal message meta: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO agent_messages (id, session_id, type, content, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		m.ID, m.SessionID, m.Type, m.Content, string(meta), m.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpdateMessage(ctx context.Context, sessionID, messageID, content string, meta MessageMeta) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal message meta: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE agent_messages SET content = ?, metadata = ? WHERE session_id = ? AND id = ?`,
		content, string(data), sessionID, messageID)
	if err != nil {
		return fmt.Errorf("update message: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListMessages(ctx context.Context, sessionID string) ([]AgentMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, id, session_id, type, content, metadata, created_at
		 FROM agent_messages WHERE session_id = ? ORDER BY seq`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []AgentMessage
	for rows.Next() {
		var m AgentMessage
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

func (s *SQLiteStore) GetConfigBlob(ctx context.Context, key string) (string, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT value FROM im_config WHERE key = ?`, key)
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

func (s *SQLiteStore) SetConfigBlob(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO im_config (key, value) VALUES (?, ?)
		 ON CONFLICT (key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("set config blob: %w", err)
	}
	return nil
}
