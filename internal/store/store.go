// Package store persists session mappings, agent sessions, the ordered
// message log, and gateway config blobs.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a mapping or session does not exist.
var ErrNotFound = errors.New("store: not found")

// SessionMapping binds one IM conversation to an agent session.
type SessionMapping struct {
	ConversationID string
	Platform       string
	AgentSessionID string
	CreatedAt      time.Time
	LastActiveAt   time.Time
}

// AgentSession is the persistent conversational context with the agent
// runtime. Status is one of "idle", "running", "completed", "error".
type AgentSession struct {
	ID            string
	WorkspaceRoot string
	Cwd           string
	// SystemPrompt is the base prompt configured for the session. Prompt
	// composition (skill routing blocks) never writes back into it.
	SystemPrompt string
	// EffectivePrompt is the last composed prompt handed to the agent,
	// persisted so repeat turns can detect whether it changed.
	EffectivePrompt string
	// ContinuationID is the opaque continuation token of the underlying
	// SDK session. Cleared whenever the effective system prompt changes.
	ContinuationID string
	ExecutionMode  string // "local", "sandbox", "auto"
	Status         string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// MessageMeta carries the per-message flags and tool payload.
type MessageMeta struct {
	IsThinking  bool           `json:"isThinking,omitempty"`
	IsStreaming bool           `json:"isStreaming,omitempty"`
	IsFinal     bool           `json:"isFinal,omitempty"`
	ToolName    string         `json:"toolName,omitempty"`
	ToolInput   map[string]any `json:"toolInput,omitempty"`
	ToolUseID   string         `json:"toolUseId,omitempty"`
	IsError     bool           `json:"isError,omitempty"`
	SkillIDs    []string       `json:"skillIds,omitempty"`
}

// AgentMessage is one entry in a session's ordered message log.
// Type is one of "user", "assistant", "tool_use", "tool_result", "system".
type AgentMessage struct {
	ID        string
	SessionID string
	Type      string
	Content   string
	Meta      MessageMeta
	Seq       int64
	CreatedAt time.Time
}

// MappingStore persists conversation→session bindings.
type MappingStore interface {
	GetMapping(ctx context.Context, conversationID, platform string) (*SessionMapping, error)
	ListMappings(ctx context.Context) ([]SessionMapping, error)
	SaveMapping(ctx context.Context, m *SessionMapping) error
	TouchMapping(ctx context.Context, conversationID, platform string, at time.Time) error
	DeleteMapping(ctx context.Context, conversationID, platform string) error
}

// SessionStore persists agent sessions and their message logs.
// The agent runner is the single writer of message rows; the multiplexer
// only reads.
type SessionStore interface {
	CreateSession(ctx context.Context, s *AgentSession) error
	GetSession(ctx context.Context, id string) (*AgentSession, error)
	UpdateSession(ctx context.Context, s *AgentSession) error
	DeleteSession(ctx context.Context, id string) error

	AppendMessage(ctx context.Context, m *AgentMessage) error
	UpdateMessage(ctx context.Context, sessionID, messageID, content string, meta MessageMeta) error
	ListMessages(ctx context.Context, sessionID string) ([]AgentMessage, error)
}

// ConfigStore persists gateway config blobs keyed by name.
type ConfigStore interface {
	GetConfigBlob(ctx context.Context, key string) (string, bool, error)
	SetConfigBlob(ctx context.Context, key, value string) error
}

// Store is the full persistence surface.
type Store interface {
	MappingStore
	SessionStore
	ConfigStore
	Close() error
}
