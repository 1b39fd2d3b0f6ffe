// Package mux is the per-conversation session multiplexer: it maps IM
// conversations to agent sessions, accumulates streamed output into a
// single reply, and mediates permission confirmation over plain chat text.
package mux

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/coworkd/internal/bus"
	"github.com/nextlevelbuilder/coworkd/internal/config"
	"github.com/nextlevelbuilder/coworkd/internal/runner"
	"github.com/nextlevelbuilder/coworkd/internal/skills"
	"github.com/nextlevelbuilder/coworkd/internal/store"
)

// AgentRunner is the runner surface the multiplexer drives.
type AgentRunner interface {
	StartSession(ctx context.Context, sessionID, prompt string, opts runner.StartOptions) error
	ContinueSession(ctx context.Context, sessionID, prompt string, opts runner.ContinueOptions) error
	StopSession(sessionID string)
	RespondToPermission(requestID string, res runner.PermissionResult) bool
	IsSessionActive(sessionID string) bool
	Subscribe(e *runner.Events)
}

// Multiplexer adapts inbound IM messages to agent turns.
type Multiplexer struct {
	cfg    *config.Config
	store  store.Store
	runner AgentRunner
	skills *skills.Loader
	log    *slog.Logger

	mu sync.Mutex
	// accumulators holds the in-flight turn per agent session.
	accumulators map[string]*accumulator
	// pendingByConv holds at most one pending permission per conversation.
	pendingByConv map[bus.ConversationKey]*pendingIMPermission
	// owned maps adopted agent sessions back to their conversation. Runner
	// events for sessions outside this set are ignored.
	owned map[string]bus.ConversationKey
}

func New(cfg *config.Config, st store.Store, r AgentRunner, sk *skills.Loader, log *slog.Logger) *Multiplexer {
	m := &Multiplexer{
		cfg:           cfg,
		store:         st,
		runner:        r,
		skills:        sk,
		log:           log,
		accumulators:  make(map[string]*accumulator),
		pendingByConv: make(map[bus.ConversationKey]*pendingIMPermission),
		owned:         make(map[string]bus.ConversationKey),
	}

	r.Subscribe(&runner.Events{
		OnMessage: func(sessionID string, msg *store.AgentMessage) {
			if acc := m.accumulatorFor(sessionID); acc != nil {
				acc.append(msg.ID, msg.Type, msg.Content, msg.Meta.IsThinking)
			}
		},
		OnMessageUpdate: func(sessionID, messageID, content string, meta store.MessageMeta) {
			if acc := m.accumulatorFor(sessionID); acc != nil {
				acc.update(messageID, content)
			}
		},
		OnPermissionRequest: m.onPermissionRequest,
		OnComplete: func(sessionID string) {
			if acc := m.takeAccumulator(sessionID); acc != nil {
				acc.resolveFormatted()
			}
		},
		OnError: func(sessionID, errMsg string) {
			if acc := m.takeAccumulator(sessionID); acc != nil {
				acc.reject(errors.New(errMsg))
			}
		},
	})
	return m
}

// ProcessMessage translates one inbound message into its reply text.
// Fails with ErrTurnTimeout, ErrSessionAborted, or ErrTurnReplaced per the
// turn contract.
func (m *Multiplexer) ProcessMessage(ctx context.Context, msg *bus.IMMessage) (string, error) {
	key := msg.Key()

	if strings.TrimSpace(msg.Content) == "/new" {
		if err := m.ClearSessionForConversation(ctx, msg.ConversationID, string(msg.Platform)); err != nil {
			return "", err
		}
		return sessionResetMessage, nil
	}

	m.mu.Lock()
	pending := m.pendingByConv[key]
	m.mu.Unlock()
	if pending != nil {
		if reply, handled := m.handlePendingReply(ctx, msg, pending); handled {
			return reply, nil
		}
	}

	reply, err := m.dispatchTurn(ctx, msg, false)
	if errors.Is(err, runner.ErrSessionNotFound) {
		// Stale mapping: rebuild once with a fresh session.
		m.log.Warn("mux.session.stale", "conversation", key.String(), "err", err)
		if derr := m.store.DeleteMapping(ctx, msg.ConversationID, string(msg.Platform)); derr != nil {
			m.log.Warn("mux.mapping.delete", "conversation", key.String(), "err", derr)
		}
		reply, err = m.dispatchTurn(ctx, msg, true)
	}
	return reply, err
}

// ClearSessionForConversation detaches the mapping, drops in-memory state,
// and stops the underlying agent session. Idempotent.
func (m *Multiplexer) ClearSessionForConversation(ctx context.Context, conversationID, platform string) error {
	key := bus.ConversationKey{Platform: bus.Platform(platform), ConversationID: conversationID}

	mapping, err := m.store.GetMapping(ctx, conversationID, platform)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("clear session: %w", err)
	}

	if p := m.takePending(key); p != nil {
		m.runner.RespondToPermission(p.requestID, runner.PermissionResult{
			Behavior: runner.BehaviorDeny,
			Message:  "conversation cleared",
		})
	}

	if mapping == nil {
		return nil
	}
	sessionID := mapping.AgentSessionID

	if acc := m.takeAccumulator(sessionID); acc != nil {
		acc.reject(ErrSessionAborted)
	}
	m.mu.Lock()
	delete(m.owned, sessionID)
	m.mu.Unlock()

	m.runner.StopSession(sessionID)
	if err := m.store.DeleteSession(ctx, sessionID); err != nil && !errors.Is(err, store.ErrNotFound) {
		m.log.Warn("mux.session.delete", "session", sessionID, "err", err)
	}
	if err := m.store.DeleteMapping(ctx, conversationID, platform); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	m.log.Info("mux.session.cleared", "conversation", key.String(), "session", sessionID)
	return nil
}

// dispatchTurn resolves the agent session and runs one turn on it.
func (m *Multiplexer) dispatchTurn(ctx context.Context, msg *bus.IMMessage, forceNewSession bool) (string, error) {
	sess, err := m.resolveSession(ctx, msg, forceNewSession)
	if err != nil {
		return "", err
	}
	key := msg.Key()

	m.mu.Lock()
	m.owned[sess.ID] = key
	m.mu.Unlock()

	prompt := buildPrompt(msg)
	systemPrompt := m.composeSystemPrompt(ctx, sess)

	acc := m.installAccumulator(sess.ID)

	if err := m.store.TouchMapping(ctx, msg.ConversationID, string(msg.Platform), time.Now()); err != nil {
		m.log.Warn("mux.mapping.touch", "conversation", key.String(), "err", err)
	}

	startErr := make(chan error, 1)
	go func() {
		if m.runner.IsSessionActive(sess.ID) {
			startErr <- m.runner.ContinueSession(ctx, sess.ID, prompt, runner.ContinueOptions{
				SystemPrompt: systemPrompt,
			})
			return
		}
		startErr <- m.runner.StartSession(ctx, sess.ID, prompt, runner.StartOptions{
			WorkspaceRoot:    sess.WorkspaceRoot,
			SystemPrompt:     systemPrompt,
			ConfirmationMode: "text",
		})
	}()
	go func() {
		if err := <-startErr; err != nil {
			acc.reject(err)
		}
	}()

	return m.awaitAccumulator(ctx, acc)
}

// resolveSession returns the conversation's agent session, creating the
// session and mapping when missing or forced.
func (m *Multiplexer) resolveSession(ctx context.Context, msg *bus.IMMessage, forceNewSession bool) (*store.AgentSession, error) {
	platform := string(msg.Platform)

	if forceNewSession {
		if err := m.store.DeleteMapping(ctx, msg.ConversationID, platform); err != nil {
			m.log.Warn("mux.mapping.delete", "conversation", msg.Key().String(), "err", err)
		}
	} else {
		mapping, err := m.store.GetMapping(ctx, msg.ConversationID, platform)
		if err == nil {
			sess, serr := m.store.GetSession(ctx, mapping.AgentSessionID)
			if serr == nil {
				return sess, nil
			}
			if !errors.Is(serr, store.ErrNotFound) {
				return nil, serr
			}
			// Dangling mapping; repair by creating a new session below.
			if derr := m.store.DeleteMapping(ctx, msg.ConversationID, platform); derr != nil {
				m.log.Warn("mux.mapping.delete", "conversation", msg.Key().String(), "err", derr)
			}
		} else if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}

	workspace := m.cfg.WorkspacePath()
	if err := ensureWorkspace(workspace); err != nil {
		return nil, err
	}

	now := time.Now()
	sess := &store.AgentSession{
		ID:            uuid.NewString(),
		WorkspaceRoot: workspace,
		SystemPrompt:  m.cfg.Agent.SystemPrompt,
		ExecutionMode: m.cfg.Agent.ExecutionMode,
		Status:        runner.StatusIdle,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := m.store.CreateSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	if err := m.store.SaveMapping(ctx, &store.SessionMapping{
		ConversationID: msg.ConversationID,
		Platform:       platform,
		AgentSessionID: sess.ID,
		CreatedAt:      now,
		LastActiveAt:   now,
	}); err != nil {
		return nil, fmt.Errorf("save mapping: %w", err)
	}
	m.log.Info("mux.session.created", "conversation", msg.Key().String(), "session", sess.ID)
	return sess, nil
}

// composeSystemPrompt prepends the skills auto-routing block to the base
// prompt. The base prompt is never overwritten; the composition is
// compared against the previously persisted effective prompt, and the
// continuation token is cleared only when the composition actually
// changed (skill set edits, base prompt edits).
func (m *Multiplexer) composeSystemPrompt(ctx context.Context, sess *store.AgentSession) string {
	composed := sess.SystemPrompt
	if m.skills != nil {
		if block := m.skills.RoutingBlock(); block != "" {
			if composed != "" {
				composed = block + "\n\n" + composed
			} else {
				composed = block
			}
		}
	}

	if composed != sess.EffectivePrompt {
		sess.EffectivePrompt = composed
		sess.ContinuationID = ""
		if err := m.store.UpdateSession(ctx, sess); err != nil {
			m.log.Warn("mux.session.prompt", "session", sess.ID, "err", err)
		}
	}
	return composed
}

func ensureWorkspace(path string) error {
	if path == "" {
		return errors.New("agent workspace is not configured")
	}
	if err := os.MkdirAll(path, 0755); err != nil {
		return fmt.Errorf("workspace %q: %w", path, err)
	}
	return nil
}

// installAccumulator replaces any in-flight accumulator for the session;
// the previous one rejects with ErrTurnReplaced.
func (m *Multiplexer) installAccumulator(sessionID string) *accumulator {
	timeout := time.Duration(m.cfg.TurnTimeoutSec()) * time.Second
	acc := newAccumulator(sessionID, timeout)

	m.mu.Lock()
	prev := m.accumulators[sessionID]
	m.accumulators[sessionID] = acc
	m.mu.Unlock()

	if prev != nil {
		prev.reject(ErrTurnReplaced)
	}
	return acc
}

func (m *Multiplexer) awaitAccumulator(ctx context.Context, acc *accumulator) (string, error) {
	select {
	case <-acc.done:
	case <-ctx.Done():
		acc.reject(ErrSessionAborted)
		<-acc.done
	}

	m.mu.Lock()
	if m.accumulators[acc.sessionID] == acc {
		delete(m.accumulators, acc.sessionID)
	}
	m.mu.Unlock()

	return acc.reply, acc.err
}

func (m *Multiplexer) accumulatorFor(sessionID string) *accumulator {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, owned := m.owned[sessionID]; !owned {
		return nil
	}
	return m.accumulators[sessionID]
}

func (m *Multiplexer) takeAccumulator(sessionID string) *accumulator {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, owned := m.owned[sessionID]; !owned {
		return nil
	}
	acc := m.accumulators[sessionID]
	delete(m.accumulators, sessionID)
	return acc
}

// conversationFor reports the conversation that owns the session.
func (m *Multiplexer) conversationFor(sessionID string) (bus.ConversationKey, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key, ok := m.owned[sessionID]
	return key, ok
}

func (m *Multiplexer) takePending(key bus.ConversationKey) *pendingIMPermission {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.pendingByConv[key]
	if p != nil {
		delete(m.pendingByConv, key)
		p.timer.Stop()
	}
	return p
}

func (m *Multiplexer) dropPending(p *pendingIMPermission) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pendingByConv[p.key] == p {
		delete(m.pendingByConv, p.key)
	}
	p.timer.Stop()
}

// ErrorReply maps a turn error to the localized single-line reply shown to
// the IM user. Empty for supersession: the newer turn answers instead.
func ErrorReply(err error) string {
	switch {
	case errors.Is(err, ErrTurnReplaced):
		return ""
	case errors.Is(err, ErrTurnTimeout):
		return "任务执行超时,请稍后重试。"
	case errors.Is(err, ErrSessionAborted):
		return "任务已中止。"
	case errors.Is(err, runner.ErrSessionNotFound):
		return "会话已失效,请重新发送任务。"
	default:
		return "任务执行失败:" + err.Error()
	}
}
