// Package runner drives the agent CLI for cowork sessions: it owns the
// per-session child process (local or sandboxed), interprets the stream-json
// event protocol into a typed message stream, and gates every tool use
// through the safety policy and the permission table.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/coworkd/internal/config"
	"github.com/nextlevelbuilder/coworkd/internal/store"
)

// ErrSessionNotFound reports a turn against a session id with no stored
// session. The multiplexer recovers from it by rebuilding the mapping.
var ErrSessionNotFound = errors.New("session not found")

// SandboxFallbackMessage is appended as a system message when an auto-mode
// session falls back from the sandbox VM to local execution.
const SandboxFallbackMessage = "Sandbox VM is unavailable. Falling back to local execution."

// Session status values.
const (
	StatusIdle      = "idle"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusError     = "error"
)

// VMTransport is a sandbox-backed Transport. Permission responses are
// additionally written to the per-request response file so the guest can
// pick them up even if the bridge drops.
type VMTransport interface {
	Transport
	WritePermissionResponse(requestID string, behavior string, message string) error
}

// VMProvider supplies sandbox VMs. Implemented by the sandbox manager;
// nil when sandbox execution is disabled.
type VMProvider interface {
	// Ensure returns a ready VM for the session, spawning one if needed.
	Ensure(ctx context.Context, sessionID, workspaceRoot string) (VMTransport, error)
	// Get returns the live VM for the session, if any. Live VMs are reused
	// across turns rather than respawned.
	Get(sessionID string) (VMTransport, bool)
	// Stop tears the session's VM down.
	Stop(sessionID string)
}

// StartOptions configures startSession.
type StartOptions struct {
	WorkspaceRoot          string
	SystemPrompt           string
	ConfirmationMode       string // "text" or "modal"
	SkillIDs               []string
	AutoApprove            bool
	SkipInitialUserMessage bool
}

// ContinueOptions configures continueSession.
type ContinueOptions struct {
	SystemPrompt string
	SkillIDs     []string
}

// liveSession is the in-memory runtime state of one session.
type liveSession struct {
	id string

	// turnMu serialises turns: a continueSession issued while a turn is
	// running queues behind that turn's completion.
	turnMu sync.Mutex

	mu               sync.Mutex
	child            Transport
	cancel           context.CancelFunc
	autoApprove      bool
	confirmationMode string
	skillIDs         []string
}

func (l *liveSession) liveChild() Transport {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.child != nil && l.child.Alive() {
		return l.child
	}
	return nil
}

// Runner drives agent turns and fans events out to observers.
type Runner struct {
	cfg    *config.Config
	store  store.Store
	vms    VMProvider
	log    *slog.Logger
	tracer trace.Tracer

	events *fanout
	perms  *permissionTable

	mu       sync.Mutex
	sessions map[string]*liveSession
	stopped  map[string]bool
}

func New(cfg *config.Config, st store.Store, vms VMProvider, log *slog.Logger) *Runner {
	return &Runner{
		cfg:      cfg,
		store:    st,
		vms:      vms,
		log:      log,
		tracer:   otel.Tracer("coworkd/runner"),
		events:   &fanout{},
		perms:    newPermissionTable(),
		sessions: make(map[string]*liveSession),
		stopped:  make(map[string]bool),
	}
}

// Subscribe registers an observer for runner events.
func (r *Runner) Subscribe(e *Events) { r.events.subscribe(e) }

// IsSessionActive reports whether the session has a live child process.
func (r *Runner) IsSessionActive(sessionID string) bool {
	r.mu.Lock()
	live, ok := r.sessions[sessionID]
	stopped := r.stopped[sessionID]
	r.mu.Unlock()
	if !ok || stopped {
		return false
	}
	return live.liveChild() != nil
}

// StartSession transitions the session to running, appends the user
// message, and runs one turn to completion. Blocks until the turn ends.
func (r *Runner) StartSession(ctx context.Context, sessionID, prompt string, opts StartOptions) error {
	sess, err := r.loadSession(ctx, sessionID)
	if err != nil {
		return err
	}

	if opts.WorkspaceRoot != "" {
		sess.WorkspaceRoot = opts.WorkspaceRoot
	}
	if err := validateWorkspace(sess.WorkspaceRoot); err != nil {
		return err
	}
	if opts.SystemPrompt != "" {
		sess.SystemPrompt = opts.SystemPrompt
	}

	live := r.adopt(sessionID)
	live.mu.Lock()
	live.autoApprove = opts.AutoApprove
	live.confirmationMode = opts.ConfirmationMode
	live.skillIDs = opts.SkillIDs
	live.mu.Unlock()

	if !opts.SkipInitialUserMessage {
		r.appendUserMessage(ctx, sessionID, prompt, opts.SkillIDs)
	}

	return r.runTurn(ctx, live, sess, prompt)
}

// ContinueSession reuses the live child if any; otherwise it behaves like
// StartSession on the stored session.
func (r *Runner) ContinueSession(ctx context.Context, sessionID, prompt string, opts ContinueOptions) error {
	sess, err := r.loadSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if opts.SystemPrompt != "" {
		sess.SystemPrompt = opts.SystemPrompt
	}
	if err := validateWorkspace(sess.WorkspaceRoot); err != nil {
		return err
	}

	live := r.adopt(sessionID)
	live.mu.Lock()
	live.skillIDs = opts.SkillIDs
	live.mu.Unlock()

	r.appendUserMessage(ctx, sessionID, prompt, opts.SkillIDs)
	return r.runTurn(ctx, live, sess, prompt)
}

// StopSession aborts the session: kills the child, denies every pending
// permission as aborted, and sets status idle. Idempotent; after a stop
// the in-flight turn emits neither complete nor error.
func (r *Runner) StopSession(sessionID string) {
	r.mu.Lock()
	r.stopped[sessionID] = true
	live := r.sessions[sessionID]
	r.mu.Unlock()

	if live != nil {
		live.mu.Lock()
		cancel := live.cancel
		child := live.child
		live.child = nil
		live.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		if child != nil {
			child.Kill()
		}
	}
	if r.vms != nil {
		r.vms.Stop(sessionID)
	}
	r.perms.abortSession(sessionID)
	r.setStatus(context.Background(), sessionID, StatusIdle)
	r.log.Info("runner.session.stopped", "session", sessionID)
}

// RespondToPermission delivers an external decision for a pending
// permission request. At most one delivery is effective.
func (r *Runner) RespondToPermission(requestID string, res PermissionResult) bool {
	return r.perms.respond(requestID, res)
}

func (r *Runner) adopt(sessionID string) *liveSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.stopped, sessionID)
	live, ok := r.sessions[sessionID]
	if !ok {
		live = &liveSession{id: sessionID}
		r.sessions[sessionID] = live
	}
	return live
}

func (r *Runner) isStopped(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopped[sessionID]
}

func (r *Runner) loadSession(ctx context.Context, sessionID string) (*store.AgentSession, error) {
	sess, err := r.store.GetSession(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrSessionNotFound)
	}
	if err != nil {
		return nil, err
	}
	return sess, nil
}

func validateWorkspace(root string) error {
	if !filepath.IsAbs(root) {
		return fmt.Errorf("workspace root %q is not absolute", root)
	}
	info, err := os.Stat(root)
	if err != nil {
		return fmt.Errorf("workspace root %q: %w", root, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("workspace root %q is not a directory", root)
	}
	return nil
}

func (r *Runner) appendUserMessage(ctx context.Context, sessionID, content string, skillIDs []string) {
	m := &store.AgentMessage{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Type:      "user",
		Content:   content,
		Meta:      store.MessageMeta{SkillIDs: skillIDs},
		CreatedAt: time.Now(),
	}
	if err := r.store.AppendMessage(ctx, m); err != nil {
		r.log.Warn("runner.store.append", "session", sessionID, "err", err)
	}
	r.events.message(sessionID, m)
}

// appendSystemMessage records an operational notice in the session log.
func (r *Runner) appendSystemMessage(ctx context.Context, sessionID, content string) {
	m := &store.AgentMessage{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Type:      "system",
		Content:   content,
		CreatedAt: time.Now(),
	}
	if err := r.store.AppendMessage(ctx, m); err != nil {
		r.log.Warn("runner.store.append", "session", sessionID, "err", err)
	}
	r.events.message(sessionID, m)
}

func (r *Runner) setStatus(ctx context.Context, sessionID, status string) {
	sess, err := r.store.GetSession(ctx, sessionID)
	if err != nil {
		return
	}
	if sess.Status == status {
		return
	}
	sess.Status = status
	if err := r.store.UpdateSession(ctx, sess); err != nil {
		r.log.Warn("runner.store.status", "session", sessionID, "err", err)
	}
}

// saveContinuationID persists the SDK continuation token reported by the
// system.init event.
func (r *Runner) saveContinuationID(ctx context.Context, sessionID, token string) {
	sess, err := r.store.GetSession(ctx, sessionID)
	if err != nil {
		return
	}
	if sess.ContinuationID == token {
		return
	}
	sess.ContinuationID = token
	if err := r.store.UpdateSession(ctx, sess); err != nil {
		r.log.Warn("runner.store.continuation", "session", sessionID, "err", err)
	}
}

// runTurn executes one turn end to end. Turns on the same session never
// interleave.
func (r *Runner) runTurn(ctx context.Context, live *liveSession, sess *store.AgentSession, prompt string) error {
	live.turnMu.Lock()
	defer live.turnMu.Unlock()

	if r.isStopped(sess.ID) {
		return nil
	}

	ctx, span := r.tracer.Start(ctx, "runner.turn",
		trace.WithAttributes(attribute.String("session.id", sess.ID)))
	defer span.End()

	turnCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	live.mu.Lock()
	live.cancel = cancel
	live.mu.Unlock()

	r.setStatus(ctx, sess.ID, StatusRunning)

	child, err := r.ensureChild(turnCtx, live, sess)
	if err != nil {
		r.setStatus(ctx, sess.ID, StatusError)
		r.events.error(sess.ID, err.Error())
		return err
	}

	if err := child.Send(userMessageEvent(prompt)); err != nil {
		r.setStatus(ctx, sess.ID, StatusError)
		r.events.error(sess.ID, err.Error())
		return err
	}

	t := newTurn(turnCtx, r, sess.ID)
	err = r.consume(turnCtx, live, child, t)

	if r.isStopped(sess.ID) {
		// Stop is authoritative: no complete, no error.
		r.setStatus(context.Background(), sess.ID, StatusIdle)
		return nil
	}
	if err != nil {
		r.setStatus(ctx, sess.ID, StatusError)
		r.events.error(sess.ID, err.Error())
		return err
	}

	r.setStatus(ctx, sess.ID, StatusCompleted)
	r.events.complete(sess.ID)
	return nil
}

// consume pumps stream-json lines until the turn completes or fails.
func (r *Runner) consume(ctx context.Context, live *liveSession, child Transport, t *turn) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-child.Lines():
			if !ok {
				<-child.Done()
				if t.completed {
					return nil
				}
				if t.errMsg != "" {
					return errors.New(t.errMsg)
				}
				if exitErr := child.Err(); exitErr != nil {
					if tail := child.StderrTail(); tail != "" {
						return fmt.Errorf("agent process exited: %s", tail)
					}
					return fmt.Errorf("agent process exited: %w", exitErr)
				}
				return errors.New("agent process exited before the turn completed")
			}
			if req, reqID, ok := decodeControlRequest(line); ok {
				r.gateToolUse(ctx, live, child, t.sessionID, reqID, req)
				continue
			}
			t.handleLine(line)
			if t.completed {
				return nil
			}
			if t.errMsg != "" {
				return errors.New(t.errMsg)
			}
		}
	}
}

// ensureChild returns the live child for the session, spawning one in the
// session's execution mode if needed. In auto mode a sandbox failure falls
// back to local execution with a visible system message.
func (r *Runner) ensureChild(ctx context.Context, live *liveSession, sess *store.AgentSession) (Transport, error) {
	if child := live.liveChild(); child != nil {
		return child, nil
	}

	mode := sess.ExecutionMode
	if mode == "" {
		mode = r.cfg.Agent.ExecutionMode
	}

	if mode == "sandbox" || mode == "auto" {
		if r.vms == nil {
			if mode == "sandbox" {
				return nil, errors.New("sandbox execution requested but no sandbox is configured")
			}
		} else {
			if vm, ok := r.vms.Get(sess.ID); ok {
				live.mu.Lock()
				live.child = vm
				live.mu.Unlock()
				return vm, nil
			}
			vm, err := r.vms.Ensure(ctx, sess.ID, sess.WorkspaceRoot)
			if err == nil {
				live.mu.Lock()
				live.child = vm
				live.mu.Unlock()
				return vm, nil
			}
			if mode == "sandbox" {
				return nil, fmt.Errorf("sandbox spawn: %w", err)
			}
			r.log.Warn("sandbox.fallback", "session", sess.ID, "err", err)
			r.appendSystemMessage(ctx, sess.ID, SandboxFallbackMessage)
			sess.ExecutionMode = "local"
			if err := r.store.UpdateSession(ctx, sess); err != nil {
				r.log.Warn("runner.store.mode", "session", sess.ID, "err", err)
			}
		}
	}

	proc, err := startLocalProcess(ctx, processOptions{
		Binary:         r.cfg.Agent.Binary,
		WorkspaceRoot:  sess.WorkspaceRoot,
		SystemPrompt:   sess.SystemPrompt,
		ContinuationID: sess.ContinuationID,
	})
	if err != nil {
		return nil, err
	}
	live.mu.Lock()
	live.child = proc
	live.mu.Unlock()
	return proc, nil
}

func userMessageEvent(text string) any {
	return map[string]any{
		"type": "user",
		"message": map[string]any{
			"role": "user",
			"content": []any{
				map[string]any{"type": "text", "text": text},
			},
		},
	}
}

func decodeControlRequest(line []byte) (*controlRequest, string, bool) {
	var ev cliEvent
	if err := json.Unmarshal(line, &ev); err != nil {
		return nil, "", false
	}
	if ev.Type != "control_request" || ev.Request == nil || ev.Request.Subtype != "can_use_tool" {
		return nil, "", false
	}
	return ev.Request, ev.RequestID, true
}
