package mux

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/coworkd/internal/bus"
	"github.com/nextlevelbuilder/coworkd/internal/config"
	"github.com/nextlevelbuilder/coworkd/internal/runner"
	"github.com/nextlevelbuilder/coworkd/internal/skills"
	"github.com/nextlevelbuilder/coworkd/internal/store"
)

// fakeRunner records calls and lets the test drive runner events by hand.
type fakeRunner struct {
	mu       sync.Mutex
	events   *runner.Events
	active   map[string]bool
	failNext error // consumed by the next Start/Continue call

	started   chan string // session ids handed to Start/Continue
	prompts   chan string // system prompts handed to Start/Continue
	responded chan runner.PermissionResult
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		active:    make(map[string]bool),
		started:   make(chan string, 8),
		prompts:   make(chan string, 8),
		responded: make(chan runner.PermissionResult, 8),
	}
}

func (f *fakeRunner) failOnce(err error) {
	f.mu.Lock()
	f.failNext = err
	f.mu.Unlock()
}

func (f *fakeRunner) takeFailure() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	err := f.failNext
	f.failNext = nil
	return err
}

func (f *fakeRunner) StartSession(_ context.Context, sessionID, _ string, opts runner.StartOptions) error {
	if err := f.takeFailure(); err != nil {
		return err
	}
	f.mu.Lock()
	f.active[sessionID] = true
	f.mu.Unlock()
	f.prompts <- opts.SystemPrompt
	f.started <- sessionID
	return nil
}

func (f *fakeRunner) ContinueSession(_ context.Context, sessionID, _ string, opts runner.ContinueOptions) error {
	if err := f.takeFailure(); err != nil {
		return err
	}
	f.prompts <- opts.SystemPrompt
	f.started <- sessionID
	return nil
}

func (f *fakeRunner) StopSession(sessionID string) {
	f.mu.Lock()
	delete(f.active, sessionID)
	f.mu.Unlock()
}

func (f *fakeRunner) RespondToPermission(_ string, res runner.PermissionResult) bool {
	f.responded <- res
	return true
}

func (f *fakeRunner) IsSessionActive(sessionID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active[sessionID]
}

func (f *fakeRunner) Subscribe(e *runner.Events) { f.events = e }

// memStore is an in-memory store.Store for multiplexer tests.
type memStore struct {
	mu       sync.Mutex
	mappings map[string]*store.SessionMapping
	sessions map[string]*store.AgentSession
	blobs    map[string]string
}

func newMemStore() *memStore {
	return &memStore{
		mappings: make(map[string]*store.SessionMapping),
		sessions: make(map[string]*store.AgentSession),
		blobs:    make(map[string]string),
	}
}

func mapKey(conversationID, platform string) string { return platform + ":" + conversationID }

func (s *memStore) GetMapping(_ context.Context, conversationID, platform string) (*store.SessionMapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.mappings[mapKey(conversationID, platform)]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *memStore) ListMappings(_ context.Context) ([]store.SessionMapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.SessionMapping
	for _, m := range s.mappings {
		out = append(out, *m)
	}
	return out, nil
}

func (s *memStore) SaveMapping(_ context.Context, m *store.SessionMapping) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *m
	s.mappings[mapKey(m.ConversationID, m.Platform)] = &cp
	return nil
}

func (s *memStore) TouchMapping(_ context.Context, conversationID, platform string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.mappings[mapKey(conversationID, platform)]; ok {
		m.LastActiveAt = at
	}
	return nil
}

func (s *memStore) DeleteMapping(_ context.Context, conversationID, platform string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.mappings, mapKey(conversationID, platform))
	return nil
}

func (s *memStore) CreateSession(_ context.Context, sess *store.AgentSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *sess
	s.sessions[sess.ID] = &cp
	return nil
}

func (s *memStore) GetSession(_ context.Context, id string) (*store.AgentSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *sess
	return &cp, nil
}

func (s *memStore) UpdateSession(_ context.Context, sess *store.AgentSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *sess
	s.sessions[sess.ID] = &cp
	return nil
}

func (s *memStore) DeleteSession(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	return nil
}

func (s *memStore) AppendMessage(context.Context, *store.AgentMessage) error { return nil }
func (s *memStore) UpdateMessage(context.Context, string, string, string, store.MessageMeta) error {
	return nil
}
func (s *memStore) ListMessages(context.Context, string) ([]store.AgentMessage, error) {
	return nil, nil
}

func (s *memStore) GetConfigBlob(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.blobs[key]
	return v, ok, nil
}

func (s *memStore) SetConfigBlob(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[key] = value
	return nil
}

func (s *memStore) Close() error { return nil }

func newTestMux(t *testing.T) (*Multiplexer, *fakeRunner, *memStore) {
	t.Helper()
	cfg := config.Default()
	cfg.Agent.Workspace = t.TempDir()

	fr := newFakeRunner()
	st := newMemStore()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(cfg, st, fr, nil, log), fr, st
}

func testMessage(content string) *bus.IMMessage {
	return &bus.IMMessage{
		Platform:       bus.PlatformTelegram,
		ConversationID: "chat-1",
		MessageID:      "msg-1",
		SenderID:       "user-1",
		Content:        content,
		Timestamp:      time.Now().UnixMilli(),
	}
}

type turnResult struct {
	reply string
	err   error
}

func startTurn(m *Multiplexer, msg *bus.IMMessage) chan turnResult {
	out := make(chan turnResult, 1)
	go func() {
		reply, err := m.ProcessMessage(context.Background(), msg)
		out <- turnResult{reply, err}
	}()
	return out
}

func waitStarted(t *testing.T, fr *fakeRunner) string {
	t.Helper()
	select {
	case id := <-fr.started:
		return id
	case <-time.After(2 * time.Second):
		t.Fatal("runner was never started")
		return ""
	}
}

func waitTurn(t *testing.T, ch chan turnResult) turnResult {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("turn did not complete")
		return turnResult{}
	}
}

func TestProcessMessage_CompletedTurn(t *testing.T) {
	m, fr, _ := newTestMux(t)

	ch := startTurn(m, testMessage("hello"))
	sessID := waitStarted(t, fr)

	fr.events.OnMessage(sessID, &store.AgentMessage{ID: "a1", Type: "assistant", Content: "working on it"})
	fr.events.OnMessage(sessID, &store.AgentMessage{ID: "a2", Type: "assistant", Content: "done"})
	fr.events.OnComplete(sessID)

	r := waitTurn(t, ch)
	if r.err != nil {
		t.Fatalf("unexpected error: %v", r.err)
	}
	if r.reply != "working on it\n\ndone" {
		t.Errorf("reply = %q", r.reply)
	}
}

func TestProcessMessage_ErrorTurn(t *testing.T) {
	m, fr, _ := newTestMux(t)

	ch := startTurn(m, testMessage("hello"))
	sessID := waitStarted(t, fr)
	fr.events.OnError(sessID, "agent exploded")

	r := waitTurn(t, ch)
	if r.err == nil || r.err.Error() != "agent exploded" {
		t.Errorf("err = %v, want agent exploded", r.err)
	}
}

func TestProcessMessage_Supersession(t *testing.T) {
	m, fr, _ := newTestMux(t)

	first := startTurn(m, testMessage("first"))
	sessID := waitStarted(t, fr)

	second := startTurn(m, testMessage("second"))
	waitStarted(t, fr)

	r1 := waitTurn(t, first)
	if !errors.Is(r1.err, ErrTurnReplaced) {
		t.Fatalf("first turn err = %v, want ErrTurnReplaced", r1.err)
	}
	if ErrorReply(r1.err) != "" {
		t.Errorf("superseded turns must produce no user-visible reply")
	}

	fr.events.OnMessage(sessID, &store.AgentMessage{ID: "a1", Type: "assistant", Content: "answer"})
	fr.events.OnComplete(sessID)

	r2 := waitTurn(t, second)
	if r2.err != nil || r2.reply != "answer" {
		t.Errorf("second turn = %q/%v, want answer", r2.reply, r2.err)
	}
}

func TestProcessMessage_SessionReuse(t *testing.T) {
	m, fr, st := newTestMux(t)

	ch := startTurn(m, testMessage("one"))
	sessID := waitStarted(t, fr)
	fr.events.OnComplete(sessID)
	waitTurn(t, ch)

	ch = startTurn(m, testMessage("two"))
	if again := waitStarted(t, fr); again != sessID {
		t.Errorf("second turn used session %s, want %s", again, sessID)
	}
	fr.events.OnComplete(sessID)
	waitTurn(t, ch)

	if len(st.sessions) != 1 {
		t.Errorf("expected a single persisted session, got %d", len(st.sessions))
	}
}

func TestProcessMessage_StaleSessionRecovery(t *testing.T) {
	m, fr, st := newTestMux(t)

	ch := startTurn(m, testMessage("one"))
	oldID := waitStarted(t, fr)
	fr.events.OnComplete(oldID)
	waitTurn(t, ch)

	// The runner lost the session between turns; the stored mapping is
	// stale and must be rebuilt with a fresh session.
	fr.StopSession(oldID)
	fr.failOnce(runner.ErrSessionNotFound)

	ch = startTurn(m, testMessage("two"))
	newID := waitStarted(t, fr)
	if newID == oldID {
		t.Fatalf("stale dispatch reused session %s", oldID)
	}
	fr.events.OnMessage(newID, &store.AgentMessage{ID: "a1", Type: "assistant", Content: "recovered"})
	fr.events.OnComplete(newID)

	r := waitTurn(t, ch)
	if r.err != nil || r.reply != "recovered" {
		t.Fatalf("turn = %q/%v, want recovered", r.reply, r.err)
	}

	mp, err := st.GetMapping(context.Background(), "chat-1", "telegram")
	if err != nil {
		t.Fatal(err)
	}
	if mp.AgentSessionID != newID {
		t.Errorf("mapping points at %s, want %s", mp.AgentSessionID, newID)
	}
}

// newSkilledMux builds a multiplexer with one loaded skill.
func newSkilledMux(t *testing.T) (*Multiplexer, *fakeRunner, *memStore) {
	t.Helper()
	cfg := config.Default()
	cfg.Agent.Workspace = t.TempDir()
	cfg.Agent.SystemPrompt = "base prompt"

	lib := t.TempDir()
	dir := filepath.Join(lib, "chart-maker")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	content := "---\nname: Chart Maker\ndescription: Renders charts.\n---\nbody\n"
	if err := os.WriteFile(filepath.Join(dir, skills.SkillFilename), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	fr := newFakeRunner()
	st := newMemStore()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	loader := skills.NewLoader(lib, log)
	loader.Load()
	return New(cfg, st, fr, loader, log), fr, st
}

func TestProcessMessage_SkillPromptComposedOnce(t *testing.T) {
	m, fr, st := newSkilledMux(t)

	ch := startTurn(m, testMessage("one"))
	sessID := waitStarted(t, fr)
	first := <-fr.prompts
	fr.events.OnComplete(sessID)
	waitTurn(t, ch)

	if !strings.Contains(first, "base prompt") || strings.Count(first, "# Available Skills") != 1 {
		t.Fatalf("first prompt = %q", first)
	}

	// The runner captured a continuation token between turns.
	sess, err := st.GetSession(context.Background(), sessID)
	if err != nil {
		t.Fatal(err)
	}
	sess.ContinuationID = "cont-1"
	if err := st.UpdateSession(context.Background(), sess); err != nil {
		t.Fatal(err)
	}

	ch = startTurn(m, testMessage("two"))
	waitStarted(t, fr)
	second := <-fr.prompts
	fr.events.OnComplete(sessID)
	waitTurn(t, ch)

	if second != first {
		t.Errorf("prompt changed across turns:\nfirst:  %q\nsecond: %q", first, second)
	}
	if strings.Count(second, "# Available Skills") != 1 {
		t.Errorf("routing block duplicated: %q", second)
	}

	sess, err = st.GetSession(context.Background(), sessID)
	if err != nil {
		t.Fatal(err)
	}
	if sess.ContinuationID != "cont-1" {
		t.Error("continuation token cleared on an unchanged prompt")
	}
	if sess.SystemPrompt != "base prompt" {
		t.Errorf("base prompt overwritten: %q", sess.SystemPrompt)
	}
}

func TestProcessMessage_NewCommand(t *testing.T) {
	m, fr, st := newTestMux(t)

	ch := startTurn(m, testMessage("hi"))
	sessID := waitStarted(t, fr)
	fr.events.OnComplete(sessID)
	waitTurn(t, ch)

	reply, err := m.ProcessMessage(context.Background(), testMessage("/new"))
	if err != nil {
		t.Fatalf("clear failed: %v", err)
	}
	if reply != sessionResetMessage {
		t.Errorf("reply = %q, want %q", reply, sessionResetMessage)
	}
	if len(st.mappings) != 0 || len(st.sessions) != 0 {
		t.Errorf("state not cleared: %d mappings, %d sessions", len(st.mappings), len(st.sessions))
	}
	if fr.IsSessionActive(sessID) {
		t.Error("underlying session should be stopped")
	}
}

// startPendingPermission runs one turn up to an outstanding confirmation.
func startPendingPermission(t *testing.T, m *Multiplexer, fr *fakeRunner) string {
	t.Helper()
	ch := startTurn(m, testMessage("delete things"))
	sessID := waitStarted(t, fr)

	fr.events.OnPermissionRequest(&runner.PermissionRequest{
		RequestID: "req-1",
		SessionID: sessID,
		ToolName:  "Bash",
		ToolInput: map[string]any{"command": "rm -rf build"},
	})

	r := waitTurn(t, ch)
	if r.err != nil {
		t.Fatalf("confirmation turn failed: %v", r.err)
	}
	if !strings.Contains(r.reply, "安全确认") || !strings.Contains(r.reply, "Bash") {
		t.Fatalf("confirmation prompt missing, got %q", r.reply)
	}
	return sessID
}

func TestPermissionFlow_Allow(t *testing.T) {
	m, fr, _ := newTestMux(t)
	sessID := startPendingPermission(t, m, fr)

	// Trailing punctuation is stripped before token matching.
	ch := startTurn(m, testMessage("允许。"))

	select {
	case res := <-fr.responded:
		if res.Behavior != runner.BehaviorAllow {
			t.Fatalf("behavior = %q, want allow", res.Behavior)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("permission was never answered")
	}

	fr.events.OnMessage(sessID, &store.AgentMessage{ID: "a1", Type: "assistant", Content: "deleted"})
	fr.events.OnComplete(sessID)

	r := waitTurn(t, ch)
	if r.err != nil || r.reply != "deleted" {
		t.Errorf("post-allow reply = %q/%v, want deleted", r.reply, r.err)
	}
}

func TestPermissionFlow_Deny(t *testing.T) {
	m, fr, _ := newTestMux(t)
	startPendingPermission(t, m, fr)

	reply, err := m.ProcessMessage(context.Background(), testMessage("拒绝"))
	if err != nil {
		t.Fatalf("deny failed: %v", err)
	}
	if reply != permissionDeniedMessage {
		t.Errorf("reply = %q, want %q", reply, permissionDeniedMessage)
	}

	res := <-fr.responded
	if res.Behavior != runner.BehaviorDeny || res.Message != deniedByUserMessage {
		t.Errorf("result = %+v, want deny %q", res, deniedByUserMessage)
	}
}

func TestPermissionFlow_UnrecognisedReply(t *testing.T) {
	m, fr, _ := newTestMux(t)
	startPendingPermission(t, m, fr)

	for _, content := range []string{"maybe", "。！"} {
		reply, err := m.ProcessMessage(context.Background(), testMessage(content))
		if err != nil {
			t.Fatalf("%q: %v", content, err)
		}
		if reply != permissionReminderMessage {
			t.Errorf("%q: reply = %q, want reminder", content, reply)
		}
	}

	// The pending confirmation survives unrecognised replies.
	reply, err := m.ProcessMessage(context.Background(), testMessage("No"))
	if err != nil {
		t.Fatalf("deny failed: %v", err)
	}
	if reply != permissionDeniedMessage {
		t.Errorf("reply = %q, want %q", reply, permissionDeniedMessage)
	}
}

func TestPermissionFlow_Expired(t *testing.T) {
	m, fr, _ := newTestMux(t)
	sessID := startPendingPermission(t, m, fr)

	fr.StopSession(sessID)

	reply, err := m.ProcessMessage(context.Background(), testMessage("允许"))
	if err != nil {
		t.Fatalf("expired reply failed: %v", err)
	}
	if reply != permissionExpiredMessage {
		t.Errorf("reply = %q, want %q", reply, permissionExpiredMessage)
	}
}

func TestErrorReply(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{ErrTurnReplaced, ""},
		{ErrTurnTimeout, "任务执行超时,请稍后重试。"},
		{ErrSessionAborted, "任务已中止。"},
		{runner.ErrSessionNotFound, "会话已失效,请重新发送任务。"},
		{errors.New("boom"), "任务执行失败:boom"},
	}
	for _, tt := range tests {
		if got := ErrorReply(tt.err); got != tt.want {
			t.Errorf("ErrorReply(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
