package runner

import (
	"sync"

	"github.com/nextlevelbuilder/coworkd/internal/store"
)

// PermissionRequest asks an external party to approve one tool use.
// ToolInput is already sanitised when the request is emitted.
type PermissionRequest struct {
	RequestID string
	SessionID string
	ToolName  string
	ToolInput map[string]any
}

// PermissionBehavior is the outcome of a permission decision.
type PermissionBehavior string

const (
	BehaviorAllow PermissionBehavior = "allow"
	BehaviorDeny  PermissionBehavior = "deny"
)

// PermissionResult resolves a PermissionRequest. UpdatedInput replaces the
// tool input when set (AskUserQuestion answers arrive this way).
type PermissionResult struct {
	Behavior     PermissionBehavior
	UpdatedInput map[string]any
	Message      string
}

// Events is one observer's callback slots. Nil slots are skipped. Handlers
// run on the runner's event goroutine and must not block.
type Events struct {
	OnMessage           func(sessionID string, msg *store.AgentMessage)
	OnMessageUpdate     func(sessionID, messageID, content string, meta store.MessageMeta)
	OnPermissionRequest func(req *PermissionRequest)
	OnComplete          func(sessionID string)
	OnError             func(sessionID string, errMsg string)
}

// fanout delivers runner events to every registered observer.
type fanout struct {
	mu   sync.RWMutex
	subs []*Events
}

func (f *fanout) subscribe(e *Events) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs = append(f.subs, e)
}

func (f *fanout) message(sessionID string, msg *store.AgentMessage) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, s := range f.subs {
		if s.OnMessage != nil {
			s.OnMessage(sessionID, msg)
		}
	}
}

func (f *fanout) messageUpdate(sessionID, messageID, content string, meta store.MessageMeta) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, s := range f.subs {
		if s.OnMessageUpdate != nil {
			s.OnMessageUpdate(sessionID, messageID, content, meta)
		}
	}
}

func (f *fanout) permissionRequest(req *PermissionRequest) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, s := range f.subs {
		if s.OnPermissionRequest != nil {
			s.OnPermissionRequest(req)
		}
	}
}

func (f *fanout) complete(sessionID string) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, s := range f.subs {
		if s.OnComplete != nil {
			s.OnComplete(sessionID)
		}
	}
}

func (f *fanout) error(sessionID, errMsg string) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, s := range f.subs {
		if s.OnError != nil {
			s.OnError(sessionID, errMsg)
		}
	}
}
