package runner

import (
	"sync"
	"time"
)

// PermissionTimeout is how long a permission request may stay unanswered
// before it auto-denies.
const PermissionTimeout = 60 * time.Second

const (
	timeoutDenyMessage = "Permission request timed out after 60s"
	abortDenyMessage   = "aborted"
)

// pendingPermission is one outstanding tool approval. resolve delivers the
// result to the waiting turn exactly once; later deliveries are dropped.
type pendingPermission struct {
	requestID string
	sessionID string

	once   sync.Once
	result chan PermissionResult
	timer  *time.Timer
}

func (p *pendingPermission) resolve(res PermissionResult) bool {
	delivered := false
	p.once.Do(func() {
		if p.timer != nil {
			p.timer.Stop()
		}
		p.result <- res
		delivered = true
	})
	return delivered
}

// permissionTable tracks pendingPermissions keyed by requestId.
type permissionTable struct {
	mu      sync.Mutex
	pending map[string]*pendingPermission
}

func newPermissionTable() *permissionTable {
	return &permissionTable{pending: make(map[string]*pendingPermission)}
}

// register creates a pending entry and arms its timeout. The caller reads
// exactly one PermissionResult from the returned entry's result channel.
func (t *permissionTable) register(requestID, sessionID string) *pendingPermission {
	p := &pendingPermission{
		requestID: requestID,
		sessionID: sessionID,
		result:    make(chan PermissionResult, 1),
	}
	p.timer = time.AfterFunc(PermissionTimeout, func() {
		t.remove(requestID)
		p.resolve(PermissionResult{Behavior: BehaviorDeny, Message: timeoutDenyMessage})
	})

	t.mu.Lock()
	t.pending[requestID] = p
	t.mu.Unlock()
	return p
}

// respond delivers a result to a pending request. Returns false when the
// request is unknown or already resolved.
func (t *permissionTable) respond(requestID string, res PermissionResult) bool {
	t.mu.Lock()
	p, ok := t.pending[requestID]
	delete(t.pending, requestID)
	t.mu.Unlock()
	if !ok {
		return false
	}
	return p.resolve(res)
}

func (t *permissionTable) remove(requestID string) {
	t.mu.Lock()
	delete(t.pending, requestID)
	t.mu.Unlock()
}

// abortSession denies every pending permission of the session. Used by
// stopSession; each entry still resolves at most once.
func (t *permissionTable) abortSession(sessionID string) {
	t.mu.Lock()
	var aborted []*pendingPermission
	for id, p := range t.pending {
		if p.sessionID == sessionID {
			aborted = append(aborted, p)
			delete(t.pending, id)
		}
	}
	t.mu.Unlock()

	for _, p := range aborted {
		p.resolve(PermissionResult{Behavior: BehaviorDeny, Message: abortDenyMessage})
	}
}
