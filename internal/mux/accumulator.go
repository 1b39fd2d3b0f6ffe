package mux

import (
	"errors"
	"strings"
	"sync"
	"time"
)

// Sentinel errors of the ProcessMessage contract.
var (
	// ErrTurnReplaced reports that a newer IM request superseded this turn.
	ErrTurnReplaced = errors.New("Replaced by a newer IM request")
	// ErrTurnTimeout reports that the per-turn deadline expired.
	ErrTurnTimeout = errors.New("turn timed out")
	// ErrSessionAborted reports that the session was stopped mid-turn.
	ErrSessionAborted = errors.New("session aborted")
)

// accMessage is one accumulated runner message for the in-flight turn.
type accMessage struct {
	id         string
	msgType    string
	content    string
	isThinking bool
}

// accumulator buffers one turn's streamed output until it resolves into
// the single IM reply. At most one exists per agent session; installing a
// new one rejects the previous with ErrTurnReplaced.
type accumulator struct {
	sessionID string

	mu       sync.Mutex
	messages []accMessage
	timer    *time.Timer

	once  sync.Once
	done  chan struct{}
	reply string
	err   error
}

func newAccumulator(sessionID string, timeout time.Duration) *accumulator {
	a := &accumulator{
		sessionID: sessionID,
		done:      make(chan struct{}),
	}
	a.timer = time.AfterFunc(timeout, func() {
		a.reject(ErrTurnTimeout)
	})
	return a
}

func (a *accumulator) append(id, msgType, content string, isThinking bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.messages = append(a.messages, accMessage{id: id, msgType: msgType, content: content, isThinking: isThinking})
}

// update replaces the content of the matching message in place; unknown
// ids are ignored.
func (a *accumulator) update(id, content string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := range a.messages {
		if a.messages[i].id == id {
			a.messages[i].content = content
			return
		}
	}
}

// resolveFormatted resolves with the assembled reply: the non-thinking
// assistant messages with non-empty content, joined by blank lines.
func (a *accumulator) resolveFormatted() {
	a.mu.Lock()
	var parts []string
	for _, m := range a.messages {
		if m.msgType != "assistant" || m.isThinking {
			continue
		}
		if strings.TrimSpace(m.content) == "" {
			continue
		}
		parts = append(parts, m.content)
	}
	a.mu.Unlock()

	reply := strings.Join(parts, "\n\n")
	if reply == "" {
		reply = emptyReplyMessage
	}
	a.resolve(reply)
}

func (a *accumulator) resolve(reply string) {
	a.once.Do(func() {
		a.timer.Stop()
		a.reply = reply
		close(a.done)
	})
}

func (a *accumulator) reject(err error) {
	a.once.Do(func() {
		a.timer.Stop()
		a.err = err
		close(a.done)
	})
}
