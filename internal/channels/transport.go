// Package channels defines the transport abstraction connecting IM
// platforms to the cowork handler, plus the shared outbound reply
// pipeline every platform uses.
package channels

import (
	"context"
	"sync"
	"time"

	"github.com/nextlevelbuilder/coworkd/internal/bus"
)

// Handler receives one normalized inbound message plus the reply closure
// for its conversation.
type Handler func(ctx context.Context, msg *bus.IMMessage, reply bus.ReplyFunc)

// Transport is one platform connection.
type Transport interface {
	// Platform returns the platform tag.
	Platform() bus.Platform

	// Start connects and begins delivering inbound messages to the
	// handler. Non-blocking after setup.
	Start(ctx context.Context) error

	// Stop disconnects. Idempotent.
	Stop(ctx context.Context) error

	// Connected reports whether the transport is actively connected.
	Connected() bool

	// SendText delivers a notification to a conversation through the
	// reply pipeline.
	SendText(ctx context.Context, conversationID, text string) error

	// Probe performs the platform auth check used by connectivity tests.
	Probe(ctx context.Context) error

	// Stats returns activity counters for connectivity diagnostics.
	Stats() Stats
}

// Stats carries per-transport activity for the connectivity self-test.
type Stats struct {
	LastInbound  time.Time
	LastOutbound time.Time
	LastError    string
}

// StatsTracker is the concurrency-safe Stats holder transports embed.
type StatsTracker struct {
	mu    sync.Mutex
	stats Stats
}

func (t *StatsTracker) MarkInbound() {
	t.mu.Lock()
	t.stats.LastInbound = time.Now()
	t.mu.Unlock()
}

func (t *StatsTracker) MarkOutbound() {
	t.mu.Lock()
	t.stats.LastOutbound = time.Now()
	t.mu.Unlock()
}

func (t *StatsTracker) MarkError(err error) {
	if err == nil {
		return
	}
	t.mu.Lock()
	t.stats.LastError = err.Error()
	t.mu.Unlock()
}

func (t *StatsTracker) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stats
}
