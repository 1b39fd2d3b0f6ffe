// Package gateway owns the platform transports: lifecycle, inbound
// routing into the multiplexer, notifications, persisted gateway config,
// and connectivity self-tests.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nextlevelbuilder/coworkd/internal/bus"
	"github.com/nextlevelbuilder/coworkd/internal/channels"
	"github.com/nextlevelbuilder/coworkd/internal/config"
	"github.com/nextlevelbuilder/coworkd/internal/mux"
	"github.com/nextlevelbuilder/coworkd/internal/store"
)

// configBlobKey is the im_config row holding the gateway config snapshot.
const configBlobKey = "gateway.config"

// Manager registers transports and routes their messages into one
// multiplexer handler.
type Manager struct {
	cfg   *config.Config
	store store.Store
	mux   *mux.Multiplexer
	log   *slog.Logger

	mu         sync.RWMutex
	transports map[bus.Platform]channels.Transport
}

func New(cfg *config.Config, st store.Store, m *mux.Multiplexer, log *slog.Logger) *Manager {
	return &Manager{
		cfg:        cfg,
		store:      st,
		mux:        m,
		log:        log,
		transports: make(map[bus.Platform]channels.Transport),
	}
}

// Register adds a transport. Transports are constructed with the
// manager's Handler so inbound messages route through the multiplexer.
func (g *Manager) Register(t channels.Transport) {
	g.mu.Lock()
	g.transports[t.Platform()] = t
	g.mu.Unlock()
}

// Handler returns the inbound handler shared by every transport: one
// message in, one reply out, errors mapped to their localized line.
func (g *Manager) Handler() channels.Handler {
	return func(ctx context.Context, msg *bus.IMMessage, reply bus.ReplyFunc) {
		g.log.Info("gateway.message",
			"platform", msg.Platform,
			"conversation", msg.ConversationID,
			"attachments", len(msg.Attachments))

		text, err := g.mux.ProcessMessage(ctx, msg)
		if err != nil {
			g.log.Warn("gateway.turn", "platform", msg.Platform, "conversation", msg.ConversationID, "err", err)
			text = mux.ErrorReply(err)
		}
		if text == "" {
			return
		}
		if err := reply(ctx, text); err != nil {
			g.log.Error("gateway.reply", "platform", msg.Platform, "conversation", msg.ConversationID, "err", err)
		}
	}
}

func (g *Manager) transport(platform bus.Platform) (channels.Transport, error) {
	g.mu.RLock()
	t, ok := g.transports[platform]
	g.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no transport registered for %s", platform)
	}
	return t, nil
}

// Start brings up one platform.
func (g *Manager) Start(ctx context.Context, platform bus.Platform) error {
	t, err := g.transport(platform)
	if err != nil {
		return err
	}
	g.log.Info("gateway.start", "platform", platform)
	return t.Start(ctx)
}

// Stop brings down one platform. Idempotent.
func (g *Manager) Stop(ctx context.Context, platform bus.Platform) error {
	t, err := g.transport(platform)
	if err != nil {
		return err
	}
	g.log.Info("gateway.stop", "platform", platform)
	return t.Stop(ctx)
}

// StartAllEnabled starts every registered transport whose platform is
// enabled in config. Individual failures are logged, not fatal.
func (g *Manager) StartAllEnabled(ctx context.Context) {
	g.mu.RLock()
	transports := make([]channels.Transport, 0, len(g.transports))
	for _, t := range g.transports {
		transports = append(transports, t)
	}
	g.mu.RUnlock()

	for _, t := range transports {
		if !g.cfg.ChannelEnabled(string(t.Platform())) {
			continue
		}
		if err := t.Start(ctx); err != nil {
			g.log.Error("gateway.start.failed", "platform", t.Platform(), "err", err)
		}
	}
}

// StopAll stops every transport.
func (g *Manager) StopAll(ctx context.Context) {
	g.mu.RLock()
	transports := make([]channels.Transport, 0, len(g.transports))
	for _, t := range g.transports {
		transports = append(transports, t)
	}
	g.mu.RUnlock()

	for _, t := range transports {
		if err := t.Stop(ctx); err != nil {
			g.log.Warn("gateway.stop.failed", "platform", t.Platform(), "err", err)
		}
	}
}

// ReconnectAllDisconnected restarts enabled transports that report
// disconnected.
func (g *Manager) ReconnectAllDisconnected(ctx context.Context) {
	g.mu.RLock()
	transports := make([]channels.Transport, 0, len(g.transports))
	for _, t := range g.transports {
		transports = append(transports, t)
	}
	g.mu.RUnlock()

	for _, t := range transports {
		if !g.cfg.ChannelEnabled(string(t.Platform())) || t.Connected() {
			continue
		}
		g.log.Info("gateway.reconnect", "platform", t.Platform())
		if err := t.Stop(ctx); err != nil {
			g.log.Warn("gateway.reconnect.stop", "platform", t.Platform(), "err", err)
		}
		if err := t.Start(ctx); err != nil {
			g.log.Error("gateway.reconnect.start", "platform", t.Platform(), "err", err)
		}
	}
}

// IsConnected reports the live connection state of one platform.
func (g *Manager) IsConnected(platform bus.Platform) bool {
	t, err := g.transport(platform)
	if err != nil {
		return false
	}
	return t.Connected()
}

// SendNotification pushes text to a conversation outside any turn.
func (g *Manager) SendNotification(ctx context.Context, platform bus.Platform, conversationID, text string) error {
	t, err := g.transport(platform)
	if err != nil {
		return err
	}
	return t.SendText(ctx, conversationID, text)
}

// GetConfig returns the masked config snapshot for external surfaces.
func (g *Manager) GetConfig() *config.Config {
	return g.cfg.MaskedCopy()
}

// SetConfig applies a partial channel update to the live config and
// persists the resulting masked snapshot. A rejected patch leaves both
// the live config and the stored snapshot untouched.
func (g *Manager) SetConfig(ctx context.Context, p config.Patch) error {
	if err := g.cfg.Apply(p); err != nil {
		return fmt.Errorf("set config: %w", err)
	}
	g.log.Info("gateway.config.updated", "platforms", len(p.Channels))
	return g.PersistConfig(ctx)
}

// PersistConfig stores the masked config snapshot in the im_config table.
func (g *Manager) PersistConfig(ctx context.Context) error {
	data, err := json.Marshal(g.cfg.MaskedCopy())
	if err != nil {
		return err
	}
	return g.store.SetConfigBlob(ctx, configBlobKey, string(data))
}

// LoadPersistedConfig returns the stored config snapshot, if any.
func (g *Manager) LoadPersistedConfig(ctx context.Context) (*config.Config, bool, error) {
	blob, ok, err := g.store.GetConfigBlob(ctx, configBlobKey)
	if err != nil || !ok {
		return nil, false, err
	}
	var cfg config.Config
	if err := json.Unmarshal([]byte(blob), &cfg); err != nil {
		return nil, false, fmt.Errorf("decode persisted config: %w", err)
	}
	return &cfg, true, nil
}
