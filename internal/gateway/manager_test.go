package gateway

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/nextlevelbuilder/coworkd/internal/config"
	"github.com/nextlevelbuilder/coworkd/internal/store"
)

// blobStore implements only the config-blob surface; the embedded nil
// Store panics if anything else is touched.
type blobStore struct {
	store.Store

	mu    sync.Mutex
	blobs map[string]string
}

func newBlobStore() *blobStore { return &blobStore{blobs: make(map[string]string)} }

func (s *blobStore) GetConfigBlob(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.blobs[key]
	return v, ok, nil
}

func (s *blobStore) SetConfigBlob(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[key] = value
	return nil
}

func (s *blobStore) Close() error { return nil }

func boolPtr(v bool) *bool { return &v }

func strPtr(v string) *string { return &v }

func TestSetConfig_PartialUpdate(t *testing.T) {
	cfg := config.Default()
	cfg.Channels.DingTalk.ClientID = "ding-id"
	st := newBlobStore()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	g := New(cfg, st, nil, log)

	err := g.SetConfig(context.Background(), config.Patch{
		Channels: map[string]config.ChannelPatch{
			"telegram": {Enabled: boolPtr(true), BotToken: strPtr("new-token")},
		},
	})
	if err != nil {
		t.Fatalf("set config: %v", err)
	}

	if !cfg.ChannelEnabled("telegram") {
		t.Error("telegram should be enabled after the patch")
	}
	if cfg.Channels.Telegram.BotToken != "new-token" {
		t.Errorf("bot token = %q, want new-token", cfg.Channels.Telegram.BotToken)
	}
	// Untouched platforms keep their values.
	if cfg.Channels.DingTalk.ClientID != "ding-id" {
		t.Errorf("dingtalk client id changed: %q", cfg.Channels.DingTalk.ClientID)
	}

	// The persisted snapshot reflects the patch with secrets masked.
	blob, ok, err := st.GetConfigBlob(context.Background(), configBlobKey)
	if err != nil || !ok {
		t.Fatalf("snapshot not persisted: ok=%v err=%v", ok, err)
	}
	var persisted config.Config
	if err := json.Unmarshal([]byte(blob), &persisted); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if !persisted.Channels.Telegram.Enabled {
		t.Error("persisted snapshot missing the enabled flag")
	}
	if persisted.Channels.Telegram.BotToken == "new-token" {
		t.Error("persisted snapshot must not carry the raw token")
	}
	if strings.Contains(blob, "new-token") {
		t.Error("raw secret leaked into the stored blob")
	}
}

func TestSetConfig_UnknownPlatform(t *testing.T) {
	cfg := config.Default()
	st := newBlobStore()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	g := New(cfg, st, nil, log)

	err := g.SetConfig(context.Background(), config.Patch{
		Channels: map[string]config.ChannelPatch{
			"slack": {Enabled: boolPtr(true)},
		},
	})
	if err == nil {
		t.Fatal("unknown platforms must be rejected")
	}
	if _, ok, _ := st.GetConfigBlob(context.Background(), configBlobKey); ok {
		t.Error("rejected patches must not persist a snapshot")
	}
}

func TestSetConfig_NilFieldsKeepValues(t *testing.T) {
	cfg := config.Default()
	cfg.Channels.Telegram.Enabled = true
	cfg.Channels.Telegram.BotToken = "keep-me"
	st := newBlobStore()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	g := New(cfg, st, nil, log)

	err := g.SetConfig(context.Background(), config.Patch{
		Channels: map[string]config.ChannelPatch{
			"telegram": {Enabled: boolPtr(false)},
		},
	})
	if err != nil {
		t.Fatalf("set config: %v", err)
	}
	if cfg.ChannelEnabled("telegram") {
		t.Error("telegram should be disabled after the patch")
	}
	if cfg.Channels.Telegram.BotToken != "keep-me" {
		t.Errorf("token = %q, nil fields must keep their values", cfg.Channels.Telegram.BotToken)
	}
}
