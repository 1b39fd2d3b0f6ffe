// Package feishu implements the Feishu transport: outbound over the
// open-platform REST API, inbound over the event callback endpoint the
// daemon mounts on its HTTP server.
package feishu

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/nextlevelbuilder/coworkd/internal/bus"
	"github.com/nextlevelbuilder/coworkd/internal/channels"
	"github.com/nextlevelbuilder/coworkd/internal/config"
)

type Transport struct {
	channels.StatsTracker

	cfg     config.FeishuConfig
	log     *slog.Logger
	handler channels.Handler
	api     *client
	reply   *channels.ReplyPipeline

	dedup     sync.Map // message_id to struct{}
	connected bool
}

func New(cfg config.FeishuConfig, handler channels.Handler, log *slog.Logger) (*Transport, error) {
	if cfg.AppID == "" || cfg.AppSecret == "" {
		return nil, errors.New("feishu: app_id and app_secret are required")
	}
	t := &Transport{
		cfg:     cfg,
		log:     log,
		handler: handler,
		api:     newClient(cfg.AppID, cfg.AppSecret),
	}
	t.reply = channels.NewReplyPipeline(t, log)
	return t, nil
}

func (t *Transport) Platform() bus.Platform { return bus.PlatformFeishu }

// Start verifies credentials. Event delivery happens through ServeHTTP
// once the daemon mounts the callback route.
func (t *Transport) Start(ctx context.Context) error {
	openID, err := t.api.botInfo(ctx)
	if err != nil {
		t.MarkError(err)
		return fmt.Errorf("feishu bot probe: %w", err)
	}
	t.connected = true
	t.log.Info("feishu.connected", "bot_open_id", openID)
	return nil
}

func (t *Transport) Stop(_ context.Context) error {
	t.connected = false
	return nil
}

func (t *Transport) Connected() bool { return t.connected }

func (t *Transport) Probe(ctx context.Context) error {
	if _, err := t.api.botInfo(ctx); err != nil {
		t.MarkError(err)
		return err
	}
	return nil
}

func (t *Transport) SendText(ctx context.Context, conversationID, text string) error {
	return t.reply.Reply(ctx, conversationID, text)
}

// eventEnvelope is the schema 2.0 event callback body.
type eventEnvelope struct {
	Challenge string `json:"challenge"`
	Type      string `json:"type"`
	Header    struct {
		EventID   string `json:"event_id"`
		EventType string `json:"event_type"`
	} `json:"header"`
	Event struct {
		Sender struct {
			SenderID struct {
				OpenID string `json:"open_id"`
			} `json:"sender_id"`
		} `json:"sender"`
		Message struct {
			MessageID   string `json:"message_id"`
			ChatID      string `json:"chat_id"`
			MessageType string `json:"message_type"`
			Content     string `json:"content"`
			CreateTime  string `json:"create_time"`
		} `json:"message"`
	} `json:"event"`
}

// ServeHTTP handles the Feishu event callback: url_verification echoes
// the challenge, im.message.receive_v1 dispatches to the handler.
func (t *Transport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var env eventEnvelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	if env.Type == "url_verification" {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"challenge": env.Challenge})
		return
	}

	if env.Header.EventType == "im.message.receive_v1" {
		t.handleMessageEvent(r.Context(), &env)
	}
	w.WriteHeader(http.StatusOK)
}

func (t *Transport) handleMessageEvent(ctx context.Context, env *eventEnvelope) {
	msg := env.Event.Message
	if msg.MessageID == "" || t.isDuplicate(msg.MessageID) {
		return
	}
	t.MarkInbound()

	ts, _ := strconv.ParseInt(msg.CreateTime, 10, 64)
	im := &bus.IMMessage{
		Platform:       bus.PlatformFeishu,
		ConversationID: msg.ChatID,
		MessageID:      msg.MessageID,
		SenderID:       env.Event.Sender.SenderID.OpenID,
		Timestamp:      ts,
	}

	switch msg.MessageType {
	case "text":
		var body struct {
			Text string `json:"text"`
		}
		json.Unmarshal([]byte(msg.Content), &body)
		im.Content = body.Text
	case "image":
		var body struct {
			ImageKey string `json:"image_key"`
		}
		json.Unmarshal([]byte(msg.Content), &body)
		if att, err := t.fetchResource(ctx, msg.MessageID, body.ImageKey, "image", ""); err == nil {
			im.Attachments = append(im.Attachments, att)
		} else {
			t.log.Warn("feishu.media.download", "key", body.ImageKey, "err", err)
		}
	case "file", "audio", "media":
		var body struct {
			FileKey  string `json:"file_key"`
			FileName string `json:"file_name"`
		}
		json.Unmarshal([]byte(msg.Content), &body)
		if att, err := t.fetchResource(ctx, msg.MessageID, body.FileKey, "file", body.FileName); err == nil {
			im.Attachments = append(im.Attachments, att)
		} else {
			t.log.Warn("feishu.media.download", "key", body.FileKey, "err", err)
		}
	default:
		t.log.Debug("feishu.message.skip", "type", msg.MessageType)
		return
	}

	reply := func(ctx context.Context, text string) error {
		return t.reply.Reply(ctx, im.ConversationID, text)
	}
	// Detach from the HTTP request lifetime; the callback must return
	// quickly while the turn runs.
	go t.handler(context.WithoutCancel(ctx), im, reply)
}

func (t *Transport) fetchResource(ctx context.Context, messageID, key, resourceType, fileName string) (bus.Attachment, error) {
	var att bus.Attachment
	if key == "" {
		return att, errors.New("empty resource key")
	}
	data, headerName, err := t.api.downloadResource(ctx, messageID, key, resourceType)
	if err != nil {
		return att, err
	}
	if fileName == "" {
		fileName = headerName
	}
	if fileName == "" {
		fileName = key
	}

	dir := filepath.Join(os.TempDir(), "coworkd-media", "feishu")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return att, err
	}
	path := filepath.Join(dir, key+"-"+filepath.Base(fileName))
	if err := os.WriteFile(path, data, 0644); err != nil {
		return att, err
	}

	attType := "file"
	if resourceType == "image" {
		attType = "image"
	}
	att = bus.Attachment{
		Type:      attType,
		LocalPath: path,
		FileName:  fileName,
		Size:      int64(len(data)),
	}
	channels.ProbeImageDims(&att)
	return att, nil
}

func (t *Transport) isDuplicate(messageID string) bool {
	_, loaded := t.dedup.LoadOrStore(messageID, struct{}{})
	if !loaded {
		go func() {
			time.Sleep(5 * time.Minute)
			t.dedup.Delete(messageID)
		}()
	}
	return loaded
}

func (t *Transport) SendTextMessage(ctx context.Context, conversationID, text string) error {
	content, _ := json.Marshal(map[string]string{"text": text})
	if err := t.api.sendMessage(ctx, conversationID, "text", string(content)); err != nil {
		t.MarkError(err)
		return err
	}
	t.MarkOutbound()
	return nil
}

func (t *Transport) SendMediaFile(ctx context.Context, conversationID, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	fileKey, err := t.api.uploadFile(ctx, bytes.NewReader(data), filepath.Base(path))
	if err != nil {
		t.MarkError(err)
		return err
	}
	content, _ := json.Marshal(map[string]string{"file_key": fileKey})
	if err := t.api.sendMessage(ctx, conversationID, "file", string(content)); err != nil {
		t.MarkError(err)
		return err
	}
	t.MarkOutbound()
	return nil
}
