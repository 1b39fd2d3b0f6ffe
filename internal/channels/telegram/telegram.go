// Package telegram implements the Telegram transport on long polling.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/nextlevelbuilder/coworkd/internal/bus"
	"github.com/nextlevelbuilder/coworkd/internal/channels"
	"github.com/nextlevelbuilder/coworkd/internal/config"
)

// mediaMaxBytes is the Telegram Bot API download limit.
const mediaMaxBytes int64 = 20 * 1024 * 1024

type Transport struct {
	channels.StatsTracker

	cfg     config.TelegramConfig
	log     *slog.Logger
	handler channels.Handler
	bot     *telego.Bot
	reply   *channels.ReplyPipeline

	pollCancel context.CancelFunc
	pollDone   chan struct{}

	// mu guards connected; the reconnect ticker reads it from another
	// goroutine.
	mu        sync.Mutex
	connected bool
}

func New(cfg config.TelegramConfig, handler channels.Handler, log *slog.Logger) (*Transport, error) {
	if cfg.BotToken == "" {
		return nil, errors.New("telegram: bot token is required")
	}
	bot, err := telego.NewBot(cfg.BotToken)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	t := &Transport{cfg: cfg, log: log, handler: handler, bot: bot}
	t.reply = channels.NewReplyPipeline(t, log)
	return t, nil
}

func (t *Transport) Platform() bus.Platform { return bus.PlatformTelegram }

func (t *Transport) Start(ctx context.Context) error {
	pollCtx, cancel := context.WithCancel(ctx)
	t.pollCancel = cancel
	t.pollDone = make(chan struct{})

	updates, err := t.bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout:        30,
		AllowedUpdates: []string{"message"},
	})
	if err != nil {
		cancel()
		t.MarkError(err)
		return fmt.Errorf("start long polling: %w", err)
	}
	t.setConnected(true)
	t.log.Info("telegram.connected", "username", t.bot.Username())

	go func() {
		defer close(t.pollDone)
		for {
			select {
			case <-pollCtx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				if update.Message != nil {
					t.handleMessage(pollCtx, update.Message)
				}
			}
		}
	}()
	return nil
}

func (t *Transport) Stop(_ context.Context) error {
	t.setConnected(false)
	if t.pollCancel != nil {
		t.pollCancel()
	}
	if t.pollDone != nil {
		select {
		case <-t.pollDone:
		case <-time.After(10 * time.Second):
			t.log.Warn("telegram.stop.timeout")
		}
	}
	return nil
}

func (t *Transport) setConnected(v bool) {
	t.mu.Lock()
	t.connected = v
	t.mu.Unlock()
}

func (t *Transport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

// Probe performs the getMe auth check.
func (t *Transport) Probe(ctx context.Context) error {
	if _, err := t.bot.GetMe(ctx); err != nil {
		t.MarkError(err)
		return fmt.Errorf("telegram getMe: %w", err)
	}
	return nil
}

func (t *Transport) SendText(ctx context.Context, conversationID, text string) error {
	return t.reply.Reply(ctx, conversationID, text)
}

func (t *Transport) handleMessage(ctx context.Context, msg *telego.Message) {
	t.MarkInbound()

	im := &bus.IMMessage{
		Platform:       bus.PlatformTelegram,
		ConversationID: strconv.FormatInt(msg.Chat.ID, 10),
		MessageID:      strconv.Itoa(msg.MessageID),
		Content:        messageText(msg),
		MediaGroupID:   msg.MediaGroupID,
		Timestamp:      int64(msg.Date) * 1000,
	}
	if msg.From != nil {
		im.SenderID = strconv.FormatInt(msg.From.ID, 10)
	}
	im.Attachments = t.resolveAttachments(ctx, msg)

	reply := func(ctx context.Context, text string) error {
		return t.reply.Reply(ctx, im.ConversationID, text)
	}
	t.handler(ctx, im, reply)
}

func messageText(msg *telego.Message) string {
	if msg.Text != "" {
		return msg.Text
	}
	return msg.Caption
}

// resolveAttachments downloads inbound media to local files. Best effort;
// failed downloads are logged and skipped.
func (t *Transport) resolveAttachments(ctx context.Context, msg *telego.Message) []bus.Attachment {
	var atts []bus.Attachment

	if len(msg.Photo) > 0 {
		// Highest resolution is the last element.
		photo := msg.Photo[len(msg.Photo)-1]
		if path, err := t.download(ctx, photo.FileID, "photo.jpg"); err == nil {
			att := bus.Attachment{Type: "image", LocalPath: path, Mime: "image/jpeg", Size: int64(photo.FileSize)}
			channels.ProbeImageDims(&att)
			atts = append(atts, att)
		} else {
			t.log.Warn("telegram.media.download", "file_id", photo.FileID, "err", err)
		}
	}
	if doc := msg.Document; doc != nil {
		if path, err := t.download(ctx, doc.FileID, doc.FileName); err == nil {
			atts = append(atts, bus.Attachment{
				Type:      "file",
				LocalPath: path,
				FileName:  doc.FileName,
				Mime:      doc.MimeType,
				Size:      int64(doc.FileSize),
			})
		} else {
			t.log.Warn("telegram.media.download", "file_id", doc.FileID, "err", err)
		}
	}
	if voice := msg.Voice; voice != nil {
		if path, err := t.download(ctx, voice.FileID, "voice.ogg"); err == nil {
			atts = append(atts, bus.Attachment{
				Type:      "voice",
				LocalPath: path,
				Mime:      voice.MimeType,
				Size:      int64(voice.FileSize),
				Duration:  voice.Duration,
			})
		}
	}
	return atts
}

func (t *Transport) download(ctx context.Context, fileID, name string) (string, error) {
	file, err := t.bot.GetFile(ctx, &telego.GetFileParams{FileID: fileID})
	if err != nil {
		return "", fmt.Errorf("get file: %w", err)
	}
	if int64(file.FileSize) > mediaMaxBytes {
		return "", fmt.Errorf("file too large: %d bytes", file.FileSize)
	}

	url := t.bot.FileDownloadURL(file.FilePath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("download: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download: status %d", resp.StatusCode)
	}

	dir := filepath.Join(os.TempDir(), "coworkd-media", "telegram")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, fileID+"-"+filepath.Base(name))
	out, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer out.Close()
	if _, err := io.Copy(out, io.LimitReader(resp.Body, mediaMaxBytes)); err != nil {
		return "", err
	}
	return path, nil
}

// SendTextMessage sends one chunk, Markdown first with a plain-text
// fallback when Telegram rejects the formatting.
func (t *Transport) SendTextMessage(ctx context.Context, conversationID, text string) error {
	chatID, err := strconv.ParseInt(conversationID, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram chat id %q: %w", conversationID, err)
	}

	params := tu.Message(tu.ID(chatID), text)
	params.ParseMode = telego.ModeMarkdown
	if _, err := t.bot.SendMessage(ctx, params); err != nil {
		t.log.Debug("telegram.markdown.fallback", "err", err)
		if _, err := t.bot.SendMessage(ctx, tu.Message(tu.ID(chatID), text)); err != nil {
			t.MarkError(err)
			return err
		}
	}
	t.MarkOutbound()
	return nil
}

func (t *Transport) SendMediaFile(ctx context.Context, conversationID, path string) error {
	chatID, err := strconv.ParseInt(conversationID, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram chat id %q: %w", conversationID, err)
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = t.bot.SendDocument(ctx, tu.Document(tu.ID(chatID), tu.File(f)))
	if err != nil {
		t.MarkError(err)
		return err
	}
	t.MarkOutbound()
	return nil
}
