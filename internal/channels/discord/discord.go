// Package discord implements the Discord transport over the gateway.
package discord

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/nextlevelbuilder/coworkd/internal/bus"
	"github.com/nextlevelbuilder/coworkd/internal/channels"
	"github.com/nextlevelbuilder/coworkd/internal/config"
)

const attachmentMaxBytes int64 = 20 * 1024 * 1024

type Transport struct {
	channels.StatsTracker

	cfg     config.DiscordConfig
	log     *slog.Logger
	handler channels.Handler
	session *discordgo.Session
	reply   *channels.ReplyPipeline

	botUserID string
	connected bool
}

func New(cfg config.DiscordConfig, handler channels.Handler, log *slog.Logger) (*Transport, error) {
	if cfg.BotToken == "" {
		return nil, errors.New("discord: bot token is required")
	}
	session, err := discordgo.New("Bot " + cfg.BotToken)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	t := &Transport{cfg: cfg, log: log, handler: handler, session: session}
	t.reply = channels.NewReplyPipeline(t, log)
	return t, nil
}

func (t *Transport) Platform() bus.Platform { return bus.PlatformDiscord }

func (t *Transport) Start(ctx context.Context) error {
	t.session.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
		t.handleMessage(ctx, m)
	})

	if err := t.session.Open(); err != nil {
		t.MarkError(err)
		return fmt.Errorf("open discord session: %w", err)
	}
	user, err := t.session.User("@me")
	if err != nil {
		t.session.Close()
		t.MarkError(err)
		return fmt.Errorf("fetch discord bot identity: %w", err)
	}
	t.botUserID = user.ID
	t.connected = true
	t.log.Info("discord.connected", "username", user.Username, "id", user.ID)
	return nil
}

func (t *Transport) Stop(_ context.Context) error {
	t.connected = false
	return t.session.Close()
}

func (t *Transport) Connected() bool { return t.connected }

// Probe fetches the bot user as the auth check.
func (t *Transport) Probe(_ context.Context) error {
	if _, err := t.session.User("@me"); err != nil {
		t.MarkError(err)
		return fmt.Errorf("discord bot identity: %w", err)
	}
	return nil
}

func (t *Transport) SendText(ctx context.Context, conversationID, text string) error {
	return t.reply.Reply(ctx, conversationID, text)
}

func (t *Transport) handleMessage(ctx context.Context, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.ID == t.botUserID || m.Author.Bot {
		return
	}
	t.MarkInbound()

	im := &bus.IMMessage{
		Platform:       bus.PlatformDiscord,
		ConversationID: m.ChannelID,
		MessageID:      m.ID,
		SenderID:       m.Author.ID,
		Content:        m.Content,
		Timestamp:      m.Timestamp.UnixMilli(),
	}
	for _, att := range m.Attachments {
		if a, err := t.downloadAttachment(ctx, att); err == nil {
			im.Attachments = append(im.Attachments, a)
		} else {
			t.log.Warn("discord.media.download", "url", att.URL, "err", err)
		}
	}

	reply := func(ctx context.Context, text string) error {
		return t.reply.Reply(ctx, im.ConversationID, text)
	}
	t.handler(ctx, im, reply)
}

func (t *Transport) downloadAttachment(ctx context.Context, att *discordgo.MessageAttachment) (bus.Attachment, error) {
	var out bus.Attachment
	if int64(att.Size) > attachmentMaxBytes {
		return out, fmt.Errorf("attachment too large: %d bytes", att.Size)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, att.URL, nil)
	if err != nil {
		return out, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return out, fmt.Errorf("download: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return out, fmt.Errorf("download: status %d", resp.StatusCode)
	}

	dir := filepath.Join(os.TempDir(), "coworkd-media", "discord")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return out, err
	}
	path := filepath.Join(dir, att.ID+"-"+filepath.Base(att.Filename))
	f, err := os.Create(path)
	if err != nil {
		return out, err
	}
	defer f.Close()
	if _, err := io.Copy(f, io.LimitReader(resp.Body, attachmentMaxBytes)); err != nil {
		return out, err
	}

	out = bus.Attachment{
		Type:      attachmentType(att.ContentType),
		LocalPath: path,
		FileName:  att.Filename,
		Mime:      att.ContentType,
		Size:      int64(att.Size),
		Width:     att.Width,
		Height:    att.Height,
	}
	if out.Type == "image" && out.Width == 0 {
		channels.ProbeImageDims(&out)
	}
	return out, nil
}

func attachmentType(mime string) string {
	switch {
	case strings.HasPrefix(mime, "image/"):
		return "image"
	case strings.HasPrefix(mime, "audio/"):
		return "voice"
	case strings.HasPrefix(mime, "video/"):
		return "video"
	default:
		return "file"
	}
}

func (t *Transport) SendTextMessage(_ context.Context, conversationID, text string) error {
	// Discord caps messages at 2000 chars, half the shared pipeline budget.
	for _, chunk := range channels.SplitMessage(text, 2000) {
		if _, err := t.session.ChannelMessageSend(conversationID, chunk); err != nil {
			t.MarkError(err)
			return fmt.Errorf("send discord message: %w", err)
		}
	}
	t.MarkOutbound()
	return nil
}

func (t *Transport) SendMediaFile(_ context.Context, conversationID, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = t.session.ChannelFileSend(conversationID, filepath.Base(path), f)
	if err != nil {
		t.MarkError(err)
		return err
	}
	t.MarkOutbound()
	return nil
}
