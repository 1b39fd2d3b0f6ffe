// Package dingtalk implements the DingTalk transport in stream mode: the
// daemon opens an outbound WebSocket to the DingTalk gateway, receives
// bot callbacks over it, and replies through per-conversation session
// webhooks. No public inbound endpoint is required.
package dingtalk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/coworkd/internal/bus"
	"github.com/nextlevelbuilder/coworkd/internal/channels"
	"github.com/nextlevelbuilder/coworkd/internal/config"
)

const (
	gatewayEndpoint = "https://api.dingtalk.com/v1.0/gateway/connections/open"
	oapiTokenURL    = "https://oapi.dingtalk.com/gettoken"
	botMessageTopic = "/v1.0/im/bot/messages/get"

	maxReconnectBackoff = 30 * time.Second
)

type Transport struct {
	channels.StatsTracker

	cfg     config.DingTalkConfig
	log     *slog.Logger
	handler channels.Handler
	reply   *channels.ReplyPipeline
	http    *http.Client

	mu        sync.Mutex
	conn      *websocket.Conn
	webhooks  map[string]string // conversationID to latest session webhook
	connected bool

	ctx    context.Context
	cancel context.CancelFunc
}

func New(cfg config.DingTalkConfig, handler channels.Handler, log *slog.Logger) (*Transport, error) {
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, errors.New("dingtalk: client_id and client_secret are required")
	}
	t := &Transport{
		cfg:      cfg,
		log:      log,
		handler:  handler,
		http:     &http.Client{Timeout: 30 * time.Second},
		webhooks: make(map[string]string),
	}
	t.reply = channels.NewReplyPipeline(t, log)
	return t, nil
}

func (t *Transport) Platform() bus.Platform { return bus.PlatformDingTalk }

func (t *Transport) Start(ctx context.Context) error {
	t.ctx, t.cancel = context.WithCancel(ctx)

	if err := t.connect(t.ctx); err != nil {
		// The listen loop keeps retrying; startup does not fail hard.
		t.log.Warn("dingtalk.connect.initial", "err", err)
	}
	go t.listenLoop()
	return nil
}

func (t *Transport) Stop(_ context.Context) error {
	if t.cancel != nil {
		t.cancel()
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != nil {
		t.conn.Close()
		t.conn = nil
	}
	t.connected = false
	return nil
}

func (t *Transport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

// Probe requests an OAPI access token as the credential check.
func (t *Transport) Probe(ctx context.Context) error {
	u := oapiTokenURL + "?appkey=" + url.QueryEscape(t.cfg.ClientID) + "&appsecret=" + url.QueryEscape(t.cfg.ClientSecret)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	resp, err := t.http.Do(req)
	if err != nil {
		t.MarkError(err)
		return fmt.Errorf("dingtalk token request: %w", err)
	}
	defer resp.Body.Close()

	var result struct {
		ErrCode int    `json:"errcode"`
		ErrMsg  string `json:"errmsg"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("dingtalk token decode: %w", err)
	}
	if result.ErrCode != 0 {
		err := fmt.Errorf("dingtalk token error: code=%d msg=%s", result.ErrCode, result.ErrMsg)
		t.MarkError(err)
		return err
	}
	return nil
}

func (t *Transport) SendText(ctx context.Context, conversationID, text string) error {
	return t.reply.Reply(ctx, conversationID, text)
}

// connect registers a stream connection and dials the returned endpoint.
func (t *Transport) connect(ctx context.Context) error {
	body, _ := json.Marshal(map[string]any{
		"clientId":     t.cfg.ClientID,
		"clientSecret": t.cfg.ClientSecret,
		"subscriptions": []map[string]string{
			{"type": "CALLBACK", "topic": botMessageTopic},
		},
		"ua": "coworkd/1.0",
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, gatewayEndpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.http.Do(req)
	if err != nil {
		return fmt.Errorf("dingtalk gateway register: %w", err)
	}
	defer resp.Body.Close()

	var reg struct {
		Endpoint string `json:"endpoint"`
		Ticket   string `json:"ticket"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&reg); err != nil {
		return fmt.Errorf("dingtalk gateway decode: %w", err)
	}
	if reg.Endpoint == "" || reg.Ticket == "" {
		return errors.New("dingtalk gateway: empty endpoint or ticket")
	}

	dialer := websocket.DefaultDialer
	dialer.HandshakeTimeout = 10 * time.Second
	conn, _, err := dialer.Dial(reg.Endpoint+"?ticket="+url.QueryEscape(reg.Ticket), nil)
	if err != nil {
		return fmt.Errorf("dial dingtalk gateway: %w", err)
	}

	t.mu.Lock()
	t.conn = conn
	t.connected = true
	t.mu.Unlock()

	t.log.Info("dingtalk.connected")
	return nil
}

// listenLoop reads gateway frames with automatic reconnection.
func (t *Transport) listenLoop() {
	backoff := time.Second

	for {
		select {
		case <-t.ctx.Done():
			return
		default:
		}

		t.mu.Lock()
		conn := t.conn
		t.mu.Unlock()

		if conn == nil {
			t.log.Info("dingtalk.reconnect", "backoff", backoff)
			select {
			case <-t.ctx.Done():
				return
			case <-time.After(backoff):
			}
			if err := t.connect(t.ctx); err != nil {
				t.log.Warn("dingtalk.reconnect.failed", "err", err)
				backoff = min(backoff*2, maxReconnectBackoff)
				continue
			}
			backoff = time.Second
			continue
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			t.log.Warn("dingtalk.read", "err", err)
			t.mu.Lock()
			if t.conn != nil {
				t.conn.Close()
				t.conn = nil
			}
			t.connected = false
			t.mu.Unlock()
			continue
		}
		t.handleFrame(message)
	}
}

// gatewayFrame is one DingTalk stream frame.
type gatewayFrame struct {
	Type    string            `json:"type"`
	Headers map[string]string `json:"headers"`
	Data    string            `json:"data"`
}

func (t *Transport) handleFrame(raw []byte) {
	var frame gatewayFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		t.log.Warn("dingtalk.frame.decode", "err", err)
		return
	}

	switch frame.Type {
	case "SYSTEM":
		// Ping frames must be acked with the same data to keep the
		// connection alive.
		if frame.Headers["topic"] == "ping" {
			t.ackFrame(frame, frame.Data)
		}
	case "CALLBACK":
		if frame.Headers["topic"] == botMessageTopic {
			t.ackFrame(frame, "")
			t.handleBotMessage(frame.Data)
		}
	}
}

func (t *Transport) ackFrame(frame gatewayFrame, data string) {
	ack, _ := json.Marshal(map[string]any{
		"code":    200,
		"message": "OK",
		"headers": map[string]string{
			"messageId":   frame.Headers["messageId"],
			"contentType": "application/json",
			"topic":       frame.Headers["topic"],
		},
		"data": data,
	})

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return
	}
	if err := t.conn.WriteMessage(websocket.TextMessage, ack); err != nil {
		t.log.Warn("dingtalk.ack", "err", err)
	}
}

// botMessage is the bot callback payload carried in a CALLBACK frame.
type botMessage struct {
	ConversationID string `json:"conversationId"`
	MsgID          string `json:"msgId"`
	MsgType        string `json:"msgtype"`
	SenderStaffID  string `json:"senderStaffId"`
	SenderID       string `json:"senderId"`
	SessionWebhook string `json:"sessionWebhook"`
	CreateAt       int64  `json:"createAt"`
	Text           struct {
		Content string `json:"content"`
	} `json:"text"`
	Content struct {
		DownloadCode string `json:"downloadCode"`
		FileName     string `json:"fileName"`
	} `json:"content"`
}

func (t *Transport) handleBotMessage(data string) {
	var msg botMessage
	if err := json.Unmarshal([]byte(data), &msg); err != nil {
		t.log.Warn("dingtalk.message.decode", "err", err)
		return
	}
	t.MarkInbound()

	// Session webhooks expire; always keep the freshest one per
	// conversation for replies and notifications.
	t.mu.Lock()
	t.webhooks[msg.ConversationID] = msg.SessionWebhook
	t.mu.Unlock()

	sender := msg.SenderStaffID
	if sender == "" {
		sender = msg.SenderID
	}
	im := &bus.IMMessage{
		Platform:       bus.PlatformDingTalk,
		ConversationID: msg.ConversationID,
		MessageID:      msg.MsgID,
		SenderID:       sender,
		Content:        msg.Text.Content,
		Timestamp:      msg.CreateAt,
	}
	if msg.MsgType == "picture" || msg.MsgType == "file" {
		if att, err := t.downloadMedia(t.ctx, msg); err == nil {
			im.Attachments = append(im.Attachments, att)
		} else {
			t.log.Warn("dingtalk.media.download", "msg_id", msg.MsgID, "err", err)
		}
	}

	reply := func(ctx context.Context, text string) error {
		return t.reply.Reply(ctx, im.ConversationID, text)
	}
	go t.handler(t.ctx, im, reply)
}

func (t *Transport) downloadMedia(ctx context.Context, msg botMessage) (bus.Attachment, error) {
	var att bus.Attachment
	if msg.Content.DownloadCode == "" {
		return att, errors.New("empty download code")
	}

	token, err := t.accessToken(ctx)
	if err != nil {
		return att, err
	}
	body, _ := json.Marshal(map[string]string{
		"downloadCode": msg.Content.DownloadCode,
		"robotCode":    t.cfg.ClientID,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		"https://api.dingtalk.com/v1.0/robot/messageFiles/download", bytes.NewReader(body))
	if err != nil {
		return att, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-acs-dingtalk-access-token", token)

	resp, err := t.http.Do(req)
	if err != nil {
		return att, err
	}
	defer resp.Body.Close()

	var result struct {
		DownloadURL string `json:"downloadUrl"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return att, err
	}
	if result.DownloadURL == "" {
		return att, errors.New("empty download url")
	}

	fileReq, err := http.NewRequestWithContext(ctx, http.MethodGet, result.DownloadURL, nil)
	if err != nil {
		return att, err
	}
	fileResp, err := t.http.Do(fileReq)
	if err != nil {
		return att, err
	}
	defer fileResp.Body.Close()

	name := msg.Content.FileName
	if name == "" {
		name = msg.MsgID
	}
	dir := filepath.Join(os.TempDir(), "coworkd-media", "dingtalk")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return att, err
	}
	path := filepath.Join(dir, msg.MsgID+"-"+filepath.Base(name))
	f, err := os.Create(path)
	if err != nil {
		return att, err
	}
	defer f.Close()
	n, err := io.Copy(f, fileResp.Body)
	if err != nil {
		return att, err
	}

	attType := "file"
	if msg.MsgType == "picture" {
		attType = "image"
	}
	att = bus.Attachment{Type: attType, LocalPath: path, FileName: name, Size: n}
	channels.ProbeImageDims(&att)
	return att, nil
}

func (t *Transport) accessToken(ctx context.Context) (string, error) {
	u := oapiTokenURL + "?appkey=" + url.QueryEscape(t.cfg.ClientID) + "&appsecret=" + url.QueryEscape(t.cfg.ClientSecret)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", err
	}
	resp, err := t.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var result struct {
		ErrCode     int    `json:"errcode"`
		ErrMsg      string `json:"errmsg"`
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", err
	}
	if result.ErrCode != 0 {
		return "", fmt.Errorf("dingtalk token error: code=%d msg=%s", result.ErrCode, result.ErrMsg)
	}
	return result.AccessToken, nil
}

func (t *Transport) SendTextMessage(ctx context.Context, conversationID, text string) error {
	t.mu.Lock()
	webhook := t.webhooks[conversationID]
	t.mu.Unlock()
	if webhook == "" {
		return fmt.Errorf("no session webhook for conversation %s", conversationID)
	}

	body, _ := json.Marshal(map[string]any{
		"msgtype": "markdown",
		"markdown": map[string]string{
			"title": "coworkd",
			"text":  text,
		},
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhook, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.http.Do(req)
	if err != nil {
		t.MarkError(err)
		return fmt.Errorf("dingtalk webhook send: %w", err)
	}
	defer resp.Body.Close()

	var result struct {
		ErrCode int    `json:"errcode"`
		ErrMsg  string `json:"errmsg"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil && result.ErrCode != 0 {
		err := fmt.Errorf("dingtalk webhook error: code=%d msg=%s", result.ErrCode, result.ErrMsg)
		t.MarkError(err)
		return err
	}
	t.MarkOutbound()
	return nil
}

// SendMediaFile has no direct upload path on session webhooks; the file
// location is sent as a text pointer instead.
func (t *Transport) SendMediaFile(ctx context.Context, conversationID, path string) error {
	return t.SendTextMessage(ctx, conversationID, "文件已生成: "+path)
}
