// Package wecom implements the WeCom transport over a relay bridge: a
// public relay terminates the WeCom callback URL and forwards envelopes
// to the daemon over an outbound WebSocket, so no inbound endpoint is
// needed. The callback crypto still runs here, on the configured token
// and EncodingAESKey.
package wecom

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/nextlevelbuilder/coworkd/internal/bus"
	"github.com/nextlevelbuilder/coworkd/internal/channels"
	"github.com/nextlevelbuilder/coworkd/internal/config"
)

const (
	probeTimeout        = 10 * time.Second
	maxReconnectBackoff = 30 * time.Second
)

// envelope is one relay frame in either direction.
type envelope struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	Params    *verifyParams   `json:"params,omitempty"`
	Body      string          `json:"body,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	EchoStr   string          `json:"echostr,omitempty"`
	Error     string          `json:"error,omitempty"`

	// Outbound send fields.
	ConversationID string `json:"conversationId,omitempty"`
	Content        string `json:"content,omitempty"`
}

// verifyParams are the signature parameters of a verify or callback frame.
type verifyParams struct {
	MsgSignature string `json:"msg_signature"`
	Timestamp    string `json:"timestamp"`
	Nonce        string `json:"nonce"`
	EchoStr      string `json:"echostr"`
}

type Transport struct {
	channels.StatsTracker

	cfg     config.WeComConfig
	log     *slog.Logger
	handler channels.Handler
	reply   *channels.ReplyPipeline
	crypto  *crypto

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool

	ctx    context.Context
	cancel context.CancelFunc
}

func New(cfg config.WeComConfig, handler channels.Handler, log *slog.Logger) (*Transport, error) {
	if cfg.GatewayURL == "" || cfg.Token == "" {
		return nil, errors.New("wecom: gateway_url and token are required")
	}
	c, err := newCrypto(cfg.Token, cfg.EncodingAESKey)
	if err != nil {
		return nil, err
	}
	t := &Transport{cfg: cfg, log: log, handler: handler, crypto: c}
	t.reply = channels.NewReplyPipeline(t, log)
	return t, nil
}

func (t *Transport) Platform() bus.Platform { return bus.PlatformWeCom }

func (t *Transport) Start(ctx context.Context) error {
	t.ctx, t.cancel = context.WithCancel(ctx)

	if err := t.connect(t.ctx); err != nil {
		t.log.Warn("wecom.connect.initial", "err", err)
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
		t.conn.Close(websocket.StatusNormalClosure, "shutdown")
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

// Probe checks the relay contract: an established connection passes, else
// a fresh dial within the probe timeout must succeed.
func (t *Transport) Probe(ctx context.Context) error {
	if t.Connected() {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, t.cfg.GatewayURL, nil)
	if err != nil {
		t.MarkError(err)
		return fmt.Errorf("wecom relay dial: %w", err)
	}
	conn.Close(websocket.StatusNormalClosure, "probe")
	return nil
}

func (t *Transport) SendText(ctx context.Context, conversationID, text string) error {
	return t.reply.Reply(ctx, conversationID, text)
}

func (t *Transport) connect(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, t.cfg.GatewayURL, nil)
	if err != nil {
		return fmt.Errorf("wecom relay dial %s: %w", t.cfg.GatewayURL, err)
	}
	conn.SetReadLimit(1 << 20)

	t.mu.Lock()
	t.conn = conn
	t.connected = true
	t.mu.Unlock()

	t.log.Info("wecom.connected", "gateway", t.cfg.GatewayURL)
	return nil
}

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
			t.log.Info("wecom.reconnect", "backoff", backoff)
			select {
			case <-t.ctx.Done():
				return
			case <-time.After(backoff):
			}
			if err := t.connect(t.ctx); err != nil {
				t.log.Warn("wecom.reconnect.failed", "err", err)
				backoff = min(backoff*2, maxReconnectBackoff)
				continue
			}
			backoff = time.Second
			continue
		}

		_, data, err := conn.Read(t.ctx)
		if err != nil {
			if t.ctx.Err() != nil {
				return
			}
			t.log.Warn("wecom.read", "err", err)
			t.mu.Lock()
			if t.conn != nil {
				t.conn.Close(websocket.StatusAbnormalClosure, "read error")
				t.conn = nil
			}
			t.connected = false
			t.mu.Unlock()
			continue
		}
		t.handleEnvelope(data)
	}
}

func (t *Transport) handleEnvelope(data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.log.Warn("wecom.envelope.decode", "err", err)
		return
	}

	switch env.Type {
	case "verify":
		t.handleVerify(&env)
	case "callback", "message":
		t.handleCallback(&env)
	default:
		t.log.Debug("wecom.envelope.skip", "type", env.Type)
	}
}

// handleVerify answers the WeCom URL-verification handshake forwarded by
// the relay: check the signature, decrypt echostr, echo the plaintext.
func (t *Transport) handleVerify(env *envelope) {
	if env.Params == nil {
		t.sendVerifyResult(env.RequestID, "", "missing params")
		return
	}
	p := env.Params
	if err := t.crypto.verifySignature(p.MsgSignature, p.Timestamp, p.Nonce, p.EchoStr); err != nil {
		t.log.Warn("wecom.verify.signature", "err", err)
		t.sendVerifyResult(env.RequestID, "", err.Error())
		return
	}
	plain, err := t.crypto.decrypt(p.EchoStr)
	if err != nil {
		t.log.Warn("wecom.verify.decrypt", "err", err)
		t.sendVerifyResult(env.RequestID, "", err.Error())
		return
	}
	t.sendVerifyResult(env.RequestID, string(plain), "")
}

func (t *Transport) sendVerifyResult(requestID, echostr, errMsg string) {
	out := envelope{Type: "verifyResult", RequestID: requestID, EchoStr: echostr, Error: errMsg}
	if err := t.writeEnvelope(&out); err != nil {
		t.log.Warn("wecom.verify.reply", "err", err)
	}
}

// handleCallback decrypts one forwarded message callback and dispatches
// it. Malformed or unverifiable callbacks are dropped.
func (t *Transport) handleCallback(env *envelope) {
	ciphered, err := parseEncryptEnvelope([]byte(env.Body))
	if err != nil {
		t.log.Warn("wecom.callback.envelope", "err", err)
		return
	}
	if env.Params != nil {
		if err := t.crypto.verifySignature(env.Params.MsgSignature, env.Params.Timestamp, env.Params.Nonce, ciphered); err != nil {
			t.log.Warn("wecom.callback.signature", "err", err)
			return
		}
	}
	plain, err := t.crypto.decrypt(ciphered)
	if err != nil {
		t.log.Warn("wecom.callback.decrypt", "err", err)
		return
	}
	msg, err := parseCallbackXML(plain)
	if err != nil {
		t.log.Warn("wecom.callback.xml", "err", err)
		return
	}
	if msg.MsgType != "text" {
		t.log.Debug("wecom.callback.skip", "msg_type", msg.MsgType)
		return
	}
	t.MarkInbound()

	im := &bus.IMMessage{
		Platform:       bus.PlatformWeCom,
		ConversationID: msg.conversationID(),
		MessageID:      msg.MsgID,
		SenderID:       msg.FromUserName,
		Content:        msg.Content,
		Timestamp:      msg.CreateTime,
	}
	reply := func(ctx context.Context, text string) error {
		return t.reply.Reply(ctx, im.ConversationID, text)
	}
	go t.handler(t.ctx, im, reply)
}

func (t *Transport) writeEnvelope(env *envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return errors.New("wecom relay not connected")
	}
	return t.conn.Write(t.ctx, websocket.MessageText, data)
}

func (t *Transport) SendTextMessage(_ context.Context, conversationID, text string) error {
	err := t.writeEnvelope(&envelope{
		Type:           "send",
		ConversationID: conversationID,
		Content:        text,
	})
	if err != nil {
		t.MarkError(err)
		return fmt.Errorf("wecom relay send: %w", err)
	}
	t.MarkOutbound()
	return nil
}

// SendMediaFile points the user at the generated file; the relay has no
// media upload path.
func (t *Transport) SendMediaFile(ctx context.Context, conversationID, path string) error {
	return t.SendTextMessage(ctx, conversationID, "文件已生成: "+path)
}
