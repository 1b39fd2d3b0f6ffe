// Package bus defines the message types exchanged between IM transports,
// the session multiplexer, and the agent runner.
package bus

import (
	"context"
	"fmt"
)

// Platform identifies an IM platform.
type Platform string

const (
	PlatformDingTalk Platform = "dingtalk"
	PlatformFeishu   Platform = "feishu"
	PlatformTelegram Platform = "telegram"
	PlatformDiscord  Platform = "discord"
	PlatformWeCom    Platform = "wecom"
)

// Platforms lists every supported platform in registration order.
func Platforms() []Platform {
	return []Platform{PlatformDingTalk, PlatformFeishu, PlatformTelegram, PlatformDiscord, PlatformWeCom}
}

// Attachment describes one media item delivered with an inbound message.
// LocalPath points at a file the transport already downloaded.
type Attachment struct {
	Type      string `json:"type"` // "image", "video", "audio", "voice", "file"
	LocalPath string `json:"localPath"`
	FileName  string `json:"fileName,omitempty"`
	Mime      string `json:"mime,omitempty"`
	Size      int64  `json:"size,omitempty"` // bytes
	Width     int    `json:"width,omitempty"`
	Height    int    `json:"height,omitempty"`
	Duration  int    `json:"duration,omitempty"` // seconds
}

// IMMessage is one inbound chat message, normalized across platforms.
// Immutable after the transport hands it to the multiplexer.
type IMMessage struct {
	Platform       Platform     `json:"platform"`
	ConversationID string       `json:"conversationId"`
	MessageID      string       `json:"messageId"`
	SenderID       string       `json:"senderId"`
	Content        string       `json:"content"`
	Attachments    []Attachment `json:"attachments,omitempty"`
	MediaGroupID   string       `json:"mediaGroupId,omitempty"`
	Timestamp      int64        `json:"timestamp"` // unix ms
}

// ReplyFunc delivers reply text back to the originating chat. Transports
// implement media-marker expansion and long-message splitting behind it.
type ReplyFunc func(ctx context.Context, text string) error

// ConversationKey indexes per-conversation state (pending permissions,
// session mappings). Value type, usable as a map key.
type ConversationKey struct {
	Platform       Platform
	ConversationID string
}

func (k ConversationKey) String() string {
	return fmt.Sprintf("%s:%s", k.Platform, k.ConversationID)
}

// Key builds the ConversationKey for a message.
func (m *IMMessage) Key() ConversationKey {
	return ConversationKey{Platform: m.Platform, ConversationID: m.ConversationID}
}
