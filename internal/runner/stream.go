package runner

import (
	"context"
	"encoding/json"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/coworkd/internal/store"
)

// Per-block and per-field character caps on streamed content.
const (
	textBlockCap     = 120000
	thinkingBlockCap = 60000
	toolResultCap    = 120000
	finalResultCap   = 120000
)

// streamEmitInterval throttles messageUpdate emission per streaming block.
const streamEmitInterval = 90 * time.Millisecond

// cliEvent is one newline-delimited stream-json event from the agent CLI.
type cliEvent struct {
	Type      string          `json:"type"`
	Subtype   string          `json:"subtype,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	Event     *streamEvent    `json:"event,omitempty"`
	Message   *wireMessage    `json:"message,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
	RequestID string          `json:"request_id,omitempty"`
	Request   *controlRequest `json:"request,omitempty"`
}

type streamEvent struct {
	Type         string        `json:"type"`
	Index        int           `json:"index"`
	ContentBlock *contentBlock `json:"content_block,omitempty"`
	Delta        *blockDelta   `json:"delta,omitempty"`
}

type contentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	Thinking  string          `json:"thinking,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     map[string]any  `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

type blockDelta struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Thinking string `json:"thinking,omitempty"`
}

type wireMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type controlRequest struct {
	Subtype   string         `json:"subtype"`
	ToolName  string         `json:"tool_name"`
	Input     map[string]any `json:"input"`
	ToolUseID string         `json:"tool_use_id"`
}

// streamingBlock is one open streamed content block. At most one exists
// per block type ("text", "thinking") at any time.
type streamingBlock struct {
	messageID  string
	blockType  string
	isThinking bool
	content    strings.Builder
	runeCount  int
	truncated  bool
	lastEmit   time.Time
}

func (b *streamingBlock) cap() int {
	if b.isThinking {
		return thinkingBlockCap
	}
	return textBlockCap
}

// turn interprets the event stream of a single agent turn and converts it
// into persisted messages plus observer events.
type turn struct {
	ctx       context.Context
	r         *Runner
	sessionID string

	// Open streaming blocks, keyed by block type, plus the index→type map
	// needed to resolve content_block_stop.
	streaming  map[string]*streamingBlock
	indexTypes map[int]string

	// Whether streaming already produced text/thinking this turn; the
	// aggregated assistant event must not duplicate it.
	hasText     bool
	hasThinking bool

	lastAssistantID      string
	lastAssistantContent string

	completed bool
	errMsg    string
}

func newTurn(ctx context.Context, r *Runner, sessionID string) *turn {
	return &turn{
		ctx:        ctx,
		r:          r,
		sessionID:  sessionID,
		streaming:  make(map[string]*streamingBlock),
		indexTypes: make(map[int]string),
	}
}

// handleLine dispatches one raw stream-json line. control_request lines are
// handled by the runner's permission gate, not here.
func (t *turn) handleLine(raw []byte) {
	var ev cliEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		t.r.log.Debug("runner.stream.badline", "session", t.sessionID, "err", err)
		return
	}

	switch ev.Type {
	case "stream_event":
		if ev.Event != nil {
			t.handleStreamEvent(ev.Event)
		}
	case "assistant":
		if ev.Message != nil {
			t.handleAssistant(ev.Message)
		}
	case "user":
		if ev.Message != nil {
			t.handleUserEvent(ev.Message)
		}
	case "system":
		if ev.Subtype == "init" && ev.SessionID != "" {
			t.r.saveContinuationID(t.ctx, t.sessionID, ev.SessionID)
		}
	case "result":
		t.handleResult(&ev)
	}
}

func (t *turn) handleStreamEvent(ev *streamEvent) {
	switch ev.Type {
	case "content_block_start":
		if ev.ContentBlock == nil {
			return
		}
		bt := ev.ContentBlock.Type
		if bt != "text" && bt != "thinking" {
			return
		}
		t.openBlock(ev.Index, bt)

	case "content_block_delta":
		if ev.Delta == nil {
			return
		}
		switch ev.Delta.Type {
		case "text_delta":
			t.appendDelta("text", ev.Delta.Text)
		case "thinking_delta":
			t.appendDelta("thinking", ev.Delta.Thinking)
		}

	case "content_block_stop":
		if bt, ok := t.indexTypes[ev.Index]; ok {
			delete(t.indexTypes, ev.Index)
			t.sealBlock(bt, false)
		}

	case "message_stop":
		t.sealAllBlocks(false)
	}
}

func (t *turn) openBlock(index int, blockType string) {
	// A new block of a type already streaming seals the previous one.
	if _, open := t.streaming[blockType]; open {
		t.sealBlock(blockType, false)
	}

	b := &streamingBlock{
		messageID:  uuid.NewString(),
		blockType:  blockType,
		isThinking: blockType == "thinking",
	}
	t.streaming[blockType] = b
	t.indexTypes[index] = blockType

	t.appendStored(&store.AgentMessage{
		ID:        b.messageID,
		SessionID: t.sessionID,
		Type:      "assistant",
		Meta:      store.MessageMeta{IsStreaming: true, IsThinking: b.isThinking},
	})
}

func (t *turn) appendDelta(blockType, text string) {
	b, ok := t.streaming[blockType]
	if !ok || b.truncated || text == "" {
		return
	}

	capHit := false
	n := utf8.RuneCountInString(text)
	if b.runeCount+n > b.cap() {
		allowed := b.cap() - b.runeCount
		r := []rune(text)
		if allowed > len(r) {
			allowed = len(r)
		}
		text = string(r[:allowed])
		n = allowed
		capHit = true
	}
	b.content.WriteString(text)
	b.runeCount += n
	if capHit {
		b.content.WriteString(truncationSentinel)
		b.truncated = true
	}

	if b.isThinking {
		t.hasThinking = true
	} else {
		t.hasText = true
	}

	// Throttled emit; cap-hit always emits so the sentinel is visible.
	if !capHit && time.Since(b.lastEmit) < streamEmitInterval {
		return
	}
	b.lastEmit = time.Now()
	t.updateStored(b.messageID, b.content.String(), store.MessageMeta{IsStreaming: true, IsThinking: b.isThinking})
}

// sealBlock emits the final update for a streaming block and closes it.
func (t *turn) sealBlock(blockType string, final bool) {
	b, ok := t.streaming[blockType]
	if !ok {
		return
	}
	delete(t.streaming, blockType)

	content := b.content.String()
	t.updateStored(b.messageID, content, store.MessageMeta{IsThinking: b.isThinking, IsFinal: final})
	if !b.isThinking {
		t.lastAssistantID = b.messageID
		t.lastAssistantContent = content
	}
}

func (t *turn) sealAllBlocks(final bool) {
	for bt := range t.streaming {
		t.sealBlock(bt, final)
	}
}

// handleAssistant processes the aggregated assistant event that follows
// streaming for the same turn. Text and thinking already streamed are
// skipped; tool_use blocks are appended.
func (t *turn) handleAssistant(msg *wireMessage) {
	for _, block := range decodeBlocks(msg.Content) {
		switch block.Type {
		case "text":
			if t.hasText || block.Text == "" {
				continue
			}
			m := t.appendStored(&store.AgentMessage{
				ID:        uuid.NewString(),
				SessionID: t.sessionID,
				Type:      "assistant",
				Content:   clampString(block.Text, textBlockCap),
			})
			t.hasText = true
			t.lastAssistantID = m.ID
			t.lastAssistantContent = m.Content

		case "thinking":
			if t.hasThinking || block.Thinking == "" {
				continue
			}
			t.appendStored(&store.AgentMessage{
				ID:        uuid.NewString(),
				SessionID: t.sessionID,
				Type:      "assistant",
				Content:   clampString(block.Thinking, thinkingBlockCap),
				Meta:      store.MessageMeta{IsThinking: true},
			})
			t.hasThinking = true

		case "tool_use":
			t.appendStored(&store.AgentMessage{
				ID:        uuid.NewString(),
				SessionID: t.sessionID,
				Type:      "tool_use",
				Content:   block.Name,
				Meta: store.MessageMeta{
					ToolName:  block.Name,
					ToolInput: SanitizeToolInput(block.Input),
					ToolUseID: block.ID,
				},
			})
		}
	}
}

// handleUserEvent extracts tool_result blocks the CLI echoes back as user
// events.
func (t *turn) handleUserEvent(msg *wireMessage) {
	for _, block := range decodeBlocks(msg.Content) {
		if block.Type != "tool_result" {
			continue
		}
		t.appendStored(&store.AgentMessage{
			ID:        uuid.NewString(),
			SessionID: t.sessionID,
			Type:      "tool_result",
			Content:   clampString(decodeResultText(block.Content), toolResultCap),
			Meta: store.MessageMeta{
				ToolUseID: block.ToolUseID,
				IsError:   block.IsError,
			},
		})
	}
}

func (t *turn) handleResult(ev *cliEvent) {
	if ev.Subtype != "success" {
		t.errMsg = decodeResultText(ev.Result)
		if t.errMsg == "" {
			t.errMsg = "agent turn failed: " + ev.Subtype
		}
		t.sealAllBlocks(false)
		return
	}

	result := clampString(decodeResultText(ev.Result), finalResultCap)

	// Upsert the final assistant message. An open streaming block with
	// content wins; its streamed text is authoritative.
	for bt, b := range t.streaming {
		if !b.isThinking && b.runeCount > 0 {
			delete(t.streaming, bt)
			content := b.content.String()
			t.updateStored(b.messageID, content, store.MessageMeta{IsFinal: true})
			t.lastAssistantID = b.messageID
			t.lastAssistantContent = content
			t.sealAllBlocks(false)
			t.completed = true
			return
		}
	}

	if t.lastAssistantID != "" && strings.TrimSpace(t.lastAssistantContent) == strings.TrimSpace(result) {
		t.updateStored(t.lastAssistantID, t.lastAssistantContent, store.MessageMeta{IsFinal: true})
		t.sealAllBlocks(false)
		t.completed = true
		return
	}

	// An empty streaming placeholder takes the result text.
	if b, ok := t.streaming["text"]; ok && b.runeCount == 0 {
		delete(t.streaming, "text")
		t.updateStored(b.messageID, result, store.MessageMeta{IsFinal: true})
		t.lastAssistantID = b.messageID
		t.lastAssistantContent = result
		t.sealAllBlocks(false)
		t.completed = true
		return
	}

	if result != "" {
		m := t.appendStored(&store.AgentMessage{
			ID:        uuid.NewString(),
			SessionID: t.sessionID,
			Type:      "assistant",
			Content:   result,
			Meta:      store.MessageMeta{IsFinal: true},
		})
		t.lastAssistantID = m.ID
		t.lastAssistantContent = result
	}
	t.sealAllBlocks(false)
	t.completed = true
}

// appendStored persists a message and emits the message event.
func (t *turn) appendStored(m *store.AgentMessage) *store.AgentMessage {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	if err := t.r.store.AppendMessage(t.ctx, m); err != nil {
		t.r.log.Warn("runner.store.append", "session", t.sessionID, "err", err)
	}
	t.r.events.message(t.sessionID, m)
	return m
}

// updateStored persists an in-place content update and emits messageUpdate.
func (t *turn) updateStored(messageID, content string, meta store.MessageMeta) {
	if err := t.r.store.UpdateMessage(t.ctx, t.sessionID, messageID, content, meta); err != nil {
		t.r.log.Warn("runner.store.update", "session", t.sessionID, "err", err)
	}
	t.r.events.messageUpdate(t.sessionID, messageID, content, meta)
}

// decodeBlocks tolerates both array-of-blocks and plain-string content.
func decodeBlocks(content json.RawMessage) []contentBlock {
	if len(content) == 0 {
		return nil
	}
	var blocks []contentBlock
	if err := json.Unmarshal(content, &blocks); err == nil {
		return blocks
	}
	var s string
	if err := json.Unmarshal(content, &s); err == nil && s != "" {
		return []contentBlock{{Type: "text", Text: s}}
	}
	return nil
}

// decodeResultText extracts the text of a result or tool_result payload,
// which may be a string or a list of text blocks.
func decodeResultText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []contentBlock
	if err := json.Unmarshal(raw, &blocks); err == nil {
		var parts []string
		for _, b := range blocks {
			if b.Type == "text" && b.Text != "" {
				parts = append(parts, b.Text)
			}
		}
		return strings.Join(parts, "\n")
	}
	return string(raw)
}
