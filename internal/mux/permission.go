package mux

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nextlevelbuilder/coworkd/internal/bus"
	"github.com/nextlevelbuilder/coworkd/internal/runner"
)

// trailingPunctuation is stripped from confirmation replies before token
// matching.
const trailingPunctuation = ".!?,;。，！？:：；"

// Recognised confirmation tokens, matched case-insensitively against the
// whole trimmed message.
var (
	allowTokens = []string{"允许", "同意", "yes", "y"}
	denyTokens  = []string{"拒绝", "不同意", "no", "n"}
)

// canonicalAllowLabel selects AskUserQuestion options when the user
// answers with a bare allow token.
const canonicalAllowLabel = "允许"

// User-visible confirmation protocol messages.
const (
	permissionReminderMessage = "请回复 允许/拒绝 以继续当前操作(60 秒内有效)。"
	permissionExpiredMessage  = "确认已过期,请重新发送任务。"
	permissionDeniedMessage   = "已拒绝该操作,任务未继续。"
	deniedByUserMessage       = "denied by IM user"
	emptyReplyMessage         = "任务已完成,无文本回复。"
	sessionResetMessage       = "会话已重置,下一条消息将开启新会话。"
)

// pendingIMPermission is the per-conversation state that a human owes an
// allow/deny answer in chat. At most one exists per conversation.
type pendingIMPermission struct {
	key       bus.ConversationKey
	sessionID string
	requestID string
	toolName  string
	toolInput map[string]any
	createdAt time.Time
	timer     *time.Timer
}

// onPermissionRequest adopts a runner permission request into the IM
// confirmation flow: it resolves the current accumulator with the
// confirmation prompt so the user sees the question as the turn's reply.
func (m *Multiplexer) onPermissionRequest(req *runner.PermissionRequest) {
	key, ok := m.conversationFor(req.SessionID)
	if !ok {
		return
	}

	m.mu.Lock()
	acc := m.accumulators[req.SessionID]
	m.mu.Unlock()
	if acc == nil {
		// The turn's reply was already delivered; nobody can answer this
		// request over IM, so leave it to the 60 s auto-deny.
		m.log.Debug("mux.permission.orphan", "session", req.SessionID, "request", req.RequestID)
		return
	}

	// A newer request displaces the previous pending one.
	if prev := m.takePending(key); prev != nil {
		m.runner.RespondToPermission(prev.requestID, runner.PermissionResult{
			Behavior: runner.BehaviorDeny,
			Message:  "superseded by a newer permission request",
		})
	}

	p := &pendingIMPermission{
		key:       key,
		sessionID: req.SessionID,
		requestID: req.RequestID,
		toolName:  req.ToolName,
		toolInput: req.ToolInput,
		createdAt: time.Now(),
	}
	// Clears conversation state when the runner-side timeout auto-denies.
	p.timer = time.AfterFunc(runner.PermissionTimeout, func() {
		m.mu.Lock()
		if m.pendingByConv[key] == p {
			delete(m.pendingByConv, key)
		}
		m.mu.Unlock()
	})

	m.mu.Lock()
	m.pendingByConv[key] = p
	m.mu.Unlock()

	acc.resolve(confirmationPrompt(req))
}

// handlePendingReply runs the pending-permission pre-check for an inbound
// message. Returns the reply and true when the message was consumed by the
// confirmation protocol.
func (m *Multiplexer) handlePendingReply(ctx context.Context, msg *bus.IMMessage, p *pendingIMPermission) (string, bool) {
	text := strings.TrimSpace(msg.Content)
	text = strings.TrimRight(text, trailingPunctuation)

	if text == "" {
		return permissionReminderMessage, true
	}

	if !m.runner.IsSessionActive(p.sessionID) {
		m.dropPending(p)
		return permissionExpiredMessage, true
	}

	lower := strings.ToLower(text)
	if matchesToken(lower, denyTokens) {
		m.dropPending(p)
		m.runner.RespondToPermission(p.requestID, runner.PermissionResult{
			Behavior: runner.BehaviorDeny,
			Message:  deniedByUserMessage,
		})
		return permissionDeniedMessage, true
	}

	if matchesToken(lower, allowTokens) {
		m.dropPending(p)

		// The turn continues after the allow; a fresh accumulator catches
		// the remaining output as this message's reply.
		acc := m.installAccumulator(p.sessionID)

		res := runner.PermissionResult{Behavior: runner.BehaviorAllow}
		if p.toolName == "AskUserQuestion" {
			res.UpdatedInput = map[string]any{"answers": synthesizeAnswers(p.toolInput)}
		}
		m.runner.RespondToPermission(p.requestID, res)

		reply, err := m.awaitAccumulator(ctx, acc)
		if err != nil {
			return ErrorReply(err), true
		}
		return reply, true
	}

	return permissionReminderMessage, true
}

func matchesToken(lower string, tokens []string) bool {
	for _, t := range tokens {
		if lower == t {
			return true
		}
	}
	return false
}

// synthesizeAnswers picks, for each question, the option whose label
// contains the canonical allow label, falling back to the first option.
func synthesizeAnswers(input map[string]any) []any {
	questions, _ := input["questions"].([]any)
	answers := make([]any, 0, len(questions))
	for _, q := range questions {
		qm, ok := q.(map[string]any)
		if !ok {
			continue
		}
		options, _ := qm["options"].([]any)
		chosen := ""
		for i, opt := range options {
			label := optionLabel(opt)
			if i == 0 {
				chosen = label
			}
			if strings.Contains(label, canonicalAllowLabel) {
				chosen = label
				break
			}
		}
		answers = append(answers, chosen)
	}
	return answers
}

func optionLabel(opt any) string {
	switch v := opt.(type) {
	case string:
		return v
	case map[string]any:
		label, _ := v["label"].(string)
		return label
	}
	return ""
}

// confirmationPrompt renders the human-readable question for a permission
// request: the tool name plus, for AskUserQuestion, the first question.
func confirmationPrompt(req *runner.PermissionRequest) string {
	detail := ""
	if req.ToolName == "AskUserQuestion" {
		if questions, ok := req.ToolInput["questions"].([]any); ok && len(questions) > 0 {
			if qm, ok := questions[0].(map[string]any); ok {
				detail, _ = qm["question"].(string)
			}
		}
	}
	if detail == "" {
		detail = "该工具需要确认后才能执行。"
	}
	return fmt.Sprintf("⚠️ 安全确认(工具:%s)\n%s\n请在 60 秒内回复 允许/拒绝。", req.ToolName, detail)
}
