package runner

import (
	"regexp"
	"strings"
)

// Canonical option labels for the synthetic delete-confirmation question.
// The IM confirmation flow matches on these exact strings.
const (
	AllowOnceLabel = "允许本次操作"
	DenyOnceLabel  = "拒绝本次操作"
)

const (
	deniedWebToolMessage = "Web access tools are disabled by policy."
	deniedDeleteMessage  = "Delete operation denied by user."
	maxQuestionChars     = 120
	toolAskUserQuestion  = "AskUserQuestion"
)

var (
	deleteCommandRe = regexp.MustCompile(`(?i)\b(rm|rmdir|unlink|del|erase|remove-item)\b`)
	findDeleteRe    = regexp.MustCompile(`(?i)\bfind\b.*\s-delete\b`)
	gitCleanRe      = regexp.MustCompile(`(?i)\bgit\s+clean\b`)
)

// policyDecision is the synchronous gate verdict for one tool use.
type policyDecision struct {
	// allow short-circuits without involving the human.
	allow bool
	// deny short-circuits with message.
	deny    bool
	message string
	// confirm requires human approval via the synthetic question below.
	confirm  bool
	question string
}

// evaluateToolPolicy gates a tool use before it runs. AskUserQuestion is
// never gated here; it is always forwarded to the human.
func evaluateToolPolicy(toolName string, input map[string]any, autoApprove bool) policyDecision {
	if isWebTool(toolName) {
		return policyDecision{deny: true, message: deniedWebToolMessage}
	}
	if toolName == toolAskUserQuestion {
		return policyDecision{}
	}
	if autoApprove {
		return policyDecision{allow: true}
	}
	if q, ok := deleteDetail(toolName, input); ok {
		return policyDecision{confirm: true, question: clampString(q, maxQuestionChars)}
	}
	return policyDecision{allow: true}
}

// isWebTool matches WebSearch/WebFetch under any capitalisation or
// separator variant (web_search, web-fetch, ...).
func isWebTool(name string) bool {
	n := strings.ToLower(name)
	n = strings.NewReplacer("_", "", "-", "", " ", "").Replace(n)
	return n == "websearch" || n == "webfetch"
}

// deleteDetail reports whether the tool use is a deletion and returns the
// human-readable detail for the confirmation question.
func deleteDetail(toolName string, input map[string]any) (string, bool) {
	lower := strings.ToLower(toolName)
	for _, kw := range []string{"delete", "remove", "unlink", "rmdir"} {
		if strings.Contains(lower, kw) {
			return toolName, true
		}
	}
	cmd, _ := input["command"].(string)
	if cmd == "" {
		return "", false
	}
	if deleteCommandRe.MatchString(cmd) || findDeleteRe.MatchString(cmd) || gitCleanRe.MatchString(cmd) {
		return cmd, true
	}
	return "", false
}

// syntheticDeleteQuestion builds the AskUserQuestion input for a gated
// deletion. Approval requires the answer label to equal AllowOnceLabel.
func syntheticDeleteQuestion(detail string) map[string]any {
	return map[string]any{
		"questions": []any{
			map[string]any{
				"question": "检测到删除操作，是否允许执行？" + detail,
				"options": []any{
					map[string]any{"label": AllowOnceLabel},
					map[string]any{"label": DenyOnceLabel},
				},
			},
		},
	}
}

// answerApproves reports whether an AskUserQuestion result approves the
// gated operation: the chosen label must equal the canonical allow label.
func answerApproves(result PermissionResult) bool {
	if result.Behavior != BehaviorAllow {
		return false
	}
	answers, ok := result.UpdatedInput["answers"].([]any)
	if !ok || len(answers) == 0 {
		return false
	}
	first, ok := answers[0].(string)
	if !ok {
		if m, ok := answers[0].(map[string]any); ok {
			first, _ = m["label"].(string)
		}
	}
	return first == AllowOnceLabel
}
