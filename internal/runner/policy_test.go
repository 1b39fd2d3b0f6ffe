package runner

import (
	"strings"
	"testing"
)

func TestEvaluateToolPolicy_WebToolsDenied(t *testing.T) {
	for _, name := range []string{"WebSearch", "WebFetch", "web_search", "web-fetch", "WEBSEARCH"} {
		d := evaluateToolPolicy(name, nil, false)
		if !d.deny {
			t.Errorf("%s: expected deny", name)
		}
		if d.message != deniedWebToolMessage {
			t.Errorf("%s: message = %q, want %q", name, d.message, deniedWebToolMessage)
		}
	}
}

func TestEvaluateToolPolicy_AskUserQuestionNeverGated(t *testing.T) {
	d := evaluateToolPolicy("AskUserQuestion", nil, false)
	if d.allow || d.deny || d.confirm {
		t.Errorf("AskUserQuestion must pass through untouched, got %+v", d)
	}
}

func TestEvaluateToolPolicy_AutoApprove(t *testing.T) {
	d := evaluateToolPolicy("Bash", map[string]any{"command": "rm -rf /tmp/x"}, true)
	if !d.allow {
		t.Errorf("auto-approve should allow even deletions, got %+v", d)
	}
}

func TestEvaluateToolPolicy_DeleteDetection(t *testing.T) {
	tests := []struct {
		name    string
		tool    string
		command string
		confirm bool
	}{
		{"rm", "Bash", "rm file.txt", true},
		{"rm flags", "Bash", "rm -rf build/", true},
		{"rmdir", "Bash", "rmdir empty", true},
		{"unlink", "Bash", "unlink a.sock", true},
		{"del upper", "Bash", "DEL C:\\tmp\\x", true},
		{"erase", "Bash", "erase old.log", true},
		{"remove-item", "Bash", "Remove-Item -Path out", true},
		{"find delete", "Bash", "find . -name '*.tmp' -delete", true},
		{"git clean", "Bash", "git clean -fd", true},
		{"git  clean spaced", "Bash", "git   clean -n", true},
		{"rm substring", "Bash", "echo format", false},
		{"confirm word", "Bash", "echo confirm", false},
		{"plain ls", "Bash", "ls -la", false},
		{"delete in tool name", "DeleteFile", "", true},
		{"remove in tool name", "removeEntry", "", true},
		{"no command key", "Edit", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			input := map[string]any{}
			if tt.command != "" {
				input["command"] = tt.command
			}
			d := evaluateToolPolicy(tt.tool, input, false)
			if d.confirm != tt.confirm {
				t.Errorf("confirm = %v, want %v (decision %+v)", d.confirm, tt.confirm, d)
			}
			if !tt.confirm && !d.allow {
				t.Errorf("non-deletion should allow, got %+v", d)
			}
		})
	}
}

func TestEvaluateToolPolicy_QuestionClamped(t *testing.T) {
	long := "rm " + strings.Repeat("x", 500)
	d := evaluateToolPolicy("Bash", map[string]any{"command": long}, false)
	if !d.confirm {
		t.Fatal("expected confirmation")
	}
	if n := len([]rune(d.question)); n > maxQuestionChars {
		t.Errorf("question length = %d, want at most %d", n, maxQuestionChars)
	}
}

func TestSyntheticDeleteQuestion_Options(t *testing.T) {
	input := syntheticDeleteQuestion("rm -rf build")
	questions := input["questions"].([]any)
	if len(questions) != 1 {
		t.Fatalf("expected 1 question, got %d", len(questions))
	}
	q := questions[0].(map[string]any)
	options := q["options"].([]any)
	if len(options) != 2 {
		t.Fatalf("expected 2 options, got %d", len(options))
	}
	first := options[0].(map[string]any)["label"]
	second := options[1].(map[string]any)["label"]
	if first != AllowOnceLabel || second != DenyOnceLabel {
		t.Errorf("options = %v / %v, want %q / %q", first, second, AllowOnceLabel, DenyOnceLabel)
	}
}

func TestAnswerApproves(t *testing.T) {
	tests := []struct {
		name   string
		result PermissionResult
		want   bool
	}{
		{
			"allow with label string",
			PermissionResult{Behavior: BehaviorAllow, UpdatedInput: map[string]any{"answers": []any{AllowOnceLabel}}},
			true,
		},
		{
			"allow with label object",
			PermissionResult{Behavior: BehaviorAllow, UpdatedInput: map[string]any{"answers": []any{map[string]any{"label": AllowOnceLabel}}}},
			true,
		},
		{
			"deny label",
			PermissionResult{Behavior: BehaviorAllow, UpdatedInput: map[string]any{"answers": []any{DenyOnceLabel}}},
			false,
		},
		{
			"deny behavior",
			PermissionResult{Behavior: BehaviorDeny, UpdatedInput: map[string]any{"answers": []any{AllowOnceLabel}}},
			false,
		},
		{
			"no answers",
			PermissionResult{Behavior: BehaviorAllow},
			false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := answerApproves(tt.result); got != tt.want {
				t.Errorf("answerApproves = %v, want %v", got, tt.want)
			}
		})
	}
}
