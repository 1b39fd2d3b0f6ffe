package mux

import (
	"errors"
	"testing"
	"time"
)

func TestAccumulator_ResolveFormatted(t *testing.T) {
	tests := []struct {
		name     string
		messages []accMessage
		want     string
	}{
		{
			name: "assistant messages joined by blank lines",
			messages: []accMessage{
				{id: "1", msgType: "assistant", content: "first"},
				{id: "2", msgType: "assistant", content: "second"},
			},
			want: "first\n\nsecond",
		},
		{
			name: "thinking and tool messages excluded",
			messages: []accMessage{
				{id: "1", msgType: "assistant", content: "plan", isThinking: true},
				{id: "2", msgType: "tool_use", content: "Bash"},
				{id: "3", msgType: "tool_result", content: "ok"},
				{id: "4", msgType: "assistant", content: "done"},
			},
			want: "done",
		},
		{
			name: "whitespace-only content skipped",
			messages: []accMessage{
				{id: "1", msgType: "assistant", content: "  \n "},
				{id: "2", msgType: "assistant", content: "answer"},
			},
			want: "answer",
		},
		{
			name:     "no output falls back to the completion notice",
			messages: nil,
			want:     emptyReplyMessage,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			acc := newAccumulator("sess", time.Minute)
			for _, m := range tt.messages {
				acc.append(m.id, m.msgType, m.content, m.isThinking)
			}
			acc.resolveFormatted()

			<-acc.done
			if acc.err != nil {
				t.Fatalf("unexpected error: %v", acc.err)
			}
			if acc.reply != tt.want {
				t.Errorf("reply = %q, want %q", acc.reply, tt.want)
			}
		})
	}
}

func TestAccumulator_UpdateReplacesContent(t *testing.T) {
	acc := newAccumulator("sess", time.Minute)
	acc.append("m1", "assistant", "partial", false)
	acc.update("m1", "complete")
	acc.update("unknown", "ignored")
	acc.resolveFormatted()

	<-acc.done
	if acc.reply != "complete" {
		t.Errorf("reply = %q, want %q", acc.reply, "complete")
	}
}

func TestAccumulator_FirstOutcomeWins(t *testing.T) {
	acc := newAccumulator("sess", time.Minute)
	acc.resolve("winner")
	acc.reject(errors.New("late"))

	<-acc.done
	if acc.err != nil || acc.reply != "winner" {
		t.Errorf("got reply=%q err=%v, want the first resolve to win", acc.reply, acc.err)
	}
}

func TestAccumulator_Timeout(t *testing.T) {
	acc := newAccumulator("sess", 10*time.Millisecond)

	select {
	case <-acc.done:
	case <-time.After(time.Second):
		t.Fatal("accumulator did not time out")
	}
	if !errors.Is(acc.err, ErrTurnTimeout) {
		t.Errorf("err = %v, want ErrTurnTimeout", acc.err)
	}
}

func TestAccumulator_RejectReplaced(t *testing.T) {
	acc := newAccumulator("sess", time.Minute)
	acc.reject(ErrTurnReplaced)

	<-acc.done
	if !errors.Is(acc.err, ErrTurnReplaced) {
		t.Errorf("err = %v, want ErrTurnReplaced", acc.err)
	}
}
