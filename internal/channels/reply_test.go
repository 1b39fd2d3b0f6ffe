package channels

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

func TestSplitMessage(t *testing.T) {
	tests := []struct {
		name  string
		text  string
		limit int
		want  []string
	}{
		{
			name:  "under limit untouched",
			text:  "short message",
			limit: 100,
			want:  []string{"short message"},
		},
		{
			name:  "exactly at limit",
			text:  "12345",
			limit: 5,
			want:  []string{"12345"},
		},
		{
			name:  "prefers newline",
			text:  "line one\nline two that overflows",
			limit: 12,
			want:  []string{"line one", "line two", "that", "overflows"},
		},
		{
			name:  "falls back to space",
			text:  "alpha beta gamma",
			limit: 11,
			want:  []string{"alpha beta", "gamma"},
		},
		{
			name:  "forced cut without separators",
			text:  strings.Repeat("x", 12),
			limit: 5,
			want:  []string{"xxxxx", "xxxxx", "xx"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SplitMessage(tt.text, tt.limit)
			if len(got) != len(tt.want) {
				t.Fatalf("got %d chunks %q, want %d %q", len(got), got, len(tt.want), tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("chunk %d = %q, want %q", i, got[i], tt.want[i])
				}
				if n := len([]rune(got[i])); n > tt.limit {
					t.Errorf("chunk %d length %d exceeds limit %d", i, n, tt.limit)
				}
			}
		})
	}
}

func TestSplitMessage_MultibyteBudget(t *testing.T) {
	text := strings.Repeat("中", 10)
	got := SplitMessage(text, 4)
	joined := strings.Join(got, "")
	if joined != text {
		t.Errorf("content lost across split: %q", got)
	}
	for i, chunk := range got {
		if n := len([]rune(chunk)); n > 4 {
			t.Errorf("chunk %d has %d runes, limit 4", i, n)
		}
	}
}

func TestExtractMediaMarkers(t *testing.T) {
	tests := []struct {
		name      string
		text      string
		wantText  string
		wantPaths []string
	}{
		{
			name:     "no markers",
			text:     "plain reply",
			wantText: "plain reply",
		},
		{
			name:      "single marker",
			text:      "chart ready [media:/tmp/chart.png]",
			wantText:  "chart ready ",
			wantPaths: []string{"/tmp/chart.png"},
		},
		{
			name:      "multiple markers",
			text:      "[media:/a.png] and [media:/b.mp4] done",
			wantText:  " and  done",
			wantPaths: []string{"/a.png", "/b.mp4"},
		},
		{
			name:     "marker must not span lines",
			text:     "[media:/tmp/\nbroken]",
			wantText: "[media:/tmp/\nbroken]",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotText, gotPaths := extractMediaMarkers(tt.text)
			if gotText != tt.wantText {
				t.Errorf("text = %q, want %q", gotText, tt.wantText)
			}
			if len(gotPaths) != len(tt.wantPaths) {
				t.Fatalf("paths = %q, want %q", gotPaths, tt.wantPaths)
			}
			for i := range gotPaths {
				if gotPaths[i] != tt.wantPaths[i] {
					t.Errorf("path %d = %q, want %q", i, gotPaths[i], tt.wantPaths[i])
				}
			}
		})
	}
}

// recordingSender captures pipeline sends and can fail media a set number
// of times.
type recordingSender struct {
	mu         sync.Mutex
	texts      []string
	media      []string
	mediaFails int
}

func (r *recordingSender) SendTextMessage(_ context.Context, _, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.texts = append(r.texts, text)
	return nil
}

func (r *recordingSender) SendMediaFile(_ context.Context, _, path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.mediaFails > 0 {
		r.mediaFails--
		return os.ErrDeadlineExceeded
	}
	r.media = append(r.media, path)
	return nil
}

func newTestPipeline(s MediaSender) *ReplyPipeline {
	return NewReplyPipeline(s, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestReplyPipeline_TextOnly(t *testing.T) {
	s := &recordingSender{}
	p := newTestPipeline(s)

	if err := p.Reply(context.Background(), "conv", "hello there"); err != nil {
		t.Fatalf("reply failed: %v", err)
	}
	if len(s.texts) != 1 || s.texts[0] != "hello there" {
		t.Errorf("texts = %q", s.texts)
	}
}

func TestReplyPipeline_MediaBeforeText(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.png")
	if err := os.WriteFile(path, []byte("png"), 0644); err != nil {
		t.Fatal(err)
	}

	s := &recordingSender{}
	p := newTestPipeline(s)

	if err := p.Reply(context.Background(), "conv", "done [media:"+path+"]"); err != nil {
		t.Fatalf("reply failed: %v", err)
	}
	if len(s.media) != 1 || s.media[0] != path {
		t.Errorf("media = %q, want %q", s.media, path)
	}
	if len(s.texts) != 1 || s.texts[0] != "done" {
		t.Errorf("texts = %q", s.texts)
	}
}

func TestReplyPipeline_MissingMediaStillSendsText(t *testing.T) {
	s := &recordingSender{}
	p := newTestPipeline(s)

	err := p.Reply(context.Background(), "conv", "see [media:/nonexistent/file.png]")
	if err != nil {
		t.Fatalf("missing media must not fail the reply: %v", err)
	}
	if len(s.media) != 0 {
		t.Errorf("media sent for missing file: %q", s.media)
	}
	if len(s.texts) != 1 || s.texts[0] != "see" {
		t.Errorf("texts = %q", s.texts)
	}
}

func TestReplyPipeline_MediaOnlyNoEmptyText(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "v.mp4")
	if err := os.WriteFile(path, []byte("mp4"), 0644); err != nil {
		t.Fatal(err)
	}

	s := &recordingSender{}
	p := newTestPipeline(s)

	if err := p.Reply(context.Background(), "conv", "[media:"+path+"]"); err != nil {
		t.Fatalf("reply failed: %v", err)
	}
	if len(s.texts) != 0 {
		t.Errorf("empty remainder must not be sent, got %q", s.texts)
	}
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home dir")
	}
	tests := []struct {
		in   string
		want string
	}{
		{"~/files/a.png", home + "/files/a.png"},
		{"~", home},
		{"/abs/path", "/abs/path"},
		{"relative/path", "relative/path"},
	}
	for _, tt := range tests {
		if got := ExpandHome(tt.in); got != tt.want {
			t.Errorf("ExpandHome(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
