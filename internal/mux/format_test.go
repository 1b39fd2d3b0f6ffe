package mux

import (
	"strings"
	"testing"

	"github.com/nextlevelbuilder/coworkd/internal/bus"
)

func TestAttachmentBlock_Empty(t *testing.T) {
	if got := attachmentBlock(nil); got != "" {
		t.Errorf("expected empty block for no attachments, got %q", got)
	}
}

func TestAttachmentBlock_SingleImage(t *testing.T) {
	got := attachmentBlock([]bus.Attachment{{
		Type:      "image",
		LocalPath: "/tmp/media/photo.jpg",
		FileName:  "photo.jpg",
		Mime:      "image/jpeg",
		Width:     800,
		Height:    600,
		Size:      153600,
	}})

	want := "[附件信息]\n- 类型: image, 路径: /tmp/media/photo.jpg, 文件名: photo.jpg, MIME: image/jpeg, 尺寸: 800x600, 大小: 150.00KB\n"
	if got != want {
		t.Errorf("block mismatch:\ngot:  %q\nwant: %q", got, want)
	}
}

func TestAttachmentBlock_OptionalFieldsOmitted(t *testing.T) {
	got := attachmentBlock([]bus.Attachment{{Type: "file", LocalPath: "/tmp/a.bin"}})
	want := "[附件信息]\n- 类型: file, 路径: /tmp/a.bin\n"
	if got != want {
		t.Errorf("block mismatch:\ngot:  %q\nwant: %q", got, want)
	}
}

func TestAttachmentBlock_VoiceDuration(t *testing.T) {
	got := attachmentBlock([]bus.Attachment{{Type: "voice", LocalPath: "/tmp/v.ogg", Duration: 12}})
	if !strings.Contains(got, ", 时长: 12s") {
		t.Errorf("expected duration field, got %q", got)
	}
}

func TestAttachmentBlock_ManyAttachments(t *testing.T) {
	atts := make([]bus.Attachment, 50)
	for i := range atts {
		atts[i] = bus.Attachment{Type: "file", LocalPath: "/tmp/f"}
	}
	got := attachmentBlock(atts)
	if n := strings.Count(got, "- 类型:"); n != 50 {
		t.Errorf("expected 50 lines, got %d", n)
	}
}

func TestBuildPrompt(t *testing.T) {
	att := bus.Attachment{Type: "file", LocalPath: "/tmp/a"}
	tests := []struct {
		name string
		msg  bus.IMMessage
		want string
	}{
		{
			name: "text only",
			msg:  bus.IMMessage{Content: "hello"},
			want: "hello",
		},
		{
			name: "attachment only",
			msg:  bus.IMMessage{Attachments: []bus.Attachment{att}},
			want: "[附件信息]\n- 类型: file, 路径: /tmp/a\n",
		},
		{
			name: "text and attachment",
			msg:  bus.IMMessage{Content: "look", Attachments: []bus.Attachment{att}},
			want: "look\n\n[附件信息]\n- 类型: file, 路径: /tmp/a\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := buildPrompt(&tt.msg); got != tt.want {
				t.Errorf("buildPrompt = %q, want %q", got, tt.want)
			}
		})
	}
}
