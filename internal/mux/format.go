package mux

import (
	"fmt"
	"strings"

	"github.com/nextlevelbuilder/coworkd/internal/bus"
)

// attachmentBlock renders the deterministic attachment section appended to
// the user prompt. Empty when there are no attachments.
func attachmentBlock(atts []bus.Attachment) string {
	if len(atts) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("[附件信息]\n")
	for _, a := range atts {
		fmt.Fprintf(&b, "- 类型: %s, 路径: %s", a.Type, a.LocalPath)
		if a.FileName != "" {
			fmt.Fprintf(&b, ", 文件名: %s", a.FileName)
		}
		if a.Mime != "" {
			fmt.Fprintf(&b, ", MIME: %s", a.Mime)
		}
		if a.Width > 0 && a.Height > 0 {
			fmt.Fprintf(&b, ", 尺寸: %dx%d", a.Width, a.Height)
		}
		if a.Duration > 0 {
			fmt.Fprintf(&b, ", 时长: %ds", a.Duration)
		}
		if a.Size > 0 {
			fmt.Fprintf(&b, ", 大小: %.2fKB", float64(a.Size)/1024)
		}
		b.WriteString("\n")
	}
	return b.String()
}

// buildPrompt combines the raw message text with the attachment block.
func buildPrompt(msg *bus.IMMessage) string {
	block := attachmentBlock(msg.Attachments)
	if block == "" {
		return msg.Content
	}
	if msg.Content == "" {
		return block
	}
	return msg.Content + "\n\n" + block
}
