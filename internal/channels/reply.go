package channels

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const (
	// maxMessageChars is the per-message character budget; longer replies
	// are split.
	maxMessageChars = 4000

	mediaSendRetries = 3
	mediaRetryDelay  = 2 * time.Second
)

// mediaMarkerRe matches the deterministic media tokens skills emit into
// reply text: [media:/absolute/or/~/path].
var mediaMarkerRe = regexp.MustCompile(`\[media:([^\]\n]+)\]`)

// MediaSender is the platform-specific half of the reply pipeline.
type MediaSender interface {
	SendTextMessage(ctx context.Context, conversationID, text string) error
	SendMediaFile(ctx context.Context, conversationID, path string) error
}

// ReplyPipeline implements the outbound reply contract shared by every
// platform: media marker expansion, home expansion, bounded retries,
// long-message splitting, and send rate limiting.
type ReplyPipeline struct {
	sender  MediaSender
	limiter *rate.Limiter
	log     *slog.Logger
}

func NewReplyPipeline(sender MediaSender, log *slog.Logger) *ReplyPipeline {
	// One message per second sustained with a small burst keeps every
	// platform under its bot send quota.
	return &ReplyPipeline{
		sender:  sender,
		limiter: rate.NewLimiter(rate.Every(time.Second), 5),
		log:     log,
	}
}

// Reply sends one assembled reply: media files referenced by markers
// first, then the remaining text, split when over budget.
func (p *ReplyPipeline) Reply(ctx context.Context, conversationID, text string) error {
	text, mediaPaths := extractMediaMarkers(text)

	for _, path := range mediaPaths {
		if err := p.sendMediaWithRetry(ctx, conversationID, path); err != nil {
			p.log.Warn("channel.media.send", "path", path, "err", err)
		}
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	for _, chunk := range SplitMessage(text, maxMessageChars) {
		if err := p.limiter.Wait(ctx); err != nil {
			return err
		}
		if err := p.sender.SendTextMessage(ctx, conversationID, chunk); err != nil {
			return fmt.Errorf("send reply: %w", err)
		}
	}
	return nil
}

func (p *ReplyPipeline) sendMediaWithRetry(ctx context.Context, conversationID, path string) error {
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("media file: %w", err)
	}
	var lastErr error
	for attempt := 1; attempt <= mediaSendRetries; attempt++ {
		if err := p.limiter.Wait(ctx); err != nil {
			return err
		}
		if lastErr = p.sender.SendMediaFile(ctx, conversationID, path); lastErr == nil {
			return nil
		}
		p.log.Warn("channel.media.retry", "path", path, "attempt", attempt, "err", lastErr)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(mediaRetryDelay):
		}
	}
	return lastErr
}

// extractMediaMarkers strips media markers from the text and returns the
// referenced local paths with ~/ expanded.
func extractMediaMarkers(text string) (string, []string) {
	var paths []string
	out := mediaMarkerRe.ReplaceAllStringFunc(text, func(marker string) string {
		path := strings.TrimSpace(mediaMarkerRe.FindStringSubmatch(marker)[1])
		if path != "" {
			paths = append(paths, ExpandHome(path))
		}
		return ""
	})
	return out, paths
}

// ExpandHome replaces a leading ~/ with the user home directory.
func ExpandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		if path == "~" {
			return home
		}
		return home + path[1:]
	}
	return path
}

// SplitMessage splits text into chunks of at most limit characters,
// preferring the last newline inside the budget, then the last space,
// else a forced cut.
func SplitMessage(text string, limit int) []string {
	runes := []rune(text)
	if len(runes) <= limit {
		return []string{text}
	}

	var chunks []string
	for len(runes) > limit {
		cut := limit
		window := runes[:limit]
		if idx := lastIndexRune(window, '\n'); idx > 0 {
			cut = idx
		} else if idx := lastIndexRune(window, ' '); idx > 0 {
			cut = idx
		}
		chunk := strings.TrimSpace(string(runes[:cut]))
		if chunk != "" {
			chunks = append(chunks, chunk)
		}
		runes = runes[cut:]
		// Skip the separator the cut landed on.
		for len(runes) > 0 && (runes[0] == '\n' || runes[0] == ' ') {
			runes = runes[1:]
		}
	}
	if rest := strings.TrimSpace(string(runes)); rest != "" {
		chunks = append(chunks, rest)
	}
	return chunks
}

func lastIndexRune(runes []rune, r rune) int {
	for i := len(runes) - 1; i >= 0; i-- {
		if runes[i] == r {
			return i
		}
	}
	return -1
}
