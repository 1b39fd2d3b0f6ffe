package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/nextlevelbuilder/coworkd/internal/bus"
	"github.com/nextlevelbuilder/coworkd/internal/channels"
)

// Verdict is a connectivity test outcome; the report verdict is the
// worst of its checks.
type Verdict string

const (
	VerdictPass Verdict = "pass"
	VerdictWarn Verdict = "warn"
	VerdictFail Verdict = "fail"
)

const (
	probeTimeout      = 10 * time.Second
	activityThreshold = 2 * time.Minute
)

// Check is one named probe result with an optional remediation hint.
type Check struct {
	Name    string  `json:"name"`
	Verdict Verdict `json:"verdict"`
	Detail  string  `json:"detail,omitempty"`
	Hint    string  `json:"hint,omitempty"`
}

// Report is the full self-test result for one platform.
type Report struct {
	Platform bus.Platform `json:"platform"`
	Verdict  Verdict      `json:"verdict"`
	Checks   []Check      `json:"checks"`
}

func worseOf(a, b Verdict) Verdict {
	rank := map[Verdict]int{VerdictPass: 0, VerdictWarn: 1, VerdictFail: 2}
	if rank[b] > rank[a] {
		return b
	}
	return a
}

// TestGateway runs the ordered connectivity checks for one platform:
// credential presence, auth probe, enablement and connection state,
// recent activity, last transport error.
func (g *Manager) TestGateway(ctx context.Context, platform bus.Platform) Report {
	report := Report{Platform: platform, Verdict: VerdictPass}
	add := func(c Check) {
		report.Checks = append(report.Checks, c)
		report.Verdict = worseOf(report.Verdict, c.Verdict)
	}

	if c := g.checkCredentials(platform); c != nil {
		add(*c)
		if c.Verdict == VerdictFail {
			return report
		}
	} else {
		add(Check{Name: "credentials", Verdict: VerdictPass})
	}

	t, err := g.transport(platform)
	if err != nil {
		add(Check{Name: "transport", Verdict: VerdictFail, Detail: err.Error(),
			Hint: "enable the channel so its transport is constructed"})
		return report
	}

	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	if err := t.Probe(probeCtx); err != nil {
		add(Check{Name: "auth", Verdict: VerdictFail, Detail: err.Error(),
			Hint: "verify the credentials and network reachability"})
	} else {
		add(Check{Name: "auth", Verdict: VerdictPass})
	}

	switch {
	case !g.cfg.ChannelEnabled(string(platform)):
		add(Check{Name: "connection", Verdict: VerdictWarn, Detail: "channel disabled",
			Hint: "set enabled: true in the channel config"})
	case !t.Connected():
		add(Check{Name: "connection", Verdict: VerdictFail, Detail: "not connected",
			Hint: "check daemon logs for connect errors"})
	default:
		add(Check{Name: "connection", Verdict: VerdictPass})
	}

	add(activityCheck(t.Stats()))

	if stats := t.Stats(); stats.LastError != "" {
		add(Check{Name: "last_error", Verdict: VerdictWarn, Detail: stats.LastError})
	}
	return report
}

// TestAll runs TestGateway on every registered transport.
func (g *Manager) TestAll(ctx context.Context) []Report {
	g.mu.RLock()
	platforms := make([]bus.Platform, 0, len(g.transports))
	for p := range g.transports {
		platforms = append(platforms, p)
	}
	g.mu.RUnlock()

	reports := make([]Report, 0, len(platforms))
	for _, p := range bus.Platforms() {
		for _, registered := range platforms {
			if p == registered {
				reports = append(reports, g.TestGateway(ctx, p))
			}
		}
	}
	return reports
}

// checkCredentials validates per-platform required fields. Nil means all
// required credentials are present.
func (g *Manager) checkCredentials(platform bus.Platform) *Check {
	missing := ""
	switch platform {
	case bus.PlatformTelegram:
		if g.cfg.Channels.Telegram.BotToken == "" {
			missing = "bot_token"
		}
	case bus.PlatformDiscord:
		if g.cfg.Channels.Discord.BotToken == "" {
			missing = "bot_token"
		}
	case bus.PlatformDingTalk:
		if g.cfg.Channels.DingTalk.ClientID == "" || g.cfg.Channels.DingTalk.ClientSecret == "" {
			missing = "client_id+client_secret"
		}
	case bus.PlatformFeishu:
		if g.cfg.Channels.Feishu.AppID == "" || g.cfg.Channels.Feishu.AppSecret == "" {
			missing = "app_id+app_secret"
		}
	case bus.PlatformWeCom:
		if g.cfg.Channels.WeCom.GatewayURL == "" || g.cfg.Channels.WeCom.Token == "" {
			missing = "gateway_url+token"
		}
	}
	if missing == "" {
		return nil
	}
	return &Check{
		Name:    "credentials",
		Verdict: VerdictFail,
		Detail:  "missing " + missing,
		Hint:    fmt.Sprintf("set %s for %s in the config file or environment", missing, platform),
	}
}

// activityCheck warns when a connected transport has seen no traffic in
// either direction recently. Silence is suspicious, not fatal.
func activityCheck(stats channels.Stats) Check {
	now := time.Now()
	staleIn := stats.LastInbound.IsZero() || now.Sub(stats.LastInbound) > activityThreshold
	staleOut := stats.LastOutbound.IsZero() || now.Sub(stats.LastOutbound) > activityThreshold

	if staleIn && staleOut {
		return Check{
			Name:    "activity",
			Verdict: VerdictWarn,
			Detail:  "no traffic in the last 2 minutes",
			Hint:    "send the bot a message to confirm end-to-end delivery",
		}
	}
	return Check{Name: "activity", Verdict: VerdictPass}
}
