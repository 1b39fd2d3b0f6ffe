package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/coworkd/internal/channels/dingtalk"
	"github.com/nextlevelbuilder/coworkd/internal/channels/discord"
	"github.com/nextlevelbuilder/coworkd/internal/channels/feishu"
	"github.com/nextlevelbuilder/coworkd/internal/channels/telegram"
	"github.com/nextlevelbuilder/coworkd/internal/channels/wecom"
	"github.com/nextlevelbuilder/coworkd/internal/config"
	"github.com/nextlevelbuilder/coworkd/internal/gateway"
	"github.com/nextlevelbuilder/coworkd/internal/mux"
	"github.com/nextlevelbuilder/coworkd/internal/runner"
	"github.com/nextlevelbuilder/coworkd/internal/sandbox"
	"github.com/nextlevelbuilder/coworkd/internal/skills"
	"github.com/nextlevelbuilder/coworkd/internal/telemetry"
)

const (
	// feishuCallbackAddr serves the Feishu event callback endpoint.
	feishuCallbackAddr = ":3000"
	feishuCallbackPath = "/feishu/events"

	reconnectInterval = 30 * time.Second
)

func runGateway() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(log)

	cfg, err := loadConfig()
	if err != nil {
		log.Error("config.load", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		log.Warn("telemetry.setup", "err", err)
	}

	st, err := openStore(cfg)
	if err != nil {
		log.Error("store.open", "err", err)
		os.Exit(1)
	}
	defer st.Close()

	var loader *skills.Loader
	if cfg.Skills.Dir != "" {
		loader = skills.NewLoader(config.ExpandHome(cfg.Skills.Dir), log)
		loader.Load()
	}

	// The guest still gets a correlated error response for any tool the
	// daemon does not serve.
	hostTools := func(_ context.Context, tool string, _ map[string]any) (map[string]any, error) {
		log.Warn("sandbox.hosttool.unsupported", "tool", tool)
		return nil, fmt.Errorf("host tool %q is not supported", tool)
	}
	vms := sandbox.NewManager(cfg.Sandbox, hostTools, log)
	r := runner.New(cfg, st, vms, log)
	m := mux.New(cfg, st, r, loader, log)
	gw := gateway.New(cfg, st, m, log)

	feishuTransport := registerTransports(cfg, gw, log)

	if err := gw.PersistConfig(ctx); err != nil {
		log.Warn("gateway.config.persist", "err", err)
	}

	gw.StartAllEnabled(ctx)

	group, groupCtx := errgroup.WithContext(ctx)

	if loader != nil && cfg.Skills.Watch {
		group.Go(func() error {
			if err := loader.Watch(groupCtx); err != nil {
				log.Warn("skills.watch", "err", err)
			}
			return nil
		})
	}

	group.Go(func() error {
		vms.RunMediaGC(groupCtx)
		return nil
	})

	group.Go(func() error {
		ticker := time.NewTicker(reconnectInterval)
		defer ticker.Stop()
		for {
			select {
			case <-groupCtx.Done():
				return nil
			case <-ticker.C:
				gw.ReconnectAllDisconnected(groupCtx)
			}
		}
	})

	if feishuTransport != nil {
		srv := &http.Server{Addr: feishuCallbackAddr, Handler: feishuMux(feishuTransport)}
		group.Go(func() error {
			log.Info("feishu.callback.listen", "addr", feishuCallbackAddr, "path", feishuCallbackPath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("feishu callback server: %w", err)
			}
			return nil
		})
		group.Go(func() error {
			<-groupCtx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	log.Info("coworkd.started", "version", Version)
	<-ctx.Done()
	log.Info("coworkd.stopping")

	stopCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	gw.StopAll(stopCtx)
	vms.StopAll()

	if err := group.Wait(); err != nil {
		log.Warn("coworkd.background", "err", err)
	}
	if err := shutdownTelemetry(stopCtx); err != nil {
		log.Warn("telemetry.shutdown", "err", err)
	}
	log.Info("coworkd.stopped")
}

func feishuMux(t *feishu.Transport) *http.ServeMux {
	m := http.NewServeMux()
	m.Handle(feishuCallbackPath, t)
	return m
}

// registerTransports constructs every transport with credentials present
// and registers it on the gateway. Returns the Feishu transport so the
// daemon can mount its callback endpoint.
func registerTransports(cfg *config.Config, gw *gateway.Manager, log *slog.Logger) *feishu.Transport {
	handler := gw.Handler()

	if cfg.Channels.Telegram.BotToken != "" {
		if t, err := telegram.New(cfg.Channels.Telegram, handler, log); err == nil {
			gw.Register(t)
		} else {
			log.Error("telegram.init", "err", err)
		}
	}
	if cfg.Channels.Discord.BotToken != "" {
		if t, err := discord.New(cfg.Channels.Discord, handler, log); err == nil {
			gw.Register(t)
		} else {
			log.Error("discord.init", "err", err)
		}
	}
	if cfg.Channels.DingTalk.ClientID != "" {
		if t, err := dingtalk.New(cfg.Channels.DingTalk, handler, log); err == nil {
			gw.Register(t)
		} else {
			log.Error("dingtalk.init", "err", err)
		}
	}
	if cfg.Channels.WeCom.GatewayURL != "" {
		if t, err := wecom.New(cfg.Channels.WeCom, handler, log); err == nil {
			gw.Register(t)
		} else {
			log.Error("wecom.init", "err", err)
		}
	}

	var ft *feishu.Transport
	if cfg.Channels.Feishu.AppID != "" {
		if t, err := feishu.New(cfg.Channels.Feishu, handler, log); err == nil {
			gw.Register(t)
			ft = t
		} else {
			log.Error("feishu.init", "err", err)
		}
	}
	return ft
}
