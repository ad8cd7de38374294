package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/topiclaw/internal/bridge"
	"github.com/nextlevelbuilder/topiclaw/internal/bus"
	"github.com/nextlevelbuilder/topiclaw/internal/channels/telegram"
	"github.com/nextlevelbuilder/topiclaw/internal/config"
	"github.com/nextlevelbuilder/topiclaw/internal/discovery"
	"github.com/nextlevelbuilder/topiclaw/internal/janitor"
	"github.com/nextlevelbuilder/topiclaw/internal/orchestrator"
	"github.com/nextlevelbuilder/topiclaw/internal/ports"
	"github.com/nextlevelbuilder/topiclaw/internal/regapi"
	"github.com/nextlevelbuilder/topiclaw/internal/router"
	"github.com/nextlevelbuilder/topiclaw/internal/store"
)

func superviseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "supervise",
		Short: "Run the supervisor (also the default when no subcommand is given)",
		Run: func(cmd *cobra.Command, args []string) {
			runSupervise()
		},
	}
}

func runSupervise() {
	setupLogging()
	if err := supervise(); err != nil {
		slog.Error("supervisor exited", "error", err)
		os.Exit(1)
	}
}

func supervise() error {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Telegram.Token == "" {
		return fmt.Errorf("telegram token missing: set TOPICLAW_TELEGRAM_TOKEN")
	}
	if cfg.Telegram.ChatID == 0 {
		return fmt.Errorf("telegram chat_id missing: set telegram.chat_id or TOPICLAW_CHAT_ID")
	}

	state, err := store.OpenStateStore(cfg.Stores.StateDB)
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}
	defer state.Close()

	topics, err := store.OpenTopicStore(cfg.Stores.TopicsDB)
	if err != nil {
		return fmt.Errorf("open topic store: %w", err)
	}
	defer topics.Close()

	if err := os.MkdirAll(cfg.Orchestrator.ProjectBase, 0o755); err != nil {
		return fmt.Errorf("create project base: %w", err)
	}

	events := bus.NewDispatcher()
	pool := ports.NewPool(cfg.Orchestrator.StartPort, cfg.Orchestrator.PoolSize)
	mgr := orchestrator.NewManager(cfg.Orchestrator, pool, state, events)

	bot, err := telegram.NewBot(cfg.Telegram)
	if err != nil {
		return fmt.Errorf("create telegram bot: %w", err)
	}
	surface := telegram.NewSurface(bot)
	br := bridge.New(surface)
	br.SetStats(topics)
	scanner := discovery.NewScanner(cfg.Orchestrator.Binary)
	external := router.NewExternalRegistry()

	rt := router.New(cfg, mgr, topics, br, scanner, external, surface, events)
	control := telegram.NewControlPlane(*cfg, surface, rt, mgr, topics, scanner, external, br)
	channel := telegram.NewChannel(bot, cfg.Telegram, rt, control, topics)
	channel.SetOperators(cfg.Telegram.Operators)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt.Start(ctx)
	recovered, failedRecoveries, err := mgr.Recover(ctx)
	if err != nil {
		slog.Warn("instance recovery incomplete", "error", err)
	} else if recovered > 0 || failedRecoveries > 0 {
		slog.Info("instance recovery finished", "recovered", recovered, "failed", failedRecoveries)
	}
	if err := channel.Start(ctx); err != nil {
		return fmt.Errorf("start telegram channel: %w", err)
	}

	var regSrv *regapi.Server
	if cfg.Registration.Enabled {
		regSrv = regapi.NewServer(*cfg, external, topics, br, mgr, surface)
		if err := regSrv.Start(ctx); err != nil {
			return fmt.Errorf("start registration API: %w", err)
		}
	}

	jan := janitor.New(cfg.Janitor, cfg.Telegram.ChatID, topics, func(topicID int) {
		rt.Detach(topicID)
		id := orchestrator.InstanceIDForTopic(topicID)
		if _, ok := mgr.Get(id); ok {
			stopCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			if err := mgr.Stop(stopCtx, id, "idle janitor"); err != nil {
				slog.Warn("janitor instance stop failed", "instance_id", id, "error", err)
			}
		}
	})
	go jan.Run(ctx)

	go func() {
		if err := config.Watch(ctx, cfgPath, func(fresh *config.Config) {
			channel.SetOperators(fresh.Telegram.Operators)
			rt.SetStreamingDefault(fresh.Telegram.StreamingDefault)
		}); err != nil {
			slog.Warn("config watch unavailable", "error", err)
		}
	}()

	// Startup notice in the control topic (General when none is configured).
	controlTopic := cfg.Telegram.ControlTopicID
	if controlTopic <= 0 {
		controlTopic = 1
	}
	notice := fmt.Sprintf("🦞 <b>TopiClaw %s</b> is up.\n%d mapped topics recovered. Send /help for commands.",
		Version, len(activeMappings(topics)))
	if _, err := surface.Send(ctx, cfg.Telegram.ChatID, controlTopic, notice, bridge.SendOptions{}); err != nil {
		slog.Warn("startup notice failed", "error", err)
	}

	slog.Info("topiclaw running",
		"version", Version,
		"chat_id", cfg.Telegram.ChatID,
		"project_base", cfg.Orchestrator.ProjectBase,
		"ports", fmt.Sprintf("%d..%d", cfg.Orchestrator.StartPort, cfg.Orchestrator.StartPort+cfg.Orchestrator.PoolSize-1))

	<-ctx.Done()
	slog.Info("shutting down")

	// Shutdown gets a fresh context: the signal context is already cancelled.
	downCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	channel.Stop()
	rt.Shutdown()
	if regSrv != nil {
		if err := regSrv.Shutdown(downCtx); err != nil {
			slog.Warn("registration API shutdown failed", "error", err)
		}
	}
	if err := mgr.Shutdown(downCtx); err != nil {
		slog.Warn("instance shutdown incomplete", "error", err)
	}
	events.Close()
	slog.Info("shutdown complete")
	return nil
}

func activeMappings(topics *store.TopicStore) []*store.Mapping {
	active, err := topics.ListMappings(store.MappingActive)
	if err != nil {
		return nil
	}
	return active
}
