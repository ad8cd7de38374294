package cmd

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/topiclaw/internal/channels/telegram"
	"github.com/nextlevelbuilder/topiclaw/internal/config"
	"github.com/nextlevelbuilder/topiclaw/internal/store"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check system environment and configuration health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("topiclaw doctor")
	fmt.Printf("  Version:  %s\n", Version)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	// Config
	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND, defaults + env apply)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}

	// Telegram
	fmt.Println()
	fmt.Println("  Telegram:")
	if cfg.Telegram.Token == "" {
		fmt.Printf("    %-12s (not configured, set TOPICLAW_TELEGRAM_TOKEN)\n", "Token:")
	} else {
		fmt.Printf("    %-12s %s\n", "Token:", maskToken(cfg.Telegram.Token))
		checkBotAPI(cfg.Telegram)
	}
	if cfg.Telegram.ChatID == 0 {
		fmt.Printf("    %-12s (not configured)\n", "Chat:")
	} else {
		fmt.Printf("    %-12s %d\n", "Chat:", cfg.Telegram.ChatID)
	}
	if n := len(cfg.Telegram.Operators); n == 0 {
		fmt.Printf("    %-12s open (no allowlist)\n", "Operators:")
	} else {
		fmt.Printf("    %-12s %d allowed\n", "Operators:", n)
	}

	// Stores
	fmt.Println()
	fmt.Println("  Stores:")
	checkStateStore(cfg.Stores.StateDB)
	checkTopicStore(cfg.Stores.TopicsDB)

	// External tools
	fmt.Println()
	fmt.Println("  External Tools:")
	checkBinary("opencode", cfg.Orchestrator.Binary)
	checkBinary("ps", "ps")
	checkBinary("lsof", "lsof")

	// Project base
	fmt.Println()
	fmt.Printf("  Projects: %s", cfg.Orchestrator.ProjectBase)
	if _, err := os.Stat(cfg.Orchestrator.ProjectBase); err != nil {
		fmt.Println(" (NOT FOUND, created on first run)")
	} else {
		fmt.Println(" (OK)")
	}
	fmt.Printf("  Ports:    %d..%d\n",
		cfg.Orchestrator.StartPort, cfg.Orchestrator.StartPort+cfg.Orchestrator.PoolSize-1)

	fmt.Println()
	fmt.Println("Doctor check complete.")
}

func maskToken(token string) string {
	if len(token) < 12 {
		return strings.Repeat("*", len(token))
	}
	return token[:6] + strings.Repeat("*", len(token)-10) + token[len(token)-4:]
}

func checkBotAPI(cfg config.TelegramConfig) {
	bot, err := telegram.NewBot(cfg)
	if err != nil {
		fmt.Printf("    %-12s INIT FAILED (%s)\n", "Bot API:", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	me, err := bot.GetMe(ctx)
	if err != nil {
		fmt.Printf("    %-12s UNREACHABLE (%s)\n", "Bot API:", err)
		return
	}
	fmt.Printf("    %-12s @%s (OK)\n", "Bot API:", me.Username)
}

func checkStateStore(path string) {
	st, err := store.OpenStateStore(path)
	if err != nil {
		fmt.Printf("    %-12s %s (OPEN FAILED: %s)\n", "State:", path, err)
		return
	}
	defer st.Close()
	fmt.Printf("    %-12s %s (OK)\n", "State:", path)
}

func checkTopicStore(path string) {
	st, err := store.OpenTopicStore(path)
	if err != nil {
		fmt.Printf("    %-12s %s (OPEN FAILED: %s)\n", "Topics:", path, err)
		return
	}
	defer st.Close()
	active, err := st.ListMappings(store.MappingActive)
	if err != nil {
		fmt.Printf("    %-12s %s (OK)\n", "Topics:", path)
		return
	}
	fmt.Printf("    %-12s %s (OK, %d active mappings)\n", "Topics:", path, len(active))
}

func checkBinary(label, name string) {
	path, err := exec.LookPath(name)
	if err != nil {
		fmt.Printf("    %-12s NOT FOUND (%s)\n", label+":", name)
	} else {
		fmt.Printf("    %-12s %s\n", label+":", path)
	}
}
