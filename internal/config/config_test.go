package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Orchestrator.StartPort != 4100 {
		t.Errorf("start port = %d, want 4100", cfg.Orchestrator.StartPort)
	}
	if cfg.Orchestrator.Binary != "opencode" {
		t.Errorf("binary = %q, want opencode", cfg.Orchestrator.Binary)
	}
	if cfg.Janitor.Schedule != "0 * * * *" {
		t.Errorf("janitor schedule = %q", cfg.Janitor.Schedule)
	}
}

func TestLoadJSON5WithComments(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{
		// supervisor target group
		telegram: { chat_id: -1002233, control_topic_id: 7 },
		orchestrator: { start_port: 5000, pool_size: 10 },
	}`
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Telegram.ChatID != -1002233 {
		t.Errorf("chat_id = %d", cfg.Telegram.ChatID)
	}
	if cfg.Telegram.ControlTopicID != 7 {
		t.Errorf("control_topic_id = %d", cfg.Telegram.ControlTopicID)
	}
	if cfg.Orchestrator.StartPort != 5000 || cfg.Orchestrator.PoolSize != 10 {
		t.Errorf("orchestrator = %+v", cfg.Orchestrator)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("TOPICLAW_TELEGRAM_TOKEN", "123:abc")
	t.Setenv("TOPICLAW_START_PORT", "4500")

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Telegram.Token != "123:abc" {
		t.Errorf("token not taken from env")
	}
	if cfg.Orchestrator.StartPort != 4500 {
		t.Errorf("start port = %d, want 4500", cfg.Orchestrator.StartPort)
	}
}

func TestValidateRejectsBadPortRange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{ orchestrator: { start_port: 65500, pool_size: 100 } }`
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error for port range overflow")
	}
}
