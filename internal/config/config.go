// Package config loads and validates the TopiClaw configuration.
// Config is read from a JSON5 file and overlaid with TOPICLAW_* env vars.
// Secrets (Telegram token, registration API key) are env-only and never
// written back to the config file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/titanous/json5"
)

// Config is the root configuration for the TopiClaw supervisor.
type Config struct {
	Telegram     TelegramConfig     `json:"telegram"`
	Orchestrator OrchestratorConfig `json:"orchestrator"`
	Stores       StoresConfig       `json:"stores,omitempty"`
	Registration RegistrationConfig `json:"registration,omitempty"`
	Janitor      JanitorConfig      `json:"janitor,omitempty"`
}

// TelegramConfig configures the chat surface.
type TelegramConfig struct {
	Token            string   `json:"-"`                   // from env TOPICLAW_TELEGRAM_TOKEN only
	ChatID           int64    `json:"chat_id"`             // the forum supergroup the supervisor manages
	ControlTopicID   int      `json:"control_topic_id"`    // topic where control commands are accepted (0 = General)
	Operators        []string `json:"operators,omitempty"` // allowed user IDs or "id|username" pairs
	StreamingDefault bool     `json:"streaming_default,omitempty"`
	Proxy            string   `json:"proxy,omitempty"`
}

// OrchestratorConfig configures managed OpenCode instances.
type OrchestratorConfig struct {
	Binary              string            `json:"binary,omitempty"`       // agent binary (default "opencode")
	ProjectBase         string            `json:"project_base,omitempty"` // base directory for /new and /projects
	StartPort           int               `json:"start_port,omitempty"`
	PoolSize            int               `json:"pool_size,omitempty"`
	MaxInstances        int               `json:"max_instances,omitempty"`
	StartupTimeoutMs    int               `json:"startup_timeout_ms,omitempty"`
	HealthCheckInterval int               `json:"health_check_interval_ms,omitempty"`
	IdleTimeoutMs       int               `json:"idle_timeout_ms,omitempty"`
	RestartDelayMs      int               `json:"restart_delay_ms,omitempty"`
	MaxRestartAttempts  int               `json:"max_restart_attempts,omitempty"`
	Env                 map[string]string `json:"env,omitempty"` // extra env for spawned agents
}

// StoresConfig locates the two SQLite stores.
type StoresConfig struct {
	StateDB  string `json:"state_db,omitempty"`
	TopicsDB string `json:"topics_db,omitempty"`
}

// RegistrationConfig configures the external-agent registration HTTP API.
type RegistrationConfig struct {
	Enabled    bool   `json:"enabled,omitempty"`
	ListenAddr string `json:"listen_addr,omitempty"`
	APIKey     string `json:"-"` // from env TOPICLAW_REGISTRATION_KEY only
}

// JanitorConfig configures stale-mapping cleanup.
type JanitorConfig struct {
	Schedule      string `json:"schedule,omitempty"`        // cron expression (default hourly)
	IdleHorizonMs int64  `json:"idle_horizon_ms,omitempty"` // mappings idle longer than this are closed
}

// Default returns a config with sensible defaults applied.
func Default() *Config {
	home, _ := os.UserHomeDir()
	dataDir := filepath.Join(home, ".topiclaw")
	return &Config{
		Telegram: TelegramConfig{
			StreamingDefault: false,
		},
		Orchestrator: OrchestratorConfig{
			Binary:              "opencode",
			ProjectBase:         filepath.Join(home, "projects"),
			StartPort:           4100,
			PoolSize:            50,
			MaxInstances:        10,
			StartupTimeoutMs:    60_000,
			HealthCheckInterval: 30_000,
			IdleTimeoutMs:       int(30 * time.Minute / time.Millisecond),
			RestartDelayMs:      2_000,
			MaxRestartAttempts:  3,
		},
		Stores: StoresConfig{
			StateDB:  filepath.Join(dataDir, "state.db"),
			TopicsDB: filepath.Join(dataDir, "topics.db"),
		},
		Registration: RegistrationConfig{
			Enabled:    true,
			ListenAddr: "127.0.0.1:8765",
		},
		Janitor: JanitorConfig{
			Schedule:      "0 * * * *",
			IdleHorizonMs: int64(7 * 24 * time.Hour / time.Millisecond),
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars.
// A missing file is not an error: defaults plus env apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, cfg.validate()
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, cfg.validate()
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envStr("TOPICLAW_TELEGRAM_TOKEN", &c.Telegram.Token)
	envStr("TOPICLAW_REGISTRATION_KEY", &c.Registration.APIKey)
	envStr("TOPICLAW_OPENCODE_BINARY", &c.Orchestrator.Binary)
	envStr("TOPICLAW_PROJECT_BASE", &c.Orchestrator.ProjectBase)
	envStr("TOPICLAW_STATE_DB", &c.Stores.StateDB)
	envStr("TOPICLAW_TOPICS_DB", &c.Stores.TopicsDB)
	envStr("TOPICLAW_REGISTRATION_ADDR", &c.Registration.ListenAddr)

	if v := os.Getenv("TOPICLAW_CHAT_ID"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Telegram.ChatID = id
		}
	}
	if v := os.Getenv("TOPICLAW_START_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.Orchestrator.StartPort = p
		}
	}
}

func (c *Config) validate() error {
	o := &c.Orchestrator
	if o.StartPort <= 0 || o.StartPort > 65535 {
		return fmt.Errorf("invalid start_port %d", o.StartPort)
	}
	if o.PoolSize <= 0 {
		return fmt.Errorf("invalid pool_size %d", o.PoolSize)
	}
	if o.StartPort+o.PoolSize > 65536 {
		return fmt.Errorf("port range %d..%d exceeds 65535", o.StartPort, o.StartPort+o.PoolSize-1)
	}
	if o.MaxRestartAttempts < 0 {
		return fmt.Errorf("invalid max_restart_attempts %d", o.MaxRestartAttempts)
	}
	return nil
}

// StartupTimeout returns the instance startup timeout as a duration.
func (c *OrchestratorConfig) StartupTimeout() time.Duration {
	return time.Duration(c.StartupTimeoutMs) * time.Millisecond
}

// HealthInterval returns the periodic health poll interval.
func (c *OrchestratorConfig) HealthInterval() time.Duration {
	return time.Duration(c.HealthCheckInterval) * time.Millisecond
}

// IdleTimeout returns the idle watchdog duration.
func (c *OrchestratorConfig) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutMs) * time.Millisecond
}

// RestartDelay returns the base restart backoff step.
func (c *OrchestratorConfig) RestartDelay() time.Duration {
	return time.Duration(c.RestartDelayMs) * time.Millisecond
}
