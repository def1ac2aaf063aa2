package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Telegram     TelegramConfig     `yaml:"telegram"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Pool         PoolConfig         `yaml:"pool"`
	Tasks        TasksConfig        `yaml:"tasks"`
	Outbox       OutboxConfig       `yaml:"outbox"`
	Store        StoreConfig        `yaml:"store"`
	State        StateConfig        `yaml:"state"`
	NATS         NATSConfig         `yaml:"nats"`
	Web          WebConfig          `yaml:"web"`
	Scheduler    SchedulerConfig    `yaml:"scheduler"`
	Vault        VaultConfig        `yaml:"vault"`
	Sandbox      SandboxConfig      `yaml:"sandbox"`
}

type TelegramConfig struct {
	Token     string  `yaml:"token"`
	AllowFrom []int64 `yaml:"allow_from"`
}

// KindConfig describes one orchestrator backend: the external agent CLI
// that executes prompts. Protocol selects the spawn strategy.
type KindConfig struct {
	Command  string        `yaml:"command"`
	Protocol string        `yaml:"protocol"` // "claude", "codex" or "sandbox"
	Model    string        `yaml:"model"`
	Timeout  time.Duration `yaml:"timeout"`
}

type OrchestratorConfig struct {
	DefaultKind    string                `yaml:"default_kind"`
	Kinds          map[string]KindConfig `yaml:"kinds"`
	MaxReplyLen    int                   `yaml:"max_reply_len"`
	SystemPreamble string                `yaml:"system_preamble"`
}

type PoolConfig struct {
	MaxSessions   int           `yaml:"max_sessions"`
	IdleTimeout   time.Duration `yaml:"idle_timeout"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

type TasksConfig struct {
	MaxPerOwner int           `yaml:"max_per_owner"`
	Timeout     time.Duration `yaml:"timeout"`
}

type OutboxConfig struct {
	Dir          string        `yaml:"dir"`
	PollInterval time.Duration `yaml:"poll_interval"`
	MaxRetries   int           `yaml:"max_retries"`
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

// StateConfig points at the durable file-backed state: the terminal
// registry and the per-kind resume token maps.
type StateConfig struct {
	Dir      string `yaml:"dir"`
	MediaDir string `yaml:"media_dir"`
}

type NATSConfig struct {
	Port    int    `yaml:"port"`
	DataDir string `yaml:"data_dir"`
}

type WebConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Auth    string `yaml:"auth"`
}

type SchedulerConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
}

type VaultConfig struct {
	Passphrase string `yaml:"passphrase"`
	Path       string `yaml:"path"`
}

type SandboxConfig struct {
	Image       string `yaml:"image"`
	Workspace   string `yaml:"workspace"`
	NetworkName string `yaml:"network"`
}

func defaults() Config {
	return Config{
		Orchestrator: OrchestratorConfig{
			DefaultKind: "claude",
			Kinds: map[string]KindConfig{
				"claude": {Command: "claude", Protocol: "claude", Timeout: 5 * time.Minute},
				"codex":  {Command: "codex", Protocol: "codex", Timeout: 5 * time.Minute},
				"warden": {Command: "claude", Protocol: "sandbox", Timeout: 5 * time.Minute},
			},
			MaxReplyLen: 20000,
		},
		Pool: PoolConfig{
			MaxSessions:   5,
			IdleTimeout:   30 * time.Minute,
			SweepInterval: time.Minute,
		},
		Tasks: TasksConfig{
			MaxPerOwner: 3,
			Timeout:     30 * time.Minute,
		},
		Outbox: OutboxConfig{
			Dir:          "data/outbox",
			PollInterval: 2 * time.Second,
			MaxRetries:   3,
		},
		Store: StoreConfig{
			Path: "data/angelia.db",
		},
		State: StateConfig{
			Dir:      "data/state",
			MediaDir: "data/media",
		},
		NATS: NATSConfig{
			Port:    4222,
			DataDir: "data/nats",
		},
		Web: WebConfig{
			Enabled: true,
			Port:    8080,
		},
		Scheduler: SchedulerConfig{
			PollInterval: 30 * time.Second,
		},
		Vault: VaultConfig{
			Path: "data/secrets.json",
		},
		Sandbox: SandboxConfig{
			Image:     "angelia-agent:latest",
			Workspace: "data/workspace",
		},
	}
}

func Load() (*Config, error) {
	cfg := defaults()

	path := os.Getenv("ANGELIA_CONFIG")
	if path == "" {
		path = "config/angelia.yaml"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// Config file not found, use defaults + env
	} else {
		// Expand environment variables in YAML
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("ANGELIA_TELEGRAM_TOKEN"); v != "" {
		cfg.Telegram.Token = v
	}
	if v := os.Getenv("ANGELIA_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("ANGELIA_STATE_DIR"); v != "" {
		cfg.State.Dir = v
	}
	if v := os.Getenv("ANGELIA_OUTBOX_DIR"); v != "" {
		cfg.Outbox.Dir = v
	}
	if v := os.Getenv("ANGELIA_WEB_PASSWORD"); v != "" {
		cfg.Web.Auth = v
	}
	if v := os.Getenv("ANGELIA_WEB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Web.Port = port
		}
	}
	if v := os.Getenv("ANGELIA_NATS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.NATS.Port = port
		}
	}
	if v := os.Getenv("ANGELIA_VAULT_PASSPHRASE"); v != "" {
		cfg.Vault.Passphrase = v
	}
}

func validate(cfg *Config) error {
	if cfg.Orchestrator.DefaultKind == "" {
		return fmt.Errorf("orchestrator.default_kind is required")
	}
	if _, ok := cfg.Orchestrator.Kinds[cfg.Orchestrator.DefaultKind]; !ok {
		return fmt.Errorf("orchestrator.default_kind %q not in kinds", cfg.Orchestrator.DefaultKind)
	}
	if cfg.Pool.MaxSessions <= 0 {
		return fmt.Errorf("pool.max_sessions must be positive")
	}
	if cfg.Outbox.MaxRetries <= 0 {
		return fmt.Errorf("outbox.max_retries must be positive")
	}
	return nil
}
