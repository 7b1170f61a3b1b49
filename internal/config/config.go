package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML configs can use values like
// "5m" or "30s" instead of nanosecond integers.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

type Config struct {
	Coordinator CoordinatorConfig `yaml:"coordinator"`
	Store       StoreConfig       `yaml:"store"`
	Vault       VaultConfig       `yaml:"vault"`
	NATS        NATSConfig        `yaml:"nats"`
	Web         WebConfig         `yaml:"web"`
	Telegram    TelegramConfig    `yaml:"telegram"`
}

type CoordinatorConfig struct {
	// LockTTL is the lease lifetime granted on every lock request.
	LockTTL Duration `yaml:"lock_ttl"`
	// HeartbeatInterval is how often agents are expected to report in.
	// Agents silent for 3x this interval are marked offline.
	HeartbeatInterval Duration `yaml:"heartbeat_interval"`
	// LivenessInterval is the cadence of the offline-marking sweep.
	LivenessInterval Duration `yaml:"liveness_interval"`
	// OfflineGrace auto-unregisters agents offline for longer than this.
	// Zero disables auto-unregistration.
	OfflineGrace Duration `yaml:"offline_grace"`
	// SweepInterval is the cadence of the expired-lock sweep.
	SweepInterval Duration `yaml:"sweep_interval"`
	// PollInterval is the cadence of tracked-resource change polling.
	PollInterval Duration `yaml:"poll_interval"`
	// CoordinationTimeout bounds waits for coordination responses.
	CoordinationTimeout Duration `yaml:"coordination_timeout"`
	// Resume restores the last persisted snapshot on startup.
	Resume bool `yaml:"resume"`
	// Workspace is the directory tracked resource paths resolve under.
	Workspace string `yaml:"workspace"`
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

type VaultConfig struct {
	// Passphrase enables encrypted state snapshots when non-empty.
	Passphrase string `yaml:"passphrase"`
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

type TelegramConfig struct {
	Token  string `yaml:"token"`
	ChatID int64  `yaml:"chat_id"`
}

func defaults() Config {
	return Config{
		Coordinator: CoordinatorConfig{
			LockTTL:             Duration(5 * time.Minute),
			HeartbeatInterval:   Duration(30 * time.Second),
			LivenessInterval:    Duration(30 * time.Second),
			SweepInterval:       Duration(30 * time.Second),
			PollInterval:        Duration(time.Second),
			CoordinationTimeout: Duration(10 * time.Second),
			Resume:              true,
			Workspace:           ".",
		},
		Store: StoreConfig{
			Path: "data/foreman.db",
		},
		NATS: NATSConfig{
			Port:    4222,
			DataDir: "data/nats",
		},
		Web: WebConfig{
			Enabled: true,
			Port:    8080,
		},
	}
}

func Load() (*Config, error) {
	cfg := defaults()

	path := os.Getenv("FOREMAN_CONFIG")
	if path == "" {
		path = "config/foreman.yaml"
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

	// Environment variable overrides
	applyEnv(&cfg)

	return &cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("FOREMAN_LOCK_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Coordinator.LockTTL = Duration(d)
		}
	}
	if v := os.Getenv("FOREMAN_HEARTBEAT_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Coordinator.HeartbeatInterval = Duration(d)
		}
	}
	if v := os.Getenv("FOREMAN_WORKSPACE"); v != "" {
		cfg.Coordinator.Workspace = v
	}
	if v := os.Getenv("FOREMAN_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("FOREMAN_VAULT_PASSPHRASE"); v != "" {
		cfg.Vault.Passphrase = v
	}
	if v := os.Getenv("FOREMAN_NATS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.NATS.Port = port
		}
	}
	if v := os.Getenv("FOREMAN_WEB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Web.Port = port
		}
	}
	if v := os.Getenv("FOREMAN_WEB_PASSWORD"); v != "" {
		cfg.Web.Auth = v
	}
	if v := os.Getenv("FOREMAN_TELEGRAM_TOKEN"); v != "" {
		cfg.Telegram.Token = v
	}
	if v := os.Getenv("FOREMAN_TELEGRAM_CHAT_ID"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Telegram.ChatID = id
		}
	}
}
