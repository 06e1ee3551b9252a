package config

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
)

// Config represents the global ~/.drift/config.toml. Environment variables
// with the DRIFT_ prefix override file values.
type Config struct {
	DefaultSession string `toml:"default_session" env:"DRIFT_DEFAULT_SESSION"`
	UserID         string `toml:"user_id" env:"DRIFT_USER_ID"`
	ServerURL      string `toml:"server_url" env:"DRIFT_SERVER_URL"`
	WebsocketURL   string `toml:"websocket_url" env:"DRIFT_WEBSOCKET_URL"`

	Sync      Sync      `toml:"sync" envPrefix:"DRIFT_SYNC_"`
	Transport Transport `toml:"transport" envPrefix:"DRIFT_TRANSPORT_"`
}

// Sync tunes the coordinator and its queues.
type Sync struct {
	PullIntervalSeconds int `toml:"pull_interval_seconds" env:"PULL_INTERVAL_SECONDS"`
	RetentionDays       int `toml:"retention_days" env:"RETENTION_DAYS"`
	Concurrency         int `toml:"concurrency" env:"CONCURRENCY"`
	RetryAttempts       int `toml:"retry_attempts" env:"RETRY_ATTEMPTS"`
	TaskTimeoutSeconds  int `toml:"task_timeout_seconds" env:"TASK_TIMEOUT_SECONDS"`
}

// Transport tunes the websocket connection.
type Transport struct {
	ReconnectDelaySeconds int `toml:"reconnect_delay_seconds" env:"RECONNECT_DELAY_SECONDS"`
	MaxReconnectAttempts  int `toml:"max_reconnect_attempts" env:"MAX_RECONNECT_ATTEMPTS"`
	HeartbeatSeconds      int `toml:"heartbeat_seconds" env:"HEARTBEAT_SECONDS"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		UserID:       "local",
		ServerURL:    "http://localhost:8080",
		WebsocketURL: "ws://localhost:8080/ws",
		Sync: Sync{
			PullIntervalSeconds: 30,
			RetentionDays:       30,
			Concurrency:         3,
			RetryAttempts:       3,
			TaskTimeoutSeconds:  30,
		},
		Transport: Transport{
			ReconnectDelaySeconds: 3,
			MaxReconnectAttempts:  10,
			HeartbeatSeconds:      30,
		},
	}
}

// Load reads config from the given path and applies environment overrides.
// Returns an error if the file is missing.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault reads config from the given path, falling back to defaults
// (still honoring environment overrides) when the file does not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if err == nil {
		return cfg, nil
	}
	if !os.IsNotExist(err) {
		return nil, err
	}
	cfg = Default()
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
