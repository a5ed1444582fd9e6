package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.wahist/config.toml.
type Config struct {
	DefaultAccount string     `toml:"default_account"`
	Listen         string     `toml:"listen"`
	Sync           SyncConfig `toml:"sync"`
}

// SyncConfig holds the tunables of the history sync engine. The defaults
// mirror WhatsApp's observed throttling behavior: batches of 50, 3s pacing,
// three retry attempts, 30s to wait for an on-demand delivery.
type SyncConfig struct {
	BatchSize       int `toml:"batch_size"`
	BaseDelayMS     int `toml:"base_delay_ms"`
	MaxAttempts     int `toml:"max_attempts"`
	FetchTimeoutMS  int `toml:"fetch_timeout_ms"`
	CheckpointEvery int `toml:"checkpoint_every"`
	MaxMessagesCap  int `toml:"max_messages_cap"`
}

// Default returns a config with all defaults applied.
func Default() *Config {
	return &Config{
		Listen: "127.0.0.1:8418",
		Sync: SyncConfig{
			BatchSize:       50,
			BaseDelayMS:     3000,
			MaxAttempts:     3,
			FetchTimeoutMS:  30000,
			CheckpointEvery: 100,
			MaxMessagesCap:  10000,
		},
	}
}

// Load reads config from the given path. Returns an error if the file is
// missing or malformed; missing fields fall back to defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault reads config from path, returning defaults if it does not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if os.IsNotExist(err) {
		return Default(), nil
	}
	return cfg, err
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

// BaseDelay returns the inter-batch and backoff base delay.
func (s SyncConfig) BaseDelay() time.Duration {
	return time.Duration(s.BaseDelayMS) * time.Millisecond
}

// FetchTimeout returns how long to wait for an on-demand history delivery.
func (s SyncConfig) FetchTimeout() time.Duration {
	return time.Duration(s.FetchTimeoutMS) * time.Millisecond
}

func (c *Config) validate() error {
	s := c.Sync
	if s.BatchSize < 1 || s.BatchSize > 50 {
		return fmt.Errorf("sync.batch_size must be in [1, 50], got %d", s.BatchSize)
	}
	if s.MaxAttempts < 1 {
		return fmt.Errorf("sync.max_attempts must be >= 1, got %d", s.MaxAttempts)
	}
	if s.BaseDelayMS < 0 || s.FetchTimeoutMS <= 0 {
		return fmt.Errorf("sync delays must be positive")
	}
	if s.CheckpointEvery < 1 {
		return fmt.Errorf("sync.checkpoint_every must be >= 1, got %d", s.CheckpointEvery)
	}
	return nil
}
