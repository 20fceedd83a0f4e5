package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultMaxActiveTasks      = 2
	DefaultMaxConcurrentChunks = 4
	DefaultChunkSize           = 1 << 20 // 1 MiB
	DefaultTimeoutSeconds      = 30
)

// Config enumerates every engine option. Unknown keys in a config file are an
// error; there is no arbitrary key/value bag.
type Config struct {
	MaxActiveTasks        int               `yaml:"max_active_tasks"`
	MaxConcurrentChunks   int               `yaml:"max_concurrent_chunks"`
	ChunkSize             int64             `yaml:"chunk_size"`
	SpeedLimitBytesPerSec int64             `yaml:"speed_limit_bytes_per_sec"`
	TimeoutSeconds        int               `yaml:"timeout_seconds"`
	ProxyURL              string            `yaml:"proxy_url"`
	UserAgent             string            `yaml:"user_agent"`
	DefaultHeaders        map[string]string `yaml:"default_headers"`
	QueueStatePath        string            `yaml:"queue_state_path"`
}

func Default() Config {
	return Config{
		MaxActiveTasks:      DefaultMaxActiveTasks,
		MaxConcurrentChunks: DefaultMaxConcurrentChunks,
		ChunkSize:           DefaultChunkSize,
		TimeoutSeconds:      DefaultTimeoutSeconds,
	}
}

// Load reads a YAML config file on top of the defaults. Unknown keys are
// rejected so typos surface instead of silently using a default.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("error reading config file: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("error parsing config file %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.MaxActiveTasks < 1 {
		return fmt.Errorf("max_active_tasks must be >= 1, got %d", c.MaxActiveTasks)
	}
	if c.MaxConcurrentChunks < 1 {
		return fmt.Errorf("max_concurrent_chunks must be >= 1, got %d", c.MaxConcurrentChunks)
	}
	if c.ChunkSize < 1 {
		return fmt.Errorf("chunk_size must be >= 1, got %d", c.ChunkSize)
	}
	if c.SpeedLimitBytesPerSec < 0 {
		return fmt.Errorf("speed_limit_bytes_per_sec must be >= 0, got %d", c.SpeedLimitBytesPerSec)
	}
	if c.TimeoutSeconds < 1 {
		return fmt.Errorf("timeout_seconds must be >= 1, got %d", c.TimeoutSeconds)
	}
	return nil
}

func (c *Config) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// StatePath resolves the queue state file location, defaulting to the user
// config directory.
func (c *Config) StatePath() (string, error) {
	if c.QueueStatePath != "" {
		return c.QueueStatePath, nil
	}
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("error resolving config dir: %w", err)
	}
	return filepath.Join(base, "downpour", "queue.json"), nil
}
