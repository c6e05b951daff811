// Package config loads taskpilot settings from an optional YAML file and the
// environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"taskpilot/internal/util"
)

// Config represents the application configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Assistant AssistantConfig `yaml:"assistant"`
	Chat      ChatConfig      `yaml:"chat"`
	Log       LogConfig       `yaml:"log"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Addr      string `yaml:"addr"`
	StaticDir string `yaml:"static_dir"`
}

// StorageConfig points at the sqlite database file.
type StorageConfig struct {
	Path string `yaml:"path"`
}

// AssistantConfig represents Anthropic API configuration.
type AssistantConfig struct {
	APIKey            string `yaml:"api_key"`
	BaseURL           string `yaml:"base_url"`
	Model             string `yaml:"model"`
	MaxTokens         int    `yaml:"max_tokens"`
	TimeoutSeconds    int    `yaml:"timeout_seconds"`
	RetryCount        int    `yaml:"retry_count"`
	RetryDelaySeconds int    `yaml:"retry_delay_seconds"`
}

// ChatConfig tunes the chat engine.
type ChatConfig struct {
	// MatchWindowSeconds bounds how far apart a local message and its stored
	// copy may be timestamped and still be treated as the same message.
	MatchWindowSeconds int `yaml:"match_window_seconds"`
}

// MatchWindow returns the window as a duration.
func (c ChatConfig) MatchWindow() time.Duration {
	return time.Duration(c.MatchWindowSeconds) * time.Second
}

// LogConfig selects the log level: debug, info, warn or error.
type LogConfig struct {
	Level string `yaml:"level"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server:  ServerConfig{Addr: ":8080", StaticDir: "web/dist"},
		Storage: StorageConfig{Path: "data/taskpilot.db"},
		Assistant: AssistantConfig{
			BaseURL:           "https://api.anthropic.com",
			Model:             "claude-3-5-sonnet-latest",
			MaxTokens:         4096,
			TimeoutSeconds:    60,
			RetryCount:        3,
			RetryDelaySeconds: 2,
		},
		Chat: ChatConfig{MatchWindowSeconds: 120},
		Log:  LogConfig{Level: "info"},
	}
}

// Load reads defaults, then the YAML file at path when path is non-empty,
// then environment overrides, and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config file: %w", err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Server.Addr = util.EnvOrDefault("TASKPILOT_ADDR", c.Server.Addr)
	c.Server.StaticDir = util.EnvOrDefault("TASKPILOT_STATIC_DIR", c.Server.StaticDir)
	c.Storage.Path = util.EnvOrDefault("TASKPILOT_DB_PATH", c.Storage.Path)
	c.Log.Level = util.EnvOrDefault("TASKPILOT_LOG_LEVEL", c.Log.Level)
	c.Assistant.APIKey = util.EnvOrDefault("ANTHROPIC_API_KEY", c.Assistant.APIKey)
	c.Assistant.Model = util.EnvOrDefault("TASKPILOT_MODEL", c.Assistant.Model)
	c.Chat.MatchWindowSeconds = util.EnvIntOrDefault("TASKPILOT_MATCH_WINDOW_SECONDS", c.Chat.MatchWindowSeconds)
}

// Validate validates the configuration.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Server.Addr) == "" {
		return errors.New("server address is required")
	}
	if strings.TrimSpace(c.Storage.Path) == "" {
		return errors.New("storage path is required")
	}
	if c.Assistant.TimeoutSeconds <= 0 {
		return errors.New("assistant timeout must be positive")
	}
	if c.Assistant.MaxTokens <= 0 {
		return errors.New("assistant max tokens must be positive")
	}
	if c.Assistant.RetryCount < 1 {
		return errors.New("assistant retry count must be at least 1")
	}
	if c.Chat.MatchWindowSeconds <= 0 {
		return errors.New("chat match window must be positive")
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		return err
	}
	return nil
}

// ParseLevel maps a level name onto slog.
func ParseLevel(name string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", name)
	}
}
