// Package config provides configuration loading, defaults, and validation.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/Wei-Shaw/codex-switch/internal/domain"
)

// ModelOverride carries per-model reasoning and verbosity settings. They sit
// between body-level overrides and the global defaults in the resolution
// order.
type ModelOverride struct {
	ReasoningEffort  string `mapstructure:"reasoningEffort" json:"reasoningEffort,omitempty"`
	ReasoningSummary string `mapstructure:"reasoningSummary" json:"reasoningSummary,omitempty"`
	TextVerbosity    string `mapstructure:"textVerbosity" json:"textVerbosity,omitempty"`
}

type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

type Config struct {
	CodexMode bool   `mapstructure:"codexMode"`
	Strategy  string `mapstructure:"strategy"`
	Debug     bool   `mapstructure:"debug"`

	// RequestLogging enables per-request JSON dumps under
	// ~/.opencode/logs/codex-auto-switch/.
	RequestLogging bool `mapstructure:"requestLogging"`

	// ProxyURL routes upstream and token-endpoint traffic through a proxy
	// (http/https/socks5/socks5h).
	ProxyURL string `mapstructure:"proxyUrl"`

	// Global reasoning/verbosity defaults, overridable per model and per
	// request body.
	ReasoningEffort  string                   `mapstructure:"reasoningEffort"`
	ReasoningSummary string                   `mapstructure:"reasoningSummary"`
	TextVerbosity    string                   `mapstructure:"textVerbosity"`
	Include          []string                 `mapstructure:"include"`
	Models           map[string]ModelOverride `mapstructure:"models"`

	Server ServerConfig `mapstructure:"server"`
}

func defaults() *Config {
	return &Config{
		CodexMode: true,
		Strategy:  domain.StrategyHybrid,
		Debug:     false,
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8317,
		},
	}
}

// Load reads <home>/.opencode/codex-switch-config.json if present and applies
// environment overrides. A missing config file is not an error.
func Load() (*Config, error) {
	return LoadFrom(defaultConfigPath())
}

// LoadFrom reads the given config file path. Environment variables win over
// file values, which win over defaults.
func LoadFrom(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		v := viper.New()
		v.SetConfigFile(path)
		v.SetConfigType("json")
		if err := v.ReadInConfig(); err != nil {
			if !os.IsNotExist(err) {
				if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
					return nil, fmt.Errorf("read config %s: %w", path, err)
				}
			}
		} else if err := v.Unmarshal(cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	cfg.Strategy = strings.ToLower(strings.TrimSpace(cfg.Strategy))
	switch cfg.Strategy {
	case domain.StrategySticky, domain.StrategyRoundRobin, domain.StrategyHybrid:
	case "":
		cfg.Strategy = domain.StrategyHybrid
	default:
		return nil, fmt.Errorf("invalid strategy: %q", cfg.Strategy)
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	switch os.Getenv(domain.EnvCodexMode) {
	case "1":
		cfg.CodexMode = true
	case "0":
		cfg.CodexMode = false
	}
	if os.Getenv(domain.EnvDebug) == "1" {
		cfg.Debug = true
	}
	if os.Getenv(domain.EnvRequestLogging) == "1" {
		cfg.RequestLogging = true
	}
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".opencode", domain.ConfigFileName)
}

// StorageDir resolves the directory holding the account storage file:
// $OPENCODE_CONFIG_DIR, else $XDG_CONFIG_HOME/opencode, else
// ~/.config/opencode.
func StorageDir() string {
	if dir := strings.TrimSpace(os.Getenv(domain.EnvConfigDir)); dir != "" {
		return dir
	}
	if xdg := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME")); xdg != "" {
		return filepath.Join(xdg, "opencode")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "opencode")
	}
	return filepath.Join(home, ".config", "opencode")
}

// StoragePath is the full path of the account storage file.
func StoragePath() string {
	return filepath.Join(StorageDir(), domain.StorageFileName)
}

// RequestLogDir is where per-request JSON dumps are written.
func RequestLogDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "codex-auto-switch")
	}
	return filepath.Join(home, ".opencode", "logs", "codex-auto-switch")
}
