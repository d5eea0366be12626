package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Wei-Shaw/codex-switch/internal/domain"
)

func TestLoadDefaultsWhenFileMissing(t *testing.T) {
	cfg, err := LoadFrom(filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, err)
	require.True(t, cfg.CodexMode)
	require.Equal(t, domain.StrategyHybrid, cfg.Strategy)
	require.False(t, cfg.Debug)
	require.Equal(t, "127.0.0.1", cfg.Server.Host)
	require.Equal(t, 8317, cfg.Server.Port)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "codex-switch-config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"codexMode": false,
		"strategy": "round-robin",
		"debug": true,
		"reasoningEffort": "high",
		"models": {"gpt-5.2": {"reasoningEffort": "xhigh"}}
	}`), 0o600))

	cfg, err := LoadFrom(path)
	require.NoError(t, err)
	require.False(t, cfg.CodexMode)
	require.Equal(t, domain.StrategyRoundRobin, cfg.Strategy)
	require.True(t, cfg.Debug)
	require.Equal(t, "high", cfg.ReasoningEffort)
	require.Equal(t, "xhigh", cfg.Models["gpt-5.2"].ReasoningEffort)
}

func TestLoadInvalidStrategy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "codex-switch-config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"strategy": "random"}`), 0o600))

	_, err := LoadFrom(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "invalid strategy")
}

func TestLoadStrategyNormalized(t *testing.T) {
	path := filepath.Join(t.TempDir(), "codex-switch-config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"strategy": " Sticky "}`), 0o600))

	cfg, err := LoadFrom(path)
	require.NoError(t, err)
	require.Equal(t, domain.StrategySticky, cfg.Strategy)
}

func TestEnvOverridesWinOverFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "codex-switch-config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"codexMode": true, "debug": false}`), 0o600))

	t.Setenv(domain.EnvCodexMode, "0")
	t.Setenv(domain.EnvDebug, "1")
	t.Setenv(domain.EnvRequestLogging, "1")

	cfg, err := LoadFrom(path)
	require.NoError(t, err)
	require.False(t, cfg.CodexMode)
	require.True(t, cfg.Debug)
	require.True(t, cfg.RequestLogging)
}

func TestEnvCodexModeForceOn(t *testing.T) {
	path := filepath.Join(t.TempDir(), "codex-switch-config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"codexMode": false}`), 0o600))

	t.Setenv(domain.EnvCodexMode, "1")
	cfg, err := LoadFrom(path)
	require.NoError(t, err)
	require.True(t, cfg.CodexMode)
}

func TestStorageDirResolution(t *testing.T) {
	t.Setenv(domain.EnvConfigDir, "/custom/config")
	require.Equal(t, "/custom/config", StorageDir())

	t.Setenv(domain.EnvConfigDir, "")
	t.Setenv("XDG_CONFIG_HOME", "/xdg")
	require.Equal(t, filepath.Join("/xdg", "opencode"), StorageDir())

	t.Setenv("XDG_CONFIG_HOME", "")
	home, err := os.UserHomeDir()
	require.NoError(t, err)
	require.Equal(t, filepath.Join(home, ".config", "opencode"), StorageDir())
}

func TestStoragePathUsesStorageFileName(t *testing.T) {
	t.Setenv(domain.EnvConfigDir, "/custom")
	require.Equal(t, filepath.Join("/custom", domain.StorageFileName), StoragePath())
}
