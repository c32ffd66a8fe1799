package hanabot

import (
	"bytes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"log/slog"
	"path/filepath"
	"testing"
	"time"
)

// DefaultTestConfig returns a valid Config with every file path inside
// a temporary directory, and quiet loggers.
func DefaultTestConfig(t testing.TB) *Config {
	t.Helper()
	tmpdir := t.TempDir()
	cfg := DefaultConfig()

	cfg.StartupTimeout = 5 * time.Second
	cfg.ShutdownTimeout = 5 * time.Second
	cfg.OpenAI.Token = "sk-test"
	cfg.OpenAI.RequestTimeout = 5 * time.Second
	cfg.OpenAI.ImageTimeout = 5 * time.Second
	cfg.OpenAI.MaxRequestsPerSecond = 1000
	cfg.Discord.Token = "discord-test-token"
	cfg.Discord.OwnerID = "100"
	cfg.Discord.RequestTimeout = 5 * time.Second
	cfg.Persona.PrePath = filepath.Join(tmpdir, "persona.json")
	cfg.Persona.PostPath = filepath.Join(tmpdir, "persona_post.json")
	cfg.Memory.Dir = filepath.Join(tmpdir, "memories")
	cfg.API.Listen = "127.0.0.1:0"

	logLevel := slog.LevelWarn
	cfg.LogLevel.Set(logLevel)
	cfg.OpenAI.LogLevel.Set(logLevel)
	cfg.Discord.LogLevel.Set(logLevel)
	cfg.Discord.DiscordGoLogLevel.Set(logLevel)
	cfg.API.LogLevel.Set(logLevel)

	return cfg
}

func TestDefaultConfig_Valid(t *testing.T) {
	cfg := DefaultTestConfig(t)
	require.NoError(t, structValidator.Struct(cfg))
}

func TestConfig_Invalid(t *testing.T) {
	testCases := []struct {
		name   string
		modify func(cfg *Config)
	}{
		{
			name: "missing discord token",
			modify: func(cfg *Config) {
				cfg.Discord.Token = ""
			},
		},
		{
			name: "trigger max below min",
			modify: func(cfg *Config) {
				cfg.State.TriggerMin = 10
				cfg.State.TriggerMax = 9
			},
		},
		{
			name: "zero history",
			modify: func(cfg *Config) {
				cfg.State.MaxHistoryLength = 0
			},
		},
		{
			name: "bad base url",
			modify: func(cfg *Config) {
				cfg.OpenAI.BaseURL = "not a url"
			},
		},
		{
			name: "temperature out of range",
			modify: func(cfg *Config) {
				cfg.OpenAI.Temperature = 3
			},
		},
		{
			name: "bad listen network",
			modify: func(cfg *Config) {
				cfg.API.ListenNetwork = "udp"
			},
		},
		{
			name: "missing memory dir",
			modify: func(cfg *Config) {
				cfg.Memory.Dir = ""
			},
		},
	}

	for _, tc := range testCases {
		t.Run(
			tc.name, func(t *testing.T) {
				cfg := DefaultTestConfig(t)
				tc.modify(cfg)
				assert.Error(t, structValidator.Struct(cfg))
			},
		)
	}
}

func TestConfig_OpenAITokenOptional(t *testing.T) {
	cfg := DefaultTestConfig(t)
	cfg.OpenAI.Token = ""
	assert.NoError(t, structValidator.Struct(cfg))
}

func TestConfig_LogValueRedactsTokens(t *testing.T) {
	cfg := DefaultTestConfig(t)
	buf := &bytes.Buffer{}
	logger := slog.New(slog.NewJSONHandler(buf, nil))
	logger.Info("config", "config", cfg)

	out := buf.String()
	assert.NotContains(t, out, cfg.Discord.Token)
	assert.NotContains(t, out, cfg.OpenAI.Token)
	assert.Contains(t, out, "[redacted]")
	assert.Contains(t, out, cfg.OpenAI.Model)
}
