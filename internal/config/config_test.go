package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/voicecore/internal/interrupt"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "voicecore.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 30*time.Minute, cfg.Session.InactivityTimeout)
	assert.Equal(t, 10*time.Second, cfg.Interruption.SilenceTimeout)
	assert.Equal(t, CacheMemory, cfg.Cache.Backend)
	assert.Equal(t, 15*time.Second, cfg.Pipeline.Timeout)
	assert.InDelta(t, 0.1, cfg.Commands.ExpectedBoost, 1e-9)
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
session:
  inactivity_timeout: 45m
commands:
  expected_boost: 0.15
interruption:
  silence_timeout: 5s
  stop_terms: [halt, stop]
recovery:
  base_delay: 100ms
  max_delay: 2s
cache:
  backend: none
logging:
  level: debug
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 45*time.Minute, cfg.Session.InactivityTimeout)
	assert.Equal(t, time.Minute, cfg.Session.SweepInterval, "unset keys keep defaults")
	assert.InDelta(t, 0.15, cfg.Commands.ExpectedBoost, 1e-9)
	assert.Equal(t, 5*time.Second, cfg.Interruption.SilenceTimeout)
	assert.Equal(t, []string{"halt", "stop"}, cfg.Interruption.StopTerms)
	assert.Equal(t, 100*time.Millisecond, cfg.Recovery.BaseDelay)
	assert.Equal(t, CacheNone, cfg.Cache.Backend)
	assert.Equal(t, "debug", string(cfg.Logging.Level))
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "session:\n  inactivity_timeout: 45m\n")
	t.Setenv("VOICECORE_SESSION_INACTIVITY_TIMEOUT", "5m")
	t.Setenv("VOICECORE_CACHE_SIZE", "12")
	t.Setenv("VOICECORE_PIPELINE_TIMEOUT", "3s")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Minute, cfg.Session.InactivityTimeout)
	assert.Equal(t, 12, cfg.Cache.Size)
	assert.Equal(t, 3*time.Second, cfg.Pipeline.Timeout)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadRejectsInvalid(t *testing.T) {
	path := writeConfig(t, "interruption:\n  speech_confidence: 1.5\n")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "interruption.speech_confidence")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"zero inactivity", func(c *Config) { c.Session.InactivityTimeout = 0 }, "session.inactivity_timeout"},
		{"keyword cap above one", func(c *Config) { c.Commands.KeywordCap = 1.2 }, "commands.keyword_cap"},
		{"negative penalty", func(c *Config) { c.Commands.NonsensePenalty = -0.1 }, "commands.nonsense_penalty"},
		{"max below base", func(c *Config) { c.Recovery.MaxDelay = time.Millisecond }, "recovery.max_delay"},
		{"zero pipeline timeout", func(c *Config) { c.Pipeline.Timeout = 0 }, "pipeline.timeout"},
		{"unknown backend", func(c *Config) { c.Cache.Backend = "disk" }, "cache.backend"},
		{"redis without addr", func(c *Config) {
			c.Cache.Backend = CacheRedis
			c.Redis.Addr = ""
		}, "redis.addr"},
		{"stream without addr", func(c *Config) {
			c.Recovery.Stream = "voicecore:recovery"
			c.Redis.Addr = ""
		}, "redis.addr"},
		{"bad log level", func(c *Config) { c.Logging.Level = "chatty" }, "logging.level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestComponentConfigs(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Interruption.SilenceTimeout = 3 * time.Second
	cfg.Commands.NonsensePenalty = 0.3
	cfg.Recovery.BaseDelay = 50 * time.Millisecond

	det := cfg.DetectorConfig()
	assert.Equal(t, 3*time.Second, det.SilenceTimeout)
	assert.Equal(t, interrupt.DefaultStopTerms, det.StopTerms)

	assert.InDelta(t, 0.3, cfg.RecognizerConfig().NonsensePenalty, 1e-9)
	assert.Equal(t, 50*time.Millisecond, cfg.EngineConfig().BaseDelay)
}
