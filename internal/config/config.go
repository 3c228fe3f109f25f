// Package config provides configuration management for the voice core.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/normanking/voicecore/internal/command"
	"github.com/normanking/voicecore/internal/interrupt"
	"github.com/normanking/voicecore/internal/logging"
	"github.com/normanking/voicecore/internal/recovery"
)

// EnvPrefix prefixes every environment override, e.g.
// VOICECORE_SESSION_INACTIVITY_TIMEOUT=45m.
const EnvPrefix = "VOICECORE"

// Cache backends.
const (
	CacheMemory = "memory"
	CacheRedis  = "redis"
	CacheNone   = "none"
)

// Config holds all voice core configuration
type Config struct {
	Session      SessionConfig      `mapstructure:"session"`
	Commands     CommandsConfig     `mapstructure:"commands"`
	Interruption InterruptionConfig `mapstructure:"interruption"`
	Recovery     RecoveryConfig     `mapstructure:"recovery"`
	Pipeline     PipelineConfig     `mapstructure:"pipeline"`
	Cache        CacheConfig        `mapstructure:"cache"`
	Redis        RedisConfig        `mapstructure:"redis"`
	Messages     MessagesConfig     `mapstructure:"messages"`
	Logging      logging.Config     `mapstructure:"logging"`
	Metrics      MetricsConfig      `mapstructure:"metrics"`
}

// SessionConfig configures session lifetime and the background sweeps
type SessionConfig struct {
	InactivityTimeout   time.Duration `mapstructure:"inactivity_timeout"`
	SweepInterval       time.Duration `mapstructure:"sweep_interval"`
	SilencePollInterval time.Duration `mapstructure:"silence_poll_interval"`
	DefaultLanguage     string        `mapstructure:"default_language"`
}

// CommandsConfig configures command recognition
type CommandsConfig struct {
	PatternsFile         string  `mapstructure:"patterns_file"` // yaml pattern table replacing the built-in one
	ExpressionConfidence float64 `mapstructure:"expression_confidence"`
	KeywordCap           float64 `mapstructure:"keyword_cap"`
	ExpectedBoost        float64 `mapstructure:"expected_boost"`
	NonsensePenalty      float64 `mapstructure:"nonsense_penalty"`
}

// InterruptionConfig configures interruption detection
type InterruptionConfig struct {
	SilenceTimeout         time.Duration `mapstructure:"silence_timeout"`
	SpeechConfidence       float64       `mapstructure:"speech_confidence"`
	SilenceConfidence      float64       `mapstructure:"silence_confidence"`
	NoiseConfidence        float64       `mapstructure:"noise_confidence"`
	NotificationConfidence float64       `mapstructure:"notification_confidence"`
	StopTerms              []string      `mapstructure:"stop_terms"`
	ClarificationTerms     []string      `mapstructure:"clarification_terms"`
}

// RecoveryConfig configures the recovery engine
type RecoveryConfig struct {
	PolicyFile   string        `mapstructure:"policy_file"` // yaml overrides of the built-in policy
	BaseDelay    time.Duration `mapstructure:"base_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay"`
	ProbeTimeout time.Duration `mapstructure:"probe_timeout"`
	SinkTimeout  time.Duration `mapstructure:"sink_timeout"`
	Stream       string        `mapstructure:"stream"` // Redis stream for recovery events; empty disables
	StreamMaxLen int64         `mapstructure:"stream_max_len"`
}

// PipelineConfig configures speech pipeline calls and connectivity checks
type PipelineConfig struct {
	Timeout      time.Duration `mapstructure:"timeout"`       // bound on one recognizer or synthesizer call
	ProbeTargets []string      `mapstructure:"probe_targets"` // host:port pairs dialed to test the network
	ProbeURL     string        `mapstructure:"probe_url"`     // HTTP health URL, used instead of targets when set
	ProbeTimeout time.Duration `mapstructure:"probe_timeout"`
}

// CacheConfig configures the synthesized response cache
type CacheConfig struct {
	Backend       string        `mapstructure:"backend"` // memory, redis, none
	Size          int           `mapstructure:"size"`
	TTL           time.Duration `mapstructure:"ttl"`
	MaxEntryBytes int           `mapstructure:"max_entry_bytes"`
}

// RedisConfig configures the Redis connection
type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// MessagesConfig configures user-facing text
type MessagesConfig struct {
	CatalogFile string `mapstructure:"catalog_file"`
}

// MetricsConfig configures the Prometheus endpoint
type MetricsConfig struct {
	Addr string `mapstructure:"addr"` // empty disables the endpoint
}

// DefaultConfig returns sensible default configuration
func DefaultConfig() *Config {
	rec := command.DefaultRecognizerConfig()
	det := interrupt.DefaultConfig()
	eng := recovery.DefaultConfig()
	return &Config{
		Session: SessionConfig{
			InactivityTimeout:   30 * time.Minute,
			SweepInterval:       time.Minute,
			SilencePollInterval: time.Second,
			DefaultLanguage:     "en",
		},
		Commands: CommandsConfig{
			ExpressionConfidence: rec.ExpressionConfidence,
			KeywordCap:           rec.KeywordCap,
			ExpectedBoost:        rec.ExpectedBoost,
			NonsensePenalty:      rec.NonsensePenalty,
		},
		Interruption: InterruptionConfig{
			SilenceTimeout:         det.SilenceTimeout,
			SpeechConfidence:       det.SpeechConfidence,
			SilenceConfidence:      det.SilenceConfidence,
			NoiseConfidence:        det.NoiseConfidence,
			NotificationConfidence: det.NotificationConfidence,
			StopTerms:              det.StopTerms,
			ClarificationTerms:     det.ClarificationTerms,
		},
		Recovery: RecoveryConfig{
			BaseDelay:    eng.BaseDelay,
			MaxDelay:     eng.MaxDelay,
			ProbeTimeout: eng.ProbeTimeout,
			SinkTimeout:  eng.SinkTimeout,
			StreamMaxLen: 10000,
		},
		Pipeline: PipelineConfig{
			Timeout:      15 * time.Second,
			ProbeTimeout: 2 * time.Second,
		},
		Cache: CacheConfig{
			Backend:       CacheMemory,
			Size:          256,
			TTL:           time.Hour,
			MaxEntryBytes: 4 << 20,
		},
		Redis: RedisConfig{
			Addr:      "localhost:6379",
			KeyPrefix: "voicecore:response:",
		},
		Logging: logging.DefaultConfig(),
	}
}

// Load reads configuration from defaults, then the yaml file, then
// VOICECORE_* environment variables. An explicit path must exist; with an
// empty path ./voicecore.yaml and ~/.voicecore/voicecore.yaml are tried.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, DefaultConfig())

	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("voicecore")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".voicecore"))
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setDefaults registers every key so environment overrides apply to keys
// the file does not mention.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("session.inactivity_timeout", d.Session.InactivityTimeout)
	v.SetDefault("session.sweep_interval", d.Session.SweepInterval)
	v.SetDefault("session.silence_poll_interval", d.Session.SilencePollInterval)
	v.SetDefault("session.default_language", d.Session.DefaultLanguage)

	v.SetDefault("commands.patterns_file", d.Commands.PatternsFile)
	v.SetDefault("commands.expression_confidence", d.Commands.ExpressionConfidence)
	v.SetDefault("commands.keyword_cap", d.Commands.KeywordCap)
	v.SetDefault("commands.expected_boost", d.Commands.ExpectedBoost)
	v.SetDefault("commands.nonsense_penalty", d.Commands.NonsensePenalty)

	v.SetDefault("interruption.silence_timeout", d.Interruption.SilenceTimeout)
	v.SetDefault("interruption.speech_confidence", d.Interruption.SpeechConfidence)
	v.SetDefault("interruption.silence_confidence", d.Interruption.SilenceConfidence)
	v.SetDefault("interruption.noise_confidence", d.Interruption.NoiseConfidence)
	v.SetDefault("interruption.notification_confidence", d.Interruption.NotificationConfidence)
	v.SetDefault("interruption.stop_terms", d.Interruption.StopTerms)
	v.SetDefault("interruption.clarification_terms", d.Interruption.ClarificationTerms)

	v.SetDefault("recovery.policy_file", d.Recovery.PolicyFile)
	v.SetDefault("recovery.base_delay", d.Recovery.BaseDelay)
	v.SetDefault("recovery.max_delay", d.Recovery.MaxDelay)
	v.SetDefault("recovery.probe_timeout", d.Recovery.ProbeTimeout)
	v.SetDefault("recovery.sink_timeout", d.Recovery.SinkTimeout)
	v.SetDefault("recovery.stream", d.Recovery.Stream)
	v.SetDefault("recovery.stream_max_len", d.Recovery.StreamMaxLen)

	v.SetDefault("pipeline.timeout", d.Pipeline.Timeout)
	v.SetDefault("pipeline.probe_targets", d.Pipeline.ProbeTargets)
	v.SetDefault("pipeline.probe_url", d.Pipeline.ProbeURL)
	v.SetDefault("pipeline.probe_timeout", d.Pipeline.ProbeTimeout)

	v.SetDefault("cache.backend", d.Cache.Backend)
	v.SetDefault("cache.size", d.Cache.Size)
	v.SetDefault("cache.ttl", d.Cache.TTL)
	v.SetDefault("cache.max_entry_bytes", d.Cache.MaxEntryBytes)

	v.SetDefault("redis.addr", d.Redis.Addr)
	v.SetDefault("redis.password", d.Redis.Password)
	v.SetDefault("redis.db", d.Redis.DB)
	v.SetDefault("redis.key_prefix", d.Redis.KeyPrefix)

	v.SetDefault("messages.catalog_file", d.Messages.CatalogFile)

	v.SetDefault("logging.dir", d.Logging.Dir)
	v.SetDefault("logging.level", string(d.Logging.Level))
	v.SetDefault("logging.console", d.Logging.Console)
	v.SetDefault("logging.json", d.Logging.JSON)

	v.SetDefault("metrics.addr", d.Metrics.Addr)
}

// Validate checks ranges and cross-field requirements.
func (c *Config) Validate() error {
	var errs []error
	positive := func(name string, d time.Duration) {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}
	unit := func(name string, f float64) {
		if f <= 0 || f > 1 {
			errs = append(errs, fmt.Errorf("%s must be in (0,1], got %g", name, f))
		}
	}

	positive("session.inactivity_timeout", c.Session.InactivityTimeout)
	positive("session.sweep_interval", c.Session.SweepInterval)
	positive("session.silence_poll_interval", c.Session.SilencePollInterval)

	unit("commands.expression_confidence", c.Commands.ExpressionConfidence)
	unit("commands.keyword_cap", c.Commands.KeywordCap)
	if c.Commands.ExpectedBoost < 0 || c.Commands.ExpectedBoost > 1 {
		errs = append(errs, fmt.Errorf("commands.expected_boost must be in [0,1], got %g", c.Commands.ExpectedBoost))
	}
	if c.Commands.NonsensePenalty < 0 || c.Commands.NonsensePenalty > 1 {
		errs = append(errs, fmt.Errorf("commands.nonsense_penalty must be in [0,1], got %g", c.Commands.NonsensePenalty))
	}

	positive("interruption.silence_timeout", c.Interruption.SilenceTimeout)
	unit("interruption.speech_confidence", c.Interruption.SpeechConfidence)
	unit("interruption.silence_confidence", c.Interruption.SilenceConfidence)
	unit("interruption.noise_confidence", c.Interruption.NoiseConfidence)
	unit("interruption.notification_confidence", c.Interruption.NotificationConfidence)

	positive("recovery.base_delay", c.Recovery.BaseDelay)
	positive("recovery.max_delay", c.Recovery.MaxDelay)
	if c.Recovery.MaxDelay < c.Recovery.BaseDelay {
		errs = append(errs, fmt.Errorf("recovery.max_delay %s is below base_delay %s", c.Recovery.MaxDelay, c.Recovery.BaseDelay))
	}

	positive("pipeline.timeout", c.Pipeline.Timeout)

	switch c.Cache.Backend {
	case CacheMemory:
		if c.Cache.Size <= 0 {
			errs = append(errs, fmt.Errorf("cache.size must be positive, got %d", c.Cache.Size))
		}
	case CacheRedis, CacheNone:
	default:
		errs = append(errs, fmt.Errorf("unknown cache.backend %q", c.Cache.Backend))
	}
	if (c.Cache.Backend == CacheRedis || c.Recovery.Stream != "") && c.Redis.Addr == "" {
		errs = append(errs, errors.New("redis.addr is required by the redis cache or recovery stream"))
	}

	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, fmt.Errorf("logging.level: %w", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// RecognizerConfig returns the command recognizer tunables.
func (c *Config) RecognizerConfig() command.RecognizerConfig {
	return command.RecognizerConfig{
		ExpressionConfidence: c.Commands.ExpressionConfidence,
		KeywordCap:           c.Commands.KeywordCap,
		ExpectedBoost:        c.Commands.ExpectedBoost,
		NonsensePenalty:      c.Commands.NonsensePenalty,
	}
}

// DetectorConfig returns the interruption detector thresholds.
func (c *Config) DetectorConfig() interrupt.Config {
	return interrupt.Config{
		SilenceTimeout:         c.Interruption.SilenceTimeout,
		SpeechConfidence:       c.Interruption.SpeechConfidence,
		SilenceConfidence:      c.Interruption.SilenceConfidence,
		NoiseConfidence:        c.Interruption.NoiseConfidence,
		NotificationConfidence: c.Interruption.NotificationConfidence,
		StopTerms:              c.Interruption.StopTerms,
		ClarificationTerms:     c.Interruption.ClarificationTerms,
	}
}

// EngineConfig returns the recovery engine timing.
func (c *Config) EngineConfig() recovery.Config {
	return recovery.Config{
		BaseDelay:    c.Recovery.BaseDelay,
		MaxDelay:     c.Recovery.MaxDelay,
		ProbeTimeout: c.Recovery.ProbeTimeout,
		SinkTimeout:  c.Recovery.SinkTimeout,
	}
}
