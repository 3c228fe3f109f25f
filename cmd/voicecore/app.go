package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/normanking/voicecore/internal/cache"
	"github.com/normanking/voicecore/internal/command"
	"github.com/normanking/voicecore/internal/config"
	"github.com/normanking/voicecore/internal/flow"
	"github.com/normanking/voicecore/internal/logging"
	"github.com/normanking/voicecore/internal/messages"
	"github.com/normanking/voicecore/internal/pipeline"
	"github.com/normanking/voicecore/internal/recovery"
)

// app is a fully wired voice core.
type app struct {
	cfg     *config.Config
	log     *logging.Logger
	manager *flow.Manager
	catalog *messages.Catalog
	cache   cache.Cache
	redis   *cache.Redis
	metrics *http.Server
}

// loadTables reads the optional pattern and policy files.
func loadTables(cfg *config.Config) ([]command.Pattern, *recovery.Policy, error) {
	var patterns []command.Pattern
	if cfg.Commands.PatternsFile != "" {
		p, err := command.LoadPatterns(cfg.Commands.PatternsFile)
		if err != nil {
			return nil, nil, err
		}
		patterns = p
	}

	policy := recovery.DefaultPolicy()
	if cfg.Recovery.PolicyFile != "" {
		p, err := recovery.LoadPolicy(cfg.Recovery.PolicyFile)
		if err != nil {
			return nil, nil, err
		}
		policy = p
	}
	return patterns, policy, nil
}

func newProbe(cfg config.PipelineConfig) pipeline.NetworkProbe {
	switch {
	case cfg.ProbeURL != "":
		return pipeline.NewHTTPProbe(cfg.ProbeURL, cfg.ProbeTimeout)
	case len(cfg.ProbeTargets) > 0:
		return pipeline.NewTCPProbe(cfg.ProbeTimeout, cfg.ProbeTargets...)
	default:
		return nil
	}
}

// newApp wires the manager from configuration. Engines come from the
// caller since the core ships no speech engines of its own.
func newApp(ctx context.Context, cfg *config.Config, log *logging.Logger, engines pipeline.Engines) (*app, error) {
	a := &app{cfg: cfg, log: log}

	patterns, policy, err := loadTables(cfg)
	if err != nil {
		return nil, err
	}

	a.catalog = messages.DefaultCatalog()
	if cfg.Messages.CatalogFile != "" {
		if a.catalog, err = messages.LoadCatalog(cfg.Messages.CatalogFile); err != nil {
			return nil, err
		}
	}

	if cfg.Cache.Backend == config.CacheRedis || cfg.Recovery.Stream != "" {
		a.redis, err = cache.NewRedis(ctx, cache.RedisConfig{
			Addr:      cfg.Redis.Addr,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
			TTL:       cfg.Cache.TTL,
		})
		if err != nil {
			return nil, err
		}
	}
	switch cfg.Cache.Backend {
	case config.CacheMemory:
		a.cache = cache.NewMemory(cfg.Cache.Size, cfg.Cache.TTL, cfg.Cache.MaxEntryBytes)
	case config.CacheRedis:
		a.cache = a.redis
	}

	if engines.Probe == nil {
		engines.Probe = newProbe(cfg.Pipeline)
	}

	opts := []flow.Option{
		flow.WithEngines(engines),
		flow.WithLogger(log.Component("flow")),
	}
	if a.cache != nil {
		opts = append(opts, flow.WithCache(a.cache))
	}
	if cfg.Recovery.Stream != "" {
		opts = append(opts, flow.WithRecoverySink(
			recovery.NewStreamSink(a.redis, cfg.Recovery.Stream, cfg.Recovery.StreamMaxLen)))
	}

	a.manager = flow.NewManager(flow.Config{
		InactivityTimeout:   cfg.Session.InactivityTimeout,
		SweepInterval:       cfg.Session.SweepInterval,
		SilencePollInterval: cfg.Session.SilencePollInterval,
		PipelineTimeout:     cfg.Pipeline.Timeout,
		DefaultLanguage:     cfg.Session.DefaultLanguage,
		Patterns:            patterns,
		Recognizer:          cfg.RecognizerConfig(),
		Detector:            cfg.DetectorConfig(),
		Policy:              policy,
		Recovery:            cfg.EngineConfig(),
	}, opts...)

	if cfg.Metrics.Addr != "" {
		a.serveMetrics(cfg.Metrics.Addr, log.Component("metrics"))
	}
	return a, nil
}

func (a *app) serveMetrics(addr string, log zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	a.metrics = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info().Str("addr", addr).Msg("serving metrics")
		if err := a.metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("metrics server failed")
		}
	}()
}

// Close stops background work and releases connections.
func (a *app) Close() error {
	a.manager.Stop()
	for _, id := range a.manager.ActiveSessions() {
		a.manager.EndSession(id)
	}

	var errs []error
	if a.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		errs = append(errs, a.metrics.Shutdown(ctx))
		cancel()
	}
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
