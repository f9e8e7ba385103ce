package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lvonguyen/iocforge/internal/api"
	"github.com/lvonguyen/iocforge/internal/api/gateway"
	"github.com/lvonguyen/iocforge/internal/cache"
	"github.com/lvonguyen/iocforge/internal/config"
	"github.com/lvonguyen/iocforge/internal/enrichment"
	"github.com/lvonguyen/iocforge/internal/observability"
	"github.com/lvonguyen/iocforge/internal/service"
)

// app holds the wired components shared by serve and enrich.
type app struct {
	cfg       *config.Config
	telemetry *observability.Telemetry
	logger    *zap.Logger
	redis     *redis.Client
	store     cache.Store
	enricher  *enrichment.Enricher
	service   *service.EnrichmentService
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.LoadOrDefault(path)
	if err != nil {
		return nil, fmt.Errorf("loading config %s: %w", path, err)
	}
	return cfg, nil
}

// newApp wires telemetry, the cache backend and the enrichment service.
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	tel, err := observability.New(observability.Config{
		ServiceName:    "iocforge",
		ServiceVersion: Version,
		Environment:    cfg.Telemetry.Environment,
		LogLevel:       cfg.Logging.Level,
		LogFormat:      cfg.Logging.Format,
		TracingEnabled: cfg.Telemetry.TracingEnabled,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		SamplingRate:   cfg.Telemetry.SamplingRate,
		MetricsEnabled: cfg.Telemetry.MetricsEnabled,
	})
	if err != nil {
		return nil, fmt.Errorf("initializing telemetry: %w", err)
	}

	a := &app{
		cfg:       cfg,
		telemetry: tel,
		logger:    tel.Logger(),
	}

	if cfg.Cache.Backend == config.CacheBackendRedis || cfg.RateLimit.Enabled {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: os.Getenv(cfg.Redis.PasswordEnv),
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
	}

	if err := a.openStore(ctx); err != nil {
		a.Close(context.Background())
		return nil, err
	}

	analyzers := buildAnalyzers(cfg, a.logger)
	a.enricher = enrichment.NewEnricher(analyzers, enrichment.EnricherConfig{
		AnalyzerTimeout: cfg.Enrichment.AnalyzerTimeout,
		Tracer:          tel.Tracer(),
	}, a.logger, tel.Metrics())
	a.service = service.NewEnrichmentService(a.enricher, a.store, a.logger, tel.Metrics())

	a.logger.Info("IOCForge initialized",
		zap.Strings("analyzers", a.enricher.Analyzers()),
		zap.String("cache_backend", cfg.Cache.Backend),
		zap.Duration("cache_ttl", cfg.Cache.TTL),
	)
	return a, nil
}

func (a *app) openStore(ctx context.Context) error {
	opts := cache.Options{TTL: a.cfg.Cache.TTL}

	var backend cache.Store
	switch a.cfg.Cache.Backend {
	case config.CacheBackendSQLite:
		store, err := cache.OpenSQLite(a.cfg.Cache.SQLitePath, opts)
		if err != nil {
			return err
		}
		backend = store
	case config.CacheBackendRedis:
		backend = cache.NewRedisStore(a.redis, a.cfg.Redis.KeyPrefix, opts)
	case config.CacheBackendNone:
		a.logger.Warn("Enrichment cache disabled; every request calls upstream sources")
		return nil
	default:
		return fmt.Errorf("unknown cache backend: %q", a.cfg.Cache.Backend)
	}

	if !a.cfg.Cache.BloomEnabled {
		a.store = backend
		return nil
	}

	bloomStore := cache.NewBloomStore(backend, a.cfg.Cache.BloomCapacity, a.cfg.Cache.BloomFPRate)
	n, err := bloomStore.Warm(ctx)
	if err != nil {
		// An unwarmed filter would hide stored records, so skip it.
		a.logger.Warn("Bloom prefilter warm-up failed, using backend directly", zap.Error(err))
		a.store = backend
		return nil
	}
	a.logger.Info("Bloom prefilter warmed", zap.Int("indicators", n))
	a.store = bloomStore
	return nil
}

// buildAnalyzers returns the enabled analyzers in registration order with
// credentials resolved from the environment.
func buildAnalyzers(cfg *config.Config, logger *zap.Logger) []enrichment.Analyzer {
	resolve := func(c config.AnalyzerConfig) enrichment.AnalyzerConfig {
		key := os.Getenv(c.APIKeyEnv)
		if key == "" {
			logger.Warn("Analyzer credential not set; lookups will report an error",
				zap.String("env", c.APIKeyEnv))
		}
		return enrichment.AnalyzerConfig{
			APIKey:    key,
			APIKeyEnv: c.APIKeyEnv,
			BaseURL:   c.BaseURL,
			Timeout:   c.Timeout,
		}
	}

	ti := cfg.ThreatIntel
	var analyzers []enrichment.Analyzer
	if ti.OTX.Enabled {
		analyzers = append(analyzers, enrichment.NewOTXAnalyzer(resolve(ti.OTX.AnalyzerConfig)))
	}
	if ti.AbuseIPDB.Enabled {
		analyzers = append(analyzers, enrichment.NewAbuseIPDBAnalyzer(resolve(ti.AbuseIPDB.AnalyzerConfig), ti.AbuseIPDB.MaxAgeInDays))
	}
	if ti.IPInfo.Enabled {
		analyzers = append(analyzers, enrichment.NewIPInfoAnalyzer(resolve(ti.IPInfo.AnalyzerConfig)))
	}
	return analyzers
}

// apiOptions builds the HTTP server collaborators from config.
func (a *app) apiOptions() api.Options {
	opts := api.Options{
		Version:        Version,
		RequestTimeout: a.cfg.Server.RequestTimeout,
		Logger:         a.logger,
		Metrics:        a.telemetry.Metrics(),
	}
	if a.cfg.Telemetry.MetricsEnabled {
		opts.MetricsHandler = a.telemetry.MetricsHandler()
	}
	if a.cfg.Auth.Enabled {
		secret := os.Getenv(a.cfg.Auth.JWTSecretEnv)
		if secret == "" {
			a.logger.Error("JWT secret not set; all API requests will be rejected",
				zap.String("env", a.cfg.Auth.JWTSecretEnv))
		}
		opts.Auth = api.NewAuthenticator(secret, a.cfg.Auth.Issuer, a.logger)
	}
	if a.cfg.RateLimit.Enabled && a.redis != nil {
		opts.RateLimiter = gateway.NewRateLimiter(a.redis, a.cfg.RateLimit.RateLimitConfig, a.logger)
	}
	return opts
}

// Close releases the cache, Redis and telemetry.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if a.redis != nil && a.cfg.Cache.Backend != config.CacheBackendRedis {
		errs = append(errs, a.redis.Close())
	}
	errs = append(errs, a.telemetry.Shutdown(ctx))
	return errors.Join(errs...)
}
