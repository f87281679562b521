package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/l0p7/wishmeta/internal/api"
	"github.com/l0p7/wishmeta/internal/cache"
	"github.com/l0p7/wishmeta/internal/config"
	"github.com/l0p7/wishmeta/internal/extract"
	"github.com/l0p7/wishmeta/internal/logging"
	"github.com/l0p7/wishmeta/internal/metrics"
	"github.com/l0p7/wishmeta/internal/ratelimit"
	"github.com/l0p7/wishmeta/internal/retailers"
	"github.com/l0p7/wishmeta/internal/server"
)

type configLoader interface {
	Load(context.Context) (config.Config, error)
	WatchRetailers(context.Context, config.Config, func(config.RetailerBundle), func(error)) (retailerWatcher, error)
}

type retailerWatcher interface {
	Stop()
}

type runnableServer interface {
	Run(context.Context) error
}

type fileLoader struct {
	*config.Loader
}

func (l fileLoader) WatchRetailers(ctx context.Context, cfg config.Config, onChange func(config.RetailerBundle), onError func(error)) (retailerWatcher, error) {
	return l.Loader.WatchRetailers(ctx, cfg, onChange, onError)
}

var (
	newConfigLoader = func(envPrefix, configFile string) configLoader {
		return fileLoader{Loader: config.NewLoader(envPrefix, configFile)}
	}
	newHTTPServer = func(cfg config.Config, logger *slog.Logger, handler http.Handler) (runnableServer, error) {
		return server.New(cfg, logger, handler)
	}
)

func main() {
	var (
		configFile = flag.String("config", "", "path to server configuration file")
		envPrefix  = flag.String("env-prefix", "WISHMETA", "environment variable prefix")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *envPrefix, *configFile); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, envPrefix, configFile string) error {
	loader := newConfigLoader(envPrefix, configFile)
	cfg, err := loader.Load(ctx)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validate configuration: %w", err)
	}

	logger, err := logging.New(cfg.Server.Logging)
	if err != nil {
		return fmt.Errorf("configure logger: %w", err)
	}

	promRegistry := prometheus.NewRegistry()
	metricsRecorder := metrics.NewRecorder(promRegistry)

	store := buildMetadataStore(logger.With(slog.String("agent", "cache_factory")), cfg.Server.Cache)
	metadataCache := cache.New[extract.Metadata](store, cache.Options{
		Namespace: cfg.Server.Cache.Namespace,
		TTL:       time.Duration(cfg.Server.Cache.TTLSeconds) * time.Second,
		Logger:    logger,
		Metrics:   metricsRecorder,
	})
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := metadataCache.Close(shutdownCtx); err != nil {
			logger.Error("cache shutdown failed", slog.Any("error", err))
		}
	}()

	registry := retailers.NewRegistry(logger)
	if strings.TrimSpace(cfg.Server.Retailers.File) != "" {
		watcher, err := loader.WatchRetailers(ctx, cfg, registry.Reload, func(err error) {
			if err != nil {
				logger.Error("retailer watcher error", slog.Any("error", err))
			}
		})
		if err != nil {
			logger.Error("retailer watcher setup failed", slog.Any("error", err))
			if bundle, loadErr := config.LoadRetailers(ctx, cfg.Server.Retailers); loadErr == nil {
				registry.Reload(bundle)
			}
		} else {
			defer watcher.Stop()
		}
	}

	extractor := extract.NewHTTPExtractor(extract.Config{
		UserAgent:         cfg.Server.Extractor.UserAgent,
		MaxBodyBytes:      cfg.Server.Extractor.MaxBodyBytes,
		Timeout:           cfg.Server.Extractor.Timeout(),
		AllowPrivateHosts: cfg.Server.Extractor.AllowPrivateHosts,
		Retailers:         registry,
		Logger:            logger,
	})
	limiter := ratelimit.New(ratelimit.Options{
		Window:      cfg.Server.RateLimit.Window(),
		MaxRequests: cfg.Server.RateLimit.MaxRequestsPerWindow,
		MaxClients:  cfg.Server.RateLimit.MaxClients,
		Metrics:     metricsRecorder,
	})
	svc := api.New(metadataCache, limiter, extract.Validator{AllowPrivateHosts: cfg.Server.Extractor.AllowPrivateHosts}, extractor, api.Options{
		ClientHeaders:     cfg.Server.RateLimit.ClientHeaders,
		AllowOrigin:       cfg.Server.CORS.AllowOrigin,
		CorrelationHeader: cfg.Server.Logging.CorrelationHeader,
		UseFallback:       cfg.Server.Extractor.UseFallback,
		BatchConcurrency:  cfg.Server.Extractor.BatchConcurrency,
		Retailers:         registry,
		Logger:            logger,
		Metrics:           metricsRecorder,
	})
	// Runs before the cache closes: abandoned extractions still write back.
	defer func() {
		drainCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.Extractor.Timeout())
		defer cancel()
		if err := svc.Drain(drainCtx); err != nil {
			logger.Warn("in-flight extractions still running at shutdown", slog.Any("error", err))
		}
	}()

	srv, err := newHTTPServer(cfg, logger, server.NewMetadataHandler(svc, metricsRecorder.Handler()))
	if err != nil {
		return fmt.Errorf("construct server: %w", err)
	}

	logger.Info("wishmeta starting",
		slog.String("cache_backend", cfg.Server.Cache.Backend),
		slog.Int("retailers", registry.Count()),
		slog.Duration("rate_limit_window", cfg.Server.RateLimit.Window()),
		slog.Int("rate_limit_max", cfg.Server.RateLimit.MaxRequestsPerWindow),
	)
	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server terminated unexpectedly", slog.Any("error", err))
		return fmt.Errorf("run server: %w", err)
	}

	logger.Info("server shutdown complete")
	return nil
}

func buildMetadataStore(logger *slog.Logger, cfg config.ServerCacheConfig) cache.Store {
	backend := strings.TrimSpace(strings.ToLower(cfg.Backend))
	switch backend {
	case "", "memory":
		if logger != nil {
			logger.Info("using memory metadata cache", slog.Int("ttl_seconds", cfg.TTLSeconds))
		}
		return cache.NewMemory()
	case "redis":
		redisStore, err := cache.NewRedis(cache.RedisConfig{
			Address:  cfg.Redis.Address,
			Username: cfg.Redis.Username,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			TLS: cache.RedisTLSConfig{
				Enabled: cfg.Redis.TLS.Enabled,
				CAFile:  cfg.Redis.TLS.CAFile,
			},
		})
		if err != nil {
			if logger != nil {
				logger.Error("redis cache initialization failed", slog.Any("error", err))
				logger.Info("falling back to memory cache")
			}
			return cache.NewMemory()
		}
		if logger != nil {
			logger.Info("using redis metadata cache", slog.String("address", cfg.Redis.Address))
		}
		return redisStore
	default:
		if logger != nil {
			logger.Warn("unsupported cache backend, defaulting to memory", slog.String("backend", cfg.Backend))
		}
		return cache.NewMemory()
	}
}
