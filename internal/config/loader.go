package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Loader hydrates the runtime configuration while respecting env > file > default precedence.
type Loader struct {
	envPrefix string
	files     []string
}

// NewLoader prepares a config hydrator that honors the env-first contract before touching files or defaults.
func NewLoader(envPrefix string, files ...string) *Loader {
	return &Loader{
		envPrefix: envPrefix,
		files:     files,
	}
}

// canonicalEnvKeys restores camelCase leaves that env var names cannot express.
var canonicalEnvKeys = map[string]string{
	"server.logging.correlationheader":      "server.logging.correlationHeader",
	"server.cache.ttlseconds":               "server.cache.ttlSeconds",
	"server.cache.redis.tls.cafile":         "server.cache.redis.tls.caFile",
	"server.ratelimit.windowdurationms":     "server.rateLimit.windowDurationMs",
	"server.ratelimit.maxrequestsperwindow": "server.rateLimit.maxRequestsPerWindow",
	"server.ratelimit.maxclients":           "server.rateLimit.maxClients",
	"server.ratelimit.clientheaders":        "server.rateLimit.clientHeaders",
	"server.extractor.timeoutms":            "server.extractor.timeoutMs",
	"server.extractor.useragent":            "server.extractor.userAgent",
	"server.extractor.maxbodybytes":         "server.extractor.maxBodyBytes",
	"server.extractor.usefallback":          "server.extractor.useFallback",
	"server.extractor.allowprivatehosts":    "server.extractor.allowPrivateHosts",
	"server.extractor.batchconcurrency":     "server.extractor.batchConcurrency",
	"server.cors.alloworigin":               "server.cors.allowOrigin",
}

// Load assembles the effective snapshot using the documented precedence rules.
func (l *Loader) Load(ctx context.Context) (Config, error) {
	defaultCfg := DefaultConfig()
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(structToMap(defaultCfg), "."), nil); err != nil {
		return Config{}, fmt.Errorf("config: load defaults: %w", err)
	}

	for _, path := range l.files {
		if path == "" {
			continue
		}
		select {
		case <-ctx.Done():
			return Config{}, ctx.Err()
		default:
		}
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("config: file %s not found", path)
			}
			return Config{}, fmt.Errorf("config: stat %s: %w", path, err)
		}
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("config: load file %s: %w", path, err)
		}
	}

	if l.envPrefix != "" {
		transform := func(s string) string {
			// Double underscores signal a nested path (SERVER__LISTEN__PORT -> server.listen.port).
			key := strings.TrimPrefix(s, l.envPrefix+"_")
			key = strings.ReplaceAll(key, "__", ".")
			lower := strings.ToLower(key)
			if mapped, ok := canonicalEnvKeys[lower]; ok {
				return mapped
			}
			key = strings.ReplaceAll(key, "_", "")
			return strings.ToLower(key)
		}
		if err := k.Load(env.Provider(l.envPrefix, ".", transform), nil); err != nil {
			return Config{}, fmt.Errorf("config: load env: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	cfg.Server.RateLimit.ClientHeaders = splitHeaderList(cfg.Server.RateLimit.ClientHeaders)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// splitHeaderList accepts comma separated env values as well as YAML lists.
func splitHeaderList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				out = append(out, trimmed)
			}
		}
	}
	return out
}

// structToMap converts DefaultConfig into a map for the koanf confmap provider.
func structToMap(cfg Config) map[string]any {
	return map[string]any{
		"server": map[string]any{
			"listen": map[string]any{
				"address": cfg.Server.Listen.Address,
				"port":    cfg.Server.Listen.Port,
			},
			"logging": map[string]any{
				"level":             cfg.Server.Logging.Level,
				"format":            cfg.Server.Logging.Format,
				"correlationHeader": cfg.Server.Logging.CorrelationHeader,
			},
			"cache": map[string]any{
				"backend":    cfg.Server.Cache.Backend,
				"ttlSeconds": cfg.Server.Cache.TTLSeconds,
				"namespace":  cfg.Server.Cache.Namespace,
				"redis": map[string]any{
					"address":  cfg.Server.Cache.Redis.Address,
					"username": cfg.Server.Cache.Redis.Username,
					"password": cfg.Server.Cache.Redis.Password,
					"db":       cfg.Server.Cache.Redis.DB,
					"tls": map[string]any{
						"enabled": cfg.Server.Cache.Redis.TLS.Enabled,
						"caFile":  cfg.Server.Cache.Redis.TLS.CAFile,
					},
				},
			},
			"rateLimit": map[string]any{
				"windowDurationMs":     cfg.Server.RateLimit.WindowDurationMs,
				"maxRequestsPerWindow": cfg.Server.RateLimit.MaxRequestsPerWindow,
				"maxClients":           cfg.Server.RateLimit.MaxClients,
				"clientHeaders":        append([]string{}, cfg.Server.RateLimit.ClientHeaders...),
			},
			"extractor": map[string]any{
				"timeoutMs":         cfg.Server.Extractor.TimeoutMs,
				"userAgent":         cfg.Server.Extractor.UserAgent,
				"maxBodyBytes":      cfg.Server.Extractor.MaxBodyBytes,
				"useFallback":       cfg.Server.Extractor.UseFallback,
				"allowPrivateHosts": cfg.Server.Extractor.AllowPrivateHosts,
				"batchConcurrency":  cfg.Server.Extractor.BatchConcurrency,
			},
			"retailers": map[string]any{
				"file": cfg.Server.Retailers.File,
			},
			"cors": map[string]any{
				"allowOrigin": cfg.Server.CORS.AllowOrigin,
			},
		},
	}
}
