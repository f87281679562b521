package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config holds every server-level option once defaults, files and environment are merged.
type Config struct {
	Server ServerConfig `koanf:"server"`
}

// ServerConfig collects the bootstrap knobs owned by the lifecycle agent.
type ServerConfig struct {
	Listen    ListenConfig      `koanf:"listen"`
	Logging   LoggingConfig     `koanf:"logging"`
	Cache     ServerCacheConfig `koanf:"cache"`
	RateLimit RateLimitConfig   `koanf:"rateLimit"`
	Extractor ExtractorConfig   `koanf:"extractor"`
	Retailers RetailersConfig   `koanf:"retailers"`
	CORS      CORSConfig        `koanf:"cors"`
}

// ListenConfig instructs the HTTP listener about bind address and port.
type ListenConfig struct {
	Address string `koanf:"address"`
	Port    int    `koanf:"port"`
}

// LoggingConfig expresses log level, format, and correlation ID wiring.
type LoggingConfig struct {
	Level             string `koanf:"level"`
	Format            string `koanf:"format"`
	CorrelationHeader string `koanf:"correlationHeader"`
}

type ServerCacheConfig struct {
	Backend    string                 `koanf:"backend"`
	TTLSeconds int                    `koanf:"ttlSeconds"`
	Namespace  string                 `koanf:"namespace"`
	Redis      ServerRedisCacheConfig `koanf:"redis"`
}

type ServerRedisCacheConfig struct {
	Address  string               `koanf:"address"`
	Username string               `koanf:"username"`
	Password string               `koanf:"password"`
	DB       int                  `koanf:"db"`
	TLS      ServerRedisTLSConfig `koanf:"tls"`
}

type ServerRedisTLSConfig struct {
	Enabled bool   `koanf:"enabled"`
	CAFile  string `koanf:"caFile"`
}

// RateLimitConfig sizes the fixed window guarding the extraction endpoint.
type RateLimitConfig struct {
	WindowDurationMs     int      `koanf:"windowDurationMs"`
	MaxRequestsPerWindow int      `koanf:"maxRequestsPerWindow"`
	MaxClients           int      `koanf:"maxClients"`
	ClientHeaders        []string `koanf:"clientHeaders"`
}

// Window converts the configured millisecond window into a duration.
func (c RateLimitConfig) Window() time.Duration {
	return time.Duration(c.WindowDurationMs) * time.Millisecond
}

// ExtractorConfig tunes the page fetcher used on cache misses.
type ExtractorConfig struct {
	TimeoutMs         int    `koanf:"timeoutMs"`
	UserAgent         string `koanf:"userAgent"`
	MaxBodyBytes      int64  `koanf:"maxBodyBytes"`
	UseFallback       bool   `koanf:"useFallback"`
	AllowPrivateHosts bool   `koanf:"allowPrivateHosts"`
	BatchConcurrency  int    `koanf:"batchConcurrency"`
}

// Timeout converts the configured millisecond budget into a duration.
func (c ExtractorConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

// RetailersConfig points at an optional retailer catalog file.
type RetailersConfig struct {
	File string `koanf:"file"`
}

type CORSConfig struct {
	AllowOrigin string `koanf:"allowOrigin"`
}

// Validate enforces invariants that keep the runtime predictable before serving traffic.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config: nil")
	}
	if c.Server.Listen.Port <= 0 || c.Server.Listen.Port > 65535 {
		return fmt.Errorf("config: listen.port invalid: %d", c.Server.Listen.Port)
	}
	if c.Server.Cache.TTLSeconds < 0 {
		return fmt.Errorf("config: server.cache.ttlSeconds invalid: %d", c.Server.Cache.TTLSeconds)
	}
	backend := strings.TrimSpace(strings.ToLower(c.Server.Cache.Backend))
	switch backend {
	case "", "memory":
	case "redis":
		if strings.TrimSpace(c.Server.Cache.Redis.Address) == "" {
			return errors.New("config: server.cache.redis.address required for redis backend")
		}
	default:
		return fmt.Errorf("config: server.cache.backend unsupported: %s", c.Server.Cache.Backend)
	}
	rl := c.Server.RateLimit
	if rl.WindowDurationMs <= 0 {
		return fmt.Errorf("config: server.rateLimit.windowDurationMs invalid: %d", rl.WindowDurationMs)
	}
	if rl.MaxRequestsPerWindow <= 0 {
		return fmt.Errorf("config: server.rateLimit.maxRequestsPerWindow invalid: %d", rl.MaxRequestsPerWindow)
	}
	if rl.MaxClients <= 0 {
		return fmt.Errorf("config: server.rateLimit.maxClients invalid: %d", rl.MaxClients)
	}
	for i, header := range rl.ClientHeaders {
		if strings.TrimSpace(header) == "" {
			return fmt.Errorf("config: server.rateLimit.clientHeaders[%d] empty", i)
		}
	}
	ex := c.Server.Extractor
	if ex.TimeoutMs <= 0 {
		return fmt.Errorf("config: server.extractor.timeoutMs invalid: %d", ex.TimeoutMs)
	}
	if ex.MaxBodyBytes <= 0 {
		return fmt.Errorf("config: server.extractor.maxBodyBytes invalid: %d", ex.MaxBodyBytes)
	}
	if ex.BatchConcurrency <= 0 {
		return fmt.Errorf("config: server.extractor.batchConcurrency invalid: %d", ex.BatchConcurrency)
	}
	if file := strings.TrimSpace(c.Server.Retailers.File); file != "" && !isSupportedCatalogFile(file) {
		return fmt.Errorf("config: server.retailers.file unsupported extension: %s", file)
	}
	return nil
}

// DefaultConfig returns the baseline values that align with the design defaults.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Listen: ListenConfig{
				Address: "0.0.0.0",
				Port:    8080,
			},
			Logging: LoggingConfig{
				Level:             "info",
				Format:            "json",
				CorrelationHeader: "X-Request-ID",
			},
			Cache: ServerCacheConfig{
				Backend:    "memory",
				TTLSeconds: 3600,
				Namespace:  "wishmeta:metadata:v1",
			},
			RateLimit: RateLimitConfig{
				WindowDurationMs:     int((15 * time.Minute) / time.Millisecond),
				MaxRequestsPerWindow: 100,
				MaxClients:           10000,
				ClientHeaders:        []string{"X-Forwarded-For", "X-Real-IP"},
			},
			Extractor: ExtractorConfig{
				TimeoutMs:        10000,
				UserAgent:        "Mozilla/5.0 (compatible; wishmeta/1.0; +https://github.com/l0p7/wishmeta)",
				MaxBodyBytes:     2 << 20,
				UseFallback:      true,
				BatchConcurrency: 4,
			},
			CORS: CORSConfig{
				AllowOrigin: "*",
			},
		},
	}
}
