package cache

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	valkey "github.com/valkey-io/valkey-go"
)

type RedisTLSConfig struct {
	Enabled bool
	CAFile  string
}

type RedisConfig struct {
	Address  string
	Username string
	Password string
	DB       int
	TLS      RedisTLSConfig
}

// Entries live in a hash so the hit counter can be bumped in place. Both
// scripts run atomically on the server, which gives the per-key
// read-modify-write the memory store gets from its shard lock.
var (
	hitScript = valkey.NewLuaScript(`
local fields = redis.call('HMGET', KEYS[1], 'payload', 'createdAt', 'expiresAt')
if not fields[1] then
  return false
end
local expires = tonumber(fields[3])
if expires == nil or expires <= tonumber(ARGV[1]) then
  redis.call('DEL', KEYS[1])
  return false
end
local hits = redis.call('HINCRBY', KEYS[1], 'hits', 1)
return {fields[1], hits, fields[2], fields[3]}
`)

	putScript = valkey.NewLuaScript(`
redis.call('DEL', KEYS[1])
redis.call('HSET', KEYS[1], 'payload', ARGV[1], 'createdAt', ARGV[2], 'expiresAt', ARGV[3], 'hits', ARGV[4])
redis.call('PEXPIRE', KEYS[1], ARGV[5])
return 1
`)
)

const scanBatch = 200

type redisStore struct {
	client valkey.Client
}

// NewRedis dials a valkey/redis server and verifies it answers PING before
// returning the Store.
func NewRedis(cfg RedisConfig) (Store, error) {
	if cfg.Address == "" {
		return nil, errors.New("cache: redis address required")
	}

	option := valkey.ClientOption{
		InitAddress:       []string{cfg.Address},
		Username:          cfg.Username,
		Password:          cfg.Password,
		SelectDB:          cfg.DB,
		AlwaysRESP2:       true,
		ForceSingleClient: true,
		DisableCache:      true,
	}

	if cfg.TLS.Enabled {
		tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
		if cfg.TLS.CAFile != "" {
			caData, err := os.ReadFile(cfg.TLS.CAFile)
			if err != nil {
				return nil, fmt.Errorf("cache: read redis ca file: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(caData) {
				return nil, errors.New("cache: redis ca file contains no certificates")
			}
			tlsConfig.RootCAs = pool
		}
		option.TLSConfig = tlsConfig
	}

	client, err := valkey.NewClient(option)
	if err != nil {
		return nil, fmt.Errorf("cache: redis client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("cache: redis ping: %w", err)
	}

	return &redisStore{client: client}, nil
}

func (s *redisStore) Hit(ctx context.Context, key string, now time.Time) (Entry, bool, error) {
	resp := hitScript.Exec(ctx, s.client, []string{key}, []string{strconv.FormatInt(now.UnixMilli(), 10)})
	if err := resp.Error(); err != nil {
		if valkey.IsValkeyNil(err) {
			return Entry{}, false, nil
		}
		return Entry{}, false, fmt.Errorf("cache: redis hit: %w", err)
	}
	values, err := resp.ToArray()
	if err != nil {
		return Entry{}, false, fmt.Errorf("cache: redis hit reply: %w", err)
	}
	if len(values) != 4 {
		return Entry{}, false, fmt.Errorf("cache: redis hit reply: expected 4 fields, got %d", len(values))
	}
	payload, err := values[0].ToString()
	if err != nil {
		return Entry{}, false, fmt.Errorf("cache: redis hit payload: %w", err)
	}
	hits, err := values[1].AsInt64()
	if err != nil {
		return Entry{}, false, fmt.Errorf("cache: redis hit counter: %w", err)
	}
	created, err := values[2].AsInt64()
	if err != nil {
		return Entry{}, false, fmt.Errorf("cache: redis hit createdAt: %w", err)
	}
	expires, err := values[3].AsInt64()
	if err != nil {
		return Entry{}, false, fmt.Errorf("cache: redis hit expiresAt: %w", err)
	}
	return Entry{
		Key:       key,
		Payload:   []byte(payload),
		CreatedAt: time.UnixMilli(created).UTC(),
		ExpiresAt: time.UnixMilli(expires).UTC(),
		Hits:      hits,
	}, true, nil
}

func (s *redisStore) Put(ctx context.Context, key string, entry Entry) error {
	ttl := entry.ExpiresAt.Sub(entry.CreatedAt)
	if ttl.Milliseconds() <= 0 {
		return s.Delete(ctx, key)
	}
	args := []string{
		string(entry.Payload),
		strconv.FormatInt(entry.CreatedAt.UnixMilli(), 10),
		strconv.FormatInt(entry.ExpiresAt.UnixMilli(), 10),
		strconv.FormatInt(entry.Hits, 10),
		strconv.FormatInt(ttl.Milliseconds(), 10),
	}
	if err := putScript.Exec(ctx, s.client, []string{key}, args).Error(); err != nil {
		return fmt.Errorf("cache: redis put: %w", err)
	}
	return nil
}

func (s *redisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Do(ctx, s.client.B().Del().Key(key).Build()).Error(); err != nil {
		return fmt.Errorf("cache: redis del: %w", err)
	}
	return nil
}

func (s *redisStore) Clear(ctx context.Context, prefix string) error {
	return s.scan(ctx, prefix, func(keys []string) error {
		if err := s.client.Do(ctx, s.client.B().Del().Key(keys...).Build()).Error(); err != nil {
			return fmt.Errorf("cache: redis clear: %w", err)
		}
		return nil
	})
}

func (s *redisStore) Size(ctx context.Context, prefix string) (int64, error) {
	var total int64
	err := s.scan(ctx, prefix, func(keys []string) error {
		total += int64(len(keys))
		return nil
	})
	return total, err
}

func (s *redisStore) Close(context.Context) error {
	s.client.Close()
	return nil
}

func (s *redisStore) scan(ctx context.Context, prefix string, fn func(keys []string) error) error {
	pattern := escapeGlob(prefix) + "*"
	var cursor uint64
	for {
		cmd := s.client.B().Scan().Cursor(cursor).Match(pattern).Count(scanBatch).Build()
		page, err := s.client.Do(ctx, cmd).AsScanEntry()
		if err != nil {
			return fmt.Errorf("cache: redis scan: %w", err)
		}
		if len(page.Elements) > 0 {
			if err := fn(page.Elements); err != nil {
				return err
			}
		}
		cursor = page.Cursor
		if cursor == 0 {
			return nil
		}
	}
}

var globEscaper = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

func escapeGlob(s string) string {
	return globEscaper.Replace(s)
}
