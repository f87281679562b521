package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/l0p7/wishmeta/internal/logging"
	"github.com/l0p7/wishmeta/internal/metrics"
)

const (
	DefaultNamespace = "wishmeta:metadata:v1"
	DefaultTTL       = time.Hour
)

// Options configures a MetadataCache. Zero values fall back to defaults.
type Options struct {
	Namespace string
	TTL       time.Duration
	Now       func() time.Time
	Logger    *slog.Logger
	Metrics   *metrics.Recorder
}

// Stats is the process-local hit/miss accounting of one MetadataCache.
type Stats struct {
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
	Sets   int64 `json:"sets"`
	Errors int64 `json:"errors"`
}

// Hit carries a cached value together with its entry bookkeeping.
type Hit[V any] struct {
	Value     V
	Hits      int64
	CreatedAt time.Time
	ExpiresAt time.Time
}

// MetadataCache maps normalized URLs to values of type V on top of a Store.
// No method returns an error: store failures are logged, counted, and treated
// as a miss or a no-op so an unavailable cache degrades to fresh extraction.
type MetadataCache[V any] struct {
	store     Store
	namespace string
	ttl       time.Duration
	now       func() time.Time
	logger    *slog.Logger
	metrics   *metrics.Recorder

	hits   atomic.Int64
	misses atomic.Int64
	sets   atomic.Int64
	errs   atomic.Int64
}

// New wraps store with URL keying, expiry and accounting.
func New[V any](store Store, opts Options) *MetadataCache[V] {
	if store == nil {
		store = NewMemory()
	}
	namespace := strings.TrimSpace(opts.Namespace)
	if namespace == "" {
		namespace = DefaultNamespace
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &MetadataCache[V]{
		store:     store,
		namespace: namespace,
		ttl:       ttl,
		now:       now,
		logger:    logger.With(slog.String("agent", "metadata_cache")),
		metrics:   opts.Metrics,
	}
}

// Key derives the store key for url: the namespace followed by the xxhash64
// digest of the trimmed, lowercased URL. Distinct URLs may collide; that is
// tolerated as a rare stale read.
func Key(namespace, url string) string {
	normalized := strings.ToLower(strings.TrimSpace(url))
	return fmt.Sprintf("%s:%016x", namespace, xxhash.Sum64String(normalized))
}

func (c *MetadataCache[V]) key(url string) string {
	return Key(c.namespace, url)
}

// Get returns the cached value for url when present and unexpired.
func (c *MetadataCache[V]) Get(ctx context.Context, url string) (V, bool) {
	hit, ok := c.Lookup(ctx, url)
	return hit.Value, ok
}

// Lookup is Get plus the entry's hit counter and timestamps. A successful
// lookup increments and persists the hit counter.
func (c *MetadataCache[V]) Lookup(ctx context.Context, url string) (Hit[V], bool) {
	start := time.Now()
	key := c.key(url)
	entry, ok, err := c.store.Hit(ctx, key, c.now())
	if err != nil {
		c.errs.Add(1)
		c.misses.Add(1)
		c.metrics.ObserveCacheLookup(metrics.CacheLookupError, time.Since(start))
		c.logger.WarnContext(ctx, "cache lookup failed", slog.String("key", key), slog.Any("error", err))
		return Hit[V]{}, false
	}
	if !ok {
		c.misses.Add(1)
		c.metrics.ObserveCacheLookup(metrics.CacheLookupMiss, time.Since(start))
		return Hit[V]{}, false
	}
	var value V
	if err := json.Unmarshal(entry.Payload, &value); err != nil {
		c.errs.Add(1)
		c.misses.Add(1)
		c.metrics.ObserveCacheLookup(metrics.CacheLookupError, time.Since(start))
		c.logger.WarnContext(ctx, "cache payload undecodable", slog.String("key", key), slog.Any("error", err))
		return Hit[V]{}, false
	}
	c.hits.Add(1)
	c.metrics.ObserveCacheLookup(metrics.CacheLookupHit, time.Since(start))
	return Hit[V]{
		Value:     value,
		Hits:      entry.Hits,
		CreatedAt: entry.CreatedAt,
		ExpiresAt: entry.ExpiresAt,
	}, true
}

// Set stores value under url with the default TTL, replacing any prior entry.
func (c *MetadataCache[V]) Set(ctx context.Context, url string, value V) {
	c.SetWithTTL(ctx, url, value, 0)
}

// SetWithTTL stores value with ttl, or the default TTL when ttl <= 0.
func (c *MetadataCache[V]) SetWithTTL(ctx context.Context, url string, value V, ttl time.Duration) {
	start := time.Now()
	if ttl <= 0 {
		ttl = c.ttl
	}
	key := c.key(url)
	payload, err := json.Marshal(value)
	if err != nil {
		c.storeFailed(ctx, key, start, err)
		return
	}
	createdAt := c.now()
	entry := Entry{
		Key:       key,
		Payload:   payload,
		CreatedAt: createdAt,
		ExpiresAt: createdAt.Add(ttl),
	}
	if err := c.store.Put(ctx, key, entry); err != nil {
		c.storeFailed(ctx, key, start, err)
		return
	}
	c.sets.Add(1)
	c.metrics.ObserveCacheStore(metrics.CacheStoreStored, time.Since(start))
}

func (c *MetadataCache[V]) storeFailed(ctx context.Context, key string, start time.Time, err error) {
	c.errs.Add(1)
	c.metrics.ObserveCacheStore(metrics.CacheStoreError, time.Since(start))
	c.logger.WarnContext(ctx, "cache store failed", slog.String("key", key), slog.Any("error", err))
}

// Delete removes the entry for url. Absent entries are not an error.
func (c *MetadataCache[V]) Delete(ctx context.Context, url string) {
	start := time.Now()
	key := c.key(url)
	err := c.store.Delete(ctx, key)
	c.metrics.ObserveCacheMaintenance(metrics.CacheOperationDelete, err == nil, time.Since(start))
	if err != nil {
		c.errs.Add(1)
		c.logger.WarnContext(ctx, "cache delete failed", slog.String("key", key), slog.Any("error", err))
	}
}

// Has reports whether Get would return a value. It carries the same hit
// counting and expiry side effects as Get.
func (c *MetadataCache[V]) Has(ctx context.Context, url string) bool {
	_, ok := c.Lookup(ctx, url)
	return ok
}

// Clear removes every entry in this cache's namespace.
func (c *MetadataCache[V]) Clear(ctx context.Context) {
	start := time.Now()
	err := c.store.Clear(ctx, c.namespace+":")
	c.metrics.ObserveCacheMaintenance(metrics.CacheOperationClear, err == nil, time.Since(start))
	if err != nil {
		c.errs.Add(1)
		c.logger.WarnContext(ctx, "cache clear failed", slog.Any("error", err))
	}
}

// Size reports the number of stored entries in the namespace, or zero when the
// store cannot answer.
func (c *MetadataCache[V]) Size(ctx context.Context) int64 {
	size, err := c.store.Size(ctx, c.namespace+":")
	if err != nil {
		c.logger.WarnContext(ctx, "cache size failed", slog.Any("error", err))
		return 0
	}
	return size
}

// Stats returns a snapshot of the hit/miss counters.
func (c *MetadataCache[V]) Stats() Stats {
	return Stats{
		Hits:   c.hits.Load(),
		Misses: c.misses.Load(),
		Sets:   c.sets.Load(),
		Errors: c.errs.Load(),
	}
}

// Namespace returns the key prefix used by this cache.
func (c *MetadataCache[V]) Namespace() string {
	return c.namespace
}

// Close releases the backing store.
func (c *MetadataCache[V]) Close(ctx context.Context) error {
	return c.store.Close(ctx)
}
