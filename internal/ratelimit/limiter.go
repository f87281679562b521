// Package ratelimit implements the per-client fixed window limiter that guards
// the extraction endpoint.
package ratelimit

import (
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/golang/groupcache/lru"
	"github.com/l0p7/wishmeta/internal/metrics"
)

const (
	DefaultWindow      = 15 * time.Minute
	DefaultMaxRequests = 100
	DefaultMaxClients  = 10000

	tableShards = 16
)

// Options sizes the limiter. Zero values fall back to defaults.
type Options struct {
	Window      time.Duration
	MaxRequests int
	// MaxClients bounds the number of tracked windows. Once full, the least
	// recently seen client is forgotten and starts over on its next request.
	MaxClients int
	Now        func() time.Time
	Metrics    *metrics.Recorder
}

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	Count     int
	ResetTime time.Time
}

// RetryAfter is the wait until ResetTime, rounded up to whole seconds and never
// below one second.
func (d Decision) RetryAfter(now time.Time) time.Duration {
	wait := d.ResetTime.Sub(now)
	if wait <= 0 {
		return time.Second
	}
	return (wait + time.Second - 1) / time.Second * time.Second
}

type window struct {
	count     int
	resetTime time.Time
}

type tableShard struct {
	mu      sync.Mutex
	windows *lru.Cache
}

// Limiter is a fixed window counter keyed by client identifier. Each client
// may issue MaxRequests per Window; a burst straddling a window boundary can
// reach twice that.
type Limiter struct {
	window      time.Duration
	maxRequests int
	now         func() time.Time
	metrics     *metrics.Recorder
	shards      [tableShards]*tableShard
}

// New constructs a Limiter with a bounded window table.
func New(opts Options) *Limiter {
	if opts.Window <= 0 {
		opts.Window = DefaultWindow
	}
	if opts.MaxRequests <= 0 {
		opts.MaxRequests = DefaultMaxRequests
	}
	if opts.MaxClients <= 0 {
		opts.MaxClients = DefaultMaxClients
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	perShard := (opts.MaxClients + tableShards - 1) / tableShards
	l := &Limiter{
		window:      opts.Window,
		maxRequests: opts.MaxRequests,
		now:         opts.Now,
		metrics:     opts.Metrics,
	}
	for i := range l.shards {
		l.shards[i] = &tableShard{windows: lru.New(perShard)}
	}
	return l
}

// Allow records one request for clientID and reports whether it is admitted.
// It never blocks on anything but the shard lock.
func (l *Limiter) Allow(clientID string) Decision {
	now := l.now()
	sh := l.shards[xxhash.Sum64String(clientID)%tableShards]

	sh.mu.Lock()
	var w *window
	if v, ok := sh.windows.Get(clientID); ok {
		w = v.(*window)
	}
	var decision Decision
	switch {
	case w == nil || !now.Before(w.resetTime):
		w = &window{count: 1, resetTime: now.Add(l.window)}
		sh.windows.Add(clientID, w)
		decision = l.decide(true, w)
	case w.count >= l.maxRequests:
		decision = l.decide(false, w)
	default:
		w.count++
		decision = l.decide(true, w)
	}
	sh.mu.Unlock()

	l.metrics.ObserveRateLimit(decision.Allowed)
	return decision
}

func (l *Limiter) decide(allowed bool, w *window) Decision {
	remaining := l.maxRequests - w.count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   allowed,
		Limit:     l.maxRequests,
		Remaining: remaining,
		Count:     w.count,
		ResetTime: w.resetTime,
	}
}

// Tracked reports how many client windows are currently held.
func (l *Limiter) Tracked() int {
	total := 0
	for _, sh := range l.shards {
		sh.mu.Lock()
		total += sh.windows.Len()
		sh.mu.Unlock()
	}
	return total
}

// Limit returns the configured request budget per window.
func (l *Limiter) Limit() int {
	return l.maxRequests
}
