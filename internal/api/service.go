// Package api serves the metadata extraction endpoint: rate limiting, URL
// validation, cache lookup and write-back around the extractor.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/l0p7/wishmeta/internal/cache"
	"github.com/l0p7/wishmeta/internal/extract"
	"github.com/l0p7/wishmeta/internal/logging"
	"github.com/l0p7/wishmeta/internal/metrics"
	"github.com/l0p7/wishmeta/internal/ratelimit"
)

const (
	// MaxBatchSize bounds the number of URLs accepted by one POST.
	MaxBatchSize = 10

	defaultBatchConcurrency = 4
	maxRequestBodyBytes     = 64 << 10
)

// MetadataCache is the cache surface the service depends on.
type MetadataCache interface {
	Lookup(ctx context.Context, url string) (cache.Hit[extract.Metadata], bool)
	Set(ctx context.Context, url string, md extract.Metadata)
	Size(ctx context.Context) int64
	Stats() cache.Stats
}

// RateLimiter decides admission per client identifier.
type RateLimiter interface {
	Allow(clientID string) ratelimit.Decision
	Tracked() int
}

// URLValidator normalizes and vets raw URLs.
type URLValidator interface {
	Validate(raw string) extract.ValidationResult
}

// RetailerCatalog reports on the loaded retailer catalog for health output.
type RetailerCatalog interface {
	Count() int
	Source() string
}

// Options configures a Service. Zero values fall back to defaults.
type Options struct {
	ClientHeaders     []string
	AllowOrigin       string
	CorrelationHeader string
	UseFallback       bool
	BatchConcurrency  int
	Retailers         RetailerCatalog
	Logger            *slog.Logger
	Metrics           *metrics.Recorder
	Now               func() time.Time
}

// Service owns the request flow for /api/metadata.
type Service struct {
	cache     MetadataCache
	limiter   RateLimiter
	validator URLValidator
	extractor extract.Extractor
	retailers RetailerCatalog

	clientHeaders     []string
	allowOrigin       string
	correlationHeader string
	useFallback       bool
	batchConcurrency  int

	flight   singleflight.Group
	inflight tracker
	logger   *slog.Logger
	metrics  *metrics.Recorder
	now      func() time.Time
}

// New assembles a Service from its collaborators.
func New(c MetadataCache, limiter RateLimiter, validator URLValidator, extractor extract.Extractor, opts Options) *Service {
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.BatchConcurrency <= 0 {
		opts.BatchConcurrency = defaultBatchConcurrency
	}
	if len(opts.ClientHeaders) == 0 {
		opts.ClientHeaders = ratelimit.DefaultClientHeaders
	}
	if strings.TrimSpace(opts.AllowOrigin) == "" {
		opts.AllowOrigin = "*"
	}
	return &Service{
		cache:             c,
		limiter:           limiter,
		validator:         validator,
		extractor:         extractor,
		retailers:         opts.Retailers,
		clientHeaders:     opts.ClientHeaders,
		allowOrigin:       opts.AllowOrigin,
		correlationHeader: http.CanonicalHeaderKey(strings.TrimSpace(opts.CorrelationHeader)),
		useFallback:       opts.UseFallback,
		batchConcurrency:  opts.BatchConcurrency,
		logger:            opts.Logger.With(slog.String("agent", "metadata_api")),
		metrics:           opts.Metrics,
		now:               opts.Now,
	}
}

// requestOptions are the per-request knobs shared by GET and POST.
type requestOptions struct {
	forceRefresh        bool
	includeRetailerData bool
	timeout             time.Duration
}

// outcome is the result of resolving one URL.
type outcome struct {
	data   *extract.Metadata
	cached bool
	err    *extract.Error
}

// resolve runs validation, cache lookup and, on a miss, extraction with
// write-back for a single raw URL.
func (s *Service) resolve(ctx context.Context, raw string, opts requestOptions) outcome {
	validated := s.validator.Validate(raw)
	if !validated.Valid {
		reason := validated.Error
		if reason == "" {
			reason = "Invalid URL"
		}
		return outcome{err: &extract.Error{Code: extract.CodeInvalidURL, Message: reason, Err: extract.ErrInvalidURL}}
	}
	target := validated.URL

	if !opts.forceRefresh {
		if hit, ok := s.cache.Lookup(ctx, target); ok {
			md := present(hit.Value, opts.includeRetailerData)
			return outcome{data: &md, cached: true}
		}
	}

	md, err := s.extract(ctx, target, opts.timeout)
	if err != nil {
		return outcome{err: extract.AsError(err)}
	}
	md = present(md, opts.includeRetailerData)
	return outcome{data: &md}
}

// extract coalesces concurrent misses for the same URL. The shared call runs
// detached from any single caller's cancellation, so a caller that gives up
// still leaves a populated cache behind.
func (s *Service) extract(ctx context.Context, target string, timeout time.Duration) (extract.Metadata, error) {
	s.inflight.begin()
	ch := s.flight.DoChan(target, func() (val any, err error) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("extraction panicked", slog.String("url", target), slog.Any("panic", rec))
				val, err = nil, &extract.Error{
					Code:    extract.CodeServerError,
					Message: "Internal server error",
					Details: fmt.Sprint(rec),
				}
			}
		}()
		detached := context.WithoutCancel(ctx)
		md, err := s.extractor.Extract(detached, target, extract.Options{
			IncludeRetailerData: true,
			UseFallback:         s.useFallback,
			Timeout:             timeout,
		})
		if err != nil {
			return nil, err
		}
		s.cache.Set(detached, target, md)
		return md, nil
	})
	select {
	case res := <-ch:
		s.inflight.end()
		if res.Err != nil {
			return extract.Metadata{}, res.Err
		}
		return res.Val.(extract.Metadata), nil
	case <-ctx.Done():
		go func() {
			<-ch
			s.inflight.end()
		}()
		return extract.Metadata{}, &extract.Error{
			Code:    extract.CodeFetchFailed,
			Message: "Request cancelled before extraction finished",
			Details: ctx.Err().Error(),
			Err:     ctx.Err(),
		}
	}
}

// Drain waits until every extraction started by a request, including ones
// whose callers went away, has finished writing to the cache.
func (s *Service) Drain(ctx context.Context) error {
	return s.inflight.wait(ctx)
}

// tracker counts outstanding extractions; idle is closed whenever the count
// returns to zero.
type tracker struct {
	mu   sync.Mutex
	n    int
	idle chan struct{}
}

func (t *tracker) begin() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.n == 0 {
		t.idle = make(chan struct{})
	}
	t.n++
}

func (t *tracker) end() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.n--
	if t.n == 0 {
		close(t.idle)
	}
}

func (t *tracker) wait(ctx context.Context) error {
	t.mu.Lock()
	if t.n == 0 {
		t.mu.Unlock()
		return nil
	}
	idle := t.idle
	t.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// present shapes a stored record for one caller. The cache always holds the
// retailer data; it is stripped when the caller did not ask for it.
func present(md extract.Metadata, includeRetailer bool) extract.Metadata {
	if !includeRetailer {
		return md.WithoutRetailer()
	}
	return md
}
