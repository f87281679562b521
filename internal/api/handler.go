package api

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/l0p7/wishmeta/internal/extract"
	"github.com/l0p7/wishmeta/internal/ratelimit"
)

const (
	allowedMethods = "GET, POST, OPTIONS"
	corsMaxAge     = "86400"
)

// ServeMetadata dispatches /api/metadata by method.
func (s *Service) ServeMetadata(w http.ResponseWriter, r *http.Request) {
	start := s.now()
	correlationID := s.requestCorrelationID(r)
	if s.correlationHeader != "" {
		w.Header().Set(s.correlationHeader, correlationID)
	}
	w.Header().Set("Access-Control-Allow-Origin", s.allowOrigin)
	if s.allowOrigin != "*" {
		w.Header().Add("Vary", "Origin")
	}
	reqLogger := s.logger.With(
		slog.String("correlation_id", correlationID),
		slog.String("method", r.Method),
	)

	defer func() {
		if rec := recover(); rec != nil {
			reqLogger.Error("metadata request panicked", slog.Any("panic", rec))
			s.WriteError(w, &extract.Error{Code: extract.CodeServerError, Message: "Internal server error"})
			s.metrics.ObserveExtract(r.Method, "failure", string(extract.CodeServerError), false, s.now().Sub(start))
		}
	}()

	switch r.Method {
	case http.MethodOptions:
		s.serveOptions(w)
	case http.MethodGet:
		s.serveGet(w, r, reqLogger, start)
	case http.MethodPost:
		s.serveBatch(w, r, reqLogger, start)
	default:
		w.Header().Set("Allow", allowedMethods)
		s.WriteError(w, &extract.Error{
			Code:       codeMethodNotAllowed,
			Message:    fmt.Sprintf("Method %s not allowed", r.Method),
			StatusCode: http.StatusMethodNotAllowed,
		})
	}
}

func (s *Service) serveOptions(w http.ResponseWriter) {
	headers := "Content-Type, Authorization"
	if s.correlationHeader != "" {
		headers += ", " + s.correlationHeader
	}
	w.Header().Set("Access-Control-Allow-Methods", allowedMethods)
	w.Header().Set("Access-Control-Allow-Headers", headers)
	w.Header().Set("Access-Control-Max-Age", corsMaxAge)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) serveGet(w http.ResponseWriter, r *http.Request, logger *slog.Logger, start time.Time) {
	if !s.admit(w, r, logger, start) {
		return
	}
	query := r.URL.Query()
	raw := query.Get("url")
	if strings.TrimSpace(raw) == "" {
		s.fail(w, r.Method, start, &extract.Error{Code: extract.CodeInvalidURL, Message: "URL parameter is required"})
		return
	}
	opts := requestOptions{
		forceRefresh:        queryBool(query.Get("forceRefresh"), false),
		includeRetailerData: queryBool(query.Get("includeRetailerData"), true),
	}
	if ms, err := strconv.ParseInt(query.Get("timeout"), 10, 64); err == nil && ms > 0 {
		opts.timeout = time.Duration(ms) * time.Millisecond
	}

	res := s.resolve(r.Context(), raw, opts)
	if res.err != nil {
		logger.Info("metadata request failed",
			slog.String("code", string(res.err.Code)),
			slog.String("reason", res.err.Message),
			slog.String("details", res.err.Details),
		)
		s.fail(w, r.Method, start, res.err)
		return
	}

	elapsed := s.now().Sub(start)
	s.writeJSON(w, http.StatusOK, successResponse{
		Success:        true,
		Data:           res.data,
		Cached:         res.cached,
		ProcessingTime: elapsed.Milliseconds(),
	})
	logger.Info("metadata request completed",
		slog.String("url", res.data.URL),
		slog.Bool("cached", res.cached),
		slog.Float64("latency_ms", float64(elapsed)/float64(time.Millisecond)),
	)
	s.metrics.ObserveExtract(r.Method, "success", "", res.cached, elapsed)
}

func (s *Service) serveBatch(w http.ResponseWriter, r *http.Request, logger *slog.Logger, start time.Time) {
	if !s.admit(w, r, logger, start) {
		return
	}
	var req batchRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes))
	if err := dec.Decode(&req); err != nil {
		s.fail(w, r.Method, start, &extract.Error{Code: extract.CodeInvalidURL, Message: "Invalid request body", Details: err.Error()})
		return
	}
	switch {
	case len(req.URLs) == 0:
		s.fail(w, r.Method, start, &extract.Error{Code: extract.CodeInvalidURL, Message: "At least one URL is required"})
		return
	case len(req.URLs) > MaxBatchSize:
		s.fail(w, r.Method, start, &extract.Error{
			Code:    extract.CodeInvalidURL,
			Message: fmt.Sprintf("Maximum %d URLs allowed per batch", MaxBatchSize),
			Details: fmt.Sprintf("received %d URLs", len(req.URLs)),
		})
		return
	}

	opts := requestOptions{includeRetailerData: true}
	if o := req.Options; o != nil {
		if o.ForceRefresh != nil {
			opts.forceRefresh = *o.ForceRefresh
		}
		if o.IncludeRetailerData != nil {
			opts.includeRetailerData = *o.IncludeRetailerData
		}
		if o.Timeout != nil && *o.Timeout > 0 {
			opts.timeout = time.Duration(*o.Timeout) * time.Millisecond
		}
	}

	results := s.resolveBatch(r.Context(), req.URLs, opts)
	summary := batchSummary{Total: len(results)}
	for _, item := range results {
		switch {
		case !item.Success:
			summary.Failed++
		case item.Cached:
			summary.Successful++
			summary.Cached++
		default:
			summary.Successful++
		}
	}
	summary.ProcessingTime = millisSince(start, s.now())

	s.writeJSON(w, http.StatusOK, batchResponse{Success: true, Results: results, Summary: summary})
	logger.Info("metadata batch completed",
		slog.Int("total", summary.Total),
		slog.Int("successful", summary.Successful),
		slog.Int("failed", summary.Failed),
		slog.Int("cached", summary.Cached),
		slog.Int64("latency_ms", summary.ProcessingTime),
	)
}

// resolveBatch resolves every URL with bounded parallelism. Item failures are
// recorded in place and never stop siblings.
func (s *Service) resolveBatch(ctx context.Context, urls []string, opts requestOptions) []batchItem {
	results := make([]batchItem, len(urls))
	var g errgroup.Group
	g.SetLimit(s.batchConcurrency)
	for i, raw := range urls {
		g.Go(func() error {
			itemStart := s.now()
			res := s.resolve(ctx, raw, opts)
			item := batchItem{URL: raw, Cached: res.cached}
			if res.err != nil {
				item.Error = res.err.Message
				item.Code = res.err.Code
				item.Details = res.err.Details
				s.metrics.ObserveExtract(http.MethodPost, "failure", string(res.err.Code), false, s.now().Sub(itemStart))
			} else {
				item.Success = true
				item.Data = res.data
				s.metrics.ObserveExtract(http.MethodPost, "success", "", res.cached, s.now().Sub(itemStart))
			}
			results[i] = item
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// admit applies the rate limiter once per request and writes the rate limit
// headers. It returns false after writing a 429.
func (s *Service) admit(w http.ResponseWriter, r *http.Request, logger *slog.Logger, start time.Time) bool {
	client := ratelimit.ClientIdentifier(r, s.clientHeaders...)
	decision := s.limiter.Allow(client)
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(decision.ResetTime.Unix(), 10))
	if decision.Allowed {
		return true
	}

	retryAfter := decision.RetryAfter(s.now())
	w.Header().Set("Retry-After", strconv.FormatInt(int64(retryAfter/time.Second), 10))
	logger.Warn("rate limit exceeded",
		slog.String("client", client),
		slog.Int("count", decision.Count),
		slog.Time("reset_time", decision.ResetTime),
	)
	resetTime := decision.ResetTime.UTC()
	s.writeJSON(w, http.StatusTooManyRequests, errorResponse{
		Success:   false,
		Error:     "Too many requests. Please try again later.",
		Code:      extract.CodeRateLimit,
		Details:   fmt.Sprintf("Rate limit resets at %s", resetTime.Format(time.RFC3339)),
		ResetTime: &resetTime,
	})
	s.metrics.ObserveExtract(r.Method, "failure", string(extract.CodeRateLimit), false, s.now().Sub(start))
	return false
}

func (s *Service) fail(w http.ResponseWriter, method string, start time.Time, err *extract.Error) {
	s.WriteError(w, err)
	s.metrics.ObserveExtract(method, "failure", string(err.Code), false, s.now().Sub(start))
}

// ServeHealth reports cache, limiter and catalog state.
func (s *Service) ServeHealth(w http.ResponseWriter, r *http.Request) {
	status := healthResponse{
		Status:           "ok",
		CacheEntries:     s.cache.Size(r.Context()),
		Cache:            s.cache.Stats(),
		RateLimitClients: s.limiter.Tracked(),
		ObservedAt:       s.now().UTC(),
	}
	if s.retailers != nil {
		status.Retailers = s.retailers.Count()
		status.RetailerSource = s.retailers.Source()
	}
	s.writeJSON(w, http.StatusOK, status)
}

func (s *Service) requestCorrelationID(r *http.Request) string {
	if r != nil && s.correlationHeader != "" {
		if candidate := strings.TrimSpace(r.Header.Get(s.correlationHeader)); candidate != "" {
			return candidate
		}
	}
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err == nil {
		return hex.EncodeToString(buf)
	}
	return strconv.FormatInt(time.Now().UnixNano(), 10)
}

// queryBool reads "true"/"false"/"1"/"0" style flags, falling back to def for
// anything absent or unparseable.
func queryBool(raw string, def bool) bool {
	if raw == "" {
		return def
	}
	v, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return def
	}
	return v
}
