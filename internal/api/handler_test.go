package api

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/gavv/httpexpect/v2"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/l0p7/wishmeta/internal/cache"
	"github.com/l0p7/wishmeta/internal/extract"
	extractmocks "github.com/l0p7/wishmeta/internal/mocks/extract"
	"github.com/l0p7/wishmeta/internal/ratelimit"
	"github.com/l0p7/wishmeta/internal/retailers"
)

var extractedAt = time.Date(2025, 6, 1, 8, 30, 0, 0, time.UTC)

type harness struct {
	service   *Service
	cache     *cache.MetadataCache[extract.Metadata]
	extractor *extractmocks.MockExtractor
	expect    *httpexpect.Expect
}

func newHarness(t *testing.T, maxRequests int) *harness {
	t.Helper()
	c := cache.New[extract.Metadata](cache.NewMemory(), cache.Options{TTL: time.Hour})
	limiter := ratelimit.New(ratelimit.Options{Window: time.Minute, MaxRequests: maxRequests})
	ex := extractmocks.NewMockExtractor(t)
	svc := New(c, limiter, extract.Validator{}, ex, Options{
		CorrelationHeader: "X-Request-ID",
		UseFallback:       true,
		Retailers:         retailers.NewRegistry(nil),
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/api/metadata", svc.ServeMetadata)
	mux.HandleFunc("/healthz", svc.ServeHealth)

	expect := httpexpect.WithConfig(httpexpect.Config{
		BaseURL:  "http://wishmeta.test",
		Reporter: httpexpect.NewRequireReporter(t),
		Client:   &http.Client{Transport: httpexpect.NewBinder(mux)},
	})
	return &harness{service: svc, cache: c, extractor: ex, expect: expect}
}

func product(url, title string) extract.Metadata {
	price := 42.0
	return extract.Metadata{
		URL:         url,
		Title:       title,
		Price:       &price,
		Currency:    "USD",
		Retailer:    &retailers.Retailer{Name: "Good", Domain: "good.example"},
		ExtractedAt: extractedAt,
		Source:      extract.SourceOpenGraph,
	}
}

func (h *harness) expectExtract(url, title string) *extractmocks.MockExtractor_Extract_Call {
	return h.extractor.EXPECT().
		Extract(mock.Anything, url, mock.MatchedBy(func(opts extract.Options) bool {
			return opts.IncludeRetailerData && opts.UseFallback
		})).
		Return(product(url, title), nil)
}

func TestGetCachesSecondCall(t *testing.T) {
	h := newHarness(t, 100)
	h.expectExtract("https://good.example/a", "Mug").Once()

	first := h.expect.GET("/api/metadata").WithQuery("url", "https://good.example/a").
		Expect().
		Status(http.StatusOK)
	first.Header("X-Request-ID").NotEmpty()
	firstBody := first.JSON().Object()
	firstBody.HasValue("success", true).HasValue("cached", false)
	firstBody.Value("processingTime").Number().Ge(0)
	firstBody.Value("data").Object().HasValue("title", "Mug")

	second := h.expect.GET("/api/metadata").WithQuery("url", "  HTTPS://GOOD.EXAMPLE/a").
		Expect().
		Status(http.StatusOK).
		JSON().Object()
	second.HasValue("success", true).HasValue("cached", true)
	second.Value("data").IsEqual(firstBody.Value("data").Raw())
}

func TestGetEchoesCorrelationID(t *testing.T) {
	h := newHarness(t, 100)
	h.expectExtract("https://good.example/a", "Mug").Once()

	h.expect.GET("/api/metadata").
		WithQuery("url", "https://good.example/a").
		WithHeader("X-Request-ID", "req-123").
		Expect().
		Status(http.StatusOK).
		Header("X-Request-ID").IsEqual("req-123")
}

func TestGetValidation(t *testing.T) {
	h := newHarness(t, 100)

	h.expect.GET("/api/metadata").Expect().
		Status(http.StatusBadRequest).
		JSON().Object().
		HasValue("success", false).
		HasValue("code", "INVALID_URL")

	h.expect.GET("/api/metadata").WithQuery("url", "not-a-url").Expect().
		Status(http.StatusBadRequest).
		JSON().Object().
		HasValue("code", "INVALID_URL")

	require.Zero(t, h.cache.Stats().Sets)
}

func TestGetExtractorFailureIsNotCached(t *testing.T) {
	h := newHarness(t, 100)
	h.extractor.EXPECT().
		Extract(mock.Anything, "https://good.example/gone", mock.Anything).
		Return(extract.Metadata{}, &extract.Error{
			Code:       extract.CodeFetchFailed,
			Message:    "Failed to fetch URL",
			StatusCode: http.StatusBadGateway,
			Details:    "upstream responded with status 404",
		}).
		Twice()

	for range 2 {
		obj := h.expect.GET("/api/metadata").WithQuery("url", "https://good.example/gone").Expect().
			Status(http.StatusBadGateway).
			JSON().Object()
		obj.HasValue("success", false).HasValue("code", "FETCH_FAILED")
		obj.Value("details").String().Contains("404")
	}
	require.Zero(t, h.cache.Size(context.Background()))
}

func TestGetUntypedExtractorErrorDefaultsTo500(t *testing.T) {
	h := newHarness(t, 100)
	h.extractor.EXPECT().
		Extract(mock.Anything, "https://good.example/a", mock.Anything).
		Return(extract.Metadata{}, fmt.Errorf("parser exploded")).
		Once()

	h.expect.GET("/api/metadata").WithQuery("url", "https://good.example/a").Expect().
		Status(http.StatusInternalServerError).
		JSON().Object().
		HasValue("code", "FETCH_FAILED").
		HasValue("details", "parser exploded")
}

func TestGetForceRefreshOverwrites(t *testing.T) {
	h := newHarness(t, 100)
	h.expectExtract("https://good.example/a", "Old").Once()

	h.expect.GET("/api/metadata").WithQuery("url", "https://good.example/a").Expect().
		Status(http.StatusOK)

	h.expectExtract("https://good.example/a", "New").Once()
	h.expect.GET("/api/metadata").
		WithQuery("url", "https://good.example/a").
		WithQuery("forceRefresh", "true").
		Expect().
		Status(http.StatusOK).
		JSON().Object().
		HasValue("cached", false).
		Value("data").Object().HasValue("title", "New")

	h.expect.GET("/api/metadata").WithQuery("url", "https://good.example/a").Expect().
		Status(http.StatusOK).
		JSON().Object().
		HasValue("cached", true).
		Value("data").Object().HasValue("title", "New")
}

func TestGetRetailerDataIsOptional(t *testing.T) {
	h := newHarness(t, 100)
	h.expectExtract("https://good.example/a", "Mug").Once()

	h.expect.GET("/api/metadata").
		WithQuery("url", "https://good.example/a").
		WithQuery("includeRetailerData", "false").
		Expect().
		Status(http.StatusOK).
		JSON().Object().
		Value("data").Object().NotContainsKey("retailer")

	h.expect.GET("/api/metadata").WithQuery("url", "https://good.example/a").Expect().
		Status(http.StatusOK).
		JSON().Object().
		HasValue("cached", true).
		Value("data").Object().
		Value("retailer").Object().HasValue("name", "Good")
}

func TestRateLimitRejectsAfterBudget(t *testing.T) {
	h := newHarness(t, 2)
	h.expectExtract("https://good.example/a", "Mug").Once()

	for i := range 2 {
		h.expect.GET("/api/metadata").
			WithQuery("url", "https://good.example/a").
			WithHeader("X-Forwarded-For", "203.0.113.5").
			Expect().
			Status(http.StatusOK).
			Header("X-RateLimit-Remaining").IsEqual(fmt.Sprint(1 - i))
	}

	resp := h.expect.GET("/api/metadata").
		WithQuery("url", "https://good.example/a").
		WithHeader("X-Forwarded-For", "203.0.113.5").
		Expect().
		Status(http.StatusTooManyRequests)
	resp.Header("X-RateLimit-Limit").IsEqual("2")
	resp.Header("X-RateLimit-Remaining").IsEqual("0")
	resp.Header("Retry-After").NotEmpty()
	obj := resp.JSON().Object()
	obj.HasValue("success", false).HasValue("code", "RATE_LIMIT")
	obj.Value("resetTime").String().NotEmpty()

	h.expect.GET("/api/metadata").
		WithQuery("url", "https://good.example/a").
		WithHeader("X-Forwarded-For", "198.51.100.1").
		Expect().
		Status(http.StatusOK)
}

func TestRateLimitAppliesToBatch(t *testing.T) {
	h := newHarness(t, 1)
	h.expectExtract("https://good.example/a", "Mug").Once()

	h.expect.POST("/api/metadata").WithJSON(map[string]any{"urls": []string{"https://good.example/a"}}).
		Expect().
		Status(http.StatusOK)
	h.expect.POST("/api/metadata").WithJSON(map[string]any{"urls": []string{"https://good.example/a"}}).
		Expect().
		Status(http.StatusTooManyRequests).
		JSON().Object().HasValue("code", "RATE_LIMIT")
}

func TestBatchIsolatesFailures(t *testing.T) {
	h := newHarness(t, 100)
	h.expectExtract("https://good.example/a", "A").Once()
	h.expectExtract("https://good.example/b", "B").Once()

	obj := h.expect.POST("/api/metadata").
		WithJSON(map[string]any{"urls": []string{"https://good.example/a", "not-a-url", "https://good.example/b"}}).
		Expect().
		Status(http.StatusOK).
		JSON().Object()

	obj.HasValue("success", true)
	summary := obj.Value("summary").Object()
	summary.HasValue("total", 3).HasValue("successful", 2).HasValue("failed", 1).HasValue("cached", 0)

	results := obj.Value("results").Array()
	results.Length().IsEqual(3)
	results.Value(0).Object().HasValue("success", true).HasValue("url", "https://good.example/a").
		Value("data").Object().HasValue("title", "A")
	middle := results.Value(1).Object()
	middle.HasValue("success", false).HasValue("url", "not-a-url").HasValue("code", "INVALID_URL")
	middle.Value("error").String().NotEmpty()
	results.Value(2).Object().HasValue("success", true).
		Value("data").Object().HasValue("title", "B")
}

func TestBatchReportsCachedItems(t *testing.T) {
	h := newHarness(t, 100)
	h.expectExtract("https://good.example/a", "A").Once()
	h.expectExtract("https://good.example/b", "B").Once()

	h.expect.GET("/api/metadata").WithQuery("url", "https://good.example/a").Expect().Status(http.StatusOK)

	obj := h.expect.POST("/api/metadata").
		WithJSON(map[string]any{
			"urls":    []string{"https://good.example/a", "https://good.example/b"},
			"options": map[string]any{"includeRetailerData": false, "timeout": 2500},
		}).
		Expect().
		Status(http.StatusOK).
		JSON().Object()
	obj.Value("summary").Object().HasValue("successful", 2).HasValue("cached", 1)
	obj.Value("results").Array().Value(0).Object().HasValue("cached", true).
		Value("data").Object().NotContainsKey("retailer")
}

func TestBatchRejectsOversizedRequestBeforeWork(t *testing.T) {
	h := newHarness(t, 100)
	urls := make([]string, 11)
	for i := range urls {
		urls[i] = fmt.Sprintf("https://good.example/%d", i)
	}

	h.expect.POST("/api/metadata").WithJSON(map[string]any{"urls": urls}).
		Expect().
		Status(http.StatusBadRequest).
		JSON().Object().
		HasValue("success", false).
		HasValue("code", "INVALID_URL")

	require.Zero(t, h.cache.Stats().Sets)
	for _, u := range urls {
		require.False(t, h.cache.Has(context.Background(), u))
	}
}

func TestBatchRejectsMalformedBodies(t *testing.T) {
	h := newHarness(t, 100)

	h.expect.POST("/api/metadata").WithJSON(map[string]any{"urls": []string{}}).
		Expect().
		Status(http.StatusBadRequest).
		JSON().Object().HasValue("code", "INVALID_URL")

	h.expect.POST("/api/metadata").WithText("{not json").
		Expect().
		Status(http.StatusBadRequest).
		JSON().Object().HasValue("code", "INVALID_URL")
}

func TestOptionsAdvertisesCORS(t *testing.T) {
	h := newHarness(t, 100)

	resp := h.expect.OPTIONS("/api/metadata").Expect().Status(http.StatusNoContent)
	resp.NoContent()
	resp.Header("Access-Control-Allow-Origin").IsEqual("*")
	resp.Header("Access-Control-Allow-Methods").IsEqual("GET, POST, OPTIONS")
	resp.Header("Access-Control-Allow-Headers").Contains("Content-Type")
	resp.Header("Access-Control-Max-Age").IsEqual("86400")
}

func TestUnsupportedMethod(t *testing.T) {
	h := newHarness(t, 100)

	resp := h.expect.DELETE("/api/metadata").Expect().Status(http.StatusMethodNotAllowed)
	resp.Header("Allow").IsEqual("GET, POST, OPTIONS")
	resp.JSON().Object().HasValue("success", false)
}

func TestHealth(t *testing.T) {
	h := newHarness(t, 100)
	h.expectExtract("https://good.example/a", "Mug").Once()
	h.expect.GET("/api/metadata").WithQuery("url", "https://good.example/a").Expect().Status(http.StatusOK)

	obj := h.expect.GET("/healthz").Expect().Status(http.StatusOK).JSON().Object()
	obj.HasValue("status", "ok").HasValue("cacheEntries", 1).HasValue("rateLimitClients", 1)
	obj.Value("cache").Object().HasValue("sets", 1).HasValue("misses", 1)
	obj.Value("retailers").Number().Gt(0)
	obj.HasValue("retailerSource", "builtin")
}

func TestAbandonedRequestStillPopulatesCache(t *testing.T) {
	h := newHarness(t, 100)
	release := make(chan struct{})
	started := make(chan struct{})
	h.extractor.EXPECT().
		Extract(mock.Anything, "https://good.example/slow", mock.Anything).
		RunAndReturn(func(ctx context.Context, url string, _ extract.Options) (extract.Metadata, error) {
			close(started)
			<-release
			if ctx.Err() != nil {
				return extract.Metadata{}, ctx.Err()
			}
			return product(url, "Slow"), nil
		}).
		Once()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan outcome, 1)
	go func() {
		done <- h.service.resolve(ctx, "https://good.example/slow", requestOptions{includeRetailerData: true})
	}()

	<-started
	cancel()
	res := <-done
	require.NotNil(t, res.err)
	require.Equal(t, extract.CodeFetchFailed, res.err.Code)

	close(release)
	require.Eventually(t, func() bool {
		return h.cache.Has(context.Background(), "https://good.example/slow")
	}, time.Second, 10*time.Millisecond)
}

func TestExtractorPanicBecomesServerError(t *testing.T) {
	h := newHarness(t, 100)
	h.extractor.EXPECT().
		Extract(mock.Anything, "https://good.example/x", mock.Anything).
		RunAndReturn(func(context.Context, string, extract.Options) (extract.Metadata, error) {
			panic("boom")
		}).
		Once()

	obj := h.expect.GET("/api/metadata").WithQuery("url", "https://good.example/x").Expect().
		Status(http.StatusInternalServerError).
		JSON().Object()
	obj.HasValue("success", false).HasValue("code", "SERVER_ERROR")
	obj.Value("details").String().Contains("boom")
	require.Zero(t, h.cache.Stats().Sets)

	h.expectExtract("https://good.example/x", "Mug").Once()
	h.expect.GET("/api/metadata").WithQuery("url", "https://good.example/x").Expect().
		Status(http.StatusOK).
		JSON().Object().
		HasValue("cached", false)
}

func TestDrainWaitsForDetachedExtractions(t *testing.T) {
	h := newHarness(t, 100)
	require.NoError(t, h.service.Drain(context.Background()))

	release := make(chan struct{})
	started := make(chan struct{})
	h.extractor.EXPECT().
		Extract(mock.Anything, "https://good.example/slow", mock.Anything).
		RunAndReturn(func(_ context.Context, url string, _ extract.Options) (extract.Metadata, error) {
			close(started)
			<-release
			return product(url, "Slow"), nil
		}).
		Once()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan outcome, 1)
	go func() {
		done <- h.service.resolve(ctx, "https://good.example/slow", requestOptions{includeRetailerData: true})
	}()
	<-started
	cancel()
	require.NotNil(t, (<-done).err)

	short, cancelShort := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancelShort()
	require.ErrorIs(t, h.service.Drain(short), context.DeadlineExceeded)

	close(release)
	require.NoError(t, h.service.Drain(context.Background()))
	require.True(t, h.cache.Has(context.Background(), "https://good.example/slow"))
}
