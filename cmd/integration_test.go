package main

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gavv/httpexpect/v2"
	"github.com/stretchr/testify/require"
)

const productPage = `<!doctype html>
<html><head>
<title>Fallback title</title>
<meta property="og:title" content="Enamel Camp Mug">
<meta property="og:description" content="A sturdy mug for the trail.">
<meta property="og:image" content="/img/mug.jpg">
<meta property="product:price:amount" content="18.50">
</head><body><h1>Enamel Camp Mug</h1></body></html>`

func startUpstream(t *testing.T) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	hits := &atomic.Int32{}
	mux := http.NewServeMux()
	mux.HandleFunc("/products/mug", func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(productPage))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, hits
}

func writeIntegrationConfig(t *testing.T, dir string, port int) string {
	t.Helper()
	catalog := filepath.Join(dir, "retailers.yaml")
	require.NoError(t, os.WriteFile(catalog, []byte("retailers:\n  camp:\n    name: Camp Supply\n    domains: [127.0.0.1]\n    currency: eur\n"), 0o600))

	cfg := map[string]any{
		"server": map[string]any{
			"listen": map[string]any{
				"address": "127.0.0.1",
				"port":    port,
			},
			"logging": map[string]any{
				"format":            "text",
				"level":             "warn",
				"correlationHeader": "X-Request-ID",
			},
			"cache": map[string]any{
				"backend":    "memory",
				"ttlSeconds": 60,
			},
			"rateLimit": map[string]any{
				"windowDurationMs":     60000,
				"maxRequestsPerWindow": 5,
			},
			"extractor": map[string]any{
				"timeoutMs":         2000,
				"allowPrivateHosts": true,
			},
			"retailers": map[string]any{
				"file": catalog,
			},
		},
	}
	contents, err := json.MarshalIndent(cfg, "", "  ")
	require.NoError(t, err)
	path := filepath.Join(dir, "integration-config.json")
	require.NoError(t, os.WriteFile(path, contents, 0o600))
	return path
}

func allocatePort(t *testing.T) int {
	t.Helper()
	var lc net.ListenConfig
	l, err := lc.Listen(context.Background(), "tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr, ok := l.Addr().(*net.TCPAddr)
	require.True(t, ok, "unexpected addr type %T", l.Addr())
	require.NoError(t, l.Close())
	return addr.Port
}

func integrationURL(port int, path string) string {
	u := url.URL{
		Scheme: "http",
		Host:   net.JoinHostPort("127.0.0.1", strconv.Itoa(port)),
		Path:   path,
	}
	return u.String()
}

func waitForEndpoint(t *testing.T, client *http.Client, target string, timeout time.Duration) {
	t.Helper()
	require.Eventually(t, func() bool {
		resp, err := client.Get(target) // #nosec G107 - test helper for local server
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode < 500
	}, timeout, 50*time.Millisecond, "server did not become ready")
}

func TestIntegrationServerLifecycle(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	upstream, upstreamHits := startUpstream(t)
	port := allocatePort(t)
	configPath := writeIntegrationConfig(t, t.TempDir(), port)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- run(ctx, "WISHMETA_INTEGRATION", configPath)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Errorf("server did not stop after cancellation")
		}
	})

	client := &http.Client{Timeout: 5 * time.Second}
	waitForEndpoint(t, client, integrationURL(port, "/healthz"), 10*time.Second)

	expect := httpexpect.WithConfig(httpexpect.Config{
		BaseURL:  integrationURL(port, ""),
		Reporter: httpexpect.NewRequireReporter(t),
		Client:   client,
	})
	target := upstream.URL + "/products/mug"

	first := expect.GET("/api/metadata").WithQuery("url", target).
		Expect().
		Status(http.StatusOK).
		JSON().Object()
	first.HasValue("success", true).HasValue("cached", false)
	data := first.Value("data").Object()
	data.HasValue("title", "Enamel Camp Mug")
	data.HasValue("price", 18.5)
	data.HasValue("currency", "EUR")
	data.HasValue("siteName", "Camp Supply")
	data.HasValue("image", upstream.URL+"/img/mug.jpg")
	data.Value("retailer").Object().HasValue("name", "Camp Supply")

	expect.GET("/api/metadata").WithQuery("url", target).
		Expect().
		Status(http.StatusOK).
		JSON().Object().
		HasValue("cached", true)
	require.EqualValues(t, 1, upstreamHits.Load())

	batch := expect.POST("/api/metadata").
		WithJSON(map[string]any{"urls": []string{target, "ftp://example.com/file"}}).
		Expect().
		Status(http.StatusOK).
		JSON().Object()
	batch.Value("summary").Object().HasValue("total", 2).HasValue("successful", 1).HasValue("cached", 1)

	expect.GET("/healthz").Expect().
		Status(http.StatusOK).
		JSON().Object().
		HasValue("status", "ok").
		HasValue("cacheEntries", 1).
		HasValue("retailerSource", filepath.Join(filepath.Dir(configPath), "retailers.yaml"))

	expect.GET("/metrics").Expect().
		Status(http.StatusOK).
		Body().Contains("wishmeta_extract_requests_total")

	for range 2 {
		expect.GET("/api/metadata").WithQuery("url", target).Expect().Status(http.StatusOK)
	}
	expect.GET("/api/metadata").WithQuery("url", target).
		Expect().
		Status(http.StatusTooManyRequests).
		JSON().Object().
		HasValue("code", "RATE_LIMIT")
}
