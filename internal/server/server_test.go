package server

import (
	"context"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/l0p7/wishmeta/internal/config"
	"github.com/l0p7/wishmeta/internal/logging"
)

func TestNewRequiresHandler(t *testing.T) {
	_, err := New(config.DefaultConfig(), logging.Discard(), nil)
	require.Error(t, err)
}

func TestNewUsesConfiguredAddress(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Server.Listen.Address = "127.0.0.1"
	cfg.Server.Listen.Port = 9090

	srv, err := New(cfg, nil, http.NewServeMux())
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:9090", srv.httpServer.Addr)
	require.Empty(t, srv.Addr())
}

func TestWriteTimeoutCoversBatch(t *testing.T) {
	cases := map[string]struct {
		timeoutMs   int
		concurrency int
		want        time.Duration
	}{
		"defaults":       {timeoutMs: 10000, concurrency: 4, want: 3*10*time.Second + writeSlack},
		"serial":         {timeoutMs: 1000, concurrency: 1, want: 10*time.Second + writeSlack},
		"fully parallel": {timeoutMs: 2000, concurrency: 16, want: 2*time.Second + writeSlack},
		"no budget":      {timeoutMs: 0, concurrency: 4, want: 0},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			got := writeTimeout(config.ExtractorConfig{TimeoutMs: tc.timeoutMs, BatchConcurrency: tc.concurrency})
			require.Equal(t, tc.want, got)
		})
	}
}

func TestRunServesAndShutsDownWhenContextCancelled(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Server.Listen.Address = "127.0.0.1"
	cfg.Server.Listen.Port = 0

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	srv, err := New(cfg, logging.Discard(), handler)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- srv.Run(ctx)
	}()

	require.Eventually(t, func() bool { return srv.Addr() != "" }, 2*time.Second, 10*time.Millisecond)
	resp, err := http.Get("http://" + srv.Addr() + "/")
	require.NoError(t, err)
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatalf("server did not return after cancellation")
	}
}

func TestRunReportsListenFailure(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Server.Listen.Address = "256.0.0.1"

	srv, err := New(cfg, logging.Discard(), http.NewServeMux())
	require.NoError(t, err)
	require.Error(t, srv.Run(context.Background()))
}
