package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoader(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(t *testing.T) []string
		wantErr bool
		assert  func(t *testing.T, cfg Config)
	}{
		{
			name: "returns defaults when no overrides",
			setup: func(t *testing.T) []string {
				return nil
			},
			assert: func(t *testing.T, cfg Config) {
				require.Equal(t, 8080, cfg.Server.Listen.Port)
				require.Equal(t, 15*time.Minute, cfg.Server.RateLimit.Window())
				require.Equal(t, 100, cfg.Server.RateLimit.MaxRequestsPerWindow)
				require.Equal(t, []string{"X-Forwarded-For", "X-Real-IP"}, cfg.Server.RateLimit.ClientHeaders)
				require.Equal(t, "wishmeta:metadata:v1", cfg.Server.Cache.Namespace)
			},
		},
		{
			name: "merges file overrides",
			setup: func(t *testing.T) []string {
				path := writeFile(t, "server.yaml", "server:\n  listen:\n    port: 9090\n  rateLimit:\n    maxRequestsPerWindow: 5\n")
				return []string{path}
			},
			assert: func(t *testing.T, cfg Config) {
				require.Equal(t, 9090, cfg.Server.Listen.Port)
				require.Equal(t, 5, cfg.Server.RateLimit.MaxRequestsPerWindow)
			},
		},
		{
			name: "prefers env overrides",
			setup: func(t *testing.T) []string {
				path := writeFile(t, "server.yaml", "server:\n  listen:\n    port: 9090\n")
				t.Setenv("WISHMETA_SERVER__LISTEN__PORT", "9091")
				return []string{path}
			},
			assert: func(t *testing.T, cfg Config) {
				require.Equal(t, 9091, cfg.Server.Listen.Port)
			},
		},
		{
			name: "maps camel case env keys",
			setup: func(t *testing.T) []string {
				t.Setenv("WISHMETA_SERVER__RATELIMIT__WINDOWDURATIONMS", "60000")
				t.Setenv("WISHMETA_SERVER__EXTRACTOR__TIMEOUTMS", "2500")
				t.Setenv("WISHMETA_SERVER__CACHE__TTLSECONDS", "120")
				return nil
			},
			assert: func(t *testing.T, cfg Config) {
				require.Equal(t, time.Minute, cfg.Server.RateLimit.Window())
				require.Equal(t, 2500*time.Millisecond, cfg.Server.Extractor.Timeout())
				require.Equal(t, 120, cfg.Server.Cache.TTLSeconds)
			},
		},
		{
			name: "rejects zero request budget",
			setup: func(t *testing.T) []string {
				path := writeFile(t, "server.yaml", "server:\n  rateLimit:\n    maxRequestsPerWindow: 0\n")
				return []string{path}
			},
			wantErr: true,
		},
		{
			name: "requires redis address",
			setup: func(t *testing.T) []string {
				path := writeFile(t, "server.yaml", "server:\n  cache:\n    backend: redis\n")
				return []string{path}
			},
			wantErr: true,
		},
		{
			name: "fails when file missing",
			setup: func(t *testing.T) []string {
				return []string{filepath.Join(t.TempDir(), "missing.yaml")}
			},
			wantErr: true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			files := tc.setup(t)
			cfg, err := NewLoader("WISHMETA", files...).Load(context.Background())
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			if tc.assert != nil {
				tc.assert(t, cfg)
			}
		})
	}
}

func TestLoaderHonorsCancelledContext(t *testing.T) {
	path := writeFile(t, "server.yaml", "server:\n  listen:\n    port: 9090\n")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewLoader("WISHMETA", path).Load(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func writeFile(t *testing.T, name, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}
