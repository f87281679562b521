package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWatchRetailersReloads(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dir := t.TempDir()
	catalog := filepath.Join(dir, "retailers.yaml")
	require.NoError(t, os.WriteFile(catalog, []byte("retailers:\n  shop:\n    name: Shop v1\n    domains: [shop.example]\n"), 0o600))

	cfg := DefaultConfig()
	cfg.Server.Retailers.File = catalog

	changeCh := make(chan RetailerBundle, 4)
	errCh := make(chan error, 4)
	watcher, err := NewLoader("WISHMETA").WatchRetailers(ctx, cfg, func(bundle RetailerBundle) {
		changeCh <- bundle
	}, func(err error) {
		errCh <- err
	})
	require.NoError(t, err)
	defer watcher.Stop()

	select {
	case bundle := <-changeCh:
		require.Equal(t, "Shop v1", bundle.Retailers["shop"].Name)
	case err := <-errCh:
		t.Fatalf("unexpected error: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for initial catalog")
	}

	require.NoError(t, os.WriteFile(catalog, []byte("retailers:\n  shop:\n    name: Shop v2\n    domains: [shop.example]\n"), 0o600))

	deadline := time.After(3 * time.Second)
	for {
		select {
		case bundle := <-changeCh:
			if bundle.Retailers["shop"].Name == "Shop v2" {
				return
			}
		case <-errCh:
		case <-deadline:
			t.Fatal("timeout waiting for catalog reload")
		}
	}
}

func TestWatchRetailersRequiresFile(t *testing.T) {
	_, err := NewLoader("WISHMETA").WatchRetailers(context.Background(), DefaultConfig(), func(RetailerBundle) {}, nil)
	require.Error(t, err)
}

func TestWatchRetailersRequiresCallback(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.Retailers.File = "retailers.yaml"
	_, err := NewLoader("WISHMETA").WatchRetailers(context.Background(), cfg, nil, nil)
	require.Error(t, err)
}

func TestStopIsIdempotent(t *testing.T) {
	var w *RetailerWatcher
	w.Stop()
}
