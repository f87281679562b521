package config

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// RetailerWatcher monitors the configured retailer catalog and invokes the
// supplied callback whenever the file changes. Stop must be called to release
// filesystem resources.
type RetailerWatcher struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Stop halts the watcher and waits for the underlying goroutine to exit.
func (w *RetailerWatcher) Stop() {
	if w == nil {
		return
	}
	w.once.Do(func() {
		w.cancel()
		<-w.done
	})
}

// WatchRetailers wires fsnotify around the catalog file and reloads the bundle
// on any relevant change. The initial bundle is delivered before returning.
func (l *Loader) WatchRetailers(ctx context.Context, cfg Config, onChange func(RetailerBundle), onError func(error)) (*RetailerWatcher, error) {
	if onChange == nil {
		return nil, fmt.Errorf("config: watch retailers requires a change callback")
	}
	if strings.TrimSpace(cfg.Server.Retailers.File) == "" {
		return nil, fmt.Errorf("config: no retailers file configured for watching")
	}

	watchCtx, cancel := context.WithCancel(ctx)
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("config: watch retailers: %w", err)
	}

	bundle, err := LoadRetailers(watchCtx, cfg.Server.Retailers)
	if err != nil {
		if closeErr := watcher.Close(); closeErr != nil && onError != nil {
			onError(fmt.Errorf("config: watch retailers close: %w", closeErr))
		}
		cancel()
		return nil, err
	}
	onChange(bundle)

	targetFile := cfg.Server.Retailers.File
	if abs, err := filepath.Abs(targetFile); err == nil {
		targetFile = abs
	} else if onError != nil {
		onError(fmt.Errorf("config: resolve retailers file: %w", err))
	}
	targetFile = filepath.Clean(targetFile)

	// Watch the parent directory so editors that replace the file via rename
	// keep producing events.
	if err := watcher.Add(filepath.Dir(targetFile)); err != nil {
		if closeErr := watcher.Close(); closeErr != nil && onError != nil {
			onError(fmt.Errorf("config: watch retailers close: %w", closeErr))
		}
		cancel()
		return nil, fmt.Errorf("config: watch add %s: %w", filepath.Dir(targetFile), err)
	}

	done := make(chan struct{})
	watch := &RetailerWatcher{cancel: cancel, done: done}

	go func() {
		defer close(done)
		defer func() {
			if err := watcher.Close(); err != nil && onError != nil {
				onError(fmt.Errorf("config: watch retailers close: %w", err))
			}
		}()

		reload := func() {
			bundle, err := LoadRetailers(watchCtx, cfg.Server.Retailers)
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return
				}
				if onError != nil {
					onError(err)
				}
				return
			}
			onChange(bundle)
		}

		const debounce = 25 * time.Millisecond
		var reloadTimer *time.Timer
		var reloadSignal <-chan time.Time
		scheduleReload := func() {
			if reloadTimer == nil {
				reloadTimer = time.NewTimer(debounce)
			} else {
				if !reloadTimer.Stop() {
					select {
					case <-reloadTimer.C:
					default:
					}
				}
				reloadTimer.Reset(debounce)
			}
			reloadSignal = reloadTimer.C
		}
		defer func() {
			if reloadTimer != nil {
				reloadTimer.Stop()
			}
		}()

		for {
			select {
			case <-watchCtx.Done():
				return
			case <-reloadSignal:
				reloadSignal = nil
				reload()
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != targetFile {
					continue
				}
				if event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 && onError != nil {
					onError(fmt.Errorf("config: retailers file %s removed", targetFile))
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove|fsnotify.Chmod) != 0 {
					scheduleReload()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				if onError != nil {
					onError(fmt.Errorf("config: watch error: %w", err))
				}
			}
		}
	}()

	return watch, nil
}
