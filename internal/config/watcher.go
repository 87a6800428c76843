package config

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ReloadFunc receives every config that loaded and validated after a change
// on disk. It runs on the watcher goroutine.
type ReloadFunc func(cfg *Config)

// Watcher reloads the config file when it changes. fsnotify catches editor
// saves quickly; a content-hash poll catches ConfigMap volume swaps that
// never reach inotify.
type Watcher struct {
	path     string
	onReload ReloadFunc
	logger   *slog.Logger

	debounce     time.Duration
	pollInterval time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	done   bool
}

// NewWatcher returns a watcher for path. Nothing is watched until Run.
func NewWatcher(path string, onReload ReloadFunc, logger *slog.Logger) *Watcher {
	return &Watcher{
		path:         path,
		onReload:     onReload,
		logger:       logger,
		debounce:     300 * time.Millisecond,
		pollInterval: 2 * time.Second,
	}
}

// Run watches until ctx is canceled or Stop is called.
func (w *Watcher) Run(ctx context.Context) error {
	w.mu.Lock()
	if w.done {
		w.mu.Unlock()
		return nil
	}
	ctx, w.cancel = context.WithCancel(ctx)
	w.mu.Unlock()

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsw.Close()

	// The directory is watched so atomic rename-over saves and symlink swaps
	// are seen; the file itself is added on a best-effort basis.
	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		return err
	}
	_ = fsw.Add(w.path)

	w.logger.Info("config watcher started", "path", w.path)

	lastHash := fileDigest(w.path)

	poll := time.NewTicker(w.pollInterval)
	defer poll.Stop()

	var settle *time.Timer
	var settleC <-chan time.Time
	defer func() {
		if settle != nil {
			settle.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("config watcher stopped")
			return nil

		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				_ = fsw.Add(w.path)
			}
			if settle == nil {
				settle = time.NewTimer(w.debounce)
			} else {
				settle.Stop()
				settle.Reset(w.debounce)
			}
			settleC = settle.C

		case <-settleC:
			settleC = nil
			lastHash = fileDigest(w.path)
			w.reload()

		case <-poll.C:
			if h := fileDigest(w.path); h != lastHash {
				lastHash = h
				w.logger.Debug("config change detected by polling", "path", w.path)
				w.reload()
			}

		case werr, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("config watcher error", "error", werr)
		}
	}
}

// Stop ends Run. Safe to call more than once and before Run.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done {
		return
	}
	w.done = true
	if w.cancel != nil {
		w.cancel()
	}
}

func (w *Watcher) reload() {
	cfg, err := LoadFromPath(w.path)
	if err != nil {
		w.logger.Error("config reload rejected, keeping current config", "error", err)
		return
	}
	w.logger.Info("config reloaded", "path", w.path, "routes", len(cfg.Routes))
	w.onReload(cfg)
}

// fileDigest hashes the resolved file content, or returns "" when the file
// cannot be read.
func fileDigest(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return ""
	}
	return hex.EncodeToString(h.Sum(nil))
}
