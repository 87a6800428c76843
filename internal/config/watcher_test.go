package config

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func routeYAML(rate int) string {
	return `
routes:
  - id: filter_route
    path: /filter/**
    upstream: http://127.0.0.1:9000
    filters: [rate_limiter]
    rate_limiter:
      replenish_rate: ` + strconv.Itoa(rate) + `
      burst_capacity: 10
`
}

func startWatcher(t *testing.T, w *Watcher) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	// fsnotify registration happens on the goroutine.
	time.Sleep(150 * time.Millisecond)
}

func TestWatcher_ReloadsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(routeYAML(1)), 0o644))

	var got atomic.Pointer[Config]
	w := NewWatcher(path, func(cfg *Config) { got.Store(cfg) }, testLogger())
	w.debounce = 50 * time.Millisecond
	startWatcher(t, w)

	require.NoError(t, os.WriteFile(path, []byte(routeYAML(7)), 0o644))

	require.Eventually(t, func() bool { return got.Load() != nil }, 3*time.Second, 25*time.Millisecond)
	assert.Equal(t, float64(7), got.Load().Routes[0].RateLimiter.ReplenishRate)
}

func TestWatcher_RejectsInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(routeYAML(1)), 0o644))

	var calls atomic.Int64
	w := NewWatcher(path, func(*Config) { calls.Add(1) }, testLogger())
	w.debounce = 50 * time.Millisecond
	startWatcher(t, w)

	require.NoError(t, os.WriteFile(path, []byte("routes: [{{"), 0o644))
	time.Sleep(400 * time.Millisecond)

	assert.Zero(t, calls.Load())
}

func TestWatcher_CoalescesBurstOfWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(routeYAML(1)), 0o644))

	var calls atomic.Int64
	w := NewWatcher(path, func(*Config) { calls.Add(1) }, testLogger())
	w.debounce = 200 * time.Millisecond
	startWatcher(t, w)

	for i := 0; i < 10; i++ {
		require.NoError(t, os.WriteFile(path, []byte(routeYAML(2)), 0o644))
		time.Sleep(10 * time.Millisecond)
	}
	time.Sleep(600 * time.Millisecond)

	assert.LessOrEqual(t, calls.Load(), int64(2))
	assert.GreaterOrEqual(t, calls.Load(), int64(1))
}

func TestWatcher_PollingSeesSymlinkSwap(t *testing.T) {
	dir := t.TempDir()
	v1 := filepath.Join(dir, "..v1")
	v2 := filepath.Join(dir, "..v2")
	require.NoError(t, os.Mkdir(v1, 0o755))
	require.NoError(t, os.Mkdir(v2, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(v1, "config.yaml"), []byte(routeYAML(1)), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(v2, "config.yaml"), []byte(routeYAML(9)), 0o644))

	data := filepath.Join(dir, "..data")
	require.NoError(t, os.Symlink(v1, data))
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.Symlink(filepath.Join("..data", "config.yaml"), path))

	var got atomic.Pointer[Config]
	w := NewWatcher(path, func(cfg *Config) { got.Store(cfg) }, testLogger())
	w.pollInterval = 100 * time.Millisecond
	startWatcher(t, w)

	tmp := filepath.Join(dir, "..data_tmp")
	require.NoError(t, os.Symlink(v2, tmp))
	require.NoError(t, os.Rename(tmp, data))

	require.Eventually(t, func() bool {
		cfg := got.Load()
		return cfg != nil && cfg.Routes[0].RateLimiter.ReplenishRate == 9
	}, 3*time.Second, 25*time.Millisecond)
}

func TestWatcher_StopBeforeRun(t *testing.T) {
	w := NewWatcher(filepath.Join(t.TempDir(), "none.yaml"), func(*Config) {}, testLogger())
	w.Stop()
	w.Stop()
	assert.NoError(t, w.Run(context.Background()))
}
