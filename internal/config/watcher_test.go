package config_test

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/cadenza/internal/config"
)

const watcherValidYAML = `
server:
  log_level: info
engine:
  music_volume: 0.5
`

const watcherUpdatedYAML = `
server:
  log_level: debug
engine:
  music_volume: 0.7
`

const watcherInvalidYAML = `
server:
  log_level: bananas
`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write file %q: %v", path, err)
	}
}

func newWatcher(t *testing.T, content string, onChange func(old, new *config.Config)) (*config.Watcher, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, content)
	w, err := config.NewWatcher(path, onChange, config.WithDebounce(20*time.Millisecond))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(w.Stop)
	return w, path
}

func TestWatcher_InitialLoad(t *testing.T) {
	t.Parallel()
	w, _ := newWatcher(t, watcherValidYAML, nil)
	cfg := w.Current()
	if cfg == nil {
		t.Fatal("Current() returned nil after initial load")
	}
	if cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("log_level: got %q, want %q", cfg.Server.LogLevel, config.LogInfo)
	}
}

func TestWatcher_DetectsChange(t *testing.T) {
	t.Parallel()
	var (
		mu       sync.Mutex
		old, new *config.Config
	)
	called := make(chan struct{}, 1)
	w, path := newWatcher(t, watcherValidYAML, func(o, n *config.Config) {
		mu.Lock()
		old, new = o, n
		mu.Unlock()
		select {
		case called <- struct{}{}:
		default:
		}
	})

	writeFile(t, path, watcherUpdatedYAML)
	select {
	case <-called:
	case <-time.After(2 * time.Second):
		t.Fatal("callback was not invoked within timeout")
	}

	mu.Lock()
	defer mu.Unlock()
	if old.Server.LogLevel != config.LogInfo || new.Server.LogLevel != config.LogDebug {
		t.Errorf("callback got old=%q new=%q", old.Server.LogLevel, new.Server.LogLevel)
	}
	d := config.Diff(old, new)
	if !d.LogLevelChanged || len(d.VolumeChanges) != 1 {
		t.Errorf("diff = %+v", d)
	}
	if w.Current().Server.LogLevel != config.LogDebug {
		t.Errorf("Current() not updated")
	}
}

func TestWatcher_DetectsAtomicReplace(t *testing.T) {
	t.Parallel()
	called := make(chan struct{}, 1)
	w, path := newWatcher(t, watcherValidYAML, func(_, _ *config.Config) {
		select {
		case called <- struct{}{}:
		default:
		}
	})

	tmp := path + ".tmp"
	writeFile(t, tmp, watcherUpdatedYAML)
	if err := os.Rename(tmp, path); err != nil {
		t.Fatal(err)
	}
	select {
	case <-called:
	case <-time.After(2 * time.Second):
		t.Fatal("rename was not noticed")
	}
	if w.Current().Server.LogLevel != config.LogDebug {
		t.Error("Current() not updated after rename")
	}
}

func TestWatcher_InvalidFileKeepsOldConfig(t *testing.T) {
	t.Parallel()
	var (
		mu    sync.Mutex
		calls int
	)
	w, path := newWatcher(t, watcherValidYAML, func(_, _ *config.Config) {
		mu.Lock()
		calls++
		mu.Unlock()
	})

	writeFile(t, path, watcherInvalidYAML)
	time.Sleep(300 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if calls != 0 {
		t.Errorf("callback should not be called for invalid config, got %d calls", calls)
	}
	if w.Current().Server.LogLevel != config.LogInfo {
		t.Errorf("Current() should still have old config, got log_level=%q", w.Current().Server.LogLevel)
	}
}

func TestWatcher_TouchWithoutContentChange(t *testing.T) {
	t.Parallel()
	var (
		mu    sync.Mutex
		calls int
	)
	_, path := newWatcher(t, watcherValidYAML, func(_, _ *config.Config) {
		mu.Lock()
		calls++
		mu.Unlock()
	})

	writeFile(t, path, watcherValidYAML)
	time.Sleep(300 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if calls != 0 {
		t.Errorf("callback should not fire for identical content, got %d calls", calls)
	}
}

func TestWatcher_InitialLoadFails(t *testing.T) {
	t.Parallel()
	if _, err := config.NewWatcher("/nonexistent/path.yaml", nil); err == nil {
		t.Fatal("expected error for non-existent file, got nil")
	}
}

func TestWatcher_StopIsIdempotent(t *testing.T) {
	t.Parallel()
	w, _ := newWatcher(t, watcherValidYAML, nil)
	w.Stop()
	w.Stop()
}
