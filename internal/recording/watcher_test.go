package recording

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"webrtsp-restreamer/internal/config"
	"webrtsp-restreamer/internal/registry"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
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
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestWatcherCoalescesBursts(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWatcher(100*time.Millisecond, nil)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	var calls atomic.Int32
	if err := w.Watch(dir, func() { calls.Add(1) }); err != nil {
		t.Fatalf("Watch: %v", err)
	}
	startWatcher(t, w)

	for _, name := range []string{"a", "b", "c"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(name), 0o600); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	waitFor(t, func() bool { return calls.Load() >= 1 })
	time.Sleep(300 * time.Millisecond)
	if got := calls.Load(); got != 1 {
		t.Fatalf("expected one settled callback, got %d", got)
	}
}

func TestWatchMissingDir(t *testing.T) {
	w, err := NewWatcher(time.Second, nil)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.watcher.Close()
	if err := w.Watch(filepath.Join(t.TempDir(), "missing"), func() {}); err == nil {
		t.Fatal("expected error watching missing directory")
	}
}

func TestWatchPlayerDirsRefreshesListing(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "first.mp4"), nil, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := config.Parse([]byte(`{"streamers":{"files":{"type":"player","uri":"` + dir + `"}}}`))
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	w, err := NewWatcher(50*time.Millisecond, nil)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}

	reg := registry.New(registry.Lists{})
	posted := make(chan func(), 16)
	post := func(fn func()) bool {
		posted <- fn
		return true
	}
	if err := WatchPlayerDirs(w, cfg, reg, post, testLogger()); err != nil {
		t.Fatalf("WatchPlayerDirs: %v", err)
	}
	(<-posted)()
	if body, _ := reg.MountpointList("files"); !strings.Contains(body, "files/first.mp4") {
		t.Fatalf("initial listing missing file: %q", body)
	}

	startWatcher(t, w)
	if err := os.WriteFile(filepath.Join(dir, "second.mp4"), nil, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	select {
	case fn := <-posted:
		fn()
	case <-time.After(3 * time.Second):
		t.Fatal("listing was not refreshed")
	}
	if body, _ := reg.MountpointList("files"); !strings.Contains(body, "files/second.mp4") {
		t.Fatalf("refreshed listing missing file: %q", body)
	}
}

func TestWatchRecordDirsEvaluatesImmediately(t *testing.T) {
	dir := t.TempDir()
	cfg, err := config.Parse([]byte(`{"streamers":{"rec":{"type":"record","record":{"dir":"` + dir + `"}}}}`))
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	w, err := NewWatcher(time.Second, nil)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.watcher.Close()
	evictors, err := WatchRecordDirs(w, cfg, testLogger(), nil)
	if err != nil {
		t.Fatalf("WatchRecordDirs: %v", err)
	}
	if len(evictors) != 1 || evictors[0].maxDirSize != config.MinMaxDirSize {
		t.Fatalf("expected one evictor at the minimum cap, got %+v", evictors)
	}
}

func TestWatchRecordDirsCreatesMissingDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "rec", "cam1")
	cfg, err := config.Parse([]byte(`{"streamers":{"cam1":{"type":"record","record":{"dir":"` + dir + `"}}}}`))
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	w, err := NewWatcher(time.Second, nil)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.watcher.Close()
	if _, err := WatchRecordDirs(w, cfg, testLogger(), nil); err != nil {
		t.Fatalf("WatchRecordDirs: %v", err)
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		t.Fatalf("expected recording dir to be created, got %v", err)
	}
}
