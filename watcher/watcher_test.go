package watcher

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

type recordingInvalidator struct {
	mu    sync.Mutex
	paths []string
}

func (r *recordingInvalidator) InvalidatePath(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paths = append(r.paths, path)
}

func (r *recordingInvalidator) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.paths...)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return cond()
}

func TestWatcherInvalidatesChangedBlendFiles(t *testing.T) {
	dir := t.TempDir()
	inv := &recordingInvalidator{}

	w, err := New(inv)
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	defer func() { _ = w.Close() }()

	w.WatchDirs([]string{dir})
	if w.WatchedCount() != 1 {
		t.Fatalf("watched = %d, want 1", w.WatchedCount())
	}

	target := filepath.Join(dir, "scene.blend")
	if err := os.WriteFile(target, []byte("BLENDER-v306"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	ok := waitFor(t, 3*time.Second, func() bool {
		for _, p := range inv.snapshot() {
			if p == target {
				return true
			}
		}
		return false
	})
	if !ok {
		t.Fatalf("create of %s never reached the invalidator, got %v", target, inv.snapshot())
	}
}

func TestWatcherIgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	inv := &recordingInvalidator{}

	w, err := New(inv)
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	defer func() { _ = w.Close() }()

	w.WatchDirs([]string{dir})

	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("hi"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	// Give the event time to arrive; nothing blend-like should be recorded.
	time.Sleep(300 * time.Millisecond)
	if got := inv.snapshot(); len(got) != 0 {
		t.Errorf("non-blend files must be ignored, got %v", got)
	}
}

func TestWatchDirsDeduplicates(t *testing.T) {
	dir := t.TempDir()
	inv := &recordingInvalidator{}

	w, err := New(inv)
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	defer func() { _ = w.Close() }()

	w.WatchDirs([]string{dir, dir})
	w.WatchDirs([]string{dir})
	if w.WatchedCount() != 1 {
		t.Errorf("watched = %d, want 1 after duplicate adds", w.WatchedCount())
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	w, err := New(&recordingInvalidator{})
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("first close: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}

	// Adds after close are no-ops.
	w.WatchDirs([]string{t.TempDir()})
	if w.WatchedCount() != 0 {
		t.Errorf("watched = %d, want 0 after close", w.WatchedCount())
	}
}
