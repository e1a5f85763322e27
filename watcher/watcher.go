// Package watcher invalidates cached parse results when blend files change
// on disk between scans. It watches the directories where scans found blend
// files; any write, create, remove or rename of a .blend file drops that
// file's cache row so the next scan parses it fresh.
package watcher

import (
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/mordilloSan/go_logger/logger"
)

// Invalidator drops a cached entry for an absolute file path.
type Invalidator interface {
	InvalidatePath(path string)
}

// Watcher maintains a set of watched directories and forwards blend file
// changes to the invalidator.
type Watcher struct {
	fsw        *fsnotify.Watcher
	invalidate Invalidator

	mu      sync.Mutex
	watched map[string]struct{}
	closed  bool

	done chan struct{}
}

// New starts a watcher that feeds change events to inv.
func New(inv Invalidator) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		fsw:        fsw,
		invalidate: inv,
		watched:    make(map[string]struct{}),
		done:       make(chan struct{}),
	}
	go w.run()
	return w, nil
}

// WatchDirs adds directories to the watch set. Already watched directories
// are skipped; failures to watch a single directory are logged and do not
// stop the rest.
func (w *Watcher) WatchDirs(dirs []string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	for _, dir := range dirs {
		abs, err := filepath.Abs(dir)
		if err != nil {
			continue
		}
		if _, ok := w.watched[abs]; ok {
			continue
		}
		if err := w.fsw.Add(abs); err != nil {
			logger.Warnf("Could not watch %s: %v", abs, err)
			continue
		}
		w.watched[abs] = struct{}{}
		logger.Debugf("Watching %s for blend file changes", abs)
	}
}

// WatchedCount returns the number of directories currently watched.
func (w *Watcher) WatchedCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.watched)
}

// Close stops the watcher. Safe to call more than once.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()

	err := w.fsw.Close()
	<-w.done
	return err
}

func (w *Watcher) run() {
	defer close(w.done)
	for {
		select {
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			logger.Warnf("Watcher error: %v", err)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if !isBlendPath(event.Name) {
		return
	}
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}
	logger.Debugf("Blend file changed (%s): %s", event.Op, event.Name)
	w.invalidate.InvalidatePath(event.Name)
}

func isBlendPath(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".blend")
}
