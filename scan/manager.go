// Package scan runs cancellable background scans of directory subtrees,
// locating .blend files and collecting their decoded metadata into a folder
// tree plus a flat file list that callers poll for.
package scan

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mordilloSan/go_logger/logger"
)

var (
	// ErrNotDirectory rejects a scan target that does not resolve to an
	// existing directory. No job is created.
	ErrNotDirectory = errors.New("path is not a directory")
	// ErrJobNotFound is returned for ids that were never issued or whose
	// terminal jobs have been evicted.
	ErrJobNotFound = errors.New("scan job not found")
)

// defaultRetainJobs bounds how many terminal jobs stay pollable. Running
// jobs are never evicted.
const defaultRetainJobs = 32

// Manager owns the registry of in-flight and completed scan jobs. One
// goroutine per job writes its state; any number of pollers read snapshots.
type Manager struct {
	cache  BlendCache
	retain int

	// OnComplete, when set before the first Start, is invoked from the job
	// goroutine after a scan finishes successfully.
	OnComplete func(id string, res *Result)

	mu    sync.RWMutex
	jobs  map[string]*Job
	order []string // creation order, drives eviction of terminal jobs
}

// NewManager creates a registry that keeps at most retain terminal jobs
// (default when retain <= 0). cache may be nil.
func NewManager(cache BlendCache, retain int) *Manager {
	if retain <= 0 {
		retain = defaultRetainJobs
	}
	return &Manager{
		cache:  cache,
		retain: retain,
		jobs:   make(map[string]*Job),
	}
}

// Start allocates a new running job for path and launches its walker on a
// background goroutine, returning the job id without waiting. It fails fast
// with ErrNotDirectory before any job is created. Starting a new scan never
// implicitly stops a previous one.
func (m *Manager) Start(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrNotDirectory, path)
	}
	info, err := os.Stat(abs)
	if err != nil || !info.IsDir() {
		return "", fmt.Errorf("%w: %s", ErrNotDirectory, path)
	}

	ctx, cancel := context.WithCancel(context.Background())
	job := &Job{
		id:      uuid.NewString(),
		root:    abs,
		started: time.Now(),
		status:  StatusRunning,
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	m.mu.Lock()
	m.jobs[job.id] = job
	m.order = append(m.order, job.id)
	m.evictLocked()
	m.mu.Unlock()

	go m.run(ctx, job)

	logger.Infof("scan %s started for %s", job.id, abs)
	return job.id, nil
}

// Poll returns the current snapshot of the job, or ErrJobNotFound.
func (m *Manager) Poll(id string) (Snapshot, error) {
	m.mu.RLock()
	job, ok := m.jobs[id]
	m.mu.RUnlock()
	if !ok {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return job.snapshot(), nil
}

// Cancel requests a cooperative stop of a running job. The walker notices
// between directory steps and the job terminates with an error status;
// pollers keep seeing the job's own progress until then. Cancelling a
// terminal job is a no-op.
func (m *Manager) Cancel(id string) error {
	m.mu.RLock()
	job, ok := m.jobs[id]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	job.cancel()
	return nil
}

// Counts reports how many jobs are running and how many are terminal.
func (m *Manager) Counts() (running, terminal int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, job := range m.jobs {
		if job.terminal() {
			terminal++
		} else {
			running++
		}
	}
	return running, terminal
}

func (m *Manager) run(ctx context.Context, job *Job) {
	defer job.cancel()

	w := &Walker{Cache: m.cache, Progress: job}
	res, err := w.Walk(ctx, job.root)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			err = errors.New("scan canceled")
		}
		logger.Warnf("scan %s failed: %v", job.id, err)
		job.finish(nil, err)
		return
	}

	job.finish(res, nil)
	logger.Infof("scan %s done: %d entries scanned, %d blend files found",
		job.id, job.scanned.Load(), job.found.Load())

	if m.OnComplete != nil {
		m.OnComplete(job.id, res)
	}
}

// evictLocked drops the oldest terminal jobs beyond the retention bound.
// Callers hold m.mu.
func (m *Manager) evictLocked() {
	terminal := 0
	for _, id := range m.order {
		if m.jobs[id].terminal() {
			terminal++
		}
	}
	if terminal <= m.retain {
		return
	}

	keep := m.order[:0]
	for _, id := range m.order {
		if terminal > m.retain && m.jobs[id].terminal() {
			delete(m.jobs, id)
			terminal--
			logger.Debugf("evicted terminal scan %s", id)
			continue
		}
		keep = append(keep, id)
	}
	m.order = keep
}
