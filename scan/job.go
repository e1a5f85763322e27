package scan

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Status is the lifecycle state of a scan job. Jobs move from running to
// exactly one of done or error and never transition again.
type Status string

const (
	StatusRunning Status = "running"
	StatusDone    Status = "done"
	StatusError   Status = "error"
)

// currentPathInterval coalesces current-path updates; the field is advisory
// and refreshing it on every entry would just contend the job mutex.
const currentPathInterval = 50 * time.Millisecond

// Snapshot is the consistent view of one job returned by a poll. Result is
// only present when Status is done, Error only when it is error.
type Snapshot struct {
	ID             string  `json:"scan_id"`
	Status         Status  `json:"status"`
	StartedAt      string  `json:"started_at"`
	ScannedEntries uint64  `json:"scanned_entries"`
	FoundBlends    uint64  `json:"found_blends"`
	CurrentPath    string  `json:"current_path,omitempty"`
	Error          string  `json:"error,omitempty"`
	Result         *Result `json:"result,omitempty"`
}

// Job is one background scan. The counters are written only by the owning
// goroutine (via the Progress callbacks) and read by pollers through
// snapshot; status, result and error live under the mutex so a poller can
// never observe status done with a not-yet-populated result.
type Job struct {
	id      string
	root    string
	started time.Time

	scanned atomic.Uint64
	found   atomic.Uint64

	lastPathUpdate atomic.Int64 // unix nanos of the last currentPath write

	mu          sync.Mutex
	status      Status
	currentPath string
	result      *Result
	errMsg      string

	cancel context.CancelFunc
	done   chan struct{}
}

// EntryScanned implements Progress.
func (j *Job) EntryScanned(path string) {
	j.scanned.Add(1)

	now := time.Now().UnixNano()
	last := j.lastPathUpdate.Load()
	if now-last < int64(currentPathInterval) {
		return
	}
	if !j.lastPathUpdate.CompareAndSwap(last, now) {
		return
	}
	j.mu.Lock()
	if j.status == StatusRunning {
		j.currentPath = path
	}
	j.mu.Unlock()
}

// BlendFound implements Progress.
func (j *Job) BlendFound() {
	j.found.Add(1)
}

// snapshot returns an atomic view of the job. The found counter is read
// before the scanned counter: the walker bumps scanned first and both only
// grow, so this order preserves found <= scanned in every snapshot.
func (j *Job) snapshot() Snapshot {
	found := j.found.Load()
	scanned := j.scanned.Load()

	j.mu.Lock()
	defer j.mu.Unlock()
	s := Snapshot{
		ID:             j.id,
		Status:         j.status,
		StartedAt:      j.started.UTC().Format(time.RFC3339),
		ScannedEntries: scanned,
		FoundBlends:    found,
		CurrentPath:    j.currentPath,
		Error:          j.errMsg,
	}
	if j.status == StatusDone {
		s.Result = j.result
	}
	return s
}

// finish moves the job to its terminal state. Called exactly once, by the
// owning goroutine.
func (j *Job) finish(res *Result, err error) {
	j.mu.Lock()
	if err != nil {
		j.status = StatusError
		j.errMsg = err.Error()
	} else {
		j.status = StatusDone
		j.result = res
	}
	j.currentPath = ""
	j.mu.Unlock()
	close(j.done)
}

func (j *Job) terminal() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status != StatusRunning
}
