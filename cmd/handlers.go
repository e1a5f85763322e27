package cmd

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/mordilloSan/go_logger/logger"

	"blendscan/scan"
	"blendscan/storage"
)

func (d *daemon) handleScanStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "use POST", http.StatusMethodNotAllowed)
		return
	}

	path := strings.TrimSpace(r.URL.Query().Get("path"))
	if path == "" {
		http.Error(w, "path parameter is required", http.StatusBadRequest)
		return
	}

	id, err := d.manager.Start(path)
	if err != nil {
		if errors.Is(err, scan.ErrNotDirectory) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusAccepted)
	writeJSON(w, map[string]string{
		"scan_id": id,
		"status":  string(scan.StatusRunning),
	})
}

func (d *daemon) handleScanStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "use GET", http.StatusMethodNotAllowed)
		return
	}

	id := strings.TrimSpace(r.URL.Query().Get("id"))
	if id == "" {
		http.Error(w, "id parameter is required", http.StatusBadRequest)
		return
	}

	snap, err := d.manager.Poll(id)
	if err != nil {
		if errors.Is(err, scan.ErrJobNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, snap)
}

func (d *daemon) handleScanCancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "use POST", http.StatusMethodNotAllowed)
		return
	}

	id := strings.TrimSpace(r.URL.Query().Get("id"))
	if id == "" {
		http.Error(w, "id parameter is required", http.StatusBadRequest)
		return
	}

	if err := d.manager.Cancel(id); err != nil {
		if errors.Is(err, scan.ErrJobNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]string{"status": "canceling", "scan_id": id})
}

func (d *daemon) handleVacuum(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "use POST", http.StatusMethodNotAllowed)
		return
	}

	if !d.vacuuming.CompareAndSwap(false, true) {
		http.Error(w, "vacuum already running", http.StatusConflict)
		return
	}

	go func() {
		defer d.vacuuming.Store(false)

		ctx, cancel := context.WithTimeout(context.Background(), 1*time.Hour)
		defer cancel()

		if err := d.cache.Flush(); err != nil {
			logger.Warnf("vacuum: cache flush failed: %v", err)
		}
		if _, err := storage.WALCheckpointTruncate(ctx, d.db); err != nil {
			logger.Warnf("vacuum: wal checkpoint (pre) failed: %v", err)
		}

		vs, err := storage.Vacuum(ctx, d.db)
		if err != nil {
			logger.Errorf("vacuum failed: %v", err)
			return
		}
		logger.Infof("Vacuum complete in %v", vs.Duration)

		if _, err := storage.WALCheckpointTruncate(ctx, d.db); err != nil {
			logger.Warnf("vacuum: wal checkpoint (post) failed: %v", err)
		}
		_ = storage.ReleaseSQLiteMemory(ctx, d.db)
	}()

	w.WriteHeader(http.StatusAccepted)
	writeJSON(w, map[string]string{"status": "running"})
}

func (d *daemon) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	running, terminal := d.manager.Counts()

	var resp struct {
		Status           string `json:"status"`
		RunningScans     int    `json:"running_scans"`
		CompletedScans   int    `json:"completed_scans"`
		CacheEntries     int64  `json:"cache_entries"`
		CacheHits        int64  `json:"cache_hits"`
		CacheMisses      int64  `json:"cache_misses"`
		DatabaseSize     int64  `json:"database_size"`
		WALSize          int64  `json:"wal_size"`
		WatchedDirs      int    `json:"watched_dirs"`
		RSSBytes         int64  `json:"rss_bytes"`
		GoAllocBytes     uint64 `json:"go_alloc_bytes"`
		GoHeapInuseBytes uint64 `json:"go_heap_inuse_bytes"`
		GoSysBytes       uint64 `json:"go_sys_bytes"`
		GoNumGC          uint32 `json:"go_num_gc"`
		Warning          string `json:"warning,omitempty"`
	}

	if running > 0 {
		resp.Status = "scanning"
	} else {
		resp.Status = "idle"
	}
	resp.RunningScans = running
	resp.CompletedScans = terminal

	addWarning := func(msg string) {
		if resp.Warning == "" {
			resp.Warning = msg
		} else {
			resp.Warning += "; " + msg
		}
	}

	// Cache stats are best-effort; a scan must be able to report progress
	// even when the cache database is briefly unavailable.
	stats, err := d.cache.GetStats(ctx)
	if err != nil {
		addWarning(fmt.Sprintf("cache stats unavailable: %v", err))
		logger.Warnf("Status: cache stats unavailable: %v", err)
	} else {
		resp.CacheEntries = stats.Entries
		resp.CacheHits = stats.Hits
		resp.CacheMisses = stats.Misses
		resp.DatabaseSize = stats.DatabaseSize
		resp.WALSize = stats.WALSize
	}

	if d.watch != nil {
		resp.WatchedDirs = d.watch.WatchedCount()
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	resp.GoAllocBytes = ms.Alloc
	resp.GoHeapInuseBytes = ms.HeapInuse
	resp.GoSysBytes = ms.Sys
	resp.GoNumGC = ms.NumGC

	if rss, err := procSelfRSSBytes(); err != nil {
		addWarning(fmt.Sprintf("rss unavailable: %v", err))
	} else {
		resp.RSSBytes = rss
	}

	writeJSON(w, resp)
}

func procSelfRSSBytes() (int64, error) {
	b, err := os.ReadFile("/proc/self/status")
	if err != nil {
		return 0, err
	}
	sc := bufio.NewScanner(bytes.NewReader(b))
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "VmRSS:") {
			continue
		}
		// Format: VmRSS:\t  12345 kB
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return 0, fmt.Errorf("unexpected VmRSS format: %q", line)
		}
		kb, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return 0, err
		}
		return kb * 1024, nil
	}
	if err := sc.Err(); err != nil {
		return 0, err
	}
	return 0, fmt.Errorf("VmRSS not found")
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// Minimal OpenAPI spec served at /openapi.json.
func serveOpenapi(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(openapiSpec))
}

const openapiSpec = `{
  "openapi": "3.0.0",
  "info": { "title": "Blendscan API", "version": "1.0.0" },
  "paths": {
    "/scan": { "post": { "summary": "Start a background scan", "parameters": [{ "in": "query", "name": "path", "required": true, "schema": {"type": "string"}, "description": "Directory to scan for .blend files" }], "responses": { "202": {"description": "Started, returns scan_id"}, "400": {"description": "Path missing or not a directory"} } } },
    "/scan/status": { "get": { "summary": "Poll a scan job", "parameters": [{ "in": "query", "name": "id", "required": true, "schema": {"type": "string"} }], "responses": { "200": {"description": "Snapshot with counters; result present once done"}, "404": {"description": "Unknown or evicted scan id"} } } },
    "/scan/stream": { "get": { "summary": "Stream scan progress as server-sent events", "parameters": [{ "in": "query", "name": "id", "required": true, "schema": {"type": "string"} }], "responses": { "200": {"description": "SSE stream of progress, then complete or error"}, "404": {"description": "Unknown or evicted scan id"} } } },
    "/scan/cancel": { "post": { "summary": "Request cooperative cancellation of a running scan", "parameters": [{ "in": "query", "name": "id", "required": true, "schema": {"type": "string"} }], "responses": { "200": {"description": "Cancellation requested"}, "404": {"description": "Unknown or evicted scan id"} } } },
    "/status": { "get": { "summary": "Daemon, job and cache statistics", "responses": { "200": {"description": "Status"} } } },
    "/vacuum": { "post": { "summary": "Reclaim cache disk space (VACUUM)", "responses": { "202": {"description": "Started"}, "409": {"description": "Already running"} } } }
  }
}`
