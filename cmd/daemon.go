package cmd

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/mordilloSan/go_logger/logger"

	"blendscan/scan"
	"blendscan/storage"
	"blendscan/watcher"
)

// DaemonConfig controls the long-running server.
type DaemonConfig struct {
	CachePath           string
	SocketPath          string
	ListenAddr          string
	RetainJobs          int
	Watch               bool
	MaintenanceInterval time.Duration
	CacheMaxAge         time.Duration
}

type daemon struct {
	cfg             DaemonConfig
	db              *sql.DB
	cache           *storage.Cache
	manager         *scan.Manager
	watch           *watcher.Watcher
	servers         []*http.Server
	vacuuming       atomic.Bool
	usedSystemdSock bool
}

func NewDaemon(cfg DaemonConfig) (*daemon, error) {
	switch cfg.SocketPath {
	case "-":
		cfg.SocketPath = ""
	case "":
		cfg.SocketPath = "/var/run/blendscan.sock"
	}
	if cfg.CachePath == "" {
		cfg.CachePath = "/var/run/blendscan.db"
	}
	if cfg.CacheMaxAge <= 0 {
		cfg.CacheMaxAge = 30 * 24 * time.Hour
	}

	db, dbExisted, err := openDatabaseWithIntegrityCheck(cfg.CachePath)
	if err != nil {
		return nil, err
	}

	logger.Infof("Cache connection pool opened: %s", cfg.CachePath)
	journalCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	journalMode, err := storage.GetJournalMode(journalCtx, db)
	if err != nil {
		logger.Warnf("Failed to determine cache journal_mode: %v", err)
	} else {
		logger.Infof("Cache journal_mode: %s", strings.ToUpper(journalMode))
	}

	cache := storage.NewCache(db, cfg.CachePath)
	if dbExisted {
		logCacheStatus(cache)
	}

	d := &daemon{
		cfg:     cfg,
		db:      db,
		cache:   cache,
		manager: scan.NewManager(cache, cfg.RetainJobs),
	}

	if cfg.Watch {
		w, err := watcher.New(cache)
		if err != nil {
			logger.Warnf("Filesystem watcher unavailable, cache rows expire by age only: %v", err)
		} else {
			d.watch = w
			d.manager.OnComplete = func(id string, res *scan.Result) {
				w.WatchDirs(resultFolders(res))
			}
		}
	}

	return d, nil
}

// resultFolders collects the distinct directories holding found blend files.
func resultFolders(res *scan.Result) []string {
	seen := make(map[string]struct{}, len(res.Files))
	var dirs []string
	for _, f := range res.Files {
		if _, ok := seen[f.Folder]; ok {
			continue
		}
		seen[f.Folder] = struct{}{}
		dirs = append(dirs, f.Folder)
	}
	return dirs
}

func (d *daemon) Close() {
	logger.Infof("Shutting down daemon...")

	// Gracefully shutdown HTTP servers
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, srv := range d.servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warnf("Server shutdown error: %v", err)
		}
	}

	if d.watch != nil {
		if err := d.watch.Close(); err != nil {
			logger.Warnf("Watcher close error: %v", err)
		}
	}

	// Flush queued cache writes before the connection goes away.
	if err := d.cache.Close(); err != nil {
		logger.Warnf("Cache flush error: %v", err)
	}
	if d.db != nil {
		if err := d.db.Close(); err != nil {
			logger.Warnf("Cache close error: %v", err)
		}
	}

	// Remove Unix socket only if we created it (not systemd-managed)
	if d.cfg.SocketPath != "" && !d.usedSystemdSock {
		if err := os.Remove(d.cfg.SocketPath); err != nil && !os.IsNotExist(err) {
			logger.Warnf("Failed to remove socket: %v", err)
		}
	}

	logger.Infof("Daemon shutdown complete")
}

// getUnixListener returns a Unix socket listener, preferring systemd socket activation
func (d *daemon) getUnixListener() (net.Listener, error) {
	// Try systemd socket activation first
	if l := systemdUnixListener(); l != nil {
		d.usedSystemdSock = true
		return l, nil
	}

	// Fallback: create socket manually
	d.usedSystemdSock = false
	if err := os.Remove(d.cfg.SocketPath); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("remove stale socket: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(d.cfg.SocketPath), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir socket dir: %w", err)
	}

	l, err := net.Listen("unix", d.cfg.SocketPath)
	if err != nil {
		return nil, fmt.Errorf("listen on unix socket: %w", err)
	}
	if err := os.Chmod(d.cfg.SocketPath, 0o666); err != nil {
		if closeErr := l.Close(); closeErr != nil {
			logger.Warnf("Failed to close listener after chmod error: %v", closeErr)
		}
		return nil, fmt.Errorf("chmod socket: %w", err)
	}

	return l, nil
}

// systemdUnixListener checks for systemd socket activation and returns the listener if available
func systemdUnixListener() net.Listener {
	// Systemd passes file descriptors via LISTEN_FDS and LISTEN_PID environment variables
	// FD 3 is the first passed file descriptor (after stdin=0, stdout=1, stderr=2)
	pid := os.Getenv("LISTEN_PID")
	fds := os.Getenv("LISTEN_FDS")

	if pid == "" || fds == "" {
		return nil
	}

	// Check if this process is the intended recipient
	if pid != strconv.Itoa(os.Getpid()) {
		return nil
	}

	// Check if exactly one FD was passed
	numFDs, err := strconv.Atoi(fds)
	if err != nil || numFDs != 1 {
		return nil
	}

	// File descriptor 3 is the first systemd-passed socket
	const systemdFD = 3
	file := os.NewFile(uintptr(systemdFD), "systemd-socket")
	if file == nil {
		return nil
	}

	// Convert file to listener
	l, err := net.FileListener(file)
	if err != nil {
		if closeErr := file.Close(); closeErr != nil {
			logger.Warnf("Failed to close file after FileListener error: %v", closeErr)
		}
		return nil
	}

	// Clear environment to prevent child processes from inheriting
	if err := os.Unsetenv("LISTEN_PID"); err != nil {
		logger.Warnf("Failed to unset LISTEN_PID: %v", err)
	}
	if err := os.Unsetenv("LISTEN_FDS"); err != nil {
		logger.Warnf("Failed to unset LISTEN_FDS: %v", err)
	}

	return l
}

// Run starts the maintenance loop (if configured) and HTTP servers, blocking
// until ctx is cancelled.
func (d *daemon) Run(ctx context.Context) error {
	if d.cfg.MaintenanceInterval > 0 {
		go d.startMaintenance(ctx)
	}
	return d.startHTTP(ctx)
}

// startMaintenance periodically prunes aged cache rows and truncates the WAL
// so the cache file does not grow without bound between restarts.
func (d *daemon) startMaintenance(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.MaintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			d.runMaintenance(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (d *daemon) runMaintenance(ctx context.Context) {
	if err := d.cache.Flush(); err != nil {
		logger.Warnf("Maintenance: cache flush failed: %v", err)
	}

	pruned, err := storage.PruneStale(ctx, d.db, d.cfg.CacheMaxAge)
	if err != nil {
		logger.Errorf("Maintenance: prune failed: %v", err)
		return
	}
	if pruned.DeletedRows > 0 {
		logger.Infof("Maintenance: pruned %d cache rows older than %v in %v",
			pruned.DeletedRows, d.cfg.CacheMaxAge, pruned.Duration)
	}

	if stats, err := storage.WALCheckpointTruncate(ctx, d.db); err != nil {
		logger.Warnf("Maintenance: WAL checkpoint failed: %v", err)
	} else {
		logger.Debugf("Maintenance: WAL checkpoint in %v (busy=%d log=%d checkpointed=%d)",
			stats.Duration, stats.Busy, stats.Log, stats.Checkpointed)
	}
	_ = storage.ReleaseSQLiteMemory(ctx, d.db)
}

func (d *daemon) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/openapi.json", serveOpenapi)
	mux.HandleFunc("/scan", d.handleScanStart)
	mux.HandleFunc("/scan/status", d.handleScanStatus)
	mux.HandleFunc("/scan/stream", d.handleScanStream)
	mux.HandleFunc("/scan/cancel", d.handleScanCancel)
	mux.HandleFunc("/status", d.handleStatus)
	mux.HandleFunc("/vacuum", d.handleVacuum)
	return mux
}

func (d *daemon) startHTTP(ctx context.Context) error {
	mux := d.routes()

	errCh := make(chan error, 2)
	serverCount := 0

	// Unix socket listener - try systemd socket activation first
	if d.cfg.SocketPath != "" {
		l, err := d.getUnixListener()
		if err != nil {
			return err
		}

		srv := &http.Server{Handler: mux, ReadTimeout: 30 * time.Second}
		d.servers = append(d.servers, srv)
		serverCount++
		if d.usedSystemdSock {
			logger.Infof("API listening on unix://%s (systemd socket activation)", d.cfg.SocketPath)
		} else {
			logger.Infof("API listening on unix://%s", d.cfg.SocketPath)
		}
		go func() {
			errCh <- srv.Serve(l)
		}()
	}

	// Optional TCP listener
	if d.cfg.ListenAddr != "" {
		tcpSrv := &http.Server{Addr: d.cfg.ListenAddr, Handler: mux, ReadTimeout: 30 * time.Second}
		d.servers = append(d.servers, tcpSrv)
		serverCount++
		logger.Infof("API listening on http://localhost%s", d.cfg.ListenAddr)
		go func() {
			errCh <- tcpSrv.ListenAndServe()
		}()
	}

	if serverCount == 0 {
		return fmt.Errorf("no listeners configured")
	}

	select {
	case <-ctx.Done():
		for _, srv := range d.servers {
			_ = srv.Shutdown(context.Background())
		}
		return nil
	case err := <-errCh:
		for _, srv := range d.servers {
			_ = srv.Shutdown(context.Background())
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// openDatabaseWithIntegrityCheck opens the cache database and checks for
// corruption. A corrupted cache is simply removed and recreated; everything
// in it can be rebuilt by re-parsing.
func openDatabaseWithIntegrityCheck(dbPath string) (*sql.DB, bool, error) {
	dbExisted := fileExists(dbPath)
	if dbExisted {
		logger.Infof("Cache exists at %s; checking integrity", dbPath)
	} else {
		logger.Infof("Cache not found; creating new at %s", dbPath)
	}

	db, err := storage.Open(dbPath)
	if err != nil {
		return nil, false, err
	}

	// Check for corruption if database existed
	if dbExisted {
		if err := checkDatabaseIntegrity(db); err != nil {
			logger.Warnf("Cache corruption detected: %v", err)
			logger.Warnf("Closing corrupted cache and recreating")
			if closeErr := db.Close(); closeErr != nil {
				logger.Warnf("Failed to close corrupted cache: %v", closeErr)
			}
			// Remove database and associated WAL files
			if err := os.Remove(dbPath); err != nil {
				return nil, false, fmt.Errorf("failed to remove corrupted cache: %w", err)
			}
			_ = os.Remove(dbPath + "-wal")
			_ = os.Remove(dbPath + "-shm")
			// Recreate fresh database
			db, err = storage.Open(dbPath)
			if err != nil {
				return nil, false, err
			}
			logger.Infof("New cache created at %s", dbPath)
			dbExisted = false // Treat as new database
		} else {
			logger.Infof("Cache integrity check passed")
		}
	}

	return db, dbExisted, nil
}

// checkDatabaseIntegrity runs SQLite's integrity_check to detect corruption
func checkDatabaseIntegrity(db *sql.DB) error {
	var result string
	err := db.QueryRow("PRAGMA integrity_check;").Scan(&result)
	if err != nil {
		return fmt.Errorf("integrity check query failed: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("integrity check failed: %s", result)
	}
	return nil
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}

func logCacheStatus(cache *storage.Cache) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stats, err := cache.GetStats(ctx)
	if err != nil {
		logger.Warnf("Could not load cache statistics: %v", err)
		return
	}
	logger.Infof("Parse cache loaded: %d entries (%d bytes on disk)", stats.Entries, stats.DatabaseSize)
}
