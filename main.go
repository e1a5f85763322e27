package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mordilloSan/go_logger/logger"

	"blendscan/cmd"
	"blendscan/internal/version"
)

func main() {
	var (
		cachePath   = flag.String("cache-path", "", "SQLite parse cache path (overrides BLENDSCAN_CACHE_PATH)")
		socketPath  = flag.String("socket-path", "/var/run/blendscan.sock", "Unix socket path (- disables)")
		listenAddr  = flag.String("listen", "", "Optional TCP address (e.g., :8080)")
		retainJobs  = flag.Int("retain-jobs", 0, "How many finished scan jobs stay pollable (0 = default)")
		watch       = flag.Bool("watch", false, "Watch scanned folders and invalidate cached parses on change")
		maintenance = flag.String("maintenance-interval", "1h", "Cache maintenance interval (Go duration like 6h, 30m); 0 disables")
		verbose     = flag.Bool("verbose", false, "Enable verbose logging")
		showVersion = flag.Bool("version", false, "Print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}

	logger.Init("production", *verbose)

	cacheVal := coalesce(*cachePath, os.Getenv("BLENDSCAN_CACHE_PATH"), "/tmp/blendscan.db")

	socketVal := coalesce(*socketPath, "/var/run/blendscan.sock")
	if *socketPath == "-" {
		socketVal = "-"
	}

	interval, err := parseInterval(*maintenance)
	if err != nil {
		logger.Warnf("Invalid maintenance interval %q, defaulting to 0 (disabled): %v", *maintenance, err)
		interval = 0
	}

	cfg := cmd.DaemonConfig{
		CachePath:           cacheVal,
		SocketPath:          socketVal,
		ListenAddr:          *listenAddr,
		RetainJobs:          *retainJobs,
		Watch:               *watch,
		MaintenanceInterval: interval,
	}

	d, err := cmd.NewDaemon(cfg)
	if err != nil {
		logger.Fatalf("Failed to start daemon: %v", err)
	}
	defer d.Close()

	// Log daemon configuration
	listenDisplay := cfg.ListenAddr
	if listenDisplay == "" {
		listenDisplay = "disabled"
	}
	logger.Infof("Daemon initialized cache=%s socket=%s listen=%s watch=%t maintenance=%v",
		cfg.CachePath, cfg.SocketPath, listenDisplay, cfg.Watch, cfg.MaintenanceInterval)
	if *cachePath == "" && os.Getenv("BLENDSCAN_CACHE_PATH") == "" {
		logger.Warnf("Cache path not set; defaulting to %s", cfg.CachePath)
	}

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Listen for interrupt signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)

	// Run daemon in goroutine
	errCh := make(chan error, 1)
	go func() {
		errCh <- d.Run(ctx)
	}()

	// Wait for shutdown signal or error
	select {
	case sig := <-sigCh:
		logger.Infof("Received signal %v, initiating graceful shutdown...", sig)
		cancel() // Trigger context cancellation
		<-errCh  // Wait for daemon to finish
	case err := <-errCh:
		if err != nil {
			logger.Fatalf("Daemon exited with error: %v", err)
		}
	}

	logger.Infof("Shutdown complete")
}

func coalesce(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func parseInterval(s string) (time.Duration, error) {
	if s == "" || s == "0" {
		return 0, nil
	}
	return time.ParseDuration(s)
}
