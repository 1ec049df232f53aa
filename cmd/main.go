package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"

	"vigil/config"
	"vigil/diag"
	"vigil/events"
	"vigil/logger"
	"vigil/tracing"
	"vigil/update"
	"vigil/version"
	"vigil/watch"
)

const (
	flightRecorderMaxBytes = 4 << 20
	flightRecorderMinAge   = 10 * time.Second
)

func main() {
	if err := tracing.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start trace: %v\n", err)
	} else {
		defer tracing.Stop()
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	logger.Init(cfg.LogLevel)

	if latest, notes, newer, err := update.CheckForUpdate(version.Version); err == nil && newer {
		if strings.Contains(strings.ToLower(notes), "security") {
			logger.Warnf("Update available: %s -> %s (security fixes included)", version.Version, latest)
		} else {
			logger.Infof("Update available: %s -> %s", version.Version, latest)
		}
	}

	coordinator, err := watch.New(cfg)
	if err != nil {
		logger.Fatalf("Failed to initialize engine: %v", err)
	}

	if err := coordinator.Start(); err != nil {
		logger.Fatalf("Failed to start engine: %v", err)
	}
	logger.Infof("vigil %s watching %d paths, scanning files up to %s",
		version.Version, len(cfg.WatchPaths), humanize.Bytes(uint64(cfg.MaxFileSize)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	watchdog := startWatchdog(ctx, cfg, coordinator)

	// The alerting consumer. Threat callbacks land in the log here; a
	// larger deployment would feed them to its own pipeline.
	go consumeEvents(coordinator)

	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	waitForShutdown(coordinator, sigChan)

	coordinator.Stop()
	if watchdog != nil {
		watchdog.Close()
	}
	if err := coordinator.ExportMetrics(); err != nil {
		logger.Warnf("Final metrics export failed: %v", err)
	}
	logger.Info("Shutdown complete.")
}

// startWatchdog arms the stall watchdog when a threshold is configured. The
// flight recorder gives the dump a window of runtime trace to look at.
func startWatchdog(ctx context.Context, cfg *config.Config, c *watch.Coordinator) *diag.Controller {
	if cfg.StallThreshold <= 0 {
		return nil
	}
	if err := tracing.StartFlightRecorder(flightRecorderMaxBytes, flightRecorderMinAge); err != nil {
		logger.Warnf("Failed to start flight recorder: %v", err)
	}
	watchdog := diag.NewController(diag.Options{
		StallThreshold:     cfg.StallThreshold,
		Dir:                cfg.DiagDir,
		ProgressCountFn:    c.Completed,
		DumpFlightRecorder: tracing.WriteFlightRecorder,
	})
	watchdog.Start(ctx)
	return watchdog
}

func consumeEvents(c *watch.Coordinator) {
	for e := range c.Events() {
		switch e.Kind {
		case events.ThreatDetected:
			logger.Warnf("ALERT %s: %s (%s, severity %s, confidence %.2f)",
				e.Path, e.Verdict.ThreatName, e.Verdict.Kind, e.Verdict.Severity, e.Verdict.Confidence)
		case events.QuarantineAction:
			logger.Infof("Quarantine %s: %s", e.Action, e.Path)
		case events.ErrorEvent:
			logger.Errorf("Scan error for %s: %s", e.Path, e.Error)
		default:
			logger.Debugf("Scan completed for %s: %s", e.Path, e.Verdict.Kind)
		}
	}
}

type cacheInvalidator interface {
	InvalidateCache() uint64
}

// waitForShutdown blocks until an interrupt arrives. SIGHUP invalidates the
// verdict cache instead of stopping, for use after signature database
// updates.
func waitForShutdown(c cacheInvalidator, sigChan chan os.Signal) {
	for sig := range sigChan {
		if sig == syscall.SIGHUP {
			c.InvalidateCache()
			continue
		}
		logger.Info("Interrupt signal received. Shutting down...")
		return
	}
}
