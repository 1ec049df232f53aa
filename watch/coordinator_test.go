package watch

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"vigil/classify"
	"vigil/config"
	"vigil/events"
	"vigil/verdict"
)

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("engine adapters use sh scripts")
	}
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "engine.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatalf("write engine script: %v", err)
	}
	return path
}

// signatureScript flags files containing the MALWARE marker and reports
// everything else clean, mimicking clamscan's output contract.
func signatureScript(t *testing.T) string {
	return writeScript(t, `if grep -q MALWARE "$1" 2>/dev/null; then
  echo "$1: Test.Mal FOUND"
  exit 1
fi
echo "$1: OK"`)
}

func testConfig(t *testing.T, watchDir, sigCommand string) *config.Config {
	t.Helper()
	return &config.Config{
		WatchPaths:            []string{watchDir},
		DebounceWindow:        20 * time.Millisecond,
		MaxFileSize:           10 * 1024 * 1024,
		HashAlgorithm:         "sha256",
		CacheCapacity:         256,
		CacheTTL:              time.Hour,
		MinWorkers:            1,
		MaxWorkers:            2,
		QueueCapacity:         32,
		ScaleUpWatermark:      50,
		ScaleDownWatermark:    10,
		ScaleCooldown:         time.Minute,
		ScaleCheckInterval:    time.Minute,
		BoostThreshold:        time.Minute,
		MaxRetries:            1,
		SampleInterval:        time.Second,
		ThrottleCPU:           99,
		ThrottleMemory:        99,
		PauseCPU:              100,
		PauseMemory:           100,
		ThrottleDelay:         10 * time.Millisecond,
		SignatureCommand:      sigCommand + " {}",
		EngineTimeout:         10 * time.Second,
		ActionThreshold:       "high",
		QuarantineEnabled:     true,
		QuarantineDir:         filepath.Join(t.TempDir(), "store"),
		MetricsExportInterval: time.Hour,
		OtelServiceName:       "vigil-test",
	}
}

func startEngine(t *testing.T, cfg *config.Config) *Coordinator {
	t.Helper()
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("build coordinator: %v", err)
	}
	if err := c.Start(); err != nil {
		t.Fatalf("start coordinator: %v", err)
	}
	t.Cleanup(c.Stop)
	return c
}

// waitForKind drains the event stream until an event of the wanted kind
// arrives for the given path.
func waitForKind(t *testing.T, c *Coordinator, kind events.Kind, path string) events.Event {
	t.Helper()
	deadline := time.After(10 * time.Second)
	for {
		select {
		case e := <-c.Events():
			if e.Kind == kind && e.Path == path {
				return e
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s on %s", kind, path)
		}
	}
}

func TestEngineDetectsAndQuarantines(t *testing.T) {
	requireUnix(t)
	dir := t.TempDir()
	cfg := testConfig(t, dir, signatureScript(t))
	c := startEngine(t, cfg)

	infected := filepath.Join(dir, "dropper.bin")
	if err := os.WriteFile(infected, []byte("MALWARE payload"), 0o600); err != nil {
		t.Fatalf("write infected file: %v", err)
	}

	e := waitForKind(t, c, events.ThreatDetected, infected)
	if e.Verdict.Kind != verdict.Infected {
		t.Fatalf("expected infected verdict, got %s", e.Verdict.Kind)
	}
	if e.Verdict.ThreatName != "Test.Mal" {
		t.Fatalf("unexpected threat name %q", e.Verdict.ThreatName)
	}
	waitForKind(t, c, events.QuarantineAction, infected)

	if _, err := os.Lstat(infected); !os.IsNotExist(err) {
		t.Fatalf("infected file must be removed from its original path, err=%v", err)
	}
	records := c.Quarantine().List()
	if len(records) != 1 {
		t.Fatalf("expected 1 quarantine record, got %d", len(records))
	}
	if records[0].OriginalPath != infected {
		t.Fatalf("record holds %s, want %s", records[0].OriginalPath, infected)
	}
}

func TestEngineReportsCleanScans(t *testing.T) {
	requireUnix(t)
	dir := t.TempDir()
	cfg := testConfig(t, dir, signatureScript(t))
	c := startEngine(t, cfg)

	clean := filepath.Join(dir, "notes.bin")
	if err := os.WriteFile(clean, []byte("meeting minutes"), 0o600); err != nil {
		t.Fatalf("write clean file: %v", err)
	}

	e := waitForKind(t, c, events.ScanCompleted, clean)
	if e.Verdict.Kind != verdict.Clean {
		t.Fatalf("expected clean verdict, got %s", e.Verdict.Kind)
	}
	if len(c.Quarantine().List()) != 0 {
		t.Fatal("clean file must not be quarantined")
	}
}

func TestRestoreRescansTheFile(t *testing.T) {
	requireUnix(t)
	dir := t.TempDir()
	cfg := testConfig(t, dir, signatureScript(t))
	c := startEngine(t, cfg)

	infected := filepath.Join(dir, "dropper.bin")
	if err := os.WriteFile(infected, []byte("MALWARE payload"), 0o600); err != nil {
		t.Fatalf("write infected file: %v", err)
	}
	waitForKind(t, c, events.QuarantineAction, infected)

	records := c.Quarantine().List()
	if len(records) != 1 {
		t.Fatalf("expected 1 record before restore, got %d", len(records))
	}
	if err := c.Restore(records[0].ID); err != nil {
		t.Fatalf("restore: %v", err)
	}

	// The content is still flagged, so the mandatory rescan quarantines
	// it again under a fresh record.
	deadline := time.Now().Add(10 * time.Second)
	for {
		records = c.Quarantine().List()
		if len(records) == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected a second quarantine record after restore, have %d", len(records))
		}
		time.Sleep(20 * time.Millisecond)
	}
	restored := 0
	for _, r := range records {
		if r.Restored {
			restored++
		}
	}
	if restored != 1 {
		t.Fatalf("exactly one record must be marked restored, got %d", restored)
	}
}

func TestSubmitPathSkipsCachedCleanContent(t *testing.T) {
	requireUnix(t)
	// An empty watch root keeps the live watcher out of this test.
	cfg := testConfig(t, t.TempDir(), signatureScript(t))
	c := startEngine(t, cfg)

	outside := filepath.Join(t.TempDir(), "report.bin")
	if err := os.WriteFile(outside, []byte("quarterly numbers"), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}

	if !c.SubmitPath(outside, classify.TierNormal) {
		t.Fatal("first submission must scan")
	}
	waitForKind(t, c, events.ScanCompleted, outside)

	if c.SubmitPath(outside, classify.TierNormal) {
		t.Fatal("cached clean content must be skipped")
	}

	c.InvalidateCache()
	if !c.SubmitPath(outside, classify.TierNormal) {
		t.Fatal("submission after cache invalidation must scan again")
	}
	waitForKind(t, c, events.ScanCompleted, outside)
}

func TestSubmitPathSkipsSafeExtensions(t *testing.T) {
	requireUnix(t)
	cfg := testConfig(t, t.TempDir(), signatureScript(t))
	c := startEngine(t, cfg)

	photo := filepath.Join(t.TempDir(), "holiday.jpg")
	if err := os.WriteFile(photo, []byte("not really a jpeg"), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}

	if c.SubmitPath(photo, classify.TierLow) {
		t.Fatal("safe extension must be filtered before any engine runs")
	}
	snap := c.MetricsSnapshot()
	if snap.Totals.SkipsByReason["safe_extension"] != 1 {
		t.Fatalf("expected one safe_extension skip, got %v", snap.Totals.SkipsByReason)
	}
	if snap.Totals.Scans != 0 {
		t.Fatalf("no scan must run, got %d", snap.Totals.Scans)
	}
}

func TestSubmitPathHonorsExcludePatterns(t *testing.T) {
	requireUnix(t)
	dir := t.TempDir()
	cfg := testConfig(t, dir, signatureScript(t))
	cfg.ExcludePatterns = []string{"*.tmp"}
	c := startEngine(t, cfg)

	excluded := filepath.Join(dir, "scratch.tmp")
	if err := os.WriteFile(excluded, []byte("MALWARE payload"), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}
	included := filepath.Join(dir, "keeper.bin")
	if err := os.WriteFile(included, []byte("fine"), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}

	// The included file completing proves the excluded one was never
	// dispatched ahead of it.
	waitForKind(t, c, events.ScanCompleted, included)
	if len(c.Quarantine().List()) != 0 {
		t.Fatal("excluded path must never reach the engines")
	}
}

func TestInitialSweepScansExistingFiles(t *testing.T) {
	requireUnix(t)
	t.Setenv("VIGIL_DISABLE_PROGRESS", "1")
	dir := t.TempDir()
	preexisting := filepath.Join(dir, "already-there.bin")
	if err := os.WriteFile(preexisting, []byte("MALWARE payload"), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}

	cfg := testConfig(t, dir, signatureScript(t))
	cfg.InitialSweep = true
	c := startEngine(t, cfg)

	waitForKind(t, c, events.ThreatDetected, preexisting)
}
