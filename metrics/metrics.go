// Package metrics passively aggregates what the rest of the engine tells it.
// Every recording call is O(1) under a short mutex hold; nothing here ever
// blocks the scan path.
package metrics

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"vigil/cache"
	"vigil/loadmon"
	"vigil/logger"
	"vigil/prefilter"
	"vigil/verdict"
)

const (
	scanRingSize    = 1000
	poolRingSize    = 100
	scalingRingSize = 50

	defaultRollupWindow   = 5 * time.Minute
	defaultExportInterval = 5 * time.Minute
)

// ScanSample is one completed scan.
type ScanSample struct {
	At       time.Time     `json:"at"`
	Kind     verdict.Kind  `json:"kind"`
	Duration time.Duration `json:"duration_ns"`
}

// PoolSample is one periodic observation of queue and pool state.
type PoolSample struct {
	At         time.Time `json:"at"`
	QueueDepth int       `json:"queue_depth"`
	Workers    int       `json:"workers"`
	Busy       int       `json:"busy"`
}

// ScalingEvent is one worker-count change.
type ScalingEvent struct {
	At     time.Time `json:"at"`
	From   int       `json:"from"`
	To     int       `json:"to"`
	Reason string    `json:"reason"`
}

// LoadSample is one observation from the load monitor's rolling window.
type LoadSample struct {
	At            time.Time `json:"at"`
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryPercent float64   `json:"memory_percent"`
	Tier          string    `json:"tier"`
}

// Totals are monotonic counters since startup.
type Totals struct {
	Scans         int64            `json:"scans"`
	Clean         int64            `json:"clean"`
	Suspicious    int64            `json:"suspicious"`
	Infected      int64            `json:"infected"`
	Errors        int64            `json:"errors"`
	Retries       int64            `json:"retries"`
	Failures      int64            `json:"permanent_failures"`
	Drops         int64            `json:"queue_drops"`
	SkipsByReason map[string]int64 `json:"skips_by_reason"`
}

// Rollup summarizes the recent window.
type Rollup struct {
	Window       time.Duration `json:"window_ns"`
	Scans        int           `json:"scans"`
	ScansPerSec  float64       `json:"scans_per_sec"`
	MeanDuration time.Duration `json:"mean_duration_ns"`
	P50Duration  time.Duration `json:"p50_duration_ns"`
	P95Duration  time.Duration `json:"p95_duration_ns"`
	Detections   int           `json:"detections"`
}

// Export is the serializable snapshot handed to dashboards.
type Export struct {
	GeneratedAt   time.Time      `json:"generated_at"`
	Totals        Totals         `json:"totals"`
	Rollup        Rollup         `json:"rollup"`
	CacheStats    cache.Stats    `json:"cache_stats"`
	CacheHitRate  float64        `json:"cache_hit_rate"`
	LoadSamples   []LoadSample   `json:"load_samples,omitempty"`
	PoolSamples   []PoolSample   `json:"pool_samples"`
	ScalingEvents []ScalingEvent `json:"scaling_events"`
}

type ring[T any] struct {
	buf   []T
	next  int
	count int
}

func newRing[T any](size int) *ring[T] {
	return &ring[T]{buf: make([]T, size)}
}

func (r *ring[T]) add(v T) {
	r.buf[r.next] = v
	r.next = (r.next + 1) % len(r.buf)
	if r.count < len(r.buf) {
		r.count++
	}
}

// items returns the ring contents oldest first.
func (r *ring[T]) items() []T {
	out := make([]T, 0, r.count)
	start := r.next - r.count
	if start < 0 {
		start += len(r.buf)
	}
	for i := 0; i < r.count; i++ {
		out = append(out, r.buf[(start+i)%len(r.buf)])
	}
	return out
}

// Recorder implements the recording interfaces the scheduler, pre-filter,
// and queue call into.
type Recorder struct {
	mu       sync.Mutex
	totals   Totals
	scans    *ring[ScanSample]
	pool     *ring[PoolSample]
	scalings *ring[ScalingEvent]

	cache          *cache.VerdictCache
	load           func() []loadmon.Sample
	rollupWindow   time.Duration
	exportInterval time.Duration
	exportPath     string
	emit           func(Export)
	now            func() time.Time
}

// Options configures a Recorder.
type Options struct {
	// Cache, when set, contributes hit-rate figures to exports.
	Cache *cache.VerdictCache
	// Load, when set, contributes the load monitor's rolling window to
	// exports.
	Load           func() []loadmon.Sample
	RollupWindow   time.Duration
	ExportInterval time.Duration
	// ExportPath, when set, receives a JSON export on every interval.
	ExportPath string
	// Emit, when set, receives every periodic export. Used for the OTLP
	// forwarder.
	Emit func(Export)
	Now  func() time.Time
}

func NewRecorder(opts Options) *Recorder {
	if opts.RollupWindow <= 0 {
		opts.RollupWindow = defaultRollupWindow
	}
	if opts.ExportInterval <= 0 {
		opts.ExportInterval = defaultExportInterval
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Recorder{
		totals:         Totals{SkipsByReason: make(map[string]int64)},
		scans:          newRing[ScanSample](scanRingSize),
		pool:           newRing[PoolSample](poolRingSize),
		scalings:       newRing[ScalingEvent](scalingRingSize),
		cache:          opts.Cache,
		load:           opts.Load,
		rollupWindow:   opts.RollupWindow,
		exportInterval: opts.ExportInterval,
		exportPath:     opts.ExportPath,
		emit:           opts.Emit,
		now:            now,
	}
}

func (r *Recorder) RecordScan(path string, kind verdict.Kind, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.totals.Scans++
	switch kind {
	case verdict.Clean:
		r.totals.Clean++
	case verdict.Suspicious:
		r.totals.Suspicious++
	case verdict.Infected:
		r.totals.Infected++
	case verdict.Failed:
		r.totals.Errors++
	}
	r.scans.add(ScanSample{At: r.now(), Kind: kind, Duration: d})
}

func (r *Recorder) RecordRetry(path string) {
	r.mu.Lock()
	r.totals.Retries++
	r.mu.Unlock()
}

func (r *Recorder) RecordFailure(path string) {
	r.mu.Lock()
	r.totals.Failures++
	r.mu.Unlock()
}

func (r *Recorder) RecordDrop(path string) {
	r.mu.Lock()
	r.totals.Drops++
	r.mu.Unlock()
}

func (r *Recorder) RecordSkip(path string, reason prefilter.SkipReason) {
	r.mu.Lock()
	r.totals.SkipsByReason[reason.String()]++
	r.mu.Unlock()
}

func (r *Recorder) RecordScaling(from, to int, reason string) {
	r.mu.Lock()
	r.scalings.add(ScalingEvent{At: r.now(), From: from, To: to, Reason: reason})
	r.mu.Unlock()
}

func (r *Recorder) RecordPoolSample(queueDepth, workers, busy int) {
	r.mu.Lock()
	r.pool.add(PoolSample{At: r.now(), QueueDepth: queueDepth, Workers: workers, Busy: busy})
	r.mu.Unlock()
}

// Totals returns a copy of the running counters.
func (r *Recorder) Totals() Totals {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.copyTotalsLocked()
}

func (r *Recorder) copyTotalsLocked() Totals {
	t := r.totals
	t.SkipsByReason = make(map[string]int64, len(r.totals.SkipsByReason))
	for k, v := range r.totals.SkipsByReason {
		t.SkipsByReason[k] = v
	}
	return t
}

// Rollup summarizes the scans inside the configured recent window.
func (r *Recorder) Rollup() Rollup {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rollupLocked()
}

func (r *Recorder) rollupLocked() Rollup {
	cutoff := r.now().Add(-r.rollupWindow)
	out := Rollup{Window: r.rollupWindow}

	var durations []time.Duration
	var total time.Duration
	for _, s := range r.scans.items() {
		if s.At.Before(cutoff) {
			continue
		}
		out.Scans++
		total += s.Duration
		durations = append(durations, s.Duration)
		if s.Kind == verdict.Suspicious || s.Kind == verdict.Infected {
			out.Detections++
		}
	}
	if out.Scans == 0 {
		return out
	}

	out.ScansPerSec = float64(out.Scans) / r.rollupWindow.Seconds()
	out.MeanDuration = total / time.Duration(out.Scans)
	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })
	out.P50Duration = durations[len(durations)/2]
	out.P95Duration = durations[len(durations)*95/100]
	return out
}

// Snapshot builds the full export.
func (r *Recorder) Snapshot() Export {
	r.mu.Lock()
	defer r.mu.Unlock()

	e := Export{
		GeneratedAt:   r.now(),
		Totals:        r.copyTotalsLocked(),
		Rollup:        r.rollupLocked(),
		PoolSamples:   r.pool.items(),
		ScalingEvents: r.scalings.items(),
	}
	if r.cache != nil {
		e.CacheStats = r.cache.Stats()
		e.CacheHitRate = r.cache.HitRate()
	}
	if r.load != nil {
		for _, s := range r.load() {
			e.LoadSamples = append(e.LoadSamples, LoadSample{
				At:            s.At,
				CPUPercent:    s.CPUPercent,
				MemoryPercent: s.MemoryPercent,
				Tier:          s.Tier.String(),
			})
		}
	}
	return e
}

// Export writes the snapshot as JSON to the configured path. On demand; the
// periodic loop calls it too.
func (r *Recorder) Export() error {
	e := r.Snapshot()
	if r.emit != nil {
		r.emit(e)
	}
	if r.exportPath == "" {
		return nil
	}

	data, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(r.exportPath), 0755); err != nil {
		return err
	}
	tmp := r.exportPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, r.exportPath)
}

// Run exports on the configured interval until ctx is done, then performs a
// final export.
func (r *Recorder) Run(ctx context.Context) {
	ticker := time.NewTicker(r.exportInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := r.Export(); err != nil {
				logger.Warnf("Metrics export failed: %v", err)
			}
		case <-ctx.Done():
			if err := r.Export(); err != nil {
				logger.Warnf("Final metrics export failed: %v", err)
			}
			return
		}
	}
}
