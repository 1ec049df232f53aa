// Package watch is the engine's top-level façade. It owns component
// lifecycle, feeds filesystem changes through the pre-filter into the
// scheduler, and exposes the surface the alerting consumer talks to.
package watch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"vigil/cache"
	"vigil/classify"
	"vigil/config"
	"vigil/engines"
	"vigil/events"
	"vigil/hasher"
	"vigil/loadmon"
	"vigil/logger"
	"vigil/metrics"
	"vigil/prefilter"
	"vigil/quarantine"
	"vigil/sched"
	"vigil/utils"
	"vigil/verdict"
)

// Coordinator wires the whole engine together. Construct with New, then
// Start; all other methods are safe while running.
type Coordinator struct {
	cfg       *config.Config
	cache     *cache.VerdictCache
	filter    *prefilter.PreFilter
	queue     *sched.Queue
	pool      *sched.Pool
	monitor   *loadmon.Monitor
	recorder  *metrics.Recorder
	forwarder *metrics.Forwarder
	bus       *events.Bus
	manager   *quarantine.Manager
	matcher   *utils.PatternMatcher

	mu      sync.Mutex
	watcher *watcher
	cancel  context.CancelFunc
	started bool
	bg      sync.WaitGroup
}

// New builds the engine from validated configuration. Construction is
// side-effect-light: nothing scans until Start.
func New(cfg *config.Config) (*Coordinator, error) {
	ctx, cancel := context.WithCancel(context.Background())

	verdictCache := cache.New(ctx, cache.Options{
		Capacity: cfg.CacheCapacity,
		TTL:      cfg.CacheTTL,
		Path:     cfg.CachePath,
	})

	forwarder, err := metrics.NewForwarder(metrics.ForwarderOptions{
		Endpoint:     cfg.OtelEndpoint,
		FromEnv:      cfg.OtelFromEnv,
		Headers:      cfg.OtelHeaders,
		Timeout:      cfg.OtelTimeout,
		ServiceName:  cfg.OtelServiceName,
		IncludePaths: cfg.OtelExportPaths,
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("otel forwarder: %w", err)
	}

	monitor := loadmon.New(loadmon.Options{
		Thresholds: loadmon.Thresholds{
			ThrottleCPU:    cfg.ThrottleCPU,
			ThrottleMemory: cfg.ThrottleMemory,
			PauseCPU:       cfg.PauseCPU,
			PauseMemory:    cfg.PauseMemory,
		},
		SampleInterval: cfg.SampleInterval,
		ThrottleDelay:  cfg.ThrottleDelay,
	})

	recorder := metrics.NewRecorder(metrics.Options{
		Cache:          verdictCache,
		Load:           monitor.History,
		ExportInterval: cfg.MetricsExportInterval,
		ExportPath:     cfg.MetricsExportPath,
		Emit:           forwarder.EmitSnapshot,
	})

	filter := prefilter.New(prefilter.Options{
		MaxFileSize:     cfg.MaxFileSize,
		Algorithm:       hasher.Algorithm(cfg.HashAlgorithm),
		Cache:           verdictCache,
		Recorder:        recorder,
		KnownBenignFile: cfg.KnownBenignFile,
	})

	var manager *quarantine.Manager
	if cfg.QuarantineEnabled {
		manager, err = quarantine.NewManager(quarantine.Options{
			Dir:            cfg.QuarantineDir,
			ForbiddenPaths: cfg.ForbiddenPaths,
			Algorithm:      hasher.Algorithm(cfg.HashAlgorithm),
		})
		if err != nil {
			cancel()
			return nil, fmt.Errorf("quarantine manager: %w", err)
		}
	}

	coordinator := engines.NewCoordinator(engines.CoordinatorOptions{
		Signature:       maybeSignature(cfg),
		Rules:           maybeRules(cfg),
		Classifier:      maybeClassifier(cfg),
		CorroborateHits: cfg.CorroborateHits,
	})

	bus := events.NewBus(0)
	queue := sched.NewQueue(sched.QueueOptions{
		Capacity:       cfg.QueueCapacity,
		BoostThreshold: cfg.BoostThreshold,
		OnDrop: func(t sched.Task) {
			recorder.RecordDrop(t.Path)
			filter.End(t.QuickKey)
		},
	})

	c := &Coordinator{
		cfg:       cfg,
		cache:     verdictCache,
		filter:    filter,
		queue:     queue,
		monitor:   monitor,
		recorder:  recorder,
		forwarder: forwarder,
		bus:       bus,
		manager:   manager,
		matcher:   utils.NewPatternMatcher(cfg.IncludePatterns, cfg.ExcludePatterns),
		cancel:    cancel,
	}

	c.pool = sched.NewPool(sched.Options{
		Queue:              queue,
		Coordinator:        coordinator,
		Monitor:            monitor,
		Cache:              verdictCache,
		Quarantiner:        c.quarantiner(),
		Releaser:           filter,
		Recorder:           recorder,
		Notifier:           bus,
		MinWorkers:         cfg.MinWorkers,
		MaxWorkers:         cfg.MaxWorkers,
		ScaleUpWatermark:   cfg.ScaleUpWatermark,
		ScaleDownWatermark: cfg.ScaleDownWatermark,
		ScaleCooldown:      cfg.ScaleCooldown,
		ScaleCheckInterval: cfg.ScaleCheckInterval,
		MaxRetries:         cfg.MaxRetries,
		ActionThreshold:    verdict.ParseSeverity(cfg.ActionThreshold),
		MaxScansPerSecond:  float64(cfg.MaxScansPerSecond),
	})

	return c, nil
}

func maybeSignature(cfg *config.Config) engines.SignatureScanner {
	if cfg.SignatureCommand == "" {
		return nil
	}
	return engines.NewExecSignatureScanner(cfg.SignatureCommand, cfg.EngineTimeout)
}

func maybeRules(cfg *config.Config) engines.RuleScanner {
	if cfg.RuleCommand == "" {
		return nil
	}
	return engines.NewExecRuleScanner(cfg.RuleCommand, cfg.EngineTimeout)
}

func maybeClassifier(cfg *config.Config) engines.Classifier {
	if cfg.ClassifierCommand == "" {
		return nil
	}
	return engines.NewExecClassifier(cfg.ClassifierCommand, cfg.EngineTimeout)
}

// quarantineAdapter narrows the manager to the handoff the pool needs.
type quarantineAdapter struct {
	manager *quarantine.Manager
}

func (a quarantineAdapter) Quarantine(path string, v verdict.Verdict) error {
	_, err := a.manager.Quarantine(path, v)
	return err
}

func (c *Coordinator) quarantiner() sched.Quarantiner {
	if c.manager == nil {
		return nil
	}
	return quarantineAdapter{manager: c.manager}
}

// Start brings up the worker pool, the filesystem watcher, the metrics
// export loop, and the initial sweep when configured.
func (c *Coordinator) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return nil
	}

	w, err := newWatcher(c.cfg.DebounceWindow, c.handleEvent)
	if err != nil {
		return fmt.Errorf("filesystem watcher: %w", err)
	}
	for _, root := range c.cfg.WatchPaths {
		if err := w.addRecursive(root); err != nil {
			w.close()
			return fmt.Errorf("watching %s: %w", root, err)
		}
	}
	c.watcher = w

	c.pool.Start()

	runCtx, runCancel := context.WithCancel(context.Background())
	prev := c.cancel
	c.cancel = func() {
		runCancel()
		prev()
	}

	c.bg.Add(1)
	go func() {
		defer c.bg.Done()
		c.recorder.Run(runCtx)
	}()

	if c.cfg.InitialSweep {
		c.bg.Add(1)
		go func() {
			defer c.bg.Done()
			c.sweep(runCtx)
		}()
	}

	c.started = true
	logger.Infof("Watch coordinator started over %d paths", len(c.cfg.WatchPaths))
	return nil
}

// Stop drains the pool, persists the cache and metrics, and releases the
// watcher. Safe to call once after Start.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		return
	}

	c.watcher.close()
	c.watcher = nil
	c.pool.Stop()
	c.cancel()
	c.bg.Wait()
	c.forwarder.Shutdown()
	c.started = false
	logger.Info("Watch coordinator stopped")
}

// handleEvent is the debounced watcher sink.
func (c *Coordinator) handleEvent(e Event) {
	switch e.Kind {
	case Deleted, Moved:
		logger.Debugf("Ignoring %s event for %s", e.Kind, e.Path)
		return
	}
	if !c.matcher.ShouldInclude(e.Path) {
		return
	}
	c.SubmitPath(e.Path, classify.Classify(e.Path))
}

// SubmitPath runs one path through the pre-filter and, if it survives,
// enqueues it at the given priority. Returns true when a task was created.
func (c *Coordinator) SubmitPath(path string, tier classify.Tier) bool {
	d := c.filter.ShouldScan(path)
	if !d.Scan {
		return false
	}
	if !c.filter.Begin(d.QuickKey) {
		// Lost the race with another submission of the same content.
		return false
	}

	task := sched.Task{
		Path:         path,
		DiscoveredAt: time.Now(),
		Tier:         tier,
		ContentHash:  d.ContentHash,
		Size:         d.Size,
		QuickKey:     d.QuickKey,
	}
	if !c.pool.Submit(task) {
		return false
	}
	return true
}

// Restore brings a quarantined file back and immediately resubmits it at
// Immediate priority, exactly as if it had just arrived.
func (c *Coordinator) Restore(id string) error {
	if c.manager == nil {
		return fmt.Errorf("quarantine is disabled")
	}
	rec, err := c.manager.Restore(id)
	if err != nil {
		return err
	}
	if !c.SubmitPath(rec.OriginalPath, classify.TierImmediate) {
		logger.Warnf("Restored %s was filtered out of rescanning", rec.OriginalPath)
	}
	c.bus.QuarantineAction("restore", rec.OriginalPath)
	return nil
}

// Events exposes the callback stream for the alerting consumer.
func (c *Coordinator) Events() <-chan events.Event {
	return c.bus.Events()
}

// PoolSnapshot returns the scheduler state for dashboards.
func (c *Coordinator) PoolSnapshot() sched.Snapshot {
	return c.pool.Snapshot()
}

// MetricsSnapshot returns the aggregated metrics export.
func (c *Coordinator) MetricsSnapshot() metrics.Export {
	return c.recorder.Snapshot()
}

// ExportMetrics writes the metrics export on demand.
func (c *Coordinator) ExportMetrics() error {
	return c.recorder.Export()
}

// Completed reports terminal task outcomes; the stall watchdog polls it.
func (c *Coordinator) Completed() int64 {
	return c.pool.Completed()
}

// Quarantine exposes the quarantine manager, nil when disabled.
func (c *Coordinator) Quarantine() *quarantine.Manager {
	return c.manager
}

// InvalidateCache bumps the engine generation after a signature or rule
// database update; every cached verdict becomes unreachable.
func (c *Coordinator) InvalidateCache() uint64 {
	gen := c.cache.BumpGeneration()
	logger.Infof("Verdict cache invalidated, generation %d", gen)
	return gen
}
