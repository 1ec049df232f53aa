// Package sched owns the shared task queue and the adaptive worker pool that
// pulls from it. Workers consult the load monitor before every dispatch and
// drive the engine coordinator; the scaling decision runs on its own timer so
// the per-task path stays cheap.
package sched

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"vigil/cache"
	"vigil/engines"
	"vigil/loadmon"
	"vigil/logger"
	"vigil/verdict"
)

// PoolState is the pool-level lifecycle state.
type PoolState int

const (
	PoolStopped PoolState = iota
	PoolRunning
	PoolDraining
)

func (s PoolState) String() string {
	switch s {
	case PoolRunning:
		return "running"
	case PoolDraining:
		return "draining"
	default:
		return "stopped"
	}
}

// Quarantiner isolates a confirmed threat. Implemented by the quarantine
// manager.
type Quarantiner interface {
	Quarantine(path string, v verdict.Verdict) error
}

// Releaser frees an in-flight content key once its task reaches a terminal
// state. Implemented by the pre-filter.
type Releaser interface {
	End(key uint64)
}

// Recorder receives the pool's metrics events. All methods must return
// quickly; the metrics recorder buffers internally.
type Recorder interface {
	RecordScan(path string, kind verdict.Kind, d time.Duration)
	RecordRetry(path string)
	RecordFailure(path string)
	RecordScaling(from, to int, reason string)
	RecordPoolSample(queueDepth, workers, busy int)
}

// Notifier delivers callback events to the alerting consumer. Delivery must
// never block the scan path.
type Notifier interface {
	ThreatDetected(path string, v verdict.Verdict)
	ScanCompleted(path string, v verdict.Verdict)
	QuarantineAction(action, path string)
	Error(path string, err error)
}

// Options configures a Pool.
type Options struct {
	Queue       *Queue
	Coordinator *engines.Coordinator
	Monitor     *loadmon.Monitor
	Cache       *cache.VerdictCache
	Quarantiner Quarantiner
	Releaser    Releaser
	Recorder    Recorder
	Notifier    Notifier

	MinWorkers         int
	MaxWorkers         int
	ScaleUpWatermark   int
	ScaleDownWatermark int
	ScaleCooldown      time.Duration
	ScaleCheckInterval time.Duration

	MaxRetries int
	// ActionThreshold is the minimum fused severity that triggers the
	// quarantine handoff.
	ActionThreshold verdict.Severity
	// MaxScansPerSecond caps engine invocations across all workers.
	// Zero means unlimited.
	MaxScansPerSecond float64
}

// Pool runs the workers. Worker membership is mutated only by the scaling
// loop; workers themselves never touch it.
type Pool struct {
	queue       *Queue
	coordinator *engines.Coordinator
	monitor     *loadmon.Monitor
	cache       *cache.VerdictCache
	quarantiner Quarantiner
	releaser    Releaser
	recorder    Recorder
	notifier    Notifier
	limiter     *rate.Limiter

	minWorkers         int
	maxWorkers         int
	upWatermark        int
	downWatermark      int
	cooldown           time.Duration
	scaleCheckInterval time.Duration
	maxRetries         int
	actionThreshold    verdict.Severity

	state atomic.Int32
	busy  atomic.Int32
	// completed counts terminal task outcomes; the stall watchdog watches it.
	completed atomic.Int64

	mu          sync.Mutex
	cancels     []context.CancelFunc
	lastScaleAt time.Time

	dispatchCtx    context.Context
	dispatchCancel context.CancelFunc
	wg             sync.WaitGroup
	scalerDone     chan struct{}
}

func NewPool(opts Options) *Pool {
	if opts.MinWorkers <= 0 {
		opts.MinWorkers = 2
	}
	if opts.MaxWorkers < opts.MinWorkers {
		opts.MaxWorkers = opts.MinWorkers
	}
	if opts.ScaleUpWatermark <= 0 {
		opts.ScaleUpWatermark = 50
	}
	if opts.ScaleDownWatermark < 0 {
		opts.ScaleDownWatermark = 10
	}
	if opts.ScaleCooldown <= 0 {
		opts.ScaleCooldown = 30 * time.Second
	}
	if opts.ScaleCheckInterval <= 0 {
		opts.ScaleCheckInterval = 5 * time.Second
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}

	p := &Pool{
		queue:              opts.Queue,
		coordinator:        opts.Coordinator,
		monitor:            opts.Monitor,
		cache:              opts.Cache,
		quarantiner:        opts.Quarantiner,
		releaser:           opts.Releaser,
		recorder:           opts.Recorder,
		notifier:           opts.Notifier,
		minWorkers:         opts.MinWorkers,
		maxWorkers:         opts.MaxWorkers,
		upWatermark:        opts.ScaleUpWatermark,
		downWatermark:      opts.ScaleDownWatermark,
		cooldown:           opts.ScaleCooldown,
		scaleCheckInterval: opts.ScaleCheckInterval,
		maxRetries:         opts.MaxRetries,
		actionThreshold:    opts.ActionThreshold,
	}
	if opts.MaxScansPerSecond > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(opts.MaxScansPerSecond), 1)
	}
	return p
}

// Snapshot is a point-in-time view of the pool for dashboards.
type Snapshot struct {
	State      PoolState
	Workers    int
	Busy       int
	QueueDepth int
	Completed  int64
}

func (p *Pool) Snapshot() Snapshot {
	p.mu.Lock()
	workers := len(p.cancels)
	p.mu.Unlock()
	return Snapshot{
		State:      PoolState(p.state.Load()),
		Workers:    workers,
		Busy:       int(p.busy.Load()),
		QueueDepth: p.queue.Depth(),
		Completed:  p.completed.Load(),
	}
}

// Completed returns the number of tasks that reached a terminal state.
func (p *Pool) Completed() int64 {
	return p.completed.Load()
}

// Start brings the pool from Stopped to Running with the minimum worker
// count and begins the periodic scaling check.
func (p *Pool) Start() {
	if !p.state.CompareAndSwap(int32(PoolStopped), int32(PoolRunning)) {
		return
	}
	p.dispatchCtx, p.dispatchCancel = context.WithCancel(context.Background())
	p.scalerDone = make(chan struct{})

	p.mu.Lock()
	for i := 0; i < p.minWorkers; i++ {
		p.spawnLocked()
	}
	p.lastScaleAt = time.Now()
	p.mu.Unlock()

	go p.scaleLoop()
	logger.Infof("Worker pool started with %d workers (max %d)", p.minWorkers, p.maxWorkers)
}

// Stop drains the pool: dispatch halts, in-flight scans finish, queued tasks
// are discarded with their in-flight keys released.
func (p *Pool) Stop() {
	if !p.state.CompareAndSwap(int32(PoolRunning), int32(PoolDraining)) {
		return
	}
	logger.Info("Worker pool draining")
	p.dispatchCancel()
	<-p.scalerDone
	p.wg.Wait()

	discarded := p.queue.Drain()
	for _, t := range discarded {
		p.release(t)
	}
	if len(discarded) > 0 {
		logger.Infof("Discarded %d queued tasks on shutdown", len(discarded))
	}

	p.mu.Lock()
	p.cancels = nil
	p.mu.Unlock()
	p.state.Store(int32(PoolStopped))
	logger.Info("Worker pool stopped")
}

// spawnLocked starts one worker. Caller holds p.mu.
func (p *Pool) spawnLocked() {
	ctx, cancel := context.WithCancel(p.dispatchCtx)
	p.cancels = append(p.cancels, cancel)
	p.wg.Add(1)
	go p.worker(ctx)
}

// retireLocked stops the most recently started worker. Caller holds p.mu.
func (p *Pool) retireLocked() {
	n := len(p.cancels)
	if n == 0 {
		return
	}
	p.cancels[n-1]()
	p.cancels = p.cancels[:n-1]
}

func (p *Pool) worker(ctx context.Context) {
	defer p.wg.Done()
	for {
		if ctx.Err() != nil {
			return
		}

		if p.monitor != nil && p.monitor.ShouldPause() {
			select {
			case <-ctx.Done():
				return
			case <-time.After(schedulingTick):
			}
			continue
		}
		if p.monitor != nil {
			if d := p.monitor.RecommendedDelay(); d > 0 {
				select {
				case <-ctx.Done():
					return
				case <-time.After(d):
				}
			}
		}
		if p.limiter != nil {
			if err := p.limiter.Wait(ctx); err != nil {
				return
			}
		}

		task, ok := p.queue.Dequeue(ctx)
		if !ok {
			return
		}

		p.busy.Add(1)
		p.process(task)
		p.busy.Add(-1)
	}
}

// process runs one task to a terminal state or a retry re-enqueue. The scan
// itself runs under a background context so draining does not abort work
// already in flight; the engine adapters bound it with their own timeouts.
func (p *Pool) process(task Task) {
	start := time.Now()
	v := p.coordinator.Scan(context.Background(), task.Path)

	if engines.Retryable(v) {
		if task.Retries < p.maxRetries {
			task.Retries++
			logger.Warnf("Transient engine failure for %s, retry %d/%d", task.Path, task.Retries, p.maxRetries)
			if p.recorder != nil {
				p.recorder.RecordRetry(task.Path)
			}
			if !p.queue.Enqueue(task) {
				p.terminalFailure(task)
			}
			return
		}
		p.terminalFailure(task)
		return
	}

	duration := time.Since(start)
	if p.recorder != nil {
		p.recorder.RecordScan(task.Path, v.Kind, duration)
	}

	if v.Definitive() && task.ContentHash != "" && p.cache != nil {
		p.cache.Insert(task.ContentHash, v, p.cache.Generation())
	}

	if v.Detected() {
		logger.Warnf("Threat detected in %s: %s (%s, severity %s)", task.Path, v.ThreatName, v.Kind, v.Severity)
		if p.notifier != nil {
			p.notifier.ThreatDetected(task.Path, v)
		}
		if v.Severity >= p.actionThreshold && p.quarantiner != nil {
			if err := p.quarantiner.Quarantine(task.Path, v); err != nil {
				logger.Errorf("Quarantine of %s failed: %v", task.Path, err)
				if p.notifier != nil {
					p.notifier.Error(task.Path, err)
				}
			} else if p.notifier != nil {
				p.notifier.QuarantineAction("quarantine", task.Path)
			}
		}
	}

	if p.notifier != nil {
		p.notifier.ScanCompleted(task.Path, v)
	}
	p.finish(task)
}

func (p *Pool) terminalFailure(task Task) {
	logger.Errorf("Permanent scan failure for %s after %d retries", task.Path, task.Retries)
	if p.recorder != nil {
		p.recorder.RecordFailure(task.Path)
	}
	if p.notifier != nil {
		p.notifier.Error(task.Path, engines.ErrUnavailable)
	}
	p.finish(task)
}

func (p *Pool) finish(task Task) {
	p.release(task)
	p.completed.Add(1)
}

func (p *Pool) release(task Task) {
	if p.releaser != nil && task.QuickKey != 0 {
		p.releaser.End(task.QuickKey)
	}
}

func (p *Pool) scaleLoop() {
	defer close(p.scalerDone)
	ticker := time.NewTicker(p.scaleCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.dispatchCtx.Done():
			return
		case <-ticker.C:
			p.scaleCheck()
		}
	}
}

// scaleCheck applies at most one worker-count change per cooldown window.
// Host pressure wins over queue depth: a deep queue never grows the pool
// while the load monitor wants it smaller.
func (p *Pool) scaleCheck() {
	depth := p.queue.Depth()
	loadDelta := 0
	if p.monitor != nil {
		loadDelta = p.monitor.RecommendedWorkerDelta()
	}

	p.mu.Lock()
	workers := len(p.cancels)
	if p.recorder != nil {
		p.recorder.RecordPoolSample(depth, workers, int(p.busy.Load()))
	}

	if time.Since(p.lastScaleAt) < p.cooldown {
		p.mu.Unlock()
		return
	}

	target := workers
	reason := ""
	switch {
	case loadDelta < 0 && workers > p.minWorkers:
		target = workers - 1
		reason = "load_pressure"
	case depth >= p.upWatermark && workers < p.maxWorkers:
		target = workers + 1
		reason = "queue_depth"
	case depth <= p.downWatermark && workers > p.minWorkers:
		target = workers - 1
		reason = "queue_idle"
	}
	if target == workers {
		p.mu.Unlock()
		return
	}

	if target > workers {
		p.spawnLocked()
	} else {
		p.retireLocked()
	}
	p.lastScaleAt = time.Now()
	p.mu.Unlock()

	logger.Infof("Scaled worker pool %d -> %d (%s, queue depth %d)", workers, target, reason, depth)
	if p.recorder != nil {
		p.recorder.RecordScaling(workers, target, reason)
	}
}

// Submit enqueues a prepared task. It never blocks; false means the task was
// shed by the overflow policy.
func (p *Pool) Submit(task Task) bool {
	return p.queue.Enqueue(task)
}
