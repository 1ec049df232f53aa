package sched

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"vigil/cache"
	"vigil/classify"
	"vigil/engines"
	"vigil/verdict"
)

type fakeSig struct {
	res   engines.SignatureResult
	err   error
	block chan struct{}
}

func (f *fakeSig) Scan(ctx context.Context, path string) (engines.SignatureResult, error) {
	if f.block != nil {
		<-f.block
	}
	return f.res, f.err
}

type fakeQuarantiner struct {
	mu    sync.Mutex
	paths []string
	err   error
}

func (f *fakeQuarantiner) Quarantine(path string, v verdict.Verdict) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.paths = append(f.paths, path)
	return nil
}

func (f *fakeQuarantiner) quarantined() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.paths...)
}

type fakeReleaser struct {
	released atomic.Int64
}

func (f *fakeReleaser) End(key uint64) { f.released.Add(1) }

type fakeRecorder struct {
	mu       sync.Mutex
	scans    int
	retries  int
	failures int
	scalings []string
}

func (f *fakeRecorder) RecordScan(path string, kind verdict.Kind, d time.Duration) {
	f.mu.Lock()
	f.scans++
	f.mu.Unlock()
}

func (f *fakeRecorder) RecordRetry(path string) {
	f.mu.Lock()
	f.retries++
	f.mu.Unlock()
}

func (f *fakeRecorder) RecordFailure(path string) {
	f.mu.Lock()
	f.failures++
	f.mu.Unlock()
}

func (f *fakeRecorder) RecordScaling(from, to int, reason string) {
	f.mu.Lock()
	f.scalings = append(f.scalings, reason)
	f.mu.Unlock()
}

func (f *fakeRecorder) RecordPoolSample(depth, workers, busy int) {}

type fakeNotifier struct {
	mu         sync.Mutex
	threats    []string
	completed  []string
	quarantine []string
	errors     []string
}

func (f *fakeNotifier) ThreatDetected(path string, v verdict.Verdict) {
	f.mu.Lock()
	f.threats = append(f.threats, path)
	f.mu.Unlock()
}

func (f *fakeNotifier) ScanCompleted(path string, v verdict.Verdict) {
	f.mu.Lock()
	f.completed = append(f.completed, path)
	f.mu.Unlock()
}

func (f *fakeNotifier) QuarantineAction(action, path string) {
	f.mu.Lock()
	f.quarantine = append(f.quarantine, path)
	f.mu.Unlock()
}

func (f *fakeNotifier) Error(path string, err error) {
	f.mu.Lock()
	f.errors = append(f.errors, path)
	f.mu.Unlock()
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestInfectedPathIsQuarantined(t *testing.T) {
	sig := &fakeSig{res: engines.SignatureResult{Infected: true, ThreatName: "X"}}
	quar := &fakeQuarantiner{}
	rec := &fakeRecorder{}
	notif := &fakeNotifier{}
	c := cache.New(context.Background(), cache.Options{Capacity: 100, TTL: time.Hour})

	p := NewPool(Options{
		Queue:           NewQueue(QueueOptions{Capacity: 10}),
		Coordinator:     engines.NewCoordinator(engines.CoordinatorOptions{Signature: sig}),
		Cache:           c,
		Quarantiner:     quar,
		Recorder:        rec,
		Notifier:        notif,
		MinWorkers:      1,
		MaxWorkers:      1,
		ActionThreshold: verdict.SeverityHigh,
	})
	p.Start()
	defer p.Stop()

	p.Submit(Task{Path: "/tmp/infected", Tier: classify.TierImmediate, ContentHash: "h1"})
	waitFor(t, func() bool { return p.Completed() == 1 }, "task never completed")

	if got := quar.quarantined(); len(got) != 1 || got[0] != "/tmp/infected" {
		t.Fatalf("expected quarantine of the infected path, got %v", got)
	}

	v, ok := c.Lookup("h1")
	if !ok {
		t.Fatal("infected verdict should be cached")
	}
	if v.Kind != verdict.Infected || v.ThreatName != "X" {
		t.Fatalf("cached verdict mismatch: %+v", v)
	}

	notif.mu.Lock()
	defer notif.mu.Unlock()
	if len(notif.threats) != 1 || len(notif.completed) != 1 {
		t.Fatalf("expected threat and completion callbacks, got %+v", notif)
	}
}

func TestBelowThresholdDetectionIsNotQuarantined(t *testing.T) {
	rules := ruleScannerFunc(func(ctx context.Context, path string) ([]verdict.RuleMatch, error) {
		return []verdict.RuleMatch{{RuleID: "r1", Severity: verdict.SeverityLow}}, nil
	})
	quar := &fakeQuarantiner{}
	notif := &fakeNotifier{}

	p := NewPool(Options{
		Queue:           NewQueue(QueueOptions{Capacity: 10}),
		Coordinator:     engines.NewCoordinator(engines.CoordinatorOptions{Rules: rules}),
		Quarantiner:     quar,
		Notifier:        notif,
		MinWorkers:      1,
		MaxWorkers:      1,
		ActionThreshold: verdict.SeverityHigh,
	})
	p.Start()
	defer p.Stop()

	p.Submit(Task{Path: "/tmp/suspicious", Tier: classify.TierNormal})
	waitFor(t, func() bool { return p.Completed() == 1 }, "task never completed")

	if len(quar.quarantined()) != 0 {
		t.Fatal("medium-severity detection must not be quarantined at a high threshold")
	}
	notif.mu.Lock()
	defer notif.mu.Unlock()
	if len(notif.threats) != 1 {
		t.Fatal("threat callback still expected for suspicious verdicts")
	}
}

type ruleScannerFunc func(ctx context.Context, path string) ([]verdict.RuleMatch, error)

func (f ruleScannerFunc) Scan(ctx context.Context, path string) ([]verdict.RuleMatch, error) {
	return f(ctx, path)
}

func TestTransientFailureRetriesThenFailsPermanently(t *testing.T) {
	sig := &fakeSig{err: engines.ErrUnavailable}
	rec := &fakeRecorder{}
	notif := &fakeNotifier{}
	rel := &fakeReleaser{}
	c := cache.New(context.Background(), cache.Options{Capacity: 100, TTL: time.Hour})

	p := NewPool(Options{
		Queue:       NewQueue(QueueOptions{Capacity: 10}),
		Coordinator: engines.NewCoordinator(engines.CoordinatorOptions{Signature: sig}),
		Cache:       c,
		Recorder:    rec,
		Notifier:    notif,
		Releaser:    rel,
		MinWorkers:  1,
		MaxWorkers:  1,
		MaxRetries:  2,
	})
	p.Start()
	defer p.Stop()

	p.Submit(Task{Path: "/tmp/flaky", Tier: classify.TierNormal, ContentHash: "h2", QuickKey: 7})
	waitFor(t, func() bool { return p.Completed() == 1 }, "task never reached a terminal state")

	rec.mu.Lock()
	retries, failures := rec.retries, rec.failures
	rec.mu.Unlock()
	if retries != 2 {
		t.Fatalf("expected 2 retries, got %d", retries)
	}
	if failures != 1 {
		t.Fatalf("expected 1 permanent failure, got %d", failures)
	}
	if _, ok := c.Lookup("h2"); ok {
		t.Fatal("error outcomes must never be cached")
	}
	if rel.released.Load() != 1 {
		t.Fatalf("in-flight key must be released exactly once, got %d", rel.released.Load())
	}
}

func TestStopDiscardsQueuedTasks(t *testing.T) {
	block := make(chan struct{})
	sig := &fakeSig{block: block}
	rel := &fakeReleaser{}

	p := NewPool(Options{
		Queue:       NewQueue(QueueOptions{Capacity: 10}),
		Coordinator: engines.NewCoordinator(engines.CoordinatorOptions{Signature: sig}),
		Releaser:    rel,
		MinWorkers:  1,
		MaxWorkers:  1,
	})
	p.Start()

	p.Submit(Task{Path: "/tmp/inflight", Tier: classify.TierImmediate, QuickKey: 1})
	waitFor(t, func() bool { return p.Snapshot().Busy == 1 }, "worker never picked up the task")

	for i := 0; i < 3; i++ {
		p.Submit(Task{Path: "/tmp/queued", Tier: classify.TierLow, QuickKey: uint64(10 + i)})
	}

	go func() {
		time.Sleep(100 * time.Millisecond)
		close(block)
	}()
	p.Stop()

	if p.Completed() != 1 {
		t.Fatalf("in-flight scan must complete during drain, completed=%d", p.Completed())
	}
	if rel.released.Load() != 4 {
		t.Fatalf("expected all 4 keys released, got %d", rel.released.Load())
	}
	if s := p.Snapshot(); s.State != PoolStopped || s.QueueDepth != 0 {
		t.Fatalf("expected stopped empty pool, got %+v", s)
	}
}

func TestScalingRespectsBoundsAndCooldown(t *testing.T) {
	block := make(chan struct{})
	sig := &fakeSig{block: block}
	rec := &fakeRecorder{}

	p := NewPool(Options{
		Queue:              NewQueue(QueueOptions{Capacity: 200}),
		Coordinator:        engines.NewCoordinator(engines.CoordinatorOptions{Signature: sig}),
		Recorder:           rec,
		MinWorkers:         1,
		MaxWorkers:         2,
		ScaleUpWatermark:   5,
		ScaleDownWatermark: 1,
		ScaleCooldown:      time.Hour,
		ScaleCheckInterval: time.Hour,
	})
	p.Start()
	defer func() {
		close(block)
		p.Stop()
	}()

	for i := 0; i < 20; i++ {
		p.Submit(Task{Path: "/tmp/deep", Tier: classify.TierLow})
	}

	// Force the cooldown open once: exactly one scale-up is allowed.
	p.mu.Lock()
	p.lastScaleAt = time.Now().Add(-2 * time.Hour)
	p.mu.Unlock()
	p.scaleCheck()
	p.scaleCheck()
	p.scaleCheck()

	if got := p.Snapshot().Workers; got != 2 {
		t.Fatalf("expected one scale-up to max 2, got %d workers", got)
	}

	// Even with the cooldown open the pool never exceeds max.
	p.mu.Lock()
	p.lastScaleAt = time.Now().Add(-2 * time.Hour)
	p.mu.Unlock()
	p.scaleCheck()
	if got := p.Snapshot().Workers; got > 2 {
		t.Fatalf("worker count exceeded max: %d", got)
	}

	rec.mu.Lock()
	scalings := len(rec.scalings)
	rec.mu.Unlock()
	if scalings != 1 {
		t.Fatalf("expected exactly one scaling event, got %d", scalings)
	}
}

func TestScaleDownWhenQueueIdle(t *testing.T) {
	p := NewPool(Options{
		Queue:              NewQueue(QueueOptions{Capacity: 10}),
		Coordinator:        engines.NewCoordinator(engines.CoordinatorOptions{}),
		MinWorkers:         2,
		MaxWorkers:         4,
		ScaleDownWatermark: 5,
		ScaleCooldown:      time.Millisecond,
		ScaleCheckInterval: time.Hour,
	})
	p.Start()
	defer p.Stop()

	// Grow by hand past min, then let the idle queue shrink it back.
	p.mu.Lock()
	p.spawnLocked()
	p.lastScaleAt = time.Now().Add(-time.Minute)
	p.mu.Unlock()

	p.scaleCheck()
	if got := p.Snapshot().Workers; got != 2 {
		t.Fatalf("expected shrink to 2, got %d", got)
	}

	// At min, an idle queue must not shrink further.
	p.mu.Lock()
	p.lastScaleAt = time.Now().Add(-time.Minute)
	p.mu.Unlock()
	p.scaleCheck()
	if got := p.Snapshot().Workers; got != 2 {
		t.Fatalf("worker count dropped below min: %d", got)
	}
}

func TestStartIsIdempotent(t *testing.T) {
	p := NewPool(Options{
		Queue:       NewQueue(QueueOptions{Capacity: 10}),
		Coordinator: engines.NewCoordinator(engines.CoordinatorOptions{}),
		MinWorkers:  1,
		MaxWorkers:  1,
	})
	p.Start()
	p.Start()
	defer p.Stop()

	if got := p.Snapshot().Workers; got != 1 {
		t.Fatalf("double start must not double workers, got %d", got)
	}
	if s := p.Snapshot().State; s != PoolRunning {
		t.Fatalf("expected running, got %v", s)
	}
}
