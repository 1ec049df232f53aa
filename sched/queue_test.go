package sched

import (
	"context"
	"sync"
	"testing"
	"time"

	"vigil/classify"
)

// testClock is an injectable clock the queue tests advance by hand.
type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func TestDequeueOrderByTier(t *testing.T) {
	q := NewQueue(QueueOptions{Capacity: 10})
	q.Enqueue(Task{Path: "low", Tier: classify.TierLow})
	q.Enqueue(Task{Path: "imm", Tier: classify.TierImmediate})
	q.Enqueue(Task{Path: "high", Tier: classify.TierHigh})
	q.Enqueue(Task{Path: "norm", Tier: classify.TierNormal})

	want := []string{"imm", "high", "norm", "low"}
	for _, w := range want {
		task, ok := q.TryDequeue()
		if !ok {
			t.Fatalf("queue empty, wanted %s", w)
		}
		if task.Path != w {
			t.Fatalf("got %s, want %s", task.Path, w)
		}
	}
}

func TestFIFOWithinTier(t *testing.T) {
	q := NewQueue(QueueOptions{Capacity: 10})
	for _, p := range []string{"a", "b", "c"} {
		q.Enqueue(Task{Path: p, Tier: classify.TierNormal})
	}
	for _, w := range []string{"a", "b", "c"} {
		task, _ := q.TryDequeue()
		if task.Path != w {
			t.Fatalf("got %s, want %s", task.Path, w)
		}
	}
}

func TestStarvationBoost(t *testing.T) {
	clock := newTestClock()
	q := NewQueue(QueueOptions{Capacity: 100, BoostThreshold: 60 * time.Second, Now: clock.now})

	q.Enqueue(Task{Path: "starved", Tier: classify.TierLow})
	clock.advance(61 * time.Second)

	// A continuous stream of immediate arrivals keeps coming in.
	q.Enqueue(Task{Path: "fresh1", Tier: classify.TierImmediate})
	q.Enqueue(Task{Path: "fresh2", Tier: classify.TierImmediate})

	// Crossing the threshold lifts the stale task to Immediate, and its older
	// sequence puts it ahead of the stream at the very next selection.
	first, _ := q.TryDequeue()
	if first.Path != "starved" {
		t.Fatalf("starved task not dispatched at first selection, got %s", first.Path)
	}
	if first.Tier != classify.TierImmediate {
		t.Fatalf("expected stale task lifted to immediate, got %v", first.Tier)
	}
}

func TestBoostedTaskLeadsItsNewTier(t *testing.T) {
	clock := newTestClock()
	q := NewQueue(QueueOptions{Capacity: 100, BoostThreshold: 60 * time.Second, Now: clock.now})

	q.Enqueue(Task{Path: "old-low", Tier: classify.TierLow})
	clock.advance(61 * time.Second)
	q.Enqueue(Task{Path: "new-high", Tier: classify.TierHigh})

	// The boost lifts old-low past the fresh High arrival in one step.
	task, _ := q.TryDequeue()
	if task.Path != "old-low" {
		t.Fatalf("expected boosted task first, got %s", task.Path)
	}
	if task.Tier != classify.TierImmediate {
		t.Fatalf("expected boost to immediate, got %v", task.Tier)
	}
}

func TestImmediateNeverBoostsFurther(t *testing.T) {
	clock := newTestClock()
	q := NewQueue(QueueOptions{Capacity: 10, BoostThreshold: time.Second, Now: clock.now})
	q.Enqueue(Task{Path: "imm", Tier: classify.TierImmediate})
	clock.advance(time.Hour)

	task, _ := q.TryDequeue()
	if task.Tier != classify.TierImmediate {
		t.Fatalf("immediate stays immediate, got %v", task.Tier)
	}
}

func TestOverflowDropsLowestPriority(t *testing.T) {
	var dropped []Task
	q := NewQueue(QueueOptions{Capacity: 3, OnDrop: func(t Task) { dropped = append(dropped, t) }})

	q.Enqueue(Task{Path: "low", Tier: classify.TierLow})
	q.Enqueue(Task{Path: "norm", Tier: classify.TierNormal})
	q.Enqueue(Task{Path: "high", Tier: classify.TierHigh})

	if !q.Enqueue(Task{Path: "imm", Tier: classify.TierImmediate}) {
		t.Fatal("higher-priority arrival must displace, not be shed")
	}
	if len(dropped) != 1 || dropped[0].Path != "low" {
		t.Fatalf("expected low dropped, got %v", dropped)
	}
	if q.Depth() != 3 {
		t.Fatalf("capacity violated: depth %d", q.Depth())
	}
}

func TestOverflowShedsIncomingWhenLowest(t *testing.T) {
	var dropped []Task
	q := NewQueue(QueueOptions{Capacity: 2, OnDrop: func(t Task) { dropped = append(dropped, t) }})

	q.Enqueue(Task{Path: "a", Tier: classify.TierHigh})
	q.Enqueue(Task{Path: "b", Tier: classify.TierHigh})

	if q.Enqueue(Task{Path: "low", Tier: classify.TierLow}) {
		t.Fatal("lowest-priority arrival should be shed")
	}
	if len(dropped) != 1 || dropped[0].Path != "low" {
		t.Fatalf("expected incoming task dropped, got %v", dropped)
	}
}

func TestOverflowVictimIsYoungestInLowestTier(t *testing.T) {
	var dropped []Task
	q := NewQueue(QueueOptions{Capacity: 2, OnDrop: func(t Task) { dropped = append(dropped, t) }})

	q.Enqueue(Task{Path: "older-low", Tier: classify.TierLow})
	q.Enqueue(Task{Path: "younger-low", Tier: classify.TierLow})
	q.Enqueue(Task{Path: "high", Tier: classify.TierHigh})

	if len(dropped) != 1 || dropped[0].Path != "younger-low" {
		t.Fatalf("expected youngest low task dropped, got %v", dropped)
	}
}

func TestDequeueBlocksUntilEnqueue(t *testing.T) {
	q := NewQueue(QueueOptions{Capacity: 10})
	done := make(chan Task, 1)
	go func() {
		task, _ := q.Dequeue(context.Background())
		done <- task
	}()

	time.Sleep(50 * time.Millisecond)
	q.Enqueue(Task{Path: "x", Tier: classify.TierNormal})

	select {
	case task := <-done:
		if task.Path != "x" {
			t.Fatalf("got %s", task.Path)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("dequeue did not wake on enqueue")
	}
}

func TestDequeueHonorsContextCancel(t *testing.T) {
	q := NewQueue(QueueOptions{Capacity: 10})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan bool, 1)
	go func() {
		_, ok := q.Dequeue(ctx)
		done <- ok
	}()

	cancel()
	select {
	case ok := <-done:
		if ok {
			t.Fatal("expected ok=false on cancel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("dequeue did not observe cancellation")
	}
}

func TestDrain(t *testing.T) {
	q := NewQueue(QueueOptions{Capacity: 10})
	q.Enqueue(Task{Path: "a", Tier: classify.TierLow})
	q.Enqueue(Task{Path: "b", Tier: classify.TierHigh})

	out := q.Drain()
	if len(out) != 2 {
		t.Fatalf("expected 2 drained, got %d", len(out))
	}
	if q.Depth() != 0 {
		t.Fatal("queue not empty after drain")
	}
}
