package sched

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"vigil/classify"
	"vigil/logger"
)

// Task is one unit of scan work. The scheduler is the only mutator after
// creation: it boosts the tier and bumps the retry count.
type Task struct {
	Path         string
	DiscoveredAt time.Time
	Tier         classify.Tier
	Retries      int

	// Carried over from pre-filtering so workers do not repeat the work.
	ContentHash string
	Size        int64
	QuickKey    uint64

	enqueuedAt time.Time
	seq        uint64
	index      int
}

type taskHeap []*Task

func (h taskHeap) Len() int { return len(h) }

// Higher tier first; FIFO by sequence within a tier.
func (h taskHeap) Less(i, j int) bool {
	if h[i].Tier != h[j].Tier {
		return h[i].Tier > h[j].Tier
	}
	return h[i].seq < h[j].seq
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x any) {
	t := x.(*Task)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// Queue is the bounded shared priority queue all workers pull from. Enqueue
// never blocks: at capacity the lowest-priority task is dropped instead.
type Queue struct {
	mu             sync.Mutex
	heap           taskHeap
	capacity       int
	seq            uint64
	boostThreshold time.Duration
	now            func() time.Time
	onDrop         func(Task)
	signal         chan struct{}
}

// QueueOptions configures a Queue.
type QueueOptions struct {
	Capacity       int
	BoostThreshold time.Duration
	// OnDrop is called outside the queue lock for every task shed at
	// capacity.
	OnDrop func(Task)
	Now    func() time.Time
}

func NewQueue(opts QueueOptions) *Queue {
	if opts.Capacity <= 0 {
		opts.Capacity = 500
	}
	if opts.BoostThreshold <= 0 {
		opts.BoostThreshold = 60 * time.Second
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Queue{
		capacity:       opts.Capacity,
		boostThreshold: opts.BoostThreshold,
		now:            now,
		onDrop:         opts.OnDrop,
		signal:         make(chan struct{}, 1),
	}
}

// Enqueue adds a task, shedding the lowest-priority entry when full. The
// incoming task itself is shed when nothing queued ranks below it. Returns
// false when the task was shed.
func (q *Queue) Enqueue(t Task) bool {
	t.enqueuedAt = q.now()

	q.mu.Lock()
	var dropped *Task
	if len(q.heap) >= q.capacity {
		victim := q.lowestLocked()
		if victim == nil || victim.Tier > t.Tier {
			q.mu.Unlock()
			q.drop(t)
			return false
		}
		heap.Remove(&q.heap, victim.index)
		dropped = victim
	}
	t.seq = q.seq
	q.seq++
	heap.Push(&q.heap, &t)
	q.mu.Unlock()

	if dropped != nil {
		q.drop(*dropped)
	}
	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// lowestLocked finds the shedding victim: the lowest tier, and within that
// tier the most recently enqueued, so older work keeps its place in line.
func (q *Queue) lowestLocked() *Task {
	var victim *Task
	for _, t := range q.heap {
		if victim == nil || t.Tier < victim.Tier ||
			(t.Tier == victim.Tier && t.seq > victim.seq) {
			victim = t
		}
	}
	return victim
}

func (q *Queue) drop(t Task) {
	logger.Warnf("Queue full, dropping %s (tier %s)", t.Path, t.Tier)
	if q.onDrop != nil {
		q.onDrop(t)
	}
}

// boostStaleLocked raises every task that has waited longer than the boost
// threshold to Immediate. Staleness is measured from enqueue time, not counted
// in selections, so a starved task is eligible at the very next selection even
// when dispatches are slow. Boosted tasks keep their sequence number and
// therefore lead the FIFO order of the Immediate tier.
func (q *Queue) boostStaleLocked(now time.Time) {
	changed := false
	for _, t := range q.heap {
		if t.Tier >= classify.TierImmediate {
			continue
		}
		if now.Sub(t.enqueuedAt) < q.boostThreshold {
			continue
		}
		t.Tier = classify.TierImmediate
		changed = true
		logger.Debugf("Boosting stale task %s to tier %s", t.Path, t.Tier)
	}
	if changed {
		heap.Init(&q.heap)
	}
}

// schedulingTick bounds how long an idle worker sleeps between starvation
// checks.
const schedulingTick = time.Second

// Dequeue blocks until a task is available or ctx is done. Stale tasks are
// boosted before every selection.
func (q *Queue) Dequeue(ctx context.Context) (Task, bool) {
	for {
		q.mu.Lock()
		q.boostStaleLocked(q.now())
		if len(q.heap) > 0 {
			t := heap.Pop(&q.heap).(*Task)
			q.mu.Unlock()
			return *t, true
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return Task{}, false
		case <-q.signal:
		case <-time.After(schedulingTick):
		}
	}
}

// TryDequeue pops the highest-priority task without blocking.
func (q *Queue) TryDequeue() (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.boostStaleLocked(q.now())
	if len(q.heap) == 0 {
		return Task{}, false
	}
	t := heap.Pop(&q.heap).(*Task)
	return *t, true
}

// Depth returns the number of pending tasks.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}

// Drain discards all pending tasks and returns them.
func (q *Queue) Drain() []Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Task, 0, len(q.heap))
	for len(q.heap) > 0 {
		t := heap.Pop(&q.heap).(*Task)
		out = append(out, *t)
	}
	return out
}
