// Package loadmon samples host CPU and memory pressure and turns it into the
// throttle and pause recommendations the scheduler acts on. Samples are
// EWMA-smoothed so a single spike does not flap the tier.
package loadmon

import (
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"

	"vigil/logger"
)

// Tier is the pressure band the host currently sits in.
type Tier int

const (
	TierNormal Tier = iota
	TierThrottle
	TierPause
)

func (t Tier) String() string {
	switch t {
	case TierThrottle:
		return "throttle"
	case TierPause:
		return "pause"
	default:
		return "normal"
	}
}

// Sample is one smoothed load observation.
type Sample struct {
	CPUPercent    float64
	MemoryPercent float64
	Tier          Tier
	At            time.Time
}

// Thresholds are the tier boundaries in percent.
type Thresholds struct {
	ThrottleCPU    float64
	ThrottleMemory float64
	PauseCPU       float64
	PauseMemory    float64
}

// DefaultThresholds mirror the tuning the scanner ships with.
func DefaultThresholds() Thresholds {
	return Thresholds{
		ThrottleCPU:    80,
		ThrottleMemory: 85,
		PauseCPU:       90,
		PauseMemory:    95,
	}
}

const (
	ewmaAlpha     = 0.3
	historyLength = 60
	// When smoothed CPU sits below this, there is headroom to grow the pool.
	cpuHeadroomPercent = 60
)

// readFunc fetches raw CPU and memory percentages. Swappable for tests.
type readFunc func() (cpuPct, memPct float64, err error)

func readSystem() (float64, float64, error) {
	pcts, err := cpu.Percent(0, false)
	if err != nil || len(pcts) == 0 {
		return 0, 0, err
	}
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, 0, err
	}
	return pcts[0], vm.UsedPercent, nil
}

// Monitor is cheap to consult from the dispatch loop: real reads happen at
// most once per sample interval and everything else returns the cached
// smoothed sample.
type Monitor struct {
	thresholds     Thresholds
	sampleInterval time.Duration
	throttleDelay  time.Duration
	read           readFunc
	now            func() time.Time

	mu      sync.Mutex
	current Sample
	lastAt  time.Time
	history []Sample
	primed  bool
}

// Options configures a Monitor.
type Options struct {
	Thresholds     Thresholds
	SampleInterval time.Duration
	ThrottleDelay  time.Duration
}

func New(opts Options) *Monitor {
	if opts.SampleInterval <= 0 {
		opts.SampleInterval = time.Second
	}
	if opts.ThrottleDelay <= 0 {
		opts.ThrottleDelay = 500 * time.Millisecond
	}
	if opts.Thresholds == (Thresholds{}) {
		opts.Thresholds = DefaultThresholds()
	}
	return &Monitor{
		thresholds:     opts.Thresholds,
		sampleInterval: opts.SampleInterval,
		throttleDelay:  opts.ThrottleDelay,
		read:           readSystem,
		now:            time.Now,
	}
}

// Sample returns the current smoothed load, refreshing from the OS when the
// cached sample is older than the sample interval.
func (m *Monitor) Sample() Sample {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if m.primed && now.Sub(m.lastAt) < m.sampleInterval {
		return m.current
	}

	cpuPct, memPct, err := m.read()
	if err != nil {
		logger.Warnf("Load sampling failed, keeping previous sample: %v", err)
		m.lastAt = now
		return m.current
	}

	if m.primed {
		cpuPct = ewmaAlpha*cpuPct + (1-ewmaAlpha)*m.current.CPUPercent
		memPct = ewmaAlpha*memPct + (1-ewmaAlpha)*m.current.MemoryPercent
	}

	s := Sample{
		CPUPercent:    cpuPct,
		MemoryPercent: memPct,
		Tier:          m.tierFor(cpuPct, memPct),
		At:            now,
	}
	if s.Tier != m.current.Tier && m.primed {
		logger.Infof("Load tier changed %s -> %s (cpu %.1f%%, mem %.1f%%)", m.current.Tier, s.Tier, cpuPct, memPct)
	}

	m.current = s
	m.lastAt = now
	m.primed = true
	m.history = append(m.history, s)
	if len(m.history) > historyLength {
		m.history = m.history[1:]
	}
	return s
}

func (m *Monitor) tierFor(cpuPct, memPct float64) Tier {
	t := m.thresholds
	switch {
	case cpuPct > t.PauseCPU || memPct > t.PauseMemory:
		return TierPause
	case cpuPct > t.ThrottleCPU || memPct > t.ThrottleMemory:
		return TierThrottle
	default:
		return TierNormal
	}
}

// ShouldPause reports whether task dispatch should halt until the next sample
// clears the pause thresholds.
func (m *Monitor) ShouldPause() bool {
	return m.Sample().Tier == TierPause
}

// RecommendedDelay is the per-task sleep the dispatch loop should apply
// before dequeuing. Zero under normal load.
func (m *Monitor) RecommendedDelay() time.Duration {
	switch m.Sample().Tier {
	case TierThrottle:
		return m.throttleDelay
	case TierPause:
		return 2 * m.throttleDelay
	default:
		return 0
	}
}

// RecommendedWorkerDelta suggests growing or shrinking the pool based purely
// on host pressure. The scheduler combines this with its queue-depth
// watermarks and enforces the min/max bounds.
func (m *Monitor) RecommendedWorkerDelta() int {
	s := m.Sample()
	switch {
	case s.Tier != TierNormal:
		return -1
	case s.CPUPercent < cpuHeadroomPercent:
		return 1
	default:
		return 0
	}
}

// History returns a copy of the recent smoothed samples, oldest first.
func (m *Monitor) History() []Sample {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Sample, len(m.history))
	copy(out, m.history)
	return out
}
