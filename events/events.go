// Package events delivers engine callbacks to the alerting consumer through
// a bounded buffer. Publishing never blocks; a slow consumer loses events
// rather than stalling a scan worker.
package events

import (
	"sync/atomic"
	"time"

	"vigil/logger"
	"vigil/verdict"
)

// Kind is the callback category.
type Kind string

const (
	ThreatDetected   Kind = "threat_detected"
	ScanCompleted    Kind = "scan_completed"
	QuarantineAction Kind = "quarantine_action"
	ErrorEvent       Kind = "error"
)

// Event is one callback delivery.
type Event struct {
	Kind    Kind            `json:"kind"`
	Path    string          `json:"path"`
	Verdict verdict.Verdict `json:"verdict,omitempty"`
	Action  string          `json:"action,omitempty"`
	Error   string          `json:"error,omitempty"`
	At      time.Time       `json:"at"`
}

const defaultBuffer = 256

// Bus fans events to a single consumer channel.
type Bus struct {
	ch      chan Event
	dropped atomic.Int64
	now     func() time.Time
}

func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Bus{ch: make(chan Event, buffer), now: time.Now}
}

// Events is the consumer side. Read it promptly; the bus drops on overflow.
func (b *Bus) Events() <-chan Event {
	return b.ch
}

// Dropped reports how many events were lost to a full buffer.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

func (b *Bus) publish(e Event) {
	e.At = b.now()
	select {
	case b.ch <- e:
	default:
		if b.dropped.Add(1)%100 == 1 {
			logger.Warnf("Event consumer falling behind, %d events dropped", b.dropped.Load())
		}
	}
}

func (b *Bus) ThreatDetected(path string, v verdict.Verdict) {
	b.publish(Event{Kind: ThreatDetected, Path: path, Verdict: v})
}

func (b *Bus) ScanCompleted(path string, v verdict.Verdict) {
	b.publish(Event{Kind: ScanCompleted, Path: path, Verdict: v})
}

func (b *Bus) QuarantineAction(action, path string) {
	b.publish(Event{Kind: QuarantineAction, Path: path, Action: action})
}

func (b *Bus) Error(path string, err error) {
	e := Event{Kind: ErrorEvent, Path: path}
	if err != nil {
		e.Error = err.Error()
	}
	b.publish(e)
}
