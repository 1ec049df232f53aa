package watch

import "time"

type debounceEntry struct {
	timer *time.Timer
	event Event
}

// debouncer coalesces rapid repeated events for the same path into one
// delivery after a quiet window. Callers hold the watcher mutex.
type debouncer struct {
	window  time.Duration
	entries map[string]debounceEntry
}

func newDebouncer(window time.Duration) *debouncer {
	return &debouncer{
		window:  window,
		entries: make(map[string]debounceEntry),
	}
}

// schedule records the latest event for a path and arms (or re-arms) its
// flush timer. Returns true when an earlier event was coalesced away.
func (d *debouncer) schedule(path string, event Event, flush func(string)) bool {
	entry := d.entries[path]
	coalesced := entry.timer != nil
	entry.event = event
	if entry.timer == nil {
		entry.timer = time.AfterFunc(d.window, func() {
			flush(path)
		})
	} else {
		entry.timer.Reset(d.window)
	}
	d.entries[path] = entry
	return coalesced
}

func (d *debouncer) pop(path string) (Event, bool) {
	entry, ok := d.entries[path]
	if !ok {
		return Event{}, false
	}
	delete(d.entries, path)
	return entry.event, true
}

func (d *debouncer) stop() {
	for _, entry := range d.entries {
		if entry.timer != nil {
			entry.timer.Stop()
		}
	}
	d.entries = nil
}
