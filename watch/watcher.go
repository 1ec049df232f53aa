package watch

import (
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"vigil/logger"
)

// EventKind mirrors the change types the filesystem source reports.
type EventKind int

const (
	Created EventKind = iota
	Modified
	Deleted
	Moved
)

func (k EventKind) String() string {
	switch k {
	case Created:
		return "created"
	case Modified:
		return "modified"
	case Deleted:
		return "deleted"
	case Moved:
		return "moved"
	default:
		return "unknown"
	}
}

// Event is one debounced filesystem change.
type Event struct {
	Path string
	Kind EventKind
	At   time.Time
}

// watcher wraps fsnotify with recursive directory registration and per-path
// debouncing. Events flow to a single sink callback.
type watcher struct {
	fs        *fsnotify.Watcher
	sink      func(Event)
	coalesced atomic.Uint64

	mu       sync.Mutex
	debounce *debouncer
	closed   bool

	done chan struct{}
}

func newWatcher(window time.Duration, sink func(Event)) (*watcher, error) {
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &watcher{
		fs:       fs,
		sink:     sink,
		debounce: newDebouncer(window),
		done:     make(chan struct{}),
	}
	go w.run()
	return w, nil
}

// addRecursive registers a directory tree. New subdirectories are picked up
// by the Create handler as they appear.
func (w *watcher) addRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			logger.Warnf("Cannot watch %s: %v", path, err)
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if err := w.fs.Add(path); err != nil {
			logger.Warnf("Cannot watch %s: %v", path, err)
		}
		return nil
	})
}

func (w *watcher) run() {
	for {
		select {
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			logger.Warnf("Filesystem watch error: %v", err)
		case <-w.done:
			return
		}
	}
}

func (w *watcher) handle(ev fsnotify.Event) {
	kind, ok := mapOp(ev.Op)
	if !ok {
		return
	}

	if kind == Created {
		if info, err := os.Lstat(ev.Name); err == nil && info.IsDir() {
			if err := w.fs.Add(ev.Name); err != nil {
				logger.Warnf("Cannot watch new directory %s: %v", ev.Name, err)
			}
			return
		}
	}

	e := Event{Path: ev.Name, Kind: kind, At: time.Now().UTC()}

	w.mu.Lock()
	if w.closed || w.debounce == nil {
		w.mu.Unlock()
		return
	}
	if w.debounce.schedule(ev.Name, e, w.flush) {
		w.coalesced.Add(1)
	}
	w.mu.Unlock()
}

func mapOp(op fsnotify.Op) (EventKind, bool) {
	switch {
	case op.Has(fsnotify.Create):
		return Created, true
	case op.Has(fsnotify.Write):
		return Modified, true
	case op.Has(fsnotify.Remove):
		return Deleted, true
	case op.Has(fsnotify.Rename):
		return Moved, true
	default:
		// Chmod-only events carry no content change.
		return 0, false
	}
}

func (w *watcher) flush(path string) {
	w.mu.Lock()
	if w.closed || w.debounce == nil {
		w.mu.Unlock()
		return
	}
	event, ok := w.debounce.pop(path)
	w.mu.Unlock()
	if !ok {
		return
	}
	w.sink(event)
}

func (w *watcher) close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	w.debounce.stop()
	w.debounce = nil
	w.mu.Unlock()

	close(w.done)
	if err := w.fs.Close(); err != nil {
		logger.Warnf("Failed to close filesystem watcher: %v", err)
	}
}
