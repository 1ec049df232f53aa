// Package prefilter gates paths before they are turned into scan tasks. The
// checks run cheapest-first and short-circuit on the first one that fires, so
// the expensive engine pipeline only sees paths that actually need it.
package prefilter

import (
	"bufio"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/FastFilter/xorfilter"
	"github.com/h2non/filetype"

	"vigil/cache"
	"vigil/classify"
	"vigil/hasher"
	"vigil/logger"
	"vigil/verdict"
)

// SkipReason explains why a path was not scanned.
type SkipReason int

const (
	SkipNone SkipReason = iota
	SkipMissing
	SkipSafeExtension
	SkipDuplicate
	SkipTooLarge
	SkipCachedClean
	SkipKnownBenign
)

func (r SkipReason) String() string {
	switch r {
	case SkipMissing:
		return "missing"
	case SkipSafeExtension:
		return "safe_extension"
	case SkipDuplicate:
		return "duplicate"
	case SkipTooLarge:
		return "too_large"
	case SkipCachedClean:
		return "cached_clean"
	case SkipKnownBenign:
		return "known_benign"
	default:
		return "none"
	}
}

// Recorder receives one event per skipped path.
type Recorder interface {
	RecordSkip(path string, reason SkipReason)
}

// Decision carries the outcome of ShouldScan plus the values computed along
// the way, so callers do not have to stat or hash the file a second time.
type Decision struct {
	Scan        bool
	Reason      SkipReason
	Size        int64
	ContentHash string
	QuickKey    uint64
}

// PreFilter is safe for concurrent use.
type PreFilter struct {
	maxFileSize int64
	algorithm   hasher.Algorithm
	cache       *cache.VerdictCache
	recorder    Recorder
	benign      *xorfilter.BinaryFuse8

	mu       sync.Mutex
	inflight map[uint64]struct{}
}

// Options configures a PreFilter.
type Options struct {
	MaxFileSize int64
	Algorithm   hasher.Algorithm
	Cache       *cache.VerdictCache
	Recorder    Recorder
	// KnownBenignFile holds one hex content hash per line. Hashes listed
	// there are treated as trusted without consulting the engines.
	KnownBenignFile string
}

// New builds a PreFilter. A missing or malformed known-benign file disables
// that check rather than failing construction.
func New(opts Options) *PreFilter {
	p := &PreFilter{
		maxFileSize: opts.MaxFileSize,
		algorithm:   opts.Algorithm,
		cache:       opts.Cache,
		recorder:    opts.Recorder,
		inflight:    make(map[uint64]struct{}),
	}
	if p.maxFileSize <= 0 {
		p.maxFileSize = 100 * 1024 * 1024
	}
	if p.algorithm == "" {
		p.algorithm = hasher.SHA256
	}
	if opts.KnownBenignFile != "" {
		p.benign = loadBenignSet(opts.KnownBenignFile)
	}
	return p
}

func loadBenignSet(path string) *xorfilter.BinaryFuse8 {
	f, err := os.Open(path)
	if err != nil {
		logger.Warnf("Known-benign file unavailable, check disabled: %v", err)
		return nil
	}
	defer f.Close()

	var keys []uint64
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		keys = append(keys, hasher.HashKey(line))
	}
	if err := sc.Err(); err != nil {
		logger.Warnf("Failed reading known-benign file %s: %v", path, err)
		return nil
	}
	if len(keys) == 0 {
		return nil
	}
	filter, err := xorfilter.PopulateBinaryFuse8(keys)
	if err != nil {
		logger.Warnf("Failed building known-benign filter: %v", err)
		return nil
	}
	logger.Infof("Loaded %d known-benign hashes from %s", len(keys), path)
	return filter
}

// ShouldScan decides whether a path needs the engine pipeline. The checks are
// ordered so that each one is at least as expensive as the one before it; the
// content hash is only computed when everything cheaper has passed.
func (p *PreFilter) ShouldScan(path string) Decision {
	info, err := os.Lstat(path)
	if err != nil || !info.Mode().IsRegular() {
		return p.skip(path, SkipMissing)
	}

	if p.lowRisk(path) {
		return p.skip(path, SkipSafeExtension)
	}

	key := hasher.QuickKey(path, info.Size(), info.ModTime().UnixNano())
	if p.isInFlight(key) {
		return p.skip(path, SkipDuplicate)
	}

	if info.Size() > p.maxFileSize {
		return p.skip(path, SkipTooLarge)
	}

	contentHash, err := hasher.HashFile(path, p.algorithm)
	if err != nil {
		// The file vanished or became unreadable between stat and hash.
		return p.skip(path, SkipMissing)
	}

	if p.benign != nil && p.benign.Contains(hasher.HashKey(contentHash)) {
		return p.skip(path, SkipKnownBenign)
	}

	if p.cache != nil {
		if v, ok := p.cache.Lookup(contentHash); ok && v.Kind == verdict.Clean {
			return p.skip(path, SkipCachedClean)
		}
	}

	return Decision{Scan: true, Size: info.Size(), ContentHash: contentHash, QuickKey: key}
}

// lowRisk reports whether the path can be dismissed on static type evidence:
// a trusted low-risk extension, or extensionless media identified by content
// sniffing. Executables disguised with a media extension fail both tests.
func (p *PreFilter) lowRisk(path string) bool {
	if classify.LowRiskExtension(path) {
		return true
	}
	if filepath.Ext(path) != "" {
		return false
	}
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()
	head := make([]byte, 261)
	n, _ := io.ReadFull(f, head)
	kind, err := filetype.Match(head[:n])
	if err != nil {
		return false
	}
	switch kind.MIME.Type {
	case "image", "audio", "video", "font":
		return true
	}
	return false
}

func (p *PreFilter) skip(path string, reason SkipReason) Decision {
	if p.recorder != nil {
		p.recorder.RecordSkip(path, reason)
	}
	logger.Debugf("Skipping %s: %s", path, reason)
	return Decision{Scan: false, Reason: reason}
}

// Begin marks a content key as having an in-flight task. It returns false if
// another task already holds the key.
func (p *PreFilter) Begin(key uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.inflight[key]; ok {
		return false
	}
	p.inflight[key] = struct{}{}
	return true
}

// End releases an in-flight key once its task reaches a terminal state.
func (p *PreFilter) End(key uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.inflight, key)
}

func (p *PreFilter) isInFlight(key uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.inflight[key]
	return ok
}
