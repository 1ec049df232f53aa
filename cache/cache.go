// Package cache stores scan verdicts keyed by content hash. Entries carry the
// engine generation they were produced under; bumping the generation makes
// every older entry unreachable without sweeping the store.
package cache

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/VictoriaMetrics/fastcache"
	"github.com/vmihailenco/msgpack/v5"

	"vigil/logger"
	"vigil/verdict"
)

// Entries are small; this budget converts the configured entry capacity into
// the byte budget fastcache actually enforces.
const approxEntryBytes = 256

const saveInterval = 30 * time.Second

// metaGenerationKey stores the engine generation inside the persisted store.
// Content hashes are hex strings, so a key with a NUL byte never collides.
const metaGenerationKey = "\x00generation"

type entry struct {
	Verdict    verdict.Verdict `msgpack:"verdict"`
	Generation uint64          `msgpack:"generation"`
	StoredAt   int64           `msgpack:"stored_at"`
}

// Stats tracks cache effectiveness counters.
type Stats struct {
	Hits           int64
	Misses         int64
	Expired        int64
	GenerationMiss int64
	Insertions     int64
}

// VerdictCache is safe for concurrent use by all scan workers.
type VerdictCache struct {
	store      *fastcache.Cache
	ttl        time.Duration
	path       string
	generation atomic.Uint64
	now        func() time.Time

	hits           atomic.Int64
	misses         atomic.Int64
	expired        atomic.Int64
	generationMiss atomic.Int64
	insertions     atomic.Int64
}

// Options configures a VerdictCache.
type Options struct {
	Capacity int
	TTL      time.Duration
	// Path enables persistence across restarts. A load failure degrades to
	// an empty cache; it never fails construction.
	Path string
	Now  func() time.Time
}

// New creates the cache and, when persistence is enabled, saves it
// periodically until ctx is done.
func New(ctx context.Context, opts Options) *VerdictCache {
	if opts.Capacity <= 0 {
		opts.Capacity = 10000
	}
	if opts.TTL <= 0 {
		opts.TTL = 24 * time.Hour
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	var store *fastcache.Cache
	if opts.Path != "" {
		store = fastcache.LoadFromFileOrNew(opts.Path, opts.Capacity*approxEntryBytes)
	} else {
		store = fastcache.New(opts.Capacity * approxEntryBytes)
	}

	c := &VerdictCache{
		store: store,
		ttl:   opts.TTL,
		path:  opts.Path,
		now:   now,
	}

	// A reloaded store must resume at the generation it was saved under,
	// or entries invalidated before shutdown would become reachable again.
	if raw := store.Get(nil, []byte(metaGenerationKey)); len(raw) == 8 {
		c.generation.Store(binary.BigEndian.Uint64(raw))
	}

	if opts.Path != "" && ctx != nil {
		go c.saveLoop(ctx)
	}
	return c
}

func (c *VerdictCache) saveLoop(ctx context.Context) {
	ticker := time.NewTicker(saveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := c.Save(); err != nil {
				logger.Warnf("Verdict cache save failed: %v", err)
			}
		case <-ctx.Done():
			if err := c.Save(); err != nil {
				logger.Warnf("Verdict cache save failed: %v", err)
			}
			return
		}
	}
}

// Generation returns the current engine signature generation.
func (c *VerdictCache) Generation() uint64 {
	return c.generation.Load()
}

// InvalidateGeneration records a new engine generation. Existing entries are
// not deleted; the generation check in Lookup makes them unreachable.
func (c *VerdictCache) InvalidateGeneration(generation uint64) {
	c.generation.Store(generation)
}

// BumpGeneration advances the generation by one and returns the new value.
func (c *VerdictCache) BumpGeneration() uint64 {
	return c.generation.Add(1)
}

// Lookup returns the cached verdict for a content hash, or false when the
// entry is absent, expired, or was recorded under a stale generation.
func (c *VerdictCache) Lookup(contentHash string) (verdict.Verdict, bool) {
	raw := c.store.Get(nil, []byte(contentHash))
	if len(raw) == 0 {
		c.misses.Add(1)
		return verdict.Verdict{}, false
	}

	var e entry
	if err := msgpack.Unmarshal(raw, &e); err != nil {
		c.store.Del([]byte(contentHash))
		c.misses.Add(1)
		return verdict.Verdict{}, false
	}
	if e.Generation != c.generation.Load() {
		c.generationMiss.Add(1)
		c.misses.Add(1)
		return verdict.Verdict{}, false
	}
	if c.now().Sub(time.Unix(0, e.StoredAt)) > c.ttl {
		c.expired.Add(1)
		c.misses.Add(1)
		return verdict.Verdict{}, false
	}

	c.hits.Add(1)
	return e.Verdict, true
}

// Insert records a verdict under the given generation, overwriting any prior
// entry for the hash. Eviction of old entries under memory pressure is
// delegated to the underlying store's approximate-oldest-first policy.
func (c *VerdictCache) Insert(contentHash string, v verdict.Verdict, generation uint64) {
	e := entry{
		Verdict:    v,
		Generation: generation,
		StoredAt:   c.now().UnixNano(),
	}
	raw, err := msgpack.Marshal(&e)
	if err != nil {
		logger.Warnf("Failed to encode cache entry for %s: %v", contentHash, err)
		return
	}
	c.store.Set([]byte(contentHash), raw)
	c.insertions.Add(1)
}

// Save persists the cache when a persistence path is configured.
func (c *VerdictCache) Save() error {
	if c.path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0700); err != nil {
		return err
	}
	var gen [8]byte
	binary.BigEndian.PutUint64(gen[:], c.generation.Load())
	c.store.Set([]byte(metaGenerationKey), gen[:])
	return c.store.SaveToFile(c.path)
}

// Reset drops all entries. Used by tests and by explicit operator request.
func (c *VerdictCache) Reset() {
	c.store.Reset()
}

// Stats returns a snapshot of the effectiveness counters.
func (c *VerdictCache) Stats() Stats {
	return Stats{
		Hits:           c.hits.Load(),
		Misses:         c.misses.Load(),
		Expired:        c.expired.Load(),
		GenerationMiss: c.generationMiss.Load(),
		Insertions:     c.insertions.Load(),
	}
}

// HitRate reports hits/(hits+misses), or 0 before any lookup.
func (c *VerdictCache) HitRate() float64 {
	hits := c.hits.Load()
	total := hits + c.misses.Load()
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}
