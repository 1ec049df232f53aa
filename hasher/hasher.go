// Package hasher computes content hashes for cache keys and quarantine
// records. Hashing from an already-open descriptor is first-class: the
// quarantine path must never re-resolve a path between validation and use.
package hasher

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"sync"

	"github.com/cespare/xxhash/v2"
	"lukechampine.com/blake3"
)

const (
	hashBufferSmallSize      = 32 * 1024
	hashBufferLargeSize      = 128 * 1024
	hashLargeBufferThreshold = 256 * 1024
)

var hashBufferSmallPool = sync.Pool{
	New: func() interface{} {
		buf := make([]byte, hashBufferSmallSize)
		return &buf
	},
}

var hashBufferLargePool = sync.Pool{
	New: func() interface{} {
		buf := make([]byte, hashBufferLargeSize)
		return &buf
	},
}

// Algorithm selects the content hash used for cache keys and records.
type Algorithm string

const (
	SHA256 Algorithm = "sha256"
	BLAKE3 Algorithm = "blake3"
)

func newHash(algo Algorithm) (hash.Hash, error) {
	switch algo {
	case SHA256:
		return sha256.New(), nil
	case BLAKE3:
		return blake3.New(32, nil), nil
	default:
		return nil, fmt.Errorf("unsupported hash algorithm: %s", algo)
	}
}

// HashFile hashes the file at path.
func HashFile(path string, algo Algorithm) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return HashHandle(f, algo)
}

// HashHandle hashes the contents of an open file from its current descriptor.
// The offset is rewound first so callers can hash after earlier reads.
func HashHandle(f *os.File, algo Algorithm) (string, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return "", err
	}

	h, err := newHash(algo)
	if err != nil {
		return "", err
	}

	bufferPool := &hashBufferSmallPool
	if info, statErr := f.Stat(); statErr == nil && info.Size() >= hashLargeBufferThreshold {
		bufferPool = &hashBufferLargePool
	}
	bufferPtr := bufferPool.Get().(*[]byte)
	defer bufferPool.Put(bufferPtr)

	if _, err := io.CopyBuffer(h, f, *bufferPtr); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// QuickKey builds a cheap non-cryptographic identity for in-flight duplicate
// tracking. It keys on path plus size and mtime, not content, so it costs one
// stat that the caller has already paid.
func QuickKey(path string, size int64, modTimeUnixNano int64) uint64 {
	d := xxhash.New()
	_, _ = d.WriteString(path)
	var meta [16]byte
	putUint64(meta[:8], uint64(size))
	putUint64(meta[8:], uint64(modTimeUnixNano))
	_, _ = d.Write(meta[:])
	return d.Sum64()
}

// HashKey folds a hex content hash into a 64-bit key for the known-benign
// xor filter.
func HashKey(contentHash string) uint64 {
	return xxhash.Sum64String(contentHash)
}

func putUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}
