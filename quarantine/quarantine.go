// Package quarantine isolates confirmed threats. The move protocol is
// deliberately paranoid: validation, hashing, and the move all operate on one
// open descriptor so a path substitution between check and action is caught,
// and anything that smells like a symlink attack refuses the operation.
package quarantine

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/djherbis/times"
	"github.com/glaslos/tlsh"
	"golang.org/x/sys/unix"

	"vigil/hasher"
	"vigil/logger"
	"vigil/utils"
	"vigil/verdict"
)

// ErrRefused marks a security-policy refusal. The operation is denied and
// logged; the pool keeps running.
var ErrRefused = errors.New("quarantine refused")

var (
	ErrSymlink       = fmt.Errorf("%w: path is a symlink", ErrRefused)
	ErrNotRegular    = fmt.Errorf("%w: not a regular file", ErrRefused)
	ErrForbiddenPath = fmt.Errorf("%w: path under a protected directory", ErrRefused)
	ErrSubstituted   = fmt.Errorf("%w: file changed between validation and move", ErrRefused)
)

// ErrAlreadyRestored is returned when restoring a record twice.
var ErrAlreadyRestored = errors.New("record already restored")

// DefaultForbiddenPaths are never quarantined regardless of verdict.
func DefaultForbiddenPaths() []string {
	return []string{"/proc", "/sys", "/dev", "/boot", "/run", "/etc"}
}

// FileTimes are the original file's timestamps, captured before the move for
// forensic context.
type FileTimes struct {
	Accessed string `json:"accessed,omitempty"`
	Changed  string `json:"changed,omitempty"`
	Created  string `json:"created,omitempty"`
}

// Record describes one quarantined file. Records persist in the ledger and
// survive restarts.
type Record struct {
	ID            string    `json:"id"`
	OriginalPath  string    `json:"original_path"`
	StoredName    string    `json:"stored_name"`
	ThreatName    string    `json:"threat_name,omitempty"`
	Severity      string    `json:"severity"`
	ContentHash   string    `json:"content_hash"`
	FuzzyHash     string    `json:"fuzzy_hash,omitempty"`
	Size          int64     `json:"size"`
	FileTimes     FileTimes `json:"file_times"`
	QuarantinedAt time.Time `json:"quarantined_at"`
	Restored      bool      `json:"restored"`
	RestoredAt    time.Time `json:"restored_at,omitzero"`
}

// Manager owns the quarantine store directory and its ledger.
type Manager struct {
	dir       string
	forbidden []string
	algorithm hasher.Algorithm
	now       func() time.Time
	rename    func(src, dest string) error

	mu      sync.Mutex
	records map[string]*Record
}

// Options configures a Manager.
type Options struct {
	Dir            string
	ForbiddenPaths []string
	Algorithm      hasher.Algorithm
	Now            func() time.Time
}

// NewManager creates the store directory with owner-only permissions and
// reloads the ledger. Permissions on the directory and every stored file are
// re-applied on startup.
func NewManager(opts Options) (*Manager, error) {
	if opts.Dir == "" {
		return nil, fmt.Errorf("quarantine directory not configured")
	}
	if opts.Algorithm == "" {
		opts.Algorithm = hasher.SHA256
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	forbidden := opts.ForbiddenPaths
	if forbidden == nil {
		forbidden = DefaultForbiddenPaths()
	}

	if err := os.MkdirAll(opts.Dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create quarantine directory: %w", err)
	}
	if err := os.Chmod(opts.Dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to secure quarantine directory: %w", err)
	}

	m := &Manager{
		dir:       opts.Dir,
		forbidden: forbidden,
		algorithm: opts.Algorithm,
		now:       now,
		rename:    os.Rename,
		records:   make(map[string]*Record),
	}
	if err := m.loadLedger(); err != nil {
		logger.Warnf("Quarantine ledger unreadable, starting empty: %v", err)
	}
	m.reapplyPermissions()
	return m, nil
}

func (m *Manager) reapplyPermissions() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.records {
		if r.Restored {
			continue
		}
		stored := filepath.Join(m.dir, r.StoredName)
		if err := os.Chmod(stored, 0600); err != nil && !os.IsNotExist(err) {
			logger.Warnf("Failed to re-apply permissions on %s: %v", stored, err)
		}
	}
}

// Quarantine validates, fingerprints, and moves one file into the store.
//
// Everything after the open runs against the same descriptor. After the
// rename the stored file is compared against that descriptor's identity; a
// mismatch means the path was swapped mid-operation and the move is undone.
func (m *Manager) Quarantine(path string, v verdict.Verdict) (*Record, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRefused, err)
	}

	if err := m.checkPath(abs); err != nil {
		logger.Errorf("Refusing to quarantine %s: %v", abs, err)
		return nil, err
	}

	f, err := openNoFollow(abs)
	if err != nil {
		logger.Errorf("Refusing to quarantine %s: %v", abs, err)
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRefused, err)
	}
	if !info.Mode().IsRegular() {
		return nil, ErrNotRegular
	}

	contentHash, err := hasher.HashHandle(f, m.algorithm)
	if err != nil {
		return nil, fmt.Errorf("hashing failed: %w", err)
	}
	fuzzyHash := fuzzyFromHandle(f)
	fileTimes := captureTimes(info)

	id := fmt.Sprintf("%s-%s", m.now().UTC().Format("20060102-150405.000000"), contentHash[:12])
	storedName := id + ".quarantined"
	dest := filepath.Join(m.dir, storedName)

	if err := m.move(f, abs, dest, info); err != nil {
		return nil, err
	}
	if err := os.Chmod(dest, 0600); err != nil {
		logger.Warnf("Failed to restrict permissions on %s: %v", dest, err)
	}

	rec := &Record{
		ID:            id,
		OriginalPath:  abs,
		StoredName:    storedName,
		ThreatName:    v.ThreatName,
		Severity:      v.Severity.String(),
		ContentHash:   contentHash,
		FuzzyHash:     fuzzyHash,
		Size:          info.Size(),
		FileTimes:     fileTimes,
		QuarantinedAt: m.now().UTC(),
	}

	m.mu.Lock()
	m.records[rec.ID] = rec
	err = m.saveLedgerLocked()
	m.mu.Unlock()
	if err != nil {
		logger.Errorf("Failed to persist quarantine ledger: %v", err)
	}

	logger.Warnf("Quarantined %s as %s (%s)", abs, storedName, v.ThreatName)
	return rec, nil
}

// checkPath rejects symlinks and protected locations. The symlink test here
// is advisory; openNoFollow is the authoritative, race-free check.
func (m *Manager) checkPath(abs string) error {
	info, err := os.Lstat(abs)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRefused, err)
	}
	if info.Mode()&os.ModeSymlink != 0 {
		return ErrSymlink
	}
	if !info.Mode().IsRegular() {
		return ErrNotRegular
	}
	if utils.IsPathWithin(abs, m.forbidden) {
		return ErrForbiddenPath
	}
	if utils.IsPathWithin(abs, []string{m.dir}) {
		return ErrForbiddenPath
	}
	return nil
}

// openNoFollow opens the path refusing to traverse a final symlink.
func openNoFollow(path string) (*os.File, error) {
	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_NOFOLLOW|unix.O_CLOEXEC, 0)
	if err != nil {
		if errors.Is(err, unix.ELOOP) || errors.Is(err, unix.EMLINK) {
			return nil, ErrSymlink
		}
		return nil, fmt.Errorf("%w: open: %v", ErrRefused, err)
	}
	return os.NewFile(uintptr(fd), path), nil
}

// move renames the file into the store, falling back to copy-from-handle
// plus verified delete when crossing filesystems. Once begun it runs to
// completion; shutdown never leaves a half-moved file.
func (m *Manager) move(f *os.File, src, dest string, info os.FileInfo) error {
	if err := m.rename(src, dest); err == nil {
		// Confirm the rename moved the inode we validated and hashed.
		destInfo, statErr := os.Lstat(dest)
		if statErr != nil || !os.SameFile(info, destInfo) {
			if rb := os.Rename(dest, src); rb != nil {
				logger.Errorf("Rollback of substituted quarantine move failed: %v", rb)
			}
			return ErrSubstituted
		}
		return nil
	} else if !errors.Is(err, unix.EXDEV) {
		return fmt.Errorf("quarantine move failed: %w", err)
	}

	// Cross-filesystem: copy from the validated descriptor, never from a
	// re-resolved path.
	if err := copyFromHandle(f, dest); err != nil {
		return err
	}
	copied, err := os.Open(dest)
	if err != nil {
		return fmt.Errorf("post-copy verification failed: %w", err)
	}
	copiedHash, err := hasher.HashHandle(copied, m.algorithm)
	copied.Close()
	if err != nil {
		return fmt.Errorf("post-copy verification failed: %w", err)
	}
	originalHash, err := hasher.HashHandle(f, m.algorithm)
	if err != nil {
		return fmt.Errorf("post-copy verification failed: %w", err)
	}
	if copiedHash != originalHash {
		os.Remove(dest)
		return fmt.Errorf("%w: copy verification mismatch", ErrRefused)
	}
	if err := os.Remove(src); err != nil {
		logger.Warnf("Failed to remove source after copy quarantine: %v", err)
	}
	return nil
}

func copyFromHandle(f *os.File, dest string) error {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return err
	}
	out, err := os.OpenFile(dest, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to create quarantine file: %w", err)
	}
	if _, err := io.Copy(out, f); err != nil {
		out.Close()
		os.Remove(dest)
		return fmt.Errorf("quarantine copy failed: %w", err)
	}
	return out.Close()
}

func fuzzyFromHandle(f *os.File) string {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return ""
	}
	hash, err := tlsh.HashReader(bufio.NewReader(f))
	if err != nil {
		// Small or low-entropy files have no TLSH digest.
		return ""
	}
	return hash.String()
}

func captureTimes(info os.FileInfo) FileTimes {
	ts := times.Get(info)
	ft := FileTimes{Accessed: ts.AccessTime().UTC().Format(time.RFC3339)}
	if ts.HasChangeTime() {
		ft.Changed = ts.ChangeTime().UTC().Format(time.RFC3339)
	}
	if ts.HasBirthTime() {
		ft.Created = ts.BirthTime().UTC().Format(time.RFC3339)
	}
	return ft
}

// Restore moves a quarantined file back to its original path and flags the
// record. It deliberately does not rescan; the caller must resubmit the
// restored path as a fresh arrival.
func (m *Manager) Restore(id string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[id]
	if !ok {
		return nil, fmt.Errorf("no quarantine record %q", id)
	}
	if rec.Restored {
		return nil, ErrAlreadyRestored
	}

	stored := filepath.Join(m.dir, rec.StoredName)
	if err := os.MkdirAll(filepath.Dir(rec.OriginalPath), 0755); err != nil {
		return nil, fmt.Errorf("restore failed: %w", err)
	}
	if err := os.Rename(stored, rec.OriginalPath); err != nil {
		if !errors.Is(err, unix.EXDEV) {
			return nil, fmt.Errorf("restore failed: %w", err)
		}
		if err := copyFile(stored, rec.OriginalPath); err != nil {
			return nil, fmt.Errorf("restore failed: %w", err)
		}
		os.Remove(stored)
	}

	rec.Restored = true
	rec.RestoredAt = m.now().UTC()
	if err := m.saveLedgerLocked(); err != nil {
		logger.Errorf("Failed to persist quarantine ledger: %v", err)
	}
	logger.Infof("Restored %s from quarantine record %s", rec.OriginalPath, id)
	out := *rec
	return &out, nil
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// Get returns a copy of one record.
func (m *Manager) Get(id string) (Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// List returns copies of all records, newest first.
func (m *Manager) List() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].QuarantinedAt.After(out[j].QuarantinedAt)
	})
	return out
}

// Dir returns the store directory.
func (m *Manager) Dir() string {
	return m.dir
}
