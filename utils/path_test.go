package utils

import (
	"os"
	"path/filepath"
	"testing"
)

func TestIsPathWithinProtectedRoot(t *testing.T) {
	protected := t.TempDir()
	inside := filepath.Join(protected, "etc", "shadow")
	sibling := filepath.Join(filepath.Dir(protected), "loose.bin")

	if !IsPathWithin(inside, []string{protected}) {
		t.Fatalf("expected %s to be within %s", inside, protected)
	}
	if IsPathWithin(sibling, []string{protected}) {
		t.Fatalf("did not expect %s to be within %s", sibling, protected)
	}
}

func TestIsPathWithinChecksEveryRoot(t *testing.T) {
	quarantineDir := t.TempDir()
	watchDir := t.TempDir()
	sample := filepath.Join(watchDir, "incoming", "sample.exe")

	if !IsPathWithin(sample, []string{quarantineDir, watchDir}) {
		t.Fatalf("expected path under second root to match")
	}
}

func TestIsPathWithinResolvesSymlinks(t *testing.T) {
	watched := t.TempDir()
	elsewhere := t.TempDir()
	target := filepath.Join(elsewhere, "payload.bin")
	if err := os.WriteFile(target, []byte("x"), 0644); err != nil {
		t.Fatalf("write target: %v", err)
	}
	link := filepath.Join(watched, "innocuous.txt")
	if err := os.Symlink(target, link); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	if !IsPathWithin(link, []string{elsewhere}) {
		t.Fatalf("symlink not attributed to its target's root")
	}
	if IsPathWithin(link, []string{watched}) {
		t.Fatalf("symlink attributed to the directory holding the link")
	}
}
