package utils

import (
	"path/filepath"
	"strings"
)

// IsPathWithin reports whether path lies under any of the given roots.
// Symlinks on either side are resolved first, so a link cannot move a
// protected file in or out of a root.
func IsPathWithin(path string, roots []string) bool {
	abs, ok := resolveAbs(path)
	if !ok {
		return false
	}
	for _, root := range roots {
		absRoot, ok := resolveAbs(root)
		if !ok {
			continue
		}
		rel, err := filepath.Rel(absRoot, abs)
		if err != nil {
			continue
		}
		if rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// resolveAbs resolves symlinks where possible and absolutizes the result.
// Paths that do not exist yet are kept as given so pending files can still
// be checked.
func resolveAbs(path string) (string, bool) {
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		resolved = path
	}
	abs, err := filepath.Abs(resolved)
	if err != nil {
		return "", false
	}
	return abs, true
}
