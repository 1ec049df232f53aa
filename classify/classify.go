// Package classify assigns a static scan priority to a path. Classification
// is a pure lookup over extension and path-token tables: no I/O, no errors.
package classify

import (
	"path/filepath"
	"strings"

	"github.com/cloudflare/ahocorasick"
)

// Tier is a scan priority bucket. Higher values dispatch first.
type Tier int

const (
	TierLow Tier = iota
	TierNormal
	TierHigh
	TierImmediate
)

func (t Tier) String() string {
	switch t {
	case TierImmediate:
		return "immediate"
	case TierHigh:
		return "high"
	case TierNormal:
		return "normal"
	case TierLow:
		return "low"
	default:
		return "normal"
	}
}

// Boost returns the tier one step closer to TierImmediate.
func (t Tier) Boost() Tier {
	if t >= TierImmediate {
		return TierImmediate
	}
	return t + 1
}

var immediateExts = map[string]struct{}{
	".exe": {}, ".scr": {}, ".com": {}, ".pif": {}, ".bat": {}, ".cmd": {},
	".msi": {}, ".msp": {}, ".hta": {}, ".cpl": {}, ".bin": {}, ".run": {},
}

var highExts = map[string]struct{}{
	".sh": {}, ".bash": {}, ".zsh": {}, ".py": {}, ".pl": {}, ".rb": {},
	".js": {}, ".jse": {}, ".vbs": {}, ".vbe": {}, ".wsf": {}, ".wsh": {},
	".ps1": {}, ".so": {}, ".dll": {}, ".sys": {}, ".dylib": {},
	".deb": {}, ".rpm": {}, ".apk": {}, ".jar": {},
}

var lowExts = map[string]struct{}{
	".jpg": {}, ".jpeg": {}, ".png": {}, ".gif": {}, ".bmp": {}, ".webp": {},
	".svg": {}, ".ico": {}, ".mp3": {}, ".flac": {}, ".ogg": {}, ".wav": {},
	".mp4": {}, ".mkv": {}, ".avi": {}, ".webm": {}, ".mov": {},
	".log": {}, ".ttf": {}, ".otf": {}, ".woff": {}, ".woff2": {},
}

// suspiciousTokens are name fragments that promote a path one tier. The list
// follows the usual malware-bait vocabulary; matching is case-insensitive.
var suspiciousTokens = []string{
	"keygen", "crack", "trojan", "backdoor", "rootkit", "ransom",
	"payload", "shellcode", "exploit", "stealer", "dropper", "miner",
}

var suspiciousMatcher = ahocorasick.NewStringMatcher(suspiciousTokens)

// Classify maps a path to its priority tier. Unknown extensions are TierNormal.
func Classify(path string) Tier {
	tier := tierByExtension(path)
	if tier == TierImmediate {
		return tier
	}
	lower := strings.ToLower(filepath.Base(path))
	if len(suspiciousMatcher.MatchThreadSafe([]byte(lower))) > 0 {
		tier = tier.Boost()
	}
	return tier
}

func tierByExtension(path string) Tier {
	ext := strings.ToLower(filepath.Ext(path))
	if _, ok := immediateExts[ext]; ok {
		return TierImmediate
	}
	if _, ok := highExts[ext]; ok {
		return TierHigh
	}
	if _, ok := lowExts[ext]; ok {
		return TierLow
	}
	return TierNormal
}

// LowRiskExtension reports whether the extension is on the inherently
// low-risk allow-list used by the pre-filter's SafeExtension gate.
func LowRiskExtension(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	_, ok := lowExts[ext]
	if !ok {
		return false
	}
	// Media names are still bait for double-extension tricks
	// (invoice.pdf.exe never reaches here, but photo.exe.jpg does).
	base := strings.ToLower(filepath.Base(path))
	trimmed := strings.TrimSuffix(base, ext)
	if inner := filepath.Ext(trimmed); inner != "" {
		if _, bad := immediateExts[inner]; bad {
			return false
		}
		if _, bad := highExts[inner]; bad {
			return false
		}
	}
	return true
}
