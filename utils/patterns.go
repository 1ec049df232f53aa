package utils

import (
	"path/filepath"
	"regexp"
)

// pattern is one include or exclude rule. The glob form matches the base
// name only; anything that also compiles as a regexp matches the full path.
type pattern struct {
	glob string
	re   *regexp.Regexp
}

func (p pattern) matches(path string) bool {
	if ok, _ := filepath.Match(p.glob, filepath.Base(path)); ok {
		return true
	}
	return p.re != nil && p.re.MatchString(path)
}

// PatternMatcher filters scan candidates by include and exclude rules.
// A nil matcher includes everything.
type PatternMatcher struct {
	include []pattern
	exclude []pattern
}

func NewPatternMatcher(includePatterns, excludePatterns []string) *PatternMatcher {
	return &PatternMatcher{
		include: compilePatterns(includePatterns),
		exclude: compilePatterns(excludePatterns),
	}
}

func compilePatterns(specs []string) []pattern {
	out := make([]pattern, 0, len(specs))
	for _, s := range specs {
		p := pattern{glob: s}
		if re, err := regexp.Compile(s); err == nil {
			p.re = re
		}
		out = append(out, p)
	}
	return out
}

// ShouldInclude reports whether path survives the rules. When include rules
// exist the path must match one of them; a matching exclude rule then vetoes.
func (m *PatternMatcher) ShouldInclude(path string) bool {
	if m == nil {
		return true
	}
	if len(m.include) > 0 && !anyMatch(m.include, path) {
		return false
	}
	return !anyMatch(m.exclude, path)
}

func anyMatch(ps []pattern, path string) bool {
	for _, p := range ps {
		if p.matches(path) {
			return true
		}
	}
	return false
}
