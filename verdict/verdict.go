// Package verdict defines the closed result type shared by the scan engines,
// the result cache, and the scheduler. Every engine outcome is expressed as
// one of four kinds; there is no open-ended metadata bag.
package verdict

import (
	"fmt"
	"strings"
)

// Kind discriminates the Verdict sum type.
type Kind int

const (
	Clean Kind = iota
	Suspicious
	Infected
	Failed
)

func (k Kind) String() string {
	switch k {
	case Clean:
		return "clean"
	case Suspicious:
		return "suspicious"
	case Infected:
		return "infected"
	case Failed:
		return "error"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Severity grades a rule match or a fused threat level.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return fmt.Sprintf("severity(%d)", int(s))
	}
}

// ParseSeverity maps rule metadata strings to a Severity. Unknown strings
// grade low rather than failing: a rule feed typo must not hide a match.
func ParseSeverity(s string) Severity {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "critical":
		return SeverityCritical
	case "high":
		return SeverityHigh
	case "medium":
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// Engine names a detection engine contributing to a verdict.
type Engine string

const (
	EngineSignature  Engine = "signature"
	EngineRules      Engine = "rules"
	EngineClassifier Engine = "classifier"
)

// RuleMatch is one heuristic rule hit reported by the rule engine.
type RuleMatch struct {
	RuleID   string   `json:"rule_id" msgpack:"rule_id"`
	Severity Severity `json:"severity" msgpack:"severity"`
}

// Verdict is the fused outcome of scanning one file.
//
// Invariants: Kind==Infected implies len(Engines) >= 1. Confidence is 1.0
// for definitive signature hits and sharpened by the classifier's
// probability when that collaborator ran.
type Verdict struct {
	Kind       Kind        `json:"kind" msgpack:"kind"`
	ThreatName string      `json:"threat_name,omitempty" msgpack:"threat_name"`
	Severity   Severity    `json:"severity,omitempty" msgpack:"severity"`
	Rules      []RuleMatch `json:"matched_rules,omitempty" msgpack:"matched_rules"`
	Engines    []Engine    `json:"detecting_engines,omitempty" msgpack:"detecting_engines"`
	Confidence float64     `json:"confidence,omitempty" msgpack:"confidence"`
	Reason     string      `json:"reason,omitempty" msgpack:"reason"`
}

// CleanVerdict is the zero-threat result.
func CleanVerdict() Verdict {
	return Verdict{Kind: Clean}
}

// ErrorVerdict wraps a scan failure reason. Error verdicts are never cached.
func ErrorVerdict(reason string) Verdict {
	return Verdict{Kind: Failed, Reason: reason}
}

// Definitive reports whether the verdict may be recorded in the result cache.
func (v Verdict) Definitive() bool {
	return v.Kind == Clean || v.Kind == Infected
}

// Detected reports whether any engine flagged the file.
func (v Verdict) Detected() bool {
	return v.Kind == Suspicious || v.Kind == Infected
}

// DetectedBy reports whether the named engine contributed to the verdict.
func (v Verdict) DetectedBy(engine Engine) bool {
	for _, e := range v.Engines {
		if e == engine {
			return true
		}
	}
	return false
}

// FuseThreatLevel implements the graduated fusion rule: signature hits are
// definitive, critical rule matches alone are definitive, and heuristic-only
// signals grade lower to keep false positives down.
func FuseThreatLevel(signatureHit bool, maxRuleSeverity Severity, ruleHit, classifierOnly bool) Severity {
	switch {
	case signatureHit && ruleHit:
		return SeverityCritical
	case ruleHit && maxRuleSeverity == SeverityCritical:
		return SeverityCritical
	case signatureHit:
		return SeverityHigh
	case ruleHit:
		return SeverityMedium
	case classifierOnly:
		return SeverityLow
	default:
		return SeverityLow
	}
}
