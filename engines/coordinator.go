package engines

import (
	"context"

	"vigil/logger"
	"vigil/verdict"
)

// ReasonNoEngines is the reason string on the error verdict returned when
// every collaborator is down. The scheduler treats tasks failing this way as
// retryable.
const ReasonNoEngines = "no_engines_available"

// Coordinator drives the configured collaborators in cost order and fuses
// their answers. A nil collaborator is simply absent; an erroring one is
// degraded around for that scan.
type Coordinator struct {
	signature  SignatureScanner
	rules      RuleScanner
	classifier Classifier

	// corroborate runs the rule engine even after a signature hit, trading
	// latency for enriched rule metadata on confirmed threats.
	corroborate bool
	// classifierThreshold is the probability at or above which a
	// classifier-only signal produces a suspicious verdict.
	classifierThreshold float64
}

// CoordinatorOptions configures a Coordinator.
type CoordinatorOptions struct {
	Signature           SignatureScanner
	Rules               RuleScanner
	Classifier          Classifier
	CorroborateHits     bool
	ClassifierThreshold float64
}

func NewCoordinator(opts CoordinatorOptions) *Coordinator {
	threshold := opts.ClassifierThreshold
	if threshold <= 0 || threshold > 1 {
		threshold = 0.7
	}
	return &Coordinator{
		signature:           opts.Signature,
		rules:               opts.Rules,
		classifier:          opts.Classifier,
		corroborate:         opts.CorroborateHits,
		classifierThreshold: threshold,
	}
}

// Scan runs the engine pipeline for one path. The signature engine goes
// first; a hit there returns immediately unless corroboration is enabled.
// Collaborator failures degrade to the remaining engines; only when every
// configured engine fails does the scan itself fail.
func (c *Coordinator) Scan(ctx context.Context, path string) verdict.Verdict {
	var (
		attempted int
		failed    int

		sigHit  bool
		sigName string
		matches []verdict.RuleMatch
		engines []verdict.Engine
	)

	if c.signature != nil {
		attempted++
		res, err := c.signature.Scan(ctx, path)
		switch {
		case err != nil:
			failed++
			logger.Warnf("Signature engine unavailable for %s: %v", path, err)
		case res.Infected:
			sigHit = true
			sigName = res.ThreatName
			engines = append(engines, verdict.EngineSignature)
			if !c.corroborate {
				return verdict.Verdict{
					Kind:       verdict.Infected,
					ThreatName: sigName,
					Severity:   verdict.FuseThreatLevel(true, verdict.SeverityLow, false, false),
					Engines:    engines,
					Confidence: 1.0,
				}
			}
		}
	}

	if c.rules != nil {
		attempted++
		res, err := c.rules.Scan(ctx, path)
		if err != nil {
			failed++
			logger.Warnf("Rule engine unavailable for %s: %v", path, err)
		} else if len(res) > 0 {
			matches = res
			engines = append(engines, verdict.EngineRules)
		}
	}

	var (
		probability   float64
		classifierRan bool
	)
	if c.classifier != nil {
		attempted++
		p, err := c.classifier.Scan(ctx, path)
		if err != nil {
			failed++
			// Absence of the optional classifier is routine; log quietly.
			logger.Debugf("Classifier unavailable for %s: %v", path, err)
		} else {
			probability = p
			classifierRan = true
		}
	}

	if attempted == 0 || failed == attempted {
		return verdict.ErrorVerdict(ReasonNoEngines)
	}

	return c.fuse(sigHit, sigName, matches, engines, probability, classifierRan)
}

func (c *Coordinator) fuse(sigHit bool, sigName string, matches []verdict.RuleMatch, engines []verdict.Engine, probability float64, classifierRan bool) verdict.Verdict {
	ruleHit := len(matches) > 0
	maxRuleSeverity := verdict.SeverityLow
	for _, m := range matches {
		if m.Severity > maxRuleSeverity {
			maxRuleSeverity = m.Severity
		}
	}

	classifierHit := classifierRan && probability >= c.classifierThreshold
	if classifierHit {
		engines = append(engines, verdict.EngineClassifier)
	}

	level := verdict.FuseThreatLevel(sigHit, maxRuleSeverity, ruleHit, classifierHit && !sigHit && !ruleHit)

	var kind verdict.Kind
	switch {
	case sigHit:
		kind = verdict.Infected
	case ruleHit && maxRuleSeverity == verdict.SeverityCritical:
		kind = verdict.Infected
	case ruleHit || classifierHit:
		kind = verdict.Suspicious
	default:
		kind = verdict.Clean
	}

	name := sigName
	if name == "" && ruleHit {
		name = matches[0].RuleID
	}

	confidence := baseConfidence(sigHit, ruleHit)
	if classifierRan {
		// The classifier never overrides a definitive result; its
		// probability only sharpens the confidence estimate.
		if kind == verdict.Clean {
			confidence = 1 - probability
		} else if probability > confidence {
			confidence = probability
		}
	}

	v := verdict.Verdict{
		Kind:       kind,
		Severity:   level,
		Rules:      matches,
		Engines:    engines,
		Confidence: confidence,
	}
	if kind != verdict.Clean {
		v.ThreatName = name
	}
	if kind == verdict.Clean {
		v.Severity = verdict.SeverityLow
	}
	return v
}

func baseConfidence(sigHit, ruleHit bool) float64 {
	switch {
	case sigHit:
		return 1.0
	case ruleHit:
		return 0.8
	default:
		return 1.0
	}
}

// Retryable reports whether a failed verdict should be requeued instead of
// being recorded as a permanent failure.
func Retryable(v verdict.Verdict) bool {
	return v.Kind == verdict.Failed && v.Reason == ReasonNoEngines
}
