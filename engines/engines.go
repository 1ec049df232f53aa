// Package engines invokes the external scanning collaborators and fuses
// their results into a single verdict.
package engines

import (
	"context"
	"errors"

	"vigil/verdict"
)

// ErrUnavailable marks a collaborator that could not be reached or did not
// produce a usable result. The coordinator degrades to the remaining engines
// when it sees this.
var ErrUnavailable = errors.New("engine unavailable")

// SignatureResult is the signature scanner's answer for one file.
type SignatureResult struct {
	Infected   bool
	ThreatName string
}

// SignatureScanner checks a file against a known-threat signature database.
type SignatureScanner interface {
	Scan(ctx context.Context, path string) (SignatureResult, error)
}

// RuleScanner evaluates heuristic rules and returns every rule that matched.
type RuleScanner interface {
	Scan(ctx context.Context, path string) ([]verdict.RuleMatch, error)
}

// Classifier returns the statistical probability, in [0,1], that a file is
// malicious. It is an optional collaborator.
type Classifier interface {
	Scan(ctx context.Context, path string) (float64, error)
}
