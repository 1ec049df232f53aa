package verdict

import "testing"

func TestDefinitiveAndDetected(t *testing.T) {
	cases := []struct {
		kind       Kind
		definitive bool
		detected   bool
	}{
		{Clean, true, false},
		{Suspicious, false, true},
		{Infected, true, true},
		{Failed, false, false},
	}
	for _, c := range cases {
		v := Verdict{Kind: c.kind}
		if v.Definitive() != c.definitive {
			t.Fatalf("%s: Definitive() = %t", c.kind, v.Definitive())
		}
		if v.Detected() != c.detected {
			t.Fatalf("%s: Detected() = %t", c.kind, v.Detected())
		}
	}
}

func TestDetectedBy(t *testing.T) {
	v := Verdict{Kind: Infected, Engines: []Engine{EngineSignature}}
	if !v.DetectedBy(EngineSignature) {
		t.Fatal("signature engine must be reported")
	}
	if v.DetectedBy(EngineRules) {
		t.Fatal("rules engine did not contribute")
	}
}

func TestParseSeverityGradesUnknownLow(t *testing.T) {
	if ParseSeverity(" CRITICAL ") != SeverityCritical {
		t.Fatal("case and whitespace must not matter")
	}
	if ParseSeverity("sev9000") != SeverityLow {
		t.Fatal("unknown strings grade low")
	}
}

func TestFuseThreatLevel(t *testing.T) {
	cases := []struct {
		sig, rule, classifierOnly bool
		maxRule                   Severity
		want                      Severity
	}{
		{true, true, false, SeverityLow, SeverityCritical},
		{false, true, false, SeverityCritical, SeverityCritical},
		{true, false, false, SeverityLow, SeverityHigh},
		{false, true, false, SeverityMedium, SeverityMedium},
		{false, false, true, SeverityLow, SeverityLow},
	}
	for i, c := range cases {
		got := FuseThreatLevel(c.sig, c.maxRule, c.rule, c.classifierOnly)
		if got != c.want {
			t.Fatalf("case %d: got %s, want %s", i, got, c.want)
		}
	}
}
