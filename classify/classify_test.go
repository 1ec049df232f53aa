package classify

import "testing"

func TestClassifyExtensionTiers(t *testing.T) {
	cases := []struct {
		path string
		want Tier
	}{
		{"/tmp/update.exe", TierImmediate},
		{"/home/user/install.sh", TierHigh},
		{"/usr/lib/libz.so", TierHigh},
		{"/home/user/notes.txt", TierNormal},
		{"/home/user/resume.pdf", TierNormal},
		{"/home/user/photo.jpg", TierLow},
		{"/var/log/syslog.log", TierLow},
		{"/home/user/noext", TierNormal},
	}
	for _, tc := range cases {
		if got := Classify(tc.path); got != tc.want {
			t.Fatalf("Classify(%q) = %v, want %v", tc.path, got, tc.want)
		}
	}
}

func TestClassifySuspiciousNameBoost(t *testing.T) {
	if got := Classify("/home/user/photoshop-keygen.txt"); got != TierHigh {
		t.Fatalf("expected suspicious name to boost one tier, got %v", got)
	}
	// Boost never demotes an already-TierImmediate path.
	if got := Classify("/tmp/Trojan.exe"); got != TierImmediate {
		t.Fatalf("expected TierImmediate, got %v", got)
	}
}

func TestBoostSaturatesAtImmediate(t *testing.T) {
	if TierImmediate.Boost() != TierImmediate {
		t.Fatal("TierImmediate must stay TierImmediate")
	}
	if TierLow.Boost() != TierNormal || TierNormal.Boost() != TierHigh || TierHigh.Boost() != TierImmediate {
		t.Fatal("boost must move exactly one tier toward TierImmediate")
	}
}

func TestLowRiskExtension(t *testing.T) {
	if !LowRiskExtension("/home/user/holiday.png") {
		t.Fatal("png should be low risk")
	}
	if LowRiskExtension("/home/user/report.docx") {
		t.Fatal("docx is not on the allow-list")
	}
	if LowRiskExtension("/tmp/payload.exe.jpg") {
		t.Fatal("double extension with executable inner part must not pass")
	}
}
