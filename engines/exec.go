package engines

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"vigil/logger"
	"vigil/verdict"
)

const defaultTimeout = 60 * time.Second

// command materializes an argv from a template like
// "clamscan --no-summary {}", substituting {} with the target path. Without a
// placeholder the path is appended.
type command struct {
	argv    []string
	timeout time.Duration
}

func newCommand(template string, timeout time.Duration) command {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return command{argv: strings.Fields(template), timeout: timeout}
}

func (c command) configured() bool {
	return len(c.argv) > 0
}

// run executes the command with the per-scan timeout and returns its combined
// stdout. A non-zero exit with code in okExitCodes is not an error; signature
// scanners conventionally exit 1 on detection.
func (c command) run(ctx context.Context, path string, okExitCodes ...int) ([]byte, error) {
	argv := make([]string, 0, len(c.argv)+1)
	substituted := false
	for _, a := range c.argv {
		if a == "{}" {
			argv = append(argv, path)
			substituted = true
			continue
		}
		argv = append(argv, a)
	}
	if !substituted {
		argv = append(argv, path)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("%w: %s timed out after %s", ErrUnavailable, argv[0], c.timeout)
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			for _, code := range okExitCodes {
				if exitErr.ExitCode() == code {
					return stdout.Bytes(), nil
				}
			}
			return nil, fmt.Errorf("%w: %s exited %d: %s", ErrUnavailable, argv[0], exitErr.ExitCode(), strings.TrimSpace(stderr.String()))
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrUnavailable, argv[0], err)
	}
	return stdout.Bytes(), nil
}

// ExecSignatureScanner adapts a clamscan-style command line. The scanner is
// expected to print "<path>: <name> FOUND" for detections and exit 1, or
// "<path>: OK" and exit 0 for clean files.
type ExecSignatureScanner struct {
	cmd command
}

func NewExecSignatureScanner(template string, timeout time.Duration) *ExecSignatureScanner {
	return &ExecSignatureScanner{cmd: newCommand(template, timeout)}
}

func (s *ExecSignatureScanner) Scan(ctx context.Context, path string) (SignatureResult, error) {
	if !s.cmd.configured() {
		return SignatureResult{}, ErrUnavailable
	}
	out, err := s.cmd.run(ctx, path, 1)
	if err != nil {
		return SignatureResult{}, err
	}
	return parseSignatureOutput(out), nil
}

func parseSignatureOutput(out []byte) SignatureResult {
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if !strings.HasSuffix(line, " FOUND") {
			continue
		}
		line = strings.TrimSuffix(line, " FOUND")
		name := line
		if idx := strings.LastIndex(line, ": "); idx >= 0 {
			name = line[idx+2:]
		}
		return SignatureResult{Infected: true, ThreatName: strings.TrimSpace(name)}
	}
	return SignatureResult{}
}

// ExecRuleScanner adapts a rule-engine command line. Each non-empty output
// line is "<rule_id> <severity>"; lines that do not parse are graded low
// rather than dropped.
type ExecRuleScanner struct {
	cmd command
}

func NewExecRuleScanner(template string, timeout time.Duration) *ExecRuleScanner {
	return &ExecRuleScanner{cmd: newCommand(template, timeout)}
}

func (s *ExecRuleScanner) Scan(ctx context.Context, path string) ([]verdict.RuleMatch, error) {
	if !s.cmd.configured() {
		return nil, ErrUnavailable
	}
	out, err := s.cmd.run(ctx, path, 1)
	if err != nil {
		return nil, err
	}

	var matches []verdict.RuleMatch
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		m := verdict.RuleMatch{RuleID: fields[0], Severity: verdict.SeverityLow}
		if len(fields) > 1 {
			m.Severity = verdict.ParseSeverity(fields[1])
		}
		matches = append(matches, m)
	}
	return matches, nil
}

// ExecClassifier adapts a statistical classifier command line whose stdout is
// a single probability in [0,1].
type ExecClassifier struct {
	cmd command
}

func NewExecClassifier(template string, timeout time.Duration) *ExecClassifier {
	return &ExecClassifier{cmd: newCommand(template, timeout)}
}

func (s *ExecClassifier) Scan(ctx context.Context, path string) (float64, error) {
	if !s.cmd.configured() {
		return 0, ErrUnavailable
	}
	out, err := s.cmd.run(ctx, path)
	if err != nil {
		return 0, err
	}
	p, err := strconv.ParseFloat(strings.TrimSpace(string(out)), 64)
	if err != nil {
		logger.Warnf("Classifier produced unparseable output: %q", strings.TrimSpace(string(out)))
		return 0, fmt.Errorf("%w: bad classifier output", ErrUnavailable)
	}
	if p < 0 || p > 1 {
		return 0, fmt.Errorf("%w: classifier probability %f out of range", ErrUnavailable, p)
	}
	return p, nil
}
