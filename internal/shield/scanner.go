package shield

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"go.uber.org/zap"
)

// Violation is one finding reported by an external scanner.
type Violation struct {
	Engine   string `json:"engine"`
	RuleID   string `json:"rule_id"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
	File     string `json:"file"`
	Line     int    `json:"line"`
}

// CommandRunner runs an external program and returns its standard output.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs programs on the host with os/exec.
type ExecRunner struct {
	Dir string
}

// Run implements CommandRunner. A missing binary is reported as
// ErrScannerNotFound.
func (e ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = e.Dir
	out, err := cmd.Output()
	if errors.Is(err, exec.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrScannerNotFound, name)
	}
	return out, err
}

// Scanner runs semgrep and gitleaks and normalises their reports.
type Scanner struct {
	runner CommandRunner
	logger *zap.Logger
}

// NewScanner returns a Scanner using runner. A nil runner means ExecRunner{}.
func NewScanner(runner CommandRunner, logger *zap.Logger) *Scanner {
	if runner == nil {
		runner = ExecRunner{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scanner{runner: runner, logger: logger}
}

type semgrepReport struct {
	Results []struct {
		CheckID string `json:"check_id"`
		Path    string `json:"path"`
		Start   struct {
			Line int `json:"line"`
		} `json:"start"`
		Extra struct {
			Message  string `json:"message"`
			Severity string `json:"severity"`
		} `json:"extra"`
	} `json:"results"`
}

// RunSemgrep runs `semgrep --config auto --json path`.
func (s *Scanner) RunSemgrep(ctx context.Context, path string) ([]Violation, error) {
	out, err := s.runner.Run(ctx, "semgrep", "--config", "auto", "--json", path)
	if err != nil {
		return nil, fmt.Errorf("semgrep: %w", err)
	}

	var report semgrepReport
	if err := json.Unmarshal(out, &report); err != nil {
		return nil, fmt.Errorf("parse semgrep output: %w", err)
	}

	violations := make([]Violation, 0, len(report.Results))
	for _, r := range report.Results {
		v := Violation{
			Engine:   "semgrep",
			RuleID:   r.CheckID,
			Severity: r.Extra.Severity,
			Message:  r.Extra.Message,
			File:     r.Path,
			Line:     r.Start.Line,
		}
		if v.RuleID == "" {
			v.RuleID = "unknown"
		}
		if v.Severity == "" {
			v.Severity = "warning"
		}
		violations = append(violations, v)
	}
	return violations, nil
}

type gitleaksFinding struct {
	RuleID    string `json:"RuleID"`
	File      string `json:"File"`
	StartLine int    `json:"StartLine"`
}

// RunGitleaks runs `gitleaks detect` over path without git history. gitleaks
// exits non-zero when it finds secrets, so the JSON report file decides the
// result; an error is returned only when no report was produced.
func (s *Scanner) RunGitleaks(ctx context.Context, path string) ([]Violation, error) {
	dir, err := os.MkdirTemp("", "axial-gitleaks-")
	if err != nil {
		return nil, fmt.Errorf("create report dir: %w", err)
	}
	defer os.RemoveAll(dir)
	report := filepath.Join(dir, "report.json")

	_, runErr := s.runner.Run(ctx, "gitleaks", "detect",
		"--source", path, "--no-git",
		"--report-format", "json", "--report-path", report,
	)
	if errors.Is(runErr, ErrScannerNotFound) {
		return nil, fmt.Errorf("gitleaks: %w", runErr)
	}

	data, err := os.ReadFile(report)
	if err != nil {
		if runErr != nil {
			return nil, fmt.Errorf("gitleaks: %w", runErr)
		}
		return []Violation{}, nil
	}

	var findings []gitleaksFinding
	if len(data) > 0 {
		if err := json.Unmarshal(data, &findings); err != nil {
			return nil, fmt.Errorf("parse gitleaks report: %w", err)
		}
	}

	violations := make([]Violation, 0, len(findings))
	for _, f := range findings {
		rule := f.RuleID
		if rule == "" {
			rule = "secret"
		}
		violations = append(violations, Violation{
			Engine:   "gitleaks",
			RuleID:   rule,
			Severity: "critical",
			Message:  "Potential secret detected",
			File:     f.File,
			Line:     f.StartLine,
		})
	}
	return violations, nil
}

// Scan runs both scanners. Findings from a scanner that succeeded are
// returned even if the other failed; the failures are joined into err.
func (s *Scanner) Scan(ctx context.Context, path string) ([]Violation, error) {
	var (
		all  []Violation
		errs []error
	)
	for _, run := range []func(context.Context, string) ([]Violation, error){s.RunSemgrep, s.RunGitleaks} {
		v, err := run(ctx, path)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		all = append(all, v...)
	}
	s.logger.Info("scan finished",
		zap.String("path", path),
		zap.Int("violations", len(all)),
		zap.Int("failed_engines", len(errs)),
	)
	return all, errors.Join(errs...)
}
