package shield_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"

	"github.com/jmerrifield20/axial/internal/shield"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRunner answers per binary name. For gitleaks it writes report to the
// --report-path argument when report is non-empty.
type fakeRunner struct {
	semgrepOut  []byte
	semgrepErr  error
	report      string
	gitleaksErr error
	calls       [][]string
}

func (f *fakeRunner) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	f.calls = append(f.calls, append([]string{name}, args...))
	switch name {
	case "semgrep":
		return f.semgrepOut, f.semgrepErr
	case "gitleaks":
		if f.report != "" {
			for i, a := range args {
				if a == "--report-path" && i+1 < len(args) {
					if err := os.WriteFile(args[i+1], []byte(f.report), 0o600); err != nil {
						return nil, err
					}
				}
			}
		}
		return nil, f.gitleaksErr
	}
	return nil, fmt.Errorf("unexpected command %s", name)
}

const semgrepJSON = `{
  "results": [
    {"check_id": "go.lang.security.audit.sqli", "path": "db.go", "start": {"line": 42},
     "extra": {"message": "SQL built from user input", "severity": "ERROR"}},
    {"path": "x.go", "start": {"line": 1}, "extra": {}}
  ]
}`

func TestScanner_RunSemgrep(t *testing.T) {
	f := &fakeRunner{semgrepOut: []byte(semgrepJSON)}
	v, err := shield.NewScanner(f, nil).RunSemgrep(context.Background(), "./src")
	require.NoError(t, err)

	assert.Equal(t, []string{"semgrep", "--config", "auto", "--json", "./src"}, f.calls[0])
	require.Len(t, v, 2)
	assert.Equal(t, shield.Violation{
		Engine: "semgrep", RuleID: "go.lang.security.audit.sqli", Severity: "ERROR",
		Message: "SQL built from user input", File: "db.go", Line: 42,
	}, v[0])
	assert.Equal(t, "unknown", v[1].RuleID)
	assert.Equal(t, "warning", v[1].Severity)
}

func TestScanner_RunSemgrepMissingBinary(t *testing.T) {
	f := &fakeRunner{semgrepErr: fmt.Errorf("%w: semgrep", shield.ErrScannerNotFound)}
	_, err := shield.NewScanner(f, nil).RunSemgrep(context.Background(), ".")
	assert.ErrorIs(t, err, shield.ErrScannerNotFound)
}

func TestScanner_RunGitleaksFindings(t *testing.T) {
	f := &fakeRunner{
		report:      `[{"RuleID":"aws-access-token","File":"config.env","StartLine":3},{"File":"b.txt","StartLine":9}]`,
		gitleaksErr: errors.New("exit status 1"),
	}
	v, err := shield.NewScanner(f, nil).RunGitleaks(context.Background(), "./repo")
	require.NoError(t, err)
	require.Len(t, v, 2)
	assert.Equal(t, "gitleaks", v[0].Engine)
	assert.Equal(t, "aws-access-token", v[0].RuleID)
	assert.Equal(t, "critical", v[0].Severity)
	assert.Equal(t, 3, v[0].Line)
	assert.Equal(t, "secret", v[1].RuleID)

	args := f.calls[0]
	assert.Equal(t, []string{"gitleaks", "detect", "--source", "./repo", "--no-git", "--report-format", "json", "--report-path"}, args[:8])
	_, statErr := os.Stat(args[8])
	assert.True(t, os.IsNotExist(statErr), "report file is cleaned up")
}

func TestScanner_RunGitleaksClean(t *testing.T) {
	v, err := shield.NewScanner(&fakeRunner{}, nil).RunGitleaks(context.Background(), ".")
	require.NoError(t, err)
	assert.Empty(t, v)
}

func TestScanner_RunGitleaksFailureWithoutReport(t *testing.T) {
	f := &fakeRunner{gitleaksErr: errors.New("exit status 2")}
	_, err := shield.NewScanner(f, nil).RunGitleaks(context.Background(), ".")
	assert.Error(t, err)
}

func TestScanner_ScanKeepsPartialResults(t *testing.T) {
	f := &fakeRunner{
		semgrepErr: fmt.Errorf("%w: semgrep", shield.ErrScannerNotFound),
		report:     `[{"RuleID":"generic-api-key","File":"a.go","StartLine":7}]`,
	}
	v, err := shield.NewScanner(f, nil).Scan(context.Background(), ".")
	require.Error(t, err)
	assert.ErrorIs(t, err, shield.ErrScannerNotFound)
	require.Len(t, v, 1)
	assert.Equal(t, "generic-api-key", v[0].RuleID)
}

func TestExecRunner_missingBinary(t *testing.T) {
	_, err := shield.ExecRunner{}.Run(context.Background(), "axial-definitely-not-installed")
	assert.ErrorIs(t, err, shield.ErrScannerNotFound)
}
