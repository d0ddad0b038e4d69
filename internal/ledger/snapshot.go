package ledger

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

// CommitResolver reports the source-control commit a snapshot is linked to.
type CommitResolver interface {
	HeadCommit(ctx context.Context) (string, error)
}

// CommandFunc runs name with args in dir and returns its standard output.
type CommandFunc func(ctx context.Context, dir, name string, args ...string) ([]byte, error)

// GitResolver reads HEAD of the git work tree at Dir.
type GitResolver struct {
	Dir string
	Run CommandFunc
}

// DetectGit returns a GitResolver for dir when dir contains a .git entry,
// and nil otherwise.
func DetectGit(dir string) CommitResolver {
	if _, err := os.Stat(filepath.Join(dir, ".git")); err != nil {
		return nil
	}
	return &GitResolver{Dir: dir, Run: execCommand}
}

// HeadCommit implements CommitResolver.
func (g *GitResolver) HeadCommit(ctx context.Context) (string, error) {
	run := g.Run
	if run == nil {
		run = execCommand
	}
	out, err := run(ctx, g.Dir, "git", "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("git rev-parse HEAD: %w", err)
	}
	commit := strings.TrimSpace(string(out))
	if commit == "" {
		return "", fmt.Errorf("git rev-parse HEAD: empty output")
	}
	return commit, nil
}

func execCommand(ctx context.Context, dir, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	return cmd.Output()
}

// Snapshot appends a forensic marker. Its manifest names the current commit
// when a CommitResolver is configured ("dirty" if it cannot be read), and a
// plain filesystem-state note otherwise.
func (l *Ledger) Snapshot(ctx context.Context, tag string) (*Entry, error) {
	manifest := map[string]any{
		"type": "fs_state",
		"tag":  tag,
		"note": "Git not initialized",
	}
	if l.commits != nil {
		commit, err := l.commits.HeadCommit(ctx)
		if err != nil {
			l.logger.Warn("snapshot: cannot read head commit", zap.Error(err))
			commit = "dirty"
		}
		manifest = map[string]any{
			"type":   "git_commit",
			"commit": commit,
			"tag":    tag,
		}
	}

	l.logger.Info("taking forensic snapshot", zap.String("tag", tag))
	return l.Append(ctx, map[string]any{
		"event":    "forensic_snapshot",
		"tag":      tag,
		"manifest": manifest,
	})
}
