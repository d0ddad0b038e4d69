package shield_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/jmerrifield20/axial/internal/shield"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newShield(t *testing.T, opts ...shield.Option) *shield.Shield {
	t.Helper()
	s, err := shield.New(shield.DefaultConfig(), opts...)
	require.NoError(t, err)
	return s
}

func TestRedact_defaultPatterns(t *testing.T) {
	s := newShield(t)

	out := s.Redact("Contact test@example.com or use card 1234-5678-1234-5678")
	assert.NotContains(t, out, "test@example.com")
	assert.NotContains(t, out, "1234-5678-1234-5678")
	assert.GreaterOrEqual(t, strings.Count(out, "[REDACTED]"), 2)
	assert.Equal(t, "Contact [REDACTED] or use card [REDACTED]", out)
}

func TestRedact_patternsApplyInOrder(t *testing.T) {
	// The second pattern only matches text the first one produced.
	s, err := shield.New(shield.Config{
		PIIPatterns:         []string{`secret-\d+`, `<X>-tail`},
		RedactedPlaceholder: "<X>",
	})
	require.NoError(t, err)
	assert.Equal(t, "a <X> b", s.Redact("a secret-42-tail b"))

	reversed, err := shield.New(shield.Config{
		PIIPatterns:         []string{`<X>-tail`, `secret-\d+`},
		RedactedPlaceholder: "<X>",
	})
	require.NoError(t, err)
	assert.Equal(t, "a <X>-tail b", reversed.Redact("a secret-42-tail b"))
}

func TestRedact_placeholderIsLiteral(t *testing.T) {
	s, err := shield.New(shield.Config{PIIPatterns: []string{`(\d+)`}, RedactedPlaceholder: "$1"})
	require.NoError(t, err)
	assert.Equal(t, "pin $1", s.Redact("pin 1234"))
}

func TestNew_emptyPlaceholderDefaults(t *testing.T) {
	s, err := shield.New(shield.Config{PIIPatterns: []string{`x`}})
	require.NoError(t, err)
	assert.Equal(t, "[REDACTED]", s.Redact("x"))
}

func TestNew_invalidPatternFailsFast(t *testing.T) {
	_, err := shield.New(shield.Config{PIIPatterns: []string{`ok`, `(unclosed`}})
	require.Error(t, err)
	assert.ErrorIs(t, err, shield.ErrInvalidPattern)
	assert.Contains(t, err.Error(), "pii_patterns[1]")
}

func TestValidateRequest(t *testing.T) {
	s := newShield(t)

	assert.NoError(t, s.ValidateRequest("localhost"))
	assert.NoError(t, s.ValidateRequest("api.openai.com"))

	for _, d := range []string{"malicious.com", "sub.api.openai.com", "LOCALHOST", "localhost:80", ""} {
		err := s.ValidateRequest(d)
		require.Error(t, err, d)
		assert.ErrorIs(t, err, shield.ErrDomainNotAllowed, d)
		assert.NotErrorIs(t, err, shield.ErrKillSwitchActive, d)

		var rej *shield.RejectionError
		require.ErrorAs(t, err, &rej)
		assert.Equal(t, shield.DomainNotAllowed, rej.Kind)
		assert.Equal(t, d, rej.Target)
	}
}

func TestKillSwitch(t *testing.T) {
	s := newShield(t)
	require.False(t, s.KillSwitchActive())

	assert.True(t, s.TriggerKillSwitch(), "first trigger flips the switch")
	assert.False(t, s.TriggerKillSwitch(), "second trigger is a no-op")
	assert.True(t, s.KillSwitchActive())

	for _, d := range []string{"localhost", "api.openai.com", "malicious.com"} {
		err := s.ValidateRequest(d)
		assert.ErrorIs(t, err, shield.ErrKillSwitchActive, d)
		assert.NotErrorIs(t, err, shield.ErrDomainNotAllowed, d)
	}
	for _, in := range []string{"", "some text", "test@example.com"} {
		assert.Equal(t, shield.KillSwitchSentinel, s.Redact(in))
	}
	assert.Equal(t, "[SHIELD KILL SWITCH ACTIVE]", shield.KillSwitchSentinel)
}

func TestKillSwitch_concurrentReaders(t *testing.T) {
	s := newShield(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				s.Redact("mail me at a@b.co")
				s.ValidateRequest("localhost") //nolint:errcheck
			}
		}()
	}
	s.TriggerKillSwitch()
	wg.Wait()

	assert.Equal(t, shield.KillSwitchSentinel, s.Redact("after"))
}

func TestKillSwitch_concurrentTriggersFlipOnce(t *testing.T) {
	s := newShield(t)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		flipped int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.TriggerKillSwitch() {
				mu.Lock()
				flipped++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, flipped)
	assert.True(t, s.KillSwitchActive())
}

func TestInterceptAndScrub(t *testing.T) {
	s := newShield(t)

	out, err := s.InterceptAndScrub("reply to bob@corp.io", "api.openai.com")
	require.NoError(t, err)
	assert.Equal(t, "reply to [REDACTED]", out)

	_, err = s.InterceptAndScrub("reply to bob@corp.io", "evil.io")
	assert.ErrorIs(t, err, shield.ErrDomainNotAllowed)
}

func TestValidateFileExport(t *testing.T) {
	ws := t.TempDir()
	outside := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(ws, "exports"), 0o755))
	require.NoError(t, os.Symlink(outside, filepath.Join(ws, "escape")))

	s := newShield(t, shield.WithWorkspace(ws))

	accepted := []string{
		ws,
		filepath.Join(ws, "exports"),
		filepath.Join(ws, "exports", "runpack-1"),
		filepath.Join(ws, "new", "deep", "dir"),
	}
	for _, p := range accepted {
		assert.NoError(t, s.ValidateFileExport(p), p)
	}

	rejected := []string{
		outside,
		filepath.Join(ws, "..", filepath.Base(outside)),
		filepath.Join(ws, "escape"),
		filepath.Join(ws, "escape", "not-yet-created"),
		ws + "-sibling",
		"/",
	}
	for _, p := range rejected {
		err := s.ValidateFileExport(p)
		assert.ErrorIs(t, err, shield.ErrExportOutsideWorkspace, p)
	}
}

func TestValidateFileExport_defaultsToWorkingDirectory(t *testing.T) {
	wd, err := os.Getwd()
	require.NoError(t, err)
	s := newShield(t)

	assert.NoError(t, s.ValidateFileExport("runpack"))
	assert.NoError(t, s.ValidateFileExport(filepath.Join(wd, "testdata-out")))
	err = s.ValidateFileExport(filepath.Join(wd, "..", "..", "elsewhere"))
	assert.True(t, errors.Is(err, shield.ErrExportOutsideWorkspace))
}

func TestLoadPolicy(t *testing.T) {
	dir := t.TempDir()

	cfg, err := shield.LoadPolicy(filepath.Join(dir, "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, shield.DefaultConfig(), cfg)

	path := filepath.Join(dir, "shield.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
allowed_domains:
  - api.anthropic.com
redacted_placeholder: "***"
`), 0o644))

	cfg, err = shield.LoadPolicy(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"api.anthropic.com"}, cfg.AllowedDomains)
	assert.Equal(t, "***", cfg.RedactedPlaceholder)
	assert.Equal(t, shield.DefaultConfig().PIIPatterns, cfg.PIIPatterns, "unset keys keep defaults")

	require.NoError(t, os.WriteFile(path, []byte("allowed_domains: [unterminated"), 0o644))
	_, err = shield.LoadPolicy(path)
	assert.Error(t, err)
}
