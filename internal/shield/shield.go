// Package shield guards the boundary between the agent runtime and the
// outside world: it scrubs sensitive text, restricts outbound hosts to an
// allow-list, keeps exports inside the workspace and, once its kill switch
// is thrown, refuses everything.
package shield

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync/atomic"

	"github.com/jmerrifield20/axial/internal/metrics"
	"go.uber.org/zap"
)

// KillSwitchSentinel replaces all redacted output while the kill switch is set.
const KillSwitchSentinel = "[SHIELD KILL SWITCH ACTIVE]"

// DefaultPlaceholder is substituted for each redacted match.
const DefaultPlaceholder = "[REDACTED]"

// Default PII patterns: 16-digit dashed card numbers and email addresses.
var defaultPatterns = []string{
	`\b\d{4}-\d{4}-\d{4}-\d{4}\b`,
	`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Z|a-z]{2,}\b`,
}

// Config is the shield's policy. It is read once by New.
type Config struct {
	AllowedDomains      []string `json:"allowed_domains" yaml:"allowed_domains" mapstructure:"allowed_domains"`
	PIIPatterns         []string `json:"pii_patterns" yaml:"pii_patterns" mapstructure:"pii_patterns"`
	RedactedPlaceholder string   `json:"redacted_placeholder" yaml:"redacted_placeholder" mapstructure:"redacted_placeholder"`
}

// DefaultConfig allows only localhost and the OpenAI API, and redacts card
// numbers and email addresses.
func DefaultConfig() Config {
	return Config{
		AllowedDomains:      []string{"localhost", "api.openai.com"},
		PIIPatterns:         append([]string(nil), defaultPatterns...),
		RedactedPlaceholder: DefaultPlaceholder,
	}
}

// Shield applies a Config. All methods are safe for concurrent use.
type Shield struct {
	allowed     map[string]struct{}
	patterns    []*regexp.Regexp
	placeholder string
	workspace   string
	killed      atomic.Bool
	logger      *zap.Logger
}

// Option configures a Shield.
type Option func(*Shield)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Shield) { s.logger = logger }
}

// WithWorkspace sets the directory exports must stay inside. The default is
// the process working directory at the time of each check.
func WithWorkspace(dir string) Option {
	return func(s *Shield) { s.workspace = dir }
}

// New compiles every pattern in cfg. A pattern that fails to compile is
// reported immediately, wrapped in ErrInvalidPattern.
func New(cfg Config, opts ...Option) (*Shield, error) {
	s := &Shield{
		allowed:     make(map[string]struct{}, len(cfg.AllowedDomains)),
		placeholder: cfg.RedactedPlaceholder,
		logger:      zap.NewNop(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.placeholder == "" {
		s.placeholder = DefaultPlaceholder
	}
	for _, d := range cfg.AllowedDomains {
		s.allowed[d] = struct{}{}
	}
	for i, p := range cfg.PIIPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("%w: pii_patterns[%d] %q: %v", ErrInvalidPattern, i, p, err)
		}
		s.patterns = append(s.patterns, re)
	}
	return s, nil
}

// Redact replaces every match of each pattern, in configured order, with the
// placeholder. While the kill switch is set it returns KillSwitchSentinel
// without looking at text.
func (s *Shield) Redact(text string) string {
	if s.killed.Load() {
		return KillSwitchSentinel
	}
	out := text
	for _, re := range s.patterns {
		out = re.ReplaceAllLiteralString(out, s.placeholder)
	}
	if out != text {
		metrics.RecordRedaction()
	}
	return out
}

// ValidateRequest accepts domain only if it is exactly in the allow-list and
// the kill switch is not set.
func (s *Shield) ValidateRequest(domain string) error {
	if s.killed.Load() {
		return s.reject(KillSwitch, domain)
	}
	if _, ok := s.allowed[domain]; ok {
		return nil
	}
	return s.reject(DomainNotAllowed, domain)
}

// ValidateFileExport accepts path only if it resolves to a location inside
// the workspace. Symlinks are resolved for the longest existing prefix of
// path, so a link pointing out of the workspace is caught even when the
// final file does not exist yet.
func (s *Shield) ValidateFileExport(path string) error {
	root := s.workspace
	if root == "" {
		wd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("resolve workspace: %w", err)
		}
		root = wd
	}
	root, err := canonical(root)
	if err != nil {
		return fmt.Errorf("resolve workspace: %w", err)
	}
	target, err := canonical(path)
	if err != nil {
		return fmt.Errorf("resolve export path: %w", err)
	}

	rel, err := filepath.Rel(root, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return s.reject(ExportOutsideWorkspace, path)
	}
	return nil
}

// canonical returns the absolute, cleaned form of path with symlinks
// resolved for as much of it as exists.
func canonical(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	existing, rest := abs, ""
	for {
		if _, err := os.Lstat(existing); err == nil {
			break
		}
		parent := filepath.Dir(existing)
		if parent == existing {
			return abs, nil
		}
		rest = filepath.Join(filepath.Base(existing), rest)
		existing = parent
	}
	resolved, err := filepath.EvalSymlinks(existing)
	if err != nil {
		return "", err
	}
	return filepath.Join(resolved, rest), nil
}

// TriggerKillSwitch puts the shield into deny-all mode for the rest of its
// lifetime. There is no reset. It reports true only for the call that
// actually flipped the switch.
func (s *Shield) TriggerKillSwitch() bool {
	if !s.killed.CompareAndSwap(false, true) {
		return false
	}
	s.logger.Warn("shield kill switch triggered")
	return true
}

// KillSwitchActive reports whether TriggerKillSwitch has been called.
func (s *Shield) KillSwitchActive() bool {
	return s.killed.Load()
}

// InterceptAndScrub validates the destination of content and returns the
// redacted content if the destination is allowed.
func (s *Shield) InterceptAndScrub(content, domain string) (string, error) {
	if err := s.ValidateRequest(domain); err != nil {
		return "", err
	}
	return s.Redact(content), nil
}

func (s *Shield) reject(kind RejectionKind, target string) error {
	metrics.RecordShieldRejection(string(kind))
	s.logger.Info("shield rejection", zap.String("kind", string(kind)), zap.String("target", target))
	return &RejectionError{Kind: kind, Target: target}
}
