// Package router selects a model provider for each task.
//
// Every registered provider owns a token bucket. A routing attempt takes one
// token from each bucket it inspects; providers whose bucket is empty are
// skipped silently. The survivors are scored by capability match, adjusted
// by the requested strategy, and the best one wins. Ties resolve to
// registration order so that routing is reproducible.
package router

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jmerrifield20/axial/internal/metrics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Strategy biases provider selection.
type Strategy string

const (
	PrivacyFirst  Strategy = "privacy_first"
	Performance   Strategy = "performance"
	CostEfficient Strategy = "cost_efficient"
)

// Default per-provider quota.
const (
	DefaultRPS   = 10
	DefaultBurst = 10
)

// DefaultWeights are the per-requirement score multipliers. Requirements
// not listed weigh 1.0, except reasoning-type ones (see weight).
func DefaultWeights() map[string]float64 {
	return map[string]float64{
		"code-editing": 1.5,
		"reasoning":    2.0,
		"speed":        1.0,
	}
}

// RouteDecision is the outcome of a successful Route call.
type RouteDecision struct {
	ProviderID    string   `json:"provider_id"`
	Explanation   string   `json:"explanation"`
	EstimatedCost float64  `json:"estimated_cost"`
	Strategy      Strategy `json:"strategy_used"`
	Score         float64  `json:"score"`
}

type registration struct {
	provider Provider
	info     ProviderInfo
	limiter  *rate.Limiter
}

// Router is the provider registry. It is safe for concurrent use.
type Router struct {
	mu        sync.RWMutex
	providers map[string]*registration
	order     []string

	rps     rate.Limit
	burst   int
	weights map[string]float64
	now     func() time.Time
	tracer  trace.Tracer
	logger  *zap.Logger
}

// Option configures a Router.
type Option func(*Router)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Router) { r.logger = logger }
}

// WithQuota sets the token bucket installed for each provider registered
// afterwards.
func WithQuota(rps float64, burst int) Option {
	return func(r *Router) {
		r.rps = rate.Limit(rps)
		r.burst = burst
	}
}

// WithWeights replaces the requirement weights.
func WithWeights(w map[string]float64) Option {
	return func(r *Router) { r.weights = w }
}

// WithClock overrides the time source used for rate limiting.
func WithClock(now func() time.Time) Option {
	return func(r *Router) { r.now = now }
}

// WithTracerProvider sets where provider execution spans are sent. The
// default is the global otel provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(r *Router) { r.tracer = tp.Tracer(tracerName) }
}

// New returns an empty Router.
func New(opts ...Option) *Router {
	r := &Router{
		providers: make(map[string]*registration),
		rps:       DefaultRPS,
		burst:     DefaultBurst,
		weights:   DefaultWeights(),
		now:       time.Now,
		tracer:    otel.Tracer(tracerName),
		logger:    zap.NewNop(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Register installs p under its id with a fresh token bucket. Registering an
// id again replaces both the provider and its bucket but keeps the id's
// original position in registration order.
func (r *Router) Register(p Provider) {
	info := p.Info()

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.providers[info.ID]; !exists {
		r.order = append(r.order, info.ID)
	}
	r.providers[info.ID] = &registration{
		provider: p,
		info:     info,
		limiter:  rate.NewLimiter(r.rps, r.burst),
	}
	r.logger.Info("provider registered",
		zap.String("provider", info.ID),
		zap.String("name", info.Name),
		zap.String("privacy", string(info.PrivacyLevel)),
	)
}

// Providers lists registered providers in registration order.
func (r *Router) Providers() []ProviderInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ProviderInfo, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.providers[id].info)
	}
	return out
}

// HealthTarget is a provider with an endpoint that can be probed.
type HealthTarget struct {
	ProviderID string
	Endpoint   string
}

// HealthTargets lists, in registration order, the providers that expose a
// HealthEndpoint() string method.
func (r *Router) HealthTargets() []HealthTarget {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []HealthTarget
	for _, id := range r.order {
		if hp, ok := r.providers[id].provider.(interface{ HealthEndpoint() string }); ok {
			out = append(out, HealthTarget{ProviderID: id, Endpoint: hp.HealthEndpoint()})
		}
	}
	return out
}

type candidate struct {
	reg   *registration
	score float64
}

// Route picks the provider best suited to requirements under strategy.
// It never blocks. When every provider is rate-limited, or none is
// registered, it returns a *NoProviderError.
func (r *Router) Route(requirements []string, strategy Strategy) (*RouteDecision, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := r.now()
	candidates := make([]candidate, 0, len(r.order))
	for _, id := range r.order {
		reg := r.providers[id]
		if !reg.limiter.AllowN(now, 1) {
			metrics.RecordRateLimited(id)
			r.logger.Debug("provider skipped: rate limited", zap.String("provider", id))
			continue
		}
		candidates = append(candidates, candidate{reg: reg})
	}

	if len(candidates) == 0 {
		metrics.RecordRouteFailure()
		r.logger.Warn("no available provider", zap.Strings("requirements", requirements))
		return nil, &NoProviderError{Requirements: append([]string(nil), requirements...)}
	}

	for i := range candidates {
		candidates[i].score = r.score(candidates[i].reg.info, requirements, strategy)
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].score > candidates[j].score
	})

	best := candidates[0]
	info := best.reg.info
	d := &RouteDecision{
		ProviderID: info.ID,
		Explanation: fmt.Sprintf("Selected %s (privacy: %s) for requirements [%s] using strategy '%s'",
			info.Name, info.PrivacyLevel, strings.Join(requirements, ", "), strategy),
		EstimatedCost: estimatedCost(info, requirements),
		Strategy:      strategy,
		Score:         best.score,
	}

	metrics.RecordRouteDecision(string(strategy), info.ID)
	r.logger.Info("request routed",
		zap.String("provider", info.ID),
		zap.String("strategy", string(strategy)),
		zap.Float64("score", best.score),
	)
	return d, nil
}

// score is the weighted capability match plus the strategy adjustment.
func (r *Router) score(info ProviderInfo, requirements []string, strategy Strategy) float64 {
	var s float64
	for _, req := range requirements {
		if c, ok := info.capability(req); ok {
			s += float64(c.Score) * r.weight(req)
		}
	}

	switch strategy {
	case PrivacyFirst:
		switch info.PrivacyLevel {
		case Local:
			s += 500
		case Shielded:
			s += 100
		case Cloud:
			s -= 500
		}
	case Performance:
		s += max(0, 1000-float64(info.LatencyMS)) / 2
	case CostEfficient:
		s += max(0, 1-meanCost(info.Capabilities)) * 200
	}
	return s
}

// weight looks req up in the weight table. Unlisted requirements that name
// a kind of reasoning ("complex-reasoning", "reasoning-math") share the
// "reasoning" weight.
func (r *Router) weight(req string) float64 {
	if w, ok := r.weights[req]; ok {
		return w
	}
	if strings.Contains(req, "reasoning") {
		if w, ok := r.weights["reasoning"]; ok {
			return w
		}
	}
	return 1.0
}

func meanCost(caps []Capability) float64 {
	if len(caps) == 0 {
		return 0
	}
	var sum float64
	for _, c := range caps {
		sum += c.CostPer1kTokens
	}
	return sum / float64(len(caps))
}

// estimatedCost is the mean per-1k-token cost of the capabilities that
// satisfy a requirement.
func estimatedCost(info ProviderInfo, requirements []string) float64 {
	var matched []Capability
	for _, req := range requirements {
		if c, ok := info.capability(req); ok {
			matched = append(matched, c)
		}
	}
	return meanCost(matched)
}
