// Package health probes model provider endpoints in the background and
// reports when a provider degrades or recovers.
package health

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/jmerrifield20/axial/internal/metrics"
	"github.com/jmerrifield20/axial/internal/router"
	"go.uber.org/zap"
)

// Status is a provider's health as last observed.
type Status string

const (
	Healthy  Status = "healthy"
	Degraded Status = "degraded"
)

// Config holds health check configuration.
type Config struct {
	CheckInterval time.Duration
	ProbeTimeout  time.Duration
	FailThreshold int
}

// TargetLister returns the providers to probe. *router.Router implements it.
type TargetLister interface {
	HealthTargets() []router.HealthTarget
}

// TransitionFunc is called when a provider crosses between healthy and
// degraded.
type TransitionFunc func(ctx context.Context, providerID string, status Status, failures int)

// Checker runs periodic provider health probes.
type Checker struct {
	lister       TargetLister
	httpClient   *http.Client
	cfg          Config
	onTransition TransitionFunc
	logger       *zap.Logger

	mu         sync.Mutex
	failCounts map[string]int
	statuses   map[string]Status
}

// New creates a new Checker.
func New(lister TargetLister, cfg Config, logger *zap.Logger) *Checker {
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = time.Minute
	}
	if cfg.ProbeTimeout == 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	if cfg.FailThreshold == 0 {
		cfg.FailThreshold = 3
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Checker{
		lister:     lister,
		httpClient: &http.Client{Timeout: cfg.ProbeTimeout},
		cfg:        cfg,
		logger:     logger,
		failCounts: make(map[string]int),
		statuses:   make(map[string]Status),
	}
}

// OnTransition configures the transition callback.
func (h *Checker) OnTransition(fn TransitionFunc) {
	h.onTransition = fn
}

// Start runs the check loop until ctx is done. The first round runs
// immediately.
func (h *Checker) Start(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		h.CheckAll(ctx)
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

// Statuses returns the last observed status of every probed provider.
func (h *Checker) Statuses() map[string]Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]Status, len(h.statuses))
	for id, s := range h.statuses {
		out[id] = s
	}
	return out
}

// CheckAll probes every target once with bounded concurrency.
func (h *Checker) CheckAll(ctx context.Context) {
	targets := h.lister.HealthTargets()

	sem := make(chan struct{}, 10)
	var wg sync.WaitGroup

	for _, t := range targets {
		wg.Add(1)
		go func(target router.HealthTarget) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			success := h.probe(ctx, target.Endpoint)
			metrics.RecordProviderProbe(target.ProviderID, success)

			h.mu.Lock()
			prevCount := h.failCounts[target.ProviderID]
			if success {
				h.failCounts[target.ProviderID] = 0
				h.statuses[target.ProviderID] = Healthy
			} else {
				h.failCounts[target.ProviderID]++
				if h.failCounts[target.ProviderID] >= h.cfg.FailThreshold {
					h.statuses[target.ProviderID] = Degraded
				} else if _, seen := h.statuses[target.ProviderID]; !seen {
					h.statuses[target.ProviderID] = Healthy
				}
			}
			count := h.failCounts[target.ProviderID]
			h.mu.Unlock()

			switch {
			case success && prevCount >= h.cfg.FailThreshold:
				// degraded -> healthy
				h.logger.Info("health: provider recovered", zap.String("provider", target.ProviderID))
				h.notify(ctx, target.ProviderID, Healthy, 0)
			case !success && count == h.cfg.FailThreshold:
				// healthy -> degraded, exactly at threshold
				h.logger.Warn("health: provider degraded",
					zap.String("provider", target.ProviderID),
					zap.Int("fail_count", count),
				)
				h.notify(ctx, target.ProviderID, Degraded, count)
			}
		}(t)
	}

	wg.Wait()
}

func (h *Checker) notify(ctx context.Context, id string, status Status, failures int) {
	if h.onTransition != nil {
		h.onTransition(ctx, id, status, failures)
	}
}

// probe attempts HEAD then GET, returning true on any 2xx response.
func (h *Checker) probe(ctx context.Context, endpoint string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, endpoint, nil)
	if err != nil {
		return false
	}
	resp, err := h.httpClient.Do(req)
	if err == nil {
		resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return true
		}
	}

	// Fallback to GET.
	req, err = http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return false
	}
	resp, err = h.httpClient.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}
