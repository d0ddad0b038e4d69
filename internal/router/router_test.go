package router_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jmerrifield20/axial/internal/router"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// frozen keeps token buckets from refilling during a test.
func frozen() router.Option {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return router.WithClock(func() time.Time { return t0 })
}

func provider(id string, privacy router.PrivacyLevel, latency uint32, caps ...router.Capability) *router.StaticProvider {
	if len(caps) == 0 {
		caps = []router.Capability{{Name: "text", Score: 80, CostPer1kTokens: 0.1}}
	}
	return &router.StaticProvider{ProviderInfo: router.ProviderInfo{
		ID:           id,
		Name:         id,
		Capabilities: caps,
		LatencyMS:    latency,
		PrivacyLevel: privacy,
	}}
}

func TestRoute_privacyFirstPrefersLocal(t *testing.T) {
	for _, order := range [][]router.PrivacyLevel{
		{router.Cloud, router.Local},
		{router.Local, router.Cloud},
	} {
		r := router.New()
		for _, lvl := range order {
			r.Register(provider(string(lvl), lvl, 100))
		}

		d, err := r.Route([]string{"text"}, router.PrivacyFirst)
		require.NoError(t, err)
		assert.Equal(t, "Local", d.ProviderID)
		assert.Equal(t, router.PrivacyFirst, d.Strategy)
	}
}

func TestRoute_scoring(t *testing.T) {
	cheapSlow := provider("cheap-slow", router.Shielded, 900,
		router.Capability{Name: "code-editing", Score: 50, CostPer1kTokens: 0},
	)
	pricyFast := provider("pricy-fast", router.Cloud, 50,
		router.Capability{Name: "code-editing", Score: 50, CostPer1kTokens: 0.9},
	)

	tests := []struct {
		strategy router.Strategy
		want     string
		score    float64
	}{
		// 50*1.5 + (1000-50)/2
		{router.Performance, "pricy-fast", 75 + 475},
		// 50*1.5 + (1-0)*200
		{router.CostEfficient, "cheap-slow", 75 + 200},
		// 50*1.5 + 100
		{router.PrivacyFirst, "cheap-slow", 75 + 100},
	}
	for _, tc := range tests {
		t.Run(string(tc.strategy), func(t *testing.T) {
			r := router.New()
			r.Register(cheapSlow)
			r.Register(pricyFast)

			d, err := r.Route([]string{"code-editing"}, tc.strategy)
			require.NoError(t, err)
			assert.Equal(t, tc.want, d.ProviderID)
			assert.InDelta(t, tc.score, d.Score, 1e-9)
		})
	}
}

func TestRoute_reasoningWeight(t *testing.T) {
	r := router.New()
	r.Register(provider("p", router.Local, 0,
		router.Capability{Name: "reasoning", Score: 10},
		router.Capability{Name: "complex-reasoning", Score: 10},
		router.Capability{Name: "speed", Score: 10},
		router.Capability{Name: "other", Score: 10},
	))

	d, err := r.Route([]string{"reasoning", "complex-reasoning", "speed", "other", "missing"}, "unknown-strategy")
	require.NoError(t, err)
	assert.InDelta(t, 20+20+10+10, d.Score, 1e-9)
}

func TestRoute_unknownStrategyTiesResolveToRegistrationOrder(t *testing.T) {
	r := router.New()
	for _, id := range []string{"first", "second", "third"} {
		r.Register(provider(id, router.Cloud, 100))
	}

	for i := 0; i < 5; i++ {
		d, err := r.Route([]string{"text"}, "balanced")
		require.NoError(t, err)
		assert.Equal(t, "first", d.ProviderID)
	}
}

func TestRoute_exhaustedBucketIsSkipped(t *testing.T) {
	r := router.New(router.WithQuota(1, 2), frozen())
	r.Register(provider("local", router.Local, 100))

	for i := 0; i < 2; i++ {
		d, err := r.Route([]string{"text"}, router.PrivacyFirst)
		require.NoError(t, err)
		assert.Equal(t, "local", d.ProviderID)
	}

	// "local" now has an empty bucket; a fresh, lower-scoring provider wins.
	r.Register(provider("cloud", router.Cloud, 100))
	d, err := r.Route([]string{"text"}, router.PrivacyFirst)
	require.NoError(t, err)
	assert.Equal(t, "cloud", d.ProviderID)

	d, err = r.Route([]string{"text"}, router.PrivacyFirst)
	require.NoError(t, err)
	assert.Equal(t, "cloud", d.ProviderID)

	_, err = r.Route([]string{"text", "code-editing"}, router.PrivacyFirst)
	require.Error(t, err)
	assert.ErrorIs(t, err, router.ErrNoProviderFound)

	var npe *router.NoProviderError
	require.ErrorAs(t, err, &npe)
	assert.Equal(t, []string{"text", "code-editing"}, npe.Requirements)
}

func TestRoute_bucketRefills(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	r := router.New(router.WithQuota(10, 1), router.WithClock(func() time.Time { return now }))
	r.Register(provider("p", router.Local, 100))

	_, err := r.Route(nil, router.PrivacyFirst)
	require.NoError(t, err)
	_, err = r.Route(nil, router.PrivacyFirst)
	require.ErrorIs(t, err, router.ErrNoProviderFound)

	now = now.Add(200 * time.Millisecond)
	_, err = r.Route(nil, router.PrivacyFirst)
	assert.NoError(t, err)
}

func TestRoute_noProviders(t *testing.T) {
	_, err := router.New().Route([]string{"x"}, router.Performance)
	assert.ErrorIs(t, err, router.ErrNoProviderFound)
}

func TestRoute_estimatedCost(t *testing.T) {
	r := router.New()
	r.Register(provider("p", router.Local, 100,
		router.Capability{Name: "a", Score: 1, CostPer1kTokens: 0.2},
		router.Capability{Name: "b", Score: 1, CostPer1kTokens: 0.4},
		router.Capability{Name: "c", Score: 1, CostPer1kTokens: 9},
	))

	d, err := r.Route([]string{"a", "b"}, router.PrivacyFirst)
	require.NoError(t, err)
	assert.InDelta(t, 0.3, d.EstimatedCost, 1e-9)
	assert.Contains(t, d.Explanation, "privacy: Local")
	assert.Contains(t, d.Explanation, "strategy 'privacy_first'")
}

func TestRegister_replaceKeepsSlotAndResetsBucket(t *testing.T) {
	r := router.New(router.WithQuota(1, 1), frozen())
	r.Register(provider("a", router.Cloud, 100))
	r.Register(provider("b", router.Cloud, 100))

	_, err := r.Route(nil, "")
	require.NoError(t, err)
	_, err = r.Route(nil, "")
	require.ErrorIs(t, err, router.ErrNoProviderFound)

	r.Register(provider("a", router.Local, 5))

	ids := []string{}
	for _, p := range r.Providers() {
		ids = append(ids, p.ID)
	}
	assert.Equal(t, []string{"a", "b"}, ids)
	assert.Equal(t, router.Local, r.Providers()[0].PrivacyLevel)

	d, err := r.Route(nil, "")
	require.NoError(t, err)
	assert.Equal(t, "a", d.ProviderID)
}

func TestRoute_concurrentCallsShareBuckets(t *testing.T) {
	r := router.New(router.WithQuota(1, 50), frozen())
	r.Register(provider("p", router.Local, 100))

	results := make(chan error, 100)
	for i := 0; i < 100; i++ {
		go func() {
			_, err := r.Route([]string{"text"}, router.PrivacyFirst)
			results <- err
		}()
	}

	var ok, limited int
	for i := 0; i < 100; i++ {
		if err := <-results; err == nil {
			ok++
		} else if errors.Is(err, router.ErrNoProviderFound) {
			limited++
		}
	}
	assert.Equal(t, 50, ok)
	assert.Equal(t, 50, limited)
}

type failingProvider struct{ *router.StaticProvider }

func (failingProvider) Execute(context.Context, string, map[string]any) (map[string]any, error) {
	return nil, errors.New("model crashed")
}

func TestExecute(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	r := router.New(router.WithTracerProvider(tp))

	ok := provider("ok", router.Local, 1)
	ok.Response = map[string]any{"answer": 42}
	r.Register(ok)
	r.Register(failingProvider{provider("bad", router.Cloud, 1)})

	out, err := r.Execute(context.Background(), "ok", "summarise", nil)
	require.NoError(t, err)
	assert.Equal(t, 42, out["answer"])
	assert.Equal(t, "summarise", out["task"])

	_, err = r.Execute(context.Background(), "bad", "summarise", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, router.ErrExecution)
	assert.NotErrorIs(t, err, router.ErrNoProviderFound)
	var ee *router.ExecutionError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, "bad", ee.ProviderID)
	assert.EqualError(t, ee.Err, "model crashed")

	_, err = r.Execute(context.Background(), "ghost", "x", nil)
	assert.ErrorIs(t, err, router.ErrUnknownProvider)

	spans := rec.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "axial.provider.execute", spans[0].Name())
	assert.Equal(t, codes.Ok, spans[0].Status().Code)
	assert.Equal(t, codes.Error, spans[1].Status().Code)
}

func TestDecompose(t *testing.T) {
	r := router.New()

	p := r.Decompose("refactor the auth module")
	assert.Equal(t, "Plan for: refactor the auth module", p.Title)
	assert.Equal(t, "1.0", p.Version)
	require.Len(t, p.Graph.Nodes, 3)

	want := []struct{ id, typ, goal string }{
		{"analyze", "research", "Analyze codebase for refactoring targets"},
		{"edit", "coding", "Apply refactoring changes"},
		{"test", "verification", "Verify changes with tests"},
	}
	for i, w := range want {
		n := p.Graph.Nodes[i]
		assert.Equal(t, w.id, n.ID)
		assert.Equal(t, w.typ, n.TaskType)
		assert.Equal(t, w.goal, n.Params["goal"])
		assert.Empty(t, n.Invariants)
		assert.Nil(t, n.ApprovalGate)
	}
	require.Len(t, p.Graph.Edges, 2)
	assert.Equal(t, "analyze", p.Graph.Edges[0].From)
	assert.Equal(t, "edit", p.Graph.Edges[0].To)
	assert.Equal(t, "edit", p.Graph.Edges[1].From)
	assert.Equal(t, "test", p.Graph.Edges[1].To)
	require.NoError(t, p.Validate())

	g := r.Decompose("Refactor is capitalised here")
	require.Len(t, g.Graph.Nodes, 1)
	assert.Equal(t, "generic-task", g.Graph.Nodes[0].ID)
	assert.Equal(t, "nlp", g.Graph.Nodes[0].TaskType)
	assert.Equal(t, "Refactor is capitalised here", g.Graph.Nodes[0].Params["goal"])
	assert.Empty(t, g.Graph.Edges)
	assert.NotEqual(t, p.ID, g.ID)
}

func TestParsePrivacyLevel(t *testing.T) {
	lvl, err := router.ParsePrivacyLevel(" shielded ")
	require.NoError(t, err)
	assert.Equal(t, router.Shielded, lvl)

	_, err = router.ParsePrivacyLevel("orbit")
	assert.Error(t, err)
}

func TestOllamaProvider(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		assert.Equal(t, "/api/generate", req.URL.Path)
		var body map[string]any
		require.NoError(t, json.NewDecoder(req.Body).Decode(&body))
		assert.Equal(t, "llama3", body["model"])
		assert.Equal(t, false, body["stream"])
		if body["prompt"] == "fail" {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		fmt.Fprintf(w, `{"response":"echo %s"}`, body["prompt"])
	}))
	defer srv.Close()

	p := router.NewOllamaProvider("llama3", srv.URL+"/", time.Second)
	assert.Equal(t, "ollama-llama3", p.Info().ID)
	assert.Equal(t, router.Local, p.Info().PrivacyLevel)

	out, err := p.Execute(context.Background(), "hi", nil)
	require.NoError(t, err)
	assert.Equal(t, "echo hi", out["response"])

	_, err = p.Execute(context.Background(), "fail", nil)
	assert.ErrorContains(t, err, "status 500")
}

func TestOpenAIProvider(t *testing.T) {
	p := router.NewOpenAIProvider("gpt-4o")
	info := p.Info()
	assert.Equal(t, "openai-gpt-4o", info.ID)
	assert.Equal(t, "OpenAI (gpt-4o)", info.Name)
	assert.Equal(t, router.Cloud, info.PrivacyLevel)
	assert.Equal(t, uint32(1000), info.LatencyMS)
	assert.Equal(t, []router.Capability{
		{Name: "text-generation", Score: 95, CostPer1kTokens: 0.01},
		{Name: "code-editing", Score: 90, CostPer1kTokens: 0.01},
		{Name: "complex-reasoning", Score: 98, CostPer1kTokens: 0.03},
	}, info.Capabilities)

	out, err := p.Execute(context.Background(), "summarise", nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"response": "OpenAI mock response", "model": "gpt-4o"}, out)

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = p.Execute(cancelled, "summarise", nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestOpenAIProvider_losesToLocalUnderPrivacyFirst(t *testing.T) {
	r := router.New()
	r.Register(router.NewOpenAIProvider("gpt-4o"))
	r.Register(router.NewOllamaProvider("llama3", "http://127.0.0.1:11434", time.Second))

	d, err := r.Route([]string{"text-generation"}, router.PrivacyFirst)
	require.NoError(t, err)
	assert.Equal(t, "ollama-llama3", d.ProviderID)

	targets := r.HealthTargets()
	require.Len(t, targets, 1, "the mock cloud adapter has nothing to probe")
	assert.Equal(t, "ollama-llama3", targets[0].ProviderID)
}
