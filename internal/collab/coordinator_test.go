package collab

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/traylinx/hookbridge/internal/breaker"
	"github.com/traylinx/hookbridge/internal/hooks"
	"github.com/traylinx/hookbridge/internal/perf"
	"github.com/traylinx/hookbridge/internal/persona"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("github.com/traylinx/hookbridge/internal/hooks.(*EventBus).processQueue"))
}

type fixture struct {
	coord    *Coordinator
	breakers *breaker.Registry
	tracker  *perf.Tracker
	bus      *hooks.EventBus
}

func newFixture(t *testing.T, extra ...Behavior) *fixture {
	t.Helper()
	f := &fixture{
		breakers: breaker.NewRegistry(breaker.Options{FailureThreshold: 1, RecoveryTimeout: time.Hour}),
		tracker:  perf.New(perf.Options{CleanupInterval: -1}),
		bus:      hooks.NewEventBus(),
	}
	f.coord = NewCoordinator(Options{
		Breakers: f.breakers,
		Tracker:  f.tracker,
		Bus:      f.bus,
	})
	for _, b := range extra {
		f.coord.Register(b)
	}
	t.Cleanup(func() {
		f.coord.Close()
		f.tracker.Close()
		f.bus.Shutdown()
	})
	return f
}

func fixed(name persona.Name, confidence float64, recs ...string) BehaviorFunc {
	return BehaviorFunc{Name: name, Fn: func(context.Context, *Context) (Result, error) {
		return Result{Success: true, Recommendations: recs, Confidence: confidence}, nil
	}}
}

func byPersona(results []Result) map[persona.Name]Result {
	out := make(map[persona.Name]Result, len(results))
	for _, r := range results {
		out[r.Persona] = r
	}
	return out
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("Hierarchical")
	require.NoError(t, err)
	assert.Equal(t, ModeHierarchical, m)

	m, err = ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, ModeParallel, m)

	_, err = ParseMode("round-robin")
	assert.Error(t, err)
}

func TestCoordinatePersonas_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.coord.CoordinatePersonas(ctx, nil, Task{Operation: "x"}, ModeParallel)
	assert.Error(t, err)

	_, err = f.coord.CoordinatePersonas(ctx, []persona.Name{"ghost"}, Task{Operation: "x"}, ModeParallel)
	var unknown *persona.UnknownPersonaError
	assert.ErrorAs(t, err, &unknown)

	_, err = f.coord.CoordinatePersonas(ctx, []persona.Name{persona.Architect}, Task{Operation: "x"}, Mode("mesh"))
	assert.Error(t, err)
}

func TestCoordinatePersonas_ParallelCapturesFailures(t *testing.T) {
	f := newFixture(t,
		fixed(persona.Frontend, 0.8, "keep components small"),
		BehaviorFunc{Name: persona.QA, Fn: func(context.Context, *Context) (Result, error) {
			return Result{}, errors.New("test runner unavailable")
		}},
		BehaviorFunc{Name: persona.Mentor, Fn: func(context.Context, *Context) (Result, error) {
			panic("boom")
		}},
		fixed(persona.Scribe, 0.6, "document public interfaces"),
	)

	out, err := f.coord.CoordinatePersonas(context.Background(),
		[]persona.Name{persona.Frontend, persona.QA, persona.Mentor, persona.Scribe},
		Task{Operation: "review the release"}, ModeParallel)
	require.NoError(t, err)
	require.Len(t, out.Results, 4)
	assert.NotEmpty(t, out.ID)

	results := byPersona(out.Results)
	assert.True(t, results[persona.Frontend].Success)
	assert.False(t, results[persona.QA].Success)
	assert.Contains(t, results[persona.QA].Error, "test runner unavailable")
	assert.False(t, results[persona.Mentor].Success)
	assert.Contains(t, results[persona.Mentor].Error, "panic")

	assert.Equal(t, 2, out.Synthesis.Successful)
	assert.Equal(t, 2, out.Synthesis.Failed)
	assert.InDelta(t, 0.7, out.Synthesis.Confidence, 1e-9)
	assert.ElementsMatch(t, []string{"keep components small", "document public interfaces"}, out.Synthesis.Recommendations)

	m, ok := f.tracker.Metrics("persona.qa")
	require.True(t, ok)
	assert.Equal(t, int64(1), m.Errors)
	assert.Equal(t, int64(2), f.coord.Stats().Failures)
	assert.Equal(t, int64(1), f.coord.Stats().Collaborations)
}

func TestCoordinatePersonas_OpenBreakerSkipsPersona(t *testing.T) {
	var calls int
	var mu sync.Mutex
	f := newFixture(t, BehaviorFunc{Name: persona.DevOps, Fn: func(context.Context, *Context) (Result, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		return Result{}, errors.New("cluster unreachable")
	}})
	ctx := context.Background()
	task := Task{Operation: "deploy the service"}
	team := []persona.Name{persona.DevOps, persona.Architect}

	_, err := f.coord.CoordinatePersonas(ctx, team, task, ModeParallel)
	require.NoError(t, err)
	assert.Equal(t, breaker.StateOpen, f.breakers.State("persona.devops"))

	out, err := f.coord.CoordinatePersonas(ctx, team, task, ModeParallel)
	require.NoError(t, err)
	results := byPersona(out.Results)
	assert.True(t, results[persona.DevOps].Skipped)
	assert.False(t, results[persona.DevOps].Success)
	assert.True(t, results[persona.Architect].Success)
	assert.Equal(t, 1, calls)
}

func TestCoordinatePersonas_SequentialCarriesHistory(t *testing.T) {
	var (
		histories []int
		shared    []int
	)
	record := func(name persona.Name) BehaviorFunc {
		return BehaviorFunc{Name: name, Fn: func(_ context.Context, bctx *Context) (Result, error) {
			histories = append(histories, len(bctx.History))
			shared = append(shared, len(bctx.Shared))
			if name == persona.QA {
				return Result{}, errors.New("flaky")
			}
			return Result{Success: true, Recommendations: []string{string(name) + " advice"}, Confidence: 0.5}, nil
		}}
	}
	f := newFixture(t, record(persona.Analyzer), record(persona.QA), record(persona.Refactorer))

	out, err := f.coord.CoordinatePersonas(context.Background(),
		[]persona.Name{persona.Analyzer, persona.QA, persona.Refactorer},
		Task{Operation: "fix the bug", Shared: map[string]any{"ticket": "BUG-1"}}, ModeSequential)
	require.NoError(t, err)

	assert.Equal(t, []int{0, 1, 2}, histories)
	assert.Equal(t, []int{1, 2, 2}, shared)
	require.Len(t, out.Results, 3)
	assert.Equal(t, persona.Analyzer, out.Results[0].Persona)
	assert.False(t, out.Results[1].Success)
	assert.True(t, out.Results[2].Success)
}

func TestCoordinatePersonas_HierarchicalOrdersBySecurity(t *testing.T) {
	f := newFixture(t)

	out, err := f.coord.CoordinatePersonas(context.Background(),
		[]persona.Name{persona.Backend, persona.Security, persona.Architect},
		Task{Operation: "harden the authentication flow"}, ModeHierarchical)
	require.NoError(t, err)

	require.Len(t, out.Results, 3)
	assert.Equal(t, persona.Security, out.Results[0].Persona)
	assert.Equal(t, persona.Architect, out.Results[1].Persona)
	assert.Equal(t, persona.Backend, out.Results[2].Persona)
	assert.Contains(t, out.Results[1].Insights, "builds on security guidance")
	assert.Contains(t, out.Results[2].Insights, "builds on architect guidance")

	require.Len(t, out.Conflicts, 1)
	res := out.Conflicts[0]
	assert.Equal(t, StrategyHierarchy, res.Strategy)
	assert.Equal(t, persona.Security, res.Winner)
	assert.Equal(t, "synchronous", res.Chosen.Term)
	assert.InDelta(t, 0.75, res.Satisfaction, 1e-9)

	assert.NotContains(t, out.Synthesis.Recommendations, "prefer asynchronous messaging between services")
	assert.Contains(t, out.Synthesis.Recommendations, "use synchronous authorization checks")
	assert.Equal(t, 1, countOf(out.Synthesis.ActionItems, "review changes with the team"))
}

func TestCoordinatePersonas_ExpertiseStrategy(t *testing.T) {
	f := newFixture(t)

	out, err := f.coord.CoordinatePersonas(context.Background(),
		[]persona.Name{persona.Architect, persona.Performance, persona.Backend},
		Task{Operation: "scale the order service"}, ModeParallel)
	require.NoError(t, err)

	require.Len(t, out.Conflicts, 1)
	res := out.Conflicts[0]
	assert.Equal(t, StrategyExpertise, res.Strategy)
	assert.Equal(t, persona.Architect, res.Winner)
	assert.Equal(t, "asynchronous", res.Chosen.Term)
	assert.InDelta(t, 0.85, res.Satisfaction, 1e-9)
	assert.NotContains(t, out.Synthesis.Recommendations, "keep the synchronous request path simple")
	assert.Contains(t, out.Synthesis.Recommendations, "move slow work to asynchronous processing")
}

func TestCoordinatePersonas_ConsensusStrategy(t *testing.T) {
	f := newFixture(t,
		fixed(persona.Frontend, 0.8, "prefer nosql document storage"),
		fixed(persona.QA, 0.8, "nosql keeps fixtures simple"),
		fixed(persona.Mentor, 0.8, "use sql for reporting"),
	)

	out, err := f.coord.CoordinatePersonas(context.Background(),
		[]persona.Name{persona.Frontend, persona.QA, persona.Mentor},
		Task{Operation: "choose a store"}, ModeParallel)
	require.NoError(t, err)

	require.Len(t, out.Conflicts, 1)
	res := out.Conflicts[0]
	assert.Equal(t, StrategyConsensus, res.Strategy)
	assert.Equal(t, "nosql", res.Chosen.Term)
	assert.Equal(t, persona.Frontend, res.Winner)
	assert.InDelta(t, 2.0/3.0, res.Satisfaction, 1e-9)
	assert.NotContains(t, out.Synthesis.Recommendations, "use sql for reporting")
}

func TestCoordinatePersonas_CachesParallelResults(t *testing.T) {
	var calls int
	var mu sync.Mutex
	b := BehaviorFunc{Name: persona.Scribe, Fn: func(context.Context, *Context) (Result, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		return Result{Success: true, Confidence: 0.7}, nil
	}}
	coord := NewCoordinator(Options{Behaviors: []Behavior{b}, ResultTTL: time.Minute})
	defer coord.Close()

	ctx := context.Background()
	task := Task{Operation: "write the changelog"}
	for i := 0; i < 3; i++ {
		_, err := coord.CoordinatePersonas(ctx, []persona.Name{persona.Scribe}, task, ModeParallel)
		require.NoError(t, err)
	}
	assert.Equal(t, 1, calls)

	coord.Register(b)
	_, err := coord.CoordinatePersonas(ctx, []persona.Name{persona.Scribe}, task, ModeParallel)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestCoordinatePersonas_DomainFromOperation(t *testing.T) {
	var got persona.Domain
	f := newFixture(t, BehaviorFunc{Name: persona.Performance, Fn: func(_ context.Context, bctx *Context) (Result, error) {
		got = bctx.Domain
		return Result{Success: true}, nil
	}})

	_, err := f.coord.CoordinatePersonas(context.Background(), []persona.Name{persona.Performance},
		Task{Operation: "find the latency bottleneck"}, ModeSequential)
	require.NoError(t, err)
	assert.Equal(t, persona.DomainPerformance, got)
}

func countOf(items []string, s string) int {
	n := 0
	for _, it := range items {
		if it == s {
			n++
		}
	}
	return n
}
