// Copyright 2026 The switchAILocal Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package persona

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/traylinx/hookbridge/internal/config"
	"github.com/traylinx/hookbridge/internal/hooks"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("github.com/traylinx/hookbridge/internal/hooks.(*EventBus).processQueue"))
}

type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestEngine(t *testing.T, mutate func(*Options)) (*Engine, *fixedClock) {
	t.Helper()
	clock := &fixedClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	opts := Options{SweepInterval: -1, Now: clock.Now}
	if mutate != nil {
		mutate(&opts)
	}
	e, err := NewEngine(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e, clock
}

func TestAnalyzeContext_ArchitectRankedFirst(t *testing.T) {
	e, _ := newTestEngine(t, nil)

	a, err := e.AnalyzeContext(context.Background(), Request{Content: "architecture scalability system design"})
	require.NoError(t, err)
	require.Len(t, a.Scores, 3)
	assert.Equal(t, Architect, a.Scores[0].Persona)
	assert.Equal(t, DomainArchitecture, a.Domain)
	assert.Greater(t, a.Scores[0].Total, a.Scores[1].Total)
}

func TestAnalyzeContext_TiesFollowDeclarationOrder(t *testing.T) {
	e, _ := newTestEngine(t, nil)

	a, err := e.AnalyzeContext(context.Background(), Request{Content: "nothing relevant here"})
	require.NoError(t, err)
	assert.Equal(t, DomainGeneral, a.Domain)
	assert.Equal(t, []Name{Architect, Frontend, Backend}, []Name{a.Scores[0].Persona, a.Scores[1].Persona, a.Scores[2].Persona})
	for _, s := range a.Scores {
		assert.InDelta(t, 0.15, s.Total, 1e-9)
	}
}

func TestAnalyzeContext_Signals(t *testing.T) {
	e, _ := newTestEngine(t, nil)

	a, err := e.AnalyzeContext(context.Background(), Request{
		Command: "implement",
		Content: "Build a React dashboard component with a REST api endpoint for a distributed team",
		Flags:   []string{"--think-hard"},
	})
	require.NoError(t, err)

	assert.Equal(t, DomainFrontend, a.Domain)
	assert.Equal(t, []Domain{DomainFrontend, DomainBackend}, a.Domains)
	assert.Equal(t, "create", a.Intent)
	assert.InDelta(t, 0.75, a.Complexity, 1e-9)
	assert.Equal(t, Frontend, a.Scores[0].Persona)

	rules := make(map[string]Opportunity)
	for _, o := range a.Collaboration {
		rules[o.Rule] = o
	}
	require.Contains(t, rules, "multi-domain")
	assert.Equal(t, []Name{Frontend, Backend}, rules["multi-domain"].Personas)
	require.Contains(t, rules, "full-stack")
	assert.Equal(t, []Name{Architect, Frontend, Backend}, rules["full-stack"].Personas)
}

func TestAnalyzeContext_DomainPrecedence(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	ctx := context.Background()

	// framework beats language and content
	a, err := e.AnalyzeContext(ctx, Request{Content: "fix the vulnerability", Framework: "django", Language: "typescript"})
	require.NoError(t, err)
	assert.Equal(t, DomainBackend, a.Domain)

	// language comes from file extensions when not given
	a, err = e.AnalyzeContext(ctx, Request{Content: "fix the vulnerability", Files: []string{"deploy/main.tf"}})
	require.NoError(t, err)
	assert.Equal(t, DomainInfrastructure, a.Domain)

	// command verb beats content
	a, err = e.AnalyzeContext(ctx, Request{Command: "/optimize", Content: "fix the vulnerability"})
	require.NoError(t, err)
	assert.Equal(t, DomainPerformance, a.Domain)

	a, err = e.AnalyzeContext(ctx, Request{Content: "fix the vulnerability"})
	require.NoError(t, err)
	assert.Equal(t, DomainSecurity, a.Domain)
}

func TestAnalyzeContext_Cached(t *testing.T) {
	e, clock := newTestEngine(t, func(o *Options) { o.CacheTTL = time.Minute })
	ctx := context.Background()
	req := Request{Command: "analyze", Content: "investigate the slow query"}

	first, err := e.AnalyzeContext(ctx, req)
	require.NoError(t, err)
	assert.False(t, first.Cached)

	second, err := e.AnalyzeContext(ctx, req)
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, first.Scores, second.Scores)

	// mutating a returned analysis must not leak into the cache
	second.Scores[0].Total = -1
	third, err := e.AnalyzeContext(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first.Scores[0].Total, third.Scores[0].Total)

	clock.Advance(time.Minute + time.Millisecond)
	expired, err := e.AnalyzeContext(ctx, req)
	require.NoError(t, err)
	assert.False(t, expired.Cached)

	assert.Equal(t, 1, e.InvalidateAnalyses())
}

func TestScorePersona(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	ctx := context.Background()

	s, err := e.ScorePersona(ctx, Request{
		Command: "optimize",
		Content: "the api has a latency bottleneck",
		System:  &SystemMetrics{CPUPercent: 95},
	}, Performance)
	require.NoError(t, err)
	assert.InDelta(t, 0.9, s.Breakdown.Performance, 1e-9)
	assert.InDelta(t, 0.4, s.Breakdown.Context, 1e-9) // verb + domain
	assert.InDelta(t, NeutralHistoryScore, s.Breakdown.History, 1e-9)
	assert.InDelta(t, 4.0/14.0, s.Breakdown.Keyword, 1e-9)

	_, err = e.ScorePersona(ctx, Request{}, Name("wizard"))
	var unknown *UnknownPersonaError
	assert.ErrorAs(t, err, &unknown)
}

func TestScorePersona_SystemProvider(t *testing.T) {
	e, _ := newTestEngine(t, func(o *Options) {
		o.System = func() *SystemMetrics { return &SystemMetrics{ErrorRate: 0.2} }
	})
	s, err := e.ScorePersona(context.Background(), Request{Content: "x"}, Analyzer)
	require.NoError(t, err)
	assert.InDelta(t, 0.8, s.Breakdown.Performance, 1e-9)
}

func TestWeigh_Synergy(t *testing.T) {
	total, conf := weigh(Breakdown{Keyword: 0.9, Context: 0.9, History: 0.5, Performance: 0.5})
	assert.InDelta(t, 0.78, total, 1e-9)
	assert.InDelta(t, 0.88, conf, 1e-9)

	total, conf = weigh(Breakdown{Keyword: 0.75, Context: 0.75, History: 0.5, Performance: 0.5})
	assert.InDelta(t, 0.675, total, 1e-9)
	assert.InDelta(t, 0.725, conf, 1e-9)

	total, conf = weigh(Breakdown{Keyword: 1, Context: 1, History: 1, Performance: 1})
	assert.InDelta(t, 1.0, total, 1e-9)
	assert.Equal(t, 1.0, conf)
}

func TestKeywordScore_LongKeywordsWeighDouble(t *testing.T) {
	p := Profile{Keywords: []string{"api", "database"}}
	assert.InDelta(t, 1.0/3.0, keywordScore(p, "an api"), 1e-9)
	assert.InDelta(t, 2.0/3.0, keywordScore(p, "a database"), 1e-9)
	assert.Zero(t, keywordScore(Profile{}, "anything"))
}

func TestHistoryScore_Decay(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	window := 30 * 24 * time.Hour

	assert.Equal(t, NeutralHistoryScore, historyScore(Preference{}, false, now, window))
	assert.InDelta(t, 1.0, historyScore(Preference{Score: 1, UpdatedAt: now}, true, now, window), 1e-9)
	assert.InDelta(t, 0.5, historyScore(Preference{Score: 1, UpdatedAt: now.Add(-15 * 24 * time.Hour)}, true, now, window), 1e-9)
	assert.Zero(t, historyScore(Preference{Score: 1, UpdatedAt: now.Add(-31 * 24 * time.Hour)}, true, now, window))
}

func TestDetermineAutoActivation_Threshold(t *testing.T) {
	at := &Analysis{Scores: []Score{{Persona: Architect, Confidence: 0.7}}}
	d := DetermineAutoActivation(at, 0.7)
	assert.True(t, d.AutoActivate)
	assert.Equal(t, Architect, d.Persona)

	below := &Analysis{Scores: []Score{{Persona: Architect, Confidence: 0.699}, {Persona: Security, Confidence: 0.5}}}
	d = DetermineAutoActivation(below, 0.7)
	assert.False(t, d.AutoActivate)
	assert.Equal(t, []string{"--persona-architect", "--persona-security"}, d.SuggestedFlags)
	assert.Contains(t, d.Reasoning, "below threshold")

	assert.False(t, DetermineAutoActivation(&Analysis{}, 0.7).AutoActivate)
}

func TestActivate_ExplicitFlagRecordsAndPublishes(t *testing.T) {
	bus := hooks.NewEventBus()
	defer bus.Shutdown()
	history := NewMemoryHistory()
	e, clock := newTestEngine(t, func(o *Options) {
		o.Bus = bus
		o.History = history
	})

	var got []*hooks.Notification
	bus.Subscribe(hooks.EventPersonaActivated, func(n *hooks.Notification) { got = append(got, n) })

	ctx := context.Background()
	_, d, err := e.Activate(ctx, Request{UserID: "u1", Content: "review this", Flags: []string{"--persona-security"}})
	require.NoError(t, err)
	assert.True(t, d.AutoActivate)
	assert.True(t, d.Explicit)
	assert.Equal(t, Security, d.Persona)

	require.Len(t, got, 1)
	assert.Equal(t, "security", got[0].Operation)
	assert.Equal(t, true, got[0].Data["explicit"])

	pref, found, err := history.Preference(ctx, "u1", Security)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, clock.Now(), pref.UpdatedAt)

	stats := e.Stats()
	assert.Equal(t, int64(1), stats.ActivationCount)
	assert.Equal(t, int64(1), stats.AutoActivations)

	_, _, err = e.Activate(ctx, Request{Flags: []string{"--persona-wizard"}})
	var unknown *UnknownPersonaError
	assert.ErrorAs(t, err, &unknown)
}

func TestActivate_BelowThresholdDoesNotRecord(t *testing.T) {
	history := NewMemoryHistory()
	e, _ := newTestEngine(t, func(o *Options) { o.History = history })

	_, d, err := e.Activate(context.Background(), Request{UserID: "u1", Content: "hello"})
	require.NoError(t, err)
	assert.False(t, d.AutoActivate)

	_, found, err := history.Preference(context.Background(), "u1", d.Persona)
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, int64(0), e.Stats().AutoActivations)
}

func TestActivate_HistoryRaisesScore(t *testing.T) {
	history := NewMemoryHistory()
	e, clock := newTestEngine(t, func(o *Options) { o.History = history })
	ctx := context.Background()
	require.NoError(t, history.Record(ctx, Preference{UserID: "u1", Persona: Scribe, Score: 1, UpdatedAt: clock.Now()}))

	with, err := e.ScorePersona(ctx, Request{UserID: "u1", Content: "x"}, Scribe)
	require.NoError(t, err)
	without, err := e.ScorePersona(ctx, Request{UserID: "u2", Content: "x"}, Scribe)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, with.Breakdown.History, 1e-9)
	assert.InDelta(t, without.Total+0.1, with.Total, 1e-9)
}

func TestSetThreshold(t *testing.T) {
	e, _ := newTestEngine(t, func(o *Options) { o.Threshold = 0.8 })
	assert.Equal(t, 0.8, e.Threshold())
	e.SetThreshold(1.5)
	assert.Equal(t, DefaultThreshold, e.Threshold())
}

func TestNewEngine_InvalidRules(t *testing.T) {
	_, err := NewEngine(Options{SweepInterval: -1, Rules: []config.CombinationRule{{Name: "bad", Condition: "Domain =="}}})
	assert.ErrorContains(t, err, "combination rule bad")

	_, err = NewEngine(Options{SweepInterval: -1, Rules: []config.CombinationRule{{Name: "who", Condition: "true", Personas: []string{"wizard"}}}})
	var unknown *UnknownPersonaError
	assert.ErrorAs(t, err, &unknown)
}

func TestConfiguredRule(t *testing.T) {
	e, _ := newTestEngine(t, func(o *Options) {
		o.Rules = []config.CombinationRule{{
			Name:      "docs-for-apis",
			Condition: `Domain == "backend" && "documentation" in Domains`,
			Personas:  []string{"backend", "scribe"},
			Reason:    "public api needs docs",
		}}
	})
	a, err := e.AnalyzeContext(context.Background(), Request{Content: "write a readme for the api endpoint", Language: "go"})
	require.NoError(t, err)

	var found bool
	for _, o := range a.Collaboration {
		if o.Rule == "docs-for-apis" {
			found = true
			assert.Equal(t, []Name{Backend, Scribe}, o.Personas)
		}
	}
	assert.True(t, found)
}

func TestRegistry_Overrides(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "security.yaml"), []byte("priority: 9\nkeywords:\n  - Pentest\n  - threat\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "mentor.yml"), []byte("replace: true\nverbs: [coach]\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "wizard.yaml"), []byte("priority: 1\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "qa.yaml"), []byte("keywords: [unclosed\n"), 0o644))

	r := NewRegistry()
	n, err := r.LoadOverrides(dir)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	sec, err := r.Get(Security)
	require.NoError(t, err)
	assert.Equal(t, 9, sec.Priority)
	assert.Contains(t, sec.Keywords, "pentest")
	assert.Len(t, sec.Keywords, len(DefaultProfiles()[Security].Keywords)+1)

	mentor, err := r.Get(Mentor)
	require.NoError(t, err)
	assert.Equal(t, []string{"coach"}, mentor.Verbs)

	n, err = r.LoadOverrides(filepath.Join(dir, "missing"))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRegistry_HierarchyFor(t *testing.T) {
	r := NewRegistry()
	assert.Equal(t, []Name{Security, Backend, Frontend}, r.HierarchyFor(DomainSecurity, []Name{Frontend, Backend, Security}))
	// personas outside the table follow by priority
	assert.Equal(t, []Name{Analyzer, Mentor}, r.HierarchyFor(DomainGeneral, []Name{Mentor, Analyzer}))
}

func TestParse(t *testing.T) {
	n, err := Parse(" Architect ")
	require.NoError(t, err)
	assert.Equal(t, Architect, n)
	_, err = Parse("wizard")
	assert.Error(t, err)
	assert.Len(t, All(), 11)
	assert.Len(t, DefaultProfiles(), 11)
}
