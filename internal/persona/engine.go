// Copyright 2026 The switchAILocal Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package persona

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"slices"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/traylinx/hookbridge/internal/cache"
	"github.com/traylinx/hookbridge/internal/config"
	"github.com/traylinx/hookbridge/internal/hooks"
	"github.com/traylinx/hookbridge/internal/logging"
)

const (
	// DefaultThreshold is the confidence at which a persona auto-activates.
	DefaultThreshold = 0.7
	// DefaultHistoryWindow is the decay window of user preferences.
	DefaultHistoryWindow = 30 * 24 * time.Hour
	// DefaultAnalysisTTL is how long context analyses are cached.
	DefaultAnalysisTTL = 5 * time.Minute

	topPersonas   = 3
	contentPrefix = 200
)

// Options configures an Engine.
type Options struct {
	Registry      *Registry
	History       HistoryStore
	Threshold     float64
	HistoryWindow time.Duration
	CacheTTL      time.Duration
	CacheSize     int
	// SweepInterval of the analysis cache; negative disables the sweeper.
	SweepInterval time.Duration
	// Rules extend DefaultCombinationRules.
	Rules []config.CombinationRule
	// System supplies load snapshots for requests without one.
	System func() *SystemMetrics
	Bus    *hooks.EventBus
	Now    func() time.Time
}

// Stats are the activation counters exported to health snapshots.
type Stats struct {
	ActivationCount       int64         `json:"activationCount"`
	AutoActivations       int64         `json:"autoActivations"`
	AverageActivationTime time.Duration `json:"averageActivationTime"`
}

// Engine scores requests against personas and decides activation.
type Engine struct {
	registry *Registry
	history  HistoryStore
	window   time.Duration
	rules    []compiledRule
	system   func() *SystemMetrics
	bus      *hooks.EventBus
	now      func() time.Time

	threshold atomic.Uint64 // math.Float64bits

	analyses *cache.TTLCache[*Analysis]
	group    singleflight.Group

	activations    atomic.Int64
	autoActivated  atomic.Int64
	activationTime atomic.Int64

	closeOnce sync.Once
}

// NewEngine creates an activation engine.
//
// Parameters:
//   - opts: Profiles, history store, thresholds and combination rules
//
// Returns:
//   - *Engine: An engine ready for use. Call Close to release the cache.
//   - error: A combination rule failed to compile
func NewEngine(opts Options) (*Engine, error) {
	if opts.Registry == nil {
		opts.Registry = NewRegistry()
	}
	if opts.History == nil {
		opts.History = NewMemoryHistory()
	}
	if opts.HistoryWindow <= 0 {
		opts.HistoryWindow = DefaultHistoryWindow
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = DefaultAnalysisTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	rules, err := compileRules(append(DefaultCombinationRules(), opts.Rules...))
	if err != nil {
		return nil, err
	}

	e := &Engine{
		registry: opts.Registry,
		history:  opts.History,
		window:   opts.HistoryWindow,
		rules:    rules,
		system:   opts.System,
		bus:      opts.Bus,
		now:      opts.Now,
		analyses: cache.New[*Analysis](cache.Options{
			Name:          "persona-analysis",
			MaxSize:       opts.CacheSize,
			TTL:           opts.CacheTTL,
			SweepInterval: opts.SweepInterval,
			Now:           opts.Now,
		}),
	}
	e.SetThreshold(opts.Threshold)
	return e, nil
}

// Registry returns the profile registry.
func (e *Engine) Registry() *Registry { return e.registry }

// Threshold returns the auto-activation threshold.
func (e *Engine) Threshold() float64 {
	return math.Float64frombits(e.threshold.Load())
}

// SetThreshold changes the auto-activation threshold. Values outside (0,1]
// reset it to DefaultThreshold.
func (e *Engine) SetThreshold(t float64) {
	if t <= 0 || t > 1 {
		t = DefaultThreshold
	}
	e.threshold.Store(math.Float64bits(t))
}

// ScorePersona scores one persona against req.
func (e *Engine) ScorePersona(ctx context.Context, req Request, name Name) (Score, error) {
	p, err := e.registry.Get(name)
	if err != nil {
		return Score{}, err
	}
	e.fillSystem(&req)
	return e.score(ctx, &req, p, e.registry.extract(&req)), nil
}

func (e *Engine) score(ctx context.Context, req *Request, p Profile, s signals) Score {
	b := Breakdown{
		Keyword:     keywordScore(p, s.content),
		Context:     contextScore(p, s),
		History:     NeutralHistoryScore,
		Performance: performanceScore(p.Name, req.System),
	}
	if req.UserID != "" {
		pref, found, err := e.history.Preference(ctx, req.UserID, p.Name)
		if err != nil {
			logging.FromContext(ctx).WithField("persona", p.Name).Warnf("persona history unavailable: %v", err)
		} else {
			b.History = historyScore(pref, found, e.now(), e.window)
		}
	}
	total, confidence := weigh(b)
	return Score{Persona: p.Name, Total: total, Confidence: confidence, Breakdown: b}
}

func (e *Engine) fillSystem(req *Request) {
	if req.System == nil && e.system != nil {
		req.System = e.system()
	}
}

// Opportunity suggests personas that should collaborate on a request.
type Opportunity struct {
	Rule     string `json:"rule"`
	Personas []Name `json:"personas"`
	Reason   string `json:"reason"`
}

// Analysis is the result of analyzing a request.
type Analysis struct {
	Domain        Domain        `json:"primaryDomain"`
	Domains       []Domain      `json:"domains"`
	Complexity    float64       `json:"complexity"`
	Intent        string        `json:"intent"`
	Collaboration []Opportunity `json:"collaborationOpportunities"`
	// Scores holds the top three personas by total score.
	Scores    []Score   `json:"scores"`
	Flags     []string  `json:"flags,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	Cached    bool      `json:"cached"`
}

func (a *Analysis) clone() *Analysis {
	c := *a
	c.Domains = append([]Domain(nil), a.Domains...)
	c.Scores = append([]Score(nil), a.Scores...)
	c.Flags = append([]string(nil), a.Flags...)
	c.Collaboration = make([]Opportunity, len(a.Collaboration))
	for i, o := range a.Collaboration {
		o.Personas = append([]Name(nil), o.Personas...)
		c.Collaboration[i] = o
	}
	return &c
}

// AnalyzeContext analyzes req: primary domain, complexity, intent,
// collaboration opportunities and the top three personas. Results are
// cached per request fingerprint; concurrent identical requests share one
// computation.
func (e *Engine) AnalyzeContext(ctx context.Context, req Request) (*Analysis, error) {
	key, err := fingerprint(req)
	if err != nil {
		return nil, err
	}
	if a, ok := e.analyses.Get(key); ok {
		c := a.clone()
		c.Cached = true
		return c, nil
	}

	v, err, _ := e.group.Do(key, func() (any, error) {
		// detached so one caller's cancellation does not fail the others
		a := e.analyze(context.WithoutCancel(ctx), req)
		e.analyses.Set(key, a)
		return a, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Analysis).clone(), nil
}

func (e *Engine) analyze(ctx context.Context, req Request) *Analysis {
	e.fillSystem(&req)
	s := e.registry.extract(&req)
	profiles := e.registry.Profiles()

	scores := make([]Score, 0, len(profiles))
	for _, p := range profiles {
		scores = append(scores, e.score(ctx, &req, p, s))
	}
	// profiles are in declaration order, so a stable sort breaks ties by it
	sort.SliceStable(scores, func(i, j int) bool { return scores[i].Total > scores[j].Total })
	if len(scores) > topPersonas {
		scores = scores[:topPersonas]
	}

	a := &Analysis{
		Domain:     s.domain,
		Domains:    contentDomains(profiles, s.content),
		Complexity: complexity(s, req),
		Intent:     intent(s),
		Scores:     scores,
		Flags:      append([]string(nil), req.Flags...),
		CreatedAt:  e.now(),
	}
	if s.domain != DomainGeneral && !slices.Contains(a.Domains, s.domain) {
		a.Domains = append([]Domain{s.domain}, a.Domains...)
	}
	a.Collaboration = e.opportunities(a, s)
	return a
}

func (e *Engine) opportunities(a *Analysis, s signals) []Opportunity {
	var out []Opportunity
	if len(a.Domains) >= 2 {
		var personas []Name
		names := make([]string, 0, len(a.Domains))
		for _, d := range a.Domains {
			names = append(names, string(d))
			for _, p := range e.registry.Profiles() {
				if p.Domain == d {
					personas = append(personas, p.Name)
				}
			}
		}
		out = append(out, Opportunity{
			Rule:     "multi-domain",
			Personas: personas,
			Reason:   "request spans domains: " + strings.Join(names, ", "),
		})
	}

	env := ruleEnv{
		Domain:     string(a.Domain),
		Complexity: a.Complexity,
		Intent:     a.Intent,
		Command:    s.command,
		Flags:      a.Flags,
	}
	for _, d := range a.Domains {
		env.Domains = append(env.Domains, string(d))
	}
	for _, sc := range a.Scores {
		env.Top = append(env.Top, string(sc.Persona))
	}
	return append(out, evaluateRules(e.rules, env)...)
}

// escalation flags and their complexity increments
var escalationFlags = map[string]float64{
	"--think":         0.1,
	"--think-hard":    0.2,
	"--ultrathink":    0.3,
	"--wave-mode":     0.2,
	"--delegate":      0.1,
	"--comprehensive": 0.15,
}

var complexityKeywords = []string{
	"complex", "enterprise", "distributed", "migration", "large-scale", "legacy", "concurrent", "multi-tenant",
}

func complexity(s signals, req Request) float64 {
	c := 0.5
	for _, f := range req.Flags {
		c += escalationFlags[strings.ToLower(f)]
	}
	for _, k := range complexityKeywords {
		if strings.Contains(s.content, k) {
			c += 0.05
		}
	}
	if len(req.Files) > 10 {
		c += 0.1
	}
	return clamp01(c)
}

var intentBuckets = []struct {
	intent string
	verbs  []string
}{
	{"create", []string{"create", "build", "implement", "add", "generate"}},
	{"analyze", []string{"analyze", "review", "investigate", "audit", "check"}},
	{"improve", []string{"improve", "optimize", "refactor", "cleanup", "fix"}},
	{"explain", []string{"explain", "document", "describe", "teach"}},
	{"deploy", []string{"deploy", "release", "provision"}},
	{"test", []string{"test", "validate", "verify"}},
}

func intent(s signals) string {
	text := s.command + " " + s.content
	for _, b := range intentBuckets {
		for _, v := range b.verbs {
			if containsWord(text, v) {
				return b.intent
			}
		}
	}
	return "general"
}

// fingerprint hashes the fields that determine an analysis.
func fingerprint(req Request) (string, error) {
	content := req.Content
	if r := []rune(content); len(r) > contentPrefix {
		content = string(r[:contentPrefix])
	}
	flags := append([]string(nil), req.Flags...)
	sort.Strings(flags)
	raw, err := json.Marshal(struct {
		User      string   `json:"u"`
		Command   string   `json:"c"`
		Content   string   `json:"p"`
		Flags     []string `json:"f"`
		Framework string   `json:"fw"`
		Language  string   `json:"l"`
		Files     int      `json:"n"`
	}{req.UserID, req.Command, content, flags, req.Framework, req.Language, len(req.Files)})
	if err != nil {
		return "", fmt.Errorf("fingerprint request: %w", err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// Decision is the outcome of the auto-activation check.
type Decision struct {
	AutoActivate   bool     `json:"autoActivate"`
	Persona        Name     `json:"persona,omitempty"`
	Confidence     float64  `json:"confidence"`
	Threshold      float64  `json:"threshold"`
	Explicit       bool     `json:"explicit,omitempty"`
	Reasoning      string   `json:"reasoning"`
	SuggestedFlags []string `json:"suggestedFlags,omitempty"`
}

// DetermineAutoActivation activates the top-ranked persona of a iff its
// confidence is at least threshold.
func DetermineAutoActivation(a *Analysis, threshold float64) Decision {
	d := Decision{Threshold: threshold}
	if a == nil || len(a.Scores) == 0 {
		d.Reasoning = "no persona candidates"
		return d
	}
	top := a.Scores[0]
	d.Persona = top.Persona
	d.Confidence = top.Confidence
	if top.Confidence >= threshold {
		d.AutoActivate = true
		d.Reasoning = fmt.Sprintf("%s confidence %.2f meets threshold %.2f", top.Persona, top.Confidence, threshold)
		return d
	}
	d.Reasoning = fmt.Sprintf("%s confidence %.2f is below threshold %.2f; manual selection recommended",
		top.Persona, top.Confidence, threshold)
	for _, s := range a.Scores {
		d.SuggestedFlags = append(d.SuggestedFlags, "--persona-"+string(s.Persona))
	}
	return d
}

// explicitPersona returns the persona named by a --persona-<name> flag.
func explicitPersona(flags []string) (Name, bool, error) {
	for _, f := range flags {
		if rest, ok := strings.CutPrefix(strings.ToLower(f), "--persona-"); ok {
			n, err := Parse(rest)
			if err != nil {
				return "", true, err
			}
			return n, true, nil
		}
	}
	return "", false, nil
}

// Activate analyzes req and applies the activation decision. An explicit
// --persona-<name> flag overrides scoring. Activated personas are recorded
// in the user's history and announced on the event bus.
func (e *Engine) Activate(ctx context.Context, req Request) (*Analysis, Decision, error) {
	start := time.Now()
	defer func() {
		e.activations.Add(1)
		e.activationTime.Add(int64(time.Since(start)))
	}()

	forced, explicit, err := explicitPersona(req.Flags)
	if err != nil {
		return nil, Decision{}, err
	}
	a, err := e.AnalyzeContext(ctx, req)
	if err != nil {
		return nil, Decision{}, err
	}

	var d Decision
	if explicit {
		sc, err := e.ScorePersona(ctx, req, forced)
		if err != nil {
			return nil, Decision{}, err
		}
		d = Decision{
			AutoActivate: true,
			Persona:      forced,
			Confidence:   sc.Confidence,
			Threshold:    e.Threshold(),
			Explicit:     true,
			Reasoning:    fmt.Sprintf("%s requested by flag", forced),
		}
	} else {
		d = DetermineAutoActivation(a, e.Threshold())
	}
	if !d.AutoActivate {
		return a, d, nil
	}

	e.autoActivated.Add(1)
	entry := logging.FromContext(ctx).WithFields(log.Fields{"persona": d.Persona, "confidence": d.Confidence})
	entry.Debug("persona activated")
	if req.UserID != "" {
		pref := Preference{UserID: req.UserID, Persona: d.Persona, Score: d.Confidence, UpdatedAt: e.now()}
		if err := e.history.Record(ctx, pref); err != nil {
			entry.Warnf("failed to record persona preference: %v", err)
		}
	}
	if e.bus != nil {
		e.bus.Publish(&hooks.Notification{
			Event:     hooks.EventPersonaActivated,
			Timestamp: e.now(),
			Operation: string(d.Persona),
			Data: map[string]any{
				"persona":    string(d.Persona),
				"confidence": d.Confidence,
				"explicit":   d.Explicit,
				"domain":     string(a.Domain),
			},
		})
	}
	return a, d, nil
}

// InvalidateAnalyses drops cached analyses, e.g. after profile changes.
func (e *Engine) InvalidateAnalyses() int {
	return e.analyses.Invalidate("")
}

// Stats returns the activation counters.
func (e *Engine) Stats() Stats {
	s := Stats{
		ActivationCount: e.activations.Load(),
		AutoActivations: e.autoActivated.Load(),
	}
	if s.ActivationCount > 0 {
		s.AverageActivationTime = time.Duration(e.activationTime.Load() / s.ActivationCount)
	}
	return s
}

// Close stops the analysis cache sweeper and closes the history store.
func (e *Engine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		e.analyses.Close()
		err = e.history.Close()
	})
	return err
}
