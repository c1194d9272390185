package collab

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/traylinx/hookbridge/internal/breaker"
	"github.com/traylinx/hookbridge/internal/cache"
	"github.com/traylinx/hookbridge/internal/hooks"
	"github.com/traylinx/hookbridge/internal/logging"
	"github.com/traylinx/hookbridge/internal/perf"
	"github.com/traylinx/hookbridge/internal/persona"
)

// Mode is how personas collaborate.
type Mode string

const (
	ModeParallel     Mode = "parallel"
	ModeSequential   Mode = "sequential"
	ModeHierarchical Mode = "hierarchical"
)

// ParseMode converts s to a Mode.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeParallel, ModeSequential, ModeHierarchical:
		return m, nil
	case "":
		return ModeParallel, nil
	}
	return "", fmt.Errorf("unknown collaboration mode %q", s)
}

// Task is the operation personas collaborate on.
type Task struct {
	Operation string         `json:"operation"`
	Domain    persona.Domain `json:"domain,omitempty"`
	Shared    map[string]any `json:"shared,omitempty"`
}

// Synthesis merges the successful results of a collaboration.
type Synthesis struct {
	Recommendations []string `json:"recommendations"`
	Insights        []string `json:"insights"`
	ActionItems     []string `json:"actionItems"`
	Confidence      float64  `json:"confidence"`
	Successful      int      `json:"successful"`
	Failed          int      `json:"failed"`
}

// Outcome is the result of CoordinatePersonas.
type Outcome struct {
	ID        string        `json:"id"`
	Mode      Mode          `json:"mode"`
	Operation string        `json:"operation"`
	Results   []Result      `json:"results"`
	Conflicts []Resolution  `json:"conflicts,omitempty"`
	Synthesis Synthesis     `json:"synthesis"`
	Duration  time.Duration `json:"duration"`
}

// Options configures a Coordinator.
type Options struct {
	Registry  *persona.Registry
	Behaviors []Behavior
	// MaxParallel bounds concurrently running personas. Zero means 4.
	MaxParallel int
	// MinCompatibility is the compatibility at or below which expertise
	// sharing is rejected. Zero means 0.6.
	MinCompatibility float64
	// PreservationTarget is the monitored chain preservation threshold.
	PreservationTarget float64
	// ResultTTL caches parallel-mode results per persona and operation.
	// Zero disables caching.
	ResultTTL time.Duration
	Breakers  *breaker.Registry
	Tracker   *perf.Tracker
	Bus       *hooks.EventBus
	Now       func() time.Time
}

// Stats are the collaboration counters exported to health snapshots.
type Stats struct {
	Collaborations    int64 `json:"collaborationCount"`
	ChainExecutions   int64 `json:"chainExecutions"`
	ExpertiseShared   int64 `json:"expertiseShared"`
	ExpertiseRejected int64 `json:"expertiseRejected"`
	Failures          int64 `json:"failures"`
}

// Coordinator runs personas together.
type Coordinator struct {
	registry           *persona.Registry
	maxParallel        int
	minCompatibility   float64
	preservationTarget float64
	resultTTL          time.Duration
	breakers           *breaker.Registry
	tracker            *perf.Tracker
	bus                *hooks.EventBus
	now                func() time.Time

	mu        sync.RWMutex
	behaviors map[persona.Name]Behavior

	results *cache.TTLCache[Result]

	collaborations atomic.Int64
	chains         atomic.Int64
	shared         atomic.Int64
	rejected       atomic.Int64
	failures       atomic.Int64
}

// NewCoordinator creates a coordinator. Without behaviors the built-in
// behavior of every persona is registered.
func NewCoordinator(opts Options) *Coordinator {
	if opts.Registry == nil {
		opts.Registry = persona.NewRegistry()
	}
	if opts.MaxParallel <= 0 {
		opts.MaxParallel = 4
	}
	if opts.MinCompatibility <= 0 {
		opts.MinCompatibility = 0.6
	}
	if opts.PreservationTarget <= 0 {
		opts.PreservationTarget = 0.95
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Behaviors == nil {
		opts.Behaviors = DefaultBehaviors()
	}
	c := &Coordinator{
		registry:           opts.Registry,
		maxParallel:        opts.MaxParallel,
		minCompatibility:   opts.MinCompatibility,
		preservationTarget: opts.PreservationTarget,
		resultTTL:          opts.ResultTTL,
		breakers:           opts.Breakers,
		tracker:            opts.Tracker,
		bus:                opts.Bus,
		now:                opts.Now,
		behaviors:          make(map[persona.Name]Behavior),
		results: cache.New[Result](cache.Options{
			Name:          "persona-results",
			MaxSize:       256,
			TTL:           opts.ResultTTL,
			SweepInterval: -1,
			Now:           opts.Now,
		}),
	}
	for _, b := range opts.Behaviors {
		c.Register(b)
	}
	return c
}

// Register adds or replaces the behavior of a persona.
func (c *Coordinator) Register(b Behavior) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.behaviors[b.Persona()] = b
	c.results.Invalidate(string(b.Persona()) + "|")
}

func (c *Coordinator) behavior(name persona.Name) (Behavior, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	b, ok := c.behaviors[name]
	return b, ok
}

// SetMinCompatibility changes the expertise sharing threshold.
func (c *Coordinator) SetMinCompatibility(v float64) {
	if v <= 0 || v > 1 {
		return
	}
	c.mu.Lock()
	c.minCompatibility = v
	c.mu.Unlock()
}

// MinCompatibility returns the expertise sharing threshold.
func (c *Coordinator) MinCompatibility() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.minCompatibility
}

// Stats returns the collaboration counters.
func (c *Coordinator) Stats() Stats {
	return Stats{
		Collaborations:    c.collaborations.Load(),
		ChainExecutions:   c.chains.Load(),
		ExpertiseShared:   c.shared.Load(),
		ExpertiseRejected: c.rejected.Load(),
		Failures:          c.failures.Load(),
	}
}

// Close releases the result cache.
func (c *Coordinator) Close() {
	c.results.Close()
}

// CoordinatePersonas runs personas on task in mode, resolves conflicts
// between their recommendations and synthesizes the results. A failing
// persona is recorded in its result and never aborts the others.
func (c *Coordinator) CoordinatePersonas(ctx context.Context, personas []persona.Name, task Task, mode Mode) (*Outcome, error) {
	if len(personas) == 0 {
		return nil, errors.New("no personas to coordinate")
	}
	for _, p := range personas {
		if _, ok := c.behavior(p); !ok {
			return nil, &persona.UnknownPersonaError{Name: string(p)}
		}
	}
	if task.Domain == "" {
		task.Domain = c.domainOf(task.Operation)
	}

	start := c.now()
	out := &Outcome{ID: uuid.NewString(), Mode: mode, Operation: task.Operation}
	switch mode {
	case ModeParallel:
		out.Results = c.runParallel(ctx, personas, task)
	case ModeSequential:
		out.Results = c.runSequential(ctx, personas, task, false)
	case ModeHierarchical:
		ordered := c.registry.HierarchyFor(task.Domain, personas)
		out.Results = c.runSequential(ctx, ordered, task, true)
	default:
		return nil, fmt.Errorf("unknown collaboration mode %q", mode)
	}

	for _, conflict := range DetectConflicts(task.Operation, out.Results) {
		out.Conflicts = append(out.Conflicts, Resolve(c.registry, conflict))
	}
	out.Synthesis = synthesize(out.Results, out.Conflicts)
	out.Duration = c.now().Sub(start)
	c.collaborations.Add(1)

	logging.FromContext(ctx).WithFields(log.Fields{
		"mode":      mode,
		"operation": task.Operation,
		"personas":  len(personas),
		"conflicts": len(out.Conflicts),
	}).Debug("persona collaboration finished")
	return out, nil
}

// domainOf derives a domain from operation text using the profile keywords.
func (c *Coordinator) domainOf(operation string) persona.Domain {
	op := strings.ToLower(operation)
	for _, p := range c.registry.Profiles() {
		if strings.Contains(op, string(p.Domain)) {
			return p.Domain
		}
		for _, k := range p.Keywords {
			if strings.Contains(op, k) {
				return p.Domain
			}
		}
	}
	return persona.DomainGeneral
}

func (c *Coordinator) runParallel(ctx context.Context, personas []persona.Name, task Task) []Result {
	results := make([]Result, len(personas))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.maxParallel)
	for i, p := range personas {
		g.Go(func() error {
			key := fmt.Sprintf("%s|%s|%s", p, task.Operation, task.Domain)
			if c.resultTTL > 0 {
				if r, ok := c.results.Get(key); ok {
					results[i] = r
					return nil
				}
			}
			bctx := &Context{Operation: task.Operation, Domain: task.Domain, Shared: copyShared(task.Shared)}
			results[i] = c.invoke(gctx, p, bctx)
			if c.resultTTL > 0 && results[i].Success {
				c.results.Set(key, results[i])
			}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (c *Coordinator) runSequential(ctx context.Context, personas []persona.Name, task Task, hierarchical bool) []Result {
	results := make([]Result, 0, len(personas))
	shared := copyShared(task.Shared)
	for i, p := range personas {
		bctx := &Context{
			Operation: task.Operation,
			Domain:    task.Domain,
			Step:      i,
			History:   append([]Result(nil), results...),
			Shared:    shared,
		}
		if hierarchical {
			for _, r := range results {
				if r.Success {
					bctx.HierarchicalInput = append(bctx.HierarchicalInput, r)
				}
			}
		}
		r := c.invoke(ctx, p, bctx)
		if r.Success {
			shared[string(p)] = r.Recommendations
		}
		results = append(results, r)
	}
	return results
}

// invoke runs one persona behavior, guarded by its breaker and timed. The
// returned result is tagged with the persona whatever happens.
func (c *Coordinator) invoke(ctx context.Context, p persona.Name, bctx *Context) Result {
	b, _ := c.behavior(p)
	op := "persona." + string(p)
	start := time.Now()

	var timer perf.TimerID
	if c.tracker != nil {
		timer = c.tracker.StartTimer(op)
	}
	apply := func(ctx context.Context) (Result, error) {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		return b.ApplyBehavior(ctx, bctx)
	}

	var (
		r   Result
		err error
	)
	if c.breakers != nil {
		r, err = breaker.Execute(ctx, c.breakers, op, apply)
	} else {
		r, err = safeApply(ctx, apply)
	}
	if c.tracker != nil {
		_, _ = c.tracker.EndTimer(timer, err != nil)
	}

	if err != nil {
		c.failures.Add(1)
		logging.FromContext(ctx).WithField("persona", p).Warnf("persona behavior failed: %v", err)
		r = Result{Error: err.Error(), Skipped: errors.Is(err, breaker.ErrCircuitOpen)}
	} else if !r.Success && r.Error == "" {
		r.Success = true
	}
	r.Persona = p
	r.Duration = time.Since(start)
	return r
}

func safeApply(ctx context.Context, fn func(context.Context) (Result, error)) (r Result, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic in persona behavior: %v", p)
		}
	}()
	return fn(ctx)
}

func copyShared(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// synthesize merges successful results. Recommendations that lost a
// conflict are dropped; the confidence is the mean over successes.
func synthesize(results []Result, resolutions []Resolution) Synthesis {
	rejected := make(map[string]bool)
	for _, res := range resolutions {
		for _, o := range res.Conflict.Options {
			if o.Term != res.Chosen.Term {
				rejected[o.Recommendation] = true
			}
		}
	}

	var s Synthesis
	seen := make(map[string]bool)
	add := func(dst *[]string, items []string, prefix string) {
		for _, it := range items {
			k := prefix + strings.ToLower(strings.TrimSpace(it))
			if !seen[k] {
				seen[k] = true
				*dst = append(*dst, it)
			}
		}
	}
	sum := 0.0
	for _, r := range results {
		if !r.Success {
			s.Failed++
			continue
		}
		s.Successful++
		sum += r.Confidence
		for _, rec := range r.Recommendations {
			if !rejected[rec] {
				add(&s.Recommendations, []string{rec}, "r:")
			}
		}
		add(&s.Insights, r.Insights, "i:")
		add(&s.ActionItems, r.ActionItems, "a:")
	}
	if s.Successful > 0 {
		s.Confidence = sum / float64(s.Successful)
	}
	return s
}
