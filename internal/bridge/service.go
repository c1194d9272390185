// Copyright 2026 The switchAILocal Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package bridge is the composition root of hookbridge. It wires the hook
// coordinator, the persona engine and the collaboration coordinator to one
// set of breakers, caches and trackers, and shapes every hook failure into
// a result with operator guidance.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/traylinx/hookbridge/internal/breaker"
	"github.com/traylinx/hookbridge/internal/cache"
	"github.com/traylinx/hookbridge/internal/collab"
	"github.com/traylinx/hookbridge/internal/config"
	"github.com/traylinx/hookbridge/internal/gates"
	"github.com/traylinx/hookbridge/internal/hooks"
	"github.com/traylinx/hookbridge/internal/logging"
	"github.com/traylinx/hookbridge/internal/perf"
	"github.com/traylinx/hookbridge/internal/persona"
)

// Options configures a Service.
type Options struct {
	Config *config.Config
	// ConfigFile is watched for changes when Watch is set.
	ConfigFile string
	Watch      bool
	// Files supplies file contents to the quality gates. Nil gives the
	// gates no content.
	Files gates.FileSource
	// Behaviors replace the built-in persona behaviors.
	Behaviors []collab.Behavior
	// History replaces the configured persona history store.
	History persona.HistoryStore
	Now     func() time.Time
}

// Service is the hookbridge core behind the HTTP and MCP surfaces.
type Service struct {
	now     func() time.Time
	started time.Time

	cfgMu sync.RWMutex
	cfg   *config.Config

	bus      *hooks.EventBus
	breakers *breaker.Registry
	tracker  *perf.Tracker
	domains  *cache.Domains
	results  *cache.TTLCache[*hooks.Result]
	hooks    *hooks.Coordinator
	gates    *gates.Runner
	router   *Router
	personas *persona.Engine
	collab   *collab.Coordinator
	alerts   *hooks.AlertManager
	watcher  *config.Watcher
	sampler  *sampler

	closeOnce sync.Once
}

// New builds a Service from opts.Config.
func New(ctx context.Context, opts Options) (*Service, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	s := &Service{now: opts.Now, started: opts.Now(), cfg: cfg}
	s.sampler = newSampler(opts.Now)

	s.bus = hooks.NewEventBus()
	s.breakers = breaker.NewRegistry(breaker.Options{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		RecoveryTimeout:  cfg.Breaker.RecoveryTimeout(),
		OnOpen: func(snap breaker.Snapshot) {
			s.bus.PublishAsync(&hooks.Notification{
				Event:     hooks.EventCircuitOpened,
				Timestamp: s.now(),
				Operation: snap.Operation,
				Data:      map[string]any{"failureCount": snap.FailureCount},
			})
		},
	})
	s.tracker = perf.New(trackerOptions(cfg))
	s.domains = cache.NewDomains(
		cache.Sizing{MaxSize: cfg.Cache.Semantic.MaxSize, TTL: cfg.Cache.Semantic.TTL()},
		cache.Sizing{MaxSize: cfg.Cache.LSP.MaxSize, TTL: cfg.Cache.LSP.TTL()},
		cfg.Cache.SweepInterval(),
	)
	s.results = cache.New[*hooks.Result](cache.Options{
		Name:          "hook-results",
		MaxSize:       cfg.Cache.HookResults.MaxSize,
		TTL:           cfg.Cache.HookResults.TTL(),
		SweepInterval: cfg.Cache.SweepInterval(),
	})
	s.router = NewRouter(s.breakers, cfg.Routing.Fallbacks)

	s.gates = gates.NewRunner(gates.Options{
		Timeout: cfg.Gates.Timeout(),
		Retries: cfg.Gates.Retries,
		Files:   opts.Files,
		Tracker: s.tracker,
	}, gates.Builtins()...)
	if dir := cfg.Gates.ScriptsDir; dir != "" {
		scripted, err := gates.LoadLuaDir(dir)
		if err != nil {
			s.closeCore()
			return nil, fmt.Errorf("load gate scripts: %w", err)
		}
		for _, g := range scripted {
			s.gates.Register(g)
		}
	}

	s.hooks = hooks.NewCoordinator(hooks.CoordinatorOptions{
		Breakers: s.breakers,
		Tracker:  s.tracker,
		Results:  s.results,
		Bus:      s.bus,
		Policies: hooks.PoliciesFromConfig(cfg.Hooks),
	})
	hooks.RegisterBuiltins(s.hooks, hooks.BuiltinDeps{
		Gates:   s.gates,
		Router:  s.router,
		Domains: s.domains,
		Tracker: s.tracker,
	})

	registry := persona.NewRegistry()
	if dir := cfg.Personas.ProfilesDir; dir != "" {
		n, err := registry.LoadOverrides(dir)
		if err != nil {
			s.closeCore()
			return nil, fmt.Errorf("load persona overrides: %w", err)
		}
		log.Infof("applied %d persona profile overrides from %s", n, dir)
	}
	history := opts.History
	if history == nil {
		var err error
		if history, err = openHistory(ctx, cfg.Personas); err != nil {
			s.closeCore()
			return nil, err
		}
	}
	engine, err := persona.NewEngine(persona.Options{
		Registry:      registry,
		History:       history,
		Threshold:     cfg.Personas.AutoActivationThreshold,
		HistoryWindow: cfg.Personas.HistoryWindow(),
		CacheTTL:      cfg.Personas.AnalysisCacheTTL(),
		CacheSize:     cfg.Personas.AnalysisCacheSize,
		SweepInterval: cfg.Cache.SweepInterval(),
		Rules:         cfg.Personas.CombinationRules,
		System:        s.systemMetrics,
		Bus:           s.bus,
		Now:           opts.Now,
	})
	if err != nil {
		_ = history.Close()
		s.closeCore()
		return nil, fmt.Errorf("create persona engine: %w", err)
	}
	s.personas = engine

	s.collab = collab.NewCoordinator(collab.Options{
		Registry:           registry,
		Behaviors:          opts.Behaviors,
		MaxParallel:        cfg.Collaboration.MaxParallel,
		MinCompatibility:   cfg.Collaboration.MinCompatibility,
		PreservationTarget: cfg.Collaboration.PreservationTarget,
		ResultTTL:          cfg.Collaboration.BehaviorCacheTTL(),
		Breakers:           s.breakers,
		Tracker:            s.tracker,
		Bus:                s.bus,
		Now:                opts.Now,
	})

	if dir := cfg.Alerts.RulesDir; dir != "" {
		s.alerts = hooks.NewAlertManager(dir, s.bus, s.breakers)
		if err := s.alerts.LoadRules(); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("load alert rules: %w", err)
		}
		s.alerts.Subscribe()
		if cfg.Alerts.Watch {
			if err := s.alerts.StartWatcher(); err != nil {
				log.Warnf("alert rules watcher disabled: %v", err)
			}
		}
	}

	if opts.Watch && opts.ConfigFile != "" {
		s.watcher = config.NewWatcher(opts.ConfigFile, s.Reload)
		if err := s.watcher.Start(); err != nil {
			log.Warnf("config watcher disabled: %v", err)
			s.watcher = nil
		}
	}

	log.WithFields(log.Fields{
		"hooks":    len(s.hooks.Registered()),
		"gates":    len(s.gates.Gates(hooks.PhasePre)) + len(s.gates.Gates(hooks.PhasePost)),
		"personas": len(persona.All()),
	}).Info("hookbridge service ready")
	return s, nil
}

func trackerOptions(cfg *config.Config) perf.Options {
	opts := perf.Options{
		Baselines:       make(map[string]time.Duration, len(cfg.Performance.BaselinesMs)),
		DefaultBaseline: msDuration(cfg.Performance.DefaultBaselineMs),
		Targets:         make(map[string]perf.Target, len(cfg.Performance.Targets)),
		Window:          time.Duration(cfg.Performance.WindowSeconds) * time.Second,
		MaxSamples:      cfg.Performance.MaxSamples,
		CleanupInterval: cfg.Performance.CleanupInterval(),
		TrackMemory:     cfg.Performance.TrackMemory,
	}
	for k, v := range cfg.Performance.BaselinesMs {
		opts.Baselines[k] = msDuration(v)
	}
	for op, t := range cfg.Performance.Targets {
		opts.Targets[op] = perf.Target{Time: msDuration(t.TimeMs), OptimizationFactor: t.OptimizationFactor}
	}
	return opts
}

func msDuration(ms float64) time.Duration {
	return time.Duration(ms * float64(time.Millisecond))
}

func openHistory(ctx context.Context, pc config.PersonaConfig) (persona.HistoryStore, error) {
	if pc.HistoryDB == "" {
		return persona.NewMemoryHistory(), nil
	}
	h, err := persona.OpenSQLiteHistory(ctx, pc.HistoryDB)
	if err != nil {
		return nil, fmt.Errorf("open persona history: %w", err)
	}
	if n, err := h.Prune(ctx, time.Now().Add(-pc.HistoryWindow())); err != nil {
		log.Warnf("failed to prune persona history: %v", err)
	} else if n > 0 {
		log.Infof("pruned %d expired persona preferences", n)
	}
	return h, nil
}

// Config returns the active configuration.
func (s *Service) Config() *config.Config {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return s.cfg
}

// Reload pushes hook budgets, breaker thresholds, routing and persona
// thresholds from cfg into the running components. Cache sizes and stores
// are fixed at startup.
func (s *Service) Reload(cfg *config.Config) {
	s.cfgMu.Lock()
	s.cfg = cfg
	s.cfgMu.Unlock()

	s.hooks.SetPolicies(hooks.PoliciesFromConfig(cfg.Hooks))
	s.breakers.SetThresholds(cfg.Breaker.FailureThreshold, cfg.Breaker.RecoveryTimeout())
	s.router.SetFallbacks(cfg.Routing.Fallbacks)
	opts := trackerOptions(cfg)
	s.tracker.SetBaselines(opts.Baselines, opts.DefaultBaseline)
	s.personas.SetThreshold(cfg.Personas.AutoActivationThreshold)
	s.collab.SetMinCompatibility(cfg.Collaboration.MinCompatibility)
	logging.SetDebug(cfg.Logging.Debug)
	log.Info("running components updated from configuration")
}

// Submit executes one hook. It never returns an error: failures are shaped
// into a failed result carrying operator guidance.
func (s *Service) Submit(ctx context.Context, hook string, hctx *hooks.Context) *hooks.Result {
	if hctx != nil && hctx.Metadata.CorrelationID != "" {
		ctx = logging.WithCorrelationID(ctx, hctx.Metadata.CorrelationID)
	}
	t, err := hooks.ParseHookType(hook)
	if err != nil {
		return s.failed(hooks.HookType(hook), &hooks.UnregisteredHookError{Hook: hooks.HookType(hook)})
	}
	res, err := s.hooks.ExecuteHook(ctx, t, hctx)
	if err != nil {
		return s.failed(t, err)
	}
	if res.Performance.BudgetExceeded {
		budget := s.hooks.Policy(t).Budget
		res.Guidance = Guidance(GuidancePerformanceDegraded, map[string]string{
			"elapsed": strconv.FormatFloat(res.Performance.ExecutionTime, 'f', 1, 64),
			"budget":  strconv.FormatInt(budget.Milliseconds(), 10),
		})
	}
	return res
}

// SubmitChain executes hooks as a chain in optimized order.
func (s *Service) SubmitChain(ctx context.Context, names []string, hctx *hooks.Context) ([]*hooks.Result, hooks.ChainPlan, error) {
	types := make([]hooks.HookType, 0, len(names))
	for _, n := range names {
		t, err := hooks.ParseHookType(n)
		if err != nil {
			return nil, hooks.ChainPlan{}, err
		}
		types = append(types, t)
	}
	if len(types) == 0 {
		return nil, hooks.ChainPlan{}, errors.New("empty hook chain")
	}
	if hctx != nil && hctx.Metadata.CorrelationID != "" {
		ctx = logging.WithCorrelationID(ctx, hctx.Metadata.CorrelationID)
	}
	results, plan := s.hooks.ExecuteChain(ctx, types, hctx)
	for _, r := range results {
		if !r.Success && !r.Skipped {
			r.Guidance = s.guidanceFor(r.Hook, r.ErrorKind, r.Error)
		}
	}
	return results, plan, nil
}

// OptimizeChain returns the advisory chain plan without executing anything.
func (s *Service) OptimizeChain(names []string) (hooks.ChainPlan, error) {
	types := make([]hooks.HookType, 0, len(names))
	for _, n := range names {
		t, err := hooks.ParseHookType(n)
		if err != nil {
			return hooks.ChainPlan{}, err
		}
		types = append(types, t)
	}
	return hooks.OptimizeChain(types), nil
}

func (s *Service) failed(t hooks.HookType, err error) *hooks.Result {
	res := hooks.FailedResult(t, err)
	res.Guidance = s.guidanceFor(t, res.ErrorKind, res.Error)
	return res
}

func (s *Service) guidanceFor(t hooks.HookType, kind hooks.ErrorKind, msg string) *hooks.Guidance {
	op := hooks.BreakerID(t)
	args := map[string]string{
		"operation": string(t),
		"error":     msg,
		"recovery":  s.Config().Breaker.RecoveryTimeout().String(),
		"fallback":  "internal handling without hook enrichment",
	}
	for _, snap := range s.breakers.Snapshot() {
		if snap.Operation == op {
			args["failures"] = strconv.Itoa(snap.FailureCount)
		}
	}
	if args["failures"] == "" {
		args["failures"] = "0"
	}
	names := make([]string, 0, len(hooks.AllHookTypes()))
	for _, h := range s.hooks.Registered() {
		names = append(names, string(h))
	}
	args["hooks"] = strings.Join(names, ", ")
	return Guidance(guidanceKind(kind), args)
}

// Analyze analyzes a request without activating anything.
func (s *Service) Analyze(ctx context.Context, req persona.Request) (*persona.Analysis, error) {
	return s.personas.AnalyzeContext(ctx, req)
}

// Activate analyzes req and applies the activation decision.
func (s *Service) Activate(ctx context.Context, req persona.Request) (*persona.Analysis, persona.Decision, error) {
	return s.personas.Activate(ctx, req)
}

// Coordinate runs the named personas on task.
func (s *Service) Coordinate(ctx context.Context, names []string, task collab.Task, mode string) (*collab.Outcome, error) {
	m, err := collab.ParseMode(mode)
	if err != nil {
		return nil, err
	}
	personas, err := parsePersonas(names)
	if err != nil {
		return nil, err
	}
	return s.collab.CoordinatePersonas(ctx, personas, task, m)
}

// ExecuteChain runs persona steps in order.
func (s *Service) ExecuteChain(ctx context.Context, steps []collab.Step, shared map[string]any) (*collab.ChainExecution, error) {
	return s.collab.ExecuteChain(ctx, steps, shared)
}

// ShareExpertise passes expertise between two personas.
func (s *Service) ShareExpertise(ctx context.Context, from, to string, e collab.Expertise) (collab.Expertise, error) {
	f, err := persona.Parse(from)
	if err != nil {
		return collab.Expertise{}, err
	}
	t, err := persona.Parse(to)
	if err != nil {
		return collab.Expertise{}, err
	}
	return s.collab.ShareExpertise(ctx, f, t, e)
}

func parsePersonas(names []string) ([]persona.Name, error) {
	out := make([]persona.Name, 0, len(names))
	for _, n := range names {
		p, err := persona.Parse(n)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// Breakers returns the state of every known breaker.
func (s *Service) Breakers() []breaker.Snapshot {
	return s.breakers.Snapshot()
}

// ResetBreaker force-closes the breaker of op.
func (s *Service) ResetBreaker(op string) {
	s.breakers.Reset(op)
}

// Router returns the MCP server router.
func (s *Service) Router() *Router { return s.router }

// Metrics returns the per-operation performance aggregates.
func (s *Service) Metrics() []perf.OperationMetrics {
	return s.tracker.AllMetrics()
}

// CacheMetrics returns the metrics of every cache keyed by name.
func (s *Service) CacheMetrics() map[string]cache.Metrics {
	out := s.domains.Metrics()
	out["hook-results"] = s.results.Metrics()
	return out
}

// InvalidateCaches removes matching entries from every cache. An empty
// pattern clears everything, including cached persona analyses.
func (s *Service) InvalidateCaches(pattern string) int {
	n := s.domains.Invalidate(pattern) + s.hooks.InvalidateResults(pattern)
	if pattern == "" {
		n += s.personas.InvalidateAnalyses()
	}
	return n
}

// Events returns the notification bus.
func (s *Service) Events() *hooks.EventBus { return s.bus }

func (s *Service) closeCore() {
	s.domains.Close()
	s.results.Close()
	s.tracker.Close()
	s.bus.Shutdown()
}

// Close stops every background loop and closes the history store.
func (s *Service) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if s.watcher != nil {
			s.watcher.Stop()
		}
		if s.alerts != nil {
			s.alerts.Close()
		}
		if s.collab != nil {
			s.collab.Close()
		}
		if s.personas != nil {
			err = s.personas.Close()
		}
		s.closeCore()
	})
	return err
}
