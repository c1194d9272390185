package hooks

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	log "github.com/sirupsen/logrus"

	"github.com/traylinx/hookbridge/internal/breaker"
	"github.com/traylinx/hookbridge/internal/cache"
	"github.com/traylinx/hookbridge/internal/config"
	"github.com/traylinx/hookbridge/internal/logging"
	"github.com/traylinx/hookbridge/internal/perf"
)

const (
	// budgetWarnFactor is how far past its budget a hook may run before a warning.
	budgetWarnFactor = 1.5
	// maxBudgetRequestFactor bounds a requested budget relative to the handler ceiling.
	maxBudgetRequestFactor = 1.5
)

// Handler executes one hook type.
type Handler interface {
	// Type returns the hook type served by the handler.
	Type() HookType
	// Validate returns handler-specific problems with hctx. Required common
	// fields are checked by the coordinator.
	Validate(hctx *Context) []FieldError
	// Execute runs the hook. ctx carries the execution timeout.
	Execute(ctx context.Context, hctx *Context) (map[string]any, error)
}

// Policy is the budget and execution policy of one hook type.
type Policy struct {
	Budget             time.Duration
	OptimizationFactor float64
	Timeout            time.Duration
	Retries            int
	Cacheable          bool
	CacheTTL           time.Duration
}

// PoliciesFromConfig converts the hooks configuration section.
func PoliciesFromConfig(hooks map[string]config.HookConfig) map[HookType]Policy {
	out := make(map[HookType]Policy, len(hooks))
	for name, hc := range hooks {
		t, err := ParseHookType(name)
		if err != nil {
			log.Warnf("ignoring configuration for unknown hook %q", name)
			continue
		}
		out[t] = Policy{
			Budget:             hc.MaxExecution(),
			OptimizationFactor: hc.OptimizationFactor,
			Timeout:            hc.Timeout(),
			Retries:            hc.Retries,
			Cacheable:          hc.Cacheable,
			CacheTTL:           hc.CacheTTL(),
		}
	}
	return out
}

var defaultPolicy = Policy{Budget: 100 * time.Millisecond, OptimizationFactor: 1.0, Timeout: 2 * time.Second}

// CoordinatorOptions wires a Coordinator's collaborators.
type CoordinatorOptions struct {
	Breakers *breaker.Registry
	Tracker  *perf.Tracker
	// Results caches hook results. Nil disables result caching.
	Results  *cache.TTLCache[*Result]
	Bus      *EventBus
	Policies map[HookType]Policy
}

// Coordinator dispatches hook contexts to registered handlers, guarding each
// invocation with a circuit breaker, a timeout and a performance budget.
type Coordinator struct {
	mu       sync.RWMutex
	handlers map[HookType]Handler
	policies map[HookType]Policy

	breakers *breaker.Registry
	tracker  *perf.Tracker
	results  *cache.TTLCache[*Result]
	bus      *EventBus
}

// NewCoordinator creates a Coordinator with no registered handlers.
func NewCoordinator(opts CoordinatorOptions) *Coordinator {
	c := &Coordinator{
		handlers: make(map[HookType]Handler),
		policies: make(map[HookType]Policy),
		breakers: opts.Breakers,
		tracker:  opts.Tracker,
		results:  opts.Results,
		bus:      opts.Bus,
	}
	if c.breakers == nil {
		c.breakers = breaker.NewRegistry(breaker.Options{})
	}
	if c.tracker == nil {
		c.tracker = perf.New(perf.Options{CleanupInterval: -1})
	}
	c.SetPolicies(opts.Policies)
	return c
}

// Register adds or replaces the handler for its hook type.
func (c *Coordinator) Register(h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[h.Type()] = h
	log.WithField("hook", h.Type()).Debug("hook handler registered")
}

// Unregister removes the handler for t.
func (c *Coordinator) Unregister(t HookType) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.handlers, t)
}

// Registered returns the registered hook types in declaration order.
func (c *Coordinator) Registered() []HookType {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]HookType, 0, len(c.handlers))
	for _, t := range AllHookTypes() {
		if _, ok := c.handlers[t]; ok {
			out = append(out, t)
		}
	}
	return out
}

// SetPolicies replaces the per-hook policies. Missing fields use defaults.
func (c *Coordinator) SetPolicies(policies map[HookType]Policy) {
	next := make(map[HookType]Policy, len(policies))
	for t, p := range policies {
		if p.Budget <= 0 {
			p.Budget = defaultPolicy.Budget
		}
		if p.OptimizationFactor <= 0 {
			p.OptimizationFactor = defaultPolicy.OptimizationFactor
		}
		if p.Timeout <= 0 {
			p.Timeout = defaultPolicy.Timeout
		}
		if p.Retries < 0 {
			p.Retries = 0
		}
		next[t] = p
		c.tracker.SetTarget(timerName(t), perf.Target{Time: p.Budget, OptimizationFactor: p.OptimizationFactor})
	}
	c.mu.Lock()
	c.policies = next
	c.mu.Unlock()
}

// Policy returns the effective policy for t.
func (c *Coordinator) Policy(t HookType) Policy {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if p, ok := c.policies[t]; ok {
		return p
	}
	return defaultPolicy
}

func (c *Coordinator) handler(t HookType) (Handler, Policy, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	h, ok := c.handlers[t]
	p, hasPolicy := c.policies[t]
	if !hasPolicy {
		p = defaultPolicy
	}
	return h, p, ok
}

func timerName(t HookType) string { return "coord." + string(t) }

// BreakerID returns the circuit breaker operation id used for hook t.
func BreakerID(t HookType) string { return "hook." + string(t) }

// ExecuteHook runs the handler for t against hctx.
//
// The pipeline is: handler lookup, validation of all fields, result cache
// lookup, guarded execution with timeout and retry, budget check and result
// caching. Handler failures are returned as errors; callers that need a
// result shape use FailedResult.
func (c *Coordinator) ExecuteHook(ctx context.Context, t HookType, hctx *Context) (*Result, error) {
	h, policy, ok := c.handler(t)
	if !ok {
		return nil, &UnregisteredHookError{Hook: t}
	}
	if err := c.validate(t, h, policy, hctx); err != nil {
		return nil, err
	}

	entry := logging.FromContext(ctx).WithFields(log.Fields{"hook": t, "session": hctx.SessionID})
	budget := policy.Budget
	if hctx.PerformanceBudget != nil && hctx.PerformanceBudget.MaxExecutionTime > 0 {
		budget = time.Duration(hctx.PerformanceBudget.MaxExecutionTime * float64(time.Millisecond))
	}

	cacheable := policy.Cacheable && c.results != nil && !hctx.CacheOptions.Bypass
	var key string
	timer := c.tracker.StartTimer(timerName(t))

	if cacheable {
		key = ResultCacheKey(t, hctx)
		if cached, hit := c.results.Get(key); hit {
			m, _ := c.tracker.EndTimer(timer, false)
			res := cached.clone()
			res.Performance = Performance{
				ExecutionTime:      millis(m.ExecutionTime),
				OptimizationFactor: m.OptimizationFactor,
				CacheHit:           true,
			}
			entry.Debug("hook result served from cache")
			return res, nil
		}
	}

	data, err := c.run(ctx, t, h, policy, hctx)
	m, _ := c.tracker.EndTimer(timer, err != nil)

	if err != nil {
		entry.WithField("elapsed_ms", millis(m.ExecutionTime)).Errorf("hook execution failed: %v", err)
		c.publish(EventHookFailed, string(t), map[string]any{
			"session": hctx.SessionID,
			"error":   err.Error(),
			"kind":    string(KindOf(err)),
		})
		return nil, err
	}

	res := &Result{
		Hook:    t,
		Success: true,
		Data:    data,
		Performance: Performance{
			ExecutionTime:      millis(m.ExecutionTime),
			OptimizationFactor: m.OptimizationFactor,
		},
		CacheInfo: CacheInfo{Cacheable: cacheable},
	}

	if float64(m.ExecutionTime) > float64(budget)*budgetWarnFactor {
		res.Performance.BudgetExceeded = true
		entry.WithFields(log.Fields{
			"elapsed_ms": millis(m.ExecutionTime),
			"budget_ms":  millis(budget),
		}).Warn("hook exceeded performance budget")
		c.publish(EventBudgetExceeded, string(t), map[string]any{
			"elapsedMs": millis(m.ExecutionTime),
			"budgetMs":  millis(budget),
		})
	}

	if cacheable {
		ttl := policy.CacheTTL
		if hctx.CacheOptions.TTL > 0 {
			ttl = time.Duration(hctx.CacheOptions.TTL) * time.Millisecond
		}
		res.CacheInfo.TTL = ttl.Milliseconds()
		c.results.SetWithTTL(key, res.clone(), ttl)
	}
	return res, nil
}

func (c *Coordinator) validate(t HookType, h Handler, policy Policy, hctx *Context) error {
	var problems []FieldError
	if hctx == nil {
		return &ValidationError{Hook: t, Problems: []FieldError{{Field: "context", Problem: "is required"}}}
	}
	if hctx.SessionID == "" {
		problems = append(problems, FieldError{Field: "sessionId", Problem: "is required"})
	}
	if hctx.Operation == "" {
		problems = append(problems, FieldError{Field: "operation", Problem: "is required"})
	}
	if hctx.Metadata.CorrelationID == "" {
		problems = append(problems, FieldError{Field: "metadata.correlationId", Problem: "is required"})
	}
	if b := hctx.PerformanceBudget; b != nil {
		ceiling := millis(policy.Budget) * maxBudgetRequestFactor
		switch {
		case b.MaxExecutionTime < 0:
			problems = append(problems, FieldError{Field: "performanceBudget.maxExecutionTime", Problem: "must not be negative"})
		case b.MaxExecutionTime > ceiling:
			problems = append(problems, FieldError{
				Field:   "performanceBudget.maxExecutionTime",
				Problem: fmt.Sprintf("exceeds handler ceiling of %.0fms", ceiling),
			})
		}
	}
	problems = append(problems, h.Validate(hctx)...)
	if len(problems) > 0 {
		return &ValidationError{Hook: t, Problems: problems}
	}
	return nil
}

// run executes the handler through the breaker. Retryable failures are
// retried inside a single breaker call, so one request records one outcome.
func (c *Coordinator) run(ctx context.Context, t HookType, h Handler, policy Policy, hctx *Context) (map[string]any, error) {
	return breaker.Execute(ctx, c.breakers, BreakerID(t), func(ctx context.Context) (map[string]any, error) {
		var (
			data map[string]any
			err  error
		)
		for attempt := 0; attempt <= policy.Retries; attempt++ {
			data, err = invoke(ctx, t, h, policy.Timeout, hctx)
			if err == nil || !IsRetryable(err) || ctx.Err() != nil {
				return data, err
			}
			if attempt < policy.Retries {
				logging.FromContext(ctx).WithField("hook", t).Debugf("retrying after retryable failure: %v", err)
			}
		}
		return data, err
	})
}

type outcome struct {
	data map[string]any
	err  error
}

// invoke runs the handler with a timeout. The handler receives a context that
// is cancelled at the deadline; a result delivered after it is discarded.
func invoke(ctx context.Context, t HookType, h Handler, timeout time.Duration, hctx *Context) (map[string]any, error) {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: &HandlerExecutionError{Hook: t, Err: fmt.Errorf("panic: %v", r)}}
			}
		}()
		data, err := h.Execute(runCtx, hctx)
		if err != nil {
			err = &HandlerExecutionError{Hook: t, Err: err}
		}
		done <- outcome{data: data, err: err}
	}()

	select {
	case out := <-done:
		return out.data, out.err
	case <-runCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &TimeoutError{Operation: string(t), After: timeout}
	}
}

func (c *Coordinator) publish(event Event, op string, data map[string]any) {
	if c.bus == nil {
		return
	}
	c.bus.PublishAsync(&Notification{Event: event, Operation: op, Data: data})
}

// ResultCacheKey derives the result cache key: hook type, session, operation
// and a digest of the parameters. The correlation id is not part of the key.
func ResultCacheKey(t HookType, hctx *Context) string {
	h := sha256.New()
	// Map keys are sorted by the encoder so equal parameters hash equally.
	params, err := json.Marshal(hctx.Parameters)
	if err != nil {
		params = []byte(fmt.Sprintf("%v", hctx.Parameters))
	}
	h.Write(params)
	h.Write([]byte{0})
	h.Write(hctx.Payload)
	return fmt.Sprintf("%s|%s|%s|%s", t, hctx.SessionID, hctx.Operation, hex.EncodeToString(h.Sum(nil))[:16])
}

// InvalidateResults removes cached results whose key contains pattern.
func (c *Coordinator) InvalidateResults(pattern string) int {
	if c.results == nil {
		return 0
	}
	return c.results.Invalidate(pattern)
}

// Budgets returns the effective policy of every registered hook type.
func (c *Coordinator) Budgets() map[HookType]Policy {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[HookType]Policy, len(c.handlers))
	for t := range c.handlers {
		if p, ok := c.policies[t]; ok {
			out[t] = p
		} else {
			out[t] = defaultPolicy
		}
	}
	return out
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
