// Package perf tracks execution time and optimization factors for named
// operations and reports whether each operation stays within its budget.
package perf

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	minOptimizationFactor = 0.5
	maxOptimizationFactor = 10.0

	// budgetTimeTolerance and budgetOptimizationTolerance widen the target
	// when checking budget compliance.
	budgetTimeTolerance         = 1.2
	budgetOptimizationTolerance = 0.8
	maxBudgetErrorRate          = 0.01
)

// TimerID identifies one running timer.
type TimerID string

// Target is the expected behaviour of an operation.
type Target struct {
	Time               time.Duration
	OptimizationFactor float64
}

// Measurement is the outcome of a single timer.
type Measurement struct {
	Operation          string        `json:"operation"`
	ExecutionTime      time.Duration `json:"executionTime"`
	OptimizationFactor float64       `json:"optimizationFactor"`
	Failed             bool          `json:"failed"`
	MemoryDelta        int64         `json:"memoryDelta,omitempty"`
}

// OperationMetrics is the running aggregate for one operation.
type OperationMetrics struct {
	Operation           string        `json:"operation"`
	TotalExecutions     int64         `json:"totalExecutions"`
	TotalTime           time.Duration `json:"totalTime"`
	TotalOptimization   float64       `json:"totalOptimization"`
	Errors              int64         `json:"errors"`
	AverageTime         time.Duration `json:"averageTime"`
	AverageOptimization float64       `json:"averageOptimization"`
	ErrorRate           float64       `json:"errorRate"`
}

// OverallMetrics aggregates all tracked operations.
type OverallMetrics struct {
	Operations          int           `json:"operations"`
	TotalExecutions     int64         `json:"totalExecutions"`
	AverageTime         time.Duration `json:"averageTime"`
	AverageOptimization float64       `json:"averageOptimization"`
	RequestsPerSecond   float64       `json:"requestsPerSecond"`
	ErrorRate           float64       `json:"errorRate"`
}

// Options configures a Tracker.
type Options struct {
	// Baselines maps an operation name or category prefix (the part before the
	// first '.') to its reference execution time.
	Baselines map[string]time.Duration
	// DefaultBaseline is used when no baseline matches.
	DefaultBaseline time.Duration
	// Targets maps an operation name to its budget target.
	Targets map[string]Target
	// Window bounds how long recent execution timestamps are retained.
	Window time.Duration
	// MaxSamples bounds the recent execution ring.
	MaxSamples int
	// CleanupInterval is the cleanup loop period. Zero uses one minute,
	// a negative value disables the loop.
	CleanupInterval time.Duration
	// TrackMemory records the heap delta of each timer.
	TrackMemory bool
	// Meter receives duration and error instruments. Defaults to the global provider.
	Meter metric.Meter
	// Now overrides the clock. Defaults to time.Now.
	Now func() time.Time
}

type timer struct {
	op        string
	start     time.Time
	heapStart uint64
}

type opStats struct {
	mu            sync.Mutex
	executions    int64
	totalTime     time.Duration
	totalOpt      float64
	errors        int64
	meanTime      float64 // nanoseconds
	meanOpt       float64
	target        *Target
	lastExecution time.Time
}

// Tracker is a registry of timers and per-operation aggregates. Aggregates
// are sharded by operation so different operations never contend.
type Tracker struct {
	now         func() time.Time
	trackMemory bool
	window      time.Duration

	cfgMu           sync.RWMutex
	baselines       map[string]time.Duration
	defaultBaseline time.Duration

	timersMu sync.Mutex
	timers   map[TimerID]timer

	opsMu sync.RWMutex
	ops   map[string]*opStats

	recentMu sync.Mutex
	recent   *timeRing

	duration metric.Float64Histogram
	failures metric.Int64Counter

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// New creates a Tracker and starts its cleanup loop.
func New(opts Options) *Tracker {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.DefaultBaseline <= 0 {
		opts.DefaultBaseline = 100 * time.Millisecond
	}
	if opts.Window <= 0 {
		opts.Window = time.Minute
	}
	if opts.MaxSamples <= 0 {
		opts.MaxSamples = 1000
	}
	if opts.CleanupInterval == 0 {
		opts.CleanupInterval = time.Minute
	}
	if opts.Meter == nil {
		opts.Meter = otel.Meter("hookbridge/perf")
	}

	t := &Tracker{
		now:             opts.Now,
		trackMemory:     opts.TrackMemory,
		window:          opts.Window,
		baselines:       make(map[string]time.Duration, len(opts.Baselines)),
		defaultBaseline: opts.DefaultBaseline,
		timers:          make(map[TimerID]timer),
		ops:             make(map[string]*opStats),
		recent:          newTimeRing(opts.MaxSamples),
		stop:            make(chan struct{}),
		done:            make(chan struct{}),
	}
	for k, v := range opts.Baselines {
		t.baselines[k] = v
	}
	for op, target := range opts.Targets {
		t.SetTarget(op, target)
	}

	t.duration, _ = opts.Meter.Float64Histogram("hookbridge.operation.duration",
		metric.WithDescription("Execution time of tracked operations (ms)"),
		metric.WithUnit("ms"),
	)
	t.failures, _ = opts.Meter.Int64Counter("hookbridge.operation.errors",
		metric.WithDescription("Failed executions of tracked operations"),
	)

	if opts.CleanupInterval > 0 {
		go t.cleanupLoop(opts.CleanupInterval)
	} else {
		close(t.done)
	}
	return t
}

// SetBaselines replaces the baseline table.
func (t *Tracker) SetBaselines(baselines map[string]time.Duration, def time.Duration) {
	t.cfgMu.Lock()
	defer t.cfgMu.Unlock()
	t.baselines = make(map[string]time.Duration, len(baselines))
	for k, v := range baselines {
		t.baselines[k] = v
	}
	if def > 0 {
		t.defaultBaseline = def
	}
}

// Baseline returns the reference time for op: an exact match, then the
// operation's category prefix, then the default.
func (t *Tracker) Baseline(op string) time.Duration {
	t.cfgMu.RLock()
	defer t.cfgMu.RUnlock()
	if b, ok := t.baselines[op]; ok {
		return b
	}
	if i := strings.IndexByte(op, '.'); i > 0 {
		if b, ok := t.baselines[op[:i]]; ok {
			return b
		}
	}
	return t.defaultBaseline
}

// SetTarget sets the budget target for op.
func (t *Tracker) SetTarget(op string, target Target) {
	t.update(op, func(s *opStats) { s.target = &target })
}

// update runs fn on the aggregate for op while the aggregate is registered,
// so a concurrent Cleanup cannot orphan it.
func (t *Tracker) update(op string, fn func(s *opStats)) {
	for {
		t.opsMu.RLock()
		s, ok := t.ops[op]
		if ok {
			s.mu.Lock()
			fn(s)
			s.mu.Unlock()
			t.opsMu.RUnlock()
			return
		}
		t.opsMu.RUnlock()
		t.stats(op)
	}
}

func (t *Tracker) stats(op string) *opStats {
	t.opsMu.RLock()
	s, ok := t.ops[op]
	t.opsMu.RUnlock()
	if ok {
		return s
	}
	t.opsMu.Lock()
	defer t.opsMu.Unlock()
	if s, ok = t.ops[op]; ok {
		return s
	}
	s = &opStats{}
	t.ops[op] = s
	return s
}

// StartTimer starts a timer for op. Overlapping timers for the same operation
// receive distinct ids.
func (t *Tracker) StartTimer(op string) TimerID {
	id := TimerID(uuid.NewString())
	tm := timer{op: op, start: t.now()}
	if t.trackMemory {
		var ms runtime.MemStats
		runtime.ReadMemStats(&ms)
		tm.heapStart = ms.HeapAlloc
	}

	t.timersMu.Lock()
	t.timers[id] = tm
	t.timersMu.Unlock()
	return id
}

// EndTimer stops the timer and folds the measurement into the operation's
// aggregate. failed marks the execution as an error.
func (t *Tracker) EndTimer(id TimerID, failed bool) (Measurement, error) {
	t.timersMu.Lock()
	tm, ok := t.timers[id]
	delete(t.timers, id)
	t.timersMu.Unlock()
	if !ok {
		return Measurement{}, fmt.Errorf("unknown timer %q", id)
	}

	end := t.now()
	elapsed := end.Sub(tm.start)
	if elapsed < 0 {
		elapsed = 0
	}

	m := Measurement{
		Operation:          tm.op,
		ExecutionTime:      elapsed,
		OptimizationFactor: optimizationFactor(t.Baseline(tm.op), elapsed),
		Failed:             failed,
	}
	if t.trackMemory {
		var ms runtime.MemStats
		runtime.ReadMemStats(&ms)
		m.MemoryDelta = int64(ms.HeapAlloc) - int64(tm.heapStart)
	}

	t.update(tm.op, func(s *opStats) {
		s.executions++
		n := float64(s.executions)
		s.totalTime += elapsed
		s.totalOpt += m.OptimizationFactor
		s.meanTime += (float64(elapsed) - s.meanTime) / n
		s.meanOpt += (m.OptimizationFactor - s.meanOpt) / n
		if failed {
			s.errors++
		}
		s.lastExecution = end
	})

	t.recentMu.Lock()
	t.recent.push(end)
	t.recentMu.Unlock()

	attrs := metric.WithAttributes(attribute.String("operation", tm.op))
	if t.duration != nil {
		t.duration.Record(context.Background(), float64(elapsed)/float64(time.Millisecond), attrs)
	}
	if failed && t.failures != nil {
		t.failures.Add(context.Background(), 1, attrs)
	}
	return m, nil
}

// Cancel discards a running timer without recording it.
func (t *Tracker) Cancel(id TimerID) {
	t.timersMu.Lock()
	delete(t.timers, id)
	t.timersMu.Unlock()
}

// Track times fn under op and records a failure when fn returns an error.
func (t *Tracker) Track(op string, fn func() error) (Measurement, error) {
	id := t.StartTimer(op)
	err := fn()
	m, _ := t.EndTimer(id, err != nil)
	return m, err
}

func optimizationFactor(baseline, elapsed time.Duration) float64 {
	if elapsed <= 0 {
		return maxOptimizationFactor
	}
	f := float64(baseline) / float64(elapsed)
	if f < minOptimizationFactor {
		return minOptimizationFactor
	}
	if f > maxOptimizationFactor {
		return maxOptimizationFactor
	}
	return f
}

// Metrics returns the aggregate for op.
func (t *Tracker) Metrics(op string) (OperationMetrics, bool) {
	t.opsMu.RLock()
	s, ok := t.ops[op]
	t.opsMu.RUnlock()
	if !ok {
		return OperationMetrics{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.metrics(op), true
}

// metrics must be called with s.mu held.
func (s *opStats) metrics(op string) OperationMetrics {
	m := OperationMetrics{
		Operation:           op,
		TotalExecutions:     s.executions,
		TotalTime:           s.totalTime,
		TotalOptimization:   s.totalOpt,
		Errors:              s.errors,
		AverageTime:         time.Duration(s.meanTime),
		AverageOptimization: s.meanOpt,
	}
	if s.executions > 0 {
		m.ErrorRate = float64(s.errors) / float64(s.executions)
	}
	return m
}

// AllMetrics returns the aggregates of every operation with at least one execution, sorted by name.
func (t *Tracker) AllMetrics() []OperationMetrics {
	t.opsMu.RLock()
	names := make([]string, 0, len(t.ops))
	for op := range t.ops {
		names = append(names, op)
	}
	t.opsMu.RUnlock()
	sort.Strings(names)

	out := make([]OperationMetrics, 0, len(names))
	for _, op := range names {
		if m, ok := t.Metrics(op); ok && m.TotalExecutions > 0 {
			out = append(out, m)
		}
	}
	return out
}

// Overall returns executions-weighted averages across all operations, the
// request rate over the last second and the overall error rate.
func (t *Tracker) Overall() OverallMetrics {
	var (
		overall   OverallMetrics
		totalTime float64
		totalOpt  float64
		errors    int64
	)
	for _, m := range t.AllMetrics() {
		overall.Operations++
		overall.TotalExecutions += m.TotalExecutions
		totalTime += float64(m.AverageTime) * float64(m.TotalExecutions)
		totalOpt += m.AverageOptimization * float64(m.TotalExecutions)
		errors += m.Errors
	}
	if overall.TotalExecutions > 0 {
		n := float64(overall.TotalExecutions)
		overall.AverageTime = time.Duration(totalTime / n)
		overall.AverageOptimization = totalOpt / n
		overall.ErrorRate = float64(errors) / n
	}

	t.recentMu.Lock()
	overall.RequestsPerSecond = float64(t.recent.countSince(t.now().Add(-time.Second)))
	t.recentMu.Unlock()
	return overall
}

// WithinBudget reports whether op meets its target: average time at most
// 1.2x the target time, average optimization at least 0.8x the target factor
// and an error rate of at most 1%. Operations without executions are within
// budget. Without an explicit target the baseline and a factor of 1 are used.
func (t *Tracker) WithinBudget(op string) bool {
	target := Target{Time: t.Baseline(op), OptimizationFactor: 1.0}

	t.opsMu.RLock()
	s, ok := t.ops[op]
	t.opsMu.RUnlock()
	if !ok {
		return true
	}

	s.mu.Lock()
	m := s.metrics(op)
	if s.target != nil {
		target = *s.target
	}
	s.mu.Unlock()

	if m.TotalExecutions == 0 {
		return true
	}
	return float64(m.AverageTime) <= float64(target.Time)*budgetTimeTolerance &&
		m.AverageOptimization >= target.OptimizationFactor*budgetOptimizationTolerance &&
		m.ErrorRate <= maxBudgetErrorRate
}

// Reset clears the aggregate for op, keeping its target.
func (t *Tracker) Reset(op string) {
	t.opsMu.RLock()
	s, ok := t.ops[op]
	t.opsMu.RUnlock()
	if !ok {
		return
	}
	s.mu.Lock()
	s.executions, s.errors = 0, 0
	s.totalTime = 0
	s.totalOpt, s.meanTime, s.meanOpt = 0, 0, 0
	s.lastExecution = time.Time{}
	s.mu.Unlock()
}

// Cleanup drops operations without executions or targets, timers started
// before the retention window and recent execution timestamps older than it.
func (t *Tracker) Cleanup() {
	cutoff := t.now().Add(-t.window)

	t.timersMu.Lock()
	stale := 0
	for id, tm := range t.timers {
		if tm.start.Before(cutoff) {
			delete(t.timers, id)
			stale++
		}
	}
	t.timersMu.Unlock()

	t.opsMu.Lock()
	removed := 0
	for op, s := range t.ops {
		s.mu.Lock()
		empty := s.executions == 0 && s.target == nil
		s.mu.Unlock()
		if empty {
			delete(t.ops, op)
			removed++
		}
	}
	t.opsMu.Unlock()

	t.recentMu.Lock()
	dropped := t.recent.dropBefore(cutoff)
	t.recentMu.Unlock()

	if removed > 0 || dropped > 0 || stale > 0 {
		log.WithFields(log.Fields{
			"operations": removed,
			"samples":    dropped,
			"timers":     stale,
		}).Debug("performance tracker cleanup")
	}
}

func (t *Tracker) cleanupLoop(interval time.Duration) {
	defer close(t.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			t.Cleanup()
		case <-t.stop:
			return
		}
	}
}

// Close stops the cleanup loop. It is safe to call more than once.
func (t *Tracker) Close() {
	t.closeOnce.Do(func() {
		close(t.stop)
		<-t.done
	})
}
