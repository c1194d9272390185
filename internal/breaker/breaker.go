// Copyright 2026 The switchAILocal Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package breaker provides per-operation circuit breakers.
//
// A Registry holds one breaker per operation identifier. Breakers are created
// lazily on first use and live until the registry is discarded; Reset forces a
// breaker back to closed. State for different identifiers never shares a lock.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// State is the state of a single circuit breaker.
type State string

const (
	// StateClosed allows calls and counts consecutive failures.
	StateClosed State = "closed"
	// StateOpen rejects calls until the recovery timeout has elapsed.
	StateOpen State = "open"
	// StateHalfOpen allows exactly one trial call.
	StateHalfOpen State = "half-open"
)

const (
	// DefaultFailureThreshold is the number of consecutive failures that opens a breaker.
	DefaultFailureThreshold = 5
	// DefaultRecoveryTimeout is how long an open breaker rejects calls.
	DefaultRecoveryTimeout = 30 * time.Second
)

// ErrCircuitOpen is matched by every OpenError via errors.Is.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// OpenError is returned when a breaker denies execution. The wrapped
// operation is never invoked in that case.
type OpenError struct {
	Operation  string
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker open for %s (retry after %s)", e.Operation, e.RetryAfter.Round(time.Millisecond))
}

// Is reports whether target is ErrCircuitOpen.
func (e *OpenError) Is(target error) bool {
	return target == ErrCircuitOpen
}

// Snapshot is a read-only view of one breaker.
type Snapshot struct {
	Operation       string     `json:"operation"`
	State           State      `json:"state"`
	FailureCount    int        `json:"failureCount"`
	LastFailureTime *time.Time `json:"lastFailureTime,omitempty"`
}

// Options configures a Registry.
type Options struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
	// Now overrides the clock. Defaults to time.Now.
	Now func() time.Time
	// OnOpen is invoked, outside any lock, each time a breaker opens.
	OnOpen func(Snapshot)
}

type circuit struct {
	mu            sync.Mutex
	state         State
	failureCount  int
	lastFailure   time.Time
	trialInFlight bool
}

// Registry holds the breakers for all operations.
type Registry struct {
	mu       sync.RWMutex
	circuits map[string]*circuit

	cfgMu            sync.RWMutex
	failureThreshold int
	recoveryTimeout  time.Duration

	now    func() time.Time
	onOpen func(Snapshot)
}

// NewRegistry creates a Registry, applying defaults for unset options.
func NewRegistry(opts Options) *Registry {
	r := &Registry{
		circuits: make(map[string]*circuit),
		now:      opts.Now,
		onOpen:   opts.OnOpen,
	}
	if r.now == nil {
		r.now = time.Now
	}
	r.SetThresholds(opts.FailureThreshold, opts.RecoveryTimeout)
	return r
}

// SetThresholds updates the failure threshold and recovery timeout for all
// breakers. Non-positive values fall back to the defaults.
func (r *Registry) SetThresholds(failureThreshold int, recoveryTimeout time.Duration) {
	if failureThreshold <= 0 {
		failureThreshold = DefaultFailureThreshold
	}
	if recoveryTimeout <= 0 {
		recoveryTimeout = DefaultRecoveryTimeout
	}
	r.cfgMu.Lock()
	r.failureThreshold = failureThreshold
	r.recoveryTimeout = recoveryTimeout
	r.cfgMu.Unlock()
}

func (r *Registry) thresholds() (int, time.Duration) {
	r.cfgMu.RLock()
	defer r.cfgMu.RUnlock()
	return r.failureThreshold, r.recoveryTimeout
}

func (r *Registry) get(op string) *circuit {
	r.mu.RLock()
	c, ok := r.circuits[op]
	r.mu.RUnlock()
	if ok {
		return c
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok = r.circuits[op]; ok {
		return c
	}
	c = &circuit{state: StateClosed}
	r.circuits[op] = c
	return c
}

// Allow reports whether a call for op may proceed. When it returns nil the
// caller must report the outcome through Record. An open breaker whose
// recovery timeout has elapsed moves to half-open and admits one trial call.
func (r *Registry) Allow(op string) error {
	_, recovery := r.thresholds()
	c := r.get(op)

	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateOpen:
		elapsed := r.now().Sub(c.lastFailure)
		if elapsed < recovery {
			return &OpenError{Operation: op, RetryAfter: recovery - elapsed}
		}
		c.state = StateHalfOpen
		c.trialInFlight = true
		log.WithField("operation", op).Debug("circuit breaker half-open, admitting trial call")
		return nil
	case StateHalfOpen:
		if c.trialInFlight {
			return &OpenError{Operation: op}
		}
		c.trialInFlight = true
		return nil
	default:
		return nil
	}
}

// Record reports the outcome of a call admitted by Allow.
func (r *Registry) Record(op string, err error) {
	threshold, _ := r.thresholds()
	c := r.get(op)

	c.mu.Lock()
	if err == nil {
		c.state = StateClosed
		c.failureCount = 0
		c.lastFailure = time.Time{}
		c.trialInFlight = false
		c.mu.Unlock()
		return
	}

	c.failureCount++
	c.lastFailure = r.now()
	opened := false
	switch {
	case c.state == StateHalfOpen:
		// A failed trial re-opens regardless of the failure count.
		c.state = StateOpen
		c.trialInFlight = false
		opened = true
	case c.state == StateClosed && c.failureCount >= threshold:
		c.state = StateOpen
		opened = true
	}
	snap := c.snapshot(op)
	c.mu.Unlock()

	if opened {
		log.WithFields(log.Fields{
			"operation": op,
			"failures":  snap.FailureCount,
		}).Warnf("circuit breaker opened: %v", err)
		if r.onOpen != nil {
			r.onOpen(snap)
		}
	}
}

// Do runs fn guarded by the breaker for op. Errors from fn are returned
// unchanged; an *OpenError is returned when the breaker denies execution.
func (r *Registry) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	_, err := Execute(ctx, r, op, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Execute runs fn guarded by the breaker for op and returns its result.
func Execute[T any](ctx context.Context, r *Registry, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if err := r.Allow(op); err != nil {
		return zero, err
	}

	var (
		result T
		err    error
	)
	func() {
		defer func() {
			if p := recover(); p != nil {
				err = fmt.Errorf("panic in %s: %v", op, p)
			}
		}()
		result, err = fn(ctx)
	}()

	r.Record(op, err)
	if err != nil {
		return zero, err
	}
	return result, nil
}

// Reset forces the breaker for op closed with a zero failure count.
func (r *Registry) Reset(op string) {
	c := r.get(op)
	c.mu.Lock()
	c.state = StateClosed
	c.failureCount = 0
	c.lastFailure = time.Time{}
	c.trialInFlight = false
	c.mu.Unlock()
	log.WithField("operation", op).Info("circuit breaker reset")
}

// State returns the current state of the breaker for op. Unknown operations are closed.
func (r *Registry) State(op string) State {
	r.mu.RLock()
	c, ok := r.circuits[op]
	r.mu.RUnlock()
	if !ok {
		return StateClosed
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsOpen reports whether op is currently rejecting calls. It does not
// transition the breaker.
func (r *Registry) IsOpen(op string) bool {
	_, recovery := r.thresholds()
	r.mu.RLock()
	c, ok := r.circuits[op]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case StateOpen:
		return r.now().Sub(c.lastFailure) < recovery
	case StateHalfOpen:
		return c.trialInFlight
	}
	return false
}

// Snapshot returns the state of every known breaker, sorted by operation.
func (r *Registry) Snapshot() []Snapshot {
	r.mu.RLock()
	ops := make([]string, 0, len(r.circuits))
	circuits := make([]*circuit, 0, len(r.circuits))
	for op, c := range r.circuits {
		ops = append(ops, op)
		circuits = append(circuits, c)
	}
	r.mu.RUnlock()

	out := make([]Snapshot, 0, len(ops))
	for i, c := range circuits {
		c.mu.Lock()
		out = append(out, c.snapshot(ops[i]))
		c.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Operation < out[j].Operation })
	return out
}

// snapshot must be called with c.mu held.
func (c *circuit) snapshot(op string) Snapshot {
	s := Snapshot{Operation: op, State: c.state, FailureCount: c.failureCount}
	if !c.lastFailure.IsZero() {
		t := c.lastFailure
		s.LastFailureTime = &t
	}
	return s
}
