// Copyright 2026 The switchAILocal Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package breaker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

var errBoom = errors.New("boom")

func fail(context.Context) error    { return errBoom }
func succeed(context.Context) error { return nil }

func TestRegistry_OpensAfterThreshold(t *testing.T) {
	clock := newFakeClock()
	var opened []Snapshot
	r := NewRegistry(Options{FailureThreshold: 3, RecoveryTimeout: time.Second, Now: clock.Now, OnOpen: func(s Snapshot) {
		opened = append(opened, s)
	}})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		assert.ErrorIs(t, r.Do(ctx, "op", fail), errBoom)
		assert.Equal(t, StateClosed, r.State("op"))
	}
	assert.ErrorIs(t, r.Do(ctx, "op", fail), errBoom)
	assert.Equal(t, StateOpen, r.State("op"))
	require.Len(t, opened, 1)
	assert.Equal(t, 3, opened[0].FailureCount)

	var calls int
	err := r.Do(ctx, "op", func(context.Context) error { calls++; return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Zero(t, calls, "open breaker must not invoke the operation")

	var openErr *OpenError
	require.ErrorAs(t, err, &openErr)
	assert.Equal(t, "op", openErr.Operation)
	assert.Equal(t, time.Second, openErr.RetryAfter)
}

func TestRegistry_SuccessResetsCount(t *testing.T) {
	r := NewRegistry(Options{FailureThreshold: 3})
	ctx := context.Background()

	_ = r.Do(ctx, "op", fail)
	_ = r.Do(ctx, "op", fail)
	require.NoError(t, r.Do(ctx, "op", succeed))
	_ = r.Do(ctx, "op", fail)
	_ = r.Do(ctx, "op", fail)

	assert.Equal(t, StateClosed, r.State("op"))
	assert.Equal(t, 2, r.Snapshot()[0].FailureCount)
}

func TestRegistry_HalfOpenTrial(t *testing.T) {
	clock := newFakeClock()
	r := NewRegistry(Options{FailureThreshold: 1, RecoveryTimeout: 10 * time.Second, Now: clock.Now})
	ctx := context.Background()

	require.ErrorIs(t, r.Do(ctx, "op", fail), errBoom)
	require.Equal(t, StateOpen, r.State("op"))

	clock.Advance(9 * time.Second)
	assert.ErrorIs(t, r.Do(ctx, "op", succeed), ErrCircuitOpen)

	clock.Advance(time.Second)
	var stateDuringTrial State
	err := r.Do(ctx, "op", func(context.Context) error {
		stateDuringTrial = r.State("op")
		// A concurrent caller is rejected while the trial is in flight.
		assert.ErrorIs(t, r.Do(ctx, "op", succeed), ErrCircuitOpen)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, StateHalfOpen, stateDuringTrial)
	assert.Equal(t, StateClosed, r.State("op"))
	assert.Zero(t, r.Snapshot()[0].FailureCount)
	assert.Nil(t, r.Snapshot()[0].LastFailureTime)
}

func TestRegistry_FailedTrialReopens(t *testing.T) {
	clock := newFakeClock()
	var openCount atomic.Int32
	r := NewRegistry(Options{FailureThreshold: 5, RecoveryTimeout: time.Second, Now: clock.Now, OnOpen: func(Snapshot) {
		openCount.Add(1)
	}})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_ = r.Do(ctx, "op", fail)
	}
	require.Equal(t, StateOpen, r.State("op"))

	clock.Advance(time.Second)
	assert.ErrorIs(t, r.Do(ctx, "op", fail), errBoom)
	assert.Equal(t, StateOpen, r.State("op"))
	assert.Equal(t, int32(2), openCount.Load())
	assert.True(t, r.IsOpen("op"))
}

func TestRegistry_ResetAndIsolation(t *testing.T) {
	r := NewRegistry(Options{FailureThreshold: 1})
	ctx := context.Background()

	_ = r.Do(ctx, "a", fail)
	require.NoError(t, r.Do(ctx, "b", succeed))
	assert.Equal(t, StateOpen, r.State("a"))
	assert.Equal(t, StateClosed, r.State("b"))
	assert.False(t, r.IsOpen("unknown"))

	r.Reset("a")
	assert.Equal(t, StateClosed, r.State("a"))
	require.NoError(t, r.Do(ctx, "a", succeed))

	snaps := r.Snapshot()
	require.Len(t, snaps, 2)
	assert.Equal(t, "a", snaps[0].Operation)
	assert.Equal(t, "b", snaps[1].Operation)
}

func TestExecute_ReturnsValueAndRecoversPanic(t *testing.T) {
	r := NewRegistry(Options{})
	ctx := context.Background()

	v, err := Execute(ctx, r, "typed", func(context.Context) (int, error) { return 42, nil })
	require.NoError(t, err)
	assert.Equal(t, 42, v)

	_, err = Execute(ctx, r, "typed", func(context.Context) (int, error) { panic("bad") })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panic in typed")
	assert.Equal(t, 1, r.Snapshot()[0].FailureCount)
}

func TestRegistry_ConcurrentFailuresAreCounted(t *testing.T) {
	r := NewRegistry(Options{FailureThreshold: 1000})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = r.Do(ctx, "shared", fail)
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, r.Snapshot()[0].FailureCount)
}

func TestProperty_BreakerMonotonicity(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("opens after exactly threshold consecutive failures", prop.ForAll(
		func(threshold int) bool {
			r := NewRegistry(Options{FailureThreshold: threshold, RecoveryTimeout: time.Hour})
			ctx := context.Background()
			for i := 1; i <= threshold; i++ {
				_ = r.Do(ctx, "op", fail)
				open := r.State("op") == StateOpen
				if open != (i == threshold) {
					return false
				}
			}
			return errors.Is(r.Do(ctx, "op", succeed), ErrCircuitOpen)
		},
		gen.IntRange(1, 20),
	))

	properties.Property("half-open trial outcome decides the next state", prop.ForAll(
		func(threshold int, trialSucceeds bool) bool {
			clock := newFakeClock()
			r := NewRegistry(Options{FailureThreshold: threshold, RecoveryTimeout: time.Minute, Now: clock.Now})
			ctx := context.Background()
			for i := 0; i < threshold; i++ {
				_ = r.Do(ctx, "op", fail)
			}
			clock.Advance(time.Minute)

			var seen State
			_ = r.Do(ctx, "op", func(context.Context) error {
				seen = r.State("op")
				if trialSucceeds {
					return nil
				}
				return errBoom
			})
			if seen != StateHalfOpen {
				return false
			}
			if trialSucceeds {
				return r.State("op") == StateClosed && r.Snapshot()[0].FailureCount == 0
			}
			return r.State("op") == StateOpen
		},
		gen.IntRange(1, 10),
		gen.Bool(),
	))

	properties.TestingRun(t, gopter.ConsoleReporter(false))
}
