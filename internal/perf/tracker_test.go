package perf

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stepClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestTracker(t *testing.T, clock *stepClock) *Tracker {
	t.Helper()
	tr := New(Options{
		Baselines:       map[string]time.Duration{"coord": 50 * time.Millisecond},
		DefaultBaseline: 100 * time.Millisecond,
		CleanupInterval: -1,
		Now:             clock.Now,
	})
	t.Cleanup(tr.Close)
	return tr
}

func TestTracker_EndTimerComputesFactor(t *testing.T) {
	clock := &stepClock{now: time.Unix(0, 0)}
	tr := newTestTracker(t, clock)

	id := tr.StartTimer("coord.preToolUse")
	clock.Advance(25 * time.Millisecond)
	m, err := tr.EndTimer(id, false)
	require.NoError(t, err)

	assert.Equal(t, 25*time.Millisecond, m.ExecutionTime)
	assert.InDelta(t, 2.0, m.OptimizationFactor, 1e-9)

	_, err = tr.EndTimer(id, false)
	assert.Error(t, err, "a timer can only be ended once")
}

func TestTracker_FactorIsClamped(t *testing.T) {
	clock := &stepClock{now: time.Unix(0, 0)}
	tr := newTestTracker(t, clock)

	id := tr.StartTimer("slow")
	clock.Advance(time.Second)
	m, _ := tr.EndTimer(id, false)
	assert.Equal(t, 0.5, m.OptimizationFactor)

	id = tr.StartTimer("fast")
	clock.Advance(time.Millisecond)
	m, _ = tr.EndTimer(id, false)
	assert.Equal(t, 10.0, m.OptimizationFactor)

	id = tr.StartTimer("instant")
	m, _ = tr.EndTimer(id, false)
	assert.Equal(t, 10.0, m.OptimizationFactor)
}

func TestTracker_OverlappingTimers(t *testing.T) {
	clock := &stepClock{now: time.Unix(0, 0)}
	tr := newTestTracker(t, clock)

	a := tr.StartTimer("op")
	clock.Advance(10 * time.Millisecond)
	b := tr.StartTimer("op")
	assert.NotEqual(t, a, b)
	clock.Advance(20 * time.Millisecond)

	ma, _ := tr.EndTimer(a, false)
	mb, _ := tr.EndTimer(b, true)
	assert.Equal(t, 30*time.Millisecond, ma.ExecutionTime)
	assert.Equal(t, 20*time.Millisecond, mb.ExecutionTime)

	m, ok := tr.Metrics("op")
	require.True(t, ok)
	assert.Equal(t, int64(2), m.TotalExecutions)
	assert.Equal(t, 25*time.Millisecond, m.AverageTime)
	assert.Equal(t, 50*time.Millisecond, m.TotalTime)
	assert.Equal(t, int64(1), m.Errors)
	assert.Equal(t, 0.5, m.ErrorRate)
}

func TestTracker_Overall(t *testing.T) {
	clock := &stepClock{now: time.Unix(100, 0)}
	tr := newTestTracker(t, clock)

	for i := 0; i < 3; i++ {
		id := tr.StartTimer("a")
		clock.Advance(10 * time.Millisecond)
		_, _ = tr.EndTimer(id, false)
	}
	id := tr.StartTimer("b")
	clock.Advance(50 * time.Millisecond)
	_, _ = tr.EndTimer(id, true)

	overall := tr.Overall()
	assert.Equal(t, 2, overall.Operations)
	assert.Equal(t, int64(4), overall.TotalExecutions)
	assert.Equal(t, 20*time.Millisecond, overall.AverageTime)
	assert.Equal(t, 0.25, overall.ErrorRate)
	assert.Equal(t, 4.0, overall.RequestsPerSecond)

	clock.Advance(2 * time.Second)
	assert.Equal(t, 0.0, tr.Overall().RequestsPerSecond)
}

func TestTracker_WithinBudget(t *testing.T) {
	clock := &stepClock{now: time.Unix(0, 0)}
	tr := newTestTracker(t, clock)
	tr.SetTarget("hook", Target{Time: 50 * time.Millisecond, OptimizationFactor: 2.0})

	assert.True(t, tr.WithinBudget("hook"), "no executions is within budget")
	assert.True(t, tr.WithinBudget("never-seen"))

	id := tr.StartTimer("hook")
	clock.Advance(55 * time.Millisecond)
	_, _ = tr.EndTimer(id, false)
	// 55ms is within 1.2x of 50ms and 100/55 = 1.82 is above 0.8x of 2.0.
	assert.True(t, tr.WithinBudget("hook"))

	id = tr.StartTimer("hook")
	clock.Advance(200 * time.Millisecond)
	_, _ = tr.EndTimer(id, false)
	assert.False(t, tr.WithinBudget("hook"))

	tr.Reset("hook")
	m, ok := tr.Metrics("hook")
	require.True(t, ok)
	assert.Zero(t, m.TotalExecutions)

	for i := 0; i < 99; i++ {
		id = tr.StartTimer("hook")
		clock.Advance(10 * time.Millisecond)
		_, _ = tr.EndTimer(id, false)
	}
	assert.True(t, tr.WithinBudget("hook"))
	id = tr.StartTimer("hook")
	clock.Advance(10 * time.Millisecond)
	_, _ = tr.EndTimer(id, true)
	assert.True(t, tr.WithinBudget("hook"), "1% error rate is still within budget")
	id = tr.StartTimer("hook")
	clock.Advance(10 * time.Millisecond)
	_, _ = tr.EndTimer(id, true)
	assert.False(t, tr.WithinBudget("hook"))
}

func TestTracker_Track(t *testing.T) {
	clock := &stepClock{now: time.Unix(0, 0)}
	tr := newTestTracker(t, clock)

	boom := errors.New("boom")
	_, err := tr.Track("tracked", func() error { return boom })
	assert.ErrorIs(t, err, boom)

	m, _ := tr.Metrics("tracked")
	assert.Equal(t, int64(1), m.Errors)
}

func TestTracker_Cleanup(t *testing.T) {
	clock := &stepClock{now: time.Unix(0, 0)}
	tr := New(Options{Window: time.Minute, MaxSamples: 5, CleanupInterval: -1, Now: clock.Now})
	defer tr.Close()

	for i := 0; i < 8; i++ {
		id := tr.StartTimer("op")
		clock.Advance(time.Second)
		_, _ = tr.EndTimer(id, false)
	}
	assert.Equal(t, 5, tr.recent.len(), "ring keeps at most MaxSamples")

	tr.Reset("op")
	pending := tr.StartTimer("pending")
	clock.Advance(2 * time.Minute)
	fresh := tr.StartTimer("fresh")
	tr.Cleanup()

	_, ok := tr.Metrics("op")
	assert.False(t, ok, "operations without executions are dropped")
	assert.Equal(t, 0, tr.recent.len())

	_, err := tr.EndTimer(pending, false)
	assert.Error(t, err, "timers older than the window are dropped")
	_, err = tr.EndTimer(fresh, false)
	assert.NoError(t, err)
}

func TestTracker_ResetKeepsTargetAndStaysUsable(t *testing.T) {
	clock := &stepClock{now: time.Unix(0, 0)}
	tr := newTestTracker(t, clock)
	tr.SetTarget("op", Target{Time: 10 * time.Millisecond, OptimizationFactor: 1})

	id := tr.StartTimer("op")
	clock.Advance(50 * time.Millisecond)
	_, _ = tr.EndTimer(id, true)

	tr.Reset("op")
	tr.Reset("op")
	m, ok := tr.Metrics("op")
	require.True(t, ok)
	assert.Zero(t, m.TotalExecutions)
	assert.Zero(t, m.Errors)
	assert.Zero(t, m.AverageTime)

	id = tr.StartTimer("op")
	clock.Advance(5 * time.Millisecond)
	_, err := tr.EndTimer(id, false)
	require.NoError(t, err)
	assert.True(t, tr.WithinBudget("op"))

	tr.Cleanup()
	_, ok = tr.Metrics("op")
	assert.True(t, ok, "the target survives reset and cleanup")
}

func TestTracker_EndTimerDuringCleanup(t *testing.T) {
	tr := New(Options{CleanupInterval: -1})
	defer tr.Close()

	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				tr.Cleanup()
			}
		}
	}()

	for i := 0; i < 200; i++ {
		op := fmt.Sprintf("op-%d", i)
		id := tr.StartTimer(op)
		_, err := tr.EndTimer(id, false)
		require.NoError(t, err)
		m, ok := tr.Metrics(op)
		require.True(t, ok, op)
		assert.Equal(t, int64(1), m.TotalExecutions, op)
	}
	close(stop)
	wg.Wait()
}

func TestTracker_ConcurrentEndTimer(t *testing.T) {
	tr := New(Options{CleanupInterval: -1})
	defer tr.Close()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := tr.StartTimer("shared")
			_, _ = tr.EndTimer(id, false)
		}()
	}
	wg.Wait()

	m, _ := tr.Metrics("shared")
	assert.Equal(t, int64(100), m.TotalExecutions)
}

func TestTracker_CloseStopsCleanupLoop(t *testing.T) {
	defer goleak.VerifyNone(t)

	tr := New(Options{CleanupInterval: time.Millisecond})
	time.Sleep(5 * time.Millisecond)
	tr.Close()
	tr.Close()
}
