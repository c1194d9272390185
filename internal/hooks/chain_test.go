package hooks

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu    sync.Mutex
	order []HookType
}

func (r *recorder) handler(t HookType, fn func(hctx *Context) (map[string]any, error)) *stubHandler {
	h := newStub(t)
	h.fn = func(_ context.Context, hctx *Context) (map[string]any, error) {
		r.mu.Lock()
		r.order = append(r.order, t)
		r.mu.Unlock()
		if fn == nil {
			return nil, nil
		}
		return fn(hctx)
	}
	return h
}

func TestOptimizeChain_Ordering(t *testing.T) {
	plan := OptimizeChain([]HookType{Stop, PrePrompt, PreToolUse})

	assert.Equal(t, []HookType{PrePrompt, PreToolUse, Stop}, plan.OptimizedChain)
	assert.Equal(t, []HookType{PreToolUse}, plan.CacheableHooks)
	assert.Empty(t, plan.ParallelGroups)
	assert.InDelta(t, 0.05*3+0.05, plan.EstimatedImprovement, 1e-9)
}

func TestOptimizeChain_StableAndParallel(t *testing.T) {
	plan := OptimizeChain([]HookType{PostPrompt, PreCompact, PrePrompt})

	assert.Equal(t, []HookType{PostPrompt, PrePrompt, PreCompact}, plan.OptimizedChain)
	require.Len(t, plan.ParallelGroups, 1)
	assert.Equal(t, []HookType{PrePrompt, PostPrompt}, plan.ParallelGroups[0])
	assert.Contains(t, plan.CacheableHooks, PreCompact)
}

func TestOptimizeChain_ImprovementCapped(t *testing.T) {
	types := []HookType{Stop, SubagentStop, PreToolUse, PostToolUse, PreCompact, PostPrompt, PrePrompt}
	plan := OptimizeChain(types)
	assert.LessOrEqual(t, plan.EstimatedImprovement, 0.5)
	assert.Len(t, plan.OptimizedChain, len(types))
}

func TestExecuteChain_ExecutesInOptimizedOrder(t *testing.T) {
	c := newTestCoordinator(t, nil)
	rec := &recorder{}
	for _, ht := range []HookType{Stop, PrePrompt, PreToolUse} {
		c.Register(rec.handler(ht, nil))
	}

	results, plan := c.ExecuteChain(context.Background(), []HookType{Stop, PrePrompt, PreToolUse}, validContext())

	assert.Equal(t, plan.OptimizedChain, rec.order)
	require.Len(t, results, 3)
	for i, res := range results {
		assert.True(t, res.Success)
		assert.Equal(t, plan.OptimizedChain[i], res.Hook)
	}
}

func TestExecuteChain_ThreadsData(t *testing.T) {
	c := newTestCoordinator(t, nil)
	rec := &recorder{}
	c.Register(rec.handler(PrePrompt, func(*Context) (map[string]any, error) {
		return map[string]any{"persona": "security", "step": 1}, nil
	}))
	var seen map[string]any
	c.Register(rec.handler(Stop, func(hctx *Context) (map[string]any, error) {
		seen = hctx.Parameters
		return nil, nil
	}))

	start := validContext()
	start.Parameters = map[string]any{"step": 0, "keep": "yes"}
	_, _ = c.ExecuteChain(context.Background(), []HookType{Stop, PrePrompt}, start)

	assert.Equal(t, map[string]any{"persona": "security", "step": 1, "keep": "yes"}, seen)
	assert.Equal(t, 0, start.Parameters["step"], "the submitted context is never mutated")
}

func TestExecuteChain_CriticalFailureAborts(t *testing.T) {
	c := newTestCoordinator(t, map[HookType]Policy{PreToolUse: {Retries: 0}})
	rec := &recorder{}
	c.Register(rec.handler(PreToolUse, func(*Context) (map[string]any, error) {
		return nil, errors.New("denied")
	}))
	post := rec.handler(PostToolUse, nil)
	c.Register(post)

	results, _ := c.ExecuteChain(context.Background(), []HookType{PreToolUse, PostToolUse}, validContext())

	require.Len(t, results, 2)
	assert.False(t, results[0].Success)
	assert.Equal(t, KindHandler, results[0].ErrorKind)
	assert.False(t, results[1].Success)
	assert.True(t, results[1].Skipped)
	assert.Equal(t, PostToolUse, results[1].Hook)
	assert.Zero(t, post.calls.Load())
}

func TestExecuteChain_NilContextAbortsWithoutPanic(t *testing.T) {
	c := newTestCoordinator(t, nil)
	post := newStub(PostToolUse)
	c.Register(newStub(PreToolUse))
	c.Register(post)

	var results []*Result
	require.NotPanics(t, func() {
		results, _ = c.ExecuteChain(context.Background(), []HookType{PreToolUse, PostToolUse}, nil)
	})

	require.Len(t, results, 2)
	assert.Equal(t, KindValidation, results[0].ErrorKind)
	assert.True(t, results[1].Skipped)
	assert.Zero(t, post.calls.Load())
}

func TestExecuteChain_NonCriticalFailureContinues(t *testing.T) {
	c := newTestCoordinator(t, map[HookType]Policy{Stop: {Retries: 0}})
	rec := &recorder{}
	c.Register(rec.handler(Stop, func(*Context) (map[string]any, error) {
		return nil, errors.New("report failed")
	}))
	sub := rec.handler(SubagentStop, nil)
	c.Register(sub)

	results, _ := c.ExecuteChain(context.Background(), []HookType{Stop, SubagentStop}, validContext())

	require.Len(t, results, 2)
	assert.False(t, results[0].Success)
	assert.True(t, results[1].Success)
	assert.Equal(t, int32(1), sub.calls.Load())
}

func TestExecuteChain_UnregisteredIsRecorded(t *testing.T) {
	c := newTestCoordinator(t, nil)
	c.Register(newStub(Stop))

	results, _ := c.ExecuteChain(context.Background(), []HookType{PrePrompt, Stop}, validContext())

	require.Len(t, results, 2)
	assert.Equal(t, KindUnregistered, results[0].ErrorKind)
	assert.True(t, results[1].Success)
}

func TestExecuteChain_CanceledContext(t *testing.T) {
	c := newTestCoordinator(t, nil)
	h := newStub(Stop)
	c.Register(h)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	results, _ := c.ExecuteChain(ctx, []HookType{Stop, SubagentStop}, validContext())

	require.Len(t, results, 2)
	for _, res := range results {
		assert.Equal(t, KindCanceled, res.ErrorKind)
	}
	assert.Zero(t, h.calls.Load())
}
