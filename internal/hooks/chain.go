package hooks

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/traylinx/hookbridge/internal/logging"
)

// chainPriority orders hook types within a chain: prompt hooks first, then
// compaction, then tool use, then stop hooks.
var chainPriority = map[HookType]int{
	PrePrompt:    1,
	PostPrompt:   1,
	PreCompact:   2,
	PreToolUse:   3,
	PostToolUse:  3,
	Stop:         4,
	SubagentStop: 4,
}

// parallelPairs lists hook types that may safely run concurrently.
var parallelPairs = [][2]HookType{{PrePrompt, PostPrompt}}

// cacheableHooks lists hook types whose results are good caching candidates.
var cacheableHooks = map[HookType]bool{PreCompact: true, PreToolUse: true}

// ChainPlan is the advisory output of OptimizeChain.
type ChainPlan struct {
	OptimizedChain       []HookType   `json:"optimizedChain"`
	Optimizations        []string     `json:"optimizations"`
	ParallelGroups       [][]HookType `json:"parallelGroups,omitempty"`
	CacheableHooks       []HookType   `json:"cacheableHooks,omitempty"`
	EstimatedImprovement float64      `json:"estimatedImprovement"`
}

// OptimizeChain reorders types by the fixed priority table (stable, so equal
// priorities keep their relative order) and flags parallel and caching
// opportunities. It never executes anything.
func OptimizeChain(types []HookType) ChainPlan {
	ordered := make([]HookType, len(types))
	copy(ordered, types)
	sort.SliceStable(ordered, func(i, j int) bool {
		return priorityOf(ordered[i]) < priorityOf(ordered[j])
	})

	plan := ChainPlan{OptimizedChain: ordered, Optimizations: []string{}}

	moved := 0
	for i := range types {
		if types[i] != ordered[i] {
			moved++
		}
	}
	if moved > 0 {
		plan.Optimizations = append(plan.Optimizations, fmt.Sprintf("reordered %d hooks by execution priority", moved))
	}

	present := make(map[HookType]bool, len(ordered))
	for _, t := range ordered {
		present[t] = true
	}
	for _, pair := range parallelPairs {
		if present[pair[0]] && present[pair[1]] {
			plan.ParallelGroups = append(plan.ParallelGroups, []HookType{pair[0], pair[1]})
			plan.Optimizations = append(plan.Optimizations, fmt.Sprintf("%s and %s can run in parallel", pair[0], pair[1]))
		}
	}

	seen := make(map[HookType]bool)
	for _, t := range ordered {
		if cacheableHooks[t] && !seen[t] {
			seen[t] = true
			plan.CacheableHooks = append(plan.CacheableHooks, t)
			plan.Optimizations = append(plan.Optimizations, fmt.Sprintf("%s results are cacheable", t))
		}
	}

	improvement := 0.05*float64(moved) + 0.15*float64(len(plan.ParallelGroups)) + 0.05*float64(len(plan.CacheableHooks))
	plan.EstimatedImprovement = math.Min(improvement, 0.5)
	return plan
}

func priorityOf(t HookType) int {
	if p, ok := chainPriority[t]; ok {
		return p
	}
	return len(chainPriority) + 1
}

// ExecuteChain runs types in optimized order. Each successful result's data
// is shallow-merged into the context passed to the next hook. A failing
// critical hook aborts the chain: the remaining hooks are reported as skipped
// and never invoked. Other failures are recorded and the chain continues.
// Exactly one result is returned per requested hook.
func (c *Coordinator) ExecuteChain(ctx context.Context, types []HookType, hctx *Context) ([]*Result, ChainPlan) {
	plan := OptimizeChain(types)
	results := make([]*Result, 0, len(plan.OptimizedChain))
	current := hctx
	entry := logging.FromContext(ctx)

	for i, t := range plan.OptimizedChain {
		if err := ctx.Err(); err != nil {
			for _, rest := range plan.OptimizedChain[i:] {
				results = append(results, FailedResult(rest, err))
			}
			break
		}

		res, err := c.ExecuteHook(ctx, t, current)
		if err != nil {
			results = append(results, FailedResult(t, err))
			if !t.Critical() {
				continue
			}
			for _, rest := range plan.OptimizedChain[i+1:] {
				results = append(results, SkippedResult(rest, t))
			}
			entry.WithField("hook", t).Warnf("critical hook failed, aborting chain: %v", err)
			session := ""
			if hctx != nil {
				session = hctx.SessionID
			}
			c.publish(EventChainAborted, string(t), map[string]any{
				"session": session,
				"skipped": len(plan.OptimizedChain) - i - 1,
			})
			break
		}

		results = append(results, res)
		if len(res.Data) > 0 {
			current = current.WithData(res.Data)
		}
	}
	return results, plan
}
