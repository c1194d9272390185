package hooks

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/tidwall/gjson"
	"github.com/tiktoken-go/tokenizer"
)

var (
	codecOnce sync.Once
	codec     tokenizer.Codec
	codecErr  error
)

// CountTokens counts cl100k_base tokens in text.
func CountTokens(text string) (int, error) {
	codecOnce.Do(func() {
		codec, codecErr = tokenizer.Get(tokenizer.Cl100kBase)
	})
	if codecErr != nil {
		return 0, fmt.Errorf("load tokenizer: %w", codecErr)
	}
	ids, _, err := codec.Encode(text)
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}

// PreservationPriority tells compaction how to treat one kind of context.
type PreservationPriority struct {
	Type      string `json:"type"`
	Priority  string `json:"priority"`
	Retention string `json:"retention"`
}

type preCompactHandler struct{}

func (h *preCompactHandler) Type() HookType { return PreCompact }

func (h *preCompactHandler) Validate(hctx *Context) []FieldError {
	return validatePayload(hctx)
}

func (h *preCompactHandler) Execute(ctx context.Context, hctx *Context) (map[string]any, error) {
	content := payloadString(hctx, "content")
	tokens, err := CountTokens(content)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	priorities := []PreservationPriority{
		{Type: "recent_tool_executions", Priority: "critical", Retention: "preserve_fully"},
	}
	if payloadString(hctx, "persona") != "" || gjson.GetBytes(hctx.Payload, "personas.#").Int() > 0 {
		priorities = append(priorities, PreservationPriority{Type: "active_personas", Priority: "high", Retention: "preserve_key_decisions"})
	}
	lower := strings.ToLower(content)
	if strings.Contains(lower, "mcp__") {
		priorities = append(priorities, PreservationPriority{Type: "mcp_interactions", Priority: "medium", Retention: "preserve_configurations"})
	}
	if containsAny(lower, "error", "exception", "traceback", "panic") {
		priorities = append(priorities, PreservationPriority{Type: "error_contexts", Priority: "medium", Retention: "preserve_error_chains"})
	}
	priorities = append(priorities, PreservationPriority{Type: "conversation_flow", Priority: "low", Retention: "summarize"})

	target := tokens
	if limit := gjson.GetBytes(hctx.Payload, "tokenLimit").Int(); limit > 0 && int64(tokens) > limit {
		target = int(limit)
	}

	return map[string]any{
		"tokenCount":             tokens,
		"targetTokens":           target,
		"compactionNeeded":       target < tokens,
		"preservationPriorities": priorities,
	}, nil
}

type stopHandler struct {
	deps BuiltinDeps
}

func (h *stopHandler) Type() HookType { return Stop }

func (h *stopHandler) Validate(hctx *Context) []FieldError {
	return validatePayload(hctx)
}

func (h *stopHandler) Execute(_ context.Context, hctx *Context) (map[string]any, error) {
	report := map[string]any{"sessionId": hctx.SessionID}
	var recommendations []map[string]string

	if h.deps.Tracker != nil {
		overall := h.deps.Tracker.Overall()
		avgMs := float64(overall.AverageTime.Microseconds()) / 1000
		report["totalOperations"] = overall.TotalExecutions
		report["averageOperationTime"] = avgMs
		report["errorRate"] = overall.ErrorRate
		if avgMs > 100 {
			recommendations = append(recommendations, map[string]string{
				"type":       "performance",
				"message":    fmt.Sprintf("average operation time (%.1fms) exceeds target (50ms)", avgMs),
				"suggestion": "enable result caching or narrow hook matchers",
			})
		}
		if overall.ErrorRate > 0.01 {
			recommendations = append(recommendations, map[string]string{
				"type":       "error",
				"message":    fmt.Sprintf("error rate %.1f%% is above 1%%", overall.ErrorRate*100),
				"suggestion": "review hook failures and open circuit breakers",
			})
		}
	}

	return map[string]any{
		"report":          report,
		"recommendations": recommendations,
		"sessionEnded":    true,
	}, nil
}

type subagentStopHandler struct{}

func (h *subagentStopHandler) Type() HookType { return SubagentStop }

func (h *subagentStopHandler) Validate(hctx *Context) []FieldError {
	return validatePayload(hctx)
}

func (h *subagentStopHandler) Execute(_ context.Context, hctx *Context) (map[string]any, error) {
	taskType := payloadString(hctx, "task.type")
	domain := payloadString(hctx, "task.domain")
	desc := strings.ToLower(payloadString(hctx, "task.description"))

	aggregation := map[string]any{"required": false, "type": "none", "waitForOthers": false}
	switch taskType {
	case "analysis", "scan", "review":
		aggregation = map[string]any{"required": true, "type": "results_merge", "waitForOthers": false, "key": taskType + "_results"}
	}
	if gjson.GetBytes(hctx.Payload, "task.results.files").Exists() {
		aggregation = map[string]any{"required": true, "type": "file_results", "waitForOthers": false, "key": "file_operations"}
	}
	switch domain {
	case "quality", "performance", "security":
		aggregation = map[string]any{"required": true, "type": "domain_analysis", "waitForOthers": true, "key": domain + "_analysis"}
	}

	dependents := []string{}
	if containsAny(desc, "prerequisite", "dependency") {
		dependents = append(dependents, "dependent_task_detected")
	}
	switch domain {
	case "architecture", "security", "performance":
		dependents = append(dependents, "cross_domain_dependency")
	}
	if containsAny(desc, "shared", "common") {
		dependents = append(dependents, "shared_resource_dependency")
	}

	return map[string]any{
		"aggregation":    aggregation,
		"dependentTasks": dependents,
		"taskId":         payloadString(hctx, "task.id"),
	}, nil
}
