package hooks

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// HookType identifies a lifecycle interception point.
type HookType string

const (
	PreToolUse   HookType = "preToolUse"
	PostToolUse  HookType = "postToolUse"
	PrePrompt    HookType = "prePrompt"
	PostPrompt   HookType = "postPrompt"
	PreCompact   HookType = "preCompact"
	Stop         HookType = "stop"
	SubagentStop HookType = "subagentStop"
)

// AllHookTypes returns every hook type in declaration order.
func AllHookTypes() []HookType {
	return []HookType{PreToolUse, PostToolUse, PrePrompt, PostPrompt, PreCompact, Stop, SubagentStop}
}

// Valid reports whether t is a known hook type.
func (t HookType) Valid() bool {
	switch t {
	case PreToolUse, PostToolUse, PrePrompt, PostPrompt, PreCompact, Stop, SubagentStop:
		return true
	}
	return false
}

// Critical reports whether a failure of t aborts the rest of a chain.
func (t HookType) Critical() bool {
	return t == PreToolUse || t == PostToolUse
}

// ParseHookType accepts camelCase, snake_case and kebab-case spellings.
func ParseHookType(s string) (HookType, error) {
	norm := strings.ToLower(strings.NewReplacer("_", "", "-", "").Replace(s))
	for _, t := range AllHookTypes() {
		if strings.ToLower(string(t)) == norm {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown hook type %q", s)
}

// Priority is the caller-assigned urgency of a hook context.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Metadata carries request correlation data.
type Metadata struct {
	CorrelationID string    `json:"correlationId"`
	Timestamp     time.Time `json:"timestamp"`
	Priority      Priority  `json:"priority,omitempty"`
}

// Budget is a requested performance budget. Times are in milliseconds.
type Budget struct {
	MaxExecutionTime   float64 `json:"maxExecutionTime"`
	OptimizationFactor float64 `json:"optimizationFactor,omitempty"`
}

// CacheOptions controls result caching for one request.
type CacheOptions struct {
	// Bypass skips both cache lookup and store.
	Bypass bool `json:"bypass,omitempty"`
	// TTL overrides the hook's cache TTL in milliseconds.
	TTL int64 `json:"ttl,omitempty"`
}

// SemanticOptions requests semantic or language-server enrichment.
type SemanticOptions struct {
	Enabled bool     `json:"enabled"`
	LSP     bool     `json:"lsp,omitempty"`
	Files   []string `json:"files,omitempty"`
}

// Context is the unit of work passed through the hook pipeline. A Context is
// never mutated once submitted; chains derive a new one per hop.
type Context struct {
	SessionID         string           `json:"sessionId"`
	Operation         string           `json:"operation"`
	Parameters        map[string]any   `json:"parameters,omitempty"`
	Metadata          Metadata         `json:"metadata"`
	PerformanceBudget *Budget          `json:"performanceBudget,omitempty"`
	CacheOptions      CacheOptions     `json:"cacheOptions"`
	SemanticOptions   *SemanticOptions `json:"semanticOptions,omitempty"`
	Payload           json.RawMessage  `json:"payload,omitempty"`
}

// WithData returns a copy of c whose parameters are shallow-merged with data.
// Keys in data overwrite existing keys.
func (c *Context) WithData(data map[string]any) *Context {
	next := *c
	next.Parameters = make(map[string]any, len(c.Parameters)+len(data))
	for k, v := range c.Parameters {
		next.Parameters[k] = v
	}
	for k, v := range data {
		next.Parameters[k] = v
	}
	return &next
}

// Param returns a string parameter or def.
func (c *Context) Param(key, def string) string {
	if v, ok := c.Parameters[key].(string); ok && v != "" {
		return v
	}
	return def
}

// Performance is the timing envelope of a result. Times are in milliseconds.
type Performance struct {
	ExecutionTime      float64 `json:"executionTime"`
	OptimizationFactor float64 `json:"optimizationFactor"`
	CacheHit           bool    `json:"cacheHit"`
	BudgetExceeded     bool    `json:"budgetExceeded,omitempty"`
}

// CacheInfo describes whether a result may be cached.
type CacheInfo struct {
	Cacheable bool  `json:"cacheable"`
	TTL       int64 `json:"ttl,omitempty"`
}

// Guidance is operator-facing help attached to failed results.
type Guidance struct {
	Message     string   `json:"message"`
	Suggestions []string `json:"suggestions,omitempty"`
	Fallback    string   `json:"fallback,omitempty"`
}

// Result is produced by every hook invocation, success or failure.
type Result struct {
	Hook        HookType       `json:"hook"`
	Success     bool           `json:"success"`
	Skipped     bool           `json:"skipped,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
	Error       string         `json:"error,omitempty"`
	ErrorKind   ErrorKind      `json:"errorKind,omitempty"`
	Performance Performance    `json:"performance"`
	CacheInfo   CacheInfo      `json:"cacheInfo"`
	Guidance    *Guidance      `json:"guidance,omitempty"`
}

// clone returns a copy safe to hand to a caller while the original stays cached.
func (r *Result) clone() *Result {
	out := *r
	if r.Data != nil {
		out.Data = make(map[string]any, len(r.Data))
		for k, v := range r.Data {
			out.Data[k] = v
		}
	}
	return &out
}

// FailedResult shapes err into a failed result for hook t.
func FailedResult(t HookType, err error) *Result {
	return &Result{
		Hook:      t,
		Success:   false,
		Error:     err.Error(),
		ErrorKind: KindOf(err),
	}
}

// SkippedResult marks hook t as not executed because an earlier critical hook failed.
func SkippedResult(t HookType, cause HookType) *Result {
	return &Result{
		Hook:      t,
		Success:   false,
		Skipped:   true,
		Error:     fmt.Sprintf("skipped: critical hook %s failed", cause),
		ErrorKind: KindSkipped,
	}
}
