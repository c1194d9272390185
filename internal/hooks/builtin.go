package hooks

import (
	"context"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/traylinx/hookbridge/internal/cache"
	"github.com/traylinx/hookbridge/internal/perf"
)

// GatePhase selects which quality gates run.
type GatePhase string

const (
	// PhasePre runs the syntax and semantic gates before a tool executes.
	PhasePre GatePhase = "pre"
	// PhasePost runs the lint and security gates after a tool executes.
	PhasePost GatePhase = "post"
)

// QualityReport aggregates the gates run for one phase.
type QualityReport struct {
	Passed bool              `json:"passed"`
	Score  float64           `json:"score"`
	Gates  map[string]string `json:"gates"`
	Issues []string          `json:"issues,omitempty"`
}

// QualityChecker runs the quality gates of a phase against a hook context.
type QualityChecker interface {
	Check(ctx context.Context, phase GatePhase, hctx *Context) (QualityReport, error)
}

// Route is the backend server selected for a tool.
type Route struct {
	Server   string `json:"server"`
	Primary  string `json:"primary"`
	Fallback bool   `json:"fallback"`
}

// Router selects the backend server for a tool.
type Router interface {
	Route(tool string) Route
}

// BuiltinDeps are the optional collaborators of the built-in handlers.
// Nil collaborators disable the corresponding enrichment.
type BuiltinDeps struct {
	Gates   QualityChecker
	Router  Router
	Domains *cache.Domains
	Tracker *perf.Tracker
}

// RegisterBuiltins registers a handler for every hook type.
func RegisterBuiltins(c *Coordinator, deps BuiltinDeps) {
	for _, h := range Builtins(deps) {
		c.Register(h)
	}
}

// Builtins returns the built-in handler for every hook type.
func Builtins(deps BuiltinDeps) []Handler {
	return []Handler{
		&preToolUseHandler{deps: deps},
		&postToolUseHandler{deps: deps},
		&prePromptHandler{},
		&postPromptHandler{},
		&preCompactHandler{},
		&stopHandler{deps: deps},
		&subagentStopHandler{},
	}
}

// payloadString reads path from the payload, then from parameters.
func payloadString(hctx *Context, path string) string {
	if len(hctx.Payload) > 0 {
		if v := gjson.GetBytes(hctx.Payload, path); v.Exists() {
			return v.String()
		}
	}
	return hctx.Param(path, "")
}

func validatePayload(hctx *Context) []FieldError {
	if len(hctx.Payload) > 0 && !gjson.ValidBytes(hctx.Payload) {
		return []FieldError{{Field: "payload", Problem: "is not valid JSON"}}
	}
	return nil
}

func containsAny(s string, terms ...string) bool {
	for _, t := range terms {
		if strings.Contains(s, t) {
			return true
		}
	}
	return false
}

func countContaining(s string, terms ...string) int {
	n := 0
	for _, t := range terms {
		if strings.Contains(s, t) {
			n++
		}
	}
	return n
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
