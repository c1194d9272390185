// Copyright 2026 The switchAILocal Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package bridge

import (
	"fmt"
	"strings"

	"github.com/traylinx/hookbridge/internal/hooks"
)

// GuidanceKind selects an operator guidance template.
type GuidanceKind string

const (
	GuidanceCircuitOpen         GuidanceKind = "circuit_open"
	GuidanceTimeout             GuidanceKind = "timeout"
	GuidanceValidation          GuidanceKind = "validation"
	GuidanceUnregistered        GuidanceKind = "unregistered"
	GuidancePerformanceDegraded GuidanceKind = "performance_degraded"
	GuidanceHandlerFailed       GuidanceKind = "handler_failed"
)

type template struct {
	message     string
	suggestions []string
	fallback    string
}

// Templates use {name} placeholders filled from the guidance arguments.
var templates = map[GuidanceKind]template{
	GuidanceCircuitOpen: {
		message: "Circuit breaker is open for {operation}",
		suggestions: []string{
			"The operation failed {failures} times in a row",
			"The breaker admits a trial call after {recovery}",
			"Inspect the breaker state at GET /v1/breakers",
		},
		fallback: "Routing to {fallback}",
	},
	GuidanceTimeout: {
		message: "{operation} timed out",
		suggestions: []string{
			"Raise hooks.{operation}.timeout-ms if the work is legitimately slow",
			"Check the load of the host running the bridge",
			"The call is retried once when the failure is transient",
		},
		fallback: "Operation allowed without hook enrichment",
	},
	GuidanceValidation: {
		message: "Invalid hook context: {error}",
		suggestions: []string{
			"Send sessionId, operation and metadata.correlationId with every hook",
			"Keep performanceBudget.maxExecutionTime within 1.5x of the configured budget",
		},
		fallback: "The hook was not executed",
	},
	GuidanceUnregistered: {
		message: "No handler is registered for {operation}",
		suggestions: []string{
			"Use one of: {hooks}",
			"Check the hook name casing, e.g. preToolUse",
		},
		fallback: "The hook was not executed",
	},
	GuidancePerformanceDegraded: {
		message: "Performance is degraded",
		suggestions: []string{
			"Hook execution time: {elapsed}ms (budget: {budget}ms)",
			"Consider reducing operation complexity",
			"Clear cached results with POST /v1/cache/invalidate",
		},
		fallback: "Operation will continue but may be slow",
	},
	GuidanceHandlerFailed: {
		message: "Hook execution failed: {error}",
		suggestions: []string{
			"Check the bridge log for the correlation id of this request",
			"Repeated failures open the breaker for {operation}",
		},
		fallback: "Operation allowed but hook features disabled",
	},
}

// Guidance renders the template of kind with args. Unknown kinds yield a
// generic message.
func Guidance(kind GuidanceKind, args map[string]string) *hooks.Guidance {
	t, ok := templates[kind]
	if !ok {
		return &hooks.Guidance{
			Message:     fmt.Sprintf("Unexpected error: %s", args["error"]),
			Suggestions: []string{"Check the bridge log for details"},
			Fallback:    "Operation allowed",
		}
	}
	pairs := make([]string, 0, 2*len(args))
	for k, v := range args {
		pairs = append(pairs, "{"+k+"}", v)
	}
	r := strings.NewReplacer(pairs...)
	g := &hooks.Guidance{Message: r.Replace(t.message)}
	if t.fallback != "" {
		g.Fallback = r.Replace(t.fallback)
	}
	for _, s := range t.suggestions {
		g.Suggestions = append(g.Suggestions, r.Replace(s))
	}
	return g
}

// guidanceKind maps an error kind to its guidance template.
func guidanceKind(k hooks.ErrorKind) GuidanceKind {
	switch k {
	case hooks.KindCircuitOpen:
		return GuidanceCircuitOpen
	case hooks.KindTimeout, hooks.KindCanceled:
		return GuidanceTimeout
	case hooks.KindValidation:
		return GuidanceValidation
	case hooks.KindUnregistered:
		return GuidanceUnregistered
	default:
		return GuidanceHandlerFailed
	}
}
