// Copyright 2026 The switchAILocal Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package bridge

import (
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/traylinx/hookbridge/internal/breaker"
	"github.com/traylinx/hookbridge/internal/hooks"
)

// Server ids of the backend MCP servers.
const (
	ServerSequential   = "sequential"
	ServerContext7     = "context7"
	ServerMagic        = "magic"
	ServerPlaywright   = "playwright"
	ServerCode         = "superclaude-code"
	ServerOrchestrator = "superclaude-orchestrator"
	ServerTasks        = "superclaude-tasks"
	ServerIntelligence = "superclaude-intelligence"
	ServerInternal     = "internal"
)

// toolServers routes the built-in tools.
var toolServers = map[string]string{
	"Read":      ServerCode,
	"Write":     ServerCode,
	"Edit":      ServerCode,
	"MultiEdit": ServerCode,
	"Grep":      ServerCode,
	"Glob":      ServerCode,
	"Bash":      ServerOrchestrator,
	"Task":      ServerTasks,
	"TodoWrite": ServerTasks,
	"WebSearch": ServerIntelligence,
	"WebFetch":  ServerIntelligence,
}

// mcpServers maps the server segment of an mcp__<server>__<tool> name.
var mcpServers = map[string]string{
	"sequential-thinking": ServerSequential,
	"sequential":          ServerSequential,
	"context7":            ServerContext7,
	"magic":               ServerMagic,
	"playwright":          ServerPlaywright,
}

// ServerBreakerID is the breaker operation id guarding server.
func ServerBreakerID(server string) string { return "server." + server }

// Router selects the backend server for a tool and falls back while the
// primary server's breaker is open.
type Router struct {
	breakers *breaker.Registry

	mu        sync.RWMutex
	fallbacks map[string]string
}

// NewRouter creates a router with the given primary to fallback table.
func NewRouter(breakers *breaker.Registry, fallbacks map[string]string) *Router {
	r := &Router{breakers: breakers}
	r.SetFallbacks(fallbacks)
	return r
}

// SetFallbacks replaces the fallback table.
func (r *Router) SetFallbacks(fallbacks map[string]string) {
	next := make(map[string]string, len(fallbacks))
	for k, v := range fallbacks {
		next[k] = v
	}
	r.mu.Lock()
	r.fallbacks = next
	r.mu.Unlock()
}

// Primary returns the server a tool is routed to when every server is healthy.
func Primary(tool string) string {
	if rest, ok := strings.CutPrefix(tool, "mcp__"); ok {
		name, _, _ := strings.Cut(rest, "__")
		if s, ok := mcpServers[name]; ok {
			return s
		}
		return ServerOrchestrator
	}
	if s, ok := toolServers[tool]; ok {
		return s
	}
	return ServerOrchestrator
}

// Route implements hooks.Router.
func (r *Router) Route(tool string) hooks.Route {
	primary := Primary(tool)
	route := hooks.Route{Server: primary, Primary: primary}
	if r.breakers == nil || !r.breakers.IsOpen(ServerBreakerID(primary)) {
		return route
	}

	r.mu.RLock()
	fallback, ok := r.fallbacks[primary]
	r.mu.RUnlock()
	if !ok {
		return route
	}
	route.Server = fallback
	route.Fallback = true
	log.WithFields(log.Fields{"tool": tool, "primary": primary, "fallback": fallback}).
		Warn("server breaker open, routing to fallback")
	return route
}

// RecordOutcome feeds the result of a call to server into its breaker.
func (r *Router) RecordOutcome(server string, err error) {
	if r.breakers == nil {
		return
	}
	r.breakers.Record(ServerBreakerID(server), err)
}
