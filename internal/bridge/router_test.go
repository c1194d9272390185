// Copyright 2026 The switchAILocal Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package bridge

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/traylinx/hookbridge/internal/breaker"
	"github.com/traylinx/hookbridge/internal/config"
)

func TestPrimary(t *testing.T) {
	cases := map[string]string{
		"Read":                            ServerCode,
		"Bash":                            ServerOrchestrator,
		"TodoWrite":                       ServerTasks,
		"WebFetch":                        ServerIntelligence,
		"mcp__sequential-thinking__think": ServerSequential,
		"mcp__magic__builder":             ServerMagic,
		"mcp__unknown__tool":              ServerOrchestrator,
		"SomethingNew":                    ServerOrchestrator,
	}
	for tool, want := range cases {
		assert.Equal(t, want, Primary(tool), tool)
	}
}

func TestRouter_FallsBackWhileBreakerOpen(t *testing.T) {
	reg := breaker.NewRegistry(breaker.Options{FailureThreshold: 1, RecoveryTimeout: time.Hour})
	r := NewRouter(reg, config.DefaultFallbacks())

	route := r.Route("mcp__magic__builder")
	assert.Equal(t, ServerMagic, route.Server)
	assert.False(t, route.Fallback)

	r.RecordOutcome(ServerMagic, errors.New("upstream 503"))
	route = r.Route("mcp__magic__builder")
	assert.Equal(t, "superclaude-ui", route.Server)
	assert.Equal(t, ServerMagic, route.Primary)
	assert.True(t, route.Fallback)

	r.RecordOutcome(ServerMagic, nil)
	assert.Equal(t, ServerMagic, r.Route("mcp__magic__builder").Server)
}

func TestRouter_NoFallbackEntryKeepsPrimary(t *testing.T) {
	reg := breaker.NewRegistry(breaker.Options{FailureThreshold: 1, RecoveryTimeout: time.Hour})
	r := NewRouter(reg, nil)

	r.RecordOutcome(ServerCode, errors.New("down"))
	route := r.Route("Edit")
	assert.Equal(t, ServerCode, route.Server)
	assert.False(t, route.Fallback)

	r.SetFallbacks(map[string]string{ServerCode: ServerInternal})
	assert.Equal(t, ServerInternal, r.Route("Edit").Server)
}

func TestRouter_NilRegistry(t *testing.T) {
	r := NewRouter(nil, config.DefaultFallbacks())
	r.RecordOutcome(ServerMagic, errors.New("ignored"))
	assert.Equal(t, ServerMagic, r.Route("mcp__magic__x").Server)
}
