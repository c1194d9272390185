// Copyright 2026 The switchAILocal Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package gates provides the quality-gate plug-ins run by the tool-use hooks.
// A gate validates the files touched by a tool invocation and reports a
// status, a score and a list of issues. Gates are selected by phase: the
// pre phase runs the syntax and semantic gates, the post phase runs the lint
// and security gates.
package gates

import (
	"context"
	"fmt"
)

// Status is the outcome of a single gate.
type Status string

const (
	StatusPassed  Status = "passed"
	StatusWarning Status = "warning"
	StatusFailed  Status = "failed"
	StatusError   Status = "error"
)

// Report is the result of running one gate.
type Report struct {
	Gate   string   `json:"gate"`
	Status Status   `json:"status"`
	Score  float64  `json:"score"`
	Issues []string `json:"issues,omitempty"`
}

// Input is what a gate validates. Content maps a file path to its contents
// as returned by the configured FileSource.
type Input struct {
	Phase      string            `json:"phase"`
	Tool       string            `json:"tool"`
	Operation  string            `json:"operation"`
	Files      []string          `json:"files"`
	Content    map[string]string `json:"content"`
	Parameters map[string]any    `json:"parameters,omitempty"`
}

// Gate validates an Input.
type Gate interface {
	Name() string
	Validate(ctx context.Context, in Input) (Report, error)
}

// FuncGate adapts a function to the Gate interface.
type FuncGate struct {
	GateName string
	Fn       func(ctx context.Context, in Input) (Report, error)
}

// Name returns the gate name.
func (g FuncGate) Name() string { return g.GateName }

// Validate calls Fn and stamps the gate name on the report.
func (g FuncGate) Validate(ctx context.Context, in Input) (Report, error) {
	if g.Fn == nil {
		return Report{}, fmt.Errorf("gate %s has no function", g.GateName)
	}
	r, err := g.Fn(ctx, in)
	r.Gate = g.GateName
	return r, err
}

// UnknownGateError is returned when a phase names a gate that is not registered.
type UnknownGateError struct {
	Name string
}

func (e *UnknownGateError) Error() string {
	return fmt.Sprintf("quality gate %q is not registered", e.Name)
}

func scoreStatus(score float64, issues []string) Status {
	switch {
	case len(issues) == 0:
		return StatusPassed
	case score >= 0.7:
		return StatusWarning
	default:
		return StatusFailed
	}
}
