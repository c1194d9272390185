// Copyright 2026 The switchAILocal Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package gates

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/traylinx/hookbridge/internal/hooks"
	"github.com/traylinx/hookbridge/internal/logging"
	"github.com/traylinx/hookbridge/internal/perf"
)

// DefaultTimeout bounds a single gate execution.
const DefaultTimeout = 500 * time.Millisecond

// Options configures a Runner.
type Options struct {
	// Timeout bounds each gate attempt. Zero means DefaultTimeout.
	Timeout time.Duration
	// Retries is the number of retries for retryable gate errors.
	Retries int
	// Files supplies file contents. Nil means gates see no content.
	Files FileSource
	// Tracker records gate timings under "gate.<name>". Optional.
	Tracker *perf.Tracker
	// Phases overrides the gate names run per phase.
	Phases map[hooks.GatePhase][]string
}

// DefaultPhases returns the gates run per phase.
func DefaultPhases() map[hooks.GatePhase][]string {
	return map[hooks.GatePhase][]string{
		hooks.PhasePre:  {GateSyntax, GateSemantic},
		hooks.PhasePost: {GateLint, GateSecurity},
	}
}

// Runner runs the gates of a phase with a per-gate timeout and retry.
// A failing gate is reported in the aggregate, never returned as an error.
type Runner struct {
	mu      sync.RWMutex
	gates   map[string]Gate
	phases  map[hooks.GatePhase][]string
	timeout time.Duration
	retries int
	files   FileSource
	tracker *perf.Tracker
}

// NewRunner creates a runner with the given gates registered.
func NewRunner(opts Options, gates ...Gate) *Runner {
	r := &Runner{
		gates:   make(map[string]Gate),
		phases:  opts.Phases,
		timeout: opts.Timeout,
		retries: opts.Retries,
		files:   opts.Files,
		tracker: opts.Tracker,
	}
	if r.phases == nil {
		r.phases = DefaultPhases()
	}
	if r.timeout <= 0 {
		r.timeout = DefaultTimeout
	}
	if r.retries < 0 {
		r.retries = 0
	}
	for _, g := range gates {
		r.Register(g)
	}
	return r
}

// Register adds or replaces a gate by name.
func (r *Runner) Register(g Gate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gates[g.Name()] = g
}

// Gates returns the registered gate names for phase.
func (r *Runner) Gates(phase hooks.GatePhase) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.phases[phase]...)
}

// Check implements hooks.QualityChecker.
func (r *Runner) Check(ctx context.Context, phase hooks.GatePhase, hctx *hooks.Context) (hooks.QualityReport, error) {
	in, err := r.input(ctx, hctx)
	if err != nil {
		return hooks.QualityReport{}, err
	}
	in.Phase = string(phase)
	reports := r.Run(ctx, phase, in)
	return Aggregate(reports), nil
}

// Run executes every gate of phase against in, in order.
func (r *Runner) Run(ctx context.Context, phase hooks.GatePhase, in Input) []Report {
	names := r.Gates(phase)
	reports := make([]Report, 0, len(names))
	entry := logging.FromContext(ctx).WithField("phase", phase)
	for _, name := range names {
		rep, err := r.RunGate(ctx, name, in)
		if err != nil {
			entry.WithField("gate", name).Warnf("quality gate failed: %v", err)
			rep = Report{Gate: name, Status: StatusError, Issues: []string{err.Error()}}
		}
		reports = append(reports, rep)
	}
	return reports
}

// RunGate executes one gate by name, retrying retryable failures.
func (r *Runner) RunGate(ctx context.Context, name string, in Input) (Report, error) {
	r.mu.RLock()
	g, ok := r.gates[name]
	r.mu.RUnlock()
	if !ok {
		return Report{}, &UnknownGateError{Name: name}
	}

	var (
		rep Report
		err error
	)
	for attempt := 0; attempt <= r.retries; attempt++ {
		rep, err = r.runOnce(ctx, g, in)
		if err == nil || !hooks.IsRetryable(err) || ctx.Err() != nil {
			break
		}
		log.WithField("gate", name).Debugf("retrying gate after retryable failure: %v", err)
	}
	return rep, err
}

func (r *Runner) runOnce(ctx context.Context, g Gate, in Input) (Report, error) {
	var timer perf.TimerID
	if r.tracker != nil {
		timer = r.tracker.StartTimer("gate." + g.Name())
	}

	runCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	type outcome struct {
		rep Report
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- outcome{err: fmt.Errorf("gate %s panicked: %v", g.Name(), p)}
			}
		}()
		rep, err := g.Validate(runCtx, in)
		done <- outcome{rep: rep, err: err}
	}()

	var out outcome
	select {
	case out = <-done:
		if out.err != nil && errors.Is(out.err, context.DeadlineExceeded) && ctx.Err() == nil {
			out.err = &hooks.TimeoutError{Operation: "gate." + g.Name(), After: r.timeout}
		}
	case <-runCtx.Done():
		if ctx.Err() != nil {
			out.err = ctx.Err()
		} else {
			out.err = &hooks.TimeoutError{Operation: "gate." + g.Name(), After: r.timeout}
		}
	}

	if r.tracker != nil {
		_, _ = r.tracker.EndTimer(timer, out.err != nil)
	}
	if out.err == nil && out.rep.Gate == "" {
		out.rep.Gate = g.Name()
	}
	return out.rep, out.err
}

// input collects the files named by the hook context and reads them through
// the file source. Inline content in the payload wins over the source.
func (r *Runner) input(ctx context.Context, hctx *hooks.Context) (Input, error) {
	in := Input{
		Operation:  hctx.Operation,
		Parameters: hctx.Parameters,
		Content:    make(map[string]string),
	}
	payload := hctx.Payload
	in.Tool = gjson.GetBytes(payload, "tool").String()
	if in.Tool == "" {
		in.Tool = hctx.Operation
	}

	seen := make(map[string]bool)
	add := func(f string) {
		if f != "" && !seen[f] {
			seen[f] = true
			in.Files = append(in.Files, f)
		}
	}
	for _, path := range []string{"args.file_path", "args.path", "file_path"} {
		add(gjson.GetBytes(payload, path).String())
	}
	for _, f := range gjson.GetBytes(payload, "args.files").Array() {
		add(f.String())
	}
	if hctx.SemanticOptions != nil {
		for _, f := range hctx.SemanticOptions.Files {
			add(f)
		}
	}

	inline := gjson.GetBytes(payload, "args.content")
	if !inline.Exists() {
		inline = gjson.GetBytes(payload, "args.new_string")
	}
	for i, f := range in.Files {
		if i == 0 && inline.Exists() {
			in.Content[f] = inline.String()
			continue
		}
		if r.files == nil {
			continue
		}
		content, err := r.files.ReadFile(ctx, f)
		if err != nil {
			if ctx.Err() != nil {
				return Input{}, ctx.Err()
			}
			log.WithField("file", f).Debugf("gate input unavailable: %v", err)
			continue
		}
		in.Content[f] = content
	}
	return in, nil
}

// Aggregate folds gate reports into one quality report. The score is the
// mean of the gate scores; the report passes when no gate failed or errored.
func Aggregate(reports []Report) hooks.QualityReport {
	out := hooks.QualityReport{Passed: true, Score: 1, Gates: make(map[string]string, len(reports))}
	if len(reports) == 0 {
		return out
	}
	sum := 0.0
	for _, rep := range reports {
		out.Gates[rep.Gate] = string(rep.Status)
		sum += rep.Score
		if rep.Status == StatusFailed || rep.Status == StatusError {
			out.Passed = false
		}
		for _, issue := range rep.Issues {
			out.Issues = append(out.Issues, rep.Gate+": "+issue)
		}
	}
	out.Score = sum / float64(len(reports))
	return out
}
