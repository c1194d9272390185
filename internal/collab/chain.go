package collab

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/traylinx/hookbridge/internal/logging"
	"github.com/traylinx/hookbridge/internal/persona"
)

// Status is the lifecycle state of a chain execution.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ErrInvalidTransition is returned when a chain leaves a terminal state.
var ErrInvalidTransition = errors.New("invalid chain status transition")

// Step is one persona invocation in a chain.
type Step struct {
	Persona   persona.Name `json:"persona"`
	Operation string       `json:"operation"`
}

// Preservation weights. They sum to one.
const (
	insightsWeight    = 0.3
	handoffWeight     = 0.3
	stepContextWeight = 0.2
	sharedStateWeight = 0.2
)

// Preservation records which parts of the context survived a handoff.
type Preservation struct {
	Step        int     `json:"step"`
	Insights    bool    `json:"insightsPresent"`
	Handoff     bool    `json:"handoffPresent"`
	StepContext bool    `json:"stepContextPresent"`
	SharedState bool    `json:"sharedStatePresent"`
	Score       float64 `json:"preservationScore"`
}

func (p *Preservation) score() {
	p.Score = 0
	if p.Insights {
		p.Score += insightsWeight
	}
	if p.Handoff {
		p.Score += handoffWeight
	}
	if p.StepContext {
		p.Score += stepContextWeight
	}
	if p.SharedState {
		p.Score += sharedStateWeight
	}
}

// ChainExecution is the record of one ExecuteChain call.
type ChainExecution struct {
	ID           string         `json:"id"`
	Steps        []Step         `json:"steps"`
	Results      []Result       `json:"results"`
	Preservation []Preservation `json:"preservation"`
	Insights     []string       `json:"insights"`
	SharedState  map[string]any `json:"sharedState"`
	StartedAt    time.Time      `json:"startedAt"`
	FinishedAt   time.Time      `json:"finishedAt"`

	mu     sync.Mutex
	status Status
}

// Status returns the current state.
func (e *ChainExecution) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

func (e *ChainExecution) transition(to Status) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status.Terminal() || (to == StatusRunning && e.status != StatusPending) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, e.status, to)
	}
	e.status = to
	return nil
}

// chainView is the serialized form of a ChainExecution.
type chainView struct {
	ID           string         `json:"id"`
	Status       Status         `json:"status"`
	Steps        []Step         `json:"steps"`
	Results      []Result       `json:"results"`
	Preservation []Preservation `json:"preservation"`
	Insights     []string       `json:"insights"`
	SharedState  map[string]any `json:"sharedState"`
	Duration     time.Duration  `json:"duration"`
}

// View returns a copy of the execution safe to serialize.
func (e *ChainExecution) View() any {
	return chainView{
		ID:           e.ID,
		Status:       e.Status(),
		Steps:        e.Steps,
		Results:      e.Results,
		Preservation: e.Preservation,
		Insights:     e.Insights,
		SharedState:  e.SharedState,
		Duration:     e.FinishedAt.Sub(e.StartedAt),
	}
}

// MeanPreservation is the average preservation score over all steps.
func (e *ChainExecution) MeanPreservation() float64 {
	if len(e.Preservation) == 0 {
		return 0
	}
	sum := 0.0
	for _, p := range e.Preservation {
		sum += p.Score
	}
	return sum / float64(len(e.Preservation))
}

// ExecuteChain runs steps strictly in order, handing each step's output to
// the next one. A failing step is recorded and the chain continues; the
// chain ends failed if any step failed.
func (c *Coordinator) ExecuteChain(ctx context.Context, steps []Step, shared map[string]any) (*ChainExecution, error) {
	if len(steps) == 0 {
		return nil, errors.New("empty persona chain")
	}
	for _, s := range steps {
		if _, ok := c.behavior(s.Persona); !ok {
			return nil, &persona.UnknownPersonaError{Name: string(s.Persona)}
		}
	}

	exec := &ChainExecution{
		ID:          uuid.NewString(),
		Steps:       steps,
		SharedState: copyShared(shared),
		StartedAt:   c.now(),
		status:      StatusPending,
	}
	if err := exec.transition(StatusRunning); err != nil {
		return nil, err
	}
	c.chains.Add(1)
	entry := logging.FromContext(ctx).WithField("chain", exec.ID)

	var (
		handoff *Handoff
		failed  bool
		seen    = make(map[string]bool)
	)
	for i, s := range steps {
		bctx := &Context{
			Operation: s.Operation,
			Step:      i,
			History:   append([]Result(nil), exec.Results...),
			Handoff:   handoff,
			Shared:    exec.SharedState,
		}
		if p, err := c.registry.Get(s.Persona); err == nil {
			bctx.Domain = p.Domain
		}
		r := c.invoke(ctx, s.Persona, bctx)
		exec.Results = append(exec.Results, r)

		if r.Success {
			for _, in := range r.Insights {
				if !seen[in] {
					seen[in] = true
					exec.Insights = append(exec.Insights, in)
				}
			}
			exec.SharedState[fmt.Sprintf("step%d.%s", i, s.Persona)] = r.Recommendations
			handoff = &Handoff{From: s.Persona, Insights: r.Insights, Recommendations: r.Recommendations}
		} else {
			failed = true
		}

		p := Preservation{
			Step:        i,
			Insights:    len(exec.Insights) > 0,
			Handoff:     !handoff.empty(),
			StepContext: s.Operation != "",
			SharedState: len(exec.SharedState) > 0,
		}
		p.score()
		exec.Preservation = append(exec.Preservation, p)
		if p.Score < c.preservationTarget {
			entry.WithFields(log.Fields{"step": i, "persona": s.Persona, "score": p.Score}).
				Warn("context preservation below target")
		}
	}

	exec.FinishedAt = c.now()
	final := StatusCompleted
	if failed {
		final = StatusFailed
	}
	if err := exec.transition(final); err != nil {
		return nil, err
	}
	entry.WithFields(log.Fields{"steps": len(steps), "status": final}).Debug("persona chain finished")
	return exec, nil
}
