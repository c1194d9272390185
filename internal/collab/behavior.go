// Package collab coordinates several personas working on one operation:
// parallel, sequential and hierarchical collaboration, conflict resolution
// between their recommendations, expertise sharing and chained execution.
package collab

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/traylinx/hookbridge/internal/persona"
)

// Context is what a persona behavior receives.
type Context struct {
	Operation string         `json:"operation"`
	Domain    persona.Domain `json:"domain,omitempty"`
	Step      int            `json:"step"`
	// History holds the results of earlier steps in sequential modes.
	History []Result `json:"history,omitempty"`
	// HierarchicalInput holds the successful results of personas ranked
	// above this one in hierarchical mode.
	HierarchicalInput []Result `json:"hierarchicalInput,omitempty"`
	// Handoff is the package passed from the previous chain step.
	Handoff *Handoff       `json:"handoff,omitempty"`
	Shared  map[string]any `json:"shared,omitempty"`
}

// Handoff carries one chain step's output to the next step.
type Handoff struct {
	From            persona.Name `json:"from"`
	Insights        []string     `json:"insights,omitempty"`
	Recommendations []string     `json:"recommendations,omitempty"`
}

func (h *Handoff) empty() bool {
	return h == nil || (len(h.Insights) == 0 && len(h.Recommendations) == 0)
}

// Result is the output of one persona behavior.
type Result struct {
	Persona         persona.Name  `json:"persona"`
	Success         bool          `json:"success"`
	Recommendations []string      `json:"recommendations,omitempty"`
	Insights        []string      `json:"insights,omitempty"`
	ActionItems     []string      `json:"actionItems,omitempty"`
	Confidence      float64       `json:"confidence"`
	Error           string        `json:"error,omitempty"`
	Skipped         bool          `json:"skipped,omitempty"`
	Duration        time.Duration `json:"duration"`
}

// Behavior applies a persona to an operation.
type Behavior interface {
	Persona() persona.Name
	ApplyBehavior(ctx context.Context, bctx *Context) (Result, error)
}

// ExpertiseReceiver is implemented by behaviors that accept shared expertise.
type ExpertiseReceiver interface {
	ReceiveExpertise(ctx context.Context, e Expertise) error
}

// BehaviorFunc adapts a function to the Behavior interface.
type BehaviorFunc struct {
	Name persona.Name
	Fn   func(ctx context.Context, bctx *Context) (Result, error)
}

func (b BehaviorFunc) Persona() persona.Name { return b.Name }

func (b BehaviorFunc) ApplyBehavior(ctx context.Context, bctx *Context) (Result, error) {
	return b.Fn(ctx, bctx)
}

// profileGuidance is the fixed output of a built-in persona behavior.
type profileGuidance struct {
	recommendations []string
	actions         []string
	confidence      float64
}

var guidance = map[persona.Name]profileGuidance{
	persona.Architect: {
		recommendations: []string{"define clear service boundaries", "prefer asynchronous messaging between services"},
		actions:         []string{"record architecture decisions", "review changes with the team"},
		confidence:      0.85,
	},
	persona.Frontend: {
		recommendations: []string{"keep components small and composable", "use client-side caching for static data"},
		actions:         []string{"check accessibility of new components", "review changes with the team"},
		confidence:      0.8,
	},
	persona.Backend: {
		recommendations: []string{"keep the synchronous request path simple", "use sql transactions for consistency"},
		actions:         []string{"add integration tests for endpoints", "review changes with the team"},
		confidence:      0.82,
	},
	persona.Security: {
		recommendations: []string{"validate all input at trust boundaries", "use synchronous authorization checks"},
		actions:         []string{"run a dependency vulnerability scan"},
		confidence:      0.9,
	},
	persona.Performance: {
		recommendations: []string{"measure before optimizing", "move slow work to asynchronous processing"},
		actions:         []string{"add latency budgets to monitoring"},
		confidence:      0.8,
	},
	persona.Analyzer: {
		recommendations: []string{"collect evidence before concluding"},
		actions:         []string{"write down the root cause"},
		confidence:      0.78,
	},
	persona.QA: {
		recommendations: []string{"cover changed behavior with regression tests"},
		actions:         []string{"add regression tests", "review changes with the team"},
		confidence:      0.8,
	},
	persona.Refactorer: {
		recommendations: []string{"remove duplication before adding features"},
		actions:         []string{"simplify the touched functions"},
		confidence:      0.75,
	},
	persona.DevOps: {
		recommendations: []string{"automate the deployment pipeline"},
		actions:         []string{"add a rollback procedure"},
		confidence:      0.8,
	},
	persona.Mentor: {
		recommendations: []string{"explain trade-offs step by step"},
		actions:         []string{"link to background material"},
		confidence:      0.7,
	},
	persona.Scribe: {
		recommendations: []string{"document public interfaces"},
		actions:         []string{"update the changelog"},
		confidence:      0.72,
	},
}

// ProfileBehavior is the built-in deterministic behavior of a persona. It
// keeps the expertise it receives and reports it as insights.
type ProfileBehavior struct {
	name persona.Name

	mu       sync.Mutex
	received []Expertise
}

// NewProfileBehavior returns the built-in behavior of name.
func NewProfileBehavior(name persona.Name) (*ProfileBehavior, error) {
	if _, ok := guidance[name]; !ok {
		return nil, &persona.UnknownPersonaError{Name: string(name)}
	}
	return &ProfileBehavior{name: name}, nil
}

// DefaultBehaviors returns a built-in behavior for every persona.
func DefaultBehaviors() []Behavior {
	out := make([]Behavior, 0, len(persona.All()))
	for _, n := range persona.All() {
		b, _ := NewProfileBehavior(n)
		out = append(out, b)
	}
	return out
}

func (b *ProfileBehavior) Persona() persona.Name { return b.name }

func (b *ProfileBehavior) ApplyBehavior(ctx context.Context, bctx *Context) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	g := guidance[b.name]
	res := Result{
		Persona:         b.name,
		Success:         true,
		Recommendations: append([]string(nil), g.recommendations...),
		ActionItems:     append([]string(nil), g.actions...),
		Confidence:      g.confidence,
		Insights:        []string{fmt.Sprintf("%s perspective on %s", b.name, bctx.Operation)},
	}
	for _, prior := range bctx.HierarchicalInput {
		res.Insights = append(res.Insights, fmt.Sprintf("builds on %s guidance", prior.Persona))
	}
	if !bctx.Handoff.empty() {
		res.Insights = append(res.Insights, fmt.Sprintf("continues from %s", bctx.Handoff.From))
	}

	b.mu.Lock()
	for _, e := range b.received {
		res.Insights = append(res.Insights, fmt.Sprintf("%s expertise: %s", e.From, e.Content))
	}
	b.mu.Unlock()
	return res, nil
}

// maxReceivedExpertise bounds the expertise a behavior keeps.
const maxReceivedExpertise = 16

// ReceiveExpertise stores e for later applications. Only the most recent
// maxReceivedExpertise entries are kept.
func (b *ProfileBehavior) ReceiveExpertise(_ context.Context, e Expertise) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.received = append(b.received, e)
	if n := len(b.received) - maxReceivedExpertise; n > 0 {
		b.received = append(b.received[:0:0], b.received[n:]...)
	}
	return nil
}

// Received returns the retained expertise, oldest first.
func (b *ProfileBehavior) Received() []Expertise {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Expertise(nil), b.received...)
}
