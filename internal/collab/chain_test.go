package collab

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/traylinx/hookbridge/internal/persona"
)

func TestExecuteChain_Completes(t *testing.T) {
	f := newFixture(t)

	exec, err := f.coord.ExecuteChain(context.Background(), []Step{
		{Persona: persona.Architect, Operation: "design the api"},
		{Persona: persona.Backend, Operation: "implement the api"},
		{Persona: persona.QA, Operation: "test the api"},
	}, map[string]any{"repo": "orders"})
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, exec.Status())
	require.Len(t, exec.Results, 3)
	require.Len(t, exec.Preservation, 3)
	for _, p := range exec.Preservation {
		assert.InDelta(t, 1.0, p.Score, 1e-9)
	}
	assert.InDelta(t, 1.0, exec.MeanPreservation(), 1e-9)
	assert.Contains(t, exec.Results[1].Insights, "continues from architect")
	assert.Contains(t, exec.Insights, "qa perspective on test the api")
	assert.Contains(t, exec.SharedState, "repo")
	assert.Contains(t, exec.SharedState, "step1.backend")
	assert.Equal(t, int64(1), f.coord.Stats().ChainExecutions)
}

func TestExecuteChain_FailedStepDoesNotStopChain(t *testing.T) {
	var handoffs []*Handoff
	f := newFixture(t,
		BehaviorFunc{Name: persona.Analyzer, Fn: func(context.Context, *Context) (Result, error) {
			return Result{}, errors.New("no logs")
		}},
		BehaviorFunc{Name: persona.Refactorer, Fn: func(_ context.Context, bctx *Context) (Result, error) {
			handoffs = append(handoffs, bctx.Handoff)
			return Result{Success: true, Insights: []string{"extracted helper"}}, nil
		}},
	)

	exec, err := f.coord.ExecuteChain(context.Background(), []Step{
		{Persona: persona.Analyzer, Operation: "find the cause"},
		{Persona: persona.Refactorer, Operation: "clean up"},
	}, nil)
	require.NoError(t, err)

	assert.Equal(t, StatusFailed, exec.Status())
	require.Len(t, exec.Results, 2)
	assert.False(t, exec.Results[0].Success)
	assert.True(t, exec.Results[1].Success)
	require.Len(t, handoffs, 1)
	assert.Nil(t, handoffs[0])

	// Only the step context survived the failed first step.
	assert.InDelta(t, stepContextWeight, exec.Preservation[0].Score, 1e-9)
	assert.InDelta(t, 1.0, exec.Preservation[1].Score, 1e-9)
}

func TestExecuteChain_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.coord.ExecuteChain(ctx, nil, nil)
	assert.Error(t, err)

	_, err = f.coord.ExecuteChain(ctx, []Step{{Persona: persona.Architect}, {Persona: "ghost"}}, nil)
	var unknown *persona.UnknownPersonaError
	assert.ErrorAs(t, err, &unknown)
	assert.Zero(t, f.coord.Stats().ChainExecutions)
}

func TestChainExecution_TerminalStatesAreFinal(t *testing.T) {
	exec := &ChainExecution{status: StatusPending}
	require.NoError(t, exec.transition(StatusRunning))
	assert.ErrorIs(t, exec.transition(StatusRunning), ErrInvalidTransition)
	require.NoError(t, exec.transition(StatusCompleted))

	for _, to := range []Status{StatusRunning, StatusFailed, StatusCompleted, StatusPending} {
		assert.ErrorIs(t, exec.transition(to), ErrInvalidTransition)
	}
	assert.Equal(t, StatusCompleted, exec.Status())
	assert.True(t, StatusFailed.Terminal())
	assert.False(t, StatusRunning.Terminal())
}
