package dump

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedStepper becomes ready after readyAfter steps, sleeping delay in each.
type scriptedStepper struct {
	readyAfter int
	delay      time.Duration
	failAt     int
	cancel     context.CancelFunc
	calls      int
}

func (s *scriptedStepper) Step(ctx context.Context) (*StepResult, error) {
	s.calls++
	if s.failAt > 0 && s.calls == s.failAt {
		return nil, fmt.Errorf("step %d failed", s.calls)
	}
	time.Sleep(s.delay)
	if s.cancel != nil {
		s.cancel()
	}
	return &StepResult{State: StateRowPhase, RowsWritten: s.calls, Ready: s.calls >= s.readyAfter}, nil
}

func TestRun_UnlimitedBudgetRunsToReady(t *testing.T) {
	t.Parallel()

	s := &scriptedStepper{readyAfter: 5}
	res, err := Run(context.Background(), s, 0)
	require.NoError(t, err)
	assert.True(t, res.Ready)
	assert.Equal(t, 5, s.calls)
}

func TestRun_StopsBeforeOverrunningBudget(t *testing.T) {
	t.Parallel()

	s := &scriptedStepper{readyAfter: 100, delay: 30 * time.Millisecond}
	res, err := Run(context.Background(), s, 50*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.False(t, res.Ready)
	assert.Equal(t, 1, s.calls, "a second step would overrun the budget")
}

func TestRun_FirstStepAlwaysRuns(t *testing.T) {
	t.Parallel()

	s := &scriptedStepper{readyAfter: 3, delay: 5 * time.Millisecond}
	res, err := Run(context.Background(), s, time.Nanosecond)
	require.NoError(t, err)
	assert.Equal(t, 1, s.calls)
	assert.Equal(t, 1, res.RowsWritten)
}

func TestRun_ContextCancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	s := &scriptedStepper{readyAfter: 10, cancel: cancel}

	res, err := Run(ctx, s, 0)
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, res, "the last completed step is returned")
	assert.Equal(t, 1, res.RowsWritten)
	assert.Equal(t, 1, s.calls)
}

func TestRun_StepError(t *testing.T) {
	t.Parallel()

	s := &scriptedStepper{readyAfter: 10, failAt: 3}
	res, err := Run(context.Background(), s, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "step 3 failed")
	require.NotNil(t, res)
	assert.Equal(t, 2, res.RowsWritten)
}

func TestRun_Orchestrator(t *testing.T) {
	t.Parallel()

	h := newHarness(t, newFakeDB("A", 5, "B", 3), 2)
	res, err := Run(context.Background(), h.orch, 0)
	require.NoError(t, err)
	assert.True(t, res.Ready)
	assert.Len(t, h.db.chunkCalls, 5)
}
