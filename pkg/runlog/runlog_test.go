package runlog

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type groupRecorder struct {
	Nop
	events []string
}

func (g *groupRecorder) GroupStarted(ctx context.Context, group string) context.Context {
	g.events = append(g.events, "start "+group)
	return ctx
}

func (g *groupRecorder) GroupFinished(_ context.Context, group string, status Status) {
	g.events = append(g.events, "finish "+group+" "+string(status))
}

func TestMultiSkipsNil(t *testing.T) {
	a := &groupRecorder{}
	b := &groupRecorder{}
	obs := Multi(a, nil, b)

	ctx := obs.GroupStarted(context.Background(), "lint")
	obs.GroupFinished(ctx, "lint", StatusPassed)

	assert.Equal(t, []string{"start lint", "finish lint passed"}, a.events)
	assert.Equal(t, a.events, b.events)
}

func TestCollectorUsesFirstFailedExitCode(t *testing.T) {
	c := NewCollector("task", "test")
	require.NotEmpty(t, c.record.ID)

	ctx := context.Background()
	c.StepFinished(ctx, &Step{Group: "test", Name: "ok", Status: StatusPassed})
	c.StepFinished(ctx, &Step{Group: "test", Name: "soft", Status: StatusFailed, ExitCode: 3, Tolerated: true})
	c.StepFinished(ctx, &Step{Group: "test", Name: "hard", Status: StatusFailed, ExitCode: 2})

	record := c.Finish(errors.New("boom"))
	assert.Equal(t, StatusFailed, record.Status)
	assert.Equal(t, 2, record.ExitCode)
	assert.Len(t, record.Steps, 3)
	assert.Equal(t, "hard", record.Failed().Name)
}

func TestCollectorPassedAndCancelled(t *testing.T) {
	c := NewCollector("workflow", "CI")
	c.SetTrigger("push refs/heads/main")
	record := c.Finish(nil)
	assert.Equal(t, StatusPassed, record.Status)
	assert.Equal(t, 0, record.ExitCode)
	assert.Equal(t, "push refs/heads/main", record.Trigger)

	c = NewCollector("workflow", "CI")
	record = c.Finish(context.Canceled)
	assert.Equal(t, StatusCancelled, record.Status)
	assert.Equal(t, 1, record.ExitCode)
}
