// Package runlog defines the step events emitted by the task and workflow runners
// and the records assembled from them.
package runlog

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/aidarkhanov/nanoid"
)

type Status string

const (
	StatusPassed    Status = "passed"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
	StatusCancelled Status = "cancelled"
)

// Step describes a single shell statement or workflow step.
type Step struct {
	Group    string
	Name     string
	Command  string
	Status   Status
	ExitCode int
	Started  time.Time
	Duration time.Duration
	Output   []byte `json:"-"`
	Error    string `json:",omitempty"`
	// Reason explains why a step was skipped.
	Reason string `json:",omitempty"`
	// Tolerated marks a failure that did not fail the run.
	Tolerated bool `json:",omitempty"`
}

// Record is the result of one invocation.
type Record struct {
	ID       string
	Kind     string
	Name     string
	Trigger  string `json:",omitempty"`
	Started  time.Time
	Duration time.Duration
	Status   Status
	ExitCode int
	Steps    []Step
}

// Failed returns the first failed step that broke the run, or nil.
func (r *Record) Failed() *Step {
	for idx := range r.Steps {
		if r.Steps[idx].Status == StatusFailed && !r.Steps[idx].Tolerated {
			return &r.Steps[idx]
		}
	}
	return nil
}

// Observer receives progress events. Start callbacks may return a derived context
// which is passed to the matching finish callback.
type Observer interface {
	GroupStarted(ctx context.Context, group string) context.Context
	GroupFinished(ctx context.Context, group string, status Status)
	StepStarted(ctx context.Context, step *Step) context.Context
	StepFinished(ctx context.Context, step *Step)
}

// Nop implements Observer without doing anything. Embed it to implement a subset.
type Nop struct{}

func (Nop) GroupStarted(ctx context.Context, _ string) context.Context { return ctx }
func (Nop) GroupFinished(context.Context, string, Status)              {}
func (Nop) StepStarted(ctx context.Context, _ *Step) context.Context   { return ctx }
func (Nop) StepFinished(context.Context, *Step)                        {}

type multi []Observer

// Multi fans events out to several observers. nil entries are ignored.
func Multi(observers ...Observer) Observer {
	result := make(multi, 0, len(observers))
	for _, o := range observers {
		if o != nil {
			result = append(result, o)
		}
	}
	return result
}

func (m multi) GroupStarted(ctx context.Context, group string) context.Context {
	for _, o := range m {
		ctx = o.GroupStarted(ctx, group)
	}
	return ctx
}

func (m multi) GroupFinished(ctx context.Context, group string, status Status) {
	for _, o := range m {
		o.GroupFinished(ctx, group, status)
	}
}

func (m multi) StepStarted(ctx context.Context, step *Step) context.Context {
	for _, o := range m {
		ctx = o.StepStarted(ctx, step)
	}
	return ctx
}

func (m multi) StepFinished(ctx context.Context, step *Step) {
	for _, o := range m {
		o.StepFinished(ctx, step)
	}
}

// Collector records finished steps in completion order. It is safe for concurrent use.
type Collector struct {
	Nop
	lock   sync.Mutex
	record Record
}

// NewCollector starts a new record with a fresh ID.
func NewCollector(kind, name string) *Collector {
	return &Collector{
		record: Record{
			ID:      nanoid.New(),
			Kind:    kind,
			Name:    name,
			Started: time.Now(),
		},
	}
}

// SetTrigger stores a description of the event that started the run.
func (c *Collector) SetTrigger(trigger string) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.record.Trigger = trigger
}

func (c *Collector) StepFinished(_ context.Context, step *Step) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.record.Steps = append(c.record.Steps, *step)
}

// Finish completes the record. The exit code is taken from the first failed step so
// that it matches the status of the command that broke the run.
func (c *Collector) Finish(err error) Record {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.record.Duration = time.Since(c.record.Started)
	c.record.Status = StatusPassed
	c.record.ExitCode = 0

	if err != nil {
		c.record.Status = StatusFailed
		c.record.ExitCode = 1
		if failed := c.record.Failed(); failed != nil {
			if failed.ExitCode != 0 {
				c.record.ExitCode = failed.ExitCode
			}
		} else if errors.Is(err, context.Canceled) {
			c.record.Status = StatusCancelled
		}
	}

	result := c.record
	result.Steps = append([]Step(nil), c.record.Steps...)
	return result
}
