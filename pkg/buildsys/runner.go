package buildsys

import (
	"bytes"
	"context"
	"io"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"mvdan.cc/sh/v3/interp"
	"mvdan.cc/sh/v3/syntax"

	"github.com/ngld/buildsys/pkg/runlog"
	"github.com/ngld/buildsys/pkg/shell"
)

// RunOptions controls a task invocation.
type RunOptions struct {
	// DryRun only reports the commands without executing them.
	DryRun bool
	// Force ignores the up-to-date checks of the requested tasks (not their dependencies).
	Force    bool
	Observer runlog.Observer
	Stdout   io.Writer
	Stderr   io.Writer
}

type runState uint8

const (
	stateRunning runState = iota + 1
	stateDone
)

type runtimeCtx struct {
	projectRoot string
	tasks       TaskList
	opts        RunOptions
	state       map[string]runState
}

// stepWriter tees command output to the real stream and the buffer of the current step.
type stepWriter struct {
	lock   *sync.Mutex
	out    io.Writer
	buffer *bytes.Buffer
}

func (w *stepWriter) Write(p []byte) (int, error) {
	w.lock.Lock()
	defer w.lock.Unlock()

	if w.buffer != nil {
		w.buffer.Write(p)
	}
	if w.out == nil {
		return len(p), nil
	}
	return w.out.Write(p)
}

func (w *stepWriter) capture(buffer *bytes.Buffer) {
	w.lock.Lock()
	defer w.lock.Unlock()
	w.buffer = buffer
}

// RunTask executes the given task and everything it depends on.
func RunTask(ctx context.Context, projectRoot, name string, tasks TaskList, opts RunOptions) error {
	return Run(ctx, projectRoot, []string{name}, tasks, opts)
}

// Run executes the given tasks in order. Every task runs at most once per invocation and the
// first failing command aborts the remaining work.
func Run(ctx context.Context, projectRoot string, names []string, tasks TaskList, opts RunOptions) error {
	if opts.Observer == nil {
		opts.Observer = runlog.Nop{}
	}
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}

	rctx := &runtimeCtx{
		projectRoot: projectRoot,
		tasks:       tasks,
		opts:        opts,
		state:       make(map[string]runState),
	}

	for _, name := range names {
		task, found := tasks[name]
		if !found {
			return eris.Errorf("task %s not found", name)
		}

		if err := rctx.run(ctx, task, opts.Force); err != nil {
			return err
		}
	}

	return nil
}

func (r *runtimeCtx) resolve(task *Task, patterns []string) ([]string, error) {
	resolved := make([]string, len(patterns))
	for idx, item := range patterns {
		resolved[idx] = resolveIn(r.projectRoot, task.Base, item)
	}

	return shell.ExpandGlobs(resolved)
}

func (r *runtimeCtx) run(ctx context.Context, task *Task, force bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	switch r.state[task.Short] {
	case stateDone:
		Log(ctx).Debug().Str("task", task.Short).Msg("already run")
		return nil
	case stateRunning:
		return eris.Errorf("task %s was called recursively", task.Short)
	}
	r.state[task.Short] = stateRunning

	for _, dep := range task.Deps {
		depTask, ok := r.tasks[dep]
		if !ok {
			return eris.Errorf("task %s not found", dep)
		}

		if err := r.run(ctx, depTask, false); err != nil {
			return eris.Wrapf(err, "task %s failed due to its dependency %s", task.Short, dep)
		}
	}

	groupCtx := r.opts.Observer.GroupStarted(ctx, task.Short)

	if !force {
		upToDate, err := r.upToDate(ctx, task)
		if err != nil {
			r.opts.Observer.GroupFinished(groupCtx, task.Short, runlog.StatusFailed)
			return err
		}

		if upToDate {
			r.state[task.Short] = stateDone
			r.opts.Observer.GroupFinished(groupCtx, task.Short, runlog.StatusSkipped)
			return nil
		}
	}

	err := r.execute(groupCtx, task, force)
	status := runlog.StatusPassed
	switch {
	case err != nil && ctx.Err() != nil:
		status = runlog.StatusCancelled
	case err != nil:
		status = runlog.StatusFailed
	case r.opts.DryRun:
		status = runlog.StatusSkipped
	}
	r.opts.Observer.GroupFinished(groupCtx, task.Short, status)
	if err != nil {
		return err
	}

	r.state[task.Short] = stateDone
	return nil
}

// upToDate implements the skip_if_exists and inputs/outputs checks.
func (r *runtimeCtx) upToDate(ctx context.Context, task *Task) (bool, error) {
	if len(task.SkipIfExists) > 0 {
		skipList, err := r.resolve(task, task.SkipIfExists)
		if err != nil {
			return false, eris.Wrap(err, "failed to resolve skip_if_exists")
		}

		found := 0
		for _, item := range skipList {
			_, err := os.Stat(item)
			if err == nil {
				found++
			} else if !os.IsNotExist(err) {
				return false, eris.Wrapf(err, "failed to check %s", item)
			}
		}

		if found > 0 && found == len(skipList) {
			Log(ctx).Info().Str("task", task.Short).Msg("skipped because all skip files exist")
			return true, nil
		}
	}

	if len(task.Inputs) == 0 || len(task.Outputs) == 0 {
		return false, nil
	}

	inputList, err := r.resolve(task, task.Inputs)
	if err != nil {
		return false, eris.Wrap(err, "failed to resolve inputs")
	}

	outputList, err := r.resolve(task, task.Outputs)
	if err != nil {
		return false, eris.Wrap(err, "failed to resolve outputs")
	}

	var newestInput time.Time
	for _, item := range inputList {
		info, err := os.Stat(item)
		if err != nil {
			return false, eris.Wrapf(err, "failed to check input %s", item)
		}

		if info.ModTime().After(newestInput) {
			newestInput = info.ModTime()
		}
	}

	if newestInput.IsZero() || len(outputList) == 0 {
		return false, nil
	}

	oldestOutput := time.Time{}
	for _, item := range outputList {
		info, err := os.Stat(item)
		if err != nil {
			if os.IsNotExist(err) {
				return false, nil
			}
			return false, eris.Wrapf(err, "failed to check output %s", item)
		}

		if oldestOutput.IsZero() || info.ModTime().Before(oldestOutput) {
			oldestOutput = info.ModTime()
		}
	}

	if oldestOutput.After(newestInput) {
		Log(ctx).Info().
			Str("task", task.Short).
			Msgf("nothing to do (output is %.1f seconds newer)", oldestOutput.Sub(newestInput).Seconds())
		return true, nil
	}

	return false, nil
}

func (r *runtimeCtx) execute(ctx context.Context, task *Task, force bool) error {
	lock := &sync.Mutex{}
	stdout := &stepWriter{lock: lock, out: r.opts.Stdout}
	stderr := &stepWriter{lock: lock, out: r.opts.Stderr}

	runner, err := shell.NewRunner(shell.Options{
		Dir:    task.Base,
		Env:    shell.Environ(task.Env),
		Stdout: stdout,
		Stderr: stderr,
	})
	if err != nil {
		return err
	}

	for idx, item := range task.Cmds {
		switch item := item.(type) {
		case TaskRef:
			subTask, ok := r.tasks[item.Name]
			if !ok {
				return eris.Errorf("task %s references unknown task %s", task.Short, item.Name)
			}

			if err := r.run(ctx, subTask, force); err != nil {
				return err
			}
		case ScriptCmd:
			stmts, err := shell.Parse(item.Content, task.Short+":"+strconv.Itoa(idx))
			if err != nil {
				return err
			}

			for stmtIdx, stmt := range stmts {
				last := stmtIdx == len(stmts)-1
				exited, err := r.runStatement(ctx, runner, task, shell.Print(stmt), stmt, last, stdout, stderr)
				if err != nil {
					return err
				}
				if exited {
					return nil
				}
			}
		default:
			return eris.Errorf("unexpected task command %+v", item)
		}

		if err := ctx.Err(); err != nil {
			return err
		}
	}

	return nil
}

func (r *runtimeCtx) runStatement(ctx context.Context, runner *interp.Runner, task *Task, command string, stmt *syntax.Stmt, last bool, stdout, stderr *stepWriter) (bool, error) {
	step := &runlog.Step{
		Group:   task.Short,
		Name:    command,
		Command: command,
		Started: time.Now(),
	}

	Log(ctx).Info().
		Str("task", task.Short).
		Bool("command", true).
		Msg(command)

	stepCtx := r.opts.Observer.StepStarted(ctx, step)

	if r.opts.DryRun {
		step.Status = runlog.StatusSkipped
		step.Reason = "dry run"
		r.opts.Observer.StepFinished(stepCtx, step)
		return false, nil
	}

	output := bytes.Buffer{}
	stdout.capture(&output)
	stderr.capture(&output)

	exited, err := shell.RunStmt(ctx, runner, stmt, last)

	stdout.capture(nil)
	stderr.capture(nil)

	step.Duration = time.Since(step.Started)
	step.Output = output.Bytes()
	step.ExitCode = shell.ExitCode(err)
	step.Status = runlog.StatusPassed
	if err != nil {
		step.Status = runlog.StatusFailed
		step.Error = err.Error()
		if ctx.Err() != nil {
			step.Status = runlog.StatusCancelled
		}
	}
	r.opts.Observer.StepFinished(stepCtx, step)

	if err != nil {
		return false, eris.Wrapf(err, "task %s failed at command %s", task.Short, command)
	}

	return exited, nil
}
