package workflow

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/sync/errgroup"

	"github.com/ngld/buildsys/pkg/buildsys"
	"github.com/ngld/buildsys/pkg/runlog"
	"github.com/ngld/buildsys/pkg/shell"
)

// ErrNotTriggered is returned by Run when the event doesn't match the workflow's triggers.
var ErrNotTriggered = eris.New("the workflow is not triggered by this event")

// RunOptions controls a workflow run.
type RunOptions struct {
	// Workspace is the checkout the steps run in. Defaults to the working directory.
	Workspace string
	// MaxParallel limits the number of concurrently running jobs. 0 means no limit.
	MaxParallel int
	// DryRun records the steps without executing them.
	DryRun   bool
	Observer runlog.Observer
	Stdout   io.Writer
	Stderr   io.Writer
	// Actions replaces BuiltinActions.
	Actions map[string]Action
}

type jobResult struct {
	done    chan struct{}
	success bool
}

type runCtx struct {
	wf      *Workflow
	event   Event
	opts    RunOptions
	results map[string]*jobResult
	// output serializes writes to the shared streams and the step buffers.
	output sync.Mutex
}

// Run executes the workflow for the given event. Jobs start as soon as the jobs they need have
// passed; the first failing job cancels everything else.
func Run(ctx context.Context, wf *Workflow, event Event, opts RunOptions) error {
	if !wf.On.Matches(event) {
		return eris.Wrapf(ErrNotTriggered, "%s", event)
	}

	order, err := wf.Plan()
	if err != nil {
		return err
	}

	if opts.Workspace == "" {
		opts.Workspace, err = os.Getwd()
		if err != nil {
			return eris.Wrap(err, "failed to determine workspace")
		}
	}
	if opts.Observer == nil {
		opts.Observer = runlog.Nop{}
	}
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	if opts.Actions == nil {
		opts.Actions = BuiltinActions
	}

	r := &runCtx{
		wf:      wf,
		event:   event,
		opts:    opts,
		results: make(map[string]*jobResult, len(order)),
	}
	for _, id := range order {
		r.results[id] = &jobResult{done: make(chan struct{})}
	}

	group, groupCtx := errgroup.WithContext(ctx)
	if opts.MaxParallel > 0 {
		group.SetLimit(opts.MaxParallel)
	}

	// Jobs are launched in plan order so that a job waiting for its needs never holds the
	// last free slot while one of its needs is still waiting to be launched.
	for _, id := range order {
		job := wf.Jobs[id]
		group.Go(func() error {
			return r.runJob(groupCtx, job)
		})
	}

	return group.Wait()
}

func (r *runCtx) runJob(ctx context.Context, job *Job) error {
	result := r.results[job.ID]
	defer close(result.done)

	for _, need := range job.Needs {
		dep := r.results[need]
		select {
		case <-dep.done:
		case <-ctx.Done():
		}

		if !dep.success || ctx.Err() != nil {
			r.skipJob(ctx, job, "required job "+need+" did not succeed")
			return nil
		}
	}

	if ctx.Err() != nil {
		r.skipJob(ctx, job, "workflow cancelled")
		return nil
	}

	logger := buildsys.Log(ctx).With().Str("job", job.ID).Logger()
	ctx = buildsys.WithLogger(ctx, &logger)
	logger.Info().Strs("runs-on", []string(job.RunsOn)).Msgf("starting job %s", job.DisplayName())

	jobCtx := r.opts.Observer.GroupStarted(ctx, job.ID)
	if job.TimeoutMinutes > 0 {
		var cancel context.CancelFunc
		jobCtx, cancel = context.WithTimeout(jobCtx, minutes(job.TimeoutMinutes))
		defer cancel()
	}

	err := r.runSteps(jobCtx, job)

	status := runlog.StatusPassed
	switch {
	case err != nil && ctx.Err() != nil:
		status = runlog.StatusCancelled
	case err != nil:
		status = runlog.StatusFailed
	case r.opts.DryRun:
		status = runlog.StatusSkipped
	}
	r.opts.Observer.GroupFinished(jobCtx, job.ID, status)

	if err != nil {
		if ctx.Err() == nil {
			logger.Error().Err(err).Msgf("job %s failed", job.DisplayName())
		}
		return eris.Wrapf(err, "job %s failed", job.ID)
	}

	result.success = true
	return nil
}

// skipJob reports a job that never ran along with all of its steps.
func (r *runCtx) skipJob(ctx context.Context, job *Job, reason string) {
	jobCtx := r.opts.Observer.GroupStarted(ctx, job.ID)
	for _, step := range job.Steps {
		r.skipStep(jobCtx, job, step, reason)
	}

	status := runlog.StatusSkipped
	if ctx.Err() != nil {
		status = runlog.StatusCancelled
	}
	r.opts.Observer.GroupFinished(jobCtx, job.ID, status)
}

func (r *runCtx) skipStep(ctx context.Context, job *Job, step *Step, reason string) {
	record := &runlog.Step{
		Group:   job.ID,
		Name:    step.DisplayName(),
		Command: step.Command(),
		Status:  runlog.StatusSkipped,
		Reason:  reason,
		Started: time.Now(),
	}
	stepCtx := r.opts.Observer.StepStarted(ctx, record)
	r.opts.Observer.StepFinished(stepCtx, record)
}

func (r *runCtx) runSteps(ctx context.Context, job *Job) error {
	env, err := newJobEnv(r, job)
	if err != nil {
		return err
	}
	defer env.cleanup()

	for idx, step := range job.Steps {
		err := r.runStep(ctx, job, step, env)
		if err != nil {
			reason := "a previous step failed"
			if ctx.Err() != nil {
				reason = "job cancelled"
			}
			for _, rest := range job.Steps[idx+1:] {
				r.skipStep(ctx, job, rest, reason)
			}
			return err
		}

		if err := env.update(); err != nil {
			return err
		}
	}

	return nil
}

func (r *runCtx) runStep(ctx context.Context, job *Job, step *Step, env *jobEnv) error {
	record := &runlog.Step{
		Group:   job.ID,
		Name:    step.DisplayName(),
		Command: step.Command(),
		Started: time.Now(),
	}

	logger := buildsys.Log(ctx)
	logger.Info().Str("step", record.Name).Msg(record.Name)
	stepCtx := r.opts.Observer.StepStarted(ctx, record)

	if r.opts.DryRun {
		record.Status = runlog.StatusSkipped
		record.Reason = "dry run"
		r.opts.Observer.StepFinished(stepCtx, record)
		return nil
	}

	execCtx := stepCtx
	if step.TimeoutMinutes > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(stepCtx, minutes(step.TimeoutMinutes))
		defer cancel()
	}

	output := bytes.Buffer{}
	stdout := &jobWriter{run: r, out: r.opts.Stdout, buffer: &output, prefix: r.prefix(job)}
	stderr := &jobWriter{run: r, out: r.opts.Stderr, buffer: &output, prefix: r.prefix(job)}

	var err error
	if step.Uses != "" {
		err = r.runAction(execCtx, step, env, stdout, stderr, record)
	} else {
		err = r.runScript(execCtx, step, env, stdout, stderr)
	}
	stdout.Flush()
	stderr.Flush()

	record.Duration = time.Since(record.Started)
	record.Output = output.Bytes()
	if record.Status == "" {
		record.Status = runlog.StatusPassed
	}

	if err != nil {
		record.ExitCode = shell.ExitCode(err)
		record.Error = err.Error()
		record.Status = runlog.StatusFailed

		switch {
		case errors.Is(ctx.Err(), context.Canceled):
			record.Status = runlog.StatusCancelled
		case errors.Is(execCtx.Err(), context.DeadlineExceeded):
			record.Error = fmt.Sprintf("timed out: %s", err)
		}

		if step.ContinueOnError && record.Status == runlog.StatusFailed {
			record.Tolerated = true
			logger.Warn().Err(err).Str("step", record.Name).Msg("step failed, continuing")
			err = nil
		}
	}
	r.opts.Observer.StepFinished(stepCtx, record)

	if err != nil {
		return eris.Wrapf(err, "step %s failed", record.Name)
	}
	return nil
}

func (r *runCtx) runAction(ctx context.Context, step *Step, env *jobEnv, stdout, stderr io.Writer, record *runlog.Step) error {
	name := actionName(step.Uses)
	action, ok := r.opts.Actions[name]
	if !ok {
		buildsys.Log(ctx).Warn().Str("action", step.Uses).Msg("unsupported action, skipping")
		record.Status = runlog.StatusSkipped
		record.Reason = "unsupported action " + name
		return nil
	}

	return action(ctx, &ActionContext{
		Workspace: r.opts.Workspace,
		With:      step.With,
		Env:       env.environ(step.Env),
		Stdout:    stdout,
		Stderr:    stderr,
	})
}

func (r *runCtx) runScript(ctx context.Context, step *Step, env *jobEnv, stdout, stderr io.Writer) error {
	dir := r.opts.Workspace
	if step.WorkingDirectory != "" {
		dir = filepath.Join(dir, step.WorkingDirectory)
	}

	runner, err := shell.NewRunner(shell.Options{
		Dir:    dir,
		Env:    env.environ(step.Env),
		Stdout: stdout,
		Stderr: stderr,
	})
	if err != nil {
		return err
	}

	// A step is one script: errexit decides which failures end it, as with bash -e.
	file, err := shell.ParseFile(step.Run, step.DisplayName())
	if err != nil {
		return err
	}

	return runner.Run(ctx, file)
}

func (r *runCtx) prefix(job *Job) string {
	if len(r.wf.Jobs) < 2 {
		return ""
	}
	return "[" + job.ID + "] "
}

func minutes(value float64) time.Duration {
	return time.Duration(value * float64(time.Minute))
}

// jobWriter captures step output and forwards complete lines to the shared stream so that
// concurrently running jobs don't interleave partial lines.
type jobWriter struct {
	run     *runCtx
	out     io.Writer
	buffer  *bytes.Buffer
	prefix  string
	pending []byte
}

func (w *jobWriter) Write(p []byte) (int, error) {
	w.run.output.Lock()
	defer w.run.output.Unlock()

	w.buffer.Write(p)
	w.pending = append(w.pending, p...)

	if pos := bytes.LastIndexByte(w.pending, '\n'); pos > -1 {
		w.emit(w.pending[:pos+1])
		w.pending = append(w.pending[:0], w.pending[pos+1:]...)
	}
	return len(p), nil
}

// Flush writes a trailing partial line.
func (w *jobWriter) Flush() {
	w.run.output.Lock()
	defer w.run.output.Unlock()

	if len(w.pending) > 0 {
		w.emit(append(w.pending, '\n'))
		w.pending = nil
	}
}

func (w *jobWriter) emit(data []byte) {
	if w.prefix == "" {
		_, _ = w.out.Write(data)
		return
	}

	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		_, _ = io.WriteString(w.out, w.prefix+scanner.Text()+"\n")
	}
}

// jobEnv holds the environment shared by the steps of a job, including the values steps
// export through the GITHUB_ENV and GITHUB_PATH files.
type jobEnv struct {
	base     map[string]string
	exported map[string]string
	paths    []string
	envFile  string
	pathFile string
	tempDir  string
}

func newJobEnv(r *runCtx, job *Job) (*jobEnv, error) {
	tempDir, err := os.MkdirTemp("", "task-job-")
	if err != nil {
		return nil, eris.Wrap(err, "failed to create job directory")
	}

	env := &jobEnv{
		exported: map[string]string{},
		envFile:  filepath.Join(tempDir, "env"),
		pathFile: filepath.Join(tempDir, "path"),
		tempDir:  tempDir,
	}

	for _, file := range []string{env.envFile, env.pathFile} {
		if err := os.WriteFile(file, nil, 0o600); err != nil {
			env.cleanup()
			return nil, eris.Wrapf(err, "failed to create %s", file)
		}
	}

	env.base = map[string]string{
		"CI":                "true",
		"GITHUB_ACTIONS":    "true",
		"GITHUB_WORKFLOW":   r.wf.Name,
		"GITHUB_JOB":        job.ID,
		"GITHUB_EVENT_NAME": r.event.Name,
		"GITHUB_REF":        r.event.Ref,
		"GITHUB_REF_NAME":   refName(r.event.Ref),
		"GITHUB_BASE_REF":   strings.TrimPrefix(r.event.BaseRef, "refs/heads/"),
		"GITHUB_WORKSPACE":  r.opts.Workspace,
		"GITHUB_ENV":        env.envFile,
		"GITHUB_PATH":       env.pathFile,
		"RUNNER_TEMP":       tempDir,
	}
	for k, v := range r.wf.Env {
		env.base[k] = v
	}
	for k, v := range job.Env {
		env.base[k] = v
	}

	return env, nil
}

func refName(ref string) string {
	for _, prefix := range []string{"refs/heads/", "refs/tags/"} {
		if strings.HasPrefix(ref, prefix) {
			return ref[len(prefix):]
		}
	}
	return ref
}

func (e *jobEnv) environ(stepEnv map[string]string) []string {
	overrides := []map[string]string{e.base, e.exported, stepEnv}

	if len(e.paths) > 0 {
		path := os.Getenv("PATH")
		for _, layer := range overrides {
			if value, ok := layer["PATH"]; ok {
				path = value
			}
		}
		overrides = append(overrides, map[string]string{
			"PATH": strings.Join(e.paths, string(os.PathListSeparator)) + string(os.PathListSeparator) + path,
		})
	}

	return shell.Environ(overrides...)
}

// update reads the values the last step exported and truncates the files again.
func (e *jobEnv) update() error {
	data, err := os.ReadFile(e.envFile)
	if err != nil {
		return eris.Wrap(err, "failed to read GITHUB_ENV")
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimRight(line, "\r")
		if pos := strings.IndexByte(line, '='); pos > 0 {
			e.exported[line[:pos]] = line[pos+1:]
		}
	}

	data, err = os.ReadFile(e.pathFile)
	if err != nil {
		return eris.Wrap(err, "failed to read GITHUB_PATH")
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			e.paths = append([]string{line}, e.paths...)
		}
	}

	for _, file := range []string{e.envFile, e.pathFile} {
		if err := os.Truncate(file, 0); err != nil {
			return eris.Wrapf(err, "failed to reset %s", file)
		}
	}
	return nil
}

func (e *jobEnv) cleanup() {
	_ = os.RemoveAll(e.tempDir)
}
