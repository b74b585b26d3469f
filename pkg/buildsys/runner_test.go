package buildsys

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ngld/buildsys/pkg/runlog"
)

type recorder struct {
	runlog.Nop
	lock   sync.Mutex
	groups []string
	status map[string]runlog.Status
	steps  []runlog.Step
}

func newRecorder() *recorder {
	return &recorder{status: map[string]runlog.Status{}}
}

func (r *recorder) GroupStarted(ctx context.Context, group string) context.Context {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.groups = append(r.groups, group)
	return ctx
}

func (r *recorder) GroupFinished(_ context.Context, group string, status runlog.Status) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.status[group] = status
}

func (r *recorder) StepFinished(_ context.Context, step *runlog.Step) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.steps = append(r.steps, *step)
}

func (r *recorder) commands() []string {
	result := make([]string, len(r.steps))
	for idx, step := range r.steps {
		result[idx] = step.Command
	}
	return result
}

func loadFixture(t *testing.T, name string) (string, TaskList) {
	t.Helper()

	root, err := filepath.Abs(filepath.Join("testdata", name))
	require.NoError(t, err)

	tasks, _, err := RunScript(context.Background(), filepath.Join(root, "tasks.star"), root, nil, true)
	require.NoError(t, err)
	return root, tasks
}

func dryRun(t *testing.T, root string, tasks TaskList, names ...string) *recorder {
	t.Helper()

	rec := newRecorder()
	err := Run(context.Background(), root, names, tasks, RunOptions{DryRun: true, Observer: rec, Stdout: &bytes.Buffer{}})
	require.NoError(t, err)
	return rec
}

func TestPythonTargetsRunInDeclaredOrder(t *testing.T) {
	root, tasks := loadFixture(t, "python")

	cases := []struct {
		target   string
		groups   []string
		commands []string
	}{
		{
			target:   "check_format",
			groups:   []string{"check_format", "check_black", "check_isort"},
			commands: []string{"black --check src tests", "isort --check-only src tests"},
		},
		{
			target:   "static_checks",
			groups:   []string{"static_checks", "mypy", "lint"},
			commands: []string{"mypy src tests", "flake8 src tests"},
		},
		{
			target:   "format",
			groups:   []string{"format", "isort", "black"},
			commands: []string{"isort src tests", "black src tests"},
		},
	}

	for _, tc := range cases {
		t.Run(tc.target, func(t *testing.T) {
			rec := dryRun(t, root, tasks, tc.target)
			assert.Equal(t, tc.groups, rec.groups)
			assert.Equal(t, tc.commands, rec.commands())
			for _, step := range rec.steps {
				assert.Equal(t, runlog.StatusSkipped, step.Status)
				assert.Equal(t, "dry run", step.Reason)
			}
		})
	}
}

func TestPythonTestTargetArguments(t *testing.T) {
	root, tasks := loadFixture(t, "python")

	rec := dryRun(t, root, tasks, "test")
	require.Len(t, rec.steps, 1)
	assert.Equal(t, "pytest --cov=src --cov-report xml --cov-report term --junitxml=report.xml tests", rec.steps[0].Command)
}

func TestOptionOverridesDefault(t *testing.T) {
	root, err := filepath.Abs(filepath.Join("testdata", "python"))
	require.NoError(t, err)

	tasks, options, err := RunScript(context.Background(), filepath.Join(root, "tasks.star"), root, map[string]string{"junit_report": "out/junit.xml"}, true)
	require.NoError(t, err)
	assert.Equal(t, "report.xml", options["junit_report"].DefaultValue)

	rec := dryRun(t, root, tasks, "test")
	require.Len(t, rec.steps, 1)
	assert.Contains(t, rec.steps[0].Command, "--junitxml=out/junit.xml")
}

func TestFailFastStopsInvocation(t *testing.T) {
	root, tasks := loadFixture(t, "failfast")

	rec := newRecorder()
	out := bytes.Buffer{}
	collector := runlog.NewCollector("task", "all")
	err := Run(context.Background(), root, []string{"all"}, tasks, RunOptions{
		Observer: runlog.Multi(rec, collector),
		Stdout:   &out,
		Stderr:   &out,
	})
	require.Error(t, err)

	assert.Equal(t, "first\nbefore\n", out.String())
	assert.Equal(t, []string{"echo first", "echo before", "exit 3"}, rec.commands())
	assert.Equal(t, runlog.StatusFailed, rec.steps[2].Status)
	assert.Equal(t, 3, rec.steps[2].ExitCode)
	assert.Equal(t, runlog.StatusFailed, rec.status["broken"])
	assert.Equal(t, runlog.StatusFailed, rec.status["all"])
	assert.NotContains(t, rec.groups, "never")

	record := collector.Finish(err)
	assert.Equal(t, 3, record.ExitCode)
	assert.Equal(t, "first\n", string(record.Steps[0].Output))
}

func TestDependenciesRunOnce(t *testing.T) {
	root, tasks := loadFixture(t, "failfast")

	out := bytes.Buffer{}
	err := Run(context.Background(), root, []string{"a", "b"}, tasks, RunOptions{Stdout: &out})
	require.NoError(t, err)
	assert.Equal(t, "shared\na\nb\n", out.String())
}

func TestRecursiveDependency(t *testing.T) {
	root, tasks := loadFixture(t, "failfast")

	err := RunTask(context.Background(), root, "loop_a", tasks, RunOptions{Stdout: &bytes.Buffer{}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "called recursively")
}

func TestUnknownTask(t *testing.T) {
	root, tasks := loadFixture(t, "failfast")

	err := RunTask(context.Background(), root, "missing", tasks, RunOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing not found")
}

func TestTaskEnvAndQuoting(t *testing.T) {
	root, tasks := loadFixture(t, "failfast")

	out := bytes.Buffer{}
	err := RunTask(context.Background(), root, "env", tasks, RunOptions{Stdout: &out})
	require.NoError(t, err)
	assert.Equal(t, "hello\nit's $GREETING\n", out.String())
}

func TestExitZeroEndsTask(t *testing.T) {
	root, tasks := loadFixture(t, "failfast")

	out := bytes.Buffer{}
	err := RunTask(context.Background(), root, "early_exit", tasks, RunOptions{Stdout: &out})
	require.NoError(t, err)
	assert.Equal(t, "one\n", out.String())
}

func TestErrexitIgnoresConditionalFailures(t *testing.T) {
	root, tasks := loadFixture(t, "failfast")

	rec := newRecorder()
	out := bytes.Buffer{}
	err := RunTask(context.Background(), root, "clean", tasks, RunOptions{Observer: rec, Stdout: &out})
	require.NoError(t, err)
	assert.Equal(t, "after\n", out.String())
	require.Len(t, rec.steps, 2)
	assert.Equal(t, runlog.StatusPassed, rec.steps[0].Status)
	assert.Equal(t, runlog.StatusPassed, rec.status["clean"])
}

func TestConditionalFailureEndingCommandFails(t *testing.T) {
	root, tasks := loadFixture(t, "failfast")

	out := bytes.Buffer{}
	collector := runlog.NewCollector("task", "guarded_last")
	err := RunTask(context.Background(), root, "guarded_last", tasks, RunOptions{Observer: collector, Stdout: &out})
	require.Error(t, err)
	assert.Empty(t, out.String())
	assert.Equal(t, 1, collector.Finish(err).ExitCode)
}

func TestCancelledContext(t *testing.T) {
	root, tasks := loadFixture(t, "failfast")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := RunTask(ctx, root, "first", tasks, RunOptions{Stdout: &bytes.Buffer{}})
	require.ErrorIs(t, err, context.Canceled)
}

func writeTaskFile(t *testing.T, dir, content string) TaskList {
	t.Helper()

	path := filepath.Join(dir, "tasks.star")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	tasks, _, err := RunScript(context.Background(), path, dir, nil, true)
	require.NoError(t, err)
	return tasks
}

func TestUpToDateCheck(t *testing.T) {
	dir := t.TempDir()
	tasks := writeTaskFile(t, dir, `
def configure():
    task(short = "build", inputs = ["src/*.txt"], outputs = ["out.txt"], cmds = ["echo built > out.txt"])
`)

	require.NoError(t, os.Mkdir(filepath.Join(dir, "src"), 0o755))
	input := filepath.Join(dir, "src", "in.txt")
	require.NoError(t, os.WriteFile(input, []byte("x"), 0o644))

	rec := newRecorder()
	opts := RunOptions{Observer: rec, Stdout: &bytes.Buffer{}}
	require.NoError(t, RunTask(context.Background(), dir, "build", tasks, opts))
	assert.Equal(t, runlog.StatusPassed, rec.status["build"])
	assert.FileExists(t, filepath.Join(dir, "out.txt"))

	past := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(input, past, past))

	rec = newRecorder()
	opts.Observer = rec
	require.NoError(t, RunTask(context.Background(), dir, "build", tasks, opts))
	assert.Equal(t, runlog.StatusSkipped, rec.status["build"])
	assert.Empty(t, rec.steps)

	rec = newRecorder()
	opts.Observer = rec
	opts.Force = true
	require.NoError(t, RunTask(context.Background(), dir, "build", tasks, opts))
	assert.Equal(t, runlog.StatusPassed, rec.status["build"])
	assert.Len(t, rec.steps, 1)
}

func TestSkipIfExists(t *testing.T) {
	dir := t.TempDir()
	tasks := writeTaskFile(t, dir, `
def configure():
    task(short = "fetch", skip_if_exists = ["vendor/marker"], cmds = ["mkdir -p vendor", "echo done > vendor/marker"])
`)

	out := bytes.Buffer{}
	require.NoError(t, RunTask(context.Background(), dir, "fetch", tasks, RunOptions{Stdout: &out}))
	assert.FileExists(t, filepath.Join(dir, "vendor", "marker"))

	rec := newRecorder()
	require.NoError(t, RunTask(context.Background(), dir, "fetch", tasks, RunOptions{Observer: rec, Stdout: &out}))
	assert.Equal(t, runlog.StatusSkipped, rec.status["fetch"])
}
