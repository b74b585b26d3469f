package buildsys

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestWatchTargets(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "src", "nested"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "docs"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "out.txt"), nil, 0o644))

	tasks := TaskList{
		"build": {
			Short:   "build",
			Base:    root,
			Inputs:  []string{"src/**/*.py"},
			Outputs: []string{"out.txt"},
			Deps:    []string{"docs"},
		},
		"docs": {
			Short:  "docs",
			Base:   root,
			Inputs: []string{"docs/index.md"},
		},
	}

	dirs, outputs, err := watchTargets(root, "build", tasks)
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(root, "docs"),
		filepath.Join(root, "src"),
		filepath.Join(root, "src", "nested"),
	}, dirs)
	assert.True(t, outputs[filepath.Join(root, "out.txt")])

	_, _, err = watchTargets(root, "missing", tasks)
	assert.Error(t, err)
}

func TestWatchRerunsOnChange(t *testing.T) {
	defer goleak.VerifyNone(t)

	root := t.TempDir()
	src := filepath.Join(root, "src")
	require.NoError(t, os.MkdirAll(src, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "a.txt"), []byte("a"), 0o644))

	tasks := TaskList{
		"echo": {
			Short:  "echo",
			Base:   root,
			Inputs: []string{"src/*.txt"},
			Cmds:   []TaskCmd{ScriptCmd{Content: "echo run"}},
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runs := make(chan error, 10)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, root, "echo", tasks, WatchOptions{
			RunOptions: RunOptions{Stdout: &bytes.Buffer{}, Stderr: &bytes.Buffer{}},
			Debounce:   20 * time.Millisecond,
			AfterRun:   func(err error) { runs <- err },
		})
	}()

	select {
	case err := <-runs:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("initial run never happened")
	}

	require.NoError(t, os.WriteFile(filepath.Join(src, "b.txt"), []byte("b"), 0o644))

	select {
	case err := <-runs:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("change did not trigger a run")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not stop")
	}
}

type syncBuffer struct {
	lock   sync.Mutex
	buffer bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.buffer.Write(p)
}

func (b *syncBuffer) String() string {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.buffer.String()
}

func TestWatchReloadsTasks(t *testing.T) {
	defer goleak.VerifyNone(t)

	root := t.TempDir()
	taskFile := filepath.Join(root, "tasks.star")
	require.NoError(t, os.WriteFile(taskFile, []byte("v1"), 0o644))

	echo := func(text string) TaskList {
		return TaskList{
			"echo": {
				Short: "echo",
				Base:  root,
				Cmds:  []TaskCmd{ScriptCmd{Content: "echo " + text}},
			},
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out := &syncBuffer{}
	runs := make(chan error, 10)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, root, "echo", echo("v1"), WatchOptions{
			RunOptions: RunOptions{Stdout: out, Stderr: &syncBuffer{}},
			Paths:      []string{taskFile},
			Debounce:   20 * time.Millisecond,
			AfterRun:   func(err error) { runs <- err },
			Reload:     func() (TaskList, error) { return echo("v2"), nil },
		})
	}()

	select {
	case err := <-runs:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("initial run never happened")
	}

	require.NoError(t, os.WriteFile(taskFile, []byte("v2"), 0o644))

	select {
	case err := <-runs:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("editing the task file did not trigger a run")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not stop")
	}

	output := out.String()
	require.True(t, strings.HasPrefix(output, "v1\nv2\n"), output)
	assert.NotContains(t, output[3:], "v1")
}
