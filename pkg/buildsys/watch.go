package buildsys

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rotisserie/eris"

	"github.com/ngld/buildsys/pkg/shell"
)

// WatchOptions controls Watch.
type WatchOptions struct {
	RunOptions
	// Paths are watched in addition to the task inputs (usually the task file).
	Paths []string
	// Debounce is the quiet period after the last change before the task runs again.
	Debounce time.Duration
	// AfterRun is called with the result of every run.
	AfterRun func(err error)
	// Reload returns the current task definitions. It is called before every run after the
	// first one so that edits to the task file take effect.
	Reload func() (TaskList, error)
}

// watchTargets collects the directories that contain the inputs of the task, its dependencies and
// the tasks it references. fsnotify isn't recursive, so ** patterns add every subdirectory.
func watchTargets(projectRoot string, name string, tasks TaskList) (dirs []string, outputs map[string]bool, err error) {
	seen := map[string]bool{}
	dirSet := map[string]bool{}
	outputs = map[string]bool{}

	var visit func(name string) error
	visit = func(name string) error {
		if seen[name] {
			return nil
		}
		seen[name] = true

		task, ok := tasks[name]
		if !ok {
			return eris.Errorf("task %s not found", name)
		}

		for _, pattern := range task.Inputs {
			pattern = resolveIn(projectRoot, task.Base, pattern)
			staticPart := pattern
			if pos := strings.IndexAny(pattern, "*?["); pos > -1 {
				staticPart = filepath.Dir(pattern[:pos+1])
			} else {
				staticPart = filepath.Dir(pattern)
			}

			if strings.Contains(pattern, "**") {
				err := filepath.Walk(staticPart, func(path string, info os.FileInfo, err error) error {
					if err != nil {
						return nil
					}
					if info.IsDir() {
						dirSet[path] = true
					}
					return nil
				})
				if err != nil {
					return eris.Wrapf(err, "failed to walk %s", staticPart)
				}
			} else {
				dirSet[staticPart] = true
			}
		}

		resolved := make([]string, len(task.Outputs))
		for idx, pattern := range task.Outputs {
			resolved[idx] = resolveIn(projectRoot, task.Base, pattern)
		}
		matches, err := shell.ExpandGlobs(resolved)
		if err != nil {
			return err
		}
		for _, match := range matches {
			outputs[filepath.Clean(match)] = true
		}

		for _, dep := range task.Deps {
			if err := visit(dep); err != nil {
				return err
			}
		}
		for _, cmd := range task.Cmds {
			if ref, ok := cmd.(TaskRef); ok {
				if err := visit(ref.Name); err != nil {
					return err
				}
			}
		}
		return nil
	}

	if err := visit(name); err != nil {
		return nil, nil, err
	}

	for dir := range dirSet {
		dirs = append(dirs, dir)
	}
	sort.Strings(dirs)
	return dirs, outputs, nil
}

// Watch runs the task once and then again every time one of its inputs changes until ctx is cancelled.
// Task failures are reported through AfterRun and don't stop watching.
func Watch(ctx context.Context, projectRoot, name string, tasks TaskList, opts WatchOptions) error {
	if opts.Debounce <= 0 {
		opts.Debounce = 300 * time.Millisecond
	}

	dirs, outputs, err := watchTargets(projectRoot, name, tasks)
	if err != nil {
		return err
	}

	for _, path := range opts.Paths {
		dirs = append(dirs, filepath.Dir(path))
	}
	if len(dirs) == 0 {
		return eris.Errorf("task %s has no inputs to watch", name)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return eris.Wrap(err, "failed to create file watcher")
	}
	defer watcher.Close()

	watched := map[string]bool{}
	watch := func(dirs []string) {
		for _, dir := range dirs {
			if watched[dir] {
				continue
			}
			if err := watcher.Add(dir); err != nil {
				Log(ctx).Warn().Err(err).Str("path", dir).Msg("can't watch directory")
				continue
			}
			watched[dir] = true
		}
	}
	watch(dirs)

	reload := func() error {
		if opts.Reload == nil {
			return nil
		}

		newTasks, err := opts.Reload()
		if err != nil {
			return eris.Wrap(err, "failed to reload tasks")
		}

		newDirs, newOutputs, err := watchTargets(projectRoot, name, newTasks)
		if err != nil {
			return err
		}

		tasks = newTasks
		outputs = newOutputs
		watch(newDirs)
		return nil
	}

	runOnce := func() {
		err := RunTask(ctx, projectRoot, name, tasks, opts.RunOptions)
		if err != nil && ctx.Err() == nil {
			Log(ctx).Error().Err(err).Str("task", name).Msg("run failed, waiting for changes")
		}
		if opts.AfterRun != nil {
			opts.AfterRun(err)
		}
	}

	runOnce()

	timer := time.NewTimer(opts.Debounce)
	if !timer.Stop() {
		<-timer.C
	}

	for {
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if outputs[filepath.Clean(event.Name)] || event.Op == fsnotify.Chmod {
				continue
			}

			Log(ctx).Debug().Str("path", event.Name).Str("op", event.Op.String()).Msg("change detected")
			timer.Reset(opts.Debounce)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			Log(ctx).Warn().Err(err).Msg("file watcher error")
		case <-timer.C:
			if err := reload(); err != nil {
				Log(ctx).Error().Err(err).Str("task", name).Msg("keeping the previous task definitions")
			}
			runOnce()
		}
	}
}
