// Package shell wraps mvdan.cc/sh so that task commands and workflow steps
// run through the same portable POSIX shell, independent of the host's /bin/sh.
package shell

import (
	"context"
	"fmt"
	"io"
	"os"
	"runtime"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/interp"
	"mvdan.cc/sh/v3/syntax"
)

// Options configures a single interpreter instance.
type Options struct {
	Dir    string
	Env    []string
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

var defaultExecHandler = interp.DefaultExecHandler(2)

func execHandler(ctx context.Context, args []string) error {
	if len(args) > 0 {
		if util, ok := coreutils[args[0]]; ok {
			hc := interp.HandlerCtx(ctx)
			err := util(hc.Dir, args[1:])
			if err != nil {
				fmt.Fprintf(hc.Stderr, "%s: %s\n", args[0], err)
				return interp.NewExitStatus(1)
			}
			return nil
		}
	}

	return defaultExecHandler(ctx, args)
}

var defaultOpenHandler = interp.DefaultOpenHandler()

func openHandler(ctx context.Context, path string, flag int, perm os.FileMode) (io.ReadWriteCloser, error) {
	if path == "/dev/null" {
		path = os.DevNull
	}

	return defaultOpenHandler(ctx, path, flag, perm)
}

// NewRunner creates an interpreter with errexit enabled so that the first failing
// command aborts the script.
func NewRunner(opts Options) (*interp.Runner, error) {
	dir := opts.Dir
	if dir == "" {
		var err error
		dir, err = os.Getwd()
		if err != nil {
			return nil, eris.Wrap(err, "failed to determine working directory")
		}
	}

	env := opts.Env
	if env == nil {
		env = os.Environ()
	}

	runner, err := interp.New(
		interp.Dir(dir),
		interp.Env(expand.ListEnviron(env...)),
		interp.ExecHandler(execHandler),
		interp.OpenHandler(openHandler),
		interp.StdIO(opts.Stdin, opts.Stdout, opts.Stderr),
		interp.Params("-e"),
	)
	if err != nil {
		return nil, eris.Wrap(err, "failed to initialize shell")
	}

	return runner, nil
}

// Environ merges os.Environ with the given override maps. Later maps win.
func Environ(overrides ...map[string]string) []string {
	merged := make(map[string]string)
	for _, override := range overrides {
		for k, v := range override {
			merged[envKey(k)] = v
		}
	}

	osEnv := os.Environ()
	result := make([]string, 0, len(osEnv)+len(merged))
	for _, item := range osEnv {
		parts := strings.SplitN(item, "=", 2)
		if _, present := merged[envKey(parts[0])]; !present {
			result = append(result, item)
		}
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		result = append(result, k+"="+merged[k])
	}
	return result
}

func envKey(name string) string {
	if runtime.GOOS == "windows" {
		return strings.ToUpper(name)
	}
	return name
}

// ParseFile parses a whole script. name is only used for error positions.
func ParseFile(script, name string) (*syntax.File, error) {
	file, err := syntax.NewParser().Parse(strings.NewReader(script), name)
	if err != nil {
		return nil, eris.Wrapf(err, "failed to parse command %s", script)
	}

	return file, nil
}

// Parse splits a script into its top-level statements.
func Parse(script, name string) ([]*syntax.Stmt, error) {
	file, err := ParseFile(script, name)
	if err != nil {
		return nil, err
	}

	return file.Stmts, nil
}

// RunStmt runs one top-level statement of a script under errexit. A non-zero status that errexit
// ignores (&& and || lists, negations, conditions) only fails the script when stmt is the last
// statement, since that status becomes the status of the whole script.
// exited reports whether the script has to stop after stmt.
func RunStmt(ctx context.Context, runner *interp.Runner, stmt *syntax.Stmt, last bool) (exited bool, err error) {
	err = runner.Run(ctx, stmt)
	if runner.Exited() || last || ctx.Err() != nil {
		return runner.Exited(), err
	}

	if _, ok := interp.IsExitStatus(err); ok {
		return false, nil
	}
	return false, err
}

// Print renders a shell node on a single line.
func Print(node syntax.Node) string {
	buffer := strings.Builder{}
	err := syntax.NewPrinter(syntax.Minify(true)).Print(&buffer, node)
	if err != nil {
		return fmt.Sprintf("<%v>", err)
	}

	return strings.TrimSpace(buffer.String())
}

// ExitCode returns the shell exit status carried by err, 0 for nil and 1 for any other error.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}

	if status, ok := interp.IsExitStatus(err); ok {
		return int(status)
	}

	return 1
}
