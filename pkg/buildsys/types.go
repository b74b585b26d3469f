package buildsys

import (
	"fmt"

	"github.com/rotisserie/eris"
	"go.starlark.net/starlark"
	starsyntax "go.starlark.net/syntax"
)

// TaskCmd is one entry of a task's command list.
type TaskCmd interface {
	// Describe returns a human readable summary for listings and logs.
	Describe() string
}

// ScriptCmd is a shell snippet. It may contain several statements.
type ScriptCmd struct {
	Content string
}

func (s ScriptCmd) Describe() string {
	return s.Content
}

// TaskRef runs another task at this position of the command list.
type TaskRef struct {
	Name string
}

func (r TaskRef) Describe() string {
	return "@" + r.Name
}

// Task contains the processed values passed to task() by the task script
type Task struct {
	Env          map[string]string
	Short        string
	Desc         string
	Base         string
	Inputs       []string
	Deps         []string
	SkipIfExists []string
	Outputs      []string
	Cmds         []TaskCmd
	Hidden       bool
}

// TaskList maps short names to each relevant task
type TaskList map[string]*Task

// Visible returns the names of all tasks that aren't hidden.
func (l TaskList) Visible() []string {
	names := make([]string, 0, len(l))
	for name, task := range l {
		if !task.Hidden {
			names = append(names, name)
		}
	}
	return names
}

// ScriptOption is an option() declared by the task script.
type ScriptOption struct {
	DefaultValue string
	Help         string
}

// Implement starlark.Value for *Task

func (t *Task) String() string {
	return fmt.Sprintf("<Task %s: %s>", t.Short, t.Desc)
}

func (t *Task) Type() string {
	return "task"
}

// Freeze doesn't do anything since tasks can't be modified from scripts anyway
func (t *Task) Freeze() {}

func (t *Task) Truth() starlark.Bool {
	return starlark.True
}

func (t *Task) Hash() (uint32, error) {
	return 0, eris.New("task is not a hashable type")
}

// StarlarkPath is a normalized filesystem path returned by resolve_path().
type StarlarkPath string

func (p StarlarkPath) String() string {
	return starlark.String(p).String()
}

func (p StarlarkPath) Type() string {
	return "path"
}

func (p StarlarkPath) Freeze() {}

func (p StarlarkPath) Truth() starlark.Bool {
	return p != ""
}

func (p StarlarkPath) Hash() (uint32, error) {
	return starlark.String(p).Hash()
}

func (p StarlarkPath) CompareSameType(op starsyntax.Token, y starlark.Value, depth int) (bool, error) {
	return starlark.String(p).CompareSameType(op, starlark.String(y.(StarlarkPath)), depth)
}

func (p StarlarkPath) Len() int {
	return len(p)
}

func (p StarlarkPath) Index(i int) starlark.Value {
	return starlark.String(p[i])
}

func (p StarlarkPath) Slice(start, end, step int) starlark.Value {
	return starlark.String(p).Slice(start, end, step)
}
