package buildsys

import (
	"context"
	"fmt"
	"io/ioutil"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/aidarkhanov/nanoid"
	"github.com/rotisserie/eris"
	"go.starlark.net/starlark"
)

type parserCtx struct {
	ctx          context.Context
	options      map[string]ScriptOption
	optionValues map[string]string
	envOverrides map[string]string
	yamlCache    map[string]interface{}
	filepath     string
	projectRoot  string
	tasks        []*Task
	names        map[string]bool
	initPhase    bool
}

func getCtx(thread *starlark.Thread) *parserCtx {
	return thread.Local("parserCtx").(*parserCtx)
}

func scriptMessage(thread *starlark.Thread, msg string) string {
	ctx := getCtx(thread)
	pos := thread.CallFrame(1).Pos

	return fmt.Sprintf("%s:%d:%d: %s", simplifyPath(ctx.projectRoot, ctx.filepath), pos.Line, pos.Col, msg)
}

type starlarkIterable interface {
	Len() int
	Iterate() starlark.Iterator
}

func stringList(input starlarkIterable, field string) ([]string, error) {
	if input == nil {
		return []string{}, nil
	}
	if list, ok := input.(*starlark.List); ok && list == nil {
		return []string{}, nil
	}

	result := make([]string, 0, input.Len())
	iter := input.Iterate()
	defer iter.Done()

	var item starlark.Value
	for iter.Next(&item) {
		switch value := item.(type) {
		case starlark.String:
			result = append(result, value.GoString())
		case StarlarkPath:
			result = append(result, string(value))
		default:
			return nil, eris.Errorf("expected all items in %s to be strings but found %s", field, item.Type())
		}
	}
	return result, nil
}

// commandFromParts turns ("CC=gcc", "make", "-j", path) into a properly quoted shell command.
// Leading NAME=value items become variable assignments for the command.
func commandFromParts(parts starlarkIterable, base string) (string, error) {
	words := make([]string, 0, parts.Len())
	inAssignments := true

	iter := parts.Iterate()
	defer iter.Done()

	var part starlark.Value
	for iter.Next(&part) {
		var value string

		switch part := part.(type) {
		case starlark.String:
			value = part.GoString()
			if inAssignments && isEnvAssignment(value) {
				pos := strings.Index(value, "=")
				words = append(words, value[:pos+1]+shellQuote(value[pos+1:]))
				continue
			}
		case StarlarkPath:
			value = string(part)
			if filepath.IsAbs(value) {
				// absolute paths cause issues on Windows
				if rel, err := filepath.Rel(base, value); err == nil {
					value = rel
				}
			}
			value = filepath.ToSlash(value)
		default:
			return "", eris.Errorf("found argument of type %s but only strings and paths are supported: %s", part.Type(), part.String())
		}

		inAssignments = false
		words = append(words, shellQuote(value))
	}

	if inAssignments {
		return "", eris.Errorf("command %s only contains variable assignments", strings.Join(words, " "))
	}
	return strings.Join(words, " "), nil
}

// * Builtins

func option(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name string
	var defaultValue string
	var help string

	err := starlark.UnpackArgs(fn.Name(), args, kwargs, "name", &name, "default?", &defaultValue, "help?", &help)
	if err != nil {
		return nil, err
	}

	ctx := getCtx(thread)
	if !ctx.initPhase {
		return nil, eris.New("option() can only be called during the init phase (in the global scope)")
	}

	ctx.options[name] = ScriptOption{
		DefaultValue: defaultValue,
		Help:         help,
	}

	if value, ok := ctx.optionValues[name]; ok {
		return starlark.String(value), nil
	}
	return starlark.String(defaultValue), nil
}

func task(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var deps, skipIfExists, inputs, outputs, cmds *starlark.List
	var env *starlark.Dict

	ctx := getCtx(thread)
	if ctx.initPhase {
		return nil, eris.New("task() can only be called inside configure()")
	}

	task := new(Task)
	err := starlark.UnpackArgs(fn.Name(), args, kwargs, "short?", &task.Short, "hidden?", &task.Hidden,
		"desc?", &task.Desc, "deps?", &deps, "base?", &task.Base, "skip_if_exists?", &skipIfExists,
		"inputs?", &inputs, "outputs?", &outputs, "env?", &env, "cmds?", &cmds)
	if err != nil {
		return nil, err
	}

	switch {
	case task.Short == "":
		task.Hidden = true
		task.Short = "auto#" + nanoid.New()
	case task.Short == "configure":
		return nil, eris.New(`the task name "configure" is reserved, please use a different name`)
	case ctx.names[task.Short]:
		return nil, eris.Errorf("task %s was declared twice", task.Short)
	}

	if task.Base == "" {
		task.Base = "."
	}
	task.Base = normalizePath(ctx, task.Base)

	lists := []struct {
		dest  *[]string
		value *starlark.List
		field string
	}{
		{&task.Deps, deps, "deps"},
		{&task.SkipIfExists, skipIfExists, "skip_if_exists"},
		{&task.Inputs, inputs, "inputs"},
		{&task.Outputs, outputs, "outputs"},
	}
	for _, list := range lists {
		var iterable starlarkIterable
		if list.value != nil {
			iterable = list.value
		}

		*list.dest, err = stringList(iterable, list.field)
		if err != nil {
			return nil, err
		}
	}

	task.Env = map[string]string{}
	if env != nil {
		for _, item := range env.Items() {
			key, ok := item[0].(starlark.String)
			if !ok {
				return nil, eris.Errorf("found key type %s in env map but only strings are supported", item[0].Type())
			}

			switch value := item[1].(type) {
			case starlark.String:
				task.Env[key.GoString()] = value.GoString()
			case StarlarkPath:
				task.Env[key.GoString()] = string(value)
			default:
				return nil, eris.Errorf("found value of type %s for key %s but only strings are supported", item[1].Type(), key.GoString())
			}
		}
	}

	task.Cmds = make([]TaskCmd, 0)
	if cmds != nil {
		for idx := 0; idx < cmds.Len(); idx++ {
			switch value := cmds.Index(idx).(type) {
			case starlark.String:
				task.Cmds = append(task.Cmds, ScriptCmd{Content: value.GoString()})
			case starlark.Tuple:
				cmd, err := commandFromParts(value, task.Base)
				if err != nil {
					return nil, eris.Wrapf(err, "failed to process command #%d", idx)
				}
				task.Cmds = append(task.Cmds, ScriptCmd{Content: cmd})
			case *starlark.List:
				cmd, err := commandFromParts(value, task.Base)
				if err != nil {
					return nil, eris.Wrapf(err, "failed to process command #%d", idx)
				}
				task.Cmds = append(task.Cmds, ScriptCmd{Content: cmd})
			case *Task:
				task.Cmds = append(task.Cmds, TaskRef{Name: value.Short})
			default:
				return nil, eris.Errorf("%s: unexpected type %s. Only strings, tuples, lists and tasks are valid", fn.Name(), value.Type())
			}
		}
	}

	if len(task.Inputs) > 0 && len(task.Outputs) == 0 {
		Log(ctx.ctx).Warn().Msg(scriptMessage(thread, fmt.Sprintf("task %s has inputs but no outputs", task.Short)))
	}

	ctx.names[task.Short] = true
	ctx.tasks = append(ctx.tasks, task)
	return task, nil
}

var builtins = starlark.StringDict{
	"OS":           starlark.String(runtime.GOOS),
	"ARCH":         starlark.String(runtime.GOARCH),
	"info":         starlark.NewBuiltin("info", starInfo),
	"warn":         starlark.NewBuiltin("warn", starWarn),
	"error":        starlark.NewBuiltin("error", starError),
	"resolve_path": starlark.NewBuiltin("resolve_path", resolvePath),
	"option":       starlark.NewBuiltin("option", option),
	"getenv":       starlark.NewBuiltin("getenv", getenv),
	"setenv":       starlark.NewBuiltin("setenv", setenv),
	"prepend_path": starlark.NewBuiltin("prepend_path", prependPathDir),
	"read_yaml":    starlark.NewBuiltin("read_yaml", readYaml),
	"isdir":        starlark.NewBuiltin("isdir", statBuiltin(func(mode fileMode) bool { return mode.IsDir() })),
	"isfile":       starlark.NewBuiltin("isfile", statBuiltin(func(mode fileMode) bool { return mode.IsRegular() })),
	"execute":      starlark.NewBuiltin("execute", starExec),
	"task":         starlark.NewBuiltin("task", task),
}

func evalError(projectRoot, filename string, err error) error {
	if evalErr, ok := err.(*starlark.EvalError); ok {
		return eris.Errorf("failed to execute %s:\n%s", simplifyPath(projectRoot, filename), evalErr.Backtrace())
	}
	return eris.Wrapf(err, "failed to execute %s", simplifyPath(projectRoot, filename))
}

// RunScript executes a Starlark task script and returns the declared options. If doConfigure is true, the
// script's configure function is called and the declared tasks are collected and returned.
func RunScript(ctx context.Context, filename, projectRoot string, options map[string]string, doConfigure bool) (TaskList, map[string]ScriptOption, error) {
	projectRoot, err := filepath.Abs(projectRoot)
	if err != nil {
		return nil, nil, err
	}

	filename, err = filepath.Abs(filename)
	if err != nil {
		return nil, nil, err
	}

	if options == nil {
		options = map[string]string{}
	}

	thread := &starlark.Thread{
		Name: "main",
		Print: func(thread *starlark.Thread, msg string) {
			Log(ctx).Info().Str("thread", thread.Name).Msg(msg)
		},
	}
	threadCtx := &parserCtx{
		ctx:          ctx,
		filepath:     filename,
		projectRoot:  projectRoot,
		options:      make(map[string]ScriptOption),
		optionValues: options,
		envOverrides: make(map[string]string),
		yamlCache:    make(map[string]interface{}),
		names:        make(map[string]bool),
		initPhase:    true,
	}
	thread.SetLocal("parserCtx", threadCtx)

	script, err := ioutil.ReadFile(filename)
	if err != nil {
		return nil, nil, eris.Wrapf(err, "failed to read %s", filename)
	}

	globals, err := starlark.ExecFile(thread, simplifyPath(projectRoot, filename), script, builtins)
	if err != nil {
		return nil, nil, evalError(projectRoot, filename, err)
	}

	tasks := TaskList{}
	if !doConfigure {
		return tasks, threadCtx.options, nil
	}

	configure, ok := globals["configure"].(starlark.Callable)
	if !ok {
		return nil, nil, eris.Errorf("%s did not declare a configure function", simplifyPath(projectRoot, filename))
	}

	threadCtx.initPhase = false
	_, err = starlark.Call(thread, configure, nil, nil)
	if err != nil {
		return nil, nil, evalError(projectRoot, filename, err)
	}

	for _, task := range threadCtx.tasks {
		tasks[task.Short] = task

		for name, value := range threadCtx.envOverrides {
			if _, present := task.Env[name]; !present {
				task.Env[name] = value
			}
		}
	}

	for _, task := range tasks {
		for _, dep := range task.Deps {
			if _, ok := tasks[dep]; !ok {
				return nil, nil, eris.Errorf("task %s depends on unknown task %s", task.Short, dep)
			}
		}
	}

	return tasks, threadCtx.options, nil
}
