// Package buildsys implements a small make replacement. Targets are declared in a Starlark
// script (tasks.star) and their commands run through mvdan.cc/sh, so the same task file
// works on every platform.
//
// Commands run in declaration order and the first failing command aborts the whole
// invocation. Targets can depend on other targets (deps run first, at most once) or
// reference them inside their command list to run them at that exact position.
package buildsys
