// Package workflow loads GitHub-Actions-style workflow files and runs them locally.
//
// Only the subset needed to reproduce a CI pipeline on a developer machine is supported:
// push and pull_request triggers with ref filters, jobs with needs, run steps executed by the
// portable shell and a handful of built-in setup actions that verify the local toolchain
// instead of installing one.
package workflow
