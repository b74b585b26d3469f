package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func loadPythonCI(t *testing.T) *Workflow {
	t.Helper()

	wf, err := Load("testdata/python-ci.yml")
	require.NoError(t, err)
	return wf
}

func TestPythonWorkflowTriggers(t *testing.T) {
	wf := loadPythonCI(t)

	cases := []struct {
		event   Event
		matches bool
	}{
		{Event{Name: "push", Ref: "refs/heads/main"}, true},
		{Event{Name: "push", Ref: "refs/heads/feature"}, true},
		{Event{Name: "push", Ref: "refs/heads/feature/nested/branch"}, true},
		{Event{Name: "push", Ref: "refs/tags/v1.0.0"}, false},
		{Event{Name: "pull_request", Ref: "refs/pull/1/merge", BaseRef: "main"}, true},
		{Event{Name: "pull_request", Ref: "refs/pull/1/merge", BaseRef: "refs/heads/main"}, true},
		{Event{Name: "pull_request", Ref: "refs/pull/2/merge", BaseRef: "develop"}, false},
		{Event{Name: "pull_request", Ref: "refs/pull/3/merge", BaseRef: "main-old"}, false},
		{Event{Name: "workflow_dispatch", Ref: "refs/heads/main"}, false},
		{Event{Name: "schedule"}, false},
	}

	for _, tc := range cases {
		t.Run(tc.event.String(), func(t *testing.T) {
			assert.Equal(t, tc.matches, wf.On.Matches(tc.event))
		})
	}
}

func TestPythonWorkflowStructure(t *testing.T) {
	wf := loadPythonCI(t)

	assert.Equal(t, "CI", wf.Name)
	require.Contains(t, wf.Jobs, "build")

	job := wf.Jobs["build"]
	assert.Equal(t, StringList{"ubuntu-latest"}, job.RunsOn)
	assert.Equal(t, "3.11", job.Steps[1].With["python-version"])

	names := make([]string, len(job.Steps))
	for idx, step := range job.Steps {
		names[idx] = step.DisplayName()
	}
	assert.Equal(t, []string{
		"Run actions/checkout@v4",
		"Set up Python",
		"Install dependencies",
		"Check format",
		"Static checks",
		"Test",
	}, names)
}

func TestTriggerForms(t *testing.T) {
	cases := map[string]struct {
		on     string
		events []string
	}{
		"scalar":   {on: "push", events: []string{"push"}},
		"list":     {on: "[push, pull_request]", events: []string{"push", "pull_request"}},
		"map":      {on: "\n  push:\n  pull_request:\n    branches: [main]", events: []string{"push", "pull_request"}},
		"map null": {on: "\n  workflow_dispatch:", events: []string{"workflow_dispatch"}},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			wf, err := Parse([]byte("on: " + tc.on + "\njobs:\n  a:\n    steps:\n      - run: echo a\n"))
			require.NoError(t, err)

			events := []string{}
			for event := range wf.On {
				events = append(events, event)
			}
			assert.ElementsMatch(t, tc.events, events)
		})
	}
}

func TestRefFilters(t *testing.T) {
	cases := []struct {
		name    string
		filter  RefFilter
		event   Event
		matches bool
	}{
		{"single star stays in segment", RefFilter{Branches: []string{"feature/*"}}, Event{Name: "push", Ref: "refs/heads/feature/a"}, true},
		{"single star nested", RefFilter{Branches: []string{"feature/*"}}, Event{Name: "push", Ref: "refs/heads/feature/a/b"}, false},
		{"double star nested", RefFilter{Branches: []string{"feature/**"}}, Event{Name: "push", Ref: "refs/heads/feature/a/b"}, true},
		{"literal dot", RefFilter{Branches: []string{"release.1"}}, Event{Name: "push", Ref: "refs/heads/releasex1"}, false},
		{"negation", RefFilter{Branches: []string{"**", "!wip/**"}}, Event{Name: "push", Ref: "refs/heads/wip/x"}, false},
		{"negation overridden", RefFilter{Branches: []string{"!wip/**", "wip/keep"}}, Event{Name: "push", Ref: "refs/heads/wip/keep"}, true},
		{"ignore", RefFilter{BranchesIgnore: []string{"docs/*"}}, Event{Name: "push", Ref: "refs/heads/docs/readme"}, false},
		{"ignore other", RefFilter{BranchesIgnore: []string{"docs/*"}}, Event{Name: "push", Ref: "refs/heads/main"}, true},
		{"tags only skip branches", RefFilter{Tags: []string{"v*"}}, Event{Name: "push", Ref: "refs/heads/main"}, false},
		{"tags only", RefFilter{Tags: []string{"v*"}}, Event{Name: "push", Ref: "refs/tags/v1.2.0"}, true},
		{"tags ignore", RefFilter{TagsIgnore: []string{"*-rc*"}}, Event{Name: "push", Ref: "refs/tags/v1.2.0-rc1"}, false},
		{"no filter", RefFilter{}, Event{Name: "push", Ref: "refs/tags/v1"}, true},
		{"pull request base", RefFilter{Branches: []string{"releases/**"}}, Event{Name: "pull_request", BaseRef: "releases/1.x"}, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			filter := tc.filter
			triggers := Triggers{tc.event.Name: &filter}
			assert.Equal(t, tc.matches, triggers.Matches(tc.event))
		})
	}
}

func TestValidation(t *testing.T) {
	cases := map[string]struct {
		doc    string
		errMsg string
	}{
		"no triggers": {
			doc:    "jobs:\n  a:\n    steps:\n      - run: echo\n",
			errMsg: "no triggers",
		},
		"no jobs": {
			doc:    "on: push\n",
			errMsg: "no jobs",
		},
		"no steps": {
			doc:    "on: push\njobs:\n  a:\n    runs-on: ubuntu-latest\n",
			errMsg: "job a has no steps",
		},
		"run and uses": {
			doc:    "on: push\njobs:\n  a:\n    steps:\n      - run: echo\n        uses: actions/checkout@v4\n",
			errMsg: "exactly one of run and uses",
		},
		"unknown need": {
			doc:    "on: push\njobs:\n  a:\n    needs: b\n    steps:\n      - run: echo\n",
			errMsg: "unknown job b",
		},
		"cycle": {
			doc:    "on: push\njobs:\n  a:\n    needs: b\n    steps:\n      - run: echo\n  b:\n    needs: [a]\n    steps:\n      - run: echo\n",
			errMsg: "jobs a, b depend on each other",
		},
		"conflicting filters": {
			doc:    "on:\n  push:\n    branches: [main]\n    branches-ignore: [dev]\njobs:\n  a:\n    steps:\n      - run: echo\n",
			errMsg: "can't be combined",
		},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(tc.doc))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.errMsg)
		})
	}
}

func TestPlanOrder(t *testing.T) {
	wf, err := Parse([]byte(`
on: push
jobs:
  deploy:
    needs: [test, lint]
    steps:
      - run: echo deploy
  test:
    needs: build
    steps:
      - run: echo test
  lint:
    steps:
      - run: echo lint
  build:
    steps:
      - run: echo build
`))
	require.NoError(t, err)

	order, err := wf.Plan()
	require.NoError(t, err)
	assert.Equal(t, []string{"build", "lint", "test", "deploy"}, order)
}

func TestVersionConstraints(t *testing.T) {
	cases := []struct {
		required string
		output   string
		ok       bool
	}{
		{"3.11", "Python 3.11.4", true},
		{"3.11", "Python 3.12.0", false},
		{"3.11", "Python 3.10.13", false},
		{"3.11.4", "Python 3.11.4", true},
		{"3.11.4", "Python 3.11.5", false},
		{"3.x", "Python 3.9.1", true},
		{">=1.21", "go version go1.22.1 linux/amd64", true},
		{"20", "v20.11.0", true},
		{"20", "v18.19.0", false},
		{"", "v18.19.0", true},
	}

	for _, tc := range cases {
		t.Run(tc.required+" "+tc.output, func(t *testing.T) {
			_, err := matchVersion("tool", tc.required, tc.output)
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}

	_, err := matchVersion("Python", "3.11", "command not found")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "could not determine")
}
