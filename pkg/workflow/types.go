package workflow

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// Workflow is a parsed workflow file.
type Workflow struct {
	Name string            `yaml:"name"`
	On   Triggers          `yaml:"on"`
	Env  map[string]string `yaml:"env"`
	Jobs map[string]*Job   `yaml:"jobs"`

	// Path is the file the workflow was loaded from, if any.
	Path string `yaml:"-"`
}

// RefFilter limits the refs an event triggers for. An empty filter matches everything.
type RefFilter struct {
	Branches       []string `yaml:"branches"`
	BranchesIgnore []string `yaml:"branches-ignore"`
	Tags           []string `yaml:"tags"`
	TagsIgnore     []string `yaml:"tags-ignore"`
}

func (f *RefFilter) hasBranchFilter() bool {
	return len(f.Branches) > 0 || len(f.BranchesIgnore) > 0
}

func (f *RefFilter) hasTagFilter() bool {
	return len(f.Tags) > 0 || len(f.TagsIgnore) > 0
}

// Triggers maps event names to their filters.
type Triggers map[string]*RefFilter

// UnmarshalYAML accepts all three forms of the on: key:
//
//	on: push
//	on: [push, pull_request]
//	on:
//	  push:
//	    branches: [main]
func (t *Triggers) UnmarshalYAML(value *yaml.Node) error {
	result := Triggers{}

	switch value.Kind {
	case yaml.ScalarNode:
		result[value.Value] = &RefFilter{}
	case yaml.SequenceNode:
		var names []string
		if err := value.Decode(&names); err != nil {
			return eris.Wrap(err, "failed to decode event list")
		}
		for _, name := range names {
			result[name] = &RefFilter{}
		}
	case yaml.MappingNode:
		for idx := 0; idx+1 < len(value.Content); idx += 2 {
			name := value.Content[idx].Value
			filter := &RefFilter{}

			body := value.Content[idx+1]
			if body.Kind == yaml.MappingNode {
				if err := body.Decode(filter); err != nil {
					return eris.Wrapf(err, "failed to decode filter for event %s", name)
				}
			}
			result[name] = filter
		}
	default:
		return eris.Errorf("line %d: unexpected value for on", value.Line)
	}

	*t = result
	return nil
}

// StringList is a YAML value that may be written either as a single string or as a list.
type StringList []string

func (l *StringList) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		*l = StringList{value.Value}
		return nil
	}

	var items []string
	if err := value.Decode(&items); err != nil {
		return err
	}
	*l = items
	return nil
}

// Job is a named list of steps executed in one shell environment.
type Job struct {
	ID             string            `yaml:"-"`
	Name           string            `yaml:"name"`
	RunsOn         StringList        `yaml:"runs-on"`
	Needs          StringList        `yaml:"needs"`
	Env            map[string]string `yaml:"env"`
	TimeoutMinutes float64           `yaml:"timeout-minutes"`
	Steps          []*Step           `yaml:"steps"`
}

// DisplayName returns the job's name or its ID.
func (j *Job) DisplayName() string {
	if j.Name != "" {
		return j.Name
	}
	return j.ID
}

// Step either runs a shell script or invokes an action.
type Step struct {
	ID               string            `yaml:"id"`
	Name             string            `yaml:"name"`
	Run              string            `yaml:"run"`
	Uses             string            `yaml:"uses"`
	With             map[string]string `yaml:"with"`
	Env              map[string]string `yaml:"env"`
	WorkingDirectory string            `yaml:"working-directory"`
	ContinueOnError  bool              `yaml:"continue-on-error"`
	TimeoutMinutes   float64           `yaml:"timeout-minutes"`
}

// DisplayName mirrors what the GitHub UI shows for unnamed steps.
func (s *Step) DisplayName() string {
	switch {
	case s.Name != "":
		return s.Name
	case s.Uses != "":
		return "Run " + s.Uses
	default:
		line := strings.TrimSpace(s.Run)
		if pos := strings.IndexByte(line, '\n'); pos > -1 {
			line = line[:pos]
		}
		return "Run " + line
	}
}

// Command returns the script or action reference of the step.
func (s *Step) Command() string {
	if s.Uses != "" {
		return s.Uses
	}
	return strings.TrimSpace(s.Run)
}

// Event describes what happened in the repository.
type Event struct {
	// Name is the event type, e.g. push or pull_request.
	Name string
	// Ref is the full ref that was pushed (refs/heads/main, refs/tags/v1.0.0).
	Ref string
	// BaseRef is the branch a pull request targets.
	BaseRef string
}

func (e Event) String() string {
	if e.BaseRef != "" {
		return fmt.Sprintf("%s %s -> %s", e.Name, e.Ref, e.BaseRef)
	}
	if e.Ref != "" {
		return e.Name + " " + e.Ref
	}
	return e.Name
}
