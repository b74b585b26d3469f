package workflow

import (
	"os"
	"sort"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// Load reads and validates the workflow stored at path.
func Load(path string) (*Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "failed to read %s", path)
	}

	wf, err := Parse(data)
	if err != nil {
		return nil, eris.Wrapf(err, "failed to load %s", path)
	}

	wf.Path = path
	return wf, nil
}

// Parse decodes and validates a workflow document.
func Parse(data []byte) (*Workflow, error) {
	var wf Workflow
	if err := yaml.Unmarshal(data, &wf); err != nil {
		return nil, eris.Wrap(err, "failed to parse workflow")
	}

	for id, job := range wf.Jobs {
		if job == nil {
			return nil, eris.Errorf("job %s is empty", id)
		}
		job.ID = id
	}

	if err := wf.validate(); err != nil {
		return nil, err
	}

	return &wf, nil
}

func (wf *Workflow) validate() error {
	if len(wf.On) == 0 {
		return eris.New("the workflow has no triggers")
	}

	for event, filter := range wf.On {
		if len(filter.Branches) > 0 && len(filter.BranchesIgnore) > 0 {
			return eris.Errorf("event %s: branches and branches-ignore can't be combined", event)
		}
		if len(filter.Tags) > 0 && len(filter.TagsIgnore) > 0 {
			return eris.Errorf("event %s: tags and tags-ignore can't be combined", event)
		}
		for _, list := range [][]string{filter.Branches, filter.BranchesIgnore, filter.Tags, filter.TagsIgnore} {
			for _, pattern := range list {
				if _, err := compileRefPattern(pattern); err != nil {
					return eris.Wrapf(err, "event %s", event)
				}
			}
		}
	}

	if len(wf.Jobs) == 0 {
		return eris.New("the workflow has no jobs")
	}

	ids := make([]string, 0, len(wf.Jobs))
	for id := range wf.Jobs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		job := wf.Jobs[id]
		if len(job.Steps) == 0 {
			return eris.Errorf("job %s has no steps", id)
		}

		for idx, step := range job.Steps {
			if step == nil {
				return eris.Errorf("job %s: step %d is empty", id, idx+1)
			}
			if (step.Run == "") == (step.Uses == "") {
				return eris.Errorf("job %s: step %d must have exactly one of run and uses", id, idx+1)
			}
		}

		for _, need := range job.Needs {
			if _, ok := wf.Jobs[need]; !ok {
				return eris.Errorf("job %s needs unknown job %s", id, need)
			}
		}
	}

	_, err := wf.Plan()
	return err
}
