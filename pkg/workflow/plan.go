package workflow

import (
	"sort"
	"strings"

	"github.com/rotisserie/eris"
)

// Plan returns the job IDs in an order where every job comes after the jobs it needs.
// Jobs that become ready at the same time are ordered by ID.
func (wf *Workflow) Plan() ([]string, error) {
	pending := make(map[string]int, len(wf.Jobs))
	dependents := make(map[string][]string)

	for id, job := range wf.Jobs {
		pending[id] = len(job.Needs)
		for _, need := range job.Needs {
			dependents[need] = append(dependents[need], id)
		}
	}

	ready := []string{}
	for id, count := range pending {
		if count == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	order := make([]string, 0, len(wf.Jobs))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)

		for _, dep := range dependents[id] {
			pending[dep]--
			if pending[dep] == 0 {
				ready = append(ready, dep)
			}
		}
		sort.Strings(ready)
	}

	if len(order) < len(wf.Jobs) {
		cycle := []string{}
		for id, count := range pending {
			if count > 0 {
				cycle = append(cycle, id)
			}
		}
		sort.Strings(cycle)
		return nil, eris.Errorf("jobs %s depend on each other", strings.Join(cycle, ", "))
	}

	return order, nil
}
