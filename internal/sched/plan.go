package sched

import (
	"errors"
	"fmt"
	"slices"

	"github.com/vk/stepflow/internal/wf"
)

// ErrConflictingFilters is returned when both a target step and a skip
// list are requested. The two filters are mutually exclusive; the
// conflict is detected before any step executes.
var ErrConflictingFilters = errors.New("a target step and a skip list cannot be combined")

// Filter narrows a workflow run. Zero value runs everything.
type Filter struct {
	// OnlyStep, when set, limits the run to that single step. Its
	// dependencies are treated as satisfied and nothing else executes.
	OnlyStep string
	// Skip lists step IDs that must not execute. Dependents of a skipped
	// step are skipped too, transitively.
	Skip []string
}

// Plan computes the ordered sequence of eligible steps: dependency order
// first, declared order as the tiebreak. Steps excluded by the filter
// (directly or through dependency-skip propagation) are absent from the
// returned sequence.
func Plan(w *wf.Workflow, f Filter) ([]*wf.Step, error) {
	if f.OnlyStep != "" && len(f.Skip) > 0 {
		return nil, ErrConflictingFilters
	}

	if f.OnlyStep != "" {
		step, ok := w.Step(f.OnlyStep)
		if !ok {
			return nil, fmt.Errorf("unknown step %q", f.OnlyStep)
		}
		return []*wf.Step{step}, nil
	}

	excluded := excludedSet(w, f.Skip)
	return topoOrder(w, excluded), nil
}

// excludedSet expands the skip list into its dependency closure: a step
// whose dependency is skipped can never run, so it is skipped as well.
func excludedSet(w *wf.Workflow, skip []string) map[string]bool {
	excluded := make(map[string]bool, len(skip))
	for _, id := range skip {
		excluded[id] = true
	}
	// Steps are re-scanned until no new exclusion appears; chains of any
	// length settle because each pass only grows the set.
	for changed := true; changed; {
		changed = false
		for _, s := range w.Steps {
			if excluded[s.ID] {
				continue
			}
			for _, dep := range s.Needs {
				if excluded[dep] {
					excluded[s.ID] = true
					changed = true
					break
				}
			}
		}
	}
	return excluded
}

// topoOrder is Kahn's algorithm with a stable tiebreak: among ready
// steps, the one declared first wins. Validate has already rejected
// cycles, so every eligible step is emitted.
func topoOrder(w *wf.Workflow, excluded map[string]bool) []*wf.Step {
	indegree := make(map[string]int)
	for _, s := range w.Steps {
		if excluded[s.ID] {
			continue
		}
		n := 0
		for _, dep := range s.Needs {
			if !excluded[dep] {
				n++
			}
		}
		indegree[s.ID] = n
	}

	var order []*wf.Step
	emitted := make(map[string]bool)
	for len(order) < len(indegree) {
		progressed := false
		for _, s := range w.Steps {
			if excluded[s.ID] || emitted[s.ID] || indegree[s.ID] > 0 {
				continue
			}
			order = append(order, s)
			emitted[s.ID] = true
			progressed = true
			for _, t := range w.Steps {
				if !excluded[t.ID] && slices.Contains(t.Needs, s.ID) {
					indegree[t.ID]--
				}
			}
			break
		}
		if !progressed {
			break
		}
	}
	return order
}
