package wf

import (
	"fmt"
	"maps"
	"slices"
)

// Step is a single unit of work, mapped to one execution backend
// invocation. Steps are treated as immutable once scheduling begins;
// the substitution resolver works on copies.
type Step struct {
	// ID uniquely identifies the step within its workflow.
	ID string
	// Image is the backend-specific execution artifact: a container image
	// reference for the docker engine, a box name for the vagrant engine.
	Image string
	// Command overrides the image entrypoint, Args are appended to it.
	Command []string
	Args    []string
	// Env is injected into the execution context.
	Env map[string]string
	// Dir is the working directory inside the context. Defaults to the
	// mounted workspace when empty.
	Dir string
	// Repo optionally names a git repository that is materialized into the
	// workspace before the workflow runs (unless skip-clone is set).
	Repo string
	// Needs lists the IDs of steps that must succeed before this one runs.
	Needs []string
}

// Clone returns a deep copy of the step.
func (s *Step) Clone() *Step {
	c := *s
	c.Command = slices.Clone(s.Command)
	c.Args = slices.Clone(s.Args)
	c.Needs = slices.Clone(s.Needs)
	c.Env = maps.Clone(s.Env)
	return &c
}

// Workflow is an ordered collection of steps. Declared order doubles as
// the execution tiebreak when dependencies leave several steps ready.
type Workflow struct {
	Name  string
	Steps []*Step
}

// Step returns the step with the given ID, if present.
func (w *Workflow) Step(id string) (*Step, bool) {
	for _, s := range w.Steps {
		if s.ID == id {
			return s, true
		}
	}
	return nil, false
}

// Validate checks the structural invariants the rest of the engine relies
// on: unique step IDs, known dependency references, no self-references,
// and an acyclic dependency graph.
func (w *Workflow) Validate() error {
	if w.Name == "" {
		return fmt.Errorf("workflow has no name")
	}
	if len(w.Steps) == 0 {
		return fmt.Errorf("workflow %q has no steps", w.Name)
	}

	byID := make(map[string]*Step, len(w.Steps))
	for _, s := range w.Steps {
		if s.ID == "" {
			return fmt.Errorf("workflow %q contains a step without an id", w.Name)
		}
		if _, dup := byID[s.ID]; dup {
			return fmt.Errorf("duplicate step id %q", s.ID)
		}
		byID[s.ID] = s
	}
	for _, s := range w.Steps {
		if s.Image == "" {
			return fmt.Errorf("step %q has no image", s.ID)
		}
		for _, dep := range s.Needs {
			if dep == s.ID {
				return fmt.Errorf("step %q depends on itself", s.ID)
			}
			if _, ok := byID[dep]; !ok {
				return fmt.Errorf("step %q needs unknown step %q", s.ID, dep)
			}
		}
	}
	return w.detectCycles(byID)
}

// detectCycles runs a depth-first search with the classic three-color
// scheme: permanent nodes are fully visited, temporary nodes are on the
// current recursion stack.
func (w *Workflow) detectCycles(byID map[string]*Step) error {
	permanent := make(map[string]bool, len(w.Steps))
	temporary := make(map[string]bool)

	var visit func(s *Step) error
	visit = func(s *Step) error {
		if permanent[s.ID] {
			return nil
		}
		if temporary[s.ID] {
			return fmt.Errorf("dependency cycle involving step %q", s.ID)
		}
		temporary[s.ID] = true
		for _, dep := range s.Needs {
			if err := visit(byID[dep]); err != nil {
				return err
			}
		}
		delete(temporary, s.ID)
		permanent[s.ID] = true
		return nil
	}

	for _, s := range w.Steps {
		if err := visit(s); err != nil {
			return err
		}
	}
	return nil
}
