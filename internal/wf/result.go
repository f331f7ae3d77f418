package wf

import "fmt"

// StepStatus tracks a step through its lifecycle. A step never re-enters
// Pending once it has left it, and the four rightmost states are terminal.
type StepStatus int

const (
	Pending StepStatus = iota
	Resolving
	Dispatched
	Succeeded
	Failed
	Skipped
)

// String returns the lowercase human-readable name of the status.
func (s StepStatus) String() string {
	switch s {
	case Pending:
		return "pending"
	case Resolving:
		return "resolving"
	case Dispatched:
		return "dispatched"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	case Skipped:
		return "skipped"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Terminal reports whether the status is one of the terminal states.
func (s StepStatus) Terminal() bool {
	switch s {
	case Succeeded, Failed, Skipped:
		return true
	}
	return false
}

// StepResult is the outcome of a single step. ExitCode is only meaningful
// for Succeeded and Failed steps; Err carries the structured failure for
// setup and dispatch errors (a plain non-zero exit leaves Err nil).
type StepResult struct {
	StepID   string
	Status   StepStatus
	ExitCode int
	Err      error
}

// Result aggregates per-step outcomes for one workflow run. Steps are kept
// in declared order. A Result is terminal once the runner returns it.
type Result struct {
	Workflow string
	Steps    []*StepResult

	byID map[string]*StepResult
}

// NewResult creates a Result with every step of the workflow in Pending.
func NewResult(w *Workflow) *Result {
	r := &Result{
		Workflow: w.Name,
		Steps:    make([]*StepResult, 0, len(w.Steps)),
		byID:     make(map[string]*StepResult, len(w.Steps)),
	}
	for _, s := range w.Steps {
		sr := &StepResult{StepID: s.ID, Status: Pending}
		r.Steps = append(r.Steps, sr)
		r.byID[s.ID] = sr
	}
	return r
}

// StepResult returns the result entry for the given step ID, if present.
func (r *Result) StepResult(id string) (*StepResult, bool) {
	sr, ok := r.byID[id]
	return sr, ok
}

// Ok reports whether the run as a whole succeeded: no step failed and no
// step was left in a non-terminal state.
func (r *Result) Ok() bool {
	for _, sr := range r.Steps {
		if sr.Status == Failed || !sr.Status.Terminal() {
			return false
		}
	}
	return true
}

// FirstFailure returns the first failed step in declared order, if any.
func (r *Result) FirstFailure() (*StepResult, bool) {
	for _, sr := range r.Steps {
		if sr.Status == Failed {
			return sr, true
		}
	}
	return nil, false
}
