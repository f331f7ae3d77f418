package sched

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/vk/stepflow/internal/config"
	"github.com/vk/stepflow/internal/engine"
	"github.com/vk/stepflow/internal/iostream"
	"github.com/vk/stepflow/internal/resman"
	"github.com/vk/stepflow/internal/subst"
	"github.com/vk/stepflow/internal/wf"
)

// PanicError reports a fault recovered inside a worker goroutine. A panic
// cannot cross goroutine boundaries, so each worker recovers its own and
// the scheduler hands the first one to the caller as an error; the stack
// is captured at the point of recovery.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("internal fault: %v", e.Value)
}

// Scheduler executes a planned workflow through a worker pool. One
// Scheduler serves one run; the engine and dispatcher references are
// selected before scheduling starts and held for the run's duration.
type Scheduler struct {
	cfg  *config.RunConfig
	eng  engine.Engine
	disp resman.Dispatcher
	sink *iostream.Sink

	aborted atomic.Bool
	fault   atomic.Pointer[PanicError]
	wg      sync.WaitGroup
	ready   chan *node
}

// node pairs a step with its runtime bookkeeping. depCount counts
// not-yet-succeeded dependencies; skipOnce guards the terminal Skipped
// transition so cascades and the abort drain never double-account.
type node struct {
	step       *wf.Step
	result     *wf.StepResult
	depCount   atomic.Int32
	dependents []*node
	skipOnce   sync.Once
}

// New builds a scheduler over the run's engine and dispatcher.
func New(cfg *config.RunConfig, eng engine.Engine, disp resman.Dispatcher, sink *iostream.Sink) *Scheduler {
	return &Scheduler{cfg: cfg, eng: eng, disp: disp, sink: sink}
}

// Run plans the workflow under the filter and executes every eligible
// step. Filter conflicts and unknown step names surface as errors before
// anything runs; step failures are recorded in the Result instead, and
// the first one stops dispatch of all not-yet-started steps.
func (s *Scheduler) Run(ctx context.Context, w *wf.Workflow, f Filter) (*wf.Result, error) {
	eligible, err := Plan(w, f)
	if err != nil {
		return nil, err
	}

	result := wf.NewResult(w)
	inPlan := make(map[string]bool, len(eligible))
	for _, step := range eligible {
		inPlan[step.ID] = true
	}
	// Filtered-out steps transition Pending -> Skipped directly.
	for _, sr := range result.Steps {
		if !inPlan[sr.StepID] {
			sr.Status = wf.Skipped
		}
	}
	if len(eligible) == 0 {
		return result, nil
	}

	nodes := s.buildNodes(eligible, f, result)

	s.ready = make(chan *node, len(nodes))
	for _, n := range nodes {
		if n.depCount.Load() == 0 {
			s.ready <- n
		}
	}

	workers := s.cfg.Workers
	if workers < 1 {
		workers = 1
	}
	if workers > len(nodes) {
		workers = len(nodes)
	}
	s.sink.Debug("starting worker pool", "workers", workers, "steps", len(nodes))
	s.wg.Add(len(nodes))
	for i := 0; i < workers; i++ {
		go s.worker(ctx)
	}
	s.wg.Wait()
	close(s.ready)

	if f := s.fault.Load(); f != nil {
		return nil, f
	}
	return result, nil
}

// buildNodes wires the dependency graph restricted to eligible steps.
// In single-step mode dependencies are treated as satisfied, so the lone
// node starts with no unmet dependencies.
func (s *Scheduler) buildNodes(eligible []*wf.Step, f Filter, result *wf.Result) []*node {
	byID := make(map[string]*node, len(eligible))
	nodes := make([]*node, 0, len(eligible))
	for _, step := range eligible {
		sr, _ := result.StepResult(step.ID)
		n := &node{step: step, result: sr}
		byID[step.ID] = n
		nodes = append(nodes, n)
	}
	if f.OnlyStep != "" {
		return nodes
	}
	for _, n := range nodes {
		for _, dep := range n.step.Needs {
			if d, ok := byID[dep]; ok {
				n.depCount.Add(1)
				d.dependents = append(d.dependents, n)
			}
		}
	}
	return nodes
}

// worker is the processing loop for one pool worker.
func (s *Scheduler) worker(ctx context.Context) {
	for n := range s.ready {
		if s.aborted.Load() || ctx.Err() != nil {
			// Fail-fast drain: steps that were ready but not yet started
			// are abandoned, not failed.
			s.skipNode(n, "aborted")
			s.skipDependents(n)
			continue
		}
		s.runNode(ctx, n)
	}
}

// runNode drives one step through its state machine. A panic out of the
// engine or dispatcher is recovered here: it fails the step, engages
// fail-fast, and is reported from Run, so a fault never kills the pool.
func (s *Scheduler) runNode(ctx context.Context, n *node) {
	defer s.wg.Done()
	defer func() {
		if rec := recover(); rec != nil {
			s.fault.CompareAndSwap(nil, &PanicError{Value: rec, Stack: debug.Stack()})
			s.failNode(n, 0, fmt.Errorf("internal fault: %v", rec))
		}
	}()
	id := n.step.ID

	n.result.Status = wf.Resolving
	resolved, err := subst.Apply(n.step, s.cfg.Substitutions)
	if err != nil {
		s.failNode(n, 0, err)
		return
	}

	n.result.Status = wf.Dispatched
	s.sink.Info("running step", "step", id, "engine", s.eng.Name(), "resman", s.disp.Name())
	stream := s.sink.Stream(id)
	exit, err := s.disp.Dispatch(ctx, resolved, s.eng, stream)
	stream.Close()

	switch {
	case err != nil:
		s.sink.Error("step errored", "step", id, "error", err)
		s.failNode(n, exit, err)
	case exit != 0:
		s.sink.Error("step failed", "step", id, "exit_code", exit)
		s.failNode(n, exit, nil)
	default:
		n.result.Status = wf.Succeeded
		s.sink.Info("step finished", "step", id)
		// The ready channel is sized for every node, so unlocking a
		// dependent never blocks.
		for _, dep := range n.dependents {
			if dep.depCount.Add(-1) == 0 {
				s.ready <- dep
			}
		}
	}
}

// failNode records the failure, raises the fail-fast flag, and skips the
// whole downstream cone. The caller has already consumed the node's
// WaitGroup slot via runNode's defer.
func (s *Scheduler) failNode(n *node, exit int, err error) {
	n.result.Status = wf.Failed
	n.result.ExitCode = exit
	n.result.Err = err
	if s.aborted.CompareAndSwap(false, true) {
		s.sink.Warn("fail-fast engaged, no further steps will be dispatched", "step", n.step.ID)
	}
	s.skipDependents(n)
}

// skipNode marks a not-yet-started node Skipped exactly once.
func (s *Scheduler) skipNode(n *node, reason string) {
	n.skipOnce.Do(func() {
		n.result.Status = wf.Skipped
		s.sink.Debug("skipping step", "step", n.step.ID, "reason", reason)
		s.wg.Done()
	})
}

// skipDependents transitively skips everything downstream of n. Nodes
// already claimed by a worker are untouched: in-flight steps run to
// completion.
func (s *Scheduler) skipDependents(n *node) {
	for _, dep := range n.dependents {
		dep.skipOnce.Do(func() {
			if dep.result.Status != wf.Pending {
				return
			}
			dep.result.Status = wf.Skipped
			s.sink.Debug("skipping step", "step", dep.step.ID, "reason", "upstream not succeeded")
			s.wg.Done()
			s.skipDependents(dep)
		})
	}
}
