// Package runner owns the run lifecycle: acquire resources, schedule the
// workflow, tear everything down on every exit path. It is also the only
// boundary allowed to catch unexpected internal faults; everything below
// it communicates through result values.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/vk/stepflow/internal/config"
	"github.com/vk/stepflow/internal/engine"
	"github.com/vk/stepflow/internal/iostream"
	"github.com/vk/stepflow/internal/resman"
	"github.com/vk/stepflow/internal/sched"
	"github.com/vk/stepflow/internal/subst"
	"github.com/vk/stepflow/internal/wf"
)

// Runner executes workflows under one resolved configuration. Acquire a
// Runner, run one or more workflows, then Release it; Release is safe to
// defer and runs on every exit path.
type Runner struct {
	cfg   *config.RunConfig
	sink  *iostream.Sink
	eng   engine.Engine
	disp  resman.Dispatcher
	runID string

	released atomic.Bool
}

// Acquire validates the configuration, prepares the workspace, and sets
// up the process-wide resources the selected engine and resource manager
// need. Dry runs never touch the real backend, so engine setup is
// skipped for them.
func Acquire(ctx context.Context, cfg *config.RunConfig, logger *slog.Logger) (*Runner, error) {
	prefix := ""
	if cfg.DryRun {
		prefix = iostream.DryRunPrefix
	}
	sink := iostream.New(logger, prefix)

	if err := os.MkdirAll(cfg.Workspace, 0o755); err != nil {
		return nil, fmt.Errorf("preparing workspace %s: %w", cfg.Workspace, err)
	}

	eng, err := engine.New(cfg, sink)
	if err != nil {
		return nil, err
	}
	disp, err := resman.New(cfg, sink)
	if err != nil {
		return nil, err
	}

	if !cfg.DryRun {
		if err := eng.Setup(ctx); err != nil {
			return nil, err
		}
	}

	r := &Runner{
		cfg:   cfg,
		sink:  sink,
		eng:   eng,
		disp:  disp,
		runID: uuid.NewString(),
	}
	sink.Debug("runner acquired",
		"run_id", r.runID, "engine", eng.Name(), "resman", disp.Name(),
		"workspace", cfg.Workspace)
	return r, nil
}

// Run executes the workflow and aggregates per-step outcomes. Unexpected
// internal faults are recovered here: the full stack goes through the
// sink's debug channel only, and the caller sees a single summarized
// failure instead of the raw fault.
func (r *Runner) Run(ctx context.Context, w *wf.Workflow) (result *wf.Result, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.sink.Debug("internal fault detail", "panic", rec, "stack", string(debug.Stack()))
			result = nil
			err = fmt.Errorf("internal error while running workflow %q: %v (re-run with --debug for details)", w.Name, rec)
		}
	}()

	if err := w.Validate(); err != nil {
		return nil, err
	}
	// The strictness check runs once across the whole workflow, before
	// any step executes.
	if err := subst.Validate(w, r.cfg.Substitutions, r.cfg.AllowLoose); err != nil {
		return nil, err
	}
	if err := r.materializeRepos(ctx, w); err != nil {
		return nil, err
	}

	r.sink.Info("running workflow", "workflow", w.Name, "run_id", r.runID)
	result, err = sched.New(r.cfg, r.eng, r.disp, r.sink).Run(ctx, w, sched.Filter{
		OnlyStep: r.cfg.OnlyStep,
		Skip:     r.cfg.Skip,
	})
	// Faults recovered inside scheduler workers arrive as values; they get
	// the same treatment as a panic on this goroutine.
	var fault *sched.PanicError
	if errors.As(err, &fault) {
		r.sink.Debug("internal fault detail", "panic", fault.Value, "stack", string(fault.Stack))
		return nil, fmt.Errorf("internal error while running workflow %q: %v (re-run with --debug for details)", w.Name, fault.Value)
	}
	if err != nil {
		return nil, err
	}

	if fail, ok := result.FirstFailure(); ok {
		r.sink.Error("workflow failed", "workflow", w.Name, "step", fail.StepID)
	} else {
		r.sink.Info("workflow finished", "workflow", w.Name)
	}
	return result, nil
}

// Release tears down acquired resources. Idempotent; later calls are
// no-ops.
func (r *Runner) Release(ctx context.Context) {
	if !r.released.CompareAndSwap(false, true) {
		return
	}
	if err := r.eng.Close(ctx); err != nil {
		r.sink.Warn("engine teardown failed", "error", err)
	}
	r.sink.Debug("runner released", "run_id", r.runID)
}
