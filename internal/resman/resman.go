// Package resman decides where a step's backend invocation physically
// runs: directly on the local host, or shipped to a remote batch
// scheduler. Both variants present the same result shape as the engine
// itself, so the scheduler never cares which one is active.
package resman

import (
	"context"
	"fmt"
	"io"

	"github.com/vk/stepflow/internal/config"
	"github.com/vk/stepflow/internal/engine"
	"github.com/vk/stepflow/internal/iostream"
	"github.com/vk/stepflow/internal/wf"
)

// Dispatcher wraps an engine invocation for one step.
type Dispatcher interface {
	Name() string
	Dispatch(ctx context.Context, step *wf.Step, eng engine.Engine, stream io.Writer) (int, error)
}

// DispatchError reports that dispatch itself failed (submission,
// transport, polling), as opposed to the step's own logic failing. The
// scheduler treats it like a step failure but keeps the tag for
// diagnostics. Dispatch is never retried here: retry policy belongs to
// callers.
type DispatchError struct {
	Manager string
	Err     error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("%s resource manager: %v", e.Manager, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }

// New selects the dispatcher variant named by the configuration.
func New(cfg *config.RunConfig, sink *iostream.Sink) (Dispatcher, error) {
	switch cfg.ResMan {
	case config.ResManHost:
		return &Host{}, nil
	case config.ResManSlurm:
		return NewSlurm(cfg, sink), nil
	default:
		return nil, fmt.Errorf("unknown resource manager %q", cfg.ResMan)
	}
}

// Host runs the engine invocation in-process.
type Host struct{}

func (h *Host) Name() string { return config.ResManHost }

func (h *Host) Dispatch(ctx context.Context, step *wf.Step, eng engine.Engine, stream io.Writer) (int, error) {
	return eng.Run(ctx, step, stream)
}
