package engine

import (
	"context"
	"crypto/sha1"
	"fmt"
	"io"
	"regexp"
	"slices"
	"strings"

	"github.com/vk/stepflow/internal/config"
	"github.com/vk/stepflow/internal/iostream"
	"github.com/vk/stepflow/internal/wf"
)

// Engine runs resolved steps inside isolated execution contexts.
//
// Run returns the step's exit code as a value: a non-zero exit is an
// expected outcome, not an error. Errors are reserved for the inability
// to prepare or drive the context (*SetupError) and for unexpected
// transport faults.
type Engine interface {
	Name() string

	// Setup prepares process-wide resources (client handles). Called once
	// by the runner before scheduling starts; never called for dry runs.
	Setup(ctx context.Context) error

	// Run executes one step, streaming combined output to stream. In
	// dry-run mode it must not acquire a real context; it describes the
	// intended invocation instead and reports exit 0.
	Run(ctx context.Context, step *wf.Step, stream io.Writer) (int, error)

	// Script renders the step invocation as a standalone shell script
	// body, for resource managers that ship the work to a batch scheduler
	// instead of calling Run in-process.
	Script(step *wf.Step) (string, error)

	// Close releases whatever Setup acquired. Idempotent.
	Close(ctx context.Context) error
}

// SetupError reports that an execution context could not be prepared:
// unreachable daemon, failed image pull, missing CLI tooling. A step
// whose context fails to prepare counts as a failed step.
type SetupError struct {
	Engine string
	Op     string
	Err    error
}

func (e *SetupError) Error() string {
	return fmt.Sprintf("%s engine: %s: %v", e.Engine, e.Op, e.Err)
}

func (e *SetupError) Unwrap() error { return e.Err }

// New selects the engine variant named by the configuration.
func New(cfg *config.RunConfig, sink *iostream.Sink) (Engine, error) {
	switch cfg.Engine {
	case config.EngineDocker:
		return NewDocker(cfg, sink), nil
	case config.EngineSingularity:
		return NewSingularity(cfg, sink), nil
	case config.EngineVagrant:
		return NewVagrant(cfg, sink), nil
	default:
		return nil, fmt.Errorf("unknown engine %q", cfg.Engine)
	}
}

var unsafeNameRe = regexp.MustCompile(`[^A-Za-z0-9_.-]+`)

// ContextName derives the identifier for a step's execution context. The
// key is stable across runs for the same step in the same workspace,
// which is what makes context reuse possible, and distinct workspaces
// never collide.
func ContextName(stepID, workspace string) string {
	sum := sha1.Sum([]byte(workspace))
	safe := unsafeNameRe.ReplaceAllString(stepID, "_")
	return fmt.Sprintf("stepflow_%s_%x", safe, sum[:4])
}

// shellJoin renders argv as a single shell command line, quoting
// arguments that need it.
func shellJoin(argv []string) string {
	parts := make([]string, 0, len(argv))
	for _, a := range argv {
		if a == "" || strings.ContainsAny(a, " \t\n\"'\\$&|;<>()*?[]{}~#`") {
			a = "'" + strings.ReplaceAll(a, "'", `'\''`) + "'"
		}
		parts = append(parts, a)
	}
	return strings.Join(parts, " ")
}

// envList flattens a step's environment map into sorted KEY=VALUE form so
// context creation is deterministic.
func envList(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}
