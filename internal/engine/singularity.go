package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/vk/stepflow/internal/config"
	"github.com/vk/stepflow/internal/iostream"
	"github.com/vk/stepflow/internal/wf"
)

// Singularity is the second container-engine variant. Singularity ships
// no Go SDK, so the engine drives the `singularity` CLI. A step's Image
// names a docker registry image that is pulled into a SIF file under
// <workspace>/.stepflow/singularity/<context>.sif; that file is the
// execution context, kept across runs when reuse is enabled.
type Singularity struct {
	cfg  *config.RunConfig
	sink *iostream.Sink
	bin  string
}

// NewSingularity returns a singularity engine. Setup must run before
// Run, except for dry runs.
func NewSingularity(cfg *config.RunConfig, sink *iostream.Sink) *Singularity {
	return &Singularity{cfg: cfg, sink: sink}
}

func (s *Singularity) Name() string { return config.EngineSingularity }

// Setup locates the singularity binary.
func (s *Singularity) Setup(ctx context.Context) error {
	bin, err := exec.LookPath("singularity")
	if err != nil {
		return &SetupError{Engine: s.Name(), Op: "locating singularity binary", Err: err}
	}
	s.bin = bin
	return nil
}

func (s *Singularity) imagePath(name string) string {
	return filepath.Join(s.cfg.Workspace, ".stepflow", "singularity", name+".sif")
}

// Run pulls (or resumes) the step's image and executes the command inside
// it. Without reuse the SIF file is removed afterwards.
func (s *Singularity) Run(ctx context.Context, step *wf.Step, stream io.Writer) (int, error) {
	name := ContextName(step.ID, s.cfg.Workspace)
	sif := s.imagePath(name)

	if s.cfg.DryRun {
		s.describe(step, sif, stream)
		return 0, nil
	}

	if err := s.ensureImage(ctx, step, sif); err != nil {
		return 0, err
	}
	if !s.cfg.Reuse {
		defer os.Remove(sif)
	}

	cmd := exec.CommandContext(ctx, s.bin, s.execArgs(step, sif)...)
	cmd.Stdout = stream
	cmd.Stderr = stream
	err := cmd.Run()
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return 0, nil
	case errors.As(err, &exitErr):
		// The command ran and exited non-zero: an expected outcome.
		return exitErr.ExitCode(), nil
	default:
		return 0, fmt.Errorf("running step %q: %w", step.ID, err)
	}
}

// Script renders the invocation for batch dispatch. The remote node pulls
// its own SIF; the context directory lives in the shared workspace.
func (s *Singularity) Script(step *wf.Step) (string, error) {
	name := ContextName(step.ID, s.cfg.Workspace)
	sif := s.imagePath(name)
	pull := shellJoin([]string{"singularity", "pull", "--force", sif, "docker://" + step.Image})
	run := shellJoin(append([]string{"singularity"}, s.execArgs(step, sif)...))
	return pull + " && " + run, nil
}

// Close is a no-op: the CLI holds no persistent handles.
func (s *Singularity) Close(ctx context.Context) error { return nil }

// execArgs builds the `singularity exec` argument list for one step.
func (s *Singularity) execArgs(step *wf.Step, sif string) []string {
	args := []string{"exec", "--bind", s.cfg.Workspace + ":" + workspaceMount}
	dir := step.Dir
	if dir == "" {
		dir = workspaceMount
	}
	args = append(args, "--pwd", dir)
	for _, kv := range envList(step.Env) {
		args = append(args, "--env", kv)
	}
	args = append(args, sif)
	args = append(args, step.Command...)
	args = append(args, step.Args...)
	return args
}

func (s *Singularity) describe(step *wf.Step, sif string, stream io.Writer) {
	argv := append(append([]string{}, step.Command...), step.Args...)
	fmt.Fprintf(stream, "singularity pull --force %s docker://%s\n", sif, step.Image)
	fmt.Fprintf(stream, "singularity exec %s %s\n", sif, shellJoin(argv))
}

// ensureImage makes the step's SIF file available: an existing file is
// resumed under reuse, required under skip-pull, and pulled from the
// docker registry otherwise.
func (s *Singularity) ensureImage(ctx context.Context, step *wf.Step, sif string) error {
	if s.cfg.SkipPull {
		if _, err := os.Stat(sif); err != nil {
			return &SetupError{Engine: s.Name(), Op: "locating image " + sif, Err: err}
		}
		s.sink.Debug("skipping image pull", "image", step.Image)
		return nil
	}
	if s.cfg.Reuse {
		if _, err := os.Stat(sif); err == nil {
			s.sink.Debug("resuming image", "path", sif)
			return nil
		}
	}
	if err := os.MkdirAll(filepath.Dir(sif), 0o755); err != nil {
		return &SetupError{Engine: s.Name(), Op: "creating image directory", Err: err}
	}

	s.sink.Info("pulling image", "image", step.Image)
	pull := exec.CommandContext(ctx, s.bin, "pull", "--force", sif, "docker://"+step.Image)
	if out, err := pull.CombinedOutput(); err != nil {
		return &SetupError{Engine: s.Name(),
			Op: fmt.Sprintf("pulling %s: %s", step.Image, string(out)), Err: err}
	}
	return nil
}
