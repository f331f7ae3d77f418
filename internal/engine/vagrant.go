package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/vk/stepflow/internal/config"
	"github.com/vk/stepflow/internal/iostream"
	"github.com/vk/stepflow/internal/wf"
)

// Vagrant is the VM-engine variant. Vagrant ships no Go SDK, so the
// engine drives the `vagrant` CLI. Each execution context is a VM rooted
// in its own directory under <workspace>/.stepflow/vm/<context>; a step's
// Image names the box.
type Vagrant struct {
	cfg  *config.RunConfig
	sink *iostream.Sink
	bin  string
}

// NewVagrant returns a vagrant engine. Setup must run before Run, except
// for dry runs.
func NewVagrant(cfg *config.RunConfig, sink *iostream.Sink) *Vagrant {
	return &Vagrant{cfg: cfg, sink: sink}
}

func (v *Vagrant) Name() string { return config.EngineVagrant }

// Setup locates the vagrant binary.
func (v *Vagrant) Setup(ctx context.Context) error {
	bin, err := exec.LookPath("vagrant")
	if err != nil {
		return &SetupError{Engine: v.Name(), Op: "locating vagrant binary", Err: err}
	}
	v.bin = bin
	return nil
}

func (v *Vagrant) vmDir(name string) string {
	return filepath.Join(v.cfg.Workspace, ".stepflow", "vm", name)
}

// Run boots (or resumes) the step's VM, runs the command over ssh, and
// destroys the VM afterwards unless reuse is enabled.
func (v *Vagrant) Run(ctx context.Context, step *wf.Step, stream io.Writer) (int, error) {
	name := ContextName(step.ID, v.cfg.Workspace)
	cmdline := v.commandLine(step)

	if v.cfg.DryRun {
		fmt.Fprintf(stream, "vagrant up  # box %s, context %s\n", step.Image, name)
		fmt.Fprintf(stream, "vagrant ssh -c %s\n", shellJoin([]string{cmdline}))
		return 0, nil
	}

	dir := v.vmDir(name)
	if err := v.ensureVM(ctx, step, name, dir); err != nil {
		return 0, err
	}
	if !v.cfg.Reuse {
		defer v.destroyVM(context.WithoutCancel(ctx), name, dir)
	}

	ssh := exec.CommandContext(ctx, v.bin, "ssh", "-c", cmdline)
	ssh.Dir = dir
	ssh.Stdout = stream
	ssh.Stderr = stream
	err := ssh.Run()
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return 0, nil
	case errors.As(err, &exitErr):
		// The command ran and exited non-zero: an expected outcome.
		return exitErr.ExitCode(), nil
	default:
		return 0, fmt.Errorf("running step %q over ssh: %w", step.ID, err)
	}
}

// Script renders the invocation for batch dispatch. The remote node needs
// its own vagrant install; the context directory is recreated there.
func (v *Vagrant) Script(step *wf.Step) (string, error) {
	name := ContextName(step.ID, v.cfg.Workspace)
	dir := v.vmDir(name)
	return fmt.Sprintf("cd %s && vagrant up && vagrant ssh -c %s && vagrant destroy -f",
		shellJoin([]string{dir}), shellJoin([]string{v.commandLine(step)})), nil
}

// Close is a no-op: the CLI holds no persistent handles.
func (v *Vagrant) Close(ctx context.Context) error { return nil }

// commandLine renders the step command to run inside the guest. The
// workspace is synced to /vagrant by the Vagrantfile.
func (v *Vagrant) commandLine(step *wf.Step) string {
	var parts []string
	for _, kv := range envList(step.Env) {
		parts = append(parts, "export "+shellJoin([]string{kv}), "&&")
	}
	dir := step.Dir
	if dir == "" {
		dir = "/vagrant"
	}
	parts = append(parts, "cd", shellJoin([]string{dir}), "&&")
	argv := append(append([]string{}, step.Command...), step.Args...)
	parts = append(parts, shellJoin(argv))
	return strings.Join(parts, " ")
}

// ensureVM writes the Vagrantfile for the context and boots the VM.
// `vagrant up` is idempotent, so resuming a reused VM takes the same
// path as first boot.
func (v *Vagrant) ensureVM(ctx context.Context, step *wf.Step, name, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &SetupError{Engine: v.Name(), Op: "creating VM directory", Err: err}
	}
	vagrantfile := fmt.Sprintf(`Vagrant.configure("2") do |config|
  config.vm.box = %q
  config.vm.synced_folder %q, "/vagrant"
end
`, step.Image, v.cfg.Workspace)
	if err := os.WriteFile(filepath.Join(dir, "Vagrantfile"), []byte(vagrantfile), 0o644); err != nil {
		return &SetupError{Engine: v.Name(), Op: "writing Vagrantfile", Err: err}
	}

	v.sink.Info("booting VM", "context", name, "box", step.Image)
	up := exec.CommandContext(ctx, v.bin, "up")
	up.Dir = dir
	if out, err := up.CombinedOutput(); err != nil {
		return &SetupError{Engine: v.Name(),
			Op: fmt.Sprintf("vagrant up for context %s: %s", name, string(out)), Err: err}
	}
	return nil
}

func (v *Vagrant) destroyVM(ctx context.Context, name, dir string) {
	down := exec.CommandContext(ctx, v.bin, "destroy", "-f")
	down.Dir = dir
	if out, err := down.CombinedOutput(); err != nil {
		v.sink.Warn("failed to destroy VM", "context", name, "error", err, "output", string(out))
		return
	}
	if err := os.RemoveAll(dir); err != nil {
		v.sink.Warn("failed to remove VM directory", "context", name, "error", err)
	}
}
