package engine

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/vk/stepflow/internal/config"
	"github.com/vk/stepflow/internal/iostream"
	"github.com/vk/stepflow/internal/wf"
)

// workspaceMount is where the host workspace appears inside containers.
const workspaceMount = "/workspace"

// Docker is the container-engine variant. One Docker value serves the
// whole run; the client handle is created in Setup and shared by all
// workers (the SDK client is safe for concurrent use).
type Docker struct {
	cfg  *config.RunConfig
	sink *iostream.Sink
	cli  *client.Client
}

// NewDocker returns an unconnected docker engine. Setup must be called
// before Run, except in dry-run mode where no daemon is ever contacted.
func NewDocker(cfg *config.RunConfig, sink *iostream.Sink) *Docker {
	return &Docker{cfg: cfg, sink: sink}
}

func (d *Docker) Name() string { return config.EngineDocker }

// Setup connects to the daemon and verifies it is reachable.
func (d *Docker) Setup(ctx context.Context) error {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return &SetupError{Engine: d.Name(), Op: "creating client", Err: err}
	}
	if _, err := cli.Ping(ctx); err != nil {
		cli.Close()
		return &SetupError{Engine: d.Name(), Op: "pinging daemon", Err: err}
	}
	d.cli = cli
	return nil
}

// Run executes one step in a container. The container is destroyed on
// every exit path unless reuse is enabled, in which case it is kept and
// resumed by later runs of the same step in the same workspace.
func (d *Docker) Run(ctx context.Context, step *wf.Step, stream io.Writer) (exit int, err error) {
	name := ContextName(step.ID, d.cfg.Workspace)

	if d.cfg.DryRun {
		d.describe(step, name, stream)
		return 0, nil
	}

	if err := d.ensureImage(ctx, step); err != nil {
		return 0, err
	}

	id, created, err := d.acquireContainer(ctx, step, name)
	if err != nil {
		return 0, err
	}
	if !d.cfg.Reuse {
		// Scoped resource: reclaim the container no matter how Run exits.
		defer func() {
			rmErr := d.cli.ContainerRemove(context.WithoutCancel(ctx),
				id, container.RemoveOptions{Force: true})
			if rmErr != nil && err == nil {
				d.sink.Warn("failed to remove container", "container", name, "error", rmErr)
			}
		}()
	}
	if created {
		d.sink.Debug("created container", "container", name, "image", step.Image)
	} else {
		d.sink.Debug("resuming container", "container", name)
	}

	if err := d.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return 0, &SetupError{Engine: d.Name(), Op: "starting container " + name, Err: err}
	}

	logs, err := d.cli.ContainerLogs(ctx, id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		return 0, &SetupError{Engine: d.Name(), Op: "attaching to container " + name, Err: err}
	}
	copyDone := make(chan struct{})
	go func() {
		defer close(copyDone)
		// Demultiplex the daemon's stream; both halves go to the same
		// per-step stream so ordering is preserved.
		_, _ = stdcopy.StdCopy(stream, stream, logs)
	}()

	waitCh, errCh := d.cli.ContainerWait(ctx, id, container.WaitConditionNotRunning)
	select {
	case resp := <-waitCh:
		<-copyDone
		logs.Close()
		if resp.Error != nil {
			return 0, fmt.Errorf("container %s wait: %s", name, resp.Error.Message)
		}
		return int(resp.StatusCode), nil
	case werr := <-errCh:
		logs.Close()
		return 0, fmt.Errorf("waiting for container %s: %w", name, werr)
	}
}

// Script renders the equivalent `docker run` command line for batch
// dispatch. The remote host runs its own daemon, so the container there
// is always single-shot.
func (d *Docker) Script(step *wf.Step) (string, error) {
	var b strings.Builder
	b.WriteString("docker run --rm")
	fmt.Fprintf(&b, " --name %s", ContextName(step.ID, d.cfg.Workspace))
	fmt.Fprintf(&b, " -v %s", shellJoin([]string{d.cfg.Workspace + ":" + workspaceMount}))
	if step.Dir != "" {
		fmt.Fprintf(&b, " -w %s", shellJoin([]string{step.Dir}))
	} else {
		fmt.Fprintf(&b, " -w %s", workspaceMount)
	}
	for _, kv := range envList(step.Env) {
		fmt.Fprintf(&b, " -e %s", shellJoin([]string{kv}))
	}
	if len(step.Command) > 0 {
		fmt.Fprintf(&b, " --entrypoint %s", shellJoin(step.Command[:1]))
	}
	b.WriteString(" " + step.Image)
	rest := append(append([]string{}, step.Command[min(1, len(step.Command)):]...), step.Args...)
	if len(rest) > 0 {
		b.WriteString(" " + shellJoin(rest))
	}
	return b.String(), nil
}

// Close releases the daemon client.
func (d *Docker) Close(ctx context.Context) error {
	if d.cli == nil {
		return nil
	}
	err := d.cli.Close()
	d.cli = nil
	return err
}

// describe reports the invocation a real run would perform. The sink's
// dry-run prefix is applied on the shared write path.
func (d *Docker) describe(step *wf.Step, name string, stream io.Writer) {
	argv := append(append([]string{}, step.Command...), step.Args...)
	fmt.Fprintf(stream, "docker pull %s\n", step.Image)
	fmt.Fprintf(stream, "docker create --name %s %s %s\n", name, step.Image, shellJoin(argv))
	fmt.Fprintf(stream, "docker start --attach %s\n", name)
}

func (d *Docker) ensureImage(ctx context.Context, step *wf.Step) error {
	if d.cfg.SkipPull {
		d.sink.Debug("skipping image pull", "image", step.Image)
		return nil
	}
	d.sink.Info("pulling image", "image", step.Image)
	rc, err := d.cli.ImagePull(ctx, step.Image, image.PullOptions{})
	if err != nil {
		return &SetupError{Engine: d.Name(), Op: "pulling " + step.Image, Err: err}
	}
	defer rc.Close()
	// The pull only completes once the progress stream is drained.
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return &SetupError{Engine: d.Name(), Op: "pulling " + step.Image, Err: err}
	}
	return nil
}

// acquireContainer resumes an existing container for the step's context
// key when reuse is enabled, creating one otherwise. The second return
// reports whether a new container was created.
func (d *Docker) acquireContainer(ctx context.Context, step *wf.Step, name string) (string, bool, error) {
	if d.cfg.Reuse {
		existing, err := d.cli.ContainerList(ctx, container.ListOptions{
			All:     true,
			Filters: filters.NewArgs(filters.Arg("name", "^/"+name+"$")),
		})
		if err != nil {
			return "", false, &SetupError{Engine: d.Name(), Op: "listing containers", Err: err}
		}
		if len(existing) > 0 {
			return existing[0].ID, false, nil
		}
	}

	workdir := step.Dir
	if workdir == "" {
		workdir = workspaceMount
	}
	cfg := &container.Config{
		Image:      step.Image,
		Entrypoint: step.Command,
		Cmd:        step.Args,
		Env:        envList(step.Env),
		WorkingDir: workdir,
	}
	hostCfg := &container.HostConfig{
		Binds: []string{d.cfg.Workspace + ":" + workspaceMount},
	}
	resp, err := d.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, name)
	if err != nil {
		return "", false, &SetupError{Engine: d.Name(), Op: "creating container " + name, Err: err}
	}
	return resp.ID, true, nil
}
