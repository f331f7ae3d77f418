package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/stepflow/internal/config"
	"github.com/vk/stepflow/internal/iostream"
	"github.com/vk/stepflow/internal/wf"
)

func TestSingularityExecArgs(t *testing.T) {
	sink, _ := newTestSink("")
	s := NewSingularity(&config.RunConfig{Workspace: "/ws"}, sink)

	t.Run("defaults to the mounted workspace", func(t *testing.T) {
		args := s.execArgs(&wf.Step{ID: "a", Image: "img", Args: []string{"make", "test"}}, "/sif/a.sif")
		assert.Equal(t, []string{
			"exec", "--bind", "/ws:/workspace", "--pwd", "/workspace",
			"/sif/a.sif", "make", "test",
		}, args)
	})

	t.Run("env and working directory are carried", func(t *testing.T) {
		args := s.execArgs(&wf.Step{
			ID:      "a",
			Image:   "img",
			Command: []string{"sh", "-c"},
			Args:    []string{"ls"},
			Env:     map[string]string{"FOO": "bar"},
			Dir:     "/srv",
		}, "/sif/a.sif")
		assert.Equal(t, []string{
			"exec", "--bind", "/ws:/workspace", "--pwd", "/srv", "--env", "FOO=bar",
			"/sif/a.sif", "sh", "-c", "ls",
		}, args)
	})
}

func TestSingularityScript(t *testing.T) {
	sink, _ := newTestSink("")
	s := NewSingularity(&config.RunConfig{Workspace: "/ws"}, sink)

	script, err := s.Script(&wf.Step{ID: "build", Image: "golang:1.24", Args: []string{"go", "build"}})
	require.NoError(t, err)

	assert.Contains(t, script, "singularity pull --force")
	assert.Contains(t, script, "docker://golang:1.24")
	assert.Contains(t, script, "&& singularity exec")
	assert.Contains(t, script, ".sif go build")
}

func TestSingularityDryRun(t *testing.T) {
	// No Setup, no binary lookup: a dry run must never touch the CLI.
	cfg := &config.RunConfig{Workspace: "/ws", DryRun: true}
	sink, buf := newTestSink(iostream.DryRunPrefix)
	s := NewSingularity(cfg, sink)

	stream := sink.Stream("build")
	exit, err := s.Run(t.Context(), &wf.Step{ID: "build", Image: "alpine:3.20", Args: []string{"true"}}, stream)
	require.NoError(t, err)
	require.NoError(t, stream.Close())

	assert.Equal(t, 0, exit)
	out := buf.String()
	assert.Contains(t, out, "DRYRUN: ")
	assert.Contains(t, out, "singularity pull --force")
	assert.Contains(t, out, "singularity exec")
}
