package engine

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/docker/docker/client"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/stepflow/internal/config"
	"github.com/vk/stepflow/internal/wf"
)

// daemonDouble fakes the two daemon endpoints acquireContainer talks to.
type daemonDouble struct {
	listBody    string
	listCalls   atomic.Int32
	createCalls atomic.Int32
}

func (d *daemonDouble) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	switch {
	case strings.HasSuffix(r.URL.Path, "/containers/json"):
		d.listCalls.Add(1)
		fmt.Fprint(w, d.listBody)
	case strings.HasSuffix(r.URL.Path, "/containers/create"):
		d.createCalls.Add(1)
		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, `{"Id":"created456","Warnings":[]}`)
	default:
		http.NotFound(w, r)
	}
}

func newDockerWithDaemon(t *testing.T, reuse bool, daemon *daemonDouble) *Docker {
	t.Helper()
	srv := httptest.NewServer(daemon)
	t.Cleanup(srv.Close)

	cli, err := client.NewClientWithOpts(
		client.WithHost("tcp://"+srv.Listener.Addr().String()),
		client.WithVersion("1.43"),
	)
	require.NoError(t, err)
	t.Cleanup(func() { cli.Close() })

	sink, _ := newTestSink("")
	return &Docker{
		cfg:  &config.RunConfig{Workspace: "/ws", Reuse: reuse},
		sink: sink,
		cli:  cli,
	}
}

func TestDockerAcquireContainer(t *testing.T) {
	step := &wf.Step{ID: "build", Image: "alpine:3.20", Args: []string{"true"}}
	name := ContextName(step.ID, "/ws")

	t.Run("reuse resumes the existing container", func(t *testing.T) {
		daemon := &daemonDouble{listBody: `[{"Id":"existing123"}]`}
		d := newDockerWithDaemon(t, true, daemon)

		id, created, err := d.acquireContainer(context.Background(), step, name)
		require.NoError(t, err)
		assert.Equal(t, "existing123", id)
		assert.False(t, created)
		assert.Equal(t, int32(0), daemon.createCalls.Load(), "nothing new is created")
	})

	t.Run("reuse creates when no context matches the key", func(t *testing.T) {
		daemon := &daemonDouble{listBody: `[]`}
		d := newDockerWithDaemon(t, true, daemon)

		id, created, err := d.acquireContainer(context.Background(), step, name)
		require.NoError(t, err)
		assert.Equal(t, "created456", id)
		assert.True(t, created)
		assert.Equal(t, int32(1), daemon.listCalls.Load())
	})

	t.Run("without reuse existing contexts are never consulted", func(t *testing.T) {
		daemon := &daemonDouble{}
		d := newDockerWithDaemon(t, false, daemon)

		id, created, err := d.acquireContainer(context.Background(), step, name)
		require.NoError(t, err)
		assert.Equal(t, "created456", id)
		assert.True(t, created)
		assert.Equal(t, int32(0), daemon.listCalls.Load())
	})
}
