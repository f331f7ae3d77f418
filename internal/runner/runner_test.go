package runner

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/stepflow/internal/config"
	"github.com/vk/stepflow/internal/iostream"
	"github.com/vk/stepflow/internal/resman"
	"github.com/vk/stepflow/internal/wf"
)

// fakeEngine satisfies the engine contract without a backend. Run can be
// overridden per test.
type fakeEngine struct {
	runFn  func(ctx context.Context, step *wf.Step, stream io.Writer) (int, error)
	closed atomic.Int32
}

func (f *fakeEngine) Name() string                    { return "fake" }
func (f *fakeEngine) Setup(ctx context.Context) error { return nil }

func (f *fakeEngine) Close(ctx context.Context) error {
	f.closed.Add(1)
	return nil
}

func (f *fakeEngine) Script(step *wf.Step) (string, error) { return "fake " + step.ID, nil }

func (f *fakeEngine) Run(ctx context.Context, step *wf.Step, stream io.Writer) (int, error) {
	if f.runFn != nil {
		return f.runFn(ctx, step, stream)
	}
	return 0, nil
}

func newTestRunner(cfg *config.RunConfig, eng *fakeEngine, level slog.Level) (*Runner, *bytes.Buffer) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: level}))
	prefix := ""
	if cfg.DryRun {
		prefix = iostream.DryRunPrefix
	}
	return &Runner{
		cfg:   cfg,
		sink:  iostream.New(logger, prefix),
		eng:   eng,
		disp:  &resman.Host{},
		runID: "test-run",
	}, &buf
}

func singleStep() *wf.Workflow {
	return &wf.Workflow{
		Name:  "demo",
		Steps: []*wf.Step{{ID: "greet", Image: "alpine:3.20", Args: []string{"echo", "hi"}}},
	}
}

func TestRun(t *testing.T) {
	t.Run("successful workflow", func(t *testing.T) {
		eng := &fakeEngine{runFn: func(ctx context.Context, step *wf.Step, stream io.Writer) (int, error) {
			io.WriteString(stream, "hi\n")
			return 0, nil
		}}
		r, buf := newTestRunner(&config.RunConfig{Workspace: t.TempDir(), Workers: 1}, eng, iostream.LevelStep)

		res, err := r.Run(context.Background(), singleStep())
		require.NoError(t, err)
		assert.True(t, res.Ok())
		assert.Contains(t, buf.String(), "hi")
		assert.Contains(t, buf.String(), "workflow finished")
	})

	t.Run("invalid workflow never reaches the backend", func(t *testing.T) {
		called := false
		eng := &fakeEngine{runFn: func(ctx context.Context, step *wf.Step, stream io.Writer) (int, error) {
			called = true
			return 0, nil
		}}
		r, _ := newTestRunner(&config.RunConfig{Workspace: t.TempDir(), Workers: 1}, eng, slog.LevelInfo)

		w := singleStep()
		w.Steps[0].Image = ""
		_, err := r.Run(context.Background(), w)
		assert.ErrorContains(t, err, "no image")
		assert.False(t, called)
	})

	t.Run("strict substitution check runs before execution", func(t *testing.T) {
		called := false
		eng := &fakeEngine{runFn: func(ctx context.Context, step *wf.Step, stream io.Writer) (int, error) {
			called = true
			return 0, nil
		}}
		cfg := &config.RunConfig{
			Workspace:     t.TempDir(),
			Workers:       1,
			Substitutions: map[string]string{"_UNUSED": "x"},
		}
		r, _ := newTestRunner(cfg, eng, slog.LevelInfo)

		_, err := r.Run(context.Background(), singleStep())
		assert.ErrorContains(t, err, "not used by any step")
		assert.False(t, called)
	})

	t.Run("internal fault is summarized and detailed on debug", func(t *testing.T) {
		eng := &fakeEngine{runFn: func(ctx context.Context, step *wf.Step, stream io.Writer) (int, error) {
			panic("boom")
		}}
		r, buf := newTestRunner(&config.RunConfig{Workspace: t.TempDir(), Workers: 1}, eng, slog.LevelDebug)

		res, err := r.Run(context.Background(), singleStep())
		assert.Nil(t, res)
		require.ErrorContains(t, err, "internal error while running workflow")
		assert.ErrorContains(t, err, "re-run with --debug")
		assert.NotContains(t, err.Error(), "goroutine", "no stack in the summary")
		assert.Contains(t, buf.String(), "internal fault detail")
	})

	t.Run("stack stays out of non-debug output", func(t *testing.T) {
		eng := &fakeEngine{runFn: func(ctx context.Context, step *wf.Step, stream io.Writer) (int, error) {
			panic("boom")
		}}
		r, buf := newTestRunner(&config.RunConfig{Workspace: t.TempDir(), Workers: 1}, eng, slog.LevelInfo)

		_, err := r.Run(context.Background(), singleStep())
		require.Error(t, err)
		assert.NotContains(t, buf.String(), "internal fault detail")
	})
}

func TestDryRun(t *testing.T) {
	eng := &fakeEngine{runFn: func(ctx context.Context, step *wf.Step, stream io.Writer) (int, error) {
		io.WriteString(stream, "docker pull alpine:3.20\n")
		return 0, nil
	}}
	cfg := &config.RunConfig{Workspace: t.TempDir(), Workers: 1, DryRun: true}
	r, buf := newTestRunner(cfg, eng, iostream.LevelStep)

	res, err := r.Run(context.Background(), singleStep())
	require.NoError(t, err)
	assert.True(t, res.Ok())
	assert.Contains(t, buf.String(), "DRYRUN: ")
}

func TestRelease(t *testing.T) {
	eng := &fakeEngine{}
	r, _ := newTestRunner(&config.RunConfig{Workspace: t.TempDir(), Workers: 1}, eng, slog.LevelInfo)

	r.Release(context.Background())
	r.Release(context.Background())
	assert.Equal(t, int32(1), eng.closed.Load(), "teardown happens once")
}

func TestMaterializeRepos(t *testing.T) {
	repoStep := func() *wf.Workflow {
		return &wf.Workflow{
			Name: "demo",
			Steps: []*wf.Step{
				{ID: "a", Image: "img", Repo: "https://example.com/org/project.git"},
				{ID: "b", Image: "img", Repo: "https://example.com/org/project.git"},
			},
		}
	}

	t.Run("skip-clone assumes repositories are present", func(t *testing.T) {
		cfg := &config.RunConfig{Workspace: t.TempDir(), Workers: 1, SkipClone: true}
		r, _ := newTestRunner(cfg, &fakeEngine{}, slog.LevelDebug)
		require.NoError(t, r.materializeRepos(context.Background(), repoStep()))
	})

	t.Run("dry run reports the clone without performing it", func(t *testing.T) {
		ws := t.TempDir()
		cfg := &config.RunConfig{Workspace: ws, Workers: 1, DryRun: true}
		r, buf := newTestRunner(cfg, &fakeEngine{}, slog.LevelInfo)

		require.NoError(t, r.materializeRepos(context.Background(), repoStep()))
		assert.Contains(t, buf.String(), "git clone https://example.com/org/project.git")
		assert.NoDirExists(t, ws+"/.stepflow/repos/project")
	})
}

func TestRepoDirName(t *testing.T) {
	assert.Equal(t, "project", repoDirName("https://example.com/org/project.git"))
	assert.Equal(t, "project", repoDirName("git@example.com:project.git"))
	assert.Equal(t, "local", repoDirName("/srv/repos/local"))
}
