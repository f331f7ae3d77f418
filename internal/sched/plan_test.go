package sched

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/stepflow/internal/wf"
)

func linearWorkflow() *wf.Workflow {
	return &wf.Workflow{
		Name: "demo",
		Steps: []*wf.Step{
			{ID: "a", Image: "alpine:3.20"},
			{ID: "b", Image: "alpine:3.20"},
			{ID: "c", Image: "alpine:3.20"},
		},
	}
}

func ids(steps []*wf.Step) []string {
	out := make([]string, 0, len(steps))
	for _, s := range steps {
		out = append(out, s.ID)
	}
	return out
}

func TestPlan(t *testing.T) {
	t.Run("conflicting filters are rejected", func(t *testing.T) {
		_, err := Plan(linearWorkflow(), Filter{OnlyStep: "a", Skip: []string{"b"}})
		assert.ErrorIs(t, err, ErrConflictingFilters)
	})

	t.Run("no filter keeps declared order", func(t *testing.T) {
		order, err := Plan(linearWorkflow(), Filter{})
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b", "c"}, ids(order))
	})

	t.Run("skip list removes exactly the named steps", func(t *testing.T) {
		order, err := Plan(linearWorkflow(), Filter{Skip: []string{"b"}})
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "c"}, ids(order))
	})

	t.Run("single step runs alone", func(t *testing.T) {
		order, err := Plan(linearWorkflow(), Filter{OnlyStep: "b"})
		require.NoError(t, err)
		assert.Equal(t, []string{"b"}, ids(order))
	})

	t.Run("unknown single step is an error", func(t *testing.T) {
		_, err := Plan(linearWorkflow(), Filter{OnlyStep: "zzz"})
		assert.ErrorContains(t, err, `unknown step "zzz"`)
	})

	t.Run("dependencies order before declared order", func(t *testing.T) {
		w := &wf.Workflow{
			Name: "deps",
			Steps: []*wf.Step{
				{ID: "deploy", Image: "img", Needs: []string{"build", "test"}},
				{ID: "test", Image: "img", Needs: []string{"build"}},
				{ID: "build", Image: "img"},
			},
		}
		order, err := Plan(w, Filter{})
		require.NoError(t, err)
		assert.Equal(t, []string{"build", "test", "deploy"}, ids(order))
	})

	t.Run("skipping a dependency excludes its dependents transitively", func(t *testing.T) {
		w := &wf.Workflow{
			Name: "chain",
			Steps: []*wf.Step{
				{ID: "a", Image: "img"},
				{ID: "b", Image: "img", Needs: []string{"a"}},
				{ID: "c", Image: "img", Needs: []string{"b"}},
				{ID: "d", Image: "img"},
			},
		}
		order, err := Plan(w, Filter{Skip: []string{"a"}})
		require.NoError(t, err)
		assert.Equal(t, []string{"d"}, ids(order))
	})
}
