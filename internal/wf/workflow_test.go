package wf

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validWorkflow() *Workflow {
	return &Workflow{
		Name: "ci",
		Steps: []*Step{
			{ID: "build", Image: "golang:1.24"},
			{ID: "test", Image: "golang:1.24", Needs: []string{"build"}},
			{ID: "package", Image: "alpine:3.20", Needs: []string{"test"}},
		},
	}
}

func TestValidate(t *testing.T) {
	t.Run("valid workflow passes", func(t *testing.T) {
		assert.NoError(t, validWorkflow().Validate())
	})

	t.Run("empty workflow is rejected", func(t *testing.T) {
		err := (&Workflow{Name: "empty"}).Validate()
		assert.ErrorContains(t, err, "has no steps")
	})

	t.Run("missing name is rejected", func(t *testing.T) {
		w := validWorkflow()
		w.Name = ""
		assert.ErrorContains(t, w.Validate(), "no name")
	})

	t.Run("duplicate step ids are rejected", func(t *testing.T) {
		w := validWorkflow()
		w.Steps = append(w.Steps, &Step{ID: "build", Image: "alpine:3.20"})
		assert.ErrorContains(t, w.Validate(), `duplicate step id "build"`)
	})

	t.Run("missing image is rejected", func(t *testing.T) {
		w := validWorkflow()
		w.Steps[1].Image = ""
		assert.ErrorContains(t, w.Validate(), `step "test" has no image`)
	})

	t.Run("unknown dependency is rejected", func(t *testing.T) {
		w := validWorkflow()
		w.Steps[2].Needs = []string{"lint"}
		assert.ErrorContains(t, w.Validate(), `needs unknown step "lint"`)
	})

	t.Run("self dependency is rejected", func(t *testing.T) {
		w := validWorkflow()
		w.Steps[0].Needs = []string{"build"}
		assert.ErrorContains(t, w.Validate(), "depends on itself")
	})

	t.Run("dependency cycle is rejected", func(t *testing.T) {
		w := validWorkflow()
		w.Steps[0].Needs = []string{"package"}
		assert.ErrorContains(t, w.Validate(), "cycle")
	})
}

func TestStepClone(t *testing.T) {
	s := &Step{
		ID:      "build",
		Image:   "golang:1.24",
		Command: []string{"go", "build"},
		Args:    []string{"./..."},
		Env:     map[string]string{"CGO_ENABLED": "0"},
		Needs:   []string{"prep"},
	}
	c := s.Clone()
	require.Equal(t, s, c)

	c.Command[0] = "make"
	c.Env["CGO_ENABLED"] = "1"
	c.Needs[0] = "other"
	assert.Equal(t, "go", s.Command[0])
	assert.Equal(t, "0", s.Env["CGO_ENABLED"])
	assert.Equal(t, "prep", s.Needs[0])
}

func TestStepLookup(t *testing.T) {
	w := validWorkflow()

	s, ok := w.Step("test")
	require.True(t, ok)
	assert.Equal(t, "golang:1.24", s.Image)

	_, ok = w.Step("missing")
	assert.False(t, ok)
}
