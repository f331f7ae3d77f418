package wf

import (
	"fmt"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
)

// stepBlock mirrors a `step` block in a workflow file.
type stepBlock struct {
	ID      string            `hcl:"id,label"`
	Image   string            `hcl:"image"`
	Command []string          `hcl:"command,optional"`
	Args    []string          `hcl:"args,optional"`
	Env     map[string]string `hcl:"env,optional"`
	Dir     string            `hcl:"dir,optional"`
	Repo    string            `hcl:"repo,optional"`
	Needs   []string          `hcl:"needs,optional"`
}

// workflowBlock mirrors a top-level `workflow` block.
type workflowBlock struct {
	Name  string       `hcl:"name,label"`
	Steps []*stepBlock `hcl:"step,block"`
}

// fileSchema is the top-level structure of a workflow file.
type fileSchema struct {
	Workflows []*workflowBlock `hcl:"workflow,block"`
}

// Load reads, decodes, and validates a workflow file. The vars map is
// exposed to HCL expressions as plain string variables (the app layer
// provides `workspace`); this is evaluation-time context, distinct from
// the `$_NAME` substitutions which are resolved per step at run time.
func Load(path string, vars map[string]string) (*Workflow, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCLFile(path)
	if diags.HasErrors() {
		return nil, fmt.Errorf("parsing %s: %w", path, diags)
	}
	return decode(file, vars)
}

// LoadBytes is Load over an in-memory buffer. The filename only labels
// diagnostics.
func LoadBytes(src []byte, filename string, vars map[string]string) (*Workflow, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("parsing %s: %w", filename, diags)
	}
	return decode(file, vars)
}

func decode(file *hcl.File, vars map[string]string) (*Workflow, error) {
	evalCtx := &hcl.EvalContext{Variables: make(map[string]cty.Value, len(vars))}
	for k, v := range vars {
		evalCtx.Variables[k] = cty.StringVal(v)
	}

	var fs fileSchema
	if diags := gohcl.DecodeBody(file.Body, evalCtx, &fs); diags.HasErrors() {
		return nil, fmt.Errorf("decoding workflow: %w", diags)
	}
	if len(fs.Workflows) != 1 {
		return nil, fmt.Errorf("expected exactly one workflow block, found %d", len(fs.Workflows))
	}

	wb := fs.Workflows[0]
	w := &Workflow{Name: wb.Name, Steps: make([]*Step, 0, len(wb.Steps))}
	for _, sb := range wb.Steps {
		w.Steps = append(w.Steps, &Step{
			ID:      sb.ID,
			Image:   sb.Image,
			Command: sb.Command,
			Args:    sb.Args,
			Env:     sb.Env,
			Dir:     sb.Dir,
			Repo:    sb.Repo,
			Needs:   sb.Needs,
		})
	}
	if err := w.Validate(); err != nil {
		return nil, err
	}
	return w, nil
}
