// Package subst implements the substitution resolver: expansion of
// `$_NAME` placeholders in step definitions from a user-supplied
// key/value set. All functions are pure.
package subst

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/vk/stepflow/internal/wf"
)

// placeholderRe matches `$_NAME` references. Substitution keys carry the
// leading underscore but not the dollar sign, so the set {"_FOO": "1"}
// resolves the reference `$_FOO`.
var placeholderRe = regexp.MustCompile(`\$(_[A-Za-z][A-Za-z0-9_]*)`)

// UnresolvedVariableError reports a placeholder with no matching entry in
// the substitution set.
type UnresolvedVariableError struct {
	StepID string
	Name   string
}

func (e *UnresolvedVariableError) Error() string {
	return fmt.Sprintf("step %q references undefined substitution $%s", e.StepID, e.Name)
}

// UnusedSubstitutionError reports a supplied substitution key that no step
// in the workflow references. Only raised in strict mode.
type UnusedSubstitutionError struct {
	Key string
}

func (e *UnusedSubstitutionError) Error() string {
	return fmt.Sprintf("substitution %s is not used by any step (pass --allow-loose to ignore)", e.Key)
}

// ValidateKey checks that a substitution key is well formed: a leading
// underscore followed by an identifier, the same shape the placeholder
// grammar references.
func ValidateKey(key string) error {
	if !regexp.MustCompile(`^_[A-Za-z][A-Za-z0-9_]*$`).MatchString(key) {
		return fmt.Errorf("invalid substitution key %q: must match _[A-Za-z][A-Za-z0-9_]*", key)
	}
	return nil
}

// Apply returns a copy of the step with every placeholder in its fields
// replaced from subs. The input step is not modified. A placeholder with
// no matching key yields an *UnresolvedVariableError.
func Apply(step *wf.Step, subs map[string]string) (*wf.Step, error) {
	out := step.Clone()

	var firstErr error
	expand := func(s string) string {
		return placeholderRe.ReplaceAllStringFunc(s, func(m string) string {
			key := strings.TrimPrefix(m, "$")
			val, ok := subs[key]
			if !ok {
				if firstErr == nil {
					firstErr = &UnresolvedVariableError{StepID: step.ID, Name: key}
				}
				return m
			}
			return val
		})
	}

	out.Image = expand(out.Image)
	out.Dir = expand(out.Dir)
	out.Repo = expand(out.Repo)
	for i, c := range out.Command {
		out.Command[i] = expand(c)
	}
	for i, a := range out.Args {
		out.Args[i] = expand(a)
	}
	for k, v := range out.Env {
		out.Env[k] = expand(v)
	}
	if firstErr != nil {
		return nil, firstErr
	}
	return out, nil
}

// Validate runs the whole-workflow strictness check once, before any step
// executes: in strict mode every supplied substitution key must be
// referenced by at least one step. Loose mode skips the check entirely.
func Validate(w *wf.Workflow, subs map[string]string, allowLoose bool) error {
	if allowLoose || len(subs) == 0 {
		return nil
	}

	referenced := make(map[string]bool)
	collect := func(s string) {
		for _, m := range placeholderRe.FindAllStringSubmatch(s, -1) {
			referenced[m[1]] = true
		}
	}
	for _, step := range w.Steps {
		collect(step.Image)
		collect(step.Dir)
		collect(step.Repo)
		for _, c := range step.Command {
			collect(c)
		}
		for _, a := range step.Args {
			collect(a)
		}
		for _, v := range step.Env {
			collect(v)
		}
	}

	// Report the first unused key in a stable order.
	var unused []string
	for key := range subs {
		if !referenced[key] {
			unused = append(unused, key)
		}
	}
	if len(unused) == 0 {
		return nil
	}
	first := unused[0]
	for _, k := range unused[1:] {
		if k < first {
			first = k
		}
	}
	return &UnusedSubstitutionError{Key: first}
}
