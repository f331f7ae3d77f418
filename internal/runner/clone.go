package runner

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/vk/stepflow/internal/wf"
)

// materializeRepos clones the repositories referenced by steps into the
// workspace before the workflow starts. With skip-clone the repositories
// are assumed present; dry runs only report what would be cloned. A
// repository already on disk is left as-is, so reuse across runs works
// without re-fetching.
func (r *Runner) materializeRepos(ctx context.Context, w *wf.Workflow) error {
	seen := make(map[string]bool)
	for _, step := range w.Steps {
		if step.Repo == "" || seen[step.Repo] {
			continue
		}
		seen[step.Repo] = true

		dest := filepath.Join(r.cfg.Workspace, ".stepflow", "repos", repoDirName(step.Repo))
		if r.cfg.SkipClone {
			r.sink.Debug("skipping clone", "repo", step.Repo)
			continue
		}
		if r.cfg.DryRun {
			r.sink.Info(fmt.Sprintf("git clone %s %s", step.Repo, dest))
			continue
		}
		if _, err := os.Stat(dest); err == nil {
			r.sink.Debug("repository already present", "repo", step.Repo, "path", dest)
			continue
		}

		r.sink.Info("cloning repository", "repo", step.Repo)
		cmd := exec.CommandContext(ctx, "git", "clone", "--depth", "1", step.Repo, dest)
		if out, err := cmd.CombinedOutput(); err != nil {
			return fmt.Errorf("cloning %s: %w: %s", step.Repo, err, strings.TrimSpace(string(out)))
		}
	}
	return nil
}

// repoDirName derives a directory name from a repository URL or path:
// the last path element, stripped of a .git suffix.
func repoDirName(repo string) string {
	name := repo
	if i := strings.LastIndexAny(name, "/:"); i >= 0 {
		name = name[i+1:]
	}
	return strings.TrimSuffix(name, ".git")
}
