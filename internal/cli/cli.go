package cli

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/vk/stepflow/internal/app"
	"github.com/vk/stepflow/internal/config"
	"github.com/vk/stepflow/internal/subst"
)

// ExitError carries a specific process exit code up to main.
type ExitError struct {
	Code    int
	Message string
}

func (e *ExitError) Error() string { return e.Message }

// usageErr wraps a user mistake as exit code 2.
func usageErr(format string, args ...any) error {
	return &ExitError{Code: 2, Message: fmt.Sprintf(format, args...)}
}

// runFlags collects the raw values of `stepflow run`.
type runFlags struct {
	wfile         string
	conf          string
	engine        string
	resman        string
	workspace     string
	logFile       string
	logFormat     string
	debug         bool
	dryRun        bool
	quiet         bool
	reuse         bool
	skipClone     bool
	skipPull      bool
	allowLoose    bool
	workers       int
	skip          []string
	substitutions []string
}

// Execute runs the CLI against args, writing output to outW. The
// returned error is nil on success, an *ExitError for controlled exits,
// or a plain error for unexpected ones.
func Execute(outW io.Writer, args []string) error {
	return ExecuteContext(context.Background(), outW, args)
}

// ExecuteContext is Execute with a caller-supplied context; cancellation
// stops dispatch of new steps.
func ExecuteContext(ctx context.Context, outW io.Writer, args []string) error {
	root := &cobra.Command{
		Use:           "stepflow",
		Short:         "stepflow runs declarative workflows inside isolated execution environments",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(outW)
	root.SetErr(outW)
	root.AddCommand(newRunCmd(outW))
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

func newRunCmd(outW io.Writer) *cobra.Command {
	flags := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run [STEP]",
		Short: "Run a workflow, or a single step of it",
		Long: `Run a workflow. Only executes STEP if given.

The execution engine (-e) and resource manager (-r) can also come from a
configuration file (-c); values passed via flags take precedence over the
file.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			onlyStep := ""
			if len(args) == 1 {
				onlyStep = args[0]
			}
			return runWorkflow(cmd, outW, flags, onlyStep)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&flags.wfile, "file", "f", "", "file containing the definition of the workflow (required)")
	f.StringVarP(&flags.conf, "conf", "c", "", "path to a file with configuration options")
	f.StringVarP(&flags.engine, "engine", "e", "", "execution engine (docker, singularity or vagrant)")
	f.StringVarP(&flags.resman, "resource-manager", "r", "", "resource manager (host or slurm)")
	f.StringVarP(&flags.workspace, "workspace", "w", "", "path to the workspace folder")
	f.StringVar(&flags.logFile, "log-file", "", "also write logs to this file")
	f.StringVar(&flags.logFormat, "log-format", "text", "log output format: text or json")
	f.BoolVarP(&flags.debug, "debug", "d", false, "generate detailed messages (overrides --quiet)")
	f.BoolVar(&flags.dryRun, "dry-run", false, "do not run the workflow, only print what would be executed")
	f.BoolVarP(&flags.quiet, "quiet", "q", false, "do not print output generated by steps")
	f.BoolVar(&flags.reuse, "reuse", false, "reuse execution contexts between runs (persist their state)")
	f.BoolVar(&flags.skipClone, "skip-clone", false, "skip cloning repositories (assume they are present)")
	f.BoolVar(&flags.skipPull, "skip-pull", false, "skip pulling images (assume they exist locally)")
	f.BoolVar(&flags.allowLoose, "allow-loose", false, "do not fail when a substitution is unused in the workflow")
	f.IntVar(&flags.workers, "workers", 0, "number of steps allowed to run concurrently (default 1)")
	f.StringArrayVar(&flags.skip, "skip", nil, "skip the given step (repeatable)")
	f.StringArrayVarP(&flags.substitutions, "substitution", "s", nil, "a _KEY=VALUE substitution pair (repeatable)")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}

func runWorkflow(cmd *cobra.Command, outW io.Writer, flags *runFlags, onlyStep string) error {
	// Conflicting filters fail before anything is loaded or executed.
	if onlyStep != "" && len(flags.skip) > 0 {
		return usageErr("--skip cannot be used when a STEP argument is given")
	}
	if flags.logFormat != "text" && flags.logFormat != "json" {
		return usageErr("invalid --log-format %q: must be text or json", flags.logFormat)
	}

	subs, err := parseSubstitutions(flags.substitutions)
	if err != nil {
		return usageErr("%v", err)
	}

	cfg, err := config.Load(config.Options{
		ConfFile:      flags.conf,
		Engine:        flags.engine,
		ResMan:        flags.resman,
		Workspace:     flags.workspace,
		DryRun:        flags.dryRun,
		Reuse:         flags.reuse,
		SkipPull:      flags.skipPull,
		SkipClone:     flags.skipClone,
		Quiet:         flags.quiet,
		Debug:         flags.debug,
		AllowLoose:    flags.allowLoose,
		Workers:       flags.workers,
		Substitutions: subs,
		OnlyStep:      onlyStep,
		Skip:          flags.skip,
	})
	if err != nil {
		return usageErr("%v", err)
	}

	a, err := app.New(outW, cfg, flags.logFile, flags.logFormat)
	if err != nil {
		return err
	}
	defer a.Close()

	result, err := a.Run(cmd.Context(), flags.wfile)
	if err != nil {
		return &ExitError{Code: 1, Message: err.Error()}
	}
	if !result.Ok() {
		fail, _ := result.FirstFailure()
		msg := fmt.Sprintf("step %q failed", fail.StepID)
		if fail.Err != nil {
			msg = fmt.Sprintf("step %q failed: %v", fail.StepID, fail.Err)
		} else if fail.ExitCode != 0 {
			msg = fmt.Sprintf("step %q failed with exit code %d", fail.StepID, fail.ExitCode)
		}
		return &ExitError{Code: 1, Message: msg}
	}
	return nil
}

// parseSubstitutions turns repeated _KEY=VALUE pairs into the
// substitution set.
func parseSubstitutions(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	subs := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, val, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("invalid substitution %q: expected _KEY=VALUE", pair)
		}
		if err := subst.ValidateKey(key); err != nil {
			return nil, err
		}
		subs[key] = val
	}
	return subs, nil
}
