package resman

import (
	"context"
	"fmt"
	"io"
	"slices"
	"time"

	"resty.dev/v3"

	"github.com/vk/stepflow/internal/config"
	"github.com/vk/stepflow/internal/engine"
	"github.com/vk/stepflow/internal/iostream"
	"github.com/vk/stepflow/internal/wf"
)

// Slurm ships the engine invocation to a slurmrestd endpoint as a batch
// job and blocks until the job reaches a terminal state. The remote
// job's exit code is mapped back onto the engine contract; the job's
// stdout stays in the remote output file, whose location is reported
// through the stream.
type Slurm struct {
	cfg    *config.RunConfig
	sink   *iostream.Sink
	client *resty.Client

	// pollEvery is how often job state is sampled. Shortened by tests.
	pollEvery time.Duration
}

// submitRequest is the slurmrestd v0.0.41 job submission payload.
type submitRequest struct {
	Script string    `json:"script"`
	Job    submitJob `json:"job"`
}

type submitJob struct {
	Name                    string   `json:"name"`
	CurrentWorkingDirectory string   `json:"current_working_directory"`
	Environment             []string `json:"environment"`
	Partition               string   `json:"partition,omitempty"`
	Account                 string   `json:"account,omitempty"`
	StandardOutput          string   `json:"standard_output"`
	StandardError           string   `json:"standard_error"`
}

type submitResponse struct {
	JobID  int        `json:"job_id"`
	Errors []apiError `json:"errors"`
}

type apiError struct {
	Error       string `json:"error"`
	Description string `json:"description"`
}

type jobInfoResponse struct {
	Jobs []jobInfo `json:"jobs"`
}

type jobInfo struct {
	JobState []string `json:"job_state"`
	ExitCode struct {
		ReturnCode struct {
			Set    bool `json:"set"`
			Number int  `json:"number"`
		} `json:"return_code"`
	} `json:"exit_code"`
}

// terminalStates are the slurm job states that end polling.
var terminalStates = []string{
	"COMPLETED", "FAILED", "CANCELLED", "TIMEOUT", "OUT_OF_MEMORY", "NODE_FAIL", "BOOT_FAIL",
}

// NewSlurm builds a slurm dispatcher from the run configuration.
func NewSlurm(cfg *config.RunConfig, sink *iostream.Sink) *Slurm {
	client := resty.New().
		SetBaseURL(cfg.Slurm.BaseURL).
		SetHeader("Content-Type", "application/json")
	if cfg.Slurm.Token != "" {
		client.SetHeader("X-SLURM-USER-TOKEN", cfg.Slurm.Token)
	}
	if cfg.Slurm.User != "" {
		client.SetHeader("X-SLURM-USER-NAME", cfg.Slurm.User)
	}
	return &Slurm{cfg: cfg, sink: sink, client: client, pollEvery: 3 * time.Second}
}

func (s *Slurm) Name() string { return config.ResManSlurm }

// Dispatch submits the step as a batch job and polls until it finishes.
func (s *Slurm) Dispatch(ctx context.Context, step *wf.Step, eng engine.Engine, stream io.Writer) (int, error) {
	script, err := eng.Script(step)
	if err != nil {
		return 0, &DispatchError{Manager: s.Name(), Err: fmt.Errorf("rendering job script: %w", err)}
	}
	jobName := engine.ContextName(step.ID, s.cfg.Workspace)
	outFile := fmt.Sprintf("%s/.stepflow/slurm/%s.out", s.cfg.Workspace, jobName)

	if s.cfg.DryRun {
		fmt.Fprintf(stream, "sbatch --job-name %s <<'EOF'\n#!/bin/bash\n%s\nEOF\n", jobName, script)
		return 0, nil
	}

	jobID, err := s.submit(ctx, step, jobName, outFile, script)
	if err != nil {
		return 0, err
	}
	s.sink.Info("submitted batch job", "step", step.ID, "job_id", jobID)
	fmt.Fprintf(stream, "job %d output: %s\n", jobID, outFile)

	return s.await(ctx, jobID)
}

func (s *Slurm) submit(ctx context.Context, step *wf.Step, jobName, outFile, script string) (int, error) {
	req := submitRequest{
		Script: "#!/bin/bash\n" + script + "\n",
		Job: submitJob{
			Name:                    jobName,
			CurrentWorkingDirectory: s.cfg.Workspace,
			Environment:             []string{"PATH=/bin:/usr/bin:/usr/local/bin"},
			Partition:               s.cfg.Slurm.Partition,
			Account:                 s.cfg.Slurm.Account,
			StandardOutput:          outFile,
			StandardError:           outFile,
		},
	}
	var out submitResponse
	res, err := s.client.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&out).
		Post("/slurm/v0.0.41/job/submit")
	if err != nil {
		return 0, &DispatchError{Manager: s.Name(), Err: fmt.Errorf("submitting job: %w", err)}
	}
	if res.IsError() {
		return 0, &DispatchError{Manager: s.Name(),
			Err: fmt.Errorf("submitting job: %s: %s", res.Status(), res.String())}
	}
	if len(out.Errors) > 0 {
		return 0, &DispatchError{Manager: s.Name(),
			Err: fmt.Errorf("submitting job: %s", out.Errors[0].Description)}
	}
	return out.JobID, nil
}

// await polls job state until a terminal state is reached, then maps it
// to an exit code.
func (s *Slurm) await(ctx context.Context, jobID int) (int, error) {
	ticker := time.NewTicker(s.pollEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return 0, &DispatchError{Manager: s.Name(), Err: ctx.Err()}
		case <-ticker.C:
		}

		var out jobInfoResponse
		res, err := s.client.R().
			SetContext(ctx).
			SetResult(&out).
			Get(fmt.Sprintf("/slurm/v0.0.41/job/%d", jobID))
		if err != nil {
			return 0, &DispatchError{Manager: s.Name(), Err: fmt.Errorf("polling job %d: %w", jobID, err)}
		}
		if res.IsError() {
			return 0, &DispatchError{Manager: s.Name(),
				Err: fmt.Errorf("polling job %d: %s", jobID, res.Status())}
		}
		if len(out.Jobs) == 0 {
			continue
		}

		job := out.Jobs[0]
		state := ""
		for _, st := range job.JobState {
			if slices.Contains(terminalStates, st) {
				state = st
				break
			}
		}
		if state == "" {
			s.sink.Debug("job still running", "job_id", jobID, "state", job.JobState)
			continue
		}

		if state == "COMPLETED" {
			return 0, nil
		}
		if job.ExitCode.ReturnCode.Set && job.ExitCode.ReturnCode.Number != 0 {
			return job.ExitCode.ReturnCode.Number, nil
		}
		// Terminal without a usable exit code (cancelled, timed out).
		return 1, nil
	}
}
