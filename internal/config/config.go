package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Engine and resource-manager names accepted by Load.
const (
	EngineDocker      = "docker"
	EngineSingularity = "singularity"
	EngineVagrant     = "vagrant"

	ResManHost  = "host"
	ResManSlurm = "slurm"
)

// SlurmConfig holds the slurmrestd connection settings for the slurm
// resource manager. Only consulted when ResMan is "slurm".
type SlurmConfig struct {
	// BaseURL points at a slurmrestd endpoint, e.g. http://cluster:6820.
	BaseURL string `yaml:"base_url"`
	// Token is sent as X-SLURM-USER-TOKEN.
	Token string `yaml:"token"`
	// User is sent as X-SLURM-USER-NAME.
	User string `yaml:"user"`
	// Partition and Account are applied to every submitted job when set.
	Partition string `yaml:"partition"`
	Account   string `yaml:"account"`
}

// RunConfig is the resolved, immutable record driving one workflow run.
type RunConfig struct {
	Engine    string
	ResMan    string
	Workspace string

	DryRun     bool
	Reuse      bool
	SkipPull   bool
	SkipClone  bool
	Quiet      bool
	Debug      bool
	AllowLoose bool

	// Workers bounds the scheduler's worker pool. 1 means strictly
	// sequential execution in declared order.
	Workers int

	Substitutions map[string]string
	// OnlyStep limits the run to a single step; Skip excludes steps.
	// The two are mutually exclusive (enforced by the scheduler).
	OnlyStep string
	Skip     []string

	Slurm SlurmConfig
}

// Options carries the raw values collected by the CLI. Zero values mean
// "not given"; boolean flags only ever assert true, so a file-enabled
// flag cannot be switched back off from the command line.
type Options struct {
	ConfFile string

	Engine    string
	ResMan    string
	Workspace string

	DryRun     bool
	Reuse      bool
	SkipPull   bool
	SkipClone  bool
	Quiet      bool
	Debug      bool
	AllowLoose bool

	Workers int

	Substitutions map[string]string
	OnlyStep      string
	Skip          []string
}

// fileConfig is the on-disk configuration schema.
type fileConfig struct {
	Engine    string      `yaml:"engine"`
	ResMan    string      `yaml:"resource_manager"`
	Workspace string      `yaml:"workspace"`
	Workers   int         `yaml:"workers"`
	Slurm     SlurmConfig `yaml:"slurm"`
}

// Load resolves the run configuration: defaults, then the config file
// (if any), then flag values on top. The result is validated before it
// is returned and must not be mutated afterwards.
func Load(opts Options) (*RunConfig, error) {
	cfg := &RunConfig{
		Engine:  EngineDocker,
		ResMan:  ResManHost,
		Workers: 1,
	}

	if opts.ConfFile != "" {
		raw, err := os.ReadFile(opts.ConfFile)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		var fc fileConfig
		if err := yaml.Unmarshal(raw, &fc); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", opts.ConfFile, err)
		}
		if fc.Engine != "" {
			cfg.Engine = fc.Engine
		}
		if fc.ResMan != "" {
			cfg.ResMan = fc.ResMan
		}
		if fc.Workspace != "" {
			cfg.Workspace = fc.Workspace
		}
		if fc.Workers > 0 {
			cfg.Workers = fc.Workers
		}
		cfg.Slurm = fc.Slurm
	}

	// Explicit flags take precedence over file values.
	if opts.Engine != "" {
		cfg.Engine = opts.Engine
	}
	if opts.ResMan != "" {
		cfg.ResMan = opts.ResMan
	}
	if opts.Workspace != "" {
		cfg.Workspace = opts.Workspace
	}
	if opts.Workers > 0 {
		cfg.Workers = opts.Workers
	}

	cfg.DryRun = opts.DryRun
	cfg.Reuse = opts.Reuse
	cfg.SkipPull = opts.SkipPull
	cfg.SkipClone = opts.SkipClone
	cfg.Quiet = opts.Quiet
	cfg.Debug = opts.Debug
	cfg.AllowLoose = opts.AllowLoose
	cfg.Substitutions = opts.Substitutions
	cfg.OnlyStep = opts.OnlyStep
	cfg.Skip = opts.Skip

	if cfg.Workspace == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("resolving working directory: %w", err)
		}
		cfg.Workspace = wd
	}
	abs, err := filepath.Abs(cfg.Workspace)
	if err != nil {
		return nil, fmt.Errorf("resolving workspace path: %w", err)
	}
	cfg.Workspace = abs

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *RunConfig) validate() error {
	switch c.Engine {
	case EngineDocker, EngineSingularity, EngineVagrant:
	default:
		return fmt.Errorf("unknown engine %q (expected %s, %s or %s)",
			c.Engine, EngineDocker, EngineSingularity, EngineVagrant)
	}
	switch c.ResMan {
	case ResManHost:
	case ResManSlurm:
		if c.Slurm.BaseURL == "" {
			return fmt.Errorf("resource manager %q requires slurm.base_url in the config file", c.ResMan)
		}
	default:
		return fmt.Errorf("unknown resource manager %q (expected %s or %s)", c.ResMan, ResManHost, ResManSlurm)
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be >= 1, got %d", c.Workers)
	}
	return nil
}
