package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(Options{Workspace: t.TempDir()})
	require.NoError(t, err)

	assert.Equal(t, EngineDocker, cfg.Engine)
	assert.Equal(t, ResManHost, cfg.ResMan)
	assert.Equal(t, 1, cfg.Workers)
	assert.True(t, filepath.IsAbs(cfg.Workspace))
}

func TestLoadFromFile(t *testing.T) {
	conf := filepath.Join(t.TempDir(), "conf.yml")
	require.NoError(t, os.WriteFile(conf, []byte(`
engine: vagrant
resource_manager: slurm
workers: 4
slurm:
  base_url: http://cluster:6820
  token: secret
  partition: batch
`), 0o644))

	t.Run("file values apply", func(t *testing.T) {
		cfg, err := Load(Options{ConfFile: conf, Workspace: t.TempDir()})
		require.NoError(t, err)

		assert.Equal(t, EngineVagrant, cfg.Engine)
		assert.Equal(t, ResManSlurm, cfg.ResMan)
		assert.Equal(t, 4, cfg.Workers)
		assert.Equal(t, "http://cluster:6820", cfg.Slurm.BaseURL)
		assert.Equal(t, "batch", cfg.Slurm.Partition)
	})

	t.Run("explicit flags override the file", func(t *testing.T) {
		cfg, err := Load(Options{
			ConfFile:  conf,
			Engine:    EngineDocker,
			ResMan:    ResManHost,
			Workers:   2,
			Workspace: t.TempDir(),
		})
		require.NoError(t, err)

		assert.Equal(t, EngineDocker, cfg.Engine)
		assert.Equal(t, ResManHost, cfg.ResMan)
		assert.Equal(t, 2, cfg.Workers)
	})
}

func TestLoadValidation(t *testing.T) {
	ws := t.TempDir()

	t.Run("all engine names are accepted", func(t *testing.T) {
		for _, name := range []string{EngineDocker, EngineSingularity, EngineVagrant} {
			cfg, err := Load(Options{Engine: name, Workspace: ws})
			require.NoError(t, err, "engine %s", name)
			assert.Equal(t, name, cfg.Engine)
		}
	})

	t.Run("unknown engine", func(t *testing.T) {
		_, err := Load(Options{Engine: "podman", Workspace: ws})
		assert.ErrorContains(t, err, `unknown engine "podman"`)
	})

	t.Run("unknown resource manager", func(t *testing.T) {
		_, err := Load(Options{ResMan: "kubernetes", Workspace: ws})
		assert.ErrorContains(t, err, `unknown resource manager "kubernetes"`)
	})

	t.Run("slurm requires a base url", func(t *testing.T) {
		_, err := Load(Options{ResMan: ResManSlurm, Workspace: ws})
		assert.ErrorContains(t, err, "slurm.base_url")
	})

	t.Run("missing config file", func(t *testing.T) {
		_, err := Load(Options{ConfFile: filepath.Join(ws, "absent.yml")})
		assert.ErrorContains(t, err, "reading config file")
	})

	t.Run("malformed config file", func(t *testing.T) {
		conf := filepath.Join(ws, "bad.yml")
		require.NoError(t, os.WriteFile(conf, []byte("engine: [not: scalar"), 0o644))
		_, err := Load(Options{ConfFile: conf})
		assert.ErrorContains(t, err, "parsing config file")
	})
}

func TestWorkspaceDefaultsToCwd(t *testing.T) {
	cfg, err := Load(Options{})
	require.NoError(t, err)

	wd, err := os.Getwd()
	require.NoError(t, err)
	assert.Equal(t, wd, cfg.Workspace)
}
