package app

import (
	"context"
	"io"
	"log/slog"

	"github.com/vk/stepflow/internal/config"
	"github.com/vk/stepflow/internal/runner"
	"github.com/vk/stepflow/internal/wf"
)

// App holds one run's wiring: resolved configuration and configured
// logger.
type App struct {
	cfg      *config.RunConfig
	logger   *slog.Logger
	closeLog func() error
}

// New builds an App from a resolved configuration. outW receives console
// log output; logFile, when non-empty, additionally captures it;
// logFormat selects the text or json handler.
func New(outW io.Writer, cfg *config.RunConfig, logFile, logFormat string) (*App, error) {
	w, closeLog, err := openLogWriter(outW, logFile)
	if err != nil {
		return nil, err
	}
	return &App{
		cfg:      cfg,
		logger:   newLogger(cfg, logFormat, w),
		closeLog: closeLog,
	}, nil
}

// Logger exposes the run's logger, primarily for tests.
func (a *App) Logger() *slog.Logger { return a.logger }

// Run loads the workflow file and executes it. The workspace path is
// exposed to workflow expressions as the `workspace` variable.
func (a *App) Run(ctx context.Context, wfilePath string) (*wf.Result, error) {
	w, err := wf.Load(wfilePath, map[string]string{
		"workspace": a.cfg.Workspace,
	})
	if err != nil {
		return nil, err
	}

	r, err := runner.Acquire(ctx, a.cfg, a.logger)
	if err != nil {
		return nil, err
	}
	defer r.Release(ctx)

	return r.Run(ctx, w)
}

// Close releases the log file, if one was opened.
func (a *App) Close() error { return a.closeLog() }
