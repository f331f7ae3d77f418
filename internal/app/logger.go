package app

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/vk/stepflow/internal/config"
	"github.com/vk/stepflow/internal/iostream"
)

// newLogger creates an isolated slog.Logger for one run. It never sets
// the global logger: every component receives its sink explicitly.
//
// Verbosity rules: default shows step output, --quiet hides step output
// but keeps infra messages, --debug shows everything and wins over
// --quiet.
func newLogger(cfg *config.RunConfig, format string, outW io.Writer) *slog.Logger {
	level := iostream.LevelStep
	if cfg.Quiet {
		level = slog.LevelInfo
	}
	if cfg.Debug {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			// Render the custom step level by name instead of "DEBUG+2".
			if a.Key == slog.LevelKey {
				if lvl, ok := a.Value.Any().(slog.Level); ok && lvl == iostream.LevelStep {
					a.Value = slog.StringValue("STEP")
				}
			}
			return a
		},
	}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(outW, opts)
	} else {
		handler = slog.NewTextHandler(outW, opts)
	}
	return slog.New(handler)
}

// openLogWriter returns the destination for log output: the console
// writer, optionally teed into a log file. The returned closer is a
// no-op when no file is involved.
func openLogWriter(console io.Writer, logFile string) (io.Writer, func() error, error) {
	if logFile == "" {
		return console, func() error { return nil }, nil
	}
	f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("opening log file: %w", err)
	}
	return io.MultiWriter(console, f), f.Close, nil
}
