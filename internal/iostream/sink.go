// Package iostream provides the logging sink the engine writes through.
// The sink is the only cross-step shared mutable resource: all step
// output funnels through a single serialized write path so that lines
// from one step keep their relative order even when steps run
// concurrently.
package iostream

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"sync"
)

// LevelStep sits between debug and info: step output is shown at default
// verbosity, hidden by --quiet (which raises the threshold to info), and
// always shown by --debug.
const LevelStep = slog.Level(-2)

// DryRunPrefix marks simulated output so that automated tooling can
// detect it.
const DryRunPrefix = "DRYRUN: "

// Sink is a leveled message sink with an optional message prefix. It is
// safe for concurrent use.
type Sink struct {
	mu     sync.Mutex
	logger *slog.Logger
	prefix string
}

// New wraps a logger. prefix, when non-empty, is prepended to every
// message (the runner passes DryRunPrefix for dry runs).
func New(logger *slog.Logger, prefix string) *Sink {
	return &Sink{logger: logger, prefix: prefix}
}

// Prefix returns the sink's message prefix.
func (s *Sink) Prefix() string { return s.prefix }

func (s *Sink) log(level slog.Level, msg string, args ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger.Log(context.Background(), level, s.prefix+msg, args...)
}

// Debug emits a debug-level message.
func (s *Sink) Debug(msg string, args ...any) { s.log(slog.LevelDebug, msg, args...) }

// Info emits an info-level message.
func (s *Sink) Info(msg string, args ...any) { s.log(slog.LevelInfo, msg, args...) }

// Warn emits a warn-level message.
func (s *Sink) Warn(msg string, args ...any) { s.log(slog.LevelWarn, msg, args...) }

// Error emits an error-level message.
func (s *Sink) Error(msg string, args ...any) { s.log(slog.LevelError, msg, args...) }

// StepLine emits one line of step output at LevelStep, tagged with the
// step ID.
func (s *Sink) StepLine(stepID, line string) {
	s.log(LevelStep, line, "step", stepID)
}

// Stream returns a writer that splits its input into lines and emits each
// through StepLine. Writers for different steps may be used concurrently;
// each holds its own partial-line buffer and only whole lines reach the
// shared path. Close flushes any trailing partial line.
func (s *Sink) Stream(stepID string) io.WriteCloser {
	return &lineWriter{sink: s, stepID: stepID}
}

type lineWriter struct {
	mu     sync.Mutex
	sink   *Sink
	stepID string
	buf    bytes.Buffer
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf.Write(p)
	for {
		line, err := w.buf.ReadString('\n')
		if err != nil {
			// Partial line, keep it buffered.
			w.buf.WriteString(line)
			break
		}
		w.sink.StepLine(w.stepID, line[:len(line)-1])
	}
	return len(p), nil
}

func (w *lineWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.buf.Len() > 0 {
		w.sink.StepLine(w.stepID, w.buf.String())
		w.buf.Reset()
	}
	return nil
}
