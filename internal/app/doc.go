// Package app wires the pieces of a run together: it builds the logger
// from the resolved configuration, loads the workflow file, and hands
// both to the runner. It owns no execution logic of its own.
package app
