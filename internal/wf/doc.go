// Package wf defines the in-memory workflow model: a named, ordered
// collection of steps forming a DAG, plus the per-run result types. The
// model is format-agnostic; the HCL loader in this package is the only
// piece that knows about the on-disk grammar.
package wf
