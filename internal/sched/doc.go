// Package sched walks the step graph in dependency order, decides which
// steps run or are skipped, and drives each eligible step through the
// substitution resolver and the resource manager. Execution uses a
// bounded worker pool (size 1 by default, preserving strict declared
// order) with fail-fast semantics: the first failure stops new dispatch
// while in-flight steps run to completion.
package sched
