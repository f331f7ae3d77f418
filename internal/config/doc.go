// Package config builds the immutable per-run configuration from a
// config file and CLI-supplied overrides. Values given via explicit
// flags win over values found in the file; defaults fill the rest. The
// resulting RunConfig is never mutated after construction and needs no
// locking.
package config
