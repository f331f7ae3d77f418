// Package cli translates command-line arguments into the run
// configuration and maps run outcomes onto process exit codes. It is the
// only package that knows about flags or exit codes; everything below it
// works with the resolved config.
package cli
