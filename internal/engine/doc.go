// Package engine defines the execution backend capability: given a
// resolved step, acquire an isolated execution context, run the step's
// command inside it, stream output, and report the exit status. Three
// variants exist: docker (container engine, driven through the Docker
// SDK), singularity (container engine, driven through the singularity
// CLI), and vagrant (VM engine, driven through the vagrant CLI). The
// variant is selected once at configuration time and held for the whole
// run.
package engine
