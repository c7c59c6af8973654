// Package sandbox runs grading processes. LocalExecutor runs them directly
// on the host; a Provider hands out isolation Contexts whose executor routes
// every process through the sandbox engine.
package sandbox

import (
	"context"
	"time"
)

// Command is one process invocation.
type Command struct {
	Args []string
	// Dir is the working directory. Relative program paths resolve against it.
	Dir string
	// Env is appended to the executor's base environment.
	Env []string
	// Timeout bounds wall-clock time; zero means no per-command limit.
	Timeout time.Duration
}

// Outcome is what a finished process produced.
type Outcome struct {
	ExitCode  int
	Stdout    string
	Stderr    string
	TimedOut  bool
	OomKilled bool
	Wall      time.Duration
}

// Succeeded reports a clean zero exit.
func (o Outcome) Succeeded() bool {
	return o.ExitCode == 0 && !o.TimedOut && !o.OomKilled
}

// Executor starts processes. An error means the process could not be run at
// all; a process that ran and failed is reported through Outcome.
// A missing program on PATH yields an error wrapping exec.ErrNotFound, a
// missing program path yields one wrapping fs.ErrNotExist.
type Executor interface {
	Exec(ctx context.Context, cmd Command) (Outcome, error)
}
