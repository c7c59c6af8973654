// Package engine runs processes inside cgroup v2 groups and Linux namespaces
// through the sandbox-init helper.
package engine

import (
	"context"

	"autograder/internal/sandbox/result"
	"autograder/internal/sandbox/spec"
)

// Engine executes a RunSpec inside an isolated sandbox.
type Engine interface {
	Run(ctx context.Context, runSpec spec.RunSpec) (result.RunResult, error)
	// NewGroup creates a resource group shared by every process of one
	// isolation context.
	NewGroup(ctx context.Context, contextID string, limits spec.ResourceLimit) (Group, error)
}

// Group is a resource-bounded set of processes.
type Group interface {
	// Path is the cgroup directory, empty when cgroups are disabled.
	Path() string
	// Kill terminates every process in the group.
	Kill() error
	OomKilled() bool
	MemoryPeakKB() int64
	// Close kills remaining processes and removes the group.
	Close() error
}
