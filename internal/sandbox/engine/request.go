package engine

import "autograder/internal/sandbox/spec"

// initRequest is the JSON document sandbox-init reads from stdin.
type initRequest struct {
	RunSpec       spec.RunSpec
	Isolation     spec.IsolationProfile
	EnableSeccomp bool
	EnableNs      bool
	// RlimitFallback is set when no cgroup bounds the process. The helper
	// then enforces MemoryMB with RLIMIT_AS and PIDs with RLIMIT_NPROC.
	RlimitFallback bool
}
