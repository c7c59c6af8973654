// Package spec defines the execution specification and resource limits.
package spec

// ResourceLimit describes hard limits enforced by the sandbox.
type ResourceLimit struct {
	CPUTimeMs  int64
	WallTimeMs int64
	MemoryMB   int64
	StackMB    int64
	OutputMB   int64
	PIDs       int64
}

// MountSpec describes a bind mount inside the sandbox.
type MountSpec struct {
	Source   string
	Target   string
	ReadOnly bool
}

// IsolationProfile selects the isolation features applied to a run.
type IsolationProfile struct {
	RootFS         string
	SeccompProfile string
	DisableNetwork bool
}

// RunSpec is the unified execution specification for one process.
type RunSpec struct {
	// ContextID names the isolation context the process belongs to.
	ContextID string
	// CgroupPath, when set, is the context's cgroup the process joins.
	CgroupPath string
	WorkDir    string
	Cmd        []string
	Env        []string
	StdinPath  string
	StdoutPath string
	StderrPath string
	BindMounts []MountSpec
	Isolation  IsolationProfile
	Limits     ResourceLimit
}
