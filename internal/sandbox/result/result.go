// Package result defines raw sandbox execution results.
package result

// RunResult captures raw sandbox execution data.
type RunResult struct {
	ExitCode   int
	TimeMs     int64
	WallTimeMs int64
	MemoryKB   int64
	OutputKB   int64
	Stdout     string
	Stderr     string
	OomKilled  bool
	TimedOut   bool
}

// Succeeded reports a clean zero exit.
func (r RunResult) Succeeded() bool {
	return r.ExitCode == 0 && !r.TimedOut && !r.OomKilled
}
