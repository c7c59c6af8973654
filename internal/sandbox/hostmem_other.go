//go:build !linux

package sandbox

// HostMemoryMB is unknown outside Linux.
func HostMemoryMB() int64 { return 0 }
