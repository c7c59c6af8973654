//go:build linux

package sandbox

import "golang.org/x/sys/unix"

// HostMemoryMB returns the total physical memory of the host.
func HostMemoryMB() int64 {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return 0
	}
	return int64(uint64(info.Totalram) * uint64(info.Unit) >> 20)
}
