//go:build linux

package engine

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"autograder/internal/sandbox/spec"
)

const cgroupRemoveAttempts = 20

// cgroupGroup is one isolation context's cgroup v2 directory.
type cgroupGroup struct {
	path string
}

func createGroupCgroup(root, contextID string) (string, error) {
	if root == "" {
		return "", fmt.Errorf("cgroup root is required")
	}
	if contextID == "" {
		return "", fmt.Errorf("context id is required")
	}
	cgroupPath := filepath.Join(root, contextID)
	if err := os.Mkdir(cgroupPath, 0750); err != nil {
		return "", fmt.Errorf("create cgroup path: %w", err)
	}
	return cgroupPath, nil
}

func (g *cgroupGroup) Path() string { return g.path }

func (g *cgroupGroup) Kill() error {
	return killCgroup(g.path)
}

func (g *cgroupGroup) OomKilled() bool {
	return wasOomKilled(g.path)
}

func (g *cgroupGroup) MemoryPeakKB() int64 {
	return memoryPeakKB(g.path, nil)
}

func (g *cgroupGroup) Close() error {
	if g.path == "" {
		return nil
	}
	_ = killCgroup(g.path)
	var err error
	for i := 0; i < cgroupRemoveAttempts; i++ {
		// cgroupfs directories only accept rmdir; plain directories need RemoveAll.
		if err = os.Remove(g.path); err == nil || errors.Is(err, os.ErrNotExist) {
			return nil
		}
		if !errors.Is(err, syscall.EBUSY) {
			if rmErr := os.RemoveAll(g.path); rmErr == nil {
				return nil
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	return fmt.Errorf("remove cgroup %s: %w", g.path, err)
}

type noopGroup struct{}

func (noopGroup) Path() string        { return "" }
func (noopGroup) Kill() error         { return nil }
func (noopGroup) OomKilled() bool     { return false }
func (noopGroup) MemoryPeakKB() int64 { return 0 }
func (noopGroup) Close() error        { return nil }

func applyCgroupLimits(cgroupPath string, limits spec.ResourceLimit) error {
	pidsValue := "max"
	if limits.PIDs > 0 {
		pidsValue = strconv.FormatInt(limits.PIDs, 10)
	}
	if err := writeCgroupValue(cgroupPath, "pids.max", pidsValue); err != nil {
		return err
	}
	if limits.MemoryMB > 0 {
		if err := writeCgroupValue(cgroupPath, "memory.max", strconv.FormatInt(limits.MemoryMB*1024*1024, 10)); err != nil {
			return err
		}
	}
	if err := writeCgroupValue(cgroupPath, "cpu.max", "max 100000"); err != nil {
		return err
	}
	return nil
}

func addProcessToCgroup(cgroupPath string, pid int) error {
	if pid <= 0 {
		return fmt.Errorf("invalid pid")
	}
	return writeCgroupValue(cgroupPath, "cgroup.procs", strconv.Itoa(pid))
}

// killCgroup uses cgroup.kill when the kernel provides it and falls back to
// signalling every pid listed in cgroup.procs.
func killCgroup(cgroupPath string) error {
	if cgroupPath == "" {
		return nil
	}
	killPath := filepath.Join(cgroupPath, "cgroup.kill")
	if _, err := os.Stat(killPath); err == nil {
		return os.WriteFile(killPath, []byte("1"), 0600)
	}
	var firstErr error
	for _, pid := range cgroupProcs(cgroupPath) {
		if err := syscall.Kill(pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func cgroupProcs(cgroupPath string) []int {
	data, err := os.ReadFile(filepath.Join(cgroupPath, "cgroup.procs"))
	if err != nil {
		return nil
	}
	var pids []int
	for _, field := range strings.Fields(string(data)) {
		if pid, err := strconv.Atoi(field); err == nil && pid > 0 {
			pids = append(pids, pid)
		}
	}
	return pids
}

func wasOomKilled(cgroupPath string) bool {
	if cgroupPath == "" {
		return false
	}
	data, err := os.ReadFile(filepath.Join(cgroupPath, "memory.events"))
	if err != nil {
		return false
	}
	lines := strings.Split(string(data), "\n")
	for _, line := range lines {
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		if fields[0] == "oom_kill" {
			val, _ := strconv.ParseInt(fields[1], 10, 64)
			return val > 0
		}
	}
	return false
}

func memoryPeakKB(cgroupPath string, state *os.ProcessState) int64 {
	if cgroupPath != "" {
		if val, err := readCgroupInt(cgroupPath, "memory.peak"); err == nil && val > 0 {
			return val / 1024
		}
	}
	if state == nil {
		return 0
	}
	if usage, ok := state.SysUsage().(*syscall.Rusage); ok {
		return usage.Maxrss
	}
	return 0
}

func readCgroupInt(cgroupPath, name string) (int64, error) {
	data, err := os.ReadFile(filepath.Join(cgroupPath, name))
	if err != nil {
		return 0, err
	}
	value := strings.TrimSpace(string(data))
	return strconv.ParseInt(value, 10, 64)
}

func writeCgroupValue(cgroupPath, name, value string) error {
	path := filepath.Join(cgroupPath, name)
	return os.WriteFile(path, []byte(value), 0640)
}
