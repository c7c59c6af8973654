//go:build linux

package main

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

func setrlimit(resource int, value uint64, name string) error {
	if err := unix.Setrlimit(resource, &unix.Rlimit{Cur: value, Max: value}); err != nil {
		return fmt.Errorf("set rlimit %s: %w", name, err)
	}
	return nil
}

// applyRlimits sets the per-process limits. The pid ceiling is only needed
// when no cgroup enforces pids.max.
func applyRlimits(limits resourceLimit, fallback bool) error {
	if limits.CPUTimeMs > 0 {
		if err := setrlimit(unix.RLIMIT_CPU, uint64((limits.CPUTimeMs+999)/1000), "cpu"); err != nil {
			return err
		}
	}
	if limits.OutputMB > 0 {
		if err := setrlimit(unix.RLIMIT_FSIZE, uint64(limits.OutputMB)<<20, "fsize"); err != nil {
			return err
		}
	}
	if limits.StackMB > 0 {
		if err := setrlimit(unix.RLIMIT_STACK, uint64(limits.StackMB)<<20, "stack"); err != nil {
			return err
		}
	}
	if fallback && limits.PIDs > 0 {
		if err := setrlimit(unix.RLIMIT_NPROC, uint64(limits.PIDs), "nproc"); err != nil {
			return err
		}
	}
	return nil
}

func applyAddressLimit(limits resourceLimit) error {
	if limits.MemoryMB <= 0 {
		return nil
	}
	return setrlimit(unix.RLIMIT_AS, uint64(limits.MemoryMB)<<20, "as")
}

func redirectIO(rs runSpec) error {
	stdin, err := os.Open(orDevNull(rs.StdinPath))
	if err != nil {
		return fmt.Errorf("open stdin: %w", err)
	}
	defer stdin.Close()
	stdout, err := os.OpenFile(orDevNull(rs.StdoutPath), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("open stdout: %w", err)
	}
	defer stdout.Close()
	stderr, err := os.OpenFile(orDevNull(rs.StderrPath), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("open stderr: %w", err)
	}
	defer stderr.Close()

	for _, fd := range []struct {
		from *os.File
		to   int
		name string
	}{
		{stdin, unix.Stdin, "stdin"},
		{stdout, unix.Stdout, "stdout"},
		{stderr, unix.Stderr, "stderr"},
	} {
		if err := unix.Dup2(int(fd.from.Fd()), fd.to); err != nil {
			return fmt.Errorf("dup %s: %w", fd.name, err)
		}
	}
	return nil
}

func orDevNull(path string) string {
	if path == "" {
		return os.DevNull
	}
	return path
}
