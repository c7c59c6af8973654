package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// waitDelay bounds how long Wait blocks on pipes held open by orphaned
// grandchildren after the process itself exited.
const waitDelay = 2 * time.Second

// LocalExecutor runs commands on the host in their own process group.
type LocalExecutor struct {
	// Env is appended to the host environment for every command.
	Env            []string
	MaxOutputBytes int64
}

// NewLocalExecutor creates a host executor.
func NewLocalExecutor(env []string, maxOutputBytes int64) *LocalExecutor {
	return &LocalExecutor{Env: env, MaxOutputBytes: maxOutputBytes}
}

// Exec runs cmd and kills its whole process group on timeout or cancellation.
func (e *LocalExecutor) Exec(ctx context.Context, cmd Command) (Outcome, error) {
	if len(cmd.Args) == 0 {
		return Outcome{}, fmt.Errorf("command is required")
	}
	path, err := resolveProgram(cmd.Args[0], cmd.Dir)
	if err != nil {
		return Outcome{}, err
	}

	proc := exec.Command(path, cmd.Args[1:]...)
	proc.Dir = cmd.Dir
	proc.Env = append(append(os.Environ(), e.Env...), cmd.Env...)
	stdout := newCappedBuffer(e.MaxOutputBytes)
	stderr := newCappedBuffer(e.MaxOutputBytes)
	proc.Stdout = stdout
	proc.Stderr = stderr
	proc.WaitDelay = waitDelay
	setProcessGroup(proc)

	start := time.Now()
	if err := proc.Start(); err != nil {
		return Outcome{}, fmt.Errorf("start %s: %w", cmd.Args[0], err)
	}

	var timer <-chan time.Time
	if cmd.Timeout > 0 {
		t := time.NewTimer(cmd.Timeout)
		defer t.Stop()
		timer = t.C
	}
	waitCh := make(chan error, 1)
	go func() { waitCh <- proc.Wait() }()

	var (
		waitErr  error
		timedOut bool
		canceled bool
	)
	select {
	case waitErr = <-waitCh:
	case <-timer:
		timedOut = true
		killProcessGroup(proc)
		waitErr = <-waitCh
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			timedOut = true
		} else {
			canceled = true
		}
		killProcessGroup(proc)
		waitErr = <-waitCh
	}

	out := Outcome{
		ExitCode: exitCode(proc, waitErr),
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		TimedOut: timedOut,
		Wall:     time.Since(start),
	}
	if timedOut && out.ExitCode == 0 {
		out.ExitCode = -1
	}
	if canceled {
		return out, ctx.Err()
	}
	return out, nil
}

// resolveProgram finds the program to run. Bare names are looked up on PATH,
// anything containing a slash is taken relative to dir.
func resolveProgram(name, dir string) (string, error) {
	if !strings.Contains(name, "/") {
		path, err := exec.LookPath(name)
		if err != nil {
			return "", fmt.Errorf("resolve %s: %w", name, err)
		}
		return path, nil
	}
	path := name
	if !filepath.IsAbs(path) {
		path = filepath.Join(dir, path)
	}
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", name, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("resolve %s: %w", name, fs.ErrNotExist)
	}
	return path, nil
}

func exitCode(proc *exec.Cmd, err error) int {
	if proc.ProcessState != nil {
		return proc.ProcessState.ExitCode()
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	if err != nil {
		return -1
	}
	return 0
}
