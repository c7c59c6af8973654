//go:build linux

package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"time"

	"autograder/internal/sandbox/result"
	"autograder/internal/sandbox/spec"
	"autograder/pkg/utils/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultStdoutStderrMaxBytes int64 = 64 * 1024
)

type linuxEngine struct {
	cfg Config
}

// NewEngine creates a Linux sandbox engine.
func NewEngine(cfg Config) (Engine, error) {
	if cfg.StdoutStderrMaxBytes <= 0 {
		cfg.StdoutStderrMaxBytes = defaultStdoutStderrMaxBytes
	}
	if cfg.HelperPath == "" {
		cfg.HelperPath = "sandbox-init"
	}
	if cfg.EnableCgroup && cfg.CgroupRoot == "" {
		return nil, fmt.Errorf("cgroup root is required when cgroups are enabled")
	}
	return &linuxEngine{cfg: cfg}, nil
}

func (e *linuxEngine) NewGroup(ctx context.Context, contextID string, limits spec.ResourceLimit) (Group, error) {
	if !e.cfg.EnableCgroup {
		return noopGroup{}, nil
	}
	cgroupPath, err := createGroupCgroup(e.cfg.CgroupRoot, contextID)
	if err != nil {
		return nil, err
	}
	group := &cgroupGroup{path: cgroupPath}
	if err := applyCgroupLimits(cgroupPath, limits); err != nil {
		_ = group.Close()
		return nil, fmt.Errorf("apply cgroup limits: %w", err)
	}
	return group, nil
}

func (e *linuxEngine) Run(ctx context.Context, runSpec spec.RunSpec) (result.RunResult, error) {
	if err := validateRunSpec(runSpec); err != nil {
		return result.RunResult{}, err
	}

	isoProfile := runSpec.Isolation
	if e.cfg.SeccompDir != "" && isoProfile.SeccompProfile != "" && !filepath.IsAbs(isoProfile.SeccompProfile) {
		isoProfile.SeccompProfile = filepath.Join(e.cfg.SeccompDir, isoProfile.SeccompProfile)
	}

	// A run outside any context gets a private cgroup for its own lifetime.
	cgroupPath := runSpec.CgroupPath
	if e.cfg.EnableCgroup && cgroupPath == "" {
		group, err := e.NewGroup(ctx, "run-"+uuid.NewString(), runSpec.Limits)
		if err != nil {
			return result.RunResult{}, fmt.Errorf("create cgroup: %w", err)
		}
		defer func() {
			if err := group.Close(); err != nil {
				logger.Warn(ctx, "remove run cgroup failed", zap.Error(err))
			}
		}()
		cgroupPath = group.Path()
	}

	initReq := initRequest{
		RunSpec:        runSpec,
		Isolation:      isoProfile,
		EnableSeccomp:  e.cfg.EnableSeccomp,
		EnableNs:       e.cfg.EnableNamespaces,
		RlimitFallback: cgroupPath == "",
	}

	stdinPipe, err := jsonToPipe(initReq)
	if err != nil {
		return result.RunResult{}, fmt.Errorf("encode init request: %w", err)
	}
	defer stdinPipe.Close()

	cmd := exec.Command(e.cfg.HelperPath)
	cmd.SysProcAttr = buildSysProcAttr(isoProfile, e.cfg.EnableNamespaces)
	cmd.Stdin = stdinPipe

	var helperStdout bytes.Buffer
	var helperStderr bytes.Buffer
	cmd.Stdout = &helperStdout
	cmd.Stderr = &helperStderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return result.RunResult{}, fmt.Errorf("start helper: %w", err)
	}

	if cgroupPath != "" {
		if err := addProcessToCgroup(cgroupPath, cmd.Process.Pid); err != nil {
			logger.Warn(ctx, "add process to cgroup failed", zap.String("cgroup", cgroupPath), zap.Error(err))
		}
	}

	var timedOut atomic.Bool
	var canceled atomic.Bool
	done := make(chan struct{})
	go func() {
		wallLimit := durationFromMs(runSpec.Limits.WallTimeMs)
		var wallTimer <-chan time.Time
		if wallLimit > 0 {
			timer := time.NewTimer(wallLimit)
			defer timer.Stop()
			wallTimer = timer.C
		}
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				timedOut.Store(true)
			} else {
				canceled.Store(true)
			}
			killProcessGroup(cmd.Process.Pid)
		case <-wallTimer:
			timedOut.Store(true)
			killProcessGroup(cmd.Process.Pid)
		case <-done:
		}
	}()

	waitErr := cmd.Wait()
	close(done)

	wallTimeMs := time.Since(start).Milliseconds()
	stdoutPath := resolveHostPath(runSpec.StdoutPath, runSpec)
	stderrPath := resolveHostPath(runSpec.StderrPath, runSpec)
	runResult := result.RunResult{
		ExitCode:   exitCodeFromErr(waitErr, cmd.ProcessState),
		TimeMs:     cpuTimeMs(cmd.ProcessState),
		WallTimeMs: wallTimeMs,
		MemoryKB:   memoryPeakKB(cgroupPath, cmd.ProcessState),
		OutputKB:   stdoutSizeKB(stdoutPath),
		Stdout:     readLimitedFile(stdoutPath, e.cfg.StdoutStderrMaxBytes),
		Stderr:     readLimitedFile(stderrPath, e.cfg.StdoutStderrMaxBytes),
		OomKilled:  wasOomKilled(cgroupPath),
		TimedOut:   timedOut.Load(),
	}

	if runResult.TimedOut && runResult.ExitCode == 0 {
		runResult.ExitCode = -1
	}

	if waitErr != nil && helperStderr.Len() > 0 {
		logger.Warn(ctx, "sandbox helper failed", zap.String("stderr", helperStderr.String()))
		if runResult.Stderr == "" {
			runResult.Stderr = helperStderr.String()
		}
	}

	if canceled.Load() {
		return runResult, ctx.Err()
	}
	return runResult, nil
}

func exitCodeFromErr(err error, state *os.ProcessState) int {
	if state != nil {
		return state.ExitCode()
	}
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

func killProcessGroup(pid int) {
	if pid <= 0 {
		return
	}
	_ = syscall.Kill(-pid, syscall.SIGKILL)
}

func validateRunSpec(runSpec spec.RunSpec) error {
	if runSpec.WorkDir == "" {
		return fmt.Errorf("work dir is required")
	}
	if len(runSpec.Cmd) == 0 {
		return fmt.Errorf("command is required")
	}
	return nil
}

func jsonToPipe(req initRequest) (io.ReadCloser, error) {
	reader, writer := io.Pipe()
	go func() {
		enc := json.NewEncoder(writer)
		err := enc.Encode(req)
		_ = writer.CloseWithError(err)
	}()
	return reader, nil
}

func buildSysProcAttr(profile spec.IsolationProfile, enableNamespaces bool) *syscall.SysProcAttr {
	attr := &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGKILL,
	}
	if !enableNamespaces {
		return attr
	}

	cloneFlags := uintptr(syscall.CLONE_NEWNS | syscall.CLONE_NEWPID | syscall.CLONE_NEWUTS | syscall.CLONE_NEWIPC)
	if profile.DisableNetwork {
		cloneFlags |= syscall.CLONE_NEWNET
	}
	cloneFlags |= syscall.CLONE_NEWUSER

	attr.Cloneflags = cloneFlags
	attr.GidMappingsEnableSetgroups = false
	attr.UidMappings = []syscall.SysProcIDMap{{
		ContainerID: 0,
		HostID:      os.Getuid(),
		Size:        1,
	}}
	attr.GidMappings = []syscall.SysProcIDMap{{
		ContainerID: 0,
		HostID:      os.Getgid(),
		Size:        1,
	}}
	return attr
}
