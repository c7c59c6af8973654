package backend

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"autograder/internal/grading/options"
	"autograder/internal/grading/workspace"
	"autograder/internal/sandbox"
	"autograder/pkg/utils/logger"

	"go.uber.org/zap"
)

const (
	// abandonGrace is how long a killed inner backend gets to return
	// before its result is discarded.
	abandonGrace = 2 * time.Second

	maxLogArtifactBytes = 256 * 1024
)

type sandboxOptions struct {
	Backend        string                 `yaml:"backend"`
	BackendOptions map[string]interface{} `yaml:"backend-options"`
	MemoryMB       int64                  `yaml:"memory-mb"`
	PIDs           int64                  `yaml:"pids"`
	CPUTime        string                 `yaml:"cpu-time"`
	WallTime       string                 `yaml:"wall-time"`
	Network        bool                   `yaml:"network"`
	LogArtifact    string                 `yaml:"log-artifact"`
}

// Sandboxed runs an inner backend inside a disposable isolation context.
type Sandboxed struct {
	inner       Backend
	innerKind   string
	provider    *sandbox.Provider
	budget      sandbox.Budget
	logArtifact string
	grace       time.Duration
}

// NewSandboxed builds the sandbox wrapper and its inner backend.
func NewSandboxed(r *Registry, opts map[string]interface{}) (Backend, error) {
	var cfg sandboxOptions
	if err := options.Decode(opts, &cfg); err != nil {
		return nil, optionsError(KindSandbox, err)
	}
	if cfg.Backend == "" {
		return nil, optionsError(KindSandbox, fmt.Errorf("backend is required"))
	}
	if cfg.Backend == KindSandbox {
		return nil, optionsError(KindSandbox, fmt.Errorf("sandbox cannot wrap itself"))
	}
	if r.Provider() == nil {
		return nil, optionsError(KindSandbox, fmt.Errorf("no sandbox provider is configured on this host"))
	}
	if cfg.MemoryMB < 0 || cfg.PIDs < 0 {
		return nil, optionsError(KindSandbox, fmt.Errorf("memory-mb and pids must not be negative"))
	}
	if cfg.LogArtifact != "" {
		if err := workspace.ValidPattern(cfg.LogArtifact); err != nil {
			return nil, optionsError(KindSandbox, fmt.Errorf("log-artifact: %w", err))
		}
	}
	cpu, err := parseTimeout(cfg.CPUTime)
	if err != nil {
		return nil, optionsError(KindSandbox, fmt.Errorf("cpu-time: %w", err))
	}
	wall, err := parseTimeout(cfg.WallTime)
	if err != nil {
		return nil, optionsError(KindSandbox, fmt.Errorf("wall-time: %w", err))
	}
	inner, err := r.Build(cfg.Backend, cfg.BackendOptions)
	if err != nil {
		return nil, err
	}
	return &Sandboxed{
		inner:     inner,
		innerKind: cfg.Backend,
		provider:  r.Provider(),
		budget: sandbox.Budget{
			MemoryMB: cfg.MemoryMB,
			PIDs:     cfg.PIDs,
			CPUTime:  cpu,
			WallTime: wall,
			Network:  cfg.Network,
		},
		logArtifact: cfg.LogArtifact,
		grace:       abandonGrace,
	}, nil
}

// Interactive follows the inner backend.
func (s *Sandboxed) Interactive() bool { return IsInteractive(s.inner) }

// Discovers follows the inner backend.
func (s *Sandboxed) Discovers() bool { return CanDiscover(s.inner) }

// Budget returns the per-context resource ceiling.
func (s *Sandboxed) Budget() sandbox.Budget { return s.budget }

type gradeResult struct {
	report Report
	err    error
}

// Grade acquires a context, copies the scratch directory in and runs the
// inner backend there. Only the report and the log artifact come back out.
func (s *Sandboxed) Grade(ctx context.Context, req Request) (Report, error) {
	sctx, err := s.provider.Acquire(ctx, s.budget)
	if err != nil {
		return Report{}, infraErrorf(err, req.Component, "acquire isolation context")
	}
	defer func() {
		if err := sctx.Release(); err != nil {
			logger.Warn(ctx, "release isolation context failed", zap.String("context_id", sctx.ID), zap.Error(err))
		}
	}()

	if _, err := workspace.CopyInputs(req.WorkDir, sctx.Dir, []string{"*"}, nil); err != nil {
		return Report{}, infraErrorf(err, req.Component, "copy inputs into isolation context")
	}
	inner := req
	inner.WorkDir = sctx.Dir
	inner.Executor = sctx.Executor()

	innerCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan gradeResult, 1)
	go func() {
		report, err := s.inner.Grade(innerCtx, inner)
		done <- gradeResult{report: report, err: err}
	}()

	var wall <-chan time.Time
	if s.budget.WallTime > 0 {
		timer := time.NewTimer(s.budget.WallTime)
		defer timer.Stop()
		wall = timer.C
	}

	var res gradeResult
	select {
	case res = <-done:
	case <-ctx.Done():
		_ = sctx.Kill()
		return Report{}, ctx.Err()
	case <-wall:
		logger.Warn(ctx, "isolation context exceeded its wall budget", zap.String("context_id", sctx.ID), zap.Duration("wall_time", s.budget.WallTime))
		if err := sctx.Kill(); err != nil {
			logger.Warn(ctx, "kill isolation context failed", zap.String("context_id", sctx.ID), zap.Error(err))
		}
		grace := time.NewTimer(s.grace)
		defer grace.Stop()
		select {
		case res = <-done:
		case <-grace.C:
			cancel()
			return Report{Parts: FailAll(req.Parts, DiagnosticTimeout)}, nil
		}
	}
	if res.err != nil {
		return res.report, res.err
	}
	if sctx.OomKilled() {
		res.report.Log += "isolation context hit its memory limit\n"
	}
	if s.logArtifact != "" {
		res.report.Log += s.readArtifact(ctx, sctx.Dir)
	}
	return res.report, nil
}

func (s *Sandboxed) readArtifact(ctx context.Context, dir string) string {
	path, err := workspace.Resolve(dir, s.logArtifact)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warn(ctx, "log artifact refused", zap.String("artifact", s.logArtifact), zap.Error(err))
		}
		return ""
	}
	f, err := os.Open(path)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warn(ctx, "read log artifact failed", zap.String("artifact", s.logArtifact), zap.Error(err))
		}
		return ""
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, maxLogArtifactBytes))
	if err != nil {
		return ""
	}
	return fmt.Sprintf("== %s ==\n%s", s.logArtifact, data)
}
