package sandbox

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"autograder/internal/sandbox/engine"
	"autograder/internal/sandbox/result"
	"autograder/internal/sandbox/spec"
	appErr "autograder/pkg/errors"
)

type fakeGroup struct {
	mu     sync.Mutex
	kills  int
	closed int
}

func (g *fakeGroup) Path() string        { return "/fake/cgroup" }
func (g *fakeGroup) OomKilled() bool     { return false }
func (g *fakeGroup) MemoryPeakKB() int64 { return 0 }

func (g *fakeGroup) Kill() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.kills++
	return nil
}

func (g *fakeGroup) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed++
	return nil
}

type fakeEngine struct {
	groupErr error
	group    *fakeGroup
	limits   spec.ResourceLimit
	run      func(ctx context.Context, rs spec.RunSpec) (result.RunResult, error)
	specs    []spec.RunSpec
}

func (e *fakeEngine) NewGroup(ctx context.Context, contextID string, limits spec.ResourceLimit) (engine.Group, error) {
	if e.groupErr != nil {
		return nil, e.groupErr
	}
	e.limits = limits
	e.group = &fakeGroup{}
	return e.group, nil
}

func (e *fakeEngine) Run(ctx context.Context, rs spec.RunSpec) (result.RunResult, error) {
	e.specs = append(e.specs, rs)
	if e.run != nil {
		return e.run(ctx, rs)
	}
	return result.RunResult{ExitCode: 0, Stdout: "ok"}, nil
}

func newTestProvider(t *testing.T, eng engine.Engine) *Provider {
	t.Helper()
	p, err := NewProvider(eng, ProviderConfig{WorkRoot: t.TempDir(), Env: []string{"LANG=C"}})
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	return p
}

func TestAcquireAndRelease(t *testing.T) {
	eng := &fakeEngine{}
	p := newTestProvider(t, eng)
	budget := Budget{MemoryMB: 256, PIDs: 32, CPUTime: 2 * time.Second, WallTime: 5 * time.Second}

	c, err := p.Acquire(context.Background(), budget)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if eng.limits.MemoryMB != 256 || eng.limits.PIDs != 32 || eng.limits.CPUTimeMs != 2000 {
		t.Fatalf("unexpected group limits %+v", eng.limits)
	}
	if info, err := os.Stat(c.Dir); err != nil || !info.IsDir() {
		t.Fatalf("expected scratch dir: %v", err)
	}

	out, err := c.Executor().Exec(context.Background(), Command{Args: []string{"java", "-version"}, Timeout: time.Second})
	if err != nil || out.Stdout != "ok" {
		t.Fatalf("exec: %+v, %v", out, err)
	}
	rs := eng.specs[0]
	if rs.ContextID != c.ID || rs.CgroupPath != "/fake/cgroup" || rs.WorkDir != c.Dir {
		t.Fatalf("run spec not bound to context: %+v", rs)
	}
	if !rs.Isolation.DisableNetwork || rs.Limits.WallTimeMs != 1000 || rs.Limits.MemoryMB != 256 {
		t.Fatalf("unexpected isolation %+v limits %+v", rs.Isolation, rs.Limits)
	}

	if err := c.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := c.Release(); err != nil {
		t.Fatalf("second release: %v", err)
	}
	if eng.group.closed != 1 {
		t.Fatalf("expected group closed once, got %d", eng.group.closed)
	}
	if _, err := os.Stat(c.Dir); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected scratch dir removed, got %v", err)
	}
	if _, err := c.Executor().Exec(context.Background(), Command{Args: []string{"true"}}); !appErr.Is(err, appErr.SandboxReleased) {
		t.Fatalf("expected SandboxReleased, got %v", err)
	}
}

func TestAcquireFailure(t *testing.T) {
	eng := &fakeEngine{groupErr: errors.New("cgroup root not writable")}
	p := newTestProvider(t, eng)
	_, err := p.Acquire(context.Background(), Budget{MemoryMB: 64})
	if !appErr.Is(err, appErr.SandboxStartFailed) {
		t.Fatalf("expected SandboxStartFailed, got %v", err)
	}
	entries, _ := os.ReadDir(p.cfg.WorkRoot)
	if len(entries) != 0 {
		t.Fatalf("expected no leftover context dirs, got %d", len(entries))
	}
}

func TestContextKillStopsRunningCommand(t *testing.T) {
	eng := &fakeEngine{run: func(ctx context.Context, rs spec.RunSpec) (result.RunResult, error) {
		<-ctx.Done()
		return result.RunResult{ExitCode: -1}, ctx.Err()
	}}
	p := newTestProvider(t, eng)
	c, err := p.Acquire(context.Background(), Budget{})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer c.Release()

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = c.Kill()
	}()
	out, err := c.Executor().Exec(context.Background(), Command{Args: []string{"sleep", "60"}})
	if err != nil {
		t.Fatalf("kill should surface as a timeout, got %v", err)
	}
	if !out.TimedOut {
		t.Fatalf("expected TimedOut outcome, got %+v", out)
	}
	eng.group.mu.Lock()
	kills := eng.group.kills
	eng.group.mu.Unlock()
	if kills != 1 {
		t.Fatalf("expected group kill, got %d", kills)
	}
}

func TestIsolatedExecutorNotFound(t *testing.T) {
	eng := &fakeEngine{run: func(ctx context.Context, rs spec.RunSpec) (result.RunResult, error) {
		return result.RunResult{ExitCode: 127, Stderr: "sandbox-init: resolve command: not found"}, nil
	}}
	p := newTestProvider(t, eng)
	c, err := p.Acquire(context.Background(), Budget{})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer c.Release()

	if _, err := c.Executor().Exec(context.Background(), Command{Args: []string{"javac"}}); !errors.Is(err, exec.ErrNotFound) {
		t.Fatalf("expected exec.ErrNotFound, got %v", err)
	}
	if _, err := c.Executor().Exec(context.Background(), Command{Args: []string{"./build.sh"}}); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected os.ErrNotExist for a missing relative program, got %v", err)
	}
	if err := os.WriteFile(filepath.Join(c.Dir, "build.sh"), []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	eng.run = nil
	if _, err := c.Executor().Exec(context.Background(), Command{Args: []string{"./build.sh"}}); err != nil {
		t.Fatalf("expected present script to run, got %v", err)
	}
}

func TestIsolatedExecutorEngineFailure(t *testing.T) {
	eng := &fakeEngine{run: func(ctx context.Context, rs spec.RunSpec) (result.RunResult, error) {
		return result.RunResult{}, errors.New("start helper: permission denied")
	}}
	p := newTestProvider(t, eng)
	c, err := p.Acquire(context.Background(), Budget{})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer c.Release()

	if _, err := c.Executor().Exec(context.Background(), Command{Args: []string{"true"}}); !appErr.Is(err, appErr.SandboxStartFailed) {
		t.Fatalf("expected SandboxStartFailed, got %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := c.Executor().Exec(ctx, Command{Args: []string{"true"}}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestMaxConcurrent(t *testing.T) {
	cases := []struct {
		host   int64
		budget Budget
		want   int
	}{
		{host: 8192, budget: Budget{MemoryMB: 1024}, want: 8},
		{host: 512, budget: Budget{MemoryMB: 1024}, want: 1},
		{host: 8192, budget: Budget{}, want: 0},
		{host: 0, budget: Budget{MemoryMB: 256}, want: 0},
	}
	for _, tc := range cases {
		if got := MaxConcurrent(tc.host, tc.budget); got != tc.want {
			t.Fatalf("MaxConcurrent(%d, %d) = %d, want %d", tc.host, tc.budget.MemoryMB, got, tc.want)
		}
	}
}
