package sandbox

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"autograder/internal/sandbox/engine"
	"autograder/internal/sandbox/spec"
	appErr "autograder/pkg/errors"
	"autograder/pkg/utils/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// sandbox-init exits with helperNotFoundExit when it cannot resolve the
	// program, after printing a line starting with helperErrorPrefix.
	helperNotFoundExit = 127
	helperErrorPrefix  = "sandbox-init:"
)

// Budget is the resource ceiling of one isolation context.
type Budget struct {
	MemoryMB int64
	PIDs     int64
	CPUTime  time.Duration
	WallTime time.Duration
	Network  bool
}

// MaxConcurrent returns how many contexts with this budget fit in host
// memory, at least 1. Zero means the budget does not bound concurrency.
func MaxConcurrent(hostMemoryMB int64, budget Budget) int {
	if hostMemoryMB <= 0 || budget.MemoryMB <= 0 {
		return 0
	}
	n := hostMemoryMB / budget.MemoryMB
	if n < 1 {
		return 1
	}
	return int(n)
}

// ProviderConfig configures where contexts live and how they are isolated.
type ProviderConfig struct {
	// WorkRoot holds one directory per live context.
	WorkRoot  string
	Isolation spec.IsolationProfile
	// Env is the base environment of isolated processes.
	Env           []string
	OutputLimitMB int64
	StackLimitMB  int64
}

// Provider creates isolation contexts on top of a sandbox engine.
type Provider struct {
	engine engine.Engine
	cfg    ProviderConfig
}

// NewProvider validates the configuration and creates the work root.
func NewProvider(eng engine.Engine, cfg ProviderConfig) (*Provider, error) {
	if eng == nil {
		return nil, fmt.Errorf("sandbox engine is required")
	}
	if cfg.WorkRoot == "" {
		cfg.WorkRoot = filepath.Join(os.TempDir(), "grader-sandbox")
	}
	if err := os.MkdirAll(cfg.WorkRoot, 0o755); err != nil {
		return nil, fmt.Errorf("create sandbox work root: %w", err)
	}
	return &Provider{engine: eng, cfg: cfg}, nil
}

// Acquire creates a fresh context with its own scratch directory and
// resource group. The caller must Release it.
func (p *Provider) Acquire(ctx context.Context, budget Budget) (*Context, error) {
	id := "ctx-" + uuid.NewString()
	root := filepath.Join(p.cfg.WorkRoot, id)
	c := &Context{
		ID:       id,
		root:     root,
		Dir:      filepath.Join(root, "work"),
		ioDir:    filepath.Join(root, "io"),
		budget:   budget,
		provider: p,
	}
	c.killCtx, c.kill = context.WithCancel(context.Background())
	for _, dir := range []string{c.Dir, c.ioDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			_ = os.RemoveAll(root)
			return nil, appErr.Wrapf(err, appErr.SandboxStartFailed, "create context directory")
		}
	}
	group, err := p.engine.NewGroup(ctx, id, spec.ResourceLimit{
		MemoryMB:  budget.MemoryMB,
		PIDs:      budget.PIDs,
		CPUTimeMs: budget.CPUTime.Milliseconds(),
	})
	if err != nil {
		_ = os.RemoveAll(root)
		return nil, appErr.Wrapf(err, appErr.SandboxStartFailed, "create context resource group")
	}
	c.group = group
	logger.Debug(ctx, "isolation context acquired", zap.String("context_id", id), zap.String("cgroup", group.Path()))
	return c, nil
}

// Context is one disposable isolation context. Processes started through its
// Executor share its resource group and see only its directory.
type Context struct {
	ID string
	// Dir is the scratch directory inputs are copied into.
	Dir string

	root     string
	ioDir    string
	budget   Budget
	provider *Provider
	group    engine.Group
	seq      atomic.Int64

	killCtx context.Context
	kill    context.CancelFunc

	releaseOnce sync.Once
	releaseErr  error
	released    atomic.Bool
}

// Executor returns the executor bound to this context.
func (c *Context) Executor() Executor {
	return &isolatedExecutor{c: c}
}

// Budget returns the context's resource ceiling.
func (c *Context) Budget() Budget { return c.budget }

// Kill terminates every process running in the context. The context stays
// usable until Release.
func (c *Context) Kill() error {
	err := c.group.Kill()
	c.kill()
	return err
}

// OomKilled reports whether the kernel killed a process for exceeding the
// memory ceiling.
func (c *Context) OomKilled() bool {
	return c.group.OomKilled()
}

// Release kills remaining processes and removes the resource group and the
// scratch directory. Calling it more than once is harmless.
func (c *Context) Release() error {
	c.releaseOnce.Do(func() {
		c.released.Store(true)
		c.kill()
		groupErr := c.group.Close()
		dirErr := os.RemoveAll(c.root)
		switch {
		case groupErr != nil:
			c.releaseErr = fmt.Errorf("release context %s: %w", c.ID, groupErr)
		case dirErr != nil:
			c.releaseErr = fmt.Errorf("release context %s: %w", c.ID, dirErr)
		}
	})
	return c.releaseErr
}

// isolatedExecutor runs commands through the engine inside one context.
type isolatedExecutor struct {
	c *Context
}

func (x *isolatedExecutor) Exec(ctx context.Context, cmd Command) (Outcome, error) {
	c := x.c
	if c.released.Load() {
		return Outcome{}, appErr.Newf(appErr.SandboxReleased, "context %s already released", c.ID)
	}
	if len(cmd.Args) == 0 {
		return Outcome{}, fmt.Errorf("command is required")
	}
	dir := cmd.Dir
	if dir == "" {
		dir = c.Dir
	} else if !filepath.IsAbs(dir) {
		dir = filepath.Join(c.Dir, dir)
	}
	if prog := cmd.Args[0]; strings.Contains(prog, "/") {
		if _, err := resolveProgram(prog, dir); err != nil {
			return Outcome{}, err
		}
	}

	execCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(c.killCtx, cancel)
	defer stop()

	n := c.seq.Add(1)
	cfg := c.provider.cfg
	isolation := cfg.Isolation
	isolation.DisableNetwork = !c.budget.Network
	runSpec := spec.RunSpec{
		ContextID:  c.ID,
		CgroupPath: c.group.Path(),
		WorkDir:    dir,
		Cmd:        cmd.Args,
		Env:        append(append([]string(nil), cfg.Env...), cmd.Env...),
		StdoutPath: filepath.Join(c.ioDir, fmt.Sprintf("%d.stdout", n)),
		StderrPath: filepath.Join(c.ioDir, fmt.Sprintf("%d.stderr", n)),
		Isolation:  isolation,
		Limits: spec.ResourceLimit{
			CPUTimeMs:  c.budget.CPUTime.Milliseconds(),
			WallTimeMs: cmd.Timeout.Milliseconds(),
			MemoryMB:   c.budget.MemoryMB,
			PIDs:       c.budget.PIDs,
			OutputMB:   cfg.OutputLimitMB,
			StackMB:    cfg.StackLimitMB,
		},
	}
	// Inside a new root the context directory is mounted at the same path.
	if isolation.RootFS != "" {
		runSpec.BindMounts = []spec.MountSpec{{Source: c.root, Target: c.root}}
	}

	res, err := c.provider.engine.Run(execCtx, runSpec)
	out := Outcome{
		ExitCode:  res.ExitCode,
		Stdout:    res.Stdout,
		Stderr:    res.Stderr,
		TimedOut:  res.TimedOut,
		OomKilled: res.OomKilled,
		Wall:      time.Duration(res.WallTimeMs) * time.Millisecond,
	}
	if err != nil {
		if ctx.Err() != nil {
			return out, ctx.Err()
		}
		if c.killCtx.Err() != nil {
			out.TimedOut = true
			return out, nil
		}
		// The helper or its cgroup could not be set up; the host is at fault.
		return out, appErr.Wrapf(err, appErr.SandboxStartFailed, "run in context %s: %v", c.ID, err)
	}
	if res.ExitCode == helperNotFoundExit && strings.HasPrefix(res.Stderr, helperErrorPrefix) {
		return out, fmt.Errorf("resolve %s: %w", cmd.Args[0], notFoundError(cmd.Args[0]))
	}
	return out, nil
}

func notFoundError(name string) error {
	if strings.Contains(name, "/") {
		return fs.ErrNotExist
	}
	return exec.ErrNotFound
}
