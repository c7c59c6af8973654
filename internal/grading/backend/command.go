package backend

import (
	"context"
	"strings"
	"time"

	"autograder/internal/grading/options"
	"autograder/internal/sandbox"
	"autograder/pkg/utils/logger"

	"github.com/google/shlex"
	"go.uber.org/zap"
)

type commandOptions struct {
	// Setup runs once before any Part, typically a build step.
	Setup        string   `yaml:"setup"`
	SetupTimeout string   `yaml:"setup-timeout"`
	Env          []string `yaml:"env"`
}

type commandPart struct {
	Command string `yaml:"command"`
	Timeout string `yaml:"timeout"`
}

// Command grades each Part by running a process: exit code 0 passes.
type Command struct {
	setup        []string
	setupTimeout time.Duration
	env          []string
}

// NewCommand builds the command backend.
func NewCommand(_ *Registry, opts map[string]interface{}) (Backend, error) {
	var cfg commandOptions
	if err := options.Decode(opts, &cfg); err != nil {
		return nil, optionsError(KindCommand, err)
	}
	c := &Command{env: cfg.Env}
	if cfg.Setup != "" {
		args, err := shlex.Split(cfg.Setup)
		if err != nil || len(args) == 0 {
			return nil, optionsError(KindCommand, errInvalidCommand(cfg.Setup, err))
		}
		c.setup = args
	}
	timeout, err := parseTimeout(cfg.SetupTimeout)
	if err != nil {
		return nil, optionsError(KindCommand, err)
	}
	c.setupTimeout = timeout
	return c, nil
}

type plannedCommand struct {
	partID  string
	args    []string
	timeout time.Duration
}

// Grade runs the optional setup command and then one command per Part.
func (c *Command) Grade(ctx context.Context, req Request) (Report, error) {
	plan, err := c.plan(req)
	if err != nil {
		return Report{}, err
	}
	var log strings.Builder

	if len(c.setup) > 0 {
		timeout := c.setupTimeout
		if timeout == 0 {
			timeout = req.Timeout
		}
		out, err := req.Executor.Exec(ctx, sandbox.Command{Args: c.setup, Dir: req.WorkDir, Env: c.env, Timeout: timeout})
		if err != nil {
			diag, err := classifyExecError(req.Component, c.setup, err)
			if err != nil {
				return Report{}, err
			}
			return Report{Parts: FailAll(req.Parts, "setup failed: "+diag)}, nil
		}
		log.WriteString(processLog("setup", out))
		if !out.Succeeded() {
			logger.Info(ctx, "setup command failed", zap.Int("exit_code", out.ExitCode), zap.Bool("timed_out", out.TimedOut))
			return Report{Parts: FailAll(req.Parts, "setup failed: "+exitDiagnostic(out)), Log: log.String()}, nil
		}
	}

	report := Report{Parts: make([]PartOutcome, 0, len(plan))}
	for _, pc := range plan {
		out, err := req.Executor.Exec(ctx, sandbox.Command{Args: pc.args, Dir: req.WorkDir, Env: c.env, Timeout: pc.timeout})
		if err != nil {
			diag, err := classifyExecError(req.Component, pc.args, err)
			if err != nil {
				return Report{}, err
			}
			report.Parts = append(report.Parts, Fail(pc.partID, diag))
			continue
		}
		log.WriteString(processLog(pc.partID, out))
		if out.Succeeded() {
			report.Parts = append(report.Parts, Pass(pc.partID))
			continue
		}
		report.Parts = append(report.Parts, Fail(pc.partID, exitDiagnostic(out)))
	}
	report.Log = log.String()
	return report, nil
}

// plan validates every Part's metadata before anything runs.
func (c *Command) plan(req Request) ([]plannedCommand, error) {
	out := make([]plannedCommand, 0, len(req.Parts))
	for _, p := range req.Parts {
		var meta commandPart
		if err := options.Decode(p.Meta, &meta); err != nil {
			return nil, configErrorf(req.Component, "part %s: %v", p.ID, err)
		}
		if strings.TrimSpace(meta.Command) == "" {
			return nil, configErrorf(req.Component, "part %s: command is required", p.ID)
		}
		args, err := shlex.Split(meta.Command)
		if err != nil || len(args) == 0 {
			return nil, configErrorf(req.Component, "part %s: %v", p.ID, errInvalidCommand(meta.Command, err))
		}
		timeout, err := parseTimeout(meta.Timeout)
		if err != nil {
			return nil, configErrorf(req.Component, "part %s: %v", p.ID, err)
		}
		if timeout == 0 {
			timeout = req.Timeout
		}
		out = append(out, plannedCommand{partID: p.ID, args: args, timeout: timeout})
	}
	return out, nil
}
