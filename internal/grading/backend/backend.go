// Package backend defines the pluggable grader interface and the built-in
// grader variants.
package backend

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"math/big"
	"os/exec"
	"strings"
	"time"

	"autograder/internal/grading/model"
	"autograder/internal/grading/weight"
	"autograder/internal/sandbox"
	appErr "autograder/pkg/errors"
)

// DiagnosticTimeout is recorded on Parts whose process ran out of time.
const DiagnosticTimeout = "timeout"

// Prompter asks the operator a question and returns the typed answer.
type Prompter interface {
	Ask(ctx context.Context, question string) (string, error)
}

// Request is everything a backend needs to grade one Component.
type Request struct {
	Component string
	// Parts are the declared Parts. Backends that discover their own tests
	// may be called with none.
	Parts []model.Part
	// WorkDir is a private scratch directory holding copied inputs and
	// grading files. Backends may write to it freely.
	WorkDir string
	// Timeout is the default per-Part time limit.
	Timeout  time.Duration
	Executor sandbox.Executor
	Prompter Prompter
}

// PartOutcome is a backend's raw result for one Part.
type PartOutcome struct {
	PartID string
	// Score is a fraction in [0,1].
	Score      *big.Rat
	Diagnostic string
}

// Report is what a backend returns for one Component.
type Report struct {
	Parts []PartOutcome
	Log   string
}

// Backend grades one Component of one submission.
//
// A returned error is classified by its code: BackendConfigurationError and
// BackendInfrastructureError are reported as such, anything else is treated
// as BackendExecutionError and scores the Component zero.
type Backend interface {
	Grade(ctx context.Context, req Request) (Report, error)
}

// Interactive is implemented by backends that need an operator at the
// terminal. The manager runs them one submission at a time.
type Interactive interface {
	Interactive() bool
}

// IsInteractive reports whether b needs an operator.
func IsInteractive(b Backend) bool {
	i, ok := b.(Interactive)
	return ok && i.Interactive()
}

// Discoverer is implemented by backends that report their own Parts when a
// Component declares none.
type Discoverer interface {
	Discovers() bool
}

// CanDiscover reports whether b can grade a Component without declared Parts.
func CanDiscover(b Backend) bool {
	d, ok := b.(Discoverer)
	return ok && d.Discovers()
}

// Pass returns a full-credit outcome.
func Pass(partID string) PartOutcome {
	return PartOutcome{PartID: partID, Score: weight.One()}
}

// Fail returns a zero outcome with a diagnostic.
func Fail(partID, diagnostic string) PartOutcome {
	return PartOutcome{PartID: partID, Score: weight.Zero(), Diagnostic: diagnostic}
}

// FailAll returns zero outcomes for every Part.
func FailAll(parts []model.Part, diagnostic string) []PartOutcome {
	out := make([]PartOutcome, len(parts))
	for i, p := range parts {
		out[i] = Fail(p.ID, diagnostic)
	}
	return out
}

func configErrorf(component, format string, args ...interface{}) error {
	return appErr.Newf(appErr.BackendConfigurationError, "component %s: %s", component, fmt.Sprintf(format, args...)).
		WithDetail("component", component)
}

func infraErrorf(err error, component, format string, args ...interface{}) error {
	return appErr.Wrapf(err, appErr.BackendInfrastructureError, "component %s: %s", component, fmt.Sprintf(format, args...)).
		WithDetail("component", component)
}

// exitDiagnostic describes a finished process that did not succeed.
func exitDiagnostic(out sandbox.Outcome) string {
	switch {
	case out.TimedOut:
		return DiagnosticTimeout
	case out.OomKilled:
		return "memory limit exceeded"
	default:
		return fmt.Sprintf("process exited with exit code %d != 0", out.ExitCode)
	}
}

// classifyExecError turns an executor error into either a diagnostic for the
// affected Part or an error that should stop grading. A tool missing from
// PATH is a broken grading host. A program that exists but cannot be started
// (not executable, bad interpreter line) only costs its own Part.
func classifyExecError(component string, args []string, err error) (string, error) {
	switch {
	case errors.Is(err, exec.ErrNotFound):
		return "", infraErrorf(err, component, "tool %q is not installed", args[0])
	case errors.Is(err, fs.ErrNotExist):
		return fmt.Sprintf("program not found: %s", args[0]), nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "", err
	case appErr.GetCode(err).IsFatal():
		return "", err
	case appErr.GetCode(err) == appErr.SandboxReleased:
		return "", appErr.Wrapf(err, appErr.BackendExecutionError, "run %s", strings.Join(args, " "))
	default:
		return "could not start: " + err.Error(), nil
	}
}

// processLog formats a process's output for the component log.
func processLog(title string, out sandbox.Outcome) string {
	var b strings.Builder
	fmt.Fprintf(&b, "== %s (exit %d, %s) ==\n", title, out.ExitCode, out.Wall.Round(time.Millisecond))
	if out.Stdout != "" {
		b.WriteString(out.Stdout)
		if !strings.HasSuffix(out.Stdout, "\n") {
			b.WriteByte('\n')
		}
	}
	if out.Stderr != "" {
		b.WriteString(out.Stderr)
		if !strings.HasSuffix(out.Stderr, "\n") {
			b.WriteByte('\n')
		}
	}
	return b.String()
}

// parseTimeout accepts a Go duration ("90s", "1m30s") or a bare number of
// seconds. Empty means no override.
func parseTimeout(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if d, err := time.ParseDuration(s); err == nil {
		if d < 0 {
			return 0, fmt.Errorf("negative timeout %q", s)
		}
		return d, nil
	}
	secs, err := weight.Parse(s)
	if err != nil {
		return 0, fmt.Errorf("invalid timeout %q", s)
	}
	ns := new(big.Rat).Mul(secs, new(big.Rat).SetInt64(int64(time.Second)))
	return time.Duration(new(big.Int).Quo(ns.Num(), ns.Denom()).Int64()), nil
}

func errInvalidCommand(cmd string, err error) error {
	if err != nil {
		return fmt.Errorf("invalid command %q: %w", cmd, err)
	}
	return fmt.Errorf("empty command %q", cmd)
}
