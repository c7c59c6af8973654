package backend

import (
	"context"
	"errors"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"autograder/internal/grading/model"
	"autograder/internal/sandbox"
	"autograder/internal/sandbox/engine"
	"autograder/internal/sandbox/result"
	"autograder/internal/sandbox/spec"
	appErr "autograder/pkg/errors"
)

type nopGroup struct{ killed chan struct{} }

func (g *nopGroup) Path() string        { return "" }
func (g *nopGroup) OomKilled() bool     { return false }
func (g *nopGroup) MemoryPeakKB() int64 { return 0 }
func (g *nopGroup) Close() error        { return nil }

func (g *nopGroup) Kill() error {
	select {
	case <-g.killed:
	default:
		close(g.killed)
	}
	return nil
}

type stubEngine struct {
	groupErr error
	group    *nopGroup
}

func (e *stubEngine) NewGroup(ctx context.Context, id string, limits spec.ResourceLimit) (engine.Group, error) {
	if e.groupErr != nil {
		return nil, e.groupErr
	}
	e.group = &nopGroup{killed: make(chan struct{})}
	return e.group, nil
}

func (e *stubEngine) Run(ctx context.Context, rs spec.RunSpec) (result.RunResult, error) {
	return result.RunResult{}, nil
}

// innerFunc adapts a function to Backend.
type innerFunc func(ctx context.Context, req Request) (Report, error)

func (f innerFunc) Grade(ctx context.Context, req Request) (Report, error) { return f(ctx, req) }

func newSandboxRegistry(t *testing.T, eng engine.Engine, inner innerFunc) *Registry {
	t.Helper()
	provider, err := sandbox.NewProvider(eng, sandbox.ProviderConfig{WorkRoot: t.TempDir()})
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	r := NewRegistry(provider)
	r.Register("inner", func(*Registry, map[string]interface{}) (Backend, error) { return inner, nil })
	return r
}

func TestSandboxedRunsInnerInContext(t *testing.T) {
	workDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(workDir, "adder.c"), []byte("int add;"), 0o644); err != nil {
		t.Fatalf("write input: %v", err)
	}
	var seen Request
	inner := innerFunc(func(ctx context.Context, req Request) (Report, error) {
		seen = req
		if _, err := os.Stat(filepath.Join(req.WorkDir, "adder.c")); err != nil {
			t.Errorf("input not copied into the context: %v", err)
		}
		if err := os.WriteFile(filepath.Join(req.WorkDir, "grader.log"), []byte("3/4 checks"), 0o644); err != nil {
			t.Errorf("write artifact: %v", err)
		}
		if err := os.WriteFile(filepath.Join(req.WorkDir, "junk.o"), []byte("x"), 0o644); err != nil {
			t.Errorf("write junk: %v", err)
		}
		return Report{Parts: []PartOutcome{Pass("p1")}, Log: "inner log\n"}, nil
	})
	r := newSandboxRegistry(t, &stubEngine{}, inner)
	b, err := r.Build(KindSandbox, map[string]interface{}{
		"backend":      "inner",
		"memory-mb":    256,
		"wall-time":    "10s",
		"log-artifact": "grader.log",
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	report, err := b.Grade(context.Background(), Request{Component: "c", WorkDir: workDir, Parts: []model.Part{part("p1", 1, nil)}, Executor: &fakeExecutor{}})
	if err != nil {
		t.Fatalf("grade: %v", err)
	}
	if seen.WorkDir == workDir {
		t.Fatalf("inner backend must not see the caller's directory")
	}
	if _, ok := seen.Executor.(*fakeExecutor); ok {
		t.Fatalf("inner backend must get the isolated executor")
	}
	if !strings.Contains(report.Log, "inner log") || !strings.Contains(report.Log, "3/4 checks") {
		t.Fatalf("expected inner log and artifact, got %q", report.Log)
	}
	if _, err := os.Stat(filepath.Join(workDir, "junk.o")); !os.IsNotExist(err) {
		t.Fatalf("only the report and the artifact may come back out")
	}
	if _, err := os.Stat(seen.WorkDir); !os.IsNotExist(err) {
		t.Fatalf("expected context directory released, got %v", err)
	}
}

func TestSandboxedWallBudget(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	inner := innerFunc(func(ctx context.Context, req Request) (Report, error) {
		<-block
		return Report{Parts: []PartOutcome{Pass("p1")}}, nil
	})
	eng := &stubEngine{}
	r := newSandboxRegistry(t, eng, inner)
	b, err := r.Build(KindSandbox, map[string]interface{}{"backend": "inner", "wall-time": "50ms"})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	b.(*Sandboxed).grace = 20 * time.Millisecond

	parts := []model.Part{part("p1", 1, nil), part("p2", 1, nil)}
	report, err := b.Grade(context.Background(), Request{Component: "c", WorkDir: t.TempDir(), Parts: parts})
	if err != nil {
		t.Fatalf("grade: %v", err)
	}
	for i, id := range []string{"p1", "p2"} {
		expectScore(t, report.Parts[i], id, new(big.Rat), DiagnosticTimeout)
	}
	select {
	case <-eng.group.killed:
	default:
		t.Fatalf("expected the context to be killed")
	}
}

func TestSandboxedAcquireFailure(t *testing.T) {
	inner := innerFunc(func(ctx context.Context, req Request) (Report, error) { return Report{}, nil })
	r := newSandboxRegistry(t, &stubEngine{groupErr: errors.New("no cgroup delegation")}, inner)
	b, err := r.Build(KindSandbox, map[string]interface{}{"backend": "inner"})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	_, err = b.Grade(context.Background(), Request{Component: "c", WorkDir: t.TempDir()})
	if !appErr.Is(err, appErr.BackendInfrastructureError) {
		t.Fatalf("expected infrastructure error, got %v", err)
	}
}

func TestSandboxedOptions(t *testing.T) {
	inner := innerFunc(func(ctx context.Context, req Request) (Report, error) { return Report{}, nil })
	r := newSandboxRegistry(t, &stubEngine{}, inner)
	bad := []map[string]interface{}{
		{},
		{"backend": "sandbox"},
		{"backend": "inner", "memory-mb": -1},
		{"backend": "inner", "wall-time": "forever"},
		{"backend": "inner", "log-artifact": "../escape.log"},
		{"backend": "nope"},
	}
	for _, opts := range bad {
		if _, err := r.Build(KindSandbox, opts); err == nil {
			t.Fatalf("options %v: expected error", opts)
		}
	}
	b, err := r.Build(KindSandbox, map[string]interface{}{"backend": KindPrompt})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if !IsInteractive(b) {
		t.Fatalf("sandbox must report its inner backend as interactive")
	}
	if CanDiscover(b) {
		t.Fatalf("prompt cannot discover parts")
	}
	b, err = r.Build(KindSandbox, map[string]interface{}{
		"backend":         KindSimulator,
		"backend-options": map[string]interface{}{"grader-jar": "grader.jar", "test-class": "AdderTests"},
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if !CanDiscover(b) {
		t.Fatalf("sandbox must report its inner simulator as discovering parts")
	}
}
