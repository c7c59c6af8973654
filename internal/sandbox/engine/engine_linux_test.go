//go:build linux

package engine

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"autograder/internal/sandbox/result"
	"autograder/internal/sandbox/spec"
)

func TestLinuxEngineRun(t *testing.T) {
	helperPath := buildProgram(t, "sandbox-init", helperSource)

	cases := []struct {
		name   string
		run    func(t *testing.T) (result.RunResult, error)
		verify func(t *testing.T, res result.RunResult, err error)
	}{
		{
			name: "context_group_limits_applied",
			run: func(t *testing.T) (result.RunResult, error) {
				workDir := t.TempDir()
				cgroupRoot := filepath.Join(t.TempDir(), "cgroup")
				if err := os.MkdirAll(cgroupRoot, 0o755); err != nil {
					t.Fatalf("create cgroup root: %v", err)
				}
				eng := newTestEngine(t, Config{CgroupRoot: cgroupRoot, HelperPath: helperPath, EnableCgroup: true})

				group, err := eng.NewGroup(context.Background(), "ctx-limits", spec.ResourceLimit{MemoryMB: 16, PIDs: 5})
				if err != nil {
					t.Fatalf("new group: %v", err)
				}
				expectFile(t, group.Path(), "pids.max", "5")
				expectFile(t, group.Path(), "memory.max", "16777216")
				expectFile(t, group.Path(), "cpu.max", "max 100000")

				res, runErr := eng.Run(context.Background(), spec.RunSpec{
					ContextID:  "ctx-limits",
					CgroupPath: group.Path(),
					WorkDir:    workDir,
					Cmd:        []string{"/bin/sh", "-c", "echo ok"},
					StdoutPath: filepath.Join(workDir, "stdout.txt"),
				})
				if data, err := os.ReadFile(filepath.Join(group.Path(), "cgroup.procs")); err != nil || strings.TrimSpace(string(data)) == "" {
					t.Fatalf("expected helper pid in cgroup.procs: %v", err)
				}
				if err := group.Close(); err != nil {
					t.Fatalf("close group: %v", err)
				}
				if _, err := os.Stat(group.Path()); !errors.Is(err, os.ErrNotExist) {
					t.Fatalf("expected group directory removed, got %v", err)
				}
				return res, runErr
			},
			verify: func(t *testing.T, res result.RunResult, err error) {
				if err != nil || res.ExitCode != 0 || strings.TrimSpace(res.Stdout) != "ok" {
					t.Fatalf("unexpected result %+v, %v", res, err)
				}
			},
		},
		{
			name: "private_run_cgroup_cleaned_up",
			run: func(t *testing.T) (result.RunResult, error) {
				workDir := t.TempDir()
				cgroupRoot := filepath.Join(t.TempDir(), "cgroup")
				if err := os.MkdirAll(cgroupRoot, 0o755); err != nil {
					t.Fatalf("create cgroup root: %v", err)
				}
				eng := newTestEngine(t, Config{CgroupRoot: cgroupRoot, HelperPath: helperPath, EnableCgroup: true})
				res, err := eng.Run(context.Background(), spec.RunSpec{
					WorkDir:    workDir,
					Cmd:        []string{"/bin/sh", "-c", "echo hello; echo oops 1>&2"},
					StdoutPath: "stdout.txt",
					StderrPath: "stderr.txt",
				})
				entries, _ := os.ReadDir(cgroupRoot)
				if len(entries) != 0 {
					t.Fatalf("expected run cgroup removed, found %d entries", len(entries))
				}
				return res, err
			},
			verify: func(t *testing.T, res result.RunResult, err error) {
				if err != nil {
					t.Fatalf("run failed: %v", err)
				}
				if !strings.Contains(res.Stdout, "hello") || !strings.Contains(res.Stderr, "oops") {
					t.Fatalf("unexpected output %q / %q", res.Stdout, res.Stderr)
				}
			},
		},
		{
			name: "stdout_stderr_truncation",
			run: func(t *testing.T) (result.RunResult, error) {
				workDir := t.TempDir()
				eng := newTestEngine(t, Config{HelperPath: helperPath, StdoutStderrMaxBytes: 8})
				return eng.Run(context.Background(), spec.RunSpec{
					WorkDir:    workDir,
					Cmd:        []string{"/bin/sh", "-c", "printf '0123456789'; printf 'abcdefghij' 1>&2"},
					StdoutPath: filepath.Join(workDir, "stdout.txt"),
					StderrPath: filepath.Join(workDir, "stderr.txt"),
				})
			},
			verify: func(t *testing.T, res result.RunResult, err error) {
				if err != nil {
					t.Fatalf("run failed: %v", err)
				}
				if len(res.Stdout) != 8 || len(res.Stderr) != 8 {
					t.Fatalf("expected 8 bytes each, got %q / %q", res.Stdout, res.Stderr)
				}
			},
		},
		{
			name: "wall_timeout_kills_process",
			run: func(t *testing.T) (result.RunResult, error) {
				eng := newTestEngine(t, Config{HelperPath: helperPath})
				return eng.Run(context.Background(), spec.RunSpec{
					WorkDir: t.TempDir(),
					Cmd:     []string{"/bin/sh", "-c", "sleep 5"},
					Limits:  spec.ResourceLimit{WallTimeMs: 100},
				})
			},
			verify: func(t *testing.T, res result.RunResult, err error) {
				if err != nil {
					t.Fatalf("run failed: %v", err)
				}
				if !res.TimedOut || res.ExitCode != -1 {
					t.Fatalf("expected timeout, got %+v", res)
				}
				if res.WallTimeMs >= 5000 {
					t.Fatalf("process outlived the wall limit: %dms", res.WallTimeMs)
				}
			},
		},
		{
			name: "canceled_context_returns_error",
			run: func(t *testing.T) (result.RunResult, error) {
				eng := newTestEngine(t, Config{HelperPath: helperPath})
				ctx, cancel := context.WithCancel(context.Background())
				time.AfterFunc(50*time.Millisecond, cancel)
				return eng.Run(ctx, spec.RunSpec{WorkDir: t.TempDir(), Cmd: []string{"/bin/sh", "-c", "sleep 5"}})
			},
			verify: func(t *testing.T, res result.RunResult, err error) {
				if !errors.Is(err, context.Canceled) {
					t.Fatalf("expected context.Canceled, got %v", err)
				}
			},
		},
		{
			name: "missing_program_exit_code",
			run: func(t *testing.T) (result.RunResult, error) {
				workDir := t.TempDir()
				eng := newTestEngine(t, Config{HelperPath: helperPath})
				return eng.Run(context.Background(), spec.RunSpec{
					WorkDir:    workDir,
					Cmd:        []string{"definitely-not-a-grader-tool"},
					StderrPath: filepath.Join(workDir, "stderr.txt"),
				})
			},
			verify: func(t *testing.T, res result.RunResult, err error) {
				if err != nil {
					t.Fatalf("run failed: %v", err)
				}
				if res.ExitCode != 127 || !strings.HasPrefix(res.Stderr, "sandbox-init:") {
					t.Fatalf("expected helper not-found exit, got %+v", res)
				}
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, err := tc.run(t)
			tc.verify(t, res, err)
		})
	}
}

// A process over its memory ceiling fails while a neighbour in another
// context keeps running.
func TestMemoryCeilingIsPerContext(t *testing.T) {
	helperPath := buildProgram(t, "sandbox-init", helperSource)
	hogPath := buildProgram(t, "hog", hogSource)
	eng := newTestEngine(t, Config{HelperPath: helperPath})

	var wg sync.WaitGroup
	results := make([]result.RunResult, 2)
	errs := make([]error, 2)
	specs := []spec.RunSpec{
		{ContextID: "ctx-hog", WorkDir: t.TempDir(), Cmd: []string{hogPath, "512"}, Limits: spec.ResourceLimit{MemoryMB: 64, WallTimeMs: 10000}},
		{ContextID: "ctx-calm", WorkDir: t.TempDir(), Cmd: []string{hogPath, "4"}, Limits: spec.ResourceLimit{WallTimeMs: 10000}},
	}
	for i := range specs {
		specs[i].StdoutPath = filepath.Join(specs[i].WorkDir, "stdout.txt")
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = eng.Run(context.Background(), specs[i])
		}(i)
	}
	wg.Wait()

	if errs[0] != nil || errs[1] != nil {
		t.Fatalf("run errors: %v, %v", errs[0], errs[1])
	}
	if results[0].ExitCode == 0 || strings.Contains(results[0].Stdout, "done") {
		t.Fatalf("expected the hog to fail under its ceiling, got %+v", results[0])
	}
	if results[1].ExitCode != 0 || !strings.Contains(results[1].Stdout, "done") {
		t.Fatalf("expected the neighbour to finish, got %+v", results[1])
	}
}

func newTestEngine(t *testing.T, cfg Config) Engine {
	t.Helper()
	eng, err := NewEngine(cfg)
	if err != nil {
		t.Fatalf("create engine: %v", err)
	}
	return eng
}

func expectFile(t *testing.T, dir, name, want string) {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		t.Fatalf("read %s: %v", name, err)
	}
	if got := strings.TrimSpace(string(data)); got != want {
		t.Fatalf("unexpected %s: %q", name, got)
	}
}

func buildProgram(t *testing.T, name, source string) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("create %s dir: %v", name, err)
	}
	if err := os.WriteFile(filepath.Join(dir, "go.mod"), []byte("module "+name+"\n\ngo 1.21\n"), 0o644); err != nil {
		t.Fatalf("write %s go.mod: %v", name, err)
	}
	if err := os.WriteFile(filepath.Join(dir, "main.go"), []byte(source), 0o644); err != nil {
		t.Fatalf("write %s main.go: %v", name, err)
	}
	out := filepath.Join(dir, name)
	cmd := exec.Command("go", "build", "-o", out, ".")
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "CGO_ENABLED=0")
	if output, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("build %s failed: %v: %s", name, err, string(output))
	}
	return out
}

// helperSource is a cgo-free stand-in for cmd/sandbox-init that honours the
// parts of the init request these tests exercise.
const helperSource = `package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"syscall"
)

type initRequest struct {
	RunSpec struct {
		WorkDir    string
		Cmd        []string
		Env        []string
		StdoutPath string
		StderrPath string
		Limits     struct{ MemoryMB int64 }
	}
	RlimitFallback bool
}

func main() {
	var req initRequest
	if err := json.NewDecoder(os.Stdin).Decode(&req); err != nil {
		fail(1, err)
	}
	if err := os.Chdir(req.RunSpec.WorkDir); err != nil {
		fail(1, err)
	}
	redirect(req.RunSpec.StdoutPath, 1)
	redirect(req.RunSpec.StderrPath, 2)
	path, err := exec.LookPath(req.RunSpec.Cmd[0])
	if err != nil {
		fail(127, err)
	}
	if req.RlimitFallback && req.RunSpec.Limits.MemoryMB > 0 {
		limit := uint64(req.RunSpec.Limits.MemoryMB) << 20
		if err := syscall.Setrlimit(syscall.RLIMIT_AS, &syscall.Rlimit{Cur: limit, Max: limit}); err != nil {
			fail(1, err)
		}
	}
	env := req.RunSpec.Env
	if len(env) == 0 {
		env = []string{"PATH=/usr/local/bin:/usr/bin:/bin"}
	}
	fail(1, syscall.Exec(path, req.RunSpec.Cmd, env))
}

func redirect(path string, fd int) {
	if path == "" {
		return
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		fail(1, err)
	}
	if err := syscall.Dup3(int(f.Fd()), fd, 0); err != nil {
		fail(1, err)
	}
}

func fail(code int, err error) {
	fmt.Fprintln(os.Stderr, "sandbox-init:", err)
	os.Exit(code)
}
`

const hogSource = `package main

import (
	"fmt"
	"os"
	"strconv"
)

func main() {
	mb, _ := strconv.Atoi(os.Args[1])
	buf := make([]byte, mb<<20)
	for i := 0; i < len(buf); i += 4096 {
		buf[i] = 1
	}
	fmt.Println("done")
}
`
