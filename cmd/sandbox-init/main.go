//go:build linux

// sandbox-init is re-executed by the sandbox engine for every isolated
// process. It reads an init request on stdin, finishes isolating itself
// inside the namespaces the engine created and then execs the command.
package main

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"golang.org/x/sys/unix"
)

const sandboxHostname = "grader"

const defaultPath = "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"

// exitNotFound tells the engine the program itself could not be resolved.
const exitNotFound = 127

type notFoundError struct {
	err error
}

func (e notFoundError) Error() string { return e.err.Error() }

func main() {
	if err := run(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "sandbox-init:", err.Error())
		var nf notFoundError
		if errors.As(err, &nf) {
			os.Exit(exitNotFound)
		}
		os.Exit(1)
	}
}

func run() error {
	req, err := decodeRequest(os.Stdin)
	if err != nil {
		return err
	}
	if err := req.validate(); err != nil {
		return err
	}
	if err := enterFilesystem(req); err != nil {
		return err
	}
	if err := os.Chdir(req.RunSpec.WorkDir); err != nil {
		return fmt.Errorf("chdir workdir: %w", err)
	}
	if err := applyRlimits(req.RunSpec.Limits, req.RlimitFallback); err != nil {
		return err
	}
	if err := redirectIO(req.RunSpec); err != nil {
		return err
	}
	if req.EnableSeccomp && req.Isolation.SeccompProfile != "" {
		if err := applySeccomp(req.Isolation.SeccompProfile); err != nil {
			return err
		}
	}

	env := buildEnv(req.RunSpec.Env, req.RunSpec.WorkDir)
	if err := replaceEnv(env); err != nil {
		return err
	}
	cmdPath, err := exec.LookPath(req.RunSpec.Cmd[0])
	if err != nil {
		return notFoundError{err: fmt.Errorf("resolve command: %w", err)}
	}
	// Set last: the helper itself must not run under the address space limit.
	if req.RlimitFallback {
		if err := applyAddressLimit(req.RunSpec.Limits); err != nil {
			return err
		}
	}
	return unix.Exec(cmdPath, req.RunSpec.Cmd, env)
}

// enterFilesystem makes the mount namespace private, applies bind mounts and
// switches into the root filesystem when one is configured.
func enterFilesystem(req initRequest) error {
	if !req.EnableNs {
		if req.Isolation.RootFS != "" || len(req.RunSpec.BindMounts) > 0 {
			return fmt.Errorf("rootfs and bind mounts need namespaces")
		}
		return nil
	}
	if err := unix.Mount("", "/", "", unix.MS_REC|unix.MS_PRIVATE, ""); err != nil {
		return fmt.Errorf("make mount private: %w", err)
	}
	if err := unix.Sethostname([]byte(sandboxHostname)); err != nil {
		return fmt.Errorf("set hostname: %w", err)
	}
	if err := applyBindMounts(req.Isolation.RootFS, req.RunSpec.BindMounts); err != nil {
		return err
	}
	if req.Isolation.RootFS == "" {
		return nil
	}
	if err := unix.Chroot(req.Isolation.RootFS); err != nil {
		return fmt.Errorf("chroot: %w", err)
	}
	if err := os.Chdir("/"); err != nil {
		return fmt.Errorf("chdir root: %w", err)
	}
	return nil
}

// buildEnv returns the command environment. PATH and HOME are filled in when
// the caller leaves them out; build tools and the JVM expect both.
func buildEnv(env []string, workDir string) []string {
	out := make([]string, 0, len(env)+2)
	hasPath, hasHome := false, false
	for _, kv := range env {
		switch {
		case strings.HasPrefix(kv, "PATH="):
			hasPath = true
		case strings.HasPrefix(kv, "HOME="):
			hasHome = true
		}
		out = append(out, kv)
	}
	if !hasPath {
		out = append(out, "PATH="+defaultPath)
	}
	if !hasHome {
		out = append(out, "HOME="+workDir)
	}
	return out
}

func replaceEnv(env []string) error {
	os.Clearenv()
	for _, kv := range env {
		key, value, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		if err := os.Setenv(key, value); err != nil {
			return fmt.Errorf("set env: %w", err)
		}
	}
	return nil
}
