package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/hochfrequenz/run-orchestrator/internal/domain"
)

// Local executes commands as child processes on the host
type Local struct{}

// NewLocal creates a local process backend
func NewLocal() *Local {
	return &Local{}
}

// Kind returns the backend kind
func (l *Local) Kind() domain.BackendKind { return domain.BackendLocal }

// Exec spawns `sh -c command` in cwd with the extra env appended
func (l *Local) Exec(ctx context.Context, cwd, command string, env map[string]string, timeout time.Duration) (*Result, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = cwd
	cmd.Env = os.Environ()
	for k, v := range env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	// The command gets its own process group, and cancellation kills the
	// whole group: a background child must not outlive the timeout or hold
	// the output pipes open past it
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = 5 * time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := &Result{Stdout: stdout.String(), Stderr: stderr.String()}

	if err != nil {
		// A killed process after cancellation is not a command failure
		switch ctx.Err() {
		case context.DeadlineExceeded:
			return nil, fmt.Errorf("local exec %q: %w", command, domain.ErrRemoteExecTimeout)
		case context.Canceled:
			return nil, fmt.Errorf("local exec %q: %w", command, context.Canceled)
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return nil, fmt.Errorf("local exec %q: %w", command, err)
	}

	return res, nil
}

// Upload copies a file; local execution shares the host filesystem
func (l *Local) Upload(ctx context.Context, localPath, remotePath string) error {
	return copyFile(localPath, remotePath)
}

// Download copies a file; local execution shares the host filesystem
func (l *Local) Download(ctx context.Context, remotePath, localPath string) error {
	return copyFile(remotePath, localPath)
}

// Available always succeeds: the local backend is the last fallback tier
func (l *Local) Available(ctx context.Context) error { return nil }

// Close is a no-op
func (l *Local) Close() error { return nil }

func copyFile(src, dst string) error {
	if src == dst {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
