package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hochfrequenz/run-orchestrator/internal/config"
	"github.com/hochfrequenz/run-orchestrator/internal/domain"
)

const probeTimeout = 15 * time.Second

// VM executes commands on a persistent per-project VM over SSH. It shells
// out to the ssh/scp CLIs rather than carrying an SSH library, matching how
// the rest of the system drives git and the agent CLIs.
type VM struct {
	cfg    config.VMConfig
	logger *zap.Logger

	mu         sync.Mutex
	startTried bool // the stopped VM is started at most once
}

// NewVM creates a remote VM backend
func NewVM(cfg config.VMConfig, logger *zap.Logger) *VM {
	return &VM{cfg: cfg, logger: logger}
}

// Kind returns the backend kind
func (v *VM) Kind() domain.BackendKind { return domain.BackendVM }

func (v *VM) target() string {
	if v.cfg.User != "" {
		return v.cfg.User + "@" + v.cfg.Host
	}
	return v.cfg.Host
}

func (v *VM) sshArgs() []string {
	args := []string{"-o", "BatchMode=yes", "-o", "ConnectTimeout=10"}
	if v.cfg.Port != 0 && v.cfg.Port != 22 {
		args = append(args, "-p", strconv.Itoa(v.cfg.Port))
	}
	if v.cfg.IdentityFile != "" {
		args = append(args, "-i", v.cfg.IdentityFile)
	}
	return args
}

// Exec runs command on the VM inside cwd
func (v *VM) Exec(ctx context.Context, cwd, command string, env map[string]string, timeout time.Duration) (*Result, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	remote := fmt.Sprintf("cd %s && %s%s", shQuote(cwd), envPrefix(env), command)
	args := append(v.sshArgs(), v.target(), remote)

	cmd := exec.CommandContext(ctx, "ssh", args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := &Result{Stdout: stdout.String(), Stderr: stderr.String()}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code := exitErr.ExitCode()
			// ssh itself exits 255 when the connection fails
			if code == 255 {
				return nil, fmt.Errorf("ssh to %s: %s: %w", v.cfg.Host, stderr.String(), domain.ErrRemoteUnreachable)
			}
			res.ExitCode = code
			return res, nil
		}
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("remote exec on %s: %w", v.cfg.Host, domain.ErrRemoteExecTimeout)
		}
		return nil, fmt.Errorf("remote exec on %s: %w", v.cfg.Host, err)
	}

	return res, nil
}

// Upload copies a host file to the VM via scp
func (v *VM) Upload(ctx context.Context, localPath, remotePath string) error {
	return v.scp(ctx, localPath, v.target()+":"+remotePath)
}

// Download copies a VM file to the host via scp
func (v *VM) Download(ctx context.Context, remotePath, localPath string) error {
	return v.scp(ctx, v.target()+":"+remotePath, localPath)
}

func (v *VM) scp(ctx context.Context, src, dst string) error {
	args := []string{"-o", "BatchMode=yes", "-o", "ConnectTimeout=10"}
	if v.cfg.Port != 0 && v.cfg.Port != 22 {
		args = append(args, "-P", strconv.Itoa(v.cfg.Port))
	}
	if v.cfg.IdentityFile != "" {
		args = append(args, "-i", v.cfg.IdentityFile)
	}
	args = append(args, src, dst)

	cmd := exec.CommandContext(ctx, "scp", args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("scp %s -> %s: %s: %w", src, dst, out, domain.ErrRemoteUnreachable)
	}
	return nil
}

// Available probes the VM with a trivial command. If the VM is down and a
// start command is configured, it is invoked once before the probe is
// retried; further failures surface as ErrRemoteUnreachable.
func (v *VM) Available(ctx context.Context) error {
	if v.cfg.Host == "" {
		return fmt.Errorf("no VM host configured: %w", domain.ErrBackendUnavailable)
	}

	if err := v.probe(ctx); err == nil {
		return nil
	}

	v.mu.Lock()
	tried := v.startTried
	v.startTried = true
	v.mu.Unlock()

	if v.cfg.StartCommand != "" && !tried {
		v.logger.Info("VM unreachable, attempting start", zap.String("host", v.cfg.Host))
		startCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
		defer cancel()
		cmd := exec.CommandContext(startCtx, "sh", "-c", v.cfg.StartCommand)
		if out, err := cmd.CombinedOutput(); err != nil {
			return fmt.Errorf("starting VM %s: %s: %w", v.cfg.Host, out, domain.ErrRemoteUnreachable)
		}
		if err := v.probe(ctx); err == nil {
			return nil
		}
	}

	return fmt.Errorf("VM %s: %w", v.cfg.Host, domain.ErrRemoteUnreachable)
}

func (v *VM) probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	args := append(v.sshArgs(), v.target(), "true")
	return exec.CommandContext(ctx, "ssh", args...).Run()
}

// Close is a no-op; ssh sessions are per-command
func (v *VM) Close() error { return nil }
