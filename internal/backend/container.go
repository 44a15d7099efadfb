package backend

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/hochfrequenz/run-orchestrator/internal/config"
	"github.com/hochfrequenz/run-orchestrator/internal/domain"
)

// Container layers a disposable container on top of the VM backend. Each
// Exec runs in a fresh named container that bind-mounts the run's remote
// workspace; teardown is deferred so the container is removed on success,
// failure, and timeout alike.
type Container struct {
	vm     *VM
	cfg    config.ContainerConfig
	logger *zap.Logger
}

// NewContainer creates a container backend over the given VM
func NewContainer(vm *VM, cfg config.ContainerConfig, logger *zap.Logger) *Container {
	return &Container{vm: vm, cfg: cfg, logger: logger}
}

// Kind returns the backend kind
func (c *Container) Kind() domain.BackendKind { return domain.BackendVMContainer }

// Exec runs command inside a disposable container on the VM
func (c *Container) Exec(ctx context.Context, cwd, command string, env map[string]string, timeout time.Duration) (*Result, error) {
	name := "run-" + randomSuffix()

	defer func() {
		// Removal must not inherit a cancelled or expired context
		rmCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		rm := fmt.Sprintf("%s rm -f %s >/dev/null 2>&1 || true", c.cfg.Runtime, name)
		if _, err := c.vm.Exec(rmCtx, "/", rm, nil, 30*time.Second); err != nil {
			c.logger.Warn("container teardown failed",
				zap.String("container", name), zap.Error(err))
		}
	}()

	// Secrets are injected as container env vars only; they never land in
	// the workspace
	envFlags := ""
	for k, v := range c.cfg.Secrets {
		envFlags += fmt.Sprintf(" -e %s=%s", k, shQuote(v))
	}
	for k, v := range env {
		envFlags += fmt.Sprintf(" -e %s=%s", k, shQuote(v))
	}

	runCmd := fmt.Sprintf("%s run --name %s -v %s:%s -w %s%s %s sh -c %s",
		c.cfg.Runtime, name,
		shQuote(cwd), shQuote(cwd), shQuote(cwd),
		envFlags, c.cfg.Image, shQuote(command))

	res, err := c.vm.Exec(ctx, "/", runCmd, nil, timeout)
	if err != nil {
		return nil, fmt.Errorf("container exec: %w", err)
	}
	return res, nil
}

// Upload delegates to the VM; the workspace is bind-mounted
func (c *Container) Upload(ctx context.Context, localPath, remotePath string) error {
	return c.vm.Upload(ctx, localPath, remotePath)
}

// Download delegates to the VM; the workspace is bind-mounted
func (c *Container) Download(ctx context.Context, remotePath, localPath string) error {
	return c.vm.Download(ctx, remotePath, localPath)
}

// Available requires both a reachable VM and a working container runtime
func (c *Container) Available(ctx context.Context) error {
	if err := c.vm.Available(ctx); err != nil {
		return err
	}

	res, err := c.vm.Exec(ctx, "/", c.cfg.Runtime+" version --format '{{.Server.Version}}'", nil, probeTimeout)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("container runtime %q absent on %s: %w",
			c.cfg.Runtime, c.vm.cfg.Host, domain.ErrBackendUnavailable)
	}
	return nil
}

// Close is a no-op; containers are per-command
func (c *Container) Close() error { return nil }

func randomSuffix() string {
	b := make([]byte, 4)
	rand.Read(b)
	return hex.EncodeToString(b)
}
