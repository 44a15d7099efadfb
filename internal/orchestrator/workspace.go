package orchestrator

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hochfrequenz/run-orchestrator/internal/artifact"
	"github.com/hochfrequenz/run-orchestrator/internal/backend"
	"github.com/hochfrequenz/run-orchestrator/internal/domain"
)

// workspace is where a run's agents work on the code. Local runs work
// directly in the worktree; remote runs work in a clone on the VM that is
// synced back through git bundles.
type workspace interface {
	// Cwd is the directory agent and test commands execute in
	Cwd() string
	// Sync commits whatever the builder left uncommitted and brings the
	// branch state back into the local worktree
	Sync(ctx context.Context) error
	Cleanup(ctx context.Context)
}

type localWorkspace struct {
	path string
}

func (w *localWorkspace) Cwd() string { return w.path }

func (w *localWorkspace) Sync(ctx context.Context) error {
	return autoCommit(ctx, w.path)
}

func (w *localWorkspace) Cleanup(context.Context) {}

// remoteWorkspace is a run-scoped clone on the VM. The worktree is shipped
// over as a git bundle at setup; commits come back the same way, so the only
// remote requirements are ssh and git.
type remoteWorkspace struct {
	backend   backend.Backend
	artifacts *artifact.Store
	runID     string
	localPath string
	remoteDir string
	branch    string
	timeout   time.Duration
	logger    *zap.Logger
}

// Conventional log names agents drop in the workspace root; mirrored into
// the bundle at cleanup when present
var remoteLogNames = []string{"agent.log", "build.log"}

func newRemoteWorkspace(ctx context.Context, b backend.Backend, artifacts *artifact.Store, run *domain.Run, localPath, remoteRoot string, timeout time.Duration, logger *zap.Logger) (*remoteWorkspace, error) {
	w := &remoteWorkspace{
		backend:   b,
		artifacts: artifacts,
		runID:     run.ID,
		localPath: localPath,
		remoteDir: path.Join(remoteRoot, run.ID),
		branch:    run.BranchName,
		timeout:   timeout,
		logger:    logger,
	}

	bundle := filepath.Join(os.TempDir(), "run-"+run.ShortID()+".bundle")
	defer os.Remove(bundle)
	if _, err := runGit(ctx, localPath, "bundle", "create", bundle, "--all"); err != nil {
		return nil, fmt.Errorf("bundling worktree: %w", err)
	}

	if err := w.exec(ctx, "/", "mkdir -p "+w.remoteDir); err != nil {
		return nil, fmt.Errorf("creating remote workspace: %w", err)
	}
	if err := b.Upload(ctx, bundle, path.Join(w.remoteDir, "repo.bundle")); err != nil {
		return nil, fmt.Errorf("uploading repo bundle: %w", err)
	}
	clone := fmt.Sprintf("git clone repo.bundle repo && cd repo && git checkout %s", w.branch)
	if err := w.exec(ctx, w.remoteDir, clone); err != nil {
		return nil, fmt.Errorf("cloning on remote: %w", err)
	}

	return w, nil
}

func (w *remoteWorkspace) Cwd() string { return path.Join(w.remoteDir, "repo") }

func (w *remoteWorkspace) Sync(ctx context.Context) error {
	commit := `git add -A && (git diff --cached --quiet || git commit -m "checkpoint uncommitted changes")`
	if err := w.exec(ctx, w.Cwd(), commit); err != nil {
		return fmt.Errorf("committing remote state: %w", err)
	}
	if err := w.exec(ctx, w.Cwd(), "git bundle create ../back.bundle "+w.branch); err != nil {
		return fmt.Errorf("bundling remote branch: %w", err)
	}

	local := filepath.Join(os.TempDir(), "back-"+w.runID+".bundle")
	defer os.Remove(local)
	if err := w.backend.Download(ctx, path.Join(w.remoteDir, "back.bundle"), local); err != nil {
		return fmt.Errorf("downloading branch bundle: %w", err)
	}

	if _, err := runGit(ctx, w.localPath, "fetch", local, w.branch); err != nil {
		return err
	}
	if _, err := runGit(ctx, w.localPath, "reset", "--hard", "FETCH_HEAD"); err != nil {
		return err
	}
	return nil
}

func (w *remoteWorkspace) Cleanup(ctx context.Context) {
	w.artifacts.MirrorRemote(ctx, w.backend, w.runID, w.remoteDir+"/repo", remoteLogNames)

	if err := w.exec(ctx, "/", "rm -rf "+w.remoteDir); err != nil {
		w.logger.Warn("removing remote workspace failed",
			zap.String("run_id", w.runID), zap.Error(err))
	}
}

func (w *remoteWorkspace) exec(ctx context.Context, cwd, command string) error {
	res, err := w.backend.Exec(ctx, cwd, command, nil, w.timeout)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("%s: exit %d: %s", command, res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return nil
}

// autoCommit commits anything the builder left uncommitted so review and
// merge always see the complete work
func autoCommit(ctx context.Context, dir string) error {
	status, err := runGit(ctx, dir, "status", "--porcelain")
	if err != nil {
		return err
	}
	if status == "" {
		return nil
	}
	if _, err := runGit(ctx, dir, "add", "-A"); err != nil {
		return err
	}
	_, err = runGit(ctx, dir, "commit", "-m", "checkpoint uncommitted changes")
	return err
}

// diffAgainstBase returns the branch's committed diff since it left base
func diffAgainstBase(ctx context.Context, dir, base string) (string, error) {
	return runGit(ctx, dir, "diff", base+"...HEAD")
}

func runGit(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git %s: %s: %w", strings.Join(args, " "), strings.TrimSpace(string(out)), err)
	}
	return strings.TrimSpace(string(out)), nil
}
