// Package worktree manages the per-run git branch + worktree pair. Each run
// gets its own checkout so concurrent runs never share working files.
package worktree

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	gogit "github.com/go-git/go-git/v5"
	"go.uber.org/zap"

	"github.com/hochfrequenz/run-orchestrator/internal/domain"
)

// Manager handles git worktree operations for runs
type Manager struct {
	repoDir     string
	worktreeDir string
	trunkBranch string
	linkDirs    []string
	logger      *zap.Logger
}

// NewManager creates a new worktree Manager
func NewManager(repoDir, worktreeDir, trunkBranch string, linkDirs []string, logger *zap.Logger) *Manager {
	return &Manager{
		repoDir:     repoDir,
		worktreeDir: worktreeDir,
		trunkBranch: trunkBranch,
		linkDirs:    linkDirs,
		logger:      logger,
	}
}

// Create creates the worktree and dedicated branch for a run. The base
// branch is resolved through the override chain: run-level override, then
// work-order default, then the repository's current HEAD, then main/master.
// Returns the worktree path and the resolved base branch.
func (m *Manager) Create(run *domain.Run, wo *domain.WorkOrder, sourceOverride string) (string, string, error) {
	if err := os.MkdirAll(m.worktreeDir, 0755); err != nil {
		return "", "", fmt.Errorf("creating worktree dir: %w", err)
	}

	base, tier, err := m.resolveBase(sourceOverride, wo.BaseBranch)
	if err != nil {
		return "", "", err
	}
	m.logger.Info("resolved base branch",
		zap.String("run_id", run.ID),
		zap.String("base", base),
		zap.String("tier", tier))

	branch := domain.BranchFor(wo.ID, run.ShortID())

	// Worktree path is derived from the unique run id, so two concurrent
	// runs can never collide on path or branch name
	wtPath := filepath.Join(m.worktreeDir, fmt.Sprintf("%s-%s", wo.ID, run.ShortID()))

	cmd := exec.Command("git", "worktree", "add", "-b", branch, wtPath, base)
	cmd.Dir = m.repoDir
	if out, err := cmd.CombinedOutput(); err != nil {
		return "", "", fmt.Errorf("git worktree add: %s: %w", out, err)
	}

	// Symlink dependency trees (node_modules, .venv, ...) so the worktree
	// is self-sufficient without a fresh install
	for _, dir := range m.linkDirs {
		src := filepath.Join(m.repoDir, dir)
		if _, err := os.Stat(src); err != nil {
			continue
		}
		dst := filepath.Join(wtPath, dir)
		os.MkdirAll(filepath.Dir(dst), 0755)
		if err := os.Symlink(src, dst); err != nil && !os.IsExist(err) {
			m.logger.Warn("linking dependency dir failed",
				zap.String("dir", dir), zap.Error(err))
		}
	}

	return wtPath, base, nil
}

// resolveBase walks the override chain and returns the first candidate that
// exists as a ref, along with the tier it came from
func (m *Manager) resolveBase(runOverride, workOrderDefault string) (string, string, error) {
	// Tiers 1 and 2 are explicit requests: if named but missing, that is a
	// setup error, not something to silently fall through
	if runOverride != "" {
		if !m.refExists(runOverride) {
			return "", "", fmt.Errorf("run override branch %q: %w", runOverride, domain.ErrBaseBranchUnresolved)
		}
		return runOverride, "run_override", nil
	}
	if workOrderDefault != "" {
		if !m.refExists(workOrderDefault) {
			return "", "", fmt.Errorf("work order base branch %q: %w", workOrderDefault, domain.ErrBaseBranchUnresolved)
		}
		return workOrderDefault, "work_order_default", nil
	}

	// Tier 3: the repository's current HEAD, skipped when detached
	if head := m.currentHead(); head != "" {
		return head, "current_head", nil
	}

	// Tier 4: conventional trunk names
	for _, candidate := range []string{m.trunkBranch, "main", "master"} {
		if candidate != "" && m.refExists(candidate) {
			return candidate, "trunk_fallback", nil
		}
	}

	return "", "", domain.ErrBaseBranchUnresolved
}

// currentHead returns the branch the repository is currently on, or "" for
// a detached HEAD or unreadable repo
func (m *Manager) currentHead() string {
	repo, err := gogit.PlainOpen(m.repoDir)
	if err != nil {
		return ""
	}
	head, err := repo.Head()
	if err != nil {
		return ""
	}
	if !head.Name().IsBranch() {
		return ""
	}
	return head.Name().Short()
}

func (m *Manager) refExists(ref string) bool {
	cmd := exec.Command("git", "rev-parse", "--verify", "--quiet", ref)
	cmd.Dir = m.repoDir
	return cmd.Run() == nil
}

// Destroy removes a run's worktree and deletes its branch. Idempotent: safe
// to call repeatedly and after partial failure.
func (m *Manager) Destroy(run *domain.Run) error {
	wtPath := m.PathFor(run)

	cmd := exec.Command("git", "worktree", "remove", "--force", wtPath)
	cmd.Dir = m.repoDir
	cmd.Run() // worktree may already be gone

	cmd = exec.Command("git", "worktree", "prune")
	cmd.Dir = m.repoDir
	cmd.Run()

	if run.BranchName != "" {
		cmd = exec.Command("git", "branch", "-D", run.BranchName)
		cmd.Dir = m.repoDir
		cmd.Run() // branch may already be gone or merged away
	}

	// Catch leftovers from a partially removed worktree
	if err := os.RemoveAll(wtPath); err != nil {
		return fmt.Errorf("removing worktree dir: %w", err)
	}

	return nil
}

// PathFor returns the worktree path for a run
func (m *Manager) PathFor(run *domain.Run) string {
	return filepath.Join(m.worktreeDir, fmt.Sprintf("%s-%s", run.WorkOrderID, run.ShortID()))
}

// List returns all active worktree paths under the manager's directory
func (m *Manager) List() ([]string, error) {
	cmd := exec.Command("git", "worktree", "list", "--porcelain")
	cmd.Dir = m.repoDir
	out, err := cmd.Output()
	if err != nil {
		return nil, err
	}

	var paths []string
	for _, line := range strings.Split(string(out), "\n") {
		if strings.HasPrefix(line, "worktree ") {
			path := strings.TrimPrefix(line, "worktree ")
			if strings.HasPrefix(path, m.worktreeDir) {
				paths = append(paths, path)
			}
		}
	}

	return paths, nil
}
