package worktree

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"github.com/hochfrequenz/run-orchestrator/internal/domain"
)

func gitRun(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("git %v failed: %s", args, out)
	}
}

func setupGitRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	gitRun(t, dir, "init", "-b", "main")
	gitRun(t, dir, "config", "user.email", "test@test.com")
	gitRun(t, dir, "config", "user.name", "Test")

	os.WriteFile(filepath.Join(dir, "README.md"), []byte("# Test"), 0644)
	gitRun(t, dir, "add", ".")
	gitRun(t, dir, "commit", "-m", "Initial commit")

	return dir
}

func newTestManager(t *testing.T, repoDir string) *Manager {
	t.Helper()
	return NewManager(repoDir, t.TempDir(), "main", nil, zap.NewNop())
}

func testRun(id, workOrderID string) *domain.Run {
	return &domain.Run{ID: id, WorkOrderID: workOrderID}
}

func TestManager_Create(t *testing.T) {
	repoDir := setupGitRepo(t)
	mgr := newTestManager(t, repoDir)

	run := testRun("0123456789abcdef", "wo-001")
	wo := &domain.WorkOrder{ID: "wo-001"}

	wtPath, base, err := mgr.Create(run, wo, "")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := os.Stat(wtPath); os.IsNotExist(err) {
		t.Error("worktree directory not created")
	}
	if base != "main" {
		t.Errorf("base = %q, want main (current HEAD)", base)
	}

	cmd := exec.Command("git", "branch", "--list", "run/wo-001-01234567")
	cmd.Dir = repoDir
	out, _ := cmd.Output()
	if len(out) == 0 {
		t.Error("branch run/wo-001-01234567 not created")
	}
}

func TestManager_Create_Disjoint(t *testing.T) {
	repoDir := setupGitRepo(t)
	mgr := newTestManager(t, repoDir)

	wo := &domain.WorkOrder{ID: "wo-001"}
	r1 := testRun("aaaaaaaabbbbbbbb", "wo-001")
	r2 := testRun("ccccccccdddddddd", "wo-001")

	p1, _, err := mgr.Create(r1, wo, "")
	if err != nil {
		t.Fatal(err)
	}
	p2, _, err := mgr.Create(r2, wo, "")
	if err != nil {
		t.Fatal(err)
	}

	if p1 == p2 {
		t.Errorf("concurrent runs share worktree path %q", p1)
	}

	// A file written in one worktree must not appear in the other
	if err := os.WriteFile(filepath.Join(p1, "only-r1.txt"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(p2, "only-r1.txt")); !os.IsNotExist(err) {
		t.Error("file written in r1's worktree is visible in r2's")
	}
}

func TestResolveBase_OverrideChain(t *testing.T) {
	repoDir := setupGitRepo(t)
	gitRun(t, repoDir, "branch", "feat-x")
	gitRun(t, repoDir, "branch", "develop")

	mgr := newTestManager(t, repoDir)

	// Run override wins
	base, tier, err := mgr.resolveBase("feat-x", "develop")
	if err != nil {
		t.Fatal(err)
	}
	if base != "feat-x" || tier != "run_override" {
		t.Errorf("base = %q (%s), want feat-x (run_override)", base, tier)
	}

	// Work-order default is next
	base, tier, err = mgr.resolveBase("", "develop")
	if err != nil {
		t.Fatal(err)
	}
	if base != "develop" || tier != "work_order_default" {
		t.Errorf("base = %q (%s), want develop (work_order_default)", base, tier)
	}

	// With neither, the current HEAD wins over the trunk fallback
	gitRun(t, repoDir, "checkout", "develop")
	base, tier, err = mgr.resolveBase("", "")
	if err != nil {
		t.Fatal(err)
	}
	if base != "develop" || tier != "current_head" {
		t.Errorf("base = %q (%s), want develop (current_head)", base, tier)
	}
}

func TestResolveBase_DetachedHead(t *testing.T) {
	repoDir := setupGitRepo(t)
	mgr := newTestManager(t, repoDir)

	// Detach HEAD; resolution must skip tier 3 and land on main
	gitRun(t, repoDir, "checkout", "--detach")

	base, tier, err := mgr.resolveBase("", "")
	if err != nil {
		t.Fatal(err)
	}
	if base != "main" || tier != "trunk_fallback" {
		t.Errorf("base = %q (%s), want main (trunk_fallback)", base, tier)
	}
}

func TestResolveBase_MissingOverride(t *testing.T) {
	repoDir := setupGitRepo(t)
	mgr := newTestManager(t, repoDir)

	_, _, err := mgr.resolveBase("no-such-branch", "")
	if err == nil {
		t.Fatal("expected error for missing override branch")
	}
}

func TestManager_Destroy_Idempotent(t *testing.T) {
	repoDir := setupGitRepo(t)
	mgr := newTestManager(t, repoDir)

	run := testRun("0123456789abcdef", "wo-001")
	wo := &domain.WorkOrder{ID: "wo-001"}

	wtPath, _, err := mgr.Create(run, wo, "")
	if err != nil {
		t.Fatal(err)
	}
	run.BranchName = domain.BranchFor(wo.ID, run.ShortID())

	if err := mgr.Destroy(run); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(wtPath); !os.IsNotExist(err) {
		t.Error("worktree directory still exists")
	}

	// Second destroy is a no-op, never an error
	if err := mgr.Destroy(run); err != nil {
		t.Errorf("second Destroy returned %v", err)
	}
}

func TestManager_LinkDirs(t *testing.T) {
	repoDir := setupGitRepo(t)
	depDir := filepath.Join(repoDir, "node_modules")
	os.MkdirAll(depDir, 0755)
	os.WriteFile(filepath.Join(depDir, "marker"), []byte("x"), 0644)

	mgr := NewManager(repoDir, t.TempDir(), "main", []string{"node_modules"}, zap.NewNop())

	run := testRun("0123456789abcdef", "wo-001")
	wtPath, _, err := mgr.Create(run, &domain.WorkOrder{ID: "wo-001"}, "")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := os.Stat(filepath.Join(wtPath, "node_modules", "marker")); err != nil {
		t.Errorf("dependency dir not linked into worktree: %v", err)
	}
}
