package orchestrator

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/hochfrequenz/run-orchestrator/internal/artifact"
	"github.com/hochfrequenz/run-orchestrator/internal/config"
	"github.com/hochfrequenz/run-orchestrator/internal/domain"
	"github.com/hochfrequenz/run-orchestrator/internal/runstore"
)

// builderScript is a stand-in agent: normally it writes and commits a change;
// when the prompt carries a merge conflict it merges trunk into the branch
// instead, taking trunk's side of conflicting hunks.
const builderScript = `case {prompt} in ` +
	`*'Merge conflict to resolve'*) git merge -X theirs -m resolve main ;; ` +
	`*) echo "change-$$" > shared.txt && git add -A && git commit -q -m work ;; ` +
	`esac; echo '{"summary":"did work"}'`

const approveScript = `true {prompt}; echo '{"verdict":"approved"}'`

func gitRun(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %v: %s: %v", args, out, err)
	}
	return strings.TrimSpace(string(out))
}

func setupProjectRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	gitRun(t, dir, "init", "-b", "main")
	gitRun(t, dir, "config", "user.email", "test@example.com")
	gitRun(t, dir, "config", "user.name", "Test")
	if err := os.WriteFile(filepath.Join(dir, "shared.txt"), []byte("base\n"), 0644); err != nil {
		t.Fatal(err)
	}
	gitRun(t, dir, "add", ".")
	gitRun(t, dir, "commit", "-m", "initial")
	return dir
}

func newTestOrchestrator(t *testing.T, repoDir string) (*Orchestrator, *config.Config, *runstore.Store, *artifact.Store) {
	t.Helper()
	base := t.TempDir()

	cfg := config.Default()
	cfg.General.WorktreeDir = filepath.Join(base, "worktrees")
	cfg.General.ArtifactDir = filepath.Join(base, "artifacts")
	cfg.General.QueueDir = filepath.Join(base, "queue")
	cfg.General.MaxParallel = 2
	cfg.Project.ID = "proj"
	cfg.Project.RepoDir = repoDir
	cfg.Project.TrunkBranch = "main"
	cfg.Project.IsolationMode = "local"
	cfg.Project.TestCommand = "exit 0"
	cfg.Builder.Command = builderScript
	cfg.Builder.ReviewerCommand = approveScript
	cfg.Builder.MaxIterations = 2
	cfg.Builder.TestOutputTailLines = 50

	store, err := runstore.New(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	arts := artifact.NewStore(cfg.General.ArtifactDir, zap.NewNop())
	return New(cfg, store, arts, zap.NewNop()), cfg, store, arts
}

func TestOrchestrator_EndToEndMerge(t *testing.T) {
	repo := setupProjectRepo(t)
	o, cfg, store, arts := newTestOrchestrator(t, repo)

	wo := &domain.WorkOrder{ID: "wo-1", Title: "Change shared.txt", Criteria: "shared.txt is changed"}
	run, err := o.StartRun(wo, "")
	if err != nil {
		t.Fatal(err)
	}
	o.Wait()

	got, err := store.GetRun(run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.RunMerged {
		t.Fatalf("status = %s (reason %q), want merged", got.Status, got.Reason)
	}
	if got.MergeStatus != domain.MergeMerged {
		t.Errorf("merge status = %s", got.MergeStatus)
	}
	if got.SourceBranch != "main" {
		t.Errorf("source branch = %q", got.SourceBranch)
	}
	if want := domain.BranchFor("wo-1", run.ShortID()); got.BranchName != want {
		t.Errorf("branch = %q, want %q", got.BranchName, want)
	}
	if got.Backend != domain.BackendLocal {
		t.Errorf("backend = %q", got.Backend)
	}

	// Trunk carries the change
	data, _ := os.ReadFile(filepath.Join(repo, "shared.txt"))
	if string(data) == "base\n" {
		t.Error("trunk still has the base content")
	}

	// Worktree and branch are gone
	wt := filepath.Join(cfg.General.WorktreeDir, "wo-1-"+run.ShortID())
	if _, err := os.Stat(wt); !os.IsNotExist(err) {
		t.Errorf("worktree still present at %s", wt)
	}

	// Provenance and artifacts are in place
	owner, _ := store.LastTouchedBy("proj", "shared.txt")
	if owner != run.ID {
		t.Errorf("LastTouchedBy = %q, want %q", owner, run.ID)
	}
	diff, _ := arts.ReadDiff(run.ID)
	if !strings.Contains(diff, "shared.txt") {
		t.Errorf("diff artifact missing change:\n%s", diff)
	}

	history, _ := store.ListIterations(run.ID)
	if len(history) != 1 || history[0].Verdict != domain.VerdictApproved {
		t.Errorf("history = %+v", history)
	}
}

func TestOrchestrator_FailsAtIterationCap(t *testing.T) {
	repo := setupProjectRepo(t)
	o, cfg, store, _ := newTestOrchestrator(t, repo)
	cfg.Project.TestCommand = "echo nope; exit 1"

	wo := &domain.WorkOrder{ID: "wo-1", Title: "Doomed", Criteria: "never passes"}
	run, err := o.StartRun(wo, "")
	if err != nil {
		t.Fatal(err)
	}
	o.Wait()

	got, _ := store.GetRun(run.ID)
	if got.Status != domain.RunFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if !strings.Contains(got.Reason, "iteration") {
		t.Errorf("reason = %q", got.Reason)
	}

	history, _ := store.ListIterations(run.ID)
	if len(history) != 2 {
		t.Errorf("history = %d records, want 2", len(history))
	}

	// Failed runs keep their worktree for inspection
	wt := filepath.Join(cfg.General.WorktreeDir, "wo-1-"+run.ShortID())
	if _, err := os.Stat(wt); err != nil {
		t.Errorf("worktree missing: %v", err)
	}
}

func TestOrchestrator_ConflictResolved(t *testing.T) {
	repo := setupProjectRepo(t)
	o, _, store, _ := newTestOrchestrator(t, repo)

	// A branch frozen at the initial commit, so the second run works from a
	// base that will be stale after the first run merges
	gitRun(t, repo, "branch", "stale")

	run1, err := o.StartRun(&domain.WorkOrder{ID: "wo-1", Title: "First change", Criteria: "x"}, "")
	if err != nil {
		t.Fatal(err)
	}
	o.Wait()
	if got, _ := store.GetRun(run1.ID); got.Status != domain.RunMerged {
		t.Fatalf("run1 status = %s (reason %q)", got.Status, got.Reason)
	}

	run2, err := o.StartRun(&domain.WorkOrder{ID: "wo-2", Title: "Second change", Criteria: "x"}, "stale")
	if err != nil {
		t.Fatal(err)
	}
	o.Wait()

	got, _ := store.GetRun(run2.ID)
	if got.Status != domain.RunMerged {
		t.Fatalf("run2 status = %s (reason %q), want merged after resolution", got.Status, got.Reason)
	}
	if got.ConflictWithRunID != run1.ID {
		t.Errorf("ConflictWithRunID = %q, want %q", got.ConflictWithRunID, run1.ID)
	}
	if got.BuilderIteration != 2 {
		t.Errorf("BuilderIteration = %d, want 2 (resolution consumed a slot)", got.BuilderIteration)
	}

	history, _ := store.ListIterations(run2.ID)
	if len(history) != 2 {
		t.Errorf("history = %d records, want 2", len(history))
	}
}

type blockedGate struct{}

func (blockedGate) Allow(string) error { return fmt.Errorf("monthly budget exhausted") }

func TestOrchestrator_BudgetGate(t *testing.T) {
	repo := setupProjectRepo(t)
	o, _, store, _ := newTestOrchestrator(t, repo)
	o.Budget = blockedGate{}

	_, err := o.StartRun(&domain.WorkOrder{ID: "wo-1", Title: "Blocked"}, "")
	if !errors.Is(err, domain.ErrBudgetBlocked) {
		t.Fatalf("err = %v, want ErrBudgetBlocked", err)
	}

	runs, _ := store.ListRuns(runstore.ListOptions{})
	if len(runs) != 0 {
		t.Errorf("blocked start created %d runs", len(runs))
	}
}

func TestOrchestrator_CancelRun(t *testing.T) {
	repo := setupProjectRepo(t)
	o, cfg, store, _ := newTestOrchestrator(t, repo)
	cfg.Builder.Command = `sleep 30; echo '{"summary":"never"}'`

	run, err := o.StartRun(&domain.WorkOrder{ID: "wo-1", Title: "Slow"}, "")
	if err != nil {
		t.Fatal(err)
	}

	// Wait for the run to reach the builder before cancelling
	deadline := time.Now().Add(10 * time.Second)
	for {
		got, _ := store.GetRun(run.ID)
		if got.Status == domain.RunBuilding {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("run never started building, status = %s", got.Status)
		}
		time.Sleep(20 * time.Millisecond)
	}

	if err := o.CancelRun(run.ID); err != nil {
		t.Fatal(err)
	}
	o.Wait()

	got, _ := store.GetRun(run.ID)
	if got.Status != domain.RunCancelled {
		t.Fatalf("status = %s (reason %q), want cancelled", got.Status, got.Reason)
	}

	// Cancelling a terminal run is rejected
	if err := o.CancelRun(run.ID); !errors.Is(err, domain.ErrRunTerminal) {
		t.Errorf("second cancel err = %v, want ErrRunTerminal", err)
	}
}

func TestOrchestrator_CancelWhileMerging(t *testing.T) {
	repo := setupProjectRepo(t)
	o, cfg, store, _ := newTestOrchestrator(t, repo)

	// Another holder keeps the project lock, parking the run in merging
	if _, err := store.TryAcquireMergeLock("proj", "other-run", time.Minute); err != nil {
		t.Fatal(err)
	}

	run, err := o.StartRun(&domain.WorkOrder{ID: "wo-1", Title: "Blocked merge"}, "")
	if err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(10 * time.Second)
	for {
		got, _ := store.GetRun(run.ID)
		if got.Status == domain.RunMerging {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("run never reached merging, status = %s (reason %q)", got.Status, got.Reason)
		}
		time.Sleep(20 * time.Millisecond)
	}

	if err := o.CancelRun(run.ID); err != nil {
		t.Fatal(err)
	}
	o.Wait()

	got, _ := store.GetRun(run.ID)
	if got.Status != domain.RunCancelled {
		t.Fatalf("status = %s (reason %q), want cancelled", got.Status, got.Reason)
	}

	// Cancellation cleans up the worktree like any other cancel
	wt := filepath.Join(cfg.General.WorktreeDir, "wo-1-"+run.ShortID())
	if _, err := os.Stat(wt); !os.IsNotExist(err) {
		t.Errorf("worktree still present at %s", wt)
	}
}

func TestOrchestrator_RecoverOrphans(t *testing.T) {
	repo := setupProjectRepo(t)
	o, _, store, _ := newTestOrchestrator(t, repo)

	orphan := &domain.Run{
		ID:          "orphan-1",
		WorkOrderID: "wo-9",
		ProjectID:   "proj",
		Status:      domain.RunBuilding,
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}
	if err := store.CreateRun(orphan); err != nil {
		t.Fatal(err)
	}
	if _, err := store.TryAcquireMergeLock("proj", orphan.ID, time.Minute); err != nil {
		t.Fatal(err)
	}

	if err := o.RecoverOrphans(); err != nil {
		t.Fatal(err)
	}

	got, _ := store.GetRun(orphan.ID)
	if got.Status != domain.RunFailed || got.Reason != "orphaned by restart" {
		t.Errorf("orphan = %s (%q)", got.Status, got.Reason)
	}
	lock, _ := store.GetMergeLock("proj")
	if lock != nil {
		t.Errorf("orphan lock not released: %+v", lock)
	}
}
