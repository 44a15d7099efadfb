// Package merge serializes trunk merges per project and reconstructs the
// context a builder needs when its branch conflicts with already-merged work.
package merge

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hochfrequenz/run-orchestrator/internal/config"
	"github.com/hochfrequenz/run-orchestrator/internal/domain"
)

// Store is the persistence surface the coordinator needs: the merge lock,
// the file provenance index, and iteration history for conflict context.
type Store interface {
	TryAcquireMergeLock(projectID, runID string, ttl time.Duration) (bool, error)
	ReleaseMergeLock(projectID, runID string) error
	RecordMergedFiles(projectID, runID string, files []string, mergedAt time.Time) error
	LastTouchedBy(projectID, filePath string) (string, error)
	ListIterations(runID string) ([]domain.IterationRecord, error)
}

// ArtifactReader reads persisted run diffs for conflict context
type ArtifactReader interface {
	ReadDiff(runID string) (string, error)
}

// Coordinator performs trunk merges under the per-project merge lock
type Coordinator struct {
	store     Store
	artifacts ArtifactReader
	repoDir   string
	trunk     string
	cfg       config.MergeConfig
	logger    *zap.Logger

	// Intent returns the work-order intent behind a run, for conflict
	// context. Optional; missing intents degrade the context, not the merge.
	Intent func(runID string) (string, error)
}

// NewCoordinator creates a merge Coordinator for one project repository
func NewCoordinator(store Store, artifacts ArtifactReader, repoDir, trunk string, cfg config.MergeConfig, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		store:     store,
		artifacts: artifacts,
		repoDir:   repoDir,
		trunk:     trunk,
		cfg:       cfg,
		logger:    logger,
		Intent:    func(string) (string, error) { return "", nil },
	}
}

// AcquireLock blocks until runID holds the project's merge lock, polling at
// the configured interval. Returns ErrMergeLockTimeout when the wait budget
// runs out: the caller keeps its branch and can retry later.
func (c *Coordinator) AcquireLock(ctx context.Context, projectID, runID string) error {
	deadline := time.Now().Add(c.cfg.WaitTimeout.Std())

	for {
		ok, err := c.store.TryAcquireMergeLock(projectID, runID, c.cfg.LockTTL.Std())
		if err != nil {
			return fmt.Errorf("acquiring merge lock: %w", err)
		}
		if ok {
			c.logger.Info("merge lock acquired",
				zap.String("project_id", projectID), zap.String("run_id", runID))
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("merge lock for %s held elsewhere after %s: %w",
				projectID, c.cfg.WaitTimeout.Std(), domain.ErrMergeLockTimeout)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.cfg.PollInterval.Std()):
		}
	}
}

// ReleaseLock releases the merge lock if runID still holds it
func (c *Coordinator) ReleaseLock(projectID, runID string) {
	if err := c.store.ReleaseMergeLock(projectID, runID); err != nil {
		c.logger.Warn("releasing merge lock failed",
			zap.String("project_id", projectID), zap.String("run_id", runID), zap.Error(err))
	}
}

// Merge merges the run's branch into trunk. The caller must hold the merge
// lock. On success the changed files are recorded in the provenance index and
// returned. On a conflict the merge is aborted, the repository is left clean,
// and the returned error wraps ErrMergeConflict alongside a ConflictContext
// describing the colliding run.
func (c *Coordinator) Merge(ctx context.Context, run *domain.Run) ([]string, *domain.ConflictContext, error) {
	if err := c.prepareTrunk(ctx); err != nil {
		return nil, nil, err
	}

	msg := fmt.Sprintf("Merge %s (%s)", run.BranchName, run.WorkOrderID)
	_, err := c.git(ctx, "merge", "--no-ff", "-m", msg, run.BranchName)
	if err == nil {
		files, ferr := c.changedFiles(ctx)
		if ferr != nil {
			return nil, nil, ferr
		}
		if perr := c.store.RecordMergedFiles(run.ProjectID, run.ID, files, time.Now()); perr != nil {
			c.logger.Warn("recording merge provenance failed",
				zap.String("run_id", run.ID), zap.Error(perr))
		}
		c.logger.Info("merged into trunk",
			zap.String("run_id", run.ID),
			zap.String("branch", run.BranchName),
			zap.Int("files", len(files)))
		return files, nil, nil
	}

	conflicted, cerr := c.conflictedFiles(ctx)
	if cerr != nil || len(conflicted) == 0 {
		// Not a content conflict, some other git failure
		c.git(ctx, "merge", "--abort")
		return nil, nil, fmt.Errorf("git merge %s: %w", run.BranchName, err)
	}

	cc := c.buildConflictContext(run, conflicted)
	if _, aerr := c.git(ctx, "merge", "--abort"); aerr != nil {
		c.logger.Warn("aborting conflicted merge failed", zap.Error(aerr))
	}

	return nil, cc, fmt.Errorf("merging %s conflicts on %d file(s): %w",
		run.BranchName, len(conflicted), domain.ErrMergeConflict)
}

// prepareTrunk puts the repository on a clean trunk checkout, clearing any
// merge a crashed run left half-finished and any stray uncommitted changes
func (c *Coordinator) prepareTrunk(ctx context.Context) error {
	c.git(ctx, "merge", "--abort") // no-op unless a merge is in progress

	if out, err := c.git(ctx, "checkout", "--force", c.trunk); err != nil {
		return fmt.Errorf("checking out %s: %s: %w", c.trunk, out, err)
	}
	if out, err := c.git(ctx, "reset", "--hard", "HEAD"); err != nil {
		return fmt.Errorf("resetting %s: %s: %w", c.trunk, out, err)
	}
	return nil
}

// changedFiles lists the files the merge just brought into trunk
func (c *Coordinator) changedFiles(ctx context.Context) ([]string, error) {
	out, err := c.git(ctx, "diff", "--name-only", "ORIG_HEAD", "HEAD")
	if err != nil {
		return nil, fmt.Errorf("listing merged files: %s: %w", out, err)
	}
	return splitLines(out), nil
}

// conflictedFiles lists the unmerged paths of an in-progress merge
func (c *Coordinator) conflictedFiles(ctx context.Context) ([]string, error) {
	out, err := c.git(ctx, "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil, err
	}
	return splitLines(out), nil
}

// buildConflictContext reconstructs what the colliding run did from the
// provenance index, its iteration history, and its persisted diff. Everything
// here is best-effort: a thinner context still beats a bare conflict marker.
func (c *Coordinator) buildConflictContext(run *domain.Run, files []string) *domain.ConflictContext {
	cc := &domain.ConflictContext{Files: files}

	// The run that last merged a change to any conflicted file is the
	// collision partner. Ties are resolved by first hit; the files almost
	// always point at a single run.
	for _, f := range files {
		other, err := c.store.LastTouchedBy(run.ProjectID, f)
		if err != nil || other == "" || other == run.ID {
			continue
		}
		cc.OtherRunID = other
		break
	}

	if intent, err := c.Intent(run.ID); err == nil {
		cc.OwnIntent = intent
	}
	if diff, err := c.artifacts.ReadDiff(run.ID); err == nil {
		cc.OwnDiff = diff
	}

	if cc.OtherRunID == "" {
		return cc
	}
	if intent, err := c.Intent(cc.OtherRunID); err == nil {
		cc.OtherIntent = intent
	}
	if diff, err := c.artifacts.ReadDiff(cc.OtherRunID); err == nil {
		cc.OtherDiff = diff
	}
	if recs, err := c.store.ListIterations(cc.OtherRunID); err == nil {
		for _, rec := range recs {
			cc.OtherSummaries = append(cc.OtherSummaries, rec.BuilderSummary)
		}
	}

	return cc
}

func (c *Coordinator) git(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = c.repoDir
	out, err := cmd.CombinedOutput()
	return strings.TrimSpace(string(out)), err
}

func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}
