// Package janitor runs periodic maintenance: releasing merge locks abandoned
// by crashed runs, pruning worktrees of old terminal runs, and trimming the
// artifact store to its retention limit.
package janitor

import (
	"os"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/hochfrequenz/run-orchestrator/internal/config"
	"github.com/hochfrequenz/run-orchestrator/internal/domain"
	"github.com/hochfrequenz/run-orchestrator/internal/runstore"
)

// LockStore is the lock surface the sweep needs
type LockStore interface {
	StaleMergeLocks(ttl time.Duration) ([]domain.MergeLock, error)
	ReleaseMergeLock(projectID, runID string) error
	ListRuns(opts runstore.ListOptions) ([]*domain.Run, error)
}

// ArtifactStore is the bundle surface the sweep needs
type ArtifactStore interface {
	ListRunIDs() ([]string, error)
	Remove(runID string) error
}

// WorktreeManager destroys worktrees of runs past their retention window
type WorktreeManager interface {
	Destroy(run *domain.Run) error
	PathFor(run *domain.Run) string
}

// Janitor schedules and executes maintenance sweeps
type Janitor struct {
	store     LockStore
	artifacts ArtifactStore
	worktrees WorktreeManager
	cfg       config.JanitorConfig
	lockTTL   time.Duration
	logger    *zap.Logger
	cron      *cron.Cron

	exists func(path string) bool
}

// New creates a Janitor. lockTTL is the merge lock staleness threshold.
func New(store LockStore, artifacts ArtifactStore, worktrees WorktreeManager, cfg config.JanitorConfig, lockTTL time.Duration, logger *zap.Logger) *Janitor {
	return &Janitor{
		store:     store,
		artifacts: artifacts,
		worktrees: worktrees,
		cfg:       cfg,
		lockTTL:   lockTTL,
		logger:    logger,
		exists:    pathExists,
	}
}

// Start schedules the sweep on the configured cron expression
func (j *Janitor) Start() error {
	if j.cfg.SweepDisabled {
		j.logger.Info("janitor sweep disabled")
		return nil
	}

	j.cron = cron.New()
	if _, err := j.cron.AddFunc(j.cfg.Schedule, j.Sweep); err != nil {
		return err
	}
	j.cron.Start()
	j.logger.Info("janitor started", zap.String("schedule", j.cfg.Schedule))
	return nil
}

// Stop halts the schedule; a sweep in progress finishes
func (j *Janitor) Stop() {
	if j.cron != nil {
		j.cron.Stop()
	}
}

// Sweep runs one full maintenance pass
func (j *Janitor) Sweep() {
	j.releaseStaleLocks()
	j.pruneWorktrees()
	j.trimArtifacts()
}

func (j *Janitor) releaseStaleLocks() {
	locks, err := j.store.StaleMergeLocks(j.lockTTL)
	if err != nil {
		j.logger.Warn("listing stale merge locks failed", zap.Error(err))
		return
	}
	for _, lock := range locks {
		j.logger.Warn("releasing stale merge lock",
			zap.String("project_id", lock.ProjectID),
			zap.String("run_id", lock.RunID),
			zap.Time("acquired_at", lock.AcquiredAt))
		if err := j.store.ReleaseMergeLock(lock.ProjectID, lock.RunID); err != nil {
			j.logger.Warn("releasing stale lock failed", zap.Error(err))
		}
	}
}

// pruneWorktrees removes worktrees of terminal runs past the retention
// window. Worktrees of failed runs stay inspectable until then.
func (j *Janitor) pruneWorktrees() {
	runs, err := j.store.ListRuns(runstore.ListOptions{})
	if err != nil {
		j.logger.Warn("listing runs failed", zap.Error(err))
		return
	}

	cutoff := time.Now().Add(-time.Duration(j.cfg.WorktreeKeepHours) * time.Hour)
	for _, run := range runs {
		if !run.Status.IsTerminal() || run.UpdatedAt.After(cutoff) {
			continue
		}
		if !j.exists(j.worktrees.PathFor(run)) {
			continue
		}
		j.logger.Info("pruning worktree of terminal run",
			zap.String("run_id", run.ID), zap.String("status", string(run.Status)))
		if err := j.worktrees.Destroy(run); err != nil {
			j.logger.Warn("pruning worktree failed",
				zap.String("run_id", run.ID), zap.Error(err))
		}
	}
}

func (j *Janitor) trimArtifacts() {
	if j.cfg.ArtifactKeep <= 0 {
		return
	}
	ids, err := j.artifacts.ListRunIDs()
	if err != nil {
		j.logger.Warn("listing artifact bundles failed", zap.Error(err))
		return
	}
	if len(ids) <= j.cfg.ArtifactKeep {
		return
	}

	// ids come back oldest first
	for _, id := range ids[:len(ids)-j.cfg.ArtifactKeep] {
		j.logger.Info("removing artifact bundle past retention", zap.String("run_id", id))
		if err := j.artifacts.Remove(id); err != nil {
			j.logger.Warn("removing artifact bundle failed",
				zap.String("run_id", id), zap.Error(err))
		}
	}
}

func pathExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
