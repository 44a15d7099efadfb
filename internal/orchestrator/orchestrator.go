// Package orchestrator drives a run end to end: worktree setup, backend
// selection, the builder/test/reviewer loop, and the serialized trunk merge.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hochfrequenz/run-orchestrator/internal/artifact"
	"github.com/hochfrequenz/run-orchestrator/internal/backend"
	"github.com/hochfrequenz/run-orchestrator/internal/config"
	"github.com/hochfrequenz/run-orchestrator/internal/domain"
	"github.com/hochfrequenz/run-orchestrator/internal/iteration"
	"github.com/hochfrequenz/run-orchestrator/internal/merge"
	"github.com/hochfrequenz/run-orchestrator/internal/runstore"
	"github.com/hochfrequenz/run-orchestrator/internal/worktree"
)

// BudgetGate can veto new runs, e.g. on spend limits. A nil gate allows
// everything.
type BudgetGate interface {
	Allow(projectID string) error
}

// Orchestrator manages the full lifecycle of runs against one project
type Orchestrator struct {
	cfg       *config.Config
	store     *runstore.Store
	artifacts *artifact.Store
	worktrees *worktree.Manager
	selector  *backend.Selector
	merger    *merge.Coordinator
	logger    *zap.Logger

	Budget BudgetGate

	mu      sync.Mutex
	active  map[string]context.CancelFunc
	intents map[string]string // work order id -> title, for conflict context
	sem     chan struct{}
	wg      sync.WaitGroup
}

// New creates an Orchestrator wired to the given store and artifact bundle
func New(cfg *config.Config, store *runstore.Store, artifacts *artifact.Store, logger *zap.Logger) *Orchestrator {
	maxParallel := cfg.General.MaxParallel
	if maxParallel <= 0 {
		maxParallel = 1
	}

	o := &Orchestrator{
		cfg:       cfg,
		store:     store,
		artifacts: artifacts,
		worktrees: worktree.NewManager(cfg.Project.RepoDir, cfg.General.WorktreeDir,
			cfg.Project.TrunkBranch, cfg.Project.LinkDirs, logger),
		selector: backend.NewSelector(cfg, logger),
		merger: merge.NewCoordinator(store, artifacts, cfg.Project.RepoDir,
			cfg.Project.TrunkBranch, cfg.Merge, logger),
		logger:  logger,
		active:  map[string]context.CancelFunc{},
		intents: map[string]string{},
		sem:     make(chan struct{}, maxParallel),
	}
	o.merger.Intent = o.intentFor
	return o
}

// StartRun creates a run for the work order and executes it in the
// background, bounded by the parallelism limit. sourceOverride, when set,
// replaces the base branch resolution chain's first tier.
func (o *Orchestrator) StartRun(wo *domain.WorkOrder, sourceOverride string) (*domain.Run, error) {
	if o.Budget != nil {
		if err := o.Budget.Allow(o.cfg.Project.ID); err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrBudgetBlocked, err)
		}
	}

	now := time.Now()
	run := &domain.Run{
		ID:               uuid.NewString(),
		WorkOrderID:      wo.ID,
		ProjectID:        o.cfg.Project.ID,
		Status:           domain.RunQueued,
		BuilderIteration: 1,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := o.store.CreateRun(run); err != nil {
		return nil, fmt.Errorf("creating run: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	o.mu.Lock()
	o.active[run.ID] = cancel
	o.intents[wo.ID] = wo.Title
	o.mu.Unlock()

	o.logger.Info("run queued",
		zap.String("run_id", run.ID),
		zap.String("work_order", wo.ID))

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer cancel()
		defer func() {
			o.mu.Lock()
			delete(o.active, run.ID)
			o.mu.Unlock()
		}()
		o.execute(ctx, run, wo, sourceOverride)
	}()

	return run, nil
}

func (o *Orchestrator) execute(ctx context.Context, run *domain.Run, wo *domain.WorkOrder, sourceOverride string) {
	select {
	case o.sem <- struct{}{}:
		defer func() { <-o.sem }()
	case <-ctx.Done():
		o.finish(run, domain.RunCancelled, "cancelled while queued")
		return
	}

	o.artifacts.AppendLog(run.ID, "run started for work order "+wo.ID)
	o.setStatus(run, domain.RunSettingUp, "")

	wtPath, base, err := o.worktrees.Create(run, wo, sourceOverride)
	if err != nil {
		o.fail(run, fmt.Errorf("setting up worktree: %w", err))
		return
	}
	run.BranchName = domain.BranchFor(wo.ID, run.ShortID())
	run.SourceBranch = base
	if err := o.store.UpdateRunBranches(run.ID, run.BranchName, base); err != nil {
		o.logger.Warn("recording branches failed", zap.String("run_id", run.ID), zap.Error(err))
	}

	b, reasons, err := o.selector.Select(ctx, o.preferredBackend())
	if err != nil {
		o.fail(run, fmt.Errorf("%w: %v", domain.ErrBackendUnavailable, err))
		return
	}
	defer b.Close()
	run.Backend = b.Kind()
	run.FallbackReasons = reasons
	if err := o.store.UpdateRunBackend(run.ID, b.Kind(), reasons); err != nil {
		o.logger.Warn("recording backend failed", zap.String("run_id", run.ID), zap.Error(err))
	}
	o.artifacts.AppendLog(run.ID, "executing on backend "+string(b.Kind()))

	ws, err := o.newWorkspace(ctx, b, run, wtPath)
	if err != nil {
		o.fail(run, fmt.Errorf("setting up workspace: %w", err))
		return
	}
	defer ws.Cleanup(context.Background())

	ctrl := iteration.New(b, o.store, o.artifacts, o.cfg.Builder, o.cfg.Project.TestCommand, o.logger)
	ctrl.Phase = func(s domain.RunStatus) error {
		o.setStatus(run, s, "")
		return o.store.UpdateRunIteration(run.ID, run.BuilderIteration)
	}
	ctrl.Diff = func() (string, error) {
		if err := ws.Sync(ctx); err != nil {
			return "", err
		}
		return diffAgainstBase(ctx, wtPath, base)
	}

	history, loopErr := ctrl.Run(ctx, run, wo, ws.Cwd(), nil, "")

	// Egress happens regardless of outcome; the bundle is the durable record
	// for failed runs too
	if err := ws.Sync(context.Background()); err != nil {
		o.logger.Warn("final workspace sync failed", zap.String("run_id", run.ID), zap.Error(err))
	}
	if diff, err := diffAgainstBase(context.Background(), wtPath, base); err == nil && diff != "" {
		o.artifacts.WriteDiff(run.ID, diff)
	}

	if loopErr != nil {
		if errors.Is(loopErr, context.Canceled) {
			o.cancelled(run)
			return
		}
		// The worktree stays for inspection on failure
		o.fail(run, loopErr)
		return
	}

	o.mergeRun(ctx, run, wo, wtPath, base, history)
}

// mergeRun merges the approved branch into trunk under the project merge
// lock. A conflict gets exactly one automatic resolution attempt; a second
// conflict parks the run for a human.
func (o *Orchestrator) mergeRun(ctx context.Context, run *domain.Run, wo *domain.WorkOrder, wtPath, base string, history []domain.IterationRecord) {
	o.setStatus(run, domain.RunMerging, "")
	o.store.UpdateMergeStatus(run.ID, domain.MergePending, "")

	if err := o.merger.AcquireLock(ctx, run.ProjectID, run.ID); err != nil {
		if ctx.Err() != nil {
			o.cancelled(run)
			return
		}
		// The branch survives; a later attempt can pick it up
		o.fail(run, err)
		return
	}
	defer o.merger.ReleaseLock(run.ProjectID, run.ID)

	_, cc, err := o.merger.Merge(ctx, run)
	if err == nil {
		o.completeMerge(run)
		return
	}
	if !errors.Is(err, domain.ErrMergeConflict) {
		if ctx.Err() != nil {
			o.cancelled(run)
			return
		}
		o.fail(run, err)
		return
	}

	run.ConflictWithRunID = cc.OtherRunID
	run.MergeStatus = domain.MergeConflict
	o.store.UpdateMergeStatus(run.ID, domain.MergeConflict, cc.OtherRunID)
	o.artifacts.AppendLog(run.ID, "merge conflict with run "+cc.OtherRunID+", attempting resolution")

	if err := o.resolveConflict(ctx, run, wo, wtPath, base, history, cc); err != nil {
		if ctx.Err() != nil {
			o.cancelled(run)
			return
		}
		o.finish(run, domain.RunMergeConflict, "automatic resolution failed: "+err.Error())
		return
	}

	if _, _, err := o.merger.Merge(ctx, run); err != nil {
		if ctx.Err() != nil {
			o.cancelled(run)
			return
		}
		o.finish(run, domain.RunMergeConflict, "still conflicting after resolution: "+err.Error())
		return
	}
	o.completeMerge(run)
}

// cancelled finishes a run as cancelled and tears down its worktree. Used on
// every cancellation path so a cancel in any state cleans up the same way.
func (o *Orchestrator) cancelled(run *domain.Run) {
	o.finish(run, domain.RunCancelled, "cancelled")
	if err := o.worktrees.Destroy(run); err != nil {
		o.logger.Warn("destroying worktree failed", zap.String("run_id", run.ID), zap.Error(err))
	}
}

// resolveConflict runs one extra builder iteration with the reconstructed
// conflict context. It always executes locally against the worktree: the
// resolution is git surgery against the live trunk, not sandboxed feature
// work.
func (o *Orchestrator) resolveConflict(ctx context.Context, run *domain.Run, wo *domain.WorkOrder, wtPath, base string, history []domain.IterationRecord, cc *domain.ConflictContext) error {
	run.BuilderIteration++
	cfg := o.cfg.Builder
	cfg.MaxIterations = run.BuilderIteration // exactly one slot

	ctrl := iteration.New(backend.NewLocal(), o.store, o.artifacts, cfg, o.cfg.Project.TestCommand, o.logger)
	ctrl.Phase = func(s domain.RunStatus) error {
		o.setStatus(run, s, "")
		return o.store.UpdateRunIteration(run.ID, run.BuilderIteration)
	}
	ctrl.Diff = func() (string, error) {
		if err := autoCommit(ctx, wtPath); err != nil {
			return "", err
		}
		return diffAgainstBase(ctx, wtPath, base)
	}

	_, err := ctrl.Run(ctx, run, wo, wtPath, history, iteration.BuildConflictNote(cc))
	return err
}

// completeMerge keeps ConflictWithRunID: a run that merged only after a
// resolution attempt still records which run it collided with.
func (o *Orchestrator) completeMerge(run *domain.Run) {
	run.MergeStatus = domain.MergeMerged
	o.store.UpdateMergeStatus(run.ID, domain.MergeMerged, run.ConflictWithRunID)
	o.finish(run, domain.RunMerged, "")
	if err := o.worktrees.Destroy(run); err != nil {
		o.logger.Warn("destroying worktree failed", zap.String("run_id", run.ID), zap.Error(err))
	}
}

// CancelRun cancels an in-flight run, or marks a non-executing one cancelled
func (o *Orchestrator) CancelRun(id string) error {
	run, err := o.store.GetRun(id)
	if err != nil {
		return err
	}
	if run.Status.IsTerminal() {
		return fmt.Errorf("run %s is %s: %w", run.ShortID(), run.Status, domain.ErrRunTerminal)
	}

	o.mu.Lock()
	cancel, ok := o.active[id]
	o.mu.Unlock()
	if ok {
		cancel()
		return nil
	}

	// Not executing in this process, e.g. orphaned by a restart
	return o.store.UpdateRunStatus(id, domain.RunCancelled, "cancelled while inactive")
}

// GetRun returns a run by ID
func (o *Orchestrator) GetRun(id string) (*domain.Run, error) {
	return o.store.GetRun(id)
}

// ListRuns lists runs with the given filters
func (o *Orchestrator) ListRuns(opts runstore.ListOptions) ([]*domain.Run, error) {
	return o.store.ListRuns(opts)
}

// History returns a run's iteration history
func (o *Orchestrator) History(runID string) ([]domain.IterationRecord, error) {
	return o.store.ListIterations(runID)
}

// RecoverOrphans marks non-terminal runs left behind by a previous process
// as failed and releases their merge locks. Called once at startup.
func (o *Orchestrator) RecoverOrphans() error {
	runs, err := o.store.ListRuns(runstore.ListOptions{ProjectID: o.cfg.Project.ID})
	if err != nil {
		return err
	}

	for _, run := range runs {
		if run.Status.IsTerminal() {
			continue
		}
		o.mu.Lock()
		_, isActive := o.active[run.ID]
		o.mu.Unlock()
		if isActive {
			continue
		}

		o.logger.Warn("recovering orphaned run",
			zap.String("run_id", run.ID), zap.String("status", string(run.Status)))
		o.store.UpdateRunStatus(run.ID, domain.RunFailed, "orphaned by restart")
		o.store.ReleaseMergeLock(run.ProjectID, run.ID)
	}
	return nil
}

// Wait blocks until every in-flight run finishes
func (o *Orchestrator) Wait() { o.wg.Wait() }

// Shutdown cancels all in-flight runs and waits for them to wind down
func (o *Orchestrator) Shutdown() {
	o.mu.Lock()
	for _, cancel := range o.active {
		cancel()
	}
	o.mu.Unlock()
	o.wg.Wait()
}

func (o *Orchestrator) preferredBackend() domain.BackendKind {
	switch o.cfg.Project.IsolationMode {
	case "vm":
		return domain.BackendVM
	case "vm_container":
		return domain.BackendVMContainer
	default:
		return domain.BackendLocal
	}
}

func (o *Orchestrator) newWorkspace(ctx context.Context, b backend.Backend, run *domain.Run, wtPath string) (workspace, error) {
	if b.Kind() == domain.BackendLocal {
		return &localWorkspace{path: wtPath}, nil
	}
	return newRemoteWorkspace(ctx, b, o.artifacts, run, wtPath,
		o.cfg.VM.WorkspaceDir, o.cfg.Builder.CommandTimeout.Std(), o.logger)
}

// intentFor returns the human intent behind a run, for conflict context.
// Falls back to the work order ID when the title is no longer in memory.
func (o *Orchestrator) intentFor(runID string) (string, error) {
	run, err := o.store.GetRun(runID)
	if err != nil {
		return "", err
	}
	o.mu.Lock()
	title := o.intents[run.WorkOrderID]
	o.mu.Unlock()
	if title == "" {
		return "work order " + run.WorkOrderID, nil
	}
	return title, nil
}

func (o *Orchestrator) setStatus(run *domain.Run, status domain.RunStatus, reason string) {
	run.Status = status
	if err := o.store.UpdateRunStatus(run.ID, status, reason); err != nil {
		o.logger.Warn("persisting status failed",
			zap.String("run_id", run.ID), zap.String("status", string(status)), zap.Error(err))
	}
	o.artifacts.AppendLog(run.ID, "status: "+string(status))
}

func (o *Orchestrator) fail(run *domain.Run, err error) {
	o.logger.Error("run failed",
		zap.String("run_id", run.ID),
		zap.String("work_order", run.WorkOrderID),
		zap.Error(err))
	o.finish(run, domain.RunFailed, err.Error())
}

func (o *Orchestrator) finish(run *domain.Run, status domain.RunStatus, reason string) {
	o.setStatus(run, status, reason)
	line := "run finished: " + string(status)
	if reason != "" {
		line += " (" + reason + ")"
	}
	o.artifacts.AppendLog(run.ID, line)
}
