// Package observer watches the queue directory and starts a run for every
// work-order file dropped into it.
package observer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/hochfrequenz/run-orchestrator/internal/domain"
	"github.com/hochfrequenz/run-orchestrator/internal/workorder"
)

// archiveDir is where processed work-order files are moved, so a restart
// never starts the same file twice
const archiveDir = "archive"

// Starter starts a run for a loaded work order
type Starter interface {
	StartRun(wo *domain.WorkOrder, sourceOverride string) (*domain.Run, error)
}

// Observer watches a queue directory for work-order files
type Observer struct {
	queueDir string
	starter  Starter
	logger   *zap.Logger
	watcher  *fsnotify.Watcher
}

// New creates an Observer over queueDir
func New(queueDir string, starter Starter, logger *zap.Logger) *Observer {
	return &Observer{queueDir: queueDir, starter: starter, logger: logger}
}

// Start sweeps files already in the queue, then watches for new ones until
// the context is cancelled
func (o *Observer) Start(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Join(o.queueDir, archiveDir), 0755); err != nil {
		return fmt.Errorf("creating queue dir: %w", err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	if err := w.Add(o.queueDir); err != nil {
		w.Close()
		return fmt.Errorf("watching %s: %w", o.queueDir, err)
	}
	o.watcher = w

	// Files dropped while the process was down
	o.Sweep()

	go o.loop(ctx)
	return nil
}

func (o *Observer) loop(ctx context.Context) {
	defer o.watcher.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-o.watcher.Events:
			if !ok {
				return
			}
			// Write covers editors that create-then-fill; a file that is
			// still mid-write is skipped by process and retried on the
			// next Write event
			if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			o.process(ev.Name)
		case err, ok := <-o.watcher.Errors:
			if !ok {
				return
			}
			o.logger.Warn("queue watcher error", zap.Error(err))
		}
	}
}

// Sweep processes every work-order file currently in the queue directory
func (o *Observer) Sweep() {
	entries, err := os.ReadDir(o.queueDir)
	if err != nil {
		o.logger.Warn("reading queue dir failed", zap.Error(err))
		return
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		o.process(filepath.Join(o.queueDir, e.Name()))
	}
}

func (o *Observer) process(path string) {
	if !strings.HasSuffix(path, ".md") {
		return
	}
	if _, err := os.Stat(path); err != nil {
		return // already archived by an earlier event
	}

	wo, err := workorder.Load(path)
	if err != nil {
		o.logger.Warn("loading queued work order failed",
			zap.String("path", path), zap.Error(err))
		return
	}

	// No body yet means the writer has not finished; the file stays in the
	// queue and the Write event for the remaining content retries it
	if wo.Criteria == "" {
		o.logger.Warn("queued work order has no acceptance criteria yet",
			zap.String("path", path))
		return
	}

	run, err := o.starter.StartRun(wo, "")
	if err != nil {
		o.logger.Error("starting run for queued work order failed",
			zap.String("work_order", wo.ID), zap.Error(err))
		return
	}
	o.logger.Info("queued work order started",
		zap.String("work_order", wo.ID),
		zap.String("run_id", run.ID))

	dst := filepath.Join(o.queueDir, archiveDir, filepath.Base(path))
	if err := os.Rename(path, dst); err != nil {
		o.logger.Warn("archiving work order failed",
			zap.String("path", path), zap.Error(err))
	}
}
