// Package iteration drives the builder -> test -> reviewer loop for one run,
// enforcing the iteration cap and carrying failure history forward.
package iteration

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/hochfrequenz/run-orchestrator/internal/backend"
	"github.com/hochfrequenz/run-orchestrator/internal/config"
	"github.com/hochfrequenz/run-orchestrator/internal/domain"
)

// HistorySink persists iteration records as they are produced
type HistorySink interface {
	AppendIteration(runID string, rec domain.IterationRecord) error
}

// ArtifactSink receives the full-fidelity side of each iteration
type ArtifactSink interface {
	AppendLog(runID, line string) error
	AppendTestOutput(runID string, iteration int, output string) error
	WriteIterationHistory(runID string, recs []domain.IterationRecord) error
}

// Controller runs the iteration loop for a single run
type Controller struct {
	backend     backend.Backend
	history     HistorySink
	artifacts   ArtifactSink
	cfg         config.BuilderConfig
	testCommand string
	logger      *zap.Logger

	// Phase is called before each state change so the orchestrator can
	// persist the run's status synchronously
	Phase func(status domain.RunStatus) error

	// Diff returns the run's current diff against its base, for the
	// reviewer prompt
	Diff func() (string, error)
}

// New creates an iteration Controller
func New(b backend.Backend, history HistorySink, artifacts ArtifactSink, cfg config.BuilderConfig, testCommand string, logger *zap.Logger) *Controller {
	return &Controller{
		backend:     b,
		history:     history,
		artifacts:   artifacts,
		cfg:         cfg,
		testCommand: testCommand,
		logger:      logger,
		Phase:       func(domain.RunStatus) error { return nil },
		Diff:        func() (string, error) { return "", nil },
	}
}

// Run executes the loop starting from run.BuilderIteration until the work is
// approved, the cap is hit, or the context is cancelled. Returns the full
// accumulated history. conflictNote, when non-empty, is injected into the
// builder prompt for a merge-conflict resolution attempt.
func (c *Controller) Run(ctx context.Context, run *domain.Run, wo *domain.WorkOrder, cwd string, history []domain.IterationRecord, conflictNote string) ([]domain.IterationRecord, error) {
	maxIter := c.cfg.MaxIterations
	if maxIter <= 0 {
		maxIter = 3
	}

	lastTestTail := ""
	for iter := run.BuilderIteration; ; iter++ {
		if err := ctx.Err(); err != nil {
			return history, err
		}
		run.BuilderIteration = iter

		if err := c.Phase(domain.RunBuilding); err != nil {
			return history, err
		}
		c.artifacts.AppendLog(run.ID, fmt.Sprintf("iteration %d: invoking builder", iter))

		prompt := BuildBuilderPrompt(wo, history, lastTestTail, conflictNote)
		conflictNote = "" // only the first iteration of an attempt carries it

		builderOut, err := c.invoke(ctx, c.cfg.Command, prompt, cwd)
		if err != nil {
			return history, fmt.Errorf("builder iteration %d: %w", iter, err)
		}
		summary := ParseSummary(builderOut)
		c.logger.Info("builder finished",
			zap.String("run_id", run.ID),
			zap.Int("iteration", iter),
			zap.String("summary", summary))

		if err := c.Phase(domain.RunTesting); err != nil {
			return history, err
		}
		res, err := c.backend.Exec(ctx, cwd, c.testCommand, nil, c.cfg.CommandTimeout.Std())
		if err != nil {
			return history, fmt.Errorf("running tests, iteration %d: %w", iter, err)
		}
		testOutput := res.Stdout + res.Stderr
		passed := res.ExitCode == 0

		// Full output for debugging, truncated tail for the next prompt
		c.artifacts.AppendTestOutput(run.ID, iter, testOutput)
		tail := TailLines(testOutput, c.cfg.TestOutputTailLines)

		rec := domain.IterationRecord{
			Iteration:      iter,
			BuilderSummary: summary,
			TestPassed:     passed,
			TestOutput:     tail,
		}

		if !passed {
			c.artifacts.AppendLog(run.ID, fmt.Sprintf("iteration %d: tests failed", iter))
			history = c.record(run.ID, history, rec)
			if iter >= maxIter {
				return history, fmt.Errorf("%w after %d iterations: %w", domain.ErrTestFailure, iter, domain.ErrIterationCapExceeded)
			}
			lastTestTail = tail
			continue
		}
		lastTestTail = ""

		if err := c.Phase(domain.RunReviewing); err != nil {
			return history, err
		}
		diff, err := c.Diff()
		if err != nil {
			return history, fmt.Errorf("collecting diff for review: %w", err)
		}

		reviewOut, err := c.invoke(ctx, c.cfg.ReviewerCommand, BuildReviewerPrompt(wo, diff), cwd)
		if err != nil {
			return history, fmt.Errorf("reviewer iteration %d: %w", iter, err)
		}
		verdict, notes := ParseVerdict(reviewOut)
		rec.Verdict = verdict
		rec.ReviewerNotes = notes
		history = c.record(run.ID, history, rec)

		c.logger.Info("review finished",
			zap.String("run_id", run.ID),
			zap.Int("iteration", iter),
			zap.String("verdict", string(verdict)))

		if verdict == domain.VerdictApproved {
			return history, nil
		}

		// A rejection consumes an iteration slot like a test failure
		c.artifacts.AppendLog(run.ID, fmt.Sprintf("iteration %d: reviewer requested changes", iter))
		if iter >= maxIter {
			return history, fmt.Errorf("%w after %d iterations: %w", domain.ErrReviewRejected, iter, domain.ErrIterationCapExceeded)
		}
	}
}

// record appends rec everywhere the history lives: the store, the in-memory
// slice, and the bundle mirror
func (c *Controller) record(runID string, history []domain.IterationRecord, rec domain.IterationRecord) []domain.IterationRecord {
	if err := c.history.AppendIteration(runID, rec); err != nil {
		c.logger.Warn("persisting iteration record failed",
			zap.String("run_id", runID), zap.Error(err))
	}
	history = append(history, rec)
	if err := c.artifacts.WriteIterationHistory(runID, history); err != nil {
		c.logger.Warn("mirroring iteration history failed",
			zap.String("run_id", runID), zap.Error(err))
	}
	return history
}

// invoke renders an agent command template and executes it in cwd
func (c *Controller) invoke(ctx context.Context, template, prompt, cwd string) (string, error) {
	command := renderCommand(template, prompt)
	res, err := c.backend.Exec(ctx, cwd, command, nil, c.cfg.CommandTimeout.Std())
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		return "", fmt.Errorf("agent exited %d: %s", res.ExitCode, TailLines(res.Stderr, 20))
	}
	return res.Stdout, nil
}

// renderCommand substitutes {prompt} in an agent command template, quoted
// for the shell
func renderCommand(template, prompt string) string {
	quoted := "'" + strings.ReplaceAll(prompt, "'", `'\''`) + "'"
	return strings.ReplaceAll(template, "{prompt}", quoted)
}
