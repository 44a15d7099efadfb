package domain

import (
	"fmt"
	"time"
)

// Run represents a single execution attempt of a work order
type Run struct {
	ID                string
	WorkOrderID       string
	ProjectID         string
	Status            RunStatus
	BranchName        string
	SourceBranch      string // resolved base branch
	BuilderIteration  int    // 1-based, current iteration of the build loop
	MergeStatus       MergeStatus
	ConflictWithRunID string
	Backend           BackendKind
	FallbackReasons   []string // ordered, one entry per backend tier dropped
	Reason            string   // machine-readable reason for a terminal state
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// ShortID returns the first 8 characters of the run ID, used in branch
// and worktree names
func (r *Run) ShortID() string {
	if len(r.ID) <= 8 {
		return r.ID
	}
	return r.ID[:8]
}

// BranchFor derives the dedicated branch name for a run
func BranchFor(workOrderID, shortRunID string) string {
	return fmt.Sprintf("run/%s-%s", workOrderID, shortRunID)
}

// IterationRecord is one pass of the builder/test/reviewer loop.
// Records are append-only; raw test output is kept out of the record so the
// replayed history stays bounded (the full output lives in the artifact
// bundle instead).
type IterationRecord struct {
	Iteration      int      `json:"iteration"`
	BuilderSummary string   `json:"builder_summary"`
	TestPassed     bool     `json:"test_passed"`
	TestOutput     string   `json:"test_output,omitempty"` // truncated tail only
	Verdict        Verdict  `json:"reviewer_verdict,omitempty"`
	ReviewerNotes  []string `json:"reviewer_notes,omitempty"`
}

// MergeLock is the per-project mutual-exclusion record for trunk merges
type MergeLock struct {
	ProjectID  string
	RunID      string
	AcquiredAt time.Time
}

// Expired returns true if the lock is older than ttl and may be reclaimed
func (l *MergeLock) Expired(ttl time.Duration, now time.Time) bool {
	return now.Sub(l.AcquiredAt) > ttl
}

// ConflictContext carries everything a builder needs for an automatic
// merge-conflict resolution attempt
type ConflictContext struct {
	Files          []string
	OtherRunID     string
	OtherIntent    string // the colliding run's work-order intent
	OtherSummaries []string
	OtherDiff      string
	OwnIntent      string
	OwnDiff        string
}
