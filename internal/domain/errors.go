package domain

import "errors"

// Error taxonomy for run execution. Recoverable errors (test failure, review
// rejection) drive another iteration; structural errors terminate the run in
// a labeled state and are never silently retried.
var (
	ErrBaseBranchUnresolved = errors.New("base branch unresolved")
	ErrBackendUnavailable   = errors.New("backend unavailable")
	ErrTestFailure          = errors.New("tests failed")
	ErrReviewRejected       = errors.New("review requested changes")
	ErrIterationCapExceeded = errors.New("iteration cap exceeded")
	ErrMergeLockTimeout     = errors.New("merge lock wait timed out")
	ErrMergeConflict        = errors.New("merge conflict")
	ErrRemoteExecTimeout    = errors.New("remote command timed out")
	ErrRemoteUnreachable    = errors.New("remote host unreachable")
	ErrRunNotFound          = errors.New("run not found")
	ErrRunTerminal          = errors.New("run already in terminal state")
	ErrBudgetBlocked        = errors.New("run blocked by budget gate")
)
