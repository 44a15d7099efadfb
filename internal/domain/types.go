package domain

// RunStatus represents the lifecycle state of a run
type RunStatus string

const (
	RunQueued        RunStatus = "queued"
	RunSettingUp     RunStatus = "setting_up"
	RunBuilding      RunStatus = "building"
	RunTesting       RunStatus = "testing"
	RunReviewing     RunStatus = "reviewing"
	RunMerging       RunStatus = "merging"
	RunMerged        RunStatus = "merged"
	RunFailed        RunStatus = "failed"
	RunMergeConflict RunStatus = "merge_conflict"
	RunCancelled     RunStatus = "cancelled"
)

// IsTerminal returns true if no further transitions are allowed from s
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunMerged, RunFailed, RunMergeConflict, RunCancelled:
		return true
	}
	return false
}

// MergeStatus represents the merge outcome of a run
type MergeStatus string

const (
	MergeNone     MergeStatus = ""
	MergePending  MergeStatus = "pending"
	MergeMerged   MergeStatus = "merged"
	MergeConflict MergeStatus = "conflict"
)

// BackendKind identifies an execution backend
type BackendKind string

const (
	BackendLocal       BackendKind = "local"
	BackendVM          BackendKind = "vm"
	BackendVMContainer BackendKind = "vm_container"
)

// FallbackTier returns the next backend kind one tier down, or "" if local
func (k BackendKind) FallbackTier() BackendKind {
	switch k {
	case BackendVMContainer:
		return BackendVM
	case BackendVM:
		return BackendLocal
	}
	return ""
}

// Verdict is a reviewer decision on an iteration
type Verdict string

const (
	VerdictApproved         Verdict = "approved"
	VerdictChangesRequested Verdict = "changes_requested"
)
