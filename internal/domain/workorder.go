package domain

// WorkOrder is a unit of requested work, parsed from a markdown file.
// The orchestrator treats it as read-only input; authoring and CRUD live
// elsewhere.
type WorkOrder struct {
	ID         string
	ProjectID  string
	Title      string
	BaseBranch string // work-order-level default, may be empty
	Criteria   string // acceptance criteria, fed into builder/reviewer prompts
	FilePath   string
}
