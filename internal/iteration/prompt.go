package iteration

import (
	"fmt"
	"strings"

	"github.com/hochfrequenz/run-orchestrator/internal/domain"
)

// BuildBuilderPrompt assembles the builder prompt: the work order, the
// replayed history of summaries and verdicts, and the truncated tail of the
// most recent test failure. Raw test output from older iterations is never
// replayed; the full record lives in the artifact bundle.
func BuildBuilderPrompt(wo *domain.WorkOrder, history []domain.IterationRecord, lastTestTail, conflictNote string) string {
	var b strings.Builder

	fmt.Fprintf(&b, "You are implementing work order %s: %s\n\n", wo.ID, wo.Title)
	b.WriteString("## Acceptance criteria\n\n")
	b.WriteString(wo.Criteria)
	b.WriteString("\n\n")

	if conflictNote != "" {
		b.WriteString("## Merge conflict to resolve\n\n")
		b.WriteString(conflictNote)
		b.WriteString("\n\n")
	}

	if len(history) > 0 {
		b.WriteString("## Previous iterations\n\n")
		for _, rec := range history {
			fmt.Fprintf(&b, "Iteration %d: %s\n", rec.Iteration, rec.BuilderSummary)
			if !rec.TestPassed {
				b.WriteString("  Tests: failed\n")
			} else {
				b.WriteString("  Tests: passed\n")
			}
			if rec.Verdict != "" {
				fmt.Fprintf(&b, "  Review: %s\n", rec.Verdict)
				for _, note := range rec.ReviewerNotes {
					fmt.Fprintf(&b, "  - %s\n", note)
				}
			}
		}
		b.WriteString("\n")
	}

	if lastTestTail != "" {
		b.WriteString("## Latest test failure (tail)\n\n")
		b.WriteString(lastTestTail)
		b.WriteString("\n\n")
	}

	b.WriteString("Make the changes, run nothing yourself, and commit them. " +
		"Finish with a single JSON line: {\"summary\": \"<one sentence describing what you changed>\"}\n")

	return b.String()
}

// BuildReviewerPrompt assembles the reviewer prompt over the run's diff
func BuildReviewerPrompt(wo *domain.WorkOrder, diff string) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Review the changes for work order %s: %s\n\n", wo.ID, wo.Title)
	b.WriteString("## Acceptance criteria\n\n")
	b.WriteString(wo.Criteria)
	b.WriteString("\n\n## Diff\n\n")
	b.WriteString(diff)
	b.WriteString("\n\n")
	b.WriteString("Respond with a single JSON line: " +
		"{\"verdict\": \"approved\"} or {\"verdict\": \"changes_requested\", \"notes\": [\"...\"]}\n")

	return b.String()
}

// BuildConflictNote renders a ConflictContext for the builder's one
// automatic resolution attempt
func BuildConflictNote(cc *domain.ConflictContext) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Merging this branch into trunk conflicts on: %s\n\n", strings.Join(cc.Files, ", "))
	if cc.OtherRunID != "" {
		fmt.Fprintf(&b, "The conflicting changes were merged by run %s, which implemented:\n%s\n\n",
			cc.OtherRunID, cc.OtherIntent)
		for _, s := range cc.OtherSummaries {
			fmt.Fprintf(&b, "- %s\n", s)
		}
		if cc.OtherDiff != "" {
			b.WriteString("\nTheir diff:\n")
			b.WriteString(cc.OtherDiff)
			b.WriteString("\n")
		}
	}
	b.WriteString("\nRebase onto the current trunk, resolve the conflicts so both intents survive, and commit.\n")

	return b.String()
}

// TailLines returns the last n lines of s
func TailLines(s string, n int) string {
	if n <= 0 {
		return ""
	}
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
