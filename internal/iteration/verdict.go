package iteration

import (
	"encoding/json"
	"strings"

	"github.com/hochfrequenz/run-orchestrator/internal/domain"
)

// agent output is free-form with structured JSON lines mixed in; scan from
// the end, where result messages land

// ParseSummary extracts the builder's one-line summary from its output.
// Falls back to the last non-empty line when no JSON summary is present.
func ParseSummary(output string) string {
	lines := strings.Split(strings.TrimSpace(output), "\n")

	for i := len(lines) - 1; i >= 0 && i >= len(lines)-20; i-- {
		line := strings.TrimSpace(lines[i])
		if !strings.HasPrefix(line, "{") {
			continue
		}
		var msg struct {
			Summary string `json:"summary"`
		}
		if err := json.Unmarshal([]byte(line), &msg); err == nil && msg.Summary != "" {
			return msg.Summary
		}
	}

	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			return line
		}
	}
	return "(no summary)"
}

// ParseVerdict extracts the reviewer's verdict and notes from its output.
// An output with no parseable verdict is treated as changes_requested: an
// unreadable review must never auto-approve a merge.
func ParseVerdict(output string) (domain.Verdict, []string) {
	lines := strings.Split(strings.TrimSpace(output), "\n")

	for i := len(lines) - 1; i >= 0 && i >= len(lines)-20; i-- {
		line := strings.TrimSpace(lines[i])
		if !strings.HasPrefix(line, "{") {
			continue
		}
		var msg struct {
			Verdict string   `json:"verdict"`
			Notes   []string `json:"notes"`
		}
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			continue
		}
		switch msg.Verdict {
		case string(domain.VerdictApproved):
			return domain.VerdictApproved, msg.Notes
		case string(domain.VerdictChangesRequested):
			return domain.VerdictChangesRequested, msg.Notes
		}
	}

	return domain.VerdictChangesRequested, []string{"reviewer output had no parseable verdict"}
}
