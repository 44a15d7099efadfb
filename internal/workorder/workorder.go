// Package workorder loads work-order markdown files. The orchestrator only
// reads them; authoring and lifecycle management happen elsewhere.
package workorder

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/hochfrequenz/run-orchestrator/internal/domain"
)

// Frontmatter is the YAML header of a work-order file
type Frontmatter struct {
	ID         string `yaml:"id"`
	Project    string `yaml:"project"`
	Title      string `yaml:"title"`
	BaseBranch string `yaml:"base_branch"`
}

// Load reads a work-order file: YAML frontmatter plus a markdown body that
// holds the acceptance criteria
func Load(path string) (*domain.WorkOrder, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading work order: %w", err)
	}

	fm, body, err := parseFrontmatter(content)
	if err != nil {
		return nil, fmt.Errorf("parsing work order %s: %w", path, err)
	}

	wo := &domain.WorkOrder{
		ID:         fm.ID,
		ProjectID:  fm.Project,
		Title:      fm.Title,
		BaseBranch: fm.BaseBranch,
		Criteria:   strings.TrimSpace(string(body)),
		FilePath:   path,
	}

	// Fall back to the file name when the frontmatter has no id
	if wo.ID == "" {
		base := filepath.Base(path)
		wo.ID = strings.TrimSuffix(base, filepath.Ext(base))
	}
	if wo.ID == "" {
		return nil, fmt.Errorf("work order %s has no id", path)
	}

	return wo, nil
}

// parseFrontmatter extracts YAML frontmatter from markdown content.
// Returns the frontmatter, remaining content, and any error.
func parseFrontmatter(content []byte) (*Frontmatter, []byte, error) {
	if !bytes.HasPrefix(content, []byte("---\n")) {
		return &Frontmatter{}, content, nil
	}

	rest := content[4:]
	endIdx := bytes.Index(rest, []byte("\n---"))
	if endIdx == -1 {
		return &Frontmatter{}, content, nil
	}

	fmData := rest[:endIdx]
	remaining := rest[endIdx+4:] // skip \n---

	var fm Frontmatter
	if err := yaml.Unmarshal(fmData, &fm); err != nil {
		return nil, nil, err
	}

	return &fm, bytes.TrimLeft(remaining, "\n"), nil
}
