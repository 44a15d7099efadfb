package runstore

import (
	"database/sql"
	"time"
)

// RecordMergedFiles updates the provenance index after a successful merge:
// every file the run's branch changed now maps to that run. Conflict context
// reconstruction is then a lookup, not a git archaeology scan.
func (s *Store) RecordMergedFiles(projectID, runID string, files []string, mergedAt time.Time) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO provenance (project_id, file_path, run_id, merged_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(project_id, file_path) DO UPDATE SET
			run_id = excluded.run_id,
			merged_at = excluded.merged_at
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, f := range files {
		if _, err := stmt.Exec(projectID, f, runID, mergedAt); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// LastTouchedBy returns the run that last merged a change to the given file,
// or "" if no merged run has touched it
func (s *Store) LastTouchedBy(projectID, filePath string) (string, error) {
	row := s.db.QueryRow(`SELECT run_id FROM provenance WHERE project_id = ? AND file_path = ?`,
		projectID, filePath)

	var runID string
	err := row.Scan(&runID)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return runID, nil
}
