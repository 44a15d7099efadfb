package runstore

import (
	"database/sql"
	"time"

	"github.com/hochfrequenz/run-orchestrator/internal/domain"
)

// TryAcquireMergeLock attempts to take the per-project merge lock for runID.
// Semantics are insert-if-absent plus reclaim-if-stale: a lock older than ttl
// is treated as abandoned by a crashed run and is taken over atomically.
// Returns true if the lock is now held by runID.
func (s *Store) TryAcquireMergeLock(projectID, runID string, ttl time.Duration) (bool, error) {
	now := time.Now()

	res, err := s.db.Exec(`
		INSERT INTO merge_locks (project_id, run_id, acquired_at)
		VALUES (?, ?, ?)
		ON CONFLICT(project_id) DO NOTHING
	`, projectID, runID, now)
	if err != nil {
		return false, err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return true, nil
	}

	// Lock exists. Reclaim only if stale; the WHERE clause makes the
	// takeover a compare-and-swap, so two waiters cannot both win.
	res, err = s.db.Exec(`
		UPDATE merge_locks SET run_id = ?, acquired_at = ?
		WHERE project_id = ? AND acquired_at < ?
	`, runID, now, projectID, now.Add(-ttl))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ReleaseMergeLock releases the lock if runID still holds it. Releasing a
// lock reclaimed by someone else is a no-op.
func (s *Store) ReleaseMergeLock(projectID, runID string) error {
	_, err := s.db.Exec(`DELETE FROM merge_locks WHERE project_id = ? AND run_id = ?`,
		projectID, runID)
	return err
}

// GetMergeLock returns the current lock for a project, or nil if none is held
func (s *Store) GetMergeLock(projectID string) (*domain.MergeLock, error) {
	row := s.db.QueryRow(`SELECT project_id, run_id, acquired_at FROM merge_locks WHERE project_id = ?`,
		projectID)

	var lock domain.MergeLock
	err := row.Scan(&lock.ProjectID, &lock.RunID, &lock.AcquiredAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &lock, nil
}

// StaleMergeLocks returns all locks older than ttl, for the janitor sweep
func (s *Store) StaleMergeLocks(ttl time.Duration) ([]domain.MergeLock, error) {
	rows, err := s.db.Query(`SELECT project_id, run_id, acquired_at FROM merge_locks WHERE acquired_at < ?`,
		time.Now().Add(-ttl))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var locks []domain.MergeLock
	for rows.Next() {
		var lock domain.MergeLock
		if err := rows.Scan(&lock.ProjectID, &lock.RunID, &lock.AcquiredAt); err != nil {
			return nil, err
		}
		locks = append(locks, lock)
	}
	return locks, rows.Err()
}
