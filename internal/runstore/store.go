// Package runstore provides SQLite-backed persistence for runs, merge locks,
// iteration history, and the file provenance index.
package runstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hochfrequenz/run-orchestrator/internal/domain"
)

// Store provides SQLite-backed run persistence
type Store struct {
	db *sql.DB
}

// New creates a new Store with the given database path
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	// Serialize writers; sqlite handles one writer at a time
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, err
	}

	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateRun inserts a new run record
func (s *Store) CreateRun(run *domain.Run) error {
	reasons, err := json.Marshal(run.FallbackReasons)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(`
		INSERT INTO runs (id, work_order_id, project_id, status, branch_name, source_branch,
			builder_iteration, merge_status, conflict_with_run_id, execution_backend,
			fallback_reasons, reason, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		run.ID,
		run.WorkOrderID,
		run.ProjectID,
		string(run.Status),
		run.BranchName,
		run.SourceBranch,
		run.BuilderIteration,
		string(run.MergeStatus),
		run.ConflictWithRunID,
		string(run.Backend),
		string(reasons),
		run.Reason,
		run.CreatedAt,
		run.UpdatedAt,
	)
	return err
}

// GetRun retrieves a run by ID
func (s *Store) GetRun(id string) (*domain.Run, error) {
	row := s.db.QueryRow(`
		SELECT id, work_order_id, project_id, status, branch_name, source_branch,
			builder_iteration, merge_status, conflict_with_run_id, execution_backend,
			fallback_reasons, reason, created_at, updated_at
		FROM runs WHERE id = ?
	`, id)

	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, domain.ErrRunNotFound
	}
	return run, err
}

// ListOptions specifies filters for listing runs
type ListOptions struct {
	ProjectID string
	Status    domain.RunStatus
	Limit     int
}

// ListRuns returns runs matching the given options, newest first
func (s *Store) ListRuns(opts ListOptions) ([]*domain.Run, error) {
	query := `
		SELECT id, work_order_id, project_id, status, branch_name, source_branch,
			builder_iteration, merge_status, conflict_with_run_id, execution_backend,
			fallback_reasons, reason, created_at, updated_at
		FROM runs WHERE 1=1`
	var args []interface{}

	if opts.ProjectID != "" {
		query += " AND project_id = ?"
		args = append(args, opts.ProjectID)
	}
	if opts.Status != "" {
		query += " AND status = ?"
		args = append(args, string(opts.Status))
	}

	query += " ORDER BY created_at DESC, id DESC"
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}

	return runs, rows.Err()
}

// UpdateRunStatus updates a run's status and terminal reason.
// Status changes are written synchronously so a crash mid-run leaves an
// inspectable record.
func (s *Store) UpdateRunStatus(id string, status domain.RunStatus, reason string) error {
	_, err := s.db.Exec(`UPDATE runs SET status = ?, reason = ?, updated_at = ? WHERE id = ?`,
		string(status), reason, time.Now(), id)
	return err
}

// UpdateRunBranches records the branch pair resolved at setup time
func (s *Store) UpdateRunBranches(id, branchName, sourceBranch string) error {
	_, err := s.db.Exec(`UPDATE runs SET branch_name = ?, source_branch = ?, updated_at = ? WHERE id = ?`,
		branchName, sourceBranch, time.Now(), id)
	return err
}

// UpdateRunBackend records the backend a run ended up on plus the ordered
// fallback reasons that led there
func (s *Store) UpdateRunBackend(id string, kind domain.BackendKind, fallbackReasons []string) error {
	reasons, err := json.Marshal(fallbackReasons)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`UPDATE runs SET execution_backend = ?, fallback_reasons = ?, updated_at = ? WHERE id = ?`,
		string(kind), string(reasons), time.Now(), id)
	return err
}

// UpdateRunIteration records the current builder iteration number
func (s *Store) UpdateRunIteration(id string, iteration int) error {
	_, err := s.db.Exec(`UPDATE runs SET builder_iteration = ?, updated_at = ? WHERE id = ?`,
		iteration, time.Now(), id)
	return err
}

// UpdateMergeStatus records the merge outcome, including the colliding run
// on conflict
func (s *Store) UpdateMergeStatus(id string, status domain.MergeStatus, conflictWith string) error {
	_, err := s.db.Exec(`UPDATE runs SET merge_status = ?, conflict_with_run_id = ?, updated_at = ? WHERE id = ?`,
		string(status), conflictWith, time.Now(), id)
	return err
}

func scanRun(row interface{ Scan(...interface{}) error }) (*domain.Run, error) {
	var run domain.Run
	var status, mergeStatus, backend string
	var branchName, sourceBranch, conflictWith, reasonsJSON, reason sql.NullString

	err := row.Scan(&run.ID, &run.WorkOrderID, &run.ProjectID, &status, &branchName,
		&sourceBranch, &run.BuilderIteration, &mergeStatus, &conflictWith, &backend,
		&reasonsJSON, &reason, &run.CreatedAt, &run.UpdatedAt)
	if err != nil {
		return nil, err
	}

	run.Status = domain.RunStatus(status)
	run.MergeStatus = domain.MergeStatus(mergeStatus)
	run.Backend = domain.BackendKind(backend)
	run.BranchName = branchName.String
	run.SourceBranch = sourceBranch.String
	run.ConflictWithRunID = conflictWith.String
	run.Reason = reason.String

	if reasonsJSON.Valid && reasonsJSON.String != "" && reasonsJSON.String != "null" {
		if err := json.Unmarshal([]byte(reasonsJSON.String), &run.FallbackReasons); err != nil {
			return nil, err
		}
	}

	return &run, nil
}

// AppendIteration appends one iteration record to a run's history.
// Records are never updated or deleted.
func (s *Store) AppendIteration(runID string, rec domain.IterationRecord) error {
	notes, err := json.Marshal(rec.ReviewerNotes)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(`
		INSERT INTO iteration_history (run_id, iteration, builder_summary, test_passed, reviewer_verdict, reviewer_notes)
		VALUES (?, ?, ?, ?, ?, ?)
	`, runID, rec.Iteration, rec.BuilderSummary, rec.TestPassed, string(rec.Verdict), string(notes))
	return err
}

// ListIterations returns a run's iteration history in order.
// Raw test output is intentionally absent; it lives in the artifact bundle.
func (s *Store) ListIterations(runID string) ([]domain.IterationRecord, error) {
	rows, err := s.db.Query(`
		SELECT iteration, builder_summary, test_passed, reviewer_verdict, reviewer_notes
		FROM iteration_history WHERE run_id = ? ORDER BY iteration, id
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []domain.IterationRecord
	for rows.Next() {
		var rec domain.IterationRecord
		var verdict string
		var notesJSON sql.NullString
		if err := rows.Scan(&rec.Iteration, &rec.BuilderSummary, &rec.TestPassed, &verdict, &notesJSON); err != nil {
			return nil, err
		}
		rec.Verdict = domain.Verdict(verdict)
		if notesJSON.Valid && notesJSON.String != "" && notesJSON.String != "null" {
			if err := json.Unmarshal([]byte(notesJSON.String), &rec.ReviewerNotes); err != nil {
				return nil, err
			}
		}
		recs = append(recs, rec)
	}

	return recs, rows.Err()
}
