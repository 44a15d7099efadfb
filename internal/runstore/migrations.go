package runstore

const schema = `
CREATE TABLE IF NOT EXISTS runs (
    id TEXT PRIMARY KEY,
    work_order_id TEXT NOT NULL,
    project_id TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'queued',
    branch_name TEXT,
    source_branch TEXT,
    builder_iteration INTEGER NOT NULL DEFAULT 1,
    merge_status TEXT,
    conflict_with_run_id TEXT,
    execution_backend TEXT,
    fallback_reasons TEXT,
    reason TEXT,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_runs_project ON runs(project_id);
CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_work_order ON runs(work_order_id);

CREATE TABLE IF NOT EXISTS merge_locks (
    project_id TEXT PRIMARY KEY,
    run_id TEXT NOT NULL,
    acquired_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS iteration_history (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT NOT NULL REFERENCES runs(id),
    iteration INTEGER NOT NULL,
    builder_summary TEXT,
    test_passed BOOLEAN NOT NULL DEFAULT FALSE,
    reviewer_verdict TEXT,
    reviewer_notes TEXT,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_iterations_run_id ON iteration_history(run_id);

CREATE TABLE IF NOT EXISTS provenance (
    project_id TEXT NOT NULL,
    file_path TEXT NOT NULL,
    run_id TEXT NOT NULL,
    merged_at TIMESTAMP NOT NULL,
    PRIMARY KEY (project_id, file_path)
);
`
