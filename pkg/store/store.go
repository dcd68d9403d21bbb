package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	_ "modernc.org/sqlite" // Register SQLite driver

	"github.com/FulgerX2007/chartsnap/pkg/model"
)

// ErrNotFound is returned when a job or run does not exist
var ErrNotFound = errors.New("not found")

// sqliteTime is the layout used for every timestamp column. It sorts
// lexically and is understood by SQLite's datetime().
const sqliteTime = "2006-01-02 15:04:05"

// ParseTimestamp parses a timestamp string, handling multiple formats:
// - "2006-01-02 15:04:05" (UTC, no timezone)
// - "2006-01-02 15:04:05 -0700 MST" (with timezone)
// - RFC 3339, with or without fractional seconds
func ParseTimestamp(s string) *time.Time {
	if s == "" {
		return nil
	}

	formats := []string{
		sqliteTime,
		"2006-01-02 15:04:05 -0700 MST",
		"2006-01-02 15:04:05 -0700",
		"2006-01-02 15:04:05.999999999-07:00",
		time.RFC3339Nano,
		"2006-01-02",
	}

	for _, format := range formats {
		if t, err := time.Parse(format, s); err == nil {
			return &t
		}
	}
	return nil
}

func formatTimestamp(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC().Format(sqliteTime)
}

// Store handles database operations
type Store struct {
	db         *sql.DB
	writeQueue *writeQueue
	logger     *log.Logger
}

// NewStore creates a new store instance
func NewStore(dbPath string, logger *log.Logger) (*Store, error) {
	if logger == nil {
		logger = log.Default()
	}
	logger = logger.WithPrefix("store")

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// WAL allows concurrent readers alongside the single writer
	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite only supports single writer
	db.SetMaxIdleConns(1)

	logger.Debug("sqlite configured", "path", dbPath, "journal", "wal", "busy_timeout_ms", 5000)

	store := &Store{db: db, logger: logger}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	store.writeQueue = newWriteQueue(store)
	return store, nil
}

// migrate runs database migrations
func (s *Store) migrate() error {
	tables := []string{
		`CREATE TABLE IF NOT EXISTS snapshot_jobs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			interval_type TEXT NOT NULL DEFAULT '',
			cron_expr TEXT NOT NULL DEFAULT '',
			timezone TEXT NOT NULL DEFAULT 'UTC',
			query TEXT NOT NULL,
			lookback TEXT NOT NULL DEFAULT '',
			config TEXT NOT NULL,
			format TEXT NOT NULL DEFAULT 'png',
			enabled INTEGER NOT NULL DEFAULT 1,
			last_run_at TEXT,
			next_run_at TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_snapshot_jobs_enabled ON snapshot_jobs(enabled)`,
		`CREATE INDEX IF NOT EXISTS idx_snapshot_jobs_next_run_at ON snapshot_jobs(next_run_at)`,
		`CREATE TABLE IF NOT EXISTS runs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			job_id INTEGER NOT NULL,
			request_id TEXT NOT NULL DEFAULT '',
			started_at TEXT NOT NULL,
			finished_at TEXT,
			status TEXT NOT NULL,
			error_text TEXT,
			format TEXT NOT NULL DEFAULT 'png',
			bytes INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			FOREIGN KEY (job_id) REFERENCES snapshot_jobs(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_job_id ON runs(job_id)`,
	}
	for _, ddl := range tables {
		if _, err := s.db.Exec(ddl); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	// Columns added after the first release
	columns := []struct {
		table, column, ddl string
	}{
		{"runs", "error_kind", `ALTER TABLE runs ADD COLUMN error_kind TEXT`},
		{"runs", "checksum", `ALTER TABLE runs ADD COLUMN checksum TEXT`},
		{"runs", "artifact_data", `ALTER TABLE runs ADD COLUMN artifact_data BLOB`},
	}
	for _, c := range columns {
		exists, err := s.hasColumn(c.table, c.column)
		if err != nil {
			return err
		}
		if exists {
			continue
		}
		if _, err := s.db.Exec(c.ddl); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
		s.logger.Info("added column", "table", c.table, "column", c.column)
	}
	return nil
}

func (s *Store) hasColumn(table, column string) (bool, error) {
	rows, err := s.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, fmt.Errorf("failed to inspect %s: %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid       int
			name      string
			ctype     string
			notNull   int
			dfltValue sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notNull, &dfltValue, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}

const jobColumns = `id, name, interval_type, cron_expr, timezone, query, lookback, config,
	format, enabled, last_run_at, next_run_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*model.SnapshotJob, error) {
	job := &model.SnapshotJob{}
	var lastRunAt, nextRunAt sql.NullString
	var createdAt, updatedAt string
	var format string

	err := row.Scan(
		&job.ID, &job.Name, &job.IntervalType, &job.CronExpr, &job.Timezone,
		&job.Query, &job.Lookback, &job.Config, &format, &job.Enabled,
		&lastRunAt, &nextRunAt, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	job.Format = model.OutputFormat(format)

	if lastRunAt.Valid {
		job.LastRunAt = ParseTimestamp(lastRunAt.String)
	}
	if nextRunAt.Valid {
		job.NextRunAt = ParseTimestamp(nextRunAt.String)
	}
	if t := ParseTimestamp(createdAt); t != nil {
		job.CreatedAt = *t
	}
	if t := ParseTimestamp(updatedAt); t != nil {
		job.UpdatedAt = *t
	}
	return job, nil
}

func (s *Store) queryJobs(query string, args ...interface{}) ([]*model.SnapshotJob, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	jobs := make([]*model.SnapshotJob, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job row: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// CreateJob creates a new snapshot job (queued for serialized execution)
func (s *Store) CreateJob(job *model.SnapshotJob) error {
	return s.writeQueue.enqueue(opCreateJob, job)
}

// createJobDirect creates a new snapshot job (direct database access, called by write queue)
func (s *Store) createJobDirect(job *model.SnapshotJob) error {
	now := time.Now().UTC().Truncate(time.Second)
	job.CreatedAt = now
	job.UpdatedAt = now
	if job.Format == "" {
		job.Format = model.FormatPNG
	}

	result, err := s.db.Exec(`
		INSERT INTO snapshot_jobs (
			name, interval_type, cron_expr, timezone, query, lookback, config,
			format, enabled, last_run_at, next_run_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.Name, job.IntervalType, job.CronExpr, job.Timezone, job.Query, job.Lookback,
		job.Config, string(job.Format), job.Enabled, formatTimestamp(job.LastRunAt),
		formatTimestamp(job.NextRunAt), formatTimestamp(&now), formatTimestamp(&now),
	)
	if err != nil {
		return err
	}

	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	job.ID = id
	return nil
}

// GetJob retrieves a snapshot job by ID
func (s *Store) GetJob(id int64) (*model.SnapshotJob, error) {
	job, err := scanJob(s.db.QueryRow(`SELECT `+jobColumns+` FROM snapshot_jobs WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("job %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return job, nil
}

// ListJobs retrieves all snapshot jobs, newest first
func (s *Store) ListJobs() ([]*model.SnapshotJob, error) {
	return s.queryJobs(`SELECT ` + jobColumns + ` FROM snapshot_jobs ORDER BY created_at DESC, id DESC`)
}

// GetDueJobs retrieves enabled jobs whose next run is not in the future
func (s *Store) GetDueJobs(now time.Time) ([]*model.SnapshotJob, error) {
	jobs, err := s.queryJobs(`
		SELECT `+jobColumns+` FROM snapshot_jobs
		WHERE enabled = 1 AND (next_run_at IS NULL OR datetime(next_run_at) <= datetime(?))
		ORDER BY next_run_at ASC, id ASC`,
		now.UTC().Format(sqliteTime),
	)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("due jobs", "now", now.UTC().Format(sqliteTime), "count", len(jobs))
	return jobs, nil
}

// UpdateJob updates an existing snapshot job (queued for serialized execution)
func (s *Store) UpdateJob(job *model.SnapshotJob) error {
	return s.writeQueue.enqueue(opUpdateJob, job)
}

// updateJobDirect updates an existing snapshot job (direct database access, called by write queue)
func (s *Store) updateJobDirect(job *model.SnapshotJob) error {
	now := time.Now().UTC().Truncate(time.Second)
	job.UpdatedAt = now

	result, err := s.db.Exec(`
		UPDATE snapshot_jobs SET
			name = ?, interval_type = ?, cron_expr = ?, timezone = ?, query = ?,
			lookback = ?, config = ?, format = ?, enabled = ?,
			last_run_at = ?, next_run_at = ?, updated_at = ?
		WHERE id = ?`,
		job.Name, job.IntervalType, job.CronExpr, job.Timezone, job.Query,
		job.Lookback, job.Config, string(job.Format), job.Enabled,
		formatTimestamp(job.LastRunAt), formatTimestamp(job.NextRunAt), formatTimestamp(&now),
		job.ID,
	)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("job %d: %w", job.ID, ErrNotFound)
	}
	return nil
}

// DeleteJob deletes a snapshot job and its runs (queued for serialized execution)
func (s *Store) DeleteJob(id int64) error {
	return s.writeQueue.enqueue(opDeleteJob, id)
}

// deleteJobDirect deletes a job and its runs in one transaction (called by write queue)
func (s *Store) deleteJobDirect(id int64) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM runs WHERE job_id = ?", id); err != nil {
		return err
	}
	result, err := tx.Exec("DELETE FROM snapshot_jobs WHERE id = ?", id)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("job %d: %w", id, ErrNotFound)
	}
	return tx.Commit()
}

// CreateRun creates a new run record (queued for serialized execution)
func (s *Store) CreateRun(run *model.Run) error {
	return s.writeQueue.enqueue(opCreateRun, run)
}

// createRunDirect creates a new run record (direct database access, called by write queue)
func (s *Store) createRunDirect(run *model.Run) error {
	run.CreatedAt = time.Now().UTC().Truncate(time.Second)
	if run.Format == "" {
		run.Format = model.FormatPNG
	}

	result, err := s.db.Exec(`
		INSERT INTO runs (job_id, request_id, started_at, status, format, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		run.JobID, run.RequestID, formatTimestamp(&run.StartedAt), run.Status,
		string(run.Format), formatTimestamp(&run.CreatedAt),
	)
	if err != nil {
		return err
	}

	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	run.ID = id
	return nil
}

// UpdateRun updates a run record (queued for serialized execution)
func (s *Store) UpdateRun(run *model.Run) error {
	return s.writeQueue.enqueue(opUpdateRun, run)
}

// updateRunDirect updates a run record (direct database access, called by write queue)
func (s *Store) updateRunDirect(run *model.Run) error {
	_, err := s.db.Exec(`
		UPDATE runs SET
			request_id = ?, finished_at = ?, status = ?, error_kind = ?, error_text = ?,
			format = ?, artifact_data = ?, bytes = ?, checksum = ?
		WHERE id = ?`,
		run.RequestID, formatTimestamp(run.FinishedAt), run.Status, run.ErrorKind, run.ErrorText,
		string(run.Format), run.ArtifactData, run.Bytes, run.Checksum, run.ID,
	)
	return err
}

const runColumns = `id, job_id, request_id, started_at, finished_at, status, error_kind,
	error_text, format, bytes, checksum, created_at`

func scanRun(row rowScanner, extra ...interface{}) (*model.Run, error) {
	run := &model.Run{}
	var startedAt, createdAt, format string
	var finishedAt, errorKind, errorText, checksum sql.NullString

	dest := []interface{}{
		&run.ID, &run.JobID, &run.RequestID, &startedAt, &finishedAt, &run.Status,
		&errorKind, &errorText, &format, &run.Bytes, &checksum, &createdAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}

	run.Format = model.OutputFormat(format)
	if t := ParseTimestamp(startedAt); t != nil {
		run.StartedAt = *t
	}
	if t := ParseTimestamp(createdAt); t != nil {
		run.CreatedAt = *t
	}
	if finishedAt.Valid {
		run.FinishedAt = ParseTimestamp(finishedAt.String)
	}
	run.ErrorKind = errorKind.String
	run.ErrorText = errorText.String
	run.Checksum = checksum.String
	return run, nil
}

// GetRun retrieves a run by ID, including its artifact
func (s *Store) GetRun(id int64) (*model.Run, error) {
	var artifact []byte
	run, err := scanRun(s.db.QueryRow(`SELECT `+runColumns+`, artifact_data FROM runs WHERE id = ?`, id), &artifact)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("run %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if len(artifact) > 0 {
		run.ArtifactData = artifact
	}
	return run, nil
}

// ListRuns retrieves the latest runs of a job without their artifacts
func (s *Store) ListRuns(jobID int64, limit int) ([]*model.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT `+runColumns+` FROM runs
		WHERE job_id = ? ORDER BY started_at DESC, id DESC LIMIT ?`,
		jobID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	runs := make([]*model.Run, 0)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// Close closes the database connection and shuts down the write queue
func (s *Store) Close() error {
	// Pending writes complete before the database goes away
	if s.writeQueue != nil {
		s.writeQueue.shutdown()
	}
	return s.db.Close()
}
