package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned by lookups that match no row.
var ErrNotFound = errors.New("not found")

// Store provides SQLite-backed persistence for the operation journal
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// New creates a new Store, opening the SQLite database and running migrations
func New(dbPath string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection keeps ":memory:" databases coherent and serializes
	// writers from the scheduler and the foreground command.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{
		db:     db,
		logger: logger,
	}

	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	logger.Debug("store initialized", "path", dbPath)
	return s, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

// ============================================================================
// Operation journal
// ============================================================================

// CreateOperation inserts a new Operation and sets its ID
func (s *Store) CreateOperation(op *Operation) error {
	const query = `
		INSERT INTO operations (
			run_id, command, mode, detail, status, error_message, start_time, end_time
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	if op.Status == "" {
		op.Status = StatusRunning
	}
	result, err := s.db.Exec(
		query,
		op.RunID, op.Command, op.Mode, op.Detail, op.Status,
		op.ErrorMessage, op.StartTime.UTC(), op.EndTime.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert operation: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}

	op.ID = id
	return nil
}

// FinishOperation stores the final status, error text and end time
func (s *Store) FinishOperation(op *Operation) error {
	const query = `
		UPDATE operations SET
			mode = ?, detail = ?, status = ?, error_message = ?, end_time = ?
		WHERE run_id = ?
	`

	result, err := s.db.Exec(
		query,
		op.Mode, op.Detail, op.Status, op.ErrorMessage, op.EndTime.UTC(), op.RunID,
	)
	if err != nil {
		return fmt.Errorf("failed to update operation: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("operation %s: %w", op.RunID, ErrNotFound)
	}

	return nil
}

// GetOperation retrieves an Operation by run id
func (s *Store) GetOperation(runID string) (*Operation, error) {
	const query = `
		SELECT id, run_id, command, mode, detail, status, error_message, start_time, end_time
		FROM operations WHERE run_id = ?
	`

	op := &Operation{}
	err := s.db.QueryRow(query, runID).Scan(
		&op.ID, &op.RunID, &op.Command, &op.Mode, &op.Detail,
		&op.Status, &op.ErrorMessage, &op.StartTime, &op.EndTime,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("operation %s: %w", runID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to query operation: %w", err)
	}

	return op, nil
}

// ListOperations retrieves Operations newest first, optionally filtered by command
func (s *Store) ListOperations(command string, limit int) ([]Operation, error) {
	query := `
		SELECT id, run_id, command, mode, detail, status, error_message, start_time, end_time
		FROM operations
	`
	var args []interface{}

	if command != "" {
		query += " WHERE command = ?"
		args = append(args, command)
	}

	query += " ORDER BY start_time DESC, id DESC"

	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query operations: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var ops []Operation
	for rows.Next() {
		op := Operation{}
		err := rows.Scan(
			&op.ID, &op.RunID, &op.Command, &op.Mode, &op.Detail,
			&op.Status, &op.ErrorMessage, &op.StartTime, &op.EndTime,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan operation: %w", err)
		}
		ops = append(ops, op)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating operations: %w", err)
	}

	return ops, nil
}

// ============================================================================
// Backup archives
// ============================================================================

// RecordBackup inserts or replaces the Backup row for b.Path and sets its ID
func (s *Store) RecordBackup(b *Backup) error {
	const query = `
		INSERT INTO backups (path, sha256, size, compression, run_id, created_at, deleted)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			sha256 = excluded.sha256,
			size = excluded.size,
			compression = excluded.compression,
			run_id = excluded.run_id,
			created_at = excluded.created_at,
			deleted = excluded.deleted
	`

	_, err := s.db.Exec(
		query,
		b.Path, b.SHA256, b.Size, b.Compression, b.RunID, b.CreatedAt.UTC(), b.Deleted,
	)
	if err != nil {
		return fmt.Errorf("failed to record backup: %w", err)
	}

	return s.db.QueryRow("SELECT id FROM backups WHERE path = ?", b.Path).Scan(&b.ID)
}

// GetBackup retrieves a Backup by archive path
func (s *Store) GetBackup(path string) (*Backup, error) {
	const query = `
		SELECT id, path, sha256, size, compression, run_id, created_at, deleted
		FROM backups WHERE path = ?
	`

	b := &Backup{}
	err := s.db.QueryRow(query, path).Scan(
		&b.ID, &b.Path, &b.SHA256, &b.Size, &b.Compression, &b.RunID, &b.CreatedAt, &b.Deleted,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("backup %s: %w", path, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to query backup: %w", err)
	}
	return b, nil
}

// ListBackups retrieves Backups newest first. Deleted rows are included only
// when includeDeleted is set.
func (s *Store) ListBackups(includeDeleted bool, limit int) ([]Backup, error) {
	query := `
		SELECT id, path, sha256, size, compression, run_id, created_at, deleted
		FROM backups
	`
	var args []interface{}

	if !includeDeleted {
		query += " WHERE deleted = 0"
	}

	query += " ORDER BY created_at DESC, id DESC"

	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query backups: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var backups []Backup
	for rows.Next() {
		b := Backup{}
		if err := rows.Scan(
			&b.ID, &b.Path, &b.SHA256, &b.Size, &b.Compression, &b.RunID, &b.CreatedAt, &b.Deleted,
		); err != nil {
			return nil, fmt.Errorf("failed to scan backup: %w", err)
		}
		backups = append(backups, b)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating backups: %w", err)
	}

	return backups, nil
}

// MarkBackupDeleted flags the archive at path as pruned
func (s *Store) MarkBackupDeleted(path string) error {
	result, err := s.db.Exec("UPDATE backups SET deleted = 1 WHERE path = ?", path)
	if err != nil {
		return fmt.Errorf("failed to mark backup deleted: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("backup %s: %w", path, ErrNotFound)
	}
	return nil
}

// ============================================================================
// Releases
// ============================================================================

// RecordRelease inserts a new Release and sets its ID
func (s *Store) RecordRelease(r *Release) error {
	const query = `
		INSERT INTO releases (mode, image, tag, previous_tag, run_id, applied_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.Exec(
		query,
		r.Mode, r.Image, r.Tag, r.PreviousTag, r.RunID, r.AppliedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert release: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}

	r.ID = id
	return nil
}

// LatestRelease returns the most recently applied Release for mode
func (s *Store) LatestRelease(mode string) (*Release, error) {
	releases, err := s.ListReleases(mode, 1)
	if err != nil {
		return nil, err
	}
	if len(releases) == 0 {
		return nil, fmt.Errorf("release for %s: %w", mode, ErrNotFound)
	}
	return &releases[0], nil
}

// ListReleases retrieves Releases newest first, optionally filtered by mode
func (s *Store) ListReleases(mode string, limit int) ([]Release, error) {
	query := `
		SELECT id, mode, image, tag, previous_tag, run_id, applied_at
		FROM releases
	`
	var args []interface{}

	if mode != "" {
		query += " WHERE mode = ?"
		args = append(args, mode)
	}

	query += " ORDER BY id DESC"

	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query releases: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var releases []Release
	for rows.Next() {
		r := Release{}
		if err := rows.Scan(&r.ID, &r.Mode, &r.Image, &r.Tag, &r.PreviousTag, &r.RunID, &r.AppliedAt); err != nil {
			return nil, fmt.Errorf("failed to scan release: %w", err)
		}
		releases = append(releases, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating releases: %w", err)
	}

	return releases, nil
}

// ============================================================================
// Jobs
// ============================================================================

// CreateJob inserts a new Job and sets its ID
func (s *Store) CreateJob(job *Job) error {
	const query = `
		INSERT INTO jobs (
			type, cron_expr, status, last_run, next_run, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.Exec(
		query,
		job.Type, job.CronExpr, job.Status,
		job.LastRun.UTC(), job.NextRun.UTC(), job.CreatedAt.UTC(), job.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert job: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}

	job.ID = id
	return nil
}

// UpdateJob updates an existing Job by ID
func (s *Store) UpdateJob(job *Job) error {
	const query = `
		UPDATE jobs SET
			type = ?, cron_expr = ?, status = ?,
			last_run = ?, next_run = ?, updated_at = ?
		WHERE id = ?
	`

	result, err := s.db.Exec(
		query,
		job.Type, job.CronExpr, job.Status,
		job.LastRun.UTC(), job.NextRun.UTC(), job.UpdatedAt.UTC(), job.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return fmt.Errorf("job %d: %w", job.ID, ErrNotFound)
	}

	return nil
}

// ListJobs retrieves Jobs, optionally filtered by status
func (s *Store) ListJobs(status string, limit int) ([]Job, error) {
	query := `
		SELECT id, type, cron_expr, status, last_run, next_run, created_at, updated_at
		FROM jobs
	`
	var args []interface{}

	if status != "" {
		query += " WHERE status = ?"
		args = append(args, status)
	}

	query += " ORDER BY id DESC"

	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var jobs []Job
	for rows.Next() {
		job := Job{}
		err := rows.Scan(
			&job.ID, &job.Type, &job.CronExpr, &job.Status,
			&job.LastRun, &job.NextRun, &job.CreatedAt, &job.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating jobs: %w", err)
	}

	return jobs, nil
}
