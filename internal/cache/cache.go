// Package cache provides the local relational store backing the on-device
// task list.
//
// The store is an embedded SQLite database opened in WAL mode. It is the
// single source of truth for LOCAL task records; remote documents are
// mirrored into it by the sync coordinator. Rows that mirror a remote task
// carry the collaborative flag and a unique remote_task_id; purely local
// rows carry neither.
//
// All mutations go through one serialized write path so concurrent
// reconciliation passes and UI edits never interleave writes to the same
// row.
package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("cache: record not found")

// TaskRecord is one row of the local task table.
//
// Invariant: RemoteTaskID is non-empty if and only if Collaborative is
// set. At most one row exists per distinct remote task id.
type TaskRecord struct {
	ID int64

	Title     string
	Content   string
	Completed bool

	CompletedAt *time.Time
	DueAt       *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time

	// Collaborative marks rows mirroring a remote task.
	Collaborative bool
	ProjectID     string
	ProjectName   string
	RemoteTaskID  string
	AssigneeID    string
	CreatorID     string
}

// Store wraps the SQLite connection with task-table operations.
type Store struct {
	conn *sql.DB
	path string

	// writeMu serializes every mutation. SQLite WAL allows concurrent
	// readers, but two writers racing on the same remote_task_id would
	// defeat upsert semantics.
	writeMu sync.Mutex

	notifier changeNotifier
}

// Open creates or opens the cache database at path.
//
// The caller MUST call Close() when done.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping cache database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{conn: conn, path: path}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := s.conn.Exec(pragma); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	return s, nil
}

// Close checkpoints the WAL and closes the connection. Safe to call more
// than once.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}
	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}
	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close cache database: %w", err)
	}
	s.conn = nil
	return nil
}

// InitSchema creates the task table and its indexes. Idempotent.
func (s *Store) InitSchema() error {
	return s.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the schema with context support.
func (s *Store) InitSchemaContext(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		title TEXT NOT NULL,
		content TEXT NOT NULL DEFAULT '',
		completed INTEGER NOT NULL DEFAULT 0,
		completed_at TEXT,
		due_at TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,

		collaborative INTEGER NOT NULL DEFAULT 0,
		project_id TEXT,
		project_name TEXT,
		remote_task_id TEXT UNIQUE,
		assignee_id TEXT,
		creator_id TEXT,

		CHECK (
			(collaborative = 0 AND remote_task_id IS NULL)
			OR (collaborative = 1 AND remote_task_id IS NOT NULL)
		)
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_completed ON tasks(completed);
	CREATE INDEX IF NOT EXISTS idx_tasks_project ON tasks(project_id);
	CREATE INDEX IF NOT EXISTS idx_tasks_due ON tasks(due_at);
	`

	if _, err := s.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize cache schema: %w", err)
	}
	return nil
}

// Insert adds a new record and returns its assigned local id.
func (s *Store) Insert(rec *TaskRecord) (int64, error) {
	return s.InsertContext(context.Background(), rec)
}

// InsertContext adds a new record with context support.
func (s *Store) InsertContext(ctx context.Context, rec *TaskRecord) (int64, error) {
	if err := validateRecord(rec); err != nil {
		return 0, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	query := `
	INSERT INTO tasks (
		title, content, completed, completed_at, due_at,
		created_at, updated_at,
		collaborative, project_id, project_name, remote_task_id,
		assignee_id, creator_id
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	res, err := s.conn.ExecContext(ctx, query,
		rec.Title,
		rec.Content,
		boolToInt(rec.Completed),
		timeToNullString(rec.CompletedAt),
		timeToNullString(rec.DueAt),
		rec.CreatedAt.Format(time.RFC3339Nano),
		rec.UpdatedAt.Format(time.RFC3339Nano),
		boolToInt(rec.Collaborative),
		stringToNull(rec.ProjectID),
		stringToNull(rec.ProjectName),
		stringToNull(rec.RemoteTaskID),
		stringToNull(rec.AssigneeID),
		stringToNull(rec.CreatorID),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert task record: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read inserted id: %w", err)
	}
	rec.ID = id

	s.notifier.publish(Change{Op: OpInsert, LocalID: id, RemoteTaskID: rec.RemoteTaskID})
	return id, nil
}

// Update rewrites every mutable column of an existing record.
func (s *Store) Update(rec *TaskRecord) error {
	return s.UpdateContext(context.Background(), rec)
}

// UpdateContext rewrites a record with context support.
func (s *Store) UpdateContext(ctx context.Context, rec *TaskRecord) error {
	if err := validateRecord(rec); err != nil {
		return err
	}
	if rec.ID == 0 {
		return fmt.Errorf("cannot update record without local id")
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	query := `
	UPDATE tasks SET
		title = ?, content = ?, completed = ?, completed_at = ?, due_at = ?,
		updated_at = ?,
		collaborative = ?, project_id = ?, project_name = ?, remote_task_id = ?,
		assignee_id = ?, creator_id = ?
	WHERE id = ?
	`

	res, err := s.conn.ExecContext(ctx, query,
		rec.Title,
		rec.Content,
		boolToInt(rec.Completed),
		timeToNullString(rec.CompletedAt),
		timeToNullString(rec.DueAt),
		rec.UpdatedAt.Format(time.RFC3339Nano),
		boolToInt(rec.Collaborative),
		stringToNull(rec.ProjectID),
		stringToNull(rec.ProjectName),
		stringToNull(rec.RemoteTaskID),
		stringToNull(rec.AssigneeID),
		stringToNull(rec.CreatorID),
		rec.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update task record %d: %w", rec.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	s.notifier.publish(Change{Op: OpUpdate, LocalID: rec.ID, RemoteTaskID: rec.RemoteTaskID})
	return nil
}

// Delete removes a record by local id. Idempotent.
func (s *Store) Delete(localID int64) error {
	return s.DeleteContext(context.Background(), localID)
}

// DeleteContext removes a record with context support.
func (s *Store) DeleteContext(ctx context.Context, localID int64) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if _, err := s.conn.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, localID); err != nil {
		return fmt.Errorf("failed to delete task record %d: %w", localID, err)
	}
	s.notifier.publish(Change{Op: OpDelete, LocalID: localID})
	return nil
}

// DeleteByRemoteID removes the record mirroring a remote task. Idempotent.
func (s *Store) DeleteByRemoteID(remoteTaskID string) error {
	return s.DeleteByRemoteIDContext(context.Background(), remoteTaskID)
}

// DeleteByRemoteIDContext removes a mirrored record with context support.
func (s *Store) DeleteByRemoteIDContext(ctx context.Context, remoteTaskID string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if _, err := s.conn.ExecContext(ctx,
		`DELETE FROM tasks WHERE remote_task_id = ?`, remoteTaskID); err != nil {
		return fmt.Errorf("failed to delete record for remote task %s: %w", remoteTaskID, err)
	}
	s.notifier.publish(Change{Op: OpDelete, RemoteTaskID: remoteTaskID})
	return nil
}

// DeleteByProject removes every record under a project and returns how
// many rows were deleted. Used for project cascade deletion.
func (s *Store) DeleteByProject(projectID string) (int64, error) {
	return s.DeleteByProjectContext(context.Background(), projectID)
}

// DeleteByProjectContext cascades a project deletion with context support.
func (s *Store) DeleteByProjectContext(ctx context.Context, projectID string) (int64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.conn.ExecContext(ctx, `DELETE FROM tasks WHERE project_id = ?`, projectID)
	if err != nil {
		return 0, fmt.Errorf("failed to cascade delete project %s: %w", projectID, err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.notifier.publish(Change{Op: OpDelete, ProjectID: projectID})
	}
	return n, nil
}

// GetByRemoteID looks up the record mirroring a remote task.
// Returns ErrNotFound if no such row exists.
func (s *Store) GetByRemoteID(remoteTaskID string) (*TaskRecord, error) {
	return s.GetByRemoteIDContext(context.Background(), remoteTaskID)
}

// GetByRemoteIDContext looks up a mirrored record with context support.
func (s *Store) GetByRemoteIDContext(ctx context.Context, remoteTaskID string) (*TaskRecord, error) {
	row := s.conn.QueryRowContext(ctx,
		selectColumns+` FROM tasks WHERE remote_task_id = ?`, remoteTaskID)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

// GetByID looks up a record by its local id.
// Returns ErrNotFound if no such row exists.
func (s *Store) GetByID(localID int64) (*TaskRecord, error) {
	return s.GetByIDContext(context.Background(), localID)
}

// GetByIDContext looks up a record with context support.
func (s *Store) GetByIDContext(ctx context.Context, localID int64) (*TaskRecord, error) {
	row := s.conn.QueryRowContext(ctx,
		selectColumns+` FROM tasks WHERE id = ?`, localID)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

// ListFilter configures List queries. Zero value lists everything.
type ListFilter struct {
	// Completed filters by completion state when non-nil.
	Completed *bool
	// ProjectID filters to one project's records (empty = all).
	ProjectID string
	// CollaborativeOnly keeps only records mirroring remote tasks.
	CollaborativeOnly bool
	// Limit restricts the number of results (0 = no limit).
	Limit int
}

// List retrieves records matching the filter, ordered by creation time
// descending to match the remote stream ordering.
func (s *Store) List(filter ListFilter) ([]*TaskRecord, error) {
	return s.ListContext(context.Background(), filter)
}

// ListContext retrieves records with context support.
func (s *Store) ListContext(ctx context.Context, filter ListFilter) ([]*TaskRecord, error) {
	var conditions []string
	var args []interface{}

	if filter.Completed != nil {
		conditions = append(conditions, "completed = ?")
		args = append(args, boolToInt(*filter.Completed))
	}
	if filter.ProjectID != "" {
		conditions = append(conditions, "project_id = ?")
		args = append(args, filter.ProjectID)
	}
	if filter.CollaborativeOnly {
		conditions = append(conditions, "collaborative = 1")
	}

	query := selectColumns + ` FROM tasks`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list task records: %w", err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

// Count returns the total number of records.
func (s *Store) Count() (int, error) {
	return s.CountContext(context.Background())
}

// CountContext returns the record count with context support.
func (s *Store) CountContext(ctx context.Context) (int, error) {
	var count int
	if err := s.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM tasks").Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count task records: %w", err)
	}
	return count, nil
}

// CountByProject returns how many records reference a project.
func (s *Store) CountByProject(projectID string) (int, error) {
	var count int
	err := s.conn.QueryRow("SELECT COUNT(*) FROM tasks WHERE project_id = ?", projectID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count records for project %s: %w", projectID, err)
	}
	return count, nil
}

const selectColumns = `
	SELECT id, title, content, completed, completed_at, due_at,
	       created_at, updated_at,
	       collaborative, project_id, project_name, remote_task_id,
	       assignee_id, creator_id`

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (*TaskRecord, error) {
	var rec TaskRecord
	var completed, collaborative int
	var completedAt, dueAt sql.NullString
	var createdAt, updatedAt string
	var projectID, projectName, remoteTaskID, assigneeID, creatorID sql.NullString

	err := row.Scan(
		&rec.ID,
		&rec.Title,
		&rec.Content,
		&completed,
		&completedAt,
		&dueAt,
		&createdAt,
		&updatedAt,
		&collaborative,
		&projectID,
		&projectName,
		&remoteTaskID,
		&assigneeID,
		&creatorID,
	)
	if err != nil {
		return nil, err
	}

	rec.Completed = completed != 0
	rec.Collaborative = collaborative != 0
	rec.CompletedAt = nullStringToTime(completedAt)
	rec.DueAt = nullStringToTime(dueAt)
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		rec.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		rec.UpdatedAt = t
	}
	rec.ProjectID = projectID.String
	rec.ProjectName = projectName.String
	rec.RemoteTaskID = remoteTaskID.String
	rec.AssigneeID = assigneeID.String
	rec.CreatorID = creatorID.String

	return &rec, nil
}

func scanRecords(rows *sql.Rows) ([]*TaskRecord, error) {
	var recs []*TaskRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task record: %w", err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating task records: %w", err)
	}
	return recs, nil
}

func validateRecord(rec *TaskRecord) error {
	if rec == nil {
		return fmt.Errorf("record cannot be nil")
	}
	if rec.Title == "" {
		return fmt.Errorf("title is required")
	}
	if rec.Collaborative && rec.RemoteTaskID == "" {
		return fmt.Errorf("collaborative record requires a remote task id")
	}
	if !rec.Collaborative && rec.RemoteTaskID != "" {
		return fmt.Errorf("non-collaborative record cannot carry a remote task id")
	}
	if rec.CreatedAt.IsZero() {
		return fmt.Errorf("created_at is required")
	}
	if rec.UpdatedAt.IsZero() {
		return fmt.Errorf("updated_at is required")
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func stringToNull(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func timeToNullString(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.Format(time.RFC3339Nano), Valid: true}
}

func nullStringToTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, ns.String)
	if err != nil {
		return nil
	}
	return &t
}
