package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // SQLite driver
)

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id                 TEXT PRIMARY KEY,
	type               TEXT NOT NULL,
	category           TEXT NOT NULL,
	priority           INTEGER NOT NULL DEFAULT 5,
	status             TEXT NOT NULL,
	title              TEXT NOT NULL,
	description        TEXT NOT NULL DEFAULT '',
	progress           INTEGER NOT NULL DEFAULT 0,
	attempts           INTEGER NOT NULL DEFAULT 0,
	max_attempts       INTEGER NOT NULL DEFAULT 3,
	result             TEXT NOT NULL DEFAULT '',
	error              TEXT NOT NULL DEFAULT '',
	created_at         DATETIME NOT NULL,
	started_at         DATETIME,
	completed_at       DATETIME,
	related_finding_id TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_tasks_claim ON tasks (status, priority DESC, created_at ASC);

CREATE TABLE IF NOT EXISTS findings (
	id              TEXT PRIMARY KEY,
	finding_type    TEXT NOT NULL,
	severity        TEXT NOT NULL,
	title           TEXT NOT NULL,
	evidence        TEXT NOT NULL DEFAULT '',
	detector        TEXT NOT NULL DEFAULT '',
	detected_at     DATETIME NOT NULL,
	related_task_id TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_findings_unconverted ON findings (related_task_id, detected_at ASC);

CREATE TABLE IF NOT EXISTS reports (
	id                TEXT PRIMARY KEY,
	generated_at      DATETIME NOT NULL,
	window_start      DATETIME NOT NULL,
	window_end        DATETIME NOT NULL,
	tasks_completed   INTEGER NOT NULL DEFAULT 0,
	tasks_failed      INTEGER NOT NULL DEFAULT 0,
	findings_detected INTEGER NOT NULL DEFAULT 0,
	findings_resolved INTEGER NOT NULL DEFAULT 0,
	cycles_aborted    INTEGER NOT NULL DEFAULT 0,
	executive_summary TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS cycle_runs (
	id                 TEXT PRIMARY KEY,
	started_at         DATETIME NOT NULL,
	finished_at        DATETIME NOT NULL,
	aborted            INTEGER NOT NULL DEFAULT 0,
	error              TEXT NOT NULL DEFAULT '',
	tasks_reclaimed    INTEGER NOT NULL DEFAULT 0,
	findings_detected  INTEGER NOT NULL DEFAULT 0,
	findings_converted INTEGER NOT NULL DEFAULT 0,
	tasks_executed     INTEGER NOT NULL DEFAULT 0
);
`

// notableLimit caps how many completed/failed tasks a reporting window lists.
const notableLimit = 5

// SQLiteStore implements Store on a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and ensures
// the schema exists. The caller is responsible for calling Close.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	db.SetMaxOpenConns(1) // prevent SQLITE_BUSY
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the underlying database connection.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// Ping reports whether the database is reachable.
func (s *SQLiteStore) Ping() error { return s.db.Ping() }

func newID() string { return uuid.New().String() }

// --- Findings ---

// CreateFinding persists a new finding and sets its ID and DetectedAt.
func (s *SQLiteStore) CreateFinding(f *Finding) (string, error) {
	f.ID = newID()
	if f.DetectedAt.IsZero() {
		f.DetectedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`
		INSERT INTO findings
			(id, finding_type, severity, title, evidence, detector, detected_at, related_task_id)
		VALUES (?,?,?,?,?,?,?,?)`,
		f.ID, string(f.Type), string(f.Severity), f.Title, f.Evidence, f.Detector,
		f.DetectedAt, f.RelatedTaskID,
	)
	if err != nil {
		return "", fmt.Errorf("insert finding: %w", err)
	}
	return f.ID, nil
}

// GetFinding retrieves a finding by ID.
func (s *SQLiteStore) GetFinding(id string) (*Finding, error) {
	row := s.db.QueryRow(`SELECT * FROM findings WHERE id = ?`, id)
	f, err := scanFinding(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("finding %s: %w", id, ErrNotFound)
	}
	return f, err
}

// ListFindings returns findings matching the filter, newest first.
func (s *SQLiteStore) ListFindings(filter FindingFilter) ([]*Finding, error) {
	q := strings.Builder{}
	q.WriteString("SELECT * FROM findings WHERE 1=1")
	args := []any{}

	if filter.Type != "" {
		q.WriteString(" AND finding_type=?")
		args = append(args, string(filter.Type))
	}
	if filter.Severity != "" {
		q.WriteString(" AND severity=?")
		args = append(args, string(filter.Severity))
	}
	if filter.Unconverted {
		q.WriteString(" AND related_task_id=''")
	}
	q.WriteString(" ORDER BY detected_at DESC")
	if filter.Limit > 0 {
		q.WriteString(fmt.Sprintf(" LIMIT %d", filter.Limit))
		if filter.Offset > 0 {
			q.WriteString(fmt.Sprintf(" OFFSET %d", filter.Offset))
		}
	}

	rows, err := s.db.Query(q.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("list findings: %w", err)
	}
	defer rows.Close()

	var findings []*Finding
	for rows.Next() {
		f, err := scanFinding(rows)
		if err != nil {
			return nil, err
		}
		findings = append(findings, f)
	}
	return findings, rows.Err()
}

// ListUnconvertedFindings returns up to limit unconverted findings, oldest
// first, so conversion drains the backlog in detection order.
func (s *SQLiteStore) ListUnconvertedFindings(limit int) ([]*Finding, error) {
	rows, err := s.db.Query(`
		SELECT * FROM findings
		WHERE related_task_id = ''
		ORDER BY detected_at ASC, id ASC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list unconverted findings: %w", err)
	}
	defer rows.Close()

	var findings []*Finding
	for rows.Next() {
		f, err := scanFinding(rows)
		if err != nil {
			return nil, err
		}
		findings = append(findings, f)
	}
	return findings, rows.Err()
}

// HasUnconvertedFinding reports whether an unconverted finding with the same
// type and title already exists.
func (s *SQLiteStore) HasUnconvertedFinding(ft FindingType, title string) (bool, error) {
	var n int
	err := s.db.QueryRow(`
		SELECT COUNT(1) FROM findings
		WHERE related_task_id = '' AND finding_type = ? AND title = ?`,
		string(ft), title).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check duplicate finding: %w", err)
	}
	return n > 0, nil
}

// --- Tasks ---

// CreateTask persists a standalone task and sets its ID and CreatedAt.
func (s *SQLiteStore) CreateTask(t *Task) (string, error) {
	t.ID = newID()
	t.CreatedAt = time.Now().UTC()
	if err := s.insertTask(s.db, t); err != nil {
		return "", err
	}
	return t.ID, nil
}

// CreateTaskLinkedToFinding creates the task and marks the finding converted
// in one transaction. The guard on related_task_id makes conversion
// idempotent: when the finding was already converted, nothing is written and
// the existing task ID is returned.
func (s *SQLiteStore) CreateTaskLinkedToFinding(findingID string, t *Task) (string, error) {
	t.ID = newID()
	t.CreatedAt = time.Now().UTC()
	t.RelatedFindingID = findingID

	tx, err := s.db.Begin()
	if err != nil {
		return "", fmt.Errorf("begin conversion: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.Exec(
		`UPDATE findings SET related_task_id = ? WHERE id = ? AND related_task_id = ''`,
		t.ID, findingID,
	)
	if err != nil {
		return "", fmt.Errorf("mark finding converted: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return "", err
	}
	if n == 0 {
		// Already converted (or missing). Report the existing task, if any.
		var existing string
		err := s.db.QueryRow(`SELECT related_task_id FROM findings WHERE id = ?`, findingID).Scan(&existing)
		if err == sql.ErrNoRows {
			return "", fmt.Errorf("finding %s: %w", findingID, ErrNotFound)
		}
		if err != nil {
			return "", fmt.Errorf("lookup converted finding: %w", err)
		}
		return existing, nil
	}

	if err := s.insertTask(tx, t); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit conversion: %w", err)
	}
	return t.ID, nil
}

// execer abstracts sql.DB and sql.Tx for insertTask.
type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func (s *SQLiteStore) insertTask(e execer, t *Task) error {
	if t.Status == "" {
		t.Status = TaskPending
	}
	if t.MaxAttempts <= 0 {
		t.MaxAttempts = 3
	}
	_, err := e.Exec(`
		INSERT INTO tasks
			(id, type, category, priority, status, title, description, progress,
			 attempts, max_attempts, result, error, created_at, started_at, completed_at,
			 related_finding_id)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, string(t.Type), string(t.Category), t.Priority, string(t.Status),
		t.Title, t.Description, t.Progress,
		t.Attempts, t.MaxAttempts, string(t.Result), t.Error,
		t.CreatedAt, nullTime(t.StartedAt), nullTime(t.CompletedAt),
		t.RelatedFindingID,
	)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// GetTask retrieves a task by ID.
func (s *SQLiteStore) GetTask(id string) (*Task, error) {
	row := s.db.QueryRow(`SELECT * FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return t, err
}

// ListTasks returns tasks matching the filter, highest priority first.
func (s *SQLiteStore) ListTasks(filter TaskFilter) ([]*Task, error) {
	q := strings.Builder{}
	q.WriteString("SELECT * FROM tasks WHERE 1=1")
	args := []any{}

	if filter.Status != nil {
		q.WriteString(" AND status=?")
		args = append(args, string(*filter.Status))
	}
	if filter.Type != "" {
		q.WriteString(" AND type=?")
		args = append(args, string(filter.Type))
	}
	if filter.Category != "" {
		q.WriteString(" AND category=?")
		args = append(args, string(filter.Category))
	}
	q.WriteString(" ORDER BY priority DESC, created_at ASC")
	if filter.Limit > 0 {
		q.WriteString(fmt.Sprintf(" LIMIT %d", filter.Limit))
		if filter.Offset > 0 {
			q.WriteString(fmt.Sprintf(" OFFSET %d", filter.Offset))
		}
	}

	rows, err := s.db.Query(q.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// ListPendingTasksByPriority returns up to limit pending tasks in claim order.
func (s *SQLiteStore) ListPendingTasksByPriority(limit int) ([]*Task, error) {
	status := TaskPending
	return s.ListTasks(TaskFilter{Status: &status, Limit: limit})
}

// ClaimNextPendingTask atomically claims the next eligible task. The
// conditional update is the sole guard against two overlapping cycles
// executing the same task.
func (s *SQLiteStore) ClaimNextPendingTask() (*Task, error) {
	now := time.Now().UTC()
	var id string
	err := s.db.QueryRow(`
		UPDATE tasks
		SET status = ?, started_at = ?, attempts = attempts + 1
		WHERE id = (
			SELECT id FROM tasks WHERE status = ? AND attempts < max_attempts
			ORDER BY priority DESC, created_at ASC, id ASC
			LIMIT 1
		) AND status = ?
		RETURNING id`,
		string(TaskInProgress), now, string(TaskPending), string(TaskPending),
	).Scan(&id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim next pending task: %w", err)
	}
	return s.GetTask(id)
}

// CompleteTask transitions an in_progress task to completed.
func (s *SQLiteStore) CompleteTask(id string, result json.RawMessage) error {
	return s.finishTask(id, TaskCompleted, string(result), "")
}

// FailTask transitions an in_progress task to failed (terminal).
func (s *SQLiteStore) FailTask(id string, cause string) error {
	return s.finishTask(id, TaskFailed, "", cause)
}

// finishTask performs the guarded in_progress -> completed|failed transition.
// The guard fails loudly so double-completion surfaces as an error.
func (s *SQLiteStore) finishTask(id string, status TaskStatus, result, cause string) error {
	now := time.Now().UTC()
	q := `UPDATE tasks SET status = ?, completed_at = ?, error = ? WHERE id = ? AND status = ?`
	args := []any{string(status), now, cause, id, string(TaskInProgress)}
	if status == TaskCompleted {
		q = `UPDATE tasks SET status = ?, completed_at = ?, error = ?, result = ?, progress = 100
			WHERE id = ? AND status = ?`
		args = []any{string(status), now, cause, result, id, string(TaskInProgress)}
	}

	res, err := s.db.Exec(q, args...)
	if err != nil {
		return fmt.Errorf("finish task %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := s.GetTask(id); err != nil {
			return err
		}
		return fmt.Errorf("task %s: %w", id, ErrNotInProgress)
	}
	return nil
}

// RetryTask returns an in_progress task to pending after a failed attempt.
func (s *SQLiteStore) RetryTask(id string, cause string) error {
	res, err := s.db.Exec(`
		UPDATE tasks SET status = ?, started_at = NULL, error = ?
		WHERE id = ? AND status = ?`,
		string(TaskPending), cause, id, string(TaskInProgress),
	)
	if err != nil {
		return fmt.Errorf("retry task %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := s.GetTask(id); err != nil {
			return err
		}
		return fmt.Errorf("task %s: %w", id, ErrNotInProgress)
	}
	return nil
}

// UpdateTaskProgress records sub-step progress and the interim result on an
// in_progress task. An empty result preserves the one already stored.
// started_at is refreshed so a healthy multi-step task is not reclaimed.
func (s *SQLiteStore) UpdateTaskProgress(id string, progress int, result json.RawMessage) error {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	res, err := s.db.Exec(`
		UPDATE tasks SET progress = ?, started_at = ?,
			result = COALESCE(NULLIF(?, ''), result)
		WHERE id = ? AND status = ?`,
		progress, time.Now().UTC(), string(result), id, string(TaskInProgress),
	)
	if err != nil {
		return fmt.Errorf("update task progress %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := s.GetTask(id); err != nil {
			return err
		}
		return fmt.Errorf("task %s: %w", id, ErrNotInProgress)
	}
	return nil
}

// ReclaimStuckTasks resets abandoned in_progress tasks back to pending.
// Attempts are untouched; the increment already happened at claim time. A
// stuck task whose retry budget is already spent goes straight to failed so
// a crash/reclaim loop cannot push attempts past max_attempts.
func (s *SQLiteStore) ReclaimStuckTasks(olderThan time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("reclaim stuck tasks: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	failed, err := tx.Exec(`
		UPDATE tasks SET status = ?, completed_at = ?, error = ?
		WHERE status = ? AND started_at < ? AND attempts >= max_attempts`,
		string(TaskFailed), time.Now().UTC(), "abandoned with retry budget exhausted",
		string(TaskInProgress), cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("reclaim stuck tasks: %w", err)
	}
	reset, err := tx.Exec(`
		UPDATE tasks SET status = ?, started_at = NULL
		WHERE status = ? AND started_at < ?`,
		string(TaskPending), string(TaskInProgress), cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("reclaim stuck tasks: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("reclaim stuck tasks: %w", err)
	}
	nf, err := failed.RowsAffected()
	if err != nil {
		return 0, err
	}
	nr, err := reset.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(nf + nr), nil
}

// --- Reporting ---

// WindowStats aggregates activity over [start, end).
func (s *SQLiteStore) WindowStats(start, end time.Time) (*WindowStats, error) {
	stats := &WindowStats{}
	start, end = start.UTC(), end.UTC()

	counts := []struct {
		dest  *int
		query string
	}{
		{&stats.TasksCompleted,
			`SELECT COUNT(1) FROM tasks WHERE status='completed' AND completed_at >= ? AND completed_at < ?`},
		{&stats.TasksFailed,
			`SELECT COUNT(1) FROM tasks WHERE status='failed' AND completed_at >= ? AND completed_at < ?`},
		{&stats.FindingsDetected,
			`SELECT COUNT(1) FROM findings WHERE detected_at >= ? AND detected_at < ?`},
		{&stats.FindingsResolved,
			`SELECT COUNT(1) FROM findings f JOIN tasks t ON t.id = f.related_task_id
			 WHERE t.status='completed' AND t.completed_at >= ? AND t.completed_at < ?`},
		{&stats.CyclesAborted,
			`SELECT COUNT(1) FROM cycle_runs WHERE aborted = 1 AND started_at >= ? AND started_at < ?`},
	}
	for _, c := range counts {
		if err := s.db.QueryRow(c.query, start, end).Scan(c.dest); err != nil {
			return nil, fmt.Errorf("window stats: %w", err)
		}
	}

	notable := []struct {
		dest   *[]*Task
		status TaskStatus
	}{
		{&stats.NotableCompleted, TaskCompleted},
		{&stats.NotableFailed, TaskFailed},
	}
	for _, n := range notable {
		rows, err := s.db.Query(`
			SELECT * FROM tasks
			WHERE status = ? AND completed_at >= ? AND completed_at < ?
			ORDER BY priority DESC, completed_at DESC
			LIMIT ?`,
			string(n.status), start, end, notableLimit)
		if err != nil {
			return nil, fmt.Errorf("window stats notable: %w", err)
		}
		for rows.Next() {
			t, err := scanTask(rows)
			if err != nil {
				rows.Close()
				return nil, err
			}
			*n.dest = append(*n.dest, t)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}
	return stats, nil
}

// CreateReport persists an immutable report record.
func (s *SQLiteStore) CreateReport(r *Report) (string, error) {
	r.ID = newID()
	if r.GeneratedAt.IsZero() {
		r.GeneratedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`
		INSERT INTO reports
			(id, generated_at, window_start, window_end, tasks_completed, tasks_failed,
			 findings_detected, findings_resolved, cycles_aborted, executive_summary)
		VALUES (?,?,?,?,?,?,?,?,?,?)`,
		r.ID, r.GeneratedAt, r.WindowStart, r.WindowEnd,
		r.TasksCompleted, r.TasksFailed, r.FindingsDetected, r.FindingsResolved,
		r.CyclesAborted, r.ExecutiveSummary,
	)
	if err != nil {
		return "", fmt.Errorf("insert report: %w", err)
	}
	return r.ID, nil
}

// LatestReport returns the most recently generated report.
func (s *SQLiteStore) LatestReport() (*Report, error) {
	row := s.db.QueryRow(`SELECT * FROM reports ORDER BY generated_at DESC LIMIT 1`)
	var r Report
	err := row.Scan(
		&r.ID, &r.GeneratedAt, &r.WindowStart, &r.WindowEnd,
		&r.TasksCompleted, &r.TasksFailed, &r.FindingsDetected, &r.FindingsResolved,
		&r.CyclesAborted, &r.ExecutiveSummary,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("latest report: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("latest report: %w", err)
	}
	return &r, nil
}

// RecordCycleRun persists the outcome of one coordinator invocation.
func (s *SQLiteStore) RecordCycleRun(run *CycleRun) error {
	if run.ID == "" {
		run.ID = newID()
	}
	_, err := s.db.Exec(`
		INSERT INTO cycle_runs
			(id, started_at, finished_at, aborted, error, tasks_reclaimed,
			 findings_detected, findings_converted, tasks_executed)
		VALUES (?,?,?,?,?,?,?,?,?)`,
		run.ID, run.StartedAt, run.FinishedAt, boolToInt(run.Aborted), run.Error,
		run.TasksReclaimed, run.FindingsDetected, run.FindingsConverted, run.TasksExecuted,
	)
	if err != nil {
		return fmt.Errorf("insert cycle run: %w", err)
	}
	return nil
}

// --- scan helpers ---

// scanner abstracts sql.Row and sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanTask(s scanner) (*Task, error) {
	var t Task
	var taskType, category, status, result string
	var startedAt, completedAt sql.NullTime

	err := s.Scan(
		&t.ID, &taskType, &category, &t.Priority, &status,
		&t.Title, &t.Description, &t.Progress,
		&t.Attempts, &t.MaxAttempts, &result, &t.Error,
		&t.CreatedAt, &startedAt, &completedAt,
		&t.RelatedFindingID,
	)
	if err != nil {
		return nil, err
	}

	t.Type = TaskType(taskType)
	t.Category = Category(category)
	t.Status = TaskStatus(status)
	if result != "" {
		t.Result = json.RawMessage(result)
	}
	if startedAt.Valid {
		t.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.Time
	}
	return &t, nil
}

func scanFinding(s scanner) (*Finding, error) {
	var f Finding
	var findingType, severity string

	err := s.Scan(
		&f.ID, &findingType, &severity, &f.Title, &f.Evidence, &f.Detector,
		&f.DetectedAt, &f.RelatedTaskID,
	)
	if err != nil {
		return nil, err
	}

	f.Type = FindingType(findingType)
	f.Severity = Severity(severity)
	return &f, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
