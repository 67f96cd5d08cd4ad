// Package store defines the task, finding, and report models and their
// persistence. All status transitions go through the store's atomic
// conditional updates; nothing else in the system read-then-writes state.
package store

import (
	"encoding/json"
	"errors"
	"time"
)

// TaskStatus represents the lifecycle state of a task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
)

// TaskType selects the handler that executes a task.
type TaskType string

const (
	TypeProposeCodeChange   TaskType = "propose_code_change"
	TypeRunTests            TaskType = "run_tests"
	TypeUpdateDocs          TaskType = "update_docs"
	TypeSecurityScan        TaskType = "security_scan"
	TypeOptimizePerformance TaskType = "optimize_performance"
	TypeCodeCleanup         TaskType = "code_cleanup"
)

// Category groups tasks for reporting. It plays no part in scheduling.
type Category string

const (
	CategoryDebugging    Category = "debugging"
	CategoryOptimization Category = "optimization"
	CategoryTesting      Category = "testing"
	CategoryDeployment   Category = "deployment"
)

// Task is a unit of work derived from a finding (or created directly).
type Task struct {
	ID               string          `json:"id"`
	Type             TaskType        `json:"type"`
	Category         Category        `json:"category"`
	Priority         int             `json:"priority"` // 1-10, 10 runs first
	Status           TaskStatus      `json:"status"`
	Title            string          `json:"title"`
	Description      string          `json:"description"`
	Progress         int             `json:"progress"` // 0-100
	Attempts         int             `json:"attempts"`
	MaxAttempts      int             `json:"max_attempts"`
	Result           json.RawMessage `json:"result,omitempty"`
	Error            string          `json:"error,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	StartedAt        *time.Time      `json:"started_at,omitempty"`
	CompletedAt      *time.Time      `json:"completed_at,omitempty"`
	RelatedFindingID string          `json:"related_finding_id,omitempty"`
}

// FindingType classifies a detected condition.
type FindingType string

const (
	FindingError        FindingType = "error"
	FindingBug          FindingType = "bug"
	FindingSecurity     FindingType = "security"
	FindingOptimization FindingType = "optimization"
	FindingPerformance  FindingType = "performance"
	FindingImprovement  FindingType = "improvement"
	FindingWarning      FindingType = "warning"
	FindingInsight      FindingType = "insight"
)

// Severity ranks how urgent a finding is.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

// Finding is a detected condition warranting action. Once RelatedTaskID is
// set the finding is terminal and is never selected for conversion again.
type Finding struct {
	ID            string      `json:"id"`
	Type          FindingType `json:"finding_type"`
	Severity      Severity    `json:"severity"`
	Title         string      `json:"title"`
	Evidence      string      `json:"evidence,omitempty"`
	Detector      string      `json:"detector,omitempty"`
	DetectedAt    time.Time   `json:"detected_at"`
	RelatedTaskID string      `json:"related_task_id,omitempty"`
}

// Report is an immutable point-in-time aggregate over a reporting window.
type Report struct {
	ID               string    `json:"id"`
	GeneratedAt      time.Time `json:"generated_at"`
	WindowStart      time.Time `json:"window_start"`
	WindowEnd        time.Time `json:"window_end"`
	TasksCompleted   int       `json:"tasks_completed"`
	TasksFailed      int       `json:"tasks_failed"`
	FindingsDetected int       `json:"findings_detected"`
	FindingsResolved int       `json:"findings_resolved"`
	CyclesAborted    int       `json:"cycles_aborted"`
	ExecutiveSummary string    `json:"executive_summary"`
}

// CycleRun records the outcome of one coordinator invocation, so reports can
// account for cycles lost to store outages instead of showing silent gaps.
type CycleRun struct {
	ID                string    `json:"id"`
	StartedAt         time.Time `json:"started_at"`
	FinishedAt        time.Time `json:"finished_at"`
	Aborted           bool      `json:"aborted"`
	Error             string    `json:"error,omitempty"`
	TasksReclaimed    int       `json:"tasks_reclaimed"`
	FindingsDetected  int       `json:"findings_detected"`
	FindingsConverted int       `json:"findings_converted"`
	TasksExecuted     int       `json:"tasks_executed"`
}

// TaskFilter controls which tasks are returned by ListTasks.
type TaskFilter struct {
	Status   *TaskStatus `json:"status,omitempty"`
	Type     TaskType    `json:"type,omitempty"`
	Category Category    `json:"category,omitempty"`
	Limit    int         `json:"limit,omitempty"`
	Offset   int         `json:"offset,omitempty"`
}

// FindingFilter controls which findings are returned by ListFindings.
type FindingFilter struct {
	Type        FindingType `json:"finding_type,omitempty"`
	Severity    Severity    `json:"severity,omitempty"`
	Unconverted bool        `json:"unconverted,omitempty"`
	Limit       int         `json:"limit,omitempty"`
	Offset      int         `json:"offset,omitempty"`
}

// WindowStats aggregates activity over a reporting window.
type WindowStats struct {
	TasksCompleted   int
	TasksFailed      int
	FindingsDetected int
	FindingsResolved int
	CyclesAborted    int
	NotableCompleted []*Task
	NotableFailed    []*Task
}

// Sentinel errors returned by conditional store operations.
var (
	ErrNotFound      = errors.New("not found")
	ErrNotInProgress = errors.New("task is not in progress")
)

// Store persists tasks, findings, reports, and cycle runs. The Claim*,
// CreateTaskLinkedToFinding, Complete/Fail/Retry, and Reclaim operations are
// atomic conditional updates; they are the only concurrency-safety mechanism
// in the system.
type Store interface {
	// Ping reports whether the backing database is reachable.
	Ping() error

	// CreateFinding persists a new finding and returns its assigned ID.
	CreateFinding(f *Finding) (string, error)

	// GetFinding retrieves a finding by ID.
	GetFinding(id string) (*Finding, error)

	// ListFindings returns findings matching the filter, newest first.
	ListFindings(filter FindingFilter) ([]*Finding, error)

	// ListUnconvertedFindings returns up to limit findings with no related
	// task, oldest first.
	ListUnconvertedFindings(limit int) ([]*Finding, error)

	// HasUnconvertedFinding reports whether an unconverted finding with the
	// same type and title already exists.
	HasUnconvertedFinding(ft FindingType, title string) (bool, error)

	// CreateTaskLinkedToFinding creates the task and marks the finding
	// converted in one transaction. If the finding was already converted the
	// call is a no-op and the existing task ID is returned.
	CreateTaskLinkedToFinding(findingID string, t *Task) (string, error)

	// CreateTask persists a task that is not linked to a finding.
	CreateTask(t *Task) (string, error)

	// GetTask retrieves a task by ID.
	GetTask(id string) (*Task, error)

	// ListTasks returns tasks matching the filter.
	ListTasks(filter TaskFilter) ([]*Task, error)

	// ListPendingTasksByPriority returns up to limit pending tasks in claim
	// order.
	ListPendingTasksByPriority(limit int) ([]*Task, error)

	// ClaimNextPendingTask transitions the highest-priority pending task
	// (oldest created_at breaking ties) to in_progress, setting started_at
	// and incrementing attempts, in a single conditional update. Tasks whose
	// retry budget is spent are never claimed, so attempts stays within
	// max_attempts. Returns (nil, nil) when no claimable task exists.
	ClaimNextPendingTask() (*Task, error)

	// CompleteTask transitions an in_progress task to completed. Returns
	// ErrNotInProgress if the task is in any other state.
	CompleteTask(id string, result json.RawMessage) error

	// FailTask transitions an in_progress task to failed (terminal). Returns
	// ErrNotInProgress if the task is in any other state.
	FailTask(id string, cause string) error

	// RetryTask returns an in_progress task to pending, recording the cause
	// of the failed attempt. Attempts are not touched; the increment happened
	// at claim time.
	RetryTask(id string, cause string) error

	// UpdateTaskProgress records sub-step progress and the interim result on
	// an in_progress task, refreshing started_at so healthy multi-step work
	// is not reclaimed. An empty result preserves the one already stored.
	UpdateTaskProgress(id string, progress int, result json.RawMessage) error

	// ReclaimStuckTasks resets every in_progress task claimed before
	// now-olderThan back to pending, terminally failing those whose retry
	// budget is already spent, and returns how many it touched.
	ReclaimStuckTasks(olderThan time.Duration) (int, error)

	// WindowStats aggregates task/finding/cycle activity over [start, end).
	WindowStats(start, end time.Time) (*WindowStats, error)

	// CreateReport persists an immutable report record.
	CreateReport(r *Report) (string, error)

	// LatestReport returns the most recently generated report, or
	// ErrNotFound when none exists.
	LatestReport() (*Report, error)

	// RecordCycleRun persists the outcome of one coordinator invocation.
	RecordCycleRun(run *CycleRun) error
}
