package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"marketatlas/internal/logging"
)

// Task types.
const (
	TaskDiscovery        = "discovery"
	TaskDeepDive         = "deep_dive"
	TaskEarningsAnalysis = "earnings_analysis"
	TaskFilingAnalysis   = "filing_analysis"
	TaskComparative      = "comparative"
)

// Task statuses. Transitions are one-way:
// queued -> running -> completed|failed|cancelled, queued -> cancelled.
// Terminal statuses never change again.
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// ResultSchemaVersion is the version written for new results. Version 0 rows
// predate versioning and hold the legacy flat shape.
const ResultSchemaVersion = 2

// ErrTaskFinished is returned when an operation targets a task that already
// reached a terminal status.
var ErrTaskFinished = errors.New("task already finished")

// ValidTaskType reports whether t names a known research task type.
func ValidTaskType(t string) bool {
	switch t {
	case TaskDiscovery, TaskDeepDive, TaskEarningsAnalysis, TaskFilingAnalysis, TaskComparative:
		return true
	}
	return false
}

// IsTerminalStatus reports whether a status is terminal.
func IsTerminalStatus(s string) bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// ResearchTask is one queued or executed research job.
type ResearchTask struct {
	ID               string
	UserID           string
	TaskType         string
	Status           string
	Progress         int
	ParametersJSON   string
	ResultJSON       string
	ResultVersion    int
	ErrorMessage     string
	NotificationSent bool
	CreatedAt        time.Time
	StartedAt        time.Time
	FinishedAt       time.Time
}

// CreateTask enqueues a new research task.
func (s *Store) CreateTask(userID, taskType, parametersJSON string) (*ResearchTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !ValidTaskType(taskType) {
		return nil, fmt.Errorf("unknown task type %q", taskType)
	}
	if parametersJSON == "" {
		parametersJSON = "{}"
	}

	t := &ResearchTask{
		ID:             uuid.NewString(),
		UserID:         userID,
		TaskType:       taskType,
		Status:         StatusQueued,
		ParametersJSON: parametersJSON,
		CreatedAt:      time.Now().UTC(),
	}
	_, err := s.db.Exec(
		`INSERT INTO research_tasks (id, user_id, task_type, status, progress, parameters_json, created_at)
		 VALUES (?, ?, ?, ?, 0, ?, ?)`,
		t.ID, t.UserID, t.TaskType, t.Status, t.ParametersJSON, t.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create task: %w", err)
	}
	logging.Tasks("Queued %s task %s for user %s", t.TaskType, t.ID, t.UserID)
	return t, nil
}

// GetTask returns a task by ID. Legacy results are upgraded to the current
// schema on read.
func (s *Store) GetTask(id string) (*ResearchTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getTask(id)
}

// GetUserTask returns a task only if it belongs to the given user.
func (s *Store) GetUserTask(id, userID string) (*ResearchTask, error) {
	t, err := s.GetTask(id)
	if err != nil {
		return nil, err
	}
	if t.UserID != userID {
		return nil, ErrNotFound
	}
	return t, nil
}

// ListTasks returns a user's tasks, newest first. Status and taskType
// filter when non-empty; both apply before the limit so a filtered page
// fills up.
func (s *Store) ListTasks(userID, status, taskType string, limit int) ([]*ResearchTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}
	query := taskSelect + " WHERE user_id = ?"
	args := []interface{}{userID}
	if status != "" {
		query += " AND status = ?"
		args = append(args, status)
	}
	if taskType != "" {
		query += " AND task_type = ?"
		args = append(args, taskType)
	}
	query += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*ResearchTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		t.ResultJSON = NormalizeResult(t.ResultJSON, t.ResultVersion)
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// ClaimNextQueued atomically flips the oldest queued task to running and
// returns it. Returns ErrNotFound when the queue is empty. Each task can be
// claimed at most once.
func (s *Store) ClaimNextQueued() (*ResearchTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin claim: %w", err)
	}
	defer tx.Rollback()

	var id string
	err = tx.QueryRow(
		"SELECT id FROM research_tasks WHERE status = ? ORDER BY created_at LIMIT 1",
		StatusQueued,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select queued task: %w", err)
	}

	now := time.Now().UTC()
	res, err := tx.Exec(
		"UPDATE research_tasks SET status = ?, started_at = ? WHERE id = ? AND status = ?",
		StatusRunning, now, id, StatusQueued,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to claim task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Raced with a cancel between select and update.
		return nil, ErrNotFound
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}

	t, err := s.getTask(id)
	if err != nil {
		return nil, err
	}
	logging.TasksDebug("Claimed task %s (%s)", t.ID, t.TaskType)
	return t, nil
}

// SetTaskProgress records execution progress. Progress is monotonic and only
// applies to running tasks; stale or out-of-order reports are silently
// dropped, which makes retries of a checkpoint idempotent.
func (s *Store) SetTaskProgress(id string, progress int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	_, err := s.db.Exec(
		"UPDATE research_tasks SET progress = ? WHERE id = ? AND status = ? AND progress < ?",
		progress, id, StatusRunning, progress,
	)
	if err != nil {
		return fmt.Errorf("failed to set progress: %w", err)
	}
	return nil
}

// CompleteTask finishes a running task with its result. The result is stored
// at the current schema version and progress snaps to 100.
func (s *Store) CompleteTask(id, resultJSON string) error {
	return s.finishTask(id, StatusCompleted, resultJSON, "")
}

// FailTask finishes a task with an error message.
func (s *Store) FailTask(id, errMsg string) error {
	return s.finishTask(id, StatusFailed, "", errMsg)
}

// CancelTask marks a queued or running task cancelled. Tasks that already
// reached a terminal status return ErrTaskFinished. For running tasks the
// caller is responsible for also signalling the executor's context.
func (s *Store) CancelTask(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		`UPDATE research_tasks SET status = ?, finished_at = ?
		 WHERE id = ? AND status IN (?, ?)`,
		StatusCancelled, time.Now().UTC(), id, StatusQueued, StatusRunning,
	)
	if err != nil {
		return fmt.Errorf("failed to cancel task: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		logging.Tasks("Cancelled task %s", id)
		return nil
	}

	// Distinguish missing from finished.
	var status string
	err = s.db.QueryRow("SELECT status FROM research_tasks WHERE id = ?", id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to check task: %w", err)
	}
	return ErrTaskFinished
}

// MarkNotificationSent flips the notification flag and reports whether this
// call won the flip. Exactly one caller observes true per task.
func (s *Store) MarkNotificationSent(id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		"UPDATE research_tasks SET notification_sent = 1 WHERE id = ? AND notification_sent = 0",
		id,
	)
	if err != nil {
		return false, fmt.Errorf("failed to mark notification: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// FailInterruptedTasks marks tasks left in running state by a previous
// process as failed. Called once at startup before workers begin.
func (s *Store) FailInterruptedTasks() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		`UPDATE research_tasks SET status = ?, error_message = ?, finished_at = ?
		 WHERE status = ?`,
		StatusFailed, "interrupted by server restart", time.Now().UTC(), StatusRunning,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to fail interrupted tasks: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		logging.TasksWarn("Failed %d tasks interrupted by restart", n)
	}
	return n, nil
}

// CountTasksByStatus returns task counts per status, for metrics.
func (s *Store) CountTasksByStatus() (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query("SELECT status, COUNT(*) FROM research_tasks GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("failed to count tasks: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// NormalizeResult upgrades a stored result to the current schema. Rows
// written before versioning hold a flat object; those are wrapped into the
// comprehensive shape so readers only ever see one format.
func NormalizeResult(raw string, version int) string {
	if raw == "" || version >= ResultSchemaVersion {
		return raw
	}
	var legacy map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &legacy); err != nil {
		// Not an object; leave it alone.
		return raw
	}
	if _, ok := legacy["schema_version"]; ok {
		return raw
	}
	upgraded := map[string]interface{}{
		"schema_version": ResultSchemaVersion,
		"report_type":    "comprehensive",
		"sections":       legacy,
	}
	out, err := json.Marshal(upgraded)
	if err != nil {
		return raw
	}
	return string(out)
}

func (s *Store) finishTask(id, status, resultJSON, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		`UPDATE research_tasks SET status = ?, progress = CASE WHEN ? = ? THEN 100 ELSE progress END,
			result_json = ?, result_version = ?, error_message = ?, finished_at = ?
		 WHERE id = ? AND status = ?`,
		status, status, StatusCompleted,
		resultJSON, ResultSchemaVersion, errMsg, time.Now().UTC(),
		id, StatusRunning,
	)
	if err != nil {
		return fmt.Errorf("failed to finish task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Cancelled (or otherwise terminal) while the executor was wrapping
		// up. Terminal state wins; the late result is discarded.
		return ErrTaskFinished
	}
	logging.Tasks("Task %s finished: %s", id, status)
	return nil
}

const taskSelect = `SELECT id, user_id, task_type, status, progress,
	parameters_json, result_json, result_version, error_message,
	notification_sent, created_at, started_at, finished_at FROM research_tasks`

func (s *Store) getTask(id string) (*ResearchTask, error) {
	row := s.db.QueryRow(taskSelect+" WHERE id = ?", id)

	var t ResearchTask
	var notified int
	var started, finished sql.NullTime
	err := row.Scan(&t.ID, &t.UserID, &t.TaskType, &t.Status, &t.Progress,
		&t.ParametersJSON, &t.ResultJSON, &t.ResultVersion, &t.ErrorMessage,
		&notified, &t.CreatedAt, &started, &finished)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan task: %w", err)
	}
	t.NotificationSent = notified != 0
	if started.Valid {
		t.StartedAt = started.Time
	}
	if finished.Valid {
		t.FinishedAt = finished.Time
	}
	t.ResultJSON = NormalizeResult(t.ResultJSON, t.ResultVersion)
	return &t, nil
}

func scanTask(rows *sql.Rows) (*ResearchTask, error) {
	var t ResearchTask
	var notified int
	var started, finished sql.NullTime
	err := rows.Scan(&t.ID, &t.UserID, &t.TaskType, &t.Status, &t.Progress,
		&t.ParametersJSON, &t.ResultJSON, &t.ResultVersion, &t.ErrorMessage,
		&notified, &t.CreatedAt, &started, &finished)
	if err != nil {
		return nil, fmt.Errorf("failed to scan task: %w", err)
	}
	t.NotificationSent = notified != 0
	if started.Valid {
		t.StartedAt = started.Time
	}
	if finished.Valid {
		t.FinishedAt = finished.Time
	}
	return &t, nil
}
