package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"companiongw/pkg/apperror"
	"companiongw/pkg/database"
)

// Store persists scheduled_tasks, task_executions, and task_locks (spec
// §4.9). It never retries internally; callers decide whether a failure is
// fatal.
type Store struct {
	db database.DB
}

// NewStore wraps db as a task store.
func NewStore(db database.DB) *Store {
	return &Store{db: db}
}

// VerifyTablesExist fails loudly if any required table is missing, per
// spec §4.9: "verify_tables_exist() fails process loudly if missing".
// Called once at startup so a misconfigured deployment exits non-zero
// instead of failing scheduler operations one at a time later.
func (s *Store) VerifyTablesExist(ctx context.Context) error {
	required := []string{"scheduled_tasks", "task_executions", "task_locks"}
	for _, table := range required {
		var exists bool
		err := s.db.QueryRow(ctx, `SELECT EXISTS (
			SELECT 1 FROM information_schema.tables WHERE table_name = $1
		)`, table).Scan(&exists)
		if err != nil {
			return fmt.Errorf("verifying table %q exists: %w", table, err)
		}
		if !exists {
			return fmt.Errorf("required scheduler table %q does not exist", table)
		}
	}
	return nil
}

// CreateTask inserts a new ScheduledTask.
func (s *Store) CreateTask(ctx context.Context, task ScheduledTask) error {
	cfgJSON, err := json.Marshal(task.Config)
	if err != nil {
		return fmt.Errorf("marshaling task config: %w", err)
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO scheduled_tasks (task_id, task_class, schedule, config, enabled, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
	`, task.TaskID, task.TaskClass, task.Schedule, cfgJSON, task.Enabled, time.Now())
	if err != nil {
		return fmt.Errorf("creating task: %w", err)
	}
	return nil
}

// GetTask fetches one task by ID.
func (s *Store) GetTask(ctx context.Context, taskID string) (*ScheduledTask, error) {
	var t ScheduledTask
	var cfgJSON []byte

	err := s.db.QueryRow(ctx, `
		SELECT task_id, task_class, schedule, config, enabled, created_at, updated_at
		FROM scheduled_tasks WHERE task_id = $1
	`, taskID).Scan(&t.TaskID, &t.TaskClass, &t.Schedule, &cfgJSON, &t.Enabled, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperror.NewWithField(apperror.CodeTaskNotFound, "no such task", "task_id")
	}
	if err != nil {
		return nil, fmt.Errorf("fetching task: %w", err)
	}
	if err := json.Unmarshal(cfgJSON, &t.Config); err != nil {
		return nil, fmt.Errorf("decoding task config: %w", err)
	}
	return &t, nil
}

// ListTasks returns all tasks, optionally filtered to enabled ones.
func (s *Store) ListTasks(ctx context.Context, enabledOnly bool) ([]ScheduledTask, error) {
	query := `SELECT task_id, task_class, schedule, config, enabled, created_at, updated_at FROM scheduled_tasks`
	if enabledOnly {
		query += ` WHERE enabled = true`
	}
	query += ` ORDER BY task_id`

	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("listing tasks: %w", err)
	}
	defer rows.Close()

	var tasks []ScheduledTask
	for rows.Next() {
		var t ScheduledTask
		var cfgJSON []byte
		if err := rows.Scan(&t.TaskID, &t.TaskClass, &t.Schedule, &cfgJSON, &t.Enabled, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning task row: %w", err)
		}
		if err := json.Unmarshal(cfgJSON, &t.Config); err != nil {
			return nil, fmt.Errorf("decoding task config: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// UpdateTask overwrites a task's schedule, config, and enabled flag.
func (s *Store) UpdateTask(ctx context.Context, task ScheduledTask) error {
	cfgJSON, err := json.Marshal(task.Config)
	if err != nil {
		return fmt.Errorf("marshaling task config: %w", err)
	}
	tag, err := s.db.Exec(ctx, `
		UPDATE scheduled_tasks SET schedule = $2, config = $3, enabled = $4, updated_at = $5
		WHERE task_id = $1
	`, task.TaskID, task.Schedule, cfgJSON, task.Enabled, time.Now())
	if err != nil {
		return fmt.Errorf("updating task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperror.NewWithField(apperror.CodeTaskNotFound, "no such task", "task_id")
	}
	return nil
}

// SetEnabled toggles a task's enabled flag.
func (s *Store) SetEnabled(ctx context.Context, taskID string, enabled bool) error {
	tag, err := s.db.Exec(ctx, `UPDATE scheduled_tasks SET enabled = $2, updated_at = $3 WHERE task_id = $1`,
		taskID, enabled, time.Now())
	if err != nil {
		return fmt.Errorf("setting task enabled: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperror.NewWithField(apperror.CodeTaskNotFound, "no such task", "task_id")
	}
	return nil
}

// DeleteTask removes a task and its history.
func (s *Store) DeleteTask(ctx context.Context, taskID string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM scheduled_tasks WHERE task_id = $1`, taskID)
	if err != nil {
		return fmt.Errorf("deleting task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperror.NewWithField(apperror.CodeTaskNotFound, "no such task", "task_id")
	}
	return nil
}

// RecordExecutionStart inserts a new running TaskExecution row under the
// given executionID, which the caller must already hold the task lock for.
func (s *Store) RecordExecutionStart(ctx context.Context, taskID, executionID string) (*TaskExecution, error) {
	exec := TaskExecution{
		ExecutionID: executionID,
		TaskID:      taskID,
		Status:      StatusRunning,
		StartedAt:   time.Now(),
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO task_executions (execution_id, task_id, status, started_at)
		VALUES ($1, $2, $3, $4)
	`, exec.ExecutionID, exec.TaskID, exec.Status, exec.StartedAt)
	if err != nil {
		return nil, fmt.Errorf("recording execution start: %w", err)
	}
	return &exec, nil
}

// RecordExecutionFinish updates an execution row with its terminal state.
func (s *Store) RecordExecutionFinish(ctx context.Context, executionID string, status ExecutionStatus, result map[string]any, errMsg string, finishedAt time.Time, duration time.Duration) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshaling execution result: %w", err)
	}
	_, err = s.db.Exec(ctx, `
		UPDATE task_executions
		SET status = $2, completed_at = $3, duration_seconds = $4, result = $5, error_message = $6
		WHERE execution_id = $1
	`, executionID, status, finishedAt, duration.Seconds(), resultJSON, nullableString(errMsg))
	if err != nil {
		return fmt.Errorf("recording execution finish: %w", err)
	}
	return nil
}

// History returns the most recent executions for a task, newest first,
// capped to limit (spec §6: "GET .../history?limit=1..1000").
func (s *Store) History(ctx context.Context, taskID string, limit int) ([]TaskExecution, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.Query(ctx, `
		SELECT execution_id, task_id, status, started_at, completed_at, duration_seconds, result, error_message
		FROM task_executions WHERE task_id = $1 ORDER BY started_at DESC LIMIT $2
	`, taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("fetching execution history: %w", err)
	}
	defer rows.Close()

	var executions []TaskExecution
	for rows.Next() {
		var e TaskExecution
		var durationSeconds float64
		var resultJSON []byte
		var errMsg *string
		if err := rows.Scan(&e.ExecutionID, &e.TaskID, &e.Status, &e.StartedAt, &e.FinishedAt, &durationSeconds, &resultJSON, &errMsg); err != nil {
			return nil, fmt.Errorf("scanning execution row: %w", err)
		}
		e.Duration = time.Duration(durationSeconds * float64(time.Second))
		if errMsg != nil {
			e.ErrorMsg = *errMsg
		}
		if len(resultJSON) > 0 {
			_ = json.Unmarshal(resultJSON, &e.Result)
		}
		executions = append(executions, e)
	}
	return executions, rows.Err()
}

// AcquireLock implements the lock protocol of spec §4.9: delete any
// expired lock for this task, then insert a fresh one only if none
// remains, inside a single transaction so two concurrent callers cannot
// both observe "no lock" (testable property 7: lock mutual exclusion
// under 100 concurrent attempts).
func (s *Store) AcquireLock(ctx context.Context, taskID, executionID string, ttl time.Duration) (bool, error) {
	return database.WithTransactionResult(ctx, s.db, func(tx pgx.Tx) (bool, error) {
		now := time.Now()

		if _, err := tx.Exec(ctx, `DELETE FROM task_locks WHERE task_id = $1 AND expires_at < $2`, taskID, now); err != nil {
			return false, fmt.Errorf("clearing expired lock: %w", err)
		}

		tag, err := tx.Exec(ctx, `
			INSERT INTO task_locks (task_id, execution_id, expires_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (task_id) DO NOTHING
		`, taskID, executionID, now.Add(ttl))
		if err != nil {
			return false, fmt.Errorf("inserting lock: %w", err)
		}

		return tag.RowsAffected() == 1, nil
	})
}

// ReleaseLock removes a lock. Idempotent: releasing a lock that does not
// exist, or that belongs to a different execution, is not an error (spec
// §4.9: "release_lock idempotent").
func (s *Store) ReleaseLock(ctx context.Context, taskID, executionID string) error {
	_, err := s.db.Exec(ctx, `DELETE FROM task_locks WHERE task_id = $1 AND execution_id = $2`, taskID, executionID)
	if err != nil {
		return fmt.Errorf("releasing lock: %w", err)
	}
	return nil
}

// DeleteExecutionsOlderThan implements the log_cleanup built-in task's
// storage call, grounded on the original scheduler's
// cleanup_old_executions routine.
func (s *Store) DeleteExecutionsOlderThan(retentionDays int) (int64, error) {
	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	tag, err := s.db.Exec(context.Background(), `DELETE FROM task_executions WHERE started_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleaning up old executions: %w", err)
	}
	return tag.RowsAffected(), nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
