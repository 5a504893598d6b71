package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/chris247474/nanoclaw/schema"
)

const taskColumns = `id, group_folder, chat_jid, prompt, schedule_type, schedule_value, context_mode,
	next_run, last_run, last_result, status, created_at`

// CreateTask inserts a new task.
func (s *Store) CreateTask(ctx context.Context, task schema.ScheduledTask) error {
	if task.ID == "" {
		return fmt.Errorf("task id is required: %w", schema.ErrInvalidRequest)
	}
	if task.ContextMode == "" {
		task.ContextMode = schema.ContextIsolated
	}
	if task.Status == "" {
		task.Status = schema.TaskActive
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scheduled_tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(task.ID), string(task.GroupFolder), string(task.ChatJID), task.Prompt,
		string(task.ScheduleType), task.ScheduleValue, string(task.ContextMode),
		formatTimePtr(task.NextRun), formatTimePtr(task.LastRun), nullString(task.LastResult),
		string(task.Status), formatTime(task.CreatedAt))
	return err
}

// GetTaskByID returns a task, reporting whether it exists.
func (s *Store) GetTaskByID(ctx context.Context, id schema.TaskID) (schema.ScheduledTask, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM scheduled_tasks WHERE id = ?`, string(id))
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return schema.ScheduledTask{}, false, nil
	}
	if err != nil {
		return schema.ScheduledTask{}, false, err
	}
	return task, true, nil
}

// ListTasks returns every task, newest first.
func (s *Store) ListTasks(ctx context.Context) ([]schema.ScheduledTask, error) {
	return s.queryTasks(ctx, `SELECT `+taskColumns+` FROM scheduled_tasks ORDER BY created_at DESC`)
}

// TasksForGroup returns a tenant's tasks, newest first.
func (s *Store) TasksForGroup(ctx context.Context, folder schema.GroupFolder) ([]schema.ScheduledTask, error) {
	return s.queryTasks(ctx, `SELECT `+taskColumns+` FROM scheduled_tasks WHERE group_folder = ? ORDER BY created_at DESC`, string(folder))
}

// GetDueTasks returns active tasks whose next run is at or before now.
func (s *Store) GetDueTasks(ctx context.Context, now time.Time) ([]schema.ScheduledTask, error) {
	return s.queryTasks(ctx, `SELECT `+taskColumns+` FROM scheduled_tasks
		WHERE status = ? AND next_run IS NOT NULL AND next_run <= ?
		ORDER BY next_run`, string(schema.TaskActive), formatTime(now))
}

// UpdateTask applies the non-nil fields of update.
func (s *Store) UpdateTask(ctx context.Context, id schema.TaskID, update schema.TaskUpdate) error {
	var (
		sets []string
		args []any
	)
	if update.Prompt != nil {
		sets = append(sets, "prompt = ?")
		args = append(args, *update.Prompt)
	}
	if update.ScheduleType != nil {
		sets = append(sets, "schedule_type = ?")
		args = append(args, string(*update.ScheduleType))
	}
	if update.ScheduleValue != nil {
		sets = append(sets, "schedule_value = ?")
		args = append(args, *update.ScheduleValue)
	}
	if update.NextRun != nil {
		sets = append(sets, "next_run = ?")
		args = append(args, formatTime(*update.NextRun))
	}
	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, string(id))
	res, err := s.db.ExecContext(ctx, `UPDATE scheduled_tasks SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return err
	}
	return requireRow(res, id)
}

// DeleteTask removes a task and its run history.
func (s *Store) DeleteTask(ctx context.Context, id schema.TaskID) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, `DELETE FROM task_run_logs WHERE task_id = ?`, string(id)); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM scheduled_tasks WHERE id = ?`, string(id))
	if err != nil {
		return err
	}
	if err := requireRow(res, id); err != nil {
		return err
	}
	return tx.Commit()
}

// UpdateTaskAfterRun records a run's outcome. A nil nextRun completes the task.
func (s *Store) UpdateTaskAfterRun(ctx context.Context, id schema.TaskID, nextRun *time.Time, lastResult string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_tasks
		SET next_run = ?, last_run = ?, last_result = ?,
			status = CASE WHEN ? IS NULL THEN ? ELSE status END
		WHERE id = ?`,
		formatTimePtr(nextRun), formatTime(s.now()), lastResult,
		formatTimePtr(nextRun), string(schema.TaskCompleted), string(id))
	if err != nil {
		return err
	}
	return requireRow(res, id)
}

// LogTaskRun appends a run record.
func (s *Store) LogTaskRun(ctx context.Context, run schema.TaskRunLog) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_run_logs (task_id, run_at, duration_ms, status, result, error)
		VALUES (?, ?, ?, ?, ?, ?)`,
		string(run.TaskID), formatTime(run.RunAt), run.DurationMS, string(run.Status),
		nullString(run.Result), nullString(run.Error))
	return err
}

// TaskRunLogs returns a task's most recent runs, newest first.
func (s *Store) TaskRunLogs(ctx context.Context, id schema.TaskID, limit int) ([]schema.TaskRunLog, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, run_at, duration_ms, status, result, error
		FROM task_run_logs WHERE task_id = ? ORDER BY run_at DESC, id DESC LIMIT ?`,
		string(id), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []schema.TaskRunLog
	for rows.Next() {
		var (
			run     schema.TaskRunLog
			taskID  string
			runAt   string
			status  string
			result  sql.NullString
			errText sql.NullString
		)
		if err := rows.Scan(&taskID, &runAt, &run.DurationMS, &status, &result, &errText); err != nil {
			return nil, err
		}
		run.TaskID = schema.TaskID(taskID)
		run.Status = schema.RunStatus(status)
		run.Result = result.String
		run.Error = errText.String
		if run.RunAt, err = parseTime(runAt); err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

func (s *Store) queryTasks(ctx context.Context, query string, args ...any) ([]schema.ScheduledTask, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []schema.ScheduledTask
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, task)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (schema.ScheduledTask, error) {
	var (
		task         schema.ScheduledTask
		id           string
		folder       string
		jid          string
		scheduleType string
		contextMode  string
		status       string
		createdAt    string
		nextRun      sql.NullString
		lastRun      sql.NullString
		lastResult   sql.NullString
	)
	if err := row.Scan(&id, &folder, &jid, &task.Prompt, &scheduleType, &task.ScheduleValue, &contextMode,
		&nextRun, &lastRun, &lastResult, &status, &createdAt); err != nil {
		return schema.ScheduledTask{}, err
	}
	task.ID = schema.TaskID(id)
	task.GroupFolder = schema.GroupFolder(folder)
	task.ChatJID = schema.ChatJID(jid)
	task.ScheduleType = schema.ScheduleType(scheduleType)
	task.ContextMode = schema.ContextMode(contextMode)
	task.Status = schema.TaskStatus(status)
	task.LastResult = lastResult.String
	var err error
	if task.NextRun, err = parseTimePtr(nextRun); err != nil {
		return schema.ScheduledTask{}, err
	}
	if task.LastRun, err = parseTimePtr(lastRun); err != nil {
		return schema.ScheduledTask{}, err
	}
	if task.CreatedAt, err = parseTime(createdAt); err != nil {
		return schema.ScheduledTask{}, err
	}
	return task, nil
}

func requireRow(res sql.Result, id schema.TaskID) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", id, schema.ErrTaskNotFound)
	}
	return nil
}
