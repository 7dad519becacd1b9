package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// EnqueueTask inserts a PENDING task record.
func (s *Store) EnqueueTask(ctx context.Context, taskID, entityType, entityID, handlerName string, payload json.RawMessage) error {
	var payloadArg interface{}
	if len(payload) > 0 {
		payloadArg = string(payload)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO task_queue (task_id, entity_type, entity_id, handler_name, status, payload, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		taskID, entityType, entityID, handlerName, TaskStatusPending, payloadArg, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue task %s (%s): %w", taskID, handlerName, err)
	}
	return nil
}

// GetPendingTasks returns all PENDING records, oldest first.
func (s *Store) GetPendingTasks(ctx context.Context) ([]TaskRecord, error) {
	query := `
		SELECT task_id, entity_type, entity_id, handler_name, status, payload,
			created_at, started_at, completed_at, error_message
		FROM task_queue WHERE status = ?
		ORDER BY created_at ASC
	`
	rows, err := s.db.QueryContext(ctx, query, TaskStatusPending)
	if err != nil {
		return nil, fmt.Errorf("failed to get pending tasks: %w", err)
	}
	defer rows.Close()

	tasks := make([]TaskRecord, 0)
	for rows.Next() {
		record, err := scanTaskRecord(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *record)
	}
	return tasks, rows.Err()
}

// GetTask retrieves a single task record by id.
func (s *Store) GetTask(ctx context.Context, taskID string) (*TaskRecord, error) {
	query := `
		SELECT task_id, entity_type, entity_id, handler_name, status, payload,
			created_at, started_at, completed_at, error_message
		FROM task_queue WHERE task_id = ?
	`
	row := s.db.QueryRowContext(ctx, query, taskID)
	record, err := scanTaskRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
		}
		return nil, err
	}
	return record, nil
}

// ListTasksByHandler returns every record for a handler name, oldest first.
// Used by tests and the usage endpoint; the dispatcher only reads PENDING.
func (s *Store) ListTasksByHandler(ctx context.Context, handlerName string) ([]TaskRecord, error) {
	query := `
		SELECT task_id, entity_type, entity_id, handler_name, status, payload,
			created_at, started_at, completed_at, error_message
		FROM task_queue WHERE handler_name = ?
		ORDER BY created_at ASC
	`
	rows, err := s.db.QueryContext(ctx, query, handlerName)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	tasks := make([]TaskRecord, 0)
	for rows.Next() {
		record, err := scanTaskRecord(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *record)
	}
	return tasks, rows.Err()
}

// ClaimTask atomically transitions PENDING → IN_PROGRESS. Returns
// ErrClaimConflict when the record is no longer PENDING (another claimer won).
func (s *Store) ClaimTask(ctx context.Context, taskID string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE task_queue SET status = ?, started_at = ? WHERE task_id = ? AND status = ?`,
		TaskStatusInProgress, time.Now().UTC(), taskID, TaskStatusPending,
	)
	if err != nil {
		return fmt.Errorf("failed to claim task %s: %w", taskID, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("task %s: %w", taskID, ErrClaimConflict)
	}
	return nil
}

// CompleteTask records the terminal status of a claimed task.
func (s *Store) CompleteTask(ctx context.Context, taskID, status, errorMessage string) error {
	if status != TaskStatusCompleted && status != TaskStatusFailed {
		return fmt.Errorf("invalid terminal task status: %s", status)
	}
	var errArg interface{}
	if errorMessage != "" {
		errArg = errorMessage
	}
	result, err := s.db.ExecContext(ctx,
		`UPDATE task_queue SET status = ?, completed_at = ?, error_message = ? WHERE task_id = ?`,
		status, time.Now().UTC(), errArg, taskID,
	)
	if err != nil {
		return fmt.Errorf("failed to complete task %s: %w", taskID, err)
	}
	return requireRowAffected(result, "task", taskID)
}

// ClearTaskQueue drops PENDING and IN_PROGRESS records and returns the number
// removed. Invoked at process start so stale IN_PROGRESS records from a hard
// crash are never replayed blindly; resume goes through planner next_handler
// state. Terminal records stay behind as an audit trail.
func (s *Store) ClearTaskQueue(ctx context.Context) (int, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM task_queue WHERE status NOT IN (?, ?)`,
		TaskStatusCompleted, TaskStatusFailed,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to clear task queue: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return int(n), nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTaskRecord(row rowScanner) (*TaskRecord, error) {
	var t TaskRecord
	var payload, errorMessage sql.NullString
	var startedAt, completedAt sql.NullTime
	err := row.Scan(
		&t.TaskID, &t.EntityType, &t.EntityID, &t.HandlerName, &t.Status, &payload,
		&t.CreatedAt, &startedAt, &completedAt, &errorMessage,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan task record: %w", err)
	}
	if payload.Valid {
		t.Payload = json.RawMessage(payload.String)
	}
	if errorMessage.Valid {
		t.ErrorMessage = errorMessage.String
	}
	if startedAt.Valid {
		t.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.Time
	}
	return &t, nil
}
