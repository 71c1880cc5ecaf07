package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/scry-ingest/internal/platform/logger"
	"github.com/phrazzld/scry-ingest/internal/store"
	"github.com/phrazzld/scry-ingest/internal/task"
)

const taskColumns = `id, type, entity_key, payload, status, attempt, armed_attempt, error_message, created_at, updated_at`

// PostgresTaskStore implements the task.TaskStore interface using PostgreSQL
type PostgresTaskStore struct {
	db  store.DBTX
	now func() time.Time
}

// NewPostgresTaskStore creates a new PostgresTaskStore
func NewPostgresTaskStore(db store.DBTX) *PostgresTaskStore {
	return &PostgresTaskStore{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}
}

var _ task.TaskStore = (*PostgresTaskStore)(nil)

// CreateTask inserts a pending task or re-arms a terminal one under the same ID.
// Re-arming keeps the attempt counter and records it as armed_attempt, so a
// finish from an execution of the previous creation can never match.
// Zero affected rows means a live task holds the ID.
func (s *PostgresTaskStore) CreateTask(ctx context.Context, rec *task.Record) error {
	log := logger.FromContext(ctx)

	now := s.now()
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, type, entity_key, payload, status, attempt, armed_attempt, error_message, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 0, 0, '', $6, $6)
		ON CONFLICT (id) DO UPDATE SET
			type = EXCLUDED.type,
			entity_key = EXCLUDED.entity_key,
			payload = EXCLUDED.payload,
			status = EXCLUDED.status,
			armed_attempt = tasks.attempt,
			error_message = '',
			updated_at = EXCLUDED.updated_at
		WHERE tasks.status IN ($7, $8, $9)`,
		rec.ID, rec.Type, rec.Key, rec.Payload, string(task.TaskStatusPending), now,
		string(task.TaskStatusCompleted), string(task.TaskStatusFailed), string(task.TaskStatusTerminated),
	)
	if err != nil {
		log.Error("failed to save task",
			"task_id", rec.ID,
			"task_type", rec.Type,
			"error", err)
		return fmt.Errorf("failed to save task to database: %w", MapError(err))
	}

	changed, err := rowsChanged(result)
	if err != nil {
		return err
	}
	if !changed {
		return task.ErrConflict
	}
	return nil
}

// GetTask returns the task row or store.ErrTaskNotFound.
func (s *PostgresTaskStore) GetTask(ctx context.Context, id uuid.UUID) (*task.Record, error) {
	rec, err := scanTask(s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", MapError(err))
	}
	return rec, nil
}

// ClaimTask moves a pending task to processing. It returns nil when the task
// is not pending.
func (s *PostgresTaskStore) ClaimTask(ctx context.Context, id uuid.UUID) (*task.Record, error) {
	rec, err := scanTask(s.db.QueryRowContext(ctx, `
		UPDATE tasks
		SET status = $2, attempt = attempt + 1, updated_at = $3
		WHERE id = $1 AND status = $4
		RETURNING `+taskColumns,
		id, string(task.TaskStatusProcessing), s.now(), string(task.TaskStatusPending),
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim task: %w", MapError(err))
	}
	return rec, nil
}

// FinishTask records the result of one attempt.
func (s *PostgresTaskStore) FinishTask(
	ctx context.Context,
	id uuid.UUID,
	attempt int,
	status task.TaskStatus,
	errorMsg string,
) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET status = $3, error_message = $4, updated_at = $5
		WHERE id = $1 AND attempt = $2 AND status = $6`,
		id, attempt, string(status), errorMsg, s.now(), string(task.TaskStatusProcessing),
	)
	if err != nil {
		logger.FromContext(ctx).Error("failed to update task status",
			"task_id", id,
			"status", status,
			"error", err)
		return false, fmt.Errorf("failed to update task status: %w", MapError(err))
	}
	return rowsChanged(result)
}

// TerminateTask moves a live task to terminated.
func (s *PostgresTaskStore) TerminateTask(ctx context.Context, id uuid.UUID) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET status = $2, updated_at = $3
		WHERE id = $1 AND status IN ($4, $5)`,
		id, string(task.TaskStatusTerminated), s.now(),
		string(task.TaskStatusPending), string(task.TaskStatusProcessing),
	)
	if err != nil {
		return false, fmt.Errorf("failed to terminate task: %w", MapError(err))
	}
	changed, err := rowsChanged(result)
	if err != nil || changed {
		return changed, err
	}

	var exists bool
	if err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM tasks WHERE id = $1)`, id,
	).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check task: %w", MapError(err))
	}
	if !exists {
		return false, store.ErrTaskNotFound
	}
	return false, nil
}

// ResetTask moves a processing task back to pending.
func (s *PostgresTaskStore) ResetTask(ctx context.Context, id uuid.UUID, errorMsg string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET status = $2, error_message = $3, updated_at = $4
		WHERE id = $1 AND status = $5`,
		id, string(task.TaskStatusPending), errorMsg, s.now(), string(task.TaskStatusProcessing),
	)
	if err != nil {
		return false, fmt.Errorf("failed to reset task: %w", MapError(err))
	}
	return rowsChanged(result)
}

// GetTasksByStatus retrieves tasks with the given status, optionally only
// those not updated within olderThan.
func (s *PostgresTaskStore) GetTasksByStatus(
	ctx context.Context,
	status task.TaskStatus,
	olderThan time.Duration,
) ([]*task.Record, error) {
	log := logger.FromContext(ctx)

	var query string
	var args []interface{}

	if olderThan > 0 {
		query = `SELECT ` + taskColumns + `
			FROM tasks
			WHERE status = $1 AND updated_at < $2
			ORDER BY created_at ASC`
		args = []interface{}{string(status), s.now().Add(-olderThan)}
	} else {
		query = `SELECT ` + taskColumns + `
			FROM tasks
			WHERE status = $1
			ORDER BY created_at ASC`
		args = []interface{}{string(status)}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		log.Error("failed to query tasks by status",
			"status", status,
			"error", err)
		return nil, fmt.Errorf("failed to query tasks by status: %w", MapError(err))
	}
	defer func() { _ = rows.Close() }()

	var records []*task.Record
	for rows.Next() {
		rec, err := scanTask(rows)
		if err != nil {
			log.Error("failed to scan task row",
				"status", status,
				"error", err)
			return nil, fmt.Errorf("failed to scan task row: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating task rows: %w", err)
	}

	return records, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*task.Record, error) {
	var (
		rec    task.Record
		status string
	)
	if err := row.Scan(
		&rec.ID,
		&rec.Type,
		&rec.Key,
		&rec.Payload,
		&status,
		&rec.Attempt,
		&rec.ArmedAttempt,
		&rec.ErrorMessage,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	); err != nil {
		return nil, err
	}
	rec.Status = task.TaskStatus(status)
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	return &rec, nil
}
