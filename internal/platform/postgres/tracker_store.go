package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/scry-ingest/internal/store"
)

// PostgresTaskTracker implements store.TaskTracker on the entity_tasks table.
type PostgresTaskTracker struct {
	db     store.DBTX
	logger *slog.Logger
	now    func() time.Time
}

// NewPostgresTaskTracker creates a tracker. If logger is nil, the default
// logger is used.
func NewPostgresTaskTracker(db store.DBTX, logger *slog.Logger) *PostgresTaskTracker {
	if db == nil {
		panic("db cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresTaskTracker{
		db:     db,
		logger: logger.With(slog.String("component", "task_tracker")),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

var _ store.TaskTracker = (*PostgresTaskTracker)(nil)

// Track implements store.TaskTracker.Track.
func (t *PostgresTaskTracker) Track(ctx context.Context, key string, generationID uuid.UUID) error {
	now := t.now()
	_, err := t.db.ExecContext(ctx, `
		INSERT INTO entity_tasks (generation_id, entity_key, state, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $4)
		ON CONFLICT (generation_id) DO UPDATE SET
			state = EXCLUDED.state,
			updated_at = EXCLUDED.updated_at`,
		generationID, key, string(store.TrackedTaskActive), now,
	)
	if err != nil {
		t.logger.Error("failed to track task",
			slog.String("key", key),
			slog.String("generation_id", generationID.String()),
			slog.String("error", err.Error()))
		return fmt.Errorf("track task %s: %w", generationID, MapError(err))
	}
	return nil
}

// ListActive implements store.TaskTracker.ListActive. Results are ordered by
// creation time.
func (t *PostgresTaskTracker) ListActive(ctx context.Context, key string) ([]store.TrackedTask, error) {
	rows, err := t.db.QueryContext(ctx, `
		SELECT generation_id, entity_key, state, created_at, updated_at
		FROM entity_tasks
		WHERE entity_key = $1 AND state = $2
		ORDER BY created_at ASC, generation_id ASC`,
		key, string(store.TrackedTaskActive),
	)
	if err != nil {
		return nil, fmt.Errorf("list tracked tasks for %q: %w", key, MapError(err))
	}
	defer func() { _ = rows.Close() }()

	var out []store.TrackedTask
	for rows.Next() {
		var (
			tt    store.TrackedTask
			state string
		)
		if err := rows.Scan(&tt.GenerationID, &tt.Key, &state, &tt.CreatedAt, &tt.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan tracked task: %w", err)
		}
		tt.State = store.TrackedTaskState(state)
		tt.CreatedAt = tt.CreatedAt.UTC()
		tt.UpdatedAt = tt.UpdatedAt.UTC()
		out = append(out, tt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tracked tasks: %w", err)
	}
	return out, nil
}

// MarkTerminal implements store.TaskTracker.MarkTerminal.
func (t *PostgresTaskTracker) MarkTerminal(ctx context.Context, generationID uuid.UUID) error {
	_, err := t.db.ExecContext(ctx, `
		UPDATE entity_tasks SET state = $2, updated_at = $3
		WHERE generation_id = $1 AND state <> $2`,
		generationID, string(store.TrackedTaskTerminal), t.now(),
	)
	if err != nil {
		return fmt.Errorf("mark tracked task %s terminal: %w", generationID, MapError(err))
	}
	return nil
}
