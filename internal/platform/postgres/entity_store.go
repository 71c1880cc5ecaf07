package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/scry-ingest/internal/domain"
	"github.com/phrazzld/scry-ingest/internal/platform/logger"
	"github.com/phrazzld/scry-ingest/internal/store"
)

const entityColumns = `key, ordering_marker, generation_id, task_state, object_ref,
	outcome_label, outcome_score, error_detail, created_at, updated_at`

// PostgresEntityStore implements store.EntityStore on the entities and
// entity_tombstones tables.
//
// Marker comparisons run inside a transaction holding a per-key advisory
// lock, so writers in different processes are serialized per key.
type PostgresEntityStore struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

// NewPostgresEntityStore creates an entity store. If logger is nil, the
// default logger is used.
func NewPostgresEntityStore(db *sql.DB, logger *slog.Logger) *PostgresEntityStore {
	if db == nil {
		panic("db cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresEntityStore{
		db:     db,
		logger: logger.With(slog.String("component", "entity_store")),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

var _ store.EntityStore = (*PostgresEntityStore)(nil)

// Get implements store.EntityStore.Get.
func (s *PostgresEntityStore) Get(ctx context.Context, key string) (*domain.EntityRecord, error) {
	rec, err := getEntity(ctx, s.db, key, false)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, store.ErrEntityNotFound
	}
	return rec, nil
}

// AdvanceMarker implements store.EntityStore.AdvanceMarker.
func (s *PostgresEntityStore) AdvanceMarker(
	ctx context.Context,
	key string,
	marker domain.OrderingMarker,
	objectRef string,
	generationID uuid.UUID,
) (store.Advance, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)
	var result store.Advance

	err := store.RunInTransaction(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		if err := lockKey(ctx, tx, key); err != nil {
			return err
		}

		tomb, hasTomb, err := getTombstone(ctx, tx, key)
		if err != nil {
			return err
		}
		if hasTomb && !marker.After(tomb) {
			current, err := getEntity(ctx, tx, key, true)
			if err != nil {
				return err
			}
			result = store.Advance{Record: current}
			return nil
		}

		now := s.now()
		row := tx.QueryRowContext(ctx, `
			INSERT INTO entities (key, ordering_marker, generation_id, task_state, object_ref,
				outcome_label, outcome_score, error_detail, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, NULL, NULL, '', $6, $6)
			ON CONFLICT (key) DO UPDATE SET
				ordering_marker = EXCLUDED.ordering_marker,
				generation_id = EXCLUDED.generation_id,
				task_state = EXCLUDED.task_state,
				object_ref = EXCLUDED.object_ref,
				outcome_label = NULL,
				outcome_score = NULL,
				error_detail = '',
				updated_at = EXCLUDED.updated_at
			WHERE entities.ordering_marker < EXCLUDED.ordering_marker
			RETURNING `+entityColumns,
			key, int64(marker), generationID, string(domain.TaskStateLaunching), objectRef, now,
		)
		written, err := scanEntity(row)
		if err != nil {
			return MapError(err)
		}
		if written == nil {
			current, err := getEntity(ctx, tx, key, true)
			if err != nil {
				return err
			}
			result = store.Advance{Record: current}
			return nil
		}

		if hasTomb {
			if _, err := tx.ExecContext(ctx, `DELETE FROM entity_tombstones WHERE key = $1`, key); err != nil {
				return MapError(err)
			}
		}

		result = store.Advance{Advanced: true, Record: written}
		return nil
	})
	if err != nil {
		log.Error("failed to advance ordering marker",
			slog.String("key", key),
			slog.String("marker", marker.String()),
			slog.String("error", err.Error()))
		return store.Advance{}, store.NewStoreError("entity", "advance", fmt.Sprintf("key %q", key), err)
	}

	return result, nil
}

// MarkActive implements store.EntityStore.MarkActive.
func (s *PostgresEntityStore) MarkActive(ctx context.Context, key string, generationID uuid.UUID) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE entities
		SET task_state = $3, updated_at = $4
		WHERE key = $1 AND generation_id = $2 AND task_state = $5`,
		key, generationID, string(domain.TaskStateActive), s.now(), string(domain.TaskStateLaunching),
	)
	if err != nil {
		return false, store.NewStoreError("entity", "activate", fmt.Sprintf("key %q", key), MapError(err))
	}
	return rowsChanged(res)
}

// ApplyResult implements store.EntityStore.ApplyResult.
// The write is a single compare-and-set on generation and task state.
func (s *PostgresEntityStore) ApplyResult(
	ctx context.Context,
	key string,
	generationID uuid.UUID,
	outcome *domain.Outcome,
	errDetail string,
) (bool, error) {
	state := domain.TaskStateFailed
	var label sql.NullString
	var score sql.NullFloat64
	if outcome != nil {
		state = domain.TaskStateApplied
		label = sql.NullString{String: outcome.Label, Valid: true}
		score = sql.NullFloat64{Float64: outcome.Score, Valid: true}
		errDetail = ""
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE entities
		SET task_state = $3, outcome_label = $4, outcome_score = $5,
			error_detail = $6, updated_at = $7
		WHERE key = $1 AND generation_id = $2 AND task_state IN ($8, $9)`,
		key, generationID, string(state), label, score, errDetail, s.now(),
		string(domain.TaskStateLaunching), string(domain.TaskStateActive),
	)
	if err != nil {
		return false, store.NewStoreError("entity", "apply", fmt.Sprintf("key %q", key), MapError(err))
	}
	return rowsChanged(res)
}

// DeleteIfNewer implements store.EntityStore.DeleteIfNewer.
func (s *PostgresEntityStore) DeleteIfNewer(ctx context.Context, key string, marker domain.OrderingMarker) (bool, error) {
	var deleted bool

	err := store.RunInTransaction(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		if err := lockKey(ctx, tx, key); err != nil {
			return err
		}

		tomb, hasTomb, err := getTombstone(ctx, tx, key)
		if err != nil {
			return err
		}
		if hasTomb && !marker.After(tomb) {
			return nil
		}

		current, err := getEntity(ctx, tx, key, true)
		if err != nil {
			return err
		}
		if current != nil && !marker.After(current.OrderingMarker) {
			return nil
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO entity_tombstones (key, ordering_marker, deleted_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (key) DO UPDATE SET
				ordering_marker = EXCLUDED.ordering_marker,
				deleted_at = EXCLUDED.deleted_at`,
			key, int64(marker), s.now(),
		); err != nil {
			return MapError(err)
		}

		if current != nil {
			if _, err := tx.ExecContext(ctx, `DELETE FROM entities WHERE key = $1`, key); err != nil {
				return MapError(err)
			}
		}

		deleted = true
		return nil
	})
	if err != nil {
		return false, store.NewStoreError("entity", "delete", fmt.Sprintf("key %q", key), err)
	}
	return deleted, nil
}

// lockKey takes a transaction-scoped advisory lock on the key's hash.
func lockKey(ctx context.Context, tx *sql.Tx, key string) error {
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, key); err != nil {
		return fmt.Errorf("failed to lock key: %w", MapError(err))
	}
	return nil
}

func getTombstone(ctx context.Context, q store.DBTX, key string) (domain.OrderingMarker, bool, error) {
	var marker int64
	err := q.QueryRowContext(ctx,
		`SELECT ordering_marker FROM entity_tombstones WHERE key = $1`, key,
	).Scan(&marker)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, MapError(err)
	}
	return domain.OrderingMarker(marker), true, nil
}

// getEntity returns nil without error when no row exists.
func getEntity(ctx context.Context, q store.DBTX, key string, forUpdate bool) (*domain.EntityRecord, error) {
	query := `SELECT ` + entityColumns + ` FROM entities WHERE key = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	rec, err := scanEntity(q.QueryRowContext(ctx, query, key))
	if err != nil {
		return nil, MapError(err)
	}
	return rec, nil
}

// scanEntity returns nil without error when the row is empty.
func scanEntity(row *sql.Row) (*domain.EntityRecord, error) {
	var (
		rec    domain.EntityRecord
		marker int64
		state  string
		label  sql.NullString
		score  sql.NullFloat64
	)
	err := row.Scan(
		&rec.Key,
		&marker,
		&rec.GenerationID,
		&state,
		&rec.ObjectRef,
		&label,
		&score,
		&rec.ErrorDetail,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	rec.OrderingMarker = domain.OrderingMarker(marker)
	rec.TaskState = domain.TaskState(state)
	if label.Valid {
		rec.Outcome = &domain.Outcome{Label: label.String, Score: score.Float64}
	}
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	return &rec, nil
}
