package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/phrazzld/scry-ingest/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTracker(t *testing.T) (*PostgresTaskTracker, sqlmock.Sqlmock) {
	t.Helper()
	db, mock := newMockDB(t)
	tr := NewPostgresTaskTracker(db, nil)
	tr.now = func() time.Time { return fixedNow }
	return tr, mock
}

func TestPostgresTaskTracker_Track(t *testing.T) {
	tr, mock := newTestTracker(t)
	gen := uuid.New()

	mock.ExpectExec(`INSERT INTO entity_tasks`).
		WithArgs(gen, "k/a", "active", fixedNow).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, tr.Track(context.Background(), "k/a", gen))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresTaskTracker_ListActive(t *testing.T) {
	tr, mock := newTestTracker(t)
	a, b := uuid.New(), uuid.New()

	mock.ExpectQuery(`FROM entity_tasks`).
		WithArgs("k/a", "active").
		WillReturnRows(sqlmock.NewRows([]string{"generation_id", "entity_key", "state", "created_at", "updated_at"}).
			AddRow(a.String(), "k/a", "active", fixedNow, fixedNow).
			AddRow(b.String(), "k/a", "active", fixedNow.Add(time.Second), fixedNow))

	tasks, err := tr.ListActive(context.Background(), "k/a")
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, a, tasks[0].GenerationID)
	assert.Equal(t, store.TrackedTaskActive, tasks[1].State)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresTaskTracker_MarkTerminal(t *testing.T) {
	tr, mock := newTestTracker(t)
	gen := uuid.New()

	mock.ExpectExec(`UPDATE entity_tasks`).
		WithArgs(gen, "terminal", fixedNow).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, tr.MarkTerminal(context.Background(), gen), "unknown IDs are a no-op")
	assert.NoError(t, mock.ExpectationsWereMet())
}
