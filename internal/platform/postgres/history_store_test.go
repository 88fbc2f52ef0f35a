package postgres_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/soulsync/internal/platform/postgres"
	"github.com/phrazzld/soulsync/internal/store"
	"github.com/phrazzld/soulsync/internal/testdb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newHistoryRecord(jobType, status string, completedAt time.Time) store.HistoryRecord {
	started := completedAt.Add(-2 * time.Second)
	return store.HistoryRecord{
		JobID:       uuid.New(),
		Type:        jobType,
		Status:      status,
		Priority:    1,
		Attempts:    1,
		MaxRetries:  3,
		Payload:     json.RawMessage(`{"url":"https://example.com/track.flac"}`),
		CreatedAt:   completedAt.Add(-time.Minute),
		StartedAt:   &started,
		CompletedAt: completedAt,
	}
}

func TestPostgresHistoryStore_RoundTrip(t *testing.T) {
	db := testdb.GetTestDBWithT(t)
	historyStore := postgres.NewPostgresHistoryStore(db)
	ctx := context.Background()

	jobType := "it-" + uuid.NewString()

	now := time.Now().UTC().Truncate(time.Microsecond)
	completed := newHistoryRecord(jobType, "completed", now)
	completed.Result = json.RawMessage(`{"bytes":1024}`)
	failed := newHistoryRecord(jobType, "failed", now.Add(time.Second))
	failed.Error = "connection refused"
	failed.StartedAt = nil

	require.NoError(t, historyStore.InsertBatch(ctx, []store.HistoryRecord{completed, failed}))

	got, err := historyStore.Get(ctx, completed.JobID)
	require.NoError(t, err)
	assert.Equal(t, completed.Type, got.Type)
	assert.Equal(t, "completed", got.Status)
	assert.JSONEq(t, `{"bytes":1024}`, string(got.Result))
	assert.JSONEq(t, string(completed.Payload), string(got.Payload))
	require.NotNil(t, got.StartedAt)
	assert.True(t, completed.StartedAt.Equal(*got.StartedAt))

	list, err := historyStore.List(ctx, store.HistoryFilter{Type: jobType})
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, failed.JobID, list[0].JobID, "most recently completed first")
	assert.Nil(t, list[0].StartedAt)
	assert.Equal(t, "connection refused", list[0].Error)

	onlyFailed, err := historyStore.List(ctx, store.HistoryFilter{Type: jobType, Status: "failed"})
	require.NoError(t, err)
	require.Len(t, onlyFailed, 1)

	// Upsert replaces the earlier record.
	failed.Status = "completed"
	failed.Error = ""
	require.NoError(t, historyStore.InsertBatch(ctx, []store.HistoryRecord{failed}))
	got, err = historyStore.Get(ctx, failed.JobID)
	require.NoError(t, err)
	assert.Equal(t, "completed", got.Status)

	deleted, err := historyStore.DeleteBefore(ctx, now.Add(time.Hour))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, deleted, int64(2))

	_, err = historyStore.Get(ctx, completed.JobID)
	assert.ErrorIs(t, err, store.ErrHistoryNotFound)
}

func TestPostgresHistoryStore_RejectsInvalidStatus(t *testing.T) {
	db := testdb.GetTestDBWithT(t)
	historyStore := postgres.NewPostgresHistoryStore(db)

	record := newHistoryRecord("it-"+uuid.NewString(), "running", time.Now().UTC())
	err := historyStore.InsertBatch(context.Background(), []store.HistoryRecord{record})

	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrInvalidEntity)

	_, err = historyStore.Get(context.Background(), record.JobID)
	assert.ErrorIs(t, err, store.ErrHistoryNotFound, "failed batch is rolled back")
}

func TestMigrationVersion(t *testing.T) {
	db := testdb.GetTestDBWithT(t)

	version, err := postgres.MigrationVersion(context.Background(), db, nil)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, version, int64(1))
}

func TestPostgresHistoryStore_WithTx(t *testing.T) {
	db := testdb.GetTestDBWithT(t)
	ctx := context.Background()

	tx, err := db.BeginTx(ctx, nil)
	require.NoError(t, err)
	defer func() { _ = tx.Rollback() }()

	historyStore := postgres.NewPostgresHistoryStore(db).WithTx(tx)
	record := newHistoryRecord("it-"+uuid.NewString(), "cancelled", time.Now().UTC())
	require.NoError(t, historyStore.InsertBatch(ctx, []store.HistoryRecord{record}))

	got, err := historyStore.Get(ctx, record.JobID)
	require.NoError(t, err)
	assert.Equal(t, "cancelled", got.Status)

	require.NoError(t, tx.Rollback())

	_, err = postgres.NewPostgresHistoryStore(db).Get(ctx, record.JobID)
	assert.ErrorIs(t, err, store.ErrHistoryNotFound, "rolled back with the caller's transaction")
}
